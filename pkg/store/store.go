// Package store is the relational persistence layer: containers,
// port_allocations, ip_requests. It owns two independent connection pools —
// one for request-path traffic, one reserved for the Janitor — so
// maintenance work can never starve (or be starved by) user requests.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/cuemby/ctfd/pkg/log"
)

// ContainerStatus is the lifecycle state of a Container row.
type ContainerStatus string

const (
	StatusRunning ContainerStatus = "running"
	StatusStopped ContainerStatus = "stopped"
	StatusRemoved ContainerStatus = "removed"
)

// Container is a single challenge instance row.
type Container struct {
	ID             string
	Port           int
	StartTime      int64
	ExpirationTime int64
	UserUUID       string
	IPAddress      string
	Status         ContainerStatus
}

// PoolStats mirrors the original's get_connection_pool_stats() shape for
// the /admin/status response.
type PoolStats struct {
	Status         string
	FreeConns      int
	InUseConns     int
	MaxConns       int
}

// Store wraps the two pools and exposes the schema/CRUD surface consumed
// by PortAllocator, RateLimiter, Orchestrator, Janitor and the API.
type Store struct {
	db          *sql.DB // request-path pool
	maintenance *sql.DB // Janitor-only pool
}

// Open connects the request pool and the dedicated maintenance pool and
// returns a ready Store. Callers must call Init to create schema.
func Open(dsn string, poolMin, poolMax, maintMin, maintMax int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open request pool: %w", err)
	}
	db.SetMaxOpenConns(poolMax)
	db.SetMaxIdleConns(poolMin)

	maint, err := sql.Open("pgx", dsn)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: open maintenance pool: %w", err)
	}
	maint.SetMaxOpenConns(maintMax)
	maint.SetMaxIdleConns(maintMin)

	return &Store{db: db, maintenance: maint}, nil
}

// Close closes both pools.
func (s *Store) Close() error {
	err1 := s.db.Close()
	err2 := s.maintenance.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Pool returns the request-path *sql.DB, for components (PortAllocator,
// RateLimiter) that run their own transactions against it.
func (s *Store) Pool() *sql.DB { return s.db }

// MaintenancePool returns the Janitor-only *sql.DB.
func (s *Store) MaintenancePool() *sql.DB { return s.maintenance }

// Init creates schema idempotently and seeds the port table for
// [startRange, stopRange) if it is empty.
func (s *Store) Init(ctx context.Context, startRange, stopRange int) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS containers (
			id TEXT PRIMARY KEY,
			port INTEGER NOT NULL,
			start_time BIGINT NOT NULL,
			expiration_time BIGINT NOT NULL,
			user_uuid TEXT NOT NULL,
			ip_address TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'running'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_containers_user_uuid ON containers(user_uuid)`,
		`CREATE INDEX IF NOT EXISTS idx_containers_status_exp ON containers(status, expiration_time)`,
		`CREATE TABLE IF NOT EXISTS port_allocations (
			port INTEGER PRIMARY KEY,
			allocated BOOLEAN NOT NULL DEFAULT FALSE,
			container_id TEXT,
			allocated_at BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS ip_requests (
			ip_address TEXT NOT NULL,
			request_time BIGINT NOT NULL,
			PRIMARY KEY (ip_address, request_time)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: init schema: %w", err)
		}
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM port_allocations`).Scan(&count); err != nil {
		return fmt.Errorf("store: count ports: %w", err)
	}
	if count > 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: seed ports: %w", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO port_allocations (port, allocated) VALUES ($1, FALSE) ON CONFLICT DO NOTHING`)
	if err != nil {
		return fmt.Errorf("store: seed ports: %w", err)
	}
	defer stmt.Close()
	for p := startRange; p < stopRange; p++ {
		if _, err := stmt.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("store: seed port %d: %w", p, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: seed ports commit: %w", err)
	}
	log.WithComponent("store").Info().Int("count", stopRange-startRange).Msg("seeded port allocation table")
	return nil
}

// withRetry retries transient connectivity errors with exponential
// backoff up to a fixed cap, matching database.py's execute_query wrapper.
// Logical (constraint, etc.) errors are returned immediately.
func withRetry(ctx context.Context, attempts int, fn func() error) error {
	backoff := 100 * time.Millisecond
	var lastErr error
	for i := 0; i < attempts; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded)
}

// InsertContainer records a newly created container.
func (s *Store) InsertContainer(ctx context.Context, c *Container) error {
	return withRetry(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO containers (id, port, start_time, expiration_time, user_uuid, ip_address, status)
			 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			c.ID, c.Port, c.StartTime, c.ExpirationTime, c.UserUUID, c.IPAddress, string(c.Status))
		return err
	})
}

// GetByUserUUID returns the caller's running container, if any.
func (s *Store) GetByUserUUID(ctx context.Context, userUUID string) (*Container, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, port, start_time, expiration_time, user_uuid, ip_address, status
		 FROM containers WHERE user_uuid = $1 AND status = 'running'`, userUUID)
	return scanContainer(row)
}

// GetByID returns a container by its id regardless of status.
func (s *Store) GetByID(ctx context.Context, id string) (*Container, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, port, start_time, expiration_time, user_uuid, ip_address, status
		 FROM containers WHERE id = $1`, id)
	return scanContainer(row)
}

func scanContainer(row *sql.Row) (*Container, error) {
	var c Container
	var status string
	err := row.Scan(&c.ID, &c.Port, &c.StartTime, &c.ExpirationTime, &c.UserUUID, &c.IPAddress, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Status = ContainerStatus(status)
	return &c, nil
}

// SetStatus transitions a container's status (running -> stopped|removed).
func (s *Store) SetStatus(ctx context.Context, id string, status ContainerStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE containers SET status = $1 WHERE id = $2`, string(status), id)
	return err
}

// SetExpiration updates the expiration_time of a running container.
func (s *Store) SetExpiration(ctx context.Context, id string, expiration int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE containers SET expiration_time = $1 WHERE id = $2`, expiration, id)
	return err
}

// ExpiredRunning returns up to limit containers with status=running and
// expiration_time <= now, for the Sweeper's batch.
func (s *Store) ExpiredRunning(ctx context.Context, now int64, limit int) ([]*Container, error) {
	rows, err := s.maintenance.QueryContext(ctx,
		`SELECT id, port, start_time, expiration_time, user_uuid, ip_address, status
		 FROM containers WHERE status = 'running' AND expiration_time <= $1
		 ORDER BY expiration_time ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Container
	for rows.Next() {
		var c Container
		var status string
		if err := rows.Scan(&c.ID, &c.Port, &c.StartTime, &c.ExpirationTime, &c.UserUUID, &c.IPAddress, &status); err != nil {
			return nil, err
		}
		c.Status = ContainerStatus(status)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// CountActive returns the number of running containers.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM containers WHERE status = 'running'`).Scan(&n)
	return n, err
}

// CountAllCreated returns the lifetime count of containers ever recorded,
// regardless of status, for the admin status endpoint.
func (s *Store) CountAllCreated(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM containers`).Scan(&n)
	return n, err
}

// ListRunning returns all running containers, for the admin status view.
func (s *Store) ListRunning(ctx context.Context) ([]*Container, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, port, start_time, expiration_time, user_uuid, ip_address, status
		 FROM containers WHERE status = 'running' ORDER BY start_time ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Container
	for rows.Next() {
		var c Container
		var status string
		if err := rows.Scan(&c.ID, &c.Port, &c.StartTime, &c.ExpirationTime, &c.UserUUID, &c.IPAddress, &status); err != nil {
			return nil, err
		}
		c.Status = ContainerStatus(status)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// PurgeTerminal deletes rows in terminal states older than retention,
// honoring spec.md's "retained for audit and may be purged" clause.
func (s *Store) PurgeTerminal(ctx context.Context, olderThan int64) (int64, error) {
	res, err := s.maintenance.ExecContext(ctx,
		`DELETE FROM containers WHERE status IN ('stopped','removed') AND expiration_time < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeIPRequests deletes ip_requests rows older than cutoff, using the
// maintenance pool since this is Janitor-only housekeeping.
func (s *Store) PurgeIPRequests(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.maintenance.ExecContext(ctx, `DELETE FROM ip_requests WHERE request_time < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Stats returns connection pool statistics for the admin status endpoint.
func (s *Store) Stats() PoolStats {
	st := s.db.Stats()
	return PoolStats{
		Status:     "healthy",
		FreeConns:  st.Idle,
		InUseConns: st.InUse,
		MaxConns:   st.MaxOpenConnections,
	}
}
