// Package portalloc implements atomic cross-process TCP port reservation
// backed by the port_allocations table, with an OS-level belt-and-braces
// check against engine/table desync.
package portalloc

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"time"

	"github.com/cuemby/ctfd/pkg/log"
	"github.com/cuemby/ctfd/pkg/metrics"
)

// ErrFull is returned when no port could be reserved after the configured
// number of attempts.
var ErrFull = fmt.Errorf("portalloc: no free port")

// Allocator reserves and releases ports from the pool seeded by store.Init.
type Allocator struct {
	db          *sql.DB
	maxAttempts int
}

// New builds an Allocator over the given pool (the request-path pool for
// Reserve/Release, shared with the Janitor's sweep which uses its own
// maintenance pool via the package-level Sweep).
func New(db *sql.DB, maxAttempts int) *Allocator {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Allocator{db: db, maxAttempts: maxAttempts}
}

// Reserve atomically claims the lowest-numbered free port and associates
// it with containerID (a placeholder id at Deploy time, updated to the
// real engine id once known). Returns ErrFull after maxAttempts.
func (a *Allocator) Reserve(ctx context.Context, containerID string) (int, error) {
	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		port, ok, err := a.tryReserve(ctx, containerID)
		if err != nil {
			return 0, fmt.Errorf("portalloc: reserve: %w", err)
		}
		if !ok {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		// Belt-and-braces: the table said this port was free; verify against
		// the OS in case something outside the table already holds it.
		if isPortFree(port) {
			return port, nil
		}
		if err := a.markStale(ctx, port); err != nil {
			return 0, fmt.Errorf("portalloc: mark stale: %w", err)
		}
	}
	metrics.PortAllocationFailuresTotal.Inc()
	return 0, ErrFull
}

// tryReserve performs the single indivisible SELECT...FOR UPDATE SKIP
// LOCKED + UPDATE step. ok=false means the table currently has no free row.
func (a *Allocator) tryReserve(ctx context.Context, containerID string) (port int, ok bool, err error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT port FROM port_allocations WHERE allocated = FALSE
		 ORDER BY port ASC FOR UPDATE SKIP LOCKED LIMIT 1`)
	if err := row.Scan(&port); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE port_allocations SET allocated = TRUE, container_id = $1, allocated_at = $2 WHERE port = $3`,
		containerID, time.Now().Unix(), port); err != nil {
		return 0, false, err
	}
	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	return port, true, nil
}

// findStaleButOSFree looks for an allocated row whose port is actually
// free at the OS level, signalling table/engine desync.
func (a *Allocator) findStaleButOSFree(ctx context.Context) (int, bool) {
	rows, err := a.db.QueryContext(ctx, `SELECT port FROM port_allocations WHERE allocated = TRUE`)
	if err != nil {
		return 0, false
	}
	defer rows.Close()
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			continue
		}
		if isPortFree(p) {
			return p, true
		}
	}
	return 0, false
}

// markStale keeps a row whose port turned out to be in use at the OS level
// allocated under a synthetic container id, so the next retry moves on to
// another port; Sweep frees the row once it is older than the max age.
func (a *Allocator) markStale(ctx context.Context, port int) error {
	syntheticID := fmt.Sprintf("stale-%d", time.Now().UnixNano())
	_, err := a.db.ExecContext(ctx,
		`UPDATE port_allocations SET allocated = TRUE, container_id = $1, allocated_at = $2 WHERE port = $3`,
		syntheticID, time.Now().Unix(), port)
	return err
}

// isPortFree probes the OS directly: if we can bind it, the engine has no
// listener bound to it despite what the table says.
func isPortFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// Release idempotently frees a port. Releasing an already-free port is a
// no-op and never returns an error for that case.
func (a *Allocator) Release(ctx context.Context, port int) error {
	_, err := a.db.ExecContext(ctx,
		`UPDATE port_allocations SET allocated = FALSE, container_id = NULL, allocated_at = NULL WHERE port = $1`, port)
	if err != nil {
		log.WithComponent("portalloc").Error().Err(err).Int("port", port).Msg("release failed")
	}
	return err
}

// UpdateContainerID rewrites a reservation's container_id, used by the
// Orchestrator once the real engine id is known (step 8 of Deploy).
func (a *Allocator) UpdateContainerID(ctx context.Context, port int, containerID string) error {
	_, err := a.db.ExecContext(ctx,
		`UPDATE port_allocations SET container_id = $1 WHERE port = $2`, containerID, port)
	return err
}

// Sweep releases rows allocated longer than maxAge ago whose container id
// is not among the currently running containers. db is typically the
// Janitor's maintenance pool.
func Sweep(ctx context.Context, db *sql.DB, maxAge time.Duration, runningIDs map[string]bool) (int, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	rows, err := db.QueryContext(ctx,
		`SELECT port, container_id FROM port_allocations WHERE allocated = TRUE AND allocated_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	var toRelease []int
	for rows.Next() {
		var port int
		var containerID sql.NullString
		if err := rows.Scan(&port, &containerID); err != nil {
			rows.Close()
			return 0, err
		}
		if !containerID.Valid || !runningIDs[containerID.String] {
			toRelease = append(toRelease, port)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	released := 0
	for _, p := range toRelease {
		if _, err := db.ExecContext(ctx,
			`UPDATE port_allocations SET allocated = FALSE, container_id = NULL, allocated_at = NULL WHERE port = $1`, p); err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}

// Counts returns (total, allocated) for port-pool metrics and /status.
func Counts(ctx context.Context, db *sql.DB) (total, allocated int, err error) {
	if err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM port_allocations`).Scan(&total); err != nil {
		return
	}
	err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM port_allocations WHERE allocated = TRUE`).Scan(&allocated)
	return
}
