// Package api is the HTTP surface: user endpoints, admin endpoints,
// metrics, and logs, wired over an Orchestrator, Store, CaptchaBroker and
// PortAllocator.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/ctfd/pkg/captcha"
	"github.com/cuemby/ctfd/pkg/config"
	"github.com/cuemby/ctfd/pkg/log"
	"github.com/cuemby/ctfd/pkg/metrics"
	"github.com/cuemby/ctfd/pkg/orchestrator"
	"github.com/cuemby/ctfd/pkg/portalloc"
	"github.com/cuemby/ctfd/pkg/resources"
	"github.com/cuemby/ctfd/pkg/runtime"
	"github.com/cuemby/ctfd/pkg/store"
)

const cookieName = "ctf_user"

// Server is the HTTP surface described by the external interface table:
// user routes, admin routes, metrics and health.
type Server struct {
	cfg   *config.Config
	orch  *orchestrator.Orchestrator
	store *store.Store
	cap   *captcha.Broker
	drv   *runtime.Driver
	quota *resources.Monitor
	mux   *http.ServeMux
	http  *http.Server
}

// New wires every route into a fresh ServeMux.
func New(cfg *config.Config, orch *orchestrator.Orchestrator, st *store.Store, cb *captcha.Broker, drv *runtime.Driver, quota *resources.Monitor) *Server {
	s := &Server{cfg: cfg, orch: orch, store: st, cap: cb, drv: drv, quota: quota, mux: http.NewServeMux()}

	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/admin", s.handleAdminPage)
	s.mux.HandleFunc("/get_captcha", s.handleGetCaptcha)
	s.mux.HandleFunc("/deploy", s.handleDeploy)
	s.mux.HandleFunc("/stop", s.handleStop)
	s.mux.HandleFunc("/restart", s.handleRestart)
	s.mux.HandleFunc("/extend", s.handleExtend)
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/admin/status", s.handleAdminStatus)
	s.mux.HandleFunc("/logs", s.handleLogs)
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("/health", s.handleHealth)

	return s
}

// ListenAndServe starts the HTTP server with explicit read/write/idle
// timeouts. Blocks until Shutdown is called or the listener errors.
func (s *Server) ListenAndServe(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func sourceIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsLinkLocalUnicast())
}

func (s *Server) isAdmin(r *http.Request) bool {
	if isLoopback(r) {
		return true
	}
	key := r.URL.Query().Get("admin_key")
	return s.cfg.AdminKey != "" && key == s.cfg.AdminKey
}

// ensureUserCookie returns the caller's pseudonymous id, issuing and
// attaching a new one when absent. Cookie is HttpOnly, Path=/, 1-year TTL.
func ensureUserCookie(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		MaxAge:   365 * 24 * 3600,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	userUUID := ensureUserCookie(w, r)
	c, _ := s.orch.GetOwned(r.Context(), userUUID)
	writeJSON(w, http.StatusOK, map[string]any{
		"challenge_title":       s.cfg.ChallengeTitle,
		"challenge_description": s.cfg.ChallengeDescription,
		"bypass_captcha":        s.cfg.BypassCaptcha,
		"container":             c,
	})
}

func (s *Server) handleAdminPage(w http.ResponseWriter, r *http.Request) {
	if !s.isAdmin(r) {
		writeError(w, http.StatusForbidden, "admin access required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"page": "admin"})
}

func (s *Server) handleGetCaptcha(w http.ResponseWriter, r *http.Request) {
	id, image, err := s.cap.Issue()
	if err != nil {
		log.WithComponent("api").Error().Err(err).Msg("captcha issue failed")
		writeError(w, http.StatusInternalServerError, "captcha unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"captcha_id": id, "captcha_image": image})
}

type deployRequest struct {
	CaptchaID     string `json:"captcha_id"`
	CaptchaAnswer string `json:"captcha_answer"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userUUID := ensureUserCookie(w, r)

	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request format")
		return
	}

	dep, err := s.orch.Deploy(r.Context(), userUUID, sourceIP(r), req.CaptchaID, req.CaptchaAnswer)
	if err != nil {
		s.writeOrchErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "challenge instance deployed",
		"port":    dep.Port,
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userUUID := ensureUserCookie(w, r)
	if err := s.orch.Stop(r.Context(), userUUID); err != nil {
		s.writeOrchErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "challenge instance stopped"})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userUUID := ensureUserCookie(w, r)
	dep, err := s.orch.Restart(r.Context(), userUUID, sourceIP(r))
	if err != nil {
		s.writeOrchErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "challenge instance restarted",
		"port":    dep.Port,
	})
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userUUID := ensureUserCookie(w, r)
	newExpiration, err := s.orch.Extend(r.Context(), userUUID)
	if err != nil {
		s.writeOrchErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"new_expiration_time": newExpiration})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	active, err := s.store.CountActive(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "online",
		"challenge": s.cfg.ChallengeTitle,
		"active":    active,
	})
}

func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	if !s.isAdmin(r) {
		writeError(w, http.StatusForbidden, "admin access required")
		return
	}
	ctx := r.Context()

	running, err := s.store.ListRunning(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	total, allocated, err := portalloc.Counts(ctx, s.store.Pool())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	totalCreated, err := s.store.CountAllCreated(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	poolStats := s.store.Stats()
	snap := s.quota.Get()

	now := time.Now().Unix()
	containers := make([]map[string]any, 0, len(running))
	for _, c := range running {
		containers = append(containers, map[string]any{
			"id":              c.ID,
			"port":            c.Port,
			"start_time":      c.StartTime,
			"expiration_time": c.ExpirationTime,
			"time_left":       c.ExpirationTime - now,
			"status":          c.Status,
			"user_uuid":       c.UserUUID,
			"ip_address":      c.IPAddress,
		})
	}

	available := total - allocated
	usagePercent := 0.0
	if total > 0 {
		usagePercent = float64(allocated) / float64(total) * 100
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "online",
		"challenge": s.cfg.ChallengeTitle,
		"metrics": map[string]any{
			"active_containers":        len(running),
			"total_containers_created": totalCreated,
			"available_ports":          available,
			"port_usage_percent":       usagePercent,
		},
		"resources": map[string]any{
			"containers": map[string]any{
				"current": snap.Containers.Current,
				"limit":   snap.Containers.Limit,
				"percent": snap.Containers.Percent,
			},
			"cpu": map[string]any{
				"current": snap.CPU.Current,
				"limit":   snap.CPU.Limit,
				"percent": snap.CPU.Percent,
			},
			"memory": map[string]any{
				"current": snap.Memory.Current,
				"limit":   snap.Memory.Limit,
				"percent": snap.Memory.Percent,
			},
			"last_updated": snap.LastUpdated,
		},
		"database": map[string]any{
			"host": s.cfg.DBHost,
			"name": s.cfg.DBName,
			"connection_pool": map[string]any{
				"status":         poolStats.Status,
				"free_connections": poolStats.FreeConns,
				"max_connections":  poolStats.MaxConns,
			},
		},
		"rate_limiting": map[string]any{
			"max_containers_per_hour": s.cfg.MaxContainersPerSourcePerWindow,
			"window_seconds":          s.cfg.RateLimitWindowSec,
		},
		"containers": containers,
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if !s.isAdmin(r) {
		writeError(w, http.StatusForbidden, "admin access required")
		return
	}
	if !s.cfg.EnableLogsEndpoint {
		writeError(w, http.StatusForbidden, "logs endpoint disabled")
		return
	}

	ctx := r.Context()
	containerID := r.URL.Query().Get("container_id")
	if containerID == "" {
		// container_id is optional: fall back to the fixed reference
		// instance so an admin can sanity-check the challenge image
		// without knowing any particular user's container id.
		services, err := s.drv.ListSystemServices(ctx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to read logs")
			return
		}
		if len(services) == 0 {
			writeError(w, http.StatusNotFound, "container_id required (no reference instance configured)")
			return
		}
		containerID = services[0]
	}
	tail := 100
	if v := r.URL.Query().Get("tail"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			tail = n
		}
	}
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			since = n
		}
	}

	lines, err := s.drv.Logs(containerID, tail, since)
	if err != nil {
		if runtime.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "container not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to read logs")
		return
	}

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain")
		for _, l := range lines {
			_, _ = w.Write([]byte(l + "\n"))
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": lines})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// writeOrchErr maps an orchestrator.Error kind to its HTTP status, per the
// error handling design's user-visible column.
func (s *Server) writeOrchErr(w http.ResponseWriter, err error) {
	oe, ok := err.(*orchestrator.Error)
	if !ok {
		metrics.ErrorsTotal.WithLabelValues("unknown").Inc()
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	switch oe.Kind {
	case orchestrator.KindCaptchaInvalid:
		metrics.ErrorsTotal.WithLabelValues("captcha_invalid").Inc()
		writeError(w, http.StatusBadRequest, "captcha invalid")
	case orchestrator.KindRateLimited:
		metrics.ErrorsTotal.WithLabelValues("rate_limited").Inc()
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	case orchestrator.KindQuotaExceeded:
		metrics.ErrorsTotal.WithLabelValues("quota_exceeded").Inc()
		writeError(w, http.StatusServiceUnavailable, oe.Message)
	case orchestrator.KindAlreadyOwns:
		metrics.ErrorsTotal.WithLabelValues("already_owns").Inc()
		writeError(w, http.StatusBadRequest, "existing instance")
	case orchestrator.KindPortPoolFull:
		metrics.ErrorsTotal.WithLabelValues("port_pool_full").Inc()
		writeError(w, http.StatusServiceUnavailable, "no free port")
	case orchestrator.KindEngineTransient, orchestrator.KindStoreTransient:
		metrics.ErrorsTotal.WithLabelValues("transient").Inc()
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
	case orchestrator.KindEngineFatal:
		metrics.ErrorsTotal.WithLabelValues("engine_fatal").Inc()
		writeError(w, http.StatusInternalServerError, "internal error")
	case orchestrator.KindNotFound:
		metrics.ErrorsTotal.WithLabelValues("not_found").Inc()
		writeError(w, http.StatusNotFound, "no active container")
	case orchestrator.KindAdminForbidden:
		metrics.ErrorsTotal.WithLabelValues("admin_forbidden").Inc()
		writeError(w, http.StatusForbidden, "admin access required")
	default:
		metrics.ErrorsTotal.WithLabelValues("unknown").Inc()
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
