// Package admin provides read-only diagnostics API endpoints for runtime
// inspection of guard state: circuit breaker snapshots, rate limiter
// status, and the active configuration. All endpoints are protected by
// an IP allowlist and, when configured, a bearer token.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sort"

	"github.com/rgould/guardcore/internal/apierror"
	"github.com/rgould/guardcore/internal/breaker"
	"github.com/rgould/guardcore/internal/config"
	"github.com/rgould/guardcore/internal/metrics"
	"github.com/rgould/guardcore/internal/ratelimit"
)

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// Handler provides the diagnostics API endpoints.
type Handler struct {
	provider    ConfigProvider
	registry    *breaker.Registry
	limiters    map[string]*ratelimit.Limiter
	allowedNets []*net.IPNet
	jwtSecret   string
	logger      *slog.Logger
}

// New creates a new diagnostics Handler. The allowlist CIDRs must be
// pre-validated (config validation ensures this). limiters maps limiter
// names to instances, including the global guard's limiter.
func New(
	provider ConfigProvider,
	registry *breaker.Registry,
	limiters map[string]*ratelimit.Limiter,
	allowlist []string,
	jwtSecret string,
	logger *slog.Logger,
) *Handler {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		provider:    provider,
		registry:    registry,
		limiters:    limiters,
		allowedNets: nets,
		jwtSecret:   jwtSecret,
		logger:      logger,
	}
}

// RegisterRoutes adds diagnostics routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/breakers", h.guard(h.breakersHandler))
	mux.HandleFunc("/admin/limits", h.guard(h.limitsHandler))
	mux.HandleFunc("/admin/config", h.guard(h.configHandler))
}

// guard wraps a handler with method, IP allowlist, and token checks.
func (h *Handler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "only GET is supported")
			return
		}

		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			metrics.AdminAuthFailures.WithLabelValues("ip_denied").Inc()
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			apierror.WriteJSON(w, r, http.StatusForbidden, apierror.Forbidden, "access denied")
			return
		}

		if h.jwtSecret != "" {
			if err := h.checkToken(r); err != nil {
				metrics.AdminAuthFailures.WithLabelValues("invalid_token").Inc()
				h.logger.Warn("admin token rejected", "client_ip", ip, "path", r.URL.Path, "error", err)
				apierror.WriteJSON(w, r, http.StatusUnauthorized, apierror.AuthInvalidToken, "missing or invalid bearer token")
				return
			}
		}

		next(w, r)
	}
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// breakersHandler returns a snapshot of every known circuit breaker.
func (h *Handler) breakersHandler(w http.ResponseWriter, r *http.Request) {
	snapshots := h.registry.Status()

	type breakerStatus struct {
		Key                 string `json:"key"`
		State               string `json:"state"`
		ConsecutiveFailures int    `json:"consecutive_failures"`
		OpenedAt            string `json:"opened_at,omitempty"`
	}

	statuses := make([]breakerStatus, 0, len(snapshots))
	for key, snap := range snapshots {
		bs := breakerStatus{
			Key:                 key,
			State:               snap.State.String(),
			ConsecutiveFailures: snap.ConsecutiveFailures,
		}
		if !snap.OpenedAt.IsZero() {
			bs.OpenedAt = snap.OpenedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		}
		statuses = append(statuses, bs)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Key < statuses[j].Key })

	writeJSON(w, http.StatusOK, map[string]any{"breakers": statuses})
}

// limitsHandler lists configured limiters and their windows. With a
// ?key= query parameter it returns the per-window status for that client
// key on every limiter.
func (h *Handler) limitsHandler(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")

	if key != "" {
		out := make(map[string]map[string]ratelimit.WindowStatus, len(h.limiters))
		for name, l := range h.limiters {
			out[name] = l.GetStatus(key)
		}
		writeJSON(w, http.StatusOK, map[string]any{"key": key, "limiters": out})
		return
	}

	type windowInfo struct {
		Name     string `json:"name"`
		Duration string `json:"duration"`
		Max      int    `json:"max"`
	}

	out := make(map[string][]windowInfo, len(h.limiters))
	for name, l := range h.limiters {
		windows := l.Windows()
		infos := make([]windowInfo, len(windows))
		for i, win := range windows {
			infos[i] = windowInfo{Name: win.Name, Duration: win.Duration.String(), Max: win.Max}
		}
		out[name] = infos
	}
	writeJSON(w, http.StatusOK, map[string]any{"limiters": out})
}

// configHandler returns the active configuration with secrets redacted.
func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	cfg := h.provider.Current()

	redacted := *cfg
	if redacted.Admin.JWTSecret != "" {
		redacted.Admin.JWTSecret = "***"
	}

	writeJSON(w, http.StatusOK, redacted)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
