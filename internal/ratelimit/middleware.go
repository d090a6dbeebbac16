package ratelimit

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/rgould/guardcore/internal/apierror"
	"github.com/rgould/guardcore/internal/config"
)

// Guard is the global per-request admission variant: a single-window
// Limiter keyed by client IP, applied to every inbound request except an
// exempt set of path prefixes. On denial it short-circuits the handler
// chain with 429 and retry metadata.
type Guard struct {
	limiter *Limiter
	logger  *slog.Logger

	// mu guards the fields Apply swaps on config reload.
	mu           sync.RWMutex
	window       Window
	exempt       []string
	trustedCIDRs []*net.IPNet
}

// NewGuard builds the global per-IP guard from configuration.
// trustedProxies is a list of CIDR strings whose X-Forwarded-For headers
// are trusted for client IP derivation.
func NewGuard(cfg config.GlobalLimitConfig, trustedProxies []string, logger *slog.Logger) *Guard {
	window := Window{Name: "default", Duration: cfg.Window, Max: cfg.Max}
	return &Guard{
		limiter:      New("global", []Window{window}, NewMemoryStore(), cfg.CleanupInterval, logger),
		window:       window,
		exempt:       cfg.ExemptPaths,
		trustedCIDRs: parseCIDRs(trustedProxies, logger),
		logger:       logger,
	}
}

func parseCIDRs(cidrs []string, logger *slog.Logger) []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Warn("invalid trusted proxy CIDR, skipping", "cidr", cidr, "error", err)
			continue
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// Stop terminates the guard's background cleanup.
func (g *Guard) Stop() {
	g.limiter.Stop()
}

// Apply swaps in a reloaded global limit: window size, maximum, and
// exempt paths take effect for the next request. Entries already
// recorded keep counting against the new window.
func (g *Guard) Apply(cfg config.GlobalLimitConfig, trustedProxies []string) {
	window := Window{Name: "default", Duration: cfg.Window, Max: cfg.Max}
	g.limiter.SetWindows([]Window{window})

	g.mu.Lock()
	g.window = window
	g.exempt = cfg.ExemptPaths
	g.trustedCIDRs = parseCIDRs(trustedProxies, g.logger)
	g.mu.Unlock()

	g.logger.Info("global limit applied",
		"max", cfg.Max,
		"window", cfg.Window,
		"exempt_paths", len(cfg.ExemptPaths),
	)
}

// Limiter exposes the underlying limiter for diagnostics.
func (g *Guard) Limiter() *Limiter {
	return g.limiter
}

// Middleware returns an HTTP middleware enforcing the global limit.
// Exempt paths bypass the limiter entirely. Admitted requests carry
// X-RateLimit-Remaining; denied requests get 429 with Retry-After and
// X-RateLimit-Remaining: 0 and the downstream handler is not executed.
func (g *Guard) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g.mu.RLock()
			windowName := g.window.Name
			exempt := g.exempt
			trusted := g.trustedCIDRs
			g.mu.RUnlock()

			if isExempt(r.URL.Path, exempt) {
				next.ServeHTTP(w, r)
				return
			}

			ip := clientIP(r, trusted)
			decision := g.limiter.CheckAndRecord(ip)
			if !decision.Allowed {
				retryAfter := int(decision.RetryAfter.Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("X-RateLimit-Remaining", "0")
				apierror.WriteJSON(w, r, http.StatusTooManyRequests, apierror.RateLimitExceeded, "rate limit exceeded, retry later")
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining[windowName]))
			next.ServeHTTP(w, r)
		})
	}
}

// isExempt reports whether path matches any exempt prefix. Matching
// enforces segment boundaries: "/health" exempts "/health" and
// "/health/live" but not "/healthz".
func isExempt(path string, exempt []string) bool {
	for _, prefix := range exempt {
		if matchesPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func matchesPrefix(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	if prefix[len(prefix)-1] == '/' {
		return true
	}
	return path[len(prefix)] == '/'
}

// clientIP extracts the real client IP. X-Forwarded-For is only trusted
// when the direct peer (RemoteAddr) is in the trusted proxies list.
func clientIP(r *http.Request, trusted []*net.IPNet) string {
	peerIP := extractIP(r.RemoteAddr)

	if len(trusted) > 0 && isTrusted(peerIP, trusted) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// Walk right to left, return the first non-trusted IP.
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				ip := strings.TrimSpace(parts[i])
				if ip != "" && !isTrusted(ip, trusted) {
					return ip
				}
			}
		}
	}

	return peerIP
}

func isTrusted(ipStr string, trusted []*net.IPNet) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range trusted {
		if cidr.Contains(ip) {
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
