// Package integration exercises the full guard stack in-process: the
// middleware chain, the global limiter, the breaker registry behind the
// readiness probe, and the diagnostics API.
package integration

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rgould/guardcore/internal/admin"
	"github.com/rgould/guardcore/internal/breaker"
	"github.com/rgould/guardcore/internal/config"
	"github.com/rgould/guardcore/internal/health"
	"github.com/rgould/guardcore/internal/middleware"
	"github.com/rgould/guardcore/internal/ratelimit"
)

const adminSecret = "integration-test-secret-key-32chars!!"

type stack struct {
	server   *httptest.Server
	registry *breaker.Registry
	guard    *ratelimit.Guard
	contact  *ratelimit.Limiter
}

type staticConfig struct{ cfg *config.Config }

func (s staticConfig) Current() *config.Config { return s.cfg }

// newStack assembles the same handler chain cmd/guardd builds, with
// tight limits so tests run fast.
func newStack(t *testing.T, globalMax int) *stack {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg, err := config.LoadFromBytes([]byte(`
server:
  port: 8080
admin:
  enabled: true
  ip_allowlist: ["127.0.0.1/32"]
  jwt_secret: "` + adminSecret + `"
breaker:
  failure_threshold: 2
  reset_timeout: 50ms
limits:
  - name: contact
    windows:
      - {name: hourly, duration: 1h, max: 3}
      - {name: daily, duration: 24h, max: 10}
`))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.GlobalLimit.Max = globalMax
	cfg.GlobalLimit.Window = time.Second

	registry := breaker.NewRegistry(breaker.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
	}, logger)

	contact := ratelimit.New("contact", []ratelimit.Window{
		{Name: "hourly", Duration: time.Hour, Max: 3},
		{Name: "daily", Duration: 24 * time.Hour, Max: 10},
	}, ratelimit.NewMemoryStore(), time.Minute, logger)
	t.Cleanup(contact.Stop)

	guard := ratelimit.NewGuard(cfg.GlobalLimit, nil, logger)
	t.Cleanup(guard.Stop)

	mux := http.NewServeMux()
	health.New(registry, logger).RegisterRoutes(mux)
	admin.New(staticConfig{cfg}, registry, map[string]*ratelimit.Limiter{
		"contact": contact,
		"global":  guard.Limiter(),
	}, cfg.Admin.IPAllowlist, cfg.Admin.JWTSecret, logger).RegisterRoutes(mux)
	mux.HandleFunc("/work", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	var handler http.Handler = mux
	handler = guard.Middleware()(handler)
	handler = middleware.Logging(logger)(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &stack{server: server, registry: registry, guard: guard, contact: contact}
}

func adminToken(t *testing.T, ttl time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops",
		"exp": time.Now().Add(ttl).Unix(),
	})
	s, err := token.SignedString([]byte(adminSecret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return s
}

func get(t *testing.T, url, token string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, body
}

func TestHealthAndReadyThroughStack(t *testing.T) {
	s := newStack(t, 100)

	resp, body := get(t, s.server.URL+"/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", resp.StatusCode)
	}
	if string(body) != `{"status":"ok"}`+"\n" {
		t.Errorf("unexpected health body: %s", body)
	}

	resp, _ = get(t, s.server.URL+"/ready", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ready: expected 200, got %d", resp.StatusCode)
	}
}

func TestReadinessReflectsOpenBreaker(t *testing.T) {
	s := newStack(t, 100)

	boom := errors.New("boom")
	for i := 0; i < 2; i++ {
		s.registry.Call("mail", func() error { return boom })
	}
	if s.registry.GetState("mail") != breaker.StateOpen {
		t.Fatal("expected mail breaker open")
	}

	resp, body := get(t, s.server.URL+"/ready", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	var parsed struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("parsing body: %v", err)
	}
	if parsed.Dependencies["mail"] != "open" {
		t.Errorf("expected mail open, got %q", parsed.Dependencies["mail"])
	}

	s.registry.Reset("mail")
	resp, _ = get(t, s.server.URL+"/ready", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("after reset: expected 200, got %d", resp.StatusCode)
	}
}

func TestGlobalLimitShedsExcessRequests(t *testing.T) {
	s := newStack(t, 3)

	var lastOK *http.Response
	for i := 0; i < 3; i++ {
		resp, _ := get(t, s.server.URL+"/work", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, resp.StatusCode)
		}
		lastOK = resp
	}
	if lastOK.Header.Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("expected remaining 0 on last admitted request, got %q",
			lastOK.Header.Get("X-RateLimit-Remaining"))
	}

	resp, body := get(t, s.server.URL+"/work", "")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	var parsed struct {
		ErrorCode string `json:"error_code"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("parsing body: %v", err)
	}
	if parsed.ErrorCode != "GUARD_RATE_LIMIT_EXCEEDED" {
		t.Errorf("expected GUARD_RATE_LIMIT_EXCEEDED, got %q", parsed.ErrorCode)
	}

	// Exempt endpoints stay reachable even while the client is limited.
	resp, _ = get(t, s.server.URL+"/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("exempt path: expected 200, got %d", resp.StatusCode)
	}
}

func TestAdminRequiresToken(t *testing.T) {
	s := newStack(t, 100)

	resp, _ := get(t, s.server.URL+"/admin/breakers", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %d", resp.StatusCode)
	}

	resp, _ = get(t, s.server.URL+"/admin/breakers", adminToken(t, -time.Hour))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expired token: expected 401, got %d", resp.StatusCode)
	}

	resp, body := get(t, s.server.URL+"/admin/breakers", adminToken(t, time.Hour))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid token: expected 200, got %d: %s", resp.StatusCode, body)
	}
}

func TestAdminReportsLimiterStatus(t *testing.T) {
	s := newStack(t, 100)
	token := adminToken(t, time.Hour)

	for i := 0; i < 2; i++ {
		if d := s.contact.CheckAndRecord("1.2.3.4"); !d.Allowed {
			t.Fatalf("submission %d unexpectedly denied", i)
		}
	}

	resp, body := get(t, s.server.URL+"/admin/limits?key=1.2.3.4", token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var parsed struct {
		Limiters map[string]map[string]ratelimit.WindowStatus `json:"limiters"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("parsing body: %v", err)
	}
	hourly := parsed.Limiters["contact"]["hourly"]
	if hourly.Count != 2 || hourly.Limit != 3 || !hourly.CanSubmit {
		t.Errorf("unexpected hourly status: %+v", hourly)
	}
}

func TestReloadAppliesGlobalLimit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := filepath.Join(t.TempDir(), "guard.yaml")

	write := func(max int) {
		body := fmt.Sprintf("global_limit:\n  window: 1h\n  max: %d\n", max)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	write(5)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}

	guard := ratelimit.NewGuard(cfg.GlobalLimit, cfg.Server.TrustedProxies, logger)
	t.Cleanup(guard.Stop)

	reloader := config.NewReloader(path, cfg, logger)
	reloader.OnReload(func(newCfg *config.Config) {
		guard.Apply(newCfg.GlobalLimit, newCfg.Server.TrustedProxies)
	})

	handler := guard.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func() int {
		req := httptest.NewRequest(http.MethodGet, "/work", nil)
		req.RemoteAddr = "192.0.2.1:1000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 2; i++ {
		if code := do(); code != http.StatusOK {
			t.Fatalf("request %d: expected 200 under max 5, got %d", i, code)
		}
	}

	// Tighten the limit on disk and reload; the two recorded requests now
	// exhaust the budget.
	write(2)
	if !reloader.Reload() {
		t.Fatal("expected reload to succeed")
	}

	if code := do(); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 under reloaded max 2, got %d", code)
	}
}

func TestPanicInHandlerReturns500(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("handler exploded")
	})
	handler = middleware.Recovery(logger)(handler)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}
