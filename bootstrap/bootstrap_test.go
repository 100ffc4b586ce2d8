package bootstrap_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/artpar/metergate/adapters/auth"
	"github.com/artpar/metergate/adapters/clock"
	"github.com/artpar/metergate/bootstrap"
	"github.com/artpar/metergate/config"
	"github.com/artpar/metergate/domain/identity"
	"github.com/artpar/metergate/domain/key"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

var jan15 = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

// billingServer imitates the provider's usage endpoints.
type billingServer struct {
	*httptest.Server
	used     int64
	recorded atomic.Int32
}

func newBillingServer(t *testing.T, used int64) *billingServer {
	t.Helper()
	b := &billingServer{used: used}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/usage_record_summaries"):
			fmt.Fprintf(w, `{"data":[{"id":"sis_1","total_usage":%d}]}`, b.used)
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/usage_records"):
			b.recorded.Add(1)
			io.WriteString(w, `{"id":"mbur_1"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(b.Close)
	return b
}

func newOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"message":"hello from upstream"}`)
	}))
	t.Cleanup(origin.Close)
	return origin
}

// crawlerKey generates a raw key and its config entry for a crawler subscriber.
func crawlerKey(t *testing.T) (string, string) {
	t.Helper()
	raw, k, err := key.Generate(key.DefaultPrefix, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	entry := fmt.Sprintf(`
    - prefix: %q
      hash: %q
      subject: "sub_crawler"
      tier: "crawler"
      billing_account_ref: "si_crawler"
`, k.Prefix, string(k.Hash))
	return raw, entry
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metergate.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func loadConfig(t *testing.T, content string) *config.Config {
	t.Helper()
	cfg, err := config.Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	return cfg
}

func newApp(t *testing.T, cfg *config.Config) *bootstrap.App {
	t.Helper()
	a, err := bootstrap.NewFromConfig(cfg, bootstrap.Options{
		Version:   "test",
		LogOutput: io.Discard,
		Clock:     clock.NewFake(jan15),
	})
	if err != nil {
		t.Fatalf("NewFromConfig error: %v", err)
	}
	t.Cleanup(func() { a.Shutdown() })
	return a
}

func get(a *bootstrap.App, target, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	a.Handler.ServeHTTP(rec, req)
	return rec
}

func TestNewFromConfig_MeteredRequest(t *testing.T) {
	origin := newOrigin(t)
	billing := newBillingServer(t, 105_000)
	raw, entry := crawlerKey(t)

	cfg := loadConfig(t, fmt.Sprintf(`
upstream:
  url: %q
billing:
  mode: test
  test_key: "sk_test_bootstrap"
  base_url: %q
auth:
  keys:%s`, origin.URL, billing.URL, entry))

	a := newApp(t, cfg)

	rec := get(a, "/v1/items", raw)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-Quota-Tier"); got != "crawler" {
		t.Errorf("X-Quota-Tier = %q, want crawler", got)
	}
	if got := rec.Header().Get("X-Quota-Overage"); got != "5000" {
		t.Errorf("X-Quota-Overage = %q, want 5000", got)
	}
	if got := rec.Header().Get("RateLimit-Limit"); got != "138" {
		t.Errorf("RateLimit-Limit = %q, want 138", got)
	}

	// Shutdown drains the detached billing report.
	if err := a.Shutdown(); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
	if got := billing.recorded.Load(); got != 1 {
		t.Errorf("usage records = %d, want 1", got)
	}
}

func TestNewFromConfig_NoBillingCredential(t *testing.T) {
	origin := newOrigin(t)
	raw, entry := crawlerKey(t)

	cfg := loadConfig(t, fmt.Sprintf(`
upstream:
  url: %q
auth:
  keys:%s`, origin.URL, entry))

	a := newApp(t, cfg)

	rec := get(a, "/v1/items", raw)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("X-Quota-Used"); got != "0" {
		t.Errorf("X-Quota-Used = %q, want 0", got)
	}
}

func TestNewFromConfig_InvalidKeyRejected(t *testing.T) {
	origin := newOrigin(t)
	cfg := loadConfig(t, fmt.Sprintf("upstream:\n  url: %q\n", origin.URL))

	a := newApp(t, cfg)

	rec := get(a, "/v1/items", key.DefaultPrefix+strings.Repeat("0", 64))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestNewFromConfig_BearerToken(t *testing.T) {
	origin := newOrigin(t)
	secret := "a-secret-of-at-least-sixteen-chars"

	cfg := loadConfig(t, fmt.Sprintf(`
upstream:
  url: %q
auth:
  jwt_secret: %q
`, origin.URL, secret))

	a := newApp(t, cfg)

	issuer, err := auth.NewTokenResolver(secret, clock.NewFake(jan15))
	if err != nil {
		t.Fatalf("NewTokenResolver error: %v", err)
	}
	token, _, err := issuer.Issue(identity.Caller{SubjectID: "sub_spider", Tier: "spider"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}

	rec := get(a, "/v1/items", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-Quota-Tier"); got != "spider" {
		t.Errorf("X-Quota-Tier = %q, want spider", got)
	}
}

func TestNewFromConfig_SQLiteCache(t *testing.T) {
	origin := newOrigin(t)
	dbPath := filepath.Join(t.TempDir(), "cache.db")

	cfg := loadConfig(t, fmt.Sprintf(`
upstream:
  url: %q
cache:
  driver: sqlite
  sqlite:
    path: %q
`, origin.URL, dbPath))

	a := newApp(t, cfg)

	if rec := get(a, "/health/ready", ""); rec.Code != http.StatusOK {
		t.Errorf("readiness = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if rec := get(a, "/v1/items", ""); rec.Code != http.StatusOK {
		t.Errorf("anonymous status = %d, want 200", rec.Code)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("cache database not created: %v", err)
	}
}

func TestNewFromConfig_RedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	origin := newOrigin(t)

	cfg := loadConfig(t, fmt.Sprintf(`
upstream:
  url: %q
cache:
  driver: redis
  redis:
    url: "redis://%s/0"
`, origin.URL, mr.Addr()))

	a := newApp(t, cfg)

	if rec := get(a, "/v1/items", ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(mr.Keys()) == 0 {
		t.Error("expected rate limit state in redis")
	}
}

func TestNewFromConfig_RedisUnreachable(t *testing.T) {
	cfg := loadConfig(t, `
upstream:
  url: "http://localhost:3000"
cache:
  driver: redis
  redis:
    url: "redis://127.0.0.1:1/0"
    dial_timeout: 100ms
`)

	_, err := bootstrap.NewFromConfig(cfg, bootstrap.Options{LogOutput: io.Discard})
	if err == nil {
		t.Error("expected error for unreachable redis")
	}
}

func TestNewFromConfig_MetricsDisabled(t *testing.T) {
	origin := newOrigin(t)
	cfg := loadConfig(t, fmt.Sprintf("upstream:\n  url: %q\nmetrics:\n  enabled: false\n", origin.URL))

	a := newApp(t, cfg)

	if a.Metrics != nil {
		t.Error("Metrics should be nil when disabled")
	}
	// Unrouted paths fall through to the origin.
	rec := get(a, "/metrics", "")
	if strings.Contains(rec.Body.String(), "metergate_") {
		t.Error("/metrics should not expose the collector when disabled")
	}
}

func TestNewFromConfig_MetricsEndpoint(t *testing.T) {
	origin := newOrigin(t)
	cfg := loadConfig(t, fmt.Sprintf("upstream:\n  url: %q\nmetrics:\n  path: /internal/metrics\n", origin.URL))

	a := newApp(t, cfg)
	get(a, "/v1/items", "")

	rec := get(a, "/internal/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "metergate_tiers_loaded") {
		t.Error("metrics output missing metergate_tiers_loaded")
	}
	if got := testutil.ToFloat64(a.Metrics.TiersLoaded); got != 4 {
		t.Errorf("TiersLoaded = %v, want 4", got)
	}
}

func TestNew_ReloadSwapsTiers(t *testing.T) {
	origin := newOrigin(t)
	base := fmt.Sprintf("upstream:\n  url: %q\n", origin.URL)
	path := writeConfig(t, base)

	a, err := bootstrap.New(bootstrap.Options{ConfigPath: path, LogOutput: io.Discard})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	defer a.Shutdown()

	updated := base + `
default_tier: basic
tiers:
  - name: basic
    monthly_quota: 500
    requests_per_window: 5
    window_minutes: 1
`
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := a.Reload(); err != nil {
		t.Fatalf("Reload error: %v", err)
	}

	rec := get(a, "/_meter/tiers", "")
	var body struct {
		Tiers []struct {
			Name string `json:"name"`
		} `json:"tiers"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode tiers: %v", err)
	}
	if len(body.Tiers) != 1 || body.Tiers[0].Name != "basic" {
		t.Errorf("tiers after reload = %+v, want [basic]", body.Tiers)
	}

	if got := testutil.ToFloat64(a.Metrics.ConfigReloads); got != 1 {
		t.Errorf("ConfigReloads = %v, want 1", got)
	}
	if got := testutil.ToFloat64(a.Metrics.TiersLoaded); got != 1 {
		t.Errorf("TiersLoaded = %v, want 1", got)
	}

	// A broken file keeps the running tiers and counts the failure.
	if err := os.WriteFile(path, []byte("upstream: [broken"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := a.Reload(); err == nil {
		t.Error("Reload should fail for a broken file")
	}
	if got := a.Tiers.Registry().Default().Name; got != "basic" {
		t.Errorf("default tier after failed reload = %s, want basic", got)
	}
	if got := testutil.ToFloat64(a.Metrics.ConfigReloadErrors); got != 1 {
		t.Errorf("ConfigReloadErrors = %v, want 1", got)
	}
}

func TestNew_EnvFallback(t *testing.T) {
	origin := newOrigin(t)
	t.Setenv("METERGATE_UPSTREAM_URL", origin.URL)

	a, err := bootstrap.New(bootstrap.Options{
		ConfigPath: filepath.Join(t.TempDir(), "missing.yaml"),
		LogOutput:  io.Discard,
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	defer a.Shutdown()

	if a.Config.Upstream.URL != origin.URL {
		t.Errorf("Upstream.URL = %s, want %s", a.Config.Upstream.URL, origin.URL)
	}
	if err := a.Reload(); err == nil {
		t.Error("Reload should fail without a config file")
	}
}

func TestNew_NoConfiguration(t *testing.T) {
	t.Setenv("METERGATE_UPSTREAM_URL", "")

	_, err := bootstrap.New(bootstrap.Options{LogOutput: io.Discard})
	if err == nil {
		t.Error("expected error without file or environment")
	}
}

func TestRun_StopsWhenContextDone(t *testing.T) {
	origin := newOrigin(t)
	cfg := loadConfig(t, fmt.Sprintf("upstream:\n  url: %q\n", origin.URL))

	a := newApp(t, cfg)
	a.HTTPServer.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewLogger(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	tests := []struct {
		cfg  config.LoggingConfig
		want zerolog.Level
	}{
		{config.LoggingConfig{Level: "debug"}, zerolog.DebugLevel},
		{config.LoggingConfig{Level: "warn", Format: "console"}, zerolog.WarnLevel},
		{config.LoggingConfig{Level: "nonsense"}, zerolog.InfoLevel},
		{config.LoggingConfig{}, zerolog.InfoLevel},
	}

	for _, tt := range tests {
		var buf strings.Builder
		logger := bootstrap.NewLogger(tt.cfg, &buf)
		if got := zerolog.GlobalLevel(); got != tt.want {
			t.Errorf("level for %+v = %v, want %v", tt.cfg, got, tt.want)
		}

		logger.Error().Msg("boom")
		if !strings.Contains(buf.String(), "boom") {
			t.Errorf("log output for %+v missing message: %q", tt.cfg, buf.String())
		}
	}
}
