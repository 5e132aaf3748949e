package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"countdown/internal/countdown"
	"countdown/internal/storage"
	"countdown/internal/task/scheduler"
	logx "countdown/pkg/logx"
)

type staticStatus countdown.Status

func (s staticStatus) Snapshot() countdown.Status { return countdown.Status(s) }

type staticRollovers []storage.Rollover

func (s staticRollovers) ListRollovers(_ context.Context, limit int) ([]storage.Rollover, error) {
	if limit > 0 && limit < len(s) {
		return s[:limit], nil
	}
	return s, nil
}

type staticTriggers scheduler.Snapshot

func (s staticTriggers) Snapshot() scheduler.Snapshot { return scheduler.Snapshot(s) }

func scenarioFrame() countdown.Frame {
	s := countdown.NewScheduler(nil)
	return s.Tick(time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC))
}

func testSources(t *testing.T) Sources {
	t.Helper()
	f := scenarioFrame()
	m, err := NewMetrics()
	if err != nil {
		t.Fatal(err)
	}
	m.ObserveFrame(f)
	m.ObserveSinkError("telegram")
	m.ObserveTrigger(countdown.RefreshTrigger, 3*time.Millisecond, "")
	return Sources{
		Countdown: staticStatus{Running: true, Policy: f.Policy, Offset: "UTC+10:00", Refresh: "1m", Frame: &f},
		Rollovers: staticRollovers{{ID: "b", Cycle: 2}, {ID: "a", Cycle: 1}},
		Triggers:  staticTriggers{Running: true, Timezone: "UTC"},
		Metrics:   m,
	}
}

func get(t *testing.T, h http.Handler, target string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCountdownEndpoint(t *testing.T) {
	t.Parallel()
	h := NewRouter(testSources(t), RouterOptions{}, logx.Nop())

	rec := get(t, h, "/countdown")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body countdownResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Text != "16d 14h 00m" || body.Days != "16" || body.Hours != "14" || body.Minutes != "00" {
		t.Fatalf("body = %+v", body)
	}
	if !body.Target.Equal(time.Date(2024, time.January, 31, 14, 0, 0, 0, time.UTC)) || body.Refresh != "1m" {
		t.Fatalf("body = %+v", body)
	}
}

func TestRolloversEndpoint(t *testing.T) {
	t.Parallel()
	h := NewRouter(testSources(t), RouterOptions{}, logx.Nop())

	rec := get(t, h, "/rollovers?limit=1")
	var items []storage.Rollover
	if err := json.NewDecoder(rec.Body).Decode(&items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != "b" {
		t.Fatalf("items = %+v", items)
	}
	if rec := get(t, h, "/rollovers?limit=-2"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", rec.Code)
	}

	noStore := NewRouter(Sources{}, RouterOptions{}, logx.Nop())
	if rec := get(t, noStore, "/rollovers"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("disabled storage status = %d", rec.Code)
	}
	if rec := get(t, noStore, "/countdown"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("missing countdown status = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	h := NewRouter(testSources(t), RouterOptions{}, logx.Nop())
	rec := get(t, h, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"countdown_remaining_seconds 1.4328e+06",
		`countdown_slot_value{slot="days"} 16`,
		`countdown_sink_errors_total{sink="telegram"} 1`,
		`countdown_trigger_runs_total{name="countdown.refresh",result="ok"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	h := NewRouter(testSources(t), RouterOptions{Token: "s3cret", Pprof: true}, logx.Nop())

	if rec := get(t, h, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz must stay open, got %d", rec.Code)
	}
	if rec := get(t, h, "/countdown"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", rec.Code)
	}
	if rec := get(t, h, "/countdown", "Authorization", "Bearer wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", rec.Code)
	}
	if rec := get(t, h, "/countdown", "Authorization", "Bearer s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("bearer token: %d", rec.Code)
	}
	if rec := get(t, h, "/triggers?token=s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("query token: %d", rec.Code)
	}
	if rec := get(t, h, "/debug/pprof/?token=s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("pprof index: %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()
	h := NewRouter(testSources(t), RouterOptions{CORSOrigins: []string{"https://dash.example"}}, logx.Nop())

	req := httptest.NewRequest(http.MethodGet, "/countdown", nil)
	req.Header.Set("Origin", "https://dash.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://dash.example" {
		t.Fatalf("allow-origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/countdown", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("foreign origin allowed: %q", got)
	}
}

func TestSameConfig(t *testing.T) {
	t.Parallel()
	a := Config{Enabled: true, Addr: "127.0.0.1:1", CORSOrigins: []string{"x"}}
	b := a
	b.CORSOrigins = []string{"x"}
	if !sameConfig(a, b) {
		t.Fatal("equal configs reported different")
	}
	b.CORSOrigins = []string{"y"}
	if sameConfig(a, b) {
		t.Fatal("origin change not detected")
	}
	b.CORSOrigins = []string{"x"}
	b.Token = "s3cret"
	if sameConfig(a, b) {
		t.Fatal("token change not detected")
	}
	b.Token = ""
	b.IdleTimeout = time.Minute
	if sameConfig(a, b) {
		t.Fatal("timeout change not detected")
	}
}

func TestServiceLifecycle(t *testing.T) {
	t.Parallel()
	svc := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, testSources(t), logx.Nop())
	ctx := context.Background()
	svc.Start(ctx)
	defer svc.Stop(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for svc.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server never bound")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get("http://" + svc.Addr() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(b) != "ok" {
		t.Fatalf("healthz body = %q", b)
	}

	svc.Reconfigure(ctx, Config{Enabled: false})
	if svc.Addr() != "" {
		t.Fatal("disabled server still bound")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:8080": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":8080":          false,
		"0.0.0.0:8080":   false,
		"bogus":          false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
