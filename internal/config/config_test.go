package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "countdown/pkg/logx"
)

const sampleJSON = `{
  "countdown": {"policy": "monthly", "offset_minutes": 600, "refresh": "60s"},
  "render": {"log": {"enabled": true}},
  "logging": {"level": "info", "console": true}
}`

const sampleYAML = `
countdown:
  policy: fixed
  fixed_span: 316h17m
render:
  terminal:
    enabled: true
    transition: 150ms
storage:
  driver: sqlite
  path: ./countdown.db
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadJSONAndYAML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	cfg, err := NewManager(writeFile(t, dir, "config.json", sampleJSON)).Load()
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if cfg.Countdown.Offset() != 600 || !cfg.Countdown.CountdownEnabled() || !cfg.Render.Log.Enabled {
		t.Fatalf("json cfg = %+v", cfg)
	}

	cfg, err = NewManager(writeFile(t, dir, "config.yml", sampleYAML)).Load()
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if cfg.Countdown.Policy != "fixed" || cfg.Render.Terminal.Transition != "150ms" {
		t.Fatalf("yaml cfg = %+v", cfg)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
}

func TestDecodeIsStrict(t *testing.T) {
	t.Parallel()
	if _, err := Decode("c.json", []byte(`{"countdown": {"polcy": "monthly"}}`)); err == nil {
		t.Fatal("unknown field must be rejected")
	}
	if _, err := Decode("c.yaml", []byte("countdown:\n  offset: 600\n")); err == nil {
		t.Fatal("unknown yaml field must be rejected")
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("trailing data err = %v", err)
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()
	var c CountdownConfig
	if c.Offset() != DefaultOffsetMinutes || !c.CountdownEnabled() {
		t.Fatalf("defaults: offset=%d enabled=%v", c.Offset(), c.CountdownEnabled())
	}
	off, on := 0, false
	c = CountdownConfig{OffsetMinutes: &off, Enabled: &on}
	if c.Offset() != 0 || c.CountdownEnabled() {
		t.Fatal("explicit zero values must win over defaults")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	bad := 900
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "policy", cfg: Config{Countdown: CountdownConfig{Policy: "weekly"}}, want: "countdown.policy"},
		{name: "offset range", cfg: Config{Countdown: CountdownConfig{OffsetMinutes: &bad}}, want: "countdown.offset_minutes"},
		{name: "refresh too short", cfg: Config{Countdown: CountdownConfig{Refresh: "10ms"}}, want: "countdown.refresh"},
		{name: "refresh cron", cfg: Config{Countdown: CountdownConfig{Refresh: "61 * * * *"}}, want: "countdown.refresh"},
		{name: "bad duration", cfg: Config{Render: RenderConfig{Terminal: TerminalSinkConfig{Transition: "soon"}}}, want: "render.terminal.transition"},
		{name: "timezone", cfg: Config{Countdown: CountdownConfig{Timezone: "Mars/Olympus"}}, want: "countdown.timezone"},
		{name: "telegram token", cfg: Config{Render: RenderConfig{Telegram: TelegramSinkConfig{Enabled: true, ChatID: 1}}}, want: "render.telegram.token"},
		{name: "storage path", cfg: Config{Storage: &StorageConfig{Driver: "file"}}, want: "storage.path"},
		{name: "storage driver", cfg: Config{Storage: &StorageConfig{Driver: "redis", Path: "x"}}, want: "storage.driver"},
		{name: "logging level", cfg: Config{Logging: LoggingConfig{Level: "loud"}}, want: "logging.level"},
		{name: "public http", cfg: Config{HTTP: HTTPConfig{Enabled: true, Addr: "0.0.0.0:8080"}}, want: "not loopback"},
		{name: "cors origin", cfg: Config{HTTP: HTTPConfig{CORSOrigins: []string{"dashboard"}}}, want: "http.cors_origins[0]"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}

	ok := []Config{
		{},
		{HTTP: HTTPConfig{Enabled: true}},
		{HTTP: HTTPConfig{Enabled: true, Addr: "[::1]:9000"}},
		{HTTP: HTTPConfig{Enabled: true, Addr: ":8080", Token: "s3cret"}},
		{Render: RenderConfig{Telegram: TelegramSinkConfig{Enabled: true, Token: "t", ChatID: -100}}},
		{Storage: &StorageConfig{Driver: "none"}},
		{HTTP: HTTPConfig{Enabled: true, CORSOrigins: []string{"https://dash.example"}}},
		{Countdown: CountdownConfig{Refresh: "*/5 * * * *"}},
		{Countdown: CountdownConfig{Refresh: "00:01"}},
	}
	for i := range ok {
		if err := Validate(&ok[i]); err != nil {
			t.Fatalf("config %d: unexpected error %v", i, err)
		}
	}
}

func TestParseDurationFieldDays(t *testing.T) {
	t.Parallel()
	span := 13*24*time.Hour + 4*time.Hour + 17*time.Minute
	tests := []struct {
		raw  string
		want time.Duration
	}{
		{"", 0},
		{"150ms", 150 * time.Millisecond},
		{"316h17m", span},
		{"13d4h17m", span},
		{"13d 4h 17m", span},
		{"2d", 48 * time.Hour},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("countdown.fixed_span", tt.raw)
		if err != nil {
			t.Fatalf("ParseDurationField(%q): %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("ParseDurationField(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
	for _, raw := range []string{"d4h", "2d-1h", "-1m", "soon"} {
		if _, err := ParseDurationField("countdown.fixed_span", raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
	if d, _ := ParseDurationOrDefault("render.terminal.transition", "", 150*time.Millisecond); d != 150*time.Millisecond {
		t.Fatalf("default not substituted: %v", d)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{}
	off := 0
	newCfg := &Config{
		Countdown: CountdownConfig{OffsetMinutes: &off},
		HTTP:      HTTPConfig{Enabled: true, Token: "secret"},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "countdown,http" {
		t.Fatalf("changed = %v", changed)
	}
	var buf bytes.Buffer
	logx.NewWriter(&buf, "info").Info("config changed", attrs...)
	if strings.Contains(buf.String(), "secret") || !strings.Contains(buf.String(), `"http.token_set":true`) {
		t.Fatalf("summary fields = %s", buf.String())
	}
	if changed, _ := SummarizeConfigChange(newCfg, newCfg); len(changed) != 0 {
		t.Fatalf("identical configs reported %v", changed)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", sampleJSON)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	updates := m.Subscribe(4)
	defer m.Unsubscribe(updates)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	// Let the watcher register the directory.
	time.Sleep(100 * time.Millisecond)

	// Invalid: rejected, previous config kept.
	writeFile(t, dir, "config.json", `{"countdown": {"policy": "weekly"}}`)
	select {
	case cfg := <-updates:
		t.Fatalf("invalid config published: %+v", cfg)
	case <-time.After(600 * time.Millisecond):
	}
	if m.Get().Countdown.Policy != "monthly" {
		t.Fatal("rejected config was committed")
	}

	writeFile(t, dir, "config.json", strings.Replace(sampleJSON, `"60s"`, `"30s"`, 1))
	select {
	case cfg := <-updates:
		if cfg.Countdown.Refresh != "30s" {
			t.Fatalf("published refresh = %q", cfg.Countdown.Refresh)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("valid change never published")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
