package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/smartystreets/goconvey/convey"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  poll_timeout: 10s
logging:
  level: info
  console: true
scheduler:
  enabled: true
  timezone: Europe/Berlin
  horizon: 2h
  poll_interval: 1h
  lock_ttl: 30s
  shard_id: 1
  shard_count: 4
storage:
  driver: sqlite
  path: ./calbot.db
metrics:
  enabled: true
  addr: 127.0.0.1:9464
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDecodeYAMLAndJSON(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode(yaml) error: %v", err)
	}
	if cfg.Scheduler.ShardCount != 4 || cfg.Scheduler.ShardID != 1 {
		t.Fatalf("shard = %d/%d, want 1/4", cfg.Scheduler.ShardID, cfg.Scheduler.ShardCount)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}

	js := `{"telegram":{"token":"t","poll_timeout":"5s"},"scheduler":{"enabled":false,"shard_id":0}}`
	cfg, err = Decode("config.json", []byte(js))
	if err != nil {
		t.Fatalf("Decode(json) error: %v", err)
	}
	if cfg.Telegram.PollTimeout != "5s" {
		t.Fatalf("poll_timeout = %q", cfg.Telegram.PollTimeout)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	if _, err := Decode("c.json", []byte(`{"plugins":{}}`)); err == nil {
		t.Fatal("expected unknown field error")
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil {
		t.Fatal("expected trailing data error")
	}
	if _, err := Decode("c.yaml", []byte("scheduler:\n  bogus: 1\n")); err == nil {
		t.Fatal("expected unknown yaml field error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	f := false
	tests := []struct {
		name string
		mut  func(c *Config)
		want string
	}{
		{name: "ok", mut: func(*Config) {}},
		{name: "bad timezone", mut: func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, want: "scheduler.timezone"},
		{name: "bad horizon", mut: func(c *Config) { c.Scheduler.Horizon = "soon" }, want: "scheduler.horizon"},
		{name: "negative lock ttl", mut: func(c *Config) { c.Scheduler.LockTTL = "-1s" }, want: "scheduler.lock_ttl"},
		{name: "shard out of range", mut: func(c *Config) { c.Scheduler.ShardID = 4 }, want: "scheduler.shard_id"},
		{name: "unknown driver", mut: func(c *Config) { c.Storage.Driver = "file" }, want: "storage.driver"},
		{name: "sqlite without path", mut: func(c *Config) { c.Storage.Path = "" }, want: "storage.path"},
		{name: "engine off with scheduler on", mut: func(c *Config) {
			c.TaskEngine = &TaskEngineConfig{Enabled: &f}
		}, want: "task_engine.enabled"},
		{name: "chat sink without chat", mut: func(c *Config) { c.Logging.Chat.Enabled = true }, want: "logging.chat.chat_id"},
		{name: "notifier duration", mut: func(c *Config) {
			c.Notifier = &NotifierConfig{Enabled: true, RetryBase: "x"}
		}, want: "notifier.retry_base"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Decode("c.yaml", []byte(sampleYAML))
			if err != nil {
				t.Fatal(err)
			}
			tt.mut(cfg)
			err = Validate(cfg)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate() error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestEnvKey(t *testing.T) {
	t.Parallel()
	tests := []struct{ in, want string }{
		{"CALBOT_TELEGRAM_TOKEN", "telegram.token"},
		{"CALBOT_STORAGE_PATH", "storage.path"},
		{"CALBOT_SCHEDULER_SHARD_ID", "scheduler.shard_id"},
		{"CALBOT_TASK_ENGINE_WORKERS", "task_engine.workers"},
		{"CALBOT_LOGGING_LEVEL", "logging.level"},
		{"CALBOT_LOGGING_CHAT_CHAT_ID", "logging.chat.chat_id"},
		{"CALBOT_LOGGING_FILE_PATH", "logging.file.path"},
		{"CALBOT_NOTIFIER_DEDUP_WINDOW", "notifier.dedup_window"},
		{"CALBOT_CONFIG", ""},
		{"CALBOT_SCHEDULER_", ""},
		{"CALBOT_METRICS_ADDR", "metrics.addr"},
		{"CALBOT_SCHEDULER_POLL_INTERVAL", "scheduler.poll_interval"},
		{"CALBOT_SCHEDULER_POLL_CONCURRENCY", "scheduler.poll_concurrency"},
	}
	for _, tt := range tests {
		if got := envKey(tt.in); got != tt.want {
			t.Errorf("envKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestApplyEnvOverlay(t *testing.T) {
	t.Setenv("CALBOT_TELEGRAM_TOKEN", "from-env")
	t.Setenv("CALBOT_SCHEDULER_SHARD_ID", "2")
	t.Setenv("CALBOT_STORAGE_PATH", "/var/lib/calbot/calbot.db")
	t.Setenv("CALBOT_LOGGING_LEVEL", "debug")
	t.Setenv("CALBOT_LOGGING_CHAT_ENABLED", "true")

	cfg, err := Decode("c.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	if err := ApplyEnv(cfg); err != nil {
		t.Fatalf("ApplyEnv() error: %v", err)
	}
	if cfg.Telegram.Token != "from-env" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Scheduler.ShardID != 2 || cfg.Scheduler.ShardCount != 4 {
		t.Fatalf("shard = %d/%d, want 2/4", cfg.Scheduler.ShardID, cfg.Scheduler.ShardCount)
	}
	if cfg.Storage.Path != "/var/lib/calbot/calbot.db" || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console || !cfg.Logging.Chat.Enabled {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Scheduler.Timezone != "Europe/Berlin" {
		t.Fatalf("timezone overwritten: %q", cfg.Scheduler.Timezone)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	convey.Convey("Given two configs", t, func() {
		a, err := Decode("c.yaml", []byte(sampleYAML))
		convey.So(err, convey.ShouldBeNil)
		b, err := Decode("c.yaml", []byte(sampleYAML))
		convey.So(err, convey.ShouldBeNil)

		convey.Convey("identical configs report nothing", func() {
			changed, _ := SummarizeConfigChange(a, b)
			convey.So(changed, convey.ShouldBeEmpty)
		})

		convey.Convey("live and restart sections are told apart", func() {
			b.Logging.Level = "debug"
			b.Scheduler.PollInterval = "30m"
			b.Scheduler.ShardID = 2
			b.Storage.Path = "/tmp/other.db"
			changed, attrs := SummarizeConfigChange(a, b)
			convey.So(changed, convey.ShouldResemble, []string{"logging", "scheduler", "shard", "storage"})
			convey.So(attrs, convey.ShouldNotBeEmpty)
			convey.So(RestartSections["shard"], convey.ShouldBeTrue)
			convey.So(RestartSections["logging"], convey.ShouldBeFalse)
		})

		convey.Convey("a nil notifier equals an enabled default", func() {
			b.Notifier = &NotifierConfig{Enabled: true}
			changed, _ := SummarizeConfigChange(a, b)
			convey.So(changed, convey.ShouldBeEmpty)
		})
	})
}

func TestManagerReload(t *testing.T) {
	path := writeFile(t, "calbot.yaml", sampleYAML)
	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get() should return the committed config")
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx := context.Background()
	if published, err := m.Reload(ctx); err != nil || published {
		t.Fatalf("Reload() unchanged = %v, %v; want false, nil", published, err)
	}

	m.SetValidator(func(_ context.Context, c *Config) error { return Validate(c) })
	if err := os.WriteFile(path, []byte(strings.Replace(sampleYAML, "horizon: 2h", "horizon: nope", 1)), 0o600); err != nil {
		t.Fatal(err)
	}
	if published, err := m.Reload(ctx); err == nil || published {
		t.Fatalf("Reload() invalid = %v, %v; want rejection", published, err)
	}
	if m.Get() != cfg {
		t.Fatal("rejected config must not be committed")
	}

	if err := os.WriteFile(path, []byte(strings.Replace(sampleYAML, "level: info", "level: debug", 1)), 0o600); err != nil {
		t.Fatal(err)
	}
	if published, err := m.Reload(ctx); err != nil || !published {
		t.Fatalf("Reload() changed = %v, %v; want true, nil", published, err)
	}
	select {
	case got := <-sub:
		if got.Logging.Level != "debug" {
			t.Fatalf("published level = %q", got.Logging.Level)
		}
	case <-time.After(time.Second):
		t.Fatal("no config published")
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", time.Hour); err != nil || d != time.Hour {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "15m", time.Hour); err != nil || d != 15*time.Minute {
		t.Fatalf("15m = %v, %v", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "-1s", time.Hour); err == nil {
		t.Fatal("negative duration accepted")
	}
}
