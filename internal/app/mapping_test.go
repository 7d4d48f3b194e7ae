package app

import (
	"strings"
	"testing"
	"time"

	"calbot/internal/config"
)

func boolPtr(b bool) *bool { return &b }

func TestMapTaskEngineConfig(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Scheduler: config.SchedulerConfig{Enabled: true}}
	got, err := mapTaskEngineConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Enabled || got.Workers != 2 || got.QueueSize != 256 || got.RetryMax != 3 {
		t.Fatalf("defaults = %+v", got)
	}

	cfg.TaskEngine = &config.TaskEngineConfig{Workers: 6, DefaultTimeout: "20s", MaxQueueDelay: "1m"}
	got, err = mapTaskEngineConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if got.Workers != 6 || got.DefaultTimeout != 20*time.Second || got.MaxQueueDelay != time.Minute {
		t.Fatalf("overrides = %+v", got)
	}

	cfg.TaskEngine.Enabled = boolPtr(false)
	if _, err := mapTaskEngineConfig(cfg); err == nil {
		t.Fatal("expected error when the engine is off but the scheduler is on")
	}
	cfg.Scheduler.Enabled = false
	if got, err := mapTaskEngineConfig(cfg); err != nil || got.Enabled {
		t.Fatalf("explicit disable = %+v, %v", got, err)
	}
}

func TestMapScheduleAndPollConfig(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	sc, err := mapScheduleConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if sc.Horizon != 2*time.Hour || sc.LockTTL != 30*time.Second || sc.FiredTTL != 48*time.Hour || sc.FireTimeout != 0 {
		t.Fatalf("schedule defaults = %+v", sc)
	}
	pc, err := mapPollConfig(cfg, sc)
	if err != nil {
		t.Fatal(err)
	}
	if pc.Interval != "1h" || pc.ShardCount != 1 || pc.Horizon != 2*time.Hour {
		t.Fatalf("poll defaults = %+v", pc)
	}

	cfg.Scheduler = config.SchedulerConfig{Horizon: "90m", PollInterval: "*/15 * * * *", ShardID: 2, ShardCount: 3}
	sc, _ = mapScheduleConfig(cfg)
	pc, err = mapPollConfig(cfg, sc)
	if err != nil {
		t.Fatal(err)
	}
	if pc.Horizon != 90*time.Minute || pc.ShardID != 2 || pc.ShardCount != 3 || pc.Interval != "*/15 * * * *" {
		t.Fatalf("poll = %+v", pc)
	}
	rc := mapReconcileConfig(cfg, sc)
	if rc.ShardID != 2 || rc.ShardCount != 3 || rc.LockTTL != 30*time.Second {
		t.Fatalf("reconcile = %+v", rc)
	}

	cfg.Scheduler.PollInterval = "sometimes"
	if _, err := mapPollConfig(cfg, sc); err == nil || !strings.Contains(err.Error(), "scheduler.poll_interval") {
		t.Fatalf("bad interval err = %v", err)
	}
}

func TestMapStorageAndNotifier(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	if sc, err := mapStorageConfig(cfg); err != nil || sc.Driver != "" {
		t.Fatalf("nil storage = %+v, %v", sc, err)
	}
	cfg.Storage = &config.StorageConfig{Driver: "SQLite", Path: " ./x.db ", BusyTimeout: "2s"}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if sc.Driver != "sqlite" || sc.Path != "./x.db" || sc.BusyTimeout != 2*time.Second {
		t.Fatalf("sqlite = %+v", sc)
	}

	nc, err := mapNotifierConfig(cfg)
	if err != nil || !nc.Enabled {
		t.Fatalf("omitted notifier = %+v, %v", nc, err)
	}
	cfg.Notifier = &config.NotifierConfig{Enabled: true, RetryBase: "250ms", SendTimeout: "5s"}
	nc, err = mapNotifierConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if nc.RetryBase != 250*time.Millisecond || nc.SendTimeout != 5*time.Second || nc.DedupWindow != time.Minute {
		t.Fatalf("notifier = %+v", nc)
	}
}

func TestMetricsAddr(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	if got := metricsAddr(cfg); got != "" {
		t.Fatalf("disabled addr = %q", got)
	}
	cfg.Metrics.Enabled = true
	if got := metricsAddr(cfg); got != defaultMetricsAddr {
		t.Fatalf("default addr = %q", got)
	}
}
