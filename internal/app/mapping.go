package app

import (
	"fmt"
	"strings"
	"time"

	"calbot/internal/config"
	"calbot/internal/notifier"
	"calbot/internal/poll"
	"calbot/internal/reconcile"
	"calbot/internal/schedule"
	"calbot/internal/storage"
	"calbot/internal/task/engine"
	"calbot/internal/task/scheduler"
	"calbot/internal/transport/telegram"
	"calbot/pkg/logx"
)

const defaultMetricsAddr = "127.0.0.1:9464"

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    l.Chat.Enabled,
			ChatID:     l.Chat.ChatID,
			ThreadID:   l.Chat.ThreadID,
			MinLevel:   l.Chat.MinLevel,
			RatePerSec: l.Chat.RatePerSec,
		},
	}
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: strings.TrimSpace(cfg.Telegram.Token), PollTimeout: pollTimeout}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	switch driver {
	case "", "memory":
		return storage.Config{Driver: driver}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapTaskEngineConfig resolves the engine section. The engine follows
// scheduler.enabled unless task_engine.enabled is set.
func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{
		Enabled:     cfg.Scheduler.Enabled,
		Workers:     2,
		QueueSize:   256,
		HistorySize: 200,
		RetryMax:    3,
	}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Enabled != nil {
		if cfg.Scheduler.Enabled && !*te.Enabled {
			return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
		}
		out.Enabled = *te.Enabled
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	if te.RetryMax > 0 {
		out.RetryMax = te.RetryMax
	}
	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

// mapNotifierConfig treats an omitted section as enabled with defaults.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{Enabled: true}, nil
	}
	out := notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		DedupMaxEntries: n.DedupMaxEntries,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.SendTimeout, err = config.ParseDurationField("notifier.send_timeout", n.SendTimeout); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, time.Minute); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapScheduleConfig(cfg *config.Config) (schedule.Config, error) {
	s := cfg.Scheduler
	var (
		out schedule.Config
		err error
	)
	if out.Horizon, err = config.ParseDurationOrDefault("scheduler.horizon", s.Horizon, 2*time.Hour); err != nil {
		return out, err
	}
	if out.LockTTL, err = config.ParseDurationOrDefault("scheduler.lock_ttl", s.LockTTL, 30*time.Second); err != nil {
		return out, err
	}
	if out.FireTimeout, err = config.ParseDurationField("scheduler.fire_timeout", s.FireTimeout); err != nil {
		return out, err
	}
	if out.FiredTTL, err = config.ParseDurationOrDefault("scheduler.fired_ttl", s.FiredTTL, 48*time.Hour); err != nil {
		return out, err
	}
	return out, nil
}

func mapPollConfig(cfg *config.Config, sc schedule.Config) (poll.Config, error) {
	s := cfg.Scheduler
	interval := strings.TrimSpace(s.PollInterval)
	if interval == "" {
		interval = "1h"
	}
	if _, err := scheduler.ParseSchedule(interval); err != nil {
		return poll.Config{}, fmt.Errorf("scheduler.poll_interval: %w", err)
	}
	return poll.Config{
		ShardID:     s.ShardID,
		ShardCount:  max(s.ShardCount, 1),
		Horizon:     sc.Horizon,
		Interval:    interval,
		Concurrency: s.PollConcurrency,
	}, nil
}

func mapReconcileConfig(cfg *config.Config, sc schedule.Config) reconcile.Config {
	return reconcile.Config{
		ShardID:    cfg.Scheduler.ShardID,
		ShardCount: max(cfg.Scheduler.ShardCount, 1),
		LockTTL:    sc.LockTTL,
	}
}

func mapPeriodicConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}
}

func metricsAddr(cfg *config.Config) string {
	if !cfg.Metrics.Enabled {
		return ""
	}
	if addr := strings.TrimSpace(cfg.Metrics.Addr); addr != "" {
		return addr
	}
	return defaultMetricsAddr
}

// validate is installed as the config manager's reload hook.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	sc, err := mapScheduleConfig(cfg)
	if err != nil {
		return err
	}
	_, err = mapPollConfig(cfg, sc)
	return err
}
