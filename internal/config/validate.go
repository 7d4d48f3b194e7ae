package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate rejects configs the app could not start with. It is safe to call
// on hot reload; it never touches the network or the store.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	duration := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		check(err)
	}

	duration("telegram.poll_timeout", cfg.Telegram.PollTimeout)

	if cfg.Logging.Chat.Enabled && cfg.Logging.Chat.ChatID == 0 {
		check(errors.New("logging.chat.chat_id is required when logging.chat.enabled"))
	}
	if cfg.Logging.Chat.RatePerSec < 0 {
		check(errors.New("logging.chat.rate_per_sec must be >= 0"))
	}

	s := cfg.Scheduler
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			check(fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}
	duration("scheduler.horizon", s.Horizon)
	duration("scheduler.poll_interval", s.PollInterval)
	duration("scheduler.lock_ttl", s.LockTTL)
	duration("scheduler.fire_timeout", s.FireTimeout)
	duration("scheduler.fired_ttl", s.FiredTTL)
	if s.ShardCount < 0 {
		check(errors.New("scheduler.shard_count must be >= 0"))
	}
	if n := max(s.ShardCount, 1); s.ShardID < 0 || s.ShardID >= n {
		check(fmt.Errorf("scheduler.shard_id must be in [0, %d)", n))
	}
	if s.PollConcurrency < 0 {
		check(errors.New("scheduler.poll_concurrency must be >= 0"))
	}

	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 {
			check(errors.New("task_engine.workers must be >= 0"))
		}
		if te.QueueSize < 0 {
			check(errors.New("task_engine.queue_size must be >= 0"))
		}
		if te.HistorySize < 0 {
			check(errors.New("task_engine.history_size must be >= 0"))
		}
		if te.RetryMax < 0 {
			check(errors.New("task_engine.retry_max must be >= 0"))
		}
		duration("task_engine.default_timeout", te.DefaultTimeout)
		duration("task_engine.max_queue_delay", te.MaxQueueDelay)
		if s.Enabled && te.Enabled != nil && !*te.Enabled {
			check(errors.New("task_engine.enabled cannot be false while scheduler.enabled is true"))
		}
	}

	if n := cfg.Notifier; n != nil {
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
			check(errors.New("notifier: numeric fields must be >= 0"))
		}
		duration("notifier.retry_base", n.RetryBase)
		duration("notifier.retry_max_delay", n.RetryMaxDelay)
		duration("notifier.send_timeout", n.SendTimeout)
		duration("notifier.dedup_window", n.DedupWindow)
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "memory":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				check(errors.New("storage.path is required when storage.driver=sqlite"))
			}
		default:
			check(fmt.Errorf("unknown storage.driver: %s", st.Driver))
		}
		duration("storage.busy_timeout", st.BusyTimeout)
	}

	if cfg.Metrics.Enabled && strings.TrimSpace(cfg.Metrics.Addr) != "" && !strings.Contains(cfg.Metrics.Addr, ":") {
		check(fmt.Errorf("metrics.addr: missing port in %q", cfg.Metrics.Addr))
	}

	return errors.Join(errs...)
}
