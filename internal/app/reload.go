package app

import (
	"context"
	"strings"
	"time"

	"calbot/internal/config"
	"calbot/pkg/logx"
)

// reloadLoop applies committed configs. Logging, notifier, task engine,
// periodic scheduler and poll interval change live; the rest is logged as
// restart-required.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the newest config.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	for _, s := range sections {
		if config.RestartSections[s] {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(next))

	if engCfg, err := mapTaskEngineConfig(next); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.engine.Enabled()
		a.engine.Apply(ctx, engCfg)
		if !wasEnabled && engCfg.Enabled {
			a.engine.Start(ctx)
		} else if wasEnabled && !engCfg.Enabled {
			a.stopWithin(ctx, 3*time.Second, a.engine.Stop)
		}
	}

	if sc, err := mapScheduleConfig(next); err == nil {
		if pc, err := mapPollConfig(next, sc); err == nil {
			if err := a.poller.SetInterval(a.periodic, pc.Interval); err != nil {
				a.log.Warn("invalid poll interval; keeping previous", logx.Err(err))
			}
		}
	}

	wasScheduling := a.periodic.Enabled()
	a.periodic.Apply(mapPeriodicConfig(next))
	switch {
	case !wasScheduling && next.Scheduler.Enabled:
		a.log.Info("scheduler enabled via config")
		a.periodic.Start(ctx)
		if err := a.poller.Start(ctx, a.periodic); err != nil {
			a.log.Warn("poll start failed", logx.Err(err))
		}
	case wasScheduling && !next.Scheduler.Enabled:
		a.log.Info("scheduler disabled via config")
		a.stopWithin(ctx, 3*time.Second, a.periodic.Stop)
	}

	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		if wasEnabled && !ncfg.Enabled {
			a.log.Info("notifier disabled via config")
			a.stopWithin(ctx, 3*time.Second, a.notif.Stop)
		} else if !wasEnabled && ncfg.Enabled {
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) stopWithin(ctx context.Context, d time.Duration, stop func(context.Context)) {
	c, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	stop(c)
}
