package app

import (
	"context"
	"fmt"

	"calbot/internal/clock"
	"calbot/internal/config"
	"calbot/internal/metrics"
	"calbot/internal/reconcile"
	"calbot/internal/storage"
	"calbot/pkg/logx"
)

// Reconcile resolves the ended events of the configured shard once, without
// starting the gateway or arming any trigger.
func Reconcile(ctx context.Context, cfgPath string) (reconcile.Report, error) {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return reconcile.Report{}, err
	}
	if err := validate(cfg); err != nil {
		return reconcile.Report{}, fmt.Errorf("invalid config: %w", err)
	}
	logs, log := logx.New(mapLogConfig(cfg), nil)
	defer logs.Close()

	stCfg, _ := mapStorageConfig(cfg)
	st, err := storage.Open(stCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return reconcile.Report{}, err
	}
	defer st.Close()

	clk := clock.Real()
	schedCfg, _ := mapScheduleConfig(cfg)
	svc := reconcile.New(mapReconcileConfig(cfg, schedCfg), st, newLocker(st, clk),
		reconcile.WithLogger(log.With(logx.String("comp", "reconcile"))),
		reconcile.WithMetrics(metrics.New()),
	)
	return svc.CleanPastEvents(ctx, clk.Now())
}

// CheckConfig parses cfgPath with env overrides applied and runs every check
// New would run, without opening storage or the gateway.
func CheckConfig(cfgPath string) error {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return err
	}
	if err := validate(cfg); err != nil {
		return fmt.Errorf("%s: %w", cfgPath, err)
	}
	return nil
}
