package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"calbot/internal/app"
)

const stopTimeout = 15 * time.Second

func main() {
	// A missing .env is fine.
	_ = godotenv.Load()

	cliApp := &cli.App{
		Name:  "calbot",
		Usage: "Telegram calendar bot: event notifications, reminders and recurrence.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "./config.yaml",
				Usage:   "path to the YAML or JSON config file",
				EnvVars: []string{"CALBOT_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			reconcileCommand(),
			validateCommand(),
		},
		DefaultCommand: "run",
	}

	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Start the bot and keep triggers armed until interrupted.",
		Action: func(c *cli.Context) error {
			ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(c.String("config"))
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
				defer stopCancel()
				_ = a.Stop(stopCtx)
				return fmt.Errorf("start: %w", err)
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

			select {
			case <-ctx.Done():
			case <-a.Done():
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			if err := a.Stop(stopCtx); err != nil {
				return err
			}
			return a.Err()
		},
	}
}

func reconcileCommand() *cli.Command {
	return &cli.Command{
		Name:  "reconcile",
		Usage: "Delete or advance every ended event of the configured shard once, then exit.",
		Action: func(c *cli.Context) error {
			rep, err := app.Reconcile(c.Context, c.String("config"))
			if err != nil {
				return err
			}
			fmt.Printf("deleted=%d advanced=%d skipped=%d failed=%d\n", rep.Deleted, rep.Advanced, rep.Skipped, rep.Failed)
			if rep.Failed > 0 {
				return cli.Exit(fmt.Sprintf("%d events failed to reconcile", rep.Failed), 2)
			}
			return nil
		},
	}
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate-config",
		Usage: "Parse and validate the config file (env overrides included).",
		Action: func(c *cli.Context) error {
			path := c.String("config")
			if err := app.CheckConfig(path); err != nil {
				return err
			}
			fmt.Printf("%s: ok\n", path)
			return nil
		},
	}
}
