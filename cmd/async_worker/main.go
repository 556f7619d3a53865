// sanad-async-worker drains the cold-path analysis queue: claimed tasks
// run the deep Sanad check, the Bull/Bear debate, and the Judge verdict,
// with the bounded retry ladder on failure.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"sanad/internal/bootstrap"
	"sanad/internal/infrastructure/metrics"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	once := flag.Bool("once", false, "Run a single cycle and exit (cron mode)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("sanad-async-worker version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}

	components, err := bootstrap.Wire(context.Background(), app, nil)
	if err != nil {
		app.Logger.Fatal("wiring failed", "error", err)
	}
	defer components.Store.Close()

	if *once {
		if err := app.RunOnce(components.ColdPath.RunCycle); err != nil {
			app.Logger.Error("async worker cycle failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if app.Cfg.Telemetry.EnableMetrics {
		metricsSrv := metrics.NewServer(app.Cfg.Telemetry.MetricsPort, app.Logger)
		metricsSrv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Stop(shutdownCtx)
		}()
	}

	interval := time.Duration(app.Cfg.ColdPath.PollIntervalSeconds) * time.Second
	err = app.Run(bootstrap.RunnerFunc(func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := components.ColdPath.RunCycle(ctx); err != nil {
				app.Logger.Error("async worker cycle failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}))
	if err != nil {
		os.Exit(1)
	}
}
