// sanad-monitor is the Position Monitor worker: it evaluates exit rules on
// every open position each cycle and closes matches through OMS. It also
// hosts the price stream that keeps the shared cache fresh.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"sanad/internal/bootstrap"
	"sanad/internal/infrastructure/health"
	"sanad/internal/infrastructure/server"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	once := flag.Bool("once", false, "Run a single cycle and exit (cron mode)")
	interval := flag.Duration("interval", 5*time.Minute, "Cycle interval when running as a daemon")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("sanad-monitor version %s (built %s)\n", version, buildTime)
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
		if err := app.RunOnce(components.Monitor.RunCycle); err != nil {
			app.Logger.Error("monitor cycle failed", "error", err)
			os.Exit(1)
		}
		return
	}

	hm := health.NewHealthManager(app.Logger)
	hm.Register("price_stream", func() error {
		if !components.Stream.Connected() {
			return fmt.Errorf("price stream disconnected")
		}
		return nil
	})
	healthSrv := server.NewHealthServer(strconv.Itoa(app.Cfg.Telemetry.MetricsPort), app.Logger, hm)
	healthSrv.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = healthSrv.Stop(shutdownCtx)
	}()

	err = app.Run(
		components.Stream,
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			ticker := time.NewTicker(*interval)
			defer ticker.Stop()
			for {
				if err := components.Monitor.RunCycle(ctx); err != nil {
					app.Logger.Error("monitor cycle failed", "error", err)
				}
				if err := components.Prices.Flush(); err != nil {
					app.Logger.Warn("price cache flush failed", "error", err)
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
				}
			}
		}),
	)
	if err != nil {
		os.Exit(1)
	}
}
