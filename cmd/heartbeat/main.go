// sanad-heartbeat runs the periodic health assessment: action first
// (kill switch, emergency sell-all), notification second.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"sanad/internal/bootstrap"
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
		fmt.Printf("sanad-heartbeat version %s (built %s)\n", version, buildTime)
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
		if err := app.RunOnce(components.Heartbeat.RunCycle); err != nil {
			app.Logger.Error("heartbeat cycle failed", "error", err)
			os.Exit(1)
		}
		return
	}

	err = app.Run(bootstrap.RunnerFunc(func(ctx context.Context) error {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		for {
			if err := components.Heartbeat.RunCycle(ctx); err != nil {
				app.Logger.Error("heartbeat cycle failed", "error", err)
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
