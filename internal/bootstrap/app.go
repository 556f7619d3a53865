package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"sanad/internal/core"
)

// App holds the dependencies every worker binary shares: configuration and
// the process logger. Each cmd/ binary builds its own component graph on
// top and hands Runners to Run.
type App struct {
	Cfg    *Config
	Logger core.ILogger
}

// NewApp loads configuration (aborting on any validation failure) and
// initializes the logger.
func NewApp(configPath string) (*App, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger := InitLogger(cfg)

	return &App{
		Cfg:    cfg,
		Logger: logger,
	}, nil
}

// Runner is a component that runs until its context is canceled.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a plain function to the Runner interface.
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Run orchestrates the worker lifecycle: all runners start under one
// errgroup and the whole process winds down on SIGINT/SIGTERM or the first
// runner error. Workers must tolerate being terminated mid-request
// (watchdog tier 2 kills), which is why every state mutation behind a
// Runner is idempotent or transactional.
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	a.Logger.Info("starting application", "mode", a.Cfg.Mode)

	for _, runner := range runners {
		r := runner
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		a.Logger.Error("application stopped with error", "error", err)
		return err
	}

	a.Logger.Info("application shut down gracefully")
	return nil
}

// RunOnce executes a single worker cycle with signal-aware cancellation,
// the entry point cron-scheduled binaries use with --once.
func (a *App) RunOnce(fn func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx)
}
