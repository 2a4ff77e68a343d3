// Package bootstrap assembles the process: configuration, logging, and the
// lifecycle that runs every long-lived component under one signal-aware
// context.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/JohnCCarter/Genesis-sub002/internal/config"
	"github.com/JohnCCarter/Genesis-sub002/internal/core"
)

// App holds the process-wide collaborators every component is built from.
type App struct {
	Cfg     *config.Config
	Runtime *config.Runtime
	Logger  core.ILogger
}

// NewApp loads configuration, runs the pre-flight checks, and initializes
// logging and the runtime knob overlay.
func NewApp(configPath string) (*App, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, err := InitLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	return &App{
		Cfg:     cfg,
		Runtime: config.NewRuntime(cfg),
		Logger:  logger,
	}, nil
}

// Runner is a long-lived component. Run blocks until the context is
// canceled and returns nil on a clean shutdown.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a closure to the Runner interface.
type RunnerFunc func(ctx context.Context) error

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Run starts every runner in an error group under a signal-canceled
// context and blocks until they all return. The first failing runner
// cancels the rest.
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	a.Logger.Info("Starting application", "runners", len(runners))

	for _, runner := range runners {
		r := runner
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		a.Logger.Error("Application stopped with error", "error", err.Error())
		return err
	}

	a.Logger.Info("Application shut down")
	return nil
}
