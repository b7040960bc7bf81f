// Command demo-server publishes the DemoServer service and serves it until
// interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"
	"go.uber.org/zap"

	"mini-binder/config"
	"mini-binder/demo"
	"mini-binder/logging"
	"mini-binder/middleware"
	"mini-binder/registry"
	"mini-binder/server"
)

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "demo-server"
	app.Usage = "serve the DemoServer binder service"
	app.Version = "0.1.0"
	app.Flags = config.Flags()
	app.Action = func(c *cli.Context) error {
		if c.NArg() != 0 {
			return cli.NewExitError(fmt.Sprintf("usage: %s", c.App.Name), -1)
		}
		cfg, err := config.FromContext(c)
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		logger, err := logging.New(cfg.LogLevel)
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		defer logger.Sync()

		reg, closeRegistry, err := cfg.OpenRegistry(logger)
		logging.Must(logger, err, "cfg.OpenRegistry(logger)")
		defer closeRegistry()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger, reg, nil)
	}
	return app
}

// serve runs the server until ctx is done, then shuts it down gracefully.
// ready, if non-nil, receives the server once it is listening.
func serve(ctx context.Context, cfg config.Config, logger *zap.Logger, reg registry.Registry, ready chan<- *server.Server) error {
	svr := server.NewServer(
		server.WithLogger(logger),
		server.WithMaxThreads(cfg.MaxThreads),
		server.WithLeaseTTL(cfg.LeaseTTL),
	)
	svr.Use(middleware.Recover(logger))
	svr.Use(middleware.Logging(logger))
	if cfg.RateLimit > 0 {
		svr.Use(middleware.RateLimit(cfg.RateLimit, cfg.RateBurst))
	}
	if cfg.CallTimeout > 0 {
		svr.Use(middleware.Timeout(cfg.CallTimeout))
	}

	svc := demo.NewService(logger)
	_, err := svr.Register(cfg.ServiceName, demo.NewBinder(svc, logger))
	logging.Must(logger, err, "svr.Register(cfg.ServiceName, demo.NewBinder(svc, logger))")
	logging.Must(logger, svr.Listen(cfg.Network, cfg.ListenAddr), "svr.Listen(cfg.Network, cfg.ListenAddr)")
	if ready != nil {
		ready <- svr
	}

	served := make(chan error, 1)
	go func() {
		served <- svr.Serve(cfg.AdvertiseAddr, reg)
	}()

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down", zap.Duration("timeout", cfg.ShutdownTimeout))
	if err := svr.Shutdown(cfg.ShutdownTimeout); err != nil {
		return err
	}
	return <-served
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		os.Exit(1)
	}
}
