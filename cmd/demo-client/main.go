// Command demo-client looks up DemoServer and drives it once:
//
//	demo-client N
//
// sends alert(), push(N) and add(N, 5), then prints "N + 5 = sum".
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"mini-binder/client"
	"mini-binder/config"
	"mini-binder/demo"
	"mini-binder/logging"
	"mini-binder/registry"
)

// registryOpener builds the registry the client resolves through.
type registryOpener func(cfg config.Config, logger *zap.Logger) (registry.Registry, func() error, error)

func openConfiguredRegistry(cfg config.Config, logger *zap.Logger) (registry.Registry, func() error, error) {
	return cfg.OpenRegistry(logger)
}

func newApp(openRegistry registryOpener) *cli.App {
	app := cli.NewApp()
	app.Name = "demo-client"
	app.Usage = "call the DemoServer binder service"
	app.ArgsUsage = "N"
	app.Version = "0.1.0"
	app.Flags = config.Flags()
	app.Action = func(c *cli.Context) error {
		usage := cli.NewExitError(fmt.Sprintf("usage: %s N", c.App.Name), -1)
		if c.NArg() != 1 {
			return usage
		}
		v, err := strconv.ParseInt(c.Args().First(), 10, 32)
		if err != nil {
			return usage
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

		reg, closeRegistry, err := openRegistry(cfg, logger)
		logging.Must(logger, err, "openRegistry(cfg, logger)")
		defer closeRegistry()

		sum, err := run(cfg, logger, reg, int32(v))
		logging.Must(logger, err, "run(cfg, logger, reg, v)")

		green := color.New(color.FgHiGreen).SprintFunc()
		fmt.Fprintf(c.App.Writer, "%d + 5 = %s\n", v, green(sum))
		return nil
	}
	return app
}

// run resolves the service and performs alert, push(v) and add(v, 5) in order.
func run(cfg config.Config, logger *zap.Logger, reg registry.Registry, v int32) (int32, error) {
	sm, err := client.New(reg, client.WithLogger(logger), client.WithHeartbeat(cfg.Heartbeat))
	if err != nil {
		return 0, err
	}
	defer sm.Close()

	b, err := sm.GetService(context.Background(), cfg.ServiceName)
	if err != nil {
		return 0, err
	}
	d, err := demo.AsInterface(b, logger)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.CallTimeout)
	defer cancel()
	if err := d.Alert(ctx); err != nil {
		return 0, fmt.Errorf("alert: %w", err)
	}
	if err := d.Push(ctx, v); err != nil {
		return 0, fmt.Errorf("push(%d): %w", v, err)
	}
	sum, err := d.Add(ctx, v, 5)
	if err != nil {
		return 0, fmt.Errorf("add(%d, 5): %w", v, err)
	}
	return sum, nil
}

func main() {
	if err := newApp(openConfiguredRegistry).Run(os.Args); err != nil {
		os.Exit(1)
	}
}
