package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/urfave/cli"
	"go.uber.org/zap/zaptest"

	"mini-binder/client"
	"mini-binder/config"
	"mini-binder/demo"
	"mini-binder/registry"
	"mini-binder/server"
)

func TestRejectsArguments(t *testing.T) {
	app := newApp()
	var stderr bytes.Buffer
	app.ErrWriter = &stderr
	app.ExitErrHandler = func(*cli.Context, error) {}

	err := app.Run([]string{"demo-server", "extra"})
	var exit cli.ExitCoder
	if !errors.As(err, &exit) || exit.ExitCode() != -1 {
		t.Fatalf("expect exit code -1, got %v", err)
	}
}

func TestServeUntilCancelled(t *testing.T) {
	cfg := config.Default()
	cfg.Registry = config.RegistryMemory
	reg := registry.NewMemoryRegistry()
	logger := zaptest.NewLogger(t)

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan *server.Server, 1)
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, logger, reg, ready) }()
	<-ready

	sm, err := client.New(reg, client.WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}
	defer sm.Close()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	b, err := sm.WaitForService(waitCtx, cfg.ServiceName)
	if err != nil {
		t.Fatal(err)
	}
	d, err := demo.AsInterface(b, logger)
	if err != nil {
		t.Fatal(err)
	}
	if sum, err := d.Add(context.Background(), 10, 5); err != nil || sum != 15 {
		t.Fatalf("expect 15, got %d (%v)", sum, err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	if _, err := reg.Discover(context.Background(), cfg.ServiceName); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expect the service deregistered, got %v", err)
	}
}
