package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/urfave/cli"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"mini-binder/config"
	"mini-binder/demo"
	"mini-binder/registry"
	"mini-binder/server"
)

// testApp returns the client app with exits disabled and output captured.
// The opener records whether the registry was ever touched.
func testApp(t *testing.T, reg registry.Registry) (*cli.App, *bytes.Buffer, *bool) {
	t.Helper()
	opened := false
	app := newApp(func(cfg config.Config, logger *zap.Logger) (registry.Registry, func() error, error) {
		opened = true
		return reg, func() error { return nil }, nil
	})
	var stdout bytes.Buffer
	app.Writer = &stdout
	app.ErrWriter = &bytes.Buffer{}
	app.ExitErrHandler = func(*cli.Context, error) {}
	return app, &stdout, &opened
}

func TestUsage(t *testing.T) {
	for _, args := range [][]string{
		{"demo-client"},
		{"demo-client", "1", "2"},
		{"demo-client", "ten"},
		{"demo-client", "99999999999"},
	} {
		app, _, opened := testApp(t, registry.NewMemoryRegistry())

		err := app.Run(args)
		var exit cli.ExitCoder
		if !errors.As(err, &exit) || exit.ExitCode() != -1 {
			t.Fatalf("%v: expect exit code -1, got %v", args, err)
		}
		if !strings.Contains(err.Error(), "usage: demo-client N") {
			t.Fatalf("%v: expect usage text, got %q", args, err.Error())
		}
		if *opened {
			t.Fatalf("%v: the registry must not be contacted", args)
		}
	}
}

func TestEndToEnd(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	logger := zaptest.NewLogger(t)
	svr := server.NewServer(server.WithLogger(logger))
	if _, err := svr.Register(demo.Descriptor, demo.NewBinder(demo.NewService(logger), logger)); err != nil {
		t.Fatal(err)
	}
	if err := svr.Listen("tcp", "127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	go svr.Serve("", reg)
	defer svr.Shutdown(time.Second)

	app, stdout, opened := testApp(t, reg)
	if err := app.Run([]string{"demo-client", "--log-level", "error", "10"}); err != nil {
		t.Fatalf("client failed: %v", err)
	}
	if !*opened {
		t.Fatal("expect the registry to be used")
	}
	if got := strings.TrimSpace(stdout.String()); got != "10 + 5 = 15" {
		t.Fatalf("expect %q, got %q", "10 + 5 = 15", got)
	}
}
