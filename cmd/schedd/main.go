package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"schedd/internal/app"
	"schedd/internal/config"
	logx "schedd/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config file (json or yaml)")
	flag.Parse()

	bootLog := logx.NewConsole("INFO").With(logx.Comp("boot"))

	if err := config.LoadEnv(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		bootLog.Warn("failed to load .env", logx.Err(err))
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetOverrides(config.EnvOverlay(nil))
	cfg, missing, err := cfgm.LoadOrDefault()
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if missing {
		bootLog.Warn("config file not found; running with defaults", logx.String("path", cfgPath))
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigc)

	ctx := context.Background()
	a, err := app.New(ctx, cfgm, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigc:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	fatal := a.Err()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		fmt.Fprintln(os.Stderr, "fatal:", fatal)
		os.Exit(1)
	}
}
