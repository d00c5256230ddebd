// cmd/batchline/main.go
//
// Entry point for the batchline terminal client.
//
// Flow:
// 1. Resolve the project directory (the folder holding .batchline/)
// 2. Load config, open the diagnostic log, set up tracing
// 3. Launch the TUI

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/batchline/internal/config"
	"github.com/kingrea/batchline/internal/logging"
	"github.com/kingrea/batchline/internal/telemetry"
	"github.com/kingrea/batchline/internal/tui"
)

var version = "dev"

func main() {
	projectDir := flag.String("project", "", "directory holding .batchline/ (defaults to cwd)")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	dir := *projectDir
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			die("determine working directory: %v", err)
		}
		dir = cwd
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		die("resolve project dir: %v", err)
	}

	if err := config.InitDir(dir); err != nil {
		die("init .batchline: %v", err)
	}
	cfg, err := config.NewConfig(dir)
	if err != nil {
		die("load config: %v", err)
	}

	logger, err := logging.New(dir, cfg.LogLevel())
	if err != nil {
		die("open log: %v", err)
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry(), cfg.LogsDir(), "batchline", version)
	if err != nil {
		logger.Warn("telemetry disabled", "error", err)
	} else {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("telemetry shutdown", "error", err)
			}
		}()
	}

	app, err := tui.NewApp(dir, tui.WithLogger(logger), tui.WithContext(ctx))
	if err != nil {
		die("start: %v", err)
	}
	logger.Info("batchline started", "project", dir, "backend", cfg.BaseURL(), "version", version)

	// Run blocks until the user quits
	p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		logger.Error("tui exited", "error", err)
		die("running TUI: %v", err)
	}
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "batchline: "+format+"\n", args...)
	os.Exit(1)
}
