// cmd/batchline-stub/main.go
//
// Runs the in-memory batch-record backend on a local port so the client can
// be exercised without a real eBR/eLog server. Settings come from
// BATCHLINE_STUB_* variables; flags override host and port.

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kingrea/batchline/internal/backendstub"
)

func main() {
	host := flag.String("host", "", "listen host (overrides BATCHLINE_STUB_HOST)")
	port := flag.Int("port", 0, "listen port (overrides BATCHLINE_STUB_PORT)")
	flag.Parse()

	settings, err := backendstub.SettingsFromEnv()
	if err != nil {
		die("%v", err)
	}
	if *host != "" {
		settings.Host = *host
	}
	if *port != 0 {
		settings.Port = *port
	}

	logger := log.New(os.Stderr, "batchline-stub ", log.LstdFlags)
	stub, err := backendstub.New(backendstub.DefaultSeed(),
		backendstub.WithSettings(settings),
		backendstub.WithLogger(logger),
	)
	if err != nil {
		die("seed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := backendstub.NewServer(settings, stub, logger)
	if err := server.Start(ctx); err != nil {
		die("%v", err)
	}
	logger.Printf("serving %s · seeded users operator, qa, admin", server.BaseURL())

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		die("shutdown: %v", err)
	}
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "batchline-stub: "+format+"\n", args...)
	os.Exit(1)
}
