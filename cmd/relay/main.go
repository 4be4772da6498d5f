// Relay — standalone signaling relay for p2pcall.
//
// Softphones connect to /ws?id=<identity>&pin=<pin> and every frame they send
// is forwarded to the connection of its "to" identity. /users lists the
// identities online. Media never passes through the relay.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/p2pcall/internal/config"
	"github.com/1ureka/p2pcall/internal/signaling"
	"github.com/1ureka/p2pcall/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Default()
	cfg.Role = config.RoleRelay

	flag.StringVar(&cfg.Listen, "listen", cfg.Listen, "Listen address (use :8080 for LAN access)")
	flag.StringVar(&cfg.PIN, "pin", "", "PIN clients must present (default: random 4 digits)")
	noPIN := flag.Bool("no-pin", false, "Accept clients without a PIN")
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	flag.Parse()

	if cfg.Debug {
		util.EnableDebug()
	}
	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	switch {
	case *noPIN:
		cfg.PIN = ""
	case cfg.PIN == "":
		cfg.PIN = generatePIN(4)
	}

	pterm.Info.Println(fmt.Sprintf("p2pcall relay — v%s", version))
	pterm.Println()

	if err := run(ctx, cfg); err != nil {
		util.LogError("relay stopped: %v", err)
		os.Exit(1)
	}
	util.LogInfo("relay closed")
}

// run serves the relay until ctx is cancelled, then shuts it down.
func run(ctx context.Context, cfg config.Config) error {
	relay := signaling.NewServer(cfg.PIN)
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           relay.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	pin := cfg.PIN
	if pin == "" {
		pin = "(none)"
	}
	pterm.DefaultBox.WithTitle("Signaling Relay").Println(
		fmt.Sprintf("URL : ws://%s/ws\nPIN : %s", cfg.Listen, pin))
	pterm.Println()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		util.StartStatsReporter(gctx, 5*time.Second)
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), relay.Shutdown(shutdownCtx))
	})

	return g.Wait()
}

// generatePIN returns a random numeric PIN of the given length.
func generatePIN(length int) string {
	pin := make([]byte, length)
	for i := range pin {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			panic(err)
		}
		pin[i] = byte('0' + n.Int64())
	}
	return string(pin)
}
