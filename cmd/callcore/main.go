// Callcore — CLI softphone for the p2pcall call core.
//
// In peer mode it connects to a signaling relay (cmd/relay) under an identity
// and places or answers calls over pion WebRTC, driven by console commands.
// In demo mode two parties run in-process over a simulated signaling channel
// (random latency, duplicates) and a simulated network, and walk through a
// scripted call.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-role, -id, -relay, -pin, ...).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/p2pcall/internal/config"
	"github.com/1ureka/p2pcall/internal/metrics"
	"github.com/1ureka/p2pcall/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.Default()
	role := flag.String("role", "", "Role: peer or demo (empty = interactive)")
	flag.StringVar(&cfg.Identity, "id", "", "Local identity (peer only)")
	relayURL := flag.String("relay", "", "Relay URL, e.g. ws://127.0.0.1:8080 (peer only)")
	flag.StringVar(&cfg.PIN, "pin", "", "Relay PIN (peer only)")
	stun := flag.String("stun", strings.Join(cfg.STUNServers, ","), "Comma-separated STUN servers")
	flag.DurationVar(&cfg.MinLatency, "latency-min", cfg.MinLatency, "Minimum simulated signaling latency (demo only)")
	flag.DurationVar(&cfg.MaxLatency, "latency-max", cfg.MaxLatency, "Maximum simulated signaling latency (demo only)")
	flag.Float64Var(&cfg.DuplicateRate, "dup", 0, "Probability a signaling message is delivered twice (demo only)")
	flag.DurationVar(&cfg.RingTimeout, "ring", cfg.RingTimeout, "Ring timeout")
	flag.DurationVar(&cfg.ConnectTimeout, "connect", cfg.ConnectTimeout, "Connect timeout")
	flag.DurationVar(&cfg.ReconnectTimeout, "reconnect", cfg.ReconnectTimeout, "Reconnect timeout")
	glare := flag.String("glare", string(cfg.Glare), "Glare policy: reject-both or lower-wins")
	flag.StringVar(&cfg.MetricsAddr, "metrics", "", "Serve Prometheus metrics on this address (e.g. 127.0.0.1:9090)")
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	flag.Parse()

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("p2pcall — v%s", version))
	pterm.Println()

	cfg.STUNServers = splitList(*stun)
	cfg.Glare = config.GlarePolicy(*glare)

	switch *role {
	case "":
		// No -role flag → interactive mode.
		askConfig(&cfg)

	case string(config.RolePeer):
		cfg.Role = config.RolePeer
		if *relayURL != "" {
			wsURL, err := normalizeWSURL(*relayURL)
			if err != nil {
				util.LogError("%v", err)
				os.Exit(1)
			}
			cfg.RelayURL = wsURL
		}

	case string(config.RoleDemo):
		cfg.Role = config.RoleDemo

	default:
		util.LogError("invalid -role: must be 'peer' or 'demo'")
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("bye")
}

// run starts the metrics endpoint and stats reporter, then the selected mode.
// Everything stops once the mode returns.
func run(ctx context.Context, cfg config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.New(reg)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		serveMetrics(gctx, g, cfg.MetricsAddr, reg)
	}
	util.StartStatsReporter(gctx, 5*time.Second)

	g.Go(func() error {
		defer cancel()
		if cfg.Role == config.RoleDemo {
			return runDemo(gctx, cfg, collector)
		}
		return runPeer(gctx, cfg, collector)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g.Go(func() error {
		util.LogInfo("metrics on http://%s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// ---------------------------------------------------------------------------
// Interactive prompts
// ---------------------------------------------------------------------------

// askConfig fills cfg from interactive prompts when no -role flag is given.
func askConfig(cfg *config.Config) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Peer — Call other identities through a relay", "Demo — Watch two in-process parties call each other"}).
		WithDefaultText("Select a mode").
		Show()

	pterm.Println()

	if strings.HasPrefix(role, "Demo") {
		cfg.Role = config.RoleDemo
		return
	}
	cfg.Role = config.RolePeer
	cfg.Identity = askIdentity()
	cfg.RelayURL = askURL()
	cfg.PIN, _ = pterm.DefaultInteractiveTextInput.
		WithDefaultText("Relay PIN (leave empty if none)").
		WithMask("*").
		Show()
	cfg.PIN = strings.TrimSpace(cfg.PIN)
	pterm.Println()
}

// askIdentity prompts until a non-empty identity without spaces is entered.
func askIdentity() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Your identity (e.g. alice)").
			Show()

		id := strings.TrimSpace(raw)
		if id != "" && !strings.ContainsAny(id, " \t") {
			pterm.Println()
			return id
		}

		pterm.Println()
		util.LogWarning("invalid identity: must be non-empty and contain no spaces")
	}
}

// askURL prompts the user for a valid relay URL until one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Relay URL (e.g. ws://127.0.0.1:8080)").
			Show()

		wsURL, err := normalizeWSURL(raw)
		if err == nil {
			pterm.Println()
			return wsURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// normalizeWSURL validates a relay URL and points it at the /ws endpoint.
// A bare host defaults to wss.
func normalizeWSURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid relay URL: %s", raw)
	}
	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}

// usersURL derives the relay's /users endpoint from its /ws URL.
func usersURL(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	u.Scheme = strings.Replace(u.Scheme, "ws", "http", 1)
	u.Path = "/users"
	u.RawQuery = ""
	return u.String(), nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
