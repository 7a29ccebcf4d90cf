// ABOUTME: The serve command: wires config, launchers, secret store, ledger, orchestrator and gateway
// ABOUTME: Runs the orchestrator and gateway side by side until a signal arrives

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/2389/fleet-gateway/internal/config"
	"github.com/2389/fleet-gateway/internal/gateway"
	"github.com/2389/fleet-gateway/internal/graph"
	"github.com/2389/fleet-gateway/internal/launcher"
	"github.com/2389/fleet-gateway/internal/orchestrator"
	"github.com/2389/fleet-gateway/internal/secretstore"
	"github.com/2389/fleet-gateway/internal/store"
)

func runServe(ctx context.Context, args []string) error {
	flags := newCommandFlags("serve", os.Stderr)

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := flags.load(args)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging, os.Stdout)
	printStartup(cfg, configPath)

	g, err := cfg.Graph()
	if err != nil {
		return fmt.Errorf("building dependency graph: %w", err)
	}

	registry, closeLaunchers, err := buildLaunchers(g, logger)
	if err != nil {
		return err
	}
	defer closeLaunchers()

	orchCfg := orchestrator.Config{
		Graph:            g,
		Launcher:         registry,
		SecretsDir:       cfg.Bootstrap.SecretsDir,
		ReadinessTimeout: cfg.Bootstrap.ReadinessTimeout,
		StopTimeout:      cfg.Bootstrap.StopTimeout,
		Logger:           logger,
	}

	if cfg.SecretStore.Enabled() {
		client, err := secretstore.New(secretstore.Options{
			Address:        cfg.SecretStore.Address,
			RequestTimeout: cfg.SecretStore.RequestTimeout,
			Logger:         logger,
		})
		if err != nil {
			return fmt.Errorf("creating secret store client: %w", err)
		}
		defer client.Close()
		orchCfg.Secrets = client
		orchCfg.Identity = cfg.SecretStore.Identity()
		orchCfg.StorePolicy = cfg.SecretStore.StorePolicy()
	}

	var ledger store.Store
	if cfg.Database.Path != "" {
		s, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("opening state ledger: %w", err)
		}
		defer s.Close()
		ledger = s
		orchCfg.Ledger = s
	}

	orch, err := orchestrator.New(orchCfg)
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}
	defer orch.Close()

	gw, err := gateway.New(gateway.Options{
		Config: cfg,
		Fleet:  orch,
		Events: orch.Broadcaster(),
		Ledger: ledger,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	logger.Info("starting fleet-gateway",
		"config", configPath,
		"services", g.Len(),
		"routes", len(cfg.Routes),
		"http_addr", cfg.Server.HTTPAddr,
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := orch.Run(groupCtx); err != nil {
			return fmt.Errorf("orchestrator: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		if err := gw.Run(groupCtx); err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
		return nil
	})
	return group.Wait()
}

func printStartup(cfg *config.Config, configPath string) {
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)
	gray := color.New(color.FgHiBlack)

	line := func(label, value string) {
		green.Print("    ▶ ")
		fmt.Printf("%-10s %s\n", label+":", value)
	}

	line("Config", configPath)
	line("HTTP", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		line("gRPC", cfg.Server.GRPCAddr)
	}
	line("Services", fmt.Sprintf("%d", len(cfg.Services)))
	line("Routes", fmt.Sprintf("%d", len(cfg.Routes)))
	if cfg.SecretStore.Enabled() {
		line("Secrets", cfg.SecretStore.Address)
	}
	if cfg.Database.Path != "" {
		line("Ledger", cfg.Database.Path)
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("%-10s ", "Tailscale:")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		} else if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()
}

// buildLaunchers registers exec and external launchers, plus docker when a
// service asks for it. The returned func releases launcher resources.
func buildLaunchers(g *graph.Graph, logger *slog.Logger) (*launcher.Registry, func(), error) {
	registry := launcher.NewRegistry()
	registry.Register(graph.LaunchExec, launcher.NewExec(logger))
	registry.Register(graph.LaunchExternal, launcher.NewExternal(logger))

	var docker []string
	for _, name := range g.Names() {
		if d, _ := g.Get(name); d.Launch.Type == graph.LaunchDocker {
			docker = append(docker, name)
		}
	}
	if len(docker) == 0 {
		return registry, func() {}, nil
	}

	d, err := launcher.NewDocker(logger)
	if err != nil {
		return nil, nil, fmt.Errorf("docker launcher for %s: %w", strings.Join(docker, ", "), err)
	}
	registry.Register(graph.LaunchDocker, d)
	return registry, func() {
		if err := d.Close(); err != nil {
			logger.Warn("failed to close docker client", "error", err)
		}
	}, nil
}
