// ABOUTME: Operator commands: validate, status, health and token
// ABOUTME: status and health talk to a running gateway over its HTTP address

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/config"
	"github.com/2389/fleet-gateway/internal/gateway"
	"github.com/2389/fleet-gateway/internal/orchestrator"
)

const (
	defaultTokenTTL = 24 * time.Hour
	statusTokenTTL  = time.Minute
	requestTimeout  = 10 * time.Second
)

func runValidate(args []string, out io.Writer) error {
	flags := newCommandFlags("validate", out)
	cfg, path, err := flags.load(args)
	if err != nil {
		return err
	}

	g, err := cfg.Graph()
	if err != nil {
		return fmt.Errorf("building dependency graph: %w", err)
	}
	table, err := gateway.NewRouteTable(cfg.Routes)
	if err != nil {
		return fmt.Errorf("building route table: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Fprintf(out, "✓ %s is valid\n\n", path)

	fmt.Fprintln(out, "Start order:")
	for i, batch := range g.TopologicalBatches() {
		fmt.Fprintf(out, "  %d. %s\n", i+1, strings.Join(batch, ", "))
	}

	if rules := table.Ordered(); len(rules) > 0 {
		fmt.Fprintln(out, "\nRoutes (match order):")
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, r := range rules {
			match := r.Path
			if r.Exact {
				match = "=" + match
			}
			if r.Regex != nil {
				match += " ~ " + r.Regex.String()
			}
			method := r.Method
			if method == "" {
				method = "*"
			}
			authMode := "open"
			if r.AuthRequired {
				authMode = "auth"
			}
			fmt.Fprintf(w, "  %s\t%s\t-> %s\t%s\t%s\n", method, match, r.Service, r.Mode, authMode)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// localURL turns a listen address into a URL a local client can dial.
func localURL(addr, path string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr + path
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + path
}

// getGateway sends a GET to the gateway, authenticated with a short-lived
// token when a jwt_secret is configured.
func getGateway(ctx context.Context, cfg *config.Config, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, localURL(cfg.Server.HTTPAddr, path), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		token, err := verifier.Generate("fleet-gateway-cli", statusTokenTTL)
		if err != nil {
			return nil, fmt.Errorf("generating token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: requestTimeout}
	return client.Do(req)
}

func runStatus(ctx context.Context, args []string, out io.Writer) error {
	flags := newCommandFlags("status", out)
	asJSON := flags.Bool("json", false, "print the raw status document")
	cfg, _, err := flags.load(args)
	if err != nil {
		return err
	}

	resp, err := getGateway(ctx, cfg, "/status")
	if err != nil {
		return fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status request failed: %d %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if *asJSON {
		_, err := fmt.Fprintln(out, string(body))
		return err
	}

	var status orchestrator.Status
	if err := json.Unmarshal(body, &status); err != nil {
		return fmt.Errorf("decoding status: %w", err)
	}
	return printStatus(out, status)
}

func printStatus(out io.Writer, status orchestrator.Status) error {
	fmt.Fprintf(out, "Phase: %s\n", colorPhase(status.Phase))
	if status.CycleID != "" {
		fmt.Fprintf(out, "Cycle: %s (started %s)\n", status.CycleID, status.StartedAt.Local().Format(time.DateTime))
	}
	fmt.Fprintln(out)

	names := make([]string, 0, len(status.Services))
	for name := range status.Services {
		names = append(names, name)
	}
	slices.Sort(names)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tKIND\tSTATE\tATTEMPTS\tLAST ERROR")
	for _, name := range names {
		svc := status.Services[name]
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", name, svc.Kind, colorState(svc.State), svc.Attempts, svc.LastError)
	}
	return w.Flush()
}

func colorState(s orchestrator.State) string {
	switch s {
	case orchestrator.StateReady:
		return color.GreenString(string(s))
	case orchestrator.StateTerminal:
		return color.RedString(string(s))
	case orchestrator.StateFailed:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func colorPhase(p orchestrator.Phase) string {
	switch p {
	case orchestrator.PhaseReady:
		return color.GreenString(string(p))
	case orchestrator.PhaseFailed:
		return color.RedString(string(p))
	case orchestrator.PhaseDegraded:
		return color.YellowString(string(p))
	default:
		return string(p)
	}
}

func runHealth(ctx context.Context, args []string, out io.Writer) error {
	flags := newCommandFlags("health", out)
	ready := flags.Bool("ready", false, "check fleet readiness instead of liveness")
	cfg, _, err := flags.load(args)
	if err != nil {
		return err
	}

	path := "/health"
	if *ready {
		path = "/health/ready"
	}
	resp, err := getGateway(ctx, cfg, path)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if *ready {
			var r gateway.ReadinessResponse
			if json.NewDecoder(resp.Body).Decode(&r) == nil && len(r.NotReady) > 0 {
				return fmt.Errorf("not ready: %s", strings.Join(r.NotReady, ", "))
			}
		}
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	if *ready {
		fmt.Fprintln(out, "ready")
	} else {
		fmt.Fprintln(out, "healthy")
	}
	return nil
}

func runToken(args []string, out io.Writer) error {
	flags := newCommandFlags("token", out)
	subject := flags.StringP("subject", "s", "", "token subject (required)")
	ttl := flags.Duration("ttl", defaultTokenTTL, "token lifetime")
	cfg, _, err := flags.load(args)
	if err != nil {
		return err
	}

	name := strings.TrimSpace(*subject)
	if name == "" {
		return fmt.Errorf("--subject is required")
	}
	if *ttl <= 0 {
		return fmt.Errorf("--ttl must be positive")
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(name, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
