// ABOUTME: Gateway that fronts the fleet: route table, built-in status surface and listeners
// ABOUTME: Manages HTTP, optional gRPC health and tailscale listeners plus graceful shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/config"
	"github.com/2389/fleet-gateway/internal/orchestrator"
	"github.com/2389/fleet-gateway/internal/store"
)

// Fleet is the gateway's view of service readiness.
type Fleet interface {
	IsReady(name string) bool
	Snapshot() orchestrator.Status
}

// EventSource delivers state transitions.
type EventSource interface {
	Subscribe(ctx context.Context, service string) (<-chan orchestrator.Event, string)
}

// HistoryStore answers transition history queries.
type HistoryStore interface {
	ListTransitions(ctx context.Context, f store.TransitionFilter) ([]store.Transition, error)
}

// Options configures a Gateway.
type Options struct {
	Config *config.Config
	Fleet  Fleet
	Events EventSource
	// Ledger is optional; without it /status/history returns 404.
	Ledger HistoryStore
	Logger *slog.Logger
}

// Gateway routes client traffic to fleet services and serves the status surface.
type Gateway struct {
	config *config.Config
	routes *RouteTable
	fleet  Fleet
	events EventSource
	ledger HistoryStore
	logger *slog.Logger

	verifier auth.TokenVerifier

	upstreams     map[string]*url.URL
	transports    []*http.Transport
	proxies       []*httputil.ReverseProxy
	routeHandlers []http.Handler

	sessions *relaySessions
	health   *health.Server

	httpServer  *http.Server
	grpcServer  *grpc.Server
	tsnetServer *tsnet.Server

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// New builds a gateway from validated configuration.
func New(opts Options) (*Gateway, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config

	routes, err := NewRouteTable(cfg.Routes)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		config:    cfg,
		routes:    routes,
		fleet:     opts.Fleet,
		events:    opts.Events,
		ledger:    opts.Ledger,
		logger:    logger.With("component", "gateway"),
		upstreams: make(map[string]*url.URL),
		sessions:  newRelaySessions(),
		health:    health.NewServer(),
		shutdown:  make(chan struct{}),
	}

	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		g.verifier = verifier
	}

	for _, svc := range cfg.Services {
		if svc.Address == "" {
			continue
		}
		u, err := upstreamURL(svc.Address)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", svc.Name, err)
		}
		g.upstreams[svc.Name] = u
	}

	if err := g.buildRouteHandlers(); err != nil {
		return nil, err
	}

	g.httpServer = &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.Server.GRPCAddr != "" {
		g.grpcServer = newGRPCServer(g.health)
	}
	return g, nil
}

// buildRouteHandlers creates the transport, proxy and handler chain for every rule.
func (g *Gateway) buildRouteHandlers() error {
	rules := g.routes.Rules()
	g.transports = make([]*http.Transport, len(rules))
	g.proxies = make([]*httputil.ReverseProxy, len(rules))
	g.routeHandlers = make([]http.Handler, len(rules))

	requireOperator := func(h http.Handler) http.Handler { return h }
	if g.verifier != nil {
		requireOperator = auth.Middleware(g.verifier, g.logger)
	}

	for _, rule := range rules {
		target, ok := g.upstreams[rule.Service]
		if !ok {
			return fmt.Errorf("routes[%d]: service %q has no address", rule.Index, rule.Service)
		}
		g.transports[rule.Index] = newRouteTransport(rule)
		g.proxies[rule.Index] = g.newRouteProxy(rule, target, g.transports[rule.Index])

		var h http.Handler = http.HandlerFunc(g.serveMatched)
		if rule.AuthRequired {
			if g.verifier == nil {
				return fmt.Errorf("routes[%d]: auth required but no jwt_secret configured", rule.Index)
			}
			h = requireOperator(h)
		}
		g.routeHandlers[rule.Index] = h
	}
	return nil
}

// Handler returns the gateway's HTTP handler: built-in endpoints plus the route table.
// Routed requests skip the mux so their paths reach upstreams uncleaned.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	operator := auth.Optional(g.verifier, g.logger)
	mux.Handle("GET /status", operator(http.HandlerFunc(g.handleStatus)))
	mux.Handle("GET /status/events", operator(http.HandlerFunc(g.handleStatusEvents)))
	mux.Handle("GET /status/history", operator(http.HandlerFunc(g.handleHistory)))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isBuiltinPath(r.URL.Path) {
			mux.ServeHTTP(w, r)
			return
		}
		g.handleRoute(w, r)
	})
}

var builtinPaths = map[string]bool{
	"/health":         true,
	"/health/ready":   true,
	"/status":         true,
	"/status/events":  true,
	"/status/history": true,
}

func isBuiltinPath(p string) bool {
	return builtinPaths[p]
}

// Routes returns the compiled route table.
func (g *Gateway) Routes() *RouteTable {
	return g.routes
}

// setupTCPListeners creates standard TCP listeners for HTTP and, when configured, gRPC.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}
	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if the HTTP address is configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the HTTP and optional gRPC servers in goroutines, returning an error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the listeners and blocks until ctx is canceled or a server fails,
// then shuts down gracefully. Returns nil on a clean shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	reportCtx, stopReporting := context.WithCancel(ctx)
	defer stopReporting()
	if g.grpcServer != nil && g.fleet != nil && g.events != nil {
		reporter := &healthReporter{server: g.health, fleet: g.fleet, events: g.events, logger: g.logger}
		go reporter.run(reportCtx)
	}

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context bounded by the drain period.
// Uses context.Background() since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.Server.DrainPeriod+5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "fleet-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// tailscaleGRPCPort returns the tailnet port for the gRPC listener, taken
// from server.grpc_addr.
func (g *Gateway) tailscaleGRPCPort() string {
	_, port, err := net.SplitHostPort(g.config.Server.GRPCAddr)
	if err != nil || port == "" {
		return ":50051"
	}
	return ":" + port
}

// setupTailscaleListeners creates a tsnet server and returns listeners for HTTP and optional gRPC.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	if g.grpcServer != nil {
		grpcLn, err = g.tsnetServer.Listen("tcp", g.tailscaleGRPCPort())
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
		}
	}

	httpLn, err = g.createTailscaleHTTPListener(tsCfg, grpcLn)
	if err != nil {
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// closeTailscaleOnError releases the tsnet server and any gRPC listener after a listener failure.
func (g *Gateway) closeTailscaleOnError(grpcLn net.Listener) {
	if grpcLn != nil {
		_ = grpcLn.Close()
	}
	_ = g.tsnetServer.Close()
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig, grpcLn net.Listener) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			g.closeTailscaleOnError(grpcLn)
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener(grpcLn)
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			g.closeTailscaleOnError(grpcLn)
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener(grpcLn net.Listener) (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		g.closeTailscaleOnError(grpcLn)
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		g.closeTailscaleOnError(grpcLn)
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting connections, gives in-flight requests and relays
// the drain period, then force-closes what remains.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway", "drain_period", g.config.Server.DrainPeriod)
	g.shutdownOnce.Do(func() { close(g.shutdown) })
	g.health.Shutdown()

	var (
		errs    []error
		wg      sync.WaitGroup
		httpErr error
		drained error
	)
	drainCtx, cancel := context.WithTimeout(ctx, g.config.Server.DrainPeriod)
	defer cancel()

	wg.Add(2)
	go func() {
		defer wg.Done()
		httpErr = g.httpServer.Shutdown(drainCtx)
		if httpErr != nil {
			// Whatever is left after the drain period is cut off.
			_ = g.httpServer.Close()
		}
	}()
	go func() {
		defer wg.Done()
		drained = g.sessions.Drain(ctx, g.config.Server.DrainPeriod)
	}()
	wg.Wait()

	if errors.Is(httpErr, context.DeadlineExceeded) {
		g.logger.Warn("drain period elapsed, closed remaining connections")
		httpErr = nil
	}
	errs = appendCloseError(errs, "HTTP shutdown", httpErr)
	errs = appendCloseError(errs, "relay drain", drained)

	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	for _, t := range g.transports {
		t.CloseIdleConnections()
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
