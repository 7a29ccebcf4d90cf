// ABOUTME: Readiness probes for fleet services: TCP connect, HTTP status and gRPC health.
// ABOUTME: Each Check is a single attempt bounded by the probe's own timeout.

package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/fleet-gateway/internal/graph"
)

// DefaultTimeout bounds a single probe attempt when the spec sets none.
const DefaultTimeout = 2 * time.Second

// ErrNotServing is returned by a gRPC probe whose health service answers
// anything other than SERVING.
var ErrNotServing = errors.New("service not serving")

// Prober performs one readiness check.
type Prober interface {
	Check(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

// Check calls f.
func (f ProberFunc) Check(ctx context.Context) error { return f(ctx) }

// New builds a prober for spec against address (overridden by spec.Address).
func New(spec graph.ProbeSpec, address string) (Prober, error) {
	if spec.Address != "" {
		address = spec.Address
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	scheme, address, err := splitAddress(address)
	if err != nil {
		return nil, err
	}

	switch spec.Type {
	case graph.ProbeNone, "":
		return ProberFunc(func(context.Context) error { return nil }), nil
	case graph.ProbeTCP:
		if address == "" {
			return nil, errors.New("tcp probe requires an address")
		}
		return &TCP{Address: address, Timeout: timeout}, nil
	case graph.ProbeHTTP:
		if address == "" {
			return nil, errors.New("http probe requires an address")
		}
		return &HTTP{Scheme: scheme, Address: address, Path: spec.Path, ExpectStatus: spec.ExpectStatus, Timeout: timeout}, nil
	case graph.ProbeGRPC:
		if address == "" {
			return nil, errors.New("grpc probe requires an address")
		}
		return &GRPC{Address: address, Service: spec.GRPCService, Timeout: timeout}, nil
	default:
		return nil, fmt.Errorf("unknown probe type %q", spec.Type)
	}
}

// splitAddress accepts host:port or a scheme-qualified URL and returns the
// scheme (http when absent) and a dialable host:port.
func splitAddress(address string) (scheme, hostport string, err error) {
	if !strings.Contains(address, "://") {
		return "http", address, nil
	}
	u, err := url.Parse(address)
	if err != nil {
		return "", "", fmt.Errorf("parsing probe address %q: %w", address, err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("probe address %q has no host", address)
	}
	scheme = strings.ToLower(u.Scheme)
	port := u.Port()
	if port == "" {
		switch scheme {
		case "https", "wss":
			port = "443"
		default:
			port = "80"
		}
	}
	if scheme == "wss" {
		scheme = "https"
	} else if scheme != "https" {
		scheme = "http"
	}
	return scheme, net.JoinHostPort(u.Hostname(), port), nil
}

// TCP succeeds when a connection to Address can be opened.
type TCP struct {
	Address string
	Timeout time.Duration
}

// Check dials and immediately closes.
func (p *TCP) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return fmt.Errorf("tcp probe %s: %w", p.Address, err)
	}
	return conn.Close()
}

// HTTP succeeds when GET Path returns a 2xx status, or one of ExpectStatus
// when that list is set.
type HTTP struct {
	Scheme       string // http when empty
	Address      string
	Path         string
	ExpectStatus []int
	Timeout      time.Duration
	Client       *http.Client
}

// Check performs one GET.
func (p *HTTP) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	path := p.Path
	if path == "" {
		path = "/"
	}
	scheme := p.Scheme
	if scheme == "" {
		scheme = "http"
	}
	target := scheme + "://" + p.Address + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("creating http probe request: %w", err)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http probe %s: %w", target, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if len(p.ExpectStatus) > 0 {
		if slices.Contains(p.ExpectStatus, resp.StatusCode) {
			return nil
		}
	} else if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("http probe %s: unexpected status %d", target, resp.StatusCode)
}

// GRPC succeeds when the standard health service reports SERVING.
type GRPC struct {
	Address string
	Service string
	Timeout time.Duration
}

// Check opens a connection, calls Health/Check and closes.
func (p *GRPC) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	conn, err := grpc.NewClient(p.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("grpc probe %s: %w", p.Address, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: p.Service})
	if err != nil {
		return fmt.Errorf("grpc probe %s: %w", p.Address, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("grpc probe %s: %w (%s)", p.Address, ErrNotServing, resp.GetStatus())
	}
	return nil
}
