// ABOUTME: Plain HTTP forwarding for matched routes via httputil.ReverseProxy
// ABOUTME: Readiness gating, forwarded-for headers, per-route timeouts and streaming flushes

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"
)

// UpstreamUnavailableError reports a request for a service that is not ready.
type UpstreamUnavailableError struct {
	Service string
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("service %s is not ready", e.Service)
}

type matchContextKey struct{}

func withMatch(ctx context.Context, m Match) context.Context {
	return context.WithValue(ctx, matchContextKey{}, m)
}

func matchFromContext(ctx context.Context) (Match, bool) {
	m, ok := ctx.Value(matchContextKey{}).(Match)
	return m, ok
}

// upstreamURL turns a service address into a base URL. Bare host:port
// addresses are treated as plain HTTP.
func upstreamURL(address string) (*url.URL, error) {
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream address %q: %w", address, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream address %q has no host", address)
	}
	u.Path = ""
	u.RawPath = ""
	return u, nil
}

// clientIP returns the host part of a request's remote address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// newRouteTransport builds the upstream transport for one rule.
func newRouteTransport(rule *RouteRule) *http.Transport {
	dialer := &net.Dialer{Timeout: rule.ConnectTimeout}
	return &http.Transport{
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: rule.ReadTimeout,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
}

// newRouteProxy builds the reverse proxy for one rule. The rewritten path is
// taken from the Match stored on the request context.
func (g *Gateway) newRouteProxy(rule *RouteRule, target *url.URL, transport http.RoundTripper) *httputil.ReverseProxy {
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			if m, ok := matchFromContext(pr.In.Context()); ok {
				pr.Out.URL.Path = m.UpstreamPath
				pr.Out.URL.RawPath = ""
			}
			pr.SetXForwarded()
			pr.Out.Header.Set("X-Real-IP", clientIP(pr.In))
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if errors.Is(err, context.Canceled) {
				g.logger.Debug("client went away before upstream responded", "service", rule.Service, "path", r.URL.Path)
			} else {
				g.logger.Warn("upstream request failed", "service", rule.Service, "path", r.URL.Path, "error", err)
			}
			g.sendJSONError(w, http.StatusBadGateway, "bad gateway")
		},
	}
	if !rule.Buffering {
		proxy.FlushInterval = -1
	}
	return proxy
}

// checkUpstream gates forwarding on the target service's readiness.
func (g *Gateway) checkUpstream(rule *RouteRule) error {
	if g.fleet == nil || !g.fleet.IsReady(rule.Service) {
		return &UpstreamUnavailableError{Service: rule.Service}
	}
	return nil
}

// sendUnavailable writes the 503 body for a service that is not ready.
func (g *Gateway) sendUnavailable(w http.ResponseWriter, service string) {
	g.sendJSON(w, http.StatusServiceUnavailable, map[string]string{
		"error":   "service unavailable",
		"service": service,
	})
}

// isWebSocketUpgrade reports whether r asks to switch to the websocket protocol.
func isWebSocketUpgrade(r *http.Request) bool {
	return headerContainsToken(r.Header, "Connection", "upgrade") &&
		headerContainsToken(r.Header, "Upgrade", "websocket")
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}
