// ABOUTME: Bidirectional websocket relay for websocket and stream routes
// ABOUTME: Two copy tasks joined by a cancellation signal, idle timeouts and graceful close

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrIdleTimeout ends a stream session that saw no frame in either direction
// for the route's idle timeout.
var ErrIdleTimeout = errors.New("idle timeout")

// errRelayShutdown is the cancellation cause used when the gateway drains relays.
var errRelayShutdown = errors.New("gateway shutting down")

// maxRelayMessage bounds a single relayed message.
const maxRelayMessage = 16 << 20

// RelayError reports a protocol or transport failure in one relay direction.
type RelayError struct {
	Session   string
	Direction string
	Err       error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay %s %s: %v", e.Session, e.Direction, e.Err)
}

func (e *RelayError) Unwrap() error { return e.Err }

// peerClosedError ends a relay because one side sent a close frame.
type peerClosedError struct {
	side   string
	status websocket.StatusCode
	reason string
}

func (e *peerClosedError) Error() string {
	return fmt.Sprintf("%s closed (%d)", e.side, e.status)
}

// Relay directions.
const (
	directionUpstream   = "downstream->upstream"
	directionDownstream = "upstream->downstream"
)

// relayHopHeaders are never copied onto the upstream handshake; the dialer
// writes its own.
var relayHopHeaders = []string{
	"Connection",
	"Upgrade",
	"Host",
	"Keep-Alive",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Extensions",
	"Sec-Websocket-Protocol",
}

// relaySessions tracks live relays so shutdown can drain them.
type relaySessions struct {
	mu     sync.Mutex
	active map[string]context.CancelCauseFunc
	wg     sync.WaitGroup
}

func newRelaySessions() *relaySessions {
	return &relaySessions{active: make(map[string]context.CancelCauseFunc)}
}

// start registers a session and returns its ID, context and release func.
func (s *relaySessions) start(parent context.Context) (string, context.Context, func()) {
	id := uuid.New().String()
	ctx, cancel := context.WithCancelCause(parent)

	s.mu.Lock()
	s.active[id] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	return id, ctx, func() {
		s.mu.Lock()
		delete(s.active, id)
		s.mu.Unlock()
		cancel(nil)
		s.wg.Done()
	}
}

// Len returns the number of live sessions.
func (s *relaySessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Drain waits up to period for sessions to end, then cancels the rest and
// waits for them to close or for ctx to expire.
func (s *relaySessions) Drain(ctx context.Context, period time.Duration) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(period)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	s.mu.Lock()
	for _, cancel := range s.active {
		cancel(errRelayShutdown)
	}
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining relays: %w", ctx.Err())
	}
}

// serveRelay dials the upstream, accepts the downstream and relays until one
// side closes. Dial failures are reported as 502 before the downstream
// handshake completes.
func (g *Gateway) serveRelay(w http.ResponseWriter, r *http.Request, m Match) {
	rule := m.Rule
	target, ok := g.upstreams[rule.Service]
	if !ok {
		g.sendJSONError(w, http.StatusBadGateway, "bad gateway")
		return
	}

	u := *target
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = m.UpstreamPath
	u.RawQuery = r.URL.RawQuery

	dialCtx, cancelDial := context.WithTimeout(r.Context(), rule.ConnectTimeout)
	upstream, resp, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{
		HTTPClient:   &http.Client{Transport: g.transports[rule.Index]},
		HTTPHeader:   relayHeaders(r),
		Subprotocols: requestedSubprotocols(r),
	})
	cancelDial()
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		g.logger.Warn("upstream websocket dial failed", "service", rule.Service, "url", u.String(), "status", status, "error", err)
		g.sendJSONError(w, http.StatusBadGateway, "bad gateway")
		return
	}

	var accept websocket.AcceptOptions
	// Origin is forwarded to the upstream, which makes its own decision.
	accept.InsecureSkipVerify = true
	if sp := upstream.Subprotocol(); sp != "" {
		accept.Subprotocols = []string{sp}
	}
	downstream, err := websocket.Accept(w, r, &accept)
	if err != nil {
		g.logger.Warn("downstream websocket accept failed", "service", rule.Service, "error", err)
		_ = upstream.Close(websocket.StatusGoingAway, "downstream handshake failed")
		return
	}

	upstream.SetReadLimit(maxRelayMessage)
	downstream.SetReadLimit(maxRelayMessage)

	id, ctx, release := g.sessions.start(context.WithoutCancel(r.Context()))
	defer release()

	logger := g.logger.With("session", id, "service", rule.Service, "mode", string(rule.Mode))
	logger.Info("relay opened", "path", r.URL.Path, "upstream", u.String())

	rl := &relay{
		id:         id,
		downstream: downstream,
		upstream:   upstream,
		closeGrace: rule.CloseGrace,
		logger:     logger,
	}
	if rule.Mode == ModeStream {
		rl.idleTimeout = rule.IdleTimeout
	}
	if err := rl.run(ctx); err != nil {
		switch {
		case errors.Is(err, ErrIdleTimeout):
			logger.Info("relay closed", "reason", "idle timeout")
		case errors.Is(err, errRelayShutdown):
			logger.Info("relay closed", "reason", "shutdown")
		default:
			logger.Warn("relay failed", "error", err)
		}
	}
}

// relayHeaders copies the client's handshake headers for the upstream dial and
// sets the forwarding headers the HTTP proxy sets.
func relayHeaders(r *http.Request) http.Header {
	h := r.Header.Clone()
	for _, name := range relayHopHeaders {
		h.Del(name)
	}
	for _, name := range r.Header.Values("Connection") {
		for _, token := range strings.Split(name, ",") {
			h.Del(strings.TrimSpace(token))
		}
	}
	ip := clientIP(r)
	h.Set("X-Forwarded-For", ip)
	h.Set("X-Real-IP", ip)
	h.Set("X-Forwarded-Host", r.Host)
	if r.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}
	return h
}

func requestedSubprotocols(r *http.Request) []string {
	var out []string
	for _, v := range r.Header.Values("Sec-Websocket-Protocol") {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// relay copies messages between two websocket connections.
type relay struct {
	id          string
	downstream  *websocket.Conn
	upstream    *websocket.Conn
	idleTimeout time.Duration
	closeGrace  time.Duration
	logger      *slog.Logger

	lastActivity atomic.Int64
}

// run relays until a side closes, ctx is canceled or the idle timeout fires.
// A clean close by either peer returns nil.
func (rl *relay) run(ctx context.Context) error {
	rl.touch()

	// Reads are not bound to the group context: canceling a read closes the
	// connection abruptly, so closing is left to closeBoth.
	ioCtx := context.WithoutCancel(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rl.pipe(ioCtx, rl.downstream, rl.upstream, "downstream", directionUpstream)
	})
	g.Go(func() error {
		return rl.pipe(ioCtx, rl.upstream, rl.downstream, "upstream", directionDownstream)
	})
	if rl.idleTimeout > 0 {
		g.Go(func() error { return rl.watchIdle(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		rl.closeBoth(context.Cause(gctx))
		return nil
	})

	err := g.Wait()
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	var closed *peerClosedError
	if errors.As(err, &closed) {
		rl.logger.Info("relay closed", "reason", closed.side+" closed", "status", int(closed.status))
		return nil
	}
	return err
}

func (rl *relay) touch() {
	rl.lastActivity.Store(time.Now().UnixNano())
}

// pipe copies messages from src to dst. It always returns a non-nil error so
// the group is canceled when either direction stops.
func (rl *relay) pipe(ctx context.Context, src, dst *websocket.Conn, srcSide, direction string) error {
	for {
		typ, data, err := src.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				var ce websocket.CloseError
				reason := ""
				if errors.As(err, &ce) {
					reason = ce.Reason
				}
				return &peerClosedError{side: srcSide, status: status, reason: reason}
			}
			return &RelayError{Session: rl.id, Direction: direction, Err: err}
		}
		rl.touch()
		if err := dst.Write(ctx, typ, data); err != nil {
			return &RelayError{Session: rl.id, Direction: direction, Err: err}
		}
	}
}

// watchIdle returns ErrIdleTimeout once no frame has moved for idleTimeout.
func (rl *relay) watchIdle(ctx context.Context) error {
	tick := rl.idleTimeout / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			last := time.Unix(0, rl.lastActivity.Load())
			if time.Since(last) >= rl.idleTimeout {
				return ErrIdleTimeout
			}
		}
	}
}

// closeBoth closes both connections with a status derived from cause, giving
// each close handshake closeGrace before force-closing.
func (rl *relay) closeBoth(cause error) {
	code, reason := closeStatusFor(cause)

	var wg sync.WaitGroup
	for _, c := range []*websocket.Conn{rl.downstream, rl.upstream} {
		wg.Add(1)
		go func(c *websocket.Conn) {
			defer wg.Done()
			done := make(chan struct{})
			go func() {
				_ = c.Close(code, reason)
				close(done)
			}()
			timer := time.NewTimer(rl.closeGrace)
			defer timer.Stop()
			select {
			case <-done:
			case <-timer.C:
				rl.logger.Debug("close handshake timed out, forcing close")
				_ = c.CloseNow()
				<-done
			}
		}(c)
	}
	wg.Wait()
}

// closeStatusFor maps why a relay ended to the close frame sent to both peers.
func closeStatusFor(cause error) (websocket.StatusCode, string) {
	var closed *peerClosedError
	switch {
	case errors.Is(cause, ErrIdleTimeout):
		return websocket.StatusPolicyViolation, "idle timeout"
	case errors.Is(cause, errRelayShutdown):
		return websocket.StatusGoingAway, "gateway shutting down"
	case errors.As(cause, &closed):
		switch closed.status {
		case websocket.StatusNoStatusRcvd, websocket.StatusAbnormalClosure, websocket.StatusTLSHandshake:
			return websocket.StatusNormalClosure, ""
		}
		return closed.status, closed.reason
	case cause == nil, errors.Is(cause, context.Canceled):
		return websocket.StatusGoingAway, ""
	default:
		return websocket.StatusInternalError, "relay error"
	}
}
