package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ditu87/Builder-echo-haven/cmd/internal/inbox"
	v1 "github.com/ditu87/Builder-echo-haven/shared/contracts/realtime/v1"
)

const (
	wsMinSendQueueSize = 32
	wsCloseGrace       = 1 * time.Second
	wsMaxPingFailures  = 3

	// ViewerHeader carries the authenticated viewer id set by the upstream authenticator.
	ViewerHeader = "X-Viewer-ID"
)

// WSGateway pushes each viewer's new messages over WebSocket.
//
// Session protocol:
//  1. The client opens /ws with subprotocol v1.Subprotocol and sends hello{viewer_id}.
//  2. The gateway subscribes to the Hub and answers hello_ack{session_id}.
//  3. Every message addressed to the viewer is pushed as message_new.
//
// A subscription ended by the hub (slow consumer, feed gap) closes the socket with
// StatusTryAgainLater; clients reconnect and reconcile.
type WSGateway struct {
	log *slog.Logger
	hub *Hub
	cfg GatewayConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway. A zero cfg gets secure defaults.
func NewWSGateway(log *slog.Logger, hub *Hub, cfg GatewayConfig) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = NewHub(log)
	}
	cfg = cfg.withDefaults()
	return &WSGateway{
		log:            log,
		hub:            hub,
		cfg:            cfg,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the push loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := NewSessionID(time.Now().UTC())
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}
	headerViewer := strings.TrimSpace(r.Header.Get(ViewerHeader))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce sync.Once
		sub       *Subscriber
	)
	out := make(chan v1.Envelope, g.cfg.SendQueueSize)
	subscribed := make(chan *Subscriber, 1)

	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			// Cancelling ctx also ends the hub subscription.
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		var feed <-chan inbox.Message
		var active *Subscriber
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-subscribed:
				active = s
				feed = s.Messages()
			case env := <-out:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			case m, ok := <-feed:
				if !ok {
					if cause := active.Err(); cause != nil {
						g.log.Info("ws.feed.ended", "session_id", sessionID, "viewer_id", active.ViewerID, "err", cause)
						shutdown(websocket.StatusTryAgainLater, "resync")
					} else {
						shutdown(websocket.StatusNormalClosure, "bye")
					}
					return
				}
				env, err := v1.New(v1.TypeMessageNew, newEnvelopeID(), time.Now().UTC(), v1.MessageNewPayload{Message: ToWire(m)})
				if err != nil {
					continue
				}
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, out, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now()) {
			g.trySendError(ctx, out, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, out, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if sub != nil {
				g.trySendError(ctx, out, "already_subscribed", "hello already accepted")
				continue readLoop
			}
			s, err := g.onHello(ctx, env, headerViewer, sessionID, out)
			if err != nil {
				g.trySendError(ctx, out, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}
			sub = s
			subscribed <- s

		default:
			g.trySendError(ctx, out, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

func (g *WSGateway) onHello(ctx context.Context, env v1.Envelope, headerViewer, sessionID string, out chan<- v1.Envelope) (*Subscriber, error) {
	var p v1.HelloPayload
	if err := env.Decode(&p); err != nil {
		return nil, err
	}

	viewerID := strings.TrimSpace(p.ViewerID)
	switch {
	case viewerID == "" && headerViewer == "":
		return nil, errors.New("missing viewer_id")
	case viewerID == "":
		viewerID = headerViewer
	case headerViewer != "" && viewerID != headerViewer:
		return nil, errors.New("viewer_id does not match authenticated viewer")
	}

	s, err := g.hub.subscribe(ctx, viewerID)
	if err != nil {
		return nil, err
	}

	ack, err := v1.New(v1.TypeHelloAck, newEnvelopeID(), time.Now().UTC(), v1.HelloAckPayload{
		SessionID: sessionID,
		ViewerID:  viewerID,
	})
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	if !enqueue(ctx, out, ack) {
		_ = s.Close()
		return nil, errors.New("backpressure: hello_ack")
	}

	g.log.Info("ws.subscribed", "session_id", sessionID, "viewer_id", viewerID)
	return s, nil
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, out chan<- v1.Envelope, code, msg string) {
	env, err := v1.New(v1.TypeError, newEnvelopeID(), time.Now().UTC(), v1.ErrorPayload{Code: code, Message: msg})
	if err != nil {
		return
	}
	_ = enqueue(ctx, out, env)
}

func enqueue(ctx context.Context, out chan<- v1.Envelope, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

var errBadJSON = errors.New("bad json")

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)
	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*":
			return nil
		case origin == a:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	var out []string
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" || slices.Contains(out, h) {
			continue
		}
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}
