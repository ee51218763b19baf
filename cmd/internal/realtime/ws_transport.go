package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ditu87/Builder-echo-haven/cmd/internal/inbox"
	v1 "github.com/ditu87/Builder-echo-haven/shared/contracts/realtime/v1"
)

const (
	wsTransportQueue     = 256
	wsTransportHelloWait = 10 * time.Second
)

// WSTransport is an inbox.Transport that subscribes through a remote WSGateway.
// It lets an engine run in a different process than the stores.
type WSTransport struct {
	log    *slog.Logger
	url    string
	origin string
	header http.Header
	client *http.Client
}

// WSTransportOption configures a WSTransport.
type WSTransportOption func(*WSTransport)

// WithOrigin sets the Origin header sent on the upgrade request.
func WithOrigin(origin string) WSTransportOption {
	return func(t *WSTransport) { t.origin = strings.TrimSpace(origin) }
}

// WithHTTPClient overrides the client used for the upgrade request.
func WithHTTPClient(c *http.Client) WSTransportOption {
	return func(t *WSTransport) { t.client = c }
}

// WithHeader adds a header to every upgrade request.
func WithHeader(key, value string) WSTransportOption {
	return func(t *WSTransport) { t.header.Add(key, value) }
}

// NewWSTransport dials gatewayURL (ws:// or wss://) for every subscription.
func NewWSTransport(log *slog.Logger, gatewayURL string, opts ...WSTransportOption) (*WSTransport, error) {
	if log == nil {
		log = slog.Default()
	}
	gatewayURL = strings.TrimSpace(gatewayURL)
	if !strings.HasPrefix(gatewayURL, "ws://") && !strings.HasPrefix(gatewayURL, "wss://") {
		return nil, fmt.Errorf("realtime: gateway url must be ws:// or wss://, got %q", gatewayURL)
	}
	t := &WSTransport{log: log, url: gatewayURL, header: http.Header{}}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t, nil
}

// Subscribe dials the gateway, sends hello and waits for hello_ack.
func (t *WSTransport) Subscribe(ctx context.Context, viewerID string) (inbox.Subscription, error) {
	viewerID = strings.TrimSpace(viewerID)
	if viewerID == "" {
		return nil, errors.New("realtime: empty viewer id")
	}

	h := t.header.Clone()
	h.Set(ViewerHeader, viewerID)
	if t.origin != "" {
		h.Set("Origin", t.origin)
	}

	conn, _, err := websocket.Dial(ctx, t.url, &websocket.DialOptions{
		HTTPClient:   t.client,
		HTTPHeader:   h,
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(maxClientFrameBytes)

	if conn.Subprotocol() != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, errors.New("realtime: gateway did not negotiate subprotocol")
	}

	sessionID, err := t.handshake(ctx, conn, viewerID)
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "hello failed")
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &wsSubscription{
		conn:   conn,
		cancel: cancel,
		ch:     make(chan inbox.Message, wsTransportQueue),
	}
	go s.readLoop(subCtx, t.log.With("session_id", sessionID, "viewer_id", viewerID))
	return s, nil
}

func (t *WSTransport) handshake(ctx context.Context, conn *websocket.Conn, viewerID string) (string, error) {
	id, err := NewEnvelopeID(time.Now().UTC())
	if err != nil {
		return "", err
	}
	hello, err := v1.New(v1.TypeHello, id, time.Now().UTC(), v1.HelloPayload{ViewerID: viewerID})
	if err != nil {
		return "", err
	}

	hsCtx, cancel := context.WithTimeout(ctx, wsTransportHelloWait)
	defer cancel()

	if err := writeEnvelope(hsCtx, conn, hello, wsTransportHelloWait); err != nil {
		return "", fmt.Errorf("hello: %w", err)
	}

	for {
		env, err := readEnvelope(hsCtx, conn)
		if err != nil {
			return "", fmt.Errorf("hello_ack: %w", err)
		}
		switch env.Type {
		case v1.TypeHelloAck:
			var ack v1.HelloAckPayload
			if err := env.Decode(&ack); err != nil {
				return "", err
			}
			return ack.SessionID, nil
		case v1.TypeError:
			var p v1.ErrorPayload
			_ = env.Decode(&p)
			return "", fmt.Errorf("gateway error %s: %s", p.Code, p.Message)
		}
	}
}

// wsSubscription is the client side of one gateway session.
type wsSubscription struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	ch     chan inbox.Message

	closeOnce sync.Once

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *wsSubscription) Messages() <-chan inbox.Message { return s.ch }

func (s *wsSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *wsSubscription) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "bye")
	})
	return nil
}

func (s *wsSubscription) readLoop(ctx context.Context, log *slog.Logger) {
	defer close(s.ch)
	defer s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "bye")
	})

	for {
		env, err := readEnvelope(ctx, s.conn)
		if err != nil {
			s.fail(ctx, err)
			return
		}

		switch env.Type {
		case v1.TypeMessageNew:
			var p v1.MessageNewPayload
			if err := env.Decode(&p); err != nil {
				log.Warn("wstransport.decode.fail", "err", err)
				continue
			}
			select {
			case s.ch <- FromWire(p.Message):
			case <-ctx.Done():
				return
			}
		case v1.TypeError:
			var p v1.ErrorPayload
			_ = env.Decode(&p)
			log.Warn("wstransport.gateway.error", "code", p.Code, "message", p.Message)
		}
	}
}

// fail records why the feed ended, unless the subscriber asked for it.
func (s *wsSubscription) fail(ctx context.Context, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || ctx.Err() != nil {
		return
	}
	if st := websocket.CloseStatus(err); st != -1 {
		err = fmt.Errorf("%w: closed by gateway (%d)", inbox.ErrSubscriptionDropped, st)
	} else {
		err = fmt.Errorf("%w: %v", inbox.ErrSubscriptionDropped, err)
	}
	s.err = err
}
