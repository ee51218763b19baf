// Package main provides a CI-friendly end-to-end smoke test for the Haven inbox.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack subscription for the receiver
//   - send over HTTP as the sender -> message_new pushed to the receiver
//   - the receiver's conversation list shows the sender with the message unread
//   - mark-read clears the unread count
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "github.com/ditu87/Builder-echo-haven/shared/contracts/realtime/v1"
)

const (
	viewerHeader = "X-Viewer-ID"
	maxReadBytes = 1 << 20 // 1MiB
)

type smokeClient struct {
	viewer    string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

type apiClient struct {
	base string
	http *http.Client
}

type conversation struct {
	CounterpartID string      `json:"counterpart_id"`
	LastMessage   *v1.Message `json:"last_message"`
	UnreadCount   int         `json:"unread_count"`
}

type conversationsResponse struct {
	Version       uint64         `json:"version"`
	LiveState     string         `json:"live_state"`
	TotalUnread   int            `json:"total_unread"`
	Conversations []conversation `json:"conversations"`
}

func main() {
	var (
		wsURL    = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		apiURL   = flag.String("api", "", "HTTP base URL (default: derived from -url)")
		origin   = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		sender   = flag.String("sender", "", "Sender viewer id (default: random)")
		receiver = flag.String("receiver", "", "Receiver viewer id (default: random)")
		product  = flag.String("product", "listing-smoke", "Product reference attached to the message")
		text     = flag.String("text", "is this still available? 👋", "Message body to send")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if *apiURL == "" {
		*apiURL = httpBaseFromWS(*wsURL)
	}

	suffix := time.Now().UTC().Format("150405.000000")
	if *sender == "" {
		*sender = "smoke-sender-" + suffix
	}
	if *receiver == "" {
		*receiver = "smoke-receiver-" + suffix
	}

	root := context.Background()
	api := &apiClient{base: strings.TrimRight(*apiURL, "/"), http: &http.Client{Timeout: *timeout}}

	rcv := mustConnect(root, *receiver, *wsURL, *origin, *timeout)
	defer closeWS(rcv.conn)

	if *verbose {
		fmt.Printf("subscribed: receiver=%s session=%s api=%s\n", *receiver, rcv.sessionID, api.base)
	}

	sent := mustSend(root, api, *sender, *receiver, *text, *product, *timeout)

	mustAssertNew(root, rcv, sent, *timeout)

	conv := mustFindConversation(root, api, *receiver, *sender, *timeout)
	if conv.UnreadCount < 1 {
		fatalf("conversation unread=%d, want >= 1", conv.UnreadCount)
	}
	if conv.LastMessage == nil || conv.LastMessage.ID != sent.ID {
		fatalf("conversation last message=%+v, want id %s", conv.LastMessage, sent.ID)
	}

	mustMarkRead(root, api, *receiver, *sender, *timeout)

	conv = mustFindConversation(root, api, *receiver, *sender, *timeout)
	if conv.UnreadCount != 0 {
		fatalf("unread after mark read=%d, want 0", conv.UnreadCount)
	}

	mustAssertNoType(root, rcv, v1.TypeMessageNew, 1200*time.Millisecond)

	fmt.Printf("OK: receiver=%s sender=%s session=%s message_id=%s\n", *receiver, *sender, rcv.sessionID, sent.ID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func httpBaseFromWS(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		fatalf("parse -url: %v", err)
	}
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return scheme + "://" + u.Host
}

func mustConnect(parent context.Context, viewer, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	h.Set(viewerHeader, viewer)
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", viewer, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		viewer: viewer,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	hello, err := v1.New(v1.TypeHello, viewer+"-hello", time.Now().UTC(), v1.HelloPayload{ViewerID: viewer})
	if err != nil {
		fatalf("build hello: %v", err)
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout)

	var p v1.HelloAckPayload
	if err := ack.Decode(&p); err != nil {
		fatalf("decode hello_ack payload (%s): %v", viewer, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", viewer)
	}
	if p.ViewerID != viewer {
		fatalf("hello_ack viewer mismatch: got=%q want=%q", p.ViewerID, viewer)
	}
	c.sessionID = p.SessionID
	return c
}

func (c *smokeClient) startReadLoop() {
	report := func(err error) {
		select {
		case c.errCh <- err:
		default:
		}
	}

	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				report(err)
				return
			}
			if mt != websocket.MessageText {
				report(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				report(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				report(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				report(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func mustSend(parent context.Context, api *apiClient, sender, receiver, text, product string, stepTimeout time.Duration) v1.Message {
	body := map[string]string{"counterpart_id": receiver, "body": text, "product_ref": product}

	var out struct {
		Message v1.Message `json:"message"`
	}
	api.mustDo(parent, http.MethodPost, "/v1/messages", sender, body, http.StatusCreated, &out, stepTimeout)

	m := out.Message
	if strings.TrimSpace(m.ID) == "" {
		fatalf("send response missing id")
	}
	if m.SenderID != sender || m.ReceiverID != receiver || m.Body != text {
		fatalf("send response mismatch: %+v", m)
	}
	return m
}

func mustAssertNew(parent context.Context, c *smokeClient, want v1.Message, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeMessageNew, stepTimeout)

	var p v1.MessageNewPayload
	if err := env.Decode(&p); err != nil {
		fatalf("decode message_new payload (%s): %v", c.viewer, err)
	}
	got := p.Message
	if got.ID != want.ID {
		fatalf("message_new id mismatch: got=%q want=%q", got.ID, want.ID)
	}
	if got.SenderID != want.SenderID || got.ReceiverID != c.viewer {
		fatalf("message_new routing mismatch: %s -> %s", got.SenderID, got.ReceiverID)
	}
	if got.Body != want.Body || got.ProductRef != want.ProductRef {
		fatalf("message_new content mismatch: %+v", got)
	}
	if got.CreatedAt.IsZero() || got.IsRead {
		fatalf("message_new created_at=%v is_read=%v", got.CreatedAt, got.IsRead)
	}
}

func mustFindConversation(parent context.Context, api *apiClient, viewer, counterpart string, stepTimeout time.Duration) conversation {
	var out conversationsResponse
	api.mustDo(parent, http.MethodGet, "/v1/conversations", viewer, nil, http.StatusOK, &out, stepTimeout)

	for _, c := range out.Conversations {
		if c.CounterpartID == counterpart {
			return c
		}
	}
	fatalf("conversation with %s not listed for %s (%d conversations)", counterpart, viewer, len(out.Conversations))
	return conversation{}
}

func mustMarkRead(parent context.Context, api *apiClient, viewer, counterpart string, stepTimeout time.Duration) {
	var out struct {
		Cleared int `json:"cleared"`
	}
	api.mustDo(parent, http.MethodPost, "/v1/conversations/"+url.PathEscape(counterpart)+"/read", viewer, nil, http.StatusOK, &out, stepTimeout)
	if out.Cleared < 1 {
		fatalf("mark read cleared=%d, want >= 1", out.Cleared)
	}
}

func (a *apiClient) mustDo(parent context.Context, method, path, viewer string, body any, wantStatus int, dst any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			fatalf("marshal %s %s: %v", method, path, err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.base+path, rd)
	if err != nil {
		fatalf("build %s %s: %v", method, path, err)
	}
	req.Header.Set(viewerHeader, viewer)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := a.http.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = res.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(res.Body, maxReadBytes))
	if res.StatusCode != wantStatus {
		fatalf("%s %s: status=%d want=%d body=%s", method, path, res.StatusCode, wantStatus, strings.TrimSpace(string(raw)))
	}
	if dst != nil {
		if err := json.Unmarshal(raw, dst); err != nil {
			fatalf("decode %s %s: %v", method, path, err)
		}
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.viewer, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.viewer)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = env.Decode(&ep)
				fatalf("server error (%s): code=%q msg=%q", c.viewer, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.viewer)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.viewer, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.viewer, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.viewer)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = env.Decode(&ep)
				fatalf("server error (%s): code=%q msg=%q", c.viewer, ep.Code, ep.Message)
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.viewer, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
