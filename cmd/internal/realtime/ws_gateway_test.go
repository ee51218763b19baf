package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ditu87/Builder-echo-haven/cmd/internal/inbox"
	v1 "github.com/ditu87/Builder-echo-haven/shared/contracts/realtime/v1"
)

func startGateway(t *testing.T, hub *Hub, cfg GatewayConfig) string {
	t.Helper()
	ts := httptest.NewServer(NewWSGateway(discardLog(), hub, cfg))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dialWS(t *testing.T, wsURL, origin, viewer string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	h := http.Header{}
	if origin != "" {
		h.Set("Origin", origin)
	}
	if viewer != "" {
		h.Set(ViewerHeader, viewer)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	env, err := v1.New(typ, "test", time.Now().UTC(), payload)
	if err != nil {
		t.Fatalf("v1.New: %v", err)
	}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	for range max(maxReads, 1) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read: %v", err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

// readClose reads until the server closes the connection and returns the close status.
func readClose(t *testing.T, conn *websocket.Conn) websocket.StatusCode {
	t.Helper()
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, _, err := conn.Read(ctx)
		cancel()
		if err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

func waitSubscribers(t *testing.T, hub *Hub, viewer string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers(viewer) != want {
		if time.Now().After(deadline) {
			t.Fatalf("Subscribers(%s)=%d, want %d", viewer, hub.Subscribers(viewer), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWSGateway_HelloThenPush(t *testing.T) {
	t.Parallel()

	hub := NewHub(discardLog())
	wsURL := startGateway(t, hub, GatewayConfig{})

	conn, _, err := dialWS(t, wsURL, "", "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	writeEnvelopeWS(t, conn, v1.TypeHello, v1.HelloPayload{ViewerID: "alice"})

	ack := readUntilType(t, conn, v1.TypeHelloAck, 1)
	var p v1.HelloAckPayload
	if err := ack.Decode(&p); err != nil {
		t.Fatalf("decode hello_ack: %v", err)
	}
	if p.ViewerID != "alice" || p.SessionID == "" {
		t.Fatalf("hello_ack=%+v", p)
	}
	waitSubscribers(t, hub, "alice", 1)

	_ = hub.Publish(context.Background(), testMsg("m-other", "alice", "bob", 1))
	_ = hub.Publish(context.Background(), testMsg("m1", "bob", "alice", 2))

	env := readUntilType(t, conn, v1.TypeMessageNew, 1)
	var mp v1.MessageNewPayload
	if err := env.Decode(&mp); err != nil {
		t.Fatalf("decode message_new: %v", err)
	}
	if mp.Message.ID != "m1" || mp.Message.SenderID != "bob" {
		t.Fatalf("pushed %+v, want m1 from bob", mp.Message)
	}
	if !mp.Message.CreatedAt.Equal(testBase.Add(2 * time.Minute)) {
		t.Fatalf("created_at=%v", mp.Message.CreatedAt)
	}
}

func TestWSGateway_HeaderViewer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		header    string
		hello     string
		wantAck   string
		wantClose websocket.StatusCode
	}{
		{name: "header only", header: "alice", hello: "", wantAck: "alice"},
		{name: "header and matching hello", header: "alice", hello: "alice", wantAck: "alice"},
		{name: "mismatch", header: "alice", hello: "mallory", wantClose: websocket.StatusPolicyViolation},
		{name: "no viewer", wantClose: websocket.StatusPolicyViolation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			hub := NewHub(discardLog())
			wsURL := startGateway(t, hub, GatewayConfig{})

			conn, _, err := dialWS(t, wsURL, "", tt.header)
			if err != nil {
				t.Fatalf("dial: %v", err)
			}
			defer conn.Close(websocket.StatusNormalClosure, "")

			writeEnvelopeWS(t, conn, v1.TypeHello, v1.HelloPayload{ViewerID: tt.hello})

			if tt.wantAck != "" {
				env := readUntilType(t, conn, v1.TypeHelloAck, 1)
				var p v1.HelloAckPayload
				_ = env.Decode(&p)
				if p.ViewerID != tt.wantAck {
					t.Fatalf("ack viewer=%q, want %q", p.ViewerID, tt.wantAck)
				}
				return
			}
			if got := readClose(t, conn); got != tt.wantClose {
				t.Fatalf("close status=%v, want %v", got, tt.wantClose)
			}
			if n := hub.Subscribers("mallory") + hub.Subscribers("alice"); n != 0 {
				t.Fatalf("unexpected subscriptions: %d", n)
			}
		})
	}
}

func TestWSGateway_UnsupportedTypeKeepsSession(t *testing.T) {
	t.Parallel()

	hub := NewHub(discardLog())
	wsURL := startGateway(t, hub, GatewayConfig{})

	conn, _, err := dialWS(t, wsURL, "", "alice")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	writeEnvelopeWS(t, conn, v1.TypeMessageNew, v1.MessageNewPayload{})
	env := readUntilType(t, conn, v1.TypeError, 1)
	var p v1.ErrorPayload
	_ = env.Decode(&p)
	if p.Code != "unsupported" {
		t.Fatalf("error code=%q, want unsupported", p.Code)
	}

	writeEnvelopeWS(t, conn, v1.TypeHello, v1.HelloPayload{})
	readUntilType(t, conn, v1.TypeHelloAck, 1)
}

func TestWSGateway_FeedGapClosesWithTryAgainLater(t *testing.T) {
	t.Parallel()

	hub := NewHub(discardLog())
	wsURL := startGateway(t, hub, GatewayConfig{})

	conn, _, err := dialWS(t, wsURL, "", "alice")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	writeEnvelopeWS(t, conn, v1.TypeHello, v1.HelloPayload{})
	readUntilType(t, conn, v1.TypeHelloAck, 1)
	waitSubscribers(t, hub, "alice", 1)

	hub.DropAll(ErrFeedGap)

	if got := readClose(t, conn); got != websocket.StatusTryAgainLater {
		t.Fatalf("close status=%v, want StatusTryAgainLater", got)
	}
}

func TestWSGateway_OriginPolicy(t *testing.T) {
	t.Parallel()

	hub := NewHub(discardLog())
	wsURL := startGateway(t, hub, GatewayConfig{
		OriginRequired: true,
		AllowedOrigins: []string{"https://app.haven.test"},
	})

	tests := []struct {
		name   string
		origin string
		ok     bool
	}{
		{"missing", "", false},
		{"foreign", "https://evil.test", false},
		{"allowed", "https://app.haven.test", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := dialWS(t, wsURL, tt.origin, "alice")
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
			if tt.ok {
				if err != nil {
					t.Fatalf("dial: %v", err)
				}
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err == nil {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				t.Fatalf("expected handshake failure")
			}
			if resp == nil || resp.StatusCode != http.StatusForbidden {
				status := 0
				if resp != nil {
					status = resp.StatusCode
				}
				t.Fatalf("expected 403, got status=%d err=%v", status, err)
			}
		})
	}
}

func TestOriginHostOnly(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"http://localhost:5173":  "localhost",
		"https://App.Haven.test": "app.haven.test",
		"127.0.0.1:8080":         "127.0.0.1",
		"":                       "",
	}
	for in, want := range tests {
		if got := originHostOnly(in); got != want {
			t.Fatalf("originHostOnly(%q)=%q, want %q", in, got, want)
		}
	}

	got := deriveOriginPatternsFromAllowedOrigins([]string{"http://localhost", "http://localhost:3000", "*", "https://b.test"})
	if strings.Join(got, ",") != "b.test,localhost" {
		t.Fatalf("patterns=%v", got)
	}
}

func TestWSTransport_EndToEnd(t *testing.T) {
	t.Parallel()

	hub := NewHub(discardLog())
	wsURL := startGateway(t, hub, GatewayConfig{})

	tr, err := NewWSTransport(discardLog(), wsURL)
	if err != nil {
		t.Fatalf("NewWSTransport: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sub, err := tr.Subscribe(ctx, "alice")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitSubscribers(t, hub, "alice", 1)

	want := testMsg("m1", "bob", "alice", 3)
	want.ProductRef = "listing-9"
	_ = hub.Publish(ctx, want)

	got, ok := recv(t, sub.Messages())
	if !ok {
		t.Fatalf("feed closed early: %v", sub.Err())
	}
	if got.ID != want.ID || got.ProductRef != want.ProductRef || !got.CreatedAt.Equal(want.CreatedAt) {
		t.Fatalf("got %+v, want %+v", got, want)
	}

	// A feed gap on the server side surfaces as a dropped subscription.
	hub.DropAll(ErrFeedGap)
	if _, ok := recv(t, sub.Messages()); ok {
		t.Fatalf("expected closed feed after gap")
	}
	if !errors.Is(sub.Err(), inbox.ErrSubscriptionDropped) {
		t.Fatalf("Err=%v, want ErrSubscriptionDropped", sub.Err())
	}
}

func TestWSTransport_CloseIsClean(t *testing.T) {
	t.Parallel()

	hub := NewHub(discardLog())
	wsURL := startGateway(t, hub, GatewayConfig{})

	tr, err := NewWSTransport(discardLog(), wsURL)
	if err != nil {
		t.Fatalf("NewWSTransport: %v", err)
	}
	sub, err := tr.Subscribe(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	_ = sub.Close()

	if _, ok := recv(t, sub.Messages()); ok {
		t.Fatalf("expected closed feed")
	}
	if sub.Err() != nil {
		t.Fatalf("Err=%v after Close, want nil", sub.Err())
	}
	waitSubscribers(t, hub, "alice", 0)
}

func TestNewWSTransport_RejectsHTTPURL(t *testing.T) {
	t.Parallel()

	if _, err := NewWSTransport(discardLog(), "http://localhost:8080/ws"); err == nil {
		t.Fatalf("expected error for http url")
	}
}
