package inboxapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ditu87/Builder-echo-haven/cmd/internal/inbox"
	"github.com/ditu87/Builder-echo-haven/cmd/internal/marketplace"
	"github.com/ditu87/Builder-echo-haven/cmd/internal/realtime"
)

type testServer struct {
	url   string
	store *realtime.MemoryStore
}

func newTestServer(t *testing.T) testServer {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := realtime.NewHub(log)
	store := realtime.NewMemoryStore(log, hub)

	reg := inbox.NewRegistry(log, func(viewerID string) (*inbox.Engine, error) {
		return inbox.NewEngine(log, viewerID, store, hub,
			inbox.WithRetryPolicy(inbox.RetryPolicy{Attempts: 2, Base: time.Millisecond, Max: 5 * time.Millisecond}))
	}, 0, nil)
	t.Cleanup(reg.Close)

	h, err := NewHandler(log, reg, marketplace.NewSessions(), WithMaxWait(5*time.Second))
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return testServer{url: ts.URL, store: store}
}

func (s testServer) do(t *testing.T, method, path, viewer string, body any) (int, []byte) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.url+path, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if viewer != "" {
		req.Header.Set(realtime.ViewerHeader, viewer)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, raw
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", raw, err)
	}
	return v
}

func errorCode(t *testing.T, raw []byte) string {
	t.Helper()
	return decode[errorResponse](t, raw).Error.Code
}

func TestHandler_RequiresViewer(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	for _, path := range []string{"/v1/conversations", "/v1/thread", "/v1/filters"} {
		status, raw := s.do(t, http.MethodGet, path, "", nil)
		if status != http.StatusUnauthorized {
			t.Fatalf("GET %s status=%d, want 401", path, status)
		}
		if got := errorCode(t, raw); got != "unauthorized" {
			t.Fatalf("GET %s code=%q", path, got)
		}
	}
}

func TestHandler_SendListSelect(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	status, raw := s.do(t, http.MethodPost, "/v1/messages", "bob", sendRequest{
		CounterpartID: "alice",
		Body:          "  Is this available?  ",
		ProductRef:    "listing-7",
	})
	if status != http.StatusCreated {
		t.Fatalf("send status=%d body=%s", status, raw)
	}
	sent := decode[messageResponse](t, raw).Message
	if sent.Body != "Is this available?" || sent.SenderID != "bob" || sent.ReceiverID != "alice" {
		t.Fatalf("sent=%+v", sent)
	}

	// The sender's own list updates without waiting for the live echo.
	_, raw = s.do(t, http.MethodGet, "/v1/conversations", "bob", nil)
	bobList := decode[conversationsResponse](t, raw)
	if len(bobList.Conversations) != 1 || bobList.Conversations[0].UnreadCount != 0 {
		t.Fatalf("bob conversations=%+v", bobList.Conversations)
	}

	_, raw = s.do(t, http.MethodGet, "/v1/conversations", "alice", nil)
	list := decode[conversationsResponse](t, raw)
	if len(list.Conversations) != 1 {
		t.Fatalf("alice conversations=%d, want 1", len(list.Conversations))
	}
	c := list.Conversations[0]
	if c.CounterpartID != "bob" || c.UnreadCount != 1 || list.TotalUnread != 1 {
		t.Fatalf("alice conversation=%+v total=%d", c, list.TotalUnread)
	}
	if c.LastMessage == nil || c.LastMessage.ID != sent.ID {
		t.Fatalf("last message=%+v, want %s", c.LastMessage, sent.ID)
	}

	status, raw = s.do(t, http.MethodPost, "/v1/conversations/bob/select", "alice", nil)
	if status != http.StatusOK {
		t.Fatalf("select status=%d body=%s", status, raw)
	}
	view := decode[viewResponse](t, raw).View
	if len(view.Messages) != 1 || !view.Messages[0].IsRead {
		t.Fatalf("view messages=%+v", view.Messages)
	}
	if view.Conversation.UnreadCount != 0 {
		t.Fatalf("unread after select=%d, want 0", view.Conversation.UnreadCount)
	}

	status, raw = s.do(t, http.MethodGet, "/v1/thread", "alice", nil)
	if status != http.StatusOK {
		t.Fatalf("thread status=%d", status)
	}
	if got := decode[viewResponse](t, raw).View.Conversation.CounterpartID; got != "bob" {
		t.Fatalf("current thread counterpart=%q", got)
	}

	_, raw = s.do(t, http.MethodGet, "/v1/conversations", "alice", nil)
	if got := decode[conversationsResponse](t, raw).TotalUnread; got != 0 {
		t.Fatalf("total unread after select=%d, want 0", got)
	}
}

func TestHandler_MarkRead(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	for i := range 2 {
		if status, raw := s.do(t, http.MethodPost, "/v1/messages", "bob", sendRequest{CounterpartID: "alice", Body: fmt.Sprint("m", i)}); status != http.StatusCreated {
			t.Fatalf("send status=%d body=%s", status, raw)
		}
	}

	status, raw := s.do(t, http.MethodPost, "/v1/conversations/bob/read", "alice", nil)
	if status != http.StatusOK {
		t.Fatalf("read status=%d body=%s", status, raw)
	}
	if got := decode[markReadResponse](t, raw).Cleared; got != 2 {
		t.Fatalf("cleared=%d, want 2", got)
	}

	status, raw = s.do(t, http.MethodPost, "/v1/conversations/alice/read", "alice", nil)
	if status != http.StatusBadRequest || errorCode(t, raw) != "invalid" {
		t.Fatalf("self read status=%d body=%s", status, raw)
	}
}

func TestHandler_DeepLinkPlaceholder(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	status, raw := s.do(t, http.MethodGet, "/v1/messages/open?user=carol&product=listing-9", "alice", nil)
	if status != http.StatusOK {
		t.Fatalf("open status=%d body=%s", status, raw)
	}
	view := decode[viewResponse](t, raw).View
	c := view.Conversation
	if c.CounterpartID != "carol" || c.ProductRef != "listing-9" || c.LastMessage != nil || c.UnreadCount != 0 {
		t.Fatalf("placeholder=%+v", c)
	}
	if len(view.Messages) != 0 {
		t.Fatalf("placeholder messages=%d, want 0", len(view.Messages))
	}

	status, raw = s.do(t, http.MethodGet, "/v1/messages/open?product=listing-9", "alice", nil)
	if status != http.StatusBadRequest || errorCode(t, raw) != "bad_link" {
		t.Fatalf("open without user status=%d body=%s", status, raw)
	}
}

func TestHandler_ThreadWithoutSelection(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	status, raw := s.do(t, http.MethodGet, "/v1/thread", "alice", nil)
	if status != http.StatusNotFound || errorCode(t, raw) != "no_selection" {
		t.Fatalf("status=%d body=%s", status, raw)
	}
}

func TestHandler_SendRejects(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	tests := []struct {
		name string
		body any
		code string
	}{
		{"empty body", sendRequest{CounterpartID: "bob", Body: "   "}, "invalid"},
		{"self", sendRequest{CounterpartID: "alice", Body: "hi"}, "invalid"},
		{"too long", sendRequest{CounterpartID: "bob", Body: strings.Repeat("x", inbox.MaxBodyChars+1)}, "invalid"},
		{"unknown field", map[string]string{"to": "bob"}, "bad_json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, raw := s.do(t, http.MethodPost, "/v1/messages", "alice", tt.body)
			if status != http.StatusBadRequest {
				t.Fatalf("status=%d, want 400 (body=%s)", status, raw)
			}
			if got := errorCode(t, raw); got != tt.code {
				t.Fatalf("code=%q, want %q", got, tt.code)
			}
		})
	}

	_, raw := s.do(t, http.MethodGet, "/v1/conversations", "bob", nil)
	if n := len(decode[conversationsResponse](t, raw).Conversations); n != 0 {
		t.Fatalf("rejected sends reached bob: %d conversations", n)
	}
}

func TestHandler_LongPollReleasedByLiveMessage(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	_, raw := s.do(t, http.MethodGet, "/v1/conversations", "alice", nil)
	version := decode[conversationsResponse](t, raw).Version

	type result struct {
		list conversationsResponse
		err  error
	}
	poll := func(v uint64) <-chan result {
		out := make(chan result, 1)
		go func() {
			req, _ := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/v1/conversations?version=%d&wait=5s", s.url, v), nil)
			req.Header.Set(realtime.ViewerHeader, "alice")
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				out <- result{err: err}
				return
			}
			defer resp.Body.Close()
			var list conversationsResponse
			out <- result{list: list, err: json.NewDecoder(resp.Body).Decode(&list)}
		}()
		return out
	}

	pending := poll(version)
	time.Sleep(50 * time.Millisecond)
	if status, body := s.do(t, http.MethodPost, "/v1/messages", "bob", sendRequest{CounterpartID: "alice", Body: "ping"}); status != http.StatusCreated {
		t.Fatalf("send status=%d body=%s", status, body)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		r := <-pending
		if r.err != nil {
			t.Fatalf("poll: %v", r.err)
		}
		if len(r.list.Conversations) == 1 && r.list.Conversations[0].UnreadCount == 1 {
			if r.list.Version <= version {
				t.Fatalf("version=%d did not advance past %d", r.list.Version, version)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("live message never reached the list: %+v", r.list)
		}
		pending = poll(r.list.Version)
	}
}

func TestHandler_BadLongPollParams(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	for path, code := range map[string]string{
		"/v1/conversations?version=abc":        "bad_version",
		"/v1/conversations?version=1&wait=xyz": "bad_wait",
	} {
		status, raw := s.do(t, http.MethodGet, path, "alice", nil)
		if status != http.StatusBadRequest || errorCode(t, raw) != code {
			t.Fatalf("GET %s status=%d body=%s", path, status, raw)
		}
	}
}

func TestHandler_Filters(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	f := marketplace.Filters{
		Query:      "tent",
		CategoryID: "outdoor",
		Location:   &marketplace.Location{City: "Austin", State: "TX"},
		PriceRange: &marketplace.PriceRange{Min: 5, Max: 40},
	}
	status, raw := s.do(t, http.MethodPut, "/v1/filters", "alice", f)
	if status != http.StatusOK {
		t.Fatalf("put status=%d body=%s", status, raw)
	}

	_, raw = s.do(t, http.MethodGet, "/v1/filters", "alice", nil)
	got := decode[filtersResponse](t, raw)
	if got.Version != 1 || got.Filters.Query != "tent" || got.Filters.PriceRange == nil || got.Filters.PriceRange.Max != 40 {
		t.Fatalf("filters=%+v", got)
	}

	_, raw = s.do(t, http.MethodGet, "/v1/filters", "bob", nil)
	if got := decode[filtersResponse](t, raw); got.Version != 0 || got.Filters.Query != "" {
		t.Fatalf("bob sees alice's filters: %+v", got)
	}

	status, raw = s.do(t, http.MethodPut, "/v1/filters", "alice", marketplace.Filters{
		PriceRange: &marketplace.PriceRange{Min: 50, Max: 10},
	})
	if status != http.StatusUnprocessableEntity || errorCode(t, raw) != "invalid_filters" {
		t.Fatalf("invalid put status=%d body=%s", status, raw)
	}
}

func TestWriteEngineError(t *testing.T) {
	t.Parallel()

	h := &Handler{log: slog.New(slog.NewTextHandler(io.Discard, nil))}
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{&inbox.FetchError{Op: "fetch_thread", Attempts: 3, Err: errors.New("down")}, http.StatusServiceUnavailable, "fetch_failed"},
		{&inbox.WriteError{Op: "inbox.SendMessage", Err: errors.New("down")}, http.StatusBadGateway, "send_failed"},
		{fmt.Errorf("select: %w", inbox.ErrStaleSelection), http.StatusConflict, "stale_selection"},
		{errors.New("boom"), http.StatusInternalServerError, "server_error"},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.writeEngineError(rec, tt.err)
		if rec.Code != tt.status {
			t.Fatalf("%v: status=%d, want %d", tt.err, rec.Code, tt.status)
		}
		if got := errorCode(t, rec.Body.Bytes()); got != tt.code {
			t.Fatalf("%v: code=%q, want %q", tt.err, got, tt.code)
		}
	}
}
