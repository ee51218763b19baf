package inbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"
)

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func at(min int) time.Time { return base.Add(time.Duration(min) * time.Minute) }

func msg(id, from, to string, min int) Message {
	return Message{ID: id, SenderID: from, ReceiverID: to, Body: "body " + id, CreatedAt: at(min)}
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func fastRetry() RetryPolicy {
	return RetryPolicy{Attempts: 3, Base: time.Millisecond, Max: 5 * time.Millisecond}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var errStoreDown = errors.New("store down")

// fakeStore is a scripted in-memory MessageStore.
type fakeStore struct {
	mu   sync.Mutex
	msgs []Message
	seq  int

	involvingFails int // fail the next N bulk fetches
	involvingCalls int
	insertErr      error
	setReadErr     error
	setReadCalls   int

	// involvingHook runs after FetchMessagesInvolving has taken its snapshot; it may block.
	involvingHook func(ctx context.Context) error
	// threadHook runs before FetchThread returns; it may block.
	threadHook func(ctx context.Context, counterpartID string) error
	// setReadHook runs at the start of SetRead.
	setReadHook func()
}

func (s *fakeStore) add(ms ...Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, ms...)
}

func (s *fakeStore) FetchMessagesInvolving(ctx context.Context, viewerID string) ([]Message, error) {
	s.mu.Lock()
	s.involvingCalls++
	if s.involvingFails > 0 {
		s.involvingFails--
		s.mu.Unlock()
		return nil, errStoreDown
	}
	var out []Message
	for _, m := range s.msgs {
		if m.SenderID == viewerID || m.ReceiverID == viewerID {
			out = append(out, m)
		}
	}
	hook := s.involvingHook
	s.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *fakeStore) FetchThread(ctx context.Context, viewerID, counterpartID string) ([]Message, error) {
	s.mu.Lock()
	hook := s.threadHook
	s.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, counterpartID); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.msgs {
		if (m.SenderID == viewerID && m.ReceiverID == counterpartID) ||
			(m.SenderID == counterpartID && m.ReceiverID == viewerID) {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, Compare)
	return out, nil
}

func (s *fakeStore) InsertMessage(ctx context.Context, in SendInput) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return Message{}, s.insertErr
	}
	s.seq++
	m := Message{
		ID:         fmt.Sprintf("s%04d", s.seq),
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		Body:       in.Body,
		CreatedAt:  in.Now,
		ProductRef: in.ProductRef,
	}
	s.msgs = append(s.msgs, m)
	return m, nil
}

func (s *fakeStore) SetRead(ctx context.Context, receiverID, senderID string) (int, error) {
	s.mu.Lock()
	hook := s.setReadHook
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.setReadCalls++
	if s.setReadErr != nil {
		return 0, s.setReadErr
	}
	n := 0
	for i := range s.msgs {
		m := &s.msgs[i]
		if m.ReceiverID == receiverID && m.SenderID == senderID && !m.IsRead {
			m.IsRead = true
			n++
		}
	}
	return n, nil
}

// fakeTransport hands every new subscription to the test through subs.
type fakeTransport struct {
	subs      chan *fakeSub
	failFirst int

	mu sync.Mutex
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(chan *fakeSub, 16)}
}

func (t *fakeTransport) Subscribe(ctx context.Context, viewerID string) (Subscription, error) {
	t.mu.Lock()
	if t.failFirst > 0 {
		t.failFirst--
		t.mu.Unlock()
		return nil, errors.New("dial refused")
	}
	t.mu.Unlock()

	s := &fakeSub{ch: make(chan Message, 64)}
	t.subs <- s
	return s, nil
}

func (t *fakeTransport) next(tb testing.TB) *fakeSub {
	tb.Helper()
	select {
	case s := <-t.subs:
		return s
	case <-time.After(3 * time.Second):
		tb.Fatalf("no subscription")
		return nil
	}
}

type fakeSub struct {
	mu     sync.Mutex
	ch     chan Message
	closed bool
	err    error
}

func (s *fakeSub) Messages() <-chan Message { return s.ch }

func (s *fakeSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

func (s *fakeSub) push(ms ...Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, m := range ms {
		s.ch <- m
	}
}

func (s *fakeSub) drop(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.err = err
		s.closed = true
		close(s.ch)
	}
}
