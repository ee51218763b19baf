package inbox

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestUnreadTracker_MarkReadThenNewMessage(t *testing.T) {
	t.Parallel()

	st := &fakeStore{}
	st.add(msg("a", "c", "u", 1), msg("b", "c", "u", 2))
	x := NewIndex(discard(), "u", nil)
	x.UpsertBatch(st.msgs)
	tr := NewUnreadTracker(discard(), st, x, fastRetry(), nil)

	n, err := tr.MarkRead(context.Background(), "c")
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if n != 2 {
		t.Fatalf("transitioned=%d want=2", n)
	}
	if c, _ := x.Get("c"); c.UnreadCount != 0 {
		t.Fatalf("unread after mark=%d", c.UnreadCount)
	}

	_, _ = x.Upsert(msg("d", "c", "u", 3))
	if c, _ := x.Get("c"); c.UnreadCount != 1 {
		t.Fatalf("unread after new message=%d want=1", c.UnreadCount)
	}

	// A late unread echo of an already-read message must not resurrect it.
	_, _ = x.Upsert(msg("a", "c", "u", 1))
	if c, _ := x.Get("c"); c.UnreadCount != 1 {
		t.Fatalf("unread after stale echo=%d want=1", c.UnreadCount)
	}
}

func TestUnreadTracker_ArrivalDuringStoreCallStaysUnread(t *testing.T) {
	t.Parallel()

	st := &fakeStore{}
	st.add(msg("a", "c", "u", 1))
	x := NewIndex(discard(), "u", nil)
	x.UpsertBatch(st.msgs)
	st.setReadHook = func() { _, _ = x.Upsert(msg("late", "c", "u", 2)) }
	tr := NewUnreadTracker(discard(), st, x, fastRetry(), nil)

	n, err := tr.MarkRead(context.Background(), "c")
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if n != 1 {
		t.Fatalf("transitioned=%d want=1", n)
	}
	c, _ := x.Get("c")
	if c.UnreadCount != 1 || c.LastMessage == nil || c.LastMessage.ID != "late" {
		t.Fatalf("conversation=%+v, want the late message unread", c)
	}
}

func TestUnreadTracker_StoreFailureLeavesIndex(t *testing.T) {
	t.Parallel()

	st := &fakeStore{setReadErr: errStoreDown}
	x := NewIndex(discard(), "u", nil)
	_, _ = x.Upsert(msg("a", "c", "u", 1))
	tr := NewUnreadTracker(discard(), st, x, fastRetry(), nil)

	_, err := tr.MarkRead(context.Background(), "c")
	if !errors.Is(err, ErrTransientFetch) || !errors.Is(err, errStoreDown) {
		t.Fatalf("err=%v", err)
	}
	if st.setReadCalls != 3 {
		t.Fatalf("set_read attempts=%d want=3", st.setReadCalls)
	}
	if c, _ := x.Get("c"); c.UnreadCount != 1 {
		t.Fatalf("unread=%d want=1", c.UnreadCount)
	}
}

func TestUnreadTracker_RejectsSelf(t *testing.T) {
	t.Parallel()

	x := NewIndex(discard(), "u", nil)
	tr := NewUnreadTracker(discard(), &fakeStore{}, x, fastRetry(), nil)
	if _, err := tr.MarkRead(context.Background(), "u"); !IsInvalidMessage(err) {
		t.Fatalf("err=%v", err)
	}
}

func TestUnreadTracker_ConcurrentUpserts(t *testing.T) {
	t.Parallel()

	st := &fakeStore{}
	x := NewIndex(discard(), "u", nil)
	tr := NewUnreadTracker(discard(), st, x, fastRetry(), nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_, _ = x.Upsert(msg(string(rune('A'+i%26))+string(rune('a'+i/26)), "c", "u", i))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			_, _ = tr.MarkRead(context.Background(), "c")
		}
	}()
	wg.Wait()

	// Whatever interleaving happened, the count equals the unread inbound messages held.
	c, _ := x.Get("c")
	want := 0
	x.mu.RLock()
	for _, m := range x.entries["c"].msgs {
		if !m.IsRead {
			want++
		}
	}
	x.mu.RUnlock()
	if c.UnreadCount != want {
		t.Fatalf("unread=%d recount=%d", c.UnreadCount, want)
	}

	if _, err := tr.MarkRead(context.Background(), "c"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if c, _ := x.Get("c"); c.UnreadCount != 0 {
		t.Fatalf("unread after final mark=%d", c.UnreadCount)
	}
}
