package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

// DeepLink identifies a conversation opened from a product page.
type DeepLink struct {
	CounterpartID string
	ProductRef    string
}

// ParseDeepLink reads ?user=<counterpart>&product=<productRef>. ok is false without a user.
func ParseDeepLink(q url.Values) (DeepLink, bool) {
	dl := DeepLink{
		CounterpartID: strings.TrimSpace(q.Get("user")),
		ProductRef:    strings.TrimSpace(q.Get("product")),
	}
	return dl, dl.CounterpartID != ""
}

// Selector opens conversations for the UI.
//
// Every Select call takes a new generation and cancels the previous in-flight fetch.
// A result whose generation is no longer current is dropped with ErrStaleSelection, so a
// slow fetch for X can never replace the thread of a later selection Y.
type Selector struct {
	log      *slog.Logger
	viewerID string
	store    MessageStore
	index    *Index
	tracker  *UnreadTracker
	retry    RetryPolicy
	metrics  *Metrics

	gen atomic.Uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	current *ConversationView
}

// NewSelector constructs a selector.
func NewSelector(log *slog.Logger, store MessageStore, index *Index, tracker *UnreadTracker, policy RetryPolicy, metrics *Metrics) *Selector {
	if log == nil {
		log = slog.Default()
	}
	return &Selector{
		log:      log,
		viewerID: index.ViewerID(),
		store:    store,
		index:    index,
		tracker:  tracker,
		retry:    policy,
		metrics:  metrics,
	}
}

// Resolve returns the indexed conversation, or a placeholder with no messages and no
// unread count used to seed a new thread.
func (s *Selector) Resolve(counterpartID, productRef string) Conversation {
	if c, ok := s.index.Get(counterpartID); ok {
		return c
	}
	return Conversation{CounterpartID: counterpartID, ProductRef: productRef}
}

// Select fetches the thread with counterpartID, merges it, marks it read and publishes it
// as the current view. A failed mark-read is logged; the view is still returned.
func (s *Selector) Select(ctx context.Context, counterpartID, productRef string) (ConversationView, error) {
	counterpartID = strings.TrimSpace(counterpartID)
	if counterpartID == "" || counterpartID == s.viewerID {
		return ConversationView{}, invalid("inbox.SelectConversation", "", "bad counterpart")
	}

	g := s.gen.Add(1)
	fctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = cancel
	s.mu.Unlock()

	msgs, err := retry(fctx, s.retry, s.metrics, "fetch_thread", func(ctx context.Context) ([]Message, error) {
		return s.store.FetchThread(ctx, s.viewerID, counterpartID)
	})
	var thread []Message
	if err == nil {
		// A fetched thread is store state whichever selection asked for it.
		thread = SortThread(s.between(msgs, counterpartID))
		s.index.UpsertBatch(thread)
	}
	// Checked after the merge so a superseded selection never writes read state.
	if s.superseded(g) {
		return ConversationView{}, s.staleErr(counterpartID, g)
	}
	if err == nil {
		err = fctx.Err()
	}
	if err != nil {
		return ConversationView{}, fmt.Errorf("inbox.SelectConversation: %w", err)
	}

	marked := false
	if _, err := s.tracker.MarkRead(fctx, counterpartID); err != nil {
		s.log.Warn("inbox.select.mark_read.fail", "viewer_id", s.viewerID, "counterpart_id", counterpartID, "err", err)
	} else {
		marked = true
	}
	if marked {
		for i := range thread {
			if thread[i].Inbound(s.viewerID) {
				thread[i].IsRead = true
			}
		}
	}

	view := ConversationView{
		Conversation: s.Resolve(counterpartID, productRef),
		Messages:     thread,
		Generation:   g,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.superseded(g) {
		return ConversationView{}, s.staleErr(counterpartID, g)
	}
	s.current = &view
	return cloneView(view), nil
}

// Current returns the UI-visible thread, if any conversation was selected.
func (s *Selector) Current() (ConversationView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ConversationView{}, false
	}
	return cloneView(*s.current), true
}

// Observe appends a merged message to the current view when it belongs to it.
func (s *Selector) Observe(m Message) {
	cp, ok := m.Counterpart(s.viewerID)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.Conversation.CounterpartID != cp {
		return
	}

	thread := SortThread(append(slices.Clone(s.current.Messages), m))
	conv, ok := s.index.Get(cp)
	if !ok {
		conv = s.current.Conversation
	}
	s.current = &ConversationView{Conversation: conv, Messages: thread, Generation: s.current.Generation}
}

func (s *Selector) superseded(g uint64) bool { return s.gen.Load() != g }

func (s *Selector) staleErr(counterpartID string, g uint64) error {
	s.metrics.stale()
	s.log.Debug("inbox.select.stale", "viewer_id", s.viewerID, "counterpart_id", counterpartID, "generation", g)
	return fmt.Errorf("inbox.SelectConversation: %w", ErrStaleSelection)
}

func (s *Selector) between(msgs []Message, counterpartID string) []Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if cp, ok := m.Counterpart(s.viewerID); ok && cp == counterpartID {
			out = append(out, m)
		}
	}
	return out
}

func cloneView(v ConversationView) ConversationView {
	v.Messages = slices.Clone(v.Messages)
	if v.Conversation.LastMessage != nil {
		last := *v.Conversation.LastMessage
		v.Conversation.LastMessage = &last
	}
	return v
}
