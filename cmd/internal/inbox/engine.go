package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// Engine is the per-viewer facade used by the UI layer.
//
// Writers into the Index are the bulk load, the LiveChannel, the Selector and
// SendMessage; all of them go through Index.Upsert/UpsertBatch/MarkRead. Reads are
// served from copy-on-read snapshots.
type Engine struct {
	log       *slog.Logger
	viewerID  string
	store     MessageStore
	transport Transport
	metrics   *Metrics
	retry     RetryPolicy
	liveCfg   LiveConfig
	now       func() time.Time

	index    *Index
	tracker  *UnreadTracker
	selector *Selector
	live     *LiveChannel

	loads singleflight.Group
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics records engine activity on m.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithRetryPolicy sets the retry policy for store reads and reconnects.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithLiveBuffer bounds messages buffered during reconciliation.
func WithLiveBuffer(n int) Option {
	return func(e *Engine) { e.liveCfg.BufferSize = n }
}

// WithClock overrides the send timestamp source (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine builds an engine for viewerID. transport may be nil, in which case Run only
// performs the bulk load and no live events are merged.
func NewEngine(log *slog.Logger, viewerID string, store MessageStore, transport Transport, opts ...Option) (*Engine, error) {
	viewerID = strings.TrimSpace(viewerID)
	if viewerID == "" {
		return nil, errors.New("inbox: empty viewer id")
	}
	if store == nil {
		return nil, errors.New("inbox: nil store")
	}
	if log == nil {
		log = slog.Default()
	}

	e := &Engine{
		log:       log.With("viewer_id", viewerID),
		viewerID:  viewerID,
		store:     store,
		transport: transport,
		retry:     DefaultRetryPolicy(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.retry = e.retry.normalized()
	e.liveCfg.Backoff = e.retry

	e.index = NewIndex(e.log, viewerID, e.metrics)
	e.tracker = NewUnreadTracker(e.log, store, e.index, e.retry, e.metrics)
	e.selector = NewSelector(e.log, store, e.index, e.tracker, e.retry, e.metrics)
	if transport != nil {
		e.live = NewLiveChannel(e.log, transport, e.index, e.resync, e.selector.Observe, e.liveCfg, e.metrics)
	}
	return e, nil
}

// ViewerID returns the viewer this engine serves.
func (e *Engine) ViewerID() string { return e.viewerID }

// Run keeps the index in sync until ctx is done.
//
// With a transport it runs the LiveChannel, which reconciles on every (re)connect.
// Without one it loads once, retrying with backoff until the load succeeds.
func (e *Engine) Run(ctx context.Context) error {
	defer e.index.release()

	if e.live != nil {
		return e.live.Run(ctx)
	}

	for n := 1; ctx.Err() == nil; n++ {
		if err := e.Load(ctx); err == nil {
			break
		}
		if sleepCtx(ctx, e.retry.Backoff(n)) != nil {
			return nil
		}
	}
	<-ctx.Done()
	return nil
}

// Load performs a bulk fetch and merges it. On failure the index keeps its last good state.
func (e *Engine) Load(ctx context.Context) error {
	msgs, err := e.reconcile(ctx)
	if err != nil {
		e.log.Warn("inbox.load.fail", "err", err)
		return fmt.Errorf("inbox.Load: %w", err)
	}

	threads, rejected := Normalize(e.viewerID, msgs)
	for _, err := range rejected {
		e.index.reject(err)
	}
	applied, _ := e.index.UpsertBatch(threads.Flatten())
	e.log.Debug("inbox.load.applied", "fetched", len(msgs), "applied", applied)
	return nil
}

// reconcile fetches every message involving the viewer. Concurrent callers share one
// store round trip.
func (e *Engine) reconcile(ctx context.Context) ([]Message, error) {
	v, err, _ := e.loads.Do("involving", func() (any, error) {
		return retry(ctx, e.retry, e.metrics, "fetch_involving", func(ctx context.Context) ([]Message, error) {
			return e.store.FetchMessagesInvolving(ctx, e.viewerID)
		})
	})
	if err != nil {
		return nil, err
	}
	return v.([]Message), nil
}

// resync is reconcile for a freshly opened subscription. A fetch already in flight may
// predate the subscription and miss messages stored before it, so it is not joined.
// Loads that start afterwards still share this one.
func (e *Engine) resync(ctx context.Context) ([]Message, error) {
	e.loads.Forget("involving")
	return e.reconcile(ctx)
}

// GetConversations returns the display-ordered conversation list.
func (e *Engine) GetConversations() []Conversation {
	return e.index.Snapshot()
}

// Conversations returns the list and the version it reflects.
func (e *Engine) Conversations() ([]Conversation, uint64) {
	return e.index.SnapshotVersion()
}

// Wait blocks until the conversation list changes from version since.
func (e *Engine) Wait(ctx context.Context, since uint64) (uint64, error) {
	return e.index.Wait(ctx, since)
}

// TotalUnread sums unread counts over all conversations.
func (e *Engine) TotalUnread() int { return e.index.TotalUnread() }

// Resolve returns the conversation with counterpartID or a placeholder.
func (e *Engine) Resolve(counterpartID, productRef string) Conversation {
	return e.selector.Resolve(counterpartID, productRef)
}

// SelectConversation opens the thread with counterpartID and marks it read.
func (e *Engine) SelectConversation(ctx context.Context, counterpartID, productRef string) (ConversationView, error) {
	return e.selector.Select(ctx, counterpartID, productRef)
}

// OpenDeepLink selects the conversation named by a product page link.
func (e *Engine) OpenDeepLink(ctx context.Context, dl DeepLink) (ConversationView, error) {
	return e.selector.Select(ctx, dl.CounterpartID, dl.ProductRef)
}

// CurrentThread returns the UI-visible thread.
func (e *Engine) CurrentThread() (ConversationView, bool) {
	return e.selector.Current()
}

// MarkRead marks counterpartID's messages read without opening the thread.
func (e *Engine) MarkRead(ctx context.Context, counterpartID string) (int, error) {
	return e.tracker.MarkRead(ctx, counterpartID)
}

// State reports the live channel state. Engines without a transport are always Disconnected.
func (e *Engine) State() LiveState {
	if e.live == nil {
		return StateDisconnected
	}
	return e.live.State()
}

// SendMessage writes through the store and then merges the stored message, so the
// sender's own list updates without waiting for the live echo. Nothing is merged unless
// the store confirms the write.
func (e *Engine) SendMessage(ctx context.Context, counterpartID, body, productRef string) (Message, error) {
	counterpartID = strings.TrimSpace(counterpartID)
	if counterpartID == "" || counterpartID == e.viewerID {
		return Message{}, invalid("inbox.SendMessage", "", "bad counterpart")
	}
	body, err := normalizeBody(body)
	if err != nil {
		return Message{}, err
	}

	m, err := e.store.InsertMessage(ctx, SendInput{
		SenderID:   e.viewerID,
		ReceiverID: counterpartID,
		Body:       body,
		ProductRef: strings.TrimSpace(productRef),
		Now:        e.now(),
	})
	if err != nil {
		e.metrics.sendFailed()
		e.log.Warn("inbox.send.fail", "counterpart_id", counterpartID, "err", err)
		return Message{}, &WriteError{Op: "inbox.SendMessage", Err: err}
	}

	// A malformed store echo is logged by the index and not merged.
	if _, err := e.index.Upsert(m); err == nil {
		e.selector.Observe(m)
	}
	return m, nil
}
