package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// LiveState is the state of a LiveChannel.
type LiveState int32

const (
	StateDisconnected LiveState = iota
	StateConnecting
	StateSubscribed
)

func (s LiveState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	default:
		return "disconnected"
	}
}

const defaultLiveBuffer = 1024

// LiveChannel merges pushed messages into the Index.
//
// Lifecycle per connection:
//  1. Connecting: subscribe, then run a reconciliation fetch. Pushed messages are
//     buffered (bounded) while the fetch is in flight.
//  2. The fetch result is merged, then the buffer is replayed in (created_at, id) order.
//     A buffer overflow forces another fetch before going live.
//  3. Subscribed: each pushed message is upserted as it arrives.
//
// Any drop returns to Connecting after a backoff; the next connection reconciles again,
// so the outage window is always covered by a full fetch.
type LiveChannel struct {
	log       *slog.Logger
	viewerID  string
	transport Transport
	index     *Index
	metrics   *Metrics

	reconcile func(context.Context) ([]Message, error)
	onMerged  func(Message)

	bufferSize int
	backoff    RetryPolicy

	mu    sync.Mutex
	state LiveState
}

// LiveConfig tunes a LiveChannel.
type LiveConfig struct {
	// BufferSize bounds messages held while a reconciliation fetch is in flight.
	BufferSize int
	// Backoff paces reconnects and failed reconciliation fetches.
	Backoff RetryPolicy
}

// NewLiveChannel builds a channel. reconcile must return every message involving the viewer.
// onMerged, if non-nil, is called after each pushed message is accepted by the index.
func NewLiveChannel(
	log *slog.Logger,
	transport Transport,
	index *Index,
	reconcile func(context.Context) ([]Message, error),
	onMerged func(Message),
	cfg LiveConfig,
	metrics *Metrics,
) *LiveChannel {
	if log == nil {
		log = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultLiveBuffer
	}
	return &LiveChannel{
		log:        log,
		viewerID:   index.ViewerID(),
		transport:  transport,
		index:      index,
		metrics:    metrics,
		reconcile:  reconcile,
		onMerged:   onMerged,
		bufferSize: cfg.BufferSize,
		backoff:    cfg.Backoff.normalized(),
	}
}

// State returns the current state.
func (l *LiveChannel) State() LiveState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Run connects and keeps reconnecting until ctx is done. It always returns nil on
// cancellation; subscription failures are logged and retried, never returned.
func (l *LiveChannel) Run(ctx context.Context) error {
	defer l.setState(StateDisconnected)

	failures := 0
	for ctx.Err() == nil {
		l.setState(StateConnecting)

		wasLive, err := l.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if wasLive {
			failures = 0
		}
		failures++

		l.metrics.reconnected()
		l.log.Warn("inbox.live.dropped",
			"viewer_id", l.viewerID,
			"was_subscribed", wasLive,
			"failures", failures,
			"err", err,
		)
		if sleepCtx(ctx, l.backoff.Backoff(failures)) != nil {
			return nil
		}
	}
	return nil
}

type fetchResult struct {
	msgs []Message
	err  error
}

// session runs one subscription until it drops. wasLive reports whether it reached Subscribed.
func (l *LiveChannel) session(ctx context.Context) (wasLive bool, err error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub, err := l.transport.Subscribe(sctx, l.viewerID)
	if err != nil {
		return false, fmt.Errorf("%w: subscribe: %v", ErrSubscriptionDropped, err)
	}
	defer func() { _ = sub.Close() }()

	fetched := make(chan fetchResult, 1)
	fetch := func(delay int) {
		go func() {
			if delay > 0 {
				if sleepCtx(sctx, l.backoff.Backoff(delay)) != nil {
					return
				}
			}
			msgs, err := l.reconcile(sctx)
			select {
			case fetched <- fetchResult{msgs: msgs, err: err}:
			case <-sctx.Done():
			}
		}()
	}
	fetch(0)

	var (
		pending    []Message
		overflowed bool
		fetchFails int
		live       bool
	)
	feed := sub.Messages()

	for {
		select {
		case <-ctx.Done():
			return live, nil

		case m, ok := <-feed:
			if !ok {
				cause := sub.Err()
				if cause == nil {
					cause = errors.New("feed closed")
				}
				return live, fmt.Errorf("%w: %v", ErrSubscriptionDropped, cause)
			}
			if live {
				l.merge(m)
				continue
			}
			if len(pending) >= l.bufferSize {
				pending = pending[1:]
				overflowed = true
				l.metrics.overflowed()
			}
			pending = append(pending, m)

		case res := <-fetched:
			if res.err != nil {
				if sctx.Err() != nil {
					return live, nil
				}
				fetchFails++
				l.log.Warn("inbox.reconcile.fail", "viewer_id", l.viewerID, "failures", fetchFails, "err", res.err)
				fetch(fetchFails)
				continue
			}
			fetchFails = 0

			l.apply(res.msgs)
			l.replay(pending)
			pending = nil

			if overflowed {
				overflowed = false
				l.log.Warn("inbox.live.buffer_overflow", "viewer_id", l.viewerID, "buffer", l.bufferSize)
				fetch(0)
				continue
			}

			live = true
			l.setState(StateSubscribed)
		}
	}
}

func (l *LiveChannel) apply(batch []Message) {
	threads, rejected := Normalize(l.viewerID, batch)
	for _, err := range rejected {
		l.index.reject(err)
	}
	applied, _ := l.index.UpsertBatch(threads.Flatten())
	l.log.Debug("inbox.reconcile.applied", "viewer_id", l.viewerID, "fetched", len(batch), "applied", applied)
}

func (l *LiveChannel) replay(pending []Message) {
	if len(pending) == 0 {
		return
	}
	threads, rejected := Normalize(l.viewerID, pending)
	for _, err := range rejected {
		l.index.reject(err)
	}
	for _, m := range threads.Flatten() {
		l.merge(m)
	}
}

func (l *LiveChannel) merge(m Message) {
	if _, err := l.index.Upsert(m); err != nil {
		return
	}
	if l.onMerged != nil {
		l.onMerged(m)
	}
}

func (l *LiveChannel) setState(s LiveState) {
	l.mu.Lock()
	prev := l.state
	l.state = s
	l.mu.Unlock()

	if prev == s {
		return
	}
	l.metrics.transition(prev, s)
	l.log.Info("inbox.live.state", "viewer_id", l.viewerID, "from", prev.String(), "to", s.String())
}
