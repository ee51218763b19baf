package realtime

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ditu87/Builder-echo-haven/cmd/internal/inbox"
)

const hubDefaultQueueSize = 256

// ErrSlowConsumer ends a subscription whose queue filled up. The subscriber is expected
// to reconnect and reconcile.
var ErrSlowConsumer = errors.New("realtime: slow consumer")

// Hub fans out newly created messages to the subscriptions of their receiver.
//
// Concurrency guarantees:
//   - Publish never blocks: a full subscriber queue ends that subscription with
//     ErrSlowConsumer instead of silently dropping a message.
//   - Deliveries run under the read lock and subscription teardown under the write
//     lock, so a subscriber channel is never written after it was closed.
type Hub struct {
	log       *slog.Logger
	queueSize int

	active  prometheus.Gauge
	evicted prometheus.Counter

	mu   sync.RWMutex
	subs map[string]map[*Subscriber]struct{}
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithQueueSize bounds each subscriber's pending messages.
func WithQueueSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithHubMetrics registers subscriber gauges on reg.
func WithHubMetrics(reg prometheus.Registerer) HubOption {
	return func(h *Hub) {
		if reg == nil {
			return
		}
		f := promauto.With(reg)
		h.active = f.NewGauge(prometheus.GaugeOpts{
			Namespace: "haven",
			Subsystem: "realtime",
			Name:      "subscribers",
			Help:      "Active live subscriptions.",
		})
		h.evicted = f.NewCounter(prometheus.CounterOpts{
			Namespace: "haven",
			Subsystem: "realtime",
			Name:      "slow_consumers_total",
			Help:      "Subscriptions ended because their queue was full.",
		})
	}
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger, opts ...HubOption) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		log:       log,
		queueSize: hubDefaultQueueSize,
		subs:      make(map[string]map[*Subscriber]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Subscribe registers a subscription for messages addressed to viewerID.
// It ends when ctx is done or Close is called.
func (h *Hub) Subscribe(ctx context.Context, viewerID string) (inbox.Subscription, error) {
	return h.subscribe(ctx, viewerID)
}

func (h *Hub) subscribe(ctx context.Context, viewerID string) (*Subscriber, error) {
	viewerID = strings.TrimSpace(viewerID)
	if viewerID == "" {
		return nil, errors.New("realtime: empty viewer id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := &Subscriber{
		hub:      h,
		ViewerID: viewerID,
		ch:       make(chan inbox.Message, h.queueSize),
	}
	s.stop = context.AfterFunc(ctx, func() { h.remove(s, nil) })

	h.mu.Lock()
	set := h.subs[viewerID]
	if set == nil {
		set = make(map[*Subscriber]struct{})
		h.subs[viewerID] = set
	}
	set[s] = struct{}{}
	if h.active != nil {
		h.active.Inc()
	}
	h.mu.Unlock()

	// The AfterFunc may have fired before the subscriber was registered.
	if ctx.Err() != nil {
		h.remove(s, nil)
	}

	h.log.Debug("hub.subscribe", "viewer_id", viewerID)
	return s, nil
}

// Publish delivers m to every subscription of its receiver.
func (h *Hub) Publish(_ context.Context, m inbox.Message) error {
	var slow []*Subscriber

	h.mu.RLock()
	for s := range h.subs[m.ReceiverID] {
		select {
		case s.ch <- m:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		h.log.Warn("hub.subscriber.evict", "viewer_id", s.ViewerID, "queue", h.queueSize)
		if h.evicted != nil {
			h.evicted.Inc()
		}
		h.remove(s, ErrSlowConsumer)
	}
	return nil
}

// Subscribers returns the number of live subscriptions for viewerID.
func (h *Hub) Subscribers(viewerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[viewerID])
}

func (h *Hub) remove(s *Subscriber, cause error) {
	h.mu.Lock()
	set := h.subs[s.ViewerID]
	if _, ok := set[s]; !ok {
		h.mu.Unlock()
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.ViewerID)
	}
	s.finish(cause)
	h.mu.Unlock()

	if s.stop != nil {
		s.stop()
	}
	if h.active != nil {
		h.active.Dec()
	}
}

// DropAll ends every subscription with cause. Feeds call it after an upstream gap so
// that every engine reconnects and reconciles.
func (h *Hub) DropAll(cause error) int {
	h.mu.RLock()
	var all []*Subscriber
	for _, set := range h.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range all {
		h.remove(s, cause)
	}
	return len(all)
}
