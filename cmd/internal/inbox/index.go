package inbox

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
)

// Index maintains one Conversation per counterpart of a single viewer.
//
// Concurrency model:
//   - Upsert, UpsertBatch and MarkRead take the write lock; mutations are serialized.
//   - Snapshot copies entries under the read lock and sorts outside it, so readers never
//     observe a partially applied message.
//   - Unread counts are derived from a per-counterpart set of unread inbound ids, so
//     duplicate or reordered deliveries cannot skew them.
type Index struct {
	log      *slog.Logger
	viewerID string
	metrics  *Metrics

	mu      sync.RWMutex
	entries map[string]*entry
	version uint64
	changed chan struct{}

	// reported is this index's share of the process-wide unread gauge.
	reported int
	released bool
}

type entry struct {
	counterpartID string
	msgs          map[string]Message
	last          Message
	product       Message // latest message carrying a ProductRef
	unread        map[string]struct{}
}

// NewIndex constructs an empty index for viewerID.
func NewIndex(log *slog.Logger, viewerID string, metrics *Metrics) *Index {
	if log == nil {
		log = slog.Default()
	}
	return &Index{
		log:      log,
		viewerID: viewerID,
		metrics:  metrics,
		entries:  make(map[string]*entry),
		changed:  make(chan struct{}),
	}
}

// ViewerID returns the viewer this index is scoped to.
func (x *Index) ViewerID() string { return x.viewerID }

// Upsert merges one message. It reports whether the index changed.
// Invalid messages are logged, counted and returned as *InvalidMessageError; the index is untouched.
func (x *Index) Upsert(m Message) (bool, error) {
	x.mu.Lock()
	changed, err := x.applyLocked(m)
	if changed {
		x.bumpLocked()
	}
	x.mu.Unlock()

	if err != nil {
		x.reject(err)
		return false, err
	}
	if changed {
		x.metrics.upserted()
	}
	return changed, nil
}

// UpsertBatch merges many messages under one lock acquisition.
// Messages should already be ordered (see Normalize); order only affects intermediate states.
func (x *Index) UpsertBatch(msgs []Message) (int, []error) {
	var (
		applied  int
		rejected []error
	)

	x.mu.Lock()
	for _, m := range msgs {
		changed, err := x.applyLocked(m)
		if err != nil {
			rejected = append(rejected, err)
			continue
		}
		if changed {
			applied++
		}
	}
	if applied > 0 {
		x.bumpLocked()
	}
	x.mu.Unlock()

	for _, err := range rejected {
		x.reject(err)
	}
	for i := 0; i < applied; i++ {
		x.metrics.upserted()
	}
	return applied, rejected
}

// UnreadIDs returns the ids of unread inbound messages from counterpartID.
func (x *Index) UnreadIDs(counterpartID string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	e := x.entries[counterpartID]
	if e == nil {
		return nil
	}
	ids := make([]string, 0, len(e.unread))
	for id := range e.unread {
		ids = append(ids, id)
	}
	return ids
}

// MarkRead flips the given unread inbound messages from counterpartID to read and returns
// how many transitioned. Ids that are unknown or already read are ignored. It goes through
// the same apply path as Upsert.
func (x *Index) MarkRead(counterpartID string, ids []string) int {
	x.mu.Lock()
	defer x.mu.Unlock()

	e := x.entries[counterpartID]
	if e == nil || len(e.unread) == 0 {
		return 0
	}

	n := 0
	for _, id := range ids {
		if _, ok := e.unread[id]; !ok {
			continue
		}
		m := e.msgs[id]
		m.IsRead = true
		if changed, err := x.applyLocked(m); err == nil && changed {
			n++
		}
	}
	if n > 0 {
		x.bumpLocked()
	}
	return n
}

// Get returns the conversation for counterpartID.
func (x *Index) Get(counterpartID string) (Conversation, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	e := x.entries[counterpartID]
	if e == nil {
		return Conversation{}, false
	}
	return e.conversation(), true
}

// Snapshot returns every conversation ordered by last activity, most recent first.
// Ties are broken by counterpart id ascending.
func (x *Index) Snapshot() []Conversation {
	out, _ := x.SnapshotVersion()
	return out
}

// SnapshotVersion is Snapshot plus the version it was taken at.
func (x *Index) SnapshotVersion() ([]Conversation, uint64) {
	x.mu.RLock()
	out := make([]Conversation, 0, len(x.entries))
	for _, e := range x.entries {
		out = append(out, e.conversation())
	}
	v := x.version
	x.mu.RUnlock()

	slices.SortFunc(out, func(a, b Conversation) int {
		if c := b.LastMessage.CreatedAt.Compare(a.LastMessage.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.CounterpartID, b.CounterpartID)
	})
	return out, v
}

// Version increases on every change.
func (x *Index) Version() uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.version
}

// Wait blocks until the version differs from since or ctx is done.
func (x *Index) Wait(ctx context.Context, since uint64) (uint64, error) {
	for {
		x.mu.RLock()
		v, ch := x.version, x.changed
		x.mu.RUnlock()

		if v != since {
			return v, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return v, ctx.Err()
		}
	}
}

// TotalUnread sums unread counts across conversations.
func (x *Index) TotalUnread() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.totalUnreadLocked()
}

func (x *Index) totalUnreadLocked() int {
	n := 0
	for _, e := range x.entries {
		n += len(e.unread)
	}
	return n
}

// release withdraws the index from the unread gauge once its engine stops.
func (x *Index) release() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.metrics.unreadChanged(-x.reported)
	x.reported = 0
	x.released = true
}

func (x *Index) applyLocked(m Message) (bool, error) {
	if err := m.Validate(); err != nil {
		return false, err
	}
	cp, ok := m.Counterpart(x.viewerID)
	if !ok {
		return false, invalid("inbox.Upsert", m.ID, "viewer not a participant")
	}

	e := x.entries[cp]
	if e == nil {
		e = &entry{
			counterpartID: cp,
			msgs:          make(map[string]Message),
			unread:        make(map[string]struct{}),
		}
		x.entries[cp] = e
	}

	if prev, seen := e.msgs[m.ID]; seen {
		m = Fold(prev, m)
		if sameMessage(prev, m) {
			return false, nil
		}
	}
	e.msgs[m.ID] = m

	if e.last.ID == "" || e.last.ID == m.ID || Later(m, e.last) {
		e.last = m
	}
	if m.ProductRef != "" && (e.product.ID == "" || e.product.ID == m.ID || Later(m, e.product)) {
		e.product = m
	}

	if m.Inbound(x.viewerID) && !m.IsRead {
		e.unread[m.ID] = struct{}{}
	} else {
		delete(e.unread, m.ID)
	}
	return true, nil
}

func (x *Index) bumpLocked() {
	x.version++
	close(x.changed)
	x.changed = make(chan struct{})

	if x.metrics != nil && !x.released {
		n := x.totalUnreadLocked()
		x.metrics.unreadChanged(n - x.reported)
		x.reported = n
	}
}

func (x *Index) reject(err error) {
	x.metrics.invalid()
	x.log.Warn("inbox.upsert.invalid", "viewer_id", x.viewerID, "err", err)
}

func (e *entry) conversation() Conversation {
	last := e.last
	c := Conversation{
		CounterpartID: e.counterpartID,
		LastMessage:   &last,
		UnreadCount:   len(e.unread),
		ProductRef:    last.ProductRef,
	}
	if c.ProductRef == "" {
		c.ProductRef = e.product.ProductRef
	}
	return c
}

func sameMessage(a, b Message) bool {
	return a.ID == b.ID &&
		a.SenderID == b.SenderID &&
		a.ReceiverID == b.ReceiverID &&
		a.Body == b.Body &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.IsRead == b.IsRead &&
		a.ProductRef == b.ProductRef
}
