package inbox

import (
	"context"
	"fmt"
	"log/slog"
)

// UnreadTracker clears read state in the store and then in the Index.
//
// The store call happens outside the Index lock. The Index update runs under the
// mutation lock, so any message upserted before it is cleared and any message upserted
// after it stays unread.
type UnreadTracker struct {
	log      *slog.Logger
	viewerID string
	store    MessageStore
	index    *Index
	retry    RetryPolicy
	metrics  *Metrics
}

// NewUnreadTracker constructs a tracker bound to one viewer's index.
func NewUnreadTracker(log *slog.Logger, store MessageStore, index *Index, policy RetryPolicy, metrics *Metrics) *UnreadTracker {
	if log == nil {
		log = slog.Default()
	}
	return &UnreadTracker{
		log:      log,
		viewerID: index.ViewerID(),
		store:    store,
		index:    index,
		retry:    policy,
		metrics:  metrics,
	}
}

// MarkRead marks every inbound message from counterpartID as read and returns how many
// index entries transitioned. The index is left untouched when the store call fails.
//
// Only messages unread in the index before the store call are cleared locally. One that
// arrives during the call stays unread here even if the store marked it; the next
// reconcile folds the store's read state in, since read never regresses.
func (t *UnreadTracker) MarkRead(ctx context.Context, counterpartID string) (int, error) {
	if counterpartID == "" || counterpartID == t.viewerID {
		return 0, invalid("inbox.MarkRead", "", "bad counterpart")
	}

	pending := t.index.UnreadIDs(counterpartID)

	stored, err := retry(ctx, t.retry, t.metrics, "set_read", func(ctx context.Context) (int, error) {
		return t.store.SetRead(ctx, t.viewerID, counterpartID)
	})
	if err != nil {
		return 0, fmt.Errorf("inbox.MarkRead: %w", err)
	}

	n := t.index.MarkRead(counterpartID, pending)
	t.log.Debug("inbox.mark_read",
		"viewer_id", t.viewerID,
		"counterpart_id", counterpartID,
		"store_count", stored,
		"index_count", n,
	)
	return n, nil
}
