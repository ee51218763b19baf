package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ditu87/Builder-echo-haven/cmd/internal/inbox"
)

// ErrFeedGap ends hub subscriptions after the upstream feed reconnected.
var ErrFeedGap = errors.New("realtime: upstream feed gap")

// PostgresFeed turns pg_notify events from PostgresStore into hub deliveries.
//
// It holds one dedicated connection in LISTEN mode. When that connection is lost, the
// hub's subscriptions are dropped after re-listening, so engines reconcile the gap.
type PostgresFeed struct {
	log     *slog.Logger
	pool    *pgxpool.Pool
	store   *PostgresStore
	hub     *Hub
	channel string
	backoff inbox.RetryPolicy

	// load resolves a notified id. Failures are retried with loadRetry; once those
	// run out every subscription is dropped so engines refetch what was missed.
	load      func(ctx context.Context, id string) (inbox.Message, error)
	loadRetry inbox.RetryPolicy
}

// NewPostgresFeed constructs a feed for the store's notify channel.
func NewPostgresFeed(log *slog.Logger, pool *pgxpool.Pool, store *PostgresStore, hub *Hub) (*PostgresFeed, error) {
	if log == nil {
		log = slog.Default()
	}
	if pool == nil || store == nil || hub == nil {
		return nil, errors.New("realtime: feed requires pool, store and hub")
	}
	if store.NotifyChannel() == "" {
		return nil, errors.New("realtime: store has notify disabled")
	}
	return &PostgresFeed{
		log:       log,
		pool:      pool,
		store:     store,
		hub:       hub,
		channel:   store.NotifyChannel(),
		backoff:   inbox.RetryPolicy{Base: 250 * time.Millisecond, Max: 10 * time.Second},
		load:      store.MessageByID,
		loadRetry: inbox.RetryPolicy{Attempts: 4, Base: 100 * time.Millisecond, Max: 2 * time.Second},
	}, nil
}

// Run listens until ctx is done.
func (f *PostgresFeed) Run(ctx context.Context) error {
	failures := 0
	for {
		err := f.listen(ctx, failures > 0)
		if ctx.Err() != nil {
			return nil
		}
		failures++
		f.log.Warn("pgfeed.listen.fail", "channel", f.channel, "failures", failures, "err", err)

		if err := sleepCtx(ctx, f.backoff.Backoff(failures)); err != nil {
			return nil
		}
	}
}

func (f *PostgresFeed) listen(ctx context.Context, resumed bool) error {
	pc, err := f.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	// A LISTENing connection must not go back to the pool.
	conn := pc.Hijack()
	defer func() { _ = conn.Close(context.Background()) }()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{f.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	f.log.Info("pgfeed.listen", "channel", f.channel, "resumed", resumed)

	if resumed {
		if n := f.hub.DropAll(ErrFeedGap); n > 0 {
			f.log.Info("pgfeed.resync", "dropped_subscriptions", n)
		}
	}

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}

		f.deliver(ctx, n.Payload)
	}
}

// deliver loads one notified message and publishes it to the hub.
func (f *PostgresFeed) deliver(ctx context.Context, id string) {
	attempts := max(f.loadRetry.Attempts, 1)
	for n := 1; ; n++ {
		m, err := f.load(ctx, id)
		if err == nil {
			_ = f.hub.Publish(ctx, m)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if n >= attempts {
			dropped := f.hub.DropAll(ErrFeedGap)
			f.log.Warn("pgfeed.load.fail", "message_id", id, "attempts", n, "dropped_subscriptions", dropped, "err", err)
			return
		}
		f.log.Debug("pgfeed.load.retry", "message_id", id, "attempt", n, "err", err)
		if sleepCtx(ctx, f.loadRetry.Backoff(n)) != nil {
			return
		}
	}
}
