package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ditu87/Builder-echo-haven/cmd/internal/ids"
	"github.com/ditu87/Builder-echo-haven/cmd/internal/inbox"
	v1 "github.com/ditu87/Builder-echo-haven/shared/contracts/realtime/v1"
)

// DefaultRedisChannel carries new messages between instances.
const DefaultRedisChannel = "haven:messages"

// RedisBridge fans messages out across instances over Redis pub/sub.
//
// Publish delivers to the local hub first and then to Redis; Run re-injects messages
// published by other instances into the local hub. Messages from this instance are
// recognized by origin and skipped.
type RedisBridge struct {
	log     *slog.Logger
	client  *redis.Client
	channel string
	local   Publisher
	origin  string
}

type bridgeEnvelope struct {
	Origin  string     `json:"origin"`
	Message v1.Message `json:"message"`
}

// NewRedisBridge constructs a bridge. local is usually the Hub.
func NewRedisBridge(log *slog.Logger, client *redis.Client, channel string, local Publisher) (*RedisBridge, error) {
	if log == nil {
		log = slog.Default()
	}
	if client == nil || local == nil {
		return nil, errors.New("realtime: bridge requires client and local publisher")
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = DefaultRedisChannel
	}
	origin, err := ids.NewULID(time.Now())
	if err != nil {
		return nil, err
	}
	return &RedisBridge{log: log, client: client, channel: channel, local: local, origin: origin}, nil
}

// Publish delivers m locally and to every other instance.
func (b *RedisBridge) Publish(ctx context.Context, m inbox.Message) error {
	if err := b.local.Publish(ctx, m); err != nil {
		return err
	}
	payload, err := json.Marshal(bridgeEnvelope{Origin: b.origin, Message: ToWire(m)})
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Run consumes the channel until ctx is done.
//
// go-redis resubscribes transparently after a connection loss; messages published in
// between are lost, so local subscriptions are dropped once the subscription is back.
func (b *RedisBridge) Run(ctx context.Context) error {
	ps := b.client.Subscribe(ctx, b.channel)
	defer func() { _ = ps.Close() }()

	gap := false
	for {
		v, err := ps.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !gap {
				b.log.Warn("redis.bridge.receive.fail", "channel", b.channel, "err", err)
			}
			gap = true
			if err := sleepCtx(ctx, time.Second); err != nil {
				return nil
			}
			continue
		}

		switch v := v.(type) {
		case *redis.Subscription:
			b.log.Info("redis.bridge.subscribed", "channel", v.Channel, "resumed", gap)
			if gap {
				b.dropLocal()
				gap = false
			}
		case *redis.Message:
			b.deliver(ctx, v.Payload)
		}
	}
}

func (b *RedisBridge) dropLocal() {
	d, ok := b.local.(interface{ DropAll(error) int })
	if !ok {
		return
	}
	if n := d.DropAll(ErrFeedGap); n > 0 {
		b.log.Info("redis.bridge.resync", "dropped_subscriptions", n)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (b *RedisBridge) deliver(ctx context.Context, payload string) {
	var env bridgeEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.log.Warn("redis.bridge.decode.fail", "err", err)
		return
	}
	if env.Origin == b.origin {
		return
	}
	_ = b.local.Publish(ctx, FromWire(env.Message))
}
