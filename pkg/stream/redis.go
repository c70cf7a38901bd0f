package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	streamKeyPrefix = "ainp:stream:"
	blockInterval   = 5 * time.Second
	claimMinIdle    = 30 * time.Second
	readBatch       = 32
)

// maxLenFor converts a category retention window into an approximate stream
// length budget. Redis Streams trim by entry count; one entry per second of
// retention is a generous ceiling for per-agent subjects.
func maxLenFor(subject string) int64 {
	category := subject
	if i := strings.IndexByte(subject, '.'); i > 0 {
		category = subject[:i]
	}
	retention, ok := Retention[category]
	if !ok {
		retention = 24 * time.Hour
	}
	return int64(retention / time.Second)
}

// RedisBroker implements Broker on Redis Streams: XADD for publish, consumer
// groups with XREADGROUP/XACK for at-least-once delivery, XAUTOCLAIM to
// rescue entries from dead consumers.
type RedisBroker struct {
	client *redis.Client
	log    *slog.Logger
}

func NewRedisBroker(client *redis.Client, log *slog.Logger) *RedisBroker {
	if log == nil {
		log = slog.Default()
	}
	return &RedisBroker{client: client, log: log.With("component", "stream")}
}

func (b *RedisBroker) key(subject string) string { return streamKeyPrefix + subject }

func (b *RedisBroker) Publish(ctx context.Context, subject string, data []byte) (string, error) {
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.key(subject),
		MaxLen: maxLenFor(subject),
		Approx: true,
		Values: map[string]interface{}{"data": data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("%w: xadd %s: %v", ErrUnavailable, subject, err)
	}
	return id, nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, subject, group, consumer string, h Handler) (Subscription, error) {
	key := b.key(subject)
	// Create the group at the stream head if it does not exist; "0" so a
	// brand-new group sees the full retained history.
	err := b.client.XGroupCreateMkStream(ctx, key, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("%w: create group %s/%s: %v", ErrUnavailable, subject, group, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{cancel: cancel, done: make(chan struct{})}
	go b.consume(loopCtx, sub, key, subject, group, consumer, h)
	return sub, nil
}

func (b *RedisBroker) consume(ctx context.Context, sub *redisSubscription, key, subject, group, consumer string, h Handler) {
	defer close(sub.done)
	for {
		if ctx.Err() != nil {
			return
		}

		// Rescue entries stuck pending on dead consumers first.
		claimed, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream: key, Group: group, Consumer: consumer,
			MinIdle: claimMinIdle, Start: "0", Count: readBatch,
		}).Result()
		if err == nil {
			b.dispatch(ctx, key, subject, group, claimed, h)
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group: group, Consumer: consumer,
			Streams: []string{key, ">"},
			Count:   readBatch,
			Block:   blockInterval,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Warn("stream read failed", "subject", subject, "group", group, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, s := range streams {
			b.dispatch(ctx, key, subject, group, s.Messages, h)
		}
	}
}

func (b *RedisBroker) dispatch(ctx context.Context, key, subject, group string, entries []redis.XMessage, h Handler) {
	for _, entry := range entries {
		data, _ := entry.Values["data"].(string)
		msg := &Message{ID: entry.ID, Subject: subject, Data: []byte(data)}
		if err := h(ctx, msg); err != nil {
			// Leave pending; XAUTOCLAIM or the next XREADGROUP on this
			// consumer redelivers it.
			b.log.Warn("stream handler failed", "subject", subject, "id", entry.ID, "error", err)
			continue
		}
		if err := b.client.XAck(ctx, key, group, entry.ID).Err(); err != nil {
			b.log.Warn("stream ack failed", "subject", subject, "id", entry.ID, "error", err)
		}
	}
}

func (b *RedisBroker) Lag(ctx context.Context, subject, group string) (int64, error) {
	groups, err := b.client.XInfoGroups(ctx, b.key(subject)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: xinfo groups %s: %v", ErrUnavailable, subject, err)
	}
	for _, g := range groups {
		if g.Name == group {
			return g.Lag + g.Pending, nil
		}
	}
	return 0, nil
}

func (b *RedisBroker) Health(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

type redisSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}
