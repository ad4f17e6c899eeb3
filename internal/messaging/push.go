package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tasker-run/tasker/internal/platform/logger"
)

// Notification is the payload a Notifier publishes and forwards. No
// component in this repository calls Publish or StartForwarder: App only
// constructs the notifier and closes it on shutdown.
type Notification struct {
	TaskID string    `json:"task_id"`
	StepID string    `json:"step_id,omitempty"`
	Event  string    `json:"event"`
	At     time.Time `json:"at"`
}

// Notifier publishes/receives Notifications over a pub/sub channel. This
// is best-effort: the queue itself is the source of truth, so a missed
// notification only costs a poll-interval's worth of latency, never
// correctness.
type Notifier interface {
	Publish(ctx context.Context, n Notification) error
	StartForwarder(ctx context.Context, onNotify func(Notification)) error
	Close() error
}

type redisNotifier struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

// NewRedisNotifier dials addr and subscribes/publishes on channel.
func NewRedisNotifier(addr, channel string, logg *logger.Logger) (Notifier, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis addr required")
	}
	if channel == "" {
		channel = "tasker:notifications"
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisNotifier{
		log:     logg.With("component", "messaging.notifier"),
		rdb:     rdb,
		channel: channel,
	}, nil
}

func (b *redisNotifier) Publish(ctx context.Context, n Notification) error {
	raw, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

func (b *redisNotifier) StartForwarder(ctx context.Context, onNotify func(Notification)) error {
	if onNotify == nil {
		return fmt.Errorf("onNotify callback required")
	}
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var n Notification
				if err := json.Unmarshal([]byte(m.Payload), &n); err != nil {
					b.log.Warn("bad notification payload", "error", err)
					continue
				}
				onNotify(n)
			}
		}
	}()
	return nil
}

func (b *redisNotifier) Close() error {
	return b.rdb.Close()
}

// NoopNotifier is used when push notifications are disabled (spec §4.2:
// optional push is an enhancement, not a requirement).
type NoopNotifier struct{}

func (NoopNotifier) Publish(ctx context.Context, n Notification) error { return nil }
func (NoopNotifier) StartForwarder(ctx context.Context, onNotify func(Notification)) error {
	return nil
}
func (NoopNotifier) Close() error { return nil }
