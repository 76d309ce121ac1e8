package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/inthavong/doctrans-be/shared/redis"
)

// Stream entry fields. A requeue is XACK+XDEL of the claimed entry followed
// by a delayed XADD carrying attempts+1, so the counter survives redelivery.
const (
	fieldPayload    = "payload"
	fieldAttempts   = "attempts"
	fieldEnqueuedAt = "enqueued_at"
	fieldDetail     = "detail"
)

// Redis implements Broker on Redis Streams with consumer groups. Messages
// parked in another consumer's pending list longer than the visibility
// timeout are stolen back with XAUTOCLAIM before new entries are read.
// Cancellation broadcasts ride plain pub/sub.
type Redis struct {
	rdb      *goredis.Client
	cfg      Config
	logger   *slog.Logger
	consumer string

	mu      sync.Mutex
	groups  map[string]bool
	pubsubs []*goredis.PubSub
}

type redisReceipt struct {
	topic string
	group string
	id    string
}

// NewRedis wraps an established Redis client as a Broker. consumer names this
// process inside the consumer group.
func NewRedis(client *redis.Client, cfg Config, consumer string, logger *slog.Logger) *Redis {
	cfg.Normalize()
	return &Redis{
		rdb:      client.GetClient(),
		cfg:      cfg,
		logger:   logger,
		consumer: consumer,
		groups:   make(map[string]bool),
	}
}

func (r *Redis) Publish(ctx context.Context, topic string, body []byte) error {
	err := r.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{
			fieldPayload:    string(body),
			fieldAttempts:   "0",
			fieldEnqueuedAt: time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to stream %s: %w", topic, err)
	}
	return nil
}

func (r *Redis) Claim(ctx context.Context, topic, group string) (*Delivery, error) {
	if err := r.ensureGroup(ctx, topic, group); err != nil {
		return nil, err
	}

	// Steal entries whose consumer went silent past the visibility timeout.
	msgs, _, err := r.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   topic,
		Group:    group,
		Consumer: r.consumer,
		MinIdle:  r.cfg.VisibilityTimeout,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("failed to reclaim from stream %s: %w", topic, err)
	}
	if len(msgs) > 0 {
		return r.toDelivery(topic, group, msgs[0]), nil
	}

	streams, err := r.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: r.consumer,
		Streams:  []string{topic, ">"},
		Count:    1,
		Block:    r.cfg.ClaimWait,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to read from stream %s: %w", topic, err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	return r.toDelivery(topic, group, streams[0].Messages[0]), nil
}

func (r *Redis) Ack(ctx context.Context, d *Delivery) error {
	recv, ok := d.receipt.(redisReceipt)
	if !ok {
		return fmt.Errorf("delivery was not claimed from this broker")
	}
	return r.ackEntry(ctx, recv)
}

func (r *Redis) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	recv, ok := d.receipt.(redisReceipt)
	if !ok {
		return fmt.Errorf("delivery was not claimed from this broker")
	}

	next := d.Attempt + 1
	if next > r.cfg.MaxRetries {
		return r.DeadLetter(ctx, d, "retry limit exceeded")
	}

	if err := r.ackEntry(ctx, recv); err != nil {
		return err
	}

	body := append([]byte(nil), d.Body...)
	topic := recv.topic
	time.AfterFunc(delay, func() {
		err := r.rdb.XAdd(context.Background(), &goredis.XAddArgs{
			Stream: topic,
			Values: map[string]interface{}{
				fieldPayload:    string(body),
				fieldAttempts:   strconv.Itoa(next),
				fieldEnqueuedAt: time.Now().UTC().Format(time.RFC3339Nano),
			},
		}).Err()
		if err != nil {
			r.logger.Error("Failed to requeue stream entry",
				slog.String("topic", topic),
				slog.Int("attempt", next),
				slog.Any("error", err),
			)
		}
	})
	return nil
}

func (r *Redis) DeadLetter(ctx context.Context, d *Delivery, detail string) error {
	recv, ok := d.receipt.(redisReceipt)
	if !ok {
		return fmt.Errorf("delivery was not claimed from this broker")
	}

	err := r.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: r.cfg.DeadTopic,
		Values: map[string]interface{}{
			fieldPayload:    string(d.Body),
			fieldAttempts:   strconv.Itoa(d.Attempt),
			fieldDetail:     detail,
			fieldEnqueuedAt: time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to dead-letter stream entry: %w", err)
	}

	if err := r.ackEntry(ctx, recv); err != nil {
		return err
	}

	r.logger.Warn("Stream entry moved to dead-letter stream",
		slog.String("topic", recv.topic),
		slog.Int("attempt", d.Attempt),
		slog.String("detail", detail),
	)
	return nil
}

func (r *Redis) Broadcast(ctx context.Context, topic string, body []byte) error {
	if err := r.rdb.Publish(ctx, topic, body).Err(); err != nil {
		return fmt.Errorf("failed to broadcast on %s: %w", topic, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	pubsub := r.rdb.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	r.mu.Lock()
	r.pubsubs = append(r.pubsubs, pubsub)
	r.mu.Unlock()

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	pubsubs := r.pubsubs
	r.pubsubs = nil
	r.mu.Unlock()

	for _, ps := range pubsubs {
		ps.Close()
	}
	return r.rdb.Close()
}

// ackEntry acknowledges and deletes a claimed entry so the stream does not
// grow without bound.
func (r *Redis) ackEntry(ctx context.Context, recv redisReceipt) error {
	pipe := r.rdb.TxPipeline()
	pipe.XAck(ctx, recv.topic, recv.group, recv.id)
	pipe.XDel(ctx, recv.topic, recv.id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack stream entry %s: %w", recv.id, err)
	}
	return nil
}

func (r *Redis) ensureGroup(ctx context.Context, topic, group string) error {
	key := topic + ":" + group

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.groups[key] {
		return nil
	}

	err := r.rdb.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", group, topic, err)
	}
	r.groups[key] = true
	return nil
}

func (r *Redis) toDelivery(topic, group string, msg goredis.XMessage) *Delivery {
	d := &Delivery{
		Topic:   topic,
		receipt: redisReceipt{topic: topic, group: group, id: msg.ID},
	}
	if payload, ok := msg.Values[fieldPayload].(string); ok {
		d.Body = []byte(payload)
	}
	if raw, ok := msg.Values[fieldAttempts].(string); ok {
		if n, err := strconv.Atoi(raw); err == nil {
			d.Attempt = n
		}
	}
	if raw, ok := msg.Values[fieldEnqueuedAt].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			d.EnqueuedAt = ts
		}
	}
	if detail, ok := msg.Values[fieldDetail].(string); ok {
		d.Detail = detail
	}
	return d
}
