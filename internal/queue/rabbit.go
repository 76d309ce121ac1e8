package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/inthavong/doctrans-be/shared/rabbitmq"
)

// Message headers used by the RabbitMQ driver. AMQP does not count explicit
// requeues, so the attempt counter rides along as a header and a requeue is
// an ack plus a delayed republish, keeping the counter in the new message.
const (
	headerAttempt    = "x-attempt"
	headerDeadDetail = "x-dead-detail"
)

// Rabbit implements Broker over the shared RabbitMQ client: one durable queue
// per work topic on a direct exchange, and a fanout exchange for broadcasts.
// Visibility of crashed consumers' messages relies on AMQP redelivering
// unacked deliveries when their channel dies, so a worker crash requeues
// immediately rather than after a timer.
type Rabbit struct {
	client *rabbitmq.Client
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	consumers map[string]<-chan amqp.Delivery
	tagSeq    int
}

// NewRabbit declares the work topology and returns the driver.
func NewRabbit(client *rabbitmq.Client, cfg Config, logger *slog.Logger) (*Rabbit, error) {
	cfg.Normalize()

	for _, topic := range []string{cfg.ReadyTopic, cfg.DeadTopic} {
		if err := client.EnsureQueue(topic); err != nil {
			return nil, fmt.Errorf("failed to prepare topic %s: %w", topic, err)
		}
	}

	return &Rabbit{
		client:    client,
		cfg:       cfg,
		logger:    logger,
		consumers: make(map[string]<-chan amqp.Delivery),
	}, nil
}

func (r *Rabbit) Publish(ctx context.Context, topic string, body []byte) error {
	return r.client.PublishWithRetry(ctx, topic, body, amqp.Table{headerAttempt: int32(0)})
}

func (r *Rabbit) Claim(ctx context.Context, topic, group string) (*Delivery, error) {
	ch, err := r.consumerFor(topic, group)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(r.cfg.ClaimWait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case d, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return &Delivery{
			Topic:      topic,
			Body:       d.Body,
			Attempt:    headerInt(d.Headers, headerAttempt),
			EnqueuedAt: d.Timestamp,
			Detail:     headerString(d.Headers, headerDeadDetail),
			receipt:    d,
		}, nil
	}
}

func (r *Rabbit) Ack(ctx context.Context, d *Delivery) error {
	recv, ok := d.receipt.(amqp.Delivery)
	if !ok {
		return fmt.Errorf("delivery was not claimed from this broker")
	}
	if err := recv.Ack(false); err != nil {
		return fmt.Errorf("failed to ack delivery: %w", err)
	}
	return nil
}

func (r *Rabbit) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	recv, ok := d.receipt.(amqp.Delivery)
	if !ok {
		return fmt.Errorf("delivery was not claimed from this broker")
	}

	next := d.Attempt + 1
	if next > r.cfg.MaxRetries {
		return r.DeadLetter(ctx, d, "retry limit exceeded")
	}

	// Requeue is ack + delayed republish with attempt+1, the same move the
	// Redis driver makes; AMQP's own nack would neither delay nor count.
	if err := recv.Ack(false); err != nil {
		return fmt.Errorf("failed to ack delivery before requeue: %w", err)
	}

	body := append([]byte(nil), d.Body...)
	topic := d.Topic
	time.AfterFunc(delay, func() {
		headers := amqp.Table{headerAttempt: int32(next)}
		if err := r.client.PublishWithRetry(context.Background(), topic, body, headers); err != nil {
			r.logger.Error("Failed to requeue delivery",
				slog.String("topic", topic),
				slog.Int("attempt", next),
				slog.Any("error", err),
			)
		}
	})
	return nil
}

func (r *Rabbit) DeadLetter(ctx context.Context, d *Delivery, detail string) error {
	recv, ok := d.receipt.(amqp.Delivery)
	if !ok {
		return fmt.Errorf("delivery was not claimed from this broker")
	}

	headers := amqp.Table{
		headerAttempt:    int32(d.Attempt),
		headerDeadDetail: detail,
	}
	if err := r.client.PublishWithRetry(ctx, r.cfg.DeadTopic, d.Body, headers); err != nil {
		return fmt.Errorf("failed to dead-letter delivery: %w", err)
	}
	if err := recv.Ack(false); err != nil {
		return fmt.Errorf("failed to ack dead-lettered delivery: %w", err)
	}

	r.logger.Warn("Delivery moved to dead-letter topic",
		slog.String("topic", d.Topic),
		slog.Int("attempt", d.Attempt),
		slog.String("detail", detail),
	)
	return nil
}

func (r *Rabbit) Broadcast(ctx context.Context, topic string, body []byte) error {
	return r.client.Broadcast(ctx, body)
}

func (r *Rabbit) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	r.mu.Lock()
	r.tagSeq++
	tag := fmt.Sprintf("%s-sub-%d", topic, r.tagSeq)
	r.mu.Unlock()

	deliveries, err := r.client.SubscribeBroadcast(tag)
	if err != nil {
		return nil, err
	}

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		for d := range deliveries {
			select {
			case out <- d.Body:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (r *Rabbit) Ping(ctx context.Context) error {
	if !r.client.IsConnected() {
		return fmt.Errorf("rabbitmq connection is down")
	}
	return nil
}

func (r *Rabbit) Close() error {
	return r.client.Close()
}

// consumerFor memoizes one consumer channel per topic so concurrent claimers
// compete on the same stream.
func (r *Rabbit) consumerFor(topic, group string) (<-chan amqp.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.consumers[topic]; ok {
		return ch, nil
	}

	r.tagSeq++
	tag := fmt.Sprintf("%s-%d", group, r.tagSeq)
	ch, err := r.client.Consume(topic, tag)
	if err != nil {
		return nil, err
	}
	r.consumers[topic] = ch
	return ch, nil
}

func headerInt(t amqp.Table, key string) int {
	switch v := t[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

func headerString(t amqp.Table, key string) string {
	if v, ok := t[key].(string); ok {
		return v
	}
	return ""
}
