// Package queue defines the broker contract between the orchestrator and the
// workers, with interchangeable memory, RabbitMQ and Redis Streams drivers.
// Delivery is at-least-once: consumers must tolerate redelivered messages.
package queue

import (
	"context"
	"errors"
	"time"
)

// Topic and policy defaults, matching the deployed system.
const (
	DefaultReadyTopic        = "jobs.ready"
	DefaultCancelTopic       = "jobs.cancel"
	DefaultDeadTopic         = "jobs.dead"
	DefaultConsumerGroup     = "jobs-workers"
	DefaultMaxRetries        = 3
	DefaultBackoffBase       = 5 * time.Second
	DefaultBackoffCap        = 60 * time.Second
	DefaultVisibilityTimeout = 60 * time.Second
	DefaultClaimWait         = 5 * time.Second
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("queue broker is closed")

// Config carries the topic names and delivery policy shared by all drivers.
type Config struct {
	ReadyTopic        string
	CancelTopic       string
	DeadTopic         string
	ConsumerGroup     string
	MaxRetries        int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	VisibilityTimeout time.Duration
	ClaimWait         time.Duration
}

// Normalize fills zero values with the defaults above.
func (c *Config) Normalize() {
	if c.ReadyTopic == "" {
		c.ReadyTopic = DefaultReadyTopic
	}
	if c.CancelTopic == "" {
		c.CancelTopic = DefaultCancelTopic
	}
	if c.DeadTopic == "" {
		c.DeadTopic = DefaultDeadTopic
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = DefaultConsumerGroup
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if c.ClaimWait <= 0 {
		c.ClaimWait = DefaultClaimWait
	}
}

// Backoff returns the requeue delay policy configured for this broker.
func (c *Config) Backoff() Backoff {
	return Backoff{Base: c.BackoffBase, Cap: c.BackoffCap}
}

// Delivery is one claimed message. Attempt starts at 0 and increments on
// every explicit requeue; crash redeliveries keep the counter unchanged.
type Delivery struct {
	Topic      string
	Body       []byte
	Attempt    int
	EnqueuedAt time.Time

	// Detail carries the failure description for messages claimed from the
	// dead-letter topic; empty elsewhere.
	Detail string

	receipt interface{}
}

// Broker moves work descriptors between the orchestrator and the workers.
//
// Publish/Claim/Ack/Nack/DeadLetter operate on competing-consumer work
// queues. Broadcast/Subscribe operate on fan-out notification topics where
// every subscriber sees every message (used for cancellation).
type Broker interface {
	// Publish appends a message to a work topic with attempt 0.
	Publish(ctx context.Context, topic string, body []byte) error

	// Claim blocks up to the configured claim wait and returns the next
	// delivery for the consumer group, or (nil, nil) when none arrived.
	// A claimed message that is not acked within the visibility timeout
	// becomes claimable again by exactly one group member.
	Claim(ctx context.Context, topic, group string) (*Delivery, error)

	// Ack removes a claimed message permanently.
	Ack(ctx context.Context, d *Delivery) error

	// Nack requeues a claimed message with attempt+1, visible after delay.
	// If the message has already consumed its retry budget it is routed to
	// the dead-letter topic instead.
	Nack(ctx context.Context, d *Delivery, delay time.Duration) error

	// DeadLetter moves a claimed message to the dead-letter topic, keeping
	// its body and attempt count alongside the failure detail.
	DeadLetter(ctx context.Context, d *Delivery, detail string) error

	// Broadcast fans a message out to every subscriber of a topic.
	Broadcast(ctx context.Context, topic string, body []byte) error

	// Subscribe returns a channel of broadcast bodies. The channel closes
	// when the broker closes.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)

	// Ping verifies the underlying transport is reachable.
	Ping(ctx context.Context) error

	Close() error
}
