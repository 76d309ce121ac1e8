package queue

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Broker with the same delivery semantics as the
// networked drivers: visibility-timeout reclaim, delayed requeue with attempt
// counting, broker-side retry capping and dead-letter routing. It models a
// single consumer group per topic, which is all local setups and tests need.
type Memory struct {
	cfg Config

	mu     sync.Mutex
	topics map[string]*memTopic
	subs   map[string][]chan []byte
	nextID uint64
	closed bool

	// now is swappable so tests can drive visibility timeouts without
	// sleeping.
	now func() time.Time
}

type memMessage struct {
	id          uint64
	body        []byte
	attempt     int
	enqueuedAt  time.Time
	availableAt time.Time
	claimedAt   time.Time
	detail      string
}

type memTopic struct {
	ready   []*memMessage
	pending map[uint64]*memMessage
	notify  chan struct{}
}

type memReceipt struct {
	topic string
	id    uint64
}

// NewMemory creates an empty in-memory broker.
func NewMemory(cfg Config) *Memory {
	cfg.Normalize()
	return &Memory{
		cfg:    cfg,
		topics: make(map[string]*memTopic),
		subs:   make(map[string][]chan []byte),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// topic must be called with the mutex held.
func (m *Memory) topic(name string) *memTopic {
	t, ok := m.topics[name]
	if !ok {
		t = &memTopic{
			pending: make(map[uint64]*memMessage),
			notify:  make(chan struct{}, 1),
		}
		m.topics[name] = t
	}
	return t
}

func (t *memTopic) signal() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

func (m *Memory) Publish(ctx context.Context, topic string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	now := m.now()
	m.nextID++
	t := m.topic(topic)
	t.ready = append(t.ready, &memMessage{
		id:          m.nextID,
		body:        append([]byte(nil), body...),
		enqueuedAt:  now,
		availableAt: now,
	})
	t.signal()
	return nil
}

func (m *Memory) Claim(ctx context.Context, topic, group string) (*Delivery, error) {
	deadline := time.Now().Add(m.cfg.ClaimWait)

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		t := m.topic(topic)
		msg, wake := m.tryClaim(t)
		notify := t.notify
		m.mu.Unlock()

		if msg != nil {
			return &Delivery{
				Topic:      topic,
				Body:       append([]byte(nil), msg.body...),
				Attempt:    msg.attempt,
				EnqueuedAt: msg.enqueuedAt,
				Detail:     msg.detail,
				receipt:    memReceipt{topic: topic, id: msg.id},
			}, nil
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}
		if !wake.IsZero() {
			if d := wake.Sub(m.now()); d > 0 && d < wait {
				wait = d
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-notify:
			timer.Stop()
		case <-timer.C:
			if !time.Now().Before(deadline) {
				return nil, nil
			}
		}
	}
}

// tryClaim must be called with the mutex held. It prefers reclaiming expired
// pending messages (redelivery) over fresh ones, returning the claimed
// message or the next time anything becomes claimable.
func (m *Memory) tryClaim(t *memTopic) (*memMessage, time.Time) {
	now := m.now()
	var wake time.Time

	var expired *memMessage
	for _, p := range t.pending {
		due := p.claimedAt.Add(m.cfg.VisibilityTimeout)
		if !due.After(now) {
			if expired == nil || p.id < expired.id {
				expired = p
			}
		} else if wake.IsZero() || due.Before(wake) {
			wake = due
		}
	}
	if expired != nil {
		expired.claimedAt = now
		return expired, time.Time{}
	}

	for i, r := range t.ready {
		if r.availableAt.After(now) {
			if wake.IsZero() || r.availableAt.Before(wake) {
				wake = r.availableAt
			}
			continue
		}
		t.ready = append(t.ready[:i], t.ready[i+1:]...)
		r.claimedAt = now
		t.pending[r.id] = r
		return r, time.Time{}
	}
	return nil, wake
}

func (m *Memory) Ack(ctx context.Context, d *Delivery) error {
	r, ok := d.receipt.(memReceipt)
	if !ok {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.topic(r.topic).pending, r.id)
	return nil
}

func (m *Memory) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	r, ok := d.receipt.(memReceipt)
	if !ok {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	t := m.topic(r.topic)
	msg, held := t.pending[r.id]
	if !held {
		// Visibility expired and another consumer owns the message now.
		return nil
	}
	delete(t.pending, r.id)

	next := msg.attempt + 1
	if next > m.cfg.MaxRetries {
		m.deadLetterLocked(msg, "retry limit exceeded")
		return nil
	}

	msg.attempt = next
	msg.claimedAt = time.Time{}
	msg.availableAt = m.now().Add(delay)
	t.ready = append(t.ready, msg)
	t.signal()
	return nil
}

func (m *Memory) DeadLetter(ctx context.Context, d *Delivery, detail string) error {
	r, ok := d.receipt.(memReceipt)
	if !ok {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	t := m.topic(r.topic)
	msg, held := t.pending[r.id]
	if !held {
		return nil
	}
	delete(t.pending, r.id)
	m.deadLetterLocked(msg, detail)
	return nil
}

// deadLetterLocked must be called with the mutex held.
func (m *Memory) deadLetterLocked(msg *memMessage, detail string) {
	msg.detail = detail
	msg.claimedAt = time.Time{}
	msg.availableAt = m.now()
	dead := m.topic(m.cfg.DeadTopic)
	dead.ready = append(dead.ready, msg)
	dead.signal()
}

func (m *Memory) Broadcast(ctx context.Context, topic string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	for _, ch := range m.subs[topic] {
		select {
		case ch <- append([]byte(nil), body...):
		default:
			// Slow subscribers lose broadcasts, like any pub/sub fanout.
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	ch := make(chan []byte, 16)
	m.subs[topic] = append(m.subs[topic], ch)
	return ch, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	for _, subs := range m.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	m.subs = make(map[string][]chan []byte)

	for _, t := range m.topics {
		t.signal()
	}
	return nil
}
