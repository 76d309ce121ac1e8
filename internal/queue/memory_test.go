package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		MaxRetries:        3,
		BackoffBase:       time.Millisecond,
		BackoffCap:        4 * time.Millisecond,
		VisibilityTimeout: time.Minute,
		ClaimWait:         20 * time.Millisecond,
	}
}

// fakeClock lets tests jump the broker's notion of time without sleeping.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBroker(t *testing.T) (*Memory, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 11, 3, 9, 0, 0, 0, time.UTC)}
	m := NewMemory(testConfig())
	m.now = func() time.Time { return clock.now }
	return m, clock
}

func TestMemoryPublishClaimAck(t *testing.T) {
	m, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, m.Publish(ctx, DefaultReadyTopic, []byte(`{"job_id":"j1"}`)))

	d, err := m.Claim(ctx, DefaultReadyTopic, DefaultConsumerGroup)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, []byte(`{"job_id":"j1"}`), d.Body)
	assert.Equal(t, 0, d.Attempt)

	// The message is invisible while claimed.
	second, err := m.Claim(ctx, DefaultReadyTopic, DefaultConsumerGroup)
	require.NoError(t, err)
	assert.Nil(t, second)

	require.NoError(t, m.Ack(ctx, d))

	third, err := m.Claim(ctx, DefaultReadyTopic, DefaultConsumerGroup)
	require.NoError(t, err)
	assert.Nil(t, third, "acked message must not come back")
}

func TestMemoryClaimOrderIsFIFO(t *testing.T) {
	m, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, m.Publish(ctx, DefaultReadyTopic, []byte("first")))
	require.NoError(t, m.Publish(ctx, DefaultReadyTopic, []byte("second")))

	d1, err := m.Claim(ctx, DefaultReadyTopic, DefaultConsumerGroup)
	require.NoError(t, err)
	require.NotNil(t, d1)
	assert.Equal(t, "first", string(d1.Body))

	d2, err := m.Claim(ctx, DefaultReadyTopic, DefaultConsumerGroup)
	require.NoError(t, err)
	require.NotNil(t, d2)
	assert.Equal(t, "second", string(d2.Body))
}

func TestMemoryVisibilityTimeoutRedelivers(t *testing.T) {
	m, clock := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, m.Publish(ctx, DefaultReadyTopic, []byte("work")))

	d, err := m.Claim(ctx, DefaultReadyTopic, DefaultConsumerGroup)
	require.NoError(t, err)
	require.NotNil(t, d)

	// Consumer vanishes without acking; past the visibility timeout the
	// message becomes claimable again, by exactly one claimer.
	clock.advance(testConfig().VisibilityTimeout + time.Second)

	redelivered, err := m.Claim(ctx, DefaultReadyTopic, DefaultConsumerGroup)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	assert.Equal(t, "work", string(redelivered.Body))
	assert.Equal(t, 0, redelivered.Attempt, "crash redelivery keeps the attempt counter")

	again, err := m.Claim(ctx, DefaultReadyTopic, DefaultConsumerGroup)
	require.NoError(t, err)
	assert.Nil(t, again, "one redelivery round goes to one consumer")

	// The late ack from the new owner still removes it.
	require.NoError(t, m.Ack(ctx, redelivered))
	clock.advance(testConfig().VisibilityTimeout * 2)
	gone, err := m.Claim(ctx, DefaultReadyTopic, DefaultConsumerGroup)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestMemoryNackRequeuesWithDelayAndAttempt(t *testing.T) {
	m, clock := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, m.Publish(ctx, DefaultReadyTopic, []byte("flaky")))

	d, err := m.Claim(ctx, DefaultReadyTopic, DefaultConsumerGroup)
	require.NoError(t, err)
	require.NotNil(t, d)

	require.NoError(t, m.Nack(ctx, d, 30*time.Second))

	// Hidden until the requeue delay elapses.
	hidden, err := m.Claim(ctx, DefaultReadyTopic, DefaultConsumerGroup)
	require.NoError(t, err)
	assert.Nil(t, hidden)

	clock.advance(31 * time.Second)

	retried, err := m.Claim(ctx, DefaultReadyTopic, DefaultConsumerGroup)
	require.NoError(t, err)
	require.NotNil(t, retried)
	assert.Equal(t, 1, retried.Attempt)
	assert.Equal(t, "flaky", string(retried.Body))
}

func TestMemoryNackExhaustionRoutesToDeadTopic(t *testing.T) {
	m, clock := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, m.Publish(ctx, DefaultReadyTopic, []byte("doomed")))

	for i := 0; i <= testConfig().MaxRetries; i++ {
		d, err := m.Claim(ctx, DefaultReadyTopic, DefaultConsumerGroup)
		require.NoError(t, err)
		require.NotNil(t, d, "claim round %d", i)
		assert.Equal(t, i, d.Attempt)
		require.NoError(t, m.Nack(ctx, d, 0))
		clock.advance(time.Second)
	}

	// Budget spent: nothing left on the work topic.
	empty, err := m.Claim(ctx, DefaultReadyTopic, DefaultConsumerGroup)
	require.NoError(t, err)
	assert.Nil(t, empty)

	dead, err := m.Claim(ctx, DefaultDeadTopic, DefaultConsumerGroup)
	require.NoError(t, err)
	require.NotNil(t, dead)
	assert.Equal(t, "doomed", string(dead.Body))
	assert.Equal(t, testConfig().MaxRetries, dead.Attempt)
	assert.Equal(t, "retry limit exceeded", dead.Detail)
}

func TestMemoryDeadLetterKeepsDetail(t *testing.T) {
	m, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, m.Publish(ctx, DefaultReadyTopic, []byte("broken")))

	d, err := m.Claim(ctx, DefaultReadyTopic, DefaultConsumerGroup)
	require.NoError(t, err)
	require.NotNil(t, d)

	require.NoError(t, m.DeadLetter(ctx, d, "ocr failed permanently"))

	dead, err := m.Claim(ctx, DefaultDeadTopic, DefaultConsumerGroup)
	require.NoError(t, err)
	require.NotNil(t, dead)
	assert.Equal(t, "broken", string(dead.Body))
	assert.Equal(t, "ocr failed permanently", dead.Detail)
}

func TestMemoryBroadcastFansOutToAllSubscribers(t *testing.T) {
	m, _ := newTestBroker(t)
	ctx := context.Background()

	sub1, err := m.Subscribe(ctx, DefaultCancelTopic)
	require.NoError(t, err)
	sub2, err := m.Subscribe(ctx, DefaultCancelTopic)
	require.NoError(t, err)

	require.NoError(t, m.Broadcast(ctx, DefaultCancelTopic, []byte(`{"job_id":"j9"}`)))

	for _, sub := range []<-chan []byte{sub1, sub2} {
		select {
		case body := <-sub:
			assert.Equal(t, `{"job_id":"j9"}`, string(body))
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive broadcast")
		}
	}
}

func TestMemoryClaimWaitExpires(t *testing.T) {
	m, _ := newTestBroker(t)

	start := time.Now()
	d, err := m.Claim(context.Background(), DefaultReadyTopic, DefaultConsumerGroup)
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.Less(t, time.Since(start), time.Second)
}

func TestMemoryClose(t *testing.T) {
	m, _ := newTestBroker(t)
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, DefaultCancelTopic)
	require.NoError(t, err)

	require.NoError(t, m.Close())

	_, open := <-sub
	assert.False(t, open, "subscriptions close with the broker")

	_, err = m.Claim(ctx, DefaultReadyTopic, DefaultConsumerGroup)
	assert.ErrorIs(t, err, ErrClosed)

	assert.ErrorIs(t, m.Publish(ctx, DefaultReadyTopic, []byte("x")), ErrClosed)
	assert.ErrorIs(t, m.Ping(ctx), ErrClosed)
}
