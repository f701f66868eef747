package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	mu       sync.Mutex
	out      []published
	failWith error
	closed   bool
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return c.failWith
	}
	c.out = append(c.out, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

type fakeConn struct{ closed bool }

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func quietLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestAMQP_PublishRoutesByType(t *testing.T) {
	ch := &fakeChannel{}
	pub := newAMQP(&fakeConn{}, ch, "tipledger.events", quietLog())
	at := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	// WHEN: a finalised batch is published
	err := pub.Publish(context.Background(), Event{
		Type:       BatchFinalised,
		EntityID:   "b1",
		LocationID: "loc-1",
		AuditSeq:   7,
		OccurredAt: at,
		Attributes: map[string]string{"total": "120.00"},
	})
	require.NoError(t, err)

	// THEN: one persistent JSON message on the exchange, keyed by type
	require.Len(t, ch.out, 1)
	m := ch.out[0]
	assert.Equal(t, "tipledger.events", m.exchange)
	assert.Equal(t, "batch.finalised", m.key)
	assert.Equal(t, "application/json", m.msg.ContentType)
	assert.Equal(t, amqp.Persistent, m.msg.DeliveryMode)
	assert.Equal(t, "batch.finalised:b1:7", m.msg.MessageId)
	assert.True(t, m.msg.Timestamp.Equal(at))

	var body map[string]any
	require.NoError(t, json.Unmarshal(m.msg.Body, &body))
	assert.Equal(t, "b1", body["entity_id"])
	assert.Equal(t, "loc-1", body["location_id"])
}

func TestAMQP_PublishFailureIsReturned(t *testing.T) {
	ch := &fakeChannel{failWith: errors.New("channel closed")}
	pub := newAMQP(&fakeConn{}, ch, "tipledger.events", quietLog())

	err := pub.Publish(context.Background(), Event{Type: AdjustmentApproved, EntityID: "adj-1"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "adjustment.approved")
	assert.ErrorIs(t, err, ch.failWith)
}

func TestAMQP_ConcurrentPublishesAllArrive(t *testing.T) {
	ch := &fakeChannel{}
	pub := newAMQP(&fakeConn{}, ch, "x", quietLog())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, pub.Publish(context.Background(), Event{Type: BatchCreated, EntityID: "b"}))
		}()
	}
	wg.Wait()

	assert.Len(t, ch.out, 20)
}

func TestAMQP_CloseClosesChannelAndConnection(t *testing.T) {
	ch, conn := &fakeChannel{}, &fakeConn{}
	pub := newAMQP(conn, ch, "x", quietLog())

	require.NoError(t, pub.Close())

	assert.True(t, ch.closed)
	assert.True(t, conn.closed)
}
