package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// AMQP - RabbitMQ topic exchange
// =============================================================================

// channel is the part of *amqp.Channel the publisher uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQP publishes events as persistent JSON messages on a durable topic
// exchange, routed by event type. One channel is shared and guarded by
// a mutex; amqp channels are not safe for concurrent publishing.
type AMQP struct {
	mu       sync.Mutex
	conn     io.Closer
	ch       channel
	exchange string
	log      logrus.FieldLogger
}

var _ Publisher = (*AMQP)(nil)

func newAMQP(conn io.Closer, ch channel, exchange string, log logrus.FieldLogger) *AMQP {
	return &AMQP{
		conn:     conn,
		ch:       ch,
		exchange: exchange,
		log:      log.WithField("module", "events"),
	}
}

// DialAMQP connects and declares the exchange.
func DialAMQP(url, exchange string, log logrus.FieldLogger) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial failed: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq: channel open failed: %w", err)
	}
	if err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("rabbitmq: exchange declare failed: %w", err)
	}

	return newAMQP(conn, ch, exchange, log), nil
}

func (a *AMQP) Publish(ctx context.Context, ev Event) error {
	body, err := encode(ev)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	err = a.ch.PublishWithContext(ctx,
		a.exchange,      // exchange
		string(ev.Type), // routing key
		false,           // mandatory
		false,           // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    ev.OccurredAt,
			MessageId:    fmt.Sprintf("%s:%s:%d", ev.Type, ev.EntityID, ev.AuditSeq),
			Body:         body,
		},
	)
	if err != nil {
		a.log.WithError(err).WithField("type", ev.Type).Warn("rabbitmq: publish failed")
		return fmt.Errorf("rabbitmq: publish %s: %w", ev.Type, err)
	}
	return nil
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ch.Close(); err != nil {
		a.conn.Close()
		return err
	}
	return a.conn.Close()
}

func encode(ev Event) ([]byte, error) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	ev.OccurredAt = ev.OccurredAt.UTC()
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: marshal event failed: %w", err)
	}
	return body, nil
}
