package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

const retryHeader = "x-retry-count"

// AMQPQueue publishes jobs to durable RabbitMQ queues named after the topic.
type AMQPQueue struct {
	conn       *amqp.Connection
	mu         sync.Mutex
	pub        *amqp.Channel
	declared   map[string]bool
	maxRetries int
	prefetch   int
	logger     zerolog.Logger
}

func DialAMQP(url string, maxRetries int, logger zerolog.Logger) (*AMQPQueue, error) {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open a channel: %w", err)
	}
	return &AMQPQueue{
		conn:       conn,
		pub:        ch,
		declared:   map[string]bool{},
		maxRetries: maxRetries,
		prefetch:   4,
		logger:     logger.With().Str("component", "amqp_queue").Logger(),
	}, nil
}

func declare(ch *amqp.Channel, topic string) error {
	_, err := ch.QueueDeclare(
		topic, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	return err
}

func (q *AMQPQueue) Publish(topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s job: %w", topic, err)
	}
	return q.publish(topic, body, 0)
}

func (q *AMQPQueue) publish(topic string, body []byte, retryCount int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.declared[topic] {
		if err := declare(q.pub, topic); err != nil {
			return fmt.Errorf("declare queue %s: %w", topic, err)
		}
		q.declared[topic] = true
	}
	return q.pub.Publish("", topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{retryHeader: int32(retryCount)},
		Body:         body,
	})
}

// Subscribe consumes topic on its own channel until ctx is done. Failed jobs
// are republished with an incremented retry header, then dropped once the
// budget is spent.
func (q *AMQPQueue) Subscribe(ctx context.Context, topic string, handler Handler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	if err := declare(ch, topic); err != nil {
		ch.Close()
		return fmt.Errorf("declare queue %s: %w", topic, err)
	}
	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set qos: %w", err)
	}
	msgs, err := ch.Consume(
		topic,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return fmt.Errorf("register consumer: %w", err)
	}

	go func() {
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					q.logger.Warn().Str("topic", topic).Msg("queue: delivery channel closed")
					return
				}
				q.handle(ctx, topic, d, handler)
			}
		}
	}()
	return nil
}

func (q *AMQPQueue) handle(ctx context.Context, topic string, d amqp.Delivery, handler Handler) {
	err := handler(ctx, d.Body)
	if err == nil {
		d.Ack(false)
		return
	}

	retries := retryCount(d.Headers)
	if retries < q.maxRetries {
		if pubErr := q.publish(topic, d.Body, retries+1); pubErr != nil {
			q.logger.Error().Err(pubErr).Str("topic", topic).Msg("queue: republish failed, requeueing")
			d.Nack(false, true)
			return
		}
		q.logger.Warn().Err(err).Str("topic", topic).Int("attempt", retries+1).Msg("queue: job failed, retrying")
		d.Ack(false)
		return
	}

	q.logger.Error().Err(err).Str("topic", topic).Int("attempts", retries+1).Msg("queue: job permanently failed")
	d.Ack(false)
}

func retryCount(headers amqp.Table) int {
	switch v := headers[retryHeader].(type) {
	case int:
		return v
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	}
	return 0
}

func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pub != nil {
		q.pub.Close()
	}
	return q.conn.Close()
}

var _ Queue = (*AMQPQueue)(nil)
