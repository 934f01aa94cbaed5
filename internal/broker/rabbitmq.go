// Package broker implements the durable work queue carrying TaskEnvelope
// messages between the gateway and workers.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/muxite/taskplane/internal/common"
	"github.com/muxite/taskplane/internal/models"
)

const (
	reconnectBackoffBase = 10 * time.Second
	reconnectBackoffMult = 1.5
	reconnectBackoffCap  = 60 * time.Second
)

// RabbitMQBroker implements interfaces.Broker over github.com/rabbitmq/amqp091-go.
type RabbitMQBroker struct {
	url        string
	inputQueue string
	logger     *common.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel
	ready   bool
}

// New creates a broker bound to url, publishing to inputQueue by default.
// Connect must be called before use.
func New(url, inputQueue string, logger *common.Logger) *RabbitMQBroker {
	return &RabbitMQBroker{url: url, inputQueue: inputQueue, logger: logger}
}

// Connect dials RabbitMQ and opens a channel with publisher confirms
// enabled. Queues are declared durable by PublishTask and ConsumeQueue.
func (b *RabbitMQBroker) Connect(ctx context.Context) error {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.channel = ch
	b.ready = true
	b.mu.Unlock()

	b.logger.Info().Msg("broker connected")
	return nil
}

// Disconnect closes the channel and connection, best-effort.
func (b *RabbitMQBroker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ready = false
	var firstErr error
	if b.channel != nil {
		if err := b.channel.Close(); err != nil {
			firstErr = err
		}
		b.channel = nil
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		b.conn = nil
	}
	return firstErr
}

// IsReady reports whether the broker currently holds an open channel.
func (b *RabbitMQBroker) IsReady() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ready && b.conn != nil && !b.conn.IsClosed()
}

func (b *RabbitMQBroker) declareQueue(name string) error {
	b.mu.RLock()
	ch := b.channel
	b.mu.RUnlock()
	if ch == nil {
		return fmt.Errorf("broker not connected")
	}
	_, err := ch.QueueDeclare(name, true, false, false, false, nil)
	return err
}

// PublishTask publishes a durable message carrying the task envelope to the
// configured input queue, waiting for a publisher confirm. correlationID is
// used only to annotate the message; the envelope already carries it.
func (b *RabbitMQBroker) PublishTask(ctx context.Context, correlationID string, envelope models.TaskEnvelope) error {
	queue := b.inputQueue
	if !b.IsReady() {
		return fmt.Errorf("broker not ready")
	}
	if err := b.declareQueue(queue); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	b.mu.RLock()
	ch := b.channel
	b.mu.RUnlock()
	if ch == nil {
		return fmt.Errorf("broker not connected")
	}

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    correlationID,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if confirmation == nil {
		return nil
	}
	ok, err := confirmation.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait for confirm: %w", err)
	}
	if !ok {
		return fmt.Errorf("broker nacked publish for %s", envelope.CorrelationID)
	}
	return nil
}

// ConsumeQueue opens a long-lived subscription delivering each message to
// handler. Ack happens on a nil return; any handler error nacks-and-requeues.
// ConsumeQueue returns when ctx is canceled or the underlying channel closes.
func (b *RabbitMQBroker) ConsumeQueue(ctx context.Context, queue string, handler func(ctx context.Context, envelope models.TaskEnvelope) error) error {
	if err := b.declareQueue(queue); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	b.mu.RLock()
	ch := b.channel
	b.mu.RUnlock()
	if ch == nil {
		return fmt.Errorf("broker not connected")
	}

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, open := <-deliveries:
			if !open {
				return fmt.Errorf("delivery channel closed")
			}
			var envelope models.TaskEnvelope
			if err := json.Unmarshal(delivery.Body, &envelope); err != nil {
				b.logger.Warn().Err(err).Msg("dropping malformed envelope")
				_ = delivery.Ack(false)
				continue
			}
			if handlerErr := handler(ctx, envelope); handlerErr != nil {
				b.logger.Warn().Err(handlerErr).Str("correlation_id", envelope.CorrelationID).Msg("envelope handler failed, requeuing")
				_ = delivery.Nack(false, true)
				continue
			}
			_ = delivery.Ack(false)
		}
	}
}

// GetQueueDepth returns the number of ready messages on the named queue.
func (b *RabbitMQBroker) GetQueueDepth(ctx context.Context, queue string) (int, error) {
	b.mu.RLock()
	ch := b.channel
	b.mu.RUnlock()
	if ch == nil {
		return 0, fmt.Errorf("broker not connected")
	}
	q, err := ch.QueueInspect(queue)
	if err != nil {
		return 0, fmt.Errorf("inspect queue: %w", err)
	}
	return q.Messages, nil
}

// ReconnectLoop retries Connect with exponential backoff (base 10s,
// multiplier 1.5, cap 60s, unbounded attempts) until ctx is canceled or the
// broker becomes ready.
func (b *RabbitMQBroker) ReconnectLoop(ctx context.Context) {
	delay := reconnectBackoffBase
	for {
		if b.IsReady() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if err := b.Connect(ctx); err != nil {
			b.logger.Warn().Err(err).Dur("retry_in", delay).Msg("broker reconnect failed")
			delay = time.Duration(float64(delay) * reconnectBackoffMult)
			if delay > reconnectBackoffCap {
				delay = reconnectBackoffCap
			}
			continue
		}
		return
	}
}
