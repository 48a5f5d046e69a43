package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"motionpipe/config"
)

// AMQPBroker talks to RabbitMQ. Publishing shares one channel; every
// consumer gets its own channel so prefetch applies per consumer.
type AMQPBroker struct {
	conn     *amqp.Connection
	pub      *amqp.Channel
	pubMu    sync.Mutex
	prefetch int
	logger   *zap.Logger

	mu        sync.Mutex
	consumers []*amqp.Channel
}

// DialAMQP connects to the broker described by cfg
func DialAMQP(_ context.Context, cfg config.TransportConfig, logger *zap.Logger) (*AMQPBroker, error) {
	uri := amqp.URI{
		Scheme:   "amqp",
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.User,
		Password: cfg.Password,
		Vhost:    "/",
	}

	conn, err := amqp.DialConfig(uri.String(), amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
	})
	if err != nil {
		return nil, fmt.Errorf("dial amqp %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}

	b := &AMQPBroker{
		conn:     conn,
		pub:      pub,
		prefetch: cfg.Prefetch,
		logger:   logger.With(zap.String("transport", "amqp")),
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err, ok := <-closed; ok && err != nil {
			b.logger.Error("amqp connection closed", zap.Error(err))
		}
	}()

	b.logger.Info("amqp connected", zap.String("host", cfg.Host), zap.Int("port", cfg.Port))
	return b, nil
}

// Declare declares a durable queue
func (b *AMQPBroker) Declare(_ context.Context, queue string) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	if _, err := b.pub.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return nil
}

// Publish sends a persistent JSON message through the default exchange
func (b *AMQPBroker) Publish(ctx context.Context, queue string, body []byte) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	err := b.pub.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// Consume starts a manual-ack consumer with the configured prefetch
func (b *AMQPBroker) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open consume channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}

	tag := fmt.Sprintf("motionpipe-%s-%d", queue, time.Now().UnixNano())
	msgs, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}

	b.mu.Lock()
	b.consumers = append(b.consumers, ch)
	b.mu.Unlock()

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				// Unacked deliveries return to the queue once the channel closes
				_ = ch.Cancel(tag, false)
				return
			case d, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- amqpDelivery{d: d}:
				case <-ctx.Done():
					_ = d.Nack(false, true)
					_ = ch.Cancel(tag, false)
					return
				}
			}
		}
	}()

	return out, nil
}

// Close closes every channel and the connection
func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	for _, ch := range b.consumers {
		_ = ch.Close()
	}
	b.consumers = nil
	b.mu.Unlock()

	b.pubMu.Lock()
	_ = b.pub.Close()
	b.pubMu.Unlock()

	if b.conn.IsClosed() {
		return nil
	}
	return b.conn.Close()
}

type amqpDelivery struct {
	d amqp.Delivery
}

func (a amqpDelivery) Body() []byte { return a.d.Body }

func (a amqpDelivery) Ack() error { return a.d.Ack(false) }

func (a amqpDelivery) Nack(requeue bool) error { return a.d.Nack(false, requeue) }
