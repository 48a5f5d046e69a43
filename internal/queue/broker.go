// Package queue adapts durable message brokers to the at-least-once,
// explicitly acknowledged delivery channel the pipeline stages consume.
package queue

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"motionpipe/config"
	"motionpipe/pkg/models"
)

// Delivery is one message handed to a consumer. Exactly one of Ack or Nack
// must be called once processing finished.
type Delivery interface {
	Body() []byte
	Ack() error
	Nack(requeue bool) error
}

// Broker is a durable, FIFO-per-producer message transport.
type Broker interface {
	// Declare makes sure the durable queue exists
	Declare(ctx context.Context, queue string) error

	// Publish sends a persistent message
	Publish(ctx context.Context, queue string, body []byte) error

	// Consume starts delivering messages one at a time. The channel is
	// closed when ctx ends or the underlying connection is lost.
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)

	Close() error
}

// Open connects the transport selected in cfg. clientName distinguishes the
// stage for brokers that keep per-client sessions. Connection failures wrap
// models.ErrTransportConnect.
func Open(ctx context.Context, cfg *config.Config, clientName string, logger *zap.Logger) (Broker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		b   Broker
		err error
	)
	switch cfg.Transport.Kind {
	case config.TransportAMQP:
		b, err = DialAMQP(ctx, cfg.Transport, logger)
	case config.TransportMQTT:
		b, err = DialMQTT(ctx, cfg.Transport, clientName, logger)
	case config.TransportMemory:
		b = NewMemoryBroker()
	default:
		err = fmt.Errorf("unsupported transport kind %q", cfg.Transport.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrTransportConnect, err)
	}
	return b, nil
}
