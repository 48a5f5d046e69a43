package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"motionpipe/internal/logging"
	"motionpipe/internal/metrics"
	"motionpipe/internal/queue"
	"motionpipe/pkg/models"
)

// Handler processes one delivery body. Returning an error wrapping
// models.ErrTransport stops the stage; any other error is logged after the
// delivery was acknowledged.
type Handler interface {
	Handle(ctx context.Context, body []byte) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, body []byte) error

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, body []byte) error { return f(ctx, body) }

// Runner is the consumer loop of one stage
type Runner struct {
	name    string
	queue   string
	broker  queue.Broker
	handler Handler
	logger  *zap.Logger
	metrics *metrics.Metrics
	life    *Lifecycle
	closers []func() error
}

// NewRunner wires a stage loop. m may be nil.
func NewRunner(name string, broker queue.Broker, queueName string, handler Handler, logger *zap.Logger, m *metrics.Metrics) *Runner {
	r := &Runner{
		name:    name,
		queue:   queueName,
		broker:  broker,
		handler: handler,
		logger:  logging.ForStage(logger, name).With(zap.String(logging.FieldQueue, queueName)),
		metrics: m,
	}
	r.life = NewLifecycle(r.observe)
	return r
}

// OnStop registers a release function run while stopping, in order
func (r *Runner) OnStop(fn func() error) {
	r.closers = append(r.closers, fn)
}

// State returns the current lifecycle state
func (r *Runner) State() State {
	return r.life.State()
}

func (r *Runner) observe(s State) {
	if r.metrics == nil {
		return
	}
	all := make([]string, len(AllStates))
	for i, st := range AllStates {
		all[i] = string(st)
	}
	r.metrics.RecordStageState(r.name, string(s), all)
}

// Run declares the queue, consumes until ctx is cancelled or the transport
// fails, and always ends in StateClosed. A nil return means a requested stop.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.broker.Declare(ctx, r.queue); err != nil {
		return r.shutdown(fmt.Errorf("%w: declare %s: %v", models.ErrTransportConnect, r.queue, err))
	}
	if err := r.life.Transition(StateConnected); err != nil {
		return r.shutdown(err)
	}

	deliveries, err := r.broker.Consume(ctx, r.queue)
	if err != nil {
		return r.shutdown(fmt.Errorf("%w: consume %s: %v", models.ErrTransportConnect, r.queue, err))
	}
	if err := r.life.Transition(StateConsuming); err != nil {
		return r.shutdown(err)
	}
	r.logger.Info("waiting for messages")

	for {
		// Stop requests are honoured between deliveries only
		if ctx.Err() != nil {
			return r.shutdown(nil)
		}

		select {
		case <-ctx.Done():
			return r.shutdown(nil)
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return r.shutdown(nil)
				}
				return r.shutdown(fmt.Errorf("%w: delivery channel closed", models.ErrTransport))
			}

			if err := r.life.Transition(StateProcessing); err != nil {
				return r.shutdown(err)
			}
			if err := r.process(ctx, d); err != nil {
				return r.shutdown(err)
			}
			if err := r.life.Transition(StateConsuming); err != nil {
				return r.shutdown(err)
			}
		}
	}
}

// process handles one delivery and settles it. Only transport failures are
// returned.
func (r *Runner) process(ctx context.Context, d queue.Delivery) error {
	start := time.Now()
	herr := r.handler.Handle(ctx, d.Body())

	if errors.Is(herr, models.ErrTransport) {
		if nerr := d.Nack(true); nerr != nil {
			r.logger.Warn("nack failed", zap.Error(nerr))
		}
		r.recordError("transport")
		return herr
	}

	// Acknowledge before surfacing content errors so a permanently bad
	// delivery is not redelivered forever.
	if err := d.Ack(); err != nil {
		r.recordError("transport")
		return fmt.Errorf("%w: ack: %v", models.ErrTransport, err)
	}

	if r.metrics != nil {
		r.metrics.RecordDelivery(r.name, time.Since(start))
	}

	if herr != nil {
		reason := "processing"
		switch {
		case errors.Is(herr, models.ErrFrameDecode):
			reason = "frame_decode"
		case errors.Is(herr, models.ErrInvalidInput):
			reason = "invalid_input"
		}
		r.recordError(reason)
		r.logger.Error("delivery failed", zap.String("reason", reason), zap.Error(herr))
	}
	return nil
}

func (r *Runner) recordError(reason string) {
	if r.metrics != nil {
		r.metrics.RecordDeliveryError(r.name, reason)
	}
}

func (r *Runner) shutdown(cause error) error {
	r.life.Stop()
	if cause != nil {
		r.logger.Error("stage stopping on error", zap.Error(cause))
	} else {
		r.logger.Info("stage stopping")
	}

	for _, fn := range r.closers {
		if err := fn(); err != nil {
			r.logger.Warn("release failed", zap.Error(err))
		}
	}

	r.life.Close()
	r.logger.Info("stage closed")
	return cause
}
