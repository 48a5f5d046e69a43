package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"motionpipe/config"
)

const mqttQoS = 1

// MQTTBroker maps queues onto MQTT topics. Durability comes from QoS 1 with
// a persistent (non-clean) session per stage client id; deliveries are
// acknowledged manually.
type MQTTBroker struct {
	client mqtt.Client
	logger *zap.Logger
}

// DialMQTT connects to the MQTT broker at cfg.Host:cfg.Port
func DialMQTT(_ context.Context, cfg config.TransportConfig, clientName string, logger *zap.Logger) (*MQTTBroker, error) {
	broker := fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)
	b := &MQTTBroker{
		logger: logger.With(zap.String("transport", "mqtt"), zap.String("broker", broker)),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(fmt.Sprintf("%s-%s", cfg.ClientID, clientName))
	opts.SetUsername(cfg.User)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(false)
	opts.SetAutoAckDisabled(true)
	opts.SetOrderMatters(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		b.logger.Info("mqtt connection established")
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		b.logger.Warn("mqtt connection lost, will auto-reconnect", zap.Error(err))
	}

	b.client = mqtt.NewClient(opts)

	token := b.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}

	return b, nil
}

// Declare is a no-op; topics exist implicitly and the persistent session
// keeps the subscription.
func (b *MQTTBroker) Declare(context.Context, string) error {
	return nil
}

// Publish sends body with QoS 1
func (b *MQTTBroker) Publish(ctx context.Context, queue string, body []byte) error {
	token := b.client.Publish(queue, mqttQoS, false, body)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// Consume subscribes to the queue topic
func (b *MQTTBroker) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	out := make(chan Delivery)
	done := make(chan struct{})
	var (
		gate   sync.RWMutex
		closed bool
	)

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		gate.RLock()
		defer gate.RUnlock()
		if closed {
			return
		}
		// OrderMatters keeps this callback sequential, so blocking here
		// preserves FIFO and holds one message in flight.
		select {
		case out <- mqttDelivery{msg: msg}:
		case <-done:
		}
	}

	token := b.client.Subscribe(queue, mqttQoS, handler)
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("subscribe %s: timeout", queue)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", queue, err)
	}

	go func() {
		<-ctx.Done()
		close(done)
		// The subscription is kept so the persistent session queues
		// messages while this consumer is away.
		gate.Lock()
		closed = true
		close(out)
		gate.Unlock()
	}()

	return out, nil
}

// Close disconnects the client
func (b *MQTTBroker) Close() error {
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250) // 250ms grace period
		b.logger.Info("mqtt disconnected")
	}
	return nil
}

type mqttDelivery struct {
	msg mqtt.Message
}

func (m mqttDelivery) Body() []byte { return m.msg.Payload() }

func (m mqttDelivery) Ack() error {
	m.msg.Ack()
	return nil
}

// Nack leaves the message unacknowledged; the broker redelivers it when the
// persistent session reconnects.
func (m mqttDelivery) Nack(bool) error { return nil }
