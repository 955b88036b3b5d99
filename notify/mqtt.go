package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/ruteri/iot-identity-provisioning/interfaces"
)

const (
	defaultConnectTimeout  = 10 * time.Second
	defaultPublishTimeout  = 5 * time.Second
	defaultDisconnectQuiet = 250 // milliseconds
	maxQoS                 = 2
	maxPayloadSize         = 1 << 20
)

var (
	// ErrNotConnected is returned when publishing without a broker connection.
	ErrNotConnected = errors.New("mqtt: not connected")
	// ErrPublishFailed is returned when the broker did not acknowledge a publish.
	ErrPublishFailed = errors.New("mqtt: publish failed")
	// ErrInvalidQoS is returned for QoS levels above 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS")
	// ErrConnectionFailed is returned when the initial connection fails.
	ErrConnectionFailed = errors.New("mqtt: connection failed")
)

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	TLS      bool
	QoS      byte
	Retained bool
	Topics   Topics
}

// MQTTNotifier publishes events as JSON to per-project MQTT topics.
type MQTTNotifier struct {
	client pahomqtt.Client
	cfg    MQTTConfig
	log    *slog.Logger
}

// ConnectMQTT connects to the broker and returns a notifier.
func ConnectMQTT(cfg MQTTConfig, log *slog.Logger) (*MQTTNotifier, error) {
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetCleanSession(true).
		SetConnectTimeout(defaultConnectTimeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}
	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warn("MQTT connection lost", "broker", cfg.Broker, "err", err)
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	return NewMQTTNotifier(client, cfg, log)
}

// NewMQTTNotifier wraps an existing paho client.
func NewMQTTNotifier(client pahomqtt.Client, cfg MQTTConfig, log *slog.Logger) (*MQTTNotifier, error) {
	if cfg.QoS > maxQoS {
		return nil, ErrInvalidQoS
	}
	return &MQTTNotifier{client: client, cfg: cfg, log: log}, nil
}

// Notify publishes the event and waits for the broker acknowledgement.
func (n *MQTTNotifier) Notify(ctx context.Context, event interfaces.Event) error {
	payload, err := Encode(event)
	if err != nil {
		return err
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !n.client.IsConnected() {
		return ErrNotConnected
	}

	topic := n.cfg.Topics.Event(event)
	token := n.client.Publish(topic, n.cfg.QoS, n.cfg.Retained, payload)

	timeout := defaultPublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	n.log.Debug("published event", "topic", topic, "type", event.Type())
	return nil
}

// Close disconnects from the broker.
func (n *MQTTNotifier) Close() error {
	n.client.Disconnect(defaultDisconnectQuiet)
	return nil
}
