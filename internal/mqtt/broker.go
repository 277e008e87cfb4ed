// Package mqtt publishes entities to a home-automation hub through MQTT
// discovery and relays hub commands back to the devices.
package mqtt

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/zorak1103/nest-protect/internal/config"
	"github.com/zorak1103/nest-protect/internal/logging"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 1000 // milliseconds
	keepAlive         = 60 * time.Second
	retryInterval     = 5 * time.Second
	maxRetryInterval  = 2 * time.Minute
)

// ErrTimeout is returned when the broker does not acknowledge in time.
var ErrTimeout = errors.New("mqtt: operation timed out")

// MessageHandler receives one message.
type MessageHandler func(topic string, payload []byte)

// Broker is the slice of an MQTT client the publisher needs.
type Broker interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, handler MessageHandler) error
	Close()
}

type pahoBroker struct {
	client pahomqtt.Client
}

func (b *pahoBroker) Publish(topic string, qos byte, retained bool, payload []byte) error {
	return wait(b.client.Publish(topic, qos, retained, payload))
}

func (b *pahoBroker) Subscribe(topic string, qos byte, handler MessageHandler) error {
	return wait(b.client.Subscribe(topic, qos, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	}))
}

func (b *pahoBroker) Close() {
	b.client.Disconnect(disconnectQuiesce)
}

func wait(token pahomqtt.Token) error {
	if !token.WaitTimeout(publishTimeout) {
		return ErrTimeout
	}
	return token.Error()
}

// ClientID appends a random suffix to base so two daemons never kick each
// other off the broker.
func ClientID(base string) string {
	return base + "-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// Dial connects to the broker. onConnect runs after every (re)connect with a
// broker bound to the live session. The will marks willTopic offline when the
// connection drops unexpectedly.
func Dial(cfg config.MQTTConfig, willTopic string, onConnect func(Broker), logger *logging.Logger) (Broker, error) {
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(ClientID(cfg.ClientID)).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(retryInterval).
		SetMaxReconnectInterval(maxRetryInterval).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepAlive).
		SetWill(willTopic, PayloadOffline, byte(cfg.QoS), true).
		SetOnConnectHandler(func(c pahomqtt.Client) {
			logger.Info("MQTT connected", "broker", cfg.Broker)
			onConnect(&pahoBroker{client: c})
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			logger.Warn("MQTT connection lost", "error", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if strings.HasPrefix(cfg.Broker, "ssl://") || strings.HasPrefix(cfg.Broker, "tls://") {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		// ConnectRetry keeps trying in the background.
		logger.Warn("MQTT broker not reachable yet, retrying in background", "broker", cfg.Broker)
		return &pahoBroker{client: client}, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return &pahoBroker{client: client}, nil
}
