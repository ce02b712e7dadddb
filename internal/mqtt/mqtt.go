// mqtt.go: Package mqtt provides an abstraction for MQTT client functionality.
package mqtt

import (
	"context"
	"log/slog"
	"time"

	"github.com/arvela/insight-go/internal/logging"
)

// MessageHandler receives messages for a subscribed topic filter.
type MessageHandler func(topic string, payload []byte)

// Client defines the interface for MQTT client operations.
type Client interface {
	// Connect attempts to connect to the MQTT broker.
	// It returns an error if the connection fails.
	Connect(ctx context.Context) error

	// Publish sends a message to the specified topic on the MQTT broker.
	Publish(ctx context.Context, topic, payload string) error

	// PublishRetained sends a retained message to the specified topic so
	// late subscribers receive the last value immediately.
	PublishRetained(ctx context.Context, topic, payload string) error

	// Subscribe registers a handler for a topic filter. Subscriptions are
	// replayed automatically after a reconnect.
	Subscribe(topic string, handler MessageHandler) error

	// SetWill configures a retained last-will message published by the
	// broker if this client disappears. Must be called before Connect.
	SetWill(topic, payload string)

	// IsConnected returns true if the client is currently connected to the MQTT broker.
	IsConnected() bool

	// Disconnect closes the connection to the MQTT broker.
	Disconnect()
}

// Config holds the configuration for the MQTT client.
type Config struct {
	Broker            string
	ClientID          string
	Username          string
	Password          string
	ReconnectCooldown time.Duration
	ReconnectDelay    time.Duration
	// Connection timeouts
	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	DisconnectTimeout time.Duration
}

// Package-level logger for MQTT related events
var mqttLogger *slog.Logger

func init() {
	var err error
	mqttLogger, _, err = logging.NewFileLogger("logs/mqtt.log", "mqtt", slog.LevelInfo)
	if err != nil {
		// Fallback to the default structured logger
		mqttLogger = logging.ForService("mqtt")
		logging.Warn("MQTT service falling back to default logger", "error", err)
	}
}

// DefaultConfig returns a Config with reasonable default values
func DefaultConfig() Config {
	return Config{
		ReconnectCooldown: 5 * time.Second,
		ReconnectDelay:    1 * time.Second,
		ConnectTimeout:    30 * time.Second,
		PublishTimeout:    10 * time.Second,
		DisconnectTimeout: 250 * time.Millisecond,
	}
}
