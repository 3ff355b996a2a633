// Package bridge defines the pluggable broker bridges that connect the
// in-process event bus to external messaging systems. Each backend (kafka,
// rabbitmq, aws, ...) lives in its own subpackage and registers itself with
// the bridge registry.
package bridge

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Bridge pairs the broker-facing publisher and subscriber produced by a
// builder. Ingest-only bridges leave Publisher nil.
type Bridge struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Builder is the function signature for creating a bridge from config.
// Each bridge package provides a Builder that it registers under its name.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Bridge, error)

// Config provides the configuration values bridges need. The interface lets
// bridge packages read only the settings they care about without depending
// on the full runtime config package.
type Config interface {
	// GetBridgeSystem returns the bridge backend name.
	GetBridgeSystem() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS and JetStream
	GetNATSURL() string
	GetJetStreamStream() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string

	// HTTP ingest
	GetHTTPIngestAddress() string
}

// CapabilitiesProvider is implemented by bridges that report their
// capabilities at runtime.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
