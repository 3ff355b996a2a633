package bridge

// Capabilities describes the delivery guarantees of a bridge backend, kept
// to the properties the event bus actually consults.
type Capabilities struct {
	// Name is the registered bridge name.
	Name string

	// Ordered indicates messages within a topic, partition, or stream are
	// delivered in publish order.
	Ordered bool

	// Durable indicates messages survive a broker restart.
	Durable bool

	// SupportsAck indicates explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack indicates negative acknowledgment with redelivery.
	SupportsNack bool

	// SupportsDelay indicates native delayed delivery.
	SupportsDelay bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited
	// or unknown).
	MaxMessageSize int64
}

// SupportsReliableDelivery reports whether the backend gives at-least-once
// semantics (both ack and nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the built-in bridges.
var (
	// ChannelCapabilities for the in-memory Go channel bridge.
	ChannelCapabilities = Capabilities{
		Name:         "channel",
		Ordered:      true,
		SupportsAck:  true,
		SupportsNack: true,
	}

	// KafkaCapabilities for the Apache Kafka bridge.
	KafkaCapabilities = Capabilities{
		Name:           "kafka",
		Ordered:        true,
		Durable:        true,
		SupportsAck:    true,
		MaxMessageSize: 1048576,
	}

	// NATSCapabilities for the NATS Core bridge.
	NATSCapabilities = Capabilities{
		Name:           "nats",
		MaxMessageSize: 1048576,
	}

	// JetStreamCapabilities for the NATS JetStream bridge.
	JetStreamCapabilities = Capabilities{
		Name:           "jetstream",
		Ordered:        true,
		Durable:        true,
		SupportsAck:    true,
		SupportsNack:   true,
		SupportsDelay:  true,
		MaxMessageSize: 1048576,
	}

	// RabbitMQCapabilities for the RabbitMQ/AMQP bridge.
	RabbitMQCapabilities = Capabilities{
		Name:          "rabbitmq",
		Ordered:       true,
		Durable:       true,
		SupportsAck:   true,
		SupportsNack:  true,
		SupportsDelay: true,
	}

	// AWSCapabilities for the AWS SNS/SQS bridge.
	AWSCapabilities = Capabilities{
		Name:           "aws",
		Ordered:        true,
		Durable:        true,
		SupportsAck:    true,
		SupportsNack:   true,
		SupportsDelay:  true,
		MaxMessageSize: 262144,
	}

	// HTTPIngestCapabilities for the ingest-only HTTP bridge.
	HTTPIngestCapabilities = Capabilities{
		Name: "httpingest",
	}
)
