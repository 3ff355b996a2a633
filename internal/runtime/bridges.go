package runtime

import (
	"context"
	"errors"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	bridgepkg "github.com/batonmesh/baton/bridge"
	"github.com/batonmesh/baton/internal/runtime/config"
	errspkg "github.com/batonmesh/baton/internal/runtime/errors"
	"github.com/batonmesh/baton/internal/runtime/events"
	"github.com/batonmesh/baton/internal/runtime/logging"

	// Import all bridge packages to register them.
	_ "github.com/batonmesh/baton/bridge/aws"
	_ "github.com/batonmesh/baton/bridge/channel"
	_ "github.com/batonmesh/baton/bridge/httpingest"
	_ "github.com/batonmesh/baton/bridge/jetstream"
	_ "github.com/batonmesh/baton/bridge/kafka"
	_ "github.com/batonmesh/baton/bridge/nats"
	_ "github.com/batonmesh/baton/bridge/rabbitmq"
)

// BridgeFactory abstracts how the core initialises its broker bridge.
// Returning a zero Bridge runs the core without one.
type BridgeFactory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (bridgepkg.Bridge, error)
}

// DefaultBridgeFactory returns the built-in factory that resolves the
// configured bridge system through the bridge registry.
func DefaultBridgeFactory() BridgeFactory {
	return defaultBridgeFactory{}
}

type defaultBridgeFactory struct{}

func (defaultBridgeFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (bridgepkg.Bridge, error) {
	if conf == nil {
		return bridgepkg.Bridge{}, errspkg.ErrConfigRequired
	}

	system := strings.ToLower(strings.TrimSpace(conf.BridgeSystem))
	if system == "" || system == "none" {
		return bridgepkg.Bridge{}, nil
	}

	return bridgepkg.Build(ctx, conf, logger)
}

// startBridgeIngest drains the bridge subscriber into the bus. The pump
// stops when the subscriber closes its channel, which happens on context
// cancellation or bridge shutdown.
func startBridgeIngest(ctx context.Context, sub message.Subscriber, topic string, bus *EventBus, logger logging.ServiceLogger) error {
	if sub == nil {
		return errspkg.ErrSubscriberRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}

	msgs, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return err
	}

	logger.Info("bridge ingest started", logging.LogFields{"topic": topic})
	go func() {
		for msg := range msgs {
			ingestBridgeMessage(ctx, msg, bus, logger)
		}
		logger.Info("bridge ingest stopped", logging.LogFields{"topic": topic})
	}()
	return nil
}

// ingestBridgeMessage republishes one broker message on the bus. Events get
// stamped as bridged so the mirror never echoes them back out. Undecodable
// messages are acked; redelivery cannot repair them.
func ingestBridgeMessage(ctx context.Context, msg *message.Message, bus *EventBus, logger logging.ServiceLogger) {
	evt, err := events.FromMessage(msg)
	if err != nil {
		logger.Error("dropping undecodable bridge message", err, logging.LogFields{
			"message_uuid": msg.UUID,
		})
		msg.Ack()
		return
	}

	evt.Metadata = evt.Metadata.MarkBridged()

	if err := bus.Publish(ctx, evt); err != nil {
		if errors.Is(err, errspkg.ErrBusClosed) {
			msg.Nack()
			return
		}
		logger.Error("dropping invalid bridge event", err, logging.LogFields{
			"event_id": evt.EventID,
			"topic":    evt.Topic,
		})
		msg.Ack()
		return
	}

	msg.Ack()
}
