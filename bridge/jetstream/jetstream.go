// Package jetstream provides a NATS JetStream bridge for baton.
//
// Unlike the core NATS bridge, JetStream persists messages in a stream and
// redelivers until the consumer acknowledges, so events survive restarts of
// either side.
package jetstream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/batonmesh/baton/bridge"
	"github.com/batonmesh/baton/internal/runtime/jsoncodec"
	"github.com/batonmesh/baton/internal/runtime/metadata"
)

// BridgeName is the name used to register this bridge.
const BridgeName = "jetstream"

const (
	// DefaultStreamName is used when the configuration names no stream.
	DefaultStreamName = "BATON"

	// DefaultMaxDeliver is the default max delivery attempts.
	DefaultMaxDeliver = 3

	// DefaultAckWait is the default ack wait timeout.
	DefaultAckWait = 30 * time.Second
)

func init() {
	Register()
}

// Register adds this bridge to the default registry.
func Register() {
	bridge.RegisterWithCapabilities(BridgeName, Build, bridge.JetStreamCapabilities)
}

// Build creates a new NATS JetStream bridge.
func Build(ctx context.Context, cfg bridge.Config, logger watermill.LoggerAdapter) (bridge.Bridge, error) {
	config := Config{
		URL:        cfg.GetNATSURL(),
		StreamName: cfg.GetJetStreamStream(),
	}

	b, err := New(config, logger)
	if err != nil {
		return bridge.Bridge{}, err
	}

	return bridge.Bridge{
		Publisher:  b,
		Subscriber: b,
	}, nil
}

// Capabilities returns the capabilities of this bridge.
func Capabilities() bridge.Capabilities {
	return bridge.JetStreamCapabilities
}

// Config holds NATS JetStream-specific configuration.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// StreamName is the name of the JetStream stream to use.
	// If empty, defaults to "BATON".
	StreamName string

	// MaxDeliver is the maximum number of delivery attempts.
	MaxDeliver int

	// AckWait is the duration to wait for acknowledgment.
	AckWait time.Duration

	// Replicas is the number of stream replicas (for clustering).
	Replicas int

	// RetentionPolicy: "limits" (default), "interest", or "workqueue"
	RetentionPolicy string
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

// Bridge implements Publisher and Subscriber for NATS JetStream.
type Bridge struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	subscriptions map[string]*nats.Subscription
	subMu         sync.RWMutex

	closed     bool
	closedMu   sync.RWMutex
	closedChan chan struct{}
}

// New creates a new NATS JetStream bridge.
func New(cfg Config, logger watermill.LoggerAdapter) (*Bridge, error) {
	cfg = cfg.withDefaults()

	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	b := &Bridge{
		nc:            nc,
		js:            js,
		config:        cfg,
		logger:        logger,
		subscriptions: make(map[string]*nats.Subscription),
		closedChan:    make(chan struct{}),
	}

	if err := b.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	return b, nil
}

func (b *Bridge) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:     b.config.StreamName,
		Subjects: []string{b.config.StreamName + ".>"},
		MaxAge:   24 * time.Hour * 7,
		Replicas: b.config.Replicas,
	}

	switch b.config.RetentionPolicy {
	case "interest":
		streamCfg.Retention = nats.InterestPolicy
	case "workqueue":
		streamCfg.Retention = nats.WorkQueuePolicy
	default:
		streamCfg.Retention = nats.LimitsPolicy
	}

	_, err := b.js.AddStream(streamCfg)
	if err != nil {
		_, err = b.js.UpdateStream(streamCfg)
		if err != nil {
			if b.logger != nil {
				b.logger.Info("JetStream stream exists", watermill.LogFields{
					"stream": b.config.StreamName,
				})
			}
		}
	}

	return nil
}

// Publish publishes messages to the JetStream stream.
func (b *Bridge) Publish(topic string, messages ...*message.Message) error {
	b.closedMu.RLock()
	if b.closed {
		b.closedMu.RUnlock()
		return fmt.Errorf("bridge is closed")
	}
	b.closedMu.RUnlock()

	subject := b.topicToSubject(topic)

	for _, msg := range messages {
		headers := nats.Header{}
		for k, v := range msg.Metadata {
			headers.Set(k, v)
		}

		natsMsg := &nats.Msg{
			Subject: subject,
			Data:    msg.Payload,
			Header:  headers,
		}

		_, err := b.js.PublishMsg(natsMsg)
		if err != nil {
			return fmt.Errorf("failed to publish to JetStream: %w", err)
		}
	}

	return nil
}

// Subscribe subscribes to a topic and returns a channel of messages.
func (b *Bridge) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	b.closedMu.RLock()
	if b.closed {
		b.closedMu.RUnlock()
		return nil, fmt.Errorf("bridge is closed")
	}
	b.closedMu.RUnlock()

	subject := b.topicToSubject(topic)
	consumerName := b.topicToConsumer(topic)
	output := make(chan *message.Message)

	consumerCfg := &nats.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    b.config.MaxDeliver,
		AckWait:       b.config.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}

	_, err := b.js.AddConsumer(b.config.StreamName, consumerCfg)
	if err != nil {
		_, err = b.js.UpdateConsumer(b.config.StreamName, consumerCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create consumer: %w", err)
		}
	}

	sub, err := b.js.PullSubscribe(subject, consumerName)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	b.subMu.Lock()
	b.subscriptions[topic] = sub
	b.subMu.Unlock()

	go b.fetchMessages(ctx, sub, output, topic)

	return output, nil
}

func (b *Bridge) fetchMessages(ctx context.Context, sub *nats.Subscription, output chan<- *message.Message, topic string) {
	defer close(output)

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.closedChan:
			return
		default:
		}

		msgs, err := sub.Fetch(10, nats.MaxWait(time.Second))
		if err != nil {
			if err == nats.ErrTimeout {
				continue
			}
			if b.logger != nil {
				b.logger.Error("Failed to fetch messages", err, watermill.LogFields{
					"topic": topic,
				})
			}
			continue
		}

		for _, natsMsg := range msgs {
			wmMsg := b.natsToWatermill(natsMsg)

			select {
			case output <- wmMsg:
				select {
				case <-wmMsg.Acked():
					if err := natsMsg.Ack(); err != nil && b.logger != nil {
						b.logger.Error("Failed to ack", err, nil)
					}
				case <-wmMsg.Nacked():
					if err := natsMsg.Nak(); err != nil && b.logger != nil {
						b.logger.Error("Failed to nak", err, nil)
					}
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

func (b *Bridge) natsToWatermill(natsMsg *nats.Msg) *message.Message {
	msgID := natsMsg.Header.Get(metadata.KeyEventID)
	if msgID == "" {
		var envelope struct {
			EventID string `json:"event_id"`
		}
		if err := jsoncodec.Unmarshal(natsMsg.Data, &envelope); err == nil {
			msgID = envelope.EventID
		}
	}
	if msgID == "" {
		msgID = watermill.NewUUID()
	}

	wmMsg := message.NewMessage(msgID, natsMsg.Data)

	for k, v := range natsMsg.Header {
		if len(v) > 0 {
			wmMsg.Metadata.Set(k, v[0])
		}
	}

	return wmMsg
}

func (b *Bridge) topicToSubject(topic string) string {
	return b.config.StreamName + "." + topic
}

// topicToConsumer derives a durable consumer name. Durable names cannot
// contain dots, so topic separators are flattened.
func (b *Bridge) topicToConsumer(topic string) string {
	return "consumer_" + strings.ReplaceAll(topic, ".", "_")
}

// Close closes the JetStream bridge.
func (b *Bridge) Close() error {
	b.closedMu.Lock()
	if b.closed {
		b.closedMu.Unlock()
		return nil
	}
	b.closed = true
	close(b.closedChan)
	b.closedMu.Unlock()

	b.subMu.Lock()
	for _, sub := range b.subscriptions {
		sub.Unsubscribe()
	}
	b.subscriptions = make(map[string]*nats.Subscription)
	b.subMu.Unlock()

	b.nc.Close()

	return nil
}
