package httpingest

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	watermillhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batonmesh/baton/bridge"
)

func TestRegister(t *testing.T) {
	bridge.DefaultRegistry = bridge.NewRegistry()
	Register()

	caps := bridge.GetCapabilities(BridgeName)
	assert.Equal(t, "httpingest", caps.Name)
	assert.False(t, caps.Durable)
	assert.False(t, caps.SupportsDelay)
	assert.False(t, caps.SupportsReliableDelivery())
}

func TestCapabilities(t *testing.T) {
	caps := Capabilities()
	assert.Equal(t, bridge.HTTPIngestCapabilities, caps)
	assert.Equal(t, "httpingest", caps.Name)
}

func TestBridgeName(t *testing.T) {
	assert.Equal(t, "httpingest", BridgeName)
}

func TestBuild(t *testing.T) {
	t.Run("creates ingest-only bridge", func(t *testing.T) {
		originalSubFactory := SubscriberFactory
		defer func() { SubscriberFactory = originalSubFactory }()

		mockSub := &mockSubscriber{}
		SubscriberFactory = func(addr string, config watermillhttp.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			assert.Equal(t, ":8090", addr)
			return mockSub, nil
		}

		cfg := &mockConfig{httpIngestAddress: ":8090"}
		b, err := Build(context.Background(), cfg, watermill.NopLogger{})

		require.NoError(t, err)
		assert.Nil(t, b.Publisher)
		assert.Equal(t, mockSub, b.Subscriber)
	})

	t.Run("returns error when subscriber factory fails", func(t *testing.T) {
		originalSubFactory := SubscriberFactory
		defer func() { SubscriberFactory = originalSubFactory }()

		SubscriberFactory = func(addr string, config watermillhttp.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("listen error")
		}

		cfg := &mockConfig{httpIngestAddress: ":8090"}
		_, err := Build(context.Background(), cfg, watermill.NopLogger{})

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "listen error")
	})
}

type mockConfig struct {
	httpIngestAddress string
}

func (m *mockConfig) GetBridgeSystem() string       { return "httpingest" }
func (m *mockConfig) GetKafkaBrokers() []string     { return nil }
func (m *mockConfig) GetKafkaConsumerGroup() string { return "" }
func (m *mockConfig) GetRabbitMQURL() string        { return "" }
func (m *mockConfig) GetNATSURL() string            { return "" }
func (m *mockConfig) GetJetStreamStream() string    { return "" }
func (m *mockConfig) GetAWSRegion() string          { return "" }
func (m *mockConfig) GetAWSAccountID() string       { return "" }
func (m *mockConfig) GetAWSAccessKeyID() string     { return "" }
func (m *mockConfig) GetAWSSecretAccessKey() string { return "" }
func (m *mockConfig) GetAWSEndpoint() string        { return "" }
func (m *mockConfig) GetHTTPIngestAddress() string  { return m.httpIngestAddress }

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (m *mockSubscriber) Close() error { return nil }
