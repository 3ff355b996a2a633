package bridge

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConfig struct {
	bridgeSystem string
}

func (m *mockConfig) GetBridgeSystem() string       { return m.bridgeSystem }
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
func (m *mockConfig) GetHTTPIngestAddress() string  { return "" }

type mockPublisher struct{}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error                                             { return nil }

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}
func (m *mockSubscriber) Close() error { return nil }

func mockBuilder(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Bridge, error) {
	return Bridge{Publisher: &mockPublisher{}, Subscriber: &mockSubscriber{}}, nil
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.NotNil(t, reg)
	assert.Empty(t, reg.Names())
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()

	reg.Register("test-bridge", mockBuilder)
	assert.True(t, reg.Has("test-bridge"))
	assert.Contains(t, reg.Names(), "test-bridge")
}

func TestRegistry_RegisterWithCapabilities(t *testing.T) {
	reg := NewRegistry()

	caps := Capabilities{Name: "test-bridge", Ordered: true, Durable: true}
	reg.RegisterWithCapabilities("test-bridge", mockBuilder, caps)

	assert.True(t, reg.Has("test-bridge"))
	retrieved := reg.GetCapabilities("test-bridge")
	assert.Equal(t, "test-bridge", retrieved.Name)
	assert.True(t, retrieved.Ordered)
	assert.True(t, retrieved.Durable)
}

func TestRegistry_GetCapabilities_Unknown(t *testing.T) {
	reg := NewRegistry()
	caps := reg.GetCapabilities("unknown")
	assert.Equal(t, "unknown", caps.Name)
	assert.False(t, caps.Ordered)
	assert.False(t, caps.Durable)
}

func TestRegistry_Build(t *testing.T) {
	reg := NewRegistry()
	reg.Register("test-bridge", mockBuilder)

	cfg := &mockConfig{bridgeSystem: "test-bridge"}
	b, err := reg.Build(context.Background(), cfg, watermill.NopLogger{})
	require.NoError(t, err)
	assert.NotNil(t, b.Publisher)
	assert.NotNil(t, b.Subscriber)
}

func TestRegistry_Build_NilConfig(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Build(context.Background(), nil, watermill.NopLogger{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "config is required")
}

func TestRegistry_Build_UnknownBridge(t *testing.T) {
	reg := NewRegistry()
	cfg := &mockConfig{bridgeSystem: "unknown-bridge"}

	_, err := reg.Build(context.Background(), cfg, watermill.NopLogger{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown bridge")
}

func TestRegistry_Build_BuilderError(t *testing.T) {
	reg := NewRegistry()

	expectedErr := errors.New("builder error")
	reg.Register("failing-bridge", func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Bridge, error) {
		return Bridge{}, expectedErr
	})

	cfg := &mockConfig{bridgeSystem: "failing-bridge"}
	_, err := reg.Build(context.Background(), cfg, watermill.NopLogger{})
	assert.Error(t, err)
	assert.Equal(t, expectedErr, err)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				reg.Register("bridge", mockBuilder)
				reg.Has("bridge")
				reg.Names()
				reg.GetCapabilities("bridge")
			}
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	assert.True(t, reg.Has("bridge"))
}

func TestPackageLevelRegister(t *testing.T) {
	Register("test-pkg-bridge", mockBuilder)
	assert.True(t, DefaultRegistry.Has("test-pkg-bridge"))
}

func TestPackageLevelRegisterWithCapabilities(t *testing.T) {
	caps := Capabilities{Name: "test-pkg-caps-bridge", SupportsDelay: true}
	RegisterWithCapabilities("test-pkg-caps-bridge", mockBuilder, caps)

	assert.True(t, DefaultRegistry.Has("test-pkg-caps-bridge"))
	retrieved := GetCapabilities("test-pkg-caps-bridge")
	assert.True(t, retrieved.SupportsDelay)
}

func TestBuildWithDefaultRegistry(t *testing.T) {
	cfg := &mockConfig{bridgeSystem: "nonexistent"}
	_, err := Build(context.Background(), cfg, watermill.NopLogger{})
	assert.Error(t, err)
}
