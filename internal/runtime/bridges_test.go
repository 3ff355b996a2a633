package runtime

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/batonmesh/baton/internal/runtime/config"
	errspkg "github.com/batonmesh/baton/internal/runtime/errors"
	"github.com/batonmesh/baton/internal/runtime/events"
	"github.com/batonmesh/baton/internal/runtime/metadata"
)

func TestDefaultBridgeFactoryDisabled(t *testing.T) {
	t.Parallel()

	factory := DefaultBridgeFactory()
	for _, system := range []string{"", "none", " NONE "} {
		b, err := factory.Build(context.Background(), &config.Config{BridgeSystem: system}, watermill.NopLogger{})
		if err != nil {
			t.Fatalf("Build(%q): %v", system, err)
		}
		if b.Publisher != nil || b.Subscriber != nil {
			t.Fatalf("Build(%q) returned a live bridge", system)
		}
	}

	if _, err := factory.Build(context.Background(), nil, watermill.NopLogger{}); !errors.Is(err, errspkg.ErrConfigRequired) {
		t.Fatalf("nil config error = %v", err)
	}
}

func TestDefaultBridgeFactoryBuildsChannel(t *testing.T) {
	t.Parallel()

	factory := DefaultBridgeFactory()
	b, err := factory.Build(context.Background(), &config.Config{BridgeSystem: "channel"}, watermill.NopLogger{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if b.Publisher == nil || b.Subscriber == nil {
		t.Fatal("channel bridge must provide both sides")
	}
	_ = b.Publisher.Close()
}

func TestDefaultBridgeFactoryUnknownSystem(t *testing.T) {
	t.Parallel()

	factory := DefaultBridgeFactory()
	_, err := factory.Build(context.Background(), &config.Config{BridgeSystem: "warpdrive"}, watermill.NopLogger{})
	if err == nil || !strings.Contains(err.Error(), "unknown bridge") {
		t.Fatalf("err = %v", err)
	}
}

func TestBridgeIngestFeedsBus(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, &config.Config{BridgeMirrorTopic: "baton.events"})
	mirror := &capturingBridgePublisher{}
	bus.SetMirror(mirror)

	received := make(chan *events.EventMessage, 1)
	if _, err := bus.Subscribe("agent.*", collectEvents(received)); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubSub.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := startBridgeIngest(ctx, pubSub, "baton.events", bus, bus.logger); err != nil {
		t.Fatalf("startBridgeIngest: %v", err)
	}

	evt := events.New("agent.created", "agent.created", "l02-agent-runtime").
		WithPayloadValue("agent_id", "agent-1")
	msg, err := evt.ToMessage()
	if err != nil {
		t.Fatalf("ToMessage: %v", err)
	}
	if err := pubSub.Publish("baton.events", msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := waitEvent(t, received)
	if got.Topic != "agent.created" {
		t.Fatalf("topic = %s", got.Topic)
	}
	if got.Metadata[metadata.KeyBridged] == "" {
		t.Fatal("ingested event must carry the bridged marker")
	}
	if s, _ := got.PayloadString("agent_id"); s != "agent-1" {
		t.Fatalf("agent_id = %q", s)
	}

	// Bridged events must not echo back through the mirror.
	if mirror.count() != 0 {
		t.Fatalf("mirrored = %d, want 0", mirror.count())
	}
}

func TestBridgeIngestSkipsPoisonMessages(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, nil)
	received := make(chan *events.EventMessage, 1)
	if _, err := bus.Subscribe("tool.*", collectEvents(received)); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubSub.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := startBridgeIngest(ctx, pubSub, "baton.events", bus, bus.logger); err != nil {
		t.Fatalf("startBridgeIngest: %v", err)
	}

	poison := message.NewMessage(watermill.NewUUID(), []byte("not an envelope"))
	if err := pubSub.Publish("baton.events", poison); err != nil {
		t.Fatalf("Publish poison: %v", err)
	}

	good, err := events.New("tool.registered", "tool.registered", "l03-tool-registry").ToMessage()
	if err != nil {
		t.Fatalf("ToMessage: %v", err)
	}
	if err := pubSub.Publish("baton.events", good); err != nil {
		t.Fatalf("Publish good: %v", err)
	}

	got := waitEvent(t, received)
	if got.Topic != "tool.registered" {
		t.Fatalf("topic = %s", got.Topic)
	}
	select {
	case extra := <-received:
		t.Fatalf("unexpected extra event %q", extra.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBridgeIngestValidations(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, nil)
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubSub.Close() })

	if err := startBridgeIngest(context.Background(), nil, "baton.events", bus, bus.logger); !errors.Is(err, errspkg.ErrSubscriberRequired) {
		t.Fatalf("nil subscriber error = %v", err)
	}
	if err := startBridgeIngest(context.Background(), pubSub, "", bus, bus.logger); !errors.Is(err, errspkg.ErrTopicRequired) {
		t.Fatalf("empty topic error = %v", err)
	}
}
