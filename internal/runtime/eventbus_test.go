package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/batonmesh/baton/internal/runtime/config"
	errspkg "github.com/batonmesh/baton/internal/runtime/errors"
	"github.com/batonmesh/baton/internal/runtime/events"
	"github.com/batonmesh/baton/internal/runtime/metadata"
)

func newTestBus(t *testing.T, conf *config.Config, opts ...BusOption) *EventBus {
	t.Helper()

	reg := prometheus.NewRegistry()
	opts = append([]BusOption{WithBusRegisterer(reg)}, opts...)
	bus, err := NewEventBus(conf, nil, opts...)
	if err != nil {
		t.Fatalf("NewEventBus: %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func collectEvents(ch chan *events.EventMessage) EventHandler {
	return func(_ context.Context, evt *events.EventMessage) error {
		ch <- evt
		return nil
	}
}

func waitEvent(t *testing.T, ch <-chan *events.EventMessage) *events.EventMessage {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBusPatternDelivery(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, nil)
	received := make(chan *events.EventMessage, 8)
	if _, err := bus.Subscribe("agent.*", collectEvents(received), WithSubscriberName("l02-agent-runtime")); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx := context.Background()
	for _, topic := range []string{"agent.created", "tool.registered", "agent.started"} {
		if err := bus.Publish(ctx, events.New(topic, topic, "test")); err != nil {
			t.Fatalf("Publish(%s): %v", topic, err)
		}
	}

	first := waitEvent(t, received)
	second := waitEvent(t, received)
	if first.Topic != "agent.created" || second.Topic != "agent.started" {
		t.Fatalf("topics = %s, %s", first.Topic, second.Topic)
	}
	select {
	case evt := <-received:
		t.Fatalf("unexpected delivery: %s", evt.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusSubscribeValidation(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, nil)

	if _, err := bus.Subscribe("agent.*", nil); !errors.Is(err, errspkg.ErrHandlerRequired) {
		t.Fatalf("nil handler error = %v", err)
	}
	sink := make(chan *events.EventMessage, 1)
	if _, err := bus.Subscribe("", collectEvents(sink)); !errors.Is(err, errspkg.ErrPatternRequired) {
		t.Fatalf("empty pattern error = %v", err)
	}
	if _, err := bus.Subscribe("agent..created", collectEvents(sink)); err == nil {
		t.Fatal("expected error for empty segment")
	}
}

func TestBusPublishValidation(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, nil)
	ctx := context.Background()

	if err := bus.Publish(ctx, nil); !errors.Is(err, errspkg.ErrEventRequired) {
		t.Fatalf("nil event error = %v", err)
	}
	if err := bus.Publish(ctx, &events.EventMessage{EventType: "x"}); !errors.Is(err, errspkg.ErrTopicRequired) {
		t.Fatalf("missing topic error = %v", err)
	}
	var verr *errspkg.ValidationError
	if err := bus.Publish(ctx, &events.EventMessage{Topic: "agent.created"}); !errors.As(err, &verr) {
		t.Fatalf("missing event type error = %v", err)
	}
}

func TestBusPublishStampsIdentity(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, &config.Config{ServiceName: "l01-orchestrator"})
	received := make(chan *events.EventMessage, 1)
	if _, err := bus.Subscribe("agent.created", collectEvents(received)); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	evt := &events.EventMessage{Topic: "agent.created", EventType: "agent.created"}
	if err := bus.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if evt.EventID == "" || evt.Timestamp.IsZero() {
		t.Fatal("publish must stamp the caller's event")
	}

	got := waitEvent(t, received)
	if got.EventID != evt.EventID {
		t.Fatalf("event id = %q, want %q", got.EventID, evt.EventID)
	}
	if got.SourceService != "l01-orchestrator" {
		t.Fatalf("source = %q", got.SourceService)
	}
	if got.Metadata[metadata.KeyCorrelationID] == "" {
		t.Fatal("correlation middleware should stamp a correlation id")
	}
}

func TestBusPublishWithoutSubscribersSucceeds(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, nil)
	if err := bus.Publish(context.Background(), events.New("plan.created", "plan.created", "test")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func TestBusPerSubscriberOrder(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, nil)
	received := make(chan *events.EventMessage, 32)
	if _, err := bus.Subscribe("job.*", collectEvents(received)); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx := context.Background()
	const n = 20
	for i := 0; i < n; i++ {
		evt := events.New("job.step", "job.step", "test").WithPayloadValue("seq", fmt.Sprintf("%02d", i))
		if err := bus.Publish(ctx, evt); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	for i := 0; i < n; i++ {
		got := waitEvent(t, received)
		seq, _ := got.PayloadString("seq")
		if seq != fmt.Sprintf("%02d", i) {
			t.Fatalf("delivery %d out of order: seq = %s", i, seq)
		}
	}
}

func TestBusSlowHandlerDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, nil)

	release := make(chan struct{})
	stuck := make(chan *events.EventMessage, 8)
	if _, err := bus.Subscribe("agent.*", func(_ context.Context, evt *events.EventMessage) error {
		<-release
		stuck <- evt
		return nil
	}, WithSubscriberName("slow")); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	fast := make(chan *events.EventMessage, 8)
	if _, err := bus.Subscribe("agent.*", collectEvents(fast), WithSubscriberName("fast")); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := bus.Publish(ctx, events.New("agent.created", "agent.created", "test")); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		waitEvent(t, fast)
	}

	close(release)
	for i := 0; i < 3; i++ {
		waitEvent(t, stuck)
	}
}

func TestBusQueueOverflowDropsForThatSubscriber(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, nil)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	received := make(chan *events.EventMessage, 8)
	_, err := bus.Subscribe("agent.*", func(_ context.Context, evt *events.EventMessage) error {
		started <- struct{}{}
		<-release
		received <- evt
		return nil
	}, WithQueueSize(1))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx := context.Background()
	publish := func(seq string) {
		t.Helper()
		evt := events.New("agent.created", "agent.created", "test").WithPayloadValue("seq", seq)
		if err := bus.Publish(ctx, evt); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	// First event occupies the worker, second fills the queue, third drops.
	publish("a")
	<-started
	publish("b")
	publish("c")

	close(release)
	first := waitEvent(t, received)
	second := waitEvent(t, received)
	if seq, _ := first.PayloadString("seq"); seq != "a" {
		t.Fatalf("first = %s", seq)
	}
	if seq, _ := second.PayloadString("seq"); seq != "b" {
		t.Fatalf("second = %s", seq)
	}
	select {
	case evt := <-received:
		seq, _ := evt.PayloadString("seq")
		t.Fatalf("dropped event was delivered: %s", seq)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusUnsubscribe(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, nil)
	received := make(chan *events.EventMessage, 8)
	id, err := bus.Subscribe("agent.*", collectEvents(received))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx := context.Background()
	if err := bus.Publish(ctx, events.New("agent.created", "agent.created", "test")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitEvent(t, received)

	if err := bus.Unsubscribe(id); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if err := bus.Unsubscribe(id); !errors.Is(err, errspkg.ErrSubscriptionNotFound) {
		t.Fatalf("second unsubscribe error = %v", err)
	}

	if err := bus.Publish(ctx, events.New("agent.created", "agent.created", "test")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case <-received:
		t.Fatal("delivery after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusClose(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, nil)
	sink := make(chan *events.EventMessage, 1)
	if _, err := bus.Subscribe("agent.*", collectEvents(sink)); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := bus.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if err := bus.Publish(context.Background(), events.New("agent.created", "agent.created", "test")); !errors.Is(err, errspkg.ErrBusClosed) {
		t.Fatalf("publish after close error = %v", err)
	}
	if _, err := bus.Subscribe("agent.*", collectEvents(sink)); !errors.Is(err, errspkg.ErrBusClosed) {
		t.Fatalf("subscribe after close error = %v", err)
	}
}

func TestBusSubscriptionMiddleware(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, nil)

	var tagged atomic.Int64
	tagMiddleware := func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			tagged.Add(1)
			msg.Metadata.Set("tenant", "acme")
			return h(msg)
		}
	}

	taggedCh := make(chan *events.EventMessage, 4)
	if _, err := bus.Subscribe("agent.*", collectEvents(taggedCh), WithSubscriptionMiddleware(tagMiddleware)); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	plainCh := make(chan *events.EventMessage, 4)
	if _, err := bus.Subscribe("agent.*", collectEvents(plainCh)); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := bus.Publish(context.Background(), events.New("agent.created", "agent.created", "test")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := waitEvent(t, taggedCh)
	if got.Metadata["tenant"] != "acme" {
		t.Fatalf("middleware metadata missing: %v", got.Metadata)
	}
	plain := waitEvent(t, plainCh)
	if plain.Metadata["tenant"] != "" {
		t.Fatal("per-subscription middleware leaked to another subscription")
	}
	if tagged.Load() != 1 {
		t.Fatalf("middleware invocations = %d", tagged.Load())
	}
}

func TestBusHandlerPanicIsRecovered(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, nil)
	received := make(chan *events.EventMessage, 4)
	calls := 0
	if _, err := bus.Subscribe("agent.*", func(_ context.Context, evt *events.EventMessage) error {
		calls++
		if calls == 1 {
			panic("handler exploded")
		}
		received <- evt
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx := context.Background()
	if err := bus.Publish(ctx, events.New("agent.created", "agent.created", "test")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := bus.Publish(ctx, events.New("agent.started", "agent.started", "test")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// The worker survives the panic and handles the next event.
	got := waitEvent(t, received)
	if got.Topic != "agent.started" {
		t.Fatalf("topic = %s", got.Topic)
	}
}

type capturingBridgePublisher struct {
	mu     sync.Mutex
	topics []string
	msgs   []*message.Message
}

func (p *capturingBridgePublisher) Publish(topic string, msgs ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, msg := range msgs {
		p.topics = append(p.topics, topic)
		p.msgs = append(p.msgs, msg)
	}
	return nil
}

func (p *capturingBridgePublisher) Close() error { return nil }

func (p *capturingBridgePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

func TestBusMirrorsToBridgePublisher(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, &config.Config{BridgeMirrorTopic: "baton.events"})
	mirror := &capturingBridgePublisher{}
	bus.SetMirror(mirror)

	ctx := context.Background()
	if err := bus.Publish(ctx, events.New("agent.created", "agent.created", "test")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if mirror.count() != 1 {
		t.Fatalf("mirrored = %d, want 1", mirror.count())
	}
	mirror.mu.Lock()
	topic := mirror.topics[0]
	envelope, err := events.FromMessage(mirror.msgs[0])
	mirror.mu.Unlock()
	if err != nil {
		t.Fatalf("FromMessage: %v", err)
	}
	if topic != "baton.events" {
		t.Fatalf("mirror topic = %q", topic)
	}
	if envelope.Topic != "agent.created" {
		t.Fatalf("mirrored envelope topic = %q", envelope.Topic)
	}

	// Events that arrived through a bridge must not echo back out.
	bridged := events.New("agent.started", "agent.started", "test").
		WithMetadata(metadata.KeyBridged, "kafka")
	if err := bus.Publish(ctx, bridged); err != nil {
		t.Fatalf("Publish bridged: %v", err)
	}
	if mirror.count() != 1 {
		t.Fatalf("bridged event was mirrored, count = %d", mirror.count())
	}
}

func TestBusSubscriptionsSnapshot(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, nil)
	sink := make(chan *events.EventMessage, 1)
	idA, _ := bus.Subscribe("agent.*", collectEvents(sink), WithSubscriberName("l02-agent-runtime"))
	idB, _ := bus.Subscribe("tool.registered", collectEvents(sink), WithQueueSize(7))

	infos := bus.Subscriptions()
	if len(infos) != 2 {
		t.Fatalf("subscriptions = %d", len(infos))
	}
	if infos[0].SubscriptionID != idA || infos[1].SubscriptionID != idB {
		t.Fatal("snapshot order must follow registration order")
	}
	if infos[0].Service != "l02-agent-runtime" || infos[0].Pattern != "agent.*" {
		t.Fatalf("info = %+v", infos[0])
	}
	if infos[1].QueueCapacity != 7 {
		t.Fatalf("queue capacity = %d", infos[1].QueueCapacity)
	}
}
