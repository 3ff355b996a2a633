package handlers

import (
	"context"
	"errors"
	"testing"

	errspkg "github.com/batonmesh/baton/internal/runtime/errors"
	"github.com/batonmesh/baton/internal/runtime/events"
	loggingpkg "github.com/batonmesh/baton/internal/runtime/logging"
)

type toolConfigured struct {
	ToolID string `json:"tool_id"`
	Count  int    `json:"count"`
}

func testEvent() *events.EventMessage {
	return events.New("tool.configured", "tool.configured", "l03-tool-registry").
		WithPayload(map[string]any{"tool_id": "tool-7", "count": 3}).
		WithMetadata("origin", "test")
}

func TestBuildJSONEventHandlerDecodesPayload(t *testing.T) {
	var got *toolConfigured
	handler, err := BuildJSONEventHandler(func(ctx context.Context, evt JSONEventContext[*toolConfigured]) error {
		if ctx == nil {
			t.Fatal("context should not be nil")
		}
		got = evt.Payload
		if evt.Topic != "tool.configured" || evt.Source != "l03-tool-registry" {
			t.Fatalf("envelope fields = %q %q", evt.Topic, evt.Source)
		}
		if evt.Get("origin") != "test" {
			t.Fatalf("metadata = %v", evt.Metadata)
		}
		if evt.AggregateType() != "tool" {
			t.Fatalf("aggregate = %q", evt.AggregateType())
		}
		return nil
	}, loggingpkg.NewNopServiceLogger())
	if err != nil {
		t.Fatalf("unexpected error building handler: %v", err)
	}

	if err := handler(context.Background(), testEvent()); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if got == nil || got.ToolID != "tool-7" || got.Count != 3 {
		t.Fatalf("unexpected payload: %#v", got)
	}
}

func TestBuildJSONEventHandlerFreshInstancePerDelivery(t *testing.T) {
	var seen []*toolConfigured
	handler, err := BuildJSONEventHandler(func(_ context.Context, evt JSONEventContext[*toolConfigured]) error {
		seen = append(seen, evt.Payload)
		return nil
	}, loggingpkg.NewNopServiceLogger())
	if err != nil {
		t.Fatalf("unexpected error building handler: %v", err)
	}

	if err := handler(context.Background(), testEvent()); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := handler(context.Background(), testEvent()); err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if seen[0] == seen[1] {
		t.Fatal("expected distinct payload instances")
	}
}

func TestBuildJSONEventHandlerMismatchedPayload(t *testing.T) {
	called := false
	handler, err := BuildJSONEventHandler(func(context.Context, JSONEventContext[*toolConfigured]) error {
		called = true
		return nil
	}, loggingpkg.NewNopServiceLogger())
	if err != nil {
		t.Fatalf("unexpected error building handler: %v", err)
	}

	evt := events.New("tool.configured", "tool.configured", "test").
		WithPayload(map[string]any{"count": "not-a-number"})
	err = handler(context.Background(), evt)
	if !errors.Is(err, events.ErrDeadLetter) {
		t.Fatalf("expected dead letter error, got %v", err)
	}
	if called {
		t.Fatal("handler must not run on decode failure")
	}
}

func TestBuildJSONEventHandlerNilPayload(t *testing.T) {
	handler, err := BuildJSONEventHandler(func(_ context.Context, evt JSONEventContext[*toolConfigured]) error {
		if evt.Payload == nil || evt.Payload.ToolID != "" {
			t.Fatalf("payload = %#v", evt.Payload)
		}
		return nil
	}, loggingpkg.NewNopServiceLogger())
	if err != nil {
		t.Fatalf("unexpected error building handler: %v", err)
	}

	evt := events.New("tool.configured", "tool.configured", "test")
	evt.Payload = nil
	if err := handler(context.Background(), evt); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
}

func TestBuildJSONEventHandlerValidatesInputs(t *testing.T) {
	if _, err := BuildJSONEventHandler[*toolConfigured](nil, loggingpkg.NewNopServiceLogger()); !errors.Is(err, errspkg.ErrHandlerRequired) {
		t.Fatalf("expected handler required error, got %v", err)
	}
}

func TestJSONPrototypeFactoryValidations(t *testing.T) {
	_, err := jsonPrototypeFactory[any]()
	if !errors.Is(err, errspkg.ErrPayloadTypeRequired) {
		t.Fatalf("expected payload type required error, got %v", err)
	}

	_, err = jsonPrototypeFactory[toolConfigured]()
	if !errors.Is(err, errspkg.ErrPayloadPointerNeeded) {
		t.Fatalf("expected pointer needed error, got %v", err)
	}

	factory, err := jsonPrototypeFactory[*toolConfigured]()
	if err != nil {
		t.Fatalf("unexpected error creating factory: %v", err)
	}
	first := factory()
	second := factory()
	if first == second {
		t.Fatal("expected distinct instances")
	}
}
