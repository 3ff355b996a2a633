package events

import (
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/batonmesh/baton/internal/runtime/metadata"
)

func TestToMessageCarriesEnvelope(t *testing.T) {
	t.Parallel()

	evt := New("agent.created", "AgentCreated", "l02-agent-runtime").
		WithPayloadValue("agent_id", "agent-1").
		WithMetadata("tenant", "acme")

	msg, err := evt.ToMessage()
	if err != nil {
		t.Fatalf("ToMessage: %v", err)
	}
	if msg.UUID != evt.EventID {
		t.Errorf("UUID = %q, want %q", msg.UUID, evt.EventID)
	}
	if got := msg.Metadata.Get(metadata.KeyTopic); got != "agent.created" {
		t.Errorf("topic metadata = %q", got)
	}
	if got := msg.Metadata.Get(metadata.KeyEventType); got != "AgentCreated" {
		t.Errorf("event type metadata = %q", got)
	}
	if got := msg.Metadata.Get(metadata.KeySourceService); got != "l02-agent-runtime" {
		t.Errorf("source metadata = %q", got)
	}
	if got := msg.Metadata.Get("tenant"); got != "acme" {
		t.Errorf("custom metadata lost: %q", got)
	}
	if msg.Metadata.Get(metadata.KeyPublishedAt) == "" {
		t.Error("expected published-at metadata")
	}
}

func TestToMessageNilEvent(t *testing.T) {
	t.Parallel()

	var evt *EventMessage
	if _, err := evt.ToMessage(); err == nil {
		t.Fatal("expected error for nil event")
	}
}

func TestMessageRoundTrip(t *testing.T) {
	t.Parallel()

	evt := New("tool.registered", "ToolRegistered", "l03-tool-registry").
		WithPayloadValue("tool_id", "tool-9").
		WithPayloadValue("version", "1.2.0")

	msg, err := evt.ToMessage()
	if err != nil {
		t.Fatalf("ToMessage: %v", err)
	}

	back, err := FromMessage(msg)
	if err != nil {
		t.Fatalf("FromMessage: %v", err)
	}
	if back.EventID != evt.EventID {
		t.Errorf("EventID = %q, want %q", back.EventID, evt.EventID)
	}
	if back.Topic != evt.Topic || back.EventType != evt.EventType {
		t.Errorf("identity mismatch: %s/%s", back.Topic, back.EventType)
	}
	if back.SourceService != evt.SourceService {
		t.Errorf("source = %q", back.SourceService)
	}
	if got, _ := back.PayloadString("tool_id"); got != "tool-9" {
		t.Errorf("payload lost: %q", got)
	}
	if !back.Timestamp.Equal(evt.Timestamp) {
		t.Errorf("timestamp = %v, want %v", back.Timestamp, evt.Timestamp)
	}
}

func TestFromMessageRawBody(t *testing.T) {
	t.Parallel()

	t.Run("metadata identity with bare object payload", func(t *testing.T) {
		t.Parallel()
		msg := message.NewMessage("msg-1", []byte(`{"plan_id":"plan-3"}`))
		msg.Metadata.Set(metadata.KeyTopic, "plan.created")
		msg.Metadata.Set(metadata.KeyEventType, "PlanCreated")
		msg.Metadata.Set(metadata.KeyPublishedAt, time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC).Format(time.RFC3339Nano))

		evt, err := FromMessage(msg)
		if err != nil {
			t.Fatalf("FromMessage: %v", err)
		}
		if evt.Topic != "plan.created" || evt.EventType != "PlanCreated" {
			t.Errorf("identity = %s/%s", evt.Topic, evt.EventType)
		}
		if evt.EventID != "msg-1" {
			t.Errorf("EventID = %q", evt.EventID)
		}
		if got, _ := evt.PayloadString("plan_id"); got != "plan-3" {
			t.Errorf("payload = %q", got)
		}
		if evt.Timestamp.Year() != 2025 {
			t.Errorf("timestamp not parsed: %v", evt.Timestamp)
		}
	})

	t.Run("event type defaults to topic", func(t *testing.T) {
		t.Parallel()
		msg := message.NewMessage("msg-2", []byte(`{}`))
		msg.Metadata.Set(metadata.KeyTopic, "agent.heartbeat")

		evt, err := FromMessage(msg)
		if err != nil {
			t.Fatalf("FromMessage: %v", err)
		}
		if evt.EventType != "agent.heartbeat" {
			t.Errorf("EventType = %q", evt.EventType)
		}
	})

	t.Run("no identity at all fails", func(t *testing.T) {
		t.Parallel()
		msg := message.NewMessage("msg-3", []byte(`{"x":1}`))
		if _, err := FromMessage(msg); err == nil {
			t.Fatal("expected error when topic is unknown")
		}
	})

	t.Run("nil message fails", func(t *testing.T) {
		t.Parallel()
		if _, err := FromMessage(nil); err == nil {
			t.Fatal("expected error for nil message")
		}
	})
}
