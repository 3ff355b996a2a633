package handlers

import (
	"time"

	loggingpkg "github.com/batonmesh/baton/internal/runtime/logging"
	metadatapkg "github.com/batonmesh/baton/internal/runtime/metadata"
)

// MessageContextBase carries the envelope fields shared by the typed JSON
// and proto contexts, so handlers can read event identity and headers
// without touching the raw envelope.
type MessageContextBase struct {
	EventID   string
	Topic     string
	EventType string
	Source    string
	Timestamp time.Time
	Metadata  metadatapkg.Metadata
	Logger    loggingpkg.ServiceLogger
}

// CloneMetadata returns a copy of the current metadata map so handlers can
// safely mutate headers without touching the original map.
func (b MessageContextBase) CloneMetadata() metadatapkg.Metadata {
	return b.Metadata.Clone()
}

// Get retrieves a metadata value by key.
func (b MessageContextBase) Get(key string) string {
	return b.Metadata[key]
}

// CorrelationID returns the correlation ID from metadata, if present.
func (b MessageContextBase) CorrelationID() string {
	return b.Metadata.CorrelationID()
}

// AggregateType returns the first topic segment.
func (b MessageContextBase) AggregateType() string {
	for i := 0; i < len(b.Topic); i++ {
		if b.Topic[i] == '.' {
			return b.Topic[:i]
		}
	}
	return b.Topic
}
