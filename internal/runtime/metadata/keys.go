package metadata

// Reserved metadata keys used throughout baton. These keys are stamped by the
// core and should not be overwritten by custom metadata.
const (
	// KeyCorrelationID tracks related messages and saga executions across
	// services.
	KeyCorrelationID = "correlation_id"

	// KeyEventID carries the originating event identifier.
	KeyEventID = "baton_event_id"

	// KeyTopic carries the event topic for bridge round trips.
	KeyTopic = "baton_topic"

	// KeyEventType identifies the domain event type.
	KeyEventType = "baton_event_type"

	// KeySourceService names the service that published the event.
	KeySourceService = "baton_source_service"

	// KeyPublishedAt records when the event entered the bus.
	KeyPublishedAt = "baton_published_at"

	// KeySubscription names the subscription a message is dispatched to.
	KeySubscription = "baton_subscription"

	// KeyPayloadSchema identifies the typed payload schema, when one is known.
	KeyPayloadSchema = "baton_payload_schema"

	// KeyBridged marks events that entered through a broker bridge. The bus
	// skips mirroring them back out to avoid echo loops.
	KeyBridged = "baton_bridged"
)
