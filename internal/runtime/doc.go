/*
Package runtime implements the orchestration core behind baton.

# Architecture Overview

The runtime package wires service discovery, protected outbound calls, saga
coordination, and event distribution into one Core. Outbound traffic flows
registry -> breaker -> dispatcher; inbound events flow bridge -> bus ->
subscriptions and router.

# Package Structure

## Core (service.go, opsserver.go)

The Core struct owns the shared subsystem instances and their lifecycle:
  - Service registry with background health probes
  - Circuit breaker registry guarding every dispatch target
  - Dispatcher for outbound HTTP with retries and backoff
  - Saga orchestrator with compensation and lifecycle events
  - Event bus with per-subscription worker queues
  - Event router with per-target dead letter queues
  - Broker bridge pumped into the bus (bridges.go)
  - Ops HTTP API for introspection (opsserver.go)

## Subscriptions (eventbus.go, registration_json.go, registration_proto.go)

Subscribe attaches raw EventHandler funcs; SubscribeJSON and SubscribeProto
decode the payload into a typed value first. Every subscription gets its own
bounded queue and worker goroutine, so one slow consumer cannot stall the
others.

## Middleware (middleware.go)

Deliveries pass through a composable chain:
  - CorrelationID: stamps missing correlation identifiers
  - LogEvents: debug logging of deliveries
  - Tracer: OpenTelemetry spans around handler execution
  - Metrics: handler duration histograms
  - Retry: opt-in exponential backoff steered by the events sentinels
  - Recoverer: panic recovery closest to the handler

## Sagas (saga.go, saga_models.go, saga_store.go, hooks.go)

ExecuteSaga runs steps sequentially against the dispatcher or in-process
actions, threading a shared context through them. A failed required step
unwinds completed steps in reverse order. Step hooks observe execution;
lifecycle events are published to the bus.

## Routing (eventrouter.go, dlq_metrics.go)

The router forwards events to their consuming services by aggregate type.
Failed deliveries park in a per-target DLQ that RetryDLQ drains in FIFO
order.

## Stats & Monitoring (models.go, resources.go)

Per-target dispatch statistics: latency percentiles, throughput, error
categories, and process resource samples.

# Sub-packages

  - config/: core configuration with validation
  - errors/: sentinel errors and error types
  - events/: event envelope, topic patterns, handler outcome errors
  - handlers/: typed handler contexts and building
  - ids/: ULID generation for event and execution IDs
  - jsoncodec/: JSON codec used for envelopes and payloads
  - logging/: logger interface and adapters
  - metadata/: event metadata utilities

# Usage Example

	cfg := &baton.Config{
		ServiceName:  "checkout",
		BridgeSystem: "kafka",
		KafkaBrokers: []string{"localhost:9092"},
	}

	core := baton.NewCore(cfg, logger, ctx, baton.Dependencies{})

	baton.SubscribeJSON(core.Bus(), "order.*", func(ctx context.Context, evt baton.JSONEventContext[*OrderPlaced]) error {
		return processOrder(ctx, evt.Payload)
	})

	core.Start(ctx)
*/
package runtime
