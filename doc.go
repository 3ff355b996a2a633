// Package baton is a cross-service orchestration core for event-driven
// meshes. It tracks the services of a deployment in a health-probed
// registry, shields outbound HTTP calls behind per-target circuit breakers
// with retries and backoff, coordinates multi-step workflows as sagas with
// reverse-order compensation, and distributes events through an in-process
// bus with pattern subscriptions, bounded per-subscription queues, and a
// middleware chain for correlation IDs, logging, tracing, metrics, and
// panic recovery.
//
// A Core wires all of it together: fill a Config, call NewCore, register
// services and subscriptions, and call Start. Start runs the health probes,
// the broker bridge, the router bindings, and the ops HTTP API until the
// context is cancelled.
//
// # Bridges
//
// The bus can mirror into and ingest from an external broker. Supported
// backends live under bridge/ and register themselves on import:
//   - channel: in-memory Go channels for testing
//   - kafka: consumer-group streaming
//   - nats: core NATS pub/sub
//   - jetstream: NATS JetStream with durable consumers
//   - rabbitmq: AMQP durable pub/sub
//   - aws: SNS/SQS with LocalStack support
//   - httpingest: HTTP endpoint that feeds posted envelopes into the bus
//
// Select one with Config.BridgeSystem, or import the backend package
// directly and register a custom builder.
//
// # Routing and dead letters
//
// The event router forwards events to their consuming services by aggregate
// type. Deliveries that keep failing park in a per-target dead letter queue
// which RetryDLQ drains in arrival order; DLQ depth and drain counts are
// exported as Prometheus metrics alongside dispatch, bus, breaker, and saga
// collectors.
//
// # Sagas
//
// ExecuteSaga runs the definition's steps in order, threading a shared
// context between them. Steps either dispatch to a registered service or
// run an in-process action. When a required step fails, completed steps are
// compensated in reverse order, and the execution record keeps the full
// step-by-step trace. Lifecycle events for started, completed, failed, and
// compensated executions are published on the bus.
//
// Dependencies exposes well-scoped seams when the defaults are not enough:
// bring your own HTTP client, subscription middlewares, saga step hooks,
// Prometheus registerer, or an entire bridge factory.
package baton
