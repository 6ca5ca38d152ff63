// Package events publishes routing state changes.
//
// The routing engine emits an Event after every committed operation
// (queued, assigned, accepted, resolved, abandoned, expired). Publishing
// happens after the transaction commits, so a failing sink is logged and
// never undoes routing state.
//
// # Sinks
//
//   - Broadcaster: in-process fan-out per tenant, feeds the SSE endpoint
//   - NATSPublisher: subject <prefix>.<tenant>.<type>
//   - AMQPPublisher: topic exchange, routing key <type>.<tenant>
//   - RedisPublisher: PUBLISH <channel>:<tenant>
//   - KafkaPublisher: topic keyed by conversation ID
//   - LogPublisher: slog
//
// Multi combines several sinks. Open builds the external sink named in the
// events section of the configuration.
package events
