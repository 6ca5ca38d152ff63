// Package routing moves conversations from the bot to human operators.
//
// # Overview
//
// The Engine sits between the HTTP handlers and the store. It owns the
// conversation lifecycle, the per-tenant queue, operator selection and the
// transfer audit trail:
//
//	engine := routing.New(store, routing.Options{Publisher: broadcaster})
//
// Every public operation reads the caller from the context (see
// auth.WithIdentity) and only touches that tenant's entities.
//
// # Lifecycle
//
//	bot -> waiting -> assigned -> active -> resolved
//	bot -> assigned (capacity available at request time)
//	waiting -> active (operator picks from the queue)
//	assigned -> waiting (transfer expired)
//	any open status -> resolved (abandoned)
//
// resolved is terminal. An operator ID is set exactly while a conversation is
// assigned or active, and an operator's load is the number of such
// conversations it holds.
//
// # Operations
//
//   - RequestHandoff: assign to the least loaded operator or queue
//   - Accept: operator takes the conversation; idempotent for the same operator
//   - Resolve: close with an optional 1-5 rating
//   - Drain: assign queued conversations while operators have room
//   - ForceAssign: assign to a named operator, ErrCapacity when full
//   - Abandon: close a conversation the visitor left
//   - ExpireStaleTransfers: return unanswered assignments to the queue
//
// # Concurrency
//
// Each operation is one Store.Atomic unit. Status changes are compare-and-set
// writes that only succeed while the stored status is still the one that was
// read, and assignments check operator capacity in the same statement. Losing
// a race returns a StateError or moves on to the next candidate; it never
// over-assigns an operator.
//
// # Events
//
// Routing events are published after the unit of work commits. A failed
// publish is logged and does not undo the change.
package routing
