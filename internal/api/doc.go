// Package api serves the routing engine over HTTP.
//
// # Authentication
//
// Every /api route requires a bearer JWT whose claims carry tenant_id and
// sub. The middleware passed to Register attaches the resulting identity;
// handlers never take a tenant from the request itself. EventSource clients
// may pass the token as ?access_token= on GET requests.
//
// # Routes
//
//	POST /api/conversations                  start (Idempotency-Key honoured)
//	GET  /api/conversations/{id}
//	POST /api/conversations/{id}/messages
//	GET  /api/conversations/{id}/messages    ?limit=N&format=json|html
//	POST /api/conversations/{id}/handoff
//	POST /api/conversations/{id}/accept
//	POST /api/conversations/{id}/resolve
//	POST /api/conversations/{id}/abandon
//	POST /api/conversations/{id}/assign
//	GET  /api/conversations/{id}/transfers
//	GET  /api/queue
//	POST /api/queue/drain
//	GET  /api/operators
//	GET  /api/operators/available
//	PUT  /api/operators/me
//	POST /api/operators/{id}/status
//	GET  /api/operators/{id}/stats
//	GET  /api/events                         text/event-stream
//	GET  /health
//	GET  /health/ready
//
// # Errors
//
// Failures return {"error": "...", "code": "..."}:
//
//	unauthenticated   401
//	tenant_mismatch   403
//	not_found         404
//	invalid_argument  400
//	invalid_state     409
//	capacity          409
//	internal          500
package api
