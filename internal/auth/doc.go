// Package auth provides caller identity for handoff-gateway.
//
// # Identity
//
// Every routing operation runs on behalf of an Identity: a tenant ID and a
// user ID. The identity travels in context.Context:
//
//	ctx = auth.WithIdentity(ctx, auth.Identity{TenantID: "t1", UserID: "u1"})
//	id, ok := auth.FromContext(ctx)
//
// The routing engine trusts this context and performs no authentication
// itself; an absent identity is rejected as unauthenticated.
//
// # JWT Tokens
//
// API clients authenticate with HS256 JWTs signed with the configured
// jwt_secret (at least 32 bytes). Required claims:
//
//   - sub: user ID
//   - tenant_id: tenant the user belongs to
//
// Claims are decoded with mapstructure into the identity.
//
// # HTTP Middleware
//
//	HTTPAuthMiddleware(verifier, logger)
//
// reads "Authorization: Bearer <token>" (or ?access_token= on GET, for
// EventSource clients) and attaches the identity to the request context.
package auth
