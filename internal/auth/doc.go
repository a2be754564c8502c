// Package auth provides tenant-scoped authentication for the gateway API.
//
// # Tokens
//
// Clients authenticate with JWT tokens signed with HS256 using the
// configured jwt_secret. Claims:
//
//   - sub: user identifier within the tenant
//   - tid: numeric tenant ID, scoping every API operation
//   - exp/iat: standard expiry handling
//
// # Request Flow
//
// Middleware verifies the bearer token (or, for EventSource connections
// that cannot set headers, a token query parameter), then attaches the
// Identity to the request context:
//
//	id := auth.MustFromContext(r.Context())
//	id.TenantID // scopes all store and session access
//
// Handlers never read tenant IDs from the URL or body; the token is the
// only source of tenant scope.
package auth
