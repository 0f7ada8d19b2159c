// Package auth provides authentication for coven-net BackRPC connections.
//
// # Tokens
//
// Agents and clients authenticate with JWT tokens signed with HS256 using the
// configured jwt_secret. A token carries the principal's subject ("sub") and
// role ("role"):
//
//   - agent: may register agents and report containers, and act as a client
//   - client: may query, subscribe and forward requests
//
// Tokens are minted with JWTVerifier.Generate and checked with Verify.
//
// # gRPC Interceptors
//
// The bearer token travels in the "authorization" metadata header of the
// BackRPC stream:
//
//	ctx = auth.OutgoingContext(ctx, token)         // client side
//	grpc.StreamInterceptor(auth.StreamInterceptor(verifier, logger)) // server side
//
// When no secret is configured, NoAuthStreamInterceptor attaches the
// Anonymous principal so handlers can always call MustFromContext.
package auth
