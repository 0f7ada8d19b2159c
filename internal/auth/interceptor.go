// ABOUTME: gRPC stream interceptors authenticating BackRPC connections
// ABOUTME: Extracts a bearer token from metadata and populates context for the stream handler

package auth

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// MetadataKey is the gRPC metadata header carrying the bearer token.
const MetadataKey = "authorization"

// logAuthFailure logs an authentication failure with structured context.
func logAuthFailure(logger *slog.Logger, ctx context.Context, reason string) {
	if logger == nil {
		return
	}
	attrs := []any{"reason", reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		attrs = append(attrs, "peer_addr", p.Addr.String())
	}
	logger.Warn("auth failure", attrs...)
}

// StreamInterceptor returns a gRPC stream interceptor that verifies the bearer
// token of every stream and attaches the resulting principal.
func StreamInterceptor(tokens TokenVerifier, logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		p, err := authenticate(ss.Context(), tokens)
		if err != nil {
			logAuthFailure(logger, ss.Context(), status.Convert(err).Message())
			return err
		}
		return handler(srv, &wrappedServerStream{
			ServerStream: ss,
			ctx:          WithPrincipal(ss.Context(), p),
		})
	}
}

// NoAuthStreamInterceptor returns a gRPC stream interceptor that injects the
// anonymous principal when authentication is disabled.
func NoAuthStreamInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		return handler(srv, &wrappedServerStream{
			ServerStream: ss,
			ctx:          WithPrincipal(ss.Context(), Anonymous),
		})
	}
}

// wrappedServerStream wraps a grpc.ServerStream with a custom context.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

func authenticate(ctx context.Context, tokens TokenVerifier) (Principal, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return Principal{}, status.Error(codes.Unauthenticated, "missing metadata")
	}

	authHeaders := md.Get(MetadataKey)
	if len(authHeaders) == 0 {
		return Principal{}, status.Error(codes.Unauthenticated, "missing authorization header")
	}

	authHeader := authHeaders[0]
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return Principal{}, status.Error(codes.Unauthenticated, "invalid authorization header format")
	}

	p, err := tokens.Verify(strings.TrimPrefix(authHeader, "Bearer "))
	if err != nil {
		return Principal{}, status.Error(codes.Unauthenticated, "invalid or expired token")
	}
	return p, nil
}

// OutgoingContext attaches token as bearer credentials to ctx for a client stream.
// An empty token leaves ctx untouched.
func OutgoingContext(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, MetadataKey, "Bearer "+token)
}
