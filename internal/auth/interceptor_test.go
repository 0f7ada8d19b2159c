// ABOUTME: Tests for the bearer-token stream interceptors
// ABOUTME: Uses a fake server stream carrying incoming metadata

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type fakeStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (f *fakeStream) Context() context.Context { return f.ctx }

func streamWithAuth(header string) *fakeStream {
	ctx := context.Background()
	if header != "" {
		ctx = metadata.NewIncomingContext(ctx, metadata.Pairs(MetadataKey, header))
	}
	return &fakeStream{ctx: ctx}
}

func runInterceptor(t *testing.T, interceptor grpc.StreamServerInterceptor, ss grpc.ServerStream) (Principal, error) {
	t.Helper()
	var got Principal
	err := interceptor(nil, ss, &grpc.StreamServerInfo{FullMethod: "/backrpc.BackRPC/Connect"}, func(_ any, stream grpc.ServerStream) error {
		got = MustFromContext(stream.Context())
		return nil
	})
	return got, err
}

func TestStreamInterceptor_ValidToken(t *testing.T) {
	verifier, err := NewJWTVerifier(testSecret)
	require.NoError(t, err)
	token, err := verifier.Generate("agent-7", RoleAgent, time.Hour)
	require.NoError(t, err)

	got, err := runInterceptor(t, StreamInterceptor(verifier, nil), streamWithAuth("Bearer "+token))
	require.NoError(t, err)
	assert.Equal(t, Principal{Subject: "agent-7", Role: RoleAgent}, got)
}

func TestStreamInterceptor_Rejects(t *testing.T) {
	verifier, err := NewJWTVerifier(testSecret)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
	}{
		{name: "missing header", header: ""},
		{name: "wrong scheme", header: "Basic abc"},
		{name: "bad token", header: "Bearer nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runInterceptor(t, StreamInterceptor(verifier, nil), streamWithAuth(tt.header))
			require.Error(t, err)
			assert.Equal(t, codes.Unauthenticated, status.Code(err))
		})
	}
}

func TestNoAuthStreamInterceptor_InjectsAnonymous(t *testing.T) {
	got, err := runInterceptor(t, NoAuthStreamInterceptor(), streamWithAuth(""))
	require.NoError(t, err)
	assert.Equal(t, Anonymous, got)
}

func TestOutgoingContext(t *testing.T) {
	ctx := OutgoingContext(context.Background(), "")
	_, ok := metadata.FromOutgoingContext(ctx)
	assert.False(t, ok)

	ctx = OutgoingContext(context.Background(), "tok")
	md, ok := metadata.FromOutgoingContext(ctx)
	require.True(t, ok)
	assert.Equal(t, []string{"Bearer tok"}, md.Get(MetadataKey))
}
