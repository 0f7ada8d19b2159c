// ABOUTME: Tests for method dispatch and wire error mapping.
// ABOUTME: Runs handlers directly without a network stream.

package backrpc

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveDirect(m *Mux, method string, params any) (any, error) {
	raw, _ := marshalParams(params)
	var (
		result any
		err    error
	)
	m.Serve(context.Background(), "peer", method, raw, func(r any, e error) {
		result, err = r, e
	})
	return result, err
}

func TestMux_Dispatch(t *testing.T) {
	m := NewMux()
	m.Handle("b.echo", func(_ context.Context, peer ClientID, params json.RawMessage) (any, error) {
		return string(peer) + ":" + string(params), nil
	})
	m.HandleAsync("a.later", func(_ context.Context, _ ClientID, method string, _ json.RawMessage, send SendFunc) {
		send(method, nil)
	})

	assert.Equal(t, []string{"a.later", "b.echo"}, m.Methods())

	got, err := serveDirect(m, "b.echo", 7)
	require.NoError(t, err)
	assert.Equal(t, "peer:7", got)

	got, err = serveDirect(m, "a.later", nil)
	require.NoError(t, err)
	assert.Equal(t, "a.later", got)

	_, err = serveDirect(m, "c.missing", nil)
	assert.ErrorIs(t, err, ErrUnknownMethod)
}

func TestWireErrors_RoundTripSentinels(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{unknownMethod("x"), ErrUnknownMethod},
		{ErrTimeout, ErrTimeout},
		{ErrConnectionClosed, ErrConnectionClosed},
		{ErrClientNotFound, ErrClientNotFound},
		{ErrUnauthenticated, ErrUnauthenticated},
	}
	for _, tt := range tests {
		back := fromWireError(toWireError(tt.err))
		assert.True(t, errors.Is(back, tt.want), "%v should map back to %v", tt.err, tt.want)
	}

	plain := fromWireError(toWireError(errors.New("boom")))
	var coded *Error
	require.ErrorAs(t, plain, &coded)
	assert.Equal(t, CodeInternal, coded.Code)
	assert.Equal(t, "boom", coded.Message)
}

func TestDecodeFrame_RejectsMissingType(t *testing.T) {
	msg, err := encodeFrame(&Frame{})
	require.NoError(t, err)
	_, err = decodeFrame(msg)
	assert.Error(t, err)
}
