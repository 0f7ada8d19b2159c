// ABOUTME: Wire frames for the BackRPC protocol and their envelope encoding.
// ABOUTME: Each frame is JSON carried in a protobuf BytesValue on a gRPC stream.

package backrpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ClientID identifies a peer connection. Clients choose their own id and
// announce it in the hello frame.
type ClientID string

// FrameType discriminates frames on the stream.
type FrameType string

const (
	FrameHello    FrameType = "hello"
	FrameWelcome  FrameType = "welcome"
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FramePush     FrameType = "push"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
)

// Frame is a single protocol message. Which fields are set depends on Type:
//
//	hello:    ClientID, AliveTimeout
//	welcome:  ServerID, ClientID
//	request:  ID, Method, Params
//	response: ID, Result | Error
//	push:     Event, Payload
type Frame struct {
	Type FrameType `json:"type"`

	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`

	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	ClientID     ClientID `json:"client_id,omitempty"`
	ServerID     string   `json:"server_id,omitempty"`
	AliveTimeout int      `json:"alive_timeout,omitempty"` // seconds
}

// WireError is the error shape carried in response frames.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func encodeFrame(f *Frame) (*wrapperspb.BytesValue, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", f.Type, err)
	}
	return wrapperspb.Bytes(data), nil
}

func decodeFrame(msg *wrapperspb.BytesValue) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(msg.GetValue(), &f); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("decoding frame: missing type")
	}
	return &f, nil
}

// marshalParams turns an arbitrary value into raw JSON. Raw messages and nil
// pass through untouched.
func marshalParams(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Decode unmarshals raw params or results into v. Empty input leaves v untouched.
func Decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
