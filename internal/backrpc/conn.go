// ABOUTME: One side of a BackRPC stream: serialised sends, liveness and pending requests.
// ABOUTME: Shared by the server (one per peer) and the client (one per dial).

package backrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// SendFunc delivers the outcome of one request. Only the first call counts.
type SendFunc func(result any, err error)

// HandlerFunc consumes one request and must eventually call send.
type HandlerFunc func(ctx context.Context, peer ClientID, method string, params json.RawMessage, send SendFunc)

// conn wraps a stream with request/response correlation.
type conn struct {
	peer   ClientID
	stream frameStream
	logger *slog.Logger

	sendMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *Frame

	lastSeen     atomic.Int64 // unix nanos of the last received frame
	aliveTimeout time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
	timedOut  atomic.Bool
	replaced  atomic.Bool
}

// newConn wraps stream. The connection's context derives from parent, not from
// the stream, so a close reason recorded by close always wins over the
// stream's own cancellation.
func newConn(parent context.Context, peer ClientID, stream frameStream, aliveTimeout time.Duration, now time.Time, logger *slog.Logger) *conn {
	ctx, cancel := context.WithCancel(parent)
	c := &conn{
		peer:         peer,
		stream:       stream,
		logger:       logger,
		pending:      make(map[string]chan *Frame),
		aliveTimeout: aliveTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
	c.touch(now)
	return c
}

// send transmits a frame. gRPC streams do not allow concurrent SendMsg.
func (c *conn) send(f *Frame) error {
	msg, err := encodeFrame(f)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.ctx.Err() != nil {
		return c.err()
	}
	if err := c.stream.SendMsg(msg); err != nil {
		return fmt.Errorf("sending %s frame: %w", f.Type, err)
	}
	return nil
}

func (c *conn) recv() (*Frame, error) {
	return readFrame(c.stream)
}

func readFrame(stream frameStream) (*Frame, error) {
	msg := new(wrapperspb.BytesValue)
	if err := stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return decodeFrame(msg)
}

func (c *conn) touch(now time.Time) {
	c.lastSeen.Store(now.UnixNano())
}

// expired reports whether no frame arrived within the alive-timeout.
func (c *conn) expired(now time.Time) bool {
	if c.aliveTimeout <= 0 {
		return false
	}
	last := time.Unix(0, c.lastSeen.Load())
	return now.Sub(last) > c.aliveTimeout
}

// createRequest registers a new pending request and returns its response channel.
func (c *conn) createRequest(id string) <-chan *Frame {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan *Frame, 1)
	c.pending[id] = ch
	return ch
}

// closeRequest removes the response channel for a request.
func (c *conn) closeRequest(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// handleResponse routes a response frame to the pending request channel.
// Responses for unknown ids are logged and discarded.
func (c *conn) handleResponse(f *Frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("received response for unknown request",
			"request_id", f.ID,
			"peer", c.peer,
		)
		return
	}
	ch <- f
}

// pendingCount returns the number of requests awaiting a response.
func (c *conn) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// call sends a request and waits for its response, the caller's context, or
// the connection closing, whichever comes first.
func (c *conn) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("encoding params for %s: %w", method, err)
	}

	id := uuid.New().String()
	respCh := c.createRequest(id)

	if err := c.send(&Frame{Type: FrameRequest, ID: id, Method: method, Params: raw}); err != nil {
		c.closeRequest(id)
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, fromWireError(resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.closeRequest(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, method)
		}
		return nil, ctx.Err()
	case <-c.ctx.Done():
		c.closeRequest(id)
		return nil, c.err()
	}
}

// push sends an unsolicited event frame.
func (c *conn) push(event string, payload any) error {
	raw, err := marshalParams(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", event, err)
	}
	return c.send(&Frame{Type: FramePush, Event: event, Payload: raw})
}

// serveRequest runs handler for one incoming request and writes the response.
// A panicking handler produces an error response; the connection survives.
// onDone, when set, receives the outcome of writing the response.
func (c *conn) serveRequest(f *Frame, handler HandlerFunc, onDone func(sendErr error)) {
	var once sync.Once
	send := func(result any, err error) {
		once.Do(func() {
			resp := &Frame{Type: FrameResponse, ID: f.ID}
			if err != nil {
				resp.Error = toWireError(err)
			} else {
				raw, mErr := marshalParams(result)
				if mErr != nil {
					resp.Error = &WireError{Code: CodeInternal, Message: fmt.Sprintf("encoding result: %v", mErr)}
				} else {
					resp.Result = raw
				}
			}
			sErr := c.send(resp)
			if sErr != nil {
				c.logger.Debug("dropping response", "request_id", f.ID, "method", f.Method, "error", sErr)
			}
			if onDone != nil {
				onDone(sErr)
			}
		})
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("request handler panicked",
				"method", f.Method,
				"peer", c.peer,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			send(nil, fmt.Errorf("handler panic: %v", r))
		}
	}()

	if handler == nil {
		send(nil, unknownMethod(f.Method))
		return
	}
	handler(c.ctx, c.peer, f.Method, f.Params, send)
}

// close tears the connection down and fails every pending request with err.
func (c *conn) close(err error) {
	c.closeOnce.Do(func() {
		if errors.Is(err, ErrTimeout) {
			c.timedOut.Store(true)
		}
		c.mu.Lock()
		c.closeErr = err
		c.mu.Unlock()
		c.cancel()
	})
}

func (c *conn) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	return ErrConnectionClosed
}

func (c *conn) done() <-chan struct{} {
	return c.ctx.Done()
}
