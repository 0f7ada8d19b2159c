// ABOUTME: BackRPC client: dials a server, performs the handshake and keeps the peer alive.
// ABOUTME: Serves server-to-client requests and delivers pushes; never reconnects on its own.

package backrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/2389/coven-net/internal/auth"
	"github.com/2389/coven-net/internal/tick"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// ID is announced in the hello frame. Empty lets the server assign one.
	ID ClientID

	// Token is sent as a bearer token when the server requires authentication.
	Token string

	// Handler serves requests issued by the server.
	Handler HandlerFunc

	// OnEvent receives push frames from the server.
	OnEvent func(event string, payload json.RawMessage)

	// OnClose runs once when an established connection ends; timeout reports
	// whether the server was declared dead.
	OnClose func(timeout bool)

	TickManager     *tick.Manager
	AliveTimeout    time.Duration
	MaxMessageBytes int
	Logger          *slog.Logger
	DialOptions     []grpc.DialOption
}

// Client is the dialing half of BackRPC.
type Client struct {
	cfg    ClientConfig
	addr   string
	logger *slog.Logger

	tm     *tick.Manager
	ownsTM bool

	cc     *grpc.ClientConn
	ctx    context.Context
	cancel context.CancelFunc

	ready     chan struct{}
	readyOnce sync.Once
	finished  chan struct{}

	mu       sync.Mutex
	conn     *conn
	connErr  error
	id       ClientID
	serverID string

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Dial starts connecting to addr in the background. The connection attempt
// waits for the server to become reachable; use WaitConnection to block
// until the handshake completes.
func Dial(addr string, cfg ClientConfig) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AliveTimeout <= 0 {
		cfg.AliveTimeout = DefaultAliveTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(cfg.MaxMessageBytes),
			grpc.MaxCallSendMsgSize(cfg.MaxMessageBytes),
		),
	}
	opts = append(opts, cfg.DialOptions...)

	cc, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		addr:     addr,
		logger:   cfg.Logger.With("component", "backrpc-client", "addr", addr),
		tm:       cfg.TickManager,
		cc:       cc,
		ctx:      ctx,
		cancel:   cancel,
		ready:    make(chan struct{}),
		finished: make(chan struct{}),
		id:       cfg.ID,
	}
	if c.tm == nil {
		c.tm = tick.New(tick.WithLogger(cfg.Logger))
		c.tm.Start(context.Background())
		c.ownsTM = true
	}

	c.wg.Add(1)
	go c.run()
	return c, nil
}

// ID returns the client id, which is the server-assigned one when none was
// configured and the handshake has completed.
func (c *Client) ID() ClientID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// ServerID returns the id announced by the server, empty before the handshake.
func (c *Client) ServerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverID
}

// WaitConnection blocks until the handshake completes, fails, or ctx ends.
// A ctx deadline surfaces as ErrTimeout.
func (c *Client) WaitConnection(ctx context.Context) error {
	select {
	case <-c.ready:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: waiting for connection to %s", ErrTimeout, c.addr)
		}
		return ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connErr != nil {
		return c.connErr
	}
	select {
	case <-c.conn.done():
		return c.conn.err()
	default:
		return nil
	}
}

// WaitConnectionTimeout is WaitConnection bounded by d.
func (c *Client) WaitConnectionTimeout(d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return c.WaitConnection(ctx)
}

// Request waits for the handshake, then sends a request and waits for its
// response.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := c.WaitConnection(ctx); err != nil {
		return nil, err
	}
	return c.active().call(ctx, method, params)
}

// Push sends an event frame to the server.
func (c *Client) Push(event string, payload any) error {
	cn := c.active()
	if cn == nil {
		return ErrNotConnected
	}
	return cn.push(event, payload)
}

// Done is closed when the connection has ended or failed to establish.
func (c *Client) Done() <-chan struct{} {
	return c.finished
}

// Close ends the connection and releases its resources. Safe to call
// repeatedly.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		err = c.cc.Close()
		if c.ownsTM {
			c.tm.Stop()
		}
	})
	return err
}

func (c *Client) active() *conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	c.connErr = err
	c.mu.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })
}

// run owns the stream: handshake, tick tasks, and the read loop.
func (c *Client) run() {
	defer c.wg.Done()
	defer close(c.finished)

	streamCtx, streamCancel := context.WithCancel(auth.OutgoingContext(c.ctx, c.cfg.Token))
	defer streamCancel()

	stream, err := c.cc.NewStream(streamCtx, &serviceDesc.Streams[0], connectMethod, grpc.WaitForReady(true))
	if err != nil {
		c.fail(closeReason(err))
		return
	}

	cn := newConn(c.ctx, "server", stream, c.cfg.AliveTimeout, c.tm.Now(), c.logger)
	hello := &Frame{
		Type:         FrameHello,
		ClientID:     c.cfg.ID,
		AliveTimeout: int(c.cfg.AliveTimeout / time.Second),
	}
	if err := cn.send(hello); err != nil {
		if errors.Is(err, io.EOF) {
			// The stream already ended; the status is only visible to RecvMsg.
			_, err = cn.recv()
		}
		c.fail(closeReason(err))
		return
	}

	welcome, err := cn.recv()
	if err != nil {
		c.fail(closeReason(err))
		return
	}
	if welcome.Type != FrameWelcome {
		c.fail(fmt.Errorf("%w: expected welcome frame, got %s", ErrConnectionClosed, welcome.Type))
		return
	}
	cn.touch(c.tm.Now())

	c.mu.Lock()
	c.conn = cn
	c.id = welcome.ClientID
	c.serverID = welcome.ServerID
	c.mu.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })
	c.logger.Debug("connected", "client_id", welcome.ClientID, "server_id", welcome.ServerID)

	pingEvery := c.cfg.AliveTimeout / 3
	stopPing := c.tm.Register("backrpc-client-ping", pingEvery, func(context.Context) error {
		return cn.send(&Frame{Type: FramePing})
	})
	stopSweep := c.tm.Register("backrpc-client-sweep", c.tm.Resolution(), func(context.Context) error {
		if cn.expired(c.tm.Now()) {
			c.logger.Warn("server alive timeout", "alive_timeout", cn.aliveTimeout)
			cn.close(fmt.Errorf("%w: no traffic from server within %s", ErrTimeout, cn.aliveTimeout))
		}
		return nil
	})

	var loop sync.WaitGroup
	loop.Add(1)
	go func() {
		defer loop.Done()
		c.readLoop(cn)
	}()

	select {
	case <-cn.done():
	case <-c.ctx.Done():
		cn.close(ErrConnectionClosed)
	}
	stopPing()
	stopSweep()
	streamCancel()
	loop.Wait()

	timedOut := cn.timedOut.Load()
	c.logger.Debug("disconnected", "timeout", timedOut)
	if c.cfg.OnClose != nil {
		c.cfg.OnClose(timedOut)
	}
}

func (c *Client) readLoop(cn *conn) {
	var handlers sync.WaitGroup
	defer handlers.Wait()

	for {
		f, err := cn.recv()
		if err != nil {
			cn.close(closeReason(err))
			return
		}
		cn.touch(c.tm.Now())

		switch f.Type {
		case FramePing:
			if err := cn.send(&Frame{Type: FramePong, ID: f.ID}); err != nil {
				c.logger.Debug("sending pong", "error", err)
			}

		case FramePong:

		case FrameRequest:
			handlers.Add(1)
			go func(f *Frame) {
				defer handlers.Done()
				cn.serveRequest(f, c.cfg.Handler, nil)
			}(f)

		case FrameResponse:
			cn.handleResponse(f)

		case FramePush:
			if c.cfg.OnEvent != nil {
				c.cfg.OnEvent(f.Event, f.Payload)
			}

		default:
			c.logger.Warn("received unexpected frame", "type", f.Type)
		}
	}
}
