// ABOUTME: Client SDK for locating containers through the registry and reaching them directly.
// ABOUTME: Wraps one BackRPC connection to the registry plus one per container handle.

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-net/internal/backrpc"
	"github.com/2389/coven-net/internal/network"
	"github.com/2389/coven-net/internal/tick"
)

// DefaultAddress is where the registry listens unless configured otherwise.
const DefaultAddress = "localhost:3737"

// Environment variables consulted for defaults.
const (
	EnvAddress      = "COVEN_NET_ADDR"
	EnvAliveTimeout = "COVEN_NET_ALIVE_TIMEOUT"
	EnvEnvironment  = "COVEN_NET_ENV"
)

// Alive-timeouts by environment. Development keeps sessions across long
// debugger pauses; production notices dead peers quickly.
const (
	DevelopmentAliveTimeout = time.Hour
	ProductionAliveTimeout  = 10 * time.Second
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("client closed")

// releaseTimeout bounds the release sent when a handle closes.
const releaseTimeout = 5 * time.Second

// DefaultAliveTimeout returns COVEN_NET_ALIVE_TIMEOUT when set (a Go duration
// or whole seconds), otherwise the default for COVEN_NET_ENV.
func DefaultAliveTimeout() time.Duration {
	if v := strings.TrimSpace(os.Getenv(EnvAliveTimeout)); v != "" {
		if d, err := ParseTimeout(v); err == nil && d > 0 {
			return d
		}
	}
	if strings.EqualFold(os.Getenv(EnvEnvironment), "production") {
		return ProductionAliveTimeout
	}
	return DevelopmentAliveTimeout
}

// ParseTimeout accepts a Go duration ("90s", "2m") or a number of seconds.
func ParseTimeout(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", s, err)
	}
	return d, nil
}

// Config configures a Client.
type Config struct {
	// Address of the registry. Defaults to COVEN_NET_ADDR, then DefaultAddress.
	Address string

	// ID identifies this client to the registry and to containers.
	ID network.ClientUUID

	Token        string
	AliveTimeout time.Duration

	TickManager *tick.Manager
	Logger      *slog.Logger
}

// Client talks to one registry.
type Client struct {
	cfg    Config
	logger *slog.Logger

	tm     *tick.Manager
	ownsTM bool

	rpc *backrpc.Client

	mu      sync.Mutex
	subs    map[string]*Subscription
	handles map[*Handle]struct{}
	closed  bool
}

// New starts connecting to the registry. Calls made before the connection is
// up wait for it; WaitConnection makes the wait explicit.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = os.Getenv(EnvAddress)
	}
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if cfg.ID == "" {
		cfg.ID = network.ClientUUID(uuid.New().String())
	}
	if cfg.AliveTimeout <= 0 {
		cfg.AliveTimeout = DefaultAliveTimeout()
	}

	c := &Client{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "network-client", "client_id", cfg.ID),
		tm:      cfg.TickManager,
		subs:    make(map[string]*Subscription),
		handles: make(map[*Handle]struct{}),
	}
	if c.tm == nil {
		c.tm = tick.New(tick.WithLogger(cfg.Logger))
		c.tm.Start(context.Background())
		c.ownsTM = true
	}

	rpc, err := backrpc.Dial(cfg.Address, backrpc.ClientConfig{
		ID:           backrpc.ClientID(cfg.ID),
		Token:        cfg.Token,
		OnEvent:      c.onEvent,
		OnClose:      c.onClose,
		TickManager:  c.tm,
		AliveTimeout: cfg.AliveTimeout,
		Logger:       cfg.Logger,
	})
	if err != nil {
		if c.ownsTM {
			c.tm.Stop()
		}
		return nil, fmt.Errorf("dialing registry: %w", err)
	}
	c.rpc = rpc
	return c, nil
}

// ID returns the client's uuid.
func (c *Client) ID() network.ClientUUID {
	return c.cfg.ID
}

// WaitConnection blocks until the registry handshake completes.
func (c *Client) WaitConnection(ctx context.Context) error {
	return c.rpc.WaitConnection(ctx)
}

// Done is closed when the registry connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.rpc.Done()
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	if c.isClosed() {
		return ErrClosed
	}
	raw, err := c.rpc.Request(ctx, method, params)
	if err != nil {
		return network.FromWire(err)
	}
	if out == nil {
		return nil
	}
	if err := backrpc.Decode(raw, out); err != nil {
		return fmt.Errorf("decoding %s result: %w", method, err)
	}
	return nil
}

// Find resolves a container record without connecting to it. The call waits
// while the registry has no match, bounded by opts.Timeout on the registry
// side and by ctx here.
func (c *Client) Find(ctx context.Context, kind network.ContainerKind, opts network.GetOptions) (network.ContainerRecord, error) {
	var rec network.ContainerRecord
	err := c.call(ctx, network.MethodGet, network.GetParams{Kind: kind, Options: opts}, &rec)
	return rec, err
}

// Get resolves a container and returns a handle to it. The direct connection
// is opened on first use.
func (c *Client) Get(ctx context.Context, kind network.ContainerKind, opts network.GetOptions) (*Handle, error) {
	rec, err := c.Find(ctx, kind, opts)
	if err != nil {
		return nil, err
	}
	if rec.Endpoint == nil {
		return nil, fmt.Errorf("%w: %s has no endpoint", network.ErrInvalidRecord, rec.UUID)
	}

	h := &Handle{client: c, rec: rec}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.handles[h] = struct{}{}
	c.mu.Unlock()
	return h, nil
}

// Release tells the registry this client no longer uses a container.
func (c *Client) Release(ctx context.Context, id network.ContainerUUID) error {
	return c.call(ctx, network.MethodRelease, network.UUIDParams{UUID: id}, nil)
}

// Agents lists the registered agents.
func (c *Client) Agents(ctx context.Context) ([]network.AgentInfo, error) {
	var out []network.AgentInfo
	err := c.call(ctx, network.MethodAgents, nil, &out)
	return out, err
}

// Kinds lists the kinds some agent can start on demand.
func (c *Client) Kinds(ctx context.Context) ([]network.ContainerKind, error) {
	var out []network.ContainerKind
	err := c.call(ctx, network.MethodKinds, nil, &out)
	return out, err
}

// List returns the containers of kind, or all of them for an empty kind.
func (c *Client) List(ctx context.Context, kind network.ContainerKind) ([]network.ContainerRecord, error) {
	var out []network.ContainerRecord
	err := c.call(ctx, network.MethodList, network.ListParams{Kind: kind}, &out)
	return out, err
}

// Request runs a control-plane operation through the registry and the
// container's agent.
func (c *Client) Request(ctx context.Context, id network.ContainerUUID, operation string, data any) (json.RawMessage, error) {
	raw, err := marshal(data)
	if err != nil {
		return nil, err
	}
	var out json.RawMessage
	err = c.call(ctx, network.MethodRequest, network.RequestParams{UUID: id, Operation: operation, Data: raw}, &out)
	return out, err
}

// Terminate asks the registry to stop a container.
func (c *Client) Terminate(ctx context.Context, id network.ContainerUUID) error {
	return c.call(ctx, network.MethodTerminate, network.UUIDParams{UUID: id}, nil)
}

// Close closes every handle and subscription, then the registry connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	handles := make([]*Handle, 0, len(c.handles))
	for h := range c.handles {
		handles = append(handles, h)
	}
	clear(c.handles)
	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	clear(c.subs)
	c.mu.Unlock()

	for _, h := range handles {
		h.closeConn()
	}
	for _, s := range subs {
		s.finish(false)
	}

	err := c.rpc.Close()
	if c.ownsTM {
		c.tm.Stop()
	}
	return err
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) forget(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handles, h)
}

func (c *Client) onEvent(event string, payload json.RawMessage) {
	if event != network.PushUpdate {
		c.logger.Debug("ignoring registry push", "event", event)
		return
	}
	var u network.Update
	if err := json.Unmarshal(payload, &u); err != nil {
		c.logger.Warn("decoding update", "error", err)
		return
	}

	c.mu.Lock()
	s, ok := c.subs[u.Ref]
	c.mu.Unlock()
	if !ok {
		return
	}
	s.deliver(u)
}

// onClose ends every subscription when the registry connection goes away.
func (c *Client) onClose(timeout bool) {
	c.logger.Info("registry connection closed", "timeout", timeout)

	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	clear(c.subs)
	c.mu.Unlock()

	for _, s := range subs {
		s.finish(false)
	}
}

func marshal(v any) (json.RawMessage, error) {
	switch d := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return d, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding request data: %w", err)
	}
	return raw, nil
}
