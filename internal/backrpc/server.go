// ABOUTME: BackRPC server: accepts peer streams, routes requests, and sweeps dead peers.
// ABOUTME: Also issues server-to-client requests and pushes over the same streams.

package backrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/2389/coven-net/internal/auth"
	"github.com/2389/coven-net/internal/dedupe"
	"github.com/2389/coven-net/internal/tick"
)

const (
	// DefaultAliveTimeout applies when neither side configures one.
	DefaultAliveTimeout = 30 * time.Second

	// DefaultMaxMessageBytes bounds a single frame.
	DefaultMaxMessageBytes = 4 << 20

	dedupeTTL     = time.Minute
	dedupeMaxSize = 10000
)

// ServerConfig configures a Server.
type ServerConfig struct {
	Host string
	Port int // 0 picks a free port

	// Listener, when set, is used instead of binding Host:Port.
	Listener net.Listener

	ServerID string
	Handler  HandlerFunc

	// OnConnect runs after the handshake and before any request from the
	// peer is read. ctx carries the peer's auth.Principal and ends with the
	// connection.
	OnConnect func(ctx context.Context, peer ClientID)

	// OnDisconnect runs once per connection; timeout reports whether the peer
	// was declared dead. It does not run for a connection replaced by a newer
	// one with the same id.
	OnDisconnect func(peer ClientID, timeout bool)

	// OnEvent receives push frames sent by peers.
	OnEvent func(ctx context.Context, peer ClientID, event string, payload json.RawMessage)

	TickManager     *tick.Manager
	AliveTimeout    time.Duration
	MaxMessageBytes int

	// Verifier enables bearer-token authentication of every stream.
	Verifier auth.TokenVerifier

	Logger *slog.Logger
}

// Server is the listening half of BackRPC.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger

	tm     *tick.Manager
	ownsTM bool

	grpcServer *grpc.Server
	listener   net.Listener

	mu    sync.RWMutex
	conns map[ClientID]*conn

	dedupe    *dedupe.Cache
	stats     counters
	stopSweep func()

	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewServer creates a server. Nothing is bound until Listen, Start or Serve.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AliveTimeout <= 0 {
		cfg.AliveTimeout = DefaultAliveTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.ServerID == "" {
		cfg.ServerID = uuid.New().String()
	}

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "backrpc-server"),
		tm:     cfg.TickManager,
		conns:  make(map[ClientID]*conn),
	}
	if s.tm == nil {
		s.tm = tick.New(tick.WithLogger(cfg.Logger))
		s.tm.Start(context.Background())
		s.ownsTM = true
	}

	interceptor := auth.NoAuthStreamInterceptor()
	if cfg.Verifier != nil {
		interceptor = auth.StreamInterceptor(cfg.Verifier, s.logger)
	}

	s.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(cfg.MaxMessageBytes),
		grpc.MaxSendMsgSize(cfg.MaxMessageBytes),
		grpc.ChainStreamInterceptor(interceptor),
		grpc.WaitForHandlers(true),
	)
	s.grpcServer.RegisterService(&serviceDesc, &grpcService{server: s})

	s.dedupe = dedupe.New(s.tm, dedupeTTL, dedupeMaxSize)
	s.stopSweep = s.tm.Register("backrpc-server-sweep", s.tm.Resolution(), s.sweep)
	return s
}

// ID returns the id announced to peers in the welcome frame.
func (s *Server) ID() string {
	return s.cfg.ServerID
}

// Listen binds the configured address. It is a no-op once bound.
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}
	if s.cfg.Listener != nil {
		s.listener = s.cfg.Listener
		return nil
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = lis
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Port returns the bound port, which is the OS-assigned one when configured
// with port 0.
func (s *Server) Port() int {
	addr := s.Addr()
	if addr == nil {
		return 0
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(port)
	return p
}

// Start binds and serves in the background until Close.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.grpcServer.Serve(s.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("backrpc server stopped", "error", err)
		}
	}()
	s.logger.Info("backrpc server listening", "addr", s.listener.Addr().String())
	return nil
}

// Serve binds and serves until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.logger.Info("backrpc server listening", "addr", s.listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpcServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		s.Close()
		<-errCh
		return nil
	case err := <-errCh:
		s.Close()
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("serving backrpc: %w", err)
		}
		return nil
	}
}

// Close disconnects every peer and stops the server. Safe to call repeatedly.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.stopSweep()

		s.mu.RLock()
		for _, c := range s.conns {
			c.close(ErrConnectionClosed)
		}
		s.mu.RUnlock()

		s.grpcServer.Stop()
		s.wg.Wait()
		s.dedupe.Close()

		if s.ownsTM {
			s.tm.Stop()
		}
		s.logger.Info("backrpc server closed")
	})
}

// Request sends a request to a connected peer and waits for its response.
func (s *Server) Request(ctx context.Context, peer ClientID, method string, params any) (json.RawMessage, error) {
	c := s.conn(peer)
	if c == nil {
		return nil, fmt.Errorf("%w: client %s not found", ErrClientNotFound, peer)
	}
	s.stats.backRequests.Add(1)
	return c.call(ctx, method, params)
}

// Push sends an event frame to a connected peer.
func (s *Server) Push(peer ClientID, event string, payload any) error {
	c := s.conn(peer)
	if c == nil {
		return fmt.Errorf("%w: client %s not found", ErrClientNotFound, peer)
	}
	if err := c.push(event, payload); err != nil {
		return err
	}
	s.stats.pushes.Add(1)
	return nil
}

// Disconnect closes the connection of peer, if any.
func (s *Server) Disconnect(peer ClientID) {
	if c := s.conn(peer); c != nil {
		c.close(ErrConnectionClosed)
	}
}

// Connected reports whether peer currently has a connection.
func (s *Server) Connected(peer ClientID) bool {
	return s.conn(peer) != nil
}

// Clients lists the connected peers in order.
func (s *Server) Clients() []ClientID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]ClientID, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Stats returns a snapshot of the traffic counters.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	connected := len(s.conns)
	s.mu.RUnlock()
	return s.stats.snapshot(connected)
}

func (s *Server) conn(peer ClientID) *conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[peer]
}

// serveStream runs one peer connection for the lifetime of its stream.
func (s *Server) serveStream(stream grpc.ServerStream) error {
	if s.closed.Load() {
		return status.Error(codes.Unavailable, "server closing")
	}

	hello, err := readFrame(stream)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return status.Errorf(codes.InvalidArgument, "reading hello: %v", err)
	}
	if hello.Type != FrameHello {
		return status.Errorf(codes.InvalidArgument, "expected hello frame, got %s", hello.Type)
	}

	peer := hello.ClientID
	if peer == "" {
		peer = ClientID(uuid.New().String())
	}
	aliveTimeout := s.cfg.AliveTimeout
	if hello.AliveTimeout > 0 {
		aliveTimeout = time.Duration(hello.AliveTimeout) * time.Second
	}

	c := newConn(stream.Context(), peer, stream, aliveTimeout, s.tm.Now(), s.logger.With("peer", peer))

	s.mu.Lock()
	if old, ok := s.conns[peer]; ok {
		s.logger.Info("peer reconnected, replacing previous connection", "peer", peer)
		old.replaced.Store(true)
		old.close(ErrConnectionClosed)
	}
	s.conns[peer] = c
	s.mu.Unlock()

	welcome := &Frame{
		Type:         FrameWelcome,
		ClientID:     peer,
		ServerID:     s.cfg.ServerID,
		AliveTimeout: int(aliveTimeout / time.Second),
	}
	if err := c.send(welcome); err != nil {
		s.remove(c)
		c.close(ErrConnectionClosed)
		return status.Errorf(codes.Internal, "sending welcome: %v", err)
	}

	s.logger.Info("peer connected", "peer", peer, "alive_timeout", aliveTimeout)
	if s.cfg.OnConnect != nil {
		s.cfg.OnConnect(c.ctx, peer)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop(c)
	}()

	<-c.done()
	s.remove(c)

	timedOut := c.timedOut.Load()
	if !c.replaced.Load() {
		s.logger.Info("peer disconnected", "peer", peer, "timeout", timedOut)
		if s.cfg.OnDisconnect != nil {
			s.cfg.OnDisconnect(peer, timedOut)
		}
	}

	if timedOut {
		return status.Error(codes.DeadlineExceeded, c.err().Error())
	}
	return nil
}

func (s *Server) remove(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[c.peer] == c {
		delete(s.conns, c.peer)
	}
}

// readLoop consumes frames until the stream fails.
func (s *Server) readLoop(c *conn) {
	for {
		f, err := c.recv()
		if err != nil {
			c.close(closeReason(err))
			return
		}
		c.touch(s.tm.Now())

		switch f.Type {
		case FramePing:
			if err := c.send(&Frame{Type: FramePong, ID: f.ID}); err != nil {
				c.logger.Debug("sending pong", "error", err)
			}

		case FramePong:

		case FrameRequest:
			key := string(c.peer) + "/" + f.ID
			if s.dedupe.CheckAndMark(key) {
				c.logger.Warn("dropping duplicate request", "request_id", f.ID, "method", f.Method)
				continue
			}
			s.stats.requests.Add(1)
			s.wg.Add(1)
			go func(f *Frame) {
				defer s.wg.Done()
				// A response that never reached the peer leaves the id open
				// for a retry on the next connection.
				c.serveRequest(f, s.cfg.Handler, func(sendErr error) {
					if sendErr != nil {
						s.dedupe.Forget(key)
					}
				})
			}(f)

		case FrameResponse:
			c.handleResponse(f)

		case FramePush:
			s.stats.events.Add(1)
			if s.cfg.OnEvent != nil {
				s.cfg.OnEvent(c.ctx, c.peer, f.Event, f.Payload)
			}

		default:
			c.logger.Warn("received unexpected frame", "type", f.Type)
		}
	}
}

// sweep declares peers dead once they stay silent beyond their alive-timeout.
func (s *Server) sweep(_ context.Context) error {
	now := s.tm.Now()

	s.mu.RLock()
	var dead []*conn
	for _, c := range s.conns {
		if c.expired(now) {
			dead = append(dead, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range dead {
		s.logger.Warn("peer alive timeout", "peer", c.peer, "alive_timeout", c.aliveTimeout)
		c.close(fmt.Errorf("%w: no traffic from %s within %s", ErrTimeout, c.peer, c.aliveTimeout))
	}
	return nil
}

// closeReason maps a stream receive error onto the package sentinels.
func closeReason(err error) error {
	if errors.Is(err, io.EOF) {
		return ErrConnectionClosed
	}
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", ErrTimeout, status.Convert(err).Message())
	case codes.Unauthenticated:
		return fmt.Errorf("%w: %s", ErrUnauthenticated, status.Convert(err).Message())
	case codes.Canceled:
		return ErrConnectionClosed
	}
	return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
}
