// ABOUTME: A ready-made container that binds its own BackRPC server on a free port.
// ABOUTME: Clients call its operations directly and receive its pushes after container.connect.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-net/internal/auth"
	"github.com/2389/coven-net/internal/backrpc"
	"github.com/2389/coven-net/internal/network"
	"github.com/2389/coven-net/internal/tick"
)

// ErrTerminated is returned by a container that has been terminated.
var ErrTerminated = errors.New("container terminated")

// Operation serves a control-plane operation.
type Operation func(ctx context.Context, op string, data json.RawMessage) (any, error)

// ServedConfig configures a ServedContainer.
type ServedConfig struct {
	UUID  network.ContainerUUID
	Agent network.AgentUUID

	// Host is the bind address, 127.0.0.1 by default. AdvertiseHost is what
	// the endpoint reference carries and defaults to Host.
	Host          string
	AdvertiseHost string

	Operations Operation

	AliveTimeout time.Duration
	Verifier     auth.TokenVerifier
	Logger       *slog.Logger
}

// ServedContainer implements network.Container on top of a BackRPC server.
type ServedContainer struct {
	cfg    ServedConfig
	logger *slog.Logger

	mu         sync.Mutex
	server     *backrpc.Server
	clients    map[network.ClientUUID]network.PushHandler
	onTerm     []func()
	terminated bool

	done chan struct{}
}

var _ network.Container = (*ServedContainer)(nil)

// NewServedContainer creates an unstarted container.
func NewServedContainer(cfg ServedConfig) *ServedContainer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.AdvertiseHost == "" {
		cfg.AdvertiseHost = cfg.Host
	}
	return &ServedContainer{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "container", "container", cfg.UUID),
		clients: make(map[network.ClientUUID]network.PushHandler),
		done:    make(chan struct{}),
	}
}

// Start binds the container's server and returns its endpoint.
func (s *ServedContainer) Start(_ context.Context, tm *tick.Manager) (network.EndpointRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated {
		return network.EndpointRef{}, ErrTerminated
	}
	if s.server != nil {
		return s.endpointLocked(), nil
	}

	server := backrpc.NewServer(backrpc.ServerConfig{
		Host:         s.cfg.Host,
		ServerID:     string(s.cfg.UUID),
		Handler:      s.serve,
		OnDisconnect: func(peer backrpc.ClientID, _ bool) { s.Disconnect(network.ClientUUID(peer)) },
		TickManager:  tm,
		AliveTimeout: s.cfg.AliveTimeout,
		Verifier:     s.cfg.Verifier,
		Logger:       s.cfg.Logger,
	})
	if err := server.Start(); err != nil {
		server.Close()
		return network.EndpointRef{}, fmt.Errorf("binding container server: %w", err)
	}
	s.server = server
	return s.endpointLocked(), nil
}

func (s *ServedContainer) endpointLocked() network.EndpointRef {
	return network.EndpointRef{
		Host:      s.cfg.AdvertiseHost,
		Port:      s.server.Port(),
		Container: s.cfg.UUID,
		Agent:     s.cfg.Agent,
	}
}

// serve routes calls arriving on the container's own endpoint.
func (s *ServedContainer) serve(ctx context.Context, peer backrpc.ClientID, method string, params json.RawMessage, send backrpc.SendFunc) {
	switch method {
	case network.MethodContainerPing:
		if err := s.Ping(ctx); err != nil {
			send(nil, err)
			return
		}
		send("pong", nil)

	case network.MethodContainerConnect:
		server := s.currentServer()
		if server == nil {
			send(nil, ErrTerminated)
			return
		}
		s.Connect(network.ClientUUID(peer), func(event string, payload json.RawMessage) {
			if err := server.Push(peer, event, payload); err != nil {
				s.logger.Debug("dropping push", "client", peer, "event", event, "error", err)
			}
		})
		send(nil, nil)

	case network.MethodContainerDisconnect:
		s.Disconnect(network.ClientUUID(peer))
		send(nil, nil)

	default:
		send(s.Request(ctx, method, params))
	}
}

// Request runs op through the configured operations.
func (s *ServedContainer) Request(ctx context.Context, op string, data json.RawMessage) (json.RawMessage, error) {
	if s.isTerminated() {
		return nil, ErrTerminated
	}
	if s.cfg.Operations == nil {
		return nil, fmt.Errorf("%w: %s", backrpc.ErrUnknownMethod, op)
	}
	out, err := s.cfg.Operations(ctx, op, data)
	if err != nil {
		return nil, err
	}
	switch v := out.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encoding %s result: %w", op, err)
	}
	return raw, nil
}

// Push fans an event out to every connected client and returns how many
// received it.
func (s *ServedContainer) Push(event string, payload any) (int, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encoding %s payload: %w", event, err)
	}

	s.mu.Lock()
	ids := make([]network.ClientUUID, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]network.PushHandler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, s.clients[id])
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(event, raw)
	}
	return len(handlers), nil
}

// Connect registers handler for client's pushes, replacing any earlier one.
func (s *ServedContainer) Connect(client network.ClientUUID, handler network.PushHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return
	}
	s.clients[client] = handler
	s.logger.Debug("client connected", "client", client, "clients", len(s.clients))
}

func (s *ServedContainer) Disconnect(client network.ClientUUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[client]; ok {
		delete(s.clients, client)
		s.logger.Debug("client disconnected", "client", client, "clients", len(s.clients))
	}
}

// Clients returns the number of connected clients.
func (s *ServedContainer) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *ServedContainer) Ping(context.Context) error {
	if s.isTerminated() {
		return ErrTerminated
	}
	return nil
}

// Terminate closes the server and runs termination callbacks. It must not be
// called synchronously from an operation, which runs on the server being
// closed.
func (s *ServedContainer) Terminate(context.Context) error {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return nil
	}
	s.terminated = true
	server := s.server
	callbacks := s.onTerm
	s.onTerm = nil
	s.mu.Unlock()

	if server != nil {
		server.Close()
	}

	s.mu.Lock()
	clear(s.clients)
	s.mu.Unlock()
	close(s.done)

	for _, fn := range callbacks {
		fn()
	}
	return nil
}

// OnTerminated registers fn to run once the container terminates; it runs
// immediately when the container already has.
func (s *ServedContainer) OnTerminated(fn func()) {
	s.mu.Lock()
	if !s.terminated {
		s.onTerm = append(s.onTerm, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	fn()
}

// Done is closed once the container has terminated.
func (s *ServedContainer) Done() <-chan struct{} {
	return s.done
}

func (s *ServedContainer) currentServer() *backrpc.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server
}

func (s *ServedContainer) isTerminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}
