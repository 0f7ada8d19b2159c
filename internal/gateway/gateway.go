// ABOUTME: Registry daemon that coordinates the BackRPC registry endpoint and the HTTP server
// ABOUTME: Owns the tick manager, registry, journal and metrics, and their shutdown order

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-net/internal/auth"
	"github.com/2389/coven-net/internal/backrpc"
	"github.com/2389/coven-net/internal/config"
	"github.com/2389/coven-net/internal/metrics"
	"github.com/2389/coven-net/internal/network"
	"github.com/2389/coven-net/internal/store"
	"github.com/2389/coven-net/internal/tick"
)

const shutdownTimeout = 5 * time.Second

// Gateway is the registry daemon. It serves the registry over BackRPC and
// exposes health, inspection and metrics over HTTP.
type Gateway struct {
	config *config.Config
	logger *slog.Logger

	tm     *tick.Manager
	ownsTM bool

	registry *network.Registry
	mux      *backrpc.Mux
	verifier auth.TokenVerifier
	journal  *store.Journal
	recorder *store.Recorder
	metrics  *metrics.Metrics

	server      *backrpc.Server
	httpServer  *http.Server
	httpLn      net.Listener
	tsnetServer *tsnet.Server

	mu         sync.Mutex
	agentPeers map[network.AgentUUID]backrpc.ClientID
	peerAgents map[backrpc.ClientID]map[network.AgentUUID]struct{}

	listenOnce sync.Once
	listenErr  error
	closeOnce  sync.Once
	closeErr   error
}

// Option adjusts a Gateway at construction.
type Option func(*Gateway)

// WithTickManager drives the daemon from tm instead of its own manager.
func WithTickManager(tm *tick.Manager) Option {
	return func(g *Gateway) {
		g.tm = tm
	}
}

// New creates a Gateway. Nothing listens until Listen or Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		config:     cfg,
		logger:     logger.With("component", "gateway"),
		agentPeers: make(map[network.AgentUUID]backrpc.ClientID),
		peerAgents: make(map[backrpc.ClientID]map[network.AgentUUID]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}

	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		g.verifier = verifier
		g.logger.Info("auth enabled")
	} else {
		g.logger.Warn("auth disabled - no jwt_secret configured")
	}

	if err := g.initJournal(logger); err != nil {
		return nil, err
	}

	if g.tm == nil {
		g.tm = tick.New(tick.WithResolution(cfg.Network.Tick), tick.WithLogger(logger))
		g.tm.Start(context.Background())
		g.ownsTM = true
	}

	var observers []network.Observer
	if cfg.Metrics.Enabled {
		g.metrics = metrics.New()
		observers = append(observers, g.metrics.Observe)
	}
	if g.recorder != nil {
		observers = append(observers, g.recorder.Observe)
	}

	g.registry = network.NewRegistry(g.tm, network.Options{
		SessionTimeout:         cfg.Network.SessionTimeout,
		PingInterval:           cfg.Network.PingInterval,
		PingTimeout:            cfg.Network.PingTimeout,
		MaxPingFailures:        cfg.Network.MaxPingFailures,
		QueryTimeout:           cfg.Network.QueryTimeout,
		UnusedContainerTimeout: cfg.Network.UnusedContainerTimeout,
		Observers:              observers,
		Logger:                 logger,
	})
	g.mux = g.newMux()

	if g.metrics != nil {
		g.metrics.WatchDirectory(g.registry)
		g.metrics.WatchTransport(g)
	}

	g.httpServer = &http.Server{
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g, nil
}

// initJournal opens the journal and its recorder when a path is configured.
func (g *Gateway) initJournal(logger *slog.Logger) error {
	if g.config.Journal.Path == "" {
		return nil
	}
	j, err := store.Open(g.config.Journal.Path, logger)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	g.journal = j
	g.recorder = store.NewRecorder(j, func() time.Time { return g.tm.Now() }, logger)
	return nil
}

// Registry returns the daemon's registry.
func (g *Gateway) Registry() *network.Registry {
	return g.registry
}

// Stats returns the BackRPC traffic counters, zero before Listen.
func (g *Gateway) Stats() backrpc.Stats {
	if g.server == nil {
		return backrpc.Stats{}
	}
	return g.server.Stats()
}

// Addr returns the bound registry address, or "" before Listen.
func (g *Gateway) Addr() string {
	if g.server == nil || g.server.Addr() == nil {
		return ""
	}
	return g.server.Addr().String()
}

// HTTPAddr returns the bound HTTP address, or "" when HTTP is disabled or
// before Listen.
func (g *Gateway) HTTPAddr() string {
	if g.httpLn == nil {
		return ""
	}
	return g.httpLn.Addr().String()
}

// Listen binds the registry endpoint and the HTTP server. Run calls it when
// the caller has not.
func (g *Gateway) Listen(ctx context.Context) error {
	g.listenOnce.Do(func() {
		g.listenErr = g.listen(ctx)
	})
	return g.listenErr
}

func (g *Gateway) listen(ctx context.Context) error {
	rpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	g.server = backrpc.NewServer(backrpc.ServerConfig{
		Listener:        rpcLn,
		ServerID:        generateServerID(),
		Handler:         g.serveRPC,
		OnConnect:       g.onConnect,
		OnDisconnect:    g.onDisconnect,
		OnEvent:         g.onEvent,
		TickManager:     g.tm,
		AliveTimeout:    g.config.Network.AliveTimeout,
		MaxMessageBytes: g.config.Network.MaxMessageBytes,
		Verifier:        g.verifier,
		Logger:          g.logger,
	})
	if err := g.server.Listen(); err != nil {
		return err
	}
	g.httpLn = httpLn
	return nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (rpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// setupTCPListeners creates standard TCP listeners for the registry and HTTP.
func (g *Gateway) setupTCPListeners() (rpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"addr", g.config.Server.Addr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	rpcLn, err = net.Listen("tcp", g.config.Server.Addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on registry address: %w", err)
	}

	if g.config.Server.HTTPAddr == "" {
		return rpcLn, nil, nil
	}
	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = rpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return rpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.Addr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.addr and server.http_addr are ignored when tailscale is enabled",
			"addr", g.config.Server.Addr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-net", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners joins the tailnet and listens for the registry and HTTP there.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (rpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	rpcLn, err = g.tsnetServer.Listen("tcp", ":"+strconv.Itoa(tsCfg.Port))
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale registry port: %w", err)
	}

	httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = rpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return rpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// Run serves until ctx is cancelled or a server fails, then shuts down.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Listen(ctx); err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := g.server.Serve(egCtx); err != nil {
			return fmt.Errorf("registry server: %w", err)
		}
		return nil
	})
	if g.httpLn != nil {
		eg.Go(func() error {
			g.logger.Info("HTTP server listening", "addr", g.httpLn.Addr().String())
			if err := g.httpServer.Serve(g.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server: %w", err)
			}
			return nil
		})
	}
	eg.Go(func() error {
		<-egCtx.Done()
		if ctx.Err() != nil {
			g.logger.Info("context canceled, initiating shutdown")
		}
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout since
// the run context is already done.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers, the registry and the journal, in that order.
// Safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.closeOnce.Do(func() {
		g.closeErr = g.shutdown(ctx)
	})
	return g.closeErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if g.httpLn != nil {
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	}
	if g.server != nil {
		g.server.Close()
	}
	g.registry.Close()

	if g.recorder != nil {
		g.recorder.Close()
	}
	if g.journal != nil {
		errs = appendCloseError(errs, "journal close", g.journal.Close())
	}
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	if g.ownsTM {
		g.tm.Stop()
	}

	return errors.Join(errs...)
}

// generateServerID creates a unique identifier for this daemon instance.
func generateServerID() string {
	return fmt.Sprintf("coven-net-%d", time.Now().UnixNano()%1000000)
}
