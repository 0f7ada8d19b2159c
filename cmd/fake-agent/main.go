// ABOUTME: Minimal demo agent hosting echo containers for manual and E2E testing.
// ABOUTME: Usage: fake-agent [-addr localhost:3737] [-kind echo] [-spawn 1] [-labels "tier=gold"]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/2389/coven-net/internal/agent"
	"github.com/2389/coven-net/internal/backrpc"
	"github.com/2389/coven-net/internal/client"
	"github.com/2389/coven-net/internal/network"
)

func main() {
	addr := flag.String("addr", client.DefaultAddress, "registry address")
	agentID := flag.String("id", "fake-agent", "agent ID")
	kind := flag.String("kind", "echo", "container kind to host")
	labels := flag.String("labels", "", `labels for spawned containers, as "K=V;K2=V2"`)
	spawn := flag.Int("spawn", 1, "containers to start up front (more start on demand)")
	host := flag.String("host", "127.0.0.1", "address containers bind to")
	token := flag.String("token", os.Getenv("COVEN_NET_TOKEN"), "agent token")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(logger, *addr, *agentID, *kind, *labels, *spawn, *host, *token); err != nil {
		log.Fatal(err)
	}
}

func run(logger *slog.Logger, addr, agentID, kind, labelSpec string, spawn int, host, token string) error {
	labels, err := network.ParseLabels(labelSpec)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a := agent.New(agent.Config{
		ID: network.AgentUUID(agentID),
		Factories: map[network.ContainerKind]agent.Factory{
			network.ContainerKind(kind): echoFactory(network.AgentUUID(agentID), host, logger),
		},
		Logger: logger,
	})

	dialCtx, dialCancel := context.WithTimeout(ctx, 30*time.Second)
	rpc, err := agent.Dial(dialCtx, a, addr, backrpc.ClientConfig{
		Token:        token,
		AliveTimeout: client.DefaultAliveTimeout(),
		Logger:       logger,
	})
	dialCancel()
	if err != nil {
		return fmt.Errorf("connecting to registry: %w", err)
	}
	defer rpc.Close()

	logger.Info("registered", "agent", agentID, "registry", addr, "kind", kind)

	for i := 0; i < spawn; i++ {
		rec, err := a.Spawn(ctx, network.ContainerKind(kind), network.StartOptions{Labels: labels})
		if err != nil {
			return fmt.Errorf("spawning %s: %w", kind, err)
		}
		logger.Info("container started", "uuid", rec.UUID, "endpoint", rec.Endpoint)
	}

	select {
	case <-ctx.Done():
	case <-rpc.Done():
		logger.Warn("registry connection lost")
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	return a.Close(closeCtx)
}

// echoFactory builds containers answering:
//
//	echo      returns its data unchanged
//	time      returns the container's current time
//	broadcast pushes its data to every connected client as an "echo" event
func echoFactory(agentID network.AgentUUID, host string, logger *slog.Logger) agent.Factory {
	return func(id network.ContainerUUID, _ network.Labels) (network.Container, error) {
		var c *agent.ServedContainer
		c = agent.NewServedContainer(agent.ServedConfig{
			UUID:  id,
			Agent: agentID,
			Host:  host,
			Operations: func(_ context.Context, op string, data json.RawMessage) (any, error) {
				switch op {
				case "echo":
					return data, nil
				case "time":
					return map[string]string{"now": time.Now().Format(time.RFC3339)}, nil
				case "broadcast":
					n, err := c.Push("echo", data)
					if err != nil {
						return nil, err
					}
					return map[string]int{"delivered": n}, nil
				default:
					return nil, fmt.Errorf("%w: %s", backrpc.ErrUnknownMethod, op)
				}
			},
			Logger: logger,
		})
		return c, nil
	}
}
