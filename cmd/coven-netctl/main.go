// ABOUTME: Entry point for coven-netctl, the command-line client of a coven-net registry
// ABOUTME: Defines the root command and the flags shared by every subcommand

package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/coven-net/internal/client"
	"github.com/2389/coven-net/internal/config"
	"github.com/2389/coven-net/internal/tick"
)

var version = "dev"

// Shared flags.
var (
	networkAddr  string
	httpAddr     string
	token        string
	aliveTimeout string
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "coven-netctl",
	Short: "Query and inspect a coven-net registry",
	Long: `coven-netctl connects to a coven-net registry, resolves containers by kind,
uuid or labels and reports their liveness. The inspection commands read the
registry daemon's HTTP API.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	defaultAddr := os.Getenv(client.EnvAddress)
	if defaultAddr == "" {
		defaultAddr = client.DefaultAddress
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&networkAddr, "network", defaultAddr, "registry address (host:port)")
	flags.StringVar(&httpAddr, "http", config.DefaultHTTPAddr, "registry HTTP address for inspection commands")
	flags.StringVar(&token, "token", os.Getenv("COVEN_NET_TOKEN"), "bearer token")
	flags.StringVar(&aliveTimeout, "alive-timeout", "", "connection alive-timeout in seconds or as a duration (default depends on COVEN_NET_ENV)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log transport activity")

	rootCmd.AddCommand(requestCmd, agentsCmd, containersCmd, kindsCmd, eventsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// connect dials the registry with the shared flags.
func connect(tm *tick.Manager, logger *slog.Logger) (*client.Client, error) {
	var alive time.Duration
	if aliveTimeout != "" {
		d, err := client.ParseTimeout(aliveTimeout)
		if err != nil {
			return nil, err
		}
		alive = d
	}

	return client.New(client.Config{
		Address:      networkAddr,
		Token:        token,
		AliveTimeout: alive,
		TickManager:  tm,
		Logger:       logger,
	})
}
