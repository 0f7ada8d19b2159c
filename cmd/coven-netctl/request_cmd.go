// ABOUTME: The request subcommand resolves a container and reports its liveness on a tick
// ABOUTME: Runs until interrupted or until the container goes away

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-net/internal/client"
	"github.com/2389/coven-net/internal/network"
	"github.com/2389/coven-net/internal/tick"
)

var (
	requestUUID    string
	requestLabels  string
	requestTimeout string
	requestEvery   int
)

var requestCmd = &cobra.Command{
	Use:   "request <kind>",
	Short: "Resolve a container and print its status periodically",
	Long: `Resolve a container of the given kind, optionally narrowed by uuid or labels,
then ping it every few ticks and print the result. The query waits until a
matching container appears unless --timeout is given.`,
	Example: `  coven-netctl request echo
  coven-netctl request echo --label "tier=gold;zone=a" --timeout 30
  coven-netctl request echo --network registry.local:3737 --uuid 4b1c...`,
	Args: cobra.ExactArgs(1),
	RunE: runRequest,
}

func init() {
	flags := requestCmd.Flags()
	flags.StringVar(&requestUUID, "uuid", "", "container uuid")
	flags.StringVar(&requestLabels, "label", "", `labels to match, as "K=V;K2=V2"`)
	flags.StringVar(&requestTimeout, "timeout", "", "give up resolving after this many seconds (default: wait)")
	flags.IntVar(&requestEvery, "every", 5, "ticks between status lines")
}

func runRequest(cmd *cobra.Command, args []string) error {
	labels, err := network.ParseLabels(requestLabels)
	if err != nil {
		return err
	}
	opts := network.GetOptions{
		UUID:    network.ContainerUUID(requestUUID),
		Labels:  labels,
		Timeout: -1,
	}
	if requestTimeout != "" {
		d, err := client.ParseTimeout(requestTimeout)
		if err != nil {
			return err
		}
		opts.Timeout = d
	}
	if requestEvery < 1 {
		return fmt.Errorf("--every must be at least 1")
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	tm := tick.New(tick.WithLogger(logger))
	tm.Start(ctx)
	defer tm.Stop()

	c, err := connect(tm, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	kind := network.ContainerKind(args[0])
	gray := color.New(color.FgHiBlack)
	gray.Printf("resolving %s on %s...\n", kind, networkAddr)

	h, err := c.Get(ctx, kind, opts)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("resolving %s: %w", kind, err)
	}
	defer h.Close()

	rec := h.Record()
	color.New(color.FgGreen).Print("found ")
	fmt.Printf("%s %s at %s\n", rec.Kind, rec.UUID, h.Endpoint())

	// Removal ends the status loop.
	gone := make(chan struct{})
	stopWatch, err := c.OnUpdate(ctx, network.Filter{Kind: kind}, func(ev network.Event) {
		for _, ce := range ev.Containers {
			if ce.Container.UUID == rec.UUID && ce.Kind == network.EventRemoved {
				select {
				case <-gone:
				default:
					close(gone)
				}
			}
		}
	})
	if err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}
	defer stopWatch()

	// Pings run off the tick goroutine. At most one pulse waits behind a
	// ping in progress; further pulses are dropped.
	pulses := make(chan struct{}, 1)
	statusCtx, stopStatus := context.WithCancel(ctx)
	statusDone := make(chan struct{})
	go func() {
		defer close(statusDone)
		for {
			select {
			case <-statusCtx.Done():
				return
			case <-pulses:
				printStatus(statusCtx, tm, h)
			}
		}
	}()
	defer func() {
		stopStatus()
		<-statusDone
	}()
	pulse := func() {
		select {
		case pulses <- struct{}{}:
		default:
		}
	}

	interval := time.Duration(requestEvery) * tm.Resolution()
	stop := tm.Register("netctl-status", interval, func(context.Context) error {
		pulse()
		return nil
	})
	defer stop()

	pulse()

	select {
	case <-ctx.Done():
		return nil
	case <-gone:
		color.New(color.FgYellow).Printf("%s was removed from the registry\n", rec.UUID)
		return nil
	case <-c.Done():
		return errors.New("registry connection lost")
	}
}

func printStatus(ctx context.Context, tm *tick.Manager, h *client.Handle) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	err := h.Ping(pingCtx)
	rtt := time.Since(start)

	stamp := color.HiBlackString(tm.Now().Format("15:04:05"))
	if err != nil {
		fmt.Printf("%s %s %s %s\n", stamp, h.UUID(), color.RedString("unreachable"), err)
		return
	}
	fmt.Printf("%s %s %s %s\n", stamp, h.UUID(), color.GreenString("alive"), rtt.Round(time.Microsecond))
}
