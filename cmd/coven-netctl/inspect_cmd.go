// ABOUTME: Inspection subcommands listing agents, containers, kinds and journal events
// ABOUTME: Directory listings go over BackRPC, the event journal over the HTTP API

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/coven-net/internal/client"
	"github.com/2389/coven-net/internal/network"
	"github.com/2389/coven-net/internal/store"
)

const inspectTimeout = 10 * time.Second

var (
	eventsLimit int
	eventsSince int64
	eventsUUID  string
	jsonOutput  bool
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List registered agents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, c *client.Client) error {
			agents, err := c.Agents(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(agents)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKINDS\tCONTAINERS\tLAST SEEN\tPING FAILURES")
			for _, a := range agents {
				kinds := make([]string, len(a.Kinds))
				for i, k := range a.Kinds {
					kinds[i] = string(k)
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\n",
					a.ID, dash(strings.Join(kinds, ",")), a.Containers, since(a.LastSeen), a.PingFailures)
			}
			return w.Flush()
		})
	},
}

var containersCmd = &cobra.Command{
	Use:   "containers [kind]",
	Short: "List registered containers, optionally of one kind",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var kind network.ContainerKind
		if len(args) == 1 {
			kind = network.ContainerKind(args[0])
		}
		return withClient(cmd.Context(), func(ctx context.Context, c *client.Client) error {
			recs, err := c.List(ctx, kind)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(recs)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "UUID\tKIND\tSTATE\tAGENT\tENDPOINT\tLABELS")
			for _, r := range recs {
				endpoint := "-"
				if r.Endpoint != nil {
					endpoint = r.Endpoint.Addr()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.UUID, r.Kind, r.State, r.Agent, endpoint, dash(r.Labels.String()))
			}
			return w.Flush()
		})
	},
}

var kindsCmd = &cobra.Command{
	Use:   "kinds",
	Short: "List kinds that registered agents can start on demand",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, c *client.Client) error {
			kinds, err := c.Kinds(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(kinds)
			}
			sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
			for _, k := range kinds {
				fmt.Println(k)
			}
			return nil
		})
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the registry's event journal",
	Long: `Show entries from the registry daemon's event journal. By default the most
recent entries come first; --since lists entries after a sequence number in
order, --uuid the history of one container or agent.`,
	Args: cobra.NoArgs,
	RunE: runEvents,
}

func init() {
	for _, cmd := range []*cobra.Command{agentsCmd, containersCmd, kindsCmd, eventsCmd} {
		cmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	}
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 50, "maximum number of entries")
	eventsCmd.Flags().Int64Var(&eventsSince, "since", 0, "list entries after this sequence number")
	eventsCmd.Flags().StringVar(&eventsUUID, "uuid", "", "history of one container or agent")
}

// withClient runs fn with a connected client and a bounded context.
func withClient(parent context.Context, fn func(context.Context, *client.Client) error) error {
	ctx, cancel := context.WithTimeout(parent, inspectTimeout)
	defer cancel()

	c, err := connect(nil, newLogger())
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.WaitConnection(ctx); err != nil {
		return fmt.Errorf("connecting to %s: %w", networkAddr, err)
	}
	return fn(ctx, c)
}

func runEvents(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), inspectTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("limit", strconv.Itoa(eventsLimit))
	if cmd.Flags().Changed("since") {
		q.Set("since", strconv.FormatInt(eventsSince, 10))
	}
	if eventsUUID != "" {
		q.Set("uuid", eventsUUID)
	}

	u := url.URL{Scheme: "http", Host: httpAddr, Path: "/api/events", RawQuery: q.Encode()}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetching events: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("fetching events: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var entries []store.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return fmt.Errorf("decoding events: %w", err)
	}
	if jsonOutput {
		return printJSON(entries)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tSUBJECT\tEVENT\tUUID\tKIND\tAGENT\tENDPOINT")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Seq, e.Time.Local().Format(time.DateTime), e.Subject, e.Event, e.UUID,
			dash(e.Kind), dash(e.Agent), dash(e.Endpoint))
	}
	return w.Flush()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}
