// ABOUTME: HTTP handlers for health checks, the read-only inspection API and metrics
// ABOUTME: API routes require a bearer token when a JWT secret is configured

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/2389/coven-net/internal/auth"
	"github.com/2389/coven-net/internal/backrpc"
	"github.com/2389/coven-net/internal/network"
	"github.com/2389/coven-net/internal/store"
)

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	Agents     int           `json:"agents"`
	Containers int           `json:"containers"`
	Pending    int           `json:"pending_queries"`
	RPC        backrpc.Stats `json:"rpc"`
	Journal    *JournalStats `json:"journal,omitempty"`
}

// JournalStats reports the recorder's progress.
type JournalStats struct {
	Entries int64  `json:"entries"`
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
}

// routes builds the HTTP handler.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)

	if g.metrics != nil {
		mux.Handle(g.config.Metrics.Path, g.metrics.Handler())
	}

	wrap := func(h http.HandlerFunc) http.Handler { return h }
	if g.verifier != nil {
		mw := auth.HTTPMiddleware(g.verifier)
		wrap = func(h http.HandlerFunc) http.Handler { return mw(h) }
		g.logger.Info("HTTP auth middleware enabled")
	} else {
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}
	mux.Handle("/api/agents", wrap(g.handleListAgents))
	mux.Handle("/api/containers", wrap(g.handleListContainers))
	mux.Handle("/api/kinds", wrap(g.handleListKinds))
	mux.Handle("/api/events", wrap(g.handleEvents))
	mux.Handle("/api/stats", wrap(g.handleStats))
	return mux
}

// handleHealth returns 200 OK if the server is running.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one agent is registered.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	agents := g.registry.Agents()
	if len(agents) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", len(agents))
}

func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, g.registry.Agents())
}

// handleListContainers lists containers, optionally narrowed by ?kind=.
func (g *Gateway) handleListContainers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	kind := network.ContainerKind(r.URL.Query().Get("kind"))
	writeJSON(w, g.registry.List(kind))
}

func (g *Gateway) handleListKinds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, g.registry.Kinds())
}

// handleEvents reads the journal. With ?since=SEQ entries come oldest first
// after SEQ; with ?uuid= they are the history of one container or agent;
// otherwise the newest entries come first.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if g.journal == nil {
		http.Error(w, "journal disabled", http.StatusNotFound)
		return
	}

	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	var (
		entries []store.Entry
		err     error
	)
	switch {
	case q.Get("since") != "":
		seq, perr := strconv.ParseInt(q.Get("since"), 10, 64)
		if perr != nil {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		entries, err = g.journal.Since(r.Context(), seq, limit)
	case q.Get("uuid") != "":
		entries, err = g.journal.History(r.Context(), q.Get("uuid"), limit)
	default:
		entries, err = g.journal.Recent(r.Context(), limit)
	}
	if err != nil {
		g.logger.Error("reading journal", "error", err)
		http.Error(w, "failed to read journal", http.StatusInternalServerError)
		return
	}
	writeJSON(w, entries)
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	resp := StatsResponse{
		Agents:     len(g.registry.Agents()),
		Containers: len(g.registry.List("")),
		Pending:    g.registry.Pending(),
		RPC:        g.Stats(),
	}
	if g.journal != nil {
		count, err := g.journal.Count(r.Context())
		if err != nil {
			g.logger.Error("counting journal entries", "error", err)
		}
		resp.Journal = &JournalStats{
			Entries: count,
			Written: g.recorder.Written(),
			Dropped: g.recorder.Dropped(),
		}
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
