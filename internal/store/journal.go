// ABOUTME: Journal entries: one row per container or agent change in a network event
// ABOUTME: Provides append in a transaction plus newest-first and paged reads

package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/2389/coven-net/internal/network"
)

// Subjects of a journal entry.
const (
	SubjectContainer = "container"
	SubjectAgent     = "agent"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Entry is one recorded change.
type Entry struct {
	Seq      int64             `json:"seq"`
	Time     time.Time         `json:"time"`
	Subject  string            `json:"subject"`
	Event    network.EventKind `json:"event"`
	UUID     string            `json:"uuid"`
	Kind     string            `json:"kind,omitempty"` // container kind, or the agent's kinds joined by ","
	Agent    string            `json:"agent,omitempty"`
	Labels   string            `json:"labels,omitempty"`
	State    string            `json:"state,omitempty"`
	Endpoint string            `json:"endpoint,omitempty"`
}

// EntriesFor flattens ev into entries stamped with at, containers first.
func EntriesFor(ev network.Event, at time.Time) []Entry {
	out := make([]Entry, 0, len(ev.Containers)+len(ev.Agents))
	for _, c := range ev.Containers {
		e := Entry{
			Time:    at,
			Subject: SubjectContainer,
			Event:   c.Kind,
			UUID:    string(c.Container.UUID),
			Kind:    string(c.Container.Kind),
			Agent:   string(c.Container.Agent),
			Labels:  c.Container.Labels.String(),
			State:   string(c.Container.State),
		}
		if c.Container.Endpoint != nil {
			e.Endpoint = c.Container.Endpoint.String()
		}
		out = append(out, e)
	}
	for _, a := range ev.Agents {
		kinds := make([]string, 0, len(a.Kinds))
		for _, k := range a.Kinds {
			kinds = append(kinds, string(k))
		}
		out = append(out, Entry{
			Time:    at,
			Subject: SubjectAgent,
			Event:   a.Kind,
			UUID:    string(a.Agent),
			Kind:    strings.Join(kinds, ","),
			Agent:   string(a.Agent),
		})
	}
	return out
}

// Append stores entries in one transaction and fills in their Seq.
func (j *Journal) Append(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO journal_entries (ts, subject, event, uuid, kind, agent, labels, state, endpoint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for i := range entries {
		e := &entries[i]
		res, err := stmt.ExecContext(ctx,
			e.Time.UTC().Format(time.RFC3339Nano),
			e.Subject,
			string(e.Event),
			e.UUID,
			e.Kind,
			e.Agent,
			e.Labels,
			e.State,
			e.Endpoint,
		)
		if err != nil {
			return fmt.Errorf("inserting journal entry: %w", err)
		}
		if e.Seq, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("reading journal seq: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing journal entries: %w", err)
	}
	j.logger.Debug("journal entries appended", "count", len(entries))
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	return j.query(ctx, `
		SELECT seq, ts, subject, event, uuid, kind, agent, labels, state, endpoint
		FROM journal_entries
		ORDER BY seq DESC
		LIMIT ?
	`, clampLimit(limit))
}

// Since returns up to limit entries with a sequence above seq, oldest first.
// Pass the last Seq seen to page forward.
func (j *Journal) Since(ctx context.Context, seq int64, limit int) ([]Entry, error) {
	return j.query(ctx, `
		SELECT seq, ts, subject, event, uuid, kind, agent, labels, state, endpoint
		FROM journal_entries
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, seq, clampLimit(limit))
}

// History returns the entries about one container or agent, oldest first.
func (j *Journal) History(ctx context.Context, uuid string, limit int) ([]Entry, error) {
	return j.query(ctx, `
		SELECT seq, ts, subject, event, uuid, kind, agent, labels, state, endpoint
		FROM journal_entries
		WHERE uuid = ?
		ORDER BY seq ASC
		LIMIT ?
	`, uuid, clampLimit(limit))
}

// Count returns the number of stored entries.
func (j *Journal) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM journal_entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting journal entries: %w", err)
	}
	return n, nil
}

func (j *Journal) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying journal: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var ts, event string
		if err := rows.Scan(&e.Seq, &ts, &e.Subject, &event, &e.UUID, &e.Kind, &e.Agent, &e.Labels, &e.State, &e.Endpoint); err != nil {
			return nil, fmt.Errorf("scanning journal row: %w", err)
		}
		e.Event = network.EventKind(event)
		e.Time, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating journal rows: %w", err)
	}
	return entries, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
