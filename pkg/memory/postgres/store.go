package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/echolink/pkg/memory"
	"github.com/MrWong99/echolink/pkg/types"
)

var _ memory.Store = (*Store)(nil)

const (
	// defaultSummaryLimit caps how many dialogue lines feed the recap.
	defaultSummaryLimit = 30

	// defaultSummaryWindow bounds how far back the recap reaches.
	defaultSummaryWindow = 14 * 24 * time.Hour
)

// Option is a functional option for configuring the Store.
type Option func(*Store)

// WithSummaryLimit caps the number of dialogue lines included in a
// [Store.Summary] recap. Values <= 0 keep the default of 30.
func WithSummaryLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.summaryLimit = n
		}
	}
}

// WithSummaryWindow bounds how far back [Store.Summary] reaches.
// Values <= 0 keep the default of 14 days.
func WithSummaryWindow(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.summaryWindow = d
		}
	}
}

// Store is the PostgreSQL-backed dialogue memory. All methods are safe for
// concurrent use.
type Store struct {
	pool          *pgxpool.Pool
	summaryLimit  int
	summaryWindow time.Duration
}

// NewStore creates a new Store, establishes a connection pool to the
// PostgreSQL database at dsn, and runs [Migrate] to ensure the schema exists.
func NewStore(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	s := &Store{
		pool:          pool,
		summaryLimit:  defaultSummaryLimit,
		summaryWindow: defaultSummaryWindow,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity. Used by readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SaveDialogue implements [memory.Store]. It appends the conversation's user,
// assistant, and tool messages to the dialogue_entries table in a single
// batch. System messages and messages with empty content (pure tool-call
// envelopes) are skipped.
func (s *Store) SaveDialogue(ctx context.Context, deviceID, sessionID string, msgs []types.Message) error {
	if deviceID == "" {
		return fmt.Errorf("postgres store: save dialogue: deviceID must not be empty")
	}

	entries := persistableEntries(deviceID, sessionID, msgs)
	if len(entries) == 0 {
		return nil
	}

	const q = `
		INSERT INTO dialogue_entries (device_id, session_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(q, e.DeviceID, e.SessionID, e.Role, e.Content, e.CreatedAt)
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres store: save dialogue: %w", err)
	}
	return nil
}

// Summary implements [memory.Store]. It returns the device's most recent
// dialogue lines (bounded by the configured limit and window) rendered
// oldest-first as "role: content" lines. Returns "" when no history exists.
func (s *Store) Summary(ctx context.Context, deviceID string) (string, error) {
	const q = `
		SELECT role, content
		FROM   dialogue_entries
		WHERE  device_id  = $1
		  AND  created_at >= now() - ($2::bigint * interval '1 microsecond')
		ORDER  BY created_at DESC, id DESC
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, deviceID, s.summaryWindow.Microseconds(), s.summaryLimit)
	if err != nil {
		return "", fmt.Errorf("postgres store: summary: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.DialogueEntry, error) {
		var e memory.DialogueEntry
		err := row.Scan(&e.Role, &e.Content)
		return e, err
	})
	if err != nil {
		return "", fmt.Errorf("postgres store: scan rows: %w", err)
	}

	// The query returns newest-first so LIMIT keeps the most recent lines;
	// flip back to chronological order for rendering.
	reverse(entries)
	return renderSummary(entries), nil
}

// persistableEntries converts conversation messages to storage records,
// dropping system messages and empty content.
func persistableEntries(deviceID, sessionID string, msgs []types.Message) []memory.DialogueEntry {
	now := time.Now()
	entries := make([]memory.DialogueEntry, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == "system" || m.Content == "" {
			continue
		}
		entries = append(entries, memory.DialogueEntry{
			DeviceID:  deviceID,
			SessionID: sessionID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: now,
		})
	}
	return entries
}

// renderSummary formats dialogue entries as one "role: content" line each.
func renderSummary(entries []memory.DialogueEntry) string {
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(e.Role)
		b.WriteString(": ")
		b.WriteString(e.Content)
	}
	return b.String()
}

func reverse(entries []memory.DialogueEntry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}
