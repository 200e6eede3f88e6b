// Package queue implements the durable retry queue backing the
// delivery pipeline. Items are stored in SQLite with delivery-attempt
// bookkeeping; the claim discipline is a conditional update keyed on
// the attempt count, so concurrent drains never deliver the same item
// twice.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/courierlabs/otlp-courier/internal/envelope"
)

// OrderingPolicy selects the drain order strategy.
type OrderingPolicy string

const (
	// OrderPriorityFIFO drains spans first, then metrics, then
	// everything else, arrival-ordered within each class.
	OrderPriorityFIFO OrderingPolicy = "priority_fifo"
	// OrderFIFO drains in pure arrival order.
	OrderFIFO OrderingPolicy = "fifo"
)

// ErrClaimLost is returned when another worker claimed the item first.
// Losing a claim race is an expected outcome, not a failure.
var ErrClaimLost = errors.New("queue: item claimed by another worker")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("queue: store is closed")

// Config holds the queue configuration.
type Config struct {
	// Path is the SQLite database file path.
	Path string
	// MaxAttempts is the delivery attempt cap (default: 5). Items at
	// the cap are excluded from drains but retained.
	MaxAttempts int
	// BusyTimeout is how long SQLite waits for locks (default: 5s).
	BusyTimeout time.Duration
	// Ordering selects the drain order (default: priority_fifo).
	Ordering OrderingPolicy
}

// DefaultConfig returns a default queue configuration.
func DefaultConfig() Config {
	return Config{
		Path:        "./courier.db",
		MaxAttempts: 5,
		BusyTimeout: 5 * time.Second,
		Ordering:    OrderPriorityFIFO,
	}
}

// Item is one queued envelope with delivery bookkeeping. The attempt
// count never decreases; exhausted items stay in the store.
type Item struct {
	ID            string
	Kind          string
	Payload       []byte
	CreatedAt     time.Time
	Attempts      int
	Processed     bool
	LastAttemptAt time.Time
	LastError     string
	ProcessedAt   time.Time
}

// Envelope deserializes the item payload.
func (it *Item) Envelope() (*envelope.Envelope, error) {
	return envelope.Unmarshal(it.Payload)
}

// Store is the SQLite-backed durable queue plus the pipeline state
// table. Safe for concurrent use; SQLite is opened single-writer.
type Store struct {
	db  *sql.DB
	cfg Config

	drainStmt *sql.Stmt
	claimStmt *sql.Stmt
}

// Open opens (creating if needed) the queue database.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = "./courier.db"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.Ordering == "" {
		cfg.Ordering = OrderPriorityFIFO
	}

	// modernc.org/sqlite applies pragmas via _pragma parameters; the
	// mattn-style _journal_mode form is silently ignored.
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		cfg.Path, int(cfg.BusyTimeout.Milliseconds()))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	// SQLite supports a single writer; serialize at the pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, cfg: cfg}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize queue schema: %w", err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare queue statements: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS queue_items (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		payload BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt_at INTEGER,
		last_error TEXT,
		processed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_queue_pending
		ON queue_items (processed, attempts, created_at);
	CREATE TABLE IF NOT EXISTS pipeline_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) prepareStatements() error {
	order := "created_at, id"
	if s.cfg.Ordering == OrderPriorityFIFO {
		order = "CASE kind WHEN 'span' THEN 0 WHEN 'metric' THEN 1 ELSE 2 END, created_at, id"
	}

	drain, err := s.db.Prepare(fmt.Sprintf(`
		SELECT id, kind, payload, created_at, attempts, COALESCE(last_error, '')
		FROM queue_items
		WHERE processed = 0 AND attempts < ?
		ORDER BY %s
		LIMIT ?`, order))
	if err != nil {
		return err
	}
	s.drainStmt = drain

	claim, err := s.db.Prepare(`
		UPDATE queue_items
		SET attempts = attempts + 1, last_attempt_at = ?
		WHERE id = ? AND processed = 0 AND attempts = ?`)
	if err != nil {
		return err
	}
	s.claimStmt = claim
	return nil
}

// Enqueue appends an envelope. Append-only and independent of
// transport I/O, so producers never block on the collector.
func (s *Store) Enqueue(ctx context.Context, env *envelope.Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("queue: rejecting envelope: %w", err)
	}
	payload, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO queue_items (id, kind, payload, created_at)
		VALUES (?, ?, ?, ?)`,
		id, string(env.Kind), payload, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("queue: failed to enqueue: %w", err)
	}
	enqueuedTotal.WithLabelValues(string(env.Kind)).Inc()
	return nil
}

// Drain returns up to max unprocessed items below the attempt cap in
// the configured order. Drain does not claim: the per-item Claim call
// is the exclusivity point.
func (s *Store) Drain(ctx context.Context, max int) ([]*Item, error) {
	rows, err := s.drainStmt.QueryContext(ctx, s.cfg.MaxAttempts, max)
	if err != nil {
		return nil, fmt.Errorf("queue: drain failed: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		var it Item
		var createdNS int64
		if err := rows.Scan(&it.ID, &it.Kind, &it.Payload, &createdNS, &it.Attempts, &it.LastError); err != nil {
			return nil, fmt.Errorf("queue: drain scan failed: %w", err)
		}
		it.CreatedAt = time.Unix(0, createdNS)
		items = append(items, &it)
	}
	return items, rows.Err()
}

// Claim atomically increments the attempt count of an unprocessed item
// if its attempt count is still the one observed at drain time.
// Returns ErrClaimLost when another worker got there first.
func (s *Store) Claim(ctx context.Context, it *Item) error {
	res, err := s.claimStmt.ExecContext(ctx, time.Now().UnixNano(), it.ID, it.Attempts)
	if err != nil {
		return fmt.Errorf("queue: claim failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: claim result: %w", err)
	}
	if n == 0 {
		claimsLostTotal.Inc()
		return ErrClaimLost
	}
	it.Attempts++
	return nil
}

// MarkProcessed records successful delivery. Processed and failed are
// mutually exclusive outcomes for one attempt.
func (s *Store) MarkProcessed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_items SET processed = 1, processed_at = ?
		WHERE id = ? AND processed = 0`,
		time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("queue: mark processed failed: %w", err)
	}
	processedTotal.Inc()
	return nil
}

// MarkFailed records the error text of a failed attempt. The item
// stays queued until the attempt cap excludes it; it is never deleted.
func (s *Store) MarkFailed(ctx context.Context, id, errText string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_items SET last_error = ? WHERE id = ? AND processed = 0`,
		errText, id)
	if err != nil {
		return fmt.Errorf("queue: mark failed failed: %w", err)
	}
	failedAttemptsTotal.Inc()
	return nil
}

// Depth returns the number of pending (unprocessed, below-cap) items.
func (s *Store) Depth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_items WHERE processed = 0 AND attempts < ?`,
		s.cfg.MaxAttempts).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue: depth failed: %w", err)
	}
	queueDepth.Set(float64(n))
	return n, nil
}

// Get loads one item by id.
func (s *Store) Get(ctx context.Context, id string) (*Item, error) {
	var it Item
	var createdNS int64
	var processed int
	var lastAttemptNS, processedNS sql.NullInt64
	var lastError sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, payload, created_at, processed, attempts,
		       last_attempt_at, last_error, processed_at
		FROM queue_items WHERE id = ?`, id).
		Scan(&it.ID, &it.Kind, &it.Payload, &createdNS, &processed,
			&it.Attempts, &lastAttemptNS, &lastError, &processedNS)
	if err != nil {
		return nil, fmt.Errorf("queue: get failed: %w", err)
	}
	it.CreatedAt = time.Unix(0, createdNS)
	it.Processed = processed != 0
	if lastAttemptNS.Valid {
		it.LastAttemptAt = time.Unix(0, lastAttemptNS.Int64)
	}
	if lastError.Valid {
		it.LastError = lastError.String
	}
	if processedNS.Valid {
		it.ProcessedAt = time.Unix(0, processedNS.Int64)
	}
	return &it, nil
}

// SetState writes one pipeline state key (processing mode, agent
// heartbeat). The write is committed independently of any queue item
// transaction.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("queue: set state %q failed: %w", key, err)
	}
	return nil
}

// GetState reads one pipeline state key. A missing key returns ""
// with no error.
func (s *Store) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM pipeline_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("queue: get state %q failed: %w", key, err)
	}
	return value, nil
}

// MaxAttempts returns the configured per-item delivery attempt cap.
func (s *Store) MaxAttempts() int {
	return s.cfg.MaxAttempts
}

// Ping checks store connectivity, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the store.
func (s *Store) Close() error {
	if s.drainStmt != nil {
		s.drainStmt.Close()
	}
	if s.claimStmt != nil {
		s.claimStmt.Close()
	}
	return s.db.Close()
}
