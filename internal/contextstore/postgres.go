package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kingrea/chainforge/internal/chain"
)

// PgStore implements Store on PostgreSQL. Expiry is tracked in expires_at
// columns; reads ignore expired rows and Purge deletes them.
type PgStore struct {
	pool *pgxpool.Pool
	ttl  time.Duration
	now  func() time.Time
}

// NewPgStore wraps an existing pool. Call EnsureTables before use.
func NewPgStore(pool *pgxpool.Pool, ttl time.Duration) *PgStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &PgStore{pool: pool, ttl: ttl, now: time.Now}
}

// OpenPg connects to dsn and prepares the schema.
func OpenPg(ctx context.Context, dsn string, ttl time.Duration) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("contextstore: connect postgres: %w", err)
	}
	store := NewPgStore(pool, ttl)
	if err := store.EnsureTables(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// EnsureTables creates the store tables if they don't exist.
func (s *PgStore) EnsureTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS chainforge_results (
			chain_id   TEXT NOT NULL,
			task_id    TEXT NOT NULL,
			body       JSONB NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (chain_id, task_id)
		)`,
		`CREATE TABLE IF NOT EXISTS chainforge_aggregates (
			chain_id   TEXT PRIMARY KEY,
			body       JSONB NOT NULL DEFAULT '{}',
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chainforge_history (
			chain_id   TEXT NOT NULL,
			seq        BIGINT NOT NULL,
			task_id    TEXT NOT NULL DEFAULT '',
			kind       TEXT NOT NULL,
			message    TEXT NOT NULL DEFAULT '',
			at         TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (chain_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS chainforge_snapshots (
			chain_id   TEXT PRIMARY KEY,
			body       JSONB NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("contextstore: ensure tables: %w", err)
		}
	}
	return nil
}

func (s *PgStore) expiry() time.Time {
	return s.now().Add(s.ttl).Truncate(time.Microsecond)
}

// PutResult upserts the task row and merges it into the aggregate row in
// one transaction.
func (s *PgStore) PutResult(ctx context.Context, chainID string, result chain.Result) error {
	if chainID == "" || result.TaskID == "" {
		return errors.New("contextstore: chain id and task id are required")
	}
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("contextstore: marshal result: %w", err)
	}
	expires := s.expiry()
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO chainforge_results (chain_id, task_id, body, expires_at)
			VALUES ($1, $2, $3::jsonb, $4)
			ON CONFLICT (chain_id, task_id) DO UPDATE SET body = EXCLUDED.body, expires_at = EXCLUDED.expires_at`,
			chainID, result.TaskID, string(body), expires); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO chainforge_aggregates (chain_id, body, expires_at)
			VALUES ($1, jsonb_build_object($2::text, $3::jsonb), $4)
			ON CONFLICT (chain_id) DO UPDATE SET body = chainforge_aggregates.body || EXCLUDED.body, expires_at = EXCLUDED.expires_at`,
			chainID, result.TaskID, string(body), expires)
		return err
	})
	if err != nil {
		return fmt.Errorf("contextstore: put result %s/%s: %w", chainID, result.TaskID, err)
	}
	return nil
}

// GetResult reads one live task row.
func (s *PgStore) GetResult(ctx context.Context, chainID, taskID string) (chain.Result, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `
		SELECT body FROM chainforge_results
		WHERE chain_id = $1 AND task_id = $2 AND expires_at > $3`,
		chainID, taskID, s.now()).Scan(&body)
	if err != nil {
		return chain.Result{}, pgRead("result "+chainID+"/"+taskID, err)
	}
	var out chain.Result
	if err := json.Unmarshal(body, &out); err != nil {
		return chain.Result{}, fmt.Errorf("contextstore: decode result: %w", err)
	}
	return out, nil
}

// Results reads the aggregate row.
func (s *PgStore) Results(ctx context.Context, chainID string) (map[string]chain.Result, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `
		SELECT body FROM chainforge_aggregates WHERE chain_id = $1 AND expires_at > $2`,
		chainID, s.now()).Scan(&body)
	out := map[string]chain.Result{}
	if errors.Is(err, pgx.ErrNoRows) {
		return out, nil
	}
	if err != nil {
		return nil, pgRead("results "+chainID, err)
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("contextstore: decode results: %w", err)
	}
	return out, nil
}

// AppendHistory inserts the entry with the next per-chain sequence number.
func (s *PgStore) AppendHistory(ctx context.Context, chainID string, entry HistoryEntry) (HistoryEntry, error) {
	if chainID == "" {
		return HistoryEntry{}, errors.New("contextstore: chain id is required")
	}
	entry.ChainID = chainID
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now().UTC()
	}
	entry.Timestamp = entry.Timestamp.Truncate(time.Microsecond)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Serialize appends per chain so sequence numbers never collide.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, chainID); err != nil {
			return err
		}
		return tx.QueryRow(ctx, `
			INSERT INTO chainforge_history (chain_id, seq, task_id, kind, message, at, expires_at)
			VALUES ($1, COALESCE((SELECT MAX(seq) FROM chainforge_history WHERE chain_id = $1), 0) + 1, $2, $3, $4, $5, $6)
			RETURNING seq`,
			chainID, entry.TaskID, string(entry.Kind), entry.Message, entry.Timestamp, s.expiry()).Scan(&entry.Seq)
	})
	if err != nil {
		return HistoryEntry{}, fmt.Errorf("contextstore: append history %s: %w", chainID, err)
	}
	return entry, nil
}

// History lists live entries in sequence order.
func (s *PgStore) History(ctx context.Context, chainID string) ([]HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, task_id, kind, message, at FROM chainforge_history
		WHERE chain_id = $1 AND expires_at > $2 ORDER BY seq`,
		chainID, s.now())
	if err != nil {
		return nil, pgRead("history "+chainID, err)
	}
	defer rows.Close()
	var out []HistoryEntry
	for rows.Next() {
		entry := HistoryEntry{ChainID: chainID}
		var kind string
		if err := rows.Scan(&entry.Seq, &entry.TaskID, &kind, &entry.Message, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("contextstore: scan history: %w", err)
		}
		entry.Kind = HistoryKind(kind)
		out = append(out, entry)
	}
	return out, rows.Err()
}

// PutSnapshot upserts the chain's snapshot row.
func (s *PgStore) PutSnapshot(ctx context.Context, snapshot chain.Snapshot) error {
	if snapshot.ID == "" {
		return errors.New("contextstore: snapshot chain id is required")
	}
	body, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("contextstore: marshal snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO chainforge_snapshots (chain_id, body, expires_at) VALUES ($1, $2::jsonb, $3)
		ON CONFLICT (chain_id) DO UPDATE SET body = EXCLUDED.body, expires_at = EXCLUDED.expires_at`,
		snapshot.ID, string(body), s.expiry())
	if err != nil {
		return fmt.Errorf("contextstore: put snapshot %s: %w", snapshot.ID, err)
	}
	return nil
}

// GetSnapshot reads the chain's live snapshot row.
func (s *PgStore) GetSnapshot(ctx context.Context, chainID string) (chain.Snapshot, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `
		SELECT body FROM chainforge_snapshots WHERE chain_id = $1 AND expires_at > $2`,
		chainID, s.now()).Scan(&body)
	if err != nil {
		return chain.Snapshot{}, pgRead("snapshot "+chainID, err)
	}
	var out chain.Snapshot
	if err := json.Unmarshal(body, &out); err != nil {
		return chain.Snapshot{}, fmt.Errorf("contextstore: decode snapshot: %w", err)
	}
	return out, nil
}

// Extend pushes expires_at forward on every live row of the chain.
func (s *PgStore) Extend(ctx context.Context, chainID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.ttl
	}
	now := s.now()
	expires := now.Add(ttl).Truncate(time.Microsecond)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, table := range []string{"chainforge_results", "chainforge_aggregates", "chainforge_history", "chainforge_snapshots"} {
			if _, err := tx.Exec(ctx, `UPDATE `+table+` SET expires_at = $1 WHERE chain_id = $2 AND expires_at > $3`, expires, chainID, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("contextstore: extend %s: %w", chainID, err)
	}
	return nil
}

// Purge deletes expired rows from every table and reports how many went.
func (s *PgStore) Purge(ctx context.Context) (int64, error) {
	var total int64
	now := s.now()
	for _, table := range []string{"chainforge_results", "chainforge_aggregates", "chainforge_history", "chainforge_snapshots"} {
		tag, err := s.pool.Exec(ctx, `DELETE FROM `+table+` WHERE expires_at <= $1`, now)
		if err != nil {
			return total, fmt.Errorf("contextstore: purge %s: %w", table, err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

// Close releases the pool.
func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}

func pgRead(what string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return fmt.Errorf("contextstore: read %s: %w", what, err)
}
