// Package contextstore persists per-chain task results, the aggregate result
// record, an append-only history log, and chain snapshots. Every record
// expires after a TTL unless extended.
package contextstore

import (
	"context"
	"errors"
	"time"

	"github.com/kingrea/chainforge/internal/chain"
)

// ErrNotFound is returned when a record does not exist or has expired.
var ErrNotFound = errors.New("contextstore: not found")

// DefaultTTL applies when a store is created without an explicit TTL.
const DefaultTTL = time.Hour

// HistoryKind labels an entry in a chain's history log.
type HistoryKind string

const (
	HistoryChainStatus   HistoryKind = "chain.status"
	HistoryTaskStarted   HistoryKind = "task.started"
	HistoryTaskAttempt   HistoryKind = "task.attempt"
	HistoryTaskCompleted HistoryKind = "task.completed"
	HistoryTaskFailed    HistoryKind = "task.failed"
	HistoryTaskEscalated HistoryKind = "task.escalated"
	HistoryFeedback      HistoryKind = "feedback.received"
)

// HistoryEntry is one append-only log record. Seq is assigned by the store
// and increases by one per chain.
type HistoryEntry struct {
	Seq       uint64      `json:"seq"`
	ChainID   string      `json:"chain_id"`
	TaskID    string      `json:"task_id,omitempty"`
	Kind      HistoryKind `json:"kind"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Store is the durable context store contract. Implementations must make
// PutResult atomic across the per-task record and the aggregate record.
type Store interface {
	PutResult(ctx context.Context, chainID string, result chain.Result) error
	GetResult(ctx context.Context, chainID, taskID string) (chain.Result, error)
	// Results returns the aggregate record for the chain. A chain with no
	// results yields an empty map and no error.
	Results(ctx context.Context, chainID string) (map[string]chain.Result, error)
	AppendHistory(ctx context.Context, chainID string, entry HistoryEntry) (HistoryEntry, error)
	History(ctx context.Context, chainID string) ([]HistoryEntry, error)
	PutSnapshot(ctx context.Context, snapshot chain.Snapshot) error
	GetSnapshot(ctx context.Context, chainID string) (chain.Snapshot, error)
	// Extend resets the TTL of every record belonging to the chain.
	Extend(ctx context.Context, chainID string, ttl time.Duration) error
	Close() error
}
