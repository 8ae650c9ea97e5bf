package contextstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/kingrea/chainforge/internal/chain"
)

const conflictRetries = 32

// BadgerConfig configures a BadgerStore.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path     string
	InMemory bool
	// TTL applies to every write. Zero uses DefaultTTL.
	TTL    time.Duration
	Logger *slog.Logger
}

// BadgerStore implements Store on an embedded Badger database using native
// per-entry TTLs.
type BadgerStore struct {
	db     *badger.DB
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenBadger opens (or creates) a Badger-backed store.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("contextstore: badger path is required for a persistent store")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("contextstore: create %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithNumVersionsToKeep(1)
	logger := cfg.Logger
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("contextstore: open badger: %w", err)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &BadgerStore{db: db, ttl: ttl, logger: logger, now: time.Now}, nil
}

func chainPrefix(chainID string) []byte {
	return []byte("chain/" + chainID + "/")
}

func resultKey(chainID, taskID string) []byte {
	return []byte("chain/" + chainID + "/result/" + taskID)
}

func aggregateKey(chainID string) []byte {
	return []byte("chain/" + chainID + "/results")
}

func seqKey(chainID string) []byte {
	return []byte("chain/" + chainID + "/seq")
}

func snapshotKey(chainID string) []byte {
	return []byte("chain/" + chainID + "/snapshot")
}

func historyPrefix(chainID string) []byte {
	return []byte("chain/" + chainID + "/history/")
}

func historyKey(chainID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("chain/%s/history/%020d", chainID, seq))
}

// update runs fn in a read-write transaction, retrying on optimistic
// conflicts with concurrent writers of the same chain.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (s *BadgerStore) set(txn *badger.Txn, key []byte, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return txn.SetEntry(badger.NewEntry(key, encoded).WithTTL(s.ttl))
}

func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

// PutResult writes the task record and merges it into the aggregate record
// in one transaction.
func (s *BadgerStore) PutResult(ctx context.Context, chainID string, result chain.Result) error {
	if chainID == "" || result.TaskID == "" {
		return errors.New("contextstore: chain id and task id are required")
	}
	err := s.update(ctx, func(txn *badger.Txn) error {
		if err := s.set(txn, resultKey(chainID, result.TaskID), result); err != nil {
			return err
		}
		aggregate := map[string]chain.Result{}
		if err := getJSON(txn, aggregateKey(chainID), &aggregate); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		aggregate[result.TaskID] = result
		return s.set(txn, aggregateKey(chainID), aggregate)
	})
	if err != nil {
		return fmt.Errorf("contextstore: put result %s/%s: %w", chainID, result.TaskID, err)
	}
	return nil
}

// GetResult reads one task record.
func (s *BadgerStore) GetResult(ctx context.Context, chainID, taskID string) (chain.Result, error) {
	var out chain.Result
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, resultKey(chainID, taskID), &out)
	})
	if err != nil {
		return chain.Result{}, wrapRead("result "+chainID+"/"+taskID, err)
	}
	return out, nil
}

// Results reads the aggregate record.
func (s *BadgerStore) Results(ctx context.Context, chainID string) (map[string]chain.Result, error) {
	out := map[string]chain.Result{}
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, aggregateKey(chainID), &out)
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, wrapRead("results "+chainID, err)
	}
	return out, nil
}

// AppendHistory assigns the next sequence number and writes the entry.
func (s *BadgerStore) AppendHistory(ctx context.Context, chainID string, entry HistoryEntry) (HistoryEntry, error) {
	if chainID == "" {
		return HistoryEntry{}, errors.New("contextstore: chain id is required")
	}
	entry.ChainID = chainID
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now().UTC()
	}
	var stored HistoryEntry
	err := s.update(ctx, func(txn *badger.Txn) error {
		var seq uint64
		item, err := txn.Get(seqKey(chainID))
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				if len(val) != 8 {
					return fmt.Errorf("corrupt sequence record")
				}
				seq = binary.BigEndian.Uint64(val)
				return nil
			}); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		seq++
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, seq)
		if err := txn.SetEntry(badger.NewEntry(seqKey(chainID), buf).WithTTL(s.ttl)); err != nil {
			return err
		}
		stored = entry
		stored.Seq = seq
		return s.set(txn, historyKey(chainID, seq), stored)
	})
	if err != nil {
		return HistoryEntry{}, fmt.Errorf("contextstore: append history %s: %w", chainID, err)
	}
	return stored, nil
}

// History returns entries in sequence order.
func (s *BadgerStore) History(ctx context.Context, chainID string) ([]HistoryEntry, error) {
	var out []HistoryEntry
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := historyPrefix(chainID)
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 64, Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var entry HistoryEntry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return err
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, wrapRead("history "+chainID, err)
	}
	return out, nil
}

// PutSnapshot overwrites the chain's snapshot record.
func (s *BadgerStore) PutSnapshot(ctx context.Context, snapshot chain.Snapshot) error {
	if snapshot.ID == "" {
		return errors.New("contextstore: snapshot chain id is required")
	}
	err := s.update(ctx, func(txn *badger.Txn) error {
		return s.set(txn, snapshotKey(snapshot.ID), snapshot)
	})
	if err != nil {
		return fmt.Errorf("contextstore: put snapshot %s: %w", snapshot.ID, err)
	}
	return nil
}

// GetSnapshot reads the chain's snapshot record.
func (s *BadgerStore) GetSnapshot(ctx context.Context, chainID string) (chain.Snapshot, error) {
	var out chain.Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, snapshotKey(chainID), &out)
	})
	if err != nil {
		return chain.Snapshot{}, wrapRead("snapshot "+chainID, err)
	}
	return out, nil
}

// Extend rewrites every live record of the chain with a fresh TTL.
func (s *BadgerStore) Extend(ctx context.Context, chainID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.ttl
	}
	err := s.update(ctx, func(txn *badger.Txn) error {
		prefix := chainPrefix(chainID)
		type record struct {
			key, value []byte
		}
		var records []record
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, Prefix: prefix})
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				it.Close()
				return err
			}
			records = append(records, record{key: item.KeyCopy(nil), value: value})
		}
		it.Close()
		for _, rec := range records {
			if err := txn.SetEntry(badger.NewEntry(rec.key, rec.value).WithTTL(ttl)); err != nil {
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

// Close releases the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func wrapRead(what string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return fmt.Errorf("contextstore: read %s: %w", what, err)
}
