// Package store persists user-managed graph state: overlay nodes, ignored
// findings and the relocation history. It is backed by badger.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	jsoniter "github.com/json-iterator/go"

	"github.com/fortifai/core/internal/models"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when creating a key that is already present.
	ErrExists = errors.New("already exists")
)

const createAttempts = 3

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	nodePrefix       = "node/"
	ignorePrefix     = "ignore/"
	relocationPrefix = "relocation/"
)

type Options struct {
	// Path of the database directory. Empty opens an in-memory store.
	Path       string
	GCInterval time.Duration
	Logger     *slog.Logger
}

type Store struct {
	db     *badger.DB
	logger *slog.Logger

	stopGC chan struct{}
	gcDone sync.WaitGroup
}

func Open(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var badgerOpts badger.Options
	if opts.Path == "" {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		badgerOpts = badger.DefaultOptions(opts.Path)
	}
	badgerOpts = badgerOpts.WithLogger(&badgerLogger{logger: logger.With("component", "badger")})

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	s := &Store{db: db, logger: logger, stopGC: make(chan struct{})}
	if opts.Path != "" && opts.GCInterval > 0 {
		s.gcDone.Add(1)
		go s.runGC(opts.GCInterval)
	}

	return s, nil
}

func (s *Store) Close() error {
	close(s.stopGC)
	s.gcDone.Wait()
	return s.db.Close()
}

func (s *Store) runGC(interval time.Duration) {
	defer s.gcDone.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("value log gc failed", "error", err)
			}
		}
	}
}

func (s *Store) put(ctx context.Context, key string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

// create stores v under key unless the key is already present. The check
// and the write share one transaction; a conflicting commit is retried so
// the loser observes the winner's key.
func (s *Store) create(ctx context.Context, key string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}

	for attempt := 0; ; attempt++ {
		err = s.db.Update(func(txn *badger.Txn) error {
			_, err := txn.Get([]byte(key))
			if err == nil {
				return fmt.Errorf("%s: %w", key, ErrExists)
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			return txn.Set([]byte(key), data)
		})
		if !errors.Is(err, badger.ErrConflict) || attempt+1 >= createAttempts {
			return err
		}
	}
}

func (s *Store) get(ctx context.Context, key string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
}

func (s *Store) remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%s: %w", key, ErrNotFound)
			}
			return err
		}
		return txn.Delete([]byte(key))
	})
}

// scan decodes every value under prefix with decode.
func (s *Store) scan(ctx context.Context, prefix string, decode func([]byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(decode); err != nil {
				return fmt.Errorf("failed to decode %s: %w", it.Item().Key(), err)
			}
		}
		return nil
	})
}

func (s *Store) PutNode(ctx context.Context, node models.Node) error {
	return s.put(ctx, nodePrefix+node.ID, node)
}

// CreateNode stores node and fails with ErrExists when the id is taken.
func (s *Store) CreateNode(ctx context.Context, node models.Node) error {
	return s.create(ctx, nodePrefix+node.ID, node)
}

func (s *Store) GetNode(ctx context.Context, id string) (models.Node, error) {
	var node models.Node
	err := s.get(ctx, nodePrefix+id, &node)
	return node, err
}

func (s *Store) DeleteNode(ctx context.Context, id string) error {
	return s.remove(ctx, nodePrefix+id)
}

func (s *Store) ListNodes(ctx context.Context) ([]models.Node, error) {
	nodes := []models.Node{}
	err := s.scan(ctx, nodePrefix, func(val []byte) error {
		var node models.Node
		if err := json.Unmarshal(val, &node); err != nil {
			return err
		}
		nodes = append(nodes, node)
		return nil
	})
	return nodes, err
}

func (s *Store) PutIgnore(ctx context.Context, entry models.IgnoreEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return s.put(ctx, ignorePrefix+entry.ID, entry)
}

func (s *Store) DeleteIgnore(ctx context.Context, id string) error {
	return s.remove(ctx, ignorePrefix+id)
}

func (s *Store) ListIgnores(ctx context.Context) ([]models.IgnoreEntry, error) {
	entries := []models.IgnoreEntry{}
	err := s.scan(ctx, ignorePrefix, func(val []byte) error {
		var entry models.IgnoreEntry
		if err := json.Unmarshal(val, &entry); err != nil {
			return err
		}
		entries = append(entries, entry)
		return nil
	})
	return entries, err
}

// Ignored returns the ignore list as id -> reason.
func (s *Store) Ignored(ctx context.Context) (map[string]string, error) {
	entries, err := s.ListIgnores(ctx)
	if err != nil {
		return nil, err
	}
	ignored := make(map[string]string, len(entries))
	for _, e := range entries {
		ignored[e.ID] = e.Reason
	}
	return ignored, nil
}

func (s *Store) PutRelocation(ctx context.Context, result models.RelocationResult) error {
	return s.put(ctx, relocationPrefix+result.ID, result)
}

// ListRelocations returns the relocation history, newest first.
func (s *Store) ListRelocations(ctx context.Context) ([]models.RelocationResult, error) {
	results := []models.RelocationResult{}
	err := s.scan(ctx, relocationPrefix, func(val []byte) error {
		var result models.RelocationResult
		if err := json.Unmarshal(val, &result); err != nil {
			return err
		}
		results = append(results, result)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].StartedAt.After(results[j].StartedAt)
	})
	return results, nil
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
