// Package store provides embedded persistence for analyses, their
// parsed process steps, and their PFMEA results.
//
// # Description
//
// BadgerDB is used for local embedded storage with low-latency access.
// Records are JSON-encoded under typed key prefixes:
//
//	analysis/<id>  - analysis metadata and status
//	steps/<id>     - parsed process steps for one analysis
//	context/<id>   - document-level equipment and control points
//	results/<id>   - finalized PFMEA results for one analysis
//
// # Thread Safety
//
// All methods are safe for concurrent use; BadgerDB transactions
// provide isolation.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/stephenhungg/pfmea-agent/services/pfmea/datatypes"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

const (
	analysisPrefix = "analysis/"
	stepsPrefix    = "steps/"
	contextPrefix  = "context/"
	resultsPrefix  = "results/"
)

// Config holds configuration for the store.
type Config struct {
	// Path is the directory for database files. Required unless
	// InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// GCInterval is how often to run value log garbage collection.
	// 0 disables GC.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before
	// GC rewrites a value log file.
	GCDiscardRatio float64

	// Logger receives store and BadgerDB log output. Nil disables
	// BadgerDB's internal logging.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults: durable writes and
// five-minute GC.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// Store is an embedded analysis database.
type Store struct {
	db     *badger.DB
	log    *slog.Logger
	stopGC chan struct{}
	doneGC chan struct{}
}

// Open opens the store with the given configuration. Callers must
// Close the returned store.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &Store{db: db, log: cfg.Logger}
	if s.log == nil {
		s.log = slog.Default()
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.doneGC = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

// OpenInMemory opens a non-persistent store for testing.
func OpenInMemory() (*Store, error) {
	return Open(Config{InMemory: true})
}

// Close stops garbage collection and closes the database.
func (s *Store) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.doneGC
		s.stopGC = nil
	}
	return s.db.Close()
}

// SaveAnalysis inserts or replaces an analysis record.
func (s *Store) SaveAnalysis(ctx context.Context, a *datatypes.Analysis) error {
	return s.put(ctx, analysisPrefix+a.ID, a)
}

// GetAnalysis retrieves an analysis record by id.
func (s *Store) GetAnalysis(ctx context.Context, id string) (*datatypes.Analysis, error) {
	var a datatypes.Analysis
	if err := s.get(ctx, analysisPrefix+id, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAnalyses returns all analysis records, newest first.
func (s *Store) ListAnalyses(ctx context.Context) ([]datatypes.Analysis, error) {
	var analyses []datatypes.Analysis
	err := s.scan(ctx, analysisPrefix, func(val []byte) error {
		var a datatypes.Analysis
		if err := json.Unmarshal(val, &a); err != nil {
			return err
		}
		analyses = append(analyses, a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Keys iterate in lexical id order; present newest first instead.
	sort.Slice(analyses, func(i, j int) bool {
		return analyses[i].UploadedAt.After(analyses[j].UploadedAt)
	})
	return analyses, nil
}

// SetStatus updates the status fields of an analysis record.
func (s *Store) SetStatus(ctx context.Context, id, status, errorMessage string) error {
	a, err := s.GetAnalysis(ctx, id)
	if err != nil {
		return err
	}
	a.Status = status
	a.ErrorMessage = errorMessage
	if status == datatypes.AnalysisCompleted || status == datatypes.AnalysisFailed {
		now := time.Now().UTC()
		a.CompletedAt = &now
	}
	return s.SaveAnalysis(ctx, a)
}

// DeleteAnalysis removes an analysis and its steps and results.
func (s *Store) DeleteAnalysis(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(analysisPrefix + id)); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		for _, key := range []string{analysisPrefix + id, stepsPrefix + id, contextPrefix + id, resultsPrefix + id} {
			if err := txn.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveSteps stores the parsed process steps for an analysis.
func (s *Store) SaveSteps(ctx context.Context, id string, steps []datatypes.ProcessStep) error {
	return s.put(ctx, stepsPrefix+id, steps)
}

// GetSteps retrieves the parsed process steps for an analysis.
func (s *Store) GetSteps(ctx context.Context, id string) ([]datatypes.ProcessStep, error) {
	var steps []datatypes.ProcessStep
	if err := s.get(ctx, stepsPrefix+id, &steps); err != nil {
		return nil, err
	}
	return steps, nil
}

// SaveContext stores the document-level step context for an analysis.
func (s *Store) SaveContext(ctx context.Context, id string, sctx datatypes.StepContext) error {
	return s.put(ctx, contextPrefix+id, sctx)
}

// GetContext retrieves the document-level step context. A missing
// record yields an empty context, not an error.
func (s *Store) GetContext(ctx context.Context, id string) (datatypes.StepContext, error) {
	var sctx datatypes.StepContext
	err := s.get(ctx, contextPrefix+id, &sctx)
	if errors.Is(err, ErrNotFound) {
		return datatypes.StepContext{}, nil
	}
	return sctx, err
}

// SaveResults stores the finalized results for an analysis, replacing
// any previous set.
func (s *Store) SaveResults(ctx context.Context, id string, results []datatypes.PFMEAResult) error {
	return s.put(ctx, resultsPrefix+id, results)
}

// GetResults retrieves the finalized results for an analysis. An
// analysis with no saved results yet returns ErrNotFound.
func (s *Store) GetResults(ctx context.Context, id string) ([]datatypes.PFMEAResult, error) {
	var results []datatypes.PFMEAResult
	if err := s.get(ctx, resultsPrefix+id, &results); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Store) put(ctx context.Context, key string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", keyKind(key), err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

func (s *Store) get(ctx context.Context, key string, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
}

func (s *Store) scan(ctx context.Context, prefix string, fn func(val []byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) runGC(interval time.Duration, ratio float64) {
	defer close(s.doneGC)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			if err == nil {
				s.log.Debug("badger value log GC completed")
			} else if !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

func keyKind(key string) string {
	if i := strings.IndexByte(key, '/'); i > 0 {
		return key[:i]
	}
	return key
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
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
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
