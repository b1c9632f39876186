// Package store keeps the current state of base tables in BadgerDB. It
// serves the row images used for preimages and postimages.
package store

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdclog/internal/cdc"
	"github.com/mehmetymw/cdclog/internal/changelog"
	"github.com/mehmetymw/cdclog/internal/config"
	"github.com/mehmetymw/cdclog/internal/mutation"
)

type Store struct {
	db     *badger.DB
	logger *zap.Logger

	gcInterval time.Duration
	gcRatio    float64
	stopCh     chan struct{}
	doneCh     chan struct{}
}

var _ changelog.ImageStore = (*Store)(nil)

// badgerLogger routes badger's own logging to zap.
type badgerLogger struct {
	logger *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...interface{})   { l.logger.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...interface{}) { l.logger.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...interface{})    { l.logger.Debugf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...interface{})   { l.logger.Debugf(format, args...) }

// Open opens the store described by cfg. A non-zero GC interval starts a
// value log garbage collector, stopped by Close.
func Open(cfg config.StoreConfig, logger *zap.Logger) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("store path is required unless in_memory is set")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, errors.Wrapf(err, "creating store directory %s", cfg.Path)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{logger: logger.Named("badger").Sugar()})

	logger.Info("Opening image store",
		zap.String("path", cfg.Path),
		zap.Bool("in_memory", cfg.InMemory),
		zap.Bool("sync_writes", cfg.SyncWrites))
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "opening badger")
	}

	s := &Store{
		db:         db,
		logger:     logger,
		gcInterval: time.Duration(cfg.GCIntervalSec) * time.Second,
		gcRatio:    cfg.GCDiscardRatio,
	}
	if s.gcInterval > 0 && !cfg.InMemory {
		s.stopCh = make(chan struct{})
		s.doneCh = make(chan struct{})
		go s.runGC()
	}
	return s, nil
}

func (s *Store) runGC() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(s.gcRatio)
			switch {
			case err == nil:
				s.logger.Debug("Value log GC completed")
			case !errors.Is(err, badger.ErrNoRewrite):
				s.logger.Warn("Value log GC failed", zap.Error(err))
			}
		}
	}
}

func (s *Store) Close() error {
	s.logger.Info("Closing image store")
	if s.stopCh != nil {
		close(s.stopCh)
		<-s.doneCh
	}
	return s.db.Close()
}

// Apply merges m into the stored state in one transaction. Reconciliation is
// last-write-wins, so applying the same write twice is harmless.
func (s *Store) Apply(ctx context.Context, m *mutation.Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return applyMutation(txn, m)
	})
	if err != nil {
		return errors.Wrapf(err, "applying mutation to %s%s", m.Schema().QualifiedName(), m.Key())
	}
	s.logger.Debug("Applied mutation to image store",
		zap.String("table", m.Schema().QualifiedName()),
		zap.Stringer("partition_key", m.Key()),
		zap.Int("rows", m.Partition().RowCount()))
	return nil
}

func applyMutation(txn *badger.Txn, m *mutation.Mutation) error {
	table := m.Schema().QualifiedName()
	p := m.Partition()

	part := fromPartition(p)
	if !part.empty() {
		key := partitionKey(table, m.Key())
		cur := mutation.New(m.Schema(), m.Key())
		var stored partitionRecord
		if _, err := get(txn, key, &stored); err != nil {
			return err
		}
		stored.applyTo(cur.Partition())
		part.applyTo(cur.Partition())
		if err := set(txn, key, fromPartition(cur.Partition())); err != nil {
			return err
		}
	}

	var err error
	p.ForEachRow(func(ck mutation.Key, row *mutation.DeletableRow) bool {
		key := rowKey(table, m.Key(), ck)
		var stored rowRecord
		if _, err = get(txn, key, &stored); err != nil {
			return false
		}
		var cur mutation.DeletableRow
		stored.applyTo(&cur)
		cur.Apply(row)
		err = set(txn, key, fromDeletableRow(&cur))
		return err == nil
	})
	return err
}

// ReadRow returns the live image of a row restricted to cols. A nil ck reads
// only the static columns.
func (s *Store) ReadRow(ctx context.Context, sch *mutation.Schema, pk, ck mutation.Key, cols *cdc.ColumnSet) (*changelog.Image, error) {
	cur, err := s.load(ctx, sch, pk, ck)
	if err != nil {
		return nil, err
	}
	return changelog.ImageOf(cur, ck, cols), nil
}

// load reads the stored partition state and the row at ck into a mutation.
func (s *Store) load(ctx context.Context, sch *mutation.Schema, pk, ck mutation.Key) (*mutation.Mutation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	table := sch.QualifiedName()
	cur := mutation.New(sch, pk)

	err := s.db.View(func(txn *badger.Txn) error {
		var part partitionRecord
		if _, err := get(txn, partitionKey(table, pk), &part); err != nil {
			return err
		}
		part.applyTo(cur.Partition())
		if ck == nil {
			return nil
		}
		var row rowRecord
		found, err := get(txn, rowKey(table, pk, ck), &row)
		if err != nil || !found {
			return err
		}
		row.applyTo(cur.ClusteredRow(ck))
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s%s%s", table, pk, ck)
	}
	return cur, nil
}

// get decodes the record under key into v, reporting whether it existed.
func get(txn *badger.Txn, key []byte, v any) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
	if err != nil {
		return false, errors.Wrapf(err, "decoding record %q", key)
	}
	return true, nil
}

func set(txn *badger.Txn, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, b)
}
