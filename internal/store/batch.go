package store

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdclog/internal/cdc"
	"github.com/mehmetymw/cdclog/internal/changelog"
	"github.com/mehmetymw/cdclog/internal/mutation"
)

// Batch stages writes in memory, one merged mutation per partition. Nothing
// reaches badger before Commit, which writes every partition in a single
// transaction.
type Batch struct {
	s       *Store
	pending map[string]*mutation.Mutation
	order   []string
}

var _ changelog.BatchStore = (*Store)(nil)

func (s *Store) NewBatch() changelog.Batch {
	return &Batch{s: s, pending: make(map[string]*mutation.Mutation)}
}

func (b *Batch) Apply(ctx context.Context, m *mutation.Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k := string(partitionKey(m.Schema().QualifiedName(), m.Key()))
	cur, ok := b.pending[k]
	if !ok {
		cur = mutation.New(m.Schema(), m.Key())
		b.pending[k] = cur
		b.order = append(b.order, k)
	}
	cur.Apply(m)
	return nil
}

// ReadRow reads the stored row with the staged writes of its partition
// applied on top.
func (b *Batch) ReadRow(ctx context.Context, sch *mutation.Schema, pk, ck mutation.Key, cols *cdc.ColumnSet) (*changelog.Image, error) {
	cur, err := b.s.load(ctx, sch, pk, ck)
	if err != nil {
		return nil, err
	}
	if staged, ok := b.pending[string(partitionKey(sch.QualifiedName(), pk))]; ok {
		cur.Apply(staged)
	}
	return changelog.ImageOf(cur, ck, cols), nil
}

// Commit writes the staged partitions. The batch is empty afterwards.
func (b *Batch) Commit(ctx context.Context) error {
	if len(b.order) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.s.db.Update(func(txn *badger.Txn) error {
		for _, k := range b.order {
			if err := applyMutation(txn, b.pending[k]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "committing %d staged partitions", len(b.order))
	}
	b.s.logger.Debug("Committed staged writes", zap.Int("partitions", len(b.order)))
	b.pending = make(map[string]*mutation.Mutation)
	b.order = nil
	return nil
}
