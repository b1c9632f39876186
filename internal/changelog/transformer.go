package changelog

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/mehmetymw/cdclog/internal/cdc"
	"github.com/mehmetymw/cdclog/internal/mutation"
)

// Transformer turns the decomposition of one mutation into log rows. Deltas
// are applied to the image store once their rows are built, so postimages
// show the state each delta leaves behind.
type Transformer struct {
	store   ImageStore
	schema  *mutation.Schema
	pk      mutation.Key
	options cdc.Options

	ts    mutation.Timestamp
	tuuid uuid.UUID
	last  *cdc.Change
	rows  []Row
}

var _ cdc.ChangeProcessor = (*Transformer)(nil)

func NewTransformer(store ImageStore, m *mutation.Mutation, options cdc.Options) *Transformer {
	return &Transformer{
		store:   store,
		schema:  m.Schema(),
		pk:      m.Key(),
		options: options,
	}
}

// Rows returns the rows produced so far, in emission order.
func (t *Transformer) Rows() []Row { return t.rows }

func (t *Transformer) BeginTimestamp(_ context.Context, ts mutation.Timestamp) error {
	t.ts = ts
	t.tuuid = TimeUUID(ts)
	return nil
}

func (t *Transformer) newRow(seq *cdc.BatchSeq, op Operation) Row {
	r := Row{
		Table:      t.schema.QualifiedName(),
		Partition:  t.pk.String(),
		Time:       t.tuuid,
		Timestamp:  int64(t.ts),
		BatchSeqNo: seq.Next(),
		Operation:  op,
		Key:        make(map[string]string),
	}
	r.setKey(t.schema, mutation.PartitionKeyColumn, t.pk)
	if t.options.TTL > 0 {
		exp := time.UnixMicro(int64(t.ts)).UTC().Add(t.options.TTL)
		r.Expires = &exp
	}
	return r
}

func (t *Transformer) ProducePreimage(ctx context.Context, key mutation.Key, cols *cdc.ColumnSet, seq *cdc.BatchSeq) error {
	img, err := t.store.ReadRow(ctx, t.schema, t.pk, key, cols)
	if err != nil {
		return errors.Wrapf(err, "reading preimage of %s", t.schema.QualifiedName())
	}
	if img == nil {
		seq.Next()
		return nil
	}
	r := t.newRow(seq, OpPreImage)
	r.setKey(t.schema, mutation.ClusteringKeyColumn, key)
	t.fillImage(&r, img)
	t.rows = append(t.rows, r)
	return nil
}

func (t *Transformer) ProducePostimage(ctx context.Context, key mutation.Key, seq *cdc.BatchSeq) error {
	if t.last == nil {
		return errors.AssertionFailedf("postimage requested before any delta")
	}
	cols := cdc.PostimageColumns(t.last)
	img, err := t.store.ReadRow(ctx, t.schema, t.pk, key, &cols)
	if err != nil {
		return errors.Wrapf(err, "reading postimage of %s", t.schema.QualifiedName())
	}
	r := t.newRow(seq, OpPostImage)
	r.setKey(t.schema, mutation.ClusteringKeyColumn, key)
	if img != nil {
		t.fillImage(&r, img)
	}
	t.rows = append(t.rows, r)
	return nil
}

func (t *Transformer) fillImage(r *Row, img *Image) {
	fill := func(kind mutation.ColumnKind, row *mutation.Row) {
		row.ForEachCell(func(id mutation.ColumnID, c mutation.Cell) {
			def := t.schema.ColumnAt(kind, id)
			if c.IsCollection() {
				if v := collectionValue(def, c.Collection); v != nil {
					r.setValue(def.Name, v)
				}
				return
			}
			r.setValue(def.Name, string(c.Atomic.Value))
		})
	}
	fill(mutation.StaticColumn, &img.Static)
	fill(mutation.RegularColumn, &img.Regular)
}

func (t *Transformer) ProcessDelta(ctx context.Context, ch *cdc.Change, seq *cdc.BatchSeq) error {
	t.last = ch
	p := ch.Mutation.Partition()

	switch ch.Kind {
	case cdc.PartitionDelete:
		t.rows = append(t.rows, t.newRow(seq, OpPartitionDelete))

	case cdc.RangeDelete:
		for _, rt := range p.RangeTombstones() {
			start := t.newRow(seq, OpRangeDeleteStartExclusive)
			if len(rt.Start) == 0 || rt.StartInclusive {
				start.Operation = OpRangeDeleteStartInclusive
			}
			start.setKey(t.schema, mutation.ClusteringKeyColumn, rt.Start)

			end := t.newRow(seq, OpRangeDeleteEndExclusive)
			if len(rt.End) == 0 || rt.EndInclusive {
				end.Operation = OpRangeDeleteEndInclusive
			}
			end.setKey(t.schema, mutation.ClusteringKeyColumn, rt.End)
			t.rows = append(t.rows, start, end)
		}

	case cdc.RowDelete:
		r := t.newRow(seq, OpRowDelete)
		r.setKey(t.schema, mutation.ClusteringKeyColumn, ch.Key)
		t.rows = append(t.rows, r)

	case cdc.StaticUpdate:
		r := t.newRow(seq, OpUpdate)
		t.fillDelta(&r, mutation.StaticColumn, p.StaticRow(), ch.TTL)
		t.rows = append(t.rows, r)

	case cdc.Insert, cdc.Update:
		op := OpUpdate
		if ch.Kind == cdc.Insert {
			op = OpInsert
		}
		r := t.newRow(seq, op)
		r.setKey(t.schema, mutation.ClusteringKeyColumn, ch.Key)
		row, ok := p.FindRow(ch.Key)
		if !ok {
			return errors.AssertionFailedf("%s change at %d has no row %s", ch.Kind, ch.Timestamp, ch.Key)
		}
		t.fillDelta(&r, mutation.RegularColumn, &row.Cells, ch.TTL)
		t.rows = append(t.rows, r)

	default:
		return errors.AssertionFailedf("unexpected change kind %s", ch.Kind)
	}

	if err := t.store.Apply(ctx, ch.Mutation); err != nil {
		return errors.Wrapf(err, "applying %s to %s", ch.Kind, t.schema.QualifiedName())
	}
	return nil
}

func (t *Transformer) fillDelta(r *Row, kind mutation.ColumnKind, row *mutation.Row, ttl time.Duration) {
	if ttl > 0 {
		r.TTL = int64(ttl / time.Second)
	}
	row.ForEachCell(func(id mutation.ColumnID, c mutation.Cell) {
		def := t.schema.ColumnAt(kind, id)
		if !c.IsCollection() {
			if c.Atomic.Live {
				r.setValue(def.Name, string(c.Atomic.Value))
			} else {
				r.Deleted = append(r.Deleted, def.Name)
			}
			return
		}
		// A collection tombstone is how an assignment is written: the
		// column is cleared before the new elements are added.
		if c.Collection.Tomb.IsSet() {
			r.Deleted = append(r.Deleted, def.Name)
		}
		for _, e := range c.Collection.Cells {
			if !e.Cell.Live {
				r.deleteElement(def.Name, elementKey(def, e.Key))
			}
		}
		if v := collectionValue(def, c.Collection); v != nil {
			r.setValue(def.Name, v)
		}
	})
}
