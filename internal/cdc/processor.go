package cdc

import (
	"context"
	"time"

	"github.com/mehmetymw/cdclog/internal/mutation"
)

// ChangeKind classifies an atomic change.
type ChangeKind int

const (
	StaticUpdate ChangeKind = iota
	Insert
	Update
	RowDelete
	RangeDelete
	PartitionDelete
)

func (k ChangeKind) String() string {
	switch k {
	case StaticUpdate:
		return "static_update"
	case Insert:
		return "insert"
	case Update:
		return "update"
	case RowDelete:
		return "row_delete"
	case RangeDelete:
		return "range_delete"
	case PartitionDelete:
		return "partition_delete"
	}
	return "unknown"
}

// Change is an atomic change: one timestamp, one TTL and a single affected
// row, or a single row, range or partition tombstone.
type Change struct {
	Kind      ChangeKind
	Timestamp mutation.Timestamp
	TTL       time.Duration
	// Key is the clustering key of the affected row. It is nil for static
	// updates, range deletes and partition deletes.
	Key mutation.Key
	// Columns holds the columns the change writes.
	Columns ColumnSet
	// Mutation holds exactly the writes of this change.
	Mutation *mutation.Mutation
}

// HasImage reports whether preimages and postimages are produced around the
// change.
func (c *Change) HasImage() bool {
	switch c.Kind {
	case RangeDelete:
		return false
	case PartitionDelete:
		s := c.Mutation.Schema()
		return s.HasColumns(mutation.StaticColumn) || s.HasColumns(mutation.RegularColumn)
	}
	return true
}

// BatchSeq numbers the log rows of one timestamp group.
type BatchSeq struct {
	n int
}

// Next returns the current number and advances the counter.
func (b *BatchSeq) Next() int {
	n := b.n
	b.n++
	return n
}

// Peek returns the number the next row will get.
func (b *BatchSeq) Peek() int { return b.n }

// ChangeProcessor receives the decomposition of a mutation. For every
// timestamp group, in ascending order, BeginTimestamp is called once and is
// followed by preimage, delta and postimage calls for each change of the
// group. ProducePreimage, ProcessDelta and ProducePostimage must take at
// least one number from seq.
type ChangeProcessor interface {
	BeginTimestamp(ctx context.Context, ts mutation.Timestamp) error
	// ProducePreimage asks for the state of the given columns of a row before
	// the next delta. A nil key means the static row.
	ProducePreimage(ctx context.Context, key mutation.Key, cols *ColumnSet, seq *BatchSeq) error
	ProcessDelta(ctx context.Context, change *Change, seq *BatchSeq) error
	// ProducePostimage asks for the full state of a row after the last delta.
	ProducePostimage(ctx context.Context, key mutation.Key, seq *BatchSeq) error
}

// PreimageFunc and PostimageFunc receive image requests in callback style.
// The column set of a postimage request always holds every column of the
// row.
type (
	PreimageFunc  func(ctx context.Context, key mutation.Key, cols *ColumnSet, ts mutation.Timestamp, seq *BatchSeq) error
	PostimageFunc func(ctx context.Context, key mutation.Key, cols *ColumnSet, ts mutation.Timestamp, seq *BatchSeq) error
	DeltaFunc     func(ctx context.Context, change *Change, ts mutation.Timestamp, seq *BatchSeq) error
)

// Funcs adapts callbacks to a ChangeProcessor. A nil image func disables
// that image.
type Funcs struct {
	Preimage  PreimageFunc
	Postimage PostimageFunc
	Delta     DeltaFunc

	ts   mutation.Timestamp
	last *Change
}

var _ ChangeProcessor = (*Funcs)(nil)

func (f *Funcs) images() ImageOptions {
	return ImageOptions{Preimage: f.Preimage != nil, Postimage: f.Postimage != nil}
}

func (f *Funcs) BeginTimestamp(_ context.Context, ts mutation.Timestamp) error {
	f.ts = ts
	return nil
}

// ProducePreimage calls Preimage, or only takes a sequence number when it is
// nil.
func (f *Funcs) ProducePreimage(ctx context.Context, key mutation.Key, cols *ColumnSet, seq *BatchSeq) error {
	if f.Preimage == nil {
		seq.Next()
		return nil
	}
	return f.Preimage(ctx, key, cols, f.ts, seq)
}

func (f *Funcs) ProcessDelta(ctx context.Context, change *Change, seq *BatchSeq) error {
	f.last = change
	return f.Delta(ctx, change, f.ts, seq)
}

func (f *Funcs) ProducePostimage(ctx context.Context, key mutation.Key, seq *BatchSeq) error {
	if f.Postimage == nil {
		seq.Next()
		return nil
	}
	cols := PostimageColumns(f.last)
	return f.Postimage(ctx, key, &cols, f.ts, seq)
}

// PostimageColumns is the column set of the row a change leaves behind:
// static columns for the static row, every non-key column otherwise.
func PostimageColumns(c *Change) ColumnSet {
	s := c.Mutation.Schema()
	var cols ColumnSet
	cols.AddAll(s, mutation.StaticColumn)
	if c.Kind != StaticUpdate {
		cols.AddAll(s, mutation.RegularColumn)
	}
	return cols
}
