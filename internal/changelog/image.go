package changelog

import (
	"context"

	"github.com/mehmetymw/cdclog/internal/cdc"
	"github.com/mehmetymw/cdclog/internal/mutation"
)

// Image is the live state of a row as seen by a preimage or postimage.
type Image struct {
	Static  mutation.Row
	Regular mutation.Row
	// Exists is set when the clustering row has a live marker or any live
	// cell.
	Exists bool
}

func (img *Image) Empty() bool {
	return !img.Exists && img.Static.Empty()
}

// ImageStore holds the current state of the base tables. Apply merges a
// write into it; ReadRow returns the live columns of a row, or nil when
// neither the row nor its static columns hold data. A nil clustering key
// reads the static row only.
type ImageStore interface {
	ReadRow(ctx context.Context, s *mutation.Schema, pk, ck mutation.Key, cols *cdc.ColumnSet) (*Image, error)
	Apply(ctx context.Context, m *mutation.Mutation) error
}

// Batch is an ImageStore whose writes are held back until Commit. Reads
// through it see the committed state with the batch's own writes applied.
type Batch interface {
	ImageStore
	Commit(ctx context.Context) error
}

// BatchStore is an ImageStore that can stage writes in a Batch.
type BatchStore interface {
	ImageStore
	NewBatch() Batch
}

// ImageOf resolves the image of one row from a partition state. Cells are
// dropped when a partition, row, range or collection tombstone covers them.
func ImageOf(m *mutation.Mutation, ck mutation.Key, cols *cdc.ColumnSet) *Image {
	p := m.Partition()
	pt := p.PartitionTombstone()
	img := &Image{}

	liveCells(p.StaticRow(), mutation.StaticColumn, pt, cols, &img.Static)

	if ck != nil {
		if r, ok := p.FindRow(ck); ok {
			shadow := pt
			shadow.Apply(r.Deleted)
			for _, rt := range p.RangeTombstones() {
				if rt.Contains(ck) {
					shadow.Apply(rt.Tomb)
				}
			}
			liveCells(&r.Cells, mutation.RegularColumn, shadow, cols, &img.Regular)
			marker := r.Marker.IsLive() && !shadow.Shadows(r.Marker.Timestamp)
			img.Exists = marker || !img.Regular.Empty()
		}
	}
	if img.Empty() {
		return nil
	}
	return img
}

func liveCells(r *mutation.Row, kind mutation.ColumnKind, shadow mutation.Tombstone, cols *cdc.ColumnSet, out *mutation.Row) {
	r.ForEachCell(func(id mutation.ColumnID, c mutation.Cell) {
		if !cols.Contains(kind, id) {
			return
		}
		if !c.IsCollection() {
			if c.Atomic.Live && !shadow.Shadows(c.Atomic.Timestamp) {
				out.SetAtomic(id, c.Atomic)
			}
			return
		}
		t := shadow
		t.Apply(c.Collection.Tomb)
		var live mutation.CollectionMutation
		for _, e := range c.Collection.Cells {
			if e.Cell.Live && !t.Shadows(e.Cell.Timestamp) {
				live.Add(e.Key, e.Cell)
			}
		}
		if len(live.Cells) > 0 {
			out.SetCollection(id, live)
		}
	})
}
