package mutation

import (
	"sort"
	"time"
)

type rowEntry struct {
	id   ColumnID
	cell Cell
}

// Row holds the cells of a static or clustering row, ordered by column id.
type Row struct {
	cells []rowEntry
}

func (r *Row) Len() int { return len(r.cells) }
func (r *Row) Empty() bool { return len(r.cells) == 0 }

func (r *Row) find(id ColumnID) (int, bool) {
	i := sort.Search(len(r.cells), func(i int) bool { return r.cells[i].id >= id })
	return i, i < len(r.cells) && r.cells[i].id == id
}

// Apply merges a cell into the row, reconciling with any cell already stored
// for the column.
func (r *Row) Apply(id ColumnID, c Cell) {
	i, ok := r.find(id)
	if ok {
		cur := &r.cells[i].cell
		switch {
		case cur.IsCollection() && c.IsCollection():
			cur.Collection.apply(c.Collection)
		case !cur.IsCollection() && !c.IsCollection():
			cur.Atomic = reconcileAtomic(cur.Atomic, c.Atomic)
		default:
			// A column cannot change between atomic and multi-cell; the
			// incoming cell replaces whatever was there.
			*cur = cloneCell(c)
		}
		return
	}
	r.cells = append(r.cells, rowEntry{})
	copy(r.cells[i+1:], r.cells[i:])
	r.cells[i] = rowEntry{id: id, cell: cloneCell(c)}
}

func (r *Row) SetAtomic(id ColumnID, c AtomicCell) {
	r.Apply(id, Cell{Atomic: c})
}

func (r *Row) SetCollection(id ColumnID, c CollectionMutation) {
	r.Apply(id, Cell{Collection: &c})
}

func (r *Row) Get(id ColumnID) (Cell, bool) {
	i, ok := r.find(id)
	if !ok {
		return Cell{}, false
	}
	return r.cells[i].cell, true
}

// ForEachCell visits the cells in column id order.
func (r *Row) ForEachCell(fn func(id ColumnID, c Cell)) {
	for i := range r.cells {
		fn(r.cells[i].id, r.cells[i].cell)
	}
}

// ForEachCellUntil is ForEachCell with early exit: iteration stops as soon
// as fn returns true.
func (r *Row) ForEachCellUntil(fn func(id ColumnID, c Cell) bool) {
	for i := range r.cells {
		if fn(r.cells[i].id, r.cells[i].cell) {
			return
		}
	}
}

func (r *Row) ApplyRow(o *Row) {
	o.ForEachCell(r.Apply)
}

func (r *Row) Equal(o *Row) bool {
	if len(r.cells) != len(o.cells) {
		return false
	}
	for i := range r.cells {
		if r.cells[i].id != o.cells[i].id || !r.cells[i].cell.equal(o.cells[i].cell) {
			return false
		}
	}
	return true
}

func cloneCell(c Cell) Cell {
	if c.Collection != nil {
		c.Collection = c.Collection.clone()
	}
	return c
}

// RowMarker records that a row was created by an INSERT. The zero value is
// a missing marker.
type RowMarker struct {
	Timestamp Timestamp
	TTL       time.Duration
	live      bool
}

func NewRowMarker(ts Timestamp) RowMarker {
	return RowMarker{Timestamp: ts, live: true}
}

func NewExpiringRowMarker(ts Timestamp, ttl time.Duration) RowMarker {
	return RowMarker{Timestamp: ts, TTL: ttl, live: true}
}

func (m RowMarker) IsLive() bool { return m.live }
func (m RowMarker) IsExpiring() bool { return m.live && m.TTL > 0 }

// EffectiveTTL mirrors AtomicCell.EffectiveTTL.
func (m RowMarker) EffectiveTTL() time.Duration {
	if m.IsExpiring() {
		return m.TTL
	}
	return 0
}

func (m *RowMarker) Apply(o RowMarker) {
	if !o.live {
		return
	}
	if !m.live || o.Timestamp > m.Timestamp || (o.Timestamp == m.Timestamp && o.TTL > m.TTL) {
		*m = o
	}
}

// DeletableRow is a clustering row: marker, row tombstone and cells.
type DeletableRow struct {
	Marker  RowMarker
	Deleted Tombstone
	Cells   Row
}

func (r *DeletableRow) Apply(o *DeletableRow) {
	r.Marker.Apply(o.Marker)
	r.Deleted.Apply(o.Deleted)
	r.Cells.ApplyRow(&o.Cells)
}

func (r *DeletableRow) Empty() bool {
	return !r.Marker.IsLive() && !r.Deleted.IsSet() && r.Cells.Empty()
}

func (r *DeletableRow) Equal(o *DeletableRow) bool {
	return r.Marker == o.Marker && r.Deleted.Equal(o.Deleted) && r.Cells.Equal(&o.Cells)
}
