package mutation

import (
	"bytes"
	"math"
	"sort"
	"time"
)

// Timestamp is a write timestamp in microseconds.
type Timestamp int64

// MissingTimestamp marks the absence of a timestamp.
const MissingTimestamp Timestamp = math.MinInt64

// Tombstone shadows everything written at or before its timestamp. The zero
// value is "no tombstone"; use NewTombstone to build a real one.
type Tombstone struct {
	Timestamp    Timestamp
	DeletionTime time.Time
	set          bool
}

func NewTombstone(ts Timestamp, deletionTime time.Time) Tombstone {
	return Tombstone{Timestamp: ts, DeletionTime: deletionTime, set: true}
}

func (t Tombstone) IsSet() bool { return t.set }

// Apply keeps the stronger of the two tombstones.
func (t *Tombstone) Apply(o Tombstone) {
	if !o.set {
		return
	}
	if !t.set || o.Timestamp > t.Timestamp ||
		(o.Timestamp == t.Timestamp && o.DeletionTime.After(t.DeletionTime)) {
		*t = o
	}
}

func (t Tombstone) Equal(o Tombstone) bool {
	return t.set == o.set && t.Timestamp == o.Timestamp && t.DeletionTime.Equal(o.DeletionTime)
}

// Shadows reports whether a write at ts is deleted by t.
func (t Tombstone) Shadows(ts Timestamp) bool {
	return t.set && ts <= t.Timestamp
}

// AtomicCell is a single value or a cell tombstone.
type AtomicCell struct {
	Timestamp Timestamp
	Value     []byte
	Live      bool
	// TTL is zero for cells that never expire. Dead cells never carry one.
	TTL time.Duration
}

func LiveCell(ts Timestamp, value []byte) AtomicCell {
	return AtomicCell{Timestamp: ts, Value: value, Live: true}
}

func ExpiringCell(ts Timestamp, value []byte, ttl time.Duration) AtomicCell {
	return AtomicCell{Timestamp: ts, Value: value, Live: true, TTL: ttl}
}

func DeadCell(ts Timestamp) AtomicCell {
	return AtomicCell{Timestamp: ts}
}

func (c AtomicCell) IsLiveAndHasTTL() bool { return c.Live && c.TTL > 0 }

// EffectiveTTL is the TTL a change carrying this cell is logged with.
func (c AtomicCell) EffectiveTTL() time.Duration {
	if c.IsLiveAndHasTTL() {
		return c.TTL
	}
	return 0
}

// reconcileAtomic picks the winning version of a cell. Higher timestamps win,
// on ties a tombstone beats a live cell and a larger value beats a smaller one.
func reconcileAtomic(a, b AtomicCell) AtomicCell {
	if a.Timestamp != b.Timestamp {
		if a.Timestamp > b.Timestamp {
			return a
		}
		return b
	}
	if a.Live != b.Live {
		if !a.Live {
			return a
		}
		return b
	}
	if bytes.Compare(a.Value, b.Value) >= 0 {
		return a
	}
	return b
}

func (c AtomicCell) equal(o AtomicCell) bool {
	return c.Timestamp == o.Timestamp && c.Live == o.Live && c.TTL == o.TTL && bytes.Equal(c.Value, o.Value)
}

// CollectionCell is one element of a multi-cell column. For maps and lists Key
// is the element key, for sets it is the element itself and for user types it
// is the serialized field index.
type CollectionCell struct {
	Key  []byte
	Cell AtomicCell
}

// CollectionMutation is the content of a multi-cell column: an optional
// collection tombstone and elements kept in key order.
type CollectionMutation struct {
	Tomb  Tombstone
	Cells []CollectionCell
}

// Add inserts or reconciles an element, keeping key order.
func (c *CollectionMutation) Add(key []byte, cell AtomicCell) {
	i := sort.Search(len(c.Cells), func(i int) bool {
		return bytes.Compare(c.Cells[i].Key, key) >= 0
	})
	if i < len(c.Cells) && bytes.Equal(c.Cells[i].Key, key) {
		c.Cells[i].Cell = reconcileAtomic(c.Cells[i].Cell, cell)
		return
	}
	c.Cells = append(c.Cells, CollectionCell{})
	copy(c.Cells[i+1:], c.Cells[i:])
	c.Cells[i] = CollectionCell{Key: key, Cell: cell}
}

func (c *CollectionMutation) apply(o *CollectionMutation) {
	c.Tomb.Apply(o.Tomb)
	for _, e := range o.Cells {
		c.Add(e.Key, e.Cell)
	}
}

func (c *CollectionMutation) clone() *CollectionMutation {
	out := &CollectionMutation{Tomb: c.Tomb, Cells: make([]CollectionCell, len(c.Cells))}
	copy(out.Cells, c.Cells)
	return out
}

func (c *CollectionMutation) equal(o *CollectionMutation) bool {
	if !c.Tomb.Equal(o.Tomb) || len(c.Cells) != len(o.Cells) {
		return false
	}
	for i := range c.Cells {
		if !bytes.Equal(c.Cells[i].Key, o.Cells[i].Key) || !c.Cells[i].Cell.equal(o.Cells[i].Cell) {
			return false
		}
	}
	return true
}

// Cell is the content of one column in a row: an atomic cell, or a
// collection for multi-cell columns.
type Cell struct {
	Atomic     AtomicCell
	Collection *CollectionMutation
}

func (c Cell) IsCollection() bool { return c.Collection != nil }

func (c Cell) equal(o Cell) bool {
	if c.IsCollection() != o.IsCollection() {
		return false
	}
	if c.IsCollection() {
		return c.Collection.equal(o.Collection)
	}
	return c.Atomic.equal(o.Atomic)
}
