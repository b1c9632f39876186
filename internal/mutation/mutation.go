package mutation

import (
	"github.com/google/btree"
)

const rowsDegree = 8

type rowsEntry struct {
	key Key
	row DeletableRow
}

func (e *rowsEntry) Less(than btree.Item) bool {
	return e.key.Compare(than.(*rowsEntry).key) < 0
}

// Partition holds all writes a mutation makes to one partition.
type Partition struct {
	tomb            Tombstone
	static          Row
	rows            *btree.BTree
	rangeTombstones []RangeTombstone
}

func newPartition() *Partition {
	return &Partition{rows: btree.New(rowsDegree)}
}

func (p *Partition) PartitionTombstone() Tombstone { return p.tomb }

func (p *Partition) ApplyTombstone(t Tombstone) { p.tomb.Apply(t) }

func (p *Partition) StaticRow() *Row { return &p.static }

// ClusteredRow returns the row for key, creating an empty one if needed.
func (p *Partition) ClusteredRow(key Key) *DeletableRow {
	entry := &rowsEntry{key: key}
	if it := p.rows.Get(entry); it != nil {
		return &it.(*rowsEntry).row
	}
	entry.key = key.Clone()
	p.rows.ReplaceOrInsert(entry)
	return &entry.row
}

// FindRow returns the row for key without creating it.
func (p *Partition) FindRow(key Key) (*DeletableRow, bool) {
	it := p.rows.Get(&rowsEntry{key: key})
	if it == nil {
		return nil, false
	}
	return &it.(*rowsEntry).row, true
}

func (p *Partition) ApplyRowDelete(key Key, t Tombstone) {
	p.ClusteredRow(key).Deleted.Apply(t)
}

func (p *Partition) ApplyRangeDelete(rt RangeTombstone) {
	for i := range p.rangeTombstones {
		cur := &p.rangeTombstones[i]
		if cur.Start.Equal(rt.Start) && cur.StartInclusive == rt.StartInclusive &&
			cur.End.Equal(rt.End) && cur.EndInclusive == rt.EndInclusive {
			cur.Tomb.Apply(rt.Tomb)
			return
		}
	}
	rt.Start, rt.End = rt.Start.Clone(), rt.End.Clone()
	p.rangeTombstones = append(p.rangeTombstones, rt)
}

func (p *Partition) RangeTombstones() []RangeTombstone { return p.rangeTombstones }

func (p *Partition) RowCount() int { return p.rows.Len() }

// ForEachRow visits clustering rows in clustering order until fn returns
// false.
func (p *Partition) ForEachRow(fn func(key Key, row *DeletableRow) bool) {
	p.rows.Ascend(func(it btree.Item) bool {
		e := it.(*rowsEntry)
		return fn(e.key, &e.row)
	})
}

// Mutation is a set of writes to a single partition of one table.
type Mutation struct {
	schema    *Schema
	key       Key
	partition *Partition
}

func New(s *Schema, key Key) *Mutation {
	return &Mutation{schema: s, key: key.Clone(), partition: newPartition()}
}

func (m *Mutation) Schema() *Schema { return m.schema }
func (m *Mutation) Key() Key { return m.key }
func (m *Mutation) Partition() *Partition { return m.partition }
func (m *Mutation) StaticRow() *Row { return &m.partition.static }
func (m *Mutation) ClusteredRow(key Key) *DeletableRow {
	return m.partition.ClusteredRow(key)
}

func (m *Mutation) SetStaticCell(id ColumnID, c Cell) {
	m.partition.static.Apply(id, c)
}

func (m *Mutation) SetCell(ck Key, id ColumnID, c Cell) {
	m.partition.ClusteredRow(ck).Cells.Apply(id, c)
}

// Empty reports whether the mutation carries no writes at all.
func (m *Mutation) Empty() bool {
	p := m.partition
	return !p.tomb.IsSet() && p.static.Empty() && p.rows.Len() == 0 && len(p.rangeTombstones) == 0
}

// Apply merges o, which must target the same partition, into m.
func (m *Mutation) Apply(o *Mutation) {
	p, op := m.partition, o.partition
	p.ApplyTombstone(op.tomb)
	p.static.ApplyRow(&op.static)
	op.ForEachRow(func(key Key, row *DeletableRow) bool {
		p.ClusteredRow(key).Apply(row)
		return true
	})
	for _, rt := range op.rangeTombstones {
		p.ApplyRangeDelete(rt)
	}
}

// Equal compares the content of two mutations. Range tombstones are compared
// as sets.
func (m *Mutation) Equal(o *Mutation) bool {
	p, op := m.partition, o.partition
	if !m.key.Equal(o.key) || !p.tomb.Equal(op.tomb) || !p.static.Equal(&op.static) {
		return false
	}
	if p.rows.Len() != op.rows.Len() || len(p.rangeTombstones) != len(op.rangeTombstones) {
		return false
	}
	equal := true
	p.ForEachRow(func(key Key, row *DeletableRow) bool {
		other, ok := op.FindRow(key)
		equal = ok && row.Equal(other)
		return equal
	})
	if !equal {
		return false
	}
	for _, rt := range p.rangeTombstones {
		found := false
		for _, ort := range op.rangeTombstones {
			if rt.Equal(ort) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
