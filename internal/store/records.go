package store

import (
	"encoding/binary"
	"time"

	"github.com/mehmetymw/cdclog/internal/mutation"
)

// Records are stored as JSON. Partition-level state (partition tombstone,
// static row, range tombstones) lives in one record per partition; each
// clustering row has its own record.

type tombRecord struct {
	TS           int64     `json:"ts"`
	DeletionTime time.Time `json:"dt"`
}

type atomicRecord struct {
	TS    int64         `json:"ts"`
	Value []byte        `json:"v,omitempty"`
	Live  bool          `json:"live"`
	TTL   time.Duration `json:"ttl,omitempty"`
}

type elementRecord struct {
	Key  []byte       `json:"k"`
	Cell atomicRecord `json:"c"`
}

type cellRecord struct {
	ID       uint32          `json:"id"`
	Atomic   *atomicRecord   `json:"a,omitempty"`
	Tomb     *tombRecord     `json:"t,omitempty"`
	Elements []elementRecord `json:"e,omitempty"`
	// Collection is set for multi-cell columns, even when they hold only a
	// tombstone.
	Collection bool `json:"coll,omitempty"`
}

type rangeRecord struct {
	Start          [][]byte   `json:"s"`
	StartInclusive bool       `json:"si"`
	End            [][]byte   `json:"e"`
	EndInclusive   bool       `json:"ei"`
	Tomb           tombRecord `json:"t"`
}

type partitionRecord struct {
	Tomb   *tombRecord   `json:"tomb,omitempty"`
	Static []cellRecord  `json:"static,omitempty"`
	Ranges []rangeRecord `json:"ranges,omitempty"`
}

type markerRecord struct {
	TS  int64         `json:"ts"`
	TTL time.Duration `json:"ttl,omitempty"`
}

type rowRecord struct {
	Marker  *markerRecord `json:"marker,omitempty"`
	Deleted *tombRecord   `json:"deleted,omitempty"`
	Cells   []cellRecord  `json:"cells,omitempty"`
}

func fromTomb(t mutation.Tombstone) *tombRecord {
	if !t.IsSet() {
		return nil
	}
	return &tombRecord{TS: int64(t.Timestamp), DeletionTime: t.DeletionTime}
}

func (r *tombRecord) tombstone() mutation.Tombstone {
	if r == nil {
		return mutation.Tombstone{}
	}
	return mutation.NewTombstone(mutation.Timestamp(r.TS), r.DeletionTime)
}

func fromAtomic(c mutation.AtomicCell) atomicRecord {
	return atomicRecord{TS: int64(c.Timestamp), Value: c.Value, Live: c.Live, TTL: c.TTL}
}

func (r atomicRecord) cell() mutation.AtomicCell {
	return mutation.AtomicCell{Timestamp: mutation.Timestamp(r.TS), Value: r.Value, Live: r.Live, TTL: r.TTL}
}

func fromRow(row *mutation.Row) []cellRecord {
	var out []cellRecord
	row.ForEachCell(func(id mutation.ColumnID, c mutation.Cell) {
		rec := cellRecord{ID: uint32(id)}
		if c.IsCollection() {
			rec.Collection = true
			rec.Tomb = fromTomb(c.Collection.Tomb)
			for _, e := range c.Collection.Cells {
				rec.Elements = append(rec.Elements, elementRecord{Key: e.Key, Cell: fromAtomic(e.Cell)})
			}
		} else {
			a := fromAtomic(c.Atomic)
			rec.Atomic = &a
		}
		out = append(out, rec)
	})
	return out
}

// applyCells merges recs into row.
func applyCells(row *mutation.Row, recs []cellRecord) {
	for _, rec := range recs {
		id := mutation.ColumnID(rec.ID)
		if !rec.Collection {
			if rec.Atomic != nil {
				row.Apply(id, mutation.Cell{Atomic: rec.Atomic.cell()})
			}
			continue
		}
		coll := &mutation.CollectionMutation{Tomb: rec.Tomb.tombstone()}
		for _, e := range rec.Elements {
			coll.Add(e.Key, e.Cell.cell())
		}
		row.Apply(id, mutation.Cell{Collection: coll})
	}
}

func fromPartition(p *mutation.Partition) partitionRecord {
	rec := partitionRecord{
		Tomb:   fromTomb(p.PartitionTombstone()),
		Static: fromRow(p.StaticRow()),
	}
	for _, rt := range p.RangeTombstones() {
		rec.Ranges = append(rec.Ranges, rangeRecord{
			Start:          rt.Start,
			StartInclusive: rt.StartInclusive,
			End:            rt.End,
			EndInclusive:   rt.EndInclusive,
			Tomb:           *fromTomb(rt.Tomb),
		})
	}
	return rec
}

func (r *partitionRecord) applyTo(p *mutation.Partition) {
	p.ApplyTombstone(r.Tomb.tombstone())
	applyCells(p.StaticRow(), r.Static)
	for _, rr := range r.Ranges {
		p.ApplyRangeDelete(mutation.RangeTombstone{
			Start:          rr.Start,
			StartInclusive: rr.StartInclusive,
			End:            rr.End,
			EndInclusive:   rr.EndInclusive,
			Tomb:           rr.Tomb.tombstone(),
		})
	}
}

func (r *partitionRecord) empty() bool {
	return r.Tomb == nil && len(r.Static) == 0 && len(r.Ranges) == 0
}

func fromDeletableRow(row *mutation.DeletableRow) rowRecord {
	rec := rowRecord{
		Deleted: fromTomb(row.Deleted),
		Cells:   fromRow(&row.Cells),
	}
	if row.Marker.IsLive() {
		rec.Marker = &markerRecord{TS: int64(row.Marker.Timestamp), TTL: row.Marker.TTL}
	}
	return rec
}

func (r *rowRecord) applyTo(row *mutation.DeletableRow) {
	if r.Marker != nil {
		ts := mutation.Timestamp(r.Marker.TS)
		if r.Marker.TTL > 0 {
			row.Marker.Apply(mutation.NewExpiringRowMarker(ts, r.Marker.TTL))
		} else {
			row.Marker.Apply(mutation.NewRowMarker(ts))
		}
	}
	row.Deleted.Apply(r.Deleted.tombstone())
	applyCells(&row.Cells, r.Cells)
}

const (
	partitionPrefix = 'p'
	rowPrefix       = 'r'
)

// appendKey appends each component length-prefixed, so that encodings of
// distinct keys never collide.
func appendKey(b []byte, k mutation.Key) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(k)))
	for _, c := range k {
		b = binary.BigEndian.AppendUint32(b, uint32(len(c)))
		b = append(b, c...)
	}
	return b
}

func partitionKey(table string, pk mutation.Key) []byte {
	b := []byte{partitionPrefix}
	b = append(b, table...)
	b = append(b, 0)
	return appendKey(b, pk)
}

func rowKey(table string, pk, ck mutation.Key) []byte {
	b := []byte{rowPrefix}
	b = append(b, table...)
	b = append(b, 0)
	b = appendKey(b, pk)
	return appendKey(b, ck)
}
