package cdc

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mehmetymw/cdclog/internal/mutation"
)

const (
	colS mutation.ColumnID = 0

	colA    mutation.ColumnID = 0
	colB    mutation.ColumnID = 1
	colM    mutation.ColumnID = 2
	colTags mutation.ColumnID = 3
)

var deletionTime = time.Unix(1700000000, 0).UTC()

func testSchema(t *testing.T) *mutation.Schema {
	t.Helper()
	s, err := mutation.NewSchemaBuilder("ks", "t").
		WithColumn("pk", mutation.PartitionKeyColumn, mutation.ColumnType{Name: "text"}).
		WithColumn("ck", mutation.ClusteringKeyColumn, mutation.ColumnType{Name: "text"}).
		WithColumn("s", mutation.StaticColumn, mutation.ColumnType{Name: "int"}).
		WithColumn("a", mutation.RegularColumn, mutation.ColumnType{Name: "int"}).
		WithColumn("b", mutation.RegularColumn, mutation.ColumnType{Name: "text"}).
		WithColumn("m", mutation.RegularColumn, mutation.ColumnType{Kind: mutation.Map, Name: "map<text, text>"}).
		WithColumn("tags", mutation.RegularColumn, mutation.ColumnType{Kind: mutation.Set, Name: "set<text>"}).
		Build()
	require.NoError(t, err)
	return s
}

func keysOnlySchema(t *testing.T) *mutation.Schema {
	t.Helper()
	s, err := mutation.NewSchemaBuilder("ks", "keys").
		WithColumn("pk", mutation.PartitionKeyColumn, mutation.ColumnType{Name: "text"}).
		WithColumn("ck", mutation.ClusteringKeyColumn, mutation.ColumnType{Name: "text"}).
		Build()
	require.NoError(t, err)
	return s
}

func tomb(ts mutation.Timestamp) mutation.Tombstone {
	return mutation.NewTombstone(ts, deletionTime)
}

func live(ts mutation.Timestamp, v string) mutation.AtomicCell {
	return mutation.LiveCell(ts, []byte(v))
}

// coll builds a collection mutation, keeping element order.
func coll(t mutation.Tombstone, cells ...mutation.CollectionCell) mutation.CollectionMutation {
	c := mutation.CollectionMutation{Tomb: t}
	for _, e := range cells {
		c.Add(e.Key, e.Cell)
	}
	return c
}

func elem(k string, cell mutation.AtomicCell) mutation.CollectionCell {
	return mutation.CollectionCell{Key: []byte(k), Cell: cell}
}

type event struct {
	call   string
	ts     mutation.Timestamp
	key    string
	cols   string
	seq    int
	change ChangeKind
	ttl    time.Duration
}

func (e event) String() string {
	return fmt.Sprintf("%s@%d %s %s #%d", e.call, e.ts, e.key, e.cols, e.seq)
}

func keyString(k mutation.Key) string {
	if k == nil {
		return "-"
	}
	return k.String()
}

// recordingProcessor logs every call and takes one sequence number per row
// call.
type recordingProcessor struct {
	ts     mutation.Timestamp
	events []event
	deltas []*Change

	failOn  string
	failErr error
	noSeq   bool
}

func (p *recordingProcessor) take(seq *BatchSeq) int {
	if p.noSeq {
		return seq.Peek()
	}
	return seq.Next()
}

func (p *recordingProcessor) fail(call string) error {
	if p.failOn == call {
		return p.failErr
	}
	return nil
}

func (p *recordingProcessor) BeginTimestamp(_ context.Context, ts mutation.Timestamp) error {
	p.ts = ts
	p.events = append(p.events, event{call: "begin", ts: ts})
	return p.fail("begin")
}

func (p *recordingProcessor) ProducePreimage(_ context.Context, key mutation.Key, cols *ColumnSet, seq *BatchSeq) error {
	if err := p.fail("pre"); err != nil {
		return err
	}
	p.events = append(p.events, event{call: "pre", ts: p.ts, key: keyString(key), cols: cols.String(), seq: p.take(seq)})
	return nil
}

func (p *recordingProcessor) ProcessDelta(_ context.Context, c *Change, seq *BatchSeq) error {
	if err := p.fail("delta"); err != nil {
		return err
	}
	p.deltas = append(p.deltas, c)
	p.events = append(p.events, event{
		call: "delta", ts: p.ts, key: keyString(c.Key), cols: c.Columns.String(),
		seq: p.take(seq), change: c.Kind, ttl: c.TTL,
	})
	return nil
}

func (p *recordingProcessor) ProducePostimage(_ context.Context, key mutation.Key, seq *BatchSeq) error {
	if err := p.fail("post"); err != nil {
		return err
	}
	p.events = append(p.events, event{call: "post", ts: p.ts, key: keyString(key), seq: p.take(seq)})
	return nil
}

var allImages = ImageOptions{Preimage: true, Postimage: true}

// complexMutation touches every part of a partition at several timestamps.
func complexMutation(t *testing.T) *mutation.Mutation {
	s := testSchema(t)
	m := mutation.New(s, mutation.KeyOf("p1"))
	m.SetStaticCell(colS, mutation.Cell{Atomic: live(100, "s")})

	r := m.ClusteredRow(mutation.KeyOf("c1"))
	r.Marker = mutation.NewRowMarker(100)
	r.Cells.SetAtomic(colA, live(100, "a"))
	r.Cells.SetAtomic(colB, mutation.ExpiringCell(100, []byte("b"), time.Hour))
	r.Cells.SetCollection(colM, coll(tomb(99), elem("k1", live(100, "v1")), elem("k0", live(100, "v0"))))
	r.Cells.SetCollection(colTags, coll(mutation.Tombstone{}, elem("x", live(150, ""))))

	m.ClusteredRow(mutation.KeyOf("c2")).Deleted = tomb(120)
	m.Partition().ApplyRangeDelete(mutation.RangeTombstone{
		Start:          mutation.KeyOf("d"),
		StartInclusive: true,
		End:            mutation.KeyOf("f"),
		Tomb:           tomb(130),
	})
	m.Partition().ApplyTombstone(tomb(50))
	return m
}

func replay(m *mutation.Mutation, deltas []*Change) *mutation.Mutation {
	out := mutation.New(m.Schema(), m.Key())
	for _, d := range deltas {
		out.Apply(d.Mutation)
	}
	return out
}
