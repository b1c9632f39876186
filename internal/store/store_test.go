package store

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdclog/internal/cdc"
	"github.com/mehmetymw/cdclog/internal/changelog"
	"github.com/mehmetymw/cdclog/internal/config"
	"github.com/mehmetymw/cdclog/internal/mutation"
)

const (
	colS    mutation.ColumnID = 0
	colA    mutation.ColumnID = 0
	colB    mutation.ColumnID = 1
	colTags mutation.ColumnID = 2
)

var dt = time.Unix(1700000000, 0).UTC()

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(config.StoreConfig{InMemory: true}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func testSchema(t *testing.T) *mutation.Schema {
	t.Helper()
	s, err := mutation.NewSchemaBuilder("shop", "orders").
		WithColumn("id", mutation.PartitionKeyColumn, mutation.ColumnType{Name: "text"}).
		WithColumn("ck", mutation.ClusteringKeyColumn, mutation.ColumnType{Name: "text"}).
		WithColumn("s", mutation.StaticColumn, mutation.ColumnType{Name: "text"}).
		WithColumn("a", mutation.RegularColumn, mutation.ColumnType{Name: "text"}).
		WithColumn("b", mutation.RegularColumn, mutation.ColumnType{Name: "text"}).
		WithColumn("tags", mutation.RegularColumn, mutation.ColumnType{Kind: mutation.Set}).
		Build()
	require.NoError(t, err)
	return s
}

func allColumns(s *mutation.Schema) *cdc.ColumnSet {
	var cols cdc.ColumnSet
	cols.AddAll(s, mutation.StaticColumn)
	cols.AddAll(s, mutation.RegularColumn)
	return &cols
}

func live(ts mutation.Timestamp, v string) mutation.Cell {
	return mutation.Cell{Atomic: mutation.LiveCell(ts, []byte(v))}
}

func value(t *testing.T, r *mutation.Row, id mutation.ColumnID) string {
	t.Helper()
	c, ok := r.Get(id)
	require.True(t, ok, "column %d missing", id)
	return string(c.Atomic.Value)
}

func TestStoreMissingRow(t *testing.T) {
	s := openStore(t)
	sch := testSchema(t)
	img, err := s.ReadRow(context.Background(), sch, mutation.KeyOf("o1"), mutation.KeyOf("c1"), allColumns(sch))
	require.NoError(t, err)
	require.Nil(t, img)
}

func TestStoreLastWriteWins(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	sch := testSchema(t)
	pk, ck := mutation.KeyOf("o1"), mutation.KeyOf("c1")

	newer := mutation.New(sch, pk)
	newer.SetCell(ck, colA, live(200, "new"))
	older := mutation.New(sch, pk)
	older.ClusteredRow(ck).Marker = mutation.NewRowMarker(100)
	older.SetCell(ck, colA, live(100, "old"))
	older.SetCell(ck, colB, live(100, "b"))
	older.SetStaticCell(colS, live(100, "st"))

	require.NoError(t, s.Apply(ctx, newer))
	require.NoError(t, s.Apply(ctx, older))
	// Reapplying is harmless.
	require.NoError(t, s.Apply(ctx, older))

	img, err := s.ReadRow(ctx, sch, pk, ck, allColumns(sch))
	require.NoError(t, err)
	require.True(t, img.Exists)
	require.Equal(t, "new", value(t, &img.Regular, colA))
	require.Equal(t, "b", value(t, &img.Regular, colB))
	require.Equal(t, "st", value(t, &img.Static, colS))

	var onlyB cdc.ColumnSet
	onlyB.Add(mutation.RegularColumn, colB)
	img, err = s.ReadRow(ctx, sch, pk, ck, &onlyB)
	require.NoError(t, err)
	require.Equal(t, 1, img.Regular.Len())
	require.True(t, img.Static.Empty())

	img, err = s.ReadRow(ctx, sch, pk, nil, allColumns(sch))
	require.NoError(t, err)
	require.False(t, img.Exists)
	require.Equal(t, "st", value(t, &img.Static, colS))
}

func TestStoreTombstones(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	sch := testSchema(t)
	pk := mutation.KeyOf("o1")

	seed := mutation.New(sch, pk)
	for _, ck := range []string{"a", "b", "c"} {
		seed.SetCell(mutation.KeyOf(ck), colA, live(10, ck))
	}
	var tags mutation.CollectionMutation
	tags.Add([]byte("red"), mutation.LiveCell(10, nil))
	tags.Add([]byte("blue"), mutation.LiveCell(10, nil))
	seed.ClusteredRow(mutation.KeyOf("a")).Cells.SetCollection(colTags, tags)
	require.NoError(t, s.Apply(ctx, seed))

	del := mutation.New(sch, pk)
	del.Partition().ApplyRowDelete(mutation.KeyOf("c"), mutation.NewTombstone(20, dt))
	del.Partition().ApplyRangeDelete(mutation.RangeTombstone{
		Start:          mutation.KeyOf("b"),
		StartInclusive: true,
		End:            mutation.KeyOf("b"),
		EndInclusive:   true,
		Tomb:           mutation.NewTombstone(20, dt),
	})
	var remove mutation.CollectionMutation
	remove.Add([]byte("red"), mutation.DeadCell(20))
	del.ClusteredRow(mutation.KeyOf("a")).Cells.SetCollection(colTags, remove)
	require.NoError(t, s.Apply(ctx, del))

	for _, ck := range []string{"b", "c"} {
		img, err := s.ReadRow(ctx, sch, pk, mutation.KeyOf(ck), allColumns(sch))
		require.NoError(t, err)
		require.Nil(t, img, ck)
	}

	img, err := s.ReadRow(ctx, sch, pk, mutation.KeyOf("a"), allColumns(sch))
	require.NoError(t, err)
	c, ok := img.Regular.Get(colTags)
	require.True(t, ok)
	require.Len(t, c.Collection.Cells, 1)
	require.Equal(t, "blue", string(c.Collection.Cells[0].Key))

	// A write newer than the row tombstone revives the row.
	revive := mutation.New(sch, pk)
	revive.SetCell(mutation.KeyOf("c"), colB, live(30, "back"))
	require.NoError(t, s.Apply(ctx, revive))
	img, err = s.ReadRow(ctx, sch, pk, mutation.KeyOf("c"), allColumns(sch))
	require.NoError(t, err)
	require.True(t, img.Exists)
	_, ok = img.Regular.Get(colA)
	require.False(t, ok)

	pd := mutation.New(sch, pk)
	pd.Partition().ApplyTombstone(mutation.NewTombstone(40, dt))
	require.NoError(t, s.Apply(ctx, pd))
	for _, ck := range []string{"a", "c"} {
		img, err := s.ReadRow(ctx, sch, pk, mutation.KeyOf(ck), allColumns(sch))
		require.NoError(t, err)
		require.Nil(t, img, ck)
	}
}

func TestStorePartitionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	sch := testSchema(t)

	m := mutation.New(sch, mutation.KeyOf("o1"))
	m.SetCell(mutation.KeyOf("c1"), colA, live(10, "x"))
	require.NoError(t, s.Apply(ctx, m))

	img, err := s.ReadRow(ctx, sch, mutation.KeyOf("o2"), mutation.KeyOf("c1"), allColumns(sch))
	require.NoError(t, err)
	require.Nil(t, img)
	// Keys must not collide when components shift across boundaries.
	img, err = s.ReadRow(ctx, sch, mutation.KeyOf("o"), mutation.KeyOf("1c1"), allColumns(sch))
	require.NoError(t, err)
	require.Nil(t, img)
}

func TestStoreCanceledContext(t *testing.T) {
	s := openStore(t)
	sch := testSchema(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := mutation.New(sch, mutation.KeyOf("o1"))
	m.SetCell(mutation.KeyOf("c1"), colA, live(10, "x"))
	require.ErrorIs(t, s.Apply(ctx, m), context.Canceled)
}

// The store drives the change log end to end: preimages come from what
// earlier mutations left behind.
func TestStoreBacksAugmenter(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	sch := testSchema(t)
	d := cdc.NewDispatcher(cdc.NewStats(prometheus.NewRegistry()), zap.NewNop())
	a := changelog.NewAugmenter(d, zap.NewNop())
	a.SetOptions(sch.QualifiedName(), cdc.Options{Enabled: true, Preimage: true})
	pk, ck := mutation.KeyOf("o1"), mutation.KeyOf("c1")

	first := mutation.New(sch, pk)
	first.SetCell(ck, colA, live(100, "1"))
	rows, err := a.Augment(ctx, s, first)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, changelog.OpUpdate, rows[0].Operation)

	second := mutation.New(sch, pk)
	second.SetCell(ck, colA, live(200, "2"))
	rows, err = a.Augment(ctx, s, second)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, changelog.OpPreImage, rows[0].Operation)
	require.Equal(t, map[string]any{"a": "1"}, rows[0].Values)
	require.Equal(t, map[string]any{"a": "2"}, rows[1].Values)
}

func TestBatchStagesWrites(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	sch := testSchema(t)
	pk, ck := mutation.KeyOf("o1"), mutation.KeyOf("c1")

	b := s.NewBatch()
	m := mutation.New(sch, pk)
	m.SetCell(ck, colA, live(10, "x"))
	require.NoError(t, b.Apply(ctx, m))
	other := mutation.New(sch, mutation.KeyOf("o2"))
	other.SetCell(ck, colA, live(10, "y"))
	require.NoError(t, b.Apply(ctx, other))

	img, err := b.ReadRow(ctx, sch, pk, ck, allColumns(sch))
	require.NoError(t, err)
	require.Equal(t, "x", value(t, &img.Regular, colA))

	img, err = s.ReadRow(ctx, sch, pk, ck, allColumns(sch))
	require.NoError(t, err)
	require.Nil(t, img)

	require.NoError(t, b.Commit(ctx))
	for pk, want := range map[string]string{"o1": "x", "o2": "y"} {
		img, err = s.ReadRow(ctx, sch, mutation.KeyOf(pk), ck, allColumns(sch))
		require.NoError(t, err)
		require.Equal(t, want, value(t, &img.Regular, colA))
	}
}

func TestBatchReadsOverStoredState(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	sch := testSchema(t)
	pk, ck := mutation.KeyOf("o1"), mutation.KeyOf("c1")

	base := mutation.New(sch, pk)
	base.SetCell(ck, colA, live(10, "a"))
	base.SetCell(ck, colB, live(10, "b"))
	require.NoError(t, s.Apply(ctx, base))

	b := s.NewBatch()
	upd := mutation.New(sch, pk)
	upd.SetCell(ck, colB, live(20, "b2"))
	require.NoError(t, b.Apply(ctx, upd))

	img, err := b.ReadRow(ctx, sch, pk, ck, allColumns(sch))
	require.NoError(t, err)
	require.Equal(t, "a", value(t, &img.Regular, colA))
	require.Equal(t, "b2", value(t, &img.Regular, colB))
}

// A batch whose log rows were never stored is dropped without a trace, so
// running the same mutation again sees the state from before it.
func TestDroppedBatchLeavesImagesUntouched(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	sch := testSchema(t)
	d := cdc.NewDispatcher(cdc.NewStats(prometheus.NewRegistry()), zap.NewNop())
	a := changelog.NewAugmenter(d, zap.NewNop())
	a.SetOptions(sch.QualifiedName(), cdc.Options{Enabled: true, Preimage: true, Postimage: true})

	ins := mutation.New(sch, mutation.KeyOf("o1"))
	ins.ClusteredRow(mutation.KeyOf("c1")).Marker = mutation.NewRowMarker(100)
	ins.SetCell(mutation.KeyOf("c1"), colA, live(100, "10"))

	first, err := a.Augment(ctx, s.NewBatch(), ins)
	require.NoError(t, err)

	b := s.NewBatch()
	again, err := a.Augment(ctx, b, ins)
	require.NoError(t, err)
	require.Len(t, again, len(first))
	for _, r := range again {
		require.NotEqual(t, changelog.OpPreImage, r.Operation)
	}
	require.NoError(t, b.Commit(ctx))

	img, err := s.ReadRow(ctx, sch, mutation.KeyOf("o1"), mutation.KeyOf("c1"), allColumns(sch))
	require.NoError(t, err)
	require.Equal(t, "10", value(t, &img.Regular, colA))
}
