package changelog

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdclog/internal/cdc"
	"github.com/mehmetymw/cdclog/internal/mutation"
)

var dt = time.Unix(1700000000, 0).UTC()

// memStore keeps every partition as one merged mutation.
type memStore struct {
	parts    map[string]*mutation.Mutation
	applyErr error
	applied  int
}

func newMemStore() *memStore {
	return &memStore{parts: make(map[string]*mutation.Mutation)}
}

func partKey(s *mutation.Schema, pk mutation.Key) string {
	return s.QualifiedName() + "/" + pk.String()
}

func (s *memStore) Apply(_ context.Context, m *mutation.Mutation) error {
	if s.applyErr != nil {
		return s.applyErr
	}
	k := partKey(m.Schema(), m.Key())
	cur, ok := s.parts[k]
	if !ok {
		cur = mutation.New(m.Schema(), m.Key())
		s.parts[k] = cur
	}
	cur.Apply(m)
	s.applied++
	return nil
}

func (s *memStore) ReadRow(_ context.Context, sch *mutation.Schema, pk, ck mutation.Key, cols *cdc.ColumnSet) (*Image, error) {
	cur, ok := s.parts[partKey(sch, pk)]
	if !ok {
		return nil, nil
	}
	return ImageOf(cur, ck, cols), nil
}

const (
	colS    mutation.ColumnID = 0
	colA    mutation.ColumnID = 0
	colB    mutation.ColumnID = 1
	colM    mutation.ColumnID = 2
	colTags mutation.ColumnID = 3
)

func testSchema(t *testing.T) *mutation.Schema {
	t.Helper()
	s, err := mutation.NewSchemaBuilder("shop", "orders").
		WithColumn("id", mutation.PartitionKeyColumn, mutation.ColumnType{Name: "text"}).
		WithColumn("ck", mutation.ClusteringKeyColumn, mutation.ColumnType{Name: "text"}).
		WithColumn("s", mutation.StaticColumn, mutation.ColumnType{Name: "text"}).
		WithColumn("a", mutation.RegularColumn, mutation.ColumnType{Name: "int"}).
		WithColumn("b", mutation.RegularColumn, mutation.ColumnType{Name: "text"}).
		WithColumn("m", mutation.RegularColumn, mutation.ColumnType{Kind: mutation.Map}).
		WithColumn("tags", mutation.RegularColumn, mutation.ColumnType{Kind: mutation.Set}).
		Build()
	require.NoError(t, err)
	return s
}

func newAugmenter(s *mutation.Schema, o cdc.Options) *Augmenter {
	d := cdc.NewDispatcher(cdc.NewStats(prometheus.NewRegistry()), zap.NewNop())
	a := NewAugmenter(d, zap.NewNop())
	a.SetOptions(s.QualifiedName(), o)
	return a
}

func live(ts mutation.Timestamp, v string) mutation.AtomicCell {
	return mutation.LiveCell(ts, []byte(v))
}

type rowSummary struct {
	ts     int64
	seq    int
	op     Operation
	key    map[string]string
	values map[string]any
}

func summarize(rows []Row) []rowSummary {
	out := make([]rowSummary, len(rows))
	for i, r := range rows {
		out[i] = rowSummary{r.Timestamp, r.BatchSeqNo, r.Operation, r.Key, r.Values}
	}
	return out
}

func TestTimeUUID(t *testing.T) {
	ts := mutation.Timestamp(1700000000123456)
	u1, u2 := TimeUUID(ts), TimeUUID(ts)
	require.NotEqual(t, u1, u2)
	require.EqualValues(t, 1, u1.Version())
	require.Equal(t, ts, TimestampOf(u1))
	require.Equal(t, ts, TimestampOf(u2))
}

func TestAugmentImages(t *testing.T) {
	ctx := context.Background()
	s := testSchema(t)
	store := newMemStore()
	a := newAugmenter(s, cdc.Options{Enabled: true, Preimage: true, Postimage: true})
	pk, ck := mutation.KeyOf("o1"), mutation.KeyOf("c1")
	key := map[string]string{"id": "o1", "ck": "c1"}

	ins := mutation.New(s, pk)
	ins.ClusteredRow(ck).Marker = mutation.NewRowMarker(100)
	ins.SetCell(ck, colA, mutation.Cell{Atomic: live(100, "1")})
	ins.SetCell(ck, colB, mutation.Cell{Atomic: live(100, "x")})

	rows, err := a.Augment(ctx, store, ins)
	require.NoError(t, err)
	// No preimage row for a row that did not exist, but its number is taken.
	require.Equal(t, []rowSummary{
		{100, 1, OpInsert, key, map[string]any{"a": "1", "b": "x"}},
		{100, 2, OpPostImage, key, map[string]any{"a": "1", "b": "x"}},
	}, summarize(rows))

	upd := mutation.New(s, pk)
	upd.SetCell(ck, colA, mutation.Cell{Atomic: live(200, "2")})
	rows, err = a.Augment(ctx, store, upd)
	require.NoError(t, err)
	require.Equal(t, []rowSummary{
		{200, 0, OpPreImage, key, map[string]any{"a": "1"}},
		{200, 1, OpUpdate, key, map[string]any{"a": "2"}},
		{200, 2, OpPostImage, key, map[string]any{"a": "2", "b": "x"}},
	}, summarize(rows))
	require.Equal(t, mutation.Timestamp(200), TimestampOf(rows[0].Time))
	require.Equal(t, rows[0].Time, rows[2].Time)
}

func TestAugmentSplitMutation(t *testing.T) {
	ctx := context.Background()
	s := testSchema(t)
	store := newMemStore()
	a := newAugmenter(s, cdc.Options{Enabled: true, Postimage: true})
	pk, ck := mutation.KeyOf("o1"), mutation.KeyOf("c1")
	key := map[string]string{"id": "o1", "ck": "c1"}

	m := mutation.New(s, pk)
	m.SetCell(ck, colA, mutation.Cell{Atomic: live(100, "1")})
	m.SetCell(ck, colB, mutation.Cell{Atomic: mutation.ExpiringCell(200, []byte("x"), 90*time.Second)})

	rows, err := a.Augment(ctx, store, m)
	require.NoError(t, err)
	require.Equal(t, []rowSummary{
		{100, 0, OpUpdate, key, map[string]any{"a": "1"}},
		{100, 1, OpPostImage, key, map[string]any{"a": "1"}},
		{200, 0, OpUpdate, key, map[string]any{"b": "x"}},
		{200, 1, OpPostImage, key, map[string]any{"a": "1", "b": "x"}},
	}, summarize(rows))
	require.Zero(t, rows[0].TTL)
	require.Equal(t, int64(90), rows[2].TTL)
	require.NotEqual(t, rows[0].Time, rows[2].Time)
}

func TestAugmentDeletes(t *testing.T) {
	ctx := context.Background()
	s := testSchema(t)
	store := newMemStore()
	a := newAugmenter(s, cdc.Options{Enabled: true, Preimage: true, Postimage: true})
	pk := mutation.KeyOf("o1")

	seed := mutation.New(s, pk)
	seed.SetStaticCell(colS, mutation.Cell{Atomic: live(10, "st")})
	for _, ck := range []string{"a", "b", "c"} {
		seed.SetCell(mutation.KeyOf(ck), colA, mutation.Cell{Atomic: live(10, ck)})
	}
	require.NoError(t, store.Apply(ctx, seed))

	rd := mutation.New(s, pk)
	rd.Partition().ApplyRangeDelete(mutation.RangeTombstone{
		Start:          mutation.KeyOf("a"),
		StartInclusive: false,
		End:            mutation.KeyOf("c"),
		EndInclusive:   true,
		Tomb:           mutation.NewTombstone(20, dt),
	})
	rows, err := a.Augment(ctx, store, rd)
	require.NoError(t, err)
	require.Equal(t, []rowSummary{
		{20, 0, OpRangeDeleteStartExclusive, map[string]string{"id": "o1", "ck": "a"}, nil},
		{20, 1, OpRangeDeleteEndInclusive, map[string]string{"id": "o1", "ck": "c"}, nil},
	}, summarize(rows))

	img, err := store.ReadRow(ctx, s, pk, mutation.KeyOf("b"), allColumns(s))
	require.NoError(t, err)
	require.False(t, img.Exists)
	img, err = store.ReadRow(ctx, s, pk, mutation.KeyOf("a"), allColumns(s))
	require.NoError(t, err)
	require.True(t, img.Exists)

	pd := mutation.New(s, pk)
	pd.Partition().ApplyTombstone(mutation.NewTombstone(30, dt))
	rows, err = a.Augment(ctx, store, pd)
	require.NoError(t, err)
	require.Equal(t, []rowSummary{
		{30, 0, OpPreImage, map[string]string{"id": "o1"}, map[string]any{"s": "st"}},
		{30, 1, OpPartitionDelete, map[string]string{"id": "o1"}, nil},
		{30, 2, OpPostImage, map[string]string{"id": "o1"}, nil},
	}, summarize(rows))
}

func allColumns(s *mutation.Schema) *cdc.ColumnSet {
	var cols cdc.ColumnSet
	cols.AddAll(s, mutation.StaticColumn)
	cols.AddAll(s, mutation.RegularColumn)
	return &cols
}

func TestAugmentCollections(t *testing.T) {
	ctx := context.Background()
	s := testSchema(t)
	store := newMemStore()
	a := newAugmenter(s, cdc.Options{Enabled: true, Postimage: true})
	pk, ck := mutation.KeyOf("o1"), mutation.KeyOf("c1")

	var m mutation.CollectionMutation
	m.Tomb = mutation.NewTombstone(99, dt)
	m.Add([]byte("k1"), live(100, "v1"))
	m.Add([]byte("k2"), live(100, "v2"))
	var tags mutation.CollectionMutation
	tags.Add([]byte("red"), live(100, ""))
	tags.Add([]byte("blue"), live(100, ""))

	assign := mutation.New(s, pk)
	assign.ClusteredRow(ck).Cells.SetCollection(colM, m)
	assign.ClusteredRow(ck).Cells.SetCollection(colTags, tags)
	rows, err := a.Augment(ctx, store, assign)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, []string{"m"}, rows[0].Deleted)
	require.Equal(t, map[string]any{
		"m":    map[string]string{"k1": "v1", "k2": "v2"},
		"tags": []string{"blue", "red"},
	}, rows[0].Values)

	var remove mutation.CollectionMutation
	remove.Add([]byte("red"), mutation.DeadCell(110))
	removal := mutation.New(s, pk)
	removal.ClusteredRow(ck).Cells.SetCollection(colTags, remove)
	rows, err = a.Augment(ctx, store, removal)
	require.NoError(t, err)
	require.Empty(t, rows[0].Deleted)
	require.Nil(t, rows[0].Values)
	require.Equal(t, map[string][]string{"tags": {"red"}}, rows[0].DeletedElements)
	require.Equal(t, map[string]any{
		"m":    map[string]string{"k1": "v1", "k2": "v2"},
		"tags": []string{"blue"},
	}, rows[1].Values)
}

func TestAugmentDisabledTable(t *testing.T) {
	ctx := context.Background()
	s := testSchema(t)
	store := newMemStore()
	a := newAugmenter(s, cdc.Options{})

	m := mutation.New(s, mutation.KeyOf("o1"))
	m.SetCell(mutation.KeyOf("c1"), colA, mutation.Cell{Atomic: live(100, "1")})
	rows, err := a.Augment(ctx, store, m)
	require.NoError(t, err)
	require.Empty(t, rows)
	require.Equal(t, 1, store.applied)
}

func TestAugmentStoreFailure(t *testing.T) {
	s := testSchema(t)
	store := newMemStore()
	store.applyErr = errors.New("disk full")
	a := newAugmenter(s, cdc.Options{Enabled: true})

	m := mutation.New(s, mutation.KeyOf("o1"))
	m.SetCell(mutation.KeyOf("c1"), colA, mutation.Cell{Atomic: live(100, "1")})
	rows, err := a.Augment(context.Background(), store, m)
	require.ErrorIs(t, err, store.applyErr)
	require.Nil(t, rows)
}

func TestLogRowExpiry(t *testing.T) {
	s := testSchema(t)
	store := newMemStore()
	a := newAugmenter(s, cdc.Options{Enabled: true, TTL: time.Hour})

	ts := mutation.Timestamp(dt.UnixMicro())
	m := mutation.New(s, mutation.KeyOf("o1"))
	m.SetCell(mutation.KeyOf("c1"), colA, mutation.Cell{Atomic: live(ts, "1")})
	rows, err := a.Augment(context.Background(), store, m)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].Expires)
	require.True(t, dt.Add(time.Hour).Equal(*rows[0].Expires))
}

func TestImageOfShadowing(t *testing.T) {
	s := testSchema(t)
	pk, ck := mutation.KeyOf("o1"), mutation.KeyOf("c1")
	m := mutation.New(s, pk)
	m.ClusteredRow(ck).Marker = mutation.NewRowMarker(10)
	m.SetCell(ck, colA, mutation.Cell{Atomic: live(10, "old")})
	m.SetCell(ck, colB, mutation.Cell{Atomic: live(30, "new")})
	m.ClusteredRow(ck).Deleted = mutation.NewTombstone(20, dt)

	img := ImageOf(m, ck, allColumns(s))
	require.NotNil(t, img)
	require.True(t, img.Exists)
	_, ok := img.Regular.Get(colA)
	require.False(t, ok)
	_, ok = img.Regular.Get(colB)
	require.True(t, ok)

	var onlyA cdc.ColumnSet
	onlyA.Add(mutation.RegularColumn, colA)
	require.Nil(t, ImageOf(m, ck, &onlyA))

	m.Partition().ApplyTombstone(mutation.NewTombstone(40, dt))
	require.Nil(t, ImageOf(m, ck, allColumns(s)))
}
