package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdclog/internal/config"
	"github.com/mehmetymw/cdclog/internal/types"
)

var ordersTable = config.Table{
	Name:          "public.orders",
	PartitionKey:  []string{"customer"},
	ClusteringKey: []string{"id"},
}

func newSource(t *testing.T) *PostgresCDC {
	t.Helper()
	p, err := New(config.PostgresSource{DSN: "postgres://localhost/shop", Slot: "s", Publication: "p"},
		[]config.Table{ordersTable}, zap.NewNop())
	require.NoError(t, err)
	return p
}

func tuple(values ...*string) *pglogrepl.TupleData {
	td := &pglogrepl.TupleData{}
	for _, v := range values {
		switch {
		case v == nil:
			td.Columns = append(td.Columns, &pglogrepl.TupleDataColumn{DataType: pglogrepl.TupleDataTypeNull})
		case *v == "\x00toast":
			td.Columns = append(td.Columns, &pglogrepl.TupleDataColumn{DataType: pglogrepl.TupleDataTypeToast})
		default:
			td.Columns = append(td.Columns, &pglogrepl.TupleDataColumn{
				DataType: pglogrepl.TupleDataTypeText, Length: uint32(len(*v)), Data: []byte(*v),
			})
		}
	}
	td.ColumnNum = uint16(len(td.Columns))
	return td
}

func s(v string) *string { return &v }

func relationMsg(id uint32, schema, table string, cols ...string) *pglogrepl.RelationMessage {
	m := &pglogrepl.RelationMessage{RelationID: id, Namespace: schema, RelationName: table}
	for _, c := range cols {
		m.Columns = append(m.Columns, &pglogrepl.RelationMessageColumn{Name: c})
	}
	m.ColumnNum = uint16(len(m.Columns))
	return m
}

func TestNewValidates(t *testing.T) {
	_, err := New(config.PostgresSource{DSN: "postgres://x"}, nil, zap.NewNop())
	require.Error(t, err)
}

func TestHandleTransaction(t *testing.T) {
	ctx := context.Background()
	p := newSource(t)
	out := make(chan types.RowChange, 10)
	commit := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	msgs := []pglogrepl.Message{
		relationMsg(1, "public", "orders", "customer", "id", "total", "notes"),
		relationMsg(2, "public", "audit", "id"),
		&pglogrepl.BeginMessage{CommitTime: commit},
		&pglogrepl.InsertMessage{RelationID: 1, Tuple: tuple(s("c1"), s("o1"), s("10"), nil)},
		&pglogrepl.InsertMessage{RelationID: 2, Tuple: tuple(s("a1"))},
		&pglogrepl.UpdateMessage{RelationID: 1, NewTuple: tuple(s("c1"), s("o1"), s("20"), s("\x00toast"))},
		&pglogrepl.DeleteMessage{RelationID: 1, OldTuple: tuple(s("c1"), s("o2"), nil, nil)},
	}
	for _, m := range msgs {
		require.NoError(t, p.handleMessage(ctx, out, m))
	}
	require.Empty(t, out, "nothing is sent before commit")

	lsn, err := pglogrepl.ParseLSN("16/B374D848")
	require.NoError(t, err)
	require.NoError(t, p.handleMessage(ctx, out, &pglogrepl.CommitMessage{CommitLSN: lsn, CommitTime: commit}))
	close(out)

	var got []types.RowChange
	for c := range out {
		got = append(got, c)
	}
	require.Len(t, got, 3)

	require.Equal(t, "c", got[0].Op)
	require.Equal(t, "c1:o1", got[0].PrimaryKey)
	require.Equal(t, map[string]any{"customer": "c1", "id": "o1", "total": "10", "notes": nil}, got[0].After)
	require.Equal(t, "16/B374D848", got[0].LSN)
	require.True(t, commit.Equal(got[0].CommitTime))

	require.Equal(t, "u", got[1].Op)
	require.NotContains(t, got[1].After, "notes")

	require.Equal(t, "d", got[2].Op)
	require.Equal(t, "c1:o2", got[2].PrimaryKey)
	require.Nil(t, got[2].After)
}

func TestCommitHonorsCancel(t *testing.T) {
	p := newSource(t)
	out := make(chan types.RowChange)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, p.handleMessage(ctx, out, relationMsg(1, "public", "orders", "customer", "id")))
	require.NoError(t, p.handleMessage(ctx, out, &pglogrepl.InsertMessage{RelationID: 1, Tuple: tuple(s("c1"), s("o1"))}))
	cancel()
	err := p.handleMessage(ctx, out, &pglogrepl.CommitMessage{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestStopIsIdempotent(t *testing.T) {
	p := newSource(t)
	p.Stop()
	p.Stop()
}

func TestConfirmOnlyAdvances(t *testing.T) {
	p := newSource(t)
	require.Equal(t, pglogrepl.LSN(0), p.standbyStatus().WALFlushPosition)

	require.NoError(t, p.Confirm("0/20"))
	require.NoError(t, p.Confirm("0/10"))

	status := p.standbyStatus()
	require.Equal(t, pglogrepl.LSN(0x20), status.WALWritePosition)
	require.Equal(t, pglogrepl.LSN(0x20), status.WALFlushPosition)
	require.Equal(t, pglogrepl.LSN(0x20), status.WALApplyPosition)

	require.Error(t, p.Confirm("not-an-lsn"))
	require.Equal(t, pglogrepl.LSN(0x20), p.standbyStatus().WALFlushPosition)
}

func TestStatusIgnoresUnconfirmedChanges(t *testing.T) {
	p := newSource(t)
	require.NoError(t, p.Confirm("0/10"))

	out := make(chan types.RowChange, 4)
	ctx := context.Background()
	require.NoError(t, p.handleMessage(ctx, out, relationMsg(1, "public", "orders", "customer", "id")))
	require.NoError(t, p.handleMessage(ctx, out, &pglogrepl.BeginMessage{FinalLSN: 0x40}))
	require.NoError(t, p.handleMessage(ctx, out, &pglogrepl.InsertMessage{RelationID: 1, Tuple: tuple(s("c1"), s("1"))}))
	require.NoError(t, p.handleMessage(ctx, out, &pglogrepl.CommitMessage{CommitLSN: 0x40, TransactionEndLSN: 0x48}))
	require.Len(t, out, 1)

	require.Equal(t, pglogrepl.LSN(0x10), p.standbyStatus().WALFlushPosition)

	require.NoError(t, p.Confirm((<-out).LSN))
	require.Equal(t, pglogrepl.LSN(0x40), p.standbyStatus().WALFlushPosition)
}
