package pipeline

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/mehmetymw/cdclog/internal/cdc"
	"github.com/mehmetymw/cdclog/internal/config"
	"github.com/mehmetymw/cdclog/internal/mutation"
	"github.com/mehmetymw/cdclog/internal/types"
)

// table is the resolved form of a configured table.
type table struct {
	schema  *mutation.Schema
	options cdc.Options
}

func newTable(t config.Table) (*table, error) {
	b := mutation.NewSchemaBuilder(t.Keyspace(), t.TableName())
	typeNames := make(map[string]string, len(t.Columns))
	for _, c := range t.Columns {
		typeNames[c.Name] = c.Type
	}
	typeOf := func(name string) mutation.ColumnType {
		typ := typeNames[name]
		base, _, _ := strings.Cut(typ, "<")
		return mutation.ColumnType{Kind: mutation.ParseTypeKind(strings.TrimSpace(base)), Name: typ}
	}

	keys := make(map[string]struct{})
	for _, c := range t.PartitionKey {
		b.WithColumn(c, mutation.PartitionKeyColumn, typeOf(c))
		keys[c] = struct{}{}
	}
	for _, c := range t.ClusteringKey {
		b.WithColumn(c, mutation.ClusteringKeyColumn, typeOf(c))
		keys[c] = struct{}{}
	}
	static := make(map[string]struct{}, len(t.Static))
	for _, c := range t.Static {
		b.WithColumn(c, mutation.StaticColumn, typeOf(c))
		static[c] = struct{}{}
	}
	for _, c := range t.Columns {
		if _, ok := keys[c.Name]; ok {
			continue
		}
		if _, ok := static[c.Name]; ok {
			continue
		}
		b.WithColumn(c.Name, mutation.RegularColumn, typeOf(c.Name))
	}
	s, err := b.Build()
	if err != nil {
		return nil, err
	}

	o, err := cdc.ParseOptions(t.CDC)
	if err != nil {
		return nil, errors.Wrapf(err, "cdc options of %s", t.Name)
	}
	return &table{schema: s, options: o}, nil
}

// toMutation converts a source change into a write on the table. Every cell
// is written at the commit time; collection columns are overwritten, so
// their tombstone sits one microsecond earlier and the whole change keeps a
// single timestamp.
func (t *table) toMutation(change types.RowChange) (*mutation.Mutation, error) {
	ts := mutation.Timestamp(change.CommitTime.UnixMicro())
	data := change.After
	if change.Op == "d" {
		data = change.Before
	}
	if data == nil {
		return nil, errors.Newf("%s change on %s carries no row data", change.Op, t.schema.QualifiedName())
	}

	pk, err := t.key(mutation.PartitionKeyColumn, data)
	if err != nil {
		return nil, err
	}
	// Tables without clustering columns keep their one row under the empty
	// clustering key.
	ck, err := t.key(mutation.ClusteringKeyColumn, data)
	if err != nil {
		return nil, err
	}
	m := mutation.New(t.schema, pk)

	switch change.Op {
	case "d":
		tomb := mutation.NewTombstone(ts, change.CommitTime)
		if len(ck) == 0 {
			m.Partition().ApplyTombstone(tomb)
		} else {
			m.Partition().ApplyRowDelete(ck, tomb)
		}
		return m, nil
	case "c":
		m.ClusteredRow(ck).Marker = mutation.NewRowMarker(ts)
	case "u":
	default:
		return nil, errors.Newf("unknown change op %q", change.Op)
	}

	for _, kind := range []mutation.ColumnKind{mutation.StaticColumn, mutation.RegularColumn} {
		for _, def := range t.schema.Columns(kind) {
			v, ok := data[def.Name]
			if !ok {
				continue
			}
			c, err := toCell(&def, v, ts, change.CommitTime)
			if err != nil {
				return nil, errors.Wrapf(err, "column %s of %s", def.Name, t.schema.QualifiedName())
			}
			if kind == mutation.StaticColumn {
				m.SetStaticCell(def.ID, c)
			} else {
				m.SetCell(ck, def.ID, c)
			}
		}
	}
	return m, nil
}

func (t *table) key(kind mutation.ColumnKind, data map[string]any) (mutation.Key, error) {
	cols := t.schema.Columns(kind)
	k := make(mutation.Key, len(cols))
	for i, c := range cols {
		v, ok := data[c.Name]
		if !ok || v == nil {
			return nil, errors.Newf("%s column %s of %s is missing", kind, c.Name, t.schema.QualifiedName())
		}
		k[i] = []byte(text(v))
	}
	return k, nil
}

func text(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// toCell builds the cell for one column value. Collections arrive as JSON:
// an object for maps, an array for sets and lists, and an array of field
// values for user types.
func toCell(def *mutation.ColumnDefinition, v any, ts mutation.Timestamp, deletionTime time.Time) (mutation.Cell, error) {
	if def.IsAtomic() {
		if v == nil {
			return mutation.Cell{Atomic: mutation.DeadCell(ts)}, nil
		}
		return mutation.Cell{Atomic: mutation.LiveCell(ts, []byte(text(v)))}, nil
	}

	coll := &mutation.CollectionMutation{Tomb: mutation.NewTombstone(ts-1, deletionTime)}
	if v == nil {
		return mutation.Cell{Collection: coll}, nil
	}
	raw := []byte(text(v))

	switch def.Type.Kind {
	case mutation.Map:
		var elems map[string]string
		if err := json.Unmarshal(raw, &elems); err != nil {
			return mutation.Cell{}, errors.Wrap(err, "decoding map")
		}
		for k, e := range elems {
			coll.Add([]byte(k), mutation.LiveCell(ts, []byte(e)))
		}
	case mutation.Set:
		var elems []string
		if err := json.Unmarshal(raw, &elems); err != nil {
			return mutation.Cell{}, errors.Wrap(err, "decoding set")
		}
		for _, e := range elems {
			coll.Add([]byte(e), mutation.LiveCell(ts, nil))
		}
	case mutation.List:
		var elems []string
		if err := json.Unmarshal(raw, &elems); err != nil {
			return mutation.Cell{}, errors.Wrap(err, "decoding list")
		}
		for i, e := range elems {
			coll.Add([]byte(fmt.Sprintf("%08d", i)), mutation.LiveCell(ts, []byte(e)))
		}
	case mutation.UDT:
		var fields []*string
		if err := json.Unmarshal(raw, &fields); err != nil {
			return mutation.Cell{}, errors.Wrap(err, "decoding user type")
		}
		for i, f := range fields {
			key := binary.BigEndian.AppendUint16(nil, uint16(i))
			if f == nil {
				coll.Add(key, mutation.DeadCell(ts))
			} else {
				coll.Add(key, mutation.LiveCell(ts, []byte(*f)))
			}
		}
	}
	return mutation.Cell{Collection: coll}, nil
}
