package mutation

import (
	"github.com/cockroachdb/errors"
)

// ColumnKind is the role a column plays in a table.
type ColumnKind int

const (
	PartitionKeyColumn ColumnKind = iota
	ClusteringKeyColumn
	StaticColumn
	RegularColumn

	NumColumnKinds
)

func (k ColumnKind) String() string {
	switch k {
	case PartitionKeyColumn:
		return "partition_key"
	case ClusteringKeyColumn:
		return "clustering_key"
	case StaticColumn:
		return "static"
	case RegularColumn:
		return "regular"
	}
	return "unknown"
}

// ColumnID identifies a column within its kind. Ids are dense and start at 0
// for every kind.
type ColumnID uint32

type TypeKind int

const (
	Atomic TypeKind = iota
	Map
	Set
	List
	UDT
)

func (k TypeKind) String() string {
	switch k {
	case Atomic:
		return "atomic"
	case Map:
		return "map"
	case Set:
		return "set"
	case List:
		return "list"
	case UDT:
		return "udt"
	}
	return "unknown"
}

// ParseTypeKind maps a configuration type name to a TypeKind. Anything that
// is not a collection name is an atomic type.
func ParseTypeKind(name string) TypeKind {
	switch name {
	case "map":
		return Map
	case "set":
		return Set
	case "list":
		return List
	case "udt":
		return UDT
	}
	return Atomic
}

type ColumnType struct {
	Kind TypeKind
	// Name is the declared type name, informational only.
	Name string
}

func (t ColumnType) IsAtomic() bool { return t.Kind == Atomic }

type ColumnDefinition struct {
	Name string
	ID   ColumnID
	Kind ColumnKind
	Type ColumnType
}

func (c *ColumnDefinition) IsAtomic() bool { return c.Type.IsAtomic() }

// Schema describes one table.
type Schema struct {
	Keyspace string
	Table    string

	columns [NumColumnKinds][]ColumnDefinition
	byName  map[string]*ColumnDefinition
}

func (s *Schema) QualifiedName() string {
	return s.Keyspace + "." + s.Table
}

func (s *Schema) Columns(kind ColumnKind) []ColumnDefinition {
	return s.columns[kind]
}

func (s *Schema) HasColumns(kind ColumnKind) bool {
	return len(s.columns[kind]) > 0
}

// ColumnAt returns the definition of column id of the given kind. It panics
// when the id is out of range, like an out of bounds slice access would.
func (s *Schema) ColumnAt(kind ColumnKind, id ColumnID) *ColumnDefinition {
	return &s.columns[kind][id]
}

func (s *Schema) Column(name string) (*ColumnDefinition, bool) {
	c, ok := s.byName[name]
	return c, ok
}

// SchemaBuilder assigns column ids in declaration order.
type SchemaBuilder struct {
	s     *Schema
	names map[string]struct{}
	err   error
}

func NewSchemaBuilder(keyspace, table string) *SchemaBuilder {
	return &SchemaBuilder{s: &Schema{
		Keyspace: keyspace,
		Table:    table,
		byName:   make(map[string]*ColumnDefinition),
	}, names: make(map[string]struct{})}
}

func (b *SchemaBuilder) WithColumn(name string, kind ColumnKind, typ ColumnType) *SchemaBuilder {
	if b.err != nil {
		return b
	}
	if _, ok := b.names[name]; ok {
		b.err = errors.Newf("duplicate column %q in %s", name, b.s.QualifiedName())
		return b
	}
	if !typ.IsAtomic() && (kind == PartitionKeyColumn || kind == ClusteringKeyColumn) {
		b.err = errors.Newf("key column %q in %s cannot be a %s", name, b.s.QualifiedName(), typ.Kind)
		return b
	}
	b.names[name] = struct{}{}
	cols := b.s.columns[kind]
	b.s.columns[kind] = append(cols, ColumnDefinition{
		Name: name,
		ID:   ColumnID(len(cols)),
		Kind: kind,
		Type: typ,
	})
	return b
}

func (b *SchemaBuilder) Build() (*Schema, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.s.columns[PartitionKeyColumn]) == 0 {
		return nil, errors.Newf("table %s has no partition key", b.s.QualifiedName())
	}
	// Index after all appends so the pointers stay valid.
	for k := range b.s.columns {
		for i := range b.s.columns[k] {
			c := &b.s.columns[k][i]
			b.s.byName[c.Name] = c
		}
	}
	return b.s, nil
}
