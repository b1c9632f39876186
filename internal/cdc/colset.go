package cdc

import (
	"strconv"
	"strings"

	"github.com/bits-and-blooms/bitset"

	"github.com/mehmetymw/cdclog/internal/mutation"
)

// ColumnSet is a set of columns, kept as one bitset per column kind so that
// per-kind column ids can be used directly.
type ColumnSet struct {
	kinds [mutation.NumColumnKinds]bitset.BitSet
}

func (s *ColumnSet) Add(kind mutation.ColumnKind, id mutation.ColumnID) {
	s.kinds[kind].Set(uint(id))
}

// AddAll adds every column of the given kind in the schema.
func (s *ColumnSet) AddAll(schema *mutation.Schema, kind mutation.ColumnKind) {
	for _, c := range schema.Columns(kind) {
		s.Add(kind, c.ID)
	}
}

func (s *ColumnSet) Contains(kind mutation.ColumnKind, id mutation.ColumnID) bool {
	return s.kinds[kind].Test(uint(id))
}

func (s *ColumnSet) Len() int {
	n := 0
	for k := range s.kinds {
		n += int(s.kinds[k].Count())
	}
	return n
}

func (s *ColumnSet) Empty() bool { return s.Len() == 0 }

// ForEach visits the ids of one kind in ascending order.
func (s *ColumnSet) ForEach(kind mutation.ColumnKind, fn func(id mutation.ColumnID)) {
	b := &s.kinds[kind]
	for i, ok := b.NextSet(0); ok; i, ok = b.NextSet(i + 1) {
		fn(mutation.ColumnID(i))
	}
}

func (s *ColumnSet) Union(o *ColumnSet) {
	for k := range s.kinds {
		s.kinds[k].InPlaceUnion(&o.kinds[k])
	}
}

// SubsetOf reports whether every column of s is also in o.
func (s *ColumnSet) SubsetOf(o *ColumnSet) bool {
	for k := range s.kinds {
		if !o.kinds[k].IsSuperSet(&s.kinds[k]) {
			return false
		}
	}
	return true
}

func (s *ColumnSet) Equal(o *ColumnSet) bool {
	return s.SubsetOf(o) && o.SubsetOf(s)
}

func (s *ColumnSet) Clone() ColumnSet {
	var out ColumnSet
	for k := range s.kinds {
		out.kinds[k] = *s.kinds[k].Clone()
	}
	return out
}

// Names resolves the set against a schema, in kind then id order.
func (s *ColumnSet) Names(schema *mutation.Schema) []string {
	var names []string
	for k := range s.kinds {
		kind := mutation.ColumnKind(k)
		s.ForEach(kind, func(id mutation.ColumnID) {
			names = append(names, schema.ColumnAt(kind, id).Name)
		})
	}
	return names
}

func (s *ColumnSet) String() string {
	var b strings.Builder
	b.WriteByte('{')
	first := true
	for k := range s.kinds {
		kind := mutation.ColumnKind(k)
		s.ForEach(kind, func(id mutation.ColumnID) {
			if !first {
				b.WriteString(", ")
			}
			first = false
			b.WriteString(kind.String())
			b.WriteByte(':')
			b.WriteString(strconv.Itoa(int(id)))
		})
	}
	b.WriteByte('}')
	return b.String()
}
