package mutation

import (
	"bytes"
	"strings"
)

// Key is a partition key or a (possibly prefix) clustering key, one
// serialized value per key column.
type Key [][]byte

func KeyOf(components ...string) Key {
	k := make(Key, len(components))
	for i, c := range components {
		k[i] = []byte(c)
	}
	return k
}

// Compare orders keys component-wise; a strict prefix sorts first.
func (k Key) Compare(o Key) int {
	for i := 0; i < len(k) && i < len(o); i++ {
		if c := bytes.Compare(k[i], o[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(k) < len(o):
		return -1
	case len(k) > len(o):
		return 1
	}
	return 0
}

func (k Key) Equal(o Key) bool { return k.Compare(o) == 0 }

// comparePrefix compares only the first len(prefix) components of k.
func (k Key) comparePrefix(prefix Key) int {
	n := len(prefix)
	if len(k) < n {
		n = len(k)
	}
	return k[:n].Compare(prefix[:n])
}

func (k Key) Clone() Key {
	out := make(Key, len(k))
	for i, c := range k {
		out[i] = append([]byte(nil), c...)
	}
	return out
}

func (k Key) String() string {
	parts := make([]string, len(k))
	for i, c := range k {
		parts[i] = string(c)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// RangeTombstone deletes every clustering row between two key prefixes. An
// empty bound is unbounded.
type RangeTombstone struct {
	Start          Key
	StartInclusive bool
	End            Key
	EndInclusive   bool
	Tomb           Tombstone
}

// Contains reports whether the clustering key ck falls inside the range.
func (rt RangeTombstone) Contains(ck Key) bool {
	if len(rt.Start) > 0 {
		c := ck.comparePrefix(rt.Start)
		if c < 0 || (c == 0 && !rt.StartInclusive) {
			return false
		}
	}
	if len(rt.End) > 0 {
		c := ck.comparePrefix(rt.End)
		if c > 0 || (c == 0 && !rt.EndInclusive) {
			return false
		}
	}
	return true
}

func (rt RangeTombstone) Equal(o RangeTombstone) bool {
	return rt.Start.Equal(o.Start) && rt.StartInclusive == o.StartInclusive &&
		rt.End.Equal(o.End) && rt.EndInclusive == o.EndInclusive && rt.Tomb.Equal(o.Tomb)
}
