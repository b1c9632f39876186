package changelog

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mehmetymw/cdclog/internal/mutation"
)

// Operation is the kind of a log row.
type Operation int8

const (
	OpPreImage                  Operation = 0
	OpUpdate                    Operation = 1
	OpInsert                    Operation = 2
	OpRowDelete                 Operation = 3
	OpPartitionDelete           Operation = 4
	OpRangeDeleteStartInclusive Operation = 5
	OpRangeDeleteStartExclusive Operation = 6
	OpRangeDeleteEndInclusive   Operation = 7
	OpRangeDeleteEndExclusive   Operation = 8
	OpPostImage                 Operation = 9
)

func (o Operation) String() string {
	switch o {
	case OpPreImage:
		return "pre_image"
	case OpUpdate:
		return "update"
	case OpInsert:
		return "insert"
	case OpRowDelete:
		return "row_delete"
	case OpPartitionDelete:
		return "partition_delete"
	case OpRangeDeleteStartInclusive:
		return "range_delete_start_inclusive"
	case OpRangeDeleteStartExclusive:
		return "range_delete_start_exclusive"
	case OpRangeDeleteEndInclusive:
		return "range_delete_end_inclusive"
	case OpRangeDeleteEndExclusive:
		return "range_delete_end_exclusive"
	case OpPostImage:
		return "post_image"
	}
	return "unknown"
}

// Row is one change log row. Rows of one timestamp group share Time and are
// ordered by BatchSeqNo.
type Row struct {
	Table      string    `json:"table"`
	Partition  string    `json:"partition"`
	Time       uuid.UUID `json:"time"`
	Timestamp  int64     `json:"timestamp"`
	BatchSeqNo int       `json:"batch_seq_no"`
	Operation  Operation `json:"operation"`
	// TTL is the ttl of the logged write in seconds, zero when it has none.
	TTL int64 `json:"ttl,omitempty"`

	// Key holds the partition key columns and, for row level operations,
	// the clustering key columns. Range bounds may hold a prefix.
	Key map[string]string `json:"key"`
	// Values maps column names to a string for atomic columns, a
	// map[string]string for maps, lists and user types, and a []string for
	// sets.
	Values map[string]any `json:"values,omitempty"`
	// Deleted lists columns that were deleted or, for collections,
	// overwritten.
	Deleted []string `json:"deleted,omitempty"`
	// DeletedElements lists removed collection elements by column.
	DeletedElements map[string][]string `json:"deleted_elements,omitempty"`

	// Expires is when the log row itself should be dropped.
	Expires *time.Time `json:"expires,omitempty"`
}

func (r *Row) setValue(name string, v any) {
	if r.Values == nil {
		r.Values = make(map[string]any)
	}
	r.Values[name] = v
}

func (r *Row) deleteElement(name, key string) {
	if r.DeletedElements == nil {
		r.DeletedElements = make(map[string][]string)
	}
	r.DeletedElements[name] = append(r.DeletedElements[name], key)
}

// setKey fills the key columns of kind from the components of k. A shorter
// k leaves the trailing columns out.
func (r *Row) setKey(s *mutation.Schema, kind mutation.ColumnKind, k mutation.Key) {
	for i, c := range s.Columns(kind) {
		if i >= len(k) {
			return
		}
		r.Key[c.Name] = string(k[i])
	}
}

// collectionValue renders the live elements of a collection, or nil when
// there are none.
func collectionValue(def *mutation.ColumnDefinition, c *mutation.CollectionMutation) any {
	switch def.Type.Kind {
	case mutation.Set:
		var out []string
		for _, e := range c.Cells {
			if e.Cell.Live {
				out = append(out, string(e.Key))
			}
		}
		if out == nil {
			return nil
		}
		return out
	default:
		var out map[string]string
		for _, e := range c.Cells {
			if !e.Cell.Live {
				continue
			}
			if out == nil {
				out = make(map[string]string)
			}
			out[elementKey(def, e.Key)] = string(e.Cell.Value)
		}
		if out == nil {
			return nil
		}
		return out
	}
}

// elementKey renders an element key. User type fields are keyed by their
// index, serialized as a big-endian integer.
func elementKey(def *mutation.ColumnDefinition, k []byte) string {
	if def.Type.Kind != mutation.UDT {
		return string(k)
	}
	var idx uint64
	for _, b := range k {
		idx = idx<<8 | uint64(b)
	}
	return strconv.FormatUint(idx, 10)
}
