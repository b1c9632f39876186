package cdc

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mehmetymw/cdclog/internal/mutation"
)

// PartType is a structural part of a mutation that CDC processing touched.
type PartType int

const (
	PartStaticRow PartType = iota
	PartClusteringRow
	PartMap
	PartSet
	PartList
	PartUDT
	PartRangeTombstone
	PartPartitionDelete
	PartRowDelete

	numPartTypes
)

func (p PartType) String() string {
	switch p {
	case PartStaticRow:
		return "static_row"
	case PartClusteringRow:
		return "clustering_row"
	case PartMap:
		return "map"
	case PartSet:
		return "set"
	case PartList:
		return "list"
	case PartUDT:
		return "udt"
	case PartRangeTombstone:
		return "range_tombstone"
	case PartPartitionDelete:
		return "partition_delete"
	case PartRowDelete:
		return "row_delete"
	}
	return "unknown"
}

// PartTypes is a set of part types.
type PartTypes uint16

func (s *PartTypes) Add(p PartType) { *s |= 1 << p }
func (s PartTypes) Contains(p PartType) bool { return s&(1<<p) != 0 }
func (s *PartTypes) Union(o PartTypes) { *s |= o }

// partsOf returns the parts a change touches.
func partsOf(c *Change) PartTypes {
	var parts PartTypes
	kind := mutation.RegularColumn
	switch c.Kind {
	case StaticUpdate:
		parts.Add(PartStaticRow)
		kind = mutation.StaticColumn
	case Insert, Update:
		parts.Add(PartClusteringRow)
	case RowDelete:
		parts.Add(PartRowDelete)
		return parts
	case RangeDelete:
		parts.Add(PartRangeTombstone)
		return parts
	case PartitionDelete:
		parts.Add(PartPartitionDelete)
		return parts
	}
	s := c.Mutation.Schema()
	c.Columns.ForEach(kind, func(id mutation.ColumnID) {
		switch s.ColumnAt(kind, id).Type.Kind {
		case mutation.Map:
			parts.Add(PartMap)
		case mutation.Set:
			parts.Add(PartSet)
		case mutation.List:
			parts.Add(PartList)
		case mutation.UDT:
			parts.Add(PartUDT)
		}
	})
	return parts
}

const (
	resultSucceeded = "succeeded"
	resultFailed    = "failed"
)

// Stats holds the CDC counters. Each processed mutation is counted once, as
// succeeded or failed.
type Stats struct {
	operations *prometheus.CounterVec
	touched    *prometheus.CounterVec
	preimages  *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewStats creates the counters and registers them with reg. A nil reg
// leaves them unregistered.
func NewStats(reg prometheus.Registerer) *Stats {
	f := promauto.With(reg)
	return &Stats{
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cdc",
			Name:      "operations_total",
			Help:      "Number of mutations processed by CDC, by whether they were split.",
		}, []string{"split", "result"}),
		touched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cdc",
			Name:      "components_touched_total",
			Help:      "Number of times a mutation part type was touched during CDC processing.",
		}, []string{"part", "result"}),
		preimages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cdc",
			Name:      "preimage_requests_total",
			Help:      "Number of preimage requests issued during CDC processing.",
		}, []string{"result"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cdc",
			Name:      "operation_duration_seconds",
			Help:      "Time spent processing one mutation.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"result"}),
	}
}

// record accounts for one processed mutation.
func (s *Stats) record(split bool, parts PartTypes, preimages int, took time.Duration, err error) {
	result := resultSucceeded
	if err != nil {
		result = resultFailed
	}
	s.operations.WithLabelValues(strconv.FormatBool(split), result).Inc()
	for p := PartType(0); p < numPartTypes; p++ {
		if parts.Contains(p) {
			s.touched.WithLabelValues(p.String(), result).Inc()
		}
	}
	if preimages > 0 {
		s.preimages.WithLabelValues(result).Add(float64(preimages))
	}
	s.duration.WithLabelValues(result).Observe(took.Seconds())
}
