package types

import (
	"context"
	"time"

	"github.com/mehmetymw/cdclog/internal/changelog"
)

// RowChange is one row level change read from the upstream source. Values
// are in the source's text form; a nil value is a SQL NULL.
type RowChange struct {
	Op         string
	Table      string
	Schema     string
	PrimaryKey string
	Before     map[string]any
	After      map[string]any
	LSN        string
	CommitTime time.Time
}

// Sink receives change log rows. Rows must be written in the order given.
type Sink interface {
	Write(ctx context.Context, rows []changelog.Row) error
	Close() error
}
