package changelog

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdclog/internal/cdc"
	"github.com/mehmetymw/cdclog/internal/mutation"
)

// Augmenter writes mutations to an image store and, for tables with CDC
// enabled, produces their log rows.
type Augmenter struct {
	dispatcher *cdc.Dispatcher
	logger     *zap.Logger

	mu      sync.RWMutex
	options map[string]cdc.Options
}

func NewAugmenter(dispatcher *cdc.Dispatcher, logger *zap.Logger) *Augmenter {
	return &Augmenter{
		dispatcher: dispatcher,
		logger:     logger,
		options:    make(map[string]cdc.Options),
	}
}

// SetOptions sets the CDC options of a table, by qualified name.
func (a *Augmenter) SetOptions(table string, o cdc.Options) {
	a.mu.Lock()
	a.options[table] = o
	a.mu.Unlock()
	a.logger.Info("Set CDC options",
		zap.String("table", table),
		zap.Bool("enabled", o.Enabled),
		zap.Bool("preimage", o.Preimage),
		zap.Bool("postimage", o.Postimage),
		zap.Duration("ttl", o.TTL))
}

func (a *Augmenter) Options(table string) cdc.Options {
	a.mu.RLock()
	defer a.mu.RUnlock()
	o, ok := a.options[table]
	if !ok {
		return cdc.DefaultOptions()
	}
	return o
}

// Augment applies m to st and returns the log rows it produced. Images are
// read from st, so st should be a Batch that is committed only once the rows
// are stored. On error no row may be used.
func (a *Augmenter) Augment(ctx context.Context, st ImageStore, m *mutation.Mutation) ([]Row, error) {
	table := m.Schema().QualifiedName()
	o := a.Options(table)
	if !o.Enabled {
		if err := st.Apply(ctx, m); err != nil {
			return nil, errors.Wrapf(err, "applying mutation to %s", table)
		}
		return nil, nil
	}

	t := NewTransformer(st, m, o)
	if err := a.dispatcher.Process(ctx, m, o.Images(), t); err != nil {
		return nil, errors.Wrapf(err, "cdc for %s", table)
	}
	return t.Rows(), nil
}
