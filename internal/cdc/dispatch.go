package cdc

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mehmetymw/cdclog/internal/mutation"
)

// Dispatcher routes mutations to the splitting or passthrough driver and
// keeps the CDC stats.
type Dispatcher struct {
	stats  *Stats
	logger *zap.Logger
}

func NewDispatcher(stats *Stats, logger *zap.Logger) *Dispatcher {
	if stats == nil {
		stats = NewStats(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{stats: stats, logger: logger}
}

// recorder forwards to a ChangeProcessor and counts preimage requests.
type recorder struct {
	ChangeProcessor
	preimages int
}

func (r *recorder) ProducePreimage(ctx context.Context, key mutation.Key, cols *ColumnSet, seq *BatchSeq) error {
	r.preimages++
	return r.ChangeProcessor.ProducePreimage(ctx, key, cols, seq)
}

// Process decomposes m and feeds the result to p. Processing stops at the
// first error; an error for which errors.HasAssertionFailure holds means the
// decomposition itself was invalid. The parts of m are counted up front, so
// a failed run reports every part it would have touched.
func (d *Dispatcher) Process(ctx context.Context, m *mutation.Mutation, opts ImageOptions, p ChangeProcessor) error {
	start := time.Now()
	if f, ok := p.(*Funcs); ok {
		opts = opts.and(f.images())
	}
	rec := &recorder{ChangeProcessor: p}
	split := ShouldSplit(m)

	var (
		pl  plan
		err error
	)
	if split {
		pl = splitPlan(m)
	} else {
		pl, err = passthroughPlan(m)
	}
	if err == nil {
		err = pl.run(ctx, opts, rec)
	}
	d.stats.record(split, pl.parts(), rec.preimages, time.Since(start), err)

	if err != nil {
		d.logger.Warn("CDC processing failed",
			zap.String("table", m.Schema().QualifiedName()),
			zap.Stringer("key", m.Key()),
			zap.Bool("split", split),
			zap.Error(err))
		return err
	}
	d.logger.Debug("Processed mutation",
		zap.String("table", m.Schema().QualifiedName()),
		zap.Stringer("key", m.Key()),
		zap.Bool("split", split))
	return nil
}

// ForEachChange is the callback form of Process. pre and post may be nil to
// disable the corresponding image; delta is required.
func (d *Dispatcher) ForEachChange(
	ctx context.Context, m *mutation.Mutation, pre PreimageFunc, post PostimageFunc, delta DeltaFunc,
) error {
	f := &Funcs{Preimage: pre, Postimage: post, Delta: delta}
	return d.Process(ctx, m, f.images(), f)
}
