package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdclog/internal/changelog"
	"github.com/mehmetymw/cdclog/internal/config"
	"github.com/mehmetymw/cdclog/internal/types"
)

type Pipeline struct {
	augmenter  *changelog.Augmenter
	images     changelog.BatchStore
	sink       types.Sink
	tables     map[string]*table
	cfg        config.Batching
	logger     *zap.Logger
	batch      []types.RowChange
	mu         sync.Mutex
	lastOffset string
	written    int
	retrying   bool
}

// errUnloggable marks changes that fail the same way however often they are
// tried. They are dropped instead of holding the batch back.
var errUnloggable = errors.New("change cannot be logged")

type OffsetSaver interface {
	SaveOffset(offset string) error
}

// ConfirmAfterSave passes each offset to confirm once saver has stored it.
// A source acknowledges upstream only what a restart would not replay.
func ConfirmAfterSave(saver OffsetSaver, confirm func(offset string) error) OffsetSaver {
	return confirmingSaver{saver: saver, confirm: confirm}
}

type confirmingSaver struct {
	saver   OffsetSaver
	confirm func(string) error
}

func (c confirmingSaver) SaveOffset(offset string) error {
	if err := c.saver.SaveOffset(offset); err != nil {
		return err
	}
	if offset == "" {
		return nil
	}
	return errors.Wrapf(c.confirm(offset), "confirming offset %s", offset)
}

func NewFileOffsetSaver(dir string, logger *zap.Logger) *fileOffsetSaver {
	logger.Debug("Creating file offset saver", zap.String("dir", dir))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warn("Failed to create offset directory", zap.String("dir", dir), zap.Error(err))
	}
	return &fileOffsetSaver{path: dir, logger: logger}
}

type fileOffsetSaver struct {
	path   string
	logger *zap.Logger
}

func (f *fileOffsetSaver) SaveOffset(offset string) error {
	if offset == "" {
		return nil
	}
	p := filepath.Join(f.path, "offset")
	f.logger.Debug("Saving offset to file",
		zap.String("path", p),
		zap.String("offset", offset))
	return os.WriteFile(p, []byte(offset), 0o644)
}

// LoadOffset returns the last saved offset, or "" when none was saved.
func (f *fileOffsetSaver) LoadOffset() (string, error) {
	b, err := os.ReadFile(filepath.Join(f.path, "offset"))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func NewPipeline(augmenter *changelog.Augmenter, images changelog.BatchStore, sink types.Sink, tables []config.Table, cfg config.Batching, logger *zap.Logger) (*Pipeline, error) {
	logger.Info("Creating new pipeline",
		zap.Int("tables_count", len(tables)),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Int("flush_interval_ms", cfg.FlushIntervalMs),
		zap.Int("retry_interval_ms", cfg.RetryIntervalMs))

	tableMap := make(map[string]*table)
	for _, t := range tables {
		resolved, err := newTable(t)
		if err != nil {
			return nil, errors.Wrapf(err, "table %s", t.Name)
		}
		tableMap[t.Name] = resolved
		augmenter.SetOptions(resolved.schema.QualifiedName(), resolved.options)
		logger.Debug("Added table",
			zap.String("table", t.Name),
			zap.Strings("partition_key", t.PartitionKey),
			zap.Strings("clustering_key", t.ClusteringKey),
			zap.Int("columns", len(t.Columns)))
	}
	return &Pipeline{augmenter: augmenter, images: images, sink: sink, tables: tableMap, cfg: cfg, logger: logger}, nil
}

// Start consumes changes until changeCh is closed or ctx is done, flushing
// whenever a batch fills up or the flush interval passes. A failed batch is
// retried until it succeeds; no new change is taken meanwhile.
func (p *Pipeline) Start(ctx context.Context, changeCh <-chan types.RowChange, offsetSaver OffsetSaver) {
	p.logger.Info("Starting pipeline processing loop")
	ticker := time.NewTicker(time.Duration(p.cfg.FlushIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	changeCount := 0
	for {
		select {
		case change, ok := <-changeCh:
			if !ok {
				p.logger.Info("Change channel closed, flushing final batch")
				p.flushWithRetry(ctx, offsetSaver)
				return
			}
			changeCount++
			p.logger.Debug("Received change from source",
				zap.String("table", change.Schema+"."+change.Table),
				zap.String("op", change.Op),
				zap.String("primary_key", change.PrimaryKey),
				zap.String("lsn", change.LSN),
				zap.Int("total_changes", changeCount))

			p.addToBatch(change)
			if p.pending() >= p.cfg.BatchSize {
				p.logger.Debug("Batch size reached, flushing",
					zap.Int("batch_size", p.pending()),
					zap.Int("total_changes", changeCount))
				if !p.flushWithRetry(ctx, offsetSaver) {
					return
				}
			}
		case <-ticker.C:
			if p.pending() > 0 {
				p.logger.Debug("Flush interval reached, flushing",
					zap.Int("batch_size", p.pending()))
				if !p.flushWithRetry(ctx, offsetSaver) {
					return
				}
			}
		case <-ctx.Done():
			p.logger.Info("Context canceled, stopping pipeline")
			return
		}
	}
}

func (p *Pipeline) pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batch)
}

func (p *Pipeline) addToBatch(change types.RowChange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tableName := fmt.Sprintf("%s.%s", change.Schema, change.Table)
	if _, exists := p.tables[tableName]; !exists {
		p.logger.Debug("Skipping change for unconfigured table", zap.String("table", tableName))
		return
	}
	p.batch = append(p.batch, change)
	if change.LSN != "" {
		p.lastOffset = change.LSN
	}
}

// flushWithRetry flushes until the batch succeeds. It reports false when
// ctx ended first; the batch is then left unacknowledged.
func (p *Pipeline) flushWithRetry(ctx context.Context, offsetSaver OffsetSaver) bool {
	interval := time.Duration(p.cfg.RetryIntervalMs) * time.Millisecond
	for attempt := 1; ; attempt++ {
		if p.flush(ctx, offsetSaver) {
			p.setRetrying(false)
			return true
		}
		p.setRetrying(true)
		p.logger.Warn("Batch failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("batch_size", p.pending()),
			zap.Duration("retry_in", interval))
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			p.logger.Warn("Context canceled, abandoning failed batch", zap.Int("batch_size", p.pending()))
			return false
		}
	}
}

func (p *Pipeline) setRetrying(v bool) {
	p.mu.Lock()
	p.retrying = v
	p.mu.Unlock()
}

// flush converts and augments every change of the batch, then writes all
// log rows in one call. Image store writes are staged and committed only
// after the sink accepted the rows, so a failed batch leaves no trace and is
// kept for the next attempt. The offset is saved only on success.
func (p *Pipeline) flush(ctx context.Context, offsetSaver OffsetSaver) bool {
	p.mu.Lock()
	batch := p.batch
	offset := p.lastOffset
	p.mu.Unlock()

	if len(batch) == 0 {
		return true
	}

	p.logger.Info("Flushing batch",
		zap.Int("batch_size", len(batch)),
		zap.String("offset", offset))

	start := time.Now()
	staged := p.images.NewBatch()
	dropped := 0
	var rows []changelog.Row

	for _, change := range batch {
		out, err := p.processChange(ctx, staged, change)
		if errors.Is(err, errUnloggable) {
			p.logger.Error("Dropping change",
				zap.Error(err),
				zap.String("table", change.Schema+"."+change.Table),
				zap.String("op", change.Op),
				zap.String("primary_key", change.PrimaryKey),
				zap.String("lsn", change.LSN))
			dropped++
			continue
		}
		if err != nil {
			p.logger.Error("Failed to process change",
				zap.Error(err),
				zap.String("table", change.Schema+"."+change.Table),
				zap.String("op", change.Op),
				zap.String("primary_key", change.PrimaryKey))
			return false
		}
		rows = append(rows, out...)
	}

	if len(rows) > 0 {
		if err := p.sink.Write(ctx, rows); err != nil {
			p.logger.Error("Failed to write log rows to sink",
				zap.Error(err),
				zap.Int("rows", len(rows)))
			return false
		}
	}
	if err := staged.Commit(ctx); err != nil {
		// The rows are out already; the retry writes them a second time.
		p.logger.Error("Failed to commit image store writes",
			zap.Error(err),
			zap.Int("rows", len(rows)))
		return false
	}

	p.mu.Lock()
	p.batch = p.batch[len(batch):]
	p.written += len(rows)
	p.mu.Unlock()

	p.logger.Info("Batch processing completed",
		zap.Int("processed", len(batch)-dropped),
		zap.Int("dropped", dropped),
		zap.Int("log_rows", len(rows)),
		zap.Duration("duration", time.Since(start)))

	if offset != "" && offsetSaver != nil {
		if err := offsetSaver.SaveOffset(offset); err != nil {
			p.logger.Error("Failed to save offset", zap.Error(err))
		} else {
			p.logger.Debug("Offset saved successfully", zap.String("offset", offset))
		}
	}
	return true
}

func (p *Pipeline) processChange(ctx context.Context, staged changelog.ImageStore, change types.RowChange) ([]changelog.Row, error) {
	tableName := fmt.Sprintf("%s.%s", change.Schema, change.Table)
	t, exists := p.tables[tableName]
	if !exists {
		return nil, nil
	}

	m, err := t.toMutation(change)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "converting change"), errUnloggable)
	}
	rows, err := p.augmenter.Augment(ctx, staged, m)
	if errors.HasAssertionFailure(err) {
		return nil, errors.Mark(err, errUnloggable)
	}
	if err != nil {
		return nil, err
	}
	p.logger.Debug("Augmented change",
		zap.String("table", tableName),
		zap.String("op", change.Op),
		zap.Int("log_rows", len(rows)))
	return rows, nil
}

func (p *Pipeline) Close() error {
	p.logger.Info("Closing pipeline")
	if p.sink != nil {
		p.logger.Debug("Closing sink")
		return p.sink.Close()
	}
	return nil
}

type pipelineStatus struct {
	LastOffset   string
	PendingBatch int
	RowsWritten  int
	Retrying     bool
}

func (p *Pipeline) Status() pipelineStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return pipelineStatus{LastOffset: p.lastOffset, PendingBatch: len(p.batch), RowsWritten: p.written, Retrying: p.retrying}
}
