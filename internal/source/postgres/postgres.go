package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdclog/internal/config"
	"github.com/mehmetymw/cdclog/internal/types"
)

const standbyTimeout = 10 * time.Second

type PostgresCDC struct {
	cfg       config.PostgresSource
	tables    map[string]config.Table
	logger    *zap.Logger
	stopCh    chan struct{}
	relations map[uint32]relation
	pending   []types.RowChange

	// confirmed is the highest LSN whose changes are durably logged. It is
	// the only position reported back to the server.
	confirmed atomic.Uint64
}

type relation struct {
	id      uint32
	schema  string
	table   string
	columns []string
}

func New(cfg config.PostgresSource, tables []config.Table, logger *zap.Logger) (*PostgresCDC, error) {
	if cfg.DSN == "" || cfg.Slot == "" || cfg.Publication == "" {
		return nil, errors.New("postgres source needs dsn, slot and publication")
	}
	logger.Info("Creating new PostgresCDC instance",
		zap.Int("tables_count", len(tables)),
		zap.String("publication", cfg.Publication),
		zap.String("slot", cfg.Slot))

	m := make(map[string]config.Table)
	for _, t := range tables {
		m[t.Name] = t
	}
	return &PostgresCDC{cfg: cfg, tables: m, logger: logger, stopCh: make(chan struct{}), relations: make(map[uint32]relation)}, nil
}

// Run replicates until Stop is called, reconnecting after failures.
func (p *PostgresCDC) Run(out chan<- types.RowChange) {
	p.logger.Info("Starting PostgresCDC replication")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-p.stopCh
		p.logger.Info("Stop signal received, canceling context")
		cancel()
	}()
	for {
		err := p.run(ctx, out)
		if err == nil || ctx.Err() != nil {
			p.logger.Info("Replication stopped")
			return
		}
		p.logger.Error("Replication failed, retrying in 5s", zap.Error(err))
		select {
		case <-time.After(5 * time.Second):
			p.logger.Info("Retrying replication after 5s delay")
		case <-ctx.Done():
			p.logger.Info("Context canceled, stopping replication")
			return
		}
	}
}

// Confirm records that every change up to offset is durably logged, so the
// server may release the WAL before it. Offsets never move backwards.
func (p *PostgresCDC) Confirm(offset string) error {
	lsn, err := pglogrepl.ParseLSN(offset)
	if err != nil {
		return errors.Wrapf(err, "parsing confirmed lsn %q", offset)
	}
	p.confirmAtLeast(lsn)
	p.logger.Debug("Confirmed offset", zap.String("lsn", lsn.String()))
	return nil
}

func (p *PostgresCDC) confirmAtLeast(lsn pglogrepl.LSN) {
	for {
		cur := p.confirmed.Load()
		if uint64(lsn) <= cur || p.confirmed.CompareAndSwap(cur, uint64(lsn)) {
			return
		}
	}
}

// standbyStatus reports the confirmed position as written, flushed and
// applied. Data received but not yet logged is never acknowledged.
func (p *PostgresCDC) standbyStatus() pglogrepl.StandbyStatusUpdate {
	lsn := pglogrepl.LSN(p.confirmed.Load())
	return pglogrepl.StandbyStatusUpdate{
		WALWritePosition: lsn,
		WALFlushPosition: lsn,
		WALApplyPosition: lsn,
	}
}

func (p *PostgresCDC) Stop() {
	p.logger.Info("Stopping PostgresCDC")
	select {
	case <-p.stopCh:
		p.logger.Debug("Stop channel already closed")
	default:
		close(p.stopCh)
	}
}

func (p *PostgresCDC) createPublication(ctx context.Context) {
	std, err := pgx.Connect(ctx, p.cfg.DSN)
	if err != nil {
		p.logger.Error("Failed to connect for publication creation", zap.Error(err))
		return
	}
	defer std.Close(ctx)

	names := make([]string, 0, len(p.tables))
	for name := range p.tables {
		names = append(names, pgx.Identifier(strings.Split(name, ".")).Sanitize())
	}
	stmt := "CREATE PUBLICATION " + pgx.Identifier{p.cfg.Publication}.Sanitize()
	if len(names) > 0 {
		stmt += " FOR TABLE " + strings.Join(names, ", ")
	} else {
		stmt += " FOR ALL TABLES"
	}
	if _, err := std.Exec(ctx, stmt); err != nil {
		p.logger.Warn("Failed to create publication (may already exist)",
			zap.String("publication", p.cfg.Publication), zap.Error(err))
		return
	}
	p.logger.Info("Publication created successfully", zap.String("publication", p.cfg.Publication))
}

func (p *PostgresCDC) run(ctx context.Context, out chan<- types.RowChange) error {
	cfg, err := pgconn.ParseConfig(p.cfg.DSN)
	if err != nil {
		return errors.Wrap(err, "parsing dsn")
	}
	if cfg.RuntimeParams == nil {
		cfg.RuntimeParams = map[string]string{}
	}
	cfg.RuntimeParams["replication"] = "database"

	p.logger.Info("Connecting to PostgreSQL for replication",
		zap.String("host", cfg.Host),
		zap.Uint16("port", cfg.Port),
		zap.String("database", cfg.Database),
		zap.String("user", cfg.User))

	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "connecting")
	}
	defer conn.Close(context.Background())

	if p.cfg.CreatePublication {
		p.createPublication(ctx)
	}
	if p.cfg.CreateSlot {
		p.logger.Info("Creating replication slot", zap.String("slot", p.cfg.Slot))
		_, err := pglogrepl.CreateReplicationSlot(ctx, conn, p.cfg.Slot, "pgoutput", pglogrepl.CreateReplicationSlotOptions{})
		if err != nil {
			p.logger.Warn("Failed to create replication slot (may already exist)",
				zap.String("slot", p.cfg.Slot), zap.Error(err))
		}
	}

	startLSN := pglogrepl.LSN(0)
	if p.cfg.StartLSN != "" {
		if startLSN, err = pglogrepl.ParseLSN(p.cfg.StartLSN); err != nil {
			return errors.Wrapf(err, "parsing start lsn %q", p.cfg.StartLSN)
		}
	}
	opts := pglogrepl.StartReplicationOptions{
		PluginArgs: []string{
			"proto_version '1'",
			fmt.Sprintf("publication_names '%s'", p.cfg.Publication),
		},
	}
	if err := pglogrepl.StartReplication(ctx, conn, p.cfg.Slot, startLSN, opts); err != nil {
		return errors.Wrap(err, "starting replication")
	}
	p.confirmAtLeast(startLSN)
	p.logger.Info("Started PostgreSQL replication",
		zap.String("slot", p.cfg.Slot),
		zap.String("lsn", startLSN.String()))

	deadline := time.Now().Add(standbyTimeout)

	for {
		if time.Now().After(deadline) {
			status := p.standbyStatus()
			if err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, status); err != nil {
				return errors.Wrap(err, "sending standby status")
			}
			p.logger.Debug("Sent standby status", zap.String("confirmed_lsn", status.WALFlushPosition.String()))
			deadline = time.Now().Add(standbyTimeout)
		}

		ctxR, cancel := context.WithDeadline(ctx, deadline)
		rawMsg, err := conn.ReceiveMessage(ctxR)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			return errors.Wrap(err, "receiving message")
		}

		msg, ok := rawMsg.(*pgproto3.CopyData)
		if !ok || len(msg.Data) == 0 {
			continue
		}
		switch msg.Data[0] {
		case pglogrepl.XLogDataByteID:
			x, err := pglogrepl.ParseXLogData(msg.Data[1:])
			if err != nil {
				return errors.Wrap(err, "parsing xlog data")
			}
			logical, err := pglogrepl.Parse(x.WALData)
			if err != nil {
				return errors.Wrap(err, "parsing logical message")
			}
			if err := p.handleMessage(ctx, out, logical); err != nil {
				return err
			}
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			ka, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
			if err != nil {
				return errors.Wrap(err, "parsing keepalive")
			}
			if ka.ReplyRequested {
				deadline = time.Time{}
			}
		default:
			p.logger.Debug("Received unknown message type", zap.Uint8("type", msg.Data[0]))
		}
	}
}

// handleMessage buffers row changes until their transaction commits, then
// hands them to out stamped with the commit LSN and time.
func (p *PostgresCDC) handleMessage(ctx context.Context, out chan<- types.RowChange, logicalMsg pglogrepl.Message) error {
	switch msg := logicalMsg.(type) {
	case *pglogrepl.RelationMessage:
		rel := relation{
			id:      msg.RelationID,
			schema:  msg.Namespace,
			table:   msg.RelationName,
			columns: make([]string, len(msg.Columns)),
		}
		for i, col := range msg.Columns {
			rel.columns[i] = col.Name
		}
		p.relations[rel.id] = rel
		p.logger.Debug("Added relation",
			zap.Uint32("id", rel.id),
			zap.String("table", rel.schema+"."+rel.table),
			zap.Strings("columns", rel.columns))

	case *pglogrepl.BeginMessage:
		p.pending = p.pending[:0]

	case *pglogrepl.InsertMessage:
		p.queue("c", msg.RelationID, nil, msg.Tuple)
	case *pglogrepl.UpdateMessage:
		p.queue("u", msg.RelationID, msg.OldTuple, msg.NewTuple)
	case *pglogrepl.DeleteMessage:
		p.queue("d", msg.RelationID, msg.OldTuple, nil)

	case *pglogrepl.CommitMessage:
		lsn := msg.CommitLSN.String()
		for i := range p.pending {
			p.pending[i].LSN = lsn
			p.pending[i].CommitTime = msg.CommitTime
			select {
			case out <- p.pending[i]:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		p.logger.Debug("Transaction committed",
			zap.String("lsn", lsn),
			zap.Int("changes", len(p.pending)))
		p.pending = p.pending[:0]

	default:
		p.logger.Debug("Unknown message type, skipping", zap.String("type", fmt.Sprintf("%T", msg)))
	}
	return nil
}

func (p *PostgresCDC) queue(op string, relID uint32, before, after *pglogrepl.TupleData) {
	rel, ok := p.relations[relID]
	if !ok {
		p.logger.Warn("Change for unknown relation", zap.Uint32("relation_id", relID))
		return
	}
	name := rel.schema + "." + rel.table
	t, ok := p.tables[name]
	if !ok {
		p.logger.Debug("No table config, skipping", zap.String("table", name))
		return
	}

	change := types.RowChange{
		Op:     op,
		Schema: rel.schema,
		Table:  rel.table,
		Before: parseTupleData(before, rel.columns),
		After:  parseTupleData(after, rel.columns),
	}
	keyData := change.After
	if op == "d" {
		keyData = change.Before
	}
	change.PrimaryKey = primaryKey(t, keyData)
	p.pending = append(p.pending, change)
}

// parseTupleData decodes a tuple in text format. Unchanged TOAST values are
// left out so that they are not overwritten.
func parseTupleData(tuple *pglogrepl.TupleData, columns []string) map[string]any {
	if tuple == nil {
		return nil
	}
	result := make(map[string]any, len(tuple.Columns))
	for i, col := range tuple.Columns {
		if i >= len(columns) {
			break
		}
		switch col.DataType {
		case pglogrepl.TupleDataTypeText, pglogrepl.TupleDataTypeBinary:
			result[columns[i]] = string(col.Data)
		case pglogrepl.TupleDataTypeToast:
		default:
			result[columns[i]] = nil
		}
	}
	return result
}

func primaryKey(t config.Table, data map[string]any) string {
	parts := make([]string, 0, len(t.PartitionKey)+len(t.ClusteringKey))
	for _, c := range append(append([]string(nil), t.PartitionKey...), t.ClusteringKey...) {
		parts = append(parts, fmt.Sprintf("%v", data[c]))
	}
	return strings.Join(parts, ":")
}
