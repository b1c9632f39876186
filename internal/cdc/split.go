package cdc

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/mehmetymw/cdclog/internal/mutation"
)

// splitCheck tracks the single (timestamp, ttl) pair a mutation may carry to
// be logged without splitting.
type splitCheck struct {
	ts     mutation.Timestamp
	ttl    time.Duration
	hasTTL bool
}

// conflicts records the pair and reports whether it differs from the one
// seen so far.
func (c *splitCheck) conflicts(ts mutation.Timestamp, ttl time.Duration) bool {
	if c.ts != mutation.MissingTimestamp && c.ts != ts {
		return true
	}
	c.ts = ts
	if c.hasTTL && c.ttl != ttl {
		return true
	}
	c.ttl, c.hasTTL = ttl, true
	return false
}

func (c *splitCheck) cellConflicts(cell mutation.Cell, insert bool) bool {
	if !cell.IsCollection() {
		return c.conflicts(cell.Atomic.Timestamp, cell.Atomic.EffectiveTTL())
	}
	coll := cell.Collection
	for _, e := range coll.Cells {
		if c.conflicts(e.Cell.Timestamp, e.Cell.EffectiveTTL()) {
			return true
		}
	}
	if coll.Tomb.IsSet() {
		return c.conflicts(collectionTombTimestamp(coll.Tomb), 0)
	}
	// Elements written without an assignment tombstone cannot be part of an
	// INSERT.
	return insert && len(coll.Cells) > 0
}

// writesNothing reports whether c is a collection with neither a tombstone
// nor elements.
func writesNothing(c mutation.Cell) bool {
	return c.IsCollection() && !c.Collection.Tomb.IsSet() && len(c.Collection.Cells) == 0
}

// rowWrites reports whether r holds a cell that writes something.
func rowWrites(r *mutation.Row) bool {
	found := false
	r.ForEachCellUntil(func(_ mutation.ColumnID, c mutation.Cell) bool {
		found = !writesNothing(c)
		return found
	})
	return found
}

func rowEmpty(r *mutation.DeletableRow) bool {
	return !r.Marker.IsLive() && !r.Deleted.IsSet() && !rowWrites(&r.Cells)
}

// collectionTombTimestamp is the timestamp a collection tombstone is logged
// at: an assignment at T writes its tombstone at T-1.
func collectionTombTimestamp(t mutation.Tombstone) mutation.Timestamp {
	return t.Timestamp + 1
}

// ShouldSplit reports whether m has to be decomposed into several atomic
// changes. A mutation is logged as is only when it carries a single
// timestamp and TTL, and touches only the static row, only clustering rows,
// only range tombstones or only the partition tombstone. An empty mutation is
// split into no changes at all.
func ShouldSplit(m *mutation.Mutation) bool {
	p := m.Partition()
	chk := splitCheck{ts: mutation.MissingTimestamp}

	split := false
	hadStatic := rowWrites(p.StaticRow())
	p.StaticRow().ForEachCellUntil(func(_ mutation.ColumnID, c mutation.Cell) bool {
		split = chk.cellConflicts(c, false)
		return split
	})
	if split {
		return true
	}

	hadRows := false
	p.ForEachRow(func(_ mutation.Key, r *mutation.DeletableRow) bool {
		if rowEmpty(r) {
			return true
		}
		hadRows = true
		if hadStatic {
			split = true
			return false
		}
		insert := r.Marker.IsLive()
		if insert && chk.conflicts(r.Marker.Timestamp, r.Marker.EffectiveTTL()) {
			split = true
			return false
		}
		r.Cells.ForEachCellUntil(func(_ mutation.ColumnID, c mutation.Cell) bool {
			split = chk.cellConflicts(c, insert)
			return split
		})
		if split {
			return false
		}
		if r.Deleted.IsSet() {
			if insert || rowWrites(&r.Cells) || chk.conflicts(r.Deleted.Timestamp, 0) {
				split = true
				return false
			}
		}
		return true
	})
	if split {
		return true
	}

	rts := p.RangeTombstones()
	if len(rts) > 0 && (hadStatic || hadRows) {
		return true
	}
	for _, rt := range rts {
		if chk.conflicts(rt.Tomb.Timestamp, 0) {
			return true
		}
	}

	if pt := p.PartitionTombstone(); pt.IsSet() {
		if len(rts) > 0 || hadStatic || hadRows {
			return true
		}
		if chk.conflicts(pt.Timestamp, 0) {
			return true
		}
	}

	return chk.ts == mutation.MissingTimestamp
}

// FindTimestamp returns a timestamp carried by m. For a mutation that does
// not need splitting this is the timestamp of every write in it.
func FindTimestamp(m *mutation.Mutation) (mutation.Timestamp, error) {
	p := m.Partition()
	if pt := p.PartitionTombstone(); pt.IsSet() {
		return pt.Timestamp, nil
	}
	for _, rt := range p.RangeTombstones() {
		if rt.Tomb.IsSet() {
			return rt.Tomb.Timestamp, nil
		}
	}

	t := rowTimestamp(p.StaticRow())
	if t != mutation.MissingTimestamp {
		return t, nil
	}
	p.ForEachRow(func(_ mutation.Key, r *mutation.DeletableRow) bool {
		switch {
		case r.Deleted.IsSet():
			t = r.Deleted.Timestamp
		case r.Marker.IsLive():
			t = r.Marker.Timestamp
		default:
			t = rowTimestamp(&r.Cells)
		}
		return t == mutation.MissingTimestamp
	})
	if t != mutation.MissingTimestamp {
		return t, nil
	}
	return 0, errors.AssertionFailedf("cdc: could not find timestamp of mutation %s in %s",
		m.Key(), m.Schema().QualifiedName())
}

func rowTimestamp(r *mutation.Row) mutation.Timestamp {
	t := mutation.MissingTimestamp
	r.ForEachCellUntil(func(_ mutation.ColumnID, c mutation.Cell) bool {
		if !c.IsCollection() {
			t = c.Atomic.Timestamp
			return true
		}
		if c.Collection.Tomb.IsSet() {
			t = collectionTombTimestamp(c.Collection.Tomb)
			return true
		}
		if len(c.Collection.Cells) > 0 {
			t = c.Collection.Cells[0].Cell.Timestamp
			return true
		}
		return false
	})
	return t
}

type groupKey struct {
	ts  mutation.Timestamp
	ttl time.Duration
}

type atomicUpdate struct {
	id   mutation.ColumnID
	cell mutation.AtomicCell
}

type collectionUpdate struct {
	id    mutation.ColumnID
	tomb  mutation.Tombstone
	cells []mutation.CollectionCell
}

type rowUpdate struct {
	key         groupKey
	atomic      []atomicUpdate
	collections []collectionUpdate
}

func (u *rowUpdate) collection(id mutation.ColumnID) *collectionUpdate {
	if n := len(u.collections); n > 0 && u.collections[n-1].id == id {
		return &u.collections[n-1]
	}
	u.collections = append(u.collections, collectionUpdate{id: id})
	return &u.collections[len(u.collections)-1]
}

// extractRowUpdates groups the cells of a row by (timestamp, ttl), in
// ascending order.
func extractRowUpdates(r *mutation.Row) []*rowUpdate {
	groups := make(map[groupKey]*rowUpdate)
	get := func(k groupKey) *rowUpdate {
		u, ok := groups[k]
		if !ok {
			u = &rowUpdate{key: k}
			groups[k] = u
		}
		return u
	}
	r.ForEachCell(func(id mutation.ColumnID, c mutation.Cell) {
		if !c.IsCollection() {
			k := groupKey{c.Atomic.Timestamp, c.Atomic.EffectiveTTL()}
			u := get(k)
			u.atomic = append(u.atomic, atomicUpdate{id: id, cell: c.Atomic})
			return
		}
		for _, e := range c.Collection.Cells {
			cu := get(groupKey{e.Cell.Timestamp, e.Cell.EffectiveTTL()}).collection(id)
			cu.cells = append(cu.cells, e)
		}
		if t := c.Collection.Tomb; t.IsSet() {
			get(groupKey{collectionTombTimestamp(t), 0}).collection(id).tomb = t
		}
	})
	return sortedUpdates(groups)
}

func sortedUpdates(groups map[groupKey]*rowUpdate) []*rowUpdate {
	out := make([]*rowUpdate, 0, len(groups))
	for _, u := range groups {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].key.ts != out[j].key.ts {
			return out[i].key.ts < out[j].key.ts
		}
		return out[i].key.ttl < out[j].key.ttl
	})
	return out
}

// batch holds the changes of one timestamp group in emission order.
type batch struct {
	static          []*Change
	inserts         []*Change
	updates         []*Change
	rowDeletes      []*Change
	rangeDeletes    []*Change
	partitionDelete *Change
}

func (b *batch) forEach(fn func(c *Change) error) error {
	for _, list := range [][]*Change{b.static, b.inserts, b.updates, b.rowDeletes, b.rangeDeletes} {
		for _, c := range list {
			if err := fn(c); err != nil {
				return err
			}
		}
	}
	if b.partitionDelete != nil {
		return fn(b.partitionDelete)
	}
	return nil
}

func newChange(base *mutation.Mutation, kind ChangeKind, k groupKey, key mutation.Key) *Change {
	c := &Change{
		Kind:      kind,
		Timestamp: k.ts,
		TTL:       k.ttl,
		Mutation:  mutation.New(base.Schema(), base.Key()),
	}
	if key != nil {
		c.Key = key.Clone()
	}
	return c
}

func (c *Change) applyAtomic(kind mutation.ColumnKind, u atomicUpdate) {
	c.Columns.Add(kind, u.id)
	c.row(kind).SetAtomic(u.id, u.cell)
}

func (c *Change) applyCollection(kind mutation.ColumnKind, u collectionUpdate) {
	c.Columns.Add(kind, u.id)
	c.row(kind).SetCollection(u.id, mutation.CollectionMutation{Tomb: u.tomb, Cells: u.cells})
}

func (c *Change) row(kind mutation.ColumnKind) *mutation.Row {
	if kind == mutation.StaticColumn {
		return c.Mutation.StaticRow()
	}
	return &c.Mutation.ClusteredRow(c.Key).Cells
}

func (c *Change) applyUpdate(kind mutation.ColumnKind, u *rowUpdate) {
	for _, a := range u.atomic {
		c.applyAtomic(kind, a)
	}
	for _, cu := range u.collections {
		c.applyCollection(kind, cu)
	}
}

func rowDeleteChange(base *mutation.Mutation, key mutation.Key, t mutation.Tombstone) *Change {
	c := newChange(base, RowDelete, groupKey{ts: t.Timestamp}, key)
	c.Columns.AddAll(base.Schema(), mutation.RegularColumn)
	c.Mutation.Partition().ApplyRowDelete(key, t)
	return c
}

func rangeDeleteChange(base *mutation.Mutation, rt mutation.RangeTombstone) *Change {
	c := newChange(base, RangeDelete, groupKey{ts: rt.Tomb.Timestamp}, nil)
	c.Mutation.Partition().ApplyRangeDelete(rt)
	return c
}

func partitionDeleteChange(base *mutation.Mutation, t mutation.Tombstone) *Change {
	c := newChange(base, PartitionDelete, groupKey{ts: t.Timestamp}, nil)
	c.Columns.AddAll(base.Schema(), mutation.StaticColumn)
	c.Columns.AddAll(base.Schema(), mutation.RegularColumn)
	c.Mutation.Partition().ApplyTombstone(t)
	return c
}

// extractChanges decomposes m into atomic changes grouped by timestamp.
func extractChanges(m *mutation.Mutation) ([]mutation.Timestamp, map[mutation.Timestamp]*batch) {
	res := make(map[mutation.Timestamp]*batch)
	at := func(ts mutation.Timestamp) *batch {
		b, ok := res[ts]
		if !ok {
			b = &batch{}
			res[ts] = b
		}
		return b
	}
	p := m.Partition()

	for _, u := range extractRowUpdates(p.StaticRow()) {
		c := newChange(m, StaticUpdate, u.key, nil)
		c.applyUpdate(mutation.StaticColumn, u)
		b := at(u.key.ts)
		b.static = append(b.static, c)
	}

	p.ForEachRow(func(key mutation.Key, r *mutation.DeletableRow) bool {
		updates := extractRowUpdates(&r.Cells)
		marker := r.Marker
		if marker.IsLive() {
			mk := groupKey{marker.Timestamp, marker.EffectiveTTL()}
			found := false
			for _, u := range updates {
				if u.key == mk {
					found = true
					break
				}
			}
			if !found {
				updates = append(updates, &rowUpdate{key: mk})
				sort.SliceStable(updates, func(i, j int) bool {
					if updates[i].key.ts != updates[j].key.ts {
						return updates[i].key.ts < updates[j].key.ts
					}
					return updates[i].key.ttl < updates[j].key.ttl
				})
			}
		}

		for _, u := range updates {
			b := at(u.key.ts)
			if !marker.IsLive() || u.key != (groupKey{marker.Timestamp, marker.EffectiveTTL()}) {
				c := newChange(m, Update, u.key, key)
				c.applyUpdate(mutation.RegularColumn, u)
				b.updates = append(b.updates, c)
				continue
			}

			ins := newChange(m, Insert, u.key, key)
			ins.Mutation.ClusteredRow(key).Marker = marker
			for _, a := range u.atomic {
				ins.applyAtomic(mutation.RegularColumn, a)
			}
			// An INSERT of a collection always writes its tombstone. Elements
			// without one were appended by an UPDATE and are logged as one.
			var upd *Change
			for _, cu := range u.collections {
				if cu.tomb.IsSet() {
					ins.applyCollection(mutation.RegularColumn, cu)
					continue
				}
				if upd == nil {
					upd = newChange(m, Update, u.key, key)
					b.updates = append(b.updates, upd)
				}
				upd.applyCollection(mutation.RegularColumn, cu)
			}
			b.inserts = append(b.inserts, ins)
		}

		if r.Deleted.IsSet() {
			b := at(r.Deleted.Timestamp)
			b.rowDeletes = append(b.rowDeletes, rowDeleteChange(m, key, r.Deleted))
		}
		return true
	})

	for _, rt := range p.RangeTombstones() {
		if rt.Tomb.IsSet() {
			b := at(rt.Tomb.Timestamp)
			b.rangeDeletes = append(b.rangeDeletes, rangeDeleteChange(m, rt))
		}
	}

	if pt := p.PartitionTombstone(); pt.IsSet() {
		at(pt.Timestamp).partitionDelete = partitionDeleteChange(m, pt)
	}

	order := make([]mutation.Timestamp, 0, len(res))
	for ts := range res {
		order = append(order, ts)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	return order, res
}

// passthroughBatch builds the single batch of a mutation that needs no
// splitting. Every row already carries one (timestamp, ttl) pair so no
// grouping is done.
func passthroughBatch(m *mutation.Mutation, ts mutation.Timestamp) *batch {
	b := &batch{}
	p := m.Partition()

	if st := p.StaticRow(); rowWrites(st) {
		c := newChange(m, StaticUpdate, groupKey{ts: ts, ttl: rowTTL(st)}, nil)
		st.ForEachCell(func(id mutation.ColumnID, cell mutation.Cell) {
			if writesNothing(cell) {
				return
			}
			c.Columns.Add(mutation.StaticColumn, id)
			c.Mutation.SetStaticCell(id, cell)
		})
		b.static = append(b.static, c)
	}

	p.ForEachRow(func(key mutation.Key, r *mutation.DeletableRow) bool {
		if r.Marker.IsLive() || rowWrites(&r.Cells) {
			kind, ttl := Update, rowTTL(&r.Cells)
			if r.Marker.IsLive() {
				kind, ttl = Insert, r.Marker.EffectiveTTL()
			}
			c := newChange(m, kind, groupKey{ts: ts, ttl: ttl}, key)
			row := c.Mutation.ClusteredRow(key)
			row.Marker = r.Marker
			r.Cells.ForEachCell(func(id mutation.ColumnID, cell mutation.Cell) {
				if writesNothing(cell) {
					return
				}
				c.Columns.Add(mutation.RegularColumn, id)
				row.Cells.Apply(id, cell)
			})
			if kind == Insert {
				b.inserts = append(b.inserts, c)
			} else {
				b.updates = append(b.updates, c)
			}
		}
		if r.Deleted.IsSet() {
			b.rowDeletes = append(b.rowDeletes, rowDeleteChange(m, key, r.Deleted))
		}
		return true
	})

	for _, rt := range p.RangeTombstones() {
		if rt.Tomb.IsSet() {
			b.rangeDeletes = append(b.rangeDeletes, rangeDeleteChange(m, rt))
		}
	}
	if pt := p.PartitionTombstone(); pt.IsSet() {
		b.partitionDelete = partitionDeleteChange(m, pt)
	}
	return b
}

// rowTTL is the TTL of the first write in r.
func rowTTL(r *mutation.Row) time.Duration {
	var ttl time.Duration
	r.ForEachCellUntil(func(_ mutation.ColumnID, c mutation.Cell) bool {
		if !c.IsCollection() {
			ttl = c.Atomic.EffectiveTTL()
			return true
		}
		if len(c.Collection.Cells) > 0 {
			ttl = c.Collection.Cells[0].Cell.EffectiveTTL()
			return true
		}
		return false
	})
	return ttl
}

// verifyAtomic checks that every write of c carries the change's timestamp
// and TTL.
func verifyAtomic(c *Change) error {
	bad := func(what string, ts mutation.Timestamp, ttl time.Duration) error {
		return errors.AssertionFailedf(
			"cdc: %s change at %d (ttl %s) carries %s at %d (ttl %s)",
			c.Kind, c.Timestamp, c.TTL, what, ts, ttl)
	}
	check := func(what string, ts mutation.Timestamp, ttl time.Duration) error {
		if ts != c.Timestamp || ttl != c.TTL {
			return bad(what, ts, ttl)
		}
		return nil
	}
	checkRow := func(r *mutation.Row) error {
		var err error
		r.ForEachCellUntil(func(id mutation.ColumnID, cell mutation.Cell) bool {
			if !cell.IsCollection() {
				err = check("cell", cell.Atomic.Timestamp, cell.Atomic.EffectiveTTL())
				return err != nil
			}
			if t := cell.Collection.Tomb; t.IsSet() {
				if err = check("collection tombstone", collectionTombTimestamp(t), 0); err != nil {
					return true
				}
			}
			for _, e := range cell.Collection.Cells {
				if err = check("collection element", e.Cell.Timestamp, e.Cell.EffectiveTTL()); err != nil {
					return true
				}
			}
			return false
		})
		return err
	}

	p := c.Mutation.Partition()
	if pt := p.PartitionTombstone(); pt.IsSet() {
		if err := check("partition tombstone", pt.Timestamp, 0); err != nil {
			return err
		}
	}
	for _, rt := range p.RangeTombstones() {
		if err := check("range tombstone", rt.Tomb.Timestamp, 0); err != nil {
			return err
		}
	}
	if err := checkRow(p.StaticRow()); err != nil {
		return err
	}
	rows := 0
	var err error
	p.ForEachRow(func(_ mutation.Key, r *mutation.DeletableRow) bool {
		rows++
		if r.Marker.IsLive() {
			if err = check("row marker", r.Marker.Timestamp, r.Marker.EffectiveTTL()); err != nil {
				return false
			}
		}
		if r.Deleted.IsSet() {
			if err = check("row tombstone", r.Deleted.Timestamp, 0); err != nil {
				return false
			}
		}
		err = checkRow(&r.Cells)
		return err == nil
	})
	if err != nil {
		return err
	}
	if rows > 1 {
		return errors.AssertionFailedf("cdc: %s change at %d touches %d rows", c.Kind, c.Timestamp, rows)
	}
	return nil
}

// ImageOptions selects the images produced around each delta.
type ImageOptions struct {
	Preimage  bool
	Postimage bool
}

func (o ImageOptions) and(x ImageOptions) ImageOptions {
	return ImageOptions{Preimage: o.Preimage && x.Preimage, Postimage: o.Postimage && x.Postimage}
}

// processBatch runs the preimage, delta and postimage calls of one timestamp
// group.
func processBatch(
	ctx context.Context, ts mutation.Timestamp, b *batch, opts ImageOptions, p ChangeProcessor,
) error {
	if err := p.BeginTimestamp(ctx, ts); err != nil {
		return errors.Wrapf(err, "cdc: begin timestamp %d", ts)
	}
	var seq BatchSeq
	return b.forEach(func(c *Change) error {
		if err := verifyAtomic(c); err != nil {
			return err
		}
		image := c.HasImage()
		if opts.Preimage && image {
			before := seq.Peek()
			if err := p.ProducePreimage(ctx, c.Key, &c.Columns, &seq); err != nil {
				return errors.Wrapf(err, "cdc: preimage of %s at %d", c.Kind, ts)
			}
			if err := checkAdvanced(before, &seq, "preimage"); err != nil {
				return err
			}
		}
		before := seq.Peek()
		if err := p.ProcessDelta(ctx, c, &seq); err != nil {
			return errors.Wrapf(err, "cdc: %s delta at %d", c.Kind, ts)
		}
		if err := checkAdvanced(before, &seq, "delta"); err != nil {
			return err
		}
		if opts.Postimage && image {
			before := seq.Peek()
			if err := p.ProducePostimage(ctx, c.Key, &seq); err != nil {
				return errors.Wrapf(err, "cdc: postimage of %s at %d", c.Kind, ts)
			}
			if err := checkAdvanced(before, &seq, "postimage"); err != nil {
				return err
			}
		}
		return nil
	})
}

func checkAdvanced(before int, seq *BatchSeq, call string) error {
	if seq.Peek() <= before {
		return errors.AssertionFailedf("cdc: %s call did not consume a batch sequence number", call)
	}
	return nil
}

// plan holds the timestamp groups of a mutation in processing order.
type plan struct {
	order   []mutation.Timestamp
	batches map[mutation.Timestamp]*batch
}

func splitPlan(m *mutation.Mutation) plan {
	order, batches := extractChanges(m)
	return plan{order: order, batches: batches}
}

func passthroughPlan(m *mutation.Mutation) (plan, error) {
	ts, err := FindTimestamp(m)
	if err != nil {
		return plan{}, err
	}
	return plan{
		order:   []mutation.Timestamp{ts},
		batches: map[mutation.Timestamp]*batch{ts: passthroughBatch(m, ts)},
	}, nil
}

// parts returns every part type the plan's changes touch.
func (pl plan) parts() PartTypes {
	var parts PartTypes
	for _, ts := range pl.order {
		_ = pl.batches[ts].forEach(func(c *Change) error {
			parts.Union(partsOf(c))
			return nil
		})
	}
	return parts
}

func (pl plan) run(ctx context.Context, opts ImageOptions, p ChangeProcessor) error {
	for _, ts := range pl.order {
		if err := processBatch(ctx, ts, pl.batches[ts], opts, p); err != nil {
			return err
		}
	}
	return nil
}

// processWithSplitting is the splitting driver.
func processWithSplitting(
	ctx context.Context, m *mutation.Mutation, opts ImageOptions, p ChangeProcessor,
) error {
	return splitPlan(m).run(ctx, opts, p)
}

// processWithoutSplitting is the passthrough driver.
func processWithoutSplitting(
	ctx context.Context, m *mutation.Mutation, opts ImageOptions, p ChangeProcessor,
) error {
	pl, err := passthroughPlan(m)
	if err != nil {
		return err
	}
	return pl.run(ctx, opts, p)
}
