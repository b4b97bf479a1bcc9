// Package router implements the hypertable write path: for each batch of
// staged rows it resolves the owning epoch, partition and chunk, creates
// chunks lazily, and fans every row out to all replica targets of its chunk
// while maintaining the per-replica distinct-value side indexes.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/nexusroute/catalog"
	"github.com/INLOpen/nexusroute/chunk"
	"github.com/INLOpen/nexusroute/core"
	"github.com/INLOpen/nexusroute/hooks"
	"github.com/INLOpen/nexusroute/indexer"
	"github.com/INLOpen/nexusroute/internal/clock"
	"github.com/INLOpen/nexusroute/partition"
	"github.com/INLOpen/nexusroute/replica"
	"github.com/INLOpen/nexusroute/staging"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Options configures a Router.
type Options struct {
	Catalog catalog.Catalog
	Chunks  *chunk.Manager
	Sink    replica.Sink
	// Deleter undoes replica insertions when the unit of work rolls back.
	// Optional when the sink is transactional on its own.
	Deleter       replica.Deleter
	DistinctIndex *indexer.DistinctIndex
	HookManager   hooks.HookManager
	Logger        *slog.Logger
	TracerProvider trace.TracerProvider
	Clock          clock.Clock
	Metrics        *RouterMetrics
}

// Router is the write-path router. It is stateless across calls; all
// per-transaction state lives in the UnitOfWork passed to Insert.
type Router struct {
	catalog catalog.Catalog
	chunks  *chunk.Manager
	sink    replica.Sink
	deleter replica.Deleter
	index   *indexer.DistinctIndex
	hooks   hooks.HookManager
	logger  *slog.Logger
	tracer  trace.Tracer
	clock   clock.Clock
	metrics *RouterMetrics
}

// New creates a router. Catalog, Chunks and Sink are required.
func New(opts Options) (*Router, error) {
	if opts.Catalog == nil {
		return nil, errors.New("router: catalog is required")
	}
	if opts.Chunks == nil {
		return nil, errors.New("router: chunk manager is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("router: replica sink is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Clock == nil {
		opts.Clock = clock.SystemClockDefault
	}
	if opts.Metrics == nil {
		opts.Metrics = NewRouterMetrics(false, "")
	}
	if opts.DistinctIndex == nil {
		opts.DistinctIndex = indexer.NewDistinctIndex(opts.Logger, opts.HookManager)
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	r := &Router{
		catalog: opts.Catalog,
		chunks:  opts.Chunks,
		sink:    opts.Sink,
		deleter: opts.Deleter,
		index:   opts.DistinctIndex,
		hooks:   opts.HookManager,
		logger:  opts.Logger,
		tracer:  tp.Tracer("nexusroute/router"),
		clock:   opts.Clock,
		metrics: opts.Metrics,
	}
	if r.hooks != nil {
		r.hooks.Register(hooks.EventOnChunkCreate, hooks.FuncListener{Fn: func(context.Context, hooks.HookEvent) error {
			r.metrics.ChunksCreatedTotal.Add(1)
			return nil
		}})
		r.hooks.Register(hooks.EventOnChunkClose, hooks.FuncListener{Fn: func(context.Context, hooks.HookEvent) error {
			r.metrics.ChunksClosedTotal.Add(1)
			return nil
		}})
	}
	return r, nil
}

// Insert is the sole public entry point of the write path. It drains buf
// group by group: rows are grouped by their resolved (epoch, partition,
// chunk) triple and moved into every replica target of the chunk. On success
// the buffer is empty and all distinct indexes are up to date.
//
// Insert runs inside the caller's unit of work. On error the caller must
// roll the unit of work back; the undo log registered by Insert then reverts
// every effect, so partial fan-out never survives an aborted transaction.
func (r *Router) Insert(ctx context.Context, uow *UnitOfWork, hypertableName string, buf *staging.Buffer) (err error) {
	if uow == nil {
		return errors.New("router: unit of work is required")
	}
	if buf == nil {
		return errors.New("router: staging buffer is required")
	}
	if err := uow.beginInsert(); err != nil {
		if errors.Is(err, core.ErrReentrantInsert) {
			r.metrics.ReentrantInsertsTotal.Add(1)
		}
		return err
	}

	startedAt := r.clock.Now()
	defer func() {
		observeLatency(r.metrics.InsertLatencyHist, r.clock.Now().Sub(startedAt).Seconds())
		if err != nil {
			r.metrics.InsertErrorsTotal.Add(1)
		}
	}()

	ctx, span := r.tracer.Start(ctx, "Router.Insert")
	defer span.End()
	span.SetAttributes(
		attribute.String("hypertable", hypertableName),
		attribute.Int("staged.rows", buf.Len()),
	)

	ht, err := r.catalog.Hypertable(ctx, hypertableName)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "hypertable_lookup_failed")
		return err
	}
	schema := ht.Schema

	if r.hooks != nil {
		rows := buf.TakeAll(ctx, true)
		payload := hooks.PreInsertBatchPayload{Hypertable: ht.Name, Rows: &rows}
		if hookErr := r.hooks.Trigger(ctx, hooks.NewPreInsertBatchEvent(payload)); hookErr != nil {
			buf.Restore(rows)
			err = fmt.Errorf("router: insert cancelled by pre-hook: %w", hookErr)
			return err
		}
		buf.Restore(rows)
	}

	routed := 0
	defer func() {
		if r.hooks != nil {
			r.hooks.Trigger(ctx, hooks.NewPostInsertBatchEvent(hooks.PostInsertBatchPayload{
				Hypertable: ht.Name,
				RowsRouted: routed,
				Error:      err,
			}))
		}
	}()

	for buf.Len() > 0 {
		row, ok := buf.Peek()
		if !ok {
			break
		}
		if err = schema.ValidateRow(row); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "row_validation_failed")
			return fmt.Errorf("router: staged row rejected: %w", err)
		}

		ts, hasTime := schema.TimeValue(row)
		if !hasTime {
			// Non-time-partitioned rows bypass epoch/partition/chunk
			// resolution and land at the hypertable's root target.
			if _, err = r.persistUnrouted(ctx, uow, ht, buf); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "unrouted_persist_failed")
				return err
			}
			continue
		}

		var n int
		n, err = r.routeGroup(ctx, uow, ht, buf, row, ts)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "route_group_failed")
			return err
		}
		routed += n
	}

	r.metrics.InsertTotal.Add(1)
	r.metrics.RowsRoutedTotal.Add(int64(routed))
	r.logger.Debug("insert routed", "hypertable", ht.Name, "rows", routed)
	return nil
}

// routeGroup resolves the (epoch, partition, chunk) triple for the peeked
// row and fans the whole matching group out. Returns how many staged rows
// were moved.
func (r *Router) routeGroup(ctx context.Context, uow *UnitOfWork, ht *catalog.Hypertable, buf *staging.Buffer, row core.Row, ts int64) (int, error) {
	epochs, err := r.catalog.Epochs(ctx, ht.ID)
	if err != nil {
		return 0, err
	}
	ep, err := partition.ResolveEpoch(ht.ID, epochs, ts)
	if err != nil {
		return 0, err
	}
	parts, err := r.catalog.Partitions(ctx, ep.ID)
	if err != nil {
		return 0, err
	}
	key, _ := ht.Schema.KeyValue(row)
	p, err := partition.ResolvePartition(ep, parts, key)
	if err != nil {
		return 0, err
	}

	// Two-phase chunk retrieval: the unlocked probe enables the close check
	// without holding any write lock; the locked fetch is authoritative. A
	// chunk can close between probe and fetch; that window is accepted.
	probe, err := r.chunks.GetOrCreate(ctx, p.ID, ts, false)
	if err != nil {
		return 0, err
	}
	if _, err := r.chunks.CloseIfNeeded(ctx, probe, ts); err != nil {
		return 0, err
	}
	ch, err := r.chunks.GetOrCreate(ctx, p.ID, ts, true)
	if err != nil {
		return 0, err
	}

	return r.fanOut(ctx, uow, ht, ep, p, ch, buf)
}

// fanOut moves every staged row matching the resolved chunk into each of the
// chunk's replica targets, updating the distinct indexes first. Rows are
// consumed from staging exactly once, after all replicas are written, with
// the staging-removal hook suppressed.
func (r *Router) fanOut(ctx context.Context, uow *UnitOfWork, ht *catalog.Hypertable, ep *catalog.Epoch, p *catalog.Partition, ch *catalog.Chunk, buf *staging.Buffer) (int, error) {
	schema := ht.Schema

	nodes, err := r.catalog.ReplicaNodes(ctx, ch.ID)
	if err != nil {
		return 0, err
	}
	if len(nodes) == 0 {
		return 0, fmt.Errorf("router: chunk %d has no replica nodes", ch.ID)
	}
	partitionReplicas, err := r.catalog.Replicas(ctx, p.ID)
	if err != nil {
		return 0, err
	}
	replicaIDByNode := make(map[int64]int64, len(partitionReplicas))
	for _, pr := range partitionReplicas {
		replicaIDByNode[pr.ID] = pr.ReplicaID
	}
	distinctCols := schema.DistinctColumns()

	for _, node := range nodes {
		// The predicate is recomputed per replica rather than reused:
		// staged rows are re-evaluated in case routing metadata changed
		// between staging and fan-out.
		pred := groupPredicate(schema, ep, p, ch)
		batch := buf.Matching(pred)
		if len(batch) == 0 {
			continue
		}

		replicaID, ok := replicaIDByNode[node.PartitionReplicaID]
		if !ok {
			return 0, fmt.Errorf("router: chunk %d node references unknown partition replica %d", ch.ID, node.PartitionReplicaID)
		}

		for _, col := range distinctCols {
			idx, _ := schema.ColumnIndex(col.Name)
			values := make([]core.Value, 0, len(batch))
			for _, br := range batch {
				values = append(values, br[idx])
			}
			added := r.index.UpsertBatch(ctx, replicaID, col.Name, values)
			if len(added) > 0 {
				r.metrics.DistinctValuesCreatedTotal.Add(int64(len(added)))
				rid, cname, vals := replicaID, col.Name, added
				uow.OnRollback(func(context.Context) error {
					r.index.Remove(rid, cname, vals)
					return nil
				})
			}
		}

		if err := r.sink.ApplyBatch(ctx, node.Target, schema, batch); err != nil {
			return 0, fmt.Errorf("router: failed to apply batch to %s: %w", node.Target, err)
		}
		r.metrics.ReplicaBatchesTotal.Add(1)
		if r.deleter != nil {
			target, applied := node.Target, batch
			uow.OnRollback(func(c context.Context) error {
				return r.deleter.DeleteBatch(c, target, applied)
			})
		}
	}

	moved := buf.TakeMatching(ctx, groupPredicate(schema, ep, p, ch), true)
	if len(moved) == 0 {
		// The peeked row resolved to this chunk, so the predicate must match
		// at least that row; an empty take means the catalog and staging
		// disagree.
		return 0, fmt.Errorf("router: resolved chunk %d matched no staged rows", ch.ID)
	}
	uow.OnRollback(func(context.Context) error {
		buf.Restore(moved)
		return nil
	})
	return len(moved), nil
}

// persistUnrouted moves every null-time row straight to the hypertable's
// root target.
func (r *Router) persistUnrouted(ctx context.Context, uow *UnitOfWork, ht *catalog.Hypertable, buf *staging.Buffer) (int, error) {
	schema := ht.Schema
	batch := buf.TakeMatching(ctx, func(row core.Row) bool {
		_, hasTime := schema.TimeValue(row)
		return !hasTime
	}, true)
	if len(batch) == 0 {
		return 0, nil
	}
	uow.OnRollback(func(context.Context) error {
		buf.Restore(batch)
		return nil
	})

	if err := r.sink.ApplyBatch(ctx, ht.RootTarget, schema, batch); err != nil {
		return 0, fmt.Errorf("router: failed to persist null-time rows to %s: %w", ht.RootTarget, err)
	}
	if r.deleter != nil {
		uow.OnRollback(func(c context.Context) error {
			return r.deleter.DeleteBatch(c, ht.RootTarget, batch)
		})
	}
	r.metrics.RowsUnroutedTotal.Add(int64(len(batch)))
	return len(batch), nil
}

// groupPredicate builds the routing predicate of one (epoch, partition,
// chunk) triple: the row's time falls inside both the epoch and chunk
// windows and its hashed key falls inside the partition's range.
func groupPredicate(schema *core.Schema, ep *catalog.Epoch, p *catalog.Partition, ch *catalog.Chunk) core.RowPredicate {
	return func(row core.Row) bool {
		ts, ok := schema.TimeValue(row)
		if !ok {
			return false
		}
		if !ep.Contains(ts) || !ch.Contains(ts) {
			return false
		}
		key, _ := schema.KeyValue(row)
		h, err := partition.KeyHash(ep, key)
		if err != nil {
			return false
		}
		return p.Range.Contains(h)
	}
}
