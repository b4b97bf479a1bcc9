// Package chunk manages time-bounded storage segments within partitions:
// lazy creation under concurrency, close-by-policy, and out-of-band
// housekeeping.
package chunk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexusroute/catalog"
	"github.com/INLOpen/nexusroute/hooks"
	"github.com/INLOpen/nexusroute/internal/clock"
	"github.com/INLOpen/nexusroute/replica"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Options configures a Manager.
type Options struct {
	Catalog catalog.Catalog
	// Targets supplies the physical target for each partition replica when a
	// chunk is created.
	Targets replica.TargetResolver
	// ChunkDuration is the chunk length threshold, in the same time unit the
	// catalog stores (UnixNano in production).
	ChunkDuration  int64
	Clock          clock.Clock
	Logger         *slog.Logger
	HookManager    hooks.HookManager
	TracerProvider trace.TracerProvider
}

// Manager resolves (partition, timestamp) to a chunk, creating chunks lazily
// and closing them once their time span is exceeded.
type Manager struct {
	catalog  catalog.Catalog
	targets  replica.TargetResolver
	duration int64
	clock    clock.Clock
	logger   *slog.Logger
	hooks    hooks.HookManager
	tracer   trace.Tracer

	// creation holds one mutex per partition id. The mutex guards only the
	// chunk-creation step for that partition; it is never held across a full
	// insert, so transactions touching several partitions cannot invert lock
	// order.
	creationMu sync.Mutex
	creation   map[int64]*sync.Mutex
}

// NewManager creates a chunk manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Catalog == nil {
		return nil, errors.New("chunk: catalog is required")
	}
	if opts.Targets == nil {
		return nil, errors.New("chunk: target resolver is required")
	}
	if opts.ChunkDuration <= 0 {
		return nil, fmt.Errorf("chunk: chunk duration must be positive, got %d", opts.ChunkDuration)
	}
	if opts.Clock == nil {
		opts.Clock = clock.SystemClockDefault
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Manager{
		catalog:  opts.Catalog,
		targets:  opts.Targets,
		duration: opts.ChunkDuration,
		clock:    opts.Clock,
		logger:   opts.Logger,
		hooks:    opts.HookManager,
		tracer:   tp.Tracer("nexusroute/chunk"),
		creation: make(map[int64]*sync.Mutex),
	}, nil
}

// Duration returns the configured chunk length threshold.
func (m *Manager) Duration() int64 {
	return m.duration
}

// partitionLock returns the creation mutex for a partition, materializing it
// on first use.
func (m *Manager) partitionLock(partitionID int64) *sync.Mutex {
	m.creationMu.Lock()
	defer m.creationMu.Unlock()
	mu, ok := m.creation[partitionID]
	if !ok {
		mu = &sync.Mutex{}
		m.creation[partitionID] = mu
	}
	return mu
}

// GetOrCreate returns the chunk of partitionID covering ts, creating one if
// absent. The router calls it twice per row group: first with locked=false as
// a cheap probe (enabling a close check without any write lock), then with
// locked=true for the authoritative chunk used by the fan-out. When creation
// is needed, both paths serialize on the partition's creation mutex and
// re-check existence after acquiring it, since a concurrent writer may have
// created the chunk first.
func (m *Manager) GetOrCreate(ctx context.Context, partitionID int64, ts int64, locked bool) (*catalog.Chunk, error) {
	if !locked {
		ch, err := m.catalog.ChunkFor(ctx, partitionID, ts)
		if err == nil {
			return ch, nil
		}
		if !errors.Is(err, catalog.ErrChunkNotFound) {
			return nil, err
		}
	}

	mu := m.partitionLock(partitionID)
	mu.Lock()
	defer mu.Unlock()

	ch, err := m.catalog.ChunkFor(ctx, partitionID, ts)
	if err == nil {
		return ch, nil
	}
	if !errors.Is(err, catalog.ErrChunkNotFound) {
		return nil, err
	}
	return m.createLocked(ctx, partitionID, ts)
}

// createLocked creates the chunk covering ts together with one replica node
// per partition replica. The caller must hold the partition's creation mutex.
func (m *Manager) createLocked(ctx context.Context, partitionID int64, ts int64) (*catalog.Chunk, error) {
	ctx, span := m.tracer.Start(ctx, "ChunkManager.Create")
	defer span.End()
	span.SetAttributes(attribute.Int64("partition.id", partitionID))

	start := alignDown(ts, m.duration)

	replicas, err := m.catalog.Replicas(ctx, partitionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "replica_lookup_failed")
		return nil, fmt.Errorf("chunk: failed to list replicas of partition %d: %w", partitionID, err)
	}
	nodes := make([]catalog.ChunkReplicaNode, 0, len(replicas))
	for _, pr := range replicas {
		target, err := m.targets.Resolve(ctx, pr.ID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "target_resolve_failed")
			return nil, fmt.Errorf("chunk: failed to resolve target for partition replica %d: %w", pr.ID, err)
		}
		nodes = append(nodes, catalog.ChunkReplicaNode{
			PartitionReplicaID: pr.ID,
			Target:             target,
		})
	}

	// A chunk created behind an existing later chunk is a backfill chunk: it
	// is born closed at the next duration boundary so the partition keeps a
	// single open chunk. Chunk starts are duration-aligned, so any later chunk
	// begins at or after start+duration and the window cannot collide.
	var end *int64
	later, err := m.catalog.HasChunkAfter(ctx, partitionID, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chunk_lookup_failed")
		return nil, fmt.Errorf("chunk: failed to check later chunks of partition %d: %w", partitionID, err)
	}
	if later {
		e := start + m.duration
		end = &e
	}

	ch, err := m.catalog.CreateChunk(ctx, partitionID, start, end, nodes)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chunk_create_failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int64("chunk.id", ch.ID), attribute.Int64("chunk.start", ch.StartTime))

	m.logger.Debug("chunk created", "chunk", ch.ID, "partition", partitionID, "start", start, "replicas", len(nodes))
	if m.hooks != nil {
		m.hooks.Trigger(ctx, hooks.NewChunkCreateEvent(hooks.ChunkCreatePayload{
			ChunkID:     ch.ID,
			PartitionID: partitionID,
			StartTime:   start,
			Replicas:    len(nodes),
		}))
	}
	return ch, nil
}

// CloseIfNeeded closes ch when the elapsed time since its start, as of asOf,
// meets or exceeds the chunk length threshold, and opens the successor chunk
// for subsequent writes. Already-closed chunks are left untouched; the call
// is idempotent and safe to issue redundantly, including concurrently.
func (m *Manager) CloseIfNeeded(ctx context.Context, ch *catalog.Chunk, asOf int64) (*catalog.Chunk, error) {
	if ch == nil || ch.Closed {
		return ch, nil
	}
	if asOf-ch.StartTime < m.duration {
		return ch, nil
	}
	end := ch.StartTime + m.duration

	mu := m.partitionLock(ch.PartitionID)
	mu.Lock()
	defer mu.Unlock()

	closed, err := m.catalog.CloseChunk(ctx, ch.ID, end)
	if err != nil {
		return nil, fmt.Errorf("chunk: failed to close chunk %d: %w", ch.ID, err)
	}
	m.logger.Info("chunk closed", "chunk", ch.ID, "partition", ch.PartitionID, "start", ch.StartTime, "end", end)
	if m.hooks != nil {
		m.hooks.Trigger(ctx, hooks.NewChunkCloseEvent(hooks.ChunkClosePayload{
			ChunkID:     ch.ID,
			PartitionID: ch.PartitionID,
			StartTime:   ch.StartTime,
			EndTime:     end,
		}))
	}

	// Open the successor so subsequent writes at asOf find a chunk. A
	// concurrent closer may have created it already; the existence check
	// under the creation mutex absorbs that.
	if _, err := m.catalog.ChunkFor(ctx, ch.PartitionID, asOf); err != nil {
		if !errors.Is(err, catalog.ErrChunkNotFound) {
			return nil, err
		}
		if _, err := m.createLocked(ctx, ch.PartitionID, asOf); err != nil {
			return nil, err
		}
	}
	return closed, nil
}

// alignDown floors ts to a chunk-duration boundary, correctly for negative
// timestamps.
func alignDown(ts, d int64) int64 {
	r := ts % d
	if r < 0 {
		r += d
	}
	return ts - r
}
