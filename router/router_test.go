package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/INLOpen/nexusroute/catalog"
	"github.com/INLOpen/nexusroute/chunk"
	"github.com/INLOpen/nexusroute/core"
	"github.com/INLOpen/nexusroute/hooks"
	"github.com/INLOpen/nexusroute/indexer"
	"github.com/INLOpen/nexusroute/replica"
	"github.com/INLOpen/nexusroute/staging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChunkDuration = 3600

// routerEnv wires a full write path against the in-memory backends: a
// hypertable with one open epoch, the keyspace of 1000 split into two
// partitions, and two replicas per partition.
type routerEnv struct {
	cat    *catalog.MemoryCatalog
	nodes  *replica.NodeStore
	index  *indexer.DistinctIndex
	hm     hooks.HookManager
	router *Router
	ht     *catalog.Hypertable
	parts  []catalog.Partition

	// targetsByPartition holds the physical targets per partition in replica
	// id order.
	targetsByPartition map[int64][]core.Target
}

func newRouterEnv(t *testing.T) *routerEnv {
	t.Helper()
	ctx := context.Background()

	cat := catalog.NewMemoryCatalog(nil)
	schema := core.MustSchema([]core.Column{
		{Name: "time", Kind: core.KindTime},
		{Name: "device", Kind: core.KindKey, Distinct: true},
		{Name: "temperature", Kind: core.KindValue},
	})
	ht, err := cat.CreateHypertable(ctx, "conditions", schema, core.Target{Endpoint: "node-1", Table: "conditions_root"})
	require.NoError(t, err)

	_, parts, err := cat.CreateEpoch(ctx, ht.ID, catalog.EpochSpec{
		PartitionFunc: 0, // identity, for deterministic key placement
		Column:        "device",
		Modulus:       1000,
		StartTime:     0,
		Ranges: []catalog.KeyRange{
			{Start: 0, End: 499},
			{Start: 500, End: 999},
		},
		ReplicaIDs: []int64{1, 2},
	})
	require.NoError(t, err)

	nodes := replica.NewNodeStore()
	targetsByPartition := make(map[int64][]core.Target)
	for _, p := range parts {
		reps, err := cat.Replicas(ctx, p.ID)
		require.NoError(t, err)
		for _, pr := range reps {
			target := core.Target{
				Endpoint: fmt.Sprintf("node-%d", pr.ReplicaID),
				Table:    fmt.Sprintf("conditions_p%d", p.ID),
			}
			nodes.AssignTarget(pr.ID, target)
			targetsByPartition[p.ID] = append(targetsByPartition[p.ID], target)
		}
	}

	hm := hooks.NewHookManager(nil)
	chunks, err := chunk.NewManager(chunk.Options{
		Catalog:       cat,
		Targets:       nodes,
		ChunkDuration: testChunkDuration,
		HookManager:   hm,
	})
	require.NoError(t, err)

	index := indexer.NewDistinctIndex(nil, hm)

	r, err := New(Options{
		Catalog:       cat,
		Chunks:        chunks,
		Sink:          nodes,
		Deleter:       nodes,
		DistinctIndex: index,
		HookManager:   hm,
	})
	require.NoError(t, err)

	return &routerEnv{
		cat:                cat,
		nodes:              nodes,
		index:              index,
		hm:                 hm,
		router:             r,
		ht:                 ht,
		parts:              parts,
		targetsByPartition: targetsByPartition,
	}
}

func (e *routerEnv) buffer(rows ...core.Row) *staging.Buffer {
	buf := staging.New(e.hm)
	buf.Add(rows...)
	return buf
}

func TestNew_RequiredOptions(t *testing.T) {
	env := newRouterEnv(t)
	chunks := env.router.chunks

	_, err := New(Options{Chunks: chunks, Sink: env.nodes})
	assert.Error(t, err)
	_, err = New(Options{Catalog: env.cat, Sink: env.nodes})
	assert.Error(t, err)
	_, err = New(Options{Catalog: env.cat, Chunks: chunks})
	assert.Error(t, err)
}

func TestInsert_FanOutFidelity(t *testing.T) {
	ctx := context.Background()
	env := newRouterEnv(t)

	row := core.Row{int64(100), int64(10), 20.5}
	buf := env.buffer(row)

	uow := NewUnitOfWork()
	require.NoError(t, env.router.Insert(ctx, uow, "conditions", buf))
	require.NoError(t, uow.Commit())

	// One staged row with two replicas: exactly one replica insertion per
	// target of the owning partition, and the staging buffer is drained.
	assert.Zero(t, buf.Len())
	targets := env.targetsByPartition[env.parts[0].ID]
	require.Len(t, targets, 2)
	for _, target := range targets {
		assert.Equal(t, []core.Row{row}, env.nodes.Rows(target), "target %s", target)
	}
	// Nothing leaked into the other partition's targets.
	for _, target := range env.targetsByPartition[env.parts[1].ID] {
		assert.Empty(t, env.nodes.Rows(target))
	}

	assert.Equal(t, int64(1), env.router.metrics.InsertTotal.Value())
	assert.Equal(t, int64(1), env.router.metrics.RowsRoutedTotal.Value())
	assert.Equal(t, int64(2), env.router.metrics.ReplicaBatchesTotal.Value())
}

func TestInsert_SplitsKeyspaceAcrossPartitions(t *testing.T) {
	ctx := context.Background()
	env := newRouterEnv(t)

	lower := core.Row{int64(100), int64(499), 1.0}
	upper := core.Row{int64(100), int64(500), 2.0}
	buf := env.buffer(lower, upper)

	uow := NewUnitOfWork()
	require.NoError(t, env.router.Insert(ctx, uow, "conditions", buf))
	require.NoError(t, uow.Commit())

	assert.Zero(t, buf.Len())
	for _, target := range env.targetsByPartition[env.parts[0].ID] {
		assert.Equal(t, []core.Row{lower}, env.nodes.Rows(target))
	}
	for _, target := range env.targetsByPartition[env.parts[1].ID] {
		assert.Equal(t, []core.Row{upper}, env.nodes.Rows(target))
	}
}

func TestInsert_GroupsRowsOfOneChunkIntoOneBatch(t *testing.T) {
	ctx := context.Background()
	env := newRouterEnv(t)

	// Same partition, same open chunk: one fan-out batch per replica, not one
	// per row.
	buf := env.buffer(
		core.Row{int64(100), int64(10), 1.0},
		core.Row{int64(200), int64(20), 2.0},
	)
	uow := NewUnitOfWork()
	require.NoError(t, env.router.Insert(ctx, uow, "conditions", buf))
	require.NoError(t, uow.Commit())

	assert.Equal(t, int64(2), env.router.metrics.ReplicaBatchesTotal.Value())
	assert.Equal(t, int64(2), env.router.metrics.RowsRoutedTotal.Value())
	for _, target := range env.targetsByPartition[env.parts[0].ID] {
		assert.Len(t, env.nodes.Rows(target), 2)
	}
}

func TestInsert_ClosesChunkAndOpensSuccessor(t *testing.T) {
	ctx := context.Background()
	env := newRouterEnv(t)
	pid := env.parts[0].ID

	insertOne := func(row core.Row) {
		buf := env.buffer(row)
		uow := NewUnitOfWork()
		require.NoError(t, env.router.Insert(ctx, uow, "conditions", buf))
		require.NoError(t, uow.Commit())
	}

	// The first row materializes the chunk at the aligned start.
	insertOne(core.Row{int64(0), int64(10), 1.0})
	first, err := env.cat.ChunkFor(ctx, pid, 0)
	require.NoError(t, err)
	assert.False(t, first.Closed)

	// A row one tick short of the threshold leaves it open.
	insertOne(core.Row{int64(testChunkDuration - 1), int64(10), 2.0})
	stillOpen, err := env.cat.ChunkFor(ctx, pid, 0)
	require.NoError(t, err)
	assert.False(t, stillOpen.Closed)

	// The row at the threshold closes the chunk at start+duration and lands in
	// the successor.
	insertOne(core.Row{int64(testChunkDuration), int64(10), 3.0})
	closed, err := env.cat.ChunkFor(ctx, pid, 0)
	require.NoError(t, err)
	assert.True(t, closed.Closed)
	require.NotNil(t, closed.EndTime)
	assert.Equal(t, int64(testChunkDuration), *closed.EndTime)

	successor, err := env.cat.ChunkFor(ctx, pid, testChunkDuration)
	require.NoError(t, err)
	assert.NotEqual(t, closed.ID, successor.ID)
	assert.False(t, successor.Closed)

	// A late row inside the closed range still routes to the closed chunk.
	insertOne(core.Row{int64(1), int64(10), 4.0})
	for _, target := range env.targetsByPartition[pid] {
		assert.Len(t, env.nodes.Rows(target), 4)
	}
	assert.Equal(t, int64(1), env.router.metrics.ChunksClosedTotal.Value())
}

func TestInsert_ReentrantCallFailsWithoutTrace(t *testing.T) {
	ctx := context.Background()
	env := newRouterEnv(t)

	uow := NewUnitOfWork()
	buf := env.buffer(core.Row{int64(100), int64(10), 1.0})
	require.NoError(t, env.router.Insert(ctx, uow, "conditions", buf))

	// The marker stays set after the first insert returns, so a second insert
	// in the same unit of work is rejected before doing anything.
	second := env.buffer(core.Row{int64(200), int64(20), 2.0})
	err := env.router.Insert(ctx, uow, "conditions", second)
	require.ErrorIs(t, err, core.ErrReentrantInsert)
	assert.Equal(t, "NR001", core.ErrorCode(err))

	assert.Equal(t, 1, second.Len(), "rejected insert must not touch staging")
	for _, target := range env.targetsByPartition[env.parts[0].ID] {
		assert.Len(t, env.nodes.Rows(target), 1, "rejected insert must not reach replicas")
	}
	assert.Equal(t, int64(1), env.router.metrics.ReentrantInsertsTotal.Value())

	require.NoError(t, uow.Commit())

	// A fresh unit of work proceeds normally.
	uow2 := NewUnitOfWork()
	require.NoError(t, env.router.Insert(ctx, uow2, "conditions", second))
	require.NoError(t, uow2.Commit())
}

func TestInsert_RollbackRevertsAllEffects(t *testing.T) {
	ctx := context.Background()
	env := newRouterEnv(t)

	rows := []core.Row{
		{int64(100), int64(10), 1.0},
		{int64(200), int64(600), 2.0},
	}
	buf := env.buffer(rows...)

	uow := NewUnitOfWork()
	require.NoError(t, env.router.Insert(ctx, uow, "conditions", buf))
	require.Zero(t, buf.Len())
	require.NotZero(t, env.index.Cardinality(1, "device"))

	require.NoError(t, uow.Rollback(ctx))

	// Staging has the rows back, every replica is empty again and the
	// distinct indexes shrank to their prior state.
	assert.Equal(t, 2, buf.Len())
	for _, parts := range env.targetsByPartition {
		for _, target := range parts {
			assert.Empty(t, env.nodes.Rows(target))
		}
	}
	assert.Zero(t, env.index.Cardinality(1, "device"))
	assert.Zero(t, env.index.Cardinality(2, "device"))

	// Chunk metadata survives the rollback and is reused by the next insert.
	_, err := env.cat.ChunkFor(ctx, env.parts[0].ID, 100)
	require.NoError(t, err)

	uow2 := NewUnitOfWork()
	require.NoError(t, env.router.Insert(ctx, uow2, "conditions", buf))
	require.NoError(t, uow2.Commit())
	assert.Zero(t, buf.Len())
}

// flakySink fails batches applied to one specific target, simulating a replica
// endpoint going down mid fan-out.
type flakySink struct {
	store *replica.NodeStore
	fail  core.Target
}

func (s *flakySink) ApplyBatch(ctx context.Context, target core.Target, schema *core.Schema, rows []core.Row) error {
	if target == s.fail {
		return errors.New("replica endpoint unavailable")
	}
	return s.store.ApplyBatch(ctx, target, schema, rows)
}

func TestInsert_PartialFanOutFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	env := newRouterEnv(t)

	// Rebuild the router around a sink that fails the partition's second
	// replica target.
	sink := &flakySink{store: env.nodes, fail: env.targetsByPartition[env.parts[0].ID][1]}
	r, err := New(Options{
		Catalog:       env.cat,
		Chunks:        env.router.chunks,
		Sink:          sink,
		Deleter:       env.nodes,
		DistinctIndex: env.index,
	})
	require.NoError(t, err)

	row := core.Row{int64(100), int64(10), 1.0}
	buf := env.buffer(row)

	uow := NewUnitOfWork()
	err = r.Insert(ctx, uow, "conditions", buf)
	require.Error(t, err)
	require.NoError(t, uow.Rollback(ctx))

	// The failure struck after the first replica was written; rollback must
	// remove that write and the distinct values observed for it.
	for _, target := range env.targetsByPartition[env.parts[0].ID] {
		assert.Empty(t, env.nodes.Rows(target))
	}
	assert.Zero(t, env.index.Cardinality(1, "device"))
	assert.Equal(t, 1, buf.Len(), "unconsumed rows stay staged")
}

func TestInsert_NullTimeRowsLandAtRootTarget(t *testing.T) {
	ctx := context.Background()
	env := newRouterEnv(t)

	timed := core.Row{int64(100), int64(10), 1.0}
	nullTime := core.Row{nil, int64(20), 2.0}
	buf := env.buffer(nullTime, timed)

	uow := NewUnitOfWork()
	require.NoError(t, env.router.Insert(ctx, uow, "conditions", buf))
	require.NoError(t, uow.Commit())

	assert.Zero(t, buf.Len())
	assert.Equal(t, []core.Row{nullTime}, env.nodes.Rows(env.ht.RootTarget))
	for _, target := range env.targetsByPartition[env.parts[0].ID] {
		assert.Equal(t, []core.Row{timed}, env.nodes.Rows(target))
	}
	assert.Equal(t, int64(1), env.router.metrics.RowsUnroutedTotal.Value())
	assert.Equal(t, int64(1), env.router.metrics.RowsRoutedTotal.Value())
}

func TestInsert_MaintainsDistinctIndexPerReplica(t *testing.T) {
	ctx := context.Background()
	env := newRouterEnv(t)

	buf := env.buffer(
		core.Row{int64(100), int64(10), 1.0},
		core.Row{int64(200), int64(10), 2.0},
		core.Row{int64(300), int64(20), 3.0},
	)
	uow := NewUnitOfWork()
	require.NoError(t, env.router.Insert(ctx, uow, "conditions", buf))
	require.NoError(t, uow.Commit())

	// Two distinct devices, tracked once per replica despite repeats.
	for _, replicaID := range []int64{1, 2} {
		assert.Equal(t, uint64(2), env.index.Cardinality(replicaID, "device"))
		assert.Equal(t, []string{"10", "20"}, env.index.Values(replicaID, "device"))
	}
	assert.Equal(t, int64(4), env.router.metrics.DistinctValuesCreatedTotal.Value())
}

func TestInsert_RejectsMalformedRows(t *testing.T) {
	ctx := context.Background()
	env := newRouterEnv(t)

	buf := env.buffer(core.Row{int64(100)})
	uow := NewUnitOfWork()
	err := env.router.Insert(ctx, uow, "conditions", buf)
	require.Error(t, err)
	require.NoError(t, uow.Rollback(ctx))

	assert.Equal(t, 1, buf.Len(), "rejected rows stay staged")
	assert.Equal(t, int64(1), env.router.metrics.InsertErrorsTotal.Value())
}

func TestInsert_UnknownHypertable(t *testing.T) {
	ctx := context.Background()
	env := newRouterEnv(t)

	uow := NewUnitOfWork()
	err := env.router.Insert(ctx, uow, "missing", env.buffer())
	assert.ErrorIs(t, err, catalog.ErrHypertableNotFound)
}

func TestInsert_TimeOutsideEveryEpoch(t *testing.T) {
	ctx := context.Background()
	env := newRouterEnv(t)

	buf := env.buffer(core.Row{int64(-5), int64(10), 1.0})
	uow := NewUnitOfWork()
	err := env.router.Insert(ctx, uow, "conditions", buf)
	require.Error(t, err)
	assert.True(t, core.IsEpochNotFound(err))
	assert.Equal(t, "NR002", core.ErrorCode(err))
}

func TestInsert_PreHookCancelsBatch(t *testing.T) {
	ctx := context.Background()
	env := newRouterEnv(t)
	env.hm.Register(hooks.EventPreInsertBatch, hooks.FuncListener{Fn: func(context.Context, hooks.HookEvent) error {
		return errors.New("batch vetoed")
	}})

	buf := env.buffer(core.Row{int64(100), int64(10), 1.0})
	uow := NewUnitOfWork()
	err := env.router.Insert(ctx, uow, "conditions", buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch vetoed")
	assert.Equal(t, 1, buf.Len(), "vetoed batch stays staged")
	for _, target := range env.targetsByPartition[env.parts[0].ID] {
		assert.Empty(t, env.nodes.Rows(target))
	}
}

func TestInsert_PostHookObservesOutcome(t *testing.T) {
	ctx := context.Background()
	env := newRouterEnv(t)

	var mu sync.Mutex
	var payloads []hooks.PostInsertBatchPayload
	env.hm.Register(hooks.EventPostInsertBatch, hooks.FuncListener{Fn: func(_ context.Context, e hooks.HookEvent) error {
		mu.Lock()
		payloads = append(payloads, e.Payload().(hooks.PostInsertBatchPayload))
		mu.Unlock()
		return nil
	}})

	buf := env.buffer(core.Row{int64(100), int64(10), 1.0})
	uow := NewUnitOfWork()
	require.NoError(t, env.router.Insert(ctx, uow, "conditions", buf))
	require.NoError(t, uow.Commit())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, payloads, 1)
	assert.Equal(t, "conditions", payloads[0].Hypertable)
	assert.Equal(t, 1, payloads[0].RowsRouted)
	assert.NoError(t, payloads[0].Error)
}

func TestInsert_StagingRemoveHookSilentDuringFanOut(t *testing.T) {
	ctx := context.Background()
	env := newRouterEnv(t)

	var mu sync.Mutex
	removals := 0
	env.hm.Register(hooks.EventOnStagingRowRemove, hooks.FuncListener{Fn: func(context.Context, hooks.HookEvent) error {
		mu.Lock()
		removals++
		mu.Unlock()
		return nil
	}})

	buf := env.buffer(core.Row{int64(100), int64(10), 1.0})
	uow := NewUnitOfWork()
	require.NoError(t, env.router.Insert(ctx, uow, "conditions", buf))
	require.NoError(t, uow.Commit())

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, removals, "internal fan-out moves must not fire the staging removal hook")
}
