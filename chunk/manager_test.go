package chunk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/INLOpen/nexusroute/catalog"
	"github.com/INLOpen/nexusroute/core"
	"github.com/INLOpen/nexusroute/hooks"
	"github.com/INLOpen/nexusroute/internal/clock"
	"github.com/INLOpen/nexusroute/replica"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChunkDuration = 3600

type chunkEnv struct {
	cat     *catalog.MemoryCatalog
	nodes   *replica.NodeStore
	manager *Manager
	part    catalog.Partition
}

func newChunkEnv(t *testing.T, hookManager hooks.HookManager) *chunkEnv {
	t.Helper()
	ctx := context.Background()
	cat := catalog.NewMemoryCatalog(nil)
	schema := core.MustSchema([]core.Column{
		{Name: "time", Kind: core.KindTime},
		{Name: "device", Kind: core.KindKey},
	})
	ht, err := cat.CreateHypertable(ctx, "conditions", schema, core.Target{})
	require.NoError(t, err)
	_, parts, err := cat.CreateEpoch(ctx, ht.ID, catalog.EpochSpec{
		Column:     "device",
		Modulus:    1000,
		Ranges:     []catalog.KeyRange{{Start: 0, End: 999}},
		ReplicaIDs: []int64{1, 2},
	})
	require.NoError(t, err)

	nodes := replica.NewNodeStore()
	reps, err := cat.Replicas(ctx, parts[0].ID)
	require.NoError(t, err)
	for _, pr := range reps {
		nodes.AssignTarget(pr.ID, core.Target{Endpoint: "node", Table: "t"})
	}

	manager, err := NewManager(Options{
		Catalog:       cat,
		Targets:       nodes,
		ChunkDuration: testChunkDuration,
		HookManager:   hookManager,
	})
	require.NoError(t, err)
	return &chunkEnv{cat: cat, nodes: nodes, manager: manager, part: parts[0]}
}

func TestManager_OptionValidation(t *testing.T) {
	cat := catalog.NewMemoryCatalog(nil)
	nodes := replica.NewNodeStore()

	_, err := NewManager(Options{Targets: nodes, ChunkDuration: 1})
	assert.Error(t, err)
	_, err = NewManager(Options{Catalog: cat, ChunkDuration: 1})
	assert.Error(t, err)
	_, err = NewManager(Options{Catalog: cat, Targets: nodes})
	assert.Error(t, err)
}

func TestGetOrCreate_AlignsStartAndBindsNodes(t *testing.T) {
	ctx := context.Background()
	env := newChunkEnv(t, nil)

	ch, err := env.manager.GetOrCreate(ctx, env.part.ID, 5000, false)
	require.NoError(t, err)
	assert.Equal(t, int64(3600), ch.StartTime)
	assert.False(t, ch.Closed)

	nodes, err := env.cat.ReplicaNodes(ctx, ch.ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 2, "one replica node per partition replica")

	// Subsequent lookups hit the same chunk on both probe and locked paths.
	again, err := env.manager.GetOrCreate(ctx, env.part.ID, 5001, false)
	require.NoError(t, err)
	assert.Equal(t, ch.ID, again.ID)
	again, err = env.manager.GetOrCreate(ctx, env.part.ID, 5001, true)
	require.NoError(t, err)
	assert.Equal(t, ch.ID, again.ID)
}

func TestGetOrCreate_NegativeTimestamps(t *testing.T) {
	ctx := context.Background()
	env := newChunkEnv(t, nil)

	ch, err := env.manager.GetOrCreate(ctx, env.part.ID, -1, false)
	require.NoError(t, err)
	assert.Equal(t, int64(-3600), ch.StartTime)
}

func TestGetOrCreate_FailsWithoutTargets(t *testing.T) {
	ctx := context.Background()
	env := newChunkEnv(t, nil)

	// A second partition with no targets assigned cannot create chunks.
	bare := replica.NewNodeStore()
	m, err := NewManager(Options{Catalog: env.cat, Targets: bare, ChunkDuration: testChunkDuration})
	require.NoError(t, err)
	_, err = m.GetOrCreate(ctx, env.part.ID, 0, false)
	assert.ErrorIs(t, err, replica.ErrTargetNotAssigned)
}

func TestGetOrCreate_ConcurrentCreatesOnce(t *testing.T) {
	ctx := context.Background()
	env := newChunkEnv(t, nil)

	const writers = 16
	ids := make([]int64, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch, err := env.manager.GetOrCreate(ctx, env.part.ID, 100, i%2 == 0)
			if assert.NoError(t, err) {
				ids[i] = ch.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 1; i < writers; i++ {
		assert.Equal(t, ids[0], ids[i], "all writers must observe the same chunk")
	}
	open, err := env.cat.OpenChunks(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestCloseIfNeeded_Boundary(t *testing.T) {
	ctx := context.Background()
	env := newChunkEnv(t, nil)

	ch, err := env.manager.GetOrCreate(ctx, env.part.ID, 0, false)
	require.NoError(t, err)
	require.Equal(t, int64(0), ch.StartTime)

	// One tick short of the threshold leaves the chunk open.
	same, err := env.manager.CloseIfNeeded(ctx, ch, 3599)
	require.NoError(t, err)
	assert.False(t, same.Closed)

	// At the threshold the chunk closes at start+duration and the successor
	// covering asOf is opened.
	closed, err := env.manager.CloseIfNeeded(ctx, ch, 3600)
	require.NoError(t, err)
	assert.True(t, closed.Closed)
	require.NotNil(t, closed.EndTime)
	assert.Equal(t, int64(3600), *closed.EndTime)

	next, err := env.cat.ChunkFor(ctx, env.part.ID, 3600)
	require.NoError(t, err)
	assert.Equal(t, int64(3600), next.StartTime)
	assert.False(t, next.Closed)

	// Late rows still resolve to the closed chunk.
	late, err := env.manager.GetOrCreate(ctx, env.part.ID, 3599, false)
	require.NoError(t, err)
	assert.Equal(t, ch.ID, late.ID)
	assert.True(t, late.Closed)
}

func TestGetOrCreate_BackfillBehindLaterChunk(t *testing.T) {
	ctx := context.Background()
	env := newChunkEnv(t, nil)

	// Close [0, 3600) well past its span: the successor opens at 7200,
	// leaving a hole over [3600, 7200).
	ch, err := env.manager.GetOrCreate(ctx, env.part.ID, 0, false)
	require.NoError(t, err)
	closed, err := env.manager.CloseIfNeeded(ctx, ch, 8000)
	require.NoError(t, err)
	require.True(t, closed.Closed)
	assert.Equal(t, int64(3600), *closed.EndTime)

	succ, err := env.cat.ChunkFor(ctx, env.part.ID, 8000)
	require.NoError(t, err)
	assert.Equal(t, int64(7200), succ.StartTime)
	assert.False(t, succ.Closed)

	// A late row inside the hole gets a chunk that is born closed, so the
	// partition never grows a second open chunk.
	mid, err := env.manager.GetOrCreate(ctx, env.part.ID, 5000, true)
	require.NoError(t, err)
	assert.Equal(t, int64(3600), mid.StartTime)
	assert.True(t, mid.Closed)
	require.NotNil(t, mid.EndTime)
	assert.Equal(t, int64(7200), *mid.EndTime)

	// The open successor is untouched and still serves its own range.
	again, err := env.cat.ChunkFor(ctx, env.part.ID, 7200)
	require.NoError(t, err)
	assert.Equal(t, succ.ID, again.ID)
	assert.False(t, again.Closed)

	open, err := env.cat.OpenChunks(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, succ.ID, open[0].ID)
}

func TestCloseIfNeeded_Idempotent(t *testing.T) {
	ctx := context.Background()
	env := newChunkEnv(t, nil)

	ch, err := env.manager.GetOrCreate(ctx, env.part.ID, 0, false)
	require.NoError(t, err)

	first, err := env.manager.CloseIfNeeded(ctx, ch, 4000)
	require.NoError(t, err)
	require.True(t, first.Closed)

	// Closing an already-closed chunk is a no-op, concurrent or redundant.
	second, err := env.manager.CloseIfNeeded(ctx, first, 5000)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// A stale open snapshot of the same chunk also converges.
	stale := *ch
	conv, err := env.manager.CloseIfNeeded(ctx, &stale, 4000)
	require.NoError(t, err)
	assert.True(t, conv.Closed)
	assert.Equal(t, int64(3600), *conv.EndTime)
}

func TestCloseIfNeeded_FiresHooks(t *testing.T) {
	hm := hooks.NewHookManager(nil)
	var mu sync.Mutex
	var created, closed []int64
	hm.Register(hooks.EventOnChunkCreate, hooks.FuncListener{Fn: func(ctx context.Context, e hooks.HookEvent) error {
		mu.Lock()
		created = append(created, e.Payload().(hooks.ChunkCreatePayload).ChunkID)
		mu.Unlock()
		return nil
	}})
	hm.Register(hooks.EventOnChunkClose, hooks.FuncListener{Fn: func(ctx context.Context, e hooks.HookEvent) error {
		mu.Lock()
		closed = append(closed, e.Payload().(hooks.ChunkClosePayload).ChunkID)
		mu.Unlock()
		return nil
	}})

	ctx := context.Background()
	env := newChunkEnv(t, hm)

	ch, err := env.manager.GetOrCreate(ctx, env.part.ID, 0, false)
	require.NoError(t, err)
	_, err = env.manager.CloseIfNeeded(ctx, ch, 3600)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, created, 2, "initial chunk plus successor")
	assert.Equal(t, []int64{ch.ID}, closed)
}

func TestMaintenance_RunSweep(t *testing.T) {
	ctx := context.Background()
	env := newChunkEnv(t, nil)

	clk := clock.NewMockClock(time.Unix(0, 100))
	m, err := NewManager(Options{
		Catalog:       env.cat,
		Targets:       env.nodes,
		ChunkDuration: testChunkDuration,
		Clock:         clk,
	})
	require.NoError(t, err)
	sweeper := NewMaintenance(m, env.cat, time.Minute, clk, nil)

	ch, err := m.GetOrCreate(ctx, env.part.ID, 0, false)
	require.NoError(t, err)

	// Nothing is over age yet.
	n, err := sweeper.RunSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Once the clock passes the threshold the sweep closes the chunk and the
	// successor it opens is not itself over age.
	clk.Set(time.Unix(0, 4000))
	n, err = sweeper.RunSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := env.cat.ChunkFor(ctx, env.part.ID, 100)
	require.NoError(t, err)
	assert.True(t, got.Closed)
	assert.Equal(t, ch.ID, got.ID)

	next, err := env.cat.ChunkFor(ctx, env.part.ID, 4000)
	require.NoError(t, err)
	assert.False(t, next.Closed)

	n, err = sweeper.RunSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMaintenance_StartStop(t *testing.T) {
	env := newChunkEnv(t, nil)
	clk := clock.NewMockClock(time.Unix(0, 0))
	sweeper := NewMaintenance(env.manager, env.cat, 10*time.Millisecond, clk, nil)
	sweeper.Start(context.Background())
	// Stop is safe to call twice.
	sweeper.Stop()
	sweeper.Stop()
}
