package catalog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/INLOpen/nexusroute/core"
)

// MemoryCatalog is the in-memory catalog backend. It is safe for concurrent
// use; every read returns a copy, so callers never observe in-place mutation.
type MemoryCatalog struct {
	mu     sync.RWMutex
	logger *slog.Logger

	nextID int64

	hypertablesByName map[string]*Hypertable
	epochs            map[int64]*Epoch             // epoch id -> epoch
	epochsByTable     map[int64][]int64            // hypertable id -> epoch ids
	partitions        map[int64]*Partition         // partition id -> partition
	partitionsByEpoch map[int64][]int64            // epoch id -> partition ids
	replicas          map[int64][]PartitionReplica // partition id -> replicas
	chunks            map[int64]*Chunk             // chunk id -> chunk
	chunksByPartition map[int64][]int64            // partition id -> chunk ids
	nodes             map[int64][]ChunkReplicaNode // chunk id -> nodes
}

var _ Catalog = (*MemoryCatalog)(nil)

// NewMemoryCatalog creates an empty in-memory catalog.
func NewMemoryCatalog(logger *slog.Logger) *MemoryCatalog {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &MemoryCatalog{
		logger:            logger,
		hypertablesByName: make(map[string]*Hypertable),
		epochs:            make(map[int64]*Epoch),
		epochsByTable:     make(map[int64][]int64),
		partitions:        make(map[int64]*Partition),
		partitionsByEpoch: make(map[int64][]int64),
		replicas:          make(map[int64][]PartitionReplica),
		chunks:            make(map[int64]*Chunk),
		chunksByPartition: make(map[int64][]int64),
		nodes:             make(map[int64][]ChunkReplicaNode),
	}
}

// allocID must be called with the write lock held.
func (c *MemoryCatalog) allocID() int64 {
	c.nextID++
	return c.nextID
}

func (c *MemoryCatalog) Hypertable(ctx context.Context, name string) (*Hypertable, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ht, ok := c.hypertablesByName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrHypertableNotFound, name)
	}
	cp := *ht
	return &cp, nil
}

func (c *MemoryCatalog) CreateHypertable(ctx context.Context, name string, schema *core.Schema, rootTarget core.Target) (*Hypertable, error) {
	if schema == nil {
		return nil, fmt.Errorf("catalog: hypertable %q needs a schema", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.hypertablesByName[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrHypertableExists, name)
	}
	ht := &Hypertable{
		ID:         c.allocID(),
		Name:       name,
		Schema:     schema,
		RootTarget: rootTarget,
	}
	c.hypertablesByName[name] = ht
	c.logger.Info("hypertable created", "name", name, "id", ht.ID)
	cp := *ht
	return &cp, nil
}

func (c *MemoryCatalog) Epochs(ctx context.Context, hypertableID int64) ([]Epoch, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := c.epochsByTable[hypertableID]
	out := make([]Epoch, 0, len(ids))
	for _, id := range ids {
		out = append(out, *c.epochs[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime < out[j].StartTime })
	return out, nil
}

func (c *MemoryCatalog) CreateEpoch(ctx context.Context, hypertableID int64, spec EpochSpec) (*Epoch, []Partition, error) {
	if err := validateEpochSpec(spec); err != nil {
		return nil, nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range c.epochsByTable[hypertableID] {
		existing := c.epochs[id]
		if windowsOverlap(existing.StartTime, existing.EndTime, spec.StartTime, spec.EndTime) {
			return nil, nil, fmt.Errorf("%w: [%d, ...) vs epoch %d", ErrEpochOverlap, spec.StartTime, id)
		}
		if existing.EndTime == nil && spec.EndTime == nil {
			return nil, nil, ErrOpenEpochExists
		}
	}

	ep := &Epoch{
		ID:            c.allocID(),
		HypertableID:  hypertableID,
		PartitionFunc: spec.PartitionFunc,
		Column:        spec.Column,
		Modulus:       spec.Modulus,
		StartTime:     spec.StartTime,
		EndTime:       spec.EndTime,
	}
	c.epochs[ep.ID] = ep
	c.epochsByTable[hypertableID] = append(c.epochsByTable[hypertableID], ep.ID)

	parts := make([]Partition, 0, len(spec.Ranges))
	for _, r := range spec.Ranges {
		p := &Partition{ID: c.allocID(), EpochID: ep.ID, Range: r}
		c.partitions[p.ID] = p
		c.partitionsByEpoch[ep.ID] = append(c.partitionsByEpoch[ep.ID], p.ID)
		for _, rid := range spec.ReplicaIDs {
			c.replicas[p.ID] = append(c.replicas[p.ID], PartitionReplica{
				ID:          c.allocID(),
				PartitionID: p.ID,
				ReplicaID:   rid,
			})
		}
		parts = append(parts, *p)
	}

	c.logger.Info("epoch created", "hypertable", hypertableID, "epoch", ep.ID,
		"modulus", spec.Modulus, "partitions", len(parts), "replicas", len(spec.ReplicaIDs))
	cp := *ep
	return &cp, parts, nil
}

func (c *MemoryCatalog) CloseEpoch(ctx context.Context, epochID int64, end int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep, ok := c.epochs[epochID]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrEpochNotFound, epochID)
	}
	if ep.EndTime != nil {
		if *ep.EndTime == end {
			return nil
		}
		return fmt.Errorf("catalog: epoch %d already closed at %d", epochID, *ep.EndTime)
	}
	if end <= ep.StartTime {
		return fmt.Errorf("catalog: epoch end %d is not after start %d", end, ep.StartTime)
	}
	ep.EndTime = &end
	return nil
}

func (c *MemoryCatalog) Partitions(ctx context.Context, epochID int64) ([]Partition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.epochs[epochID]; !ok {
		return nil, fmt.Errorf("%w: id %d", ErrEpochNotFound, epochID)
	}
	ids := c.partitionsByEpoch[epochID]
	out := make([]Partition, 0, len(ids))
	for _, id := range ids {
		out = append(out, *c.partitions[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Range.Start < out[j].Range.Start })
	return out, nil
}

func (c *MemoryCatalog) Replicas(ctx context.Context, partitionID int64) ([]PartitionReplica, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.partitions[partitionID]; !ok {
		return nil, fmt.Errorf("%w: id %d", ErrPartitionNotFound, partitionID)
	}
	out := make([]PartitionReplica, len(c.replicas[partitionID]))
	copy(out, c.replicas[partitionID])
	sort.Slice(out, func(i, j int) bool { return out[i].ReplicaID < out[j].ReplicaID })
	return out, nil
}

func (c *MemoryCatalog) ChunkFor(ctx context.Context, partitionID int64, t int64) (*Chunk, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, id := range c.chunksByPartition[partitionID] {
		ch := c.chunks[id]
		if ch.Contains(t) {
			cp := *ch
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: partition %d, time %d", ErrChunkNotFound, partitionID, t)
}

func (c *MemoryCatalog) OpenChunks(ctx context.Context) ([]Chunk, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Chunk
	for _, ch := range c.chunks {
		if !ch.Closed {
			out = append(out, *ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *MemoryCatalog) CreateChunk(ctx context.Context, partitionID int64, start int64, end *int64, nodes []ChunkReplicaNode) (*Chunk, error) {
	if end != nil && *end <= start {
		return nil, fmt.Errorf("catalog: chunk end %d is not after start %d", *end, start)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.partitions[partitionID]; !ok {
		return nil, fmt.Errorf("%w: id %d", ErrPartitionNotFound, partitionID)
	}
	for _, id := range c.chunksByPartition[partitionID] {
		if existing := c.chunks[id]; windowsOverlap(existing.StartTime, existing.EndTime, start, end) {
			return nil, fmt.Errorf("catalog: chunk %d overlaps [%d, ...) in partition %d", existing.ID, start, partitionID)
		}
	}
	ch := &Chunk{ID: c.allocID(), PartitionID: partitionID, StartTime: start}
	if end != nil {
		e := *end
		ch.EndTime = &e
		ch.Closed = true
	}
	c.chunks[ch.ID] = ch
	c.chunksByPartition[partitionID] = append(c.chunksByPartition[partitionID], ch.ID)
	stored := make([]ChunkReplicaNode, len(nodes))
	for i, n := range nodes {
		n.ChunkID = ch.ID
		stored[i] = n
	}
	c.nodes[ch.ID] = stored
	cp := *ch
	return &cp, nil
}

func (c *MemoryCatalog) HasChunkAfter(ctx context.Context, partitionID int64, t int64) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.partitions[partitionID]; !ok {
		return false, fmt.Errorf("%w: id %d", ErrPartitionNotFound, partitionID)
	}
	for _, id := range c.chunksByPartition[partitionID] {
		if c.chunks[id].StartTime > t {
			return true, nil
		}
	}
	return false, nil
}

func (c *MemoryCatalog) CloseChunk(ctx context.Context, chunkID int64, end int64) (*Chunk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.chunks[chunkID]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrChunkNotFound, chunkID)
	}
	if ch.Closed {
		// Redundant close calls are expected; only a conflicting end time
		// is an error.
		if ch.EndTime != nil && *ch.EndTime == end {
			cp := *ch
			return &cp, nil
		}
		return nil, fmt.Errorf("%w: chunk %d", ErrChunkClosed, chunkID)
	}
	if end <= ch.StartTime {
		return nil, fmt.Errorf("catalog: chunk end %d is not after start %d", end, ch.StartTime)
	}
	ch.EndTime = &end
	ch.Closed = true
	cp := *ch
	return &cp, nil
}

func (c *MemoryCatalog) DeleteChunk(ctx context.Context, chunkID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.chunks[chunkID]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrChunkNotFound, chunkID)
	}
	delete(c.chunks, chunkID)
	delete(c.nodes, chunkID)
	ids := c.chunksByPartition[ch.PartitionID]
	for i, id := range ids {
		if id == chunkID {
			c.chunksByPartition[ch.PartitionID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (c *MemoryCatalog) ReplicaNodes(ctx context.Context, chunkID int64) ([]ChunkReplicaNode, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.chunks[chunkID]; !ok {
		return nil, fmt.Errorf("%w: id %d", ErrChunkNotFound, chunkID)
	}
	out := make([]ChunkReplicaNode, len(c.nodes[chunkID]))
	copy(out, c.nodes[chunkID])
	sort.Slice(out, func(i, j int) bool { return out[i].PartitionReplicaID < out[j].PartitionReplicaID })
	return out, nil
}

func (c *MemoryCatalog) Close() error { return nil }
