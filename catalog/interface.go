package catalog

import (
	"context"
	"errors"

	"github.com/INLOpen/nexusroute/core"
)

var (
	ErrHypertableNotFound = errors.New("catalog: hypertable not found")
	ErrHypertableExists   = errors.New("catalog: hypertable already exists")
	ErrEpochNotFound      = errors.New("catalog: epoch not found")
	ErrPartitionNotFound  = errors.New("catalog: partition not found")
	ErrChunkNotFound      = errors.New("catalog: chunk not found")
	ErrEpochOverlap       = errors.New("catalog: epoch time window overlaps an existing epoch")
	ErrOpenEpochExists    = errors.New("catalog: hypertable already has an open epoch")
	ErrBadPartitionTiling = errors.New("catalog: partition ranges do not exactly tile the keyspace")
	ErrChunkClosed        = errors.New("catalog: chunk is already closed with a different end time")
)

// Catalog is the lookup and creation surface the router depends on. All
// reads return snapshot-consistent copies; mutating operations are atomic.
type Catalog interface {
	// Hypertable looks up a hypertable by name.
	Hypertable(ctx context.Context, name string) (*Hypertable, error)
	// CreateHypertable registers a new hypertable.
	CreateHypertable(ctx context.Context, name string, schema *core.Schema, rootTarget core.Target) (*Hypertable, error)

	// Epochs returns a hypertable's epochs sorted by start time.
	Epochs(ctx context.Context, hypertableID int64) ([]Epoch, error)
	// CreateEpoch creates an epoch together with its partitions and the
	// partition replicas named by spec.ReplicaIDs. The epoch window must not
	// overlap existing epochs and the ranges must exactly tile
	// [0, modulus-1].
	CreateEpoch(ctx context.Context, hypertableID int64, spec EpochSpec) (*Epoch, []Partition, error)
	// CloseEpoch bounds an open epoch at end. Used by the external
	// repartitioning action.
	CloseEpoch(ctx context.Context, epochID int64, end int64) error

	// Partitions returns an epoch's partitions sorted by range start.
	Partitions(ctx context.Context, epochID int64) ([]Partition, error)
	// Replicas returns a partition's replicas sorted by replica id.
	Replicas(ctx context.Context, partitionID int64) ([]PartitionReplica, error)

	// ChunkFor returns the chunk of a partition whose time window covers t,
	// closed or open. Returns ErrChunkNotFound when none does.
	ChunkFor(ctx context.Context, partitionID int64, t int64) (*Chunk, error)
	// OpenChunks returns every open chunk, across all partitions.
	OpenChunks(ctx context.Context) ([]Chunk, error)
	// CreateChunk creates a chunk starting at start together with its
	// replica nodes, atomically. A nil end creates the partition's open
	// chunk; a non-nil end creates a chunk that is closed from the outset,
	// used when backfilling a time range that already has later chunks.
	// Node ChunkIDs are filled by the catalog. The chunk's window must not
	// overlap any existing chunk of the partition.
	CreateChunk(ctx context.Context, partitionID int64, start int64, end *int64, nodes []ChunkReplicaNode) (*Chunk, error)
	// HasChunkAfter reports whether the partition has any chunk starting
	// after t.
	HasChunkAfter(ctx context.Context, partitionID int64, t int64) (bool, error)
	// CloseChunk bounds a chunk at end and marks it closed. Closing an
	// already-closed chunk with the same end is a no-op.
	CloseChunk(ctx context.Context, chunkID int64, end int64) (*Chunk, error)
	// DeleteChunk removes a chunk and its replica nodes. Used by
	// out-of-band housekeeping and repartitioning tooling.
	DeleteChunk(ctx context.Context, chunkID int64) error

	// ReplicaNodes returns a chunk's replica nodes sorted by partition
	// replica id.
	ReplicaNodes(ctx context.Context, chunkID int64) ([]ChunkReplicaNode, error)

	// Close releases backend resources.
	Close() error
}
