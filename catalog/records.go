// Package catalog holds the routing metadata of hypertables: epochs,
// partitions, partition replicas, chunks and chunk replica nodes. Two
// backends are provided, an in-memory one and a SQLite-backed one; both are
// expected to be transactionally consistent with the router's unit of work.
package catalog

import "github.com/INLOpen/nexusroute/core"

// Hypertable is a logical table partitioned by time and key.
type Hypertable struct {
	ID     int64
	Name   string
	Schema *core.Schema
	// RootTarget receives rows whose time value is null; such rows bypass
	// epoch/partition/chunk resolution entirely.
	RootTarget core.Target
}

// Epoch is a time-bounded partitioning scheme active for a hypertable: a
// partitioning function, a column and a modulus, valid for [StartTime,
// EndTime). A nil EndTime means the epoch is open.
type Epoch struct {
	ID            int64
	HypertableID  int64
	PartitionFunc int
	Column        string
	Modulus       uint32
	StartTime     int64
	EndTime       *int64
}

// Contains reports whether t falls inside the epoch's time window.
func (e *Epoch) Contains(t int64) bool {
	if t < e.StartTime {
		return false
	}
	return e.EndTime == nil || t < *e.EndTime
}

// KeyRange is an inclusive range over the hashed keyspace.
type KeyRange struct {
	Start uint32
	End   uint32
}

// Contains reports whether h falls inside the range.
func (r KeyRange) Contains(h uint32) bool {
	return h >= r.Start && h <= r.End
}

// Partition is a keyspace-range shard active within one epoch.
type Partition struct {
	ID      int64
	EpochID int64
	Range   KeyRange
}

// PartitionReplica identifies one physical copy set of a partition.
type PartitionReplica struct {
	ID          int64
	PartitionID int64
	ReplicaID   int64
}

// Chunk is a time-bounded storage segment within one partition. A nil
// EndTime means the chunk is open. Once closed, the time range is immutable;
// closed chunks still accept late rows that fall inside their range.
type Chunk struct {
	ID          int64
	PartitionID int64
	StartTime   int64
	EndTime     *int64
	Closed      bool
}

// Contains reports whether t falls inside the chunk's [StartTime, EndTime)
// window.
func (c *Chunk) Contains(t int64) bool {
	if t < c.StartTime {
		return false
	}
	return c.EndTime == nil || t < *c.EndTime
}

// ChunkReplicaNode binds one chunk to one partition replica's physical
// target. Exactly one node exists per (chunk, partition replica).
type ChunkReplicaNode struct {
	ChunkID            int64
	PartitionReplicaID int64
	Target             core.Target
}

// EpochSpec describes an epoch to create, together with its partition
// tiling and the replica ids provisioned for every partition.
type EpochSpec struct {
	PartitionFunc int
	Column        string
	Modulus       uint32
	StartTime     int64
	EndTime       *int64
	Ranges        []KeyRange
	ReplicaIDs    []int64
}
