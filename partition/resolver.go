package partition

import (
	"sort"

	"github.com/INLOpen/nexusroute/catalog"
	"github.com/INLOpen/nexusroute/core"
)

// ResolveEpoch returns the unique epoch whose [start, end) window contains t.
// epochs must be sorted by start time with pairwise non-overlapping windows,
// which is what catalog.Epochs returns. A miss means the catalog is
// inconsistent and is reported as EpochNotFoundError.
func ResolveEpoch(hypertableID int64, epochs []catalog.Epoch, t int64) (*catalog.Epoch, error) {
	// First epoch starting after t; the candidate is the one before it.
	idx := sort.Search(len(epochs), func(i int) bool {
		return epochs[i].StartTime > t
	})
	if idx == 0 {
		return nil, &core.EpochNotFoundError{HypertableID: hypertableID, Timestamp: t}
	}
	ep := epochs[idx-1]
	if !ep.Contains(t) {
		return nil, &core.EpochNotFoundError{HypertableID: hypertableID, Timestamp: t}
	}
	return &ep, nil
}

// KeyHash computes the partition coordinate of a key under an epoch's
// partitioning function and modulus.
func KeyHash(ep *catalog.Epoch, key core.Value) (uint32, error) {
	f, err := FuncByID(ep.PartitionFunc)
	if err != nil {
		return 0, err
	}
	return f(key) % ep.Modulus, nil
}

// ResolvePartition returns the partition whose inclusive range contains the
// hashed key. partitions must be sorted by range start, which is what
// catalog.Partitions returns. A miss signals catalog corruption; under a
// consistent catalog the ranges tile the full keyspace.
func ResolvePartition(ep *catalog.Epoch, partitions []catalog.Partition, key core.Value) (*catalog.Partition, error) {
	h, err := KeyHash(ep, key)
	if err != nil {
		return nil, err
	}
	idx := sort.Search(len(partitions), func(i int) bool {
		return partitions[i].Range.End >= h
	})
	if idx == len(partitions) || !partitions[idx].Range.Contains(h) {
		return nil, &core.PartitionNotFoundError{EpochID: ep.ID, KeyHash: h}
	}
	p := partitions[idx]
	return &p, nil
}
