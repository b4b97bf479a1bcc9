package catalog

import "fmt"

// validateEpochSpec checks an epoch spec against the catalog invariants that
// can be verified without looking at other epochs: a positive modulus and a
// partition tiling with no gaps and no overlaps over [0, modulus-1].
func validateEpochSpec(spec EpochSpec) error {
	if spec.Modulus == 0 {
		return fmt.Errorf("catalog: epoch modulus must be positive")
	}
	if spec.EndTime != nil && *spec.EndTime <= spec.StartTime {
		return fmt.Errorf("catalog: epoch end time %d is not after start time %d", *spec.EndTime, spec.StartTime)
	}
	if len(spec.Ranges) == 0 {
		return fmt.Errorf("%w: no ranges", ErrBadPartitionTiling)
	}
	if spec.Ranges[0].Start != 0 {
		return fmt.Errorf("%w: first range starts at %d, not 0", ErrBadPartitionTiling, spec.Ranges[0].Start)
	}
	for i, r := range spec.Ranges {
		if r.End < r.Start {
			return fmt.Errorf("%w: range %d is inverted [%d, %d]", ErrBadPartitionTiling, i, r.Start, r.End)
		}
		if i > 0 {
			prev := spec.Ranges[i-1]
			if r.Start != prev.End+1 {
				return fmt.Errorf("%w: range %d starts at %d, previous ends at %d", ErrBadPartitionTiling, i, r.Start, prev.End)
			}
		}
	}
	if last := spec.Ranges[len(spec.Ranges)-1]; last.End != spec.Modulus-1 {
		return fmt.Errorf("%w: last range ends at %d, modulus is %d", ErrBadPartitionTiling, last.End, spec.Modulus)
	}
	if len(spec.ReplicaIDs) == 0 {
		return fmt.Errorf("catalog: epoch needs at least one replica")
	}
	seen := make(map[int64]struct{}, len(spec.ReplicaIDs))
	for _, id := range spec.ReplicaIDs {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("catalog: duplicate replica id %d", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// windowsOverlap reports whether two [start, end) time windows intersect. A
// nil end is treated as unbounded. Used for both epoch and chunk windows.
func windowsOverlap(aStart int64, aEnd *int64, bStart int64, bEnd *int64) bool {
	if aEnd != nil && *aEnd <= bStart {
		return false
	}
	if bEnd != nil && *bEnd <= aStart {
		return false
	}
	return true
}
