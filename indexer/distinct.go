// Package indexer maintains the per-replica distinct-value side indexes: for
// every hypertable column flagged distinct, one deduplicated table of
// observed values per replica.
package indexer

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/INLOpen/nexusroute/core"
	"github.com/INLOpen/nexusroute/hooks"
	"github.com/RoaringBitmap/roaring/roaring64"
)

// indexKey identifies one side table: a replica and a column.
type indexKey struct {
	ReplicaID int64
	Column    string
}

// valueSet interns canonical value strings to dense ids and tracks membership
// in a roaring bitmap. Interning keeps the bitmap small and makes membership
// checks allocation-free after the first observation.
type valueSet struct {
	ids     map[string]uint64
	nextID  uint64
	present *roaring64.Bitmap
}

func newValueSet() *valueSet {
	return &valueSet{
		ids:     make(map[string]uint64),
		nextID:  1,
		present: roaring64.New(),
	}
}

// DistinctIndex is the in-memory distinct-value index, one valueSet per
// (replica, column). Inserts are insert-if-absent: observing a value twice
// is not an error and leaves a single entry.
type DistinctIndex struct {
	mu     sync.RWMutex
	sets   map[indexKey]*valueSet
	logger *slog.Logger
	hooks  hooks.HookManager
}

// NewDistinctIndex creates an empty distinct index. logger and hookManager
// may be nil.
func NewDistinctIndex(logger *slog.Logger, hookManager hooks.HookManager) *DistinctIndex {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DistinctIndex{
		sets:   make(map[indexKey]*valueSet),
		logger: logger,
		hooks:  hookManager,
	}
}

// UpsertBatch records the given values for one (replica, column) side table
// and returns the canonical strings that were newly added, for undo by the
// caller's unit of work. Values are deduplicated and inserted in sorted
// order; ordering affects storage layout only, never correctness. Nil values
// are skipped.
func (d *DistinctIndex) UpsertBatch(ctx context.Context, replicaID int64, column string, values []core.Value) []string {
	if len(values) == 0 {
		return nil
	}
	canon := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v == nil {
			continue
		}
		s := core.FormatValue(v)
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		canon = append(canon, s)
	}
	sort.Strings(canon)

	d.mu.Lock()
	key := indexKey{ReplicaID: replicaID, Column: column}
	set, ok := d.sets[key]
	if !ok {
		set = newValueSet()
		d.sets[key] = set
	}
	var added []string
	for _, s := range canon {
		if _, exists := set.ids[s]; exists {
			continue
		}
		id := set.nextID
		set.nextID++
		set.ids[s] = id
		set.present.Add(id)
		added = append(added, s)
	}
	d.mu.Unlock()

	if len(added) > 0 {
		d.logger.Debug("distinct values created", "replica", replicaID, "column", column, "count", len(added))
		if d.hooks != nil {
			d.hooks.Trigger(ctx, hooks.NewDistinctValueCreateEvent(hooks.DistinctValueCreatePayload{
				ReplicaID: replicaID,
				Column:    column,
				Values:    added,
			}))
		}
	}
	return added
}

// Remove deletes previously added canonical values from a side table. Used
// only to undo an UpsertBatch on rollback.
func (d *DistinctIndex) Remove(replicaID int64, column string, values []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.sets[indexKey{ReplicaID: replicaID, Column: column}]
	if !ok {
		return
	}
	for _, s := range values {
		if id, exists := set.ids[s]; exists {
			set.present.Remove(id)
			delete(set.ids, s)
		}
	}
}

// Has reports whether a value has been observed for a (replica, column).
func (d *DistinctIndex) Has(replicaID int64, column string, value core.Value) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	set, ok := d.sets[indexKey{ReplicaID: replicaID, Column: column}]
	if !ok {
		return false
	}
	id, exists := set.ids[core.FormatValue(value)]
	return exists && set.present.Contains(id)
}

// Cardinality returns the number of distinct values observed for a
// (replica, column).
func (d *DistinctIndex) Cardinality(replicaID int64, column string) uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	set, ok := d.sets[indexKey{ReplicaID: replicaID, Column: column}]
	if !ok {
		return 0
	}
	return set.present.GetCardinality()
}

// Values returns the observed values for a (replica, column) in sorted
// order.
func (d *DistinctIndex) Values(replicaID int64, column string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	set, ok := d.sets[indexKey{ReplicaID: replicaID, Column: column}]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set.ids))
	for s := range set.ids {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
