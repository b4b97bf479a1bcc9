// Package replica defines the boundary to the physical replica layer: how
// partition replicas map to physical targets and how row batches are applied
// to them. Endpoint provisioning itself lives outside this module; the
// in-memory NodeStore stands in for it in tests and single-process
// deployments.
package replica

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/INLOpen/nexusroute/core"
)

var ErrTargetNotAssigned = errors.New("replica: no physical target assigned")

// TargetResolver supplies the physical target for a partition replica. It is
// consulted once per replica at chunk-creation time; the result is stored on
// the chunk's replica node.
type TargetResolver interface {
	Resolve(ctx context.Context, partitionReplicaID int64) (core.Target, error)
}

// Sink applies a row batch to one physical target. Implementations must be
// atomic per call: either every row of the batch lands or none does.
type Sink interface {
	ApplyBatch(ctx context.Context, target core.Target, schema *core.Schema, rows []core.Row) error
}

// Deleter removes previously applied rows from a target. The router uses it
// to undo fan-out when the enclosing unit of work rolls back.
type Deleter interface {
	DeleteBatch(ctx context.Context, target core.Target, rows []core.Row) error
}

// NodeStore is an in-memory Sink, Deleter and TargetResolver. Rows are kept
// per target so tests can assert on replica contents.
type NodeStore struct {
	mu      sync.RWMutex
	targets map[int64]core.Target // partition replica id -> target
	tables  map[core.Target][]core.Row
}

var (
	_ Sink           = (*NodeStore)(nil)
	_ Deleter        = (*NodeStore)(nil)
	_ TargetResolver = (*NodeStore)(nil)
)

// NewNodeStore creates an empty node store.
func NewNodeStore() *NodeStore {
	return &NodeStore{
		targets: make(map[int64]core.Target),
		tables:  make(map[core.Target][]core.Row),
	}
}

// AssignTarget binds a partition replica to a physical target. Stands in for
// the provisioning service.
func (s *NodeStore) AssignTarget(partitionReplicaID int64, t core.Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[partitionReplicaID] = t
}

func (s *NodeStore) Resolve(ctx context.Context, partitionReplicaID int64) (core.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[partitionReplicaID]
	if !ok {
		return core.Target{}, fmt.Errorf("%w: partition replica %d", ErrTargetNotAssigned, partitionReplicaID)
	}
	return t, nil
}

func (s *NodeStore) ApplyBatch(ctx context.Context, target core.Target, schema *core.Schema, rows []core.Row) error {
	if schema != nil {
		for _, r := range rows {
			if err := schema.ValidateRow(r); err != nil {
				return fmt.Errorf("replica: batch rejected by target %s: %w", target, err)
			}
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		cp := make(core.Row, len(r))
		copy(cp, r)
		s.tables[target] = append(s.tables[target], cp)
	}
	return nil
}

// DeleteBatch removes one occurrence of each given row from the target,
// scanning from the tail so the most recent insertion is undone first.
func (s *NodeStore) DeleteBatch(ctx context.Context, target core.Target, rows []core.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.tables[target]
	for _, r := range rows {
		for i := len(stored) - 1; i >= 0; i-- {
			if reflect.DeepEqual(stored[i], r) {
				stored = append(stored[:i], stored[i+1:]...)
				break
			}
		}
	}
	s.tables[target] = stored
	return nil
}

// Rows returns a copy of the rows stored at a target.
func (s *NodeStore) Rows(target core.Target) []core.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Row, len(s.tables[target]))
	copy(out, s.tables[target])
	return out
}

// Targets returns every target that has received at least one row.
func (s *NodeStore) Targets() []core.Target {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Target, 0, len(s.tables))
	for t := range s.tables {
		out = append(out, t)
	}
	return out
}
