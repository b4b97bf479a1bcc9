// Package staging implements the ephemeral buffer that holds newly submitted
// rows until the router fans them out to their replica targets.
package staging

import (
	"context"
	"sync"

	"github.com/INLOpen/nexusroute/core"
	"github.com/INLOpen/nexusroute/hooks"
)

// Buffer is an ordered, ephemeral row store. The router drains it group by
// group in scan order; removal by the router is "internal" and does not fire
// the staging-row-remove hook, so listeners only see user-issued deletions.
type Buffer struct {
	mu    sync.Mutex
	rows  []core.Row
	hooks hooks.HookManager
}

// New creates an empty buffer. hookManager may be nil.
func New(hookManager hooks.HookManager) *Buffer {
	return &Buffer{hooks: hookManager}
}

// Add appends rows to the buffer in submission order.
func (b *Buffer) Add(rows ...core.Row) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows = append(b.rows, rows...)
}

// Len returns the number of rows still staged.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rows)
}

// Peek returns the first staged row without removing it.
func (b *Buffer) Peek() (core.Row, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.rows) == 0 {
		return nil, false
	}
	return b.rows[0], true
}

// Matching returns the rows matching pred, in scan order, without removing
// them. The fan-out router re-evaluates the predicate per replica through
// this method.
func (b *Buffer) Matching(pred core.RowPredicate) []core.Row {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []core.Row
	for _, r := range b.rows {
		if pred(r) {
			out = append(out, r)
		}
	}
	return out
}

// TakeMatching removes and returns all rows matching pred, preserving scan
// order. When internal is true the removal is a router-internal move and the
// staging-row-remove hook is suppressed.
func (b *Buffer) TakeMatching(ctx context.Context, pred core.RowPredicate, internal bool) []core.Row {
	b.mu.Lock()
	var taken []core.Row
	kept := b.rows[:0]
	for _, r := range b.rows {
		if pred(r) {
			taken = append(taken, r)
		} else {
			kept = append(kept, r)
		}
	}
	b.rows = kept
	b.mu.Unlock()

	if !internal && len(taken) > 0 && b.hooks != nil {
		b.hooks.Trigger(ctx, hooks.NewStagingRowRemoveEvent(hooks.StagingRowRemovePayload{Rows: taken}))
	}
	return taken
}

// TakeAll removes and returns every staged row.
func (b *Buffer) TakeAll(ctx context.Context, internal bool) []core.Row {
	return b.TakeMatching(ctx, func(core.Row) bool { return true }, internal)
}

// Restore puts rows back at the front of the buffer, before any rows staged
// since they were taken. Used to undo an internal move on rollback.
func (b *Buffer) Restore(rows []core.Row) {
	if len(rows) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	restored := make([]core.Row, 0, len(rows)+len(b.rows))
	restored = append(restored, rows...)
	restored = append(restored, b.rows...)
	b.rows = restored
}
