package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/INLOpen/nexusroute/core"
)

// EventType defines the type of a hook event.
type EventType string

const (
	// Insert lifecycle events.
	EventPreInsertBatch  EventType = "PreInsertBatch"
	EventPostInsertBatch EventType = "PostInsertBatch"

	// Chunk lifecycle events.
	EventOnChunkCreate EventType = "OnChunkCreate"
	EventOnChunkClose  EventType = "OnChunkClose"

	// Staging events. Row removals performed internally by the fan-out
	// router are suppressed and never reach listeners; only user-issued
	// deletions trigger this event.
	EventOnStagingRowRemove EventType = "OnStagingRowRemove"

	// Distinct-index events.
	EventOnDistinctValueCreate EventType = "OnDistinctValueCreate"
)

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event. A "Pre"
	// event listener returning an error cancels the operation.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// PreInsertBatchPayload carries the data for a PreInsertBatch event. Rows is
// a pointer so listeners can rewrite the batch before routing.
type PreInsertBatchPayload struct {
	Hypertable string
	Rows       *[]core.Row
}

// NewPreInsertBatchEvent creates an event fired before a batch is routed.
func NewPreInsertBatchEvent(payload PreInsertBatchPayload) HookEvent {
	return &BaseEvent{eventType: EventPreInsertBatch, payload: payload}
}

// PostInsertBatchPayload carries the data for a PostInsertBatch event,
// including the final error state of the insert.
type PostInsertBatchPayload struct {
	Hypertable string
	RowsRouted int
	Error      error
}

// NewPostInsertBatchEvent creates an event fired after a batch insert ends.
func NewPostInsertBatchEvent(payload PostInsertBatchPayload) HookEvent {
	return &BaseEvent{eventType: EventPostInsertBatch, payload: payload}
}

// ChunkCreatePayload carries the identity of a freshly created chunk and its
// replica node count.
type ChunkCreatePayload struct {
	ChunkID     int64
	PartitionID int64
	StartTime   int64
	Replicas    int
}

// NewChunkCreateEvent creates an event fired after a chunk is created.
func NewChunkCreateEvent(payload ChunkCreatePayload) HookEvent {
	return &BaseEvent{eventType: EventOnChunkCreate, payload: payload}
}

// ChunkClosePayload carries the identity of a chunk that was just closed.
type ChunkClosePayload struct {
	ChunkID     int64
	PartitionID int64
	StartTime   int64
	EndTime     int64
}

// NewChunkCloseEvent creates an event fired after a chunk is closed.
func NewChunkCloseEvent(payload ChunkClosePayload) HookEvent {
	return &BaseEvent{eventType: EventOnChunkClose, payload: payload}
}

// StagingRowRemovePayload carries rows removed from the staging buffer by a
// user-issued deletion.
type StagingRowRemovePayload struct {
	Rows []core.Row
}

// NewStagingRowRemoveEvent creates an event fired when staged rows are
// removed outside an internal fan-out move.
func NewStagingRowRemoveEvent(payload StagingRowRemovePayload) HookEvent {
	return &BaseEvent{eventType: EventOnStagingRowRemove, payload: payload}
}

// DistinctValueCreatePayload carries newly observed distinct values for one
// (replica, column) side index.
type DistinctValueCreatePayload struct {
	ReplicaID int64
	Column    string
	Values    []string
}

// NewDistinctValueCreateEvent creates an event fired when a distinct index
// gains new values.
func NewDistinctValueCreateEvent(payload DistinctValueCreatePayload) HookEvent {
	return &BaseEvent{eventType: EventOnDistinctValueCreate, payload: payload}
}

// HookListener defines the interface for components that want to listen to events.
type HookListener interface {
	// OnEvent is called by the HookManager when a registered event is
	// triggered. Returning an error from a "Pre" hook cancels the operation.
	// Errors from "Post"/"On" hooks are logged without affecting it.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority returns the listener's priority. Lower numbers run first.
	Priority() int

	// IsAsync indicates if the listener should be called asynchronously for
	// non-Pre events.
	IsAsync() bool
}

// FuncListener adapts a plain function into a synchronous HookListener.
type FuncListener struct {
	Fn   func(ctx context.Context, event HookEvent) error
	Prio int
}

func (l FuncListener) OnEvent(ctx context.Context, event HookEvent) error { return l.Fn(ctx, event) }
func (l FuncListener) Priority() int                                      { return l.Prio }
func (l FuncListener) IsAsync() bool                                      { return false }

// listenerWithPriority wraps a listener with its priority.
type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// The map stores slices of listeners, kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger,
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{
		listener: listener,
		priority: listener.Priority(),
	}

	l := m.listeners[eventType]
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority >= item.priority
	})
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item
	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners, ok := m.listeners[event.Type()]
	m.mu.RUnlock()

	if !ok || len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		// Pre-hooks must be synchronous to allow for cancellation.
		if isPreHook || !item.listener.IsAsync() {
			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
		} else {
			m.wg.Add(1)
			go func(currentItem *listenerWithPriority) {
				defer m.wg.Done()
				if err := currentItem.listener.OnEvent(ctx, event); err != nil {
					m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", currentItem.priority, "error", err)
				}
			}(item)
		}
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}
