package chunk

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/nexusroute/catalog"
	"github.com/INLOpen/nexusroute/internal/clock"
	"golang.org/x/sync/errgroup"
)

// maintenanceConcurrency bounds how many partitions a sweep closes at once.
const maintenanceConcurrency = 4

// Maintenance is the out-of-band chunk housekeeping collaborator. It
// periodically sweeps all open chunks and closes the ones whose time span is
// exceeded, using the same CloseIfNeeded path the write router uses.
type Maintenance struct {
	chunks   *Manager
	catalog  catalog.Catalog
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMaintenance creates a maintenance service sweeping every interval.
func NewMaintenance(chunks *Manager, cat catalog.Catalog, interval time.Duration, clk clock.Clock, logger *slog.Logger) *Maintenance {
	if clk == nil {
		clk = clock.SystemClockDefault
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Maintenance{
		chunks:   chunks,
		catalog:  cat,
		interval: interval,
		clock:    clk,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// RunSweep closes every over-age open chunk once and returns how many chunks
// it closed. Partitions are swept concurrently; each close still serializes
// on its partition's creation mutex.
func (s *Maintenance) RunSweep(ctx context.Context) (int, error) {
	open, err := s.catalog.OpenChunks(ctx)
	if err != nil {
		return 0, err
	}
	asOf := s.clock.Now().UnixNano()

	var closed atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maintenanceConcurrency)
	for _, ch := range open {
		ch := ch
		g.Go(func() error {
			before := ch
			after, err := s.chunks.CloseIfNeeded(ctx, &before, asOf)
			if err != nil {
				return err
			}
			if after != nil && after.Closed {
				closed.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(closed.Load()), err
	}
	n := int(closed.Load())
	if n > 0 {
		s.logger.Info("maintenance sweep closed chunks", "count", n)
	}
	return n, nil
}

// Start launches the periodic sweep loop.
func (s *Maintenance) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.RunSweep(ctx); err != nil {
					s.logger.Error("maintenance sweep failed", "error", err)
				}
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the loop and waits for an in-flight sweep to finish.
func (s *Maintenance) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}
