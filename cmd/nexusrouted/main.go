// nexusrouted is a small demonstration host for the write-path router: it
// wires a catalog backend, chunk manager, replica node store and router from
// a YAML config, provisions a sample hypertable, and routes a batch of rows.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/INLOpen/nexusroute/catalog"
	"github.com/INLOpen/nexusroute/chunk"
	"github.com/INLOpen/nexusroute/config"
	"github.com/INLOpen/nexusroute/core"
	"github.com/INLOpen/nexusroute/hooks"
	"github.com/INLOpen/nexusroute/indexer"
	"github.com/INLOpen/nexusroute/internal/clock"
	"github.com/INLOpen/nexusroute/replica"
	"github.com/INLOpen/nexusroute/router"
	"github.com/INLOpen/nexusroute/staging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "nexusrouted:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config (optional)")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	logger, err := cfg.BuildLogger()
	if err != nil {
		return err
	}

	var cat catalog.Catalog
	switch cfg.Catalog.Backend {
	case "sqlite":
		sqlCat, err := catalog.OpenSQLCatalog(cfg.Catalog.Path, logger)
		if err != nil {
			return err
		}
		cat = sqlCat
	default:
		cat = catalog.NewMemoryCatalog(logger)
	}
	defer cat.Close()

	chunkDuration, err := cfg.ChunkDuration()
	if err != nil {
		return err
	}
	sweepInterval, err := cfg.MaintenanceInterval()
	if err != nil {
		return err
	}

	hookManager := hooks.NewHookManager(logger)
	nodes := replica.NewNodeStore()
	chunks, err := chunk.NewManager(chunk.Options{
		Catalog:       cat,
		Targets:       nodes,
		ChunkDuration: chunkDuration.Nanoseconds(),
		Logger:        logger,
		HookManager:   hookManager,
	})
	if err != nil {
		return err
	}

	metrics := router.NewRouterMetrics(cfg.Metrics.PublishExpvars, cfg.Metrics.Prefix)
	rt, err := router.New(router.Options{
		Catalog:       cat,
		Chunks:        chunks,
		Sink:          nodes,
		Deleter:       nodes,
		DistinctIndex: indexer.NewDistinctIndex(logger, hookManager),
		HookManager:   hookManager,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		return err
	}

	ctx := context.Background()
	maint := chunk.NewMaintenance(chunks, cat, sweepInterval, clock.SystemClockDefault, logger)
	maint.Start(ctx)
	defer maint.Stop()

	// Provision a sample hypertable with two key-range partitions and the
	// configured number of replicas per partition.
	schema := core.MustSchema([]core.Column{
		{Name: "time", Kind: core.KindTime},
		{Name: "device", Kind: core.KindKey, Distinct: true},
		{Name: "temperature", Kind: core.KindValue},
	})
	ht, err := cat.CreateHypertable(ctx, "conditions", schema, core.Target{Endpoint: "local", Table: "conditions_root"})
	if err != nil {
		return err
	}
	replicaIDs := make([]int64, cfg.Replication.DefaultReplicaCount)
	for i := range replicaIDs {
		replicaIDs[i] = int64(i)
	}
	_, parts, err := cat.CreateEpoch(ctx, ht.ID, catalog.EpochSpec{
		PartitionFunc: 1,
		Column:        "device",
		Modulus:       1000,
		StartTime:     0,
		Ranges: []catalog.KeyRange{
			{Start: 0, End: 499},
			{Start: 500, End: 999},
		},
		ReplicaIDs: replicaIDs,
	})
	if err != nil {
		return err
	}
	for _, p := range parts {
		prs, err := cat.Replicas(ctx, p.ID)
		if err != nil {
			return err
		}
		for _, pr := range prs {
			nodes.AssignTarget(pr.ID, core.Target{
				Endpoint: fmt.Sprintf("node-%d", pr.ReplicaID),
				Table:    fmt.Sprintf("conditions_p%d_r%d", p.ID, pr.ReplicaID),
			})
		}
	}

	// Route a demo batch.
	buf := staging.New(hookManager)
	now := time.Now().UnixNano()
	buf.Add(
		core.Row{now, "device-1", 21.5},
		core.Row{now, "device-2", 19.0},
		core.Row{now + int64(time.Second), "device-1", 21.7},
	)
	uow := router.NewUnitOfWork()
	if err := rt.Insert(ctx, uow, "conditions", buf); err != nil {
		if rbErr := uow.Rollback(ctx); rbErr != nil {
			logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := uow.Commit(); err != nil {
		return err
	}

	for _, t := range nodes.Targets() {
		fmt.Printf("%s: %d rows\n", t, len(nodes.Rows(t)))
	}
	fmt.Printf("staging remaining: %d\n", buf.Len())
	return nil
}
