package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexusroute/core"
	_ "github.com/mattn/go-sqlite3"
)

// schemaSQL bootstraps the catalog tables. Kinds and flags are stored as
// integers; nullable end times as NULL.
var schemaSQL = []string{
	`CREATE TABLE IF NOT EXISTS hypertables (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		name          TEXT NOT NULL UNIQUE,
		root_endpoint TEXT NOT NULL,
		root_table    TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS hypertable_columns (
		hypertable_id INTEGER NOT NULL REFERENCES hypertables(id),
		pos           INTEGER NOT NULL,
		name          TEXT NOT NULL,
		kind          INTEGER NOT NULL,
		distinct_flag INTEGER NOT NULL,
		PRIMARY KEY (hypertable_id, pos)
	)`,
	`CREATE TABLE IF NOT EXISTS epochs (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		hypertable_id  INTEGER NOT NULL REFERENCES hypertables(id),
		partition_func INTEGER NOT NULL,
		column_name    TEXT NOT NULL,
		modulus        INTEGER NOT NULL,
		start_time     INTEGER NOT NULL,
		end_time       INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS partitions (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		epoch_id    INTEGER NOT NULL REFERENCES epochs(id),
		range_start INTEGER NOT NULL,
		range_end   INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS partition_replicas (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		partition_id INTEGER NOT NULL REFERENCES partitions(id),
		replica_id   INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS chunks (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		partition_id INTEGER NOT NULL REFERENCES partitions(id),
		start_time   INTEGER NOT NULL,
		end_time     INTEGER,
		closed       INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS chunk_replica_nodes (
		chunk_id             INTEGER NOT NULL REFERENCES chunks(id),
		partition_replica_id INTEGER NOT NULL REFERENCES partition_replicas(id),
		endpoint             TEXT NOT NULL,
		table_name           TEXT NOT NULL,
		PRIMARY KEY (chunk_id, partition_replica_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_epochs_table ON epochs(hypertable_id, start_time)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_partition ON chunks(partition_id, start_time)`,
}

// SQLCatalog implements Catalog on a SQLite database. A single-writer mutex
// serializes mutations; cross-process safety relies on SQLite's own locking.
type SQLCatalog struct {
	db     *sql.DB
	logger *slog.Logger
	mu     sync.Mutex
}

var _ Catalog = (*SQLCatalog)(nil)

// OpenSQLCatalog opens (or creates) a SQLite-backed catalog at dbPath.
func OpenSQLCatalog(dbPath string, logger *slog.Logger) (*SQLCatalog, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	c := &SQLCatalog{db: db, logger: logger}
	for _, stmt := range schemaSQL {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("catalog: failed to initialize schema: %w", err)
		}
	}
	return c, nil
}

func (c *SQLCatalog) Hypertable(ctx context.Context, name string) (*Hypertable, error) {
	var ht Hypertable
	err := c.db.QueryRowContext(ctx,
		`SELECT id, name, root_endpoint, root_table FROM hypertables WHERE name = ?`, name,
	).Scan(&ht.ID, &ht.Name, &ht.RootTarget.Endpoint, &ht.RootTarget.Table)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %q", ErrHypertableNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to query hypertable: %w", err)
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT name, kind, distinct_flag FROM hypertable_columns WHERE hypertable_id = ? ORDER BY pos`, ht.ID)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to query columns: %w", err)
	}
	defer rows.Close()

	var cols []core.Column
	for rows.Next() {
		var col core.Column
		var kind, distinct int
		if err := rows.Scan(&col.Name, &kind, &distinct); err != nil {
			return nil, fmt.Errorf("catalog: failed to scan column: %w", err)
		}
		col.Kind = core.ColumnKind(kind)
		col.Distinct = distinct != 0
		cols = append(cols, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: error iterating columns: %w", err)
	}
	schema, err := core.NewSchema(cols)
	if err != nil {
		return nil, fmt.Errorf("catalog: stored schema for %q is invalid: %w", name, err)
	}
	ht.Schema = schema
	return &ht, nil
}

func (c *SQLCatalog) CreateHypertable(ctx context.Context, name string, schema *core.Schema, rootTarget core.Target) (*Hypertable, error) {
	if schema == nil {
		return nil, fmt.Errorf("catalog: hypertable %q needs a schema", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM hypertables WHERE name = ?`, name).Scan(&exists)
	if err == nil {
		return nil, fmt.Errorf("%w: %q", ErrHypertableExists, name)
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("catalog: failed to check hypertable: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO hypertables (name, root_endpoint, root_table) VALUES (?, ?, ?)`,
		name, rootTarget.Endpoint, rootTarget.Table)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to insert hypertable: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to read hypertable id: %w", err)
	}
	for pos, col := range schema.Columns() {
		distinct := 0
		if col.Distinct {
			distinct = 1
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO hypertable_columns (hypertable_id, pos, name, kind, distinct_flag) VALUES (?, ?, ?, ?, ?)`,
			id, pos, col.Name, int(col.Kind), distinct); err != nil {
			return nil, fmt.Errorf("catalog: failed to insert column %q: %w", col.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("catalog: failed to commit hypertable: %w", err)
	}
	return &Hypertable{ID: id, Name: name, Schema: schema, RootTarget: rootTarget}, nil
}

func (c *SQLCatalog) Epochs(ctx context.Context, hypertableID int64) ([]Epoch, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, hypertable_id, partition_func, column_name, modulus, start_time, end_time
		 FROM epochs WHERE hypertable_id = ? ORDER BY start_time`, hypertableID)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to query epochs: %w", err)
	}
	defer rows.Close()

	var out []Epoch
	for rows.Next() {
		var ep Epoch
		var end sql.NullInt64
		if err := rows.Scan(&ep.ID, &ep.HypertableID, &ep.PartitionFunc, &ep.Column, &ep.Modulus, &ep.StartTime, &end); err != nil {
			return nil, fmt.Errorf("catalog: failed to scan epoch: %w", err)
		}
		if end.Valid {
			v := end.Int64
			ep.EndTime = &v
		}
		out = append(out, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: error iterating epochs: %w", err)
	}
	return out, nil
}

func (c *SQLCatalog) CreateEpoch(ctx context.Context, hypertableID int64, spec EpochSpec) (*Epoch, []Partition, error) {
	if err := validateEpochSpec(spec); err != nil {
		return nil, nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, err := c.Epochs(ctx, hypertableID)
	if err != nil {
		return nil, nil, err
	}
	for _, ep := range existing {
		if windowsOverlap(ep.StartTime, ep.EndTime, spec.StartTime, spec.EndTime) {
			return nil, nil, fmt.Errorf("%w: [%d, ...) vs epoch %d", ErrEpochOverlap, spec.StartTime, ep.ID)
		}
		if ep.EndTime == nil && spec.EndTime == nil {
			return nil, nil, ErrOpenEpochExists
		}
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("catalog: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var endArg any
	if spec.EndTime != nil {
		endArg = *spec.EndTime
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO epochs (hypertable_id, partition_func, column_name, modulus, start_time, end_time)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		hypertableID, spec.PartitionFunc, spec.Column, spec.Modulus, spec.StartTime, endArg)
	if err != nil {
		return nil, nil, fmt.Errorf("catalog: failed to insert epoch: %w", err)
	}
	epochID, err := res.LastInsertId()
	if err != nil {
		return nil, nil, fmt.Errorf("catalog: failed to read epoch id: %w", err)
	}

	parts := make([]Partition, 0, len(spec.Ranges))
	for _, r := range spec.Ranges {
		pres, err := tx.ExecContext(ctx,
			`INSERT INTO partitions (epoch_id, range_start, range_end) VALUES (?, ?, ?)`,
			epochID, r.Start, r.End)
		if err != nil {
			return nil, nil, fmt.Errorf("catalog: failed to insert partition: %w", err)
		}
		pid, err := pres.LastInsertId()
		if err != nil {
			return nil, nil, fmt.Errorf("catalog: failed to read partition id: %w", err)
		}
		for _, rid := range spec.ReplicaIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO partition_replicas (partition_id, replica_id) VALUES (?, ?)`,
				pid, rid); err != nil {
				return nil, nil, fmt.Errorf("catalog: failed to insert partition replica: %w", err)
			}
		}
		parts = append(parts, Partition{ID: pid, EpochID: epochID, Range: r})
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("catalog: failed to commit epoch: %w", err)
	}
	return &Epoch{
		ID:            epochID,
		HypertableID:  hypertableID,
		PartitionFunc: spec.PartitionFunc,
		Column:        spec.Column,
		Modulus:       spec.Modulus,
		StartTime:     spec.StartTime,
		EndTime:       spec.EndTime,
	}, parts, nil
}

func (c *SQLCatalog) CloseEpoch(ctx context.Context, epochID int64, end int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.db.ExecContext(ctx,
		`UPDATE epochs SET end_time = ? WHERE id = ? AND end_time IS NULL AND start_time < ?`,
		end, epochID, end)
	if err != nil {
		return fmt.Errorf("catalog: failed to close epoch %d: %w", epochID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Distinguish a missing epoch from an already-closed one.
		var existing sql.NullInt64
		err := c.db.QueryRowContext(ctx, `SELECT end_time FROM epochs WHERE id = ?`, epochID).Scan(&existing)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: id %d", ErrEpochNotFound, epochID)
		}
		if err != nil {
			return fmt.Errorf("catalog: failed to query epoch %d: %w", epochID, err)
		}
		if existing.Valid && existing.Int64 == end {
			return nil
		}
		return fmt.Errorf("catalog: epoch %d cannot be closed at %d", epochID, end)
	}
	return nil
}

func (c *SQLCatalog) Partitions(ctx context.Context, epochID int64) ([]Partition, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, epoch_id, range_start, range_end FROM partitions WHERE epoch_id = ? ORDER BY range_start`, epochID)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to query partitions: %w", err)
	}
	defer rows.Close()

	var out []Partition
	for rows.Next() {
		var p Partition
		if err := rows.Scan(&p.ID, &p.EpochID, &p.Range.Start, &p.Range.End); err != nil {
			return nil, fmt.Errorf("catalog: failed to scan partition: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: error iterating partitions: %w", err)
	}
	if out == nil {
		return nil, fmt.Errorf("%w: epoch %d", ErrEpochNotFound, epochID)
	}
	return out, nil
}

func (c *SQLCatalog) Replicas(ctx context.Context, partitionID int64) ([]PartitionReplica, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, partition_id, replica_id FROM partition_replicas WHERE partition_id = ? ORDER BY replica_id`, partitionID)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to query replicas: %w", err)
	}
	defer rows.Close()

	var out []PartitionReplica
	for rows.Next() {
		var pr PartitionReplica
		if err := rows.Scan(&pr.ID, &pr.PartitionID, &pr.ReplicaID); err != nil {
			return nil, fmt.Errorf("catalog: failed to scan replica: %w", err)
		}
		out = append(out, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: error iterating replicas: %w", err)
	}
	return out, nil
}

func (c *SQLCatalog) ChunkFor(ctx context.Context, partitionID int64, t int64) (*Chunk, error) {
	var ch Chunk
	var end sql.NullInt64
	var closed int
	err := c.db.QueryRowContext(ctx,
		`SELECT id, partition_id, start_time, end_time, closed FROM chunks
		 WHERE partition_id = ? AND start_time <= ? AND (end_time IS NULL OR end_time > ?)`,
		partitionID, t, t,
	).Scan(&ch.ID, &ch.PartitionID, &ch.StartTime, &end, &closed)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: partition %d, time %d", ErrChunkNotFound, partitionID, t)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to query chunk: %w", err)
	}
	if end.Valid {
		v := end.Int64
		ch.EndTime = &v
	}
	ch.Closed = closed != 0
	return &ch, nil
}

func (c *SQLCatalog) OpenChunks(ctx context.Context) ([]Chunk, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, partition_id, start_time, end_time, closed FROM chunks WHERE closed = 0 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to query open chunks: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var ch Chunk
		var end sql.NullInt64
		var closed int
		if err := rows.Scan(&ch.ID, &ch.PartitionID, &ch.StartTime, &end, &closed); err != nil {
			return nil, fmt.Errorf("catalog: failed to scan chunk: %w", err)
		}
		if end.Valid {
			v := end.Int64
			ch.EndTime = &v
		}
		ch.Closed = closed != 0
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: error iterating chunks: %w", err)
	}
	return out, nil
}

func (c *SQLCatalog) CreateChunk(ctx context.Context, partitionID int64, start int64, end *int64, nodes []ChunkReplicaNode) (*Chunk, error) {
	if end != nil && *end <= start {
		return nil, fmt.Errorf("catalog: chunk end %d is not after start %d", *end, start)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Full interval overlap: an unbounded window overlaps everything from its
	// start on.
	var endArg any
	if end != nil {
		endArg = *end
	}
	var clash int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM chunks
		 WHERE partition_id = ?
		   AND (end_time IS NULL OR end_time > ?)
		   AND (? IS NULL OR start_time < ?)`,
		partitionID, start, endArg, endArg).Scan(&clash)
	if err == nil {
		return nil, fmt.Errorf("catalog: chunk %d overlaps [%d, ...) in partition %d", clash, start, partitionID)
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("catalog: failed to check chunk overlap: %w", err)
	}

	closed := 0
	if end != nil {
		closed = 1
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO chunks (partition_id, start_time, end_time, closed) VALUES (?, ?, ?, ?)`,
		partitionID, start, endArg, closed)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to insert chunk: %w", err)
	}
	chunkID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to read chunk id: %w", err)
	}
	for _, n := range nodes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunk_replica_nodes (chunk_id, partition_replica_id, endpoint, table_name) VALUES (?, ?, ?, ?)`,
			chunkID, n.PartitionReplicaID, n.Target.Endpoint, n.Target.Table); err != nil {
			return nil, fmt.Errorf("catalog: failed to insert chunk replica node: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("catalog: failed to commit chunk: %w", err)
	}
	ch := &Chunk{ID: chunkID, PartitionID: partitionID, StartTime: start}
	if end != nil {
		e := *end
		ch.EndTime = &e
		ch.Closed = true
	}
	return ch, nil
}

func (c *SQLCatalog) HasChunkAfter(ctx context.Context, partitionID int64, t int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var one int
	err := c.db.QueryRowContext(ctx,
		`SELECT 1 FROM partitions WHERE id = ?`, partitionID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("%w: id %d", ErrPartitionNotFound, partitionID)
	}
	if err != nil {
		return false, fmt.Errorf("catalog: failed to query partition: %w", err)
	}

	var exists int
	err = c.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM chunks WHERE partition_id = ? AND start_time > ?)`,
		partitionID, t).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("catalog: failed to check later chunks: %w", err)
	}
	return exists != 0, nil
}

func (c *SQLCatalog) CloseChunk(ctx context.Context, chunkID int64, end int64) (*Chunk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ch Chunk
	var existingEnd sql.NullInt64
	var closed int
	err := c.db.QueryRowContext(ctx,
		`SELECT id, partition_id, start_time, end_time, closed FROM chunks WHERE id = ?`, chunkID,
	).Scan(&ch.ID, &ch.PartitionID, &ch.StartTime, &existingEnd, &closed)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: id %d", ErrChunkNotFound, chunkID)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to query chunk: %w", err)
	}
	if closed != 0 {
		if existingEnd.Valid && existingEnd.Int64 == end {
			v := existingEnd.Int64
			ch.EndTime = &v
			ch.Closed = true
			return &ch, nil
		}
		return nil, fmt.Errorf("%w: chunk %d", ErrChunkClosed, chunkID)
	}
	if end <= ch.StartTime {
		return nil, fmt.Errorf("catalog: chunk end %d is not after start %d", end, ch.StartTime)
	}
	if _, err := c.db.ExecContext(ctx,
		`UPDATE chunks SET end_time = ?, closed = 1 WHERE id = ?`, end, chunkID); err != nil {
		return nil, fmt.Errorf("catalog: failed to close chunk %d: %w", chunkID, err)
	}
	ch.EndTime = &end
	ch.Closed = true
	return &ch, nil
}

func (c *SQLCatalog) DeleteChunk(ctx context.Context, chunkID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunk_replica_nodes WHERE chunk_id = ?`, chunkID); err != nil {
		return fmt.Errorf("catalog: failed to delete chunk replica nodes: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE id = ?`, chunkID)
	if err != nil {
		return fmt.Errorf("catalog: failed to delete chunk: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: id %d", ErrChunkNotFound, chunkID)
	}
	return tx.Commit()
}

func (c *SQLCatalog) ReplicaNodes(ctx context.Context, chunkID int64) ([]ChunkReplicaNode, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT chunk_id, partition_replica_id, endpoint, table_name
		 FROM chunk_replica_nodes WHERE chunk_id = ? ORDER BY partition_replica_id`, chunkID)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to query chunk replica nodes: %w", err)
	}
	defer rows.Close()

	var out []ChunkReplicaNode
	for rows.Next() {
		var n ChunkReplicaNode
		if err := rows.Scan(&n.ChunkID, &n.PartitionReplicaID, &n.Target.Endpoint, &n.Target.Table); err != nil {
			return nil, fmt.Errorf("catalog: failed to scan chunk replica node: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: error iterating chunk replica nodes: %w", err)
	}
	return out, nil
}

func (c *SQLCatalog) Close() error {
	return c.db.Close()
}
