// Package audit is the durable Postgres-backed history this control plane
// keeps beside its in-memory state: the cluster-roll diff log, NPU recovery
// incident history, and periodic long-term snapshots of the Metrics
// Aggregator's request counters. None of these are read back onto the hot
// path — they exist so an operator can ask "what happened to instance 7
// last Tuesday" after the in-memory state has moved on.
package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is a pgxpool-backed sink for the three append-only record kinds
// this control plane wants durable history for. Grounded in the teacher's
// PostgresStore (store/postgres.go): a pooled connection, upsert/insert
// helpers, no ORM.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres and verifies the connection, mirroring the
// teacher's NewPostgresStore pool-tuning and Ping-on-construct pattern.
func Open(ctx context.Context, connString string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// RollEvent is one entry in the cluster-roll audit log (spec §4.2 Roll).
type RollEvent struct {
	AtNS    int64
	Added   []uint64
	Removed []uint64
}

// RecordRoll appends one Roll outcome to the audit log.
func (s *Store) RecordRoll(ctx context.Context, e RollEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cluster_roll_log (at_ns, added_ids, removed_ids)
		VALUES ($1, $2, $3)
	`, e.AtNS, e.Added, e.Removed)
	return err
}

// RecoveryIncident is one NPU fault-recovery episode (spec §4.7).
type RecoveryIncident struct {
	InstanceID uint64
	PodIPs     []string
	StartedAt  time.Time
	EndedAt    time.Time
	Outcome    string // "recovered" | "timed_out" | "aborted"
}

// RecordRecoveryIncident persists one completed (or abandoned) recovery
// episode.
func (s *Store) RecordRecoveryIncident(ctx context.Context, i RecoveryIncident) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO npu_recovery_incidents (instance_id, pod_ips, started_at, ended_at, outcome)
		VALUES ($1, $2, $3, $4, $5)
	`, i.InstanceID, i.PodIPs, i.StartedAt, i.EndedAt, i.Outcome)
	return err
}

// CounterSnapshot is one point-in-time read of the Manager's hot counters
// (spec §4.8 step 5), kept past process restart for long-term trending.
type CounterSnapshot struct {
	AtNS     int64
	Received int64
	Success  int64
	Failed   int64
}

// RecordCounterSnapshot appends one Metrics Aggregator counter reading.
func (s *Store) RecordCounterSnapshot(ctx context.Context, c CounterSnapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO request_counter_snapshots (at_ns, received, success, failed)
		VALUES ($1, $2, $3, $4)
	`, c.AtNS, c.Received, c.Success, c.Failed)
	return err
}
