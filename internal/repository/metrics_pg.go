package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/GoDePIN/orchgate/internal/model"
	"github.com/jmoiron/sqlx"
)

type PostgresMetricsRepo struct {
	db *sqlx.DB
}

func NewPostgresMetricsRepo(db *sqlx.DB) *PostgresMetricsRepo {
	repo := &PostgresMetricsRepo{db: db}
	_ = repo.ensureSchema(context.Background())
	return repo
}

type metricsRow struct {
	ID               int64     `db:"id"`
	Timestamp        time.Time `db:"timestamp"`
	TotalRate        float64   `db:"total_rate"`
	CPUPercent       float64   `db:"cpu_percent"`
	MemoryPercent    float64   `db:"memory_percent"`
	BandwidthPercent float64   `db:"bandwidth_percent"`
	StoragePercent   float64   `db:"storage_percent"`
}

type protocolMetricsRow struct {
	Protocol   string  `db:"protocol"`
	Rate       float64 `db:"rate"`
	Allocation float64 `db:"allocation"`
	Connected  bool    `db:"connected"`
}

// InsertSnapshot stores one aggregated snapshot with exactly one
// protocol_metrics row per registered protocol, in a single transaction.
func (r *PostgresMetricsRepo) InsertSnapshot(ctx context.Context, m model.AggregatedMetrics) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var metricsID int64
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO metrics (timestamp, total_rate, cpu_percent, memory_percent, bandwidth_percent, storage_percent)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (timestamp) DO NOTHING
		RETURNING id
	`, m.Timestamp, m.TotalEarningsPerHour,
		m.ResourceUtilization.CPUPercent, m.ResourceUtilization.MemoryPercent,
		m.ResourceUtilization.BandwidthPercent, m.ResourceUtilization.StoragePercent,
	).Scan(&metricsID)
	if err != nil {
		// No row returned means the unique timestamp conflicted and the
		// snapshot is already stored.
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}

	for proto, rate := range m.EarningsByProtocol {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO protocol_metrics (metrics_id, protocol, rate, allocation, connected)
			VALUES ($1, $2, $3, $4, $5)
		`, metricsID, proto, rate, m.AllocationByProtocol[proto], m.ConnectionStatus[proto])
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Latest returns the newest stored snapshot.
func (r *PostgresMetricsRepo) Latest(ctx context.Context) (model.AggregatedMetrics, bool, error) {
	var row metricsRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, timestamp, total_rate, cpu_percent, memory_percent, bandwidth_percent, storage_percent
		FROM metrics ORDER BY timestamp DESC LIMIT 1
	`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.AggregatedMetrics{}, false, nil
		}
		return model.AggregatedMetrics{}, false, err
	}
	m, err := r.hydrate(ctx, row)
	return m, err == nil, err
}

// Range returns snapshots with start <= timestamp <= end, oldest first.
func (r *PostgresMetricsRepo) Range(ctx context.Context, start, end time.Time, limit int) ([]model.AggregatedMetrics, error) {
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}
	var rows []metricsRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, timestamp, total_rate, cpu_percent, memory_percent, bandwidth_percent, storage_percent
		FROM metrics WHERE timestamp >= $1 AND timestamp <= $2
		ORDER BY timestamp ASC LIMIT $3
	`, start, end, limit)
	if err != nil {
		return nil, err
	}
	out := make([]model.AggregatedMetrics, 0, len(rows))
	for _, row := range rows {
		m, err := r.hydrate(ctx, row)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (r *PostgresMetricsRepo) hydrate(ctx context.Context, row metricsRow) (model.AggregatedMetrics, error) {
	var protos []protocolMetricsRow
	err := r.db.SelectContext(ctx, &protos, `
		SELECT protocol, rate, allocation, connected
		FROM protocol_metrics WHERE metrics_id = $1
	`, row.ID)
	if err != nil {
		return model.AggregatedMetrics{}, err
	}

	m := model.AggregatedMetrics{
		Timestamp:            row.Timestamp,
		TotalEarningsPerHour: row.TotalRate,
		EarningsByProtocol:   make(map[string]float64, len(protos)),
		AllocationByProtocol: make(map[string]float64, len(protos)),
		ConnectionStatus:     make(map[string]bool, len(protos)),
		ResourceUtilization: model.ResourceUtilization{
			CPUPercent:       row.CPUPercent,
			MemoryPercent:    row.MemoryPercent,
			BandwidthPercent: row.BandwidthPercent,
			StoragePercent:   row.StoragePercent,
		},
	}
	for _, p := range protos {
		m.EarningsByProtocol[p.Protocol] = p.Rate
		m.AllocationByProtocol[p.Protocol] = p.Allocation
		m.ConnectionStatus[p.Protocol] = p.Connected
		if !p.Connected {
			m.ResourceUtilization.DisconnectedCount++
		}
	}
	return m, nil
}

// TotalEarnings integrates total_rate over the gaps between snapshots in
// [start, end], in currency units.
func (r *PostgresMetricsRepo) TotalEarnings(ctx context.Context, start, end time.Time) (float64, error) {
	var rows []metricsRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, timestamp, total_rate, cpu_percent, memory_percent, bandwidth_percent, storage_percent
		FROM metrics WHERE timestamp >= $1 AND timestamp <= $2
		ORDER BY timestamp ASC
	`, start, end)
	if err != nil {
		return 0, err
	}
	total := 0.0
	for i := 1; i < len(rows); i++ {
		dt := rows[i].Timestamp.Sub(rows[i-1].Timestamp).Hours()
		total += rows[i-1].TotalRate * dt
	}
	return total, nil
}

// AverageUptime returns the fraction of snapshots in the period where every
// protocol was connected, in percent.
func (r *PostgresMetricsRepo) AverageUptime(ctx context.Context, start, end time.Time) (float64, error) {
	var totalCount, upCount int
	err := r.db.GetContext(ctx, &totalCount, `
		SELECT COUNT(*) FROM metrics WHERE timestamp >= $1 AND timestamp <= $2
	`, start, end)
	if err != nil {
		return 0, err
	}
	if totalCount == 0 {
		return 0, nil
	}
	err = r.db.GetContext(ctx, &upCount, `
		SELECT COUNT(*) FROM metrics m
		WHERE m.timestamp >= $1 AND m.timestamp <= $2
		AND NOT EXISTS (
			SELECT 1 FROM protocol_metrics pm
			WHERE pm.metrics_id = m.id AND pm.connected = FALSE
		)
	`, start, end)
	if err != nil {
		return 0, err
	}
	return 100 * float64(upCount) / float64(totalCount), nil
}

// Cleanup deletes metrics rows older than the retention period in a single
// transaction; protocol_metrics rows cascade.
func (r *PostgresMetricsRepo) Cleanup(ctx context.Context, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	_, err := r.db.ExecContext(ctx, `DELETE FROM metrics WHERE timestamp < $1`, cutoff)
	return err
}

func (r *PostgresMetricsRepo) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS metrics (
			id BIGSERIAL PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL UNIQUE,
			total_rate DOUBLE PRECISION NOT NULL,
			cpu_percent DOUBLE PRECISION,
			memory_percent DOUBLE PRECISION,
			bandwidth_percent DOUBLE PRECISION,
			storage_percent DOUBLE PRECISION
		)
	`)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS protocol_metrics (
			id BIGSERIAL PRIMARY KEY,
			metrics_id BIGINT NOT NULL REFERENCES metrics(id) ON DELETE CASCADE,
			protocol TEXT NOT NULL,
			rate DOUBLE PRECISION NOT NULL,
			allocation DOUBLE PRECISION NOT NULL,
			connected BOOLEAN NOT NULL DEFAULT TRUE
		)
	`)
	if err != nil {
		return err
	}
	_, _ = r.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_protocol_metrics_metrics ON protocol_metrics(metrics_id)`)
	_, _ = r.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_metrics_timestamp ON metrics(timestamp DESC)`)
	return nil
}
