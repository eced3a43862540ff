package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/GoDePIN/orchgate/internal/model"
	"github.com/jmoiron/sqlx"
)

type PostgresReallocRepo struct {
	db       *sqlx.DB
	maxCount int
}

func NewPostgresReallocRepo(db *sqlx.DB, maxCount int) *PostgresReallocRepo {
	if maxCount <= 0 {
		maxCount = 10000
	}
	repo := &PostgresReallocRepo{db: db, maxCount: maxCount}
	_ = repo.ensureSchema(context.Background())
	return repo
}

type reallocRow struct {
	ID             int64           `db:"id"`
	Timestamp      time.Time       `db:"timestamp"`
	Protocol       string          `db:"protocol"`
	OldAllocation  float64         `db:"old_allocation"`
	NewAllocation  float64         `db:"new_allocation"`
	EarningsImpact sql.NullFloat64 `db:"earnings_impact"`
	Reason         string          `db:"reason"`
}

// InsertChanges appends audit rows and returns their ids, in input order.
func (r *PostgresReallocRepo) InsertChanges(ctx context.Context, changes []model.AllocationChange) ([]int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ids := make([]int64, 0, len(changes))
	for _, c := range changes {
		var id int64
		err = tx.QueryRowxContext(ctx, `
			INSERT INTO reallocations (timestamp, protocol, old_allocation, new_allocation, reason)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
		`, c.Timestamp, c.Protocol, c.OldAllocation, c.NewAllocation, c.Reason).Scan(&id)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// SetEarningsImpact resolves the retroactive earnings impact for a batch.
func (r *PostgresReallocRepo) SetEarningsImpact(ctx context.Context, ids []int64, impact float64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE reallocations SET earnings_impact = ? WHERE id IN (?)`, impact, ids)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	return err
}

// List returns the newest entries, optionally filtered by protocol.
func (r *PostgresReallocRepo) List(ctx context.Context, protocolFilter string, limit int) ([]model.AllocationChange, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var rows []reallocRow
	var err error
	if protocolFilter != "" {
		err = r.db.SelectContext(ctx, &rows, `
			SELECT id, timestamp, protocol, old_allocation, new_allocation, earnings_impact, reason
			FROM reallocations WHERE protocol = $1 ORDER BY timestamp DESC LIMIT $2
		`, protocolFilter, limit)
	} else {
		err = r.db.SelectContext(ctx, &rows, `
			SELECT id, timestamp, protocol, old_allocation, new_allocation, earnings_impact, reason
			FROM reallocations ORDER BY timestamp DESC LIMIT $1
		`, limit)
	}
	if err != nil {
		return nil, err
	}

	out := make([]model.AllocationChange, 0, len(rows))
	for _, row := range rows {
		c := model.AllocationChange{
			ID:            row.ID,
			Timestamp:     row.Timestamp,
			Protocol:      row.Protocol,
			OldAllocation: row.OldAllocation,
			NewAllocation: row.NewAllocation,
			Reason:        row.Reason,
		}
		if row.EarningsImpact.Valid {
			v := row.EarningsImpact.Float64
			c.EarningsImpact = &v
		}
		out = append(out, c)
	}
	return out, nil
}

// Cleanup trims the table to the configured row cap, oldest first.
func (r *PostgresReallocRepo) Cleanup(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM reallocations WHERE id IN (
			SELECT id FROM reallocations ORDER BY timestamp DESC OFFSET $1
		)
	`, r.maxCount)
	return err
}

func (r *PostgresReallocRepo) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS reallocations (
			id BIGSERIAL PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			protocol TEXT NOT NULL,
			old_allocation DOUBLE PRECISION NOT NULL,
			new_allocation DOUBLE PRECISION NOT NULL,
			earnings_impact DOUBLE PRECISION,
			reason TEXT
		)
	`)
	if err != nil {
		return err
	}
	_, _ = r.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_reallocations_ts ON reallocations(timestamp DESC)`)
	_, _ = r.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_reallocations_protocol ON reallocations(protocol, timestamp DESC)`)
	return nil
}
