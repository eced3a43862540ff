package repository

import (
	"context"
	"time"

	"github.com/GoDePIN/orchgate/internal/model"
	"github.com/jmoiron/sqlx"
)

type PostgresAlertRepo struct {
	db       *sqlx.DB
	maxCount int
}

func NewPostgresAlertRepo(db *sqlx.DB, maxCount int) *PostgresAlertRepo {
	if maxCount <= 0 {
		maxCount = 1000
	}
	repo := &PostgresAlertRepo{db: db, maxCount: maxCount}
	_ = repo.ensureSchema(context.Background())
	return repo
}

type alertRow struct {
	ID           int64     `db:"id"`
	Timestamp    time.Time `db:"timestamp"`
	Kind         string    `db:"kind"`
	Protocol     string    `db:"protocol"`
	Severity     float64   `db:"severity"`
	Message      string    `db:"message"`
	Acknowledged bool      `db:"acknowledged"`
}

func (r *PostgresAlertRepo) InsertAlert(ctx context.Context, alert model.Alert) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO alerts (timestamp, kind, protocol, severity, message, acknowledged)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, alert.Timestamp, string(alert.Kind), alert.Protocol, alert.Severity, alert.Message, alert.Acknowledged)
	return err
}

func (r *PostgresAlertRepo) AcknowledgeAlert(ctx context.Context, timestamp time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE alerts SET acknowledged = TRUE WHERE timestamp = $1
	`, timestamp)
	return err
}

// List returns the newest alerts.
func (r *PostgresAlertRepo) List(ctx context.Context, limit int) ([]model.Alert, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var rows []alertRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, timestamp, kind, protocol, severity, message, acknowledged
		FROM alerts ORDER BY timestamp DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	out := make([]model.Alert, 0, len(rows))
	for _, row := range rows {
		out = append(out, model.Alert{
			Timestamp:    row.Timestamp,
			Kind:         model.AlertKind(row.Kind),
			Protocol:     row.Protocol,
			Severity:     row.Severity,
			Message:      row.Message,
			Acknowledged: row.Acknowledged,
		})
	}
	return out, nil
}

// Cleanup trims the table to the configured row cap, oldest first.
func (r *PostgresAlertRepo) Cleanup(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM alerts WHERE id IN (
			SELECT id FROM alerts ORDER BY timestamp DESC OFFSET $1
		)
	`, r.maxCount)
	return err
}

func (r *PostgresAlertRepo) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS alerts (
			id BIGSERIAL PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			kind TEXT NOT NULL,
			protocol TEXT NOT NULL DEFAULT '',
			severity DOUBLE PRECISION NOT NULL,
			message TEXT NOT NULL,
			acknowledged BOOLEAN NOT NULL DEFAULT FALSE
		)
	`)
	if err != nil {
		return err
	}
	_, _ = r.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(timestamp DESC)`)
	return nil
}
