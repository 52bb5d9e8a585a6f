package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/statalert/escalation-engine/internal/models"
)

type SQLiteDB struct {
	db *sql.DB
}

func NewSQLiteDB(path string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error while pinging database: %w", err)
	}

	// The per-alert transition path serializes writes anyway; a single
	// connection keeps :memory: databases coherent across goroutines.
	db.SetMaxOpenConns(1)

	s := &SQLiteDB{
		db: db,
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("error while migrating to database: %w", err)
	}

	return s, nil
}

func (s *SQLiteDB) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			category TEXT NOT NULL,
			facility TEXT NOT NULL,
			status TEXT NOT NULL,
			current_tier INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			acknowledged_at DATETIME,
			resolved_at DATETIME,
			next_escalation_at DATETIME,
			acknowledged_by TEXT,
			resolved_by TEXT,
			metadata TEXT
		);

		CREATE TABLE IF NOT EXISTS escalation_events (
			id TEXT PRIMARY KEY,
			alert_id TEXT NOT NULL,
			from_tier INTEGER,
			to_tier INTEGER,
			timestamp DATETIME NOT NULL,
			automatic INTEGER NOT NULL,
			actor TEXT,
			reason TEXT,
			FOREIGN KEY (alert_id) REFERENCES alerts(id)
		);

		CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);
		CREATE INDEX IF NOT EXISTS idx_events_alert_id ON escalation_events(alert_id);
  	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

func (s *SQLiteDB) SaveTransition(ctx context.Context, a *models.Alert, ev *models.EscalationEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var metadata []byte
	if a.Metadata != nil {
		metadata, err = json.Marshal(a.Metadata)
		if err != nil {
			return fmt.Errorf("error encoding metadata: %w", err)
		}
	}

	// metadata is set once at creation and never mutated afterwards, so the
	// update list deliberately leaves it out.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO alerts (id, category, facility, status, current_tier, created_at,
			acknowledged_at, resolved_at, next_escalation_at, acknowledged_by, resolved_by, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			current_tier = excluded.current_tier,
			acknowledged_at = excluded.acknowledged_at,
			resolved_at = excluded.resolved_at,
			next_escalation_at = excluded.next_escalation_at,
			acknowledged_by = excluded.acknowledged_by,
			resolved_by = excluded.resolved_by`,
		a.ID, a.Category, a.Facility, string(a.Status), a.CurrentTier, a.CreatedAt,
		nullTime(a.AcknowledgedAt), nullTime(a.ResolvedAt), nullTime(a.NextEscalationAt),
		nullString(a.AcknowledgedBy), nullString(a.ResolvedBy), metadata)
	if err != nil {
		return fmt.Errorf("error upserting alert %s: %w", a.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escalation_events (id, alert_id, from_tier, to_tier, timestamp, automatic, actor, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.AlertID, nullInt(ev.FromTier), nullInt(ev.ToTier), ev.Timestamp,
		ev.Automatic, nullString(ev.Actor), nullString(ev.Reason))
	if err != nil {
		return fmt.Errorf("error appending event for alert %s: %w", a.ID, err)
	}

	return tx.Commit()
}

func (s *SQLiteDB) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, category, facility, status, current_tier, created_at,
			acknowledged_at, resolved_at, next_escalation_at, acknowledged_by, resolved_by, metadata
		FROM alerts WHERE id = ?`, id)

	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error getting alert %s: %w", id, err)
	}
	return a, nil
}

func (s *SQLiteDB) ListActive(ctx context.Context) ([]models.Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, facility, status, current_tier, created_at,
			acknowledged_at, resolved_at, next_escalation_at, acknowledged_by, resolved_by, metadata
		FROM alerts WHERE status IN (?, ?) ORDER BY created_at`,
		string(models.AlertStatusActive), string(models.AlertStatusAcknowledged))
	if err != nil {
		return nil, fmt.Errorf("error listing active alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning alert: %w", err)
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

func (s *SQLiteDB) History(ctx context.Context, alertID string) ([]models.EscalationEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, alert_id, from_tier, to_tier, timestamp, automatic, actor, reason
		FROM escalation_events WHERE alert_id = ? ORDER BY rowid`, alertID)
	if err != nil {
		return nil, fmt.Errorf("error listing events for alert %s: %w", alertID, err)
	}
	defer rows.Close()

	var events []models.EscalationEvent
	for rows.Next() {
		var ev models.EscalationEvent
		var fromTier, toTier sql.NullInt64
		var actor, reason sql.NullString
		if err := rows.Scan(&ev.ID, &ev.AlertID, &fromTier, &toTier, &ev.Timestamp,
			&ev.Automatic, &actor, &reason); err != nil {
			return nil, fmt.Errorf("error scanning event: %w", err)
		}
		if fromTier.Valid {
			v := int(fromTier.Int64)
			ev.FromTier = &v
		}
		if toTier.Valid {
			v := int(toTier.Int64)
			ev.ToTier = &v
		}
		ev.Actor = actor.String
		ev.Reason = reason.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAlert(row scanner) (*models.Alert, error) {
	var a models.Alert
	var status string
	var ackAt, resAt, nextAt sql.NullTime
	var ackBy, resBy sql.NullString
	var metadata []byte

	err := row.Scan(&a.ID, &a.Category, &a.Facility, &status, &a.CurrentTier, &a.CreatedAt,
		&ackAt, &resAt, &nextAt, &ackBy, &resBy, &metadata)
	if err != nil {
		return nil, err
	}

	a.Status = models.AlertStatus(status)
	if ackAt.Valid {
		t := ackAt.Time
		a.AcknowledgedAt = &t
	}
	if resAt.Valid {
		t := resAt.Time
		a.ResolvedAt = &t
	}
	if nextAt.Valid {
		t := nextAt.Time
		a.NextEscalationAt = &t
	}
	a.AcknowledgedBy = ackBy.String
	a.ResolvedBy = resBy.String
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
			return nil, fmt.Errorf("error decoding metadata: %w", err)
		}
	}
	return &a, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
