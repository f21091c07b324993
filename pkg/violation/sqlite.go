package violation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists violations in SQLite. The details/tags/metadata
// payloads are stored as JSON columns.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an open database handle and applies migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS violations (
		id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		status TEXT NOT NULL,
		actor TEXT NOT NULL,
		actor_type TEXT NOT NULL DEFAULT '',
		resource TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL DEFAULT '',
		detected_at DATETIME NOT NULL,
		idempotency_key TEXT NOT NULL,
		details JSON,
		tags JSON,
		metadata JSON,
		PRIMARY KEY (tenant_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_violations_tenant_detected
		ON violations (tenant_id, detected_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("violation: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, v *Violation) error {
	details, err := json.Marshal(v.Details)
	if err != nil {
		return fmt.Errorf("violation: marshal details: %w", err)
	}
	tags, err := json.Marshal(v.Tags)
	if err != nil {
		return fmt.Errorf("violation: marshal tags: %w", err)
	}
	metadata, err := json.Marshal(v.Metadata)
	if err != nil {
		return fmt.Errorf("violation: marshal metadata: %w", err)
	}

	query := `
	INSERT INTO violations
		(id, tenant_id, type, severity, status, actor, actor_type, resource, action, detected_at, idempotency_key, details, tags, metadata)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		v.ID, v.TenantID, string(v.Type), string(v.Severity), string(v.Status),
		v.Actor, v.ActorType, v.Resource, v.Action, v.DetectedAt.UTC(),
		v.IdempotencyKey, string(details), string(tags), string(metadata),
	)
	if err != nil {
		return fmt.Errorf("violation: insert: %w", err)
	}
	return nil
}

const violationColumns = `id, tenant_id, type, severity, status, actor, actor_type, resource, action, detected_at, idempotency_key, details, tags, metadata`

func (s *SQLiteStore) Get(ctx context.Context, tenantID, id string) (*Violation, error) {
	query := `SELECT ` + violationColumns + ` FROM violations WHERE tenant_id = ? AND id = ?`
	row := s.db.QueryRowContext(ctx, query, tenantID, id)
	v, err := scanViolation(row)
	if err == sql.ErrNoRows {
		return nil, ErrViolationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("violation: get: %w", err)
	}
	return v, nil
}

func (s *SQLiteStore) ListSince(ctx context.Context, tenantID string, since time.Time) ([]*Violation, error) {
	query := `SELECT ` + violationColumns + `
	FROM violations
	WHERE tenant_id = ? AND detected_at >= ?
	ORDER BY detected_at ASC`
	rows, err := s.db.QueryContext(ctx, query, tenantID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("violation: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Violation
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, fmt.Errorf("violation: scan: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("violation: list: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, tenantID, id string, status Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE violations SET status = ? WHERE tenant_id = ? AND id = ?`,
		string(status), tenantID, id)
	if err != nil {
		return fmt.Errorf("violation: update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("violation: update status: %w", err)
	}
	if n == 0 {
		return ErrViolationNotFound
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanViolation(row scanner) (*Violation, error) {
	var (
		v                       Violation
		typ, severity, status   string
		details, tags, metadata []byte
	)
	err := row.Scan(&v.ID, &v.TenantID, &typ, &severity, &status,
		&v.Actor, &v.ActorType, &v.Resource, &v.Action, &v.DetectedAt,
		&v.IdempotencyKey, &details, &tags, &metadata)
	if err != nil {
		return nil, err
	}
	v.Type = Type(typ)
	v.Severity = Severity(severity)
	v.Status = Status(status)
	if len(details) > 0 {
		if err := json.Unmarshal(details, &v.Details); err != nil {
			return nil, err
		}
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &v.Tags); err != nil {
			return nil, err
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &v.Metadata); err != nil {
			return nil, err
		}
	}
	return &v, nil
}
