// Package audit records mutating API requests to the database. Every POST,
// PUT, and DELETE that reaches a handler produces one event naming the
// principal, the route, and the response status. Reads are not audited.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sandwichcloud/deli-counter/pkg/storage/postgres"
)

// Event is one recorded API action
type Event struct {
	ID               uuid.UUID  `json:"id"`
	Timestamp        time.Time  `json:"timestamp"`
	UserID           *uuid.UUID `json:"user_id,omitempty"`
	ServiceAccountID *uuid.UUID `json:"service_account_id,omitempty"`
	ProjectID        *uuid.UUID `json:"project_id,omitempty"`
	Driver           string     `json:"driver,omitempty"`
	Method           string     `json:"method"`
	Path             string     `json:"path"`
	Status           int        `json:"status"`
	RequestID        string     `json:"request_id,omitempty"`
	SourceIP         string     `json:"source_ip,omitempty"`
}

// Store persists audit events
type Store struct {
	db *sql.DB
}

// NewStore creates an audit store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrations returns the audit schema migrations
func Migrations() []postgres.Migration {
	return []postgres.Migration{
		{
			Version:     500,
			Description: "Create audit_events table",
			SQL: `
				CREATE TABLE IF NOT EXISTS audit_events (
					id UUID PRIMARY KEY,
					timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					user_id UUID,
					service_account_id UUID,
					project_id UUID,
					driver VARCHAR(64) NOT NULL DEFAULT '',
					method VARCHAR(16) NOT NULL,
					path VARCHAR(1024) NOT NULL,
					status INTEGER NOT NULL,
					request_id VARCHAR(64) NOT NULL DEFAULT '',
					source_ip VARCHAR(64) NOT NULL DEFAULT ''
				);

				CREATE INDEX idx_audit_events_timestamp ON audit_events(timestamp DESC);
				CREATE INDEX idx_audit_events_user_id ON audit_events(user_id);
				CREATE INDEX idx_audit_events_project_id ON audit_events(project_id);
			`,
		},
	}
}

// Record inserts an event
func (s *Store) Record(ctx context.Context, event *Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, timestamp, user_id, service_account_id, project_id,
			driver, method, path, status, request_id, source_ip)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, event.ID, event.Timestamp, event.UserID, event.ServiceAccountID, event.ProjectID,
		event.Driver, event.Method, event.Path, event.Status, event.RequestID, event.SourceIP)
	if err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}

// Filter narrows a List query. Zero values match everything.
type Filter struct {
	UserID    *uuid.UUID
	ProjectID *uuid.UUID
	Limit     int
}

// List returns events newest first
func (s *Store) List(ctx context.Context, filter Filter) ([]Event, error) {
	if filter.Limit <= 0 || filter.Limit > 1000 {
		filter.Limit = 100
	}

	query := `
		SELECT id, timestamp, user_id, service_account_id, project_id,
			driver, method, path, status, request_id, source_ip
		FROM audit_events
		WHERE ($1::uuid IS NULL OR user_id = $1)
		  AND ($2::uuid IS NULL OR project_id = $2)
		ORDER BY timestamp DESC
		LIMIT $3`
	rows, err := s.db.QueryContext(ctx, query, filter.UserID, filter.ProjectID, filter.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var event Event
		if err := rows.Scan(&event.ID, &event.Timestamp, &event.UserID, &event.ServiceAccountID,
			&event.ProjectID, &event.Driver, &event.Method, &event.Path, &event.Status,
			&event.RequestID, &event.SourceIP); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// DeleteBefore removes events older than the cutoff and returns the count
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit events: %w", err)
	}
	return res.RowsAffected()
}
