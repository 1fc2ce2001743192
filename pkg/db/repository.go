package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/fly-io/vmpool/pkg/errors"
	"github.com/fly-io/vmpool/pkg/pool"
	_ "modernc.org/sqlite"
)

// Repository provides the journal, provisioning records and ID sequence
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	// A single connection serializes writers and keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	// Create schema
	slog.Info("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// NextID allocates the next instance number
func (r *Repository) NextID(ctx context.Context) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed_to_begin_transaction", "error", err)
		return 0, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var nextID int64
	err = tx.QueryRowContext(ctx, "SELECT next_id FROM id_sequence WHERE id = 1").Scan(&nextID)
	if err != nil {
		slog.Error("failed_to_query_id_sequence", "error", err)
		return 0, errors.Wrap(err, "failed to query id sequence")
	}

	_, err = tx.ExecContext(ctx, "UPDATE id_sequence SET next_id = ? WHERE id = 1", nextID+1)
	if err != nil {
		slog.Error("failed_to_update_id_sequence", "error", err)
		return 0, errors.Wrap(err, "failed to update id sequence")
	}

	if err := tx.Commit(); err != nil {
		slog.Error("failed_to_commit_transaction", "error", err)
		return 0, errors.Wrap(err, "failed to commit transaction")
	}

	slog.Debug("allocated_instance_id", "id", nextID, "next_available", nextID+1)
	return nextID, nil
}

// RecordTransition appends a registry status transition to the journal
func (r *Repository) RecordTransition(ctx context.Context, t pool.Transition) error {
	query := `
		INSERT INTO instance_events (image, instance_id, from_status, to_status, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		t.Image, t.InstanceID, string(t.From), string(t.To), t.Detail,
		t.At.UTC().Format(time.RFC3339Nano))
	if err != nil {
		slog.Error("database_event_insert_failed", "instance_id", t.InstanceID, "error", err)
		return errors.Wrap(err, "failed to insert event")
	}
	return nil
}

// ListEvents returns journaled events newest first. An empty image lists every image;
// limit <= 0 means no limit.
func (r *Repository) ListEvents(ctx context.Context, image string, limit int) ([]*Event, error) {
	slog.Info("database_list_events", "image", image, "limit", limit)

	query := `
		SELECT id, image, instance_id, from_status, to_status, detail, created_at
		FROM instance_events
		WHERE (? = '' OR image = ?)
		ORDER BY id DESC
		LIMIT ?
	`
	if limit <= 0 {
		limit = -1
	}

	rows, err := r.db.QueryContext(ctx, query, image, image, limit)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list events")
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var ev Event
		err := rows.Scan(&ev.ID, &ev.Image, &ev.InstanceID, &ev.FromStatus, &ev.ToStatus, &ev.Detail, &ev.CreatedAt)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		events = append(events, &ev)
	}

	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Info("database_list_complete", "event_count", len(events))
	return events, nil
}

// CreateProvision inserts a new provisioning run record
func (r *Repository) CreateProvision(ctx context.Context, p *Provision) error {
	slog.Info("database_create_provision", "run_id", p.RunID, "image", p.Image, "status", p.Status)

	query := `
		INSERT INTO provisions (run_id, image, user_data_key, instance_id, status, error_message)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.ExecContext(ctx, query,
		p.RunID, p.Image, p.UserDataKey, p.InstanceID, p.Status, p.ErrorMessage)
	if err != nil {
		slog.Error("database_insert_failed", "run_id", p.RunID, "error", err)
		return errors.Wrap(err, "failed to insert provision")
	}

	id, err := result.LastInsertId()
	if err != nil {
		slog.Error("database_last_insert_id_failed", "run_id", p.RunID, "error", err)
		return errors.Wrap(err, "failed to get last insert id")
	}
	p.ID = id

	return nil
}

// GetProvision retrieves a provisioning run by run ID. It returns nil when not found.
func (r *Repository) GetProvision(ctx context.Context, runID string) (*Provision, error) {
	query := `
		SELECT id, run_id, image, user_data_key, instance_id, status, error_message, created_at, updated_at
		FROM provisions WHERE run_id = ?
	`
	p, err := scanProvision(r.db.QueryRowContext(ctx, query, runID))
	if err == sql.ErrNoRows {
		slog.Info("database_provision_not_found", "run_id", runID)
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "run_id", runID, "error", err)
		return nil, errors.Wrap(err, "failed to query provision")
	}
	return p, nil
}

// UpdateProvision updates status, instance and error of a provisioning run
func (r *Repository) UpdateProvision(ctx context.Context, p *Provision) error {
	slog.Info("database_update_provision", "run_id", p.RunID, "status", p.Status, "instance_id", p.InstanceID)

	query := `
		UPDATE provisions
		SET instance_id = ?, status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE run_id = ?
	`
	result, err := r.db.ExecContext(ctx, query, p.InstanceID, p.Status, p.ErrorMessage, p.RunID)
	if err != nil {
		slog.Error("database_update_failed", "run_id", p.RunID, "error", err)
		return errors.Wrap(err, "failed to update provision")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		slog.Error("database_rows_affected_failed", "run_id", p.RunID, "error", err)
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_provision_not_found_for_update", "run_id", p.RunID)
		return fmt.Errorf("provision not found: run_id=%s", p.RunID)
	}
	return nil
}

// ListProvisions retrieves provisioning runs newest first
func (r *Repository) ListProvisions(ctx context.Context, limit int) ([]*Provision, error) {
	query := `
		SELECT id, run_id, image, user_data_key, instance_id, status, error_message, created_at, updated_at
		FROM provisions ORDER BY id DESC LIMIT ?
	`
	if limit <= 0 {
		limit = -1
	}

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list provisions")
	}
	defer rows.Close()

	var provisions []*Provision
	for rows.Next() {
		p, err := scanProvision(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		provisions = append(provisions, p)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return provisions, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProvision(s scanner) (*Provision, error) {
	var p Provision
	var instanceID, errorMessage sql.NullString

	err := s.Scan(&p.ID, &p.RunID, &p.Image, &p.UserDataKey, &instanceID, &p.Status,
		&errorMessage, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	// Handle nullable fields
	p.InstanceID = instanceID.String
	p.ErrorMessage = errorMessage.String
	return &p, nil
}
