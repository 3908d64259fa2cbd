package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fiscalprint/internal/models"

	"github.com/google/uuid"
)

const printRequestColumns = `id, note_id, note_data, print_type, printer_id, copies, status, error_message,
        created_by, created_at, printed_at, printed_by, updated_at, updated_by`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrintRequest(row rowScanner) (*models.PrintRequest, error) {
	var (
		r            models.PrintRequest
		noteData     string
		printerID    sql.NullString
		copies       sql.NullInt64
		errorMessage sql.NullString
		printedAt    sql.NullTime
		printedBy    sql.NullString
	)

	err := row.Scan(
		&r.ID,
		&r.NoteID,
		&noteData,
		&r.PrintType,
		&printerID,
		&copies,
		&r.Status,
		&errorMessage,
		&r.CreatedBy,
		&r.CreatedAt,
		&printedAt,
		&printedBy,
		&r.UpdatedAt,
		&r.UpdatedBy,
	)
	if err != nil {
		return nil, err
	}

	r.NoteData = json.RawMessage(noteData)
	if printerID.Valid {
		r.PrinterID = &printerID.String
	}
	if copies.Valid {
		c := int(copies.Int64)
		r.Copies = &c
	}
	if errorMessage.Valid {
		r.ErrorMessage = &errorMessage.String
	}
	if printedAt.Valid {
		t := printedAt.Time
		r.PrintedAt = &t
	}
	if printedBy.Valid {
		r.PrintedBy = &printedBy.String
	}
	return &r, nil
}

// CreatePrintRequest inserts a new pending request. printer_id is never written
// at enqueue time.
func (db *DB) CreatePrintRequest(ctx context.Context, req *models.PrintRequest) error {
	now := time.Now().UTC()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.PrintType == "" {
		req.PrintType = models.PrintTypeNormal
	}
	if len(req.NoteData) == 0 {
		req.NoteData = json.RawMessage(`{}`)
	}
	req.Status = models.StatusPending
	req.PrinterID = nil
	req.ErrorMessage = nil
	req.PrintedAt = nil
	req.PrintedBy = nil
	req.CreatedAt = now
	req.UpdatedAt = now
	if req.UpdatedBy == "" {
		req.UpdatedBy = req.CreatedBy
	}

	var copies any
	if req.Copies != nil {
		copies = *req.Copies
	}

	query := `INSERT INTO print_requests (id, note_id, note_data, print_type, copies, status,
              created_by, created_at, updated_at, updated_by)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, query,
		req.ID,
		req.NoteID,
		string(req.NoteData),
		req.PrintType,
		copies,
		req.Status,
		req.CreatedBy,
		req.CreatedAt,
		req.UpdatedAt,
		req.UpdatedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to create print request: %w", err)
	}

	db.publish(ctx, models.ChangeInsert, req.ID)
	return nil
}

func (db *DB) GetPrintRequest(ctx context.Context, id string) (*models.PrintRequest, error) {
	query := `SELECT ` + printRequestColumns + ` FROM print_requests WHERE id = ?`
	r, err := scanPrintRequest(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get print request: %w", err)
	}
	return r, nil
}

// ListPrintRequests returns newest first; an empty status matches every row.
func (db *DB) ListPrintRequests(ctx context.Context, status string, limit int) ([]*models.PrintRequest, error) {
	if limit <= 0 {
		limit = models.DefaultListLimit
	}

	query := `SELECT ` + printRequestColumns + ` FROM print_requests`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	return db.queryPrintRequests(ctx, query, args...)
}

// GetPendingPrintRequests returns a snapshot of pending requests, oldest first.
func (db *DB) GetPendingPrintRequests(ctx context.Context, limit int) ([]*models.PrintRequest, error) {
	if limit <= 0 {
		limit = models.DefaultBatchSize
	}
	query := `SELECT ` + printRequestColumns + ` FROM print_requests
              WHERE status = 'pending'
              ORDER BY created_at ASC, rowid ASC LIMIT ?`
	return db.queryPrintRequests(ctx, query, limit)
}

func (db *DB) CountPendingPrintRequests(ctx context.Context) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM print_requests WHERE status = 'pending'`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending print requests: %w", err)
	}
	return count, nil
}

func (db *DB) queryPrintRequests(ctx context.Context, query string, args ...any) ([]*models.PrintRequest, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query print requests: %w", err)
	}
	defer rows.Close()

	var requests []*models.PrintRequest
	for rows.Next() {
		r, err := scanPrintRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan print request: %w", err)
		}
		requests = append(requests, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return requests, nil
}

// ClaimPrintRequest moves a request from pending to printing. It returns
// ErrNotClaimed when the row is no longer pending.
func (db *DB) ClaimPrintRequest(ctx context.Context, id, printer, actor string) error {
	query := `UPDATE print_requests
              SET status = 'printing', printer_id = ?, updated_at = ?, updated_by = ?
              WHERE id = ? AND status = 'pending'`
	return db.transition(ctx, id, query, printer, time.Now().UTC(), actor, id)
}

// CompletePrintRequest moves a request from printing to completed.
func (db *DB) CompletePrintRequest(ctx context.Context, id, actor string) error {
	now := time.Now().UTC()
	query := `UPDATE print_requests
              SET status = 'completed', error_message = NULL, printed_at = ?, printed_by = ?,
                  updated_at = ?, updated_by = ?
              WHERE id = ? AND status = 'printing'`
	return db.transition(ctx, id, query, now, actor, now, actor, id)
}

// FailPrintRequest marks a pending or printing request failed. A nil printer
// keeps whatever printer_id is already stored.
func (db *DB) FailPrintRequest(ctx context.Context, id string, printer *string, message, actor string) error {
	var printerArg any
	if printer != nil {
		printerArg = *printer
	}
	query := `UPDATE print_requests
              SET status = 'failed', error_message = ?, printer_id = COALESCE(?, printer_id),
                  updated_at = ?, updated_by = ?
              WHERE id = ? AND status IN ('pending', 'printing')`
	return db.transition(ctx, id, query, message, printerArg, time.Now().UTC(), actor, id)
}

// FailInterruptedPrintRequests fails every request still marked printing and
// returns their ids. It is meant for startup, before any pass runs.
func (db *DB) FailInterruptedPrintRequests(ctx context.Context, message, actor string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT id FROM print_requests WHERE status = 'printing' ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query interrupted print requests: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan print request id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	query := `UPDATE print_requests
              SET status = 'failed', error_message = ?, updated_at = ?, updated_by = ?
              WHERE id = ? AND status = 'printing'`
	failed := make([]string, 0, len(ids))
	for _, id := range ids {
		err := db.transition(ctx, id, query, message, time.Now().UTC(), actor, id)
		switch {
		case errors.Is(err, ErrNotClaimed), errors.Is(err, ErrNotFound):
			continue
		case err != nil:
			return failed, err
		}
		failed = append(failed, id)
	}
	return failed, nil
}

func (db *DB) transition(ctx context.Context, id, query string, args ...any) error {
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update print request %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		if _, err := db.GetPrintRequest(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrNotClaimed
	}

	db.publish(ctx, models.ChangeUpdate, id)
	return nil
}

func (db *DB) publish(ctx context.Context, changeType, id string) {
	if db.feed == nil {
		return
	}

	record, err := db.GetPrintRequest(ctx, id)
	if err != nil {
		db.logger.Warn().Err(err).Str("request_id", id).Msg("Failed to reload print request for change feed")
		return
	}

	change := models.PrintRequestChange{Type: changeType, Record: record, Changed: time.Now().UTC()}
	if err := db.feed.Publish(ctx, change); err != nil {
		db.logger.Warn().Err(err).Str("request_id", id).Msg("Failed to publish print request change")
	}
}
