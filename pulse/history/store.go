// Package history keeps a local SQLite log of item executions for the admin
// API. It is informational; the registry remains the source of truth.
package history

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/tessera/errors"
	"github.com/teranos/tessera/internal/util"
)

// timeLayout sorts lexically when every value is UTC.
const timeLayout = "2006-01-02T15:04:05.000Z"

// MaxOutput bounds the stored handler output.
const MaxOutput = 4096

// Record is one row of item_executions.
type Record struct {
	ID           string     `json:"id"`
	Namespace    string     `json:"namespace"`
	Job          string     `json:"job"`
	Executor     string     `json:"executor"`
	Item         int        `json:"item"`
	Parameter    string     `json:"parameter,omitempty"`
	Status       string     `json:"status"`
	Failover     bool       `json:"failover"`
	FireKind     string     `json:"fire_kind"`
	FireTime     time.Time  `json:"fire_time"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	DurationMS   *int64     `json:"duration_ms,omitempty"`
	Output       *string    `json:"output,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
}

// Filter narrows List.
type Filter struct {
	Job    string
	Status string
	Limit  int
	Offset int
}

// Store persists Records.
type Store struct {
	db        *sql.DB
	namespace string
}

// NewStore creates a store writing rows for namespace.
func NewStore(db *sql.DB, namespace string) *Store {
	return &Store{db: db, namespace: namespace}
}

// Begin inserts a running record. An empty ID is filled in.
func (s *Store) Begin(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Namespace == "" {
		rec.Namespace = s.namespace
	}
	if rec.FireKind == "" {
		rec.FireKind = "scheduled"
	}

	query := `
		INSERT INTO item_executions (
			id, namespace, job, executor, item, parameter,
			status, failover, fire_kind, fire_time, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Namespace,
		rec.Job,
		rec.Executor,
		rec.Item,
		rec.Parameter,
		rec.Status,
		rec.Failover,
		rec.FireKind,
		formatTime(rec.FireTime),
		formatTime(rec.StartedAt),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create item execution")
	}
	return nil
}

// Finish stores the outcome of a record created by Begin.
func (s *Store) Finish(ctx context.Context, rec *Record) error {
	query := `
		UPDATE item_executions
		SET status = ?,
		    completed_at = ?,
		    duration_ms = ?,
		    output = ?,
		    error_message = ?
		WHERE id = ?
	`

	var completedAt, durationMS, output, errorMessage interface{}
	if rec.CompletedAt != nil {
		completedAt = formatTime(*rec.CompletedAt)
		if rec.DurationMS == nil {
			rec.DurationMS = util.Ptr(rec.CompletedAt.Sub(rec.StartedAt).Milliseconds())
		}
	}
	if rec.DurationMS != nil {
		durationMS = *rec.DurationMS
	}
	if rec.Output != nil {
		output = util.Truncate(*rec.Output, MaxOutput)
	}
	if rec.ErrorMessage != nil {
		errorMessage = *rec.ErrorMessage
	}

	result, err := s.db.ExecContext(ctx, query,
		rec.Status,
		completedAt,
		durationMS,
		output,
		errorMessage,
		rec.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update item execution")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("item execution %s", rec.ID)
	}
	return nil
}

const selectColumns = `
	SELECT id, namespace, job, executor, item, parameter,
	       status, failover, fire_kind, fire_time, started_at,
	       completed_at, duration_ms, output, error_message
`

// Get loads one record.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" FROM item_executions WHERE id = ?", id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("item execution %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get item execution")
	}
	return rec, nil
}

// List returns records newest first together with the unpaginated total.
func (s *Store) List(ctx context.Context, f Filter) ([]*Record, int, error) {
	where := " FROM item_executions WHERE namespace = ?"
	args := []interface{}{s.namespace}
	if f.Job != "" {
		where += " AND job = ?"
		args = append(args, f.Job)
	}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, f.Status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*)"+where, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count item executions")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := selectColumns + where + " ORDER BY started_at DESC, item ASC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list item executions")
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan item execution")
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "error iterating item executions")
	}
	return records, total, nil
}

// Prune deletes records started before cutoff and returns how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM item_executions WHERE namespace = ? AND started_at < ?",
		s.namespace, formatTime(cutoff))
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune item executions")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(n), nil
}

// PruneOlderThan keeps retentionDays days of history.
func (s *Store) PruneOlderThan(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	return s.Prune(ctx, time.Now().AddDate(0, 0, -retentionDays))
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(sc scanner) (*Record, error) {
	var rec Record
	var fireTime, startedAt string
	var completedAt, output, errorMessage sql.NullString
	var durationMS sql.NullInt64

	err := sc.Scan(
		&rec.ID,
		&rec.Namespace,
		&rec.Job,
		&rec.Executor,
		&rec.Item,
		&rec.Parameter,
		&rec.Status,
		&rec.Failover,
		&rec.FireKind,
		&fireTime,
		&startedAt,
		&completedAt,
		&durationMS,
		&output,
		&errorMessage,
	)
	if err != nil {
		return nil, err
	}

	rec.FireTime = parseTime(fireTime)
	rec.StartedAt = parseTime(startedAt)
	if completedAt.Valid {
		rec.CompletedAt = util.Ptr(parseTime(completedAt.String))
	}
	if durationMS.Valid {
		rec.DurationMS = util.Ptr(durationMS.Int64)
	}
	if output.Valid {
		rec.Output = util.Ptr(output.String)
	}
	if errorMessage.Valid {
		rec.ErrorMessage = util.Ptr(errorMessage.String)
	}
	return &rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}
