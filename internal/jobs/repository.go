package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/heimdex/scenesplit/internal/acquire"
	"github.com/heimdex/scenesplit/internal/assemble"
	"github.com/heimdex/scenesplit/internal/detect"
	"github.com/heimdex/scenesplit/internal/failure"
)

// Record is the persisted history of a job. It outlives the in-memory job.
type Record struct {
	ID         string
	Requester  string
	SourceKind acquire.SourceKind
	Source     string
	Title      string
	Params     detect.Params
	State      State
	Stage      failure.Stage
	ErrorKind  failure.Kind
	Error      string
	Retries    int
	Duration   float64
	Cuts       []float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt time.Time
}

// Snapshot renders a history record the same way a live job is rendered.
// entries, when non-empty, become the manifest.
func (r *Record) Snapshot(entries []assemble.Entry) Snapshot {
	s := Snapshot{
		ID:        r.ID,
		Requester: r.Requester,
		Source:    r.Source,
		Title:     r.Title,
		Params:    r.Params,
		State:     r.State,
		Retries:   r.Retries,
		Duration:  r.Duration,
		Cuts:      r.Cuts,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.ErrorKind != "" && r.State == StateFailed {
		s.Error = &ErrorInfo{
			Kind:    r.ErrorKind,
			Stage:   r.Stage,
			Message: failure.UserMessage(r.ErrorKind),
			Detail:  r.Error,
		}
	}
	if !r.FinishedAt.IsZero() {
		t := r.FinishedAt
		s.FinishedAt = &t
	}
	if len(entries) > 0 {
		s.Manifest = &assemble.Manifest{JobID: r.ID, Title: r.Title, Duration: r.Duration, Entries: entries}
	}
	return s
}

type Repository interface {
	CreateJob(ctx context.Context, rec *Record) error
	GetJob(ctx context.Context, id string) (*Record, error)
	ListJobs(ctx context.Context, requester string, limit int) ([]*Record, error)
	UpdateJobState(ctx context.Context, id string, state State, retries int) error
	FinishJob(ctx context.Context, rec *Record) error
	SaveSegments(ctx context.Context, jobID string, entries []assemble.Entry) error
	GetSegments(ctx context.Context, jobID string) ([]assemble.Entry, error)
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error)
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000Z"

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const jobColumns = `id, requester, source_kind, source, title, min_scene_length, threshold,
	status, stage, error_kind, error, retries, duration, cuts, created_at, updated_at, finished_at`

func (r *SQLiteRepository) CreateJob(ctx context.Context, rec *Record) error {
	cuts, err := encodeCuts(rec.Cuts)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Requester, string(rec.SourceKind), rec.Source, nullString(rec.Title),
		rec.Params.MinSceneLength, rec.Params.Threshold,
		string(rec.State), nullString(string(rec.Stage)), nullString(string(rec.ErrorKind)), nullString(rec.Error),
		rec.Retries, rec.Duration, cuts,
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt), nullTime(rec.FinishedAt))
	return err
}

func (r *SQLiteRepository) GetJob(ctx context.Context, id string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (r *SQLiteRepository) ListJobs(ctx context.Context, requester string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if requester == "" {
		rows, err = r.db.QueryContext(ctx, `
			SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id DESC LIMIT ?
		`, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT `+jobColumns+` FROM jobs WHERE requester = ? ORDER BY created_at DESC, id DESC LIMIT ?
		`, requester, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *SQLiteRepository) UpdateJobState(ctx context.Context, id string, state State, retries int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, retries = ?, updated_at = ? WHERE id = ?
	`, string(state), retries, formatTime(time.Now()), id)
	return err
}

func (r *SQLiteRepository) FinishJob(ctx context.Context, rec *Record) error {
	cuts, err := encodeCuts(rec.Cuts)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, stage = ?, error_kind = ?, error = ?, retries = ?,
			duration = ?, cuts = ?, updated_at = ?, finished_at = ?
		WHERE id = ?
	`, string(rec.State), nullString(string(rec.Stage)), nullString(string(rec.ErrorKind)), nullString(rec.Error),
		rec.Retries, rec.Duration, cuts, formatTime(rec.UpdatedAt), nullTime(rec.FinishedAt), rec.ID)
	return err
}

func (r *SQLiteRepository) SaveSegments(ctx context.Context, jobID string, entries []assemble.Entry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM segments WHERE job_id = ?", jobID); err != nil {
		return err
	}
	for _, e := range entries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO segments (job_id, idx, display_name, path, start_sec, end_sec, size)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, jobID, e.Index, e.DisplayName, e.Path, e.Start, e.End, e.Size)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *SQLiteRepository) GetSegments(ctx context.Context, jobID string) ([]assemble.Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT idx, display_name, path, start_sec, end_sec, size
		FROM segments WHERE job_id = ? ORDER BY idx
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []assemble.Entry
	for rows.Next() {
		var e assemble.Entry
		if err := rows.Scan(&e.Index, &e.DisplayName, &e.Path, &e.Start, &e.End, &e.Size); err != nil {
			return nil, err
		}
		e.Duration = e.End - e.Start
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteFinishedBefore removes history for jobs that finished before the
// given time. Segment rows go with them.
func (r *SQLiteRepository) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, formatTime(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var sourceKind, state string
	var title, stage, errorKind, errMsg, cuts, finishedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&rec.ID, &rec.Requester, &sourceKind, &rec.Source, &title,
		&rec.Params.MinSceneLength, &rec.Params.Threshold,
		&state, &stage, &errorKind, &errMsg, &rec.Retries, &rec.Duration, &cuts,
		&createdAt, &updatedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	rec.SourceKind = acquire.SourceKind(sourceKind)
	rec.State = State(state)
	rec.Title = title.String
	rec.Stage = failure.Stage(stage.String)
	rec.ErrorKind = failure.Kind(errorKind.String)
	rec.Error = errMsg.String
	if cuts.Valid && cuts.String != "" {
		if err := json.Unmarshal([]byte(cuts.String), &rec.Cuts); err != nil {
			return nil, err
		}
	}
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	if finishedAt.Valid {
		rec.FinishedAt = parseTime(finishedAt.String)
	}
	return &rec, nil
}

func encodeCuts(cuts []float64) (sql.NullString, error) {
	if cuts == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(cuts)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	// Rows touched by SQLite's strftime carry no milliseconds.
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
