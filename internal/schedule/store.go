package schedule

import (
	"context"
	"database/sql"
	"errors"
	"time"

	planner "burstflow/internal/planner"
	storage "burstflow/internal/storage"
	logx "burstflow/pkg/logx"
)

// Store runs all schedule SQL against the shared database handle.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

func NewStore(db *sql.DB, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{db: db, log: log}
}

const scheduleCols = `id, name, status, shape, total_count, window_start, window_end, start_date, metadata, executed_count, created_at, updated_at`

// dateOnly is the stored form of start_date.
const dateOnly = "2006-01-02"

func scanSchedule(row interface{ Scan(...any) error }) (Schedule, error) {
	var (
		s                    Schedule
		status, shape        string
		winStart, winEnd     string
		startDate, metadata  sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&s.ID, &s.Name, &status, &shape, &s.TotalCount, &winStart, &winEnd,
		&startDate, &metadata, &s.ExecutedCount, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, ErrNotFound
	}
	if err != nil {
		return Schedule{}, err
	}
	s.Status = Status(status)
	s.Shape = planner.Shape(shape)
	if s.WindowStart, err = planner.ParseTimeOfDay(winStart); err != nil {
		return Schedule{}, err
	}
	if s.WindowEnd, err = planner.ParseTimeOfDay(winEnd); err != nil {
		return Schedule{}, err
	}
	if startDate.Valid {
		if s.StartDate, err = time.Parse(dateOnly, startDate.String); err != nil {
			return Schedule{}, err
		}
	}
	s.Metadata = metadata.String
	s.CreatedAt = storage.ParseTime(createdAt)
	s.UpdatedAt = storage.ParseTime(updatedAt)
	return s, nil
}

func nullDate(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(dateOnly)
}

// Insert stores a schedule and its plan atomically and returns the new ID.
func (st *Store) Insert(ctx context.Context, s Schedule, buckets []planner.Bucket) (int64, error) {
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO schedules(name, status, shape, total_count, window_start, window_end, start_date, metadata, executed_count, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,0,?,?)`,
		s.Name, string(s.Status), s.Shape.String(), s.TotalCount,
		s.WindowStart.String(), s.WindowEnd.String(),
		nullDate(s.StartDate), storage.NullStr(s.Metadata), now, now,
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, b := range buckets {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO distribution_buckets(schedule_id, hour, minute, planned, executed) VALUES(?,?,?,?,0)`,
			id, b.Hour, b.Minute, b.Count,
		); err != nil {
			return 0, err
		}
	}

	if err := appendEvent(ctx, tx, id, "created", ""); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	st.log.Debug("schedule inserted", logx.Int64("id", id), logx.Int("buckets", len(buckets)))
	return id, nil
}

// Get fetches one schedule by ID.
func (st *Store) Get(ctx context.Context, id int64) (Schedule, error) {
	row := st.db.QueryRowContext(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE id = ?`, id)
	return scanSchedule(row)
}

// List returns schedules, optionally restricted to one status. Empty status
// means all.
func (st *Store) List(ctx context.Context, status Status) ([]Schedule, error) {
	query := `SELECT ` + scheduleCols + ` FROM schedules`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id`

	rows, err := st.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListActive returns active schedules whose start date has arrived and whose
// window contains the given wall clock time. Windows whose start is after
// their end wrap past midnight.
func (st *Store) ListActive(ctx context.Context, now time.Time) ([]Schedule, error) {
	clock := planner.TimeOfDay{Hour: now.Hour(), Minute: now.Minute()}.String()
	today := now.Format(dateOnly)
	rows, err := st.db.QueryContext(ctx,
		`SELECT `+scheduleCols+` FROM schedules
		 WHERE status = ?
		   AND (start_date IS NULL OR start_date <= ?)
		   AND ((window_start < window_end AND window_start <= ? AND ? < window_end)
		     OR (window_start >= window_end AND (? >= window_start OR ? < window_end)))
		 ORDER BY id`,
		string(StatusActive), today, clock, clock, clock, clock,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Buckets returns a schedule's plan ordered by time of day.
func (st *Store) Buckets(ctx context.Context, id int64) ([]Bucket, error) {
	rows, err := st.db.QueryContext(ctx,
		`SELECT hour, minute, planned, executed FROM distribution_buckets
		 WHERE schedule_id = ? ORDER BY hour, minute`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Bucket
	for rows.Next() {
		var b Bucket
		if err := rows.Scan(&b.Hour, &b.Minute, &b.Planned, &b.Executed); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SetStatus updates a schedule's status and appends an event. Transition
// legality is the controller's job.
func (st *Store) SetStatus(ctx context.Context, id int64, status Status, detail string) error {
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := tx.ExecContext(ctx,
		`UPDATE schedules SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), now, id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := appendEvent(ctx, tx, id, "status:"+string(status), detail); err != nil {
		return err
	}
	return tx.Commit()
}

// Delete removes a schedule; buckets cascade.
func (st *Store) Delete(ctx context.Context, id int64) error {
	res, err := st.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordExecuted credits one executed send to the bucket in the same hour
// nearest the given wall clock minute. It is a silent no-op, reporting
// credited=false, when no bucket exists in that hour or when the schedule
// has already reached its total.
func (st *Store) RecordExecuted(ctx context.Context, id int64, at time.Time) (credited, completed bool, err error) {
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return false, false, err
	}
	defer tx.Rollback()

	var executed, total int
	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT executed_count, total_count, status FROM schedules WHERE id = ?`, id,
	).Scan(&executed, &total, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, ErrNotFound
	}
	if err != nil {
		return false, false, err
	}
	if executed >= total {
		return false, false, nil
	}

	var minute int
	err = tx.QueryRowContext(ctx,
		`SELECT minute FROM distribution_buckets WHERE schedule_id = ? AND hour = ?
		 ORDER BY ABS(minute - ?) LIMIT 1`,
		id, at.Hour(), at.Minute(),
	).Scan(&minute)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE distribution_buckets SET executed = executed + 1
		 WHERE schedule_id = ? AND hour = ? AND minute = ?`,
		id, at.Hour(), minute,
	); err != nil {
		return false, false, err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx,
		`UPDATE schedules SET executed_count = executed_count + 1, updated_at = ? WHERE id = ?`,
		now, id,
	); err != nil {
		return false, false, err
	}

	if executed+1 >= total && Status(status) != StatusCompleted {
		if _, err := tx.ExecContext(ctx,
			`UPDATE schedules SET status = ?, updated_at = ? WHERE id = ?`,
			string(StatusCompleted), now, id,
		); err != nil {
			return false, false, err
		}
		if err := appendEvent(ctx, tx, id, "completed", ""); err != nil {
			return false, false, err
		}
		completed = true
	}
	return true, completed, tx.Commit()
}

// Events returns a schedule's history, oldest first.
func (st *Store) Events(ctx context.Context, id int64) ([]Event, error) {
	rows, err := st.db.QueryContext(ctx,
		`SELECT at, event, detail FROM schedule_events WHERE schedule_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var at string
		var detail sql.NullString
		if err := rows.Scan(&at, &e.Event, &detail); err != nil {
			return nil, err
		}
		e.At = storage.ParseTime(at)
		e.Detail = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func appendEvent(ctx context.Context, tx *sql.Tx, id int64, event, detail string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO schedule_events(schedule_id, at, event, detail) VALUES(?,?,?,?)`,
		id, time.Now().UTC().Format(time.RFC3339Nano), event, storage.NullStr(detail),
	)
	return err
}
