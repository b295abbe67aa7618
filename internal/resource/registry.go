// Package resource tracks the fleet of send-capable resources: their
// availability, when they were last checked, and a log of work done on them.
package resource

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"time"

	storage "burstflow/internal/storage"
	logx "burstflow/pkg/logx"
)

// ErrNotFound reports a resource ID with no row behind it.
var ErrNotFound = errors.New("resource not found")

// Resource is one send-capable endpoint in the fleet.
type Resource struct {
	ID            string
	Label         string
	Enabled       bool
	Available     bool
	LastChecked   time.Time
	LastInbound   time.Time
	LastSend      time.Time
	CheckInterval time.Duration // 0 means use the configured default

	// NetTag is the network-identity tag last associated with successful
	// work on this resource; dispatched items carry it so the identity can
	// be re-established before the next action.
	NetTag string

	CreatedAt time.Time
}

// WorkLogEntry is one recorded action outcome against a resource.
type WorkLogEntry struct {
	ResourceID string
	Action     string
	OK         bool
	Detail     string
	At         time.Time
}

// ActionStats aggregates work log rows per action kind.
type ActionStats struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Registry runs all resource SQL against the shared database handle.
type Registry struct {
	db  *sql.DB
	log logx.Logger
}

func NewRegistry(db *sql.DB, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{db: db, log: log}
}

// Add inserts or replaces a resource. New resources start enabled and
// available unless the caller says otherwise.
func (r *Registry) Add(ctx context.Context, res Resource) error {
	if strings.TrimSpace(res.ID) == "" {
		return errors.New("resource id is required")
	}
	created := res.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	var intervalSec any
	if res.CheckInterval > 0 {
		intervalSec = int64(res.CheckInterval / time.Second)
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO resources(id, label, enabled, available, last_checked, last_inbound, last_send, check_interval_sec, net_tag, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   label = excluded.label,
		   enabled = excluded.enabled,
		   check_interval_sec = excluded.check_interval_sec`,
		res.ID, storage.NullStr(res.Label), res.Enabled, res.Available,
		storage.NullTime(res.LastChecked), storage.NullTime(res.LastInbound),
		storage.NullTime(res.LastSend), intervalSec, storage.NullStr(res.NetTag),
		storage.NullTime(created),
	)
	return err
}

const resourceCols = `id, label, enabled, available, last_checked, last_inbound, last_send, check_interval_sec, net_tag, created_at`

func scanResource(row interface{ Scan(...any) error }) (Resource, error) {
	var (
		res                             Resource
		label, netTag                   sql.NullString
		checked, inbound, send, created sql.NullString
		intervalSec                     sql.NullInt64
	)
	err := row.Scan(&res.ID, &label, &res.Enabled, &res.Available, &checked, &inbound, &send, &intervalSec, &netTag, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Resource{}, ErrNotFound
	}
	if err != nil {
		return Resource{}, err
	}
	res.Label = label.String
	res.LastChecked = storage.ParseTime(checked.String)
	res.LastInbound = storage.ParseTime(inbound.String)
	res.LastSend = storage.ParseTime(send.String)
	if intervalSec.Valid {
		res.CheckInterval = time.Duration(intervalSec.Int64) * time.Second
	}
	res.NetTag = netTag.String
	res.CreatedAt = storage.ParseTime(created.String)
	return res, nil
}

func (r *Registry) Get(ctx context.Context, id string) (Resource, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+resourceCols+` FROM resources WHERE id = ?`, id)
	return scanResource(row)
}

// List returns the fleet, optionally restricted to enabled resources.
func (r *Registry) List(ctx context.Context, onlyEnabled bool) ([]Resource, error) {
	query := `SELECT ` + resourceCols + ` FROM resources`
	if onlyEnabled {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Resource
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// DueBatch splits resources needing a check into the recently-active tier and
// the regular tier.
type DueBatch struct {
	Active  []Resource
	Regular []Resource
}

// DueForCheck returns up to batch resources whose check is overdue at now.
//
// A resource counts as recently active when it saw inbound traffic within
// activeWindow; the active tier rechecks at half the interval and claims up
// to 40% of the batch, the rest goes to regular resources. Per-resource
// interval overrides beat the configured default. Never-checked resources
// are always due.
func (r *Registry) DueForCheck(ctx context.Context, now time.Time, defaultInterval, activeWindow time.Duration, batch int) (DueBatch, error) {
	if batch <= 0 {
		batch = 100
	}
	all, err := r.List(ctx, true)
	if err != nil {
		return DueBatch{}, err
	}

	// Oldest-checked first so starved resources win ties.
	sort.Slice(all, func(i, j int) bool {
		return all[i].LastChecked.Before(all[j].LastChecked)
	})

	var out DueBatch
	activeCap := batch * 2 / 5
	regularCap := batch - activeCap

	for _, res := range all {
		interval := defaultInterval
		if res.CheckInterval > 0 {
			interval = res.CheckInterval
		}
		active := !res.LastInbound.IsZero() && now.Sub(res.LastInbound) <= activeWindow
		if active {
			interval /= 2
		}
		if !res.LastChecked.IsZero() && now.Sub(res.LastChecked) < interval {
			continue
		}
		if active {
			if len(out.Active) < activeCap {
				out.Active = append(out.Active, res)
			}
		} else if len(out.Regular) < regularCap {
			out.Regular = append(out.Regular, res)
		}
		if len(out.Active) >= activeCap && len(out.Regular) >= regularCap {
			break
		}
	}
	return out, nil
}

// MarkScanned stamps last_checked so the next due query skips these
// resources. Call it when work is enqueued, not when it finishes.
func (r *Registry) MarkScanned(ctx context.Context, ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	stamp := storage.NullTime(now)
	for _, id := range ids {
		if _, err := r.db.ExecContext(ctx,
			`UPDATE resources SET last_checked = ? WHERE id = ?`, stamp, id); err != nil {
			return err
		}
	}
	return nil
}

// RecordInbound notes traffic received on a resource, which promotes it to
// the active recheck tier.
func (r *Registry) RecordInbound(ctx context.Context, id string, at time.Time) error {
	return r.stamp(ctx, id, "last_inbound", at)
}

// RecordSend notes an outbound send from a resource.
func (r *Registry) RecordSend(ctx context.Context, id string, at time.Time) error {
	return r.stamp(ctx, id, "last_send", at)
}

func (r *Registry) stamp(ctx context.Context, id, col string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE resources SET `+col+` = ? WHERE id = ?`, storage.NullTime(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordNetTag stores the network-identity tag that just carried successful
// work on a resource.
func (r *Registry) RecordNetTag(ctx context.Context, id, tag string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE resources SET net_tag = ? WHERE id = ?`, storage.NullStr(tag), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAvailable flips a resource's availability. Unavailable resources stay
// enabled and keep being checked but are skipped for sends.
func (r *Registry) SetAvailable(ctx context.Context, id string, available bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE resources SET available = ? WHERE id = ?`, available, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetEnabled removes or restores a resource from all scheduling.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE resources SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PickForSend returns up to n enabled, available resources, least recently
// used first.
func (r *Registry) PickForSend(ctx context.Context, n int) ([]Resource, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+resourceCols+` FROM resources
		 WHERE enabled = 1 AND available = 1
		 ORDER BY last_send IS NOT NULL, last_send, id LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Resource
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// RecordResult appends a work log entry for a finished action.
func (r *Registry) RecordResult(ctx context.Context, e WorkLogEntry) error {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO work_log(resource_id, action, ok, detail, at) VALUES(?,?,?,?,?)`,
		e.ResourceID, e.Action, e.OK, storage.NullStr(e.Detail), storage.NullTime(at))
	return err
}

// Stats aggregates work log outcomes per action over the trailing window.
func (r *Registry) Stats(ctx context.Context, window time.Duration) (map[string]ActionStats, error) {
	cutoff := storage.NullTime(time.Now().Add(-window))
	rows, err := r.db.QueryContext(ctx,
		`SELECT action, COUNT(*), SUM(ok) FROM work_log WHERE at >= ? GROUP BY action`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]ActionStats{}
	for rows.Next() {
		var action string
		var total, ok int
		if err := rows.Scan(&action, &total, &ok); err != nil {
			return nil, err
		}
		out[action] = ActionStats{Total: total, Succeeded: ok, Failed: total - ok}
	}
	return out, rows.Err()
}

// PruneWorkLog deletes work log rows older than the retention window and
// returns how many went away.
func (r *Registry) PruneWorkLog(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := storage.NullTime(time.Now().Add(-retention))
	res, err := r.db.ExecContext(ctx, `DELETE FROM work_log WHERE at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.log.Debug("work log pruned", logx.Int64("rows", n))
	}
	return n, nil
}
