// Package schedule persists distribution schedules and drives their
// lifecycle: draft, active, paused, completed.
package schedule

import (
	"errors"
	"fmt"
	"time"

	planner "burstflow/internal/planner"
)

// Status is the lifecycle state of a schedule.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

func (s Status) String() string { return string(s) }

// ParseStatus validates a stored or user-supplied status value.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusDraft, StatusActive, StatusPaused, StatusCompleted:
		return Status(raw), nil
	}
	return "", fmt.Errorf("unknown status %q", raw)
}

// CanTransition reports whether from may move to to. Any status may move to
// any other; only Completed is terminal. Re-asserting the current status is
// always allowed.
func CanTransition(from, to Status) bool {
	return from != StatusCompleted || to == StatusCompleted
}

// Schedule is a stored distribution plan plus its execution progress.
type Schedule struct {
	ID            int64
	Name          string
	Status        Status
	Shape         planner.Shape
	TotalCount    int
	WindowStart   planner.TimeOfDay
	WindowEnd     planner.TimeOfDay
	ExecutedCount int

	// StartDate is the first calendar day the schedule may dispatch.
	// Zero means immediately.
	StartDate time.Time

	// Metadata is an opaque payload stored with the schedule, typically
	// targeting JSON. The engine never interprets it.
	Metadata string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Bucket is one persisted minute slot of a schedule's plan.
type Bucket struct {
	Hour     int
	Minute   int
	Planned  int
	Executed int
}

// Event is an audit entry in a schedule's history.
type Event struct {
	At     time.Time
	Event  string
	Detail string
}

// Progress summarizes how far a schedule has run.
type Progress struct {
	Planned   int     `json:"planned"`
	Executed  int     `json:"executed"`
	Remaining int     `json:"remaining"`
	Percent   float64 `json:"percent"`
}

// HourProgress is one row of the hourly rollup of a schedule's buckets.
type HourProgress struct {
	Hour        int    `json:"hour"`
	DisplayHour string `json:"display_hour"`
	Planned     int    `json:"planned"`
	Executed    int    `json:"executed"`
}

// ErrNotFound reports a schedule ID with no row behind it.
var ErrNotFound = errors.New("schedule not found")

// ValidationError marks rejected input: bad fields or an illegal status
// transition. Callers should not retry without changing the request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
