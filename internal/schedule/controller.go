package schedule

import (
	"context"
	"sort"
	"strings"
	"time"

	eventbus "burstflow/internal/eventbus"
	planner "burstflow/internal/planner"
	logx "burstflow/pkg/logx"
)

// Controller validates requests, enforces the status state machine and
// publishes lifecycle events. All persistence goes through the Store.
type Controller struct {
	store *Store
	bus   eventbus.Bus
	log   logx.Logger
}

func NewController(store *Store, bus eventbus.Bus, log logx.Logger) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Controller{store: store, bus: bus, log: log}
}

// CreateRequest carries user input for a new schedule.
type CreateRequest struct {
	Name        string
	TotalCount  int
	Shape       string
	WindowStart string
	WindowEnd   string

	// Status creates the schedule directly in the given state. Empty means
	// draft; only draft and active are accepted.
	Status string

	// StartDate ("2006-01-02") defers dispatch until that day. Empty means
	// immediately.
	StartDate string

	// Metadata is stored opaquely with the schedule (targeting JSON and the
	// like) and returned unchanged on reads.
	Metadata string
}

// StatusChange is the bus payload for lifecycle events.
type StatusChange struct {
	ScheduleID int64
	Name       string
	From       Status
	To         Status
}

// Create plans and persists a new schedule, as a draft unless the request
// asks for active.
func (c *Controller) Create(ctx context.Context, req CreateRequest) (Schedule, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return Schedule{}, invalid("name", "must not be empty")
	}
	if req.TotalCount <= 0 {
		return Schedule{}, invalid("total_count", "must be positive")
	}
	shape, err := planner.ParseShape(req.Shape)
	if err != nil {
		return Schedule{}, invalid("shape", err.Error())
	}
	start, err := planner.ParseTimeOfDay(req.WindowStart)
	if err != nil {
		return Schedule{}, invalid("window_start", err.Error())
	}
	end, err := planner.ParseTimeOfDay(req.WindowEnd)
	if err != nil {
		return Schedule{}, invalid("window_end", err.Error())
	}
	status := StatusDraft
	if req.Status != "" {
		status, err = ParseStatus(req.Status)
		if err != nil {
			return Schedule{}, invalid("status", err.Error())
		}
		if status != StatusDraft && status != StatusActive {
			return Schedule{}, invalid("status", "new schedules may only be draft or active")
		}
	}
	var startDate time.Time
	if req.StartDate != "" {
		startDate, err = time.Parse("2006-01-02", req.StartDate)
		if err != nil {
			return Schedule{}, invalid("start_date", "must be YYYY-MM-DD")
		}
	}

	s := Schedule{
		Name:        name,
		Status:      status,
		Shape:       shape,
		TotalCount:  req.TotalCount,
		WindowStart: start,
		WindowEnd:   end,
		StartDate:   startDate,
		Metadata:    req.Metadata,
	}
	buckets := planner.Plan(req.TotalCount, start, end, shape)

	id, err := c.store.Insert(ctx, s, buckets)
	if err != nil {
		return Schedule{}, err
	}
	created, err := c.store.Get(ctx, id)
	if err != nil {
		return Schedule{}, err
	}

	c.publish(eventbus.TypeScheduleCreated, StatusChange{ScheduleID: id, Name: name, To: status})
	c.log.Info("schedule created",
		logx.Int64("id", id), logx.String("name", name), logx.String("status", string(status)),
		logx.String("shape", shape.String()), logx.Int("total", req.TotalCount))
	return created, nil
}

func (c *Controller) Get(ctx context.Context, id int64) (Schedule, error) {
	return c.store.Get(ctx, id)
}

func (c *Controller) Buckets(ctx context.Context, id int64) ([]Bucket, error) {
	return c.store.Buckets(ctx, id)
}

func (c *Controller) List(ctx context.Context, status Status) ([]Schedule, error) {
	return c.store.List(ctx, status)
}

func (c *Controller) ListActive(ctx context.Context, now time.Time) ([]Schedule, error) {
	return c.store.ListActive(ctx, now)
}

func (c *Controller) Events(ctx context.Context, id int64) ([]Event, error) {
	return c.store.Events(ctx, id)
}

// SetStatus moves a schedule through its lifecycle. Completed is terminal;
// everything else may move anywhere. Setting the current status again is
// allowed and still appends an event.
func (c *Controller) SetStatus(ctx context.Context, id int64, to Status) error {
	if _, err := ParseStatus(string(to)); err != nil {
		return invalid("status", err.Error())
	}
	s, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(s.Status, to) {
		return invalid("status", "cannot move from "+string(s.Status)+" to "+string(to))
	}
	if err := c.store.SetStatus(ctx, id, to, ""); err != nil {
		return err
	}

	change := StatusChange{ScheduleID: id, Name: s.Name, From: s.Status, To: to}
	if to == StatusCompleted {
		c.publish(eventbus.TypeScheduleCompleted, change)
	} else {
		c.publish(eventbus.TypeScheduleStatus, change)
	}
	c.log.Info("schedule status changed",
		logx.Int64("id", id), logx.String("from", string(s.Status)), logx.String("to", string(to)))
	return nil
}

func (c *Controller) Activate(ctx context.Context, id int64) error {
	return c.SetStatus(ctx, id, StatusActive)
}

func (c *Controller) Pause(ctx context.Context, id int64) error {
	return c.SetStatus(ctx, id, StatusPaused)
}

func (c *Controller) Complete(ctx context.Context, id int64) error {
	return c.SetStatus(ctx, id, StatusCompleted)
}

// Clone copies a schedule's plan into a new draft with zero progress. An
// empty newName derives one from the source.
func (c *Controller) Clone(ctx context.Context, id int64, newName string) (Schedule, error) {
	src, err := c.store.Get(ctx, id)
	if err != nil {
		return Schedule{}, err
	}
	buckets, err := c.store.Buckets(ctx, id)
	if err != nil {
		return Schedule{}, err
	}

	name := strings.TrimSpace(newName)
	if name == "" {
		name = src.Name + " (Copy)"
	}
	clone := Schedule{
		Name:        name,
		Status:      StatusDraft,
		Shape:       src.Shape,
		TotalCount:  src.TotalCount,
		WindowStart: src.WindowStart,
		WindowEnd:   src.WindowEnd,
		StartDate:   src.StartDate,
		Metadata:    src.Metadata,
	}
	plan := make([]planner.Bucket, 0, len(buckets))
	for _, b := range buckets {
		plan = append(plan, planner.Bucket{Hour: b.Hour, Minute: b.Minute, Count: b.Planned})
	}

	newID, err := c.store.Insert(ctx, clone, plan)
	if err != nil {
		return Schedule{}, err
	}
	c.publish(eventbus.TypeScheduleCreated, StatusChange{ScheduleID: newID, Name: name, To: StatusDraft})
	c.log.Info("schedule cloned", logx.Int64("source", id), logx.Int64("id", newID))
	return c.store.Get(ctx, newID)
}

// Delete destroys a schedule and its plan, whatever its status.
func (c *Controller) Delete(ctx context.Context, id int64) error {
	return c.store.Delete(ctx, id)
}

// RecordExecuted credits one executed send against the nearest bucket in the
// current hour and publishes a completion event when the total is reached.
// It reports whether a credit was applied; calls outside any planned hour or
// past the total are silent no-ops.
func (c *Controller) RecordExecuted(ctx context.Context, id int64, at time.Time) (bool, error) {
	credited, completed, err := c.store.RecordExecuted(ctx, id, at)
	if err != nil {
		return false, err
	}
	if completed {
		s, gerr := c.store.Get(ctx, id)
		name := ""
		if gerr == nil {
			name = s.Name
		}
		c.publish(eventbus.TypeScheduleCompleted, StatusChange{
			ScheduleID: id, Name: name, From: StatusActive, To: StatusCompleted,
		})
		c.log.Info("schedule completed", logx.Int64("id", id))
	}
	return credited, nil
}

// Progress reports execution counts for a schedule.
func (c *Controller) Progress(ctx context.Context, id int64) (Progress, error) {
	s, err := c.store.Get(ctx, id)
	if err != nil {
		return Progress{}, err
	}
	p := Progress{
		Planned:   s.TotalCount,
		Executed:  s.ExecutedCount,
		Remaining: s.TotalCount - s.ExecutedCount,
	}
	if p.Remaining < 0 {
		p.Remaining = 0
	}
	if s.TotalCount > 0 {
		p.Percent = float64(s.ExecutedCount) / float64(s.TotalCount) * 100
	}
	return p, nil
}

// HourlyProgress rolls the minute buckets of a schedule up to hours,
// planned and executed side by side, ordered by hour.
func (c *Controller) HourlyProgress(ctx context.Context, id int64) ([]HourProgress, error) {
	buckets, err := c.store.Buckets(ctx, id)
	if err != nil {
		return nil, err
	}
	byHour := make(map[int]*HourProgress)
	for _, b := range buckets {
		hp := byHour[b.Hour]
		if hp == nil {
			hp = &HourProgress{Hour: b.Hour, DisplayHour: planner.DisplayHour(b.Hour)}
			byHour[b.Hour] = hp
		}
		hp.Planned += b.Planned
		hp.Executed += b.Executed
	}
	out := make([]HourProgress, 0, len(byHour))
	for _, hp := range byHour {
		out = append(out, *hp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour < out[j].Hour })
	return out, nil
}

// Preview renders the hour-level view of a prospective schedule without
// persisting anything.
func (c *Controller) Preview(total, startHour, endHour int, shape string) (planner.Preview, error) {
	sh, err := planner.ParseShape(shape)
	if err != nil {
		return planner.Preview{}, invalid("shape", err.Error())
	}
	if total <= 0 {
		return planner.Preview{}, invalid("total_count", "must be positive")
	}
	return planner.PlanPreview(total, startHour, endHour, sh)
}

func (c *Controller) publish(typ string, data any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
