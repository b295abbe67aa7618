package dispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	eventbus "burstflow/internal/eventbus"
	planner "burstflow/internal/planner"
	resource "burstflow/internal/resource"
	schedule "burstflow/internal/schedule"
	storage "burstflow/internal/storage"
	work "burstflow/internal/work"
	logx "burstflow/pkg/logx"
)

type fakeSubmitter struct {
	mu    sync.Mutex
	items []work.Item
}

func (f *fakeSubmitter) Enqueue(it work.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, it)
	return nil
}

func (f *fakeSubmitter) take() []work.Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.items
	f.items = nil
	return out
}

type fixture struct {
	coord     *Coordinator
	pool      *fakeSubmitter
	registry  *resource.Registry
	store     *schedule.Store
	schedules *schedule.Controller
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	reg := resource.NewRegistry(db, logx.Nop())
	st := schedule.NewStore(db, logx.Nop())
	ctrl := schedule.NewController(st, eventbus.New(), logx.Nop())
	pool := &fakeSubmitter{}
	coord := NewCoordinator(cfg, reg, ctrl, pool, logx.Nop())
	return &fixture{coord: coord, pool: pool, registry: reg, store: st, schedules: ctrl}
}

func TestTickDispatchesDueChecksWithStagger(t *testing.T) {
	t.Parallel()

	cfg := Config{
		CheckInterval:   3 * time.Minute,
		StaggerFraction: 0.3,
		ActiveWindow:    24 * time.Hour,
		ActiveJitterMax: 30 * time.Second,
		BatchSize:       100,
	}
	fx := newFixture(t, cfg)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		if err := fx.registry.Add(ctx, resource.Resource{
			ID: fmt.Sprintf("hot-%d", i), Enabled: true, Available: true,
			LastInbound: now.Add(-time.Hour),
		}); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 5; i++ {
		if err := fx.registry.Add(ctx, resource.Resource{
			ID: fmt.Sprintf("cold-%d", i), Enabled: true, Available: true,
		}); err != nil {
			t.Fatal(err)
		}
	}

	fx.coord.RunTick(ctx, now)
	items := fx.pool.take()
	if len(items) != 8 {
		t.Fatalf("enqueued %d items, want 8", len(items))
	}

	regularWindow := time.Duration(float64(cfg.CheckInterval) * cfg.StaggerFraction)
	seen := map[time.Time]bool{}
	for _, it := range items {
		if it.Kind != work.ActionCheck {
			t.Errorf("item %s kind %s, want check", it.ResourceID, it.Kind)
		}
		delay := it.NotBefore.Sub(now)
		if delay < 0 {
			t.Errorf("%s: not-before in the past (%v)", it.ResourceID, delay)
		}
		switch {
		case it.Priority == work.PriorityHigh:
			if delay > cfg.ActiveJitterMax+time.Second {
				t.Errorf("active %s delayed %v, cap %v", it.ResourceID, delay, cfg.ActiveJitterMax)
			}
		default:
			if delay > regularWindow+time.Second {
				t.Errorf("regular %s delayed %v, cap %v", it.ResourceID, delay, regularWindow)
			}
		}
		if seen[it.NotBefore] {
			t.Errorf("duplicate not-before %v", it.NotBefore)
		}
		seen[it.NotBefore] = true
	}

	var high, normal int
	for _, it := range items {
		if it.Priority == work.PriorityHigh {
			high++
		} else {
			normal++
		}
	}
	if high != 3 || normal != 5 {
		t.Errorf("priorities high=%d normal=%d, want 3/5", high, normal)
	}

	// Everything was stamped as scanned: an immediate second pass is empty.
	fx.coord.RunTick(ctx, now)
	if again := fx.pool.take(); len(again) != 0 {
		t.Errorf("second tick re-dispatched %d items", len(again))
	}
}

func TestHotEscalationDrainsWhenDue(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, Config{HotRecheck: time.Minute})
	ctx := context.Background()
	now := time.Now()

	// Keep the resource out of the regular due path.
	if err := fx.registry.Add(ctx, resource.Resource{
		ID: "hot", Enabled: true, Available: true, LastChecked: now,
	}); err != nil {
		t.Fatal(err)
	}

	fx.coord.Escalate("hot", now)

	fx.coord.RunTick(ctx, now)
	if items := fx.pool.take(); len(items) != 0 {
		t.Fatalf("recheck fired before its due time: %+v", items)
	}

	fx.coord.RunTick(ctx, now.Add(61*time.Second))
	items := fx.pool.take()
	if len(items) != 1 {
		t.Fatalf("enqueued %d items, want 1", len(items))
	}
	if items[0].ResourceID != "hot" || items[0].Priority != work.PriorityHigh {
		t.Errorf("item %+v, want high-priority check of hot", items[0])
	}
	if !items[0].NotBefore.IsZero() {
		t.Errorf("hot recheck should run immediately, got not-before %v", items[0].NotBefore)
	}
}

// activeScheduleAt inserts an always-on schedule whose only bucket sits at
// the given wall clock minute.
func activeScheduleAt(t *testing.T, fx *fixture, at time.Time, planned int) int64 {
	t.Helper()
	id, err := fx.store.Insert(context.Background(), schedule.Schedule{
		Name: "test", Status: schedule.StatusDraft, Shape: planner.ShapeEven,
		TotalCount:  planned,
		WindowStart: planner.TimeOfDay{},
		WindowEnd:   planner.TimeOfDay{},
	}, []planner.Bucket{{Hour: at.Hour(), Minute: at.Minute(), Count: planned}})
	if err != nil {
		t.Fatal(err)
	}
	if err := fx.store.SetStatus(context.Background(), id, schedule.StatusActive, ""); err != nil {
		t.Fatal(err)
	}
	return id
}

func TestTickDispatchesScheduledSends(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, Config{})
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 4; i++ {
		if err := fx.registry.Add(ctx, resource.Resource{
			ID: fmt.Sprintf("r-%d", i), Enabled: true, Available: true,
			LastChecked: now, // keep out of the check batch
		}); err != nil {
			t.Fatal(err)
		}
	}
	schedID := activeScheduleAt(t, fx, now, 3)

	fx.coord.RunTick(ctx, now)
	items := fx.pool.take()
	if len(items) != 3 {
		t.Fatalf("enqueued %d items, want 3 sends", len(items))
	}
	for _, it := range items {
		if it.Kind != work.ActionSend || it.ScheduleID != schedID {
			t.Errorf("item %+v, want send for schedule %d", it, schedID)
		}
	}

	// Same minute, second tick: the marker prevents double dispatch.
	fx.coord.RunTick(ctx, now)
	if again := fx.pool.take(); len(again) != 0 {
		t.Errorf("second tick re-dispatched %d sends", len(again))
	}
}

func TestSendsSkipPausedSchedules(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, Config{})
	ctx := context.Background()
	now := time.Now()

	if err := fx.registry.Add(ctx, resource.Resource{
		ID: "r", Enabled: true, Available: true, LastChecked: now,
	}); err != nil {
		t.Fatal(err)
	}
	id := activeScheduleAt(t, fx, now, 2)
	if err := fx.store.SetStatus(ctx, id, schedule.StatusPaused, ""); err != nil {
		t.Fatal(err)
	}

	fx.coord.RunTick(ctx, now)
	if items := fx.pool.take(); len(items) != 0 {
		t.Errorf("paused schedule dispatched %d sends", len(items))
	}
}

func TestHandleCheckResultRecordsAndEscalates(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, Config{HotRecheck: time.Minute})
	ctx := context.Background()
	now := time.Now()

	if err := fx.registry.Add(ctx, resource.Resource{
		ID: "r1", Enabled: true, Available: true, LastChecked: now,
	}); err != nil {
		t.Fatal(err)
	}

	inbound := now.Add(-30 * time.Second)
	fx.coord.HandleResult(ctx, work.Result{
		Item:  work.Item{Kind: work.ActionCheck, ResourceID: "r1"},
		Check: work.CheckResult{Available: true, InboundAt: inbound},
	})

	got, err := fx.registry.Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastInbound.IsZero() {
		t.Error("inbound time not recorded")
	}
	if fx.coord.esc.Len() != 1 {
		t.Errorf("escalator has %d entries, want 1", fx.coord.esc.Len())
	}

	stats, err := fx.registry.Stats(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if stats["check"].Succeeded != 1 {
		t.Errorf("check stats %+v", stats["check"])
	}

	// A fatal check failure takes the resource out of the send pool.
	fx.coord.HandleResult(ctx, work.Result{
		Item: work.Item{Kind: work.ActionCheck, ResourceID: "r1"},
		Err:  work.Fatal(fmt.Errorf("gone")),
	})
	got, err = fx.registry.Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Available {
		t.Error("resource still available after fatal check failure")
	}
}

func TestNetTagFlowsThroughDispatch(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, Config{CheckInterval: 10 * time.Minute, BatchSize: 100})
	ctx := context.Background()
	now := time.Now()

	if err := fx.registry.Add(ctx, resource.Resource{
		ID: "r1", Enabled: true, Available: true, NetTag: "net-a",
	}); err != nil {
		t.Fatal(err)
	}

	// Dispatched work carries the resource's last known network tag.
	fx.coord.RunTick(ctx, now)
	items := fx.pool.take()
	if len(items) != 1 {
		t.Fatalf("enqueued %d items, want 1", len(items))
	}
	if items[0].NetTag != "net-a" {
		t.Errorf("item net tag %q, want net-a", items[0].NetTag)
	}

	// A successful result writes the tag the work actually ran under
	// back to the registry row.
	fx.coord.HandleResult(ctx, work.Result{
		Item:  work.Item{Kind: work.ActionCheck, ResourceID: "r1", NetTag: "net-b"},
		Check: work.CheckResult{Available: true},
	})
	got, err := fx.registry.Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.NetTag != "net-b" {
		t.Errorf("registry net tag %q after check, want net-b", got.NetTag)
	}

	// Failed results leave the recorded tag alone.
	fx.coord.HandleResult(ctx, work.Result{
		Item: work.Item{Kind: work.ActionCheck, ResourceID: "r1", NetTag: "net-c"},
		Err:  fmt.Errorf("unreachable"),
	})
	got, err = fx.registry.Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.NetTag != "net-b" {
		t.Errorf("registry net tag %q after failure, want net-b", got.NetTag)
	}
}

func TestHandleSendResultCreditsSchedule(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, Config{})
	ctx := context.Background()
	now := time.Now()

	if err := fx.registry.Add(ctx, resource.Resource{
		ID: "r1", Enabled: true, Available: true,
	}); err != nil {
		t.Fatal(err)
	}
	schedID := activeScheduleAt(t, fx, now, 2)

	fx.coord.HandleResult(ctx, work.Result{
		Item: work.Item{Kind: work.ActionSend, ResourceID: "r1", ScheduleID: schedID},
	})

	s, err := fx.schedules.Get(ctx, schedID)
	if err != nil {
		t.Fatal(err)
	}
	if s.ExecutedCount != 1 {
		t.Errorf("executed count %d, want 1", s.ExecutedCount)
	}
	got, err := fx.registry.Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastSend.IsZero() {
		t.Error("send time not recorded")
	}

	// A failed send records the failure but credits nothing.
	fx.coord.HandleResult(ctx, work.Result{
		Item: work.Item{Kind: work.ActionSend, ResourceID: "r1", ScheduleID: schedID},
		Err:  fmt.Errorf("network down"),
	})
	s, err = fx.schedules.Get(ctx, schedID)
	if err != nil {
		t.Fatal(err)
	}
	if s.ExecutedCount != 1 {
		t.Errorf("failed send changed executed count to %d", s.ExecutedCount)
	}
	stats, err := fx.registry.Stats(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if stats["send"].Failed != 1 || stats["send"].Succeeded != 1 {
		t.Errorf("send stats %+v", stats["send"])
	}
}
