package resource

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	storage "burstflow/internal/storage"
	logx "burstflow/pkg/logx"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewRegistry(db, logx.Nop())
}

func TestAddAndGet(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	ctx := context.Background()

	if err := r.Add(ctx, Resource{ID: "r1", Label: "first", Enabled: true, Available: true}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	got, err := r.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Label != "first" || !got.Enabled || !got.Available {
		t.Errorf("got %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}

	if _, err := r.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing resource: got %v, want ErrNotFound", err)
	}
	if err := r.Add(ctx, Resource{}); err == nil {
		t.Error("empty ID accepted")
	}
}

func TestRecordNetTag(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	ctx := context.Background()

	if err := r.Add(ctx, Resource{ID: "r1", Enabled: true, Available: true, NetTag: "net-a"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	got, err := r.Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.NetTag != "net-a" {
		t.Errorf("net tag %q, want net-a", got.NetTag)
	}

	if err := r.RecordNetTag(ctx, "r1", "net-b"); err != nil {
		t.Fatalf("RecordNetTag: %v", err)
	}
	got, err = r.Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.NetTag != "net-b" {
		t.Errorf("net tag %q after update, want net-b", got.NetTag)
	}

	if err := r.RecordNetTag(ctx, "missing", "net-c"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestDueForCheckPartition(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	ctx := context.Background()

	now := time.Now()
	interval := 10 * time.Minute
	window := 24 * time.Hour

	add := func(id string, checked, inbound time.Time) {
		t.Helper()
		if err := r.Add(ctx, Resource{
			ID: id, Enabled: true, Available: true,
			LastChecked: checked, LastInbound: inbound,
		}); err != nil {
			t.Fatal(err)
		}
	}

	// Active (inbound within window) and overdue at half interval.
	add("active-due", now.Add(-6*time.Minute), now.Add(-time.Hour))
	// Active but checked recently: half interval not yet elapsed.
	add("active-fresh", now.Add(-4*time.Minute), now.Add(-time.Hour))
	// Regular, overdue at full interval.
	add("regular-due", now.Add(-11*time.Minute), time.Time{})
	// Regular at 6 minutes is not due.
	add("regular-fresh", now.Add(-6*time.Minute), time.Time{})
	// Never checked: always due.
	add("never-checked", time.Time{}, time.Time{})
	// Inbound too long ago counts as regular.
	add("stale-inbound", now.Add(-11*time.Minute), now.Add(-48*time.Hour))
	// Disabled resources never show up.
	if err := r.Add(ctx, Resource{ID: "disabled", Enabled: false, LastChecked: time.Time{}}); err != nil {
		t.Fatal(err)
	}

	batch, err := r.DueForCheck(ctx, now, interval, window, 100)
	if err != nil {
		t.Fatalf("DueForCheck: %v", err)
	}

	ids := func(list []Resource) map[string]bool {
		out := map[string]bool{}
		for _, res := range list {
			out[res.ID] = true
		}
		return out
	}
	active, regular := ids(batch.Active), ids(batch.Regular)

	if !active["active-due"] || active["active-fresh"] {
		t.Errorf("active tier: %v", active)
	}
	for _, want := range []string{"regular-due", "never-checked", "stale-inbound"} {
		if !regular[want] {
			t.Errorf("regular tier missing %s: %v", want, regular)
		}
	}
	if regular["regular-fresh"] || regular["disabled"] || active["disabled"] {
		t.Errorf("unexpected members: active=%v regular=%v", active, regular)
	}
}

func TestDueForCheckCaps(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	ctx := context.Background()

	now := time.Now()
	for i := 0; i < 30; i++ {
		if err := r.Add(ctx, Resource{
			ID: fmt.Sprintf("r%02d", i), Enabled: true, Available: true,
			LastInbound: now.Add(-time.Hour),
		}); err != nil {
			t.Fatal(err)
		}
	}

	batch, err := r.DueForCheck(ctx, now, 10*time.Minute, 24*time.Hour, 10)
	if err != nil {
		t.Fatal(err)
	}
	// All 30 are active tier; cap is 40% of the batch.
	if len(batch.Active) != 4 {
		t.Errorf("active tier has %d, want 4", len(batch.Active))
	}
	if len(batch.Regular) != 0 {
		t.Errorf("regular tier has %d, want 0", len(batch.Regular))
	}
}

func TestDueForCheckIntervalOverride(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	ctx := context.Background()

	now := time.Now()
	// Default interval 10m: 3 minutes ago would not be due, but the override
	// of 2 minutes makes it due.
	if err := r.Add(ctx, Resource{
		ID: "fast", Enabled: true, Available: true,
		LastChecked: now.Add(-3 * time.Minute), CheckInterval: 2 * time.Minute,
	}); err != nil {
		t.Fatal(err)
	}

	batch, err := r.DueForCheck(ctx, now, 10*time.Minute, 24*time.Hour, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.Regular) != 1 || batch.Regular[0].ID != "fast" {
		t.Errorf("override not honored: %+v", batch)
	}
}

func TestMarkScannedSuppressesReselection(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	ctx := context.Background()

	now := time.Now()
	if err := r.Add(ctx, Resource{ID: "r1", Enabled: true, Available: true}); err != nil {
		t.Fatal(err)
	}

	batch, err := r.DueForCheck(ctx, now, 10*time.Minute, 24*time.Hour, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.Regular) != 1 {
		t.Fatalf("expected r1 due, got %+v", batch)
	}

	if err := r.MarkScanned(ctx, []string{"r1"}, now); err != nil {
		t.Fatalf("MarkScanned: %v", err)
	}
	batch, err = r.DueForCheck(ctx, now, 10*time.Minute, 24*time.Hour, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.Active)+len(batch.Regular) != 0 {
		t.Errorf("r1 selected again after MarkScanned: %+v", batch)
	}
}

func TestPickForSendOrdersByLastSend(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	ctx := context.Background()

	now := time.Now()
	if err := r.Add(ctx, Resource{ID: "recent", Enabled: true, Available: true, LastSend: now.Add(-time.Minute)}); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(ctx, Resource{ID: "old", Enabled: true, Available: true, LastSend: now.Add(-time.Hour)}); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(ctx, Resource{ID: "fresh", Enabled: true, Available: true}); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(ctx, Resource{ID: "down", Enabled: true, Available: false}); err != nil {
		t.Fatal(err)
	}

	picked, err := r.PickForSend(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(picked) != 2 || picked[0].ID != "fresh" || picked[1].ID != "old" {
		got := make([]string, len(picked))
		for i, p := range picked {
			got[i] = p.ID
		}
		t.Errorf("picked %v, want [fresh old]", got)
	}
}

func TestAvailabilityAndEnable(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	ctx := context.Background()

	if err := r.Add(ctx, Resource{ID: "r1", Enabled: true, Available: true}); err != nil {
		t.Fatal(err)
	}
	if err := r.SetAvailable(ctx, "r1", false); err != nil {
		t.Fatal(err)
	}
	if picked, _ := r.PickForSend(ctx, 5); len(picked) != 0 {
		t.Errorf("unavailable resource picked: %+v", picked)
	}
	if err := r.SetEnabled(ctx, "r1", false); err != nil {
		t.Fatal(err)
	}
	list, err := r.List(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("disabled resource listed as enabled: %+v", list)
	}
	if err := r.SetAvailable(ctx, "missing", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestWorkLogStatsAndPrune(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	ctx := context.Background()

	if err := r.Add(ctx, Resource{ID: "r1", Enabled: true, Available: true}); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	entries := []WorkLogEntry{
		{ResourceID: "r1", Action: "check", OK: true, At: now},
		{ResourceID: "r1", Action: "check", OK: false, Detail: "timeout", At: now},
		{ResourceID: "r1", Action: "send", OK: true, At: now},
		{ResourceID: "r1", Action: "send", OK: true, At: now.Add(-10 * 24 * time.Hour)},
	}
	for _, e := range entries {
		if err := r.RecordResult(ctx, e); err != nil {
			t.Fatalf("RecordResult: %v", err)
		}
	}

	stats, err := r.Stats(ctx, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if got := stats["check"]; got.Total != 2 || got.Succeeded != 1 || got.Failed != 1 {
		t.Errorf("check stats %+v", got)
	}
	if got := stats["send"]; got.Total != 1 || got.Succeeded != 1 {
		t.Errorf("send stats %+v (old entry should be outside window)", got)
	}

	pruned, err := r.PruneWorkLog(ctx, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("PruneWorkLog: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned %d rows, want 1", pruned)
	}
}

func TestRecordInboundPromotesToActive(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	ctx := context.Background()

	now := time.Now()
	if err := r.Add(ctx, Resource{ID: "r1", Enabled: true, Available: true, LastChecked: now.Add(-6 * time.Minute)}); err != nil {
		t.Fatal(err)
	}

	// At 6 of 10 minutes the regular tier is not due yet.
	batch, err := r.DueForCheck(ctx, now, 10*time.Minute, 24*time.Hour, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.Active)+len(batch.Regular) != 0 {
		t.Fatalf("unexpectedly due before inbound: %+v", batch)
	}

	if err := r.RecordInbound(ctx, "r1", now); err != nil {
		t.Fatal(err)
	}
	// Active tier halves the interval, so 6 minutes is now overdue.
	batch, err = r.DueForCheck(ctx, now, 10*time.Minute, 24*time.Hour, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.Active) != 1 || batch.Active[0].ID != "r1" {
		t.Errorf("inbound did not promote to active tier: %+v", batch)
	}
}
