package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"burstflow/internal/resource"
	"burstflow/internal/schedule"
	"burstflow/internal/work"
)

type okChecker struct{}

func (okChecker) Check(ctx context.Context, resourceID string) (work.CheckResult, error) {
	return work.CheckResult{Available: true}, nil
}

type okSender struct{}

func (okSender) Send(ctx context.Context, item work.Item) error { return nil }

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	cfg := `
logging:
  level: error
  console: false
storage:
  path: ` + filepath.Join(dir, "app.db") + `
dispatch:
  tick: 1h
pool:
  workers: 2
  queue_size: 16
maintenance:
  enabled: false
debug:
  enabled: false
`
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return cfgPath
}

func TestAppLifecycle(t *testing.T) {
	a, err := New(writeTestConfig(t), work.Collaborators{Checker: okChecker{}, Sender: okSender{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := a.Resources().Add(ctx, resource.Resource{ID: "r1", Label: "first", Enabled: true}); err != nil {
		t.Fatalf("Add resource: %v", err)
	}
	created, err := a.Schedules().Create(ctx, schedule.CreateRequest{
		Name:        "smoke",
		TotalCount:  60,
		Shape:       "even",
		WindowStart: "09:00",
		WindowEnd:   "17:00",
	})
	if err != nil {
		t.Fatalf("Create schedule: %v", err)
	}
	got, err := a.Schedules().Get(ctx, created.ID)
	if err != nil || got.Name != "smoke" {
		t.Fatalf("Get schedule = %+v, %v", got, err)
	}

	if snap := a.PoolSnapshot(); snap.Workers != 2 {
		t.Errorf("pool workers = %d, want 2", snap.Workers)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Error("Done should be closed after Stop")
	}
}

func TestAppStopWithoutStart(t *testing.T) {
	a, err := New(writeTestConfig(t), work.Collaborators{Checker: okChecker{}, Sender: okSender{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}
}
