package main

import (
	"context"
	"time"

	"burstflow/internal/work"
)

// dryRunCollaborators wires no-op integrations so the engine runs end to end
// without touching any external service. Every check reports the resource
// available and every send succeeds after a short simulated delay.
func dryRunCollaborators() work.Collaborators {
	return work.Collaborators{
		Checker: dryChecker{},
		Sender:  drySender{},
	}
}

type dryChecker struct{}

func (dryChecker) Check(ctx context.Context, resourceID string) (work.CheckResult, error) {
	select {
	case <-time.After(50 * time.Millisecond):
	case <-ctx.Done():
		return work.CheckResult{}, ctx.Err()
	}
	return work.CheckResult{Available: true, Detail: "dry run"}, nil
}

type drySender struct{}

func (drySender) Send(ctx context.Context, item work.Item) error {
	select {
	case <-time.After(100 * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
