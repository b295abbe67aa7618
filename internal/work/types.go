// Package work executes check and send actions against resources through a
// fixed pool of workers with retries, per-resource overlap gating and a
// consecutive-failure circuit breaker.
package work

import (
	"context"
	"sync"
	"time"
)

// ActionKind names what a work item does to its resource.
type ActionKind string

const (
	ActionCheck ActionKind = "check"
	ActionSend  ActionKind = "send"
)

// Priority orders competing items. High-priority items are always dequeued
// before normal ones.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

func (p Priority) String() string {
	if p == PriorityHigh {
		return "high"
	}
	return "normal"
}

// Item is one unit of work against a resource.
type Item struct {
	ID         string
	Kind       ActionKind
	ResourceID string

	// ScheduleID links a send back to the schedule it counts against.
	// Zero for checks.
	ScheduleID int64

	// NetTag is the network-identity tag the resource last did successful
	// work under. The ensure step receives it so a mismatched identity is
	// reset before any traffic flows. Empty means no pinning required.
	NetTag string

	Priority Priority

	// NotBefore delays execution until the given instant. Workers that pick
	// the item up early wait it out.
	NotBefore time.Time

	Timeout time.Duration
	Opt     Options
}

// Options overrides the pool's retry policy for one item.
type Options struct {
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
}

func (o Options) withDefaults(cfg Config) Options {
	if o.RetryMax <= 0 {
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryBase <= 0 {
		o.RetryBase = cfg.RetryBase
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = cfg.RetryMaxDelay
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	return o
}

// Config controls the worker pool.
type Config struct {
	Workers   int
	QueueSize int

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// DefaultTimeout is used when Item.Timeout is 0.
	DefaultTimeout time.Duration

	// RatePerSec throttles action execution across all workers.
	// 0 disables throttling.
	RatePerSec float64

	// Circuit breaker (consecutive failures per resource).
	// Trip < 0 disables it; 0 applies the default.
	CircuitTrip       int
	CircuitBaseDelay  time.Duration
	CircuitMaxDelay   time.Duration
	CircuitResetAfter time.Duration
}

// CheckResult is what a Checker learned about a resource.
type CheckResult struct {
	Available bool
	InboundAt time.Time // zero when nothing new arrived
	Detail    string
}

// IdentityEnsurer pins the network identity used for a resource before any
// traffic flows. Implementations reset and re-establish the identity when the
// current one does not match requiredTag; an empty requiredTag means any
// identity is acceptable.
type IdentityEnsurer interface {
	Ensure(ctx context.Context, resourceID, requiredTag string) error
}

// Checker polls a resource for inbound traffic and liveness.
type Checker interface {
	Check(ctx context.Context, resourceID string) (CheckResult, error)
}

// Sender performs one outbound send from a resource.
type Sender interface {
	Send(ctx context.Context, item Item) error
}

// Collaborators are the external integrations the pool drives. Identity may
// be nil when no network pinning is needed.
type Collaborators struct {
	Identity IdentityEnsurer
	Checker  Checker
	Sender   Sender
}

// Result is the final outcome of one item after all retries.
type Result struct {
	Item     Item
	Check    CheckResult // valid for ActionCheck when Err is nil
	Err      error
	Attempts int
	Started  time.Time
	Duration time.Duration
}

// Hooks let the owning component react to outcomes without the pool knowing
// about storage or schedules.
type Hooks struct {
	OnResult func(ctx context.Context, r Result)
	OnDrop   func(item Item, reason string)
}

// runState gates overlap per resource: an item is skipped while another item
// for the same resource is queued or running.
type runState struct {
	mu       sync.Mutex
	inflight int
}

func (s *runState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *runState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Workers   int
	QueueLen  int
	QueueCap  int
	InFlight  int
	Submitted uint64
	Dropped   uint64
	Skipped   uint64

	CircuitTotal int
	CircuitOpen  int
}

// Event is published on the bus for item outcomes.
type Event struct {
	ID         string        `json:"id"`
	Kind       string        `json:"kind"`
	ResourceID string        `json:"resource_id"`
	ScheduleID int64         `json:"schedule_id,omitempty"`
	Attempts   int           `json:"attempts"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}
