package work

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"burstflow/internal/eventbus"
	rtsup "burstflow/internal/runtime/supervisor"
	logx "burstflow/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Pool is a fixed-size worker pool with two priority lanes.
type Pool struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	collab Collaborators
	hooks  Hooks

	high   chan Item
	normal chan Item

	limiter *rate.Limiter

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	stateMu sync.Mutex
	states  map[string]*runState

	circuits circuitStore

	inFlight  int32
	submitted uint64
	dropped   uint64
	skipped   uint64

	lastFullWarnAt int64
}

func NewPool(cfg Config, collab Collaborators, hooks Hooks, log logx.Logger, bus eventbus.Bus) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		collab: collab,
		hooks:  hooks,
		states: make(map[string]*runState),
	}
}

// Start launches the workers. It is idempotent.
func (p *Pool) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	cfg := p.cfg

	if p.stopCh != nil {
		done := p.stopDone
		p.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
		} else {
			return
		}
		p.mu.Lock()
		if p.stopCh != nil {
			p.mu.Unlock()
			return
		}
	}

	p.high = make(chan Item, cfg.QueueSize)
	p.normal = make(chan Item, cfg.QueueSize)
	p.stopCh = make(chan struct{})
	p.stopDone = nil
	p.limiter = newLimiter(cfg.RatePerSec)
	atomic.StoreInt32(&p.inFlight, 0)

	stopCh := p.stopCh
	high, normal := p.high, p.normal
	workers := cfg.Workers

	p.sup = rtsup.New(ctx,
		rtsup.WithLogger(p.log.With(logx.String("comp", "workpool"))),
		rtsup.WithCancelOnError(false),
	)
	sup := p.sup
	p.mu.Unlock()

	for i := 0; i < workers; i++ {
		idx := i
		name := fmt.Sprintf("worker.%d", idx)
		// Auto-restart workers if they panic or exit unexpectedly.
		sup.GoRestart(name, func(c context.Context) error {
			p.worker(c, stopCh, high, normal, idx)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}

	p.log.Info("worker pool started", logx.Int("workers", workers), logx.Int("queue", cap(normal)))
}

// Stop drains nothing: queued items are dropped when the pool shuts down.
func (p *Pool) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopCh == nil {
		p.mu.Unlock()
		return
	}
	if p.stopDone != nil {
		done := p.stopDone
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	p.stopDone = done
	close(p.stopCh)
	sup := p.sup
	p.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		p.mu.Lock()
		p.high = nil
		p.normal = nil
		p.stopCh = nil
		p.stopDone = nil
		p.sup = nil
		atomic.StoreInt32(&p.inFlight, 0)
		p.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("worker pool stopped")
	case <-ctx.Done():
		p.log.Warn("worker pool stop timed out", logx.Err(ctx.Err()))
	}
}

// Apply swaps the configuration. Worker or queue size changes restart the
// pool; throttle changes take effect in place.
func (p *Pool) Apply(ctx context.Context, cfg Config) {
	p.mu.Lock()
	prev := p.cfg
	p.cfg = cfg
	running := p.stopCh != nil && p.stopDone == nil
	if running && prev.RatePerSec != cfg.RatePerSec {
		p.limiter = newLimiter(cfg.RatePerSec)
	}
	p.mu.Unlock()

	if !running {
		return
	}
	if prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize {
		p.Stop(ctx)
		p.Start(ctx)
	}
}

// Enqueue accepts an item without blocking; a full lane drops it.
func (p *Pool) Enqueue(it Item) error {
	return p.enqueue(context.Background(), it, false)
}

// Submit accepts an item, blocking until there is queue room, ctx is
// canceled, or the pool stops.
func (p *Pool) Submit(ctx context.Context, it Item) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return p.enqueue(ctx, it, true)
}

func (p *Pool) enqueue(ctx context.Context, it Item, block bool) error {
	if strings.TrimSpace(it.ResourceID) == "" {
		return errors.New("work item needs a resource ID")
	}
	if it.Kind != ActionCheck && it.Kind != ActionSend {
		return errors.New("unknown action kind: " + string(it.Kind))
	}
	if strings.TrimSpace(it.ID) == "" {
		it.ID = uuid.NewString()
	}

	p.mu.Lock()
	cfg := p.cfg
	high, normal := p.high, p.normal
	stopCh := p.stopCh
	stopping := p.stopDone != nil
	p.mu.Unlock()

	if high == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	if it.Timeout <= 0 {
		it.Timeout = cfg.DefaultTimeout
	}
	it.Opt = it.Opt.withDefaults(cfg)

	now := time.Now()

	// Circuit breaker: a failing resource is left alone until its cooldown
	// passes.
	if open, until := p.circuitIsOpen(now, it.ResourceID, cfg); open {
		atomic.AddUint64(&p.skipped, 1)
		p.publish(eventbus.TypeWorkSkipped, it, 0, 0, "circuit_open")
		p.log.Debug("work skipped: circuit open",
			logx.String("resource", it.ResourceID), logx.String("until", until.Format(time.RFC3339)))
		return ErrCircuitOpen
	}

	// Overlap gate: one item per resource, queued or running.
	st := p.stateFor(it.ResourceID)
	if !st.tryAcquire() {
		atomic.AddUint64(&p.skipped, 1)
		p.publish(eventbus.TypeWorkSkipped, it, 0, 0, "overlap_skip")
		p.log.Debug("work skipped: resource busy", logx.String("resource", it.ResourceID))
		return ErrOverlapSkip
	}

	lane := normal
	if it.Priority == PriorityHigh {
		lane = high
	}

	if !block {
		select {
		case lane <- it:
			atomic.AddUint64(&p.submitted, 1)
			return nil
		default:
			st.release()
			p.onDropped(now, it)
			return ErrQueueFull
		}
	}

	select {
	case lane <- it:
		atomic.AddUint64(&p.submitted, 1)
		return nil
	case <-ctx.Done():
		st.release()
		return ctx.Err()
	case <-stopCh:
		st.release()
		return ErrStopping
	}
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	cfg := p.cfg
	high, normal := p.high, p.normal
	p.mu.Unlock()

	ql, qc := 0, 0
	if normal != nil {
		ql = len(normal) + len(high)
		qc = cap(normal) + cap(high)
	}
	now := time.Now()
	ct, co := p.circuitSnapshot(now, cfg)
	return Snapshot{
		Workers:      cfg.Workers,
		QueueLen:     ql,
		QueueCap:     qc,
		InFlight:     int(atomic.LoadInt32(&p.inFlight)),
		Submitted:    atomic.LoadUint64(&p.submitted),
		Dropped:      atomic.LoadUint64(&p.dropped),
		Skipped:      atomic.LoadUint64(&p.skipped),
		CircuitTotal: ct,
		CircuitOpen:  co,
	}
}

func (p *Pool) stateFor(resourceID string) *runState {
	key := strings.TrimSpace(resourceID)
	if key == "" {
		key = "default"
	}
	p.stateMu.Lock()
	st := p.states[key]
	if st == nil {
		st = &runState{}
		p.states[key] = st
	}
	p.stateMu.Unlock()
	return st
}

func (p *Pool) onDropped(now time.Time, it Item) {
	atomic.AddUint64(&p.dropped, 1)
	p.publish(eventbus.TypeWorkDropped, it, 0, 0, "queue_full")
	if p.hooks.OnDrop != nil {
		p.hooks.OnDrop(it, "queue_full")
	}
	if p.shouldWarn(&p.lastFullWarnAt, now) {
		p.log.Warn("work dropped: queue full",
			logx.String("resource", it.ResourceID),
			logx.String("kind", string(it.Kind)),
			logx.Uint64("dropped", atomic.LoadUint64(&p.dropped)))
	}
}

func (p *Pool) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

func (p *Pool) publish(typ string, it Item, attempts int, dur time.Duration, errStr string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Data: Event{
		ID:         it.ID,
		Kind:       string(it.Kind),
		ResourceID: it.ResourceID,
		ScheduleID: it.ScheduleID,
		Attempts:   attempts,
		Duration:   dur,
		Error:      errStr,
	}})
}

func newLimiter(perSec float64) *rate.Limiter {
	if perSec <= 0 {
		return nil
	}
	burst := int(perSec)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}
