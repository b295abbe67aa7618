package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	resource "burstflow/internal/resource"
	rtsup "burstflow/internal/runtime/supervisor"
	schedule "burstflow/internal/schedule"
	work "burstflow/internal/work"
	logx "burstflow/pkg/logx"
)

// Config controls the dispatch loop.
type Config struct {
	// Tick is how often the coordinator wakes up.
	Tick time.Duration

	// CheckInterval is the default recheck period per resource.
	CheckInterval time.Duration

	// BatchSize caps how many due resources one tick enqueues.
	BatchSize int

	// StaggerFraction spreads a batch's start times over this fraction of
	// CheckInterval.
	StaggerFraction float64

	// HotRecheck is how soon a resource that just saw inbound traffic is
	// checked again.
	HotRecheck time.Duration

	// ActiveWindow decides how recent inbound traffic must be for a resource
	// to count as recently active.
	ActiveWindow time.Duration

	// ActiveJitterMax spreads the active tier's start times over at most
	// this long.
	ActiveJitterMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = 15 * time.Second
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 3 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.StaggerFraction <= 0 || c.StaggerFraction > 1 {
		c.StaggerFraction = 0.3
	}
	if c.HotRecheck <= 0 {
		c.HotRecheck = time.Minute
	}
	if c.ActiveWindow <= 0 {
		c.ActiveWindow = 24 * time.Hour
	}
	if c.ActiveJitterMax <= 0 {
		c.ActiveJitterMax = 30 * time.Second
	}
	return c
}

// Submitter is the slice of the worker pool the coordinator needs.
type Submitter interface {
	Enqueue(it work.Item) error
}

// Coordinator runs the periodic dispatch loop: hot rechecks first, then the
// due-check batch, then sends owed by active schedule minutes.
type Coordinator struct {
	mu  sync.Mutex
	cfg Config

	log       logx.Logger
	registry  *resource.Registry
	schedules *schedule.Controller
	pool      Submitter
	esc       *Escalator
	rng       *rand.Rand
	rngMu     sync.Mutex

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	// dispatched tracks sends already handed to the pool for a schedule
	// minute, so several ticks inside one minute don't over-dispatch.
	dispMu     sync.Mutex
	dispatched map[string]int
}

func NewCoordinator(cfg Config, registry *resource.Registry, schedules *schedule.Controller, pool Submitter, log logx.Logger) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{
		cfg:        cfg.withDefaults(),
		log:        log,
		registry:   registry,
		schedules:  schedules,
		pool:       pool,
		esc:        NewEscalator(),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		dispatched: make(map[string]int),
	}
}

// Escalate queues a resource for an early recheck.
func (c *Coordinator) Escalate(resourceID string, now time.Time) {
	c.mu.Lock()
	hot := c.cfg.HotRecheck
	c.mu.Unlock()
	c.esc.Push(resourceID, now.Add(hot))
}

// Start launches the tick loop. Idempotent.
func (c *Coordinator) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	if c.stopCh != nil {
		c.mu.Unlock()
		return
	}
	c.stopCh = make(chan struct{})
	stopCh := c.stopCh
	tick := c.cfg.Tick
	c.sup = rtsup.New(ctx,
		rtsup.WithLogger(c.log.With(logx.String("comp", "dispatch"))),
		rtsup.WithCancelOnError(false),
	)
	sup := c.sup
	c.mu.Unlock()

	sup.GoRestart("tick", func(cctx context.Context) error {
		t := time.NewTicker(tick)
		defer t.Stop()
		// First pass right away so a restart doesn't sit idle for a tick.
		c.RunTick(cctx, time.Now())
		for {
			select {
			case <-cctx.Done():
				return cctx.Err()
			case <-stopCh:
				return context.Canceled
			case now := <-t.C:
				c.RunTick(cctx, now)
			}
		}
	})

	c.log.Info("dispatch started", logx.Duration("tick", tick))
}

// Stop halts the tick loop and waits for the in-flight pass to finish.
func (c *Coordinator) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	if c.stopCh == nil {
		c.mu.Unlock()
		return
	}
	if c.stopDone != nil {
		done := c.stopDone
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	c.stopDone = done
	close(c.stopCh)
	sup := c.sup
	c.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}
	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		c.mu.Lock()
		c.stopCh = nil
		c.stopDone = nil
		c.sup = nil
		c.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		c.log.Info("dispatch stopped")
	case <-ctx.Done():
		c.log.Warn("dispatch stop timed out", logx.Err(ctx.Err()))
	}
}

// Apply swaps the configuration. A changed tick takes effect on restart; the
// rest applies on the next pass.
func (c *Coordinator) Apply(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg.withDefaults()
	c.mu.Unlock()
}

// RunTick performs one dispatch pass. Exposed so operators (and tests) can
// force a pass outside the timer.
func (c *Coordinator) RunTick(ctx context.Context, now time.Time) {
	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()

	c.drainEscalated(now)
	c.dispatchChecks(ctx, cfg, now)
	c.dispatchSends(ctx, cfg, now)
	c.pruneDispatched(now)
}

// drainEscalated turns every due hot resource into an immediate
// high-priority check.
func (c *Coordinator) drainEscalated(now time.Time) {
	for _, id := range c.esc.PopDue(now) {
		tag := ""
		if res, err := c.registry.Get(context.Background(), id); err == nil {
			tag = res.NetTag
		}
		err := c.pool.Enqueue(work.Item{
			Kind:       work.ActionCheck,
			ResourceID: id,
			NetTag:     tag,
			Priority:   work.PriorityHigh,
		})
		if err != nil {
			c.log.Debug("hot recheck not enqueued", logx.String("resource", id), logx.Err(err))
		}
	}
}

// dispatchChecks selects the due batch, stamps it as scanned and enqueues
// the checks with staggered start times.
func (c *Coordinator) dispatchChecks(ctx context.Context, cfg Config, now time.Time) {
	batch, err := c.registry.DueForCheck(ctx, now, cfg.CheckInterval, cfg.ActiveWindow, cfg.BatchSize)
	if err != nil {
		c.log.Warn("due query failed", logx.Err(err))
		return
	}
	total := len(batch.Active) + len(batch.Regular)
	if total == 0 {
		return
	}

	ids := make([]string, 0, total)
	for _, r := range batch.Active {
		ids = append(ids, r.ID)
	}
	for _, r := range batch.Regular {
		ids = append(ids, r.ID)
	}
	// Stamp before enqueueing so the next tick doesn't re-pick the same
	// resources while their checks are still queued.
	if err := c.registry.MarkScanned(ctx, ids, now); err != nil {
		c.log.Warn("mark scanned failed", logx.Err(err))
		return
	}

	c.enqueueChecks(batch.Active, work.PriorityHigh, cfg.ActiveJitterMax)
	regularWindow := time.Duration(float64(cfg.CheckInterval) * cfg.StaggerFraction)
	c.enqueueChecks(batch.Regular, work.PriorityNormal, regularWindow)

	c.log.Debug("check batch dispatched",
		logx.Int("active", len(batch.Active)), logx.Int("regular", len(batch.Regular)))
}

// enqueueChecks spreads n checks over the window with stratified jitter:
// item i starts somewhere in slot [i, i+1) of n equal slots, so start times
// are distinct, bounded by the window and roughly even.
func (c *Coordinator) enqueueChecks(list []resource.Resource, prio work.Priority, window time.Duration) {
	n := len(list)
	if n == 0 {
		return
	}
	now := time.Now()
	for i, r := range list {
		delay := time.Duration((float64(i) + c.rand01()) / float64(n) * float64(window))
		err := c.pool.Enqueue(work.Item{
			Kind:       work.ActionCheck,
			ResourceID: r.ID,
			NetTag:     r.NetTag,
			Priority:   prio,
			NotBefore:  now.Add(delay),
		})
		if err != nil {
			c.log.Debug("check not enqueued", logx.String("resource", r.ID), logx.Err(err))
		}
	}
}

// dispatchSends looks at every active schedule's current minute bucket and
// enqueues however many sends it is still owed.
func (c *Coordinator) dispatchSends(ctx context.Context, cfg Config, now time.Time) {
	active, err := c.schedules.ListActive(ctx, now)
	if err != nil {
		c.log.Warn("active schedule query failed", logx.Err(err))
		return
	}

	for _, s := range active {
		buckets, err := c.schedules.Buckets(ctx, s.ID)
		if err != nil {
			c.log.Warn("bucket query failed", logx.Int64("schedule", s.ID), logx.Err(err))
			continue
		}
		var cur *schedule.Bucket
		for i := range buckets {
			if buckets[i].Hour == now.Hour() && buckets[i].Minute == now.Minute() {
				cur = &buckets[i]
				break
			}
		}
		if cur == nil {
			continue
		}

		key := fmt.Sprintf("%d@%02d:%02d", s.ID, cur.Hour, cur.Minute)
		c.dispMu.Lock()
		already := c.dispatched[key]
		owed := cur.Planned - cur.Executed - already
		if owed > 0 {
			c.dispatched[key] = already + owed
		}
		c.dispMu.Unlock()
		if owed <= 0 {
			continue
		}

		resources, err := c.registry.PickForSend(ctx, owed)
		if err != nil {
			c.log.Warn("send resource pick failed", logx.Int64("schedule", s.ID), logx.Err(err))
			continue
		}
		if len(resources) < owed {
			c.log.Warn("not enough resources for sends",
				logx.Int64("schedule", s.ID), logx.Int("owed", owed), logx.Int("got", len(resources)))
			// Give the shortfall back so a later tick can retry it.
			c.dispMu.Lock()
			c.dispatched[key] -= owed - len(resources)
			c.dispMu.Unlock()
		}

		// Spread the minute's sends over its remaining seconds.
		window := time.Until(now.Truncate(time.Minute).Add(time.Minute))
		if window < 0 {
			window = 0
		}
		for i, r := range resources {
			delay := time.Duration((float64(i) + c.rand01()) / float64(len(resources)) * float64(window))
			err := c.pool.Enqueue(work.Item{
				Kind:       work.ActionSend,
				ResourceID: r.ID,
				ScheduleID: s.ID,
				NetTag:     r.NetTag,
				NotBefore:  now.Add(delay),
			})
			if err != nil {
				c.log.Debug("send not enqueued",
					logx.Int64("schedule", s.ID), logx.String("resource", r.ID), logx.Err(err))
				c.dispMu.Lock()
				c.dispatched[key]--
				c.dispMu.Unlock()
			}
		}
		if len(resources) > 0 {
			c.log.Info("sends dispatched",
				logx.Int64("schedule", s.ID), logx.Int("count", len(resources)),
				logx.Int("minute_planned", cur.Planned))
		}
	}
}

// pruneDispatched drops markers from minutes other than the current one.
func (c *Coordinator) pruneDispatched(now time.Time) {
	suffix := fmt.Sprintf("@%02d:%02d", now.Hour(), now.Minute())
	c.dispMu.Lock()
	for k := range c.dispatched {
		if len(k) < len(suffix) || k[len(k)-len(suffix):] != suffix {
			delete(c.dispatched, k)
		}
	}
	c.dispMu.Unlock()
}

// HandleResult is wired as the pool's result hook: it records outcomes,
// maintains resource state and credits schedule progress.
func (c *Coordinator) HandleResult(ctx context.Context, r work.Result) {
	now := time.Now()
	switch r.Item.Kind {
	case work.ActionCheck:
		c.handleCheck(ctx, r, now)
	case work.ActionSend:
		c.handleSend(ctx, r, now)
	}
}

func (c *Coordinator) handleCheck(ctx context.Context, r work.Result, now time.Time) {
	entry := resource.WorkLogEntry{
		ResourceID: r.Item.ResourceID,
		Action:     string(work.ActionCheck),
		OK:         r.Err == nil,
		At:         now,
	}
	if r.Err != nil {
		entry.Detail = r.Err.Error()
	} else {
		entry.Detail = r.Check.Detail
	}
	if err := c.registry.RecordResult(ctx, entry); err != nil {
		c.log.Warn("work log write failed", logx.Err(err))
	}

	if r.Err != nil {
		if work.IsFatal(r.Err) {
			if err := c.registry.SetAvailable(ctx, r.Item.ResourceID, false); err != nil {
				c.log.Warn("availability update failed", logx.Err(err))
			}
		}
		return
	}

	if err := c.registry.SetAvailable(ctx, r.Item.ResourceID, r.Check.Available); err != nil {
		c.log.Warn("availability update failed", logx.Err(err))
	}
	c.recordNetTag(ctx, r)
	if !r.Check.InboundAt.IsZero() {
		if err := c.registry.RecordInbound(ctx, r.Item.ResourceID, r.Check.InboundAt); err != nil {
			c.log.Warn("inbound update failed", logx.Err(err))
		}
		// Inbound traffic escalates: recheck soon instead of waiting a full
		// interval.
		c.Escalate(r.Item.ResourceID, now)
	}
}

func (c *Coordinator) handleSend(ctx context.Context, r work.Result, now time.Time) {
	entry := resource.WorkLogEntry{
		ResourceID: r.Item.ResourceID,
		Action:     string(work.ActionSend),
		OK:         r.Err == nil,
		At:         now,
	}
	if r.Err != nil {
		entry.Detail = r.Err.Error()
	}
	if err := c.registry.RecordResult(ctx, entry); err != nil {
		c.log.Warn("work log write failed", logx.Err(err))
	}

	if r.Err != nil {
		// The minute's marker stays; the bucket keeps its shortfall and a
		// later tick may dispatch it again once the marker ages out.
		return
	}
	if err := c.registry.RecordSend(ctx, r.Item.ResourceID, now); err != nil {
		c.log.Warn("send stamp failed", logx.Err(err))
	}
	c.recordNetTag(ctx, r)
	if r.Item.ScheduleID != 0 {
		credited, err := c.schedules.RecordExecuted(ctx, r.Item.ScheduleID, now)
		if err != nil {
			c.log.Warn("schedule progress update failed",
				logx.Int64("schedule", r.Item.ScheduleID), logx.Err(err))
		} else if !credited {
			c.log.Debug("send outside planned hours not credited",
				logx.Int64("schedule", r.Item.ScheduleID))
		}
	}
}

// recordNetTag remembers the identity tag that just carried successful work.
func (c *Coordinator) recordNetTag(ctx context.Context, r work.Result) {
	if r.Item.NetTag == "" {
		return
	}
	if err := c.registry.RecordNetTag(ctx, r.Item.ResourceID, r.Item.NetTag); err != nil {
		c.log.Warn("net tag update failed", logx.Err(err))
	}
}

func (c *Coordinator) rand01() float64 {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return c.rng.Float64()
}
