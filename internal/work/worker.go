package work

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	"burstflow/internal/eventbus"
	logx "burstflow/pkg/logx"
)

func (p *Pool) worker(ctx context.Context, stopCh <-chan struct{}, high, normal chan Item, idx int) {
	// Per-worker RNG: avoids global lock contention when many items retry
	// concurrently.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		// High lane always wins when both have work.
		select {
		case it := <-high:
			p.execOne(ctx, stopCh, it, rng)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case it := <-high:
			p.execOne(ctx, stopCh, it, rng)
		case it := <-normal:
			p.execOne(ctx, stopCh, it, rng)
		}
	}
}

func (p *Pool) execOne(ctx context.Context, stopCh <-chan struct{}, it Item, rng *rand.Rand) {
	st := p.stateFor(it.ResourceID)
	defer st.release()

	// Honor the item's earliest allowed start.
	if wait := time.Until(it.NotBefore); wait > 0 {
		tmr := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return
		case <-stopCh:
			tmr.Stop()
			return
		case <-tmr.C:
		}
	}

	p.mu.Lock()
	cfg := p.cfg
	limiter := p.limiter
	p.mu.Unlock()

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
	}

	atomic.AddInt32(&p.inFlight, 1)
	defer atomic.AddInt32(&p.inFlight, -1)

	start := time.Now()
	p.log.Debug("work started",
		logx.String("resource", it.ResourceID), logx.String("kind", string(it.Kind)),
		logx.String("priority", it.Priority.String()))

	var (
		check    CheckResult
		err      error
		attempts int
	)
	maxAttempts := 1 + it.Opt.RetryMax

attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt

		runCtx := ctx
		var cancel func()
		if it.Timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, it.Timeout)
		}
		// Guard against collaborator panics so one bad resource can't
		// permanently kill a worker.
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
					p.log.Error("work panic",
						logx.String("resource", it.ResourceID), logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			check, err = p.runItem(runCtx, it)
		}()
		if cancel != nil {
			cancel()
		}
		if err == nil {
			break
		}
		// Keep the Fatal wrapper on the final error so result handlers can
		// tell permanent failures apart.
		if IsFatal(err) {
			break
		}
		if attempt >= maxAttempts {
			break
		}

		delay := backoffDelayWithHint(it.Opt, attempt, err, rng)
		if delay > 0 {
			p.log.Debug("work retry scheduled",
				logx.String("resource", it.ResourceID), logx.Int("attempt", attempt+1),
				logx.Duration("delay", delay), logx.Err(err))
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !tmr.Stop() {
					<-tmr.C
				}
				err = ctx.Err()
				break attemptLoop
			case <-stopCh:
				if !tmr.Stop() {
					<-tmr.C
				}
				err = ErrStopped
				break attemptLoop
			case <-tmr.C:
			}
		}
	}

	dur := time.Since(start)
	if err != nil {
		p.log.Warn("work failed",
			logx.String("resource", it.ResourceID), logx.String("kind", string(it.Kind)),
			logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		p.publish(eventbus.TypeWorkFailed, it, attempts, dur, err.Error())
	} else {
		p.log.Debug("work completed",
			logx.String("resource", it.ResourceID), logx.String("kind", string(it.Kind)),
			logx.Duration("dur", dur), logx.Int("attempts", attempts))
		p.publish(eventbus.TypeWorkCompleted, it, attempts, dur, "")
	}

	p.circuitRecordResult(time.Now(), it.ResourceID, cfg, err)

	if p.hooks.OnResult != nil {
		p.hooks.OnResult(ctx, Result{
			Item: it, Check: check, Err: err,
			Attempts: attempts, Started: start, Duration: dur,
		})
	}
}

// runItem pins the network identity for the resource, then performs the
// action through the matching collaborator.
func (p *Pool) runItem(ctx context.Context, it Item) (CheckResult, error) {
	if p.collab.Identity != nil {
		if err := p.collab.Identity.Ensure(ctx, it.ResourceID, it.NetTag); err != nil {
			return CheckResult{}, fmt.Errorf("ensure identity: %w", err)
		}
	}

	switch it.Kind {
	case ActionCheck:
		if p.collab.Checker == nil {
			return CheckResult{}, Fatal(errors.New("no checker configured"))
		}
		return p.collab.Checker.Check(ctx, it.ResourceID)
	case ActionSend:
		if p.collab.Sender == nil {
			return CheckResult{}, Fatal(errors.New("no sender configured"))
		}
		return CheckResult{}, p.collab.Sender.Send(ctx, it)
	default:
		return CheckResult{}, Fatal(fmt.Errorf("unknown action kind %q", it.Kind))
	}
}

func backoffDelayWithHint(opt Options, retry int, err error, rng *rand.Rand) time.Duration {
	// Respect explicit retry-after hints if the collaborator provided one.
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		maxD := opt.RetryMaxDelay
		if maxD <= 0 {
			maxD = 15 * time.Second
		}
		if d > maxD {
			d = maxD
		}
		// Jitter on top of the hint to avoid thundering herds.
		j := opt.RetryJitter
		if j > 0 && d > 0 && rng != nil {
			r := (rng.Float64()*2 - 1) * j
			d = time.Duration(float64(d) * (1 + r))
			if d < 0 {
				d = 0
			}
		}
		if d > maxD {
			d = maxD
		}
		return d
	}
	return backoffDelay(opt, retry, rng)
}

func backoffDelay(opt Options, retry int, rng *rand.Rand) time.Duration {
	base := opt.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := opt.RetryMaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}
	j := opt.RetryJitter
	if j <= 0 {
		j = 0.2
	}

	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	if j > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}
