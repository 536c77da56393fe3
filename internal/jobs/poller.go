// Package jobs watches the media server's background jobs (library analysis,
// metadata update, quick scan) with one adaptive poll loop. The loop speeds
// up while a job runs, backs off under repeated failure, and can be paused
// around UI navigation without leaking timers or doubling up cycles.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mkallio/tapedeck/playerd/internal/remote"
)

// backoffThreshold is how many consecutive fully failed cycles are tolerated
// before the interval starts stretching by backoffFactor per failed cycle.
const (
	backoffThreshold = 3
	backoffFactor    = 1.5
)

// StatusService is the slice of the media server client the poller needs.
type StatusService interface {
	JobStatus(ctx context.Context, kind remote.JobKind) (remote.JobStatus, error)
}

// Options selects which job kinds a poller watches and its cadence. A
// focused poller for a detail view sets a single kind and equal short
// intervals; the daemon-wide poller uses DefaultOptions.
type Options struct {
	Kinds          []remote.JobKind
	ActiveInterval time.Duration // any watched job running
	IdleInterval   time.Duration // no watched job running
	MaxInterval    time.Duration // backoff ceiling
}

// DefaultOptions watches every job kind at 3s active / 8s idle, backing off
// to at most 10s.
func DefaultOptions() Options {
	return Options{
		Kinds:          remote.AllJobKinds(),
		ActiveInterval: 3 * time.Second,
		IdleInterval:   8 * time.Second,
		MaxInterval:    10 * time.Second,
	}
}

// Poller is the adaptive poll loop. Cycles never overlap: the next timer is
// armed only after the current cycle settles, and pausing swaps the pending
// timer for a fresh one rather than adding a second loop.
type Poller struct {
	svc    StatusService
	opts   Options
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	timer    *time.Timer
	interval time.Duration
	failures int // consecutive fully failed cycles
	paused   bool
	stopped  bool
	started  bool
	inFlight bool
	last     map[remote.JobKind]remote.JobStatus

	onChange func(statuses map[remote.JobKind]remote.JobStatus)
}

// NewPoller creates a poller over the given status service. Zero Options
// fields fall back to DefaultOptions values.
func NewPoller(svc StatusService, opts Options, logger *log.Logger) *Poller {
	def := DefaultOptions()
	if len(opts.Kinds) == 0 {
		opts.Kinds = def.Kinds
	}
	if opts.ActiveInterval <= 0 {
		opts.ActiveInterval = def.ActiveInterval
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = def.IdleInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = def.MaxInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		svc:      svc,
		opts:     opts,
		logger:   logger.WithPrefix("jobs"),
		ctx:      ctx,
		cancel:   cancel,
		interval: opts.IdleInterval,
		last:     make(map[remote.JobKind]remote.JobStatus),
	}
}

// SetOnChange registers a callback fired with a status snapshot whenever any
// watched job's status differs structurally from the previous observation.
func (p *Poller) SetOnChange(cb func(statuses map[remote.JobKind]remote.JobStatus)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = cb
}

// Start runs the first cycle immediately and arms the loop. Calling Start
// twice is a no-op.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go p.cycle()
}

// Pause cancels the pending timer, marks the poller paused, and arms a fresh
// timer at the current interval. Cycles that fire while paused skip the
// network but keep rescheduling, so the loop never dies.
func (p *Poller) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || p.paused {
		return
	}
	p.paused = true
	p.scheduleLocked(p.interval)
	p.logger.Debug("paused")
}

// Resume clears the paused flag. It never arms a timer itself: the pending
// one continues the loop, so resuming cannot create a second loop.
func (p *Poller) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || !p.paused {
		return
	}
	p.paused = false
	p.logger.Debug("resumed")
}

// Stop halts the loop permanently and aborts any in-flight requests.
// Idempotent.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	p.cancel()
	p.logger.Debug("stopped")
}

// Statuses returns a copy of the latest observations.
func (p *Poller) Statuses() map[remote.JobKind]remote.JobStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[remote.JobKind]remote.JobStatus, len(p.last))
	for kind, status := range p.last {
		out[kind] = status
	}
	return out
}

// cycle runs one poll: query every watched kind in parallel, merge the
// observations, adjust the interval, arm exactly one next cycle, and only
// then signal changes.
func (p *Poller) cycle() {
	p.mu.Lock()
	if p.stopped || p.inFlight {
		p.mu.Unlock()
		return
	}
	if p.paused {
		p.scheduleLocked(p.interval)
		p.mu.Unlock()
		return
	}
	p.inFlight = true
	kinds := p.opts.Kinds
	ctx := p.ctx
	p.mu.Unlock()

	statuses, failed := p.query(ctx, kinds)

	p.mu.Lock()
	p.inFlight = false
	if p.stopped {
		p.mu.Unlock()
		return
	}
	if p.paused {
		// Paused while this cycle was in flight: drop the result, keep the
		// loop breathing.
		p.scheduleLocked(p.interval)
		p.mu.Unlock()
		return
	}

	changed := p.mergeLocked(statuses)
	p.adjustIntervalLocked(failed, len(kinds))
	p.scheduleLocked(p.interval)

	var cb func(map[remote.JobKind]remote.JobStatus)
	var snapshot map[remote.JobKind]remote.JobStatus
	if changed && p.onChange != nil {
		cb = p.onChange
		snapshot = make(map[remote.JobKind]remote.JobStatus, len(p.last))
		for kind, status := range p.last {
			snapshot[kind] = status
		}
	}
	p.mu.Unlock()

	if cb != nil {
		cb(snapshot)
	}
}

// query fans out one request per kind. A failed request degrades to the zero
// status so one broken kind cannot poison the cycle.
func (p *Poller) query(ctx context.Context, kinds []remote.JobKind) (map[remote.JobKind]remote.JobStatus, int) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	statuses := make(map[remote.JobKind]remote.JobStatus, len(kinds))
	failed := 0

	for _, kind := range kinds {
		wg.Add(1)
		go func(kind remote.JobKind) {
			defer wg.Done()
			status, err := p.svc.JobStatus(ctx, kind)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				p.logger.Debug("job status request failed", "kind", kind, "err", err)
				statuses[kind] = remote.JobStatus{}
				failed++
				return
			}
			statuses[kind] = status
		}(kind)
	}
	wg.Wait()

	return statuses, failed
}

// mergeLocked folds the cycle's observations into the retained ones and
// reports whether anything differed structurally.
func (p *Poller) mergeLocked(statuses map[remote.JobKind]remote.JobStatus) bool {
	changed := false
	for kind, status := range statuses {
		prev, seen := p.last[kind]
		if !seen || !status.Equal(prev) {
			changed = true
		}
		p.last[kind] = status
	}
	return changed
}

// adjustIntervalLocked applies the cadence rules. Fully failed cycles leave
// the interval alone until more than backoffThreshold pile up, then stretch
// it by backoffFactor per failed cycle up to MaxInterval. Anything short of
// a full failure re-derives the interval from job activity; only a fully
// clean cycle resets the failure counter.
func (p *Poller) adjustIntervalLocked(failed, total int) {
	if total > 0 && failed == total {
		p.failures++
		if p.failures > backoffThreshold {
			next := time.Duration(float64(p.interval) * backoffFactor)
			if next > p.opts.MaxInterval {
				next = p.opts.MaxInterval
			}
			p.interval = next
		}
		return
	}

	if failed == 0 {
		p.failures = 0
	}

	p.interval = p.opts.IdleInterval
	for _, status := range p.last {
		if status.Running {
			p.interval = p.opts.ActiveInterval
			break
		}
	}
}

// scheduleLocked arms the single next cycle, replacing any pending timer.
func (p *Poller) scheduleLocked(d time.Duration) {
	if p.stopped {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(d, p.cycle)
}
