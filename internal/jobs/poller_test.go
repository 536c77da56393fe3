package jobs

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/mkallio/tapedeck/playerd/internal/remote"
	"github.com/mkallio/tapedeck/playerd/internal/shared"
)

type stubStatusService struct {
	mu       sync.Mutex
	statuses map[remote.JobKind]remote.JobStatus
	errs     map[remote.JobKind]error
	failAll  bool
	calls    []remote.JobKind
	signal   chan struct{}
}

func newStub() *stubStatusService {
	return &stubStatusService{
		statuses: make(map[remote.JobKind]remote.JobStatus),
		errs:     make(map[remote.JobKind]error),
	}
}

func (s *stubStatusService) JobStatus(ctx context.Context, kind remote.JobKind) (remote.JobStatus, error) {
	s.mu.Lock()
	s.calls = append(s.calls, kind)
	failAll := s.failAll
	err := s.errs[kind]
	status := s.statuses[kind]
	sig := s.signal
	s.mu.Unlock()

	if sig != nil {
		select {
		case sig <- struct{}{}:
		default:
		}
	}
	if failAll {
		return remote.JobStatus{}, errors.New("connection refused")
	}
	if err != nil {
		return remote.JobStatus{}, err
	}
	return status, nil
}

func (s *stubStatusService) setFailAll(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAll = fail
}

func (s *stubStatusService) setRunning(kind remote.JobKind, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statuses[kind]
	st.Running = running
	s.statuses[kind] = st
}

func (s *stubStatusService) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubStatusService) kindsSeen() map[remote.JobKind]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[remote.JobKind]bool)
	for _, kind := range s.calls {
		seen[kind] = true
	}
	return seen
}

type changeRecorder struct {
	mu        sync.Mutex
	snapshots []map[remote.JobKind]remote.JobStatus
}

func (r *changeRecorder) record(s map[remote.JobKind]remote.JobStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, s)
}

func (r *changeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

func (r *changeRecorder) lastSnapshot() map[remote.JobKind]remote.JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snapshots) == 0 {
		return nil
	}
	return r.snapshots[len(r.snapshots)-1]
}

func newTestPoller(stub *stubStatusService, opts Options) *Poller {
	return NewPoller(stub, opts, shared.NewLogger(io.Discard))
}

func (p *Poller) currentInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

func (p *Poller) currentTimer() *time.Timer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timer
}

func TestUnchangedCycleSignalsNothingButReschedules(t *testing.T) {
	stub := newStub()
	p := newTestPoller(stub, DefaultOptions())
	defer p.Stop()
	rec := &changeRecorder{}
	p.SetOnChange(rec.record)

	// First observation has nothing to compare against and always signals.
	p.cycle()
	if rec.count() != 1 {
		t.Fatalf("change signals after first cycle = %d, want 1", rec.count())
	}
	first := p.currentTimer()
	if first == nil {
		t.Fatal("no next cycle armed after first cycle")
	}

	p.cycle()
	if rec.count() != 1 {
		t.Errorf("change signals after identical cycle = %d, want 1", rec.count())
	}
	second := p.currentTimer()
	if second == nil || second == first {
		t.Error("identical cycle did not arm a fresh next cycle")
	}
	if got := p.currentInterval(); got != DefaultOptions().IdleInterval {
		t.Errorf("interval = %v, want idle %v", got, DefaultOptions().IdleInterval)
	}
}

func TestChangeSignalCarriesNewStatuses(t *testing.T) {
	stub := newStub()
	p := newTestPoller(stub, DefaultOptions())
	defer p.Stop()
	rec := &changeRecorder{}
	p.SetOnChange(rec.record)

	p.cycle()
	stub.setRunning(remote.KindAnalysis, true)
	p.cycle()

	if rec.count() != 2 {
		t.Fatalf("change signals = %d, want 2", rec.count())
	}
	last := rec.lastSnapshot()
	if !last[remote.KindAnalysis].Running {
		t.Errorf("snapshot analysis = %+v, want running", last[remote.KindAnalysis])
	}
	if got := p.currentInterval(); got != DefaultOptions().ActiveInterval {
		t.Errorf("interval = %v, want active %v while a job runs", got, DefaultOptions().ActiveInterval)
	}

	stub.setRunning(remote.KindAnalysis, false)
	p.cycle()
	if got := p.currentInterval(); got != DefaultOptions().IdleInterval {
		t.Errorf("interval = %v, want idle %v after the job finished", got, DefaultOptions().IdleInterval)
	}
}

func TestBackoffAfterConsecutiveFailures(t *testing.T) {
	stub := newStub()
	stub.setRunning(remote.KindAnalysis, true)
	opts := DefaultOptions()
	p := newTestPoller(stub, opts)
	defer p.Stop()

	p.cycle()
	if got := p.currentInterval(); got != opts.ActiveInterval {
		t.Fatalf("baseline interval = %v, want %v", got, opts.ActiveInterval)
	}

	stub.setFailAll(true)

	// The first three failed cycles are tolerated at the baseline cadence.
	for i := 1; i <= 3; i++ {
		p.cycle()
		if got := p.currentInterval(); got != opts.ActiveInterval {
			t.Fatalf("interval after %d failures = %v, want baseline %v", i, got, opts.ActiveInterval)
		}
	}

	p.cycle()
	if got, want := p.currentInterval(), 4500*time.Millisecond; got != want {
		t.Fatalf("interval after 4th failure = %v, want %v", got, want)
	}
	p.cycle()
	if got, want := p.currentInterval(), 6750*time.Millisecond; got != want {
		t.Fatalf("interval after 5th failure = %v, want %v", got, want)
	}
	p.cycle()
	if got := p.currentInterval(); got != opts.MaxInterval {
		t.Fatalf("interval after 6th failure = %v, want cap %v", got, opts.MaxInterval)
	}
	p.cycle()
	if got := p.currentInterval(); got != opts.MaxInterval {
		t.Fatalf("interval stayed capped = %v, want %v", got, opts.MaxInterval)
	}

	// A clean cycle resets the counter and re-derives the cadence from
	// activity.
	stub.setFailAll(false)
	p.cycle()
	if got := p.currentInterval(); got != opts.ActiveInterval {
		t.Errorf("interval after recovery = %v, want %v", got, opts.ActiveInterval)
	}
	p.mu.Lock()
	failures := p.failures
	p.mu.Unlock()
	if failures != 0 {
		t.Errorf("failure counter = %d after clean cycle, want 0", failures)
	}
}

func TestPartialFailureNeitherCountsNorResets(t *testing.T) {
	stub := newStub()
	p := newTestPoller(stub, DefaultOptions())
	defer p.Stop()

	stub.setFailAll(true)
	p.cycle()
	p.cycle()

	p.mu.Lock()
	failures := p.failures
	p.mu.Unlock()
	if failures != 2 {
		t.Fatalf("failure counter = %d, want 2", failures)
	}

	// One kind still failing is a partial cycle: the counter holds.
	stub.setFailAll(false)
	stub.mu.Lock()
	stub.errs[remote.KindQuickScan] = errors.New("boom")
	stub.mu.Unlock()
	p.cycle()

	p.mu.Lock()
	failures = p.failures
	p.mu.Unlock()
	if failures != 2 {
		t.Errorf("failure counter after partial cycle = %d, want 2", failures)
	}
	if got := p.currentInterval(); got != DefaultOptions().IdleInterval {
		t.Errorf("interval = %v, want activity-derived %v", got, DefaultOptions().IdleInterval)
	}
}

func TestPausedCycleSkipsNetwork(t *testing.T) {
	stub := newStub()
	p := newTestPoller(stub, DefaultOptions())
	defer p.Stop()

	p.cycle()
	n := stub.callCount()

	p.Pause()
	p.cycle()
	if got := stub.callCount(); got != n {
		t.Fatalf("paused cycle made %d requests", got-n)
	}
	if p.currentTimer() == nil {
		t.Fatal("paused cycle did not reschedule")
	}

	p.Resume()
	p.cycle()
	if got := stub.callCount(); got != n+len(remote.AllJobKinds()) {
		t.Errorf("resumed cycle requests = %d, want %d", got-n, len(remote.AllJobKinds()))
	}
}

func TestPauseSwapsTimerAndResumeArmsNothing(t *testing.T) {
	stub := newStub()
	p := newTestPoller(stub, DefaultOptions())
	defer p.Stop()

	p.cycle()
	beforePause := p.currentTimer()

	p.Pause()
	pauseTimer := p.currentTimer()
	if pauseTimer == nil || pauseTimer == beforePause {
		t.Fatal("pause did not swap in a fresh timer")
	}

	p.Resume()
	if got := p.currentTimer(); got != pauseTimer {
		t.Error("resume armed a timer of its own")
	}
	p.mu.Lock()
	paused := p.paused
	p.mu.Unlock()
	if paused {
		t.Error("poller still paused after resume")
	}
}

func TestStartPollsImmediatelyAndLoops(t *testing.T) {
	stub := newStub()
	stub.signal = make(chan struct{}, 64)
	opts := Options{
		ActiveInterval: 40 * time.Millisecond,
		IdleInterval:   40 * time.Millisecond,
		MaxInterval:    200 * time.Millisecond,
	}
	p := newTestPoller(stub, opts)
	defer p.Stop()

	p.Start()

	// The first cycle runs without waiting out an interval.
	select {
	case <-stub.signal:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("no immediate first cycle")
	}

	// And the loop keeps going by itself.
	deadline := time.After(2 * time.Second)
	for stub.callCount() < 2*len(remote.AllJobKinds()) {
		select {
		case <-stub.signal:
		case <-deadline:
			t.Fatal("loop did not schedule a second cycle")
		}
	}
}

func TestStopIsIdempotentAndFinal(t *testing.T) {
	stub := newStub()
	p := newTestPoller(stub, DefaultOptions())

	p.cycle()
	p.Stop()
	p.Stop()

	n := stub.callCount()
	p.cycle()
	if got := stub.callCount(); got != n {
		t.Errorf("cycle after stop made %d requests", got-n)
	}
	if p.currentTimer() != nil {
		t.Error("timer survived stop")
	}

	p.Start()
	time.Sleep(20 * time.Millisecond)
	if got := stub.callCount(); got != n {
		t.Errorf("start after stop made %d requests", got-n)
	}
}

func TestFocusedPollerWatchesSubset(t *testing.T) {
	stub := newStub()
	opts := Options{
		Kinds:          []remote.JobKind{remote.KindAnalysis},
		ActiveInterval: 1500 * time.Millisecond,
		IdleInterval:   1500 * time.Millisecond,
	}
	p := newTestPoller(stub, opts)
	defer p.Stop()

	p.cycle()

	seen := stub.kindsSeen()
	if !seen[remote.KindAnalysis] {
		t.Error("focused kind not polled")
	}
	if seen[remote.KindMetadataUpdate] || seen[remote.KindQuickScan] {
		t.Errorf("focused poller queried unwatched kinds: %v", seen)
	}
	if stub.callCount() != 1 {
		t.Errorf("requests = %d, want 1", stub.callCount())
	}
}
