// Package transport is the media pipeline: it decodes a single stream
// locator to PCM and plays it. It is the only package that touches audio
// decoding or output hardware. The playback controller owns the one Pipeline
// instance; nothing else sets its source.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// PipelineState is the transport-level playback state.
type PipelineState string

const (
	StateStopped PipelineState = "stopped"
	StatePlaying PipelineState = "playing"
	StatePaused  PipelineState = "paused"
)

const progressTick = 250 * time.Millisecond

// Sink is the PCM output backend. Stop discards buffered audio and rejects
// further writes until Reset; the pipeline calls Reset once the superseded
// session's writer has fully exited.
type Sink interface {
	io.WriteCloser
	SampleRate() int
	Channels() int
	Pause()
	Resume()
	Stop()
	Reset()
	SetVolume(v float64)
	Volume() float64
}

// Decoder turns a stream locator into PCM written to a sink.
type Decoder interface {
	Decode(ctx context.Context, locator string, w io.Writer, sampleRate, channels int, startSec float64) error
	Duration(ctx context.Context, locator string) (time.Duration, error)
}

// Pipeline drives one decoder-to-sink stream at a time. A new Play supersedes
// the running session: sessions carry an id, and a session that discovers a
// newer id abandons its cleanup and callbacks.
type Pipeline struct {
	mu     sync.RWMutex
	playMu sync.Mutex // serializes session starts; at most one stream exists

	sink    Sink
	decoder Decoder
	logger  *log.Logger

	state    PipelineState
	locator  string
	position float64 // seconds
	duration float64 // seconds

	sessionID   uint64
	sessionDone chan struct{}
	cancel      context.CancelFunc
	manualStop  bool

	onStarted  func()
	onProgress func(position, duration float64)
	onEnded    func()
	onError    func(err error)
}

// NewPipeline creates a transport pipeline over the given sink and decoder.
func NewPipeline(sink Sink, decoder Decoder, logger *log.Logger) *Pipeline {
	return &Pipeline{
		sink:    sink,
		decoder: decoder,
		logger:  logger.WithPrefix("transport"),
		state:   StateStopped,
	}
}

// SetOnStarted registers a callback fired when a stream produces its first
// audio data.
func (p *Pipeline) SetOnStarted(cb func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onStarted = cb
}

// SetOnProgress registers a callback fired on a quarter-second cadence while
// playing, with position and duration in seconds.
func (p *Pipeline) SetOnProgress(cb func(position, duration float64)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onProgress = cb
}

// SetOnEnded registers a callback fired when a stream finishes naturally.
// Manual stops and superseded sessions do not fire it. The callback runs on
// its own goroutine and may call back into the pipeline.
func (p *Pipeline) SetOnEnded(cb func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onEnded = cb
}

// SetOnError registers a callback fired when the active stream fails. Like
// SetOnEnded it runs on its own goroutine.
func (p *Pipeline) SetOnError(cb func(err error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onError = cb
}

// Play starts streaming the locator from the beginning, superseding any
// running session. durationHint is the expected length in seconds; when zero
// the locator is probed.
func (p *Pipeline) Play(ctx context.Context, locator string, durationHint float64) error {
	return p.startSession(ctx, locator, 0, durationHint)
}

func (p *Pipeline) startSession(ctx context.Context, locator string, startSec, durationHint float64) error {
	p.playMu.Lock()
	defer p.playMu.Unlock()

	p.mu.Lock()
	if p.state != StateStopped {
		p.stopSessionLocked()
	}
	oldDone := p.sessionDone
	p.mu.Unlock()

	// Wait for the superseded session's writer to exit before reopening the
	// sink, so stale chunks cannot land in the new stream.
	if oldDone != nil {
		<-oldDone
	}
	p.sink.Reset()

	p.mu.Lock()
	duration := durationHint
	if duration <= 0 {
		p.mu.Unlock()
		probed, err := p.decoder.Duration(ctx, locator)
		if err != nil {
			return fmt.Errorf("failed to probe duration: %w", err)
		}
		duration = probed.Seconds()
		p.mu.Lock()
	}

	p.sessionID++
	session := p.sessionID
	done := make(chan struct{})
	p.sessionDone = done

	streamCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.locator = locator
	p.position = startSec
	p.duration = duration
	p.state = StatePlaying
	p.manualStop = false
	p.mu.Unlock()

	go func() {
		defer close(done)
		p.run(streamCtx, session, locator, startSec)
	}()

	return nil
}

// run decodes the stream and tracks position until the stream drains or the
// session is superseded. It owns no lock while invoking callbacks.
func (p *Pipeline) run(ctx context.Context, session uint64, locator string, startSec float64) {
	p.logger.Debug("session started", "session", session, "locator", locator)

	ticker := time.NewTicker(progressTick)
	defer ticker.Stop()

	tickerDone := make(chan struct{})
	go p.trackPosition(ctx, session, startSec, ticker, tickerDone)
	defer close(tickerDone)

	started := &firstWriteNotifier{w: p.sink}
	started.notify = func() {
		if cb := p.startedCallback(session); cb != nil {
			cb()
		}
	}

	err := p.decoder.Decode(ctx, locator, started, p.sink.SampleRate(), p.sink.Channels(), startSec)
	if err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Warn("decode failed", "session", session, "err", err)
		p.mu.Lock()
		active := p.sessionID == session && !p.manualStop
		cb := p.onError
		if active {
			p.state = StateStopped
			p.locator = ""
			p.position = 0
		}
		p.mu.Unlock()
		if active && cb != nil {
			go cb(fmt.Errorf("stream failed: %w", err))
		}
		return
	}

	// The decoder finished ahead of the audible stream; let the sink drain.
	// Only playing time counts toward the wait, so a pipeline paused during
	// the drain never declares the stream ended until it is resumed.
	p.mu.RLock()
	if p.sessionID != session {
		p.mu.RUnlock()
		return
	}
	remaining := time.Duration((p.duration-p.position)*float64(time.Second)) + 500*time.Millisecond
	p.mu.RUnlock()

	if !p.drain(ctx, session, remaining) {
		return
	}

	p.mu.Lock()
	if p.sessionID != session || p.manualStop {
		p.mu.Unlock()
		return
	}
	p.state = StateStopped
	p.locator = ""
	p.position = 0
	cb := p.onEnded
	p.mu.Unlock()

	p.logger.Debug("stream ended", "session", session)
	if cb != nil {
		go cb()
	}
}

// drain waits out the gap between the decoder finishing and the sink going
// silent. The countdown advances only while the pipeline plays; a pause
// freezes it the same way trackPosition freezes position. Reports false when
// the session was superseded or cancelled before the wait elapsed.
func (p *Pipeline) drain(ctx context.Context, session uint64, remaining time.Duration) bool {
	if remaining <= 0 {
		return true
	}

	ticker := time.NewTicker(progressTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			p.mu.RLock()
			stale := p.sessionID != session
			playing := p.state == StatePlaying
			p.mu.RUnlock()
			if stale {
				return false
			}
			if playing {
				remaining -= progressTick
				if remaining <= 0 {
					return true
				}
			}
		}
	}
}

// trackPosition advances the wall-clock position while the pipeline plays,
// freezing it across pauses, and emits progress callbacks.
func (p *Pipeline) trackPosition(ctx context.Context, session uint64, startSec float64, ticker *time.Ticker, done chan struct{}) {
	elapsedBeforePause := time.Duration(startSec * float64(time.Second))
	playStart := time.Now()
	wasPlaying := true

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			if p.sessionID != session {
				p.mu.Unlock()
				return
			}
			var cb func(position, duration float64)
			var pos, dur float64
			switch {
			case p.state == StatePlaying:
				if !wasPlaying {
					playStart = time.Now()
					wasPlaying = true
				}
				p.position = (elapsedBeforePause + time.Since(playStart)).Seconds()
				if p.duration > 0 && p.position > p.duration {
					p.position = p.duration
				}
				cb = p.onProgress
				pos, dur = p.position, p.duration
			case p.state == StatePaused && wasPlaying:
				elapsedBeforePause += time.Since(playStart)
				wasPlaying = false
			}
			p.mu.Unlock()

			if cb != nil {
				cb(pos, dur)
			}
		}
	}
}

func (p *Pipeline) startedCallback(session uint64) func() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.sessionID != session {
		return nil
	}
	return p.onStarted
}

// Pause pauses the stream. Idempotent; pausing a stopped pipeline is a no-op.
func (p *Pipeline) Pause() {
	p.mu.Lock()
	if p.state != StatePlaying {
		p.mu.Unlock()
		return
	}
	p.state = StatePaused
	p.mu.Unlock()

	p.sink.Pause()
	p.logger.Debug("paused")
}

// Resume resumes a paused stream. Idempotent.
func (p *Pipeline) Resume() {
	p.mu.Lock()
	if p.state != StatePaused {
		p.mu.Unlock()
		return
	}
	p.state = StatePlaying
	p.mu.Unlock()

	p.sink.Resume()
	p.logger.Debug("resumed")
}

// Stop tears down the active stream and clears the source. Idempotent.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.state == StateStopped {
		p.mu.Unlock()
		return
	}
	p.stopSessionLocked()
	p.mu.Unlock()
}

// stopSessionLocked cancels the running session and flushes the sink. The
// session goroutine sees manualStop and suppresses its end callbacks.
func (p *Pipeline) stopSessionLocked() {
	p.state = StateStopped
	p.manualStop = true

	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}

	p.sink.Stop()

	p.locator = ""
	p.position = 0
	p.logger.Debug("stopped")
}

// Seek restarts the current stream at the given position in seconds. A
// paused pipeline stays paused at the new position.
func (p *Pipeline) Seek(seconds float64) error {
	p.mu.Lock()
	if p.state == StateStopped {
		p.mu.Unlock()
		return errors.New("no stream loaded")
	}

	if seconds < 0 {
		seconds = 0
	}
	if p.duration > 0 && seconds > p.duration {
		seconds = p.duration
	}

	locator := p.locator
	duration := p.duration
	wasPlaying := p.state == StatePlaying
	p.stopSessionLocked()
	p.mu.Unlock()

	if err := p.startSession(context.Background(), locator, seconds, duration); err != nil {
		return err
	}
	if !wasPlaying {
		p.Pause()
	}
	return nil
}

// SetVolume sets output volume in the 0 to 1 range.
func (p *Pipeline) SetVolume(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	p.sink.SetVolume(v)
}

// Volume returns the current output volume.
func (p *Pipeline) Volume() float64 {
	return p.sink.Volume()
}

// Position returns the playback position in seconds.
func (p *Pipeline) Position() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.position
}

// Duration returns the stream duration in seconds, 0 when unknown.
func (p *Pipeline) Duration() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.duration
}

// HasSource reports whether a stream is loaded (playing or paused).
func (p *Pipeline) HasSource() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state != StateStopped
}

// IsPlaying reports whether the pipeline is actively playing.
func (p *Pipeline) IsPlaying() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state == StatePlaying
}

// State returns the transport-level state.
func (p *Pipeline) State() PipelineState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Close stops the pipeline and releases the sink.
func (p *Pipeline) Close() error {
	p.Stop()
	return p.sink.Close()
}

// firstWriteNotifier invokes notify once, on the first successful write.
type firstWriteNotifier struct {
	w      io.Writer
	once   sync.Once
	notify func()
}

func (f *firstWriteNotifier) Write(data []byte) (int, error) {
	n, err := f.w.Write(data)
	if n > 0 && err == nil {
		f.once.Do(f.notify)
	}
	return n, err
}
