// Package player owns playback state: the current track, the forward queue,
// the listening history, and the transport driving them. All UI surfaces (IPC
// clients, the desktop media session) funnel into one Controller.
package player

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/mkallio/tapedeck/playerd/internal/remote"
	"github.com/mkallio/tapedeck/playerd/internal/shared"
)

// State is the controller-level playback state.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StatePlaying State = "playing"
	StatePaused  State = "paused"
)

// maxHistory bounds the listening history; the oldest entry is evicted first.
const maxHistory = 50

// TrackService is the slice of the media server client the controller needs.
type TrackService interface {
	GetTrack(ctx context.Context, id string) (remote.Track, error)
	StreamURL(track remote.Track) string
	ToggleLike(ctx context.Context, id string) (bool, error)
}

// Transport is the media pipeline the controller drives. Exactly one
// implementation exists per daemon and the controller is its only owner.
type Transport interface {
	Play(ctx context.Context, locator string, durationHint float64) error
	Pause()
	Resume()
	Stop()
	Seek(seconds float64) error
	SetVolume(v float64)
	Volume() float64
	Position() float64
	Duration() float64
	HasSource() bool
	IsPlaying() bool
	SetOnStarted(func())
	SetOnProgress(func(position, duration float64))
	SetOnEnded(func())
	SetOnError(func(err error))
}

// StateStore persists the scalars that survive a daemon restart.
type StateStore interface {
	SaveLastTrack(id string) error
	LastTrack() (string, error)
	SaveVolume(volume, preMuteVolume float64) error
	Volume() (volume, preMuteVolume float64, err error)
	SaveQueue(tracks []remote.Track) error
	LoadQueue() ([]remote.Track, error)
}

// Progress is a position report pushed at the transport's tick cadence.
type Progress struct {
	Position float64 `json:"position"`
	Duration float64 `json:"duration"`
	Fraction float64 `json:"fraction"`
	Elapsed  string  `json:"elapsed"`
	Total    string  `json:"total"`
}

// Status is a full snapshot of the playback session, served to IPC clients
// on request and on connect.
type Status struct {
	State    State          `json:"state"`
	Track    *remote.Track  `json:"track,omitempty"`
	Queue    []remote.Track `json:"queue"`
	Position float64        `json:"position"`
	Duration float64        `json:"duration"`
	Volume   float64        `json:"volume"`
	Muted    bool           `json:"muted"`
}

// Controller is the playback session singleton. Play intents carry a
// monotonic generation; an intent that resolves after a newer one has been
// issued is discarded, so racing fetches can never clobber a newer adoption.
type Controller struct {
	mu     sync.RWMutex
	playMu sync.Mutex // serializes transport starts across adoptions

	svc    TrackService
	tr     Transport
	store  StateStore
	logger *log.Logger

	state   State
	current *remote.Track
	queue   []remote.Track
	history []remote.Track

	generation    uint64
	preMuteVolume float64
	rememberQueue bool

	onNowPlaying func(track remote.Track)
	onPlayState  func(playing bool)
	onProgress   func(p Progress)
	onQueue      func(queue []remote.Track)
	onError      func(message string)
}

// NewController wires a controller over the media server client, the
// transport, and the state store. rememberQueue enables queue snapshots.
func NewController(svc TrackService, tr Transport, store StateStore, rememberQueue bool, logger *log.Logger) *Controller {
	c := &Controller{
		svc:           svc,
		tr:            tr,
		store:         store,
		logger:        logger.WithPrefix("player"),
		state:         StateIdle,
		preMuteVolume: 1.0,
		rememberQueue: rememberQueue,
	}
	tr.SetOnStarted(c.handleStarted)
	tr.SetOnProgress(c.handleProgress)
	tr.SetOnEnded(c.handleEnded)
	tr.SetOnError(c.handleTransportError)
	return c
}

// SetOnNowPlaying registers a callback fired when a track is adopted as
// current or its cached record is replaced.
func (c *Controller) SetOnNowPlaying(cb func(track remote.Track)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNowPlaying = cb
}

// SetOnPlayState registers a callback fired when playback starts or stops.
func (c *Controller) SetOnPlayState(cb func(playing bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPlayState = cb
}

// SetOnProgress registers a callback fired with position reports.
func (c *Controller) SetOnProgress(cb func(p Progress)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onProgress = cb
}

// SetOnQueueChanged registers a callback fired with a queue snapshot after
// every queue mutation.
func (c *Controller) SetOnQueueChanged(cb func(queue []remote.Track)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onQueue = cb
}

// SetOnError registers a callback for transient failures that have no caller
// to return to, such as a stream dying mid-track.
func (c *Controller) SetOnError(cb func(message string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = cb
}

// PlayTrack fetches the track record and makes it the current track. The
// outgoing current track is pushed to history when the id differs. On fetch
// failure nothing changes and the error is returned.
func (c *Controller) PlayTrack(ctx context.Context, trackID string) error {
	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.state = StateLoading
	c.mu.Unlock()

	track, err := c.svc.GetTrack(ctx, trackID)
	if err != nil {
		c.mu.Lock()
		if c.generation == gen {
			c.state = c.deriveStateLocked()
		}
		c.mu.Unlock()
		return fmt.Errorf("failed to fetch track %s: %w", trackID, err)
	}

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return shared.ErrSuperseded
	}
	c.adoptLocked(track, true)
	nowCb := c.onNowPlaying
	c.mu.Unlock()

	if nowCb != nil {
		nowCb(track)
	}
	c.persistLastTrack(track.ID)

	return c.startStream(ctx, gen, track)
}

// TogglePlayPause resumes a paused stream, pauses a playing one, or restarts
// the current track when the transport has no source left.
func (c *Controller) TogglePlayPause(ctx context.Context) error {
	switch {
	case c.tr.IsPlaying():
		c.tr.Pause()
		c.setPlaying(false)
		return nil
	case c.tr.HasSource():
		c.tr.Resume()
		c.setPlaying(true)
		return nil
	}

	c.mu.RLock()
	current := c.current
	c.mu.RUnlock()

	if current != nil {
		return c.PlayTrack(ctx, current.ID)
	}
	return c.PlayNext(ctx)
}

// PlayNext pops the queue head and plays it. An empty queue is the terminal
// state of the advance chain: current track and history stay untouched and
// no error is returned.
func (c *Controller) PlayNext(ctx context.Context) error {
	c.mu.Lock()
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return nil
	}
	next := c.queue[0]
	c.queue = c.queue[1:]
	c.generation++
	gen := c.generation
	c.adoptLocked(next, true)
	nowCb := c.onNowPlaying
	queueCb := c.onQueue
	snapshot := append([]remote.Track(nil), c.queue...)
	c.mu.Unlock()

	if nowCb != nil {
		nowCb(next)
	}
	if queueCb != nil {
		queueCb(snapshot)
	}
	c.persistLastTrack(next.ID)
	c.persistQueue(snapshot)

	return c.startStream(ctx, gen, next)
}

// PlayPrevious pops the history tail, pushes the current track to the front
// of the queue, and plays the popped track. That adoption does not touch
// history. With empty history the current track is rewound to zero instead.
func (c *Controller) PlayPrevious(ctx context.Context) error {
	c.mu.Lock()
	if len(c.history) == 0 {
		c.mu.Unlock()
		if c.tr.HasSource() {
			return c.tr.Seek(0)
		}
		return nil
	}
	prev := c.history[len(c.history)-1]
	c.history = c.history[:len(c.history)-1]
	if c.current != nil {
		c.queue = append([]remote.Track{*c.current}, c.queue...)
	}
	c.generation++
	gen := c.generation
	c.adoptLocked(prev, false)
	nowCb := c.onNowPlaying
	queueCb := c.onQueue
	snapshot := append([]remote.Track(nil), c.queue...)
	c.mu.Unlock()

	if nowCb != nil {
		nowCb(prev)
	}
	if queueCb != nil {
		queueCb(snapshot)
	}
	c.persistLastTrack(prev.ID)
	c.persistQueue(snapshot)

	return c.startStream(ctx, gen, prev)
}

// Enqueue appends a track to the queue, starting playback when nothing is
// playing and no adoption is in flight.
func (c *Controller) Enqueue(ctx context.Context, track remote.Track) error {
	return c.EnqueueMany(ctx, []remote.Track{track})
}

// EnqueueMany appends tracks to the queue in order.
func (c *Controller) EnqueueMany(ctx context.Context, tracks []remote.Track) error {
	if len(tracks) == 0 {
		return nil
	}
	c.mu.Lock()
	c.queue = append(c.queue, tracks...)
	autoplay := c.state == StateIdle ||
		(c.current != nil && c.state != StateLoading && !c.tr.HasSource())
	queueCb := c.onQueue
	snapshot := append([]remote.Track(nil), c.queue...)
	c.mu.Unlock()

	if queueCb != nil {
		queueCb(snapshot)
	}
	c.persistQueue(snapshot)

	if autoplay {
		return c.PlayNext(ctx)
	}
	return nil
}

// ClearQueue empties the queue. Current track and history are unaffected.
func (c *Controller) ClearQueue() {
	c.mu.Lock()
	c.queue = nil
	queueCb := c.onQueue
	c.mu.Unlock()

	if queueCb != nil {
		queueCb([]remote.Track{})
	}
	c.persistQueue([]remote.Track{})
}

// Seek moves the playback position of the loaded stream, in seconds.
func (c *Controller) Seek(seconds float64) error {
	return c.tr.Seek(seconds)
}

// SetVolume sets the output volume in the 0 to 1 range and persists it. A
// non-zero volume also becomes the new pre-mute snapshot.
func (c *Controller) SetVolume(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	c.tr.SetVolume(v)

	c.mu.Lock()
	if v > 0 {
		c.preMuteVolume = v
	}
	pre := c.preMuteVolume
	c.mu.Unlock()

	c.persistVolume(v, pre)
}

// ToggleMute drops the volume to zero, remembering the level to restore, or
// restores the remembered level. Returns the new volume.
func (c *Controller) ToggleMute() float64 {
	current := c.tr.Volume()
	if current > 0 {
		c.mu.Lock()
		c.preMuteVolume = current
		c.mu.Unlock()
		c.tr.SetVolume(0)
		c.persistVolume(0, current)
		return 0
	}

	c.mu.RLock()
	restore := c.preMuteVolume
	c.mu.RUnlock()
	if restore <= 0 {
		restore = 1.0
	}
	c.tr.SetVolume(restore)
	c.persistVolume(restore, restore)
	return restore
}

// ToggleLike flips the like flag for the current track on the server and
// patches the cached record. The record is replaced, never mutated in place.
func (c *Controller) ToggleLike(ctx context.Context) (bool, error) {
	c.mu.RLock()
	current := c.current
	c.mu.RUnlock()
	if current == nil {
		return false, shared.ErrNoCurrentTrack
	}

	liked, err := c.svc.ToggleLike(ctx, current.ID)
	if err != nil {
		return false, fmt.Errorf("failed to toggle like: %w", err)
	}

	c.mu.Lock()
	var nowCb func(remote.Track)
	var patched remote.Track
	if c.current != nil && c.current.ID == current.ID {
		patched = *c.current
		patched.Liked = liked
		c.current = &patched
		nowCb = c.onNowPlaying
	}
	c.mu.Unlock()

	if nowCb != nil {
		nowCb(patched)
	}
	return liked, nil
}

// RestoreLast loads the persisted last-played track and adopts it paused, so
// a fresh session shows where the previous one left off without autoplaying.
func (c *Controller) RestoreLast(ctx context.Context) error {
	id, err := c.store.LastTrack()
	if err != nil {
		if errors.Is(err, shared.ErrStateNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load last track: %w", err)
	}
	if id == "" {
		return nil
	}

	track, err := c.svc.GetTrack(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to restore track %s: %w", id, err)
	}

	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		return nil
	}
	c.current = &track
	c.state = StatePaused
	nowCb := c.onNowPlaying
	c.mu.Unlock()

	if nowCb != nil {
		nowCb(track)
	}
	return nil
}

// RestoreQueue loads the persisted queue snapshot. It never starts playback.
func (c *Controller) RestoreQueue() error {
	if !c.rememberQueue {
		return nil
	}
	tracks, err := c.store.LoadQueue()
	if err != nil {
		if errors.Is(err, shared.ErrStateNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load queue: %w", err)
	}
	if len(tracks) == 0 {
		return nil
	}

	c.mu.Lock()
	if len(c.queue) > 0 {
		c.mu.Unlock()
		return nil
	}
	c.queue = tracks
	queueCb := c.onQueue
	snapshot := append([]remote.Track(nil), c.queue...)
	c.mu.Unlock()

	if queueCb != nil {
		queueCb(snapshot)
	}
	return nil
}

// RestoreVolume applies the persisted volume levels without re-persisting.
func (c *Controller) RestoreVolume() {
	volume, preMute, err := c.store.Volume()
	if err != nil {
		if !errors.Is(err, shared.ErrStateNotFound) {
			c.logger.Warn("failed to load volume", "err", err)
		}
		return
	}
	c.tr.SetVolume(volume)
	c.mu.Lock()
	if preMute > 0 {
		c.preMuteVolume = preMute
	}
	c.mu.Unlock()
}

// Current returns a copy of the current track, or nil.
func (c *Controller) Current() *remote.Track {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return nil
	}
	t := *c.current
	return &t
}

// Queue returns a snapshot of the forward queue.
func (c *Controller) Queue() []remote.Track {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]remote.Track(nil), c.queue...)
}

// History returns a snapshot of the listening history, most recent last.
func (c *Controller) History() []remote.Track {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]remote.Track(nil), c.history...)
}

// State returns the controller-level playback state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Position returns the transport playback position in seconds.
func (c *Controller) Position() float64 {
	return c.tr.Position()
}

// Status assembles the full session snapshot.
func (c *Controller) Status() Status {
	c.mu.RLock()
	status := Status{
		State: c.state,
		Queue: append([]remote.Track(nil), c.queue...),
	}
	if c.current != nil {
		t := *c.current
		status.Track = &t
	}
	c.mu.RUnlock()

	status.Position = c.tr.Position()
	status.Duration = c.tr.Duration()
	status.Volume = c.tr.Volume()
	status.Muted = status.Volume == 0
	return status
}

// adoptLocked installs track as the current track. The outgoing current goes
// to history only when pushHistory is set and the id actually changes.
func (c *Controller) adoptLocked(track remote.Track, pushHistory bool) {
	if pushHistory && c.current != nil && c.current.ID != track.ID {
		c.history = append(c.history, *c.current)
		if len(c.history) > maxHistory {
			c.history = c.history[len(c.history)-maxHistory:]
		}
	}
	t := track
	c.current = &t
	c.state = StateLoading
}

// startStream derives the stream locator and starts the transport, unless a
// newer play intent has been issued since gen. The check runs again under
// playMu so two adoptions cannot interleave their transport starts.
func (c *Controller) startStream(ctx context.Context, gen uint64, track remote.Track) error {
	locator := c.svc.StreamURL(track)
	if locator == "" {
		c.emitError("no stream source for track " + track.ID)
		return shared.ErrNoStreamSource
	}

	c.playMu.Lock()
	c.mu.RLock()
	stale := c.generation != gen
	c.mu.RUnlock()
	if stale {
		c.playMu.Unlock()
		return shared.ErrSuperseded
	}
	err := c.tr.Play(ctx, locator, track.Duration)
	c.playMu.Unlock()

	if err != nil {
		c.logger.Warn("failed to start stream", "track", track.ID, "err", err)
		c.emitError("playback failed: " + track.Title)
		if nextErr := c.PlayNext(ctx); nextErr != nil {
			return nextErr
		}
		return fmt.Errorf("failed to start stream for %s: %w", track.ID, err)
	}
	return nil
}

// handleStarted reacts to the transport producing first audio.
func (c *Controller) handleStarted() {
	c.setPlaying(true)
}

// handleProgress converts raw transport position into the progress report.
func (c *Controller) handleProgress(position, duration float64) {
	p := Progress{
		Position: position,
		Duration: duration,
		Elapsed:  formatTime(position),
		Total:    formatTime(duration),
	}
	if duration > 0 {
		p.Fraction = position / duration
		if p.Fraction > 1 {
			p.Fraction = 1
		}
	}

	c.mu.RLock()
	cb := c.onProgress
	c.mu.RUnlock()
	if cb != nil {
		cb(p)
	}
}

// handleEnded advances to the next queued track after a natural stream end.
// A loading state means a newer play intent is already in flight and owns
// the transport; the stale end is dropped.
func (c *Controller) handleEnded() {
	c.mu.Lock()
	if c.state == StateLoading {
		c.mu.Unlock()
		return
	}
	c.state = c.deriveStateLocked()
	cb := c.onPlayState
	c.mu.Unlock()

	if cb != nil {
		cb(false)
	}
	if err := c.PlayNext(context.Background()); err != nil && !errors.Is(err, shared.ErrSuperseded) {
		c.logger.Warn("failed to advance queue", "err", err)
	}
}

// handleTransportError skips forward after a stream failure, mirroring the
// natural-end path.
func (c *Controller) handleTransportError(err error) {
	c.logger.Warn("stream failed", "err", err)

	c.mu.Lock()
	if c.state == StateLoading {
		c.mu.Unlock()
		return
	}
	c.state = c.deriveStateLocked()
	c.mu.Unlock()

	c.emitError(err.Error())
	if nextErr := c.PlayNext(context.Background()); nextErr != nil && !errors.Is(nextErr, shared.ErrSuperseded) {
		c.logger.Warn("failed to advance queue", "err", nextErr)
	}
}

func (c *Controller) setPlaying(playing bool) {
	c.mu.Lock()
	switch {
	case playing:
		c.state = StatePlaying
	case c.current != nil:
		c.state = StatePaused
	default:
		c.state = StateIdle
	}
	cb := c.onPlayState
	c.mu.Unlock()

	if cb != nil {
		cb(playing)
	}
}

func (c *Controller) deriveStateLocked() State {
	switch {
	case c.current == nil:
		return StateIdle
	case c.tr.IsPlaying():
		return StatePlaying
	default:
		return StatePaused
	}
}

func (c *Controller) emitError(message string) {
	c.mu.RLock()
	cb := c.onError
	c.mu.RUnlock()
	if cb != nil {
		cb(message)
	}
}

func (c *Controller) persistLastTrack(id string) {
	if err := c.store.SaveLastTrack(id); err != nil {
		c.logger.Warn("failed to persist last track", "err", err)
	}
}

func (c *Controller) persistVolume(volume, preMute float64) {
	if err := c.store.SaveVolume(volume, preMute); err != nil {
		c.logger.Warn("failed to persist volume", "err", err)
	}
}

func (c *Controller) persistQueue(snapshot []remote.Track) {
	if !c.rememberQueue {
		return
	}
	if err := c.store.SaveQueue(snapshot); err != nil {
		c.logger.Warn("failed to persist queue", "err", err)
	}
}

// formatTime renders seconds as m:ss, or h:mm:ss past the hour.
func formatTime(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		seconds = 0
	}
	total := int(seconds)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
