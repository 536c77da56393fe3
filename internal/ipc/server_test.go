package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mkallio/tapedeck/playerd/internal/jobs"
	"github.com/mkallio/tapedeck/playerd/internal/media"
	"github.com/mkallio/tapedeck/playerd/internal/player"
	"github.com/mkallio/tapedeck/playerd/internal/remote"
	"github.com/mkallio/tapedeck/playerd/internal/shared"
	"github.com/mkallio/tapedeck/playerd/internal/transport"
)

type stubService struct {
	mu     sync.Mutex
	tracks map[string]remote.Track
	likes  map[string]bool
}

func newStubService() *stubService {
	return &stubService{
		tracks: make(map[string]remote.Track),
		likes:  make(map[string]bool),
	}
}

func (s *stubService) add(track remote.Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks[track.ID] = track
}

func (s *stubService) GetTrack(ctx context.Context, id string) (remote.Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	track, ok := s.tracks[id]
	if !ok {
		return remote.Track{}, fmt.Errorf("%w: %s", shared.ErrTrackNotFound, id)
	}
	return track, nil
}

func (s *stubService) StreamURL(track remote.Track) string {
	return "http://media.test/stream/" + track.ID
}

func (s *stubService) ToggleLike(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.likes[id] = !s.likes[id]
	return s.likes[id], nil
}

type stubTransport struct {
	mu        sync.Mutex
	playing   bool
	hasSource bool
	volume    float64
	position  float64
	duration  float64

	onStarted func()
}

func (f *stubTransport) Play(ctx context.Context, locator string, durationHint float64) error {
	f.mu.Lock()
	f.hasSource = true
	f.playing = true
	f.position = 0
	f.duration = durationHint
	cb := f.onStarted
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

func (f *stubTransport) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playing = false
}

func (f *stubTransport) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playing = true
}

func (f *stubTransport) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playing = false
	f.hasSource = false
}

func (f *stubTransport) Seek(seconds float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hasSource {
		return shared.ErrNoSource
	}
	f.position = seconds
	return nil
}

func (f *stubTransport) SetVolume(v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volume = v
}

func (f *stubTransport) Volume() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.volume
}

func (f *stubTransport) Position() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position
}

func (f *stubTransport) Duration() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.duration
}

func (f *stubTransport) HasSource() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasSource
}

func (f *stubTransport) IsPlaying() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing
}

func (f *stubTransport) SetOnStarted(cb func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onStarted = cb
}

func (f *stubTransport) SetOnProgress(cb func(position, duration float64)) {}

func (f *stubTransport) SetOnEnded(cb func()) {}

func (f *stubTransport) SetOnError(cb func(err error)) {}

type stubStore struct {
	mu        sync.Mutex
	lastTrack string
	volume    float64
	preMute   float64
	saved     bool
	queue     []remote.Track
}

func (s *stubStore) SaveLastTrack(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTrack = id
	return nil
}

func (s *stubStore) LastTrack() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastTrack == "" {
		return "", shared.ErrStateNotFound
	}
	return s.lastTrack, nil
}

func (s *stubStore) SaveVolume(volume, preMuteVolume float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = volume
	s.preMute = preMuteVolume
	s.saved = true
	return nil
}

func (s *stubStore) Volume() (float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.saved {
		return 0, 0, shared.ErrStateNotFound
	}
	return s.volume, s.preMute, nil
}

func (s *stubStore) SaveQueue(tracks []remote.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append([]remote.Track(nil), tracks...)
	return nil
}

func (s *stubStore) LoadQueue() ([]remote.Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue == nil {
		return nil, shared.ErrStateNotFound
	}
	return append([]remote.Track(nil), s.queue...), nil
}

type stubStatusService struct{}

func (stubStatusService) JobStatus(ctx context.Context, kind remote.JobKind) (remote.JobStatus, error) {
	return remote.JobStatus{}, nil
}

func mkTrack(id, title string) remote.Track {
	return remote.Track{
		ID:       id,
		Title:    title,
		Artist:   "Artist",
		Album:    "Album",
		Duration: 180,
	}
}

type serverFixture struct {
	srv    *Server
	ctrl   *player.Controller
	svc    *stubService
	tr     *stubTransport
	socket string
}

func newTestServer(t *testing.T) *serverFixture {
	t.Helper()

	logger := shared.NewLogger(io.Discard)
	svc := newStubService()
	tr := &stubTransport{volume: 1.0}
	store := &stubStore{}
	ctrl := player.NewController(svc, tr, store, false, logger)

	poller := jobs.NewPoller(stubStatusService{}, jobs.Options{}, logger)
	t.Cleanup(poller.Stop)

	socket := filepath.Join(t.TempDir(), "playerd.sock")
	srv := NewServer(socket, ctrl, poller, nil, media.NewNoOpSession(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &serverFixture{srv: srv, ctrl: ctrl, svc: svc, tr: tr, socket: socket}
}

// testConn is a minimal IPC client. Push messages arriving before a response
// are collected rather than dropped so tests can assert on them.
type testConn struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
	pushes []PushMessage
}

func dial(t *testing.T, socketPath string) *testConn {
	t.Helper()

	var conn net.Conn
	var err error
	for i := 0; i < 100; i++ {
		conn, err = net.Dial("unix", socketPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("failed to dial %s: %v", socketPath, err)
	}
	t.Cleanup(func() { conn.Close() })

	return &testConn{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (tc *testConn) request(cmd CommandType, data interface{}) *Response {
	tc.t.Helper()

	req := &Request{Cmd: cmd}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			tc.t.Fatalf("failed to marshal request data: %v", err)
		}
		req.Data = raw
	}

	line, err := EncodeRequest(req)
	if err != nil {
		tc.t.Fatalf("failed to encode request: %v", err)
	}
	if _, err := tc.conn.Write(append(line, '\n')); err != nil {
		tc.t.Fatalf("failed to write request: %v", err)
	}
	return tc.readResponse()
}

func (tc *testConn) send(raw string) {
	tc.t.Helper()
	if _, err := tc.conn.Write([]byte(raw + "\n")); err != nil {
		tc.t.Fatalf("failed to write line: %v", err)
	}
}

func (tc *testConn) readResponse() *Response {
	tc.t.Helper()

	tc.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		line, err := tc.reader.ReadBytes('\n')
		if err != nil {
			tc.t.Fatalf("failed to read response: %v", err)
		}

		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			tc.t.Fatalf("server sent invalid JSON: %v (%s)", err, line)
		}
		if probe.Type != "" {
			var push PushMessage
			if err := json.Unmarshal(line, &push); err != nil {
				tc.t.Fatalf("server sent invalid push: %v", err)
			}
			tc.pushes = append(tc.pushes, push)
			continue
		}

		resp, err := DecodeResponse(line)
		if err != nil {
			tc.t.Fatalf("server sent invalid response: %v", err)
		}
		return resp
	}
}

func (tc *testConn) waitPush(msgType string) PushMessage {
	tc.t.Helper()

	for _, p := range tc.pushes {
		if p.Type == msgType {
			return p
		}
	}

	tc.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		line, err := tc.reader.ReadBytes('\n')
		if err != nil {
			tc.t.Fatalf("timed out waiting for %q push: %v", msgType, err)
		}
		var push PushMessage
		if err := json.Unmarshal(line, &push); err != nil || push.Type == "" {
			continue
		}
		tc.pushes = append(tc.pushes, push)
		if push.Type == msgType {
			return push
		}
	}
}

func (tc *testConn) expectSilence(d time.Duration) {
	tc.t.Helper()

	tc.conn.SetReadDeadline(time.Now().Add(d))
	line, err := tc.reader.ReadBytes('\n')
	if err == nil {
		tc.t.Fatalf("expected no traffic, got: %s", line)
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		tc.t.Fatalf("expected read timeout, got: %v", err)
	}
}

func decodeStatus(t *testing.T, resp *Response) player.Status {
	t.Helper()
	if !resp.Success {
		t.Fatalf("expected success response, got error: %s", resp.Error)
	}
	var status player.Status
	if err := json.Unmarshal(resp.Data, &status); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	return status
}

func TestServerStateRoundTrip(t *testing.T) {
	f := newTestServer(t)
	tc := dial(t, f.socket)

	status := decodeStatus(t, tc.request(CmdGetState, nil))
	if status.State != player.StateIdle {
		t.Errorf("expected idle state, got %q", status.State)
	}
	if status.Track != nil {
		t.Errorf("expected no track, got %+v", status.Track)
	}
}

func TestServerPlayCommand(t *testing.T) {
	f := newTestServer(t)
	f.svc.add(mkTrack("t1", "First"))
	tc := dial(t, f.socket)

	status := decodeStatus(t, tc.request(CmdPlay, PlayRequest{TrackID: "t1"}))
	if status.Track == nil || status.Track.ID != "t1" {
		t.Fatalf("expected track t1 in status, got %+v", status.Track)
	}
	if status.State != player.StatePlaying {
		t.Errorf("expected playing state, got %q", status.State)
	}

	push := tc.waitPush(PushNowPlaying)
	var track remote.Track
	if err := json.Unmarshal(push.Data, &track); err != nil {
		t.Fatalf("failed to decode nowPlaying push: %v", err)
	}
	if track.ID != "t1" {
		t.Errorf("nowPlaying push carried %q, want t1", track.ID)
	}

	tc.waitPush(PushPlayState)
}

func TestServerPlayErrors(t *testing.T) {
	f := newTestServer(t)
	tc := dial(t, f.socket)

	t.Run("unknown track", func(t *testing.T) {
		resp := tc.request(CmdPlay, PlayRequest{TrackID: "missing"})
		if resp.Success {
			t.Error("expected error for unknown track")
		}
	})

	t.Run("missing id", func(t *testing.T) {
		resp := tc.request(CmdPlay, PlayRequest{})
		if resp.Success || resp.Error != "trackId is required" {
			t.Errorf("expected trackId error, got %+v", resp)
		}
	})

	t.Run("no data", func(t *testing.T) {
		resp := tc.request(CmdPlay, nil)
		if resp.Success {
			t.Error("expected error for missing data")
		}
	})
}

func TestServerEnqueueAndGetQueue(t *testing.T) {
	f := newTestServer(t)
	tc := dial(t, f.socket)

	tracks := []remote.Track{mkTrack("t1", "First"), mkTrack("t2", "Second")}
	status := decodeStatus(t, tc.request(CmdEnqueue, EnqueueRequest{Tracks: tracks}))

	// Nothing was playing, so the first enqueued track starts immediately and
	// only the second stays queued.
	if status.Track == nil || status.Track.ID != "t1" {
		t.Fatalf("expected t1 to start playing, got %+v", status.Track)
	}

	resp := tc.request(CmdGetQueue, nil)
	if !resp.Success {
		t.Fatalf("getQueue failed: %s", resp.Error)
	}
	var payload QueuePayload
	if err := json.Unmarshal(resp.Data, &payload); err != nil {
		t.Fatalf("failed to decode queue payload: %v", err)
	}
	if len(payload.Items) != 1 || payload.Items[0].ID != "t2" {
		t.Errorf("expected queue [t2], got %+v", payload.Items)
	}
}

func TestServerVolumeAndMute(t *testing.T) {
	f := newTestServer(t)
	tc := dial(t, f.socket)

	resp := tc.request(CmdSetVolume, VolumeRequest{Level: 0.8})
	var vol VolumeState
	if err := json.Unmarshal(resp.Data, &vol); err != nil {
		t.Fatalf("failed to decode volume state: %v", err)
	}
	if vol.Level != 0.8 || vol.Muted {
		t.Errorf("expected level 0.8 unmuted, got %+v", vol)
	}

	resp = tc.request(CmdToggleMute, nil)
	if err := json.Unmarshal(resp.Data, &vol); err != nil {
		t.Fatalf("failed to decode volume state: %v", err)
	}
	if vol.Level != 0 || !vol.Muted {
		t.Errorf("expected muted zero volume, got %+v", vol)
	}

	resp = tc.request(CmdToggleMute, nil)
	if err := json.Unmarshal(resp.Data, &vol); err != nil {
		t.Fatalf("failed to decode volume state: %v", err)
	}
	if vol.Level != 0.8 || vol.Muted {
		t.Errorf("expected restored level 0.8, got %+v", vol)
	}
}

func TestServerUnknownCommand(t *testing.T) {
	f := newTestServer(t)
	tc := dial(t, f.socket)

	resp := tc.request(CommandType("bogus"), nil)
	if resp.Success || resp.Error != "unknown command" {
		t.Errorf("expected unknown command error, got %+v", resp)
	}
}

func TestServerInvalidRequestLine(t *testing.T) {
	f := newTestServer(t)
	tc := dial(t, f.socket)

	tc.send("this is not json")
	resp := tc.readResponse()
	if resp.Success || resp.Error != "invalid request format" {
		t.Errorf("expected invalid request error, got %+v", resp)
	}

	// The connection survives a bad line.
	status := decodeStatus(t, tc.request(CmdGetState, nil))
	if status.State != player.StateIdle {
		t.Errorf("expected idle state after bad line, got %q", status.State)
	}
}

func TestServerSpectrumSubscription(t *testing.T) {
	f := newTestServer(t)
	tc := dial(t, f.socket)

	resp := tc.request(CmdSubscribeSpectrum, nil)
	if !resp.Success {
		t.Fatalf("subscribe failed: %s", resp.Error)
	}

	frame := transport.Frame{Bands: []uint8{0, 128, 255}, Level: 200}
	f.srv.pushSpectrum(frame)

	push := tc.waitPush(PushSpectrum)
	var spec SpectrumFrame
	if err := json.Unmarshal(push.Data, &spec); err != nil {
		t.Fatalf("failed to decode spectrum push: %v", err)
	}
	if len(spec.Bands) != 3 || spec.Bands[1] != 128 || spec.Level != 200 {
		t.Errorf("unexpected spectrum frame: %+v", spec)
	}

	resp = tc.request(CmdUnsubscribeSpectrum, nil)
	if !resp.Success {
		t.Fatalf("unsubscribe failed: %s", resp.Error)
	}

	f.srv.pushSpectrum(frame)
	tc.expectSilence(300 * time.Millisecond)
}

func TestServerJobCommands(t *testing.T) {
	f := newTestServer(t)
	tc := dial(t, f.socket)

	resp := tc.request(CmdJobStatuses, nil)
	if !resp.Success {
		t.Fatalf("jobStatuses failed: %s", resp.Error)
	}
	var payload JobsPayload
	if err := json.Unmarshal(resp.Data, &payload); err != nil {
		t.Fatalf("failed to decode jobs payload: %v", err)
	}
	if len(payload.Jobs) != 0 {
		t.Errorf("expected no statuses before the first poll, got %+v", payload.Jobs)
	}

	if resp := tc.request(CmdPausePolling, nil); !resp.Success {
		t.Errorf("pausePolling failed: %s", resp.Error)
	}
	if resp := tc.request(CmdResumePolling, nil); !resp.Success {
		t.Errorf("resumePolling failed: %s", resp.Error)
	}
}

func TestServerSocketPermissions(t *testing.T) {
	f := newTestServer(t)
	tc := dial(t, f.socket)
	tc.request(CmdGetState, nil) // a served request means setup finished

	info, err := os.Stat(f.socket)
	if err != nil {
		t.Fatalf("failed to stat socket: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected socket mode 0600, got %o", perm)
	}
}

func TestMediaCommandRouting(t *testing.T) {
	f := newTestServer(t)

	tracks := []remote.Track{mkTrack("t1", "First"), mkTrack("t2", "Second")}
	if err := f.ctrl.EnqueueMany(context.Background(), tracks); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if current := f.ctrl.Current(); current == nil || current.ID != "t1" {
		t.Fatalf("expected t1 current, got %+v", current)
	}

	if err := f.srv.handleMediaCommand(media.CmdPlayPause, nil); err != nil {
		t.Fatalf("play/pause command failed: %v", err)
	}
	if f.tr.IsPlaying() {
		t.Error("expected transport paused after play/pause media key")
	}

	if err := f.srv.handleMediaCommand(media.CmdNext, nil); err != nil {
		t.Fatalf("next command failed: %v", err)
	}
	if current := f.ctrl.Current(); current == nil || current.ID != "t2" {
		t.Errorf("expected t2 current after next, got %+v", current)
	}

	if err := f.srv.handleMediaCommand(media.CmdPrevious, nil); err != nil {
		t.Fatalf("previous command failed: %v", err)
	}
	if current := f.ctrl.Current(); current == nil || current.ID != "t1" {
		t.Errorf("expected t1 current after previous, got %+v", current)
	}

	if err := f.srv.handleMediaCommand(media.CmdSeek, 42.0); err != nil {
		t.Fatalf("seek command failed: %v", err)
	}
	if pos := f.tr.Position(); pos != 42 {
		t.Errorf("expected position 42 after seek, got %v", pos)
	}
}
