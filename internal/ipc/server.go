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
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mkallio/tapedeck/playerd/internal/jobs"
	"github.com/mkallio/tapedeck/playerd/internal/media"
	"github.com/mkallio/tapedeck/playerd/internal/player"
	"github.com/mkallio/tapedeck/playerd/internal/remote"
	"github.com/mkallio/tapedeck/playerd/internal/shared"
	"github.com/mkallio/tapedeck/playerd/internal/transport"
)

// client is one accepted connection. Responses and pushes share the wire, so
// every write goes through the mutex to keep lines whole.
type client struct {
	id   string
	conn net.Conn

	writeMu sync.Mutex
}

func (c *client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(data)
	return err
}

// Server handles IPC communication with clients. It is also the glue between
// the playback controller and the outside world: controller and poller events
// fan out to connected clients and to the OS media session, and media-key
// commands route back into the controller.
type Server struct {
	socketPath string
	ctrl       *player.Controller
	poller     *jobs.Poller
	meter      *transport.SpectrumMeter
	session    media.Session
	logger     *log.Logger

	listener net.Listener

	mu      sync.Mutex
	clients map[net.Conn]*client

	// Spectrum frames only go to clients that asked for them.
	spectrumMu   sync.RWMutex
	spectrumSubs map[*client]bool
}

// NewServer creates a new IPC server. meter may be nil when the transport has
// no spectrum tap.
func NewServer(
	socketPath string,
	ctrl *player.Controller,
	poller *jobs.Poller,
	meter *transport.SpectrumMeter,
	session media.Session,
	logger *log.Logger,
) *Server {
	s := &Server{
		socketPath:   socketPath,
		ctrl:         ctrl,
		poller:       poller,
		meter:        meter,
		session:      session,
		logger:       logger.WithPrefix("ipc"),
		clients:      make(map[net.Conn]*client),
		spectrumSubs: make(map[*client]bool),
	}

	ctrl.SetOnNowPlaying(func(track remote.Track) {
		s.broadcast(PushNowPlaying, track)
		s.updateSessionMetadata(track)
	})
	ctrl.SetOnPlayState(func(playing bool) {
		s.broadcast(PushPlayState, PlayStatePayload{Playing: playing})
		s.updateSessionPlayState(playing)
	})
	ctrl.SetOnProgress(func(p player.Progress) {
		s.broadcast(PushProgress, p)
	})
	ctrl.SetOnQueueChanged(func(queue []remote.Track) {
		s.broadcast(PushQueue, QueuePayload{Items: queue})
	})
	ctrl.SetOnError(func(message string) {
		s.broadcast(PushError, ErrorPayload{Message: message})
	})

	poller.SetOnChange(func(statuses map[remote.JobKind]remote.JobStatus) {
		s.broadcast(PushJobs, JobsPayload{Jobs: statuses})
	})

	if meter != nil {
		meter.SetOnFrame(s.pushSpectrum)
	}

	session.SetCommandHandler(media.CommandHandlerFunc(s.handleMediaCommand))

	return s
}

// handleMediaCommand routes OS media-key commands into the controller.
func (s *Server) handleMediaCommand(cmd media.Command, data interface{}) error {
	ctx := context.Background()
	s.logger.Debug("media command", "cmd", cmd.String())

	switch cmd {
	case media.CmdPlay, media.CmdPause, media.CmdPlayPause:
		return s.ctrl.TogglePlayPause(ctx)
	case media.CmdStop:
		if s.ctrl.State() == player.StatePlaying {
			return s.ctrl.TogglePlayPause(ctx)
		}
		return nil
	case media.CmdNext:
		return s.ctrl.PlayNext(ctx)
	case media.CmdPrevious:
		return s.ctrl.PlayPrevious(ctx)
	case media.CmdSeek:
		if seconds, ok := data.(float64); ok {
			return s.ctrl.Seek(seconds)
		}
		return nil
	default:
		return nil
	}
}

func (s *Server) updateSessionMetadata(track remote.Track) {
	meta := media.Metadata{
		TrackID:  track.ID,
		Title:    track.Title,
		Artist:   track.Artist,
		Album:    track.Album,
		Duration: time.Duration(track.Duration * float64(time.Second)),
		ArtURL:   track.Artwork,
	}
	if err := s.session.UpdateMetadata(meta); err != nil {
		s.logger.Warn("failed to update media session metadata", "err", err)
	}
}

func (s *Server) updateSessionPlayState(playing bool) {
	state := media.StatePaused
	if playing {
		state = media.StatePlaying
	}
	position := time.Duration(s.ctrl.Position() * float64(time.Second))
	if err := s.session.UpdatePlaybackState(state, position); err != nil {
		s.logger.Warn("failed to update media session state", "err", err)
	}
}

// Start starts the IPC server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	// Remove existing socket file if it exists
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}
	s.listener = listener

	// Socket permissions (user-only)
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.logger.Info("listening", "socket", s.socketPath)

	go s.acceptLoop(ctx)

	<-ctx.Done()

	s.mu.Lock()
	count := len(s.clients)
	for conn := range s.clients {
		conn.Close()
	}
	s.mu.Unlock()

	listener.Close()
	os.RemoveAll(s.socketPath)

	s.logger.Info("server stopped", "clients", count)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.logger.Warn("accept failed", "err", err)
				continue
			}
		}

		cl := &client{id: shared.GenerateID(), conn: conn}

		s.mu.Lock()
		s.clients[conn] = cl
		count := len(s.clients)
		s.mu.Unlock()

		s.logger.Info("client connected", "client", cl.id, "clients", count)

		go s.handleConnection(ctx, cl)
	}
}

func (s *Server) handleConnection(ctx context.Context, cl *client) {
	defer func() {
		cl.conn.Close()

		s.mu.Lock()
		delete(s.clients, cl.conn)
		count := len(s.clients)
		s.mu.Unlock()

		s.spectrumMu.Lock()
		delete(s.spectrumSubs, cl)
		s.spectrumMu.Unlock()

		s.logger.Info("client disconnected", "client", cl.id, "clients", count)
	}()

	reader := bufio.NewReader(cl.conn)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Read line (newline-delimited JSON)
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				s.logger.Warn("read failed", "client", cl.id, "err", err)
			}
			return
		}

		req, err := DecodeRequest(line)
		if err != nil {
			s.logger.Warn("invalid request", "client", cl.id, "err", err)
			s.sendError(cl, "invalid request format")
			continue
		}

		s.logger.Debug("command", "client", cl.id, "cmd", req.Cmd)

		resp := s.handleRequest(ctx, cl, req)
		if err := s.sendResponse(cl, resp); err != nil {
			s.logger.Warn("send failed", "client", cl.id, "err", err)
			return
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, cl *client, req *Request) *Response {
	switch req.Cmd {
	case CmdPlay:
		return s.handlePlay(ctx, req)
	case CmdToggle:
		return s.handleToggle(ctx)
	case CmdNext:
		return s.handleNext(ctx)
	case CmdPrevious:
		return s.handlePrevious(ctx)
	case CmdEnqueue:
		return s.handleEnqueue(ctx, req)
	case CmdClearQueue:
		return s.handleClearQueue()
	case CmdGetQueue:
		return s.handleGetQueue()
	case CmdGetState:
		return s.stateResponse()
	case CmdSeek:
		return s.handleSeek(req)
	case CmdSetVolume:
		return s.handleSetVolume(req)
	case CmdToggleMute:
		return s.handleToggleMute()
	case CmdToggleLike:
		return s.handleToggleLike(ctx)
	case CmdJobStatuses:
		return s.handleJobStatuses()
	case CmdPausePolling:
		s.poller.Pause()
		resp, _ := NewSuccessResponse(nil)
		return resp
	case CmdResumePolling:
		s.poller.Resume()
		resp, _ := NewSuccessResponse(nil)
		return resp
	case CmdSubscribeSpectrum:
		return s.handleSubscribeSpectrum(cl)
	case CmdUnsubscribeSpectrum:
		return s.handleUnsubscribeSpectrum(cl)
	default:
		return NewErrorResponse("unknown command")
	}
}

func (s *Server) handlePlay(ctx context.Context, req *Request) *Response {
	var playReq PlayRequest
	if err := json.Unmarshal(req.Data, &playReq); err != nil {
		return NewErrorResponse("invalid play request")
	}
	if playReq.TrackID == "" {
		return NewErrorResponse("trackId is required")
	}

	s.logger.Info("play requested", "track", playReq.TrackID)

	if err := s.ctrl.PlayTrack(ctx, playReq.TrackID); err != nil {
		// A newer play intent winning the race is not a failure from the
		// client's point of view; the daemon is simply in a newer state.
		if !errors.Is(err, shared.ErrSuperseded) {
			return NewErrorResponse(err.Error())
		}
	}
	return s.stateResponse()
}

func (s *Server) handleToggle(ctx context.Context) *Response {
	if err := s.ctrl.TogglePlayPause(ctx); err != nil && !errors.Is(err, shared.ErrSuperseded) {
		return NewErrorResponse(err.Error())
	}
	return s.stateResponse()
}

func (s *Server) handleNext(ctx context.Context) *Response {
	if err := s.ctrl.PlayNext(ctx); err != nil && !errors.Is(err, shared.ErrSuperseded) {
		return NewErrorResponse(err.Error())
	}
	return s.stateResponse()
}

func (s *Server) handlePrevious(ctx context.Context) *Response {
	if err := s.ctrl.PlayPrevious(ctx); err != nil && !errors.Is(err, shared.ErrSuperseded) {
		return NewErrorResponse(err.Error())
	}
	return s.stateResponse()
}

func (s *Server) handleEnqueue(ctx context.Context, req *Request) *Response {
	var enqReq EnqueueRequest
	if err := json.Unmarshal(req.Data, &enqReq); err != nil {
		return NewErrorResponse("invalid enqueue request")
	}
	if len(enqReq.Tracks) == 0 {
		return NewErrorResponse("tracks are required")
	}

	s.logger.Info("enqueue requested", "tracks", len(enqReq.Tracks))

	if err := s.ctrl.EnqueueMany(ctx, enqReq.Tracks); err != nil && !errors.Is(err, shared.ErrSuperseded) {
		return NewErrorResponse(err.Error())
	}
	return s.stateResponse()
}

func (s *Server) handleClearQueue() *Response {
	s.ctrl.ClearQueue()
	return s.stateResponse()
}

func (s *Server) handleGetQueue() *Response {
	resp, err := NewSuccessResponse(QueuePayload{Items: s.ctrl.Queue()})
	if err != nil {
		return NewErrorResponse("internal error")
	}
	return resp
}

func (s *Server) handleSeek(req *Request) *Response {
	var seekReq SeekRequest
	if err := json.Unmarshal(req.Data, &seekReq); err != nil {
		return NewErrorResponse("invalid seek request")
	}

	if err := s.ctrl.Seek(seekReq.Seconds); err != nil {
		return NewErrorResponse(err.Error())
	}
	return s.stateResponse()
}

func (s *Server) handleSetVolume(req *Request) *Response {
	var volReq VolumeRequest
	if err := json.Unmarshal(req.Data, &volReq); err != nil {
		return NewErrorResponse("invalid volume request")
	}

	s.ctrl.SetVolume(volReq.Level)

	status := s.ctrl.Status()
	resp, err := NewSuccessResponse(VolumeState{Level: status.Volume, Muted: status.Muted})
	if err != nil {
		return NewErrorResponse("internal error")
	}
	return resp
}

func (s *Server) handleToggleMute() *Response {
	level := s.ctrl.ToggleMute()
	resp, err := NewSuccessResponse(VolumeState{Level: level, Muted: level == 0})
	if err != nil {
		return NewErrorResponse("internal error")
	}
	return resp
}

func (s *Server) handleToggleLike(ctx context.Context) *Response {
	liked, err := s.ctrl.ToggleLike(ctx)
	if err != nil {
		return NewErrorResponse(err.Error())
	}
	resp, err := NewSuccessResponse(remote.LikeState{Liked: liked})
	if err != nil {
		return NewErrorResponse("internal error")
	}
	return resp
}

func (s *Server) handleJobStatuses() *Response {
	resp, err := NewSuccessResponse(JobsPayload{Jobs: s.poller.Statuses()})
	if err != nil {
		return NewErrorResponse("internal error")
	}
	return resp
}

func (s *Server) stateResponse() *Response {
	resp, err := NewSuccessResponse(s.ctrl.Status())
	if err != nil {
		return NewErrorResponse("internal error")
	}
	return resp
}

func (s *Server) sendResponse(cl *client, resp *Response) error {
	data, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return cl.write(data)
}

func (s *Server) sendError(cl *client, msg string) {
	s.sendResponse(cl, NewErrorResponse(msg))
}

// broadcast sends a push message to every connected client. Write failures
// are left for the client's read loop to clean up.
func (s *Server) broadcast(msgType string, data interface{}) {
	msg, err := NewPushMessage(msgType, data)
	if err != nil {
		s.logger.Error("failed to encode push", "type", msgType, "err", err)
		return
	}
	msg = append(msg, '\n')

	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for _, cl := range s.clients {
		targets = append(targets, cl)
	}
	s.mu.Unlock()

	for _, cl := range targets {
		if err := cl.write(msg); err != nil {
			s.logger.Debug("push failed", "client", cl.id, "type", msgType, "err", err)
		}
	}
}

// Spectrum subscription handlers

func (s *Server) handleSubscribeSpectrum(cl *client) *Response {
	s.spectrumMu.Lock()
	s.spectrumSubs[cl] = true
	count := len(s.spectrumSubs)
	s.spectrumMu.Unlock()

	s.logger.Debug("spectrum subscription added", "client", cl.id, "subs", count)

	resp, _ := NewSuccessResponse(map[string]bool{"subscribed": true})
	return resp
}

func (s *Server) handleUnsubscribeSpectrum(cl *client) *Response {
	s.spectrumMu.Lock()
	delete(s.spectrumSubs, cl)
	count := len(s.spectrumSubs)
	s.spectrumMu.Unlock()

	s.logger.Debug("spectrum subscription removed", "client", cl.id, "subs", count)

	resp, _ := NewSuccessResponse(map[string]bool{"subscribed": false})
	return resp
}

// pushSpectrum is called from the audio write path for every analyzed frame,
// so it must stay cheap when nobody is subscribed.
func (s *Server) pushSpectrum(frame transport.Frame) {
	s.spectrumMu.RLock()
	if len(s.spectrumSubs) == 0 {
		s.spectrumMu.RUnlock()
		return
	}
	subs := make([]*client, 0, len(s.spectrumSubs))
	for cl := range s.spectrumSubs {
		subs = append(subs, cl)
	}
	s.spectrumMu.RUnlock()

	// Convert []uint8 to []int for JSON
	bands := make([]int, len(frame.Bands))
	for i, b := range frame.Bands {
		bands[i] = int(b)
	}

	msg, err := NewPushMessage(PushSpectrum, SpectrumFrame{
		Bands:     bands,
		Level:     int(frame.Level),
		Position:  s.ctrl.Position(),
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	msg = append(msg, '\n')

	for _, cl := range subs {
		if err := cl.write(msg); err != nil {
			// Drop failed subscribers so a dead client does not get hammered
			// at frame rate.
			s.spectrumMu.Lock()
			delete(s.spectrumSubs, cl)
			s.spectrumMu.Unlock()
		}
	}
}
