// Package ipc exposes the daemon over a unix socket speaking
// newline-delimited JSON. Clients send one Request per line and read
// Responses and server-initiated PushMessages off the same connection.
package ipc

import (
	"encoding/json"
	"fmt"

	"github.com/mkallio/tapedeck/playerd/internal/remote"
)

// CommandType represents the type of command
type CommandType string

const (
	CmdPlay       CommandType = "play"
	CmdToggle     CommandType = "toggle"
	CmdNext       CommandType = "next"
	CmdPrevious   CommandType = "previous"
	CmdEnqueue    CommandType = "enqueue"
	CmdClearQueue CommandType = "clearQueue"
	CmdGetQueue   CommandType = "getQueue"
	CmdGetState   CommandType = "getState"
	CmdSeek       CommandType = "seek"
	CmdSetVolume  CommandType = "setVolume"
	CmdToggleMute CommandType = "toggleMute"
	CmdToggleLike CommandType = "toggleLike"

	// Background job polling
	CmdJobStatuses   CommandType = "jobStatuses"
	CmdPausePolling  CommandType = "pausePolling"
	CmdResumePolling CommandType = "resumePolling"

	// Spectrum streaming
	CmdSubscribeSpectrum   CommandType = "subscribeSpectrum"
	CmdUnsubscribeSpectrum CommandType = "unsubscribeSpectrum"
)

// Push message types. The data shapes are noted per type.
const (
	PushNowPlaying = "nowPlaying" // remote.Track
	PushPlayState  = "playState"  // PlayStatePayload
	PushProgress   = "progress"   // player.Progress
	PushQueue      = "queue"      // QueuePayload
	PushJobs       = "jobs"       // JobsPayload
	PushSpectrum   = "spectrum"   // SpectrumFrame
	PushError      = "error"      // ErrorPayload
)

// PushMessage represents a server-initiated message (no request needed)
type PushMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Request represents a client request
type Request struct {
	Cmd  CommandType     `json:"cmd"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Response represents a server response
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// PlayRequest is the data for a play command. The daemon fetches the track
// record itself, so only the id travels over the socket.
type PlayRequest struct {
	TrackID string `json:"trackId"`
}

// EnqueueRequest is the data for an enqueue command. Clients already hold
// full track records from browsing, so they pass them wholesale.
type EnqueueRequest struct {
	Tracks []remote.Track `json:"tracks"`
}

// SeekRequest is the data for a seek command
type SeekRequest struct {
	Seconds float64 `json:"seconds"`
}

// VolumeRequest is the data for a setVolume command
type VolumeRequest struct {
	Level float64 `json:"level"` // 0.0 - 1.0
}

// VolumeState is the response to setVolume and toggleMute commands
type VolumeState struct {
	Level float64 `json:"level"`
	Muted bool    `json:"muted"`
}

// PlayStatePayload is the data for a playState push
type PlayStatePayload struct {
	Playing bool `json:"playing"`
}

// QueuePayload is the response to a getQueue command and the data for a
// queue push
type QueuePayload struct {
	Items []remote.Track `json:"items"`
}

// JobsPayload is the response to a jobStatuses command and the data for a
// jobs push
type JobsPayload struct {
	Jobs map[remote.JobKind]remote.JobStatus `json:"jobs"`
}

// ErrorPayload is the data for an error push
type ErrorPayload struct {
	Message string `json:"message"`
}

// SpectrumFrame contains real-time frequency data for visualization
type SpectrumFrame struct {
	// Bands contains frequency band magnitudes (0-255), logarithmically
	// distributed from 20Hz to 20kHz
	// Note: Using []int instead of []uint8 because Go's json package
	// base64-encodes []byte/[]uint8
	Bands []int `json:"bands"`
	// Level is the overall signal level (0-255)
	Level int `json:"level"`
	// Position is the playback position in seconds when these samples were
	// analyzed, so a UI can sync visualization with actual audio playback
	Position float64 `json:"position"`
	// Timestamp is when the frame was captured (Unix ms)
	Timestamp int64 `json:"timestamp"`
}

// EncodeRequest encodes a request to JSON
func EncodeRequest(req *Request) ([]byte, error) {
	return json.Marshal(req)
}

// DecodeRequest decodes a request from JSON
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	return &req, nil
}

// EncodeResponse encodes a response to JSON
func EncodeResponse(resp *Response) ([]byte, error) {
	return json.Marshal(resp)
}

// DecodeResponse decodes a response from JSON
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &resp, nil
}

// NewSuccessResponse creates a successful response
func NewSuccessResponse(data interface{}) (*Response, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, err
		}
	}
	return &Response{
		Success: true,
		Data:    rawData,
	}, nil
}

// NewErrorResponse creates an error response
func NewErrorResponse(err string) *Response {
	return &Response{
		Success: false,
		Error:   err,
	}
}

// NewPushMessage creates a push message for streaming data
func NewPushMessage(msgType string, data interface{}) ([]byte, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, err
		}
	}
	msg := PushMessage{
		Type: msgType,
		Data: rawData,
	}
	return json.Marshal(msg)
}
