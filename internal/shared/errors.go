package shared

import "fmt"

var (
	// Configuration errors
	ErrMissingConfig = fmt.Errorf("configuration not found")
	ErrInvalidConfig = fmt.Errorf("invalid configuration")

	// Media server errors
	ErrTrackNotFound  = fmt.Errorf("track not found")
	ErrRequestFailed  = fmt.Errorf("media server request failed")
	ErrNoStreamSource = fmt.Errorf("track has no stream source")

	// Playback errors
	ErrSuperseded     = fmt.Errorf("superseded by a newer play request")
	ErrNoCurrentTrack = fmt.Errorf("no current track")
	ErrNoSource       = fmt.Errorf("no source loaded")

	// State store errors
	ErrStateNotFound = fmt.Errorf("no persisted state")
)
