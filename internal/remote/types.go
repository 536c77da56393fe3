package remote

// Track is the media server's track record. Treated as immutable once
// fetched; a re-fetch replaces the whole value, fields are never patched in
// place.
type Track struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Artist   string  `json:"artist"`
	Album    string  `json:"album"`
	Duration float64 `json:"duration,omitempty"` // seconds, 0 when unknown
	Artwork  string  `json:"artwork,omitempty"`
	Path     string  `json:"path,omitempty"` // server-side file path, when exposed
	Liked    bool    `json:"liked"`
}

// JobKind identifies one of the server's long-running background jobs.
type JobKind string

const (
	KindAnalysis       JobKind = "analysis"
	KindMetadataUpdate JobKind = "metadata-update"
	KindQuickScan      JobKind = "quick-scan"
)

// AllJobKinds returns every job kind the server exposes, in a stable order.
func AllJobKinds() []JobKind {
	return []JobKind{KindAnalysis, KindMetadataUpdate, KindQuickScan}
}

// JobStatus is a point-in-time snapshot of one background job. Produced only
// by the server; read-only on this side.
type JobStatus struct {
	Running        bool     `json:"running"`
	Percent        *float64 `json:"percentComplete,omitempty"` // 0-100 when the job reports progress
	FilesProcessed int64    `json:"filesProcessed,omitempty"`
	TracksAdded    int64    `json:"tracksAdded,omitempty"`
	TracksUpdated  int64    `json:"tracksUpdated,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// Equal reports whether two snapshots are structurally identical. Percent is
// compared by value, not by pointer.
func (s JobStatus) Equal(o JobStatus) bool {
	if s.Running != o.Running ||
		s.FilesProcessed != o.FilesProcessed ||
		s.TracksAdded != o.TracksAdded ||
		s.TracksUpdated != o.TracksUpdated ||
		s.Error != o.Error {
		return false
	}
	if (s.Percent == nil) != (o.Percent == nil) {
		return false
	}
	if s.Percent != nil && *s.Percent != *o.Percent {
		return false
	}
	return true
}

// LikeState is the server's response to like queries and toggles.
type LikeState struct {
	Liked bool `json:"liked"`
}
