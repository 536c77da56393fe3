// Package remote is the HTTP client for the tapedeck media server: track
// metadata, stream locator derivation, background job status, and like state.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/mkallio/tapedeck/playerd/internal/shared"
)

// Client talks to the media server's REST API. All requests pass through a
// shared rate limiter.
type Client struct {
	baseURL string
	// httpClient carries the configured timeout and serves track and like
	// requests. statusClient has no timeout: a hung job status request must
	// delay its poll cycle rather than produce a spurious failure.
	httpClient   *http.Client
	statusClient *http.Client
	limiter      *rate.Limiter
	logger       *log.Logger
}

// NewClient creates a media server client. requestTimeout bounds track and
// like requests; ratePerSec bounds all request kinds.
func NewClient(baseURL string, requestTimeout time.Duration, ratePerSec float64, logger *log.Logger) *Client {
	if ratePerSec <= 0 {
		ratePerSec = 10
	}
	return &Client{
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: requestTimeout},
		statusClient: &http.Client{},
		limiter:      rate.NewLimiter(rate.Limit(ratePerSec), 1),
		logger:       logger.WithPrefix("remote"),
	}
}

func (c *Client) doRequest(ctx context.Context, client *http.Client, method, endpoint string, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return shared.ErrTrackNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&errResp); decodeErr == nil && errResp.Error != "" {
			return fmt.Errorf("%w: %s (status %d)", shared.ErrRequestFailed, errResp.Error, resp.StatusCode)
		}
		return fmt.Errorf("%w: status %d", shared.ErrRequestFailed, resp.StatusCode)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

// GetTrack fetches the track record for id.
func (c *Client) GetTrack(ctx context.Context, id string) (Track, error) {
	var track Track
	endpoint := "/api/tracks/" + url.PathEscape(id)
	if err := c.doRequest(ctx, c.httpClient, http.MethodGet, endpoint, &track); err != nil {
		return Track{}, fmt.Errorf("get track %s: %w", id, err)
	}
	return track, nil
}

// StreamURL derives the playable locator for a track. The file-path form is
// preferred when the record carries a path; otherwise the id form is used,
// e.g. /stream/101.
func (c *Client) StreamURL(track Track) string {
	if track.Path != "" {
		return c.baseURL + "/stream?path=" + url.QueryEscape(track.Path)
	}
	return c.baseURL + "/stream/" + url.PathEscape(track.ID)
}

// JobStatus fetches the current snapshot for one background job kind. No
// timeout applies beyond ctx.
func (c *Client) JobStatus(ctx context.Context, kind JobKind) (JobStatus, error) {
	var status JobStatus
	endpoint := fmt.Sprintf("/api/jobs/%s/status", kind)
	if err := c.doRequest(ctx, c.statusClient, http.MethodGet, endpoint, &status); err != nil {
		return JobStatus{}, fmt.Errorf("job status %s: %w", kind, err)
	}
	return status, nil
}

// ToggleLike flips the like flag for a track on the server and returns the
// new value.
func (c *Client) ToggleLike(ctx context.Context, id string) (bool, error) {
	var state LikeState
	endpoint := "/api/tracks/" + url.PathEscape(id) + "/like"
	if err := c.doRequest(ctx, c.httpClient, http.MethodPost, endpoint, &state); err != nil {
		return false, fmt.Errorf("toggle like %s: %w", id, err)
	}
	return state.Liked, nil
}

// LikeStatus fetches the server-side like flag for a track.
func (c *Client) LikeStatus(ctx context.Context, id string) (bool, error) {
	var state LikeState
	endpoint := "/api/tracks/" + url.PathEscape(id) + "/like"
	if err := c.doRequest(ctx, c.httpClient, http.MethodGet, endpoint, &state); err != nil {
		return false, fmt.Errorf("like status %s: %w", id, err)
	}
	return state.Liked, nil
}
