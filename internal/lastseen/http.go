// Package lastseen notifies external stores when a user was last seen
// online. Every implementation is safe for concurrent use.
package lastseen

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxErrorBody = 512

// HTTPClient updates last-seen timestamps through the user service's
// PATCH /api/updateLastSeen/{userId} endpoint.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates a client for the service at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// UpdateLastSeen sends the update for userID. The timestamp is carried by the
// service itself; at is only used for logging by callers.
func (c *HTTPClient) UpdateLastSeen(ctx context.Context, userID string, _ time.Time) error {
	if userID == "" {
		return errors.New("update last seen: empty user id")
	}

	endpoint := fmt.Sprintf("%s/api/updateLastSeen/%s", c.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("update last seen failed: status=%d, body=%s", resp.StatusCode, string(body))
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
