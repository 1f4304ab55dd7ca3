package submission

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mohammad-safakhou/quizchain/internal/helpers"
)

const (
	maxResponseBytes = 1 << 20
	maxErrorSnippet  = 512
)

// Client posts answer payloads to submission endpoints. Submissions are never retried
// here: a retry decision belongs to the reasoning loop, which sees the outcome text.
type Client struct {
	http *http.Client
}

// NewClient returns a Client whose requests are bounded by timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

// Submit encodes p, enforcing the size ceiling before any network activity, and posts
// it to submitURL.
func (c *Client) Submit(ctx context.Context, submitURL string, p Payload) (Outcome, error) {
	if strings.TrimSpace(submitURL) == "" {
		return Outcome{}, fmt.Errorf("%w: submit_url", ErrMissingField)
	}
	body, err := Encode(p)
	if err != nil {
		return Outcome{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, submitURL, bytes.NewReader(body))
	if err != nil {
		return Outcome{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("send submission: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Outcome{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := helpers.Truncate(strings.TrimSpace(string(raw)), maxErrorSnippet)
		return Outcome{}, StatusError{Code: resp.StatusCode, Body: snippet}
	}
	return Decode(raw)
}
