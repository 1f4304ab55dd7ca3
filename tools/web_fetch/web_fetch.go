package web_fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mohammad-safakhou/quizchain/internal/helpers"
	"github.com/mohammad-safakhou/quizchain/tools/web_fetch/models"
)

const (
	DefaultTimeout  = 30 * time.Second
	MaxCharsDefault = 20000
	maxBodyBytes    = 10 << 20
	maxRedirects    = 10
)

// WebFetcher retrieves a page and returns its cleaned text.
type WebFetcher interface {
	Exec(ctx context.Context, url string) (models.Result, error)
}

// Options configures fetchers. Allow, when set, vets every URL including redirect
// targets.
type Options struct {
	Timeout   time.Duration
	MaxChars  int
	UserAgent string
	Allow     func(rawURL string) error
}

func (o Options) normalized() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxChars <= 0 {
		o.MaxChars = MaxCharsDefault
	}
	if o.UserAgent == "" {
		o.UserAgent = "quizchain/1.0"
	}
	return o
}

// HTTPFetcher fetches static pages without executing scripts.
type HTTPFetcher struct {
	opts   Options
	client *http.Client
}

// NewHTTPFetcher builds a fetcher whose client re-checks policy on redirects.
func NewHTTPFetcher(opts Options) *HTTPFetcher {
	opts = opts.normalized()
	client := &http.Client{
		Timeout: opts.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errors.New("too many redirects")
			}
			if opts.Allow != nil {
				return opts.Allow(req.URL.String())
			}
			return nil
		},
	}
	return &HTTPFetcher{opts: opts, client: client}
}

// Exec implements WebFetcher.
func (f *HTTPFetcher) Exec(ctx context.Context, rawURL string) (models.Result, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return models.Result{}, errors.New("invalid url")
	}
	if f.opts.Allow != nil {
		if err := f.opts.Allow(rawURL); err != nil {
			return models.Result{}, err
		}
	}
	t0 := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return models.Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return models.Result{}, err
	}
	body, err := helpers.ReadLimitedAndClose(resp.Body, maxBodyBytes)
	if err != nil {
		return models.Result{}, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return models.Result{}, fmt.Errorf("GET %s: status %d", rawURL, resp.StatusCode)
	}

	finalURL := resp.Request.URL.String()
	var res models.Result
	if isHTML(resp.Header.Get("Content-Type"), body) {
		res = Extract(finalURL, string(body), f.opts.MaxChars)
	} else {
		res = models.Result{URL: finalURL}
		res.Text, res.Truncated = helpers.Truncate(strings.TrimSpace(string(body)), f.opts.MaxChars)
	}
	res.Status = resp.StatusCode
	res.RenderMS = int(time.Since(t0) / time.Millisecond)
	return res, nil
}

func isHTML(contentType string, body []byte) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "html") {
		return true
	}
	if ct != "" && !strings.HasPrefix(ct, "text/plain") && !strings.HasPrefix(ct, "application/octet-stream") {
		return false
	}
	return strings.Contains(strings.ToLower(http.DetectContentType(body)), "html")
}
