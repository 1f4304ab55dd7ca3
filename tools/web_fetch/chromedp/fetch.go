package chromedp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/mohammad-safakhou/quizchain/tools/web_fetch"
	"github.com/mohammad-safakhou/quizchain/tools/web_fetch/models"
)

const defaultSettle = 1500 * time.Millisecond

// Fetch renders pages in headless Chrome so script-generated content is visible.
type Fetch struct {
	Options web_fetch.Options
	// Settle is how long to wait after the body is ready for late scripts.
	Settle time.Duration
	// ExecPath overrides the browser binary; empty uses chromedp's lookup.
	ExecPath string
}

// Exec implements web_fetch.WebFetcher.
func (f Fetch) Exec(ctx context.Context, url string) (models.Result, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return models.Result{}, errors.New("invalid url")
	}
	if f.Options.Allow != nil {
		if err := f.Options.Allow(url); err != nil {
			return models.Result{}, err
		}
	}
	timeout := f.Options.Timeout
	if timeout <= 0 {
		timeout = web_fetch.DefaultTimeout
	}
	maxChars := f.Options.MaxChars
	if maxChars <= 0 {
		maxChars = web_fetch.MaxCharsDefault
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	t0 := time.Now()

	html, finalURL, err := f.fetchHTML(ctx, url)
	if err != nil {
		return models.Result{}, fmt.Errorf("render %s: %w", url, err)
	}
	if finalURL == "" {
		finalURL = url
	}
	res := web_fetch.Extract(finalURL, html, maxChars)
	res.Status = 200
	res.RenderMS = int(time.Since(t0) / time.Millisecond)
	return res, nil
}

func (f Fetch) fetchHTML(ctx context.Context, url string) (string, string, error) {
	ua := f.Options.UserAgent
	if ua == "" {
		ua = "quizchain/1.0"
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent(ua),
	)
	if f.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(f.ExecPath))
	}
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	settle := f.Settle
	if settle <= 0 {
		settle = defaultSettle
	}
	var html, location string
	err := chromedp.Run(bctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(settle),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", "", err
	}
	if f.Options.Allow != nil && location != "" && location != url {
		if err := f.Options.Allow(location); err != nil {
			return "", "", err
		}
	}
	return html, location, nil
}
