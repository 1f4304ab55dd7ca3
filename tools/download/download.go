package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ErrTooLarge is returned when a response body exceeds the configured ceiling.
var ErrTooLarge = errors.New("download exceeds size limit")

// File describes a saved download.
type File struct {
	Path        string
	Size        int64
	ContentType string
}

// Downloader saves remote files below a per-run directory.
type Downloader struct {
	client    *http.Client
	maxBytes  int64
	userAgent string
	allow     func(string) error
}

// New returns a Downloader. maxBytes <= 0 disables the ceiling.
func New(timeout time.Duration, maxBytes int64, userAgent string, allow func(string) error) *Downloader {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client := &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("too many redirects")
			}
			if allow != nil {
				return allow(req.URL.String())
			}
			return nil
		},
	}
	return &Downloader{client: client, maxBytes: maxBytes, userAgent: userAgent, allow: allow}
}

// Fetch downloads rawURL into dir, creating it when needed. The file name comes from
// Content-Disposition, else the last URL path segment.
func (d *Downloader) Fetch(ctx context.Context, rawURL, dir string) (File, error) {
	rawURL = strings.TrimSpace(rawURL)
	if d.allow != nil {
		if err := d.allow(rawURL); err != nil {
			return File{}, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return File{}, fmt.Errorf("build request: %w", err)
	}
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return File{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return File{}, fmt.Errorf("GET %s: status %d", rawURL, resp.StatusCode)
	}
	if d.maxBytes > 0 && resp.ContentLength > d.maxBytes {
		return File{}, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, resp.ContentLength, d.maxBytes)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return File{}, fmt.Errorf("create download dir: %w", err)
	}
	name := FileName(resp.Header.Get("Content-Disposition"), resp.Request.URL)
	target := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, ".part-*")
	if err != nil {
		return File{}, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	var body io.Reader = resp.Body
	if d.maxBytes > 0 {
		body = io.LimitReader(resp.Body, d.maxBytes+1)
	}
	n, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return File{}, fmt.Errorf("write %s: %w", name, err)
	}
	if d.maxBytes > 0 && n > d.maxBytes {
		return File{}, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, d.maxBytes)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return File{}, fmt.Errorf("save %s: %w", name, err)
	}
	return File{Path: target, Size: n, ContentType: resp.Header.Get("Content-Type")}, nil
}

// FileName picks a safe local file name for a download.
func FileName(contentDisposition string, u *url.URL) string {
	var name string
	if contentDisposition != "" {
		if _, params, err := mime.ParseMediaType(contentDisposition); err == nil {
			name = params["filename"]
		}
	}
	if name == "" && u != nil {
		name = path.Base(u.Path)
	}
	name = filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	switch name {
	case "", ".", "..", "/":
		return "download"
	}
	return name
}
