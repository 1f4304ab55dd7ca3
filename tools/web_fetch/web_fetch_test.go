package web_fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

const quizPage = `<html><head><title>Quiz 834</title><script>var x = "hidden";</script></head>
<body>
<h1>Q834.</h1>
<p>Download <a href="/files/data.csv">this file</a> and sum the <b>value</b> column.</p>
<p>Post your answer to https://ex.test/submit</p>
<audio src="clip.opus"></audio>
<a href="#top">top</a>
<a href="mailto:x@ex.test">mail</a>
</body></html>`

func TestExtractKeepsTextAndResolvesLinks(t *testing.T) {
	res := Extract("https://ex.test/quiz/834", quizPage, 0)
	if !strings.Contains(res.Text, "Q834.") || !strings.Contains(res.Text, "Post your answer to https://ex.test/submit") {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if strings.Contains(res.Text, "hidden") {
		t.Fatalf("script body leaked into text: %q", res.Text)
	}
	want := []string{"https://ex.test/files/data.csv", "https://ex.test/quiz/clip.opus"}
	if len(res.Links) != len(want) {
		t.Fatalf("expected links %v, got %v", want, res.Links)
	}
	for i := range want {
		if res.Links[i] != want[i] {
			t.Fatalf("link %d: expected %s, got %s", i, want[i], res.Links[i])
		}
	}
}

func TestExtractTruncates(t *testing.T) {
	res := Extract("https://ex.test/", "<p>"+strings.Repeat("a", 100)+"</p>", 10)
	if !res.Truncated || len(res.Text) != 10 {
		t.Fatalf("expected 10 byte truncated text, got %d (%v)", len(res.Text), res.Truncated)
	}
	if !strings.Contains(Format(res), "[content truncated") {
		t.Fatalf("expected truncation marker in %q", Format(res))
	}
}

func TestHTTPFetcherExec(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/quiz":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(quizPage))
		case "/plain":
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte("  secret code 4242  "))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(Options{})
	res, err := f.Exec(context.Background(), srv.URL+"/quiz")
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.Status != 200 || !strings.Contains(res.Text, "sum the value column") {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Links[0] != srv.URL+"/files/data.csv" {
		t.Fatalf("expected absolute download link, got %v", res.Links)
	}

	res, err = f.Exec(context.Background(), srv.URL+"/plain")
	if err != nil || res.Text != "secret code 4242" {
		t.Fatalf("expected plain body, got %q (%v)", res.Text, err)
	}

	if _, err := f.Exec(context.Background(), srv.URL+"/missing"); err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected 404 error, got %v", err)
	}
}

func TestHTTPFetcherHonoursAllow(t *testing.T) {
	blocked := errors.New("blocked")
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/redirect" {
			http.Redirect(w, r, "/forbidden", http.StatusFound)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(Options{Allow: func(raw string) error {
		if strings.Contains(raw, "forbidden") {
			return blocked
		}
		return nil
	}})
	if _, err := f.Exec(context.Background(), srv.URL+"/forbidden"); !errors.Is(err, blocked) {
		t.Fatalf("expected blocked error, got %v", err)
	}
	if hits.Load() != 0 {
		t.Fatalf("blocked url must not be requested")
	}
	if _, err := f.Exec(context.Background(), srv.URL+"/redirect"); !errors.Is(err, blocked) {
		t.Fatalf("expected redirect target to be blocked, got %v", err)
	}
}
