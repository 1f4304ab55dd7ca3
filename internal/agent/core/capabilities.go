package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/quizchain/config"
	"github.com/mohammad-safakhou/quizchain/internal/capability"
	"github.com/mohammad-safakhou/quizchain/internal/helpers"
	"github.com/mohammad-safakhou/quizchain/internal/policy"
	"github.com/mohammad-safakhou/quizchain/internal/submission"
	"github.com/mohammad-safakhou/quizchain/tools/calc"
	"github.com/mohammad-safakhou/quizchain/tools/chart"
	"github.com/mohammad-safakhou/quizchain/tools/document"
	"github.com/mohammad-safakhou/quizchain/tools/download"
	"github.com/mohammad-safakhou/quizchain/tools/tabular"
	"github.com/mohammad-safakhou/quizchain/tools/web_fetch"
	cdp "github.com/mohammad-safakhou/quizchain/tools/web_fetch/chromedp"
)

// ErrOutsideWorkDir is returned when a capability references a file outside the run's
// working directory.
var ErrOutsideWorkDir = errors.New("path is outside the run directory")

// Submitter posts an answer payload. *submission.Client implements it.
type Submitter interface {
	Submit(ctx context.Context, submitURL string, p submission.Payload) (submission.Outcome, error)
}

// CapabilityDeps are the collaborators behind the capability set.
type CapabilityDeps struct {
	Fetcher    web_fetch.WebFetcher
	Renderer   web_fetch.WebFetcher
	Downloader *download.Downloader
	Submitter  Submitter
	// Allow vets every outbound URL. Nil allows all.
	Allow    func(rawURL string) error
	MaxChars int
	Timeouts config.CapabilitiesConfig
	Logger   *log.Logger
}

// NewCapabilityDeps wires the production collaborators from configuration.
func NewCapabilityDeps(cfg config.CapabilitiesConfig, sec policy.SecurityPolicy, logger *log.Logger) CapabilityDeps {
	cfg = cfg.Normalize()
	allow := sec.Network.Allow
	fetchOpts := web_fetch.Options{
		Timeout:   cfg.FetchTimeout,
		MaxChars:  cfg.MaxChars,
		UserAgent: cfg.UserAgent,
		Allow:     allow,
	}
	renderOpts := fetchOpts
	renderOpts.Timeout = cfg.RenderTimeout
	return CapabilityDeps{
		Fetcher:    web_fetch.NewHTTPFetcher(fetchOpts),
		Renderer:   cdp.Fetch{Options: renderOpts},
		Downloader: download.New(cfg.DownloadTimeout, sec.MaxDownloadBytes(), cfg.UserAgent, allow),
		Submitter:  submission.NewClient(cfg.SubmitTimeout),
		Allow:      allow,
		MaxChars:   cfg.MaxChars,
		Timeouts:   cfg,
		Logger:     logger,
	}
}

// BuildCapabilities declares the eight capabilities available to the reasoning loop.
func BuildCapabilities(d CapabilityDeps) []capability.Capability {
	if d.Logger == nil {
		d.Logger = log.New(io.Discard, "", 0)
	}
	if d.MaxChars <= 0 {
		d.MaxChars = web_fetch.MaxCharsDefault
	}
	d.Timeouts = d.Timeouts.Normalize()
	urlArg := capability.ObjectSchema([]string{"url"}, map[string]interface{}{
		"url": capability.StringProp("absolute http(s) URL"),
	})

	return []capability.Capability{
		{
			Name:        capability.FetchPage,
			Description: "Fetch a web page over HTTP and return its cleaned text content and links. Does not run JavaScript.",
			InputSchema: urlArg,
			SideEffects: []string{"network"},
			Timeout:     d.Timeouts.FetchTimeout,
			Handler:     d.fetchHandler(d.Fetcher),
		},
		{
			Name:        capability.RenderPage,
			Description: "Load a page in a headless browser, run its JavaScript and return the rendered text content and links.",
			InputSchema: urlArg,
			SideEffects: []string{"network", "browser"},
			Timeout:     d.Timeouts.RenderTimeout,
			Handler:     d.fetchHandler(d.Renderer),
		},
		{
			Name:        capability.DownloadFile,
			Description: "Download a file (PDF, CSV, JSON, audio, image...) and return the local path where it was saved.",
			InputSchema: urlArg,
			SideEffects: []string{"network", "filesystem"},
			Timeout:     d.Timeouts.DownloadTimeout,
			Handler:     d.download,
		},
		{
			Name:        capability.ExtractDocumentText,
			Description: "Extract text from a downloaded PDF or text file, page by page.",
			InputSchema: capability.ObjectSchema([]string{"path"}, map[string]interface{}{
				"path": capability.StringProp("local path returned by download_file"),
			}),
			Handler: d.extractDocument,
		},
		{
			Name:        capability.AnalyzeTabularData,
			Description: "Analyze tabular data given as CSV text, a JSON array of objects, or a downloaded .csv/.json path.",
			InputSchema: capability.ObjectSchema([]string{"data", "operation"}, map[string]interface{}{
				"data":      capability.StringProp("CSV text, JSON text, or local file path"),
				"operation": capability.EnumProp("analysis to run", "sum", "mean", "count", "describe", "columns", "head", "filter", "aggregate", "summary"),
				"column":    capability.OptionalStringProp("column for sum, mean, count or aggregate"),
				"condition": capability.OptionalStringProp("filter condition such as \"value > 100\""),
				"agg_func":  capability.EnumProp("aggregate function for aggregate", "", "sum", "mean", "min", "max", "count"),
			}),
			Handler: d.analyze,
		},
		{
			Name:        capability.EvaluateExpression,
			Description: "Evaluate an arithmetic expression. Functions: " + strings.Join(calc.Functions, ", ") + "; constants pi and e.",
			InputSchema: capability.ObjectSchema([]string{"expression"}, map[string]interface{}{
				"expression": capability.StringProp("expression such as sqrt(16) + 2**3"),
			}),
			Handler: evaluate,
		},
		{
			Name:        capability.RenderChart,
			Description: "Render a bar, line, scatter or pie chart as PNG. Returns the saved path and a base64 data URI usable as an answer.",
			InputSchema: capability.ObjectSchema([]string{"chart_type", "data", "x_column", "y_column"}, map[string]interface{}{
				"chart_type": capability.EnumProp("chart type", "bar", "line", "scatter", "pie"),
				"data":       capability.StringProp("CSV text, JSON text, or local file path"),
				"x_column":   capability.StringProp("column for the x axis or labels"),
				"y_column":   capability.StringProp("numeric column for the y axis or values"),
				"title":      capability.OptionalStringProp("chart title"),
			}),
			SideEffects: []string{"filesystem"},
			Handler:     d.renderChart,
		},
		{
			Name:        capability.SubmitAnswer,
			Description: "Submit an answer to the submission URL stated in the task content. Returns whether it was correct, a reason, and the next quiz URL if any.",
			InputSchema: capability.ObjectSchema([]string{"submit_url", "email", "secret", "url", "answer"}, map[string]interface{}{
				"submit_url": capability.StringProp("submission endpoint taken from the current task content"),
				"email":      capability.StringProp("student email"),
				"secret":     capability.StringProp("student secret"),
				"url":        capability.StringProp("URL of the task being answered"),
				"answer":     map[string]interface{}{"description": "the answer: number, string, boolean, object or data URI"},
			}),
			SideEffects: []string{"network"},
			Timeout:     d.Timeouts.SubmitTimeout,
			Handler:     d.submit,
		},
	}
}

func (d CapabilityDeps) fetchHandler(f web_fetch.WebFetcher) capability.Handler {
	return func(ctx context.Context, _ capability.Env, args json.RawMessage) (capability.Result, error) {
		if f == nil {
			return capability.Result{}, errors.New("fetcher unavailable")
		}
		var in struct {
			URL string `json:"url"`
		}
		if err := capability.Decode(args, &in); err != nil {
			return capability.Result{}, err
		}
		res, err := f.Exec(ctx, in.URL)
		if err != nil {
			return capability.Result{}, err
		}
		return capability.Ok(web_fetch.Format(res)), nil
	}
}

func (d CapabilityDeps) download(ctx context.Context, env capability.Env, args json.RawMessage) (capability.Result, error) {
	if d.Downloader == nil {
		return capability.Result{}, errors.New("downloader unavailable")
	}
	if env.WorkDir == "" {
		return capability.Result{}, errors.New("no working directory for this run")
	}
	var in struct {
		URL string `json:"url"`
	}
	if err := capability.Decode(args, &in); err != nil {
		return capability.Result{}, err
	}
	file, err := d.Downloader.Fetch(ctx, in.URL, env.WorkDir)
	if err != nil {
		return capability.Result{}, err
	}
	ct := file.ContentType
	if ct == "" {
		ct = "unknown type"
	}
	return capability.Ok(fmt.Sprintf("Downloaded %s (%d bytes, %s)\nPath: %s", in.URL, file.Size, ct, file.Path)), nil
}

func (d CapabilityDeps) extractDocument(_ context.Context, env capability.Env, args json.RawMessage) (capability.Result, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := capability.Decode(args, &in); err != nil {
		return capability.Result{}, err
	}
	p, err := resolveInWorkDir(env.WorkDir, in.Path)
	if err != nil {
		return capability.Result{}, err
	}
	text, err := document.ExtractText(p)
	if err != nil {
		return capability.Result{}, err
	}
	return capability.Ok(d.clip(text)), nil
}

func (d CapabilityDeps) analyze(_ context.Context, env capability.Env, args json.RawMessage) (capability.Result, error) {
	var in struct {
		Data      string `json:"data"`
		Operation string `json:"operation"`
		Column    string `json:"column"`
		Condition string `json:"condition"`
		AggFunc   string `json:"agg_func"`
	}
	if err := capability.Decode(args, &in); err != nil {
		return capability.Result{}, err
	}
	df, err := tabular.Load(in.Data, workDirResolver(env.WorkDir))
	if err != nil {
		return capability.Result{}, err
	}
	out, err := tabular.Analyze(df, tabular.Request{
		Operation: in.Operation,
		Column:    in.Column,
		Condition: in.Condition,
		AggFunc:   in.AggFunc,
	})
	if err != nil {
		return capability.Result{}, err
	}
	return capability.Ok(d.clip(out)), nil
}

func evaluate(_ context.Context, _ capability.Env, args json.RawMessage) (capability.Result, error) {
	var in struct {
		Expression string `json:"expression"`
	}
	if err := capability.Decode(args, &in); err != nil {
		return capability.Result{}, err
	}
	out, err := calc.Evaluate(in.Expression)
	if err != nil {
		return capability.Result{}, err
	}
	return capability.Ok("Result: " + out), nil
}

func (d CapabilityDeps) renderChart(_ context.Context, env capability.Env, args json.RawMessage) (capability.Result, error) {
	if env.WorkDir == "" {
		return capability.Result{}, errors.New("no working directory for this run")
	}
	var in struct {
		ChartType string `json:"chart_type"`
		Data      string `json:"data"`
		XColumn   string `json:"x_column"`
		YColumn   string `json:"y_column"`
		Title     string `json:"title"`
	}
	if err := capability.Decode(args, &in); err != nil {
		return capability.Result{}, err
	}
	df, err := tabular.Load(in.Data, workDirResolver(env.WorkDir))
	if err != nil {
		return capability.Result{}, err
	}
	rendered, err := chart.Render(df, chart.Spec{Type: in.ChartType, XColumn: in.XColumn, YColumn: in.YColumn, Title: in.Title})
	if err != nil {
		return capability.Result{}, err
	}
	path, err := rendered.Save(env.WorkDir, "chart-"+uuid.NewString()[:8]+".png")
	if err != nil {
		return capability.Result{}, fmt.Errorf("save chart: %w", err)
	}
	return capability.Ok(fmt.Sprintf("Chart saved to %s (%d bytes)\nData URI: %s", path, len(rendered.PNG), rendered.DataURI)), nil
}

func (d CapabilityDeps) submit(ctx context.Context, env capability.Env, args json.RawMessage) (capability.Result, error) {
	if d.Submitter == nil {
		return capability.Result{}, errors.New("submitter unavailable")
	}
	var in struct {
		SubmitURL string          `json:"submit_url"`
		Email     string          `json:"email"`
		Secret    string          `json:"secret"`
		URL       string          `json:"url"`
		Answer    json.RawMessage `json:"answer"`
	}
	if err := capability.Decode(args, &in); err != nil {
		return capability.Result{}, err
	}
	submitURL := strings.TrimSpace(in.SubmitURL)
	if d.Allow != nil {
		if err := d.Allow(submitURL); err != nil {
			return capability.Result{}, err
		}
	}
	payload := submission.Payload{Email: in.Email, Secret: in.Secret, URL: in.URL, Answer: in.Answer}
	d.Logger.Printf("run %s: submitting answer for %s to %s (%d bytes)", env.RunID, in.URL, submitURL, len(in.Answer))
	outcome, err := d.Submitter.Submit(ctx, submitURL, payload)
	if err != nil {
		d.Logger.Printf("run %s: submission to %s failed: %v", env.RunID, submitURL, err)
		return capability.Result{}, err
	}
	d.Logger.Printf("run %s: submission correct=%t next=%q", env.RunID, outcome.Correct, outcome.NextURL)
	return capability.Result{Text: outcome.Text(), Success: true, Submission: &outcome}, nil
}

func (d CapabilityDeps) clip(s string) string {
	out, truncated := helpers.Truncate(s, d.MaxChars)
	if truncated {
		out += fmt.Sprintf("\n[output truncated to %d bytes]", len(out))
	}
	return out
}

func workDirResolver(dir string) tabular.PathResolver {
	return func(ref string) (string, error) {
		return resolveInWorkDir(dir, ref)
	}
}

// resolveInWorkDir maps ref to a path inside dir. Relative references are joined to
// dir; absolute ones must already point inside it.
func resolveInWorkDir(dir, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if dir == "" {
		return "", errors.New("no working directory for this run")
	}
	if ref == "" {
		return "", errors.New("empty path")
	}
	base, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	p := ref
	if !filepath.IsAbs(p) {
		p = filepath.Join(base, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(base, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkDir, ref)
	}
	return p, nil
}
