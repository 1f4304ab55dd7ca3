package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/quizchain/internal/submission"
)

// Capability names exposed to the reasoning loop.
const (
	FetchPage           = "fetch_page"
	RenderPage          = "render_page"
	DownloadFile        = "download_file"
	ExtractDocumentText = "extract_document_text"
	AnalyzeTabularData  = "analyze_tabular_data"
	EvaluateExpression  = "evaluate_expression"
	RenderChart         = "render_chart"
	SubmitAnswer        = "submit_answer"
)

// Call is one reasoning-directed invocation.
type Call struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Result is the only channel through which capability outcomes re-enter the loop.
// Artifacts are referenced by path or data URI inside Text.
type Result struct {
	Text    string `json:"text"`
	Success bool   `json:"success"`

	// Submission is set by submit_answer only. It is consumed by the orchestrator
	// and never shown to the reasoning component.
	Submission *submission.Outcome `json:"-"`
}

// Ok builds a successful result.
func Ok(text string) Result { return Result{Text: text, Success: true} }

// Failure builds a failure-flagged result describing what was being attempted.
func Failure(doing string, err error) Result {
	if err == nil {
		return Result{Text: fmt.Sprintf("Error %s", doing)}
	}
	return Result{Text: fmt.Sprintf("Error %s: %v", doing, err)}
}

// Env carries the per-hop context a capability may need.
type Env struct {
	RunID       string
	TaskURL     string
	Credentials submission.Credentials
	// WorkDir is the run-scoped directory for downloads and rendered artifacts.
	WorkDir string
}

// Handler executes a capability with already-validated arguments.
type Handler func(ctx context.Context, env Env, args json.RawMessage) (Result, error)

// Capability declares one callable action.
type Capability struct {
	Name        string
	Description string
	// InputSchema is a JSON Schema object describing the arguments.
	InputSchema map[string]interface{}
	SideEffects []string
	// Timeout bounds a single execution. Zero means the caller's context only.
	Timeout time.Duration
	Handler Handler
}

// Schema is the declaration handed to the reasoning component.
type Schema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// ObjectSchema is a small helper for building object input schemas.
func ObjectSchema(required []string, props map[string]interface{}) map[string]interface{} {
	s := map[string]interface{}{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		req := make([]interface{}, len(required))
		for i, r := range required {
			req[i] = r
		}
		s["required"] = req
	}
	return s
}

// StringProp declares a string property.
func StringProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description, "minLength": 1}
}

// OptionalStringProp declares a string property that may be empty.
func OptionalStringProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}

// EnumProp declares a string property limited to values.
func EnumProp(description string, values ...string) map[string]interface{} {
	enum := make([]interface{}, len(values))
	for i, v := range values {
		enum[i] = v
	}
	return map[string]interface{}{"type": "string", "description": description, "enum": enum}
}
