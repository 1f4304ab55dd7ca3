package openai_provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/quizchain/config"
	"github.com/mohammad-safakhou/quizchain/internal/agent/reasoning"
	"github.com/mohammad-safakhou/quizchain/internal/capability"
	"github.com/mohammad-safakhou/quizchain/internal/helpers"
)

const (
	openaiBaseURL     = "https://api.openai.com/v1"
	defaultAPIVersion = "2024-05-01-preview"
)

// client implements reasoning.Reasoner on the chat completions tool-calling API,
// for both OpenAI and Azure-hosted deployments.
type client struct {
	cfg      config.LLMConfig
	endpoint string
	headers  map[string]string
	http     *httpClient
	logger   *log.Logger
}

type chatMessage struct {
	Role       string     `json:"role"`
	Content    *string    `json:"content"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type toolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type toolDef struct {
	Type     string      `json:"type"`
	Function functionDef `json:"function"`
}

type functionDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type request struct {
	Model       string        `json:"model,omitempty"`
	Messages    []chatMessage `json:"messages"`
	Tools       []toolDef     `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type response struct {
	Choices []struct {
		Message struct {
			Content   *string    `json:"content"`
			ToolCalls []toolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// NewOpenAIClient creates a reasoner from normalized LLM settings.
func NewOpenAIClient(cfg config.LLMConfig, logger *log.Logger) (*client, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	endpoint, err := endpointFor(cfg)
	if err != nil {
		return nil, err
	}
	headers := map[string]string{}
	if cfg.Provider == "azure" {
		headers["api-key"] = cfg.APIKey
	} else {
		headers["Authorization"] = "Bearer " + cfg.APIKey
	}
	return &client{
		cfg:      cfg,
		endpoint: endpoint,
		headers:  headers,
		http:     newHTTPClient(cfg.Timeout, 2, 500*time.Millisecond),
		logger:   logger,
	}, nil
}

// Decide implements reasoning.Reasoner.
func (c *client) Decide(ctx context.Context, transcript reasoning.Transcript, schemas []capability.Schema) (reasoning.Decision, error) {
	req := request{
		Model:       c.cfg.Model,
		Messages:    toChatMessages(transcript),
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}
	for _, s := range schemas {
		req.Tools = append(req.Tools, toolDef{Type: "function", Function: functionDef{Name: s.Name, Description: s.Description, Parameters: s.Parameters}})
	}
	if len(req.Tools) > 0 {
		req.ToolChoice = "auto"
	}

	var resp response
	if err := c.http.doJSON(ctx, c.endpoint, c.headers, req, &resp); err != nil {
		return reasoning.Decision{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return reasoning.Decision{}, fmt.Errorf("chat completion: %w", reasoning.ErrEmptyDecision)
	}
	c.logger.Printf("completion: finish=%s prompt_tokens=%d completion_tokens=%d",
		resp.Choices[0].FinishReason, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	msg := resp.Choices[0].Message
	var d reasoning.Decision
	if msg.Content != nil {
		d.Final = *msg.Content
	}
	for _, tc := range msg.ToolCalls {
		id := tc.ID
		if id == "" {
			id = uuid.NewString()
		}
		d.Calls = append(d.Calls, capability.Call{ID: id, Name: tc.Function.Name, Arguments: normalizeArguments(tc.Function.Arguments)})
	}
	if err := d.Validate(); err != nil {
		return reasoning.Decision{}, err
	}
	return d, nil
}

// normalizeArguments keeps valid JSON, salvages JSON wrapped in prose or fences, and
// otherwise encodes the raw text as a JSON string so schema validation reports it.
func normalizeArguments(raw string) json.RawMessage {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	if obj, err := helpers.ToolArguments(raw); err == nil {
		return obj
	}
	quoted, _ := json.Marshal(raw)
	return quoted
}

func toChatMessages(t reasoning.Transcript) []chatMessage {
	out := make([]chatMessage, 0, len(t))
	for _, m := range t {
		content := m.Content
		cm := chatMessage{Role: string(m.Role), Content: &content}
		switch m.Role {
		case reasoning.RoleAssistant:
			for _, call := range m.Calls {
				cm.ToolCalls = append(cm.ToolCalls, toolCall{
					ID:       call.ID,
					Type:     "function",
					Function: functionCall{Name: call.Name, Arguments: string(call.Arguments)},
				})
			}
			if len(cm.ToolCalls) > 0 && content == "" {
				cm.Content = nil
			}
		case reasoning.RoleTool:
			cm.ToolCallID = m.CallID
		}
		out = append(out, cm)
	}
	return out
}

// endpointFor resolves the chat completions URL. Azure endpoints may be a resource
// root, a deployment URL, or a full completions URL with api-version in the query.
func endpointFor(cfg config.LLMConfig) (string, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if cfg.Provider != "azure" {
		if base == "" {
			base = openaiBaseURL
		}
		return strings.TrimRight(base, "/") + "/chat/completions", nil
	}

	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid azure endpoint %q", base)
	}
	q := u.Query()
	version := q.Get("api-version")
	if version == "" {
		version = cfg.APIVersion
	}
	if version == "" {
		version = defaultAPIVersion
	}
	q.Set("api-version", version)
	u.RawQuery = q.Encode()

	p := strings.TrimRight(u.Path, "/")
	switch {
	case strings.HasSuffix(p, "/chat/completions"):
	case strings.Contains(p, "/openai/deployments/"):
		p += "/chat/completions"
	case strings.HasSuffix(u.Hostname(), "openai.azure.com"):
		p += "/openai/deployments/" + url.PathEscape(cfg.Model) + "/chat/completions"
	default:
		p += "/chat/completions"
	}
	u.Path = p
	return u.String(), nil
}
