package reasoning

import (
	"context"
	"errors"
	"strings"

	"github.com/mohammad-safakhou/quizchain/internal/capability"
)

// ErrEmptyDecision is returned when the reasoning backend produced neither calls nor text.
var ErrEmptyDecision = errors.New("reasoning returned neither capability calls nor final text")

// Role identifies the author of a transcript message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one transcript entry. Assistant messages may carry calls; tool messages
// answer exactly one call by CallID.
type Message struct {
	Role    Role              `json:"role"`
	Content string            `json:"content,omitempty"`
	Calls   []capability.Call `json:"calls,omitempty"`
	CallID  string            `json:"call_id,omitempty"`
	Name    string            `json:"name,omitempty"`
}

// Transcript is the ordered conversation for one hop.
type Transcript []Message

// AppendDecision records the assistant turn that produced d.
func (t Transcript) AppendDecision(d Decision) Transcript {
	return append(t, Message{Role: RoleAssistant, Content: d.Final, Calls: d.Calls})
}

// AppendResult records a capability result as untrusted tool content.
func (t Transcript) AppendResult(call capability.Call, res capability.Result) Transcript {
	return append(t, Message{Role: RoleTool, Content: res.Text, CallID: call.ID, Name: call.Name})
}

// Decision is either a set of capability calls or a terminal text, never both.
type Decision struct {
	Calls []capability.Call
	Final string
}

// CallDecision builds a non-terminal decision.
func CallDecision(calls ...capability.Call) Decision { return Decision{Calls: calls} }

// FinalDecision builds a terminal decision.
func FinalDecision(text string) Decision { return Decision{Final: text} }

// Terminal reports whether the hop should end with Final.
func (d Decision) Terminal() bool { return len(d.Calls) == 0 }

// Validate rejects empty decisions. Text accompanying calls is kept as commentary.
func (d Decision) Validate() error {
	if len(d.Calls) == 0 && strings.TrimSpace(d.Final) == "" {
		return ErrEmptyDecision
	}
	return nil
}

// Reasoner decides the next step of a hop from the transcript so far.
type Reasoner interface {
	Decide(ctx context.Context, transcript Transcript, schemas []capability.Schema) (Decision, error)
}

// Func adapts a function to Reasoner.
type Func func(ctx context.Context, transcript Transcript, schemas []capability.Schema) (Decision, error)

// Decide implements Reasoner.
func (f Func) Decide(ctx context.Context, transcript Transcript, schemas []capability.Schema) (Decision, error) {
	return f(ctx, transcript, schemas)
}
