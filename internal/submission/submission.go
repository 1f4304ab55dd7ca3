package submission

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MaxPayloadBytes is the largest serialized answer payload accepted for transmission.
const MaxPayloadBytes = 1_000_000

var (
	// ErrPayloadTooLarge is returned when the serialized payload exceeds MaxPayloadBytes.
	ErrPayloadTooLarge = errors.New("payload exceeds size limit")
	// ErrMalformedResponse is returned when a submission response cannot be decoded.
	ErrMalformedResponse = errors.New("malformed submission response")
	// ErrMissingField is returned when a payload lacks a required field.
	ErrMissingField = errors.New("missing required submission field")
)

// Payload is the answer body posted to a submission endpoint.
type Payload struct {
	Email  string          `json:"email"`
	Secret string          `json:"secret"`
	URL    string          `json:"url"`
	Answer json.RawMessage `json:"answer"`
}

// Outcome is the parsed submission response. NextURL is the only continuation signal.
type Outcome struct {
	Correct bool   `json:"correct"`
	Reason  string `json:"reason,omitempty"`
	NextURL string `json:"url,omitempty"`
}

// Continues reports whether the chain should move on to NextURL.
func (o Outcome) Continues() bool {
	return strings.TrimSpace(o.NextURL) != ""
}

// Text renders the outcome the way it is shown to the reasoning loop.
func (o Outcome) Text() string {
	var b strings.Builder
	if o.Correct {
		b.WriteString("Submission result: CORRECT\n")
	} else {
		b.WriteString("Submission result: INCORRECT\n")
	}
	if o.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", o.Reason)
	}
	if o.NextURL != "" {
		fmt.Fprintf(&b, "Next quiz URL: %s\n", o.NextURL)
	}
	return b.String()
}

// SizeError describes a payload rejected by Encode because of its size.
type SizeError struct {
	Size  int
	Limit int
}

func (e SizeError) Error() string {
	return fmt.Sprintf("payload size (%d bytes) exceeds %d byte limit", e.Size, e.Limit)
}

func (e SizeError) Unwrap() error { return ErrPayloadTooLarge }

// StatusError reports a non-2xx submission response.
type StatusError struct {
	Code int
	Body string
}

func (e StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("submission endpoint returned status %d", e.Code)
	}
	return fmt.Sprintf("submission endpoint returned status %d: %s", e.Code, e.Body)
}

// Validate checks the payload carries every field the endpoint requires.
func (p Payload) Validate() error {
	switch {
	case strings.TrimSpace(p.Email) == "":
		return fmt.Errorf("%w: email", ErrMissingField)
	case strings.TrimSpace(p.Secret) == "":
		return fmt.Errorf("%w: secret", ErrMissingField)
	case strings.TrimSpace(p.URL) == "":
		return fmt.Errorf("%w: url", ErrMissingField)
	case len(bytes.TrimSpace(p.Answer)) == 0:
		return fmt.Errorf("%w: answer", ErrMissingField)
	}
	return nil
}

// Encode serializes the payload and enforces MaxPayloadBytes. A payload of exactly
// MaxPayloadBytes is accepted.
func Encode(p Payload) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if !json.Valid(p.Answer) {
		return nil, fmt.Errorf("answer is not valid JSON")
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if len(body) > MaxPayloadBytes {
		return nil, SizeError{Size: len(body), Limit: MaxPayloadBytes}
	}
	return body, nil
}

// Decode parses a submission response body. The correct field is required; reason and
// url are optional.
func Decode(body []byte) (Outcome, error) {
	var raw struct {
		Correct *bool   `json:"correct"`
		Reason  *string `json:"reason"`
		URL     *string `json:"url"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if raw.Correct == nil {
		return Outcome{}, fmt.Errorf("%w: missing correct field", ErrMalformedResponse)
	}
	out := Outcome{Correct: *raw.Correct}
	if raw.Reason != nil {
		out.Reason = strings.TrimSpace(*raw.Reason)
	}
	if raw.URL != nil {
		out.NextURL = strings.TrimSpace(*raw.URL)
	}
	return out, nil
}

// AnswerFromValue converts a decoded answer value into its raw JSON form.
func AnswerFromValue(v interface{}) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal answer: %w", err)
	}
	return b, nil
}
