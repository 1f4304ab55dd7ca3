package helpers

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoArgumentsObject is returned when tool-call arguments hold no JSON object.
var ErrNoArgumentsObject = errors.New("no JSON object in tool arguments")

// ToolArguments recovers the first complete JSON object from function-call arguments
// a model wrapped in a Markdown fence or surrounded with prose. Braces inside JSON
// strings are handled by the decoder.
func ToolArguments(raw string) (json.RawMessage, error) {
	s := strings.TrimPrefix(strings.TrimSpace(raw), "\uFEFF")
	for i := strings.IndexByte(s, '{'); i >= 0; {
		var obj json.RawMessage
		if err := json.NewDecoder(strings.NewReader(s[i:])).Decode(&obj); err == nil {
			return obj, nil
		}
		next := strings.IndexByte(s[i+1:], '{')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return nil, ErrNoArgumentsObject
}
