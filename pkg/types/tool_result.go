package types

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// ToolResult is what a tool's execute(input) call returns to the
// orchestrator: whether it succeeded, the (possibly structured) output,
// and, on failure, a machine-readable error.
type ToolResult struct {
	Success bool       `json:"success"`
	Output  any        `json:"output,omitempty"`
	Error   *ToolError `json:"error,omitempty"`
}

// ToolError is the machine-readable failure detail of a ToolResult.
type ToolError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// SerializedOutput renders the result for LLM context: a plain string
// Output is returned as-is (after sanitization), any other Output value
// -- including nil -- is JSON-encoded, and a failure's Error payload is
// serialized the same way so the model sees why a tool call failed
// instead of an empty result. Either way the returned string is
// guaranteed free of C0/C1 control characters (other than tab, LF, CR)
// and lone UTF-16 surrogates.
func (r ToolResult) SerializedOutput() string {
	if !r.Success {
		payload := struct {
			Error *ToolError `json:"error"`
		}{Error: r.Error}
		data, err := json.Marshal(payload)
		if err != nil {
			return SanitizeForTranscript(r.errorFallback())
		}
		return SanitizeForTranscript(string(data))
	}

	if s, ok := r.Output.(string); ok {
		return SanitizeForTranscript(s)
	}

	data, err := json.Marshal(r.Output)
	if err != nil {
		return SanitizeForTranscript(r.errorFallback())
	}
	return SanitizeForTranscript(string(data))
}

func (r ToolResult) errorFallback() string {
	if r.Error != nil {
		return r.Error.Message
	}
	return ""
}

// SanitizeForTranscript strips every C0/C1 control character except
// TAB (U+0009), LF (U+000A) and CR (U+000D), and every lone (unpaired)
// UTF-16 surrogate code point, from s. Invalid UTF-8 bytes are dropped
// rather than replaced, so malformed tool output can never corrupt a
// transcript file or smuggle terminal escape sequences into it.
func SanitizeForTranscript(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size <= 1 {
			i++
			continue
		}
		i += size

		if isStrippedControl(r) || isSurrogate(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isStrippedControl(r rune) bool {
	switch r {
	case '\t', '\n', '\r':
		return false
	}
	// C0 controls (0x00-0x1F), DEL (0x7F), and C1 controls (0x80-0x9F).
	return (r >= 0x00 && r <= 0x1F) || r == 0x7F || (r >= 0x80 && r <= 0x9F)
}

func isSurrogate(r rune) bool {
	return r >= 0xD800 && r <= 0xDFFF
}
