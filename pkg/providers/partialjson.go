package providers

import (
	"encoding/json"
	"strings"
)

// parseToolInput parses an accumulated tool-call input buffer. Empty buffers
// parse to an empty object; anything else must be complete JSON.
func parseToolInput(accum string) (map[string]any, bool) {
	trimmed := strings.TrimSpace(accum)
	if trimmed == "" {
		return map[string]any{}, true
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return nil, false
	}
	return out, true
}

// ParsePartialJSON parses possibly-truncated JSON text by closing whatever
// containers and strings are still open. The second return reports whether a
// value could be recovered at all. Complete JSON parses as-is.
func ParsePartialJSON(text string) (any, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, false
	}

	var value any
	if err := json.Unmarshal([]byte(trimmed), &value); err == nil {
		return value, true
	}

	repaired := repairJSON(trimmed)
	if repaired == "" {
		return nil, false
	}
	if err := json.Unmarshal([]byte(repaired), &value); err != nil {
		return nil, false
	}
	return value, true
}

// repairJSON truncates a dangling token at the end of the text and appends
// the closers for every still-open string, object and array.
func repairJSON(text string) string {
	var stack []byte
	inString := false
	escaped := false
	lastComplete := -1

	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			if escaped {
				escaped = false
				continue
			}
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
				lastComplete = i
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			lastComplete = i
		case ',', ':':
			// separators end the previous token
		default:
			if c == 'e' || c == 'l' || (c >= '0' && c <= '9') {
				// possible end of true/false/null or a number
				lastComplete = i
			}
		}
	}

	if len(stack) == 0 && !inString {
		return text
	}

	var b strings.Builder
	if inString {
		b.WriteString(text)
		if escaped {
			// drop the dangling backslash
			s := b.String()
			b.Reset()
			b.WriteString(s[:len(s)-1])
		}
		b.WriteByte('"')
	} else {
		// cut back to the last complete token, dropping dangling keys,
		// bare separators and half-written literals
		end := lastComplete + 1
		if end <= 0 {
			return ""
		}
		cut := strings.TrimRight(text[:end], ", \t\n\r")
		// a string followed by a colon with no value is a dangling key
		if strings.HasSuffix(strings.TrimRight(text, " \t\n\r"), ":") {
			if idx := strings.LastIndexByte(cut, ','); idx >= 0 {
				cut = cut[:idx]
			} else if idx := strings.LastIndexAny(cut, "{["); idx >= 0 {
				cut = cut[:idx+1]
			}
		}
		b.WriteString(cut)
	}

	for i := len(stack) - 1; i >= 0; i-- {
		switch stack[i] {
		case '{':
			b.WriteByte('}')
		case '[':
			b.WriteByte(']')
		}
	}
	return b.String()
}
