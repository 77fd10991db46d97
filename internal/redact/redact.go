// Package redact strips sensitive values from headers and request or
// response payloads, and enforces byte-size ceilings, before anything
// is persisted. Redaction always runs before truncation so a mask is
// never sliced mid-token.
package redact

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// TruncationMarker is appended when a payload is cut at the byte ceiling.
const TruncationMarker = "..."

// Headers returns a copy of headers with values of sensitive keys
// replaced by mask. Key matching is case-insensitive.
func Headers(headers map[string]string, sensitive []string, mask string) map[string]string {
	lower := make(map[string]bool, len(sensitive))
	for _, k := range sensitive {
		lower[strings.ToLower(k)] = true
	}

	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if lower[strings.ToLower(k)] {
			out[k] = mask
		} else {
			out[k] = v
		}
	}
	return out
}

// Body redacts sensitive fields from a payload and truncates the result
// to maxBytes. Bytes that do not decode as UTF-8 produce a placeholder
// instead; payloads whose content type indicates JSON get recursive
// field-level redaction, everything else passes through as plain text
// with only the size ceiling applied.
func Body(payload []byte, fields []string, mask string, maxBytes int, contentType string) string {
	if !utf8.Valid(payload) {
		return fmt.Sprintf("[Binary content: %d bytes]", len(payload))
	}
	text := string(payload)

	if strings.Contains(strings.ToLower(contentType), "json") {
		var obj any
		if err := json.Unmarshal(payload, &obj); err == nil {
			if m, ok := obj.(map[string]any); ok {
				return redactMapping(m, fields, mask, maxBytes)
			}
		}
		// Unparseable or non-mapping JSON falls through to plain text.
	}

	return Truncate(text, maxBytes)
}

// Mapping redacts an already-parsed JSON mapping and serializes it,
// applying the byte ceiling to the serialized form.
func Mapping(data map[string]any, fields []string, mask string, maxBytes int) string {
	return redactMapping(data, fields, mask, maxBytes)
}

func redactMapping(data map[string]any, fields []string, mask string, maxBytes int) string {
	redacted := Value(data, fields, mask)
	encoded, err := json.Marshal(redacted)
	if err != nil {
		return Truncate(fmt.Sprintf("%v", redacted), maxBytes)
	}
	return Truncate(string(encoded), maxBytes)
}

// Value recursively walks a decoded JSON structure. For each mapping,
// any key case-insensitively in fields has its value replaced wholesale
// by mask; list elements are processed element-wise; leaves pass
// through. Redacting an already-masked value is a no-op by construction.
func Value(v any, fields []string, mask string) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if containsFold(fields, k) {
				out[k] = mask
			} else {
				out[k] = Value(item, fields, mask)
			}
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Value(item, fields, mask)
		}
		return out
	default:
		return v
	}
}

// Truncate enforces the byte ceiling on the UTF-8 encoding of text.
// Over-long text is cut at maxBytes, trailing partial runes dropped,
// and the truncation marker appended.
func Truncate(text string, maxBytes int) string {
	if len(text) <= maxBytes {
		return text
	}
	cut := strings.ToValidUTF8(text[:maxBytes], "")
	return cut + TruncationMarker
}

func containsFold(fields []string, key string) bool {
	for _, f := range fields {
		if strings.EqualFold(f, key) {
			return true
		}
	}
	return false
}
