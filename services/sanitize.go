package services

import (
	"encoding/json"
	"html"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// Metadata limits for partner-supplied maps
const (
	MaxMetadataKeys        = 50
	MaxMetadataKeyLength   = 64
	MaxMetadataValueLength = 1000
	MaxNoteLength          = 4000
)

var strictPolicy = bluemonday.StrictPolicy()

// SanitizedMetadata is a flat map whose values are only strings, numbers,
// booleans or nil. Build it with SanitizeMetadata.
type SanitizedMetadata struct {
	values map[string]interface{}
}

// SanitizeMetadata keeps the scalar entries of raw and drops everything else.
// Strings are stored as sent, capped in length; a string carrying markup is
// dropped. Keys are processed in sorted order so the key cap is deterministic.
func SanitizeMetadata(raw map[string]interface{}) SanitizedMetadata {
	out := make(map[string]interface{})
	if len(raw) == 0 {
		return SanitizedMetadata{values: out}
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if len(out) >= MaxMetadataKeys {
			break
		}
		key := strings.TrimSpace(k)
		if key == "" || len(key) > MaxMetadataKeyLength {
			continue
		}

		switch v := raw[k].(type) {
		case nil:
			out[key] = nil
		case bool:
			out[key] = v
		case float64:
			out[key] = v
		case float32:
			out[key] = float64(v)
		case int:
			out[key] = float64(v)
		case int64:
			out[key] = float64(v)
		case json.Number:
			if f, err := v.Float64(); err == nil {
				out[key] = f
			}
		case string:
			if containsMarkup(v) {
				continue
			}
			out[key] = truncateRunes(v, MaxMetadataValueLength)
		}
	}

	return SanitizedMetadata{values: out}
}

// Len returns the number of kept entries
func (m SanitizedMetadata) Len() int {
	return len(m.values)
}

// Map returns a copy of the sanitized entries
func (m SanitizedMetadata) Map() map[string]interface{} {
	out := make(map[string]interface{}, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

// MergeInto overlays the sanitized entries onto existing ticket metadata
func (m SanitizedMetadata) MergeInto(existing map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(existing)+len(m.values))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range m.values {
		merged[k] = v
	}
	return merged
}

// SanitizeNote strips markup from a free-text partner note. The result is
// plain text, not HTML, so entities are decoded again.
func SanitizeNote(note string) string {
	return truncateRunes(strings.TrimSpace(html.UnescapeString(strictPolicy.Sanitize(note))), MaxNoteLength)
}

// containsMarkup reports whether the strict policy would remove anything from
// s. The policy also escapes bare & and <, so both sides are compared decoded.
func containsMarkup(s string) bool {
	return html.UnescapeString(strictPolicy.Sanitize(s)) != html.UnescapeString(s)
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
