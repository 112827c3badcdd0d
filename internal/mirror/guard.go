package mirror

import (
	"encoding/json"
	"maps"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultMaxPayload leaves headroom below Firestore's 1 MiB document limit.
	DefaultMaxPayload = 900 * 1024
	// StrippedMarker prefixes the notes of a reduced document.
	StrippedMarker = "[stripped: payload too large] "
)

// truncatable lists the text fields cut, in order, when dropping extras is not
// enough. Identifying fields are never cut.
var truncatable = []string{"notes", "title", "error_message", "condition_estimate", "type", "box_id"}

// payloadSize approximates the stored size by the JSON encoding.
func payloadSize(fields map[string]any) int {
	data, err := json.Marshal(fields)
	if err != nil {
		return 0
	}
	return len(data)
}

// guardPayload returns fields unchanged when they fit in limit. Otherwise it
// drops the free-form extras, then the thumbnail, marks the notes as stripped
// and cuts text fields on rune boundaries until the document fits. The input
// map is not modified.
func guardPayload(fields map[string]any, limit int) (map[string]any, bool) {
	if limit <= 0 || payloadSize(fields) <= limit {
		return fields, false
	}

	reduced := maps.Clone(fields)
	delete(reduced, "raw_metadata")
	delete(reduced, "comps_quote")
	if payloadSize(reduced) > limit {
		delete(reduced, "thumbnail")
	}

	notes, _ := reduced["notes"].(string)
	reduced["notes"] = StrippedMarker + notes

	for _, key := range truncatable {
		for size := payloadSize(reduced); size > limit; size = payloadSize(reduced) {
			v, _ := reduced[key].(string)
			prefix := ""
			if key == "notes" {
				prefix, v = StrippedMarker, strings.TrimPrefix(v, StrippedMarker)
			}
			if v == "" {
				break
			}
			reduced[key] = prefix + truncateRunes(v, size-limit)
		}
	}
	return reduced, true
}

// truncateRunes drops at least n bytes from the end of s without splitting
// a UTF-8 sequence.
func truncateRunes(s string, n int) string {
	keep := len(s) - max(n, 1)
	if keep <= 0 {
		return ""
	}
	for keep > 0 && !utf8.RuneStart(s[keep]) {
		keep--
	}
	return s[:keep]
}
