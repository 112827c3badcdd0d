package cataloging

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/lehigh-university-libraries/ephemera/internal/errors"
)

const (
	// UntitledItem replaces a missing title
	UntitledItem = "Untitled item"
	defaultType  = "other"
)

// Result is the normalized answer of a vision provider
type Result struct {
	Title             string         `json:"title"`
	Type              string         `json:"type"`
	Year              string         `json:"year"`
	Notes             string         `json:"notes"`
	Confidence        string         `json:"confidence"`
	ConditionEstimate string         `json:"condition_estimate,omitempty"`
	RawMetadata       map[string]any `json:"raw_metadata,omitempty"`
}

// Fallback is a low-confidence placeholder used when the provider fails or
// times out, so the item can still be stored.
func Fallback(filename string, cause error) *Result {
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}
	title := "Unidentified item"
	if filename != "" {
		title = fmt.Sprintf("Unidentified item (%s)", filename)
	}
	return &Result{
		Title:      title,
		Type:       defaultType,
		Notes:      "Automatic identification unavailable; review manually.",
		Confidence: "0%",
		RawMetadata: map[string]any{
			"fallback_mode":   true,
			"fallback_reason": reason,
		},
	}
}

// IsFallback reports whether metadata carries the fallback marker
func IsFallback(metadata map[string]any) bool {
	v, ok := metadata["fallback_mode"].(bool)
	return ok && v
}

// Normalize parses a loosely formatted provider answer. It tolerates code
// fences and prose around the JSON object. Missing fields are defaulted and
// listed under raw_metadata.missing_fields; unrecognised keys are kept in
// raw_metadata.
func Normalize(raw string) (*Result, error) {
	body := extractJSON(raw)
	if body == "" {
		return nil, parseError("no JSON object in response", raw)
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return nil, parseError(err.Error(), raw)
	}

	r := &Result{RawMetadata: map[string]any{}}
	missing := []string{}

	r.Title = stringField(fields, "title")
	if r.Title == "" {
		r.Title = UntitledItem
		missing = append(missing, "title")
	}
	r.Type = strings.ToLower(stringField(fields, "type"))
	if r.Type == "" {
		r.Type = defaultType
		missing = append(missing, "type")
	}
	r.Year = stringField(fields, "year")
	r.Notes = stringField(fields, "notes")
	r.ConditionEstimate = stringField(fields, "condition_estimate", "condition")

	if c, ok := confidence(fields["confidence"]); ok {
		r.Confidence = c
	} else {
		r.Confidence = "0%"
		missing = append(missing, "confidence")
	}

	if nested, ok := fields["raw_metadata"].(map[string]any); ok {
		for k, v := range nested {
			r.RawMetadata[k] = v
		}
	}
	for k, v := range fields {
		switch k {
		case "title", "type", "year", "notes", "confidence", "condition_estimate", "condition", "raw_metadata":
			continue
		}
		r.RawMetadata[k] = v
	}
	if len(missing) > 0 {
		r.RawMetadata["missing_fields"] = missing
	}
	if len(r.RawMetadata) == 0 {
		r.RawMetadata = nil
	}
	return r, nil
}

func parseError(msg, raw string) error {
	preview := raw
	if len(preview) > 200 {
		preview = preview[:200]
	}
	return errors.Newf("unparseable guess: %s", msg).
		Component("cataloging").
		Category(errors.CategoryProcessing).
		Context("response", preview).
		Build()
}

func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end < start {
		return ""
	}
	return s[start : end+1]
}

// stringField returns the first present key as a string. Numbers are
// formatted without a fraction when they are whole.
func stringField(fields map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := fields[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return formatNumber(v)
		case bool:
			return strconv.FormatBool(v)
		}
	}
	return ""
}

func formatNumber(v float64) string {
	if v == math.Trunc(v) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// confidence maps 0.85, 85, "0.85", "85" and "85%" to "85%". Words such as
// "high" are kept as given.
func confidence(v any) (string, bool) {
	switch c := v.(type) {
	case float64:
		return percent(c), true
	case string:
		s := strings.TrimSpace(c)
		if s == "" {
			return "", false
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, "%")), 64)
		if err != nil {
			return s, true
		}
		if strings.HasSuffix(s, "%") {
			return clampPercent(n), true
		}
		return percent(n), true
	}
	return "", false
}

// percent treats values up to 1 as fractions
func percent(n float64) string {
	if n <= 1 {
		n *= 100
	}
	return clampPercent(n)
}

func clampPercent(n float64) string {
	n = math.Max(0, math.Min(100, math.Round(n)))
	return fmt.Sprintf("%d%%", int(n))
}
