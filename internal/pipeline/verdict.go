package pipeline

import (
	"bytes"
	"encoding/json"
)

// Verdict is the auditor's structured output.
type Verdict struct {
	Pass        bool     `json:"pass"`
	Criteria    []string `json:"criteria"`
	Gaps        []string `json:"gaps"`
	TestResults string   `json:"testResults"`
}

// rawVerdict mirrors Verdict but decodes Pass into a *bool so a fragment
// that is valid JSON with no boolean pass field can be told apart (nil)
// while scanning.
type rawVerdict struct {
	Pass        *bool    `json:"pass"`
	Criteria    []string `json:"criteria"`
	Gaps        []string `json:"gaps"`
	TestResults string   `json:"testResults"`
}

// ParseVerdict scans output for JSON object fragments shaped like
// {"pass": bool, ...} and returns the last well-formed one found. This
// replaces ad-hoc regex scraping of audit output with a tolerant scan
// (Design Notes item 4): every '{' is matched to its closing brace and
// the enclosed candidate is decoded on its own, so well-formed JSON
// embedded anywhere in prose (before/after commentary, markdown fences)
// is still recovered. ok is false if no fragment with a boolean "pass"
// field was found anywhere in output.
func ParseVerdict(output string) (v Verdict, ok bool) {
	var last Verdict
	found := false

	for start := 0; start < len(output); start++ {
		if output[start] != '{' {
			continue
		}
		end := matchingBrace(output, start)
		if end < 0 {
			continue
		}
		candidate := output[start : end+1]

		var raw rawVerdict
		dec := json.NewDecoder(bytes.NewReader([]byte(candidate)))
		if err := dec.Decode(&raw); err != nil || raw.Pass == nil {
			continue
		}

		last = Verdict{
			Pass:        *raw.Pass,
			Criteria:    raw.Criteria,
			Gaps:        raw.Gaps,
			TestResults: raw.TestResults,
		}
		found = true
	}

	return last, found
}

// matchingBrace returns the index of the brace matching the '{' at start,
// respecting (naively) string literals so braces inside quoted strings
// don't confuse the scan. Returns -1 if unbalanced.
func matchingBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// RenderVerdict serializes v back to its canonical JSON form, the
// counterpart used by the round-trip test law parseVerdict(render(v)) ==
// v for well-formed verdicts.
func RenderVerdict(v Verdict) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
