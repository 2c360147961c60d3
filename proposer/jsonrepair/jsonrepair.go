// Package jsonrepair recovers a usable JSON object from a model's raw text
// response: strip code fences, balance brackets, and patch the handful of
// near-JSON mistakes models commonly make, before giving up.
package jsonrepair

import (
	"encoding/json"
	"regexp"
	"strings"
)

const maxRepairAttempts = 3

var fencedBlockPatterns = []*regexp.Regexp{
	regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```"),
	regexp.MustCompile("(?s)```\\s*(.*?)\\s*```"),
	regexp.MustCompile("(?s)`(.*?)`"),
}

// ExtractJSON pulls a candidate JSON snippet out of free-form text: first
// by looking for a fenced code block, then by scanning for a balanced
// {...} or [...] span.
func ExtractJSON(text string) string {
	for _, pat := range fencedBlockPatterns {
		if m := pat.FindStringSubmatch(text); m != nil {
			candidate := strings.TrimSpace(m[1])
			if candidate != "" {
				return candidate
			}
		}
	}
	if span := extractBalancedSpan(text); span != "" {
		return span
	}
	return ""
}

// extractBalancedSpan finds the first balanced top-level {...} or [...]
// span, tracking string/escape state so braces inside string literals
// don't throw off the depth count.
func extractBalancedSpan(text string) string {
	for i, c := range text {
		if c != '{' && c != '[' {
			continue
		}
		open, close := byte('{'), byte('}')
		if c == '[' {
			open, close = '[', ']'
		}
		if span := scanBalanced(text[i:], open, close); span != "" {
			return span
		}
	}
	return ""
}

func scanBalanced(s string, open, close byte) string {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
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
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}

var (
	trailingCommaPattern  = regexp.MustCompile(`,(\s*[}\]])`)
	unquotedKeyPattern    = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)(\s*:)`)
	pythonTruePattern     = regexp.MustCompile(`\bTrue\b`)
	pythonFalsePattern    = regexp.MustCompile(`\bFalse\b`)
	pythonNonePattern     = regexp.MustCompile(`\bNone\b`)
	lineCommentPattern    = regexp.MustCompile(`//[^\n]*`)
	blockCommentPattern   = regexp.MustCompile(`(?s)/\*.*?\*/`)
	hasDoubleQuotePattern = regexp.MustCompile(`"`)
)

// RepairJSON applies a bounded number of textual repairs to text and
// returns the repaired candidate. It never guarantees valid JSON; callers
// must still attempt to parse the result.
func RepairJSON(text string) string {
	repaired := text
	for i := 0; i < maxRepairAttempts; i++ {
		next := applyRepairs(repaired)
		if next == repaired {
			break
		}
		repaired = next
	}
	return repaired
}

func applyRepairs(text string) string {
	text = trailingCommaPattern.ReplaceAllString(text, "$1")
	if !hasDoubleQuotePattern.MatchString(text) {
		text = strings.ReplaceAll(text, "'", "\"")
	}
	text = unquotedKeyPattern.ReplaceAllString(text, `$1"$2"$3`)
	text = pythonTruePattern.ReplaceAllString(text, "true")
	text = pythonFalsePattern.ReplaceAllString(text, "false")
	text = pythonNonePattern.ReplaceAllString(text, "null")
	text = blockCommentPattern.ReplaceAllString(text, "")
	text = lineCommentPattern.ReplaceAllString(text, "")
	return text
}

// ParseSafely tries progressively more aggressive strategies to turn text
// into a JSON object: direct parse, extract-then-parse,
// extract-then-repair-then-parse, and finally repair-the-whole-thing.
// It returns the decoded object, or, when every strategy fails, an error
// reporting that no valid JSON was found.
func ParseSafely(text string) (map[string]any, error) {
	if v, err := tryParse(text); err == nil {
		return v, nil
	}

	if extracted := ExtractJSON(text); extracted != "" {
		if v, err := tryParse(extracted); err == nil {
			return v, nil
		}
		if v, err := tryParse(RepairJSON(extracted)); err == nil {
			return v, nil
		}
	}

	if v, err := tryParse(RepairJSON(text)); err == nil {
		return v, nil
	}

	return nil, errNoValidJSON
}

var errNoValidJSON = jsonError("no valid JSON found in response")

type jsonError string

func (e jsonError) Error() string { return string(e) }

func tryParse(s string) (map[string]any, error) {
	var v map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// ValidateToolCall checks that data has the shape a proposer response
// must have: either a boolean "done" field, or a string "tool" field with
// an optional "args" map.
func ValidateToolCall(data map[string]any) (ok bool, reason string) {
	if done, present := data["done"]; present {
		if _, isBool := done.(bool); !isBool {
			return false, "'done' must be a boolean"
		}
		return true, ""
	}
	toolVal, present := data["tool"]
	if !present {
		return false, "response must contain either 'done' or 'tool'"
	}
	if _, isString := toolVal.(string); !isString {
		return false, "'tool' must be a string"
	}
	if args, present := data["args"]; present {
		if _, isMap := args.(map[string]any); !isMap {
			return false, "'args' must be an object"
		}
	}
	return true, ""
}
