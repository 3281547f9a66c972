package aigateway

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	fencedJSONBlock = regexp.MustCompile("(?s)```json\\s*\\n?(.*)\\n?\\s*```")
	fencedCodeBlock = regexp.MustCompile("(?s)```\\s*\\n?(.*?)\\n?\\s*```")
)

// ExtractJSON pulls a JSON object out of free-form AI prose using three
// strategies in order: a fenced ```json block, a generic fenced code block
// that happens to start with '{', and finally a brace-depth count to find
// the outermost { ... } span. Returns nil if none of the three strategies
// yields parseable JSON.
func ExtractJSON(content string) map[string]any {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if m := fencedJSONBlock.FindStringSubmatch(content); m != nil {
		if obj, ok := tryUnmarshal(strings.TrimSpace(m[1])); ok {
			return obj
		}
	}

	if m := fencedCodeBlock.FindStringSubmatch(content); m != nil {
		candidate := strings.TrimSpace(m[1])
		if strings.HasPrefix(candidate, "{") {
			if obj, ok := tryUnmarshal(candidate); ok {
				return obj
			}
		}
	}

	if span, ok := outermostBraceSpan(content); ok {
		if obj, ok := tryUnmarshal(span); ok {
			return obj
		}
	}

	return nil
}

func tryUnmarshal(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// outermostBraceSpan finds the first '{' and counts brace depth forward
// until it returns to zero, returning the substring spanning the outermost
// object. This handles JSON embedded in prose that a regex alone would
// either under- or over-match.
func outermostBraceSpan(content string) (string, bool) {
	first := strings.IndexByte(content, '{')
	if first == -1 {
		return "", false
	}
	depth := 0
	for i := first; i < len(content); i++ {
		switch content[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return content[first : i+1], true
			}
		}
	}
	return "", false
}
