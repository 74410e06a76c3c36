// Package llmutil turns free-form model output into typed values.
package llmutil

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// fencedBlockRegex captures the body of the first markdown code fence. The
// backticks are written as \x60 because raw strings cannot hold them.
var fencedBlockRegex = regexp.MustCompile("(?s)\x60\x60\x60[a-zA-Z]*\\s*(.*?)\\s*\x60\x60\x60")

// ExtractJSON pulls the JSON document out of a model response. It handles
// markdown fences and prose before or after the document. When nothing that
// looks like JSON is found the trimmed input is returned unchanged.
func ExtractJSON(response string) string {
	response = strings.TrimSpace(response)
	if m := fencedBlockRegex.FindStringSubmatch(response); len(m) > 1 {
		response = strings.TrimSpace(m[1])
	}
	if strings.HasPrefix(response, "{") || strings.HasPrefix(response, "[") {
		return response
	}

	objStart, objEnd := strings.Index(response, "{"), strings.LastIndex(response, "}")
	arrStart, arrEnd := strings.Index(response, "["), strings.LastIndex(response, "]")

	hasObj := objStart != -1 && objEnd > objStart
	hasArr := arrStart != -1 && arrEnd > arrStart
	switch {
	case hasObj && (!hasArr || objStart < arrStart):
		return response[objStart : objEnd+1]
	case hasArr:
		return response[arrStart : arrEnd+1]
	default:
		return response
	}
}

// ParseJSONResponse parses a model response into T.
func ParseJSONResponse[T any](response string) (*T, error) {
	doc := ExtractJSON(response)
	var result T
	if err := json.Unmarshal([]byte(doc), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal model JSON response: %w. Extracted JSON (truncated): %s", err, Truncate(doc, 500))
	}
	return &result, nil
}

// Truncate shortens s to at most maxRunes runes, marking the cut with "...".
func Truncate(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxRunes]) + "..."
}
