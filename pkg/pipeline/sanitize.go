package pipeline

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

const bubbleMaxRunes = 44

var (
	metaArtifactRe = regexp.MustCompile(`(?i)json|schema|markdown|作为ai|我作为|提示词|system prompt`)
	whitespaceRe   = regexp.MustCompile(`\s+`)
	punctRunRe     = regexp.MustCompile(`([。！？!?~～，,]){2,}`)
	listMarkRe     = regexp.MustCompile(`^[\-\*\d\.\)\(\s]+`)
	hanRe          = regexp.MustCompile(`[\x{4e00}-\x{9fff}]`)
)

var uiArtifacts = map[string]struct{}{
	"选中": {}, "不错": {}, "提交": {}, "发送": {}, "标记": {},
}

type sanitizer struct {
	forbidden *regexp.Regexp
}

func newSanitizer(forbiddenNicknames []string) *sanitizer {
	var pat *regexp.Regexp
	if len(forbiddenNicknames) > 0 {
		parts := make([]string, 0, len(forbiddenNicknames))
		for _, n := range forbiddenNicknames {
			if n = strings.TrimSpace(n); n != "" {
				parts = append(parts, regexp.QuoteMeta(n))
			}
		}
		if len(parts) > 0 {
			pat = regexp.MustCompile(strings.Join(parts, "|"))
		}
	}
	return &sanitizer{forbidden: pat}
}

// clampRunes cuts text to the bubble limit, trimming dangling
// punctuation and appending an ellipsis.
func clampRunes(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	cut := strings.TrimRight(string(runes[:limit]), "。！？!?，,")
	return cut + "…"
}

// bubble normalizes one generated bubble: forbidden nicknames removed,
// whitespace and punctuation runs collapsed, length clamped.
func (s *sanitizer) bubble(text string) string {
	result := strings.TrimSpace(text)
	if result == "" {
		return ""
	}
	result = strings.ReplaceAll(result, " ", " ")
	if s.forbidden != nil {
		result = s.forbidden.ReplaceAllString(result, "")
	}
	result = strings.TrimSpace(whitespaceRe.ReplaceAllString(result, " "))
	result = punctRunRe.ReplaceAllString(result, "$1")
	return clampRunes(result, bubbleMaxRunes)
}

// bubbles sanitizes a candidate's bubble list, dropping empties.
func (s *sanitizer) bubbles(in []string) []string {
	out := make([]string, 0, len(in))
	for _, b := range in {
		if clean := s.bubble(b); clean != "" {
			out = append(out, clean)
		}
	}
	return out
}

// hardFilter rejects candidates no amount of scoring can save. The
// returned reason names the first failing check.
func (s *sanitizer) hardFilter(bubbles []string) (bool, string) {
	if len(bubbles) == 0 {
		return false, "empty"
	}
	anyHan := false
	for _, b := range bubbles {
		trimmed := strings.TrimSpace(b)
		if trimmed == "" {
			return false, "blank"
		}
		if _, ui := uiArtifacts[trimmed]; ui {
			return false, "ui_artifact"
		}
		if metaArtifactRe.MatchString(b) {
			return false, "meta_artifact"
		}
		if s.forbidden != nil && s.forbidden.MatchString(b) {
			return false, "forbidden_nickname"
		}
		if len([]rune(b)) > 50 {
			return false, "too_long"
		}
		if hanRe.MatchString(b) {
			anyHan = true
		}
	}
	if !anyHan {
		return false, "non_chinese"
	}
	return true, "ok"
}

var errNoJSON = errors.New("pipeline: no valid json found")

// extractJSON pulls the first JSON object or array out of model text
// that may be wrapped in prose or code fences.
func extractJSON(text string) (json.RawMessage, error) {
	text = strings.TrimSpace(text)
	if json.Valid([]byte(text)) && text != "" {
		return json.RawMessage(text), nil
	}

	for i, ch := range text {
		if ch != '{' && ch != '[' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(text[i:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err == nil {
			return raw, nil
		}
	}
	return nil, errNoJSON
}

// coerceBubbles salvages plain-text model output into one candidate's
// bubbles when JSON parsing failed entirely.
func coerceBubbles(text string) []string {
	plain := strings.ReplaceAll(text, "```json", "")
	plain = strings.TrimSpace(strings.ReplaceAll(plain, "```", ""))

	var bubbles []string
	for _, line := range strings.Split(plain, "\n") {
		line = strings.TrimSpace(listMarkRe.ReplaceAllString(strings.TrimSpace(line), ""))
		if line == "" {
			continue
		}
		bubbles = append(bubbles, clampRunes(line, bubbleMaxRunes))
		if len(bubbles) >= 3 {
			break
		}
	}
	if len(bubbles) == 0 {
		head := strings.TrimSpace(clampRunes(plain, 24))
		if head == "" {
			head = "我在"
		}
		bubbles = []string{head}
	}
	return bubbles
}
