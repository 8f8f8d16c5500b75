package pipeline

import (
	"regexp"
	"strings"

	"github.com/doppeld/doppeld/pkg/conversation"
)

var (
	keywordRe      = regexp.MustCompile(`[\x{4e00}-\x{9fff}]{2,8}|[A-Za-z]{3,24}|\d+`)
	nonWordRe      = regexp.MustCompile(`[^\x{4e00}-\x{9fff}A-Za-z0-9]`)
	statusUpdateRe = regexp.MustCompile(`我在|我刚|我现在|我还在|我正|刚刚|准备|正在`)
	statusReplyRe  = regexp.MustCompile(`我在|在.*呢|刚.*完|准备.*呢|在.*中|还在.*`)
	activityAskRe  = regexp.MustCompile(`在干嘛|干嘛呢|做什么|忙什么|忙啥|在忙啥|在忙什么`)
	followupRe     = regexp.MustCompile(`吗|呢|咋样|怎么样|要不要|想不想|要不|是不是|辣不辣|好吃吗|然后呢|你呢`)
)

var questionHints = []string{"吗", "么", "怎么", "为什么", "咋", "是否", "要不要", "?"}

var keywordStopwords = map[string]struct{}{
	"这个": {}, "那个": {}, "今天": {}, "就是": {}, "然后": {},
	"可以": {}, "我们": {}, "你们": {}, "我的": {}, "你的": {}, "一下": {},
}

const maxFocusTerms = 14

// keywordTokens extracts lowercase keywords plus Han 2- and 3-grams,
// stopwords removed. The grams keep unsegmented Chinese comparable.
func keywordTokens(text string) []string {
	base := keywordRe.FindAllString(strings.ToLower(text), -1)

	merged := nonWordRe.ReplaceAllString(strings.ToLower(text), "")
	var chars []rune
	for _, r := range merged {
		if r >= 0x4e00 && r <= 0x9fff {
			chars = append(chars, r)
		}
	}
	var grams []string
	for _, n := range []int{2, 3} {
		for i := 0; i+n <= len(chars); i++ {
			grams = append(grams, string(chars[i:i+n]))
		}
	}

	out := make([]string, 0, len(base)+len(grams))
	for _, t := range append(base, grams...) {
		if t == "" {
			continue
		}
		if _, stop := keywordStopwords[t]; stop {
			continue
		}
		out = append(out, t)
	}
	return out
}

// BubbleHint is the bubble count envelope the frame suggests.
type BubbleHint struct {
	Min    int `json:"min"`
	Target int `json:"target"`
	Max    int `json:"max"`
}

// Frame is the short-term context frame for one turn: what the user is
// focused on and what shape of reply fits.
type Frame struct {
	FocusTerms    []string   `json:"focus_terms"`
	LastUser      string     `json:"last_user"`
	LastAssistant string     `json:"last_assistant"`
	QuestionLike  bool       `json:"question_like"`
	StatusUpdate  bool       `json:"status_update"`
	AssistantRun  int        `json:"assistant_run"`
	BubbleHint    BubbleHint `json:"bubble_hint"`
}

// buildFrame derives the context frame from the user message and the
// recent log tail. recentN bounds how many messages feed focus terms.
func buildFrame(userMessage string, recent []conversation.Message, recentN int) Frame {
	if recentN < 2 {
		recentN = 2
	}
	tail := recent
	if len(tail) > recentN {
		tail = tail[len(tail)-recentN:]
	}

	var userLines, assistantLines []string
	for _, msg := range tail {
		content := strings.TrimSpace(msg.Content)
		switch msg.Role {
		case conversation.RoleUser:
			userLines = append(userLines, content)
		case conversation.RoleAssistant:
			assistantLines = append(assistantLines, content)
		}
	}

	anchors := keywordTokens(userMessage)
	if len(userLines) > 0 {
		anchors = append(anchors, keywordTokens(userLines[len(userLines)-1])...)
	}
	if len(assistantLines) > 0 {
		anchors = append(anchors, keywordTokens(assistantLines[len(assistantLines)-1])...)
	}
	seen := make(map[string]struct{}, len(anchors))
	var focus []string
	for _, token := range anchors {
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		focus = append(focus, token)
		if len(focus) >= maxFocusTerms {
			break
		}
	}

	questionLike := false
	for _, hint := range questionHints {
		if strings.Contains(userMessage, hint) {
			questionLike = true
			break
		}
	}
	statusUpdate := statusUpdateRe.MatchString(userMessage) && !questionLike

	// Count the assistant run before the user's latest message: a long
	// own run means the persona tends to multi-bubble here.
	assistantRun := 0
	foundUserTail := false
	for i := len(recent) - 1; i >= 0; i-- {
		role := recent[i].Role
		if role == conversation.RoleUser && !foundUserTail {
			foundUserTail = true
			continue
		}
		if role == conversation.RoleAssistant {
			assistantRun++
			continue
		}
		if assistantRun > 0 {
			break
		}
	}

	var hint BubbleHint
	switch {
	case statusUpdate:
		hint = BubbleHint{Min: 2, Target: 3, Max: 6}
	case questionLike:
		hint = BubbleHint{Min: 1, Target: 2, Max: 4}
	default:
		hint = BubbleHint{Min: 1, Target: 2, Max: 5}
	}
	if assistantRun >= 2 {
		if hint.Target < 6 {
			hint.Target++
		}
		if hint.Max < 8 {
			hint.Max++
		}
	}

	frame := Frame{
		FocusTerms:   focus,
		QuestionLike: questionLike,
		StatusUpdate: statusUpdate,
		AssistantRun: assistantRun,
		BubbleHint:   hint,
	}
	if len(userLines) > 0 {
		frame.LastUser = userLines[len(userLines)-1]
	}
	if len(assistantLines) > 0 {
		frame.LastAssistant = assistantLines[len(assistantLines)-1]
	}
	return frame
}
