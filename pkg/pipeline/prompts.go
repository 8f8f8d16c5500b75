package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/doppeld/doppeld/pkg/conversation"
	"github.com/doppeld/doppeld/pkg/retrieval"
)

// promptLine is the compact message view embedded into prompts.
type promptLine struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// promptSegment is the compact retrieved-segment view for prompts.
type promptSegment struct {
	SegmentID  int64        `json:"segment_id"`
	AnchorText string       `json:"anchor_text"`
	Score      float64      `json:"retrieval_score"`
	Lines      []promptLine `json:"lines"`
}

func compactRecent(msgs []conversation.Message) []promptLine {
	out := make([]promptLine, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, promptLine{Role: m.Role, Content: m.Content})
	}
	return out
}

func compactSegments(segments []retrieval.RankedSegment, limit int) []promptSegment {
	if len(segments) > limit {
		segments = segments[:limit]
	}
	out := make([]promptSegment, 0, len(segments))
	for _, rs := range segments {
		ps := promptSegment{
			SegmentID:  rs.Segment.ID,
			AnchorText: rs.Segment.AnchorText,
			Score:      rs.Score,
		}
		for _, ln := range rs.Lines {
			ps.Lines = append(ps.Lines, promptLine{Role: ln.Role, Content: ln.Text})
		}
		out = append(out, ps)
	}
	return out
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// temporalHint renders the time-awareness line shared by the planner
// and generator prompts.
func temporalHint(h TurnHints) string {
	if h.PartOfDay == "" && h.GapBucket == "" && !h.ShouldTimeAck {
		return "无"
	}
	var parts []string
	if h.PartOfDay != "" {
		parts = append(parts, "现在是"+h.PartOfDay)
	}
	if h.GapBucket != "" {
		parts = append(parts, "距上次对话间隔档位:"+h.GapBucket)
	}
	if h.ShouldTimeAck {
		parts = append(parts, "隔了比较久没聊，回复里自然带一句好久没聊，不要刻意")
	}
	return strings.Join(parts, "；")
}

func planPrompt(userMessage, strictNickname string, tc *turnContext) string {
	return strings.TrimSpace(fmt.Sprintf(`
你是“对话规划器”。目标：不偏题，并且保持目标人物语气。

优先级：
1. 先承接当前用户语境，不跑题。
2. 再用历史原文学习表达习惯。
3. 最后保持长期人格一致。

硬约束：
1. 亲昵称呼只能使用“%s”，禁止其他称呼。
2. 输出必须是 JSON，不要输出解释。

用户当前消息：%s
短期语境框架：%s
时间语境：%s
风格统计：%s
偏好配置：%s
最近对话：%s
在线记忆：%s
历史相似片段：%s
长期人格：%s

请输出 JSON:
{
  "candidate_count": 10-20,
  "bubble_count": 1-8,
  "length_targets": [每条目标字数],
  "tone_tags": ["确认","安抚","轻松","追问"中的若干],
  "should_use_nickname": true/false,
  "rationale": "不超过40字"
}`,
		strictNickname,
		userMessage,
		mustJSON(tc.Frame),
		temporalHint(tc.Hints),
		mustJSON(tc.Persona.Adaptive.SpeechTraits),
		mustJSON(tc.Preference),
		mustJSON(compactRecent(tc.Recent)),
		mustJSON(compactRecent(tc.Online)),
		mustJSON(compactSegments(tc.Segments, 3)),
		mustJSON(tc.Brief),
	))
}

func generationPrompt(userMessage, strictNickname string, plan Plan, tc *turnContext, candidateCount int) string {
	return strings.TrimSpace(fmt.Sprintf(`
你就是目标人物本人在聊天。请根据历史原文学习表达，并优先承接当前语境。

规则：
1. 不偏题：必须回应用户当前这句话，不要跳到无关话题。
2. 语义优先：先把当前问题接住，再补充情绪和语气。
3. 历史原文用于学习表达和语义关联，不要照抄整句。
4. 亲昵称呼只能是“%s”。
5. 禁止输出 JSON 说明、模型解释、客服腔、教程腔。
6. 输出严格 JSON，不要 markdown。
7. 你的回复必须能把对话继续下去，避免只复述用户原话。

用户当前消息：%s
短期语境框架：%s
时间语境：%s
规划：%s
最近对话：%s
在线记忆：%s
历史相似片段原文：%s
长期人格：%s

请生成 %d 组候选，每组 1-8 条气泡（按短期语境决定，可一条也可多条连发）：
{
  "candidates": [
    {"bubbles": ["文本1","文本2"], "strategy": "8字内策略说明"}
  ]
}`,
		strictNickname,
		userMessage,
		mustJSON(tc.Frame),
		temporalHint(tc.Hints),
		mustJSON(plan),
		mustJSON(compactRecent(tc.Recent)),
		mustJSON(compactRecent(tc.Online)),
		mustJSON(compactSegments(tc.Segments, 3)),
		mustJSON(tc.Brief),
		candidateCount,
	))
}

type criticCandidate struct {
	Index    int      `json:"idx"`
	Bubbles  []string `json:"bubbles"`
	Offtopic float64  `json:"offtopic"`
	Persona  float64  `json:"persona"`
}

func criticPrompt(userMessage string, pool []Candidate) string {
	compact := make([]criticCandidate, 0, len(pool))
	for i, c := range pool {
		compact = append(compact, criticCandidate{
			Index:    i,
			Bubbles:  c.Bubbles,
			Offtopic: round3(c.Scores.Offtopic),
			Persona:  round3(c.Scores.PersonaConsistency),
		})
	}
	return strings.TrimSpace(fmt.Sprintf(`
你是风格复核器。目标：选出最承接当前语境且保持同一人格的候选。

用户当前消息：%s
候选：%s

输出 JSON:
{
  "winner_index": 整数,
  "reason": "不超过40字"
}`,
		userMessage,
		mustJSON(compact),
	))
}

func repairPrompt(userMessage, strictNickname string, tc *turnContext, bubbles []string) string {
	return strings.TrimSpace(fmt.Sprintf(`
请做“最小改写修复”。目标：保持原语气和句式，只修复偏题或断聊部分，让回复贴合当前语境并能继续聊下去。

要求：
1. 只改必要的词句，不要整段重写。
2. 回复里至少给一个可接续点（追问、确认、补充）。
3. 亲昵称呼只能使用“%s”。
4. 输出 JSON，不要解释。

用户当前消息：%s
短期语境框架：%s
长期人格：%s
原候选：%s

输出：
{
  "bubbles": ["修复后文本1","修复后文本2"],
  "reason": "不超过20字"
}`,
		strictNickname,
		userMessage,
		mustJSON(tc.Frame),
		mustJSON(tc.Brief),
		mustJSON(bubbles),
	))
}

func round3(v float64) float64 {
	return float64(int(v*1000+0.5)) / 1000
}
