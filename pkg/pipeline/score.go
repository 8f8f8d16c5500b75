package pipeline

import (
	"regexp"
	"strings"

	"github.com/doppeld/doppeld/config"
	"github.com/doppeld/doppeld/pkg/persona"
	"github.com/doppeld/doppeld/pkg/segment"
)

// Persona guard tuning. The guard keeps drifting candidates from
// shipping; the repair threshold decides when a rewrite is attempted.
const (
	personaGuardPenaltyWeight   = 0.12
	personaGuardRepairThreshold = 0.6
	flowWeight                  = 0.24
)

var (
	laughRe       = regexp.MustCompile(`(?i)哈哈|笑死|hhh`)
	laughLoopRe   = regexp.MustCompile(`(?i)哈哈|h{2,}|呵呵|嘿嘿`)
	punctMarkRe   = regexp.MustCompile(`[!?！？~～]`)
	answerRe      = regexp.MustCompile(`[?？]|是|要|可以|行|能|不行|怎么|因为|所以`)
	directReplyRe = regexp.MustCompile(`可以|不行|能|要|是|不是|会|不会|先|再`)
	topicShiftRe  = regexp.MustCompile(`不过|更想聊|先不聊|换个话题|另外聊|题外话|扯远了`)
)

// loopPhrases are mechanical echo loops observed in bad generations.
var loopPhrases = []string{"火鸡面", "你在干嘛", "干嘛呢", "好吃吗"}

// ScoreBreakdown is the fixed per-candidate score shape. Every axis is
// in [0,1]; penalties subtract from the weighted base.
type ScoreBreakdown struct {
	Semantic           float64 `json:"semantic"`
	Style              float64 `json:"style"`
	Flow               float64 `json:"flow"`
	SegmentAlignment   float64 `json:"segment_alignment"`
	ContextAlignment   float64 `json:"context_alignment"`
	PersonaConsistency float64 `json:"persona_consistency"`
	Offtopic           float64 `json:"offtopic"`
	CopyPenalty        float64 `json:"copy_penalty"`
	EchoPenalty        float64 `json:"echo_penalty"`
	Total              float64 `json:"total"`
}

type scorer struct {
	cfg  config.PipelineConfig
	pref *persona.Preference
	flat persona.Flat
	san  *sanitizer
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func runeLen(s string) int {
	return len([]rune(s))
}

func avgRuneLen(texts []string) float64 {
	if len(texts) == 0 {
		return 0
	}
	total := 0
	for _, t := range texts {
		total += runeLen(t)
	}
	return float64(total) / float64(len(texts))
}

// hasKeywordLoop reports a known phrase repeated back to back.
func hasKeywordLoop(text string) bool {
	for _, p := range loopPhrases {
		if strings.Contains(text, p+p) {
			return true
		}
	}
	return false
}

// hasImmediateRepeat reports any 2..8 rune span immediately duplicated.
func hasImmediateRepeat(text string) bool {
	runes := []rune(text)
	for n := 2; n <= 8; n++ {
		for i := 0; i+2*n <= len(runes); i++ {
			if string(runes[i:i+n]) == string(runes[i+n:i+2*n]) {
				return true
			}
		}
	}
	return false
}

// relevance is the keyword-overlap fallback used when embeddings are
// unavailable for candidate relevance.
func (sc *scorer) relevance(userMessage string, bubbles []string) float64 {
	tokens := keywordTokens(userMessage)
	if len(tokens) == 0 {
		return 0.5
	}
	seen := make(map[string]struct{}, len(tokens))
	text := strings.ToLower(strings.Join(bubbles, ""))
	hit := 0
	for _, t := range tokens {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if strings.Contains(text, t) {
			hit++
		}
	}
	return clamp01(float64(hit) / float64(len(seen)))
}

func (sc *scorer) style(bubbles []string, frame Frame) float64 {
	if len(bubbles) == 0 {
		return 0
	}
	avgLen := avgRuneLen(bubbles)
	targetLen := sc.flat.SpeechTraits.AvgLen
	if targetLen <= 0 {
		targetLen = 6.0
	}
	diff := avgLen - targetLen
	if diff < 0 {
		diff = -diff
	}
	denom := targetLen
	if denom < 1 {
		denom = 1
	}
	lenScore := 1.0 - clamp01(diff/denom)

	short := 0
	for _, b := range bubbles {
		if runeLen(b) <= 10 {
			short++
		}
	}
	shortRatio := float64(short) / float64(len(bubbles))

	hint := frame.BubbleHint
	target := float64(hint.Target)
	if target <= 0 {
		target = float64(sc.pref.MultiBubble.DefaultCount)
	}
	bubbleMin := float64(hint.Min)
	bubbleMax := float64(hint.Max)
	if bubbleMax <= 0 {
		bubbleMax = 6
	}
	n := float64(len(bubbles))
	var bubbleScore float64
	switch {
	case n < bubbleMin:
		bubbleScore = clamp01(1.0 - (bubbleMin-n)/maxF(1.0, bubbleMin))
	case n > bubbleMax:
		bubbleScore = clamp01(1.0 - (n-bubbleMax)/maxF(1.0, bubbleMax))
	default:
		d := n - target
		if d < 0 {
			d = -d
		}
		bubbleScore = 1.0 - minF(d/maxF(2.0, target), 1.0)
	}

	text := strings.Join(bubbles, "")
	laughTarget := sc.pref.Tone.LaughRatioTarget
	laughHere := 0.0
	if laughRe.MatchString(text) {
		laughHere = 1.0
	}
	laughDiff := laughHere - laughTarget
	if laughDiff < 0 {
		laughDiff = -laughDiff
	}
	laughScore := 1.0 - laughDiff

	return clamp01(0.42*lenScore + 0.26*shortRatio + 0.22*bubbleScore + 0.10*laughScore)
}

// contextAlignment measures whether the reply carries threads from the
// online memory block.
func (sc *scorer) contextAlignment(bubbles []string, online []string) float64 {
	if len(online) == 0 {
		return 0.55
	}
	text := strings.Join(bubbles, "")
	hit := 0
	refs := online
	if len(refs) > 8 {
		refs = refs[:8]
	}
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		key := ref
		if runes := []rune(ref); len(runes) > 6 {
			key = string(runes[:6])
		}
		if key != "" && strings.Contains(text, key) {
			hit++
		}
	}
	return clamp01(0.30 + float64(hit)*0.12)
}

func (sc *scorer) flow(userMessage string, bubbles []string, frame Frame) float64 {
	if len(bubbles) == 0 {
		return 0
	}
	text := strings.Join(bubbles, "")
	hasFollowup := followupRe.MatchString(text)
	hasStatus := statusReplyRe.MatchString(text)
	flow := 0.35

	switch {
	case frame.QuestionLike:
		if hasStatus || directReplyRe.MatchString(text) {
			flow += 0.28
		} else {
			flow += 0.06
		}
		if hasFollowup {
			flow += 0.16
		}
	case frame.StatusUpdate:
		if hasStatus {
			flow += 0.26
		} else {
			flow += 0.08
		}
		if hasFollowup {
			flow += 0.22
		} else {
			flow += 0.04
		}
	default:
		if hasStatus {
			flow += 0.14
		} else {
			flow += 0.05
		}
		if hasFollowup {
			flow += 0.14
		} else {
			flow += 0.05
		}
	}

	if len(bubbles) >= 3 {
		flow += 0.07
	} else if len(bubbles) == 1 && runeLen(text) <= 5 {
		flow -= 0.14
	}

	if hasKeywordLoop(text) {
		flow -= 0.28
	}
	return clamp01(flow)
}

func (sc *scorer) echoPenalty(userMessage string, bubbles []string) float64 {
	userTokens := toSet(keywordTokens(userMessage))
	if len(userTokens) == 0 {
		return 0
	}
	joined := strings.Join(bubbles, "")
	candTokens := toSet(keywordTokens(joined))
	if len(candTokens) == 0 {
		return 0
	}

	overlapCount, newCount := 0, 0
	for t := range candTokens {
		if _, ok := userTokens[t]; ok {
			overlapCount++
		} else {
			newCount++
		}
	}
	overlap := float64(overlapCount) / float64(len(candTokens))
	newRatio := float64(newCount) / float64(len(candTokens))

	penalty := 0.0
	if overlap >= 0.78 && newRatio <= 0.22 {
		penalty += 0.18
	}
	if runeLen(joined) <= 12 && len(candTokens) <= 3 && overlap >= 0.6 {
		penalty += 0.10
	}
	if hasKeywordLoop(joined) {
		penalty += 0.22
	}
	// Repeated laugh tokens are persona-positive, never an echo.
	if laughLoopRe.MatchString(joined) {
		return clampF(penalty, 0.0, 0.35)
	}
	if hasImmediateRepeat(joined) {
		penalty += 0.08
	}
	return clampF(penalty, 0.0, 0.35)
}

func assistantRefLines(segments []segment.Line) []string {
	var refs []string
	for _, ln := range segments {
		if ln.Role == segment.RoleAssistant && strings.TrimSpace(ln.Text) != "" {
			refs = append(refs, ln.Text)
		}
	}
	return refs
}

// segmentAlignment compares the reply's shape against the assistant
// lines of the best retrieved segment.
func (sc *scorer) segmentAlignment(bubbles []string, topLines []segment.Line) float64 {
	refs := assistantRefLines(topLines)
	if len(refs) == 0 {
		return 0.5
	}

	refTokens := toSet(keywordTokens(strings.Join(refs, "")))
	candTokens := toSet(keywordTokens(strings.Join(bubbles, "")))
	overlap := 0.0
	if len(candTokens) > 0 {
		hit := 0
		for t := range candTokens {
			if _, ok := refTokens[t]; ok {
				hit++
			}
		}
		overlap = float64(hit) / float64(len(candTokens))
	}

	refAvg := avgRuneLen(refs)
	candAvg := avgRuneLen(bubbles)
	diff := candAvg - refAvg
	if diff < 0 {
		diff = -diff
	}
	lenScore := 1.0 - minF(diff/maxF(1.0, refAvg), 1.0)

	pRef := punctMarkRe.MatchString(strings.Join(refs, ""))
	pCand := punctMarkRe.MatchString(strings.Join(bubbles, ""))
	pScore := 0.0
	if pRef == pCand {
		pScore = 1.0
	}

	return clamp01(0.55*overlap + 0.35*lenScore + 0.10*pScore)
}

// copyPenalty punishes verbatim reuse of long retrieved lines.
func (sc *scorer) copyPenalty(bubbles []string, refLines []string) float64 {
	if len(refLines) == 0 {
		return 0
	}
	refSet := make(map[string]struct{}, len(refLines))
	for _, r := range refLines {
		if r = strings.TrimSpace(r); r != "" {
			refSet[r] = struct{}{}
		}
	}
	penalty := 0.0
	for _, b := range bubbles {
		t := strings.TrimSpace(b)
		if t == "" {
			continue
		}
		if _, copied := refSet[t]; copied && runeLen(t) >= 10 {
			penalty += 0.08
		}
	}
	return minF(0.22, penalty)
}

func (sc *scorer) personaConsistency(bubbles []string) float64 {
	if !sc.cfg.EnablePersonaGuard {
		return 0.7
	}
	if len(bubbles) == 0 {
		return 0
	}
	text := strings.Join(bubbles, "")

	if sc.san.forbidden != nil && sc.san.forbidden.MatchString(text) {
		return 0
	}

	score := 0.65
	targetLen := sc.flat.SpeechTraits.AvgLen
	if targetLen <= 0 {
		targetLen = 8.0
	}
	avgLen := avgRuneLen(bubbles)
	diff := avgLen - targetLen
	if diff < 0 {
		diff = -diff
	}
	score += 0.2 * (1.0 - minF(diff/maxF(1.0, targetLen), 1.0))

	phrases := sc.flat.SpeechTraits.TopPhrases
	if len(phrases) > 30 {
		phrases = phrases[:30]
	}
	counted := 0
	for _, p := range phrases {
		if p = strings.TrimSpace(p); p != "" && strings.Contains(text, p) {
			counted++
		}
	}
	if len(phrases) > 0 {
		score += 0.15 * clamp01(float64(counted)/4.0)
	} else {
		score += 0.08
	}
	return clamp01(score)
}

// offtopic measures drift away from the frame's focus terms. Higher is
// worse; the selector's thresholds interpret it.
func (sc *scorer) offtopic(userMessage string, bubbles []string, frame Frame, relevanceHint float64) float64 {
	if !sc.cfg.EnableOfftopicPenalty {
		return 0
	}
	if len(bubbles) == 0 {
		return 1.0
	}
	text := strings.Join(bubbles, "")
	textTokens := toSet(keywordTokens(text))

	anchors := frame.FocusTerms
	if len(anchors) == 0 {
		anchors = keywordTokens(userMessage)
	}
	if len(anchors) > 12 {
		anchors = anchors[:12]
	}
	if len(anchors) == 0 {
		return 0.25
	}

	hit := 0
	for _, t := range anchors {
		if _, ok := textTokens[t]; ok || strings.Contains(text, t) {
			hit++
		}
	}
	coverage := float64(hit) / float64(len(anchors))
	drift := (1.0 - coverage) * 0.75

	if frame.QuestionLike && !answerRe.MatchString(text) {
		drift += 0.08
	}

	// Activity questions answered with a current status are on-topic
	// even with low token overlap.
	if activityAskRe.MatchString(userMessage) && statusReplyRe.MatchString(text) {
		drift -= 0.28
	}

	drift -= 0.30 * clamp01(relevanceHint)

	if topicShiftRe.MatchString(text) {
		drift += 0.18
	}
	anchorSet := toSet(anchors)
	extras := 0
	for t := range textTokens {
		if _, ok := anchorSet[t]; !ok && runeLen(t) >= 2 {
			extras++
		}
	}
	if coverage < 0.45 && extras >= 3 {
		drift += minF(0.14, 0.02*float64(extras))
	}
	if metaArtifactRe.MatchString(text) {
		drift += 0.22
	}
	return clamp01(drift)
}

// total folds the axes and penalties into one score using the evolving
// preference weights plus a fixed flow term.
func (sc *scorer) total(b ScoreBreakdown) float64 {
	base := sc.pref.Weight(persona.WeightSemantic, 0.45)*b.Semantic +
		sc.pref.Weight(persona.WeightStyle, 0.22)*b.Style +
		sc.pref.Weight(persona.WeightRelation, 0.12)*b.PersonaConsistency +
		sc.pref.Weight(persona.WeightRecency, 0.08)*b.SegmentAlignment +
		sc.pref.Weight(persona.WeightOnlineMemory, 0.13)*b.ContextAlignment +
		flowWeight*b.Flow

	pen := b.CopyPenalty + b.EchoPenalty + sc.cfg.OfftopicPenaltyWeight*b.Offtopic +
		0.12*maxF(0.0, 0.46-b.Flow)
	if sc.cfg.EnablePersonaGuard {
		pen += personaGuardPenaltyWeight * maxF(0.0, 0.55-b.PersonaConsistency)
	}
	return clamp01(base - pen)
}

// score computes the full breakdown for one candidate. relevanceHint
// carries the embedding cosine when available; pass a negative value to
// use the keyword fallback.
func (sc *scorer) score(userMessage string, bubbles []string, tc *turnContext, relevanceHint float64) ScoreBreakdown {
	rel := relevanceHint
	if rel < 0 {
		rel = sc.relevance(userMessage, bubbles)
	}

	var topLines []segment.Line
	var copyRefs []string
	if len(tc.Segments) > 0 {
		topLines = tc.Segments[0].Lines
		limit := len(tc.Segments)
		if limit > 2 {
			limit = 2
		}
		for _, seg := range tc.Segments[:limit] {
			copyRefs = append(copyRefs, assistantRefLines(seg.Lines)...)
		}
	}

	b := ScoreBreakdown{
		Semantic:           rel,
		Style:              sc.style(bubbles, tc.Frame),
		Flow:               sc.flow(userMessage, bubbles, tc.Frame),
		SegmentAlignment:   sc.segmentAlignment(bubbles, topLines),
		ContextAlignment:   sc.contextAlignment(bubbles, tc.onlineContents()),
		PersonaConsistency: sc.personaConsistency(bubbles),
	}
	b.Offtopic = sc.offtopic(userMessage, bubbles, tc.Frame, rel)
	b.CopyPenalty = sc.copyPenalty(bubbles, copyRefs)
	b.EchoPenalty = sc.echoPenalty(userMessage, bubbles)
	b.Total = sc.total(b)
	return b
}

func toSet(tokens []string) map[string]struct{} {
	out := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		out[t] = struct{}{}
	}
	return out
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
