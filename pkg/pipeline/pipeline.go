// Package pipeline turns one user message into the persona's reply
// bubbles: plan, generate, score, critique, then a single repair pass
// or a persona fallback when the pool cannot carry the turn.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/doppeld/doppeld/config"
	"github.com/doppeld/doppeld/pkg/conversation"
	"github.com/doppeld/doppeld/pkg/persona"
	"github.com/doppeld/doppeld/pkg/provider"
	"github.com/doppeld/doppeld/pkg/retrieval"
)

// ErrGenerationExhausted signals that no usable candidate survived
// generation. The selector answers it with the persona fallback.
var ErrGenerationExhausted = errors.New("pipeline: candidate generation exhausted")

// Final selector outcomes.
const (
	PathDirect   = "direct"
	PathRepair   = "repair"
	PathFallback = "fallback"
)

const (
	minCandidates   = 8
	maxCandidates   = 20
	topSegments     = 5
	styleRefTarget  = 18
	styleRefMinimum = 10
	onlineMemoryK   = 12
	recentBlockSize = 12
	recentFetch     = 24

	criticRelevanceMargin = 0.04
	minRelevanceFloor     = 0.05
)

// Generator is the provider surface the pipeline needs.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts provider.GenerateOptions) (*provider.Result, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	EmbedTexts(ctx context.Context, texts []string, taskType string) ([][]float32, error)
}

// Retriever is the retrieval surface the pipeline needs.
type Retriever interface {
	Retrieve(ctx context.Context, query, personaKey string, k int) ([]retrieval.RankedSegment, error)
	StyleReferences(ctx context.Context, query, personaKey string, k int) ([]string, error)
}

// MessageLog is the conversation surface the pipeline reads.
type MessageLog interface {
	Messages(ctx context.Context, conversationID string, limit int) ([]conversation.Message, error)
}

type pipelineLogger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Plan is the planner stage output.
type Plan struct {
	CandidateCount    int      `json:"candidate_count"`
	BubbleCount       int      `json:"bubble_count"`
	LengthTargets     []int    `json:"length_targets"`
	ToneTags          []string `json:"tone_tags"`
	ShouldUseNickname bool     `json:"should_use_nickname"`
	Rationale         string   `json:"rationale"`
}

// Candidate is one scored reply candidate.
type Candidate struct {
	Bubbles  []string       `json:"bubbles"`
	Strategy string         `json:"strategy"`
	Scores   ScoreBreakdown `json:"scores"`
}

// Result is the outcome of one pipeline run.
type Result struct {
	Bubbles        []string    `json:"bubbles"`
	Delays         []int       `json:"delays_ms"`
	Candidates     []Candidate `json:"candidates"`
	SelectedIndex  int         `json:"selected_index"`
	FinalPath      string      `json:"final_path"`
	FallbackReason string      `json:"fallback_reason,omitempty"`
	RepairApplied  bool        `json:"repair_applied"`
	Plan           Plan        `json:"plan"`
	PlannerModel   string      `json:"planner_model,omitempty"`
	GeneratorModel string      `json:"generator_model,omitempty"`
	CriticModel    string      `json:"critic_model,omitempty"`
	RAGChars       int         `json:"rag_chars"`
}

// TurnHints carries per-turn signals computed outside the pipeline.
// The temporal fields let the planner and generator acknowledge a long
// silence deliberately instead of leaving it to chance.
type TurnHints struct {
	PartOfDay     string `json:"part_of_day,omitempty"`
	GapBucket     string `json:"gap_bucket,omitempty"`
	ShouldTimeAck bool   `json:"should_time_ack,omitempty"`
}

// turnContext is the assembled context of one turn.
type turnContext struct {
	Recent     []conversation.Message
	Online     []conversation.Message
	Segments   []retrieval.RankedSegment
	StyleRefs  []string
	Frame      Frame
	Hints      TurnHints
	Persona    *persona.Profile
	Brief      persona.Brief
	Preference *persona.Preference
	RAGChars   int
}

func (tc *turnContext) onlineContents() []string {
	out := make([]string, 0, len(tc.Online))
	for _, m := range tc.Online {
		out = append(out, m.Content)
	}
	return out
}

// Pipeline runs the generation stages for one persona daemon.
type Pipeline struct {
	provider   Generator
	retriever  Retriever
	msgs       MessageLog
	personas   *persona.Store
	cfg        config.PipelineConfig
	personaCfg config.PersonaConfig
	log        pipelineLogger
	rng        *rand.Rand
}

// New assembles a pipeline over its collaborators.
func New(gen Generator, retriever Retriever, msgs MessageLog, personas *persona.Store, cfg config.PipelineConfig, personaCfg config.PersonaConfig, log pipelineLogger) *Pipeline {
	return &Pipeline{
		provider:   gen,
		retriever:  retriever,
		msgs:       msgs,
		personas:   personas,
		cfg:        cfg,
		personaCfg: personaCfg,
		log:        log,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *Pipeline) buildContext(ctx context.Context, conversationID, personaKey, userMessage string) (*turnContext, error) {
	profile, err := p.personas.Get(ctx, personaKey)
	if err != nil {
		return nil, fmt.Errorf("load persona %q: %w", personaKey, err)
	}
	pref, err := p.personas.Preference(ctx, personaKey)
	if err != nil {
		return nil, fmt.Errorf("load preference %q: %w", personaKey, err)
	}

	recent, err := p.msgs.Messages(ctx, conversationID, recentFetch)
	if err != nil {
		return nil, fmt.Errorf("load recent messages: %w", err)
	}
	recentBlock := recent
	if len(recentBlock) > recentBlockSize {
		recentBlock = recentBlock[len(recentBlock)-recentBlockSize:]
	}

	online := p.onlineMemory(ctx, conversationID, userMessage)

	segments, err := p.retriever.Retrieve(ctx, userMessage, personaKey, topSegments)
	if err != nil {
		p.log.Warn("segment retrieval failed, continuing without history", "error", err)
		segments = nil
	}

	styleRefs := p.styleReferences(ctx, userMessage, personaKey, segments)

	ragChars := 0
	for _, rs := range segments {
		for _, ln := range rs.Lines {
			ragChars += runeLen(ln.Text)
		}
	}

	tc := &turnContext{
		Recent:     recentBlock,
		Online:     online,
		Segments:   segments,
		StyleRefs:  styleRefs,
		Frame:      buildFrame(userMessage, recentBlock, p.cfg.RecentMessages),
		Persona:    profile,
		Brief:      profile.Brief(14),
		Preference: pref,
		RAGChars:   ragChars,
	}

	p.log.Info("turn context assembled",
		"conversation", conversationID,
		"persona", personaKey,
		"recent", len(tc.Recent),
		"online", len(tc.Online),
		"style_refs", len(tc.StyleRefs),
		"segments", len(tc.Segments),
		"rag_chars", tc.RAGChars)
	return tc, nil
}

// onlineMemory picks recent log messages that share keywords with the
// user message, bounded by the configured lookback.
func (p *Pipeline) onlineMemory(ctx context.Context, conversationID, userMessage string) []conversation.Message {
	msgs, err := p.msgs.Messages(ctx, conversationID, 120)
	if err != nil {
		p.log.Warn("online memory load failed", "error", err)
		return nil
	}
	cutoff := time.Now().AddDate(0, 0, -p.cfg.OnlineMemoryDays).Unix()
	queryTokens := toSet(keywordTokens(userMessage))

	var matched []conversation.Message
	for _, m := range msgs {
		if m.CreatedAt < cutoff {
			continue
		}
		if len(queryTokens) == 0 {
			continue
		}
		hit := false
		for _, t := range keywordTokens(m.Content) {
			if _, ok := queryTokens[t]; ok {
				hit = true
				break
			}
		}
		if hit {
			matched = append(matched, m)
		}
	}
	if len(matched) > onlineMemoryK {
		matched = matched[len(matched)-onlineMemoryK:]
	}
	return matched
}

// styleReferences collects assistant lines from the top segments and
// tops up from baseline style retrieval when history is thin.
func (p *Pipeline) styleReferences(ctx context.Context, userMessage, personaKey string, segments []retrieval.RankedSegment) []string {
	var refs []string
	limit := len(segments)
	if limit > 4 {
		limit = 4
	}
	for _, rs := range segments[:limit] {
		for _, text := range assistantRefLines(rs.Lines) {
			refs = append(refs, text)
			if len(refs) >= styleRefTarget {
				return refs
			}
		}
	}
	if len(refs) < styleRefMinimum {
		extra, err := p.retriever.StyleReferences(ctx, userMessage, personaKey, styleRefTarget-len(refs))
		if err != nil {
			p.log.Warn("baseline style retrieval failed", "error", err)
			return refs
		}
		refs = append(refs, extra...)
	}
	return refs
}

// plan runs the planner stage. Any planner failure degrades to a
// heuristic plan from the context frame instead of failing the turn.
func (p *Pipeline) plan(ctx context.Context, userMessage string, tc *turnContext) (Plan, string) {
	fallback := Plan{
		CandidateCount:    maxInt(10, p.cfg.Candidates),
		BubbleCount:       tc.Frame.BubbleHint.Target,
		LengthTargets:     []int{6, 10},
		ToneTags:          []string{"确认", "轻松"},
		ShouldUseNickname: false,
		Rationale:         "fallback_plan",
	}

	result, err := p.provider.Generate(ctx, planPrompt(userMessage, p.personaCfg.StrictNickname, tc), provider.GenerateOptions{
		Temperature:     0.25,
		MaxOutputTokens: 900,
		JSONResponse:    true,
	})
	if err != nil {
		p.log.Warn("planner call failed, using heuristic plan", "error", err)
		return fallback, ""
	}

	raw, err := extractJSON(result.Text)
	if err != nil {
		p.log.Warn("planner output unparseable, using heuristic plan")
		return fallback, result.ModelUsed
	}
	var plan Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		// Some models wrap the object in a single-element array.
		var arr []Plan
		if err := json.Unmarshal(raw, &arr); err != nil || len(arr) == 0 {
			p.log.Warn("planner json is not an object, using heuristic plan")
			return fallback, result.ModelUsed
		}
		plan = arr[0]
	}
	if plan.CandidateCount == 0 {
		plan.CandidateCount = p.cfg.Candidates
	}
	return plan, result.ModelUsed
}

type rawCandidate struct {
	Bubbles  []string `json:"bubbles"`
	Strategy string   `json:"strategy"`
}

// generate runs the generator stage and returns sanitized, hard-filtered
// candidates. An unusable result is ErrGenerationExhausted.
func (p *Pipeline) generate(ctx context.Context, userMessage string, plan Plan, tc *turnContext, san *sanitizer, candidateCount int) ([]Candidate, string, error) {
	result, err := p.provider.Generate(ctx, generationPrompt(userMessage, p.personaCfg.StrictNickname, plan, tc, candidateCount), provider.GenerateOptions{
		Temperature:     0.72,
		MaxOutputTokens: 2800,
		JSONResponse:    true,
	})
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrGenerationExhausted, err)
	}

	var raws []rawCandidate
	if raw, err := extractJSON(result.Text); err == nil {
		var wrapper struct {
			Candidates []rawCandidate `json:"candidates"`
		}
		if err := json.Unmarshal(raw, &wrapper); err == nil && len(wrapper.Candidates) > 0 {
			raws = wrapper.Candidates
		} else if err := json.Unmarshal(raw, &raws); err != nil {
			raws = nil
		}
	}
	if len(raws) == 0 {
		p.log.Warn("generator output unparseable, coercing plain text")
		raws = []rawCandidate{{Bubbles: coerceBubbles(result.Text), Strategy: "text_coerce"}}
	}

	var out []Candidate
	for _, rc := range raws {
		bubbles := san.bubbles(rc.Bubbles)
		if ok, _ := san.hardFilter(bubbles); !ok {
			continue
		}
		out = append(out, Candidate{Bubbles: bubbles, Strategy: rc.Strategy})
	}
	if len(out) == 0 {
		return nil, result.ModelUsed, fmt.Errorf("%w: all candidates filtered", ErrGenerationExhausted)
	}
	return out, result.ModelUsed, nil
}

// semanticRelevance embeds the user message and candidate texts and
// returns cosine scores. A nil result means use the keyword fallback.
func (p *Pipeline) semanticRelevance(ctx context.Context, userMessage string, texts []string) []float64 {
	if len(texts) == 0 {
		return nil
	}
	q, err := p.provider.EmbedQuery(ctx, userMessage)
	if err != nil {
		p.log.Warn("candidate relevance embedding failed", "error", err)
		return nil
	}
	docs, err := p.provider.EmbedTexts(ctx, texts, provider.TaskRetrievalDocument)
	if err != nil {
		p.log.Warn("candidate relevance embedding failed", "error", err)
		return nil
	}
	out := make([]float64, len(docs))
	for i, d := range docs {
		out[i] = clamp01(cosine32(q, d))
	}
	return out
}

func cosine32(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na <= 0 || nb <= 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// critique asks the critic model to pick among the rerank pool. The
// winner only moves off the top when its relevance is within margin.
func (p *Pipeline) critique(ctx context.Context, userMessage string, pool []Candidate) (int, string) {
	if len(pool) < 2 {
		return 0, ""
	}
	result, err := p.provider.Generate(ctx, criticPrompt(userMessage, pool), provider.GenerateOptions{
		Temperature:     0.1,
		MaxOutputTokens: 280,
		JSONResponse:    true,
	})
	if err != nil {
		p.log.Warn("critic call failed, keeping top candidate", "error", err)
		return 0, ""
	}
	raw, err := extractJSON(result.Text)
	if err != nil {
		p.log.Warn("critic output unparseable, keeping top candidate")
		return 0, result.ModelUsed
	}
	var verdict struct {
		WinnerIndex int    `json:"winner_index"`
		Reason      string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &verdict); err != nil {
		return 0, result.ModelUsed
	}
	idx := verdict.WinnerIndex
	if idx <= 0 || idx >= len(pool) {
		return 0, result.ModelUsed
	}
	if pool[idx].Scores.Semantic >= pool[0].Scores.Semantic-criticRelevanceMargin {
		return idx, result.ModelUsed
	}
	return 0, result.ModelUsed
}

// repair attempts the single minimal-rewrite pass. It returns nil when
// the repair failed or produced nothing usable.
func (p *Pipeline) repair(ctx context.Context, userMessage string, tc *turnContext, san *sanitizer, bubbles []string) []string {
	result, err := p.provider.Generate(ctx, repairPrompt(userMessage, p.personaCfg.StrictNickname, tc, bubbles), provider.GenerateOptions{
		Temperature:     0.15,
		MaxOutputTokens: 420,
		JSONResponse:    true,
	})
	if err != nil {
		p.log.Warn("repair call failed", "error", err)
		return nil
	}
	raw, err := extractJSON(result.Text)
	if err != nil {
		return nil
	}
	var payload struct {
		Bubbles []string `json:"bubbles"`
		Reason  string   `json:"reason"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}
	repaired := san.bubbles(payload.Bubbles)
	if ok, _ := san.hardFilter(repaired); !ok {
		return nil
	}
	return repaired
}

// fallbackLines builds the persona-consistent fallback: stay present,
// quote the user's current point, keep the door open.
func (p *Pipeline) fallbackLines(userMessage string, tc *turnContext, san *sanitizer) []string {
	snippet := strings.ReplaceAll(strings.TrimSpace(userMessage), "\n", " ")
	if runeLen(snippet) > p.cfg.AnchorChars {
		snippet = strings.TrimSpace(string([]rune(snippet)[:p.cfg.AnchorChars])) + "…"
	}
	nickname := tc.Persona.Core.Relationship.StrictNickname
	if nickname == "" {
		nickname = p.personaCfg.StrictNickname
	}
	first := san.bubble(fmt.Sprintf("%s，我在，先接住你这个点。", nickname))
	second := san.bubble(fmt.Sprintf("你刚刚说的是「%s」，我按这个继续。", snippet))

	var lines []string
	for _, l := range []string{first, second} {
		if l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return []string{"我在", "你继续说，我接得住"}
	}
	if len(lines) > 2 {
		lines = lines[:2]
	}
	return lines
}

// computeDelays converts bubbles into cumulative typing delays.
func (p *Pipeline) computeDelays(bubbles []string) []int {
	const baseMs = 500
	out := make([]int, 0, len(bubbles))
	total := 0
	for _, text := range bubbles {
		chars := runeLen(text)
		if chars > 26 {
			chars = 26
		}
		total += baseMs + chars*(45+p.rng.Intn(44))
		out = append(out, total)
	}
	return out
}

// Run executes one full turn. The only error cases are missing persona
// state and context loading; generation trouble always degrades to the
// fallback path instead.
func (p *Pipeline) Run(ctx context.Context, conversationID, personaKey, userMessage string, hints TurnHints) (*Result, error) {
	tc, err := p.buildContext(ctx, conversationID, personaKey, userMessage)
	if err != nil {
		return nil, err
	}
	tc.Hints = hints
	flat := tc.Persona.Flatten()
	san := newSanitizer(flat.Relationship.ForbiddenNicknames)
	sc := &scorer{cfg: p.cfg, pref: tc.Preference, flat: flat, san: san}

	plan, plannerModel := p.plan(ctx, userMessage, tc)
	candidateCount := int(clampF(float64(plan.CandidateCount), minCandidates, maxCandidates))

	finalPath := PathDirect
	fallbackReason := ""

	candidates, generatorModel, genErr := p.generate(ctx, userMessage, plan, tc, san, candidateCount)
	if genErr != nil {
		if !errors.Is(genErr, ErrGenerationExhausted) {
			return nil, genErr
		}
		p.log.Warn("generation exhausted, using persona fallback", "error", genErr)
		finalPath = PathFallback
		fallbackReason = "empty_candidate_pool"
		lines := p.fallbackLines(userMessage, tc, san)
		scores := sc.score(userMessage, lines, tc, 0.58)
		candidates = []Candidate{{Bubbles: lines, Strategy: "fallback_persona", Scores: scores}}
	} else {
		texts := make([]string, len(candidates))
		for i, c := range candidates {
			texts[i] = strings.Join(c.Bubbles, " ")
		}
		hints := p.semanticRelevance(ctx, userMessage, texts)

		scored := candidates[:0]
		for i := range candidates {
			hint := -1.0
			if i < len(hints) {
				hint = hints[i]
			}
			candidates[i].Scores = sc.score(userMessage, candidates[i].Bubbles, tc, hint)
			if candidates[i].Scores.Semantic < minRelevanceFloor {
				continue
			}
			scored = append(scored, candidates[i])
		}
		candidates = scored

		if len(candidates) == 0 {
			p.log.Warn("candidate pool empty after scoring, using persona fallback")
			finalPath = PathFallback
			fallbackReason = "empty_candidate_pool"
			lines := p.fallbackLines(userMessage, tc, san)
			scores := sc.score(userMessage, lines, tc, 0.58)
			candidates = []Candidate{{Bubbles: lines, Strategy: "fallback_persona", Scores: scores}}
		}
	}

	sortCandidates(candidates)

	poolSize := p.cfg.RerankTopK
	if poolSize < 1 {
		poolSize = 1
	}
	if poolSize > len(candidates) {
		poolSize = len(candidates)
	}
	pool := candidates[:poolSize]

	selectedIndex := 0
	criticModel := ""
	if finalPath != PathFallback {
		selectedIndex, criticModel = p.critique(ctx, userMessage, pool)
	}
	selected := pool[selectedIndex]

	repairApplied := false
	if p.cfg.EnableRepairPass && finalPath != PathFallback {
		offtopicNow := selected.Scores.Offtopic
		shouldRepair := (offtopicNow > p.cfg.RepairThresholdLow && offtopicNow <= p.cfg.RepairThresholdHigh) ||
			(p.cfg.EnablePersonaGuard && selected.Scores.PersonaConsistency < personaGuardRepairThreshold) ||
			selected.Scores.Flow < 0.46
		if shouldRepair {
			if repaired := p.repair(ctx, userMessage, tc, san, selected.Bubbles); repaired != nil {
				repairedScores := sc.score(userMessage, repaired, tc, -1)
				better := repairedScores.Offtopic < selected.Scores.Offtopic-0.08 ||
					repairedScores.Total > selected.Scores.Total+0.03
				acceptable := repairedScores.Offtopic <= p.cfg.RepairThresholdHigh &&
					repairedScores.PersonaConsistency >= minF(0.3, personaGuardRepairThreshold-0.2)
				if better || acceptable {
					selected.Bubbles = repaired
					selected.Strategy = selected.Strategy + "|repair"
					selected.Scores = repairedScores
					repairApplied = true
					finalPath = PathRepair
					p.log.Info("repair applied", "offtopic", repairedScores.Offtopic)
				}
			}
		}
	}

	if finalPath != PathFallback {
		offtopicNow := selected.Scores.Offtopic
		tooOfftopic := p.cfg.EnableOfftopicPenalty &&
			offtopicNow > p.cfg.RepairThresholdHigh &&
			selected.Scores.Semantic < 0.52 &&
			selected.Scores.Flow < 0.35
		personaBroken := p.cfg.EnablePersonaGuard &&
			selected.Scores.PersonaConsistency < maxF(0.2, personaGuardRepairThreshold-0.25)
		flowBroken := selected.Scores.Flow < 0.15 && selected.Scores.Semantic < 0.45
		if tooOfftopic || personaBroken || flowBroken {
			lines := p.fallbackLines(userMessage, tc, san)
			selected.Bubbles = lines
			selected.Strategy = "fallback_persona"
			selected.Scores = sc.score(userMessage, lines, tc, maxF(0.45, 1.0-offtopicNow))
			finalPath = PathFallback
			switch {
			case tooOfftopic:
				fallbackReason = "offtopic_high"
			case personaBroken:
				fallbackReason = "persona_low"
			default:
				fallbackReason = "flow_low"
			}
		}
	}

	delays := p.computeDelays(selected.Bubbles)
	p.log.Info("turn generated",
		"conversation", conversationID,
		"final_path", finalPath,
		"selected_index", selectedIndex,
		"strategy", selected.Strategy,
		"offtopic", selected.Scores.Offtopic,
		"persona", selected.Scores.PersonaConsistency,
		"total", selected.Scores.Total)

	return &Result{
		Bubbles:        selected.Bubbles,
		Delays:         delays,
		Candidates:     pool,
		SelectedIndex:  selectedIndex,
		FinalPath:      finalPath,
		FallbackReason: fallbackReason,
		RepairApplied:  repairApplied,
		Plan:           plan,
		PlannerModel:   plannerModel,
		GeneratorModel: generatorModel,
		CriticModel:    criticModel,
		RAGChars:       tc.RAGChars,
	}, nil
}

func sortCandidates(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].Scores.Total > cands[j].Scores.Total
	})
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
