// Package evolution turns positive feedback into bounded persona drift:
// small preference nudges applied immediately, and phrase candidates
// that only reach the adaptive persona after enough samples agree.
package evolution

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/doppeld/doppeld/config"
	"github.com/doppeld/doppeld/pkg/conversation"
	"github.com/doppeld/doppeld/pkg/persona"
	"github.com/doppeld/doppeld/pkg/provider"
)

// FeedbackLog is the conversation surface the manager needs.
type FeedbackLog interface {
	AddFeedback(ctx context.Context, conversationID string, messageIDs []int64, comment string) (int64, error)
	FeedbackTargets(ctx context.Context, conversationID string, messageIDs []int64) ([]conversation.Message, int, error)
}

// Generator is the provider surface the manager needs.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts provider.GenerateOptions) (*provider.Result, error)
}

type managerLogger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Result reports one feedback acceptance.
type Result struct {
	FeedbackID        int64  `json:"feedback_id"`
	AcceptedCount     int    `json:"accepted_count"`
	SkippedCount      int    `json:"skipped_count"`
	PreferenceVersion int64  `json:"preference_version"`
	PersonaVersion    int64  `json:"persona_version"`
	Promoted          bool   `json:"promoted"`
	Summary           string `json:"summary"`
}

type adjustments struct {
	LaughRatioTargetDelta    float64 `json:"laugh_ratio_target_delta"`
	TildeRatioTargetDelta    float64 `json:"tilde_ratio_target_delta"`
	QuestionRatioTargetDelta float64 `json:"question_ratio_target_delta"`
	DefaultBubbleCountDelta  float64 `json:"default_bubble_count_delta"`
	OnlineMemoryWeightDelta  float64 `json:"online_memory_weight_delta"`
}

type summaryPayload struct {
	Summary     string      `json:"summary"`
	Adjustments adjustments `json:"adjustments"`
}

// Manager applies accepted feedback to the preference and the persona
// candidate bucket.
type Manager struct {
	provider   Generator
	convs      FeedbackLog
	personas   *persona.Store
	personaCfg config.PersonaConfig
	log        managerLogger
}

// NewManager assembles a feedback manager over its collaborators.
func NewManager(gen Generator, convs FeedbackLog, personas *persona.Store, personaCfg config.PersonaConfig, log managerLogger) *Manager {
	return &Manager{
		provider:   gen,
		convs:      convs,
		personas:   personas,
		personaCfg: personaCfg,
		log:        log,
	}
}

// AcceptFeedback records the feedback, summarizes the marked assistant
// replies into small preference adjustments, and feeds their phrases
// into the candidate bucket. Messages that do not exist are skipped,
// user messages never become style samples.
func (m *Manager) AcceptFeedback(ctx context.Context, personaKey, conversationID string, messageIDs []int64, comment string) (*Result, error) {
	if len(messageIDs) == 0 {
		return nil, fmt.Errorf("evolution: no message ids")
	}

	targets, skipped, err := m.convs.FeedbackTargets(ctx, conversationID, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("evolution: resolve feedback targets: %w", err)
	}

	feedbackID, err := m.convs.AddFeedback(ctx, conversationID, messageIDs, comment)
	if err != nil {
		return nil, fmt.Errorf("evolution: record feedback: %w", err)
	}

	pref, err := m.personas.Preference(ctx, personaKey)
	if err != nil {
		return nil, fmt.Errorf("evolution: load preference: %w", err)
	}
	profile, err := m.personas.Get(ctx, personaKey)
	if err != nil {
		return nil, fmt.Errorf("evolution: load persona: %w", err)
	}

	res := &Result{
		FeedbackID:        feedbackID,
		SkippedCount:      skipped,
		PreferenceVersion: pref.Version,
		PersonaVersion:    profile.Version,
	}
	if len(targets) == 0 {
		res.Summary = "没有可学习样本"
		return res, nil
	}

	var samples []string
	for _, msg := range targets {
		if msg.Role == conversation.RoleAssistant && strings.TrimSpace(msg.Content) != "" {
			samples = append(samples, msg.Content)
		}
	}
	if len(samples) == 0 {
		res.Summary = "样本中没有虚拟人回复"
		return res, nil
	}

	payload := m.summarize(ctx, pref, samples, comment)

	updated, err := m.personas.MutatePreference(ctx, personaKey, func(p *persona.Preference) error {
		applyAdjustments(p, payload.Adjustments)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("evolution: update preference: %w", err)
	}

	personaVersion, promoted, err := m.bucketSamples(ctx, personaKey, samples)
	if err != nil {
		return nil, fmt.Errorf("evolution: update candidate bucket: %w", err)
	}

	res.AcceptedCount = len(samples)
	res.PreferenceVersion = updated.Version
	res.PersonaVersion = personaVersion
	res.Promoted = promoted
	res.Summary = payload.Summary
	if res.Summary == "" {
		res.Summary = "已根据反馈微调偏好参数"
	}

	m.log.Info("feedback accepted",
		"conversation", conversationID,
		"persona", personaKey,
		"accepted", res.AcceptedCount,
		"skipped", res.SkippedCount,
		"preference_version", res.PreferenceVersion,
		"promoted", res.Promoted)
	return res, nil
}

// summarize asks the model for adjustment deltas. Any failure degrades
// to a conservative heuristic read of the samples themselves.
func (m *Manager) summarize(ctx context.Context, pref *persona.Preference, samples []string, comment string) summaryPayload {
	result, err := m.provider.Generate(ctx, summaryPrompt(m.personaCfg.StrictNickname, pref, samples, comment), provider.GenerateOptions{
		Temperature:     0.15,
		MaxOutputTokens: 700,
		JSONResponse:    true,
	})
	if err == nil {
		var payload summaryPayload
		if uerr := json.Unmarshal(extractObject(result.Text), &payload); uerr == nil {
			return payload
		}
		m.log.Warn("feedback summary unparseable, using heuristic adjustments")
	} else {
		m.log.Warn("feedback summary call failed, using heuristic adjustments", "error", err)
	}

	merged := strings.Join(samples, "")
	payload := summaryPayload{
		Summary: "已按最近正反馈样本做保守微调",
		Adjustments: adjustments{
			OnlineMemoryWeightDelta: 0.03,
		},
	}
	if strings.Contains(merged, "哈") {
		payload.Adjustments.LaughRatioTargetDelta = 0.02
	}
	if strings.ContainsAny(merged, "~～") {
		payload.Adjustments.TildeRatioTargetDelta = 0.01
	}
	return payload
}

func summaryPrompt(strictNickname string, pref *persona.Preference, samples []string, comment string) string {
	if comment == "" {
		comment = "无"
	}
	prefJSON, _ := json.Marshal(pref)
	samplesJSON, _ := json.Marshal(samples)
	return fmt.Sprintf(`你是“回复偏好总结器”。请基于用户标注“不错”的回复样本，提炼微调参数。

要求：
1. 不能改变主人格，不允许突破称呼约束（仅 %s）。
2. 只能做小幅度参数微调。
3. 输出 JSON，不要输出解释。

当前偏好配置：%s
被标注不错的样本：%s
用户备注：%s

输出 schema：
{
  "summary": "一句话总结",
  "adjustments": {
    "laugh_ratio_target_delta": -0.1~0.1,
    "tilde_ratio_target_delta": -0.1~0.1,
    "question_ratio_target_delta": -0.1~0.1,
    "default_bubble_count_delta": -1~1,
    "online_memory_weight_delta": -0.1~0.1
  }
}`, strictNickname, prefJSON, samplesJSON, comment)
}

// extractObject returns the first json object in text, or the trimmed
// text when it already is one.
func extractObject(text string) json.RawMessage {
	text = strings.TrimSpace(text)
	if json.Valid([]byte(text)) {
		return json.RawMessage(text)
	}
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start >= 0 && end > start {
		return json.RawMessage(text[start : end+1])
	}
	return json.RawMessage(text)
}

// applyAdjustments folds the deltas into the preference with hard
// clamps, then renormalizes the remaining weights around the pinned
// online-memory weight.
func applyAdjustments(p *persona.Preference, adj adjustments) {
	p.Tone.LaughRatioTarget = round4(clampF(p.Tone.LaughRatioTarget+adj.LaughRatioTargetDelta, 0.0, 1.0))
	p.Tone.TildeRatioTarget = round4(clampF(p.Tone.TildeRatioTarget+adj.TildeRatioTargetDelta, 0.0, 1.0))
	p.Tone.QuestionRatioTarget = round4(clampF(p.Tone.QuestionRatioTarget+adj.QuestionRatioTargetDelta, 0.0, 1.0))

	p.MultiBubble.DefaultCount = int(clampF(float64(p.MultiBubble.DefaultCount)+adj.DefaultBubbleCountDelta, 1.0, 4.0))

	if p.Weights == nil {
		p.Weights = make(map[string]float64)
	}
	online := p.Weight(persona.WeightOnlineMemory, 0.13)
	p.Weights[persona.WeightOnlineMemory] = round4(clampF(online+adj.OnlineMemoryWeightDelta, 0.05, 0.5))
	p.RenormalizeWeights(persona.WeightOnlineMemory)
}

// bucketSamples accumulates phrase counts and promotes the bucket into
// the adaptive persona once enough samples have been seen.
func (m *Manager) bucketSamples(ctx context.Context, personaKey string, samples []string) (int64, bool, error) {
	promoted := false
	profile, err := m.personas.Mutate(ctx, personaKey, func(p *persona.Profile) error {
		if p.Candidate.PhraseScores == nil {
			p.Candidate.PhraseScores = make(map[string]int)
		}
		for _, text := range samples {
			for _, phrase := range persona.PhraseCandidates(text) {
				p.Candidate.PhraseScores[phrase]++
			}
		}
		p.Candidate.SampleCount += len(samples)

		if p.Candidate.SampleCount < m.personaCfg.CandidateMinSamples {
			return nil
		}

		p.Adaptive.SpeechTraits.TopPhrases = persona.MergePhraseScores(
			p.Adaptive.SpeechTraits.TopPhrases,
			p.Candidate.PhraseScores,
			m.personaCfg.AdaptiveTopPhrasesLimit,
			m.personaCfg.CandidateMinPhraseFreq,
			p.Core.Relationship.ForbiddenNicknames,
		)
		p.Adaptive.UpdatedFromFeedback = true
		p.Candidate = persona.CandidateBucket{PhraseScores: make(map[string]int)}
		p.Version++
		promoted = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	if promoted {
		m.log.Info("candidate bucket promoted", "persona", personaKey, "version", profile.Version)
	}
	return profile.Version, promoted, nil
}

func clampF(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
