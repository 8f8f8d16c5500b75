// Package persona manages the versioned persona profiles that steer
// reply generation: an immutable core, adaptive speech traits learned
// from feedback, and the candidate bucket feedback accumulates into.
package persona

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound indicates no profile exists for the persona key.
	ErrNotFound = errors.New("persona: profile not found")

	// ErrInvalidProfile indicates a structurally invalid profile payload.
	ErrInvalidProfile = errors.New("persona: invalid profile")
)

// Identity names who the persona is.
type Identity struct {
	Name         string `json:"name"`
	TargetSender string `json:"target_sender"`
	Role         string `json:"role"`
}

// Relationship pins how the persona addresses the user.
type Relationship struct {
	PrimaryUserAliases []string `json:"primary_user_aliases"`
	StrictNickname     string   `json:"strict_nickname"`
	ForbiddenNicknames []string `json:"forbidden_nicknames"`
}

// Anchors are the fixed style, behavior and risk statements of the core.
type Anchors struct {
	Style    string `json:"style"`
	Behavior string `json:"behavior"`
	Risk     string `json:"risk"`
}

// Guardrails bound what generation may do on behalf of the persona.
type Guardrails struct {
	MustStayOnContext bool   `json:"must_stay_on_context"`
	AllowSoftRepair   bool   `json:"allow_soft_repair"`
	FallbackStyle     string `json:"fallback_style"`
}

// Core is the locked part of a profile. No write path modifies it after
// bootstrap.
type Core struct {
	Identity     Identity     `json:"identity"`
	Relationship Relationship `json:"relationship"`
	Anchors      Anchors      `json:"anchors"`
	Guardrails   Guardrails   `json:"guardrails"`
	Locked       bool         `json:"locked"`
}

// SpeechTraits describe how the persona talks, measured from history and
// refined by feedback.
type SpeechTraits struct {
	AvgLen        float64  `json:"avg_len"`
	RunAvg        float64  `json:"run_avg"`
	LaughRatio    float64  `json:"laugh_ratio"`
	TildeRatio    float64  `json:"tilde_ratio"`
	QuestionRatio float64  `json:"question_ratio"`
	TopPhrases    []string `json:"top_phrases"`
}

// Adaptive is the part of a profile that evolves through feedback.
type Adaptive struct {
	SpeechTraits        SpeechTraits `json:"speech_traits"`
	UpdatedFromFeedback bool         `json:"updated_from_feedback"`
}

// CandidateBucket accumulates feedback between promotions.
type CandidateBucket struct {
	SampleCount  int            `json:"sample_count"`
	PhraseScores map[string]int `json:"phrase_scores"`
}

// Profile is a persona profile. Version is monotonic and advances by
// exactly one per promotion.
type Profile struct {
	Key         string          `json:"key"`
	VersionNote string          `json:"version_note"`
	Core        Core            `json:"core_persona"`
	Adaptive    Adaptive        `json:"adaptive_persona"`
	Candidate   CandidateBucket `json:"candidate_bucket"`
	Version     int64           `json:"version"`
	UpdatedAt   int64           `json:"updated_at"`
}

// Flat is the flattened view of a profile used by prompt building.
type Flat struct {
	Identity     Identity     `json:"identity"`
	Relationship Relationship `json:"relationship"`
	Anchors      Anchors      `json:"anchors"`
	Guardrails   Guardrails   `json:"guardrails"`
	Locked       bool         `json:"locked"`
	SpeechTraits SpeechTraits `json:"speech_traits"`
}

// Brief is the bounded persona summary that fits into a prompt.
type Brief struct {
	Identity     Identity `json:"identity"`
	Relationship struct {
		StrictNickname     string   `json:"strict_nickname"`
		ForbiddenNicknames []string `json:"forbidden_nicknames"`
	} `json:"relationship"`
	Anchors      Anchors `json:"anchors"`
	SpeechTraits struct {
		AvgLen     float64  `json:"avg_len"`
		RunAvg     float64  `json:"run_avg"`
		TopPhrases []string `json:"top_phrases"`
	} `json:"speech_traits"`
}

// legacyPayload is the old flat persona layout some stored payloads and
// imports still carry.
type legacyPayload struct {
	VersionNote         string          `json:"version_note"`
	Identity            Identity        `json:"identity"`
	Relationship        Relationship    `json:"relationship"`
	Anchors             Anchors         `json:"anchors"`
	Guardrails          Guardrails      `json:"guardrails"`
	Locked              *bool           `json:"locked"`
	SpeechTraits        SpeechTraits    `json:"speech_traits"`
	UpdatedFromFeedback bool            `json:"updated_from_feedback"`
	Core                json.RawMessage `json:"core_persona"`
	Adaptive            json.RawMessage `json:"adaptive_persona"`
}

// Normalize parses a profile payload, lifting legacy flat layouts into
// the core/adaptive shape. Missing sections come back zero-valued with
// the core locked.
func Normalize(data []byte) (*Profile, error) {
	var legacy legacyPayload
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}

	p := &Profile{VersionNote: legacy.VersionNote}
	if p.VersionNote == "" {
		p.VersionNote = "persona"
	}

	if legacy.Core != nil || legacy.Adaptive != nil {
		var full Profile
		if err := json.Unmarshal(data, &full); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
		}
		full.VersionNote = p.VersionNote
		if len(legacy.Core) > 0 {
			var coreProbe struct {
				Locked *bool `json:"locked"`
			}
			if err := json.Unmarshal(legacy.Core, &coreProbe); err == nil && coreProbe.Locked == nil {
				full.Core.Locked = true
			}
		} else {
			full.Core.Locked = true
		}
		p = &full
	} else {
		p.Core = Core{
			Identity:     legacy.Identity,
			Relationship: legacy.Relationship,
			Anchors:      legacy.Anchors,
			Guardrails:   legacy.Guardrails,
			Locked:       legacy.Locked == nil || *legacy.Locked,
		}
		p.Adaptive = Adaptive{
			SpeechTraits:        legacy.SpeechTraits,
			UpdatedFromFeedback: legacy.UpdatedFromFeedback,
		}
	}

	if p.Candidate.PhraseScores == nil {
		p.Candidate.PhraseScores = make(map[string]int)
	}
	return p, nil
}

// Flatten collapses a profile into the single-level prompt view.
func (p *Profile) Flatten() Flat {
	return Flat{
		Identity:     p.Core.Identity,
		Relationship: p.Core.Relationship,
		Anchors:      p.Core.Anchors,
		Guardrails:   p.Core.Guardrails,
		Locked:       p.Core.Locked,
		SpeechTraits: p.Adaptive.SpeechTraits,
	}
}

// Brief builds the bounded persona summary with at most phraseLimit top
// phrases. phraseLimit below one is raised to one.
func (p *Profile) Brief(phraseLimit int) Brief {
	if phraseLimit < 1 {
		phraseLimit = 1
	}
	flat := p.Flatten()

	phrases := make([]string, 0, len(flat.SpeechTraits.TopPhrases))
	for _, ph := range flat.SpeechTraits.TopPhrases {
		if strings.TrimSpace(ph) != "" {
			phrases = append(phrases, ph)
		}
	}
	if len(phrases) > phraseLimit {
		phrases = phrases[:phraseLimit]
	}

	var b Brief
	b.Identity = flat.Identity
	b.Relationship.StrictNickname = flat.Relationship.StrictNickname
	b.Relationship.ForbiddenNicknames = flat.Relationship.ForbiddenNicknames
	b.Anchors = flat.Anchors
	b.SpeechTraits.AvgLen = flat.SpeechTraits.AvgLen
	b.SpeechTraits.RunAvg = flat.SpeechTraits.RunAvg
	b.SpeechTraits.TopPhrases = phrases
	return b
}

// Clone returns a deep copy so readers never share mutable state with the
// store's cache.
func (p *Profile) Clone() *Profile {
	cp := *p
	cp.Core.Relationship.PrimaryUserAliases = append([]string(nil), p.Core.Relationship.PrimaryUserAliases...)
	cp.Core.Relationship.ForbiddenNicknames = append([]string(nil), p.Core.Relationship.ForbiddenNicknames...)
	cp.Adaptive.SpeechTraits.TopPhrases = append([]string(nil), p.Adaptive.SpeechTraits.TopPhrases...)
	cp.Candidate.PhraseScores = make(map[string]int, len(p.Candidate.PhraseScores))
	for k, v := range p.Candidate.PhraseScores {
		cp.Candidate.PhraseScores[k] = v
	}
	return &cp
}

// MergePhraseScores merges candidate phrases into an existing phrase list.
// Candidates below minFreq, containing a forbidden nickname, or already
// present are skipped. Candidates are taken highest-frequency first with
// ties broken alphabetically, and the result is clamped to limit.
func MergePhraseScores(existing []string, candidateScores map[string]int, limit, minFreq int, forbidden []string) []string {
	merged := make([]string, 0, limit)
	for _, x := range existing {
		if s := strings.TrimSpace(x); s != "" {
			merged = append(merged, s)
		}
	}

	blocked := make([]string, 0, len(forbidden))
	for _, f := range forbidden {
		if s := strings.TrimSpace(f); s != "" {
			blocked = append(blocked, s)
		}
	}

	type scored struct {
		phrase string
		score  int
	}
	candidates := make([]scored, 0, len(candidateScores))
	for phrase, score := range candidateScores {
		candidates = append(candidates, scored{phrase, score})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].phrase < candidates[j].phrase
	})

next:
	for _, cand := range candidates {
		text := strings.TrimSpace(cand.phrase)
		if text == "" || cand.score < minFreq {
			continue
		}
		for _, b := range blocked {
			if strings.Contains(text, b) {
				continue next
			}
		}
		for _, m := range merged {
			if m == text {
				continue next
			}
		}
		merged = append(merged, text)
		if len(merged) >= limit {
			break
		}
	}

	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}
