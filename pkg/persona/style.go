package persona

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/doppeld/doppeld/pkg/segment"
)

var (
	phraseRe   = regexp.MustCompile(`[\x{4e00}-\x{9fff}A-Za-z0-9~～!?！？]{2,16}`)
	questionRe = regexp.MustCompile(`[?？]`)
	laughRe    = regexp.MustCompile(`(?i)哈哈|笑死|hhh`)
)

const bootstrapTopPhrases = 40

// BootstrapSource describes the persona being measured from history.
type BootstrapSource struct {
	Key                string
	Name               string
	TargetSender       string
	RoleName           string
	StrictNickname     string
	ForbiddenNicknames []string
	UserAliases        []string
	StyleAnchor        string
	BehaviorAnchor     string
	RiskAnchor         string
}

// MeasureSpeechTraits computes speech traits from the persona's side of
// the normalized message stream. Lengths are in runes; run lengths count
// consecutive clean assistant text messages.
func MeasureSpeechTraits(msgs []segment.Message) SpeechTraits {
	var lengths []int
	var laughs, tildes, questions int
	phrases := make(map[string]int)

	runLengths := []int{}
	run := 0
	for _, m := range msgs {
		clean := m.Role == segment.RoleAssistant && m.MsgType == "1" && !m.Garbled && m.Content != ""
		if clean {
			run++
		} else if run > 0 {
			runLengths = append(runLengths, run)
			run = 0
		}
		if !clean {
			continue
		}

		text := m.Content
		lengths = append(lengths, len([]rune(text)))
		if laughRe.MatchString(text) {
			laughs++
		}
		if strings.ContainsAny(text, "~～") {
			tildes++
		}
		if questionRe.MatchString(text) {
			questions++
		}
		for _, part := range phraseRe.FindAllString(text, -1) {
			if p := strings.TrimSpace(part); len([]rune(p)) >= 2 {
				phrases[p]++
			}
		}
	}
	if run > 0 {
		runLengths = append(runLengths, run)
	}

	traits := SpeechTraits{RunAvg: 1.0}
	if len(lengths) == 0 {
		return traits
	}

	sum := 0
	for _, l := range lengths {
		sum += l
	}
	traits.AvgLen = float64(sum) / float64(len(lengths))
	n := float64(len(lengths))
	traits.LaughRatio = float64(laughs) / n
	traits.TildeRatio = float64(tildes) / n
	traits.QuestionRatio = float64(questions) / n

	if len(runLengths) > 0 {
		runSum := 0
		for _, r := range runLengths {
			runSum += r
		}
		traits.RunAvg = float64(runSum) / float64(len(runLengths))
	}

	traits.TopPhrases = topPhrases(phrases, bootstrapTopPhrases)
	return traits
}

// PhraseCandidates extracts the phrase tokens of one text sample, at
// least two runes each. Feedback learning buckets these counts.
func PhraseCandidates(text string) []string {
	var out []string
	for _, part := range phraseRe.FindAllString(text, -1) {
		if p := strings.TrimSpace(part); len([]rune(p)) >= 2 {
			out = append(out, p)
		}
	}
	return out
}

func topPhrases(counts map[string]int, limit int) []string {
	type kv struct {
		phrase string
		count  int
	}
	items := make([]kv, 0, len(counts))
	for p, c := range counts {
		items = append(items, kv{p, c})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].count != items[j].count {
			return items[i].count > items[j].count
		}
		return items[i].phrase < items[j].phrase
	})
	if len(items) > limit {
		items = items[:limit]
	}
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.phrase
	}
	return out
}

// BootstrapProfile builds the initial versioned profile for a persona
// from its measured speech traits. The core is locked from the start.
func BootstrapProfile(src BootstrapSource, msgs []segment.Message) *Profile {
	return &Profile{
		Key:         src.Key,
		VersionNote: "bootstrap:" + src.Key,
		Core: Core{
			Identity: Identity{
				Name:         src.Name,
				TargetSender: src.TargetSender,
				Role:         src.RoleName,
			},
			Relationship: Relationship{
				PrimaryUserAliases: src.UserAliases,
				StrictNickname:     src.StrictNickname,
				ForbiddenNicknames: src.ForbiddenNicknames,
			},
			Anchors: Anchors{
				Style:    src.StyleAnchor,
				Behavior: src.BehaviorAnchor,
				Risk:     src.RiskAnchor,
			},
			Guardrails: Guardrails{
				MustStayOnContext: true,
				AllowSoftRepair:   true,
				FallbackStyle:     "先承接语境，再简短确认，不机械道歉",
			},
			Locked: true,
		},
		Adaptive: Adaptive{
			SpeechTraits:        MeasureSpeechTraits(msgs),
			UpdatedFromFeedback: false,
		},
		Candidate: CandidateBucket{PhraseScores: make(map[string]int)},
		Version:   1,
		UpdatedAt: time.Now().Unix(),
	}
}
