package persona

import (
	"reflect"
	"testing"
)

func TestNormalize_NestedPayload(t *testing.T) {
	data := []byte(`{
		"version_note": "bootstrap:dxa",
		"core_persona": {
			"identity": {"name": "doppeld", "target_sender": "dxa"},
			"relationship": {"strict_nickname": "宝贝", "forbidden_nicknames": ["宝宝"]},
			"anchors": {"style": "短句"},
			"locked": true
		},
		"adaptive_persona": {
			"speech_traits": {"avg_len": 8.5, "top_phrases": ["哈哈哈", "好呀"]},
			"updated_from_feedback": true
		}
	}`)

	p, err := Normalize(data)
	if err != nil {
		t.Fatal(err)
	}
	if p.VersionNote != "bootstrap:dxa" {
		t.Errorf("unexpected version note %q", p.VersionNote)
	}
	if p.Core.Identity.TargetSender != "dxa" {
		t.Errorf("unexpected identity %+v", p.Core.Identity)
	}
	if !p.Core.Locked {
		t.Error("expected locked core")
	}
	if !p.Adaptive.UpdatedFromFeedback {
		t.Error("expected updated_from_feedback preserved")
	}
	if p.Candidate.PhraseScores == nil {
		t.Error("expected initialized phrase scores")
	}
}

func TestNormalize_LegacyFlatPayload(t *testing.T) {
	data := []byte(`{
		"identity": {"name": "doppeld"},
		"relationship": {"strict_nickname": "宝贝"},
		"anchors": {"style": "短句"},
		"speech_traits": {"avg_len": 6.0},
		"updated_from_feedback": false
	}`)

	p, err := Normalize(data)
	if err != nil {
		t.Fatal(err)
	}
	if p.VersionNote != "persona" {
		t.Errorf("expected default version note, got %q", p.VersionNote)
	}
	if p.Core.Identity.Name != "doppeld" {
		t.Errorf("flat identity not lifted: %+v", p.Core.Identity)
	}
	if p.Core.Relationship.StrictNickname != "宝贝" {
		t.Errorf("flat relationship not lifted: %+v", p.Core.Relationship)
	}
	if !p.Core.Locked {
		t.Error("missing locked should default to true")
	}
	if p.Adaptive.SpeechTraits.AvgLen != 6.0 {
		t.Errorf("flat speech traits not lifted: %+v", p.Adaptive.SpeechTraits)
	}
}

func TestNormalize_ExplicitUnlockedSurvives(t *testing.T) {
	data := []byte(`{"core_persona": {"locked": false}, "adaptive_persona": {}}`)
	p, err := Normalize(data)
	if err != nil {
		t.Fatal(err)
	}
	if p.Core.Locked {
		t.Error("explicit locked=false should survive normalization")
	}
}

func TestNormalize_Invalid(t *testing.T) {
	if _, err := Normalize([]byte("not json")); err == nil {
		t.Error("expected error for invalid payload")
	}
}

func TestFlattenAndBrief(t *testing.T) {
	p := &Profile{
		Core: Core{
			Identity:     Identity{Name: "doppeld"},
			Relationship: Relationship{StrictNickname: "宝贝", ForbiddenNicknames: []string{"宝宝"}},
			Anchors:      Anchors{Style: "短句", Behavior: "先承接", Risk: "不编造"},
			Locked:       true,
		},
		Adaptive: Adaptive{
			SpeechTraits: SpeechTraits{
				AvgLen:     7.2,
				RunAvg:     2.4,
				TopPhrases: []string{"哈哈哈", " ", "好呀", "笑死", "嗯嗯"},
			},
		},
	}

	flat := p.Flatten()
	if flat.SpeechTraits.AvgLen != 7.2 || flat.Anchors.Style != "短句" {
		t.Errorf("unexpected flat view %+v", flat)
	}

	brief := p.Brief(2)
	if len(brief.SpeechTraits.TopPhrases) != 2 {
		t.Fatalf("expected 2 phrases, got %v", brief.SpeechTraits.TopPhrases)
	}
	// Blank phrases are dropped before the limit applies.
	if brief.SpeechTraits.TopPhrases[1] != "好呀" {
		t.Errorf("expected blank phrase skipped, got %v", brief.SpeechTraits.TopPhrases)
	}
	if brief.Relationship.StrictNickname != "宝贝" {
		t.Errorf("unexpected brief relationship %+v", brief.Relationship)
	}

	// A zero limit still yields at least one phrase.
	if got := p.Brief(0).SpeechTraits.TopPhrases; len(got) != 1 {
		t.Errorf("expected 1 phrase for zero limit, got %v", got)
	}
}

func TestClone_Independent(t *testing.T) {
	p := &Profile{
		Adaptive:  Adaptive{SpeechTraits: SpeechTraits{TopPhrases: []string{"a"}}},
		Candidate: CandidateBucket{PhraseScores: map[string]int{"a": 1}},
	}
	cp := p.Clone()
	cp.Adaptive.SpeechTraits.TopPhrases[0] = "b"
	cp.Candidate.PhraseScores["a"] = 9

	if p.Adaptive.SpeechTraits.TopPhrases[0] != "a" {
		t.Error("clone shares phrase slice")
	}
	if p.Candidate.PhraseScores["a"] != 1 {
		t.Error("clone shares phrase score map")
	}
}

func TestMergePhraseScores(t *testing.T) {
	existing := []string{"已有短语", ""}
	scores := map[string]int{
		"高频短语":  5,
		"并列一":   3,
		"并列二":   3,
		"低频":    1,
		"叫你宝宝哦": 7,
		"已有短语":  9,
	}

	got := MergePhraseScores(existing, scores, 4, 2, []string{"宝宝"})

	want := []string{"已有短语", "高频短语", "并列一", "并列二"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMergePhraseScores_Limit(t *testing.T) {
	existing := []string{"一", "二", "三"}
	got := MergePhraseScores(existing, map[string]int{"四": 10}, 2, 1, nil)
	if len(got) != 2 {
		t.Errorf("expected clamp to 2, got %v", got)
	}
	if got[0] != "一" || got[1] != "二" {
		t.Errorf("existing order not preserved: %v", got)
	}
}
