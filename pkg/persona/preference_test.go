package persona

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

func TestDefaultPreference(t *testing.T) {
	p := DefaultPreference()
	sum := 0.0
	for _, v := range p.Weights {
		sum += v
	}
	if math.Abs(sum-1.0) > 1e-9 {
		t.Errorf("default weights should sum to 1.0, got %v", sum)
	}
	if p.MultiBubble.DefaultCount != 2 {
		t.Errorf("unexpected default bubble count %d", p.MultiBubble.DefaultCount)
	}
}

func TestPreference_Weight(t *testing.T) {
	p := DefaultPreference()
	if got := p.Weight(WeightSemantic, 0.0); got != 0.45 {
		t.Errorf("expected 0.45, got %v", got)
	}
	if got := p.Weight("unknown", 0.33); got != 0.33 {
		t.Errorf("expected fallback 0.33, got %v", got)
	}
	var empty Preference
	if got := empty.Weight(WeightStyle, 0.22); got != 0.22 {
		t.Errorf("nil weights should use fallback, got %v", got)
	}
}

func TestRenormalizeWeights(t *testing.T) {
	p := DefaultPreference()
	p.Weights[WeightOnlineMemory] = 0.25
	p.RenormalizeWeights(WeightOnlineMemory)

	sum := 0.0
	for _, v := range p.Weights {
		sum += v
	}
	if math.Abs(sum-1.0) > 0.001 {
		t.Errorf("weights should renormalize to 1.0, got %v (%v)", sum, p.Weights)
	}
	if p.Weights[WeightOnlineMemory] != 0.25 {
		t.Errorf("pinned weight must not move, got %v", p.Weights[WeightOnlineMemory])
	}
	if p.Weights[WeightSemantic] >= 0.45 {
		t.Errorf("other weights should scale down, semantic=%v", p.Weights[WeightSemantic])
	}
}

func TestPreference_DefaultsWhenMissing(t *testing.T) {
	store := setupProfileStore(t, time.Minute)
	p, err := store.Preference(context.Background(), "dxa")
	if err != nil {
		t.Fatalf("preference: %v", err)
	}
	if p.Version != 1 || p.Weights[WeightSemantic] != 0.45 {
		t.Errorf("missing preference should be defaults, got %+v", p)
	}
}

func TestMutatePreference_BumpsVersionAndPersists(t *testing.T) {
	store := setupProfileStore(t, time.Minute)

	p, err := store.MutatePreference(context.Background(), "dxa", func(p *Preference) error {
		p.Tone.LaughRatioTarget = 0.18
		return nil
	})
	if err != nil {
		t.Fatalf("mutate preference: %v", err)
	}
	if p.Version != 2 {
		t.Errorf("expected version bump to 2, got %d", p.Version)
	}

	got, err := store.Preference(context.Background(), "dxa")
	if err != nil {
		t.Fatalf("preference: %v", err)
	}
	if got.Tone.LaughRatioTarget != 0.18 || got.Version != 2 {
		t.Errorf("mutation not persisted: %+v", got)
	}
}

func TestMutatePreference_ErrorDiscards(t *testing.T) {
	store := setupProfileStore(t, time.Minute)
	boom := errors.New("boom")

	_, err := store.MutatePreference(context.Background(), "dxa", func(p *Preference) error {
		p.Tone.LaughRatioTarget = 0.9
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}

	got, err := store.Preference(context.Background(), "dxa")
	if err != nil {
		t.Fatalf("preference: %v", err)
	}
	if got.Tone.LaughRatioTarget != 0.1 {
		t.Errorf("failed mutation must not persist, got %+v", got.Tone)
	}
}

func TestPreference_Clone(t *testing.T) {
	p := DefaultPreference()
	c := p.Clone()
	c.Weights[WeightSemantic] = 0.9
	if p.Weights[WeightSemantic] == 0.9 {
		t.Error("clone shares the weights map")
	}
}
