package persona

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/dgraph-io/badger/v4"
)

const preferenceKeyPrefix = "preference:"

func preferenceKey(key string) []byte {
	return []byte(preferenceKeyPrefix + key)
}

// Scorer weight names stored in a preference profile.
const (
	WeightSemantic     = "semantic"
	WeightStyle        = "style"
	WeightRelation     = "relation"
	WeightRecency      = "recency"
	WeightOnlineMemory = "online_memory"
)

// ToneTargets are the soft style targets feedback nudges over time.
type ToneTargets struct {
	LaughRatioTarget    float64 `json:"laugh_ratio_target"`
	TildeRatioTarget    float64 `json:"tilde_ratio_target"`
	QuestionRatioTarget float64 `json:"question_ratio_target"`
}

// MultiBubble controls how many bubbles a reply splits into.
type MultiBubble struct {
	DefaultCount int `json:"default_count"`
	MaxCount     int `json:"max_count"`
}

// Preference is the mutable scoring and tone configuration of a
// persona. Unlike the core persona it is meant to drift with feedback.
type Preference struct {
	Tone        ToneTargets        `json:"tone"`
	MultiBubble MultiBubble        `json:"multi_bubble"`
	Weights     map[string]float64 `json:"weights"`
	Version     int64              `json:"version"`
	UpdatedAt   int64              `json:"updated_at"`
}

// DefaultPreference returns the starting preference profile.
func DefaultPreference() *Preference {
	return &Preference{
		Tone: ToneTargets{
			LaughRatioTarget:    0.1,
			TildeRatioTarget:    0.03,
			QuestionRatioTarget: 0.01,
		},
		MultiBubble: MultiBubble{DefaultCount: 2, MaxCount: 6},
		Weights: map[string]float64{
			WeightSemantic:     0.45,
			WeightStyle:        0.22,
			WeightRelation:     0.12,
			WeightRecency:      0.08,
			WeightOnlineMemory: 0.13,
		},
		Version: 1,
	}
}

// Clone returns a deep copy.
func (p *Preference) Clone() *Preference {
	out := *p
	out.Weights = make(map[string]float64, len(p.Weights))
	for k, v := range p.Weights {
		out.Weights[k] = v
	}
	return &out
}

// Weight returns a named scorer weight, falling back when unset.
func (p *Preference) Weight(name string, fallback float64) float64 {
	if p.Weights == nil {
		return fallback
	}
	if v, ok := p.Weights[name]; ok {
		return v
	}
	return fallback
}

// RenormalizeWeights rescales every weight except pinned so the total
// stays 1.0 after the pinned weight moved.
func (p *Preference) RenormalizeWeights(pinned string) {
	if p.Weights == nil {
		return
	}
	restSum := 0.0
	for k, v := range p.Weights {
		if k != pinned {
			restSum += v
		}
	}
	targetRest := math.Max(0.0, 1.0-p.Weights[pinned])
	if restSum <= 0 {
		return
	}
	scale := targetRest / restSum
	for k := range p.Weights {
		if k != pinned {
			p.Weights[k] = round4(p.Weights[k] * scale)
		}
	}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// Preference loads the preference profile for a persona. A persona
// without one gets the defaults, unsaved, at version 1.
func (s *Store) Preference(ctx context.Context, key string) (*Preference, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.loadPreference(key)
	if err == ErrNotFound {
		return DefaultPreference(), nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) loadPreference(key string) (*Preference, error) {
	var p Preference
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(preferenceKey(key))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &p)
		})
	})
	if err != nil {
		return nil, err
	}
	if p.Weights == nil {
		p.Weights = make(map[string]float64)
	}
	return &p, nil
}

// SavePreference writes a preference profile.
func (s *Store) SavePreference(ctx context.Context, key string, p *Preference) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidProfile)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("persona: marshal preference: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(preferenceKey(key), data)
	})
	if err != nil {
		return fmt.Errorf("persona: save preference: %w", err)
	}
	return nil
}

// MutatePreference applies fn under the persona's write lock, bumps the
// version and persists. fn sees the latest stored state, defaults when
// none was stored yet.
func (s *Store) MutatePreference(ctx context.Context, key string, fn func(*Preference) error) (*Preference, error) {
	lock := s.personaLock(key)
	lock.Lock()
	defer lock.Unlock()

	p, err := s.loadPreference(key)
	if err == ErrNotFound {
		p = DefaultPreference()
	} else if err != nil {
		return nil, err
	}

	if err := fn(p); err != nil {
		return nil, err
	}
	p.Version++
	p.UpdatedAt = s.now().Unix()

	if err := s.SavePreference(ctx, key, p); err != nil {
		return nil, err
	}
	return p.Clone(), nil
}
