package persona

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/doppeld/doppeld/pkg/segment"
)

const profileKeyPrefix = "persona:"

func profileKey(key string) []byte {
	return []byte(profileKeyPrefix + key)
}

type storeLogger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type cacheEntry struct {
	profile *Profile
	expires time.Time
}

// Store persists persona profiles in Badger behind a TTL read cache.
// All mutation goes through Mutate, which serializes writers per persona
// and drops the cached copy, so readers see a promotion immediately.
type Store struct {
	db  *badger.DB
	ttl time.Duration
	log storeLogger
	now func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
	locks map[string]*sync.Mutex
}

// NewStore creates a profile store on an open Badger DB.
func NewStore(db *badger.DB, cacheTTL time.Duration, log storeLogger) *Store {
	return &Store{
		db:    db,
		ttl:   cacheTTL,
		log:   log,
		now:   time.Now,
		cache: make(map[string]cacheEntry),
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *Store) personaLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[key] = l
	return l
}

// Get returns the profile for a persona key. Cached reads are served
// within the TTL; the returned profile is always a private copy.
func (s *Store) Get(ctx context.Context, key string) (*Profile, error) {
	s.mu.Lock()
	if entry, ok := s.cache[key]; ok && s.now().Before(entry.expires) {
		p := entry.profile.Clone()
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	p, err := s.load(key)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[key] = cacheEntry{profile: p.Clone(), expires: s.now().Add(s.ttl)}
	s.mu.Unlock()
	return p, nil
}

func (s *Store) load(key string) (*Profile, error) {
	var p Profile
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(profileKey(key))
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
	if p.Candidate.PhraseScores == nil {
		p.Candidate.PhraseScores = make(map[string]int)
	}
	return &p, nil
}

// Save writes a profile and invalidates its cached copy.
func (s *Store) Save(ctx context.Context, p *Profile) error {
	if p.Key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidProfile)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("persona: marshal profile: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(profileKey(p.Key), data)
	})
	if err != nil {
		return fmt.Errorf("persona: save profile: %w", err)
	}
	s.Invalidate(p.Key)
	return nil
}

// Mutate applies fn to a fresh copy of the profile under the persona's
// write lock, then persists and invalidates. fn sees the latest stored
// state, so concurrent feedback cannot lose updates. The stored core is
// restored before saving regardless of what fn did to it.
func (s *Store) Mutate(ctx context.Context, key string, fn func(*Profile) error) (*Profile, error) {
	lock := s.personaLock(key)
	lock.Lock()
	defer lock.Unlock()

	p, err := s.load(key)
	if err != nil {
		return nil, err
	}
	core := p.Core

	if err := fn(p); err != nil {
		return nil, err
	}
	p.Core = core
	p.UpdatedAt = s.now().Unix()

	if err := s.Save(ctx, p); err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

// Invalidate drops the cached profile for a persona key.
func (s *Store) Invalidate(key string) {
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
}

// EnsureBootstrap creates the initial profile for a persona from measured
// history when none exists yet. An existing profile is left untouched.
func (s *Store) EnsureBootstrap(ctx context.Context, src BootstrapSource, msgs []segment.Message) (*Profile, bool, error) {
	lock := s.personaLock(src.Key)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.load(src.Key)
	if err == nil {
		return existing, false, nil
	}
	if err != ErrNotFound {
		return nil, false, err
	}

	p := BootstrapProfile(src, msgs)
	if err := s.Save(ctx, p); err != nil {
		return nil, false, err
	}
	s.log.Info("persona bootstrapped",
		"persona", src.Key,
		"version", p.Version,
		"top_phrases", len(p.Adaptive.SpeechTraits.TopPhrases))
	return p.Clone(), true, nil
}

// Keys lists the persona keys that have stored profiles.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(profileKeyPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().Key()[len(profileKeyPrefix):]))
		}
		return nil
	})
	return keys, err
}
