package segment

import (
	"container/list"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// storeLogger is the minimal logging interface the store needs.
type storeLogger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// --- L1 LRU cache ---

// l1Cache is an in-memory LRU cache for hot segments.
type l1Cache struct {
	mu       sync.RWMutex
	maxSize  int
	items    map[string]*list.Element
	eviction *list.List
	hits     int64
	misses   int64
}

type l1Item struct {
	key string
	seg *Segment
}

func newL1Cache(maxSize int) *l1Cache {
	return &l1Cache{
		maxSize:  maxSize,
		items:    make(map[string]*list.Element),
		eviction: list.New(),
	}
}

func (c *l1Cache) get(key string) (*Segment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.eviction.MoveToFront(elem)
		c.hits++
		return elem.Value.(*l1Item).seg, true
	}
	c.misses++
	return nil, false
}

func (c *l1Cache) put(key string, seg *Segment) {
	if c.maxSize <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.eviction.MoveToFront(elem)
		elem.Value.(*l1Item).seg = seg
		return
	}

	if c.eviction.Len() >= c.maxSize {
		back := c.eviction.Back()
		if back != nil {
			c.eviction.Remove(back)
			delete(c.items, back.Value.(*l1Item).key)
		}
	}

	elem := c.eviction.PushFront(&l1Item{key: key, seg: seg})
	c.items[key] = elem
}

func (c *l1Cache) delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.eviction.Remove(elem)
		delete(c.items, key)
	}
}

func (c *l1Cache) hitRate() (rate float64, total int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total = c.hits + c.misses
	if total == 0 {
		return 0, 0
	}
	return float64(c.hits) / float64(total), total
}

// --- Badger key layout ---

const (
	segmentKeyPrefix   = "segment:"
	anchorKeyPrefix    = "seganchor:"
	embeddingKeyPrefix = "segemb:"
	segmentSeqKey      = "seq:segment"
)

func segmentKey(personaKey string, id int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", segmentKeyPrefix, personaKey, id))
}

func personaPrefix(personaKey string) []byte {
	return []byte(fmt.Sprintf("%s%s:", segmentKeyPrefix, personaKey))
}

func anchorKey(personaKey string, anchorMessageID int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", anchorKeyPrefix, personaKey, anchorMessageID))
}

func embeddingKey(personaKey string, id int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", embeddingKeyPrefix, personaKey, id))
}

func embeddingPrefix(personaKey string) []byte {
	return []byte(fmt.Sprintf("%s%s:", embeddingKeyPrefix, personaKey))
}

// Store persists segments in Badger with an LRU hot cache in front and
// keeps the BM25 lexical index in sync. Writes are serialized; reads
// never observe a partially appended segment.
type Store struct {
	db     *badger.DB
	seq    *badger.Sequence
	cache  *l1Cache
	bm25   *BM25Index
	log    storeLogger
	mu     sync.Mutex // serializes Upsert/Delete
	closed bool
}

// StoreOptions configures a segment store.
type StoreOptions struct {
	CacheSize int
	BM25K1    float64
	BM25B     float64
}

// DefaultStoreOptions returns the default store tuning.
func DefaultStoreOptions() StoreOptions {
	return StoreOptions{
		CacheSize: 1000,
		BM25K1:    1.5,
		BM25B:     0.75,
	}
}

// NewStore creates a segment store on an open Badger DB. The DB lifecycle
// is managed by the caller.
func NewStore(db *badger.DB, opts StoreOptions, log storeLogger) (*Store, error) {
	seq, err := db.GetSequence([]byte(segmentSeqKey), 128)
	if err != nil {
		return nil, fmt.Errorf("segment: acquire id sequence: %w", err)
	}
	return &Store{
		db:    db,
		seq:   seq,
		cache: newL1Cache(opts.CacheSize),
		bm25:  NewBM25Index(opts.BM25K1, opts.BM25B),
		log:   log,
	}, nil
}

// Upsert stores a segment, idempotently per (persona, anchor message).
// Re-ingesting the same anchor supersedes the previous segment and
// returns the existing id; it never creates a duplicate.
func (s *Store) Upsert(ctx context.Context, seg *Segment) (int64, error) {
	if err := seg.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	// Reuse the existing id when this anchor was ingested before.
	existingID, err := s.anchorSegmentID(seg.PersonaKey, seg.AnchorMessageID)
	if err != nil {
		return 0, err
	}
	if existingID != 0 {
		seg.ID = existingID
	} else {
		next, err := s.seq.Next()
		if err != nil {
			return 0, fmt.Errorf("segment: next id: %w", err)
		}
		seg.ID = int64(next) + 1 // sequence starts at 0, ids start at 1
	}

	data, err := json.Marshal(seg)
	if err != nil {
		return 0, fmt.Errorf("segment: marshal: %w", err)
	}

	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], uint64(seg.ID))

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(segmentKey(seg.PersonaKey, seg.ID), data); err != nil {
			return err
		}
		return txn.Set(anchorKey(seg.PersonaKey, seg.AnchorMessageID), idBuf[:])
	})
	if err != nil {
		return 0, fmt.Errorf("segment: store: %w", err)
	}

	s.cache.put(string(segmentKey(seg.PersonaKey, seg.ID)), seg)
	s.bm25.Index(seg.ID, seg.PersonaKey, seg.AnchorText+"\n"+seg.Text())
	return seg.ID, nil
}

func (s *Store) anchorSegmentID(personaKey string, anchorMessageID int64) (int64, error) {
	var id int64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(anchorKey(personaKey, anchorMessageID))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 8 {
				id = int64(binary.BigEndian.Uint64(val))
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("segment: anchor lookup: %w", err)
	}
	return id, nil
}

// Get retrieves a segment by persona and id. Lines are returned verbatim.
func (s *Store) Get(ctx context.Context, personaKey string, id int64) (*Segment, error) {
	key := string(segmentKey(personaKey, id))
	if seg, ok := s.cache.get(key); ok {
		return seg, nil
	}

	var seg Segment
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &seg)
		})
	})
	if err != nil {
		return nil, err
	}

	s.cache.put(key, &seg)
	return &seg, nil
}

// Delete removes a segment and its anchor mapping and embedding.
func (s *Store) Delete(ctx context.Context, personaKey string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	seg, err := s.Get(ctx, personaKey, id)
	if err != nil {
		if err == ErrNotFound {
			return nil
		}
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(segmentKey(personaKey, id)); err != nil {
			return err
		}
		if err := txn.Delete(anchorKey(personaKey, seg.AnchorMessageID)); err != nil {
			return err
		}
		return txn.Delete(embeddingKey(personaKey, id))
	})
	if err != nil {
		return fmt.Errorf("segment: delete: %w", err)
	}

	s.cache.delete(string(segmentKey(personaKey, id)))
	s.bm25.Remove(id)
	return nil
}

// AllByPersona streams all segments for a persona to fn in id order.
// Returning a non-nil error from fn stops the scan.
func (s *Store) AllByPersona(ctx context.Context, personaKey string, fn func(*Segment) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = personaPrefix(personaKey)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var seg Segment
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &seg)
			}); err != nil {
				return err
			}
			if err := fn(&seg); err != nil {
				return err
			}
		}
		return nil
	})
}

// Count returns the number of segments stored for a persona.
func (s *Store) Count(ctx context.Context, personaKey string) (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = personaPrefix(personaKey)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// SearchLexical performs a BM25 search over anchor text and lines.
func (s *Store) SearchLexical(query string, topK int, personaKey string) []Hit {
	return s.bm25.Search(query, topK, personaKey)
}

// LexicalLen returns the number of documents in the lexical index.
func (s *Store) LexicalLen() int {
	return s.bm25.Len()
}

// Reindex rebuilds the in-memory lexical index from stored segments.
// Called once at startup; the index itself is not persisted.
func (s *Store) Reindex(ctx context.Context, personaKeys ...string) (int, error) {
	indexed := 0
	for _, pk := range personaKeys {
		err := s.AllByPersona(ctx, pk, func(seg *Segment) error {
			s.bm25.Index(seg.ID, seg.PersonaKey, seg.AnchorText+"\n"+seg.Text())
			indexed++
			return nil
		})
		if err != nil {
			return indexed, fmt.Errorf("segment: reindex %s: %w", pk, err)
		}
	}
	s.log.Info("lexical index rebuilt", "segments", indexed, "personas", len(personaKeys))
	return indexed, nil
}

// PutEmbedding persists a segment embedding.
func (s *Store) PutEmbedding(ctx context.Context, emb *Embedding) error {
	if err := emb.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(emb)
	if err != nil {
		return fmt.Errorf("segment: marshal embedding: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(embeddingKey(emb.PersonaKey, emb.SegmentID), data)
	})
}

// GetEmbedding retrieves a stored embedding, or ErrNotFound.
func (s *Store) GetEmbedding(ctx context.Context, personaKey string, id int64) (*Embedding, error) {
	var emb Embedding
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(embeddingKey(personaKey, id))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &emb)
		})
	})
	if err != nil {
		return nil, err
	}
	return &emb, nil
}

// EmbeddingCount returns the number of stored embeddings for a persona.
func (s *Store) EmbeddingCount(ctx context.Context, personaKey string) (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = embeddingPrefix(personaKey)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// MissingEmbeddings returns up to limit segment ids that have no stored
// embedding yet, in id order.
func (s *Store) MissingEmbeddings(ctx context.Context, personaKey string, limit int) ([]int64, error) {
	var missing []int64
	err := s.AllByPersona(ctx, personaKey, func(seg *Segment) error {
		if limit > 0 && len(missing) >= limit {
			return nil
		}
		_, err := s.GetEmbedding(ctx, personaKey, seg.ID)
		if err == ErrNotFound {
			missing = append(missing, seg.ID)
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return missing, nil
}

// LoadEmbeddings feeds all stored embeddings for the personas into the
// vector index, skipping vectors whose dimension no longer matches.
func (s *Store) LoadEmbeddings(ctx context.Context, idx *VectorIndex, personaKeys ...string) (int, error) {
	loaded := 0
	skipped := 0
	for _, pk := range personaKeys {
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = embeddingPrefix(pk)
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}
				var emb Embedding
				if err := it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, &emb)
				}); err != nil {
					return err
				}
				if err := idx.Upsert(emb.SegmentID, emb.PersonaKey, emb.Vector); err != nil {
					skipped++
					continue
				}
				loaded++
			}
			return nil
		})
		if err != nil {
			return loaded, fmt.Errorf("segment: load embeddings %s: %w", pk, err)
		}
	}
	if skipped > 0 {
		s.log.Warn("embeddings skipped on load", "skipped", skipped, "loaded", loaded)
	}
	return loaded, nil
}

// CacheStats returns L1 cache hit rate and total accesses.
func (s *Store) CacheStats() (rate float64, total int64) {
	return s.cache.hitRate()
}

// Close releases the id sequence. The Badger DB itself is owned by the caller.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.seq.Release()
}
