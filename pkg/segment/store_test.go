package segment

import (
	"context"
	"errors"
	"testing"

	badger "github.com/dgraph-io/badger/v4"
)

type nopLogger struct{}

func (nopLogger) Debug(msg string, args ...any) {}
func (nopLogger) Info(msg string, args ...any)  {}
func (nopLogger) Warn(msg string, args ...any)  {}
func (nopLogger) Error(msg string, args ...any) {}

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	opts := badger.DefaultOptions(t.TempDir())
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db, DefaultStoreOptions(), nopLogger{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testSegment(anchorID int64, text string) *Segment {
	return &Segment{
		PersonaKey:      "dxa",
		AnchorMessageID: anchorID,
		AnchorText:      text,
		Lines: []Line{
			{MessageID: anchorID, Role: RoleUser, Text: text},
			{MessageID: anchorID + 1, Role: RoleAssistant, Text: "mm sounds good"},
		},
		StartMessageID:  anchorID,
		EndMessageID:    anchorID + 1,
		AnchorTimestamp: 1700000000,
	}
}

func TestStore_UpsertAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	seg := testSegment(100, "let's grab dinner")
	id, err := store.Upsert(ctx, seg)
	if err != nil {
		t.Fatal(err)
	}
	if id == 0 {
		t.Fatal("expected non-zero id")
	}

	got, err := store.Get(ctx, "dxa", id)
	if err != nil {
		t.Fatal(err)
	}
	if got.AnchorText != "let's grab dinner" {
		t.Errorf("unexpected anchor text %q", got.AnchorText)
	}
	if len(got.Lines) != 2 {
		t.Errorf("expected 2 lines, got %d", len(got.Lines))
	}
}

func TestStore_UpsertIdempotentPerAnchor(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first := testSegment(100, "original anchor")
	id1, err := store.Upsert(ctx, first)
	if err != nil {
		t.Fatal(err)
	}

	// Same anchor message again supersedes, never duplicates.
	second := testSegment(100, "original anchor")
	second.Lines = append(second.Lines, Line{MessageID: 102, Role: RoleAssistant, Text: "one more thing"})
	second.EndMessageID = 102
	id2, err := store.Upsert(ctx, second)
	if err != nil {
		t.Fatal(err)
	}

	if id1 != id2 {
		t.Fatalf("expected same id for same anchor, got %d and %d", id1, id2)
	}
	count, err := store.Count(ctx, "dxa")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("expected 1 segment, got %d", count)
	}

	got, err := store.Get(ctx, "dxa", id1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Lines) != 3 {
		t.Errorf("expected superseding segment with 3 lines, got %d", len(got.Lines))
	}
}

func TestStore_UpsertInvalid(t *testing.T) {
	store := setupTestStore(t)

	seg := testSegment(100, "ok")
	seg.PersonaKey = ""
	if _, err := store.Upsert(context.Background(), seg); !errors.Is(err, ErrInvalidSegment) {
		t.Errorf("expected ErrInvalidSegment, got %v", err)
	}
}

func TestStore_GetNotFound(t *testing.T) {
	store := setupTestStore(t)

	if _, err := store.Get(context.Background(), "dxa", 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_Delete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	id, err := store.Upsert(ctx, testSegment(100, "to be removed"))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, "dxa", id); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, "dxa", id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	// A fresh upsert of the same anchor gets a new id.
	id2, err := store.Upsert(ctx, testSegment(100, "to be removed"))
	if err != nil {
		t.Fatal(err)
	}
	if id2 == id {
		t.Error("expected a fresh id after delete")
	}

	// Deleting a missing segment is a no-op.
	if err := store.Delete(ctx, "dxa", 12345); err != nil {
		t.Errorf("expected nil for missing segment, got %v", err)
	}
}

func TestStore_AllByPersona(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := int64(0); i < 5; i++ {
		if _, err := store.Upsert(ctx, testSegment(100+i*10, "anchor")); err != nil {
			t.Fatal(err)
		}
	}
	other := testSegment(500, "anchor")
	other.PersonaKey = "friends"
	if _, err := store.Upsert(ctx, other); err != nil {
		t.Fatal(err)
	}

	var seen []int64
	err := store.AllByPersona(ctx, "dxa", func(seg *Segment) error {
		seen = append(seen, seg.ID)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 segments, got %d", len(seen))
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Errorf("expected ascending id order, got %v", seen)
		}
	}
}

func TestStore_SearchLexical(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	seg := testSegment(100, "where should we travel this summer")
	if _, err := store.Upsert(ctx, seg); err != nil {
		t.Fatal(err)
	}

	hits := store.SearchLexical("travel summer", 10, "dxa")
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	if hits[0].SegmentID != seg.ID {
		t.Errorf("expected segment %d, got %d", seg.ID, hits[0].SegmentID)
	}
}

func TestStore_Reindex(t *testing.T) {
	opts := badger.DefaultOptions(t.TempDir())
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db, DefaultStoreOptions(), nopLogger{})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := store.Upsert(ctx, testSegment(100, "beach vacation ideas")); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	// A new store over the same DB starts with an empty lexical index.
	reopened, err := NewStore(db, DefaultStoreOptions(), nopLogger{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reopened.Close() })

	if reopened.LexicalLen() != 0 {
		t.Fatalf("expected empty index before reindex, got %d", reopened.LexicalLen())
	}
	n, err := reopened.Reindex(ctx, "dxa")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reindexed segment, got %d", n)
	}
	if hits := reopened.SearchLexical("beach vacation", 5, "dxa"); len(hits) != 1 {
		t.Errorf("expected 1 hit after reindex, got %d", len(hits))
	}
}

func TestStore_Embeddings(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	id1, err := store.Upsert(ctx, testSegment(100, "first"))
	if err != nil {
		t.Fatal(err)
	}
	id2, err := store.Upsert(ctx, testSegment(200, "second"))
	if err != nil {
		t.Fatal(err)
	}

	emb := &Embedding{SegmentID: id1, PersonaKey: "dxa", Model: "gemini-embedding-001", Dim: 3, Vector: []float32{0.1, 0.2, 0.3}}
	if err := store.PutEmbedding(ctx, emb); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetEmbedding(ctx, "dxa", id1)
	if err != nil {
		t.Fatal(err)
	}
	if got.Model != "gemini-embedding-001" || got.Dim != 3 {
		t.Errorf("unexpected embedding %+v", got)
	}
	if _, err := store.GetEmbedding(ctx, "dxa", id2); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	count, err := store.EmbeddingCount(ctx, "dxa")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("expected 1 embedding, got %d", count)
	}

	missing, err := store.MissingEmbeddings(ctx, "dxa", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 1 || missing[0] != id2 {
		t.Errorf("expected only %d missing, got %v", id2, missing)
	}
}

func TestStore_PutEmbeddingInvalid(t *testing.T) {
	store := setupTestStore(t)

	emb := &Embedding{SegmentID: 1, PersonaKey: "dxa", Dim: 3, Vector: []float32{0.1}}
	if err := store.PutEmbedding(context.Background(), emb); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestStore_LoadEmbeddings(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	id, err := store.Upsert(ctx, testSegment(100, "anchor"))
	if err != nil {
		t.Fatal(err)
	}
	emb := &Embedding{SegmentID: id, PersonaKey: "dxa", Model: "m", Dim: 3, Vector: []float32{1, 0, 0}}
	if err := store.PutEmbedding(ctx, emb); err != nil {
		t.Fatal(err)
	}

	idx := NewVectorIndex(3)
	loaded, err := store.LoadEmbeddings(ctx, idx, "dxa")
	if err != nil {
		t.Fatal(err)
	}
	if loaded != 1 || idx.Len() != 1 {
		t.Errorf("expected 1 loaded vector, got loaded=%d len=%d", loaded, idx.Len())
	}
	if !idx.Contains(id) {
		t.Error("vector index missing loaded segment")
	}
}

func TestStore_ClosedRejectsWrites(t *testing.T) {
	store := setupTestStore(t)
	store.Close()

	if _, err := store.Upsert(context.Background(), testSegment(100, "x")); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("expected ErrStoreClosed, got %v", err)
	}
}

func TestL1Cache_Eviction(t *testing.T) {
	cache := newL1Cache(2)

	cache.put("a", &Segment{ID: 1})
	cache.put("b", &Segment{ID: 2})
	cache.get("a") // promote
	cache.put("c", &Segment{ID: 3})

	if _, ok := cache.get("b"); ok {
		t.Error("expected 'b' to be evicted")
	}
	if _, ok := cache.get("a"); !ok {
		t.Error("expected 'a' to survive")
	}
	if _, ok := cache.get("c"); !ok {
		t.Error("expected 'c' to be present")
	}
}
