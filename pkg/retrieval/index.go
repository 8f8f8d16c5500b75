package retrieval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/doppeld/doppeld/pkg/provider"
	"github.com/doppeld/doppeld/pkg/segment"
)

const defaultEmbedBatch = 16

// BatchEmbedder embeds segment texts for indexing. The provider client
// satisfies it.
type BatchEmbedder interface {
	EmbedTexts(ctx context.Context, texts []string, taskType string) ([][]float32, error)
	EmbeddingDim() int
	EmbeddingModel() string
}

// IndexStatus is a snapshot of the embedding index for one persona.
type IndexStatus struct {
	PersonaKey    string `json:"persona_key"`
	Segments      int    `json:"segments"`
	Embedded      int    `json:"embedded"`
	Missing       int    `json:"missing"`
	IndexedVecs   int    `json:"indexed_vectors"`
	Building      bool   `json:"building"`
	LastBuildAt   int64  `json:"last_build_at,omitempty"`
	LastBuildErr  string `json:"last_build_error,omitempty"`
	LastBuiltVecs int    `json:"last_built_vectors,omitempty"`
}

// BuildReport summarizes one index build pass.
type BuildReport struct {
	PersonaKey string        `json:"persona_key"`
	Embedded   int           `json:"embedded"`
	Skipped    int           `json:"skipped"`
	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration_ms"`
}

// IndexBuilder embeds segments that have no stored vector yet and feeds
// them into the in-memory index. One build runs at a time; a second
// Build call while one is in flight returns ErrBuildInProgress.
type IndexBuilder struct {
	store    *segment.Store
	vectors  *segment.VectorIndex
	embedder BatchEmbedder
	snapshot string
	batch    int
	log      engineLogger
	metrics  SearchMetrics

	mu       sync.Mutex
	building bool

	stateMu   sync.Mutex
	lastAt    time.Time
	lastErr   error
	lastCount int
}

// ErrBuildInProgress is returned when a build is already running.
var ErrBuildInProgress = fmt.Errorf("retrieval: index build already in progress")

// NewIndexBuilder creates a builder. snapshotPath may be empty to skip
// on-disk snapshots after a build.
func NewIndexBuilder(store *segment.Store, vectors *segment.VectorIndex, embedder BatchEmbedder, snapshotPath string, log engineLogger) *IndexBuilder {
	return &IndexBuilder{
		store:    store,
		vectors:  vectors,
		embedder: embedder,
		snapshot: snapshotPath,
		batch:    defaultEmbedBatch,
		log:      log,
	}
}

// SetMetrics attaches retrieval metrics. Must be called before builds
// start.
func (b *IndexBuilder) SetMetrics(m SearchMetrics) {
	b.metrics = m
}

// Status reports segment and embedding counts for a persona.
func (b *IndexBuilder) Status(ctx context.Context, personaKey string) (IndexStatus, error) {
	total, err := b.store.Count(ctx, personaKey)
	if err != nil {
		return IndexStatus{}, err
	}
	missing, err := b.store.MissingEmbeddings(ctx, personaKey, 0)
	if err != nil {
		return IndexStatus{}, err
	}

	b.mu.Lock()
	building := b.building
	b.mu.Unlock()

	st := IndexStatus{
		PersonaKey:  personaKey,
		Segments:    total,
		Embedded:    total - len(missing),
		Missing:     len(missing),
		IndexedVecs: b.vectors.Len(),
		Building:    building,
	}

	b.stateMu.Lock()
	if !b.lastAt.IsZero() {
		st.LastBuildAt = b.lastAt.Unix()
		st.LastBuiltVecs = b.lastCount
	}
	if b.lastErr != nil {
		st.LastBuildErr = b.lastErr.Error()
	}
	b.stateMu.Unlock()

	return st, nil
}

// Build embeds every segment of the persona that lacks a stored vector,
// persists the embeddings, upserts them into the index and snapshots the
// index to disk when a path is configured.
func (b *IndexBuilder) Build(ctx context.Context, personaKey string) (BuildReport, error) {
	b.mu.Lock()
	if b.building {
		b.mu.Unlock()
		return BuildReport{}, ErrBuildInProgress
	}
	b.building = true
	b.mu.Unlock()

	start := time.Now()
	report, err := b.build(ctx, personaKey)
	report.PersonaKey = personaKey
	report.Duration = time.Since(start)
	report.DurationMS = report.Duration.Milliseconds()

	b.mu.Lock()
	b.building = false
	b.mu.Unlock()

	b.stateMu.Lock()
	b.lastAt = time.Now()
	b.lastErr = err
	b.lastCount = report.Embedded
	b.stateMu.Unlock()

	if err != nil {
		return report, err
	}
	if b.metrics != nil {
		b.metrics.SetIndexedSegments(personaKey, float64(b.vectors.LenFor(personaKey)))
	}
	b.log.Info("index build finished",
		"persona", personaKey,
		"embedded", report.Embedded,
		"skipped", report.Skipped,
		"duration", report.Duration)
	return report, nil
}

func (b *IndexBuilder) build(ctx context.Context, personaKey string) (BuildReport, error) {
	var report BuildReport

	missing, err := b.store.MissingEmbeddings(ctx, personaKey, 0)
	if err != nil {
		return report, err
	}

	for i := 0; i < len(missing); i += b.batch {
		end := i + b.batch
		if end > len(missing) {
			end = len(missing)
		}
		ids := missing[i:end]

		texts := make([]string, 0, len(ids))
		kept := make([]int64, 0, len(ids))
		for _, id := range ids {
			seg, err := b.store.Get(ctx, personaKey, id)
			if err != nil {
				report.Skipped++
				continue
			}
			texts = append(texts, seg.Text())
			kept = append(kept, id)
		}
		if len(texts) == 0 {
			continue
		}

		vecs, err := b.embedder.EmbedTexts(ctx, texts, provider.TaskRetrievalDocument)
		if err != nil {
			return report, err
		}
		if len(vecs) != len(kept) {
			return report, fmt.Errorf("retrieval: embed batch returned %d vectors for %d texts", len(vecs), len(kept))
		}

		for j, id := range kept {
			emb := &segment.Embedding{
				SegmentID:  id,
				PersonaKey: personaKey,
				Model:      b.embedder.EmbeddingModel(),
				Dim:        b.embedder.EmbeddingDim(),
				Vector:     vecs[j],
			}
			if err := b.store.PutEmbedding(ctx, emb); err != nil {
				return report, err
			}
			if err := b.vectors.Upsert(id, personaKey, vecs[j]); err != nil {
				return report, err
			}
			report.Embedded++
		}
	}

	if b.snapshot != "" && report.Embedded > 0 {
		if err := b.vectors.Save(b.snapshot); err != nil {
			b.log.Warn("index snapshot failed", "path", b.snapshot, "error", err)
		}
	}
	return report, nil
}
