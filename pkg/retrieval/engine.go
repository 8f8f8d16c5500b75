// Package retrieval fuses semantic and lexical search over the segment
// store into a single ranked list for prompt building.
package retrieval

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/doppeld/doppeld/config"
	"github.com/doppeld/doppeld/pkg/segment"
)

// missingRank marks candidates the lexical search did not return.
const missingRank = 99999.0

var wordRe = regexp.MustCompile(`[\x{4e00}-\x{9fff}A-Za-z0-9]{1,24}`)

// Embedder turns a query into a vector. The provider client satisfies it.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

type engineLogger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// SearchMetrics receives retrieval observations. Implementations must be
// safe for concurrent use.
type SearchMetrics interface {
	RecordRetrieval(mode string, duration time.Duration, ragChars int)
	SetIndexedSegments(persona string, count float64)
}

// RankedSegment is one fused retrieval result with prompt-ready lines.
type RankedSegment struct {
	Segment     *segment.Segment `json:"segment"`
	Lines       []segment.Line   `json:"lines"`
	Semantic    float64          `json:"semantic_score"`
	Lexical     float64          `json:"lexical_score"`
	Recency     float64          `json:"recency_score"`
	Score       float64          `json:"retrieval_score"`
	lexicalRank float64
}

// Engine runs hybrid retrieval. Semantic and lexical search run in
// parallel; when the query embedding fails the engine degrades to
// lexical-only instead of failing the request.
type Engine struct {
	store    *segment.Store
	vectors  *segment.VectorIndex
	embedder Embedder
	cfg      config.RetrievalConfig
	log      engineLogger
	metrics  SearchMetrics

	windowBefore int
	windowAfter  int
}

// SetMetrics attaches retrieval metrics. Must be called before the
// engine is shared across goroutines.
func (e *Engine) SetMetrics(m SearchMetrics) {
	e.metrics = m
}

// NewEngine creates a retrieval engine. windowBefore/windowAfter are the
// base line window used when slicing segment context.
func NewEngine(store *segment.Store, vectors *segment.VectorIndex, embedder Embedder, cfg config.RetrievalConfig, windowBefore, windowAfter int, log engineLogger) *Engine {
	return &Engine{
		store:        store,
		vectors:      vectors,
		embedder:     embedder,
		cfg:          cfg,
		log:          log,
		windowBefore: windowBefore,
		windowAfter:  windowAfter,
	}
}

type candidate struct {
	semantic    float64
	lexicalRank float64
}

// Retrieve returns the top-k fused segments for a query. k below one
// falls back to the configured top-k. An empty query or empty indexes
// yield an empty result, never an error.
func (e *Engine) Retrieve(ctx context.Context, query, personaKey string, k int) ([]RankedSegment, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if k < 1 {
		k = e.cfg.TopK
	}
	start := time.Now()

	var (
		wg       sync.WaitGroup
		lexHits  []segment.Hit
		semHits  []segment.Hit
		queryVec []float32
		embedErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		lexHits = e.store.SearchLexical(query, e.cfg.LexicalPool, personaKey)
	}()
	go func() {
		defer wg.Done()
		queryVec, embedErr = e.embedder.EmbedQuery(ctx, query)
		if embedErr != nil {
			return
		}
		semHits, embedErr = e.vectors.Nearest(queryVec, e.cfg.SemanticPool, personaKey)
	}()
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mode := "hybrid"
	if embedErr != nil {
		e.log.Warn("semantic search degraded to lexical-only", "error", embedErr)
		queryVec = nil
		semHits = nil
		mode = "lexical"
	}

	merged := make(map[int64]*candidate, len(lexHits)+len(semHits))
	for i, hit := range lexHits {
		merged[hit.SegmentID] = &candidate{lexicalRank: float64(i)}
	}
	for _, hit := range semHits {
		if cand, ok := merged[hit.SegmentID]; ok {
			cand.semantic = hit.Score
		} else {
			merged[hit.SegmentID] = &candidate{semantic: hit.Score, lexicalRank: missingRank}
		}
	}
	if len(merged) == 0 {
		e.recordSearch(mode, start, nil)
		return []RankedSegment{}, nil
	}

	// Lexical-only hits still get a semantic score when their embedding
	// is already indexed.
	if queryVec != nil {
		for sid, cand := range merged {
			if cand.semantic == 0 {
				cand.semantic = e.vectors.Score(queryVec, sid)
			}
		}
	}

	type loaded struct {
		seg  *segment.Segment
		cand *candidate
	}
	pool := make([]loaded, 0, len(merged))
	for sid, cand := range merged {
		seg, err := e.store.Get(ctx, personaKey, sid)
		if err != nil {
			if err == segment.ErrNotFound {
				continue
			}
			return nil, err
		}
		pool = append(pool, loaded{seg: seg, cand: cand})
	}
	if len(pool) == 0 {
		e.recordSearch(mode, start, nil)
		return []RankedSegment{}, nil
	}

	// Recency is normalized over the candidate pool, not wall time.
	minTS, maxTS := int64(0), int64(0)
	for i, item := range pool {
		ts := item.seg.AnchorTimestamp
		if i == 0 || ts < minTS {
			minTS = ts
		}
		if i == 0 || ts > maxTS {
			maxTS = ts
		}
	}
	span := maxTS - minTS
	if span < 1 {
		span = 1
	}

	ranked := make([]RankedSegment, 0, len(pool))
	for _, item := range pool {
		lexScore := lexicalRankToScore(item.cand.lexicalRank)
		recency := 0.0
		if item.seg.AnchorTimestamp != 0 {
			recency = float64(item.seg.AnchorTimestamp-minTS) / float64(span)
		}
		score := e.cfg.SemanticWeight*item.cand.semantic +
			e.cfg.LexicalWeight*lexScore +
			e.cfg.RecencyWeight*recency
		ranked = append(ranked, RankedSegment{
			Segment:     item.seg,
			Semantic:    item.cand.semantic,
			Lexical:     lexScore,
			Recency:     recency,
			Score:       score,
			lexicalRank: item.cand.lexicalRank,
		})
	}

	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Semantic != b.Semantic {
			return a.Semantic > b.Semantic
		}
		if a.lexicalRank != b.lexicalRank {
			return a.lexicalRank < b.lexicalRank
		}
		return a.Segment.ID > b.Segment.ID
	})
	if k > len(ranked) {
		k = len(ranked)
	}
	ranked = ranked[:k]

	before, after := e.dynamicWindow(query)
	out := make([]RankedSegment, 0, len(ranked))
	for _, rs := range ranked {
		lines := sliceWindow(rs.Segment, before, after)
		lines = segment.TrimLines(lines, e.cfg.MaxSegmentChars)
		if len(lines) == 0 {
			continue
		}
		rs.Lines = lines
		out = append(out, rs)
	}

	if len(out) > 0 {
		top := out[0]
		e.log.Debug("retrieval top segment",
			"persona", personaKey,
			"segment_id", top.Segment.ID,
			"score", top.Score,
			"semantic", top.Semantic,
			"lexical", top.Lexical,
			"window_before", before,
			"window_after", after)
	}
	e.recordSearch(mode, start, out)
	return out, nil
}

func (e *Engine) recordSearch(mode string, start time.Time, out []RankedSegment) {
	if e.metrics == nil {
		return
	}
	chars := 0
	for _, rs := range out {
		for _, ln := range rs.Lines {
			chars += len([]rune(ln.Text))
		}
	}
	e.metrics.RecordRetrieval(mode, time.Since(start), chars)
}

// lexicalRankToScore converts a zero-based lexical rank into a score in
// (0, 1], best rank scoring 1.
func lexicalRankToScore(rank float64) float64 {
	if rank <= 0 {
		return 1.0
	}
	return 1.0 / (1.0 + rank)
}

// dynamicWindow widens the line window for complex queries: longer or
// token-dense messages earn up to the configured extra lines per side.
func (e *Engine) dynamicWindow(query string) (int, int) {
	if !e.cfg.DynamicWindow {
		return e.windowBefore, e.windowAfter
	}
	textLen := len([]rune(strings.TrimSpace(query)))
	tokenCount := len(wordRe.FindAllString(query, -1))
	complexity := textLen / 20
	if t := tokenCount / 8; t > complexity {
		complexity = t
	}
	extra := complexity
	if extra > e.cfg.DynamicWindowExtra {
		extra = e.cfg.DynamicWindowExtra
	}
	if extra < 0 {
		extra = 0
	}
	return e.windowBefore + extra, e.windowAfter + extra
}

// sliceWindow cuts at most before lines ahead of the anchor and after
// lines behind it from the segment's stored lines. Blank lines are
// dropped. A missing anchor keeps the full window.
func sliceWindow(seg *segment.Segment, before, after int) []segment.Line {
	anchorIdx := -1
	for i, ln := range seg.Lines {
		if ln.MessageID == seg.AnchorMessageID {
			anchorIdx = i
			break
		}
	}

	lines := seg.Lines
	if anchorIdx >= 0 {
		lo := anchorIdx - before
		if lo < 0 {
			lo = 0
		}
		hi := anchorIdx + after + 1
		if hi > len(lines) {
			hi = len(lines)
		}
		lines = lines[lo:hi]
	}

	out := make([]segment.Line, 0, len(lines))
	for _, ln := range lines {
		if strings.TrimSpace(ln.Text) != "" {
			out = append(out, ln)
		}
	}
	return out
}

// StyleReferences samples assistant lines from the top segments for a
// query, up to k lines. Used by prompt building for style grounding.
func (e *Engine) StyleReferences(ctx context.Context, query, personaKey string, k int) ([]string, error) {
	if k < 1 {
		return nil, nil
	}
	topHits := k / 6
	if topHits < 2 {
		topHits = 2
	}
	segments, err := e.Retrieve(ctx, query, personaKey, topHits)
	if err != nil {
		return nil, err
	}

	var lines []string
	for _, rs := range segments {
		for _, ln := range rs.Lines {
			if ln.Role == segment.RoleAssistant && strings.TrimSpace(ln.Text) != "" {
				lines = append(lines, ln.Text)
				if len(lines) >= k {
					return lines, nil
				}
			}
		}
	}
	return lines, nil
}
