package segment

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode"
)

// BM25Index provides full-text search over segment text using the BM25
// scoring algorithm. CJK text is indexed as single characters plus
// character bigrams since there are no word boundaries to split on.
type BM25Index struct {
	mu sync.RWMutex

	// BM25 parameters
	k1 float64
	b  float64

	// Inverted index: term -> set of segment keys
	invertedIndex map[string]map[string]struct{}

	// Forward index: segment key -> term frequencies
	termFreqs map[string]map[string]int

	// Document lengths (in tokens)
	docLengths map[string]int

	// Persona mapping: segment key -> persona key
	personas map[string]string

	// Corpus stats
	totalDocs int
	totalLen  int

	stopWords map[string]struct{}
}

// NewBM25Index creates a new BM25 index with the given parameters.
func NewBM25Index(k1, b float64) *BM25Index {
	return &BM25Index{
		k1:            k1,
		b:             b,
		invertedIndex: make(map[string]map[string]struct{}),
		termFreqs:     make(map[string]map[string]int),
		docLengths:    make(map[string]int),
		personas:      make(map[string]string),
		stopWords:     defaultStopWords(),
	}
}

// Hit is a lexical search result.
type Hit struct {
	SegmentID int64
	Score     float64
}

func docKey(segmentID int64) string {
	return strconv.FormatInt(segmentID, 10)
}

// Index adds or updates a segment document in the index.
func (idx *BM25Index) Index(segmentID int64, personaKey, content string) {
	key := docKey(segmentID)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	// Remove old index if updating
	if _, exists := idx.termFreqs[key]; exists {
		idx.removeDocLocked(key)
	}

	tokens := idx.tokenize(content)
	freqs := make(map[string]int)
	for _, token := range tokens {
		freqs[token]++
	}

	idx.termFreqs[key] = freqs
	idx.docLengths[key] = len(tokens)
	idx.personas[key] = personaKey
	idx.totalDocs++
	idx.totalLen += len(tokens)

	for term := range freqs {
		if idx.invertedIndex[term] == nil {
			idx.invertedIndex[term] = make(map[string]struct{})
		}
		idx.invertedIndex[term][key] = struct{}{}
	}
}

// Remove removes a segment document from the index.
func (idx *BM25Index) Remove(segmentID int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeDocLocked(docKey(segmentID))
}

func (idx *BM25Index) removeDocLocked(key string) {
	freqs, exists := idx.termFreqs[key]
	if !exists {
		return
	}

	for term := range freqs {
		if docs, ok := idx.invertedIndex[term]; ok {
			delete(docs, key)
			if len(docs) == 0 {
				delete(idx.invertedIndex, term)
			}
		}
	}

	idx.totalLen -= idx.docLengths[key]
	idx.totalDocs--
	delete(idx.termFreqs, key)
	delete(idx.docLengths, key)
	delete(idx.personas, key)
}

// Search performs a BM25 search and returns the top-K results.
// If personaKey is non-empty, results are filtered to that persona.
func (idx *BM25Index) Search(query string, topK int, personaKey string) []Hit {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.totalDocs == 0 {
		return nil
	}

	queryTokens := idx.tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}

	avgDL := float64(idx.totalLen) / float64(idx.totalDocs)

	candidates := make(map[string]struct{})
	for _, token := range queryTokens {
		if docs, ok := idx.invertedIndex[token]; ok {
			for key := range docs {
				if personaKey != "" && idx.personas[key] != personaKey {
					continue
				}
				candidates[key] = struct{}{}
			}
		}
	}

	type scored struct {
		key   string
		score float64
	}

	results := make([]scored, 0, len(candidates))
	for key := range candidates {
		score := idx.scoreLocked(key, queryTokens, avgDL)
		if score > 0 {
			results = append(results, scored{key: key, score: score})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].key > results[j].key
	})

	if topK > len(results) {
		topK = len(results)
	}
	results = results[:topK]

	hits := make([]Hit, 0, topK)
	for _, r := range results {
		id, err := strconv.ParseInt(r.key, 10, 64)
		if err != nil {
			continue
		}
		hits = append(hits, Hit{SegmentID: id, Score: r.score})
	}
	return hits
}

// Len returns the number of indexed documents.
func (idx *BM25Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.totalDocs
}

// scoreLocked calculates the BM25 score for a document. Must be called with read lock held.
func (idx *BM25Index) scoreLocked(key string, queryTokens []string, avgDL float64) float64 {
	docLen := float64(idx.docLengths[key])
	freqs := idx.termFreqs[key]
	score := 0.0

	for _, term := range queryTokens {
		tf := float64(freqs[term])
		if tf == 0 {
			continue
		}

		// IDF: log((N - n + 0.5) / (n + 0.5) + 1)
		n := float64(len(idx.invertedIndex[term]))
		idf := math.Log((float64(idx.totalDocs)-n+0.5)/(n+0.5) + 1.0)

		numerator := tf * (idx.k1 + 1)
		denominator := tf + idx.k1*(1-idx.b+idx.b*docLen/avgDL)
		score += idf * numerator / denominator
	}

	return score
}

// tokenize splits text into lowercase tokens. Latin words are kept whole
// with stop words removed; Han runs are emitted as single characters plus
// overlapping bigrams.
func (idx *BM25Index) tokenize(text string) []string {
	text = strings.ToLower(text)

	tokens := make([]string, 0, len(text)/4)
	var current strings.Builder
	var prevHan rune

	flushCurrent := func() {
		if current.Len() == 0 {
			return
		}
		token := current.String()
		if _, isStop := idx.stopWords[token]; !isStop {
			tokens = append(tokens, token)
		}
		current.Reset()
	}

	for _, r := range text {
		if unicode.Is(unicode.Han, r) {
			flushCurrent()
			tokens = append(tokens, string(r))
			if prevHan != 0 {
				tokens = append(tokens, string(prevHan)+string(r))
			}
			prevHan = r
			continue
		}
		prevHan = 0
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			current.WriteRune(r)
		} else {
			flushCurrent()
		}
	}
	flushCurrent()

	return tokens
}

func defaultStopWords() map[string]struct{} {
	words := []string{
		"a", "an", "the", "is", "are", "was", "were", "be", "been", "being",
		"have", "has", "had", "do", "does", "did", "will", "would", "could",
		"should", "may", "might", "shall", "can", "to", "of", "in", "for",
		"on", "with", "at", "by", "from", "as", "and", "but", "or", "nor",
		"not", "so", "if", "when", "where", "how", "what", "which", "who",
		"this", "that", "these", "those", "i", "me", "my", "we", "our",
		"you", "your", "he", "him", "his", "she", "her", "it", "its",
		"they", "them", "their",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
