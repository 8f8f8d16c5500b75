package segment

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"sync"
)

// VectorIndex provides nearest neighbour search over segment embeddings
// using brute-force cosine similarity. Dataset sizes here (one person's
// chat history) stay well under the point where an ANN structure pays off.
type VectorIndex struct {
	mu        sync.RWMutex
	dimension int
	vectors   map[int64][]float32 // segmentID -> vector
	personas  map[int64]string    // segmentID -> persona key
}

// NewVectorIndex creates a new vector index with the given dimension.
func NewVectorIndex(dimension int) *VectorIndex {
	return &VectorIndex{
		dimension: dimension,
		vectors:   make(map[int64][]float32),
		personas:  make(map[int64]string),
	}
}

// Dimension returns the fixed vector dimension of the index.
func (v *VectorIndex) Dimension() int {
	return v.dimension
}

// Upsert adds or replaces a vector in the index. Vectors of the wrong
// width are rejected, never padded or truncated.
func (v *VectorIndex) Upsert(segmentID int64, personaKey string, vector []float32) error {
	if len(vector) != v.dimension {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, v.dimension, len(vector))
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.vectors[segmentID] = vector
	v.personas[segmentID] = personaKey
	return nil
}

// Delete removes a vector from the index.
func (v *VectorIndex) Delete(segmentID int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.vectors, segmentID)
	delete(v.personas, segmentID)
}

// Contains reports whether the index holds a vector for the segment.
func (v *VectorIndex) Contains(segmentID int64) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.vectors[segmentID]
	return ok
}

// Nearest finds the top-K most similar vectors to the query. An empty
// index yields an empty result, not an error, so retrieval can degrade
// to lexical-only. If personaKey is non-empty, results are filtered.
func (v *VectorIndex) Nearest(query []float32, topK int, personaKey string) ([]Hit, error) {
	if len(query) != v.dimension {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, v.dimension, len(query))
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	results := make([]Hit, 0, len(v.vectors))
	for id, vec := range v.vectors {
		if personaKey != "" && v.personas[id] != personaKey {
			continue
		}
		sim := cosineSimilarity(query, vec)
		results = append(results, Hit{SegmentID: id, Score: sim})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].SegmentID > results[j].SegmentID
	})

	if topK > len(results) {
		topK = len(results)
	}
	return results[:topK], nil
}

// Score returns the cosine similarity between the query and a stored
// vector, or 0 if the segment has no embedding.
func (v *VectorIndex) Score(query []float32, segmentID int64) float64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	vec, ok := v.vectors[segmentID]
	if !ok || len(query) != len(vec) {
		return 0
	}
	return cosineSimilarity(query, vec)
}

// Len returns the number of vectors in the index.
func (v *VectorIndex) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.vectors)
}

// LenFor returns the number of vectors indexed for one persona.
func (v *VectorIndex) LenFor(personaKey string) int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	n := 0
	for _, pk := range v.personas {
		if pk == personaKey {
			n++
		}
	}
	return n
}

// Save persists the vector index to a file.
// Format: [dimension:uint32][count:uint32] then for each entry:
// [segmentID:int64][pkLen:uint16][personaKey:bytes][vector:float32*dim]
func (v *VectorIndex) Save(path string) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("vector: save failed: %w", err)
	}
	defer f.Close()

	// Header
	if err := binary.Write(f, binary.LittleEndian, uint32(v.dimension)); err != nil {
		return err
	}
	if err := binary.Write(f, binary.LittleEndian, uint32(len(v.vectors))); err != nil {
		return err
	}

	for id, vec := range v.vectors {
		pk := v.personas[id]
		if err := binary.Write(f, binary.LittleEndian, id); err != nil {
			return err
		}
		if err := binary.Write(f, binary.LittleEndian, uint16(len(pk))); err != nil {
			return err
		}
		if _, err := f.Write([]byte(pk)); err != nil {
			return err
		}
		if err := binary.Write(f, binary.LittleEndian, vec); err != nil {
			return err
		}
	}
	return nil
}

// Load restores the vector index from a file.
func (v *VectorIndex) Load(path string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("vector: load failed: %w", err)
	}
	defer f.Close()

	var dim, count uint32
	if err := binary.Read(f, binary.LittleEndian, &dim); err != nil {
		return err
	}
	if err := binary.Read(f, binary.LittleEndian, &count); err != nil {
		return err
	}

	if int(dim) != v.dimension {
		return fmt.Errorf("%w: file has %d, index expects %d", ErrDimensionMismatch, dim, v.dimension)
	}

	vectors := make(map[int64][]float32, count)
	personas := make(map[int64]string, count)

	for i := uint32(0); i < count; i++ {
		var id int64
		if err := binary.Read(f, binary.LittleEndian, &id); err != nil {
			return err
		}

		var pkLen uint16
		if err := binary.Read(f, binary.LittleEndian, &pkLen); err != nil {
			return err
		}
		pkBuf := make([]byte, pkLen)
		if _, err := io.ReadFull(f, pkBuf); err != nil {
			return err
		}

		vec := make([]float32, dim)
		if err := binary.Read(f, binary.LittleEndian, vec); err != nil {
			return err
		}

		vectors[id] = vec
		personas[id] = string(pkBuf)
	}

	v.vectors = vectors
	v.personas = personas
	return nil
}

// cosineSimilarity calculates the cosine similarity between two vectors.
func cosineSimilarity(a []float32, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dotProduct / denom
}
