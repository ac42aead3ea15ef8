package similarity

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// Memory is an in-memory Index doing brute-force cosine similarity,
// partitioned by owner. Safe for concurrent use.
type Memory struct {
	mu     sync.RWMutex
	owners map[string]map[string]entry // ownerID -> vectorID -> entry
}

type entry struct {
	fileID string
	vector []float32
}

// NewMemory creates an empty in-memory index
func NewMemory() *Memory {
	return &Memory{
		owners: make(map[string]map[string]entry),
	}
}

// Upsert adds or replaces a vector for the owner
func (m *Memory) Upsert(ownerID, vectorID, fileID string, vector []float32) error {
	if len(vector) == 0 {
		return fmt.Errorf("similarity: empty vector for %s", vectorID)
	}
	cp := make([]float32, len(vector))
	copy(cp, vector)

	m.mu.Lock()
	defer m.mu.Unlock()
	vecs, ok := m.owners[ownerID]
	if !ok {
		vecs = make(map[string]entry)
		m.owners[ownerID] = vecs
	}
	vecs[vectorID] = entry{fileID: fileID, vector: cp}
	return nil
}

// Query scores every vector of the owner against the query and returns
// the top-k by descending similarity
func (m *Memory) Query(ownerID string, vector []float32, k int, excludeFileID string) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	vecs := m.owners[ownerID]
	if len(vecs) == 0 {
		return nil, nil
	}

	matches := make([]Match, 0, len(vecs))
	for id, e := range vecs {
		if excludeFileID != "" && e.fileID == excludeFileID {
			continue
		}
		matches = append(matches, Match{
			VectorID: id,
			FileID:   e.fileID,
			Score:    CosineSimilarity(vector, e.vector),
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Delete removes a vector from the owner's partition
func (m *Memory) Delete(ownerID, vectorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if vecs, ok := m.owners[ownerID]; ok {
		delete(vecs, vectorID)
	}
	return nil
}

// Len returns the vector count for one owner
func (m *Memory) Len(ownerID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.owners[ownerID])
}

// CosineSimilarity computes cosine similarity normalized into [0,1].
// 1 means identical direction, 0.5 orthogonal, 0 opposite.
// Zero-norm or mismatched-length vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp floating point drift before normalizing
	if cos > 1 {
		cos = 1
	}
	if cos < -1 {
		cos = -1
	}
	return (cos + 1) / 2
}
