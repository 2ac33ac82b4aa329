package store

import (
	"math"
	"sync"

	"github.com/coder/hnsw"
)

// vectorIndex is the in-memory ANN index over stored rows. It is rebuilt
// from the SQLite table by CreateVectorIndex once the store crosses
// VectorIndexMinRows; below that the store flat-scans.
type vectorIndex struct {
	mu      sync.RWMutex
	graph   *hnsw.Graph[uint64]
	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64
}

func newVectorIndex() *vectorIndex {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 64

	return &vectorIndex{
		graph:  graph,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
	}
}

// add inserts one vector. Existing IDs are lazily replaced: the old node is
// orphaned in the graph and excluded from results via the key mapping.
func (ix *vectorIndex) add(id string, vec []float32) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if oldKey, exists := ix.idMap[id]; exists {
		delete(ix.keyMap, oldKey)
		delete(ix.idMap, id)
	}

	key := ix.nextKey
	ix.nextKey++

	normalized := make([]float32, len(vec))
	copy(normalized, vec)
	normalizeInPlace(normalized)

	ix.graph.Add(hnsw.MakeNode(key, normalized))
	ix.idMap[id] = key
	ix.keyMap[key] = id
}

// remove drops ids from the mapping (lazy deletion; graph nodes stay).
func (ix *vectorIndex) remove(ids []string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, id := range ids {
		if key, exists := ix.idMap[id]; exists {
			delete(ix.keyMap, key)
			delete(ix.idMap, id)
		}
	}
}

// search returns up to k (id, cosine distance) pairs nearest to vec.
func (ix *vectorIndex) search(vec []float32, k int) []idDistance {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.graph.Len() == 0 || k <= 0 {
		return nil
	}

	normalized := make([]float32, len(vec))
	copy(normalized, vec)
	normalizeInPlace(normalized)

	// Over-fetch to compensate for orphaned nodes left by lazy deletion.
	nodes := ix.graph.Search(normalized, k*2)

	results := make([]idDistance, 0, k)
	for _, node := range nodes {
		id, live := ix.keyMap[node.Key]
		if !live {
			continue
		}
		results = append(results, idDistance{
			id:       id,
			distance: float64(ix.graph.Distance(normalized, node.Value)),
		})
		if len(results) == k {
			break
		}
	}
	return results
}

func (ix *vectorIndex) count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.idMap)
}

type idDistance struct {
	id       string
	distance float64
}

// normalizeInPlace scales vec to unit L2 length.
func normalizeInPlace(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}

// cosineDistance computes 1 - cosine similarity for the flat-scan path.
func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
