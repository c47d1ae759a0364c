package vector

import (
	"math"

	"github.com/ashita-ai/memvid/internal/errs"
)

// pqModel is a product-quantized approximation: the embedding space is cut
// into subvectors, each subvector space gets its own small codebook (via a
// lightweight k-means), and every stored vector is replaced by the index of
// its nearest codebook entry per subspace. Search scores candidates against
// precomputed per-subspace distance tables rather than the original
// vectors, trading exactness for a constant, dimension-independent memory
// footprint per stored vector.
type pqModel struct {
	dim         int
	subvectors  int
	subDim      int
	codebookLen int
	codebooks   [][][]float32 // [subvector][code][subDim]
	codes       []pqCode
}

type pqCode struct {
	frameID uint64
	codes   []byte // one byte per subvector
}

// NewPQ trains a PQ index over entries, splitting each dim-dimensional
// embedding into subvectors subvectors-many pieces (dim must be divisible
// by subvectors) and training a codebookLen-entry codebook per subspace
// with a fixed number of Lloyd iterations.
func NewPQ(dim, subvectors, codebookLen int, entries []Entry) (*Index, error) {
	for _, e := range entries {
		if len(e.Embedding) != dim {
			return nil, &errs.VecDimensionMismatch{Expected: dim, Actual: len(e.Embedding)}
		}
	}
	if dim%subvectors != 0 {
		subvectors = gcdFit(dim, subvectors)
	}
	subDim := dim / subvectors

	m := &pqModel{
		dim:         dim,
		subvectors:  subvectors,
		subDim:      subDim,
		codebookLen: codebookLen,
	}
	m.train(entries)

	return &Index{kind: KindPQ, dim: dim, pq: m}, nil
}

// gcdFit finds the largest divisor of dim that is <= requested, falling
// back to 1 (no splitting) if none found, so training never panics on a
// misconfigured subvector count.
func gcdFit(dim, requested int) int {
	for d := requested; d >= 1; d-- {
		if dim%d == 0 {
			return d
		}
	}
	return 1
}

const pqTrainIterations = 8

func (m *pqModel) train(entries []Entry) {
	m.codebooks = make([][][]float32, m.subvectors)
	subspaceVectors := make([][][]float32, m.subvectors)

	for _, e := range entries {
		for s := 0; s < m.subvectors; s++ {
			start := s * m.subDim
			subspaceVectors[s] = append(subspaceVectors[s], e.Embedding[start:start+m.subDim])
		}
	}

	for s := 0; s < m.subvectors; s++ {
		m.codebooks[s] = kmeans(subspaceVectors[s], m.codebookLen, pqTrainIterations)
	}

	m.codes = make([]pqCode, 0, len(entries))
	for _, e := range entries {
		codes := make([]byte, m.subvectors)
		for s := 0; s < m.subvectors; s++ {
			start := s * m.subDim
			codes[s] = byte(nearestCentroid(e.Embedding[start:start+m.subDim], m.codebooks[s]))
		}
		m.codes = append(m.codes, pqCode{frameID: e.FrameID, codes: codes})
	}
}

// kmeans runs a small, fixed-iteration Lloyd's algorithm seeded from k
// input vectors spaced evenly through the input (or fewer, if there aren't
// k of them).
func kmeans(vectors [][]float32, k, iterations int) [][]float32 {
	if len(vectors) == 0 {
		return nil
	}
	if k > len(vectors) {
		k = len(vectors)
	}
	dim := len(vectors[0])

	centroids := make([][]float32, k)
	for i := 0; i < k; i++ {
		centroids[i] = append([]float32(nil), vectors[i*len(vectors)/k]...)
	}

	assignments := make([]int, len(vectors))
	for iter := 0; iter < iterations; iter++ {
		for i, v := range vectors {
			assignments[i] = nearestCentroid(v, centroids)
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for i := range sums {
			sums[i] = make([]float64, dim)
		}
		for i, v := range vectors {
			c := assignments[i]
			counts[c]++
			for d := 0; d < dim; d++ {
				sums[c][d] += float64(v[d])
			}
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				continue
			}
			next := make([]float32, dim)
			for d := 0; d < dim; d++ {
				next[d] = float32(sums[c][d] / float64(counts[c]))
			}
			centroids[c] = next
		}
	}
	return centroids
}

func nearestCentroid(v []float32, centroids [][]float32) int {
	best, bestDist := 0, math.MaxFloat64
	for i, c := range centroids {
		d := sqDist(v, c)
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func sqDist(a, b []float32) float64 {
	var sum float64
	for i := range a {
		diff := float64(a[i]) - float64(b[i])
		sum += diff * diff
	}
	return sum
}

// search scores every stored code against precomputed per-subspace distance
// tables built from the query, then negates the summed squared distance so
// that a higher score means a closer match.
func (m *pqModel) search(query []float32) []Hit {
	tables := make([][]float64, m.subvectors)
	for s := 0; s < m.subvectors; s++ {
		start := s * m.subDim
		sub := query[start : start+m.subDim]
		tables[s] = make([]float64, len(m.codebooks[s]))
		for c, centroid := range m.codebooks[s] {
			tables[s][c] = sqDist(sub, centroid)
		}
	}

	hits := make([]Hit, len(m.codes))
	for i, code := range m.codes {
		var dist float64
		for s, c := range code.codes {
			dist += tables[s][c]
		}
		hits[i] = Hit{FrameID: code.frameID, Score: float32(-dist)}
	}
	return hits
}
