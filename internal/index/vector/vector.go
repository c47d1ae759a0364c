// Package vector implements the dense-vector index: an in-process flat
// (exact) index and an optional product-quantized (PQ) approximate index,
// per spec.md §4.5. There is no external ANN service — everything here
// runs against vectors held in the TOC-tracked segment bytes.
package vector

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"lukechampine.com/blake3"

	"github.com/ashita-ai/memvid/internal/errs"
)

// Kind selects the index structure.
type Kind string

const (
	KindFlat Kind = "flat"
	KindPQ   Kind = "pq"
)

// Entry pairs a frame id with its embedding.
type Entry struct {
	FrameID   uint64
	Embedding []float32
}

// Index holds vectors for exact or PQ search, depending on Kind.
type Index struct {
	kind Kind
	dim  int

	flat []Entry

	pq *pqModel
}

// NewFlat builds an exact flat index over entries, all of which must share
// dim-dimensional embeddings.
func NewFlat(dim int, entries []Entry) (*Index, error) {
	for _, e := range entries {
		if len(e.Embedding) != dim {
			return nil, &errs.VecDimensionMismatch{Expected: dim, Actual: len(e.Embedding)}
		}
	}
	return &Index{kind: KindFlat, dim: dim, flat: entries}, nil
}

// Dim returns the index's embedding dimension.
func (idx *Index) Dim() int { return idx.dim }

// Kind returns the index structure in use.
func (idx *Index) Kind() Kind { return idx.kind }

// Len returns the number of indexed vectors.
func (idx *Index) Len() int {
	if idx.kind == KindPQ {
		return len(idx.pq.codes)
	}
	return len(idx.flat)
}

// Hit is one scored search result.
type Hit struct {
	FrameID uint64
	Score   float32 // cosine similarity (flat) or negated squared distance (PQ); higher is better
}

// Search returns the topK nearest entries to query by cosine similarity.
func (idx *Index) Search(query []float32, topK int) ([]Hit, error) {
	if len(query) != idx.dim {
		return nil, &errs.VecDimensionMismatch{Expected: idx.dim, Actual: len(query)}
	}

	var hits []Hit
	switch idx.kind {
	case KindFlat:
		for _, e := range idx.flat {
			hits = append(hits, Hit{FrameID: e.FrameID, Score: cosine(query, e.Embedding)})
		}
	case KindPQ:
		hits = idx.pq.search(query)
	default:
		return nil, fmt.Errorf("vector: unknown index kind %q", idx.kind)
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func cosine(a, b []float32) float32 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// --- Flat segment encoding ---

const flatEntryHeaderSize = 8 // frame_id(8), embedding follows as dim*4 bytes

// EncodeFlat serializes a flat index to its on-disk segment bytes: a
// [dim u64][count u64] prefix, then count*(frame_id u64 + dim*float32 LE),
// then a trailing BLAKE3 checksum.
func EncodeFlat(idx *Index) ([]byte, error) {
	if idx.kind != KindFlat {
		return nil, fmt.Errorf("vector: EncodeFlat called on a %s index", idx.kind)
	}
	entrySize := flatEntryHeaderSize + idx.dim*4
	body := make([]byte, 16+len(idx.flat)*entrySize)
	binary.LittleEndian.PutUint64(body[0:], uint64(idx.dim))
	binary.LittleEndian.PutUint64(body[8:], uint64(len(idx.flat)))

	for i, e := range idx.flat {
		off := 16 + i*entrySize
		binary.LittleEndian.PutUint64(body[off:], e.FrameID)
		for j, v := range e.Embedding {
			binary.LittleEndian.PutUint32(body[off+flatEntryHeaderSize+j*4:], math.Float32bits(v))
		}
	}
	sum := blake3.Sum256(body)
	return append(body, sum[:]...), nil
}

// DecodeFlat parses a flat-index segment, verifying its trailing checksum.
func DecodeFlat(buf []byte) (*Index, error) {
	const checksumSize = 32
	if len(buf) < 16+checksumSize {
		return nil, fmt.Errorf("vector: buffer too short: %w", errs.ErrInvalidToc)
	}
	body := buf[:len(buf)-checksumSize]
	trailer := buf[len(buf)-checksumSize:]

	sum := blake3.Sum256(body)
	for i := range sum {
		if sum[i] != trailer[i] {
			return nil, fmt.Errorf("vector: checksum mismatch: %w", errs.ErrInvalidToc)
		}
	}

	dim := int(binary.LittleEndian.Uint64(body[0:]))
	count := int(binary.LittleEndian.Uint64(body[8:]))
	entrySize := flatEntryHeaderSize + dim*4
	want := 16 + count*entrySize
	if len(body) != want {
		return nil, fmt.Errorf("vector: declared count %d inconsistent with buffer length: %w", count, errs.ErrInvalidToc)
	}

	entries := make([]Entry, count)
	for i := range entries {
		off := 16 + i*entrySize
		embedding := make([]float32, dim)
		for j := range embedding {
			embedding[j] = math.Float32frombits(binary.LittleEndian.Uint32(body[off+flatEntryHeaderSize+j*4:]))
		}
		entries[i] = Entry{FrameID: binary.LittleEndian.Uint64(body[off:]), Embedding: embedding}
	}
	return &Index{kind: KindFlat, dim: dim, flat: entries}, nil
}
