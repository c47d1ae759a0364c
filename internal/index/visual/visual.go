// Package visual implements the optional visual-embedding track: frame ids
// paired with externally computed image/video embeddings (e.g. CLIP),
// searched the same way as the text vector index. Computing the embedding
// itself is out of scope (spec.md non-goal: "implementing a specific
// embedding model") — callers supply already-computed vectors.
package visual

import (
	"github.com/ashita-ai/memvid/internal/errs"
	"github.com/ashita-ai/memvid/internal/index/vector"
)

// Track wraps a flat vector index for visual embeddings.
type Track struct {
	idx *vector.Index
}

// Build constructs a visual track over dim-dimensional embeddings.
func Build(dim int, entries []vector.Entry) (*Track, error) {
	idx, err := vector.NewFlat(dim, entries)
	if err != nil {
		return nil, err
	}
	return &Track{idx: idx}, nil
}

// Search returns the topK nearest visual entries to query.
func (t *Track) Search(query []float32, topK int) ([]vector.Hit, error) {
	if t == nil || t.idx == nil {
		return nil, errs.ErrClipNotEnabled
	}
	return t.idx.Search(query, topK)
}

// Len returns the number of indexed embeddings, or 0 if the track is nil.
func (t *Track) Len() int {
	if t == nil || t.idx == nil {
		return 0
	}
	return t.idx.Len()
}

// Encode serializes the track using the vector package's flat-segment
// encoding.
func Encode(t *Track) ([]byte, error) {
	return vector.EncodeFlat(t.idx)
}

// Decode parses a visual-track segment.
func Decode(buf []byte) (*Track, error) {
	idx, err := vector.DecodeFlat(buf)
	if err != nil {
		return nil, err
	}
	return &Track{idx: idx}, nil
}
