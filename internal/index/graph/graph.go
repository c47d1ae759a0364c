// Package graph implements the optional knowledge-graph / memory-card
// track: named entities, each carrying a slot map (e.g. "workplace" ->
// "Google"), linked back to the frames that mention them. This backs the
// Hybrid query plan's graph filter (spec.md §8 scenario 7: "who works at
// Google" resolving to entity alice via predicate workplace).
package graph

import (
	"encoding/json"
	"fmt"
	"sort"

	"lukechampine.com/blake3"

	"github.com/ashita-ai/memvid/internal/errs"
)

// Card is one memory card: an entity with a flat slot map, sourced from one
// or more frames.
type Card struct {
	Entity   string            `json:"entity"`
	Slots    map[string]string `json:"slots"`
	FrameIDs []uint64          `json:"frame_ids"`
}

// Mesh holds all memory cards for the optional graph feature.
type Mesh struct {
	cards map[string]*Card
}

// NewMesh returns an empty mesh.
func NewMesh() *Mesh {
	return &Mesh{cards: make(map[string]*Card)}
}

// Upsert merges slots into the named entity's card, creating it if absent,
// and records frameID as a source.
func (m *Mesh) Upsert(entity string, slots map[string]string, frameID uint64) {
	c, ok := m.cards[entity]
	if !ok {
		c = &Card{Entity: entity, Slots: make(map[string]string)}
		m.cards[entity] = c
	}
	for k, v := range slots {
		c.Slots[k] = v
	}
	for _, id := range c.FrameIDs {
		if id == frameID {
			return
		}
	}
	c.FrameIDs = append(c.FrameIDs, frameID)
}

// MatchPredicate returns entities whose slot map contains predicate with
// the given value (case-sensitive exact match), ordered by entity name for
// determinism.
func (m *Mesh) MatchPredicate(predicate, value string) []*Card {
	var out []*Card
	for _, c := range m.cards {
		if v, ok := c.Slots[predicate]; ok && v == value {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out
}

// Card returns the card for entity, or nil.
func (m *Mesh) Card(entity string) *Card {
	return m.cards[entity]
}

// Len returns the number of entities in the mesh.
func (m *Mesh) Len() int { return len(m.cards) }

// Encode serializes the mesh as a sorted-by-entity JSON array with a
// trailing BLAKE3 checksum, so encoding is deterministic across runs.
func Encode(m *Mesh) ([]byte, error) {
	cards := make([]*Card, 0, len(m.cards))
	for _, c := range m.cards {
		cards = append(cards, c)
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i].Entity < cards[j].Entity })

	body, err := json.Marshal(cards)
	if err != nil {
		return nil, fmt.Errorf("graph: marshal: %w", err)
	}
	sum := blake3.Sum256(body)
	return append(body, sum[:]...), nil
}

// Decode parses a mesh segment, verifying its trailing checksum.
func Decode(buf []byte) (*Mesh, error) {
	const checksumSize = 32
	if len(buf) < checksumSize {
		return nil, fmt.Errorf("graph: buffer too short: %w", errs.ErrInvalidToc)
	}
	body := buf[:len(buf)-checksumSize]
	trailer := buf[len(buf)-checksumSize:]

	sum := blake3.Sum256(body)
	for i := range sum {
		if sum[i] != trailer[i] {
			return nil, fmt.Errorf("graph: checksum mismatch: %w", errs.ErrInvalidToc)
		}
	}

	var cards []*Card
	if err := json.Unmarshal(body, &cards); err != nil {
		return nil, fmt.Errorf("graph: unmarshal: %w: %w", err, errs.ErrInvalidToc)
	}

	m := NewMesh()
	for _, c := range cards {
		m.cards[c.Entity] = c
	}
	return m, nil
}
