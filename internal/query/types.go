// Package query implements the search planner described in spec.md §4.8: a
// sketch pre-filter combined with lexical and vector rankers, fused by
// Reciprocal Rank Fusion, then narrowed by temporal/replay/ACL filters.
//
// The planner operates over an engine.Snapshot rather than the engine
// itself — it never mutates, never takes the file lock, and can run
// concurrently with other read-only snapshots.
package query

import (
	"fmt"

	"github.com/ashita-ai/memvid/internal/errs"
)

// TemporalFilter narrows candidates to frames whose temporal anchor or
// mention falls in [From, To] (unix seconds, inclusive).
type TemporalFilter struct {
	From int64
	To   int64
}

// ACLContext is the caller's identity used to evaluate per-frame ACL
// metadata (spec.md §4.8 "ACL filtering").
type ACLContext struct {
	TenantID   string
	Principals []string
	Roles      []string
	Groups     []string
}

// Request is a search request, per spec.md §6 "Search request".
type Request struct {
	Query        string
	TopK         int
	SnippetChars int

	URI   string // exact-match filter
	Scope string // URI-prefix filter

	Cursor string

	Temporal *TemporalFilter

	// Replay view: keep only frames with ID <= AsOfFrame and/or
	// Timestamp <= AsOfTS.
	AsOfFrame *uint64
	AsOfTS    *int64

	// DateFrom/DateTo narrow by the time index (unix seconds).
	DateFrom *int64
	DateTo   *int64

	NoSketch bool

	// Embedding, when set, enables the vector ranker alongside lexical.
	Embedding []float32

	// GraphPredicate/GraphValue, when GraphPredicate is non-empty, narrow
	// candidates to frames whose memory-card entity carries that predicate
	// with that value (spec.md §8 scenario 7's graph filter). Predicate
	// extraction from natural language is the caller's job, same as
	// embedding computation; the planner only evaluates an already-resolved
	// predicate/value pair against the graph mesh.
	GraphPredicate string
	GraphValue     string

	ACL     *ACLContext
	ACLMode string // "audit" or "enforce"; defaults to "enforce"
}

// HitMetadata carries the per-hit fields spec.md §6 lists beyond the core
// rank/frame_id/uri/text tuple.
type HitMetadata struct {
	Tags         []string
	Labels       []string
	Track        string
	CreatedAt    int64
	ContentDates []string
	Entities     []string
	Extra        map[string]any
}

// Hit is one ranked, ACL-evaluated search result.
type Hit struct {
	Rank    int
	FrameID uint64
	URI     string
	Title   string

	Range [2]int // rune range of Text within the frame's search text
	Text  string

	ChunkRange *[2]int
	ChunkText  string

	Score float64

	// MatchedEntity is set when the hit was narrowed by a GraphPredicate
	// filter, naming the memory-card entity that satisfied it.
	MatchedEntity string

	Metadata HitMetadata

	// Denied is set in audit mode when the hit failed ACL evaluation but is
	// still returned; DenyReason explains why.
	Denied     bool
	DenyReason string
}

// Response is a search response, per spec.md §6 "Search response".
type Response struct {
	Query      string
	ElapsedMs  int64
	TotalHits  int
	Params     Request
	Hits       []Hit
	Context    string
	NextCursor string
	Engine     string // "lex", "vector", or "hybrid"
}

func newInvalidQuery(reason string) error {
	return fmt.Errorf("memvid: invalid query: %s: %w", reason, errs.ErrInvalidQuery)
}
