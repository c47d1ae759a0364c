// Package ask implements the Ask flow from spec.md §4.8: search composed
// with optional semantic reranking and answer-citation assembly.
package ask

import "github.com/ashita-ai/memvid/internal/query"

// Mode selects which ranker(s) drive the final ordering.
type Mode string

const (
	ModeLex    Mode = "lex"
	ModeSem    Mode = "sem"
	ModeHybrid Mode = "hybrid"
)

// Request is an Ask request, per spec.md §6 "Ask request/response".
type Request struct {
	Query       string
	Mode        Mode
	ContextOnly bool

	TopK         int
	SnippetChars int

	Temporal *query.TemporalFilter

	AsOfFrame *uint64
	AsOfTS    *int64

	// GraphPredicate/GraphValue pass an already-resolved memory-card
	// predicate through to the underlying Search (query.Request's field of
	// the same name), for the Hybrid pattern-plus-vector flow.
	GraphPredicate string
	GraphValue     string

	ACL     *query.ACLContext
	ACLMode string
}

// Citation is one 1-indexed answer citation.
type Citation struct {
	Rank       int
	FrameID    uint64
	URI        string
	ChunkRange *[2]int
	Score      float64
}

// ContextFragment is one piece of retrieved text offered as answer context.
type ContextFragment struct {
	Text  string
	Range [2]int
}

// Stats carries the Ask flow's timing breakdown.
type Stats struct {
	RetrievalMs int64
	SynthesisMs int64
	LatencyMs   int64
}

// Response is an Ask response: the underlying search response plus
// citations, context fragments, an optional synthesized answer, and stats.
type Response struct {
	Search query.Response

	Citations        []Citation
	ContextFragments []ContextFragment
	Answer           *string

	Stats Stats
}
