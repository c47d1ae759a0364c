package memvid

// Role mirrors frame.Role for the public API: the frame's place in the
// document/chunk/memory hierarchy.
type Role string

const (
	RoleDocument      Role = "document"
	RoleDocumentChunk Role = "document_chunk"
	RoleMemory        Role = "memory"
)

// MediaManifest carries optional rich metadata for non-text payloads.
type MediaManifest struct {
	MIME       string
	Caption    string
	WidthPx    int
	HeightPx   int
	DurationMs int64
}

// TemporalMention is one temporal anchor a frame's content refers to,
// covering [From, To] unix seconds (a point in time has From == To).
type TemporalMention struct {
	From int64
	To   int64
}

// Encoding identifies how Payload bytes should be stored: "plain" or
// "zstd". Empty defaults to "plain".
type Encoding string

const (
	EncodingPlain Encoding = "plain"
	EncodingZstd  Encoding = "zstd"
)

// PutInput describes a new frame to insert. It is a curated view of
// internal/engine.PutInput for use across the public API boundary.
type PutInput struct {
	URI   string
	Title string

	Payload  []byte
	Encoding Encoding

	Role       Role
	ParentID   *uint64
	ChunkIndex *int
	ChunkCount *int

	SearchText   string
	Tags         []string
	Labels       []string
	Extra        map[string]any
	ContentDates []string
	Media        *MediaManifest

	// Entities attaches memory-card slot maps this frame contributes to
	// the optional knowledge-graph track, keyed by entity name.
	Entities map[string]map[string]string
	// TemporalMentions attaches temporal anchors this frame's content
	// refers to, for the optional temporal-mentions track.
	TemporalMentions []TemporalMention

	Embedding     []float32
	// EmbeddingModel names the model that produced Embedding. The first
	// Put/Update call in a file's lifetime binds the vector index to this
	// name; every later call naming a different model is a hard
	// ModelMismatch error rather than a silently-accepted embedding (per
	// the original's set_vec_model, which treats a rebind as a programmer
	// error, not a warning).
	EmbeddingModel string
	ComputeSketch  bool

	Timestamp int64

	// ReusePayloadFrom, when set, makes this insert a metadata-only update:
	// the new frame inherits the named source frame's stored payload bytes
	// instead of writing Payload fresh. Payload is ignored when this is set.
	ReusePayloadFrom *uint64
}

// CommitResult reports what a Commit call applied. FrameIDs maps each
// staged WAL sequence number (insert operations only) to the frame ID it
// was assigned.
type CommitResult struct {
	Generation   uint64
	FrameIDs     map[uint64]uint64
	BytesWritten int64
}

// Stats summarizes the current state of an open memory file.
type Stats struct {
	FrameCount       int
	HasTimeIndex     bool
	HasLexIndex      bool
	HasVectorIndex   bool
	HasSketchTrack   bool
	HasTemporalTrack bool
	HasGraphMesh     bool
	HasVisualTrack   bool
	WalPendingBytes  int64
	WalSequence      uint64
	Generation       uint64
}

// TemporalFilter narrows candidates to frames whose temporal anchor or
// mention falls in [From, To] (unix seconds, inclusive).
type TemporalFilter struct {
	From int64
	To   int64
}

// ACLContext is the caller's identity used to evaluate per-frame ACL
// metadata.
type ACLContext struct {
	TenantID   string
	Principals []string
	Roles      []string
	Groups     []string
}

// SearchRequest is a search request, per spec.md §6 "Search request".
type SearchRequest struct {
	Query        string
	TopK         int
	SnippetChars int

	URI   string
	Scope string

	Cursor string

	Temporal *TemporalFilter

	AsOfFrame *uint64
	AsOfTS    *int64

	DateFrom *int64
	DateTo   *int64

	NoSketch bool

	Embedding []float32

	// GraphPredicate/GraphValue, when GraphPredicate is non-empty, narrow
	// candidates to frames whose memory-card entity carries that predicate
	// with that value.
	GraphPredicate string
	GraphValue     string

	ACL     *ACLContext
	ACLMode string // "audit" or "enforce"; defaults to "enforce"
}

// HitMetadata carries the per-hit fields beyond the core rank/frame_id/
// uri/text tuple.
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

	Range [2]int
	Text  string

	ChunkRange *[2]int
	ChunkText  string

	Score float64

	MatchedEntity string

	Metadata HitMetadata

	Denied     bool
	DenyReason string
}

// SearchResponse is a search response, per spec.md §6 "Search response".
type SearchResponse struct {
	Query      string
	ElapsedMs  int64
	TotalHits  int
	Params     SearchRequest
	Hits       []Hit
	Context    string
	NextCursor string
	Engine     string
}

// AskMode selects which ranker(s) drive the final ordering in an Ask call.
type AskMode string

const (
	AskModeLex    AskMode = "lex"
	AskModeSem    AskMode = "sem"
	AskModeHybrid AskMode = "hybrid"
)

// AskRequest is an Ask request, per spec.md §6 "Ask request/response".
type AskRequest struct {
	Query       string
	Mode        AskMode
	ContextOnly bool

	TopK         int
	SnippetChars int

	Temporal *TemporalFilter

	AsOfFrame *uint64
	AsOfTS    *int64

	GraphPredicate string
	GraphValue     string

	ACL     *ACLContext
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

// AskStats carries the Ask flow's timing breakdown.
type AskStats struct {
	RetrievalMs int64
	SynthesisMs int64
	LatencyMs   int64
}

// AskResponse is an Ask response: the underlying search response plus
// citations, context fragments, an optional synthesized answer, and stats.
type AskResponse struct {
	Search SearchResponse

	Citations        []Citation
	ContextFragments []ContextFragment
	Answer           *string

	Stats AskStats
}

// DoctorFindingCode names one repair-probe result.
type DoctorFindingCode string

// DoctorPhase names one of the six ordered repair phases.
type DoctorPhase string

// DoctorFinding is one probe result, with whatever detail explains it.
type DoctorFinding struct {
	Code   DoctorFindingCode
	Detail map[string]any
}

// DoctorAction is one scheduled repair step within a phase.
type DoctorAction struct {
	Phase    DoctorPhase
	Findings []DoctorFindingCode
	Detail   map[string]any
}

// DoctorPlan is the full set of scheduled repair actions, dry-run-able and
// auditable.
type DoctorPlan struct {
	Actions  []DoctorAction
	Findings []DoctorFinding
	Err      error
}

// NeedsRepair reports whether the plan scheduled any action at all.
func (p DoctorPlan) NeedsRepair() bool { return len(p.Actions) > 0 }

// DoctorPhaseResult records one executed repair phase's outcome and duration.
type DoctorPhaseResult struct {
	Phase      DoctorPhase
	DurationMs int64
	Err        error
}

// DoctorReport is the result of applying a DoctorPlan.
type DoctorReport struct {
	Phases         []DoctorPhaseResult
	HeaderRestored bool
	Err            error
}
