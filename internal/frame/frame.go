// Package frame defines the addressable unit of stored content: a frame's
// metadata, lifecycle status, and canonical payload encoding. Frames
// themselves carry no behavior beyond small status-transition helpers — the
// mutation pipeline in internal/engine owns commit-time application.
package frame

// Role distinguishes a frame's place in the document/chunk/memory hierarchy.
type Role string

const (
	RoleDocument      Role = "document"
	RoleDocumentChunk Role = "document_chunk"
	RoleMemory        Role = "memory"
)

// Status tracks a frame's position in the Insert/Tombstone lifecycle.
type Status string

const (
	StatusActive     Status = "active"
	StatusSuperseded Status = "superseded"
	StatusDeleted    Status = "deleted"
)

// EnrichmentState records whether background enrichment (extraction,
// embedding, semantic rerank) has fully completed for a frame.
type EnrichmentState string

const (
	// EnrichmentEnriched means all enrichment work finished within budget.
	EnrichmentEnriched EnrichmentState = "enriched"
	// EnrichmentSearchable means the frame is indexed and queryable; it is
	// the state given to every frame whose text extracted without error.
	// Frames are not placed on the enrichment queue.
	EnrichmentSearchable EnrichmentState = "searchable"
	// EnrichmentFailed means enrichment was attempted and gave up (recovered
	// from original_source/: a terminal state distinct from "not yet done").
	EnrichmentFailed EnrichmentState = "failed"
)

// CanonicalEncoding identifies how a frame's stored payload bytes are
// compressed.
type CanonicalEncoding string

const (
	EncodingPlain CanonicalEncoding = "plain"
	EncodingZstd  CanonicalEncoding = "zstd"
)

// MediaManifest carries optional rich metadata for non-text payloads.
type MediaManifest struct {
	MIME       string `json:"mime,omitempty"`
	Caption    string `json:"caption,omitempty"`
	WidthPx    int    `json:"width_px,omitempty"`
	HeightPx   int    `json:"height_px,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// TemporalMention is one temporal anchor a frame's content refers to,
// covering [From, To] unix seconds (a point in time has From == To).
type TemporalMention struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// ChunkManifest links a Document frame to its child DocumentChunk frames.
type ChunkManifest struct {
	ChildIDs   []uint64 `json:"child_ids,omitempty"`
	ChunkCount int      `json:"chunk_count"`
}

// Frame is one addressable unit of stored content.
type Frame struct {
	ID        uint64 `json:"id"`
	Timestamp int64  `json:"timestamp"` // unix seconds

	Kind  string `json:"kind,omitempty"`
	Track string `json:"track,omitempty"`

	PayloadOffset uint64   `json:"payload_offset"`
	PayloadLength uint64   `json:"payload_length"`
	Checksum      [32]byte `json:"checksum"`

	URI   string `json:"uri,omitempty"`
	Title string `json:"title,omitempty"`

	CanonicalEncoding CanonicalEncoding `json:"canonical_encoding"`
	CanonicalLength   *uint64           `json:"canonical_length,omitempty"`

	Media *MediaManifest `json:"media,omitempty"`

	SearchText string            `json:"search_text,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	Labels     []string          `json:"labels,omitempty"`
	Extra      map[string]any    `json:"extra,omitempty"`
	ContentDates []string        `json:"content_dates,omitempty"`

	// Entities carries the memory-card slot maps this frame contributes,
	// keyed by entity name (e.g. "alice" -> {"workplace": "Google"}). Feeds
	// the optional knowledge-graph track.
	Entities map[string]map[string]string `json:"entities,omitempty"`

	// TemporalMentions carries the temporal anchors this frame's content
	// refers to. Feeds the optional temporal-mentions track.
	TemporalMentions []TemporalMention `json:"temporal_mentions,omitempty"`

	Chunks *ChunkManifest `json:"chunks,omitempty"`

	Role       Role    `json:"role"`
	ParentID   *uint64 `json:"parent_id,omitempty"`
	ChunkIndex *int    `json:"chunk_index,omitempty"`
	ChunkCount *int    `json:"chunk_count,omitempty"`

	Status        Status  `json:"status"`
	Supersedes    *uint64 `json:"supersedes,omitempty"`
	SupersededBy  *uint64 `json:"superseded_by,omitempty"`

	OriginalSourceSHA256 *[32]byte `json:"original_source_sha256,omitempty"`

	EnrichmentState EnrichmentState `json:"enrichment_state"`

	// Embedding holds the dense-vector representation when the vector index
	// is enabled; nil otherwise. Not part of the canonical payload bytes.
	Embedding []float32 `json:"embedding,omitempty"`

	// Sketch holds the compact SimHash fingerprint, when the sketch track is
	// enabled.
	Sketch *uint64 `json:"sketch,omitempty"`
}

// IsActive reports whether the frame currently participates in live indexes.
func (f *Frame) IsActive() bool {
	return f.Status == StatusActive
}

// Supersede transitions f to Superseded in favor of successorID.
func (f *Frame) Supersede(successorID uint64) {
	f.Status = StatusSuperseded
	f.SupersededBy = &successorID
}

// Tombstone transitions f to Deleted. Payload bytes are left in place; only
// vacuum physically reclaims them.
func (f *Frame) Tombstone() {
	f.Status = StatusDeleted
}

// EffectiveTimestamp returns the content-date-derived timestamp when present
// (parsed from ContentDates[0] by the caller), falling back to the ingestion
// Timestamp. Frame itself does not parse dates; callers pass the already
// resolved value when comparing for recency ranking.
func (f *Frame) EffectiveTimestamp(contentTimestamp *int64) int64 {
	if contentTimestamp != nil {
		return *contentTimestamp
	}
	return f.Timestamp
}
