package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/memvid/internal/errs"
	"github.com/ashita-ai/memvid/internal/format/footer"
	"github.com/ashita-ai/memvid/internal/format/header"
	"github.com/ashita-ai/memvid/internal/frame"
	"github.com/ashita-ai/memvid/internal/index/graph"
	"github.com/ashita-ai/memvid/internal/index/lex"
	"github.com/ashita-ai/memvid/internal/index/sketch"
	"github.com/ashita-ai/memvid/internal/index/temporal"
	"github.com/ashita-ai/memvid/internal/index/timeindex"
	"github.com/ashita-ai/memvid/internal/index/vector"
	"github.com/ashita-ai/memvid/internal/index/visual"
	"github.com/ashita-ai/memvid/internal/toc"
	"github.com/ashita-ai/memvid/internal/wal"
)

// appendWAL appends payload to the WAL, growing the embedded WAL region
// (doubling, then shifting every downstream offset) if the region is too
// full to hold it without overwriting uncheckpointed bytes, per spec.md
// §4.3 ("the WAL grows by doubling when it cannot wrap without clobbering
// pending entries").
func (e *Engine) appendWAL(payload []byte) (uint64, error) {
	seq, err := e.w.AppendEntry(payload)
	if err != nil && errors.Is(err, errs.ErrWalFull) {
		if growErr := e.growWAL(int64(wal.HeaderSize + len(payload))); growErr != nil {
			return 0, growErr
		}
		seq, err = e.w.AppendEntry(payload)
	}
	return seq, err
}

// growWAL doubles the WAL region (at least enough to fit minBytes) by
// physically shifting every byte currently stored after the WAL region
// (payloads, index segments, TOC, footer) forward in the file, then
// updates every absolute offset those bytes are addressed by: frame
// payload offsets, segment catalog offsets, dataEnd/footerOffset, and the
// header's own pointers. The WAL instance is then reopened against the
// resized region; its existing entries occupy the same region-relative
// offsets as before, so the rescan is a no-op beyond recognizing more
// trailing free space.
func (e *Engine) growWAL(minBytes int64) error {
	newSize := e.hdr.WalSize * 2
	for newSize < e.hdr.WalSize+uint64(minBytes) {
		newSize *= 2
	}
	shift := newSize - e.hdr.WalSize

	info, err := e.file.Stat()
	if err != nil {
		return fmt.Errorf("engine: grow wal: stat: %w", err)
	}
	oldDataStart := int64(e.hdr.WalOffset + e.hdr.WalSize)
	tailLen := info.Size() - oldDataStart
	if tailLen < 0 {
		tailLen = 0
	}

	tail := make([]byte, tailLen)
	if tailLen > 0 {
		if _, err := e.file.ReadAt(tail, oldDataStart); err != nil {
			return fmt.Errorf("engine: grow wal: read tail: %w", err)
		}
	}
	if err := e.file.Truncate(info.Size() + int64(shift)); err != nil {
		return fmt.Errorf("engine: grow wal: truncate: %w", err)
	}
	if tailLen > 0 {
		if _, err := e.file.WriteAt(tail, oldDataStart+int64(shift)); err != nil {
			return fmt.Errorf("engine: grow wal: write tail: %w", err)
		}
	}

	for i := range e.toc.Frames {
		if e.toc.Frames[i].PayloadLength > 0 {
			e.toc.Frames[i].PayloadOffset += shift
		}
	}
	for kind, segs := range e.toc.Segments {
		for i := range segs {
			segs[i].Offset += shift
		}
		e.toc.Segments[kind] = segs
	}

	e.dataEnd += shift
	e.footerOffset += shift
	e.hdr.WalSize = newSize
	e.hdr.FooterOffset += shift

	if err := e.w.Close(); err != nil {
		return fmt.Errorf("engine: grow wal: close old wal: %w", err)
	}
	w, err := wal.Open(e.file, e.hdr, wal.Options{
		BatchSyncInterval: e.cfg.WALBatchSyncInterval,
		Logger:            e.logger,
	})
	if err != nil {
		return fmt.Errorf("engine: grow wal: reopen: %w", err)
	}
	e.w = w

	return header.WriteAt(e.file, e.hdr)
}

type opKind string

const (
	opInsert    opKind = "insert"
	opTombstone opKind = "tombstone"
	opTicket    opKind = "ticket"
)

// walRecord is the JSON body of every WAL entry this engine writes,
// mirroring the teacher's preference for JSON-bodied WAL payloads
// (internal/service/trace/wal.go) rather than a packed binary mutation
// format.
type walRecord struct {
	Op opKind `json:"op"`

	// Insert fields.
	Frame   frame.Frame `json:"frame,omitempty"`
	Payload []byte      `json:"payload,omitempty"`

	// Tombstone / supersede fields.
	TargetID   uint64  `json:"target_id,omitempty"`
	Supersedes *uint64 `json:"supersedes,omitempty"`

	// ReusePayloadFrom names a source frame whose (offset, length,
	// checksum) this insert should inherit instead of writing a fresh
	// payload, for metadata-only updates (spec.md §3/§4.5 step 3).
	ReusePayloadFrom *uint64 `json:"reuse_payload_from,omitempty"`

	// ParentSequence names the WAL sequence number of this record's parent
	// Document frame, for a DocumentChunk record staged in the same batch
	// as its parent (spec.md §4.5 step 8). The parent has no frame ID yet
	// at staging time, only a WAL sequence; commitLocked resolves this into
	// Frame.ParentID once the parent's frame ID is known.
	ParentSequence *uint64 `json:"parent_sequence,omitempty"`

	// Ticket fields.
	TicketToken string `json:"ticket_token,omitempty"`
}

func encodeWALRecord(rec walRecord) ([]byte, error) {
	buf, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("engine: marshal wal record: %w", err)
	}
	return buf, nil
}

func decodeWALRecord(buf []byte) (walRecord, error) {
	var rec walRecord
	if err := json.Unmarshal(buf, &rec); err != nil {
		return walRecord{}, fmt.Errorf("engine: unmarshal wal record: %w", err)
	}
	return rec, nil
}

// PutInput describes a new frame to insert.
type PutInput struct {
	URI   string
	Title string

	Payload           []byte
	CanonicalEncoding frame.CanonicalEncoding

	Role       frame.Role
	ParentID   *uint64
	ChunkIndex *int
	ChunkCount *int

	SearchText   string
	Tags         []string
	Labels       []string
	Extra        map[string]any
	ContentDates []string
	Media        *frame.MediaManifest

	// Entities attaches memory-card slot maps this frame contributes to the
	// optional knowledge-graph track, keyed by entity name.
	Entities map[string]map[string]string
	// TemporalMentions attaches temporal anchors this frame's content refers
	// to, for the optional temporal-mentions track.
	TemporalMentions []frame.TemporalMention

	Embedding []float32
	// EmbeddingModel names the model that produced Embedding. See
	// toc.TOC.VectorModel.
	EmbeddingModel string
	ComputeSketch  bool

	Timestamp int64

	// ReusePayloadFrom, when set, makes this insert a metadata-only update:
	// the new frame inherits the named source frame's (offset, length,
	// checksum) at commit time instead of writing Payload. Payload is
	// ignored when this is set.
	ReusePayloadFrom *uint64
}

// extractSearchText derives indexable text from a raw payload when the
// caller supplied none: valid UTF-8 is used as-is, and invalid UTF-8 falls
// through to a lossy passthrough decode, reporting that extraction failed
// (recovered from original_source/'s reader fallback path: extraction
// failure never blocks ingestion, it only degrades enrichment).
func extractSearchText(payload []byte) (text string, failed bool) {
	if utf8.Valid(payload) {
		return string(payload), false
	}
	return strings.ToValidUTF8(string(payload), "�"), true
}

func (in PutInput) toFrame() frame.Frame {
	searchText := in.SearchText
	enrichState := frame.EnrichmentSearchable
	if searchText == "" && len(in.Payload) > 0 {
		var failed bool
		searchText, failed = extractSearchText(in.Payload)
		if failed {
			enrichState = frame.EnrichmentFailed
		}
	}

	f := frame.Frame{
		Timestamp:         in.Timestamp,
		URI:               in.URI,
		Title:             in.Title,
		CanonicalEncoding: in.CanonicalEncoding,
		Role:              in.Role,
		ParentID:          in.ParentID,
		ChunkIndex:        in.ChunkIndex,
		ChunkCount:        in.ChunkCount,
		SearchText:        searchText,
		Tags:              in.Tags,
		Labels:            in.Labels,
		Extra:             in.Extra,
		ContentDates:      in.ContentDates,
		Media:             in.Media,
		Entities:          in.Entities,
		TemporalMentions:  in.TemporalMentions,
		Embedding:         in.Embedding,
		Status:            frame.StatusActive,
		EnrichmentState:   enrichState,
	}
	if in.Role == "" {
		f.Role = frame.RoleDocument
	}
	if f.CanonicalEncoding == "" {
		f.CanonicalEncoding = frame.EncodingPlain
	}
	if in.ComputeSketch {
		s := sketch.Compute(searchText)
		f.Sketch = &s
	}
	return f
}

// defaultChunkMaxBytes bounds a single chunk's text, loosely grounded on
// original_source/'s XLSX chunker DEFAULT_MAX_CHUNK_CHARS=1200 (the only
// chunk-size precedent in the original; this splitter is prose-oriented
// rather than row-aligned, spec.md §4.5 step 5 applying to general text).
const defaultChunkMaxBytes = 1200

// defaultChunkMinBytes is the threshold below which a payload is never
// split, per spec.md §4.5 step 5 ("exceeds a minimum size").
const defaultChunkMinBytes = 2 * defaultChunkMaxBytes

// ChunkPlan is one chunk PlanChunks decided on: its position among
// siblings and its text.
type ChunkPlan struct {
	Index int
	Text  string
}

// PlanChunks decides whether text needs to be split and, if so, returns its
// chunks in order. Returns nil when text is short enough to stay a single
// frame. Splits prefer a paragraph boundary ("\n\n"), then a line boundary
// ("\n"), falling back to the nearest rune boundary at or before maxBytes
// so a chunk is never cut mid-rune.
func PlanChunks(text string, maxBytes int) []ChunkPlan {
	if maxBytes <= 0 {
		maxBytes = defaultChunkMaxBytes
	}
	if len(text) < defaultChunkMinBytes || len(text) <= maxBytes {
		return nil
	}

	var plans []ChunkPlan
	remaining := text
	for len(remaining) > maxBytes {
		cut := chunkBoundary(remaining, maxBytes)
		plans = append(plans, ChunkPlan{Index: len(plans), Text: remaining[:cut]})
		remaining = remaining[cut:]
	}
	if len(remaining) > 0 {
		plans = append(plans, ChunkPlan{Index: len(plans), Text: remaining})
	}
	return plans
}

// chunkBoundary finds where to cut text (at most maxBytes long) preferring
// "\n\n", then "\n", then the nearest rune boundary.
func chunkBoundary(text string, maxBytes int) int {
	window := text
	if len(window) > maxBytes {
		window = window[:maxBytes]
	}
	if i := strings.LastIndex(window, "\n\n"); i > 0 {
		return i + 2
	}
	if i := strings.LastIndex(window, "\n"); i > 0 {
		return i + 1
	}
	cut := len(window)
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	if cut == 0 {
		cut = len(window)
	}
	return cut
}

// PreviewChunks exposes PlanChunks as a dry run (spec.md §4.5 step 5's
// preview_chunks): the chunk texts that a Put/PutChunked call would produce,
// without staging anything.
func PreviewChunks(text string) []string {
	plans := PlanChunks(text, defaultChunkMaxBytes)
	out := make([]string, len(plans))
	for i, p := range plans {
		out[i] = p.Text
	}
	return out
}

// Put stages an insert through the WAL and returns its WAL sequence number.
// The frame is not assigned an ID, and the payload is not written to the
// payload region, until Commit applies it.
func (e *Engine) Put(_ context.Context, in PutInput) (uint64, error) {
	if e.readOnly {
		return 0, errs.ErrWalReadOnly
	}
	if in.Embedding != nil && e.vecIndex != nil && len(in.Embedding) != e.vecIndex.Dim() {
		return 0, &errs.VecDimensionMismatch{Expected: e.vecIndex.Dim(), Actual: len(in.Embedding)}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if in.EmbeddingModel != "" {
		if e.toc.VectorModel == "" {
			e.toc.VectorModel = in.EmbeddingModel
		} else if e.toc.VectorModel != in.EmbeddingModel {
			return 0, fmt.Errorf("engine: embedding model %q does not match index model %q: %w", in.EmbeddingModel, e.toc.VectorModel, errs.ErrModelMismatch)
		}
	}

	// spec.md §4.5 step 2: dedup identical payload bytes against existing
	// active frames before staging a fresh insert.
	if in.ReusePayloadFrom == nil && len(in.Payload) > 0 {
		if dupID, ok := e.payloadHashIndex[BlakeSum(in.Payload)]; ok {
			in.ReusePayloadFrom = &dupID
		}
	}

	rec := walRecord{Op: opInsert, Frame: in.toFrame(), Payload: in.Payload, ReusePayloadFrom: in.ReusePayloadFrom}
	buf, err := encodeWALRecord(rec)
	if err != nil {
		return 0, err
	}
	seq, err := e.appendWAL(buf)
	if err != nil {
		return 0, err
	}
	e.pending = append(e.pending, pendingRecord{seq: seq, record: rec})
	e.dirty = true
	return seq, nil
}

// PutChunked stages in as either a single frame (when its text is short
// enough) or a parent Document frame plus one DocumentChunk frame per chunk
// PlanChunks produces (spec.md §4.5 steps 5/7/8). Returns every staged WAL
// sequence number, parent first when chunked. Every chunk embedding (if
// in.Embedding is supplied per-chunk by a future caller) is subject to the
// same dimension check Put applies; PutChunked itself only carries one
// embedding, attached to the parent.
func (e *Engine) PutChunked(_ context.Context, in PutInput) ([]uint64, error) {
	if e.readOnly {
		return nil, errs.ErrWalReadOnly
	}

	text := in.SearchText
	if text == "" {
		text, _ = extractSearchText(in.Payload)
	}
	plans := PlanChunks(text, defaultChunkMaxBytes)
	if len(plans) == 0 {
		seq, err := e.Put(context.Background(), in)
		if err != nil {
			return nil, err
		}
		return []uint64{seq}, nil
	}

	if in.Embedding != nil && e.vecIndex != nil && len(in.Embedding) != e.vecIndex.Dim() {
		return nil, &errs.VecDimensionMismatch{Expected: e.vecIndex.Dim(), Actual: len(in.Embedding)}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if in.EmbeddingModel != "" {
		if e.toc.VectorModel == "" {
			e.toc.VectorModel = in.EmbeddingModel
		} else if e.toc.VectorModel != in.EmbeddingModel {
			return nil, fmt.Errorf("engine: embedding model %q does not match index model %q: %w", in.EmbeddingModel, e.toc.VectorModel, errs.ErrModelMismatch)
		}
	}

	parentIn := in
	parentIn.SearchText = text
	parentFrame := parentIn.toFrame()
	chunkCount := len(plans)
	parentFrame.Chunks = &frame.ChunkManifest{ChunkCount: chunkCount}

	parentRec := walRecord{Op: opInsert, Frame: parentFrame, Payload: in.Payload, ReusePayloadFrom: in.ReusePayloadFrom}
	buf, err := encodeWALRecord(parentRec)
	if err != nil {
		return nil, err
	}
	parentSeq, err := e.appendWAL(buf)
	if err != nil {
		return nil, err
	}
	e.pending = append(e.pending, pendingRecord{seq: parentSeq, record: parentRec})
	seqs := []uint64{parentSeq}

	for _, p := range plans {
		idx, count := p.Index, chunkCount
		childIn := PutInput{
			URI:        in.URI,
			Title:      in.Title,
			Role:       frame.RoleDocumentChunk,
			SearchText: p.Text,
			Tags:       in.Tags,
			Labels:     in.Labels,
			Extra:      in.Extra,
			Timestamp:  in.Timestamp,
		}
		childFrame := childIn.toFrame()
		childFrame.ChunkIndex = &idx
		childFrame.ChunkCount = &count

		childRec := walRecord{Op: opInsert, Frame: childFrame, ParentSequence: &parentSeq}
		buf, err := encodeWALRecord(childRec)
		if err != nil {
			return nil, err
		}
		seq, err := e.appendWAL(buf)
		if err != nil {
			return nil, err
		}
		e.pending = append(e.pending, pendingRecord{seq: seq, record: childRec})
		seqs = append(seqs, seq)
	}

	e.dirty = true
	return seqs, nil
}

// Update stages a new frame that supersedes an existing one, through the
// same WAL-staged path as Put.
func (e *Engine) Update(ctx context.Context, supersedes uint64, in PutInput) (uint64, error) {
	if e.readOnly {
		return 0, errs.ErrWalReadOnly
	}

	e.mu.Lock()
	if in.EmbeddingModel != "" {
		if e.toc.VectorModel == "" {
			e.toc.VectorModel = in.EmbeddingModel
		} else if e.toc.VectorModel != in.EmbeddingModel {
			e.mu.Unlock()
			return 0, fmt.Errorf("engine: embedding model %q does not match index model %q: %w", in.EmbeddingModel, e.toc.VectorModel, errs.ErrModelMismatch)
		}
	}
	f := in.toFrame()
	f.Supersedes = &supersedes
	rec := walRecord{Op: opInsert, Frame: f, Payload: in.Payload, Supersedes: &supersedes, ReusePayloadFrom: in.ReusePayloadFrom}
	buf, err := encodeWALRecord(rec)
	if err != nil {
		e.mu.Unlock()
		return 0, err
	}
	seq, err := e.appendWAL(buf)
	if err != nil {
		e.mu.Unlock()
		return 0, err
	}
	e.pending = append(e.pending, pendingRecord{seq: seq, record: rec})
	e.dirty = true
	e.mu.Unlock()
	return seq, nil
}

// Delete stages a tombstone for frameID.
func (e *Engine) Delete(_ context.Context, frameID uint64) (uint64, error) {
	if e.readOnly {
		return 0, errs.ErrWalReadOnly
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rec := walRecord{Op: opTombstone, TargetID: frameID}
	buf, err := encodeWALRecord(rec)
	if err != nil {
		return 0, err
	}
	seq, err := e.appendWAL(buf)
	if err != nil {
		return 0, err
	}
	e.pending = append(e.pending, pendingRecord{seq: seq, record: rec})
	e.dirty = true
	return seq, nil
}

// ApplyTicket stages a capacity-ticket update.
func (e *Engine) ApplyTicket(_ context.Context, tokenStr string) (uint64, error) {
	if e.readOnly {
		return 0, errs.ErrWalReadOnly
	}
	if e.ticketMgr == nil {
		return 0, errs.ErrTicketRequired
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rec := walRecord{Op: opTicket, TicketToken: tokenStr}
	buf, err := encodeWALRecord(rec)
	if err != nil {
		return 0, err
	}
	seq, err := e.appendWAL(buf)
	if err != nil {
		return 0, err
	}
	e.pending = append(e.pending, pendingRecord{seq: seq, record: rec})
	return seq, nil
}

// CommitResult reports the outcome of a commit.
type CommitResult struct {
	Generation   uint64
	FrameIDs     map[uint64]uint64 // WAL sequence -> assigned frame id (inserts only)
	BytesWritten int64
}

// Commit applies every staged WAL record to the in-memory TOC and indexes,
// rewrites the updated index segments and TOC, checkpoints the WAL, and
// fsyncs. It is the only place frame IDs are assigned.
func (e *Engine) Commit(ctx context.Context) (CommitResult, error) {
	if e.readOnly {
		return CommitResult{}, errs.ErrWalReadOnly
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.commitLocked(ctx)
}

func (e *Engine) commitLocked(ctx context.Context) (CommitResult, error) {
	if len(e.pending) == 0 {
		return CommitResult{Generation: e.generation}, nil
	}

	frameIDs := make(map[uint64]uint64, len(e.pending))
	startOffset := e.dataEnd

	if e.toc.Ticket.CapacityBytes > 0 {
		var required uint64
		for _, pr := range e.pending {
			if pr.record.Op == opInsert && pr.record.ReusePayloadFrom == nil {
				required += uint64(len(pr.record.Payload))
			}
		}
		payloadStart := e.hdr.WalOffset + e.hdr.WalSize
		current := e.dataEnd - payloadStart
		if current+required > e.toc.Ticket.CapacityBytes {
			return CommitResult{}, &errs.CapacityExceeded{Current: current, Limit: e.toc.Ticket.CapacityBytes, Required: required}
		}
	}

	for _, pr := range e.pending {
		switch pr.record.Op {
		case opInsert:
			f := pr.record.Frame
			f.ID = uint64(len(e.toc.Frames))

			if pr.record.ReusePayloadFrom != nil {
				src := e.frameByID(*pr.record.ReusePayloadFrom)
				if src == nil {
					return CommitResult{}, &errs.InvalidFrame{FrameID: *pr.record.ReusePayloadFrom, Reason: "reuse_payload_from: source frame not found"}
				}
				f.PayloadOffset = src.PayloadOffset
				f.PayloadLength = src.PayloadLength
				f.Checksum = src.Checksum
			} else {
				f.PayloadOffset = e.dataEnd
				f.PayloadLength = uint64(len(pr.record.Payload))
				f.Checksum = BlakeSum(pr.record.Payload)

				if _, err := e.file.WriteAt(pr.record.Payload, int64(e.dataEnd)); err != nil {
					return CommitResult{}, fmt.Errorf("engine: write payload: %w", err)
				}
				e.dataEnd += f.PayloadLength
			}

			if pr.record.Supersedes != nil {
				if prev := e.frameByID(*pr.record.Supersedes); prev != nil {
					prev.Supersede(f.ID)
				}
			}

			if pr.record.ParentSequence != nil && f.ParentID == nil {
				if pid, ok := frameIDs[*pr.record.ParentSequence]; ok {
					f.ParentID = &pid
				}
			}

			e.toc.Frames = append(e.toc.Frames, f)
			frameIDs[pr.seq] = f.ID

			if f.ParentID != nil {
				if parent := e.frameByID(*f.ParentID); parent != nil && parent.Chunks != nil {
					parent.Chunks.ChildIDs = append(parent.Chunks.ChildIDs, f.ID)
				}
			}

		case opTombstone:
			if f := e.frameByID(pr.record.TargetID); f != nil {
				f.Tombstone()
			}

		case opTicket:
			if e.ticketMgr == nil {
				return CommitResult{}, errs.ErrTicketRequired
			}
			applied, err := e.ticketMgr.Apply(pr.record.TicketToken, e.toc.Ticket)
			if err != nil {
				return CommitResult{}, err
			}
			if applied.SeqNo <= e.toc.Ticket.SeqNo {
				return CommitResult{}, &errs.TicketSequence{Issuer: applied.Issuer, Seq: applied.SeqNo, CurrentSeq: e.toc.Ticket.SeqNo}
			}
			e.toc.Ticket = applied

		default:
			return CommitResult{}, fmt.Errorf("engine: unknown wal record op %q", pr.record.Op)
		}
	}

	e.linkOrphanChunks(frameIDs)

	if err := e.rebuildIndexes(ctx); err != nil {
		return CommitResult{}, err
	}

	if err := e.writeSegments(); err != nil {
		return CommitResult{}, err
	}

	e.generation++
	if err := e.writeTocAndFooter(); err != nil {
		return CommitResult{}, err
	}

	e.w.RecordCheckpoint(&e.hdr)
	if err := header.WriteAt(e.file, e.hdr); err != nil {
		return CommitResult{}, err
	}
	if err := e.file.Sync(); err != nil {
		return CommitResult{}, fmt.Errorf("engine: sync: %w", err)
	}

	e.pending = nil
	e.dirty = false

	return CommitResult{
		Generation:   e.generation,
		FrameIDs:     frameIDs,
		BytesWritten: int64(e.dataEnd - startOffset),
	}, nil
}

func (e *Engine) frameByID(id uint64) *frame.Frame {
	for i := range e.toc.Frames {
		if e.toc.Frames[i].ID == id {
			return &e.toc.Frames[i]
		}
	}
	return nil
}

// linkOrphanChunks is the second walk spec.md §9 names: a DocumentChunk
// frame committed in this batch whose ParentSequence didn't resolve (its
// parent was committed in an earlier generation, or it was staged without
// one at all) gets linked to the nearest preceding Active Document frame
// that carries a chunk manifest, rather than left with no parent at all.
// IDs are dense and equal to slice index, so "preceding" is a backward scan.
func (e *Engine) linkOrphanChunks(frameIDs map[uint64]uint64) {
	for _, id := range frameIDs {
		f := &e.toc.Frames[id]
		if f.Role != frame.RoleDocumentChunk || f.ParentID != nil {
			continue
		}
		for i := int(id) - 1; i >= 0; i-- {
			cand := &e.toc.Frames[i]
			if cand.Role == frame.RoleDocument && cand.Chunks != nil && cand.IsActive() {
				pid := cand.ID
				f.ParentID = &pid
				cand.Chunks.ChildIDs = append(cand.Chunks.ChildIDs, f.ID)
				break
			}
		}
	}
}

// rebuildIndexes regenerates every index family from the current frame set.
// The time, sketch, vector, graph/temporal, and payload-hash indexes are
// independent of one another and run concurrently via errgroup; the lexical
// engine is rebuilt from scratch with lex.Open after the group finishes.
func (e *Engine) rebuildIndexes(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		e.timeIdx = timeindex.Build(e.toc.Frames)
		return nil
	})

	g.Go(func() error {
		var entries []sketch.Entry
		for _, f := range e.toc.Frames {
			if f.IsActive() && f.Sketch != nil {
				entries = append(entries, sketch.Entry{FrameID: f.ID, Sketch: *f.Sketch})
			}
		}
		e.sketchTrack = sketch.Build(entries)
		return nil
	})

	g.Go(func() error {
		if !e.cfg.VectorEnabled {
			return nil
		}
		var entries []vector.Entry
		for _, f := range e.toc.Frames {
			if f.IsActive() && len(f.Embedding) > 0 {
				entries = append(entries, vector.Entry{FrameID: f.ID, Embedding: f.Embedding})
			}
		}
		if len(entries) == 0 {
			return nil
		}
		var idx *vector.Index
		var err error
		if e.cfg.VectorKind == "pq" {
			idx, err = vector.NewPQ(e.cfg.VectorDimensions, 4, 16, entries)
		} else {
			idx, err = vector.NewFlat(e.cfg.VectorDimensions, entries)
		}
		if err != nil {
			return err
		}
		e.vecIndex = idx
		return nil
	})

	g.Go(func() error {
		e.graphMesh, e.temporalTrk = buildGraphAndTemporal(e.toc.Frames)
		return nil
	})

	g.Go(func() error {
		idx := make(map[[32]byte]uint64, len(e.toc.Frames))
		for _, f := range e.toc.Frames {
			if f.IsActive() && f.PayloadLength > 0 {
				idx[f.Checksum] = f.ID
			}
		}
		e.payloadHashIndex = idx
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	lexDocs := make([]lex.Doc, 0, len(e.toc.Frames))
	for _, f := range e.toc.Frames {
		if f.IsActive() && f.SearchText != "" {
			lexDocs = append(lexDocs, lex.Doc{FrameID: f.ID, URI: f.URI, Text: f.SearchText})
		}
	}
	if e.lexEngine != nil {
		_ = e.lexEngine.Close()
	}
	lexEngine, err := lex.Open(lexDocs)
	if err != nil {
		return err
	}
	e.lexEngine = lexEngine

	return nil
}

// writeSegments serializes every non-empty index into the payload region
// past dataEnd and replaces the TOC's segment catalog for each kind.
func (e *Engine) writeSegments() error {
	e.toc.Segments = make(map[toc.SegmentKind][]toc.Segment)

	if e.timeIdx != nil && e.timeIdx.Len() > 0 {
		e.appendSegment(toc.SegmentKindTime, timeindex.Encode(e.timeIdx))
	}
	if e.sketchTrack != nil && e.sketchTrack.Len() > 0 {
		e.appendSegment(toc.SegmentKindSketch, sketch.Encode(e.sketchTrack))
	}
	if e.vecIndex != nil && e.vecIndex.Len() > 0 {
		var buf []byte
		var err error
		switch e.vecIndex.Kind() {
		case vector.KindFlat:
			buf, err = vector.EncodeFlat(e.vecIndex)
		default:
			// PQ segments are rebuilt fresh every commit from the frame set
			// (see rebuildIndexes) rather than persisted incrementally; no
			// on-disk PQ codec is implemented, so PQ mode trades
			// cross-commit persistence for in-process search only until a
			// future segment format adds one.
			buf = nil
		}
		if err != nil {
			return err
		}
		if buf != nil {
			e.appendSegment(toc.SegmentKindVector, buf)
		}
	}
	if e.lexEngine != nil {
		corpus := e.lexEngine.Corpus()
		if len(corpus) > 0 {
			e.appendSegment(toc.SegmentKindLexical, lex.EncodeCorpus(corpus))
		}
	}
	if e.temporalTrk != nil && e.temporalTrk.Len() > 0 {
		e.appendSegment(toc.SegmentKindTemporal, temporal.Encode(e.temporalTrk))
	}
	if e.graphMesh != nil && e.graphMesh.Len() > 0 {
		buf, err := graph.Encode(e.graphMesh)
		if err != nil {
			return err
		}
		e.appendSegment(toc.SegmentKindGraph, buf)
	}
	if e.visualTrk != nil && e.visualTrk.Len() > 0 {
		buf, err := visual.Encode(e.visualTrk)
		if err != nil {
			return err
		}
		e.appendSegment(toc.SegmentKindVisual, buf)
	}

	return nil
}

func (e *Engine) appendSegment(kind toc.SegmentKind, data []byte) {
	seg := toc.Segment{
		SegmentID:         e.toc.NextSegmentID,
		Kind:              kind,
		Offset:            e.dataEnd,
		Length:            uint64(len(data)),
		Checksum:          BlakeSum(data),
		GenerationCreated: e.generation,
	}
	e.toc.NextSegmentID++
	e.toc.Segments[kind] = append(e.toc.Segments[kind], seg)

	if _, err := e.file.WriteAt(data, int64(e.dataEnd)); err != nil {
		// appendSegment runs inside commitLocked, which already holds e.mu;
		// a write failure here means the underlying file is unusable, so we
		// panic rather than leave the TOC pointing at unwritten bytes. This
		// mirrors the teacher's treatment of fsync failures in
		// internal/service/trace/wal.go as unrecoverable.
		panic(fmt.Sprintf("engine: write segment: %v", err))
	}
	e.dataEnd += uint64(len(data))
}

// writeTocAndFooter serializes the current TOC to dataEnd, writes the
// matching footer immediately after, truncates the file to that new length,
// and updates the in-memory header's pointers (the caller writes the header
// itself once the checkpoint fields are also set).
func (e *Engine) writeTocAndFooter() error {
	tocBytes, err := toc.Encode(e.toc)
	if err != nil {
		return err
	}

	tocOffset := e.dataEnd
	if _, err := e.file.WriteAt(tocBytes, int64(tocOffset)); err != nil {
		return fmt.Errorf("engine: write toc: %w", err)
	}

	foot := footer.New(tocBytes, e.generation)
	newLen := int64(tocOffset) + int64(len(tocBytes)) + footer.Size
	if err := e.file.Truncate(newLen); err != nil {
		return fmt.Errorf("engine: truncate: %w", err)
	}
	if err := footer.WriteAt(e.file, foot, newLen); err != nil {
		return err
	}

	e.hdr.FooterOffset = tocOffset
	e.hdr.TocChecksum = foot.TocHash
	e.footerOffset = tocOffset
	e.dataEnd = tocOffset

	return nil
}

// Vacuum performs offline compaction: pending records are committed first,
// then the payload bytes of every frame not marked deleted are rewritten
// contiguously (deleted frames are dropped from the catalog; superseded
// frames keep their bytes), the catalog is rebuilt against the new offsets,
// and every index is rebuilt from scratch.
func (e *Engine) Vacuum(ctx context.Context) error {
	if e.readOnly {
		return errs.ErrWalReadOnly
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.pending) > 0 {
		if _, err := e.commitLocked(ctx); err != nil {
			return err
		}
	}

	walRegionEnd := e.hdr.WalOffset + e.hdr.WalSize
	cursor := walRegionEnd
	kept := make([]frame.Frame, 0, len(e.toc.Frames))

	for _, f := range e.toc.Frames {
		if f.Status == frame.StatusDeleted {
			continue
		}
		buf := make([]byte, f.PayloadLength)
		if _, err := e.file.ReadAt(buf, int64(f.PayloadOffset)); err != nil {
			return fmt.Errorf("engine: vacuum read payload for frame %d: %w", f.ID, err)
		}
		if _, err := e.file.WriteAt(buf, int64(cursor)); err != nil {
			return fmt.Errorf("engine: vacuum write payload for frame %d: %w", f.ID, err)
		}
		f.PayloadOffset = cursor
		cursor += f.PayloadLength
		kept = append(kept, f)
	}

	e.toc.Frames = kept
	e.dataEnd = cursor

	if err := e.rebuildIndexes(ctx); err != nil {
		return err
	}
	if err := e.writeSegments(); err != nil {
		return err
	}
	e.generation++
	if err := e.writeTocAndFooter(); err != nil {
		return err
	}

	e.w.RecordCheckpoint(&e.hdr)
	if err := header.WriteAt(e.file, e.hdr); err != nil {
		return err
	}
	return e.file.Sync()
}
