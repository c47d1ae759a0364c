// Package engine implements the mutation pipeline and commit protocol: the
// single point where the header, WAL, frame store, indexes, TOC, and
// footer of one memvid file are kept consistent, per spec.md §4.5-§4.7.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"lukechampine.com/blake3"

	"github.com/ashita-ai/memvid/internal/config"
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
	"github.com/ashita-ai/memvid/internal/lock"
	"github.com/ashita-ai/memvid/internal/ticket"
	"github.com/ashita-ai/memvid/internal/toc"
	"github.com/ashita-ai/memvid/internal/wal"
)

// Options configures Open and OpenReadOnly.
type Options struct {
	Config config.Config
	Logger *slog.Logger

	// TicketManager, when set, enables ApplyTicket; without it, ApplyTicket fails.
	TicketManager *ticket.Manager
}

// Engine is a writable or read-only handle on one memvid file.
type Engine struct {
	mu sync.Mutex

	path     string
	file     *os.File
	fileLock *lock.Lock
	readOnly bool

	cfg    config.Config
	logger *slog.Logger

	hdr header.Header
	w   *wal.WAL
	toc *toc.TOC

	// dataEnd is the highest known data byte: the offset immediately after
	// the last written payload or index segment byte. No separate end of
	// the payload bytes alone is tracked. footerOffset is where the next TOC will be
	// written; it always equals dataEnd until a commit moves it forward.
	dataEnd      uint64
	footerOffset uint64
	generation   uint64

	dirty bool

	timeIdx     *timeindex.Index
	sketchTrack *sketch.Track
	lexEngine   *lex.Engine
	vecIndex    *vector.Index
	temporalTrk *temporal.Track
	graphMesh   *graph.Mesh
	visualTrk   *visual.Track

	ticketMgr *ticket.Manager

	// payloadHashIndex maps an active frame's BLAKE3 payload checksum to
	// its frame ID, per spec.md §4.5 step 2's dedup-by-hash check. Rebuilt
	// from e.toc.Frames on load and kept current at each commit.
	payloadHashIndex map[[32]byte]uint64

	// pending holds WAL records appended since the last commit, keyed by
	// WAL sequence, in append order.
	pending []pendingRecord
}

type pendingRecord struct {
	seq    uint64
	record walRecord
}

// Stats summarizes the current state of an open memory file.
type Stats struct {
	FrameCount      int
	HasTimeIndex    bool
	HasLexIndex     bool
	HasVectorIndex  bool
	HasSketchTrack  bool
	HasTemporalTrack bool
	HasGraphMesh    bool
	HasVisualTrack  bool
	WalPendingBytes int64
	WalSequence     uint64
	Generation      uint64
}

// Open acquires an exclusive lock, reads the header and TOC (recovering the
// TOC if needed), replays any uncheckpointed WAL records, builds every
// index in memory from the TOC's frame entries (loadIndexes), and returns a
// writable handle. Indexes are built eagerly at open; stored index segments
// are not decoded.
func Open(path string, opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	fl := lock.New(path)
	if err := fl.AcquireExclusive(context.Background(), lock.Options{
		Timeout:    opts.Config.LockTimeout,
		StaleGrace: opts.Config.LockStaleGrace,
	}); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644) //nolint:gosec // memory files are user data, not secrets
	if err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("engine: open %s: %w", path, err)
	}

	e := &Engine{
		path:      path,
		file:      f,
		fileLock:  fl,
		cfg:       opts.Config,
		logger:    opts.Logger,
		ticketMgr: opts.TicketManager,
	}

	info, err := f.Stat()
	if err != nil {
		e.closeAll()
		return nil, fmt.Errorf("engine: stat %s: %w", path, err)
	}

	if info.Size() == 0 {
		if err := e.initializeFresh(); err != nil {
			e.closeAll()
			return nil, err
		}
	} else {
		if err := e.loadExisting(info.Size()); err != nil {
			e.closeAll()
			return nil, err
		}
	}

	if err := e.loadIndexes(); err != nil {
		e.closeAll()
		return nil, err
	}

	return e, nil
}

// OpenReadOnly takes a shared lock, locates the latest valid footer by tail
// scan (bypassing the header pointer), decodes its TOC, and opens the WAL
// read-only. It never runs recovery.
func OpenReadOnly(path string, opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	fl := lock.New(path)
	if err := fl.AcquireShared(context.Background(), lock.Options{
		Timeout:    opts.Config.LockTimeout,
		StaleGrace: opts.Config.LockStaleGrace,
	}); err != nil {
		return nil, err
	}

	f, err := os.Open(path) //nolint:gosec // memory files are user data, not secrets
	if err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("engine: open %s read-only: %w", path, err)
	}

	e := &Engine{
		path:      path,
		file:      f,
		fileLock:  fl,
		readOnly:  true,
		cfg:       opts.Config,
		logger:    opts.Logger,
		ticketMgr: opts.TicketManager,
	}

	info, err := f.Stat()
	if err != nil {
		e.closeAll()
		return nil, fmt.Errorf("engine: stat %s: %w", path, err)
	}

	hdr, err := header.ReadAt(f)
	if err != nil {
		e.closeAll()
		return nil, err
	}
	e.hdr = hdr

	footOff, err := footer.ScanForMagic(f, info.Size())
	if err != nil {
		e.closeAll()
		return nil, err
	}
	foot, err := readFooterAt(f, footOff)
	if err != nil {
		e.closeAll()
		return nil, err
	}
	tocBuf := make([]byte, foot.TocLen)
	if _, err := f.ReadAt(tocBuf, footOff-int64(foot.TocLen)); err != nil {
		e.closeAll()
		return nil, fmt.Errorf("engine: read toc: %w", err)
	}
	decoded, err := toc.Decode(tocBuf)
	if err != nil {
		e.closeAll()
		return nil, err
	}
	e.toc = decoded
	e.footerOffset = uint64(footOff)
	e.dataEnd = uint64(footOff)
	e.generation = foot.Generation

	e.w, err = wal.Open(f, hdr, wal.Options{ReadOnly: true, Logger: opts.Logger})
	if err != nil {
		e.closeAll()
		return nil, err
	}

	if err := e.loadIndexes(); err != nil {
		e.closeAll()
		return nil, err
	}

	return e, nil
}

func readFooterAt(f *os.File, offset int64) (footer.Footer, error) {
	buf := make([]byte, footer.Size)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return footer.Footer{}, fmt.Errorf("engine: read footer: %w", err)
	}
	return footer.Decode(buf)
}

func (e *Engine) initializeFresh() error {
	walSize := uint64(e.cfg.WALInitialSizeBytes)
	if walSize == 0 {
		walSize = 4 * 1024 * 1024
	}

	hdr := header.New(uint64(header.Size), walSize)
	e.toc = toc.New()
	if e.cfg.DefaultCapacityBytes > 0 {
		e.toc.Ticket.CapacityBytes = uint64(e.cfg.DefaultCapacityBytes)
	}
	e.generation = 0
	e.dataEnd = hdr.WalOffset + hdr.WalSize
	e.footerOffset = e.dataEnd

	if err := e.file.Truncate(int64(e.footerOffset) + footer.Size); err != nil {
		return fmt.Errorf("engine: truncate fresh file: %w", err)
	}

	w, err := wal.Open(e.file, hdr, wal.Options{
		BatchSyncInterval: e.cfg.WALBatchSyncInterval,
		Logger:            e.logger,
	})
	if err != nil {
		return err
	}
	e.w = w
	e.hdr = hdr

	if err := e.writeTocAndFooter(); err != nil {
		return err
	}
	return header.WriteAt(e.file, e.hdr)
}

func (e *Engine) loadExisting(size int64) error {
	hdr, err := header.ReadAt(e.file)
	if err != nil {
		return err
	}
	e.hdr = hdr

	var decodeErr error
	foot, ferr := readFooterAt(e.file, size-footer.Size)
	if ferr == nil && foot.HashMatches(mustReadAt(e.file, int64(hdr.FooterOffset), int64(foot.TocLen))) {
		tocBuf := mustReadAt(e.file, int64(hdr.FooterOffset), int64(foot.TocLen))
		decoded, err := toc.Decode(tocBuf)
		if err == nil {
			e.toc = decoded
			e.footerOffset = hdr.FooterOffset
			e.dataEnd = hdr.FooterOffset
			e.generation = foot.Generation
		} else {
			decodeErr = err
		}
	} else {
		decodeErr = fmt.Errorf("engine: header-pointed toc did not verify: %w", errs.ErrInvalidToc)
	}

	if decodeErr != nil {
		recovered, tocStart, recoveredFoot, err := recoverTOC(e.file, size)
		if err != nil {
			return &errs.DoctorError{Phase: "toc-recovery", Err: err}
		}
		e.toc = recovered
		e.footerOffset = uint64(tocStart)
		e.dataEnd = uint64(tocStart)
		e.generation = recoveredFoot.Generation
		e.hdr.FooterOffset = e.footerOffset
	}

	w, err := wal.Open(e.file, e.hdr, wal.Options{
		BatchSyncInterval: e.cfg.WALBatchSyncInterval,
		Logger:            e.logger,
	})
	if err != nil {
		return err
	}
	e.w = w

	return e.replayWAL()
}

func mustReadAt(f *os.File, offset, length int64) []byte {
	buf := make([]byte, length)
	_, _ = f.ReadAt(buf, offset)
	return buf
}

// recoverTOC tail-scans for the footer magic; if its hash verifies, it
// decodes that slice. The tail scan is the only recovery path: no decode
// from the header's footer_offset hint and no backward scan through earlier
// offsets is tried, and a failed tail scan returns its error.
func recoverTOC(f *os.File, size int64) (*toc.TOC, int64, footer.Footer, error) {
	footOff, err := footer.ScanForMagic(f, size)
	if err != nil {
		return nil, 0, footer.Footer{}, err
	}
	foot, err := readFooterAt(f, footOff)
	if err != nil {
		return nil, 0, footer.Footer{}, err
	}
	tocStart := footOff - int64(foot.TocLen)
	if tocStart < 0 {
		return nil, 0, footer.Footer{}, fmt.Errorf("engine: recovered toc_len implies negative offset: %w", errs.ErrInvalidToc)
	}
	tocBuf := mustReadAt(f, tocStart, int64(foot.TocLen))
	if !foot.HashMatches(tocBuf) {
		return nil, 0, footer.Footer{}, fmt.Errorf("engine: recovered toc hash mismatch: %w", errs.ErrInvalidToc)
	}
	decoded, err := toc.Decode(tocBuf)
	if err != nil {
		return nil, 0, footer.Footer{}, err
	}
	return decoded, tocStart, foot, nil
}

// replayWAL applies every WAL record with sequence greater than the
// checkpointed sequence in order, exactly mirroring what Commit does, so a
// crash between WAL append and commit is invisible after reopen.
func (e *Engine) replayWAL() error {
	entries, err := e.w.PendingRecords()
	if err != nil {
		return fmt.Errorf("engine: replay wal: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	var records []pendingRecord
	for _, ent := range entries {
		rec, err := decodeWALRecord(ent.Payload)
		if err != nil {
			return &errs.WalCorruption{Offset: 0, Reason: err.Error()}
		}
		records = append(records, pendingRecord{seq: ent.Sequence, record: rec})
	}
	e.pending = records

	if e.readOnly {
		return nil
	}
	_, err = e.commitLocked(context.Background())
	return err
}

func (e *Engine) loadIndexes() error {
	e.timeIdx = timeindex.Build(e.toc.Frames)

	e.payloadHashIndex = make(map[[32]byte]uint64, len(e.toc.Frames))

	var sketchEntries []sketch.Entry
	var lexDocs []lex.Doc
	var vecEntries []vector.Entry
	for _, f := range e.toc.Frames {
		if !f.IsActive() {
			continue
		}
		if f.PayloadLength > 0 {
			e.payloadHashIndex[f.Checksum] = f.ID
		}
		if f.Sketch != nil {
			sketchEntries = append(sketchEntries, sketch.Entry{FrameID: f.ID, Sketch: *f.Sketch})
		}
		if f.SearchText != "" {
			lexDocs = append(lexDocs, lex.Doc{FrameID: f.ID, URI: f.URI, Text: f.SearchText})
		}
		if len(f.Embedding) > 0 {
			vecEntries = append(vecEntries, vector.Entry{FrameID: f.ID, Embedding: f.Embedding})
		}
	}
	e.sketchTrack = sketch.Build(sketchEntries)

	lexEngine, err := lex.Open(lexDocs)
	if err != nil {
		return err
	}
	e.lexEngine = lexEngine

	if e.cfg.VectorEnabled && len(vecEntries) > 0 {
		switch e.cfg.VectorKind {
		case "pq":
			idx, err := vector.NewPQ(e.cfg.VectorDimensions, 4, 16, vecEntries)
			if err != nil {
				return err
			}
			e.vecIndex = idx
		default:
			idx, err := vector.NewFlat(e.cfg.VectorDimensions, vecEntries)
			if err != nil {
				return err
			}
			e.vecIndex = idx
		}
	}

	e.graphMesh, e.temporalTrk = buildGraphAndTemporal(e.toc.Frames)

	return nil
}

// buildGraphAndTemporal derives the knowledge-graph mesh and temporal-
// mentions track from the active frame set's own Entities/TemporalMentions
// fields (attached at Put time, per PutInput), rather than any content
// extraction — memvid stores whatever slot maps and anchors the caller
// already computed, the same contract as the embedding and sketch tracks.
func buildGraphAndTemporal(frames []frame.Frame) (*graph.Mesh, *temporal.Track) {
	mesh := graph.NewMesh()
	var mentions []temporal.Mention
	for _, f := range frames {
		if !f.IsActive() {
			continue
		}
		for entity, slots := range f.Entities {
			mesh.Upsert(entity, slots, f.ID)
		}
		for _, m := range f.TemporalMentions {
			mentions = append(mentions, temporal.Mention{FrameID: f.ID, From: m.From, To: m.To})
		}
	}
	return mesh, temporal.Build(mentions)
}

// Snapshot exposes the engine's current read-only view for the query
// package, without leaking mutation methods.
type Snapshot struct {
	Frames      []frame.Frame
	TimeIndex   *timeindex.Index
	Sketch      *sketch.Track
	Lex         *lex.Engine
	Vector      *vector.Index
	Temporal    *temporal.Track
	Graph       *graph.Mesh
	Visual      *visual.Track
	Ticket      toc.Ticket
	Generation  uint64
}

// Snapshot returns the engine's current state for querying.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Frames:     append([]frame.Frame(nil), e.toc.Frames...),
		TimeIndex:  e.timeIdx,
		Sketch:     e.sketchTrack,
		Lex:        e.lexEngine,
		Vector:     e.vecIndex,
		Temporal:   e.temporalTrk,
		Graph:      e.graphMesh,
		Visual:     e.visualTrk,
		Ticket:     e.toc.Ticket,
		Generation: e.generation,
	}
}

// TicketManager returns the ticket manager the engine was opened with, or
// nil if none was configured.
func (e *Engine) TicketManager() *ticket.Manager { return e.ticketMgr }

// Path returns the filesystem path the engine was opened against.
func (e *Engine) Path() string { return e.path }

// Stats reports a summary of the current state.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	var pending int64
	if e.w != nil {
		pending = e.w.PendingBytes()
	}
	var seq uint64
	if e.w != nil {
		seq = e.w.Sequence()
	}
	return Stats{
		FrameCount:       activeFrameCount(e.toc.Frames),
		HasTimeIndex:     e.timeIdx != nil && e.timeIdx.Len() > 0,
		HasLexIndex:      e.lexEngine != nil,
		HasVectorIndex:   e.vecIndex != nil,
		HasSketchTrack:   e.sketchTrack != nil && e.sketchTrack.Len() > 0,
		HasTemporalTrack: e.temporalTrk != nil && e.temporalTrk.Len() > 0,
		HasGraphMesh:     e.graphMesh != nil && e.graphMesh.Len() > 0,
		HasVisualTrack:   e.visualTrk != nil && e.visualTrk.Len() > 0,
		WalPendingBytes:  pending,
		WalSequence:      seq,
		Generation:       e.generation,
	}
}

func activeFrameCount(frames []frame.Frame) int {
	n := 0
	for _, f := range frames {
		if f.IsActive() {
			n++
		}
	}
	return n
}

// BlakeSum is a small convenience wrapper kept close to the call sites that
// need frame content hashes (dedup, checksum verification).
func BlakeSum(b []byte) [32]byte { return blake3.Sum256(b) }

func (e *Engine) closeAll() {
	if e.w != nil {
		_ = e.w.Close()
	}
	if e.file != nil {
		_ = e.file.Close()
	}
	if e.fileLock != nil {
		_ = e.fileLock.Unlock()
	}
}

// Close releases the WAL sync loop, the file handle, and the file lock.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lexEngine != nil {
		_ = e.lexEngine.Close()
	}
	e.closeAll()
	return nil
}
