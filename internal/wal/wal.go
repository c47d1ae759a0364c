// Package wal implements the embedded write-ahead log: a fixed-size, bounded
// circular region inside the memvid file holding uncommitted entries.
//
// The shape of this file is deliberately close to the teacher's
// internal/service/trace/wal.go: a mutex-guarded writer, an atomic sequence
// counter, explicit record-header byte layout, a batch fsync goroutine, and
// OTEL gauges for pending bytes. What changes is *where* the log lives (a
// byte range inside one already-open file instead of a directory of segment
// files) and *what checksums it*, per spec.md §4.3: a 48-byte record header
// (sequence|length|reserved|BLAKE3) instead of a CRC32C trailer, replay
// keyed on a checkpointed sequence number in the shared file header instead
// of a JSON sidecar, and little-endian fields throughout.
package wal

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"lukechampine.com/blake3"

	"github.com/ashita-ai/memvid/internal/errs"
	"github.com/ashita-ai/memvid/internal/format/header"
	"github.com/ashita-ai/memvid/internal/telemetry"
)

// Record header layout, per spec.md §4.3:
// sequence(8, LE) | length(4, LE) | reserved(4) | blake3(32) | payload(N).
const (
	HeaderSize     = 48
	offSequence    = 0
	offLength      = 8
	offReserved    = 12
	offHash        = 16
	maxPayloadSize = ^uint32(0) // u32::MAX

	// checkpointOccupancyThreshold is the occupancy fraction (of region size)
	// above which ShouldCheckpoint reports true.
	checkpointOccupancyThreshold = 0.75
	// checkpointAppendPeriod is the number of appends since the last
	// checkpoint above which ShouldCheckpoint reports true regardless of
	// occupancy.
	checkpointAppendPeriod = 4096

	defaultBatchSyncInterval = 10 * time.Millisecond
)

// RegionIO is the file-level capability the WAL needs: positioned reads and
// writes plus an fsync, scoped to the whole file (offsets passed to this
// interface are absolute file offsets, not region-relative).
type RegionIO interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
}

// Entry is a single decoded WAL record.
type Entry struct {
	Sequence uint64
	Payload  []byte
}

// Options configures an embedded WAL instance.
type Options struct {
	// ReadOnly forbids all writes and sentinel updates.
	ReadOnly bool
	// BatchSkipSync disables per-append fsync; a background goroutine syncs
	// on BatchSyncInterval instead. Used by batch-mode ingestion.
	BatchSkipSync    bool
	BatchSyncInterval time.Duration
	Logger           *slog.Logger
}

// WAL is the bounded circular log embedded in [walOffset, walOffset+walSize)
// of the backing file.
type WAL struct {
	io         RegionIO
	walOffset  int64
	walSize    int64
	readOnly   bool
	batchSkip  bool
	logger     *slog.Logger

	mu                 sync.Mutex
	writeHead          int64 // region-relative
	checkpointHead     int64 // region-relative
	pendingBytes       int64
	sequence           atomic.Uint64
	checkpointSequence uint64
	appendsSinceCkpt   int

	syncCancel context.CancelFunc
	syncDone   chan struct{}
}

// Open scans the WAL region starting at header.WalOffset for header.WalSize
// bytes, parsing entries until a sentinel (sequence==0 && length==0) or the
// region end, verifying each entry's checksum. It aborts with a
// location-bearing *errs.WalCorruption if any record header is impossible.
func Open(rio RegionIO, h header.Header, opts Options) (*WAL, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BatchSyncInterval <= 0 {
		opts.BatchSyncInterval = defaultBatchSyncInterval
	}

	w := &WAL{
		io:        rio,
		walOffset: int64(h.WalOffset),
		walSize:   int64(h.WalSize),
		readOnly:  opts.ReadOnly,
		batchSkip: opts.BatchSkipSync,
		logger:    opts.Logger,
	}

	entries, writeHead, lastSeq, err := w.scan()
	if err != nil {
		return nil, err
	}

	w.writeHead = writeHead
	w.checkpointHead = 0 // re-derived below; checkpoint position is tracked via pendingBytes, not a region offset, once scan completes
	w.checkpointSequence = h.WalSequence

	var pending int64
	for _, e := range entries {
		if e.Sequence > h.WalSequence {
			pending += int64(HeaderSize + len(e.Payload))
		}
	}
	w.pendingBytes = pending

	if lastSeq > 0 {
		w.sequence.Store(lastSeq)
	} else {
		w.sequence.Store(h.WalSequence)
	}

	if !w.readOnly {
		if err := w.writeSentinel(w.writeHead); err != nil {
			return nil, fmt.Errorf("wal: write sentinel: %w", err)
		}
		if opts.BatchSkipSync {
			ctx, cancel := context.WithCancel(context.Background())
			w.syncCancel = cancel
			w.syncDone = make(chan struct{})
			go w.syncLoop(ctx, opts.BatchSyncInterval)
		}
	}

	w.registerMetrics()
	return w, nil
}

// scan performs the linear from-offset-0 parse described in spec.md §4.3.
func (w *WAL) scan() (entries []Entry, writeHead int64, lastSeq uint64, err error) {
	var pos int64
	for pos+HeaderSize <= w.walSize {
		hdr := make([]byte, HeaderSize)
		if _, err := w.io.ReadAt(hdr, w.walOffset+pos); err != nil && err != io.EOF {
			return nil, 0, 0, fmt.Errorf("wal: read entry header at %d: %w", pos, err)
		}

		seq := binary.LittleEndian.Uint64(hdr[offSequence:])
		length := binary.LittleEndian.Uint32(hdr[offLength:])

		if seq == 0 && length == 0 {
			// Sentinel: end of valid content.
			return entries, pos, lastSeq, nil
		}

		if int64(length) > w.walSize-pos-HeaderSize {
			return nil, 0, 0, &errs.WalCorruption{Offset: w.walOffset + pos, Reason: "entry length exceeds region"}
		}
		if length == 0 && seq != 0 {
			return nil, 0, 0, &errs.WalCorruption{Offset: w.walOffset + pos, Reason: "zero-length entry with nonzero sequence"}
		}

		payload := make([]byte, length)
		if _, err := w.io.ReadAt(payload, w.walOffset+pos+HeaderSize); err != nil && err != io.EOF {
			return nil, 0, 0, fmt.Errorf("wal: read entry payload at %d: %w", pos, err)
		}

		sum := blake3.Sum256(payload)
		if !bytesEqual(sum[:], hdr[offHash:offHash+32]) {
			return nil, 0, 0, &errs.WalCorruption{Offset: w.walOffset + pos, Reason: "checksum mismatch"}
		}

		entries = append(entries, Entry{Sequence: seq, Payload: payload})
		if seq > lastSeq {
			lastSeq = seq
		}
		pos += int64(HeaderSize) + int64(length)
	}
	return entries, pos, lastSeq, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// AppendEntry appends payload as a new WAL entry and returns its assigned
// sequence number. It fails with ErrPayloadTooLarge if payload exceeds
// u32::MAX, or ErrWalFull if the entry cannot be placed without either
// exceeding the region or overwriting uncheckpointed (pending) bytes.
func (w *WAL) AppendEntry(payload []byte) (uint64, error) {
	if w.readOnly {
		return 0, errs.ErrWalReadOnly
	}
	if uint64(len(payload)) > uint64(maxPayloadSize) {
		return 0, errs.ErrPayloadTooLarge
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	entrySize := int64(HeaderSize + len(payload))
	if entrySize > w.walSize {
		return 0, fmt.Errorf("wal: entry of %d bytes larger than region (%d bytes): %w", entrySize, w.walSize, errs.ErrWalFull)
	}

	tailSpace := w.walSize - w.writeHead
	writeAt := w.writeHead
	if entrySize > tailSpace {
		// Would run past the region end: either wrap (if everything already
		// checkpointed) or signal Full so the caller grows the region.
		if w.pendingBytes > 0 {
			return 0, fmt.Errorf("wal: wrap would overwrite %d pending bytes: %w", w.pendingBytes, errs.ErrWalFull)
		}
		writeAt = 0
	}

	seq := w.sequence.Add(1)

	hdr := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint64(hdr[offSequence:], seq)
	binary.LittleEndian.PutUint32(hdr[offLength:], uint32(len(payload)))
	sum := blake3.Sum256(payload)
	copy(hdr[offHash:offHash+32], sum[:])
	copy(hdr[HeaderSize:], payload)

	if _, err := w.io.WriteAt(hdr, w.walOffset+writeAt); err != nil {
		return 0, fmt.Errorf("wal: write entry: %w", err)
	}

	w.writeHead = writeAt + entrySize
	w.pendingBytes += entrySize
	w.appendsSinceCkpt++

	if err := w.writeSentinel(w.writeHead); err != nil {
		return 0, fmt.Errorf("wal: write sentinel after append: %w", err)
	}

	if !w.batchSkip {
		if err := w.io.Sync(); err != nil {
			return 0, fmt.Errorf("wal: fsync: %w", err)
		}
	}

	return seq, nil
}

// writeSentinel zeroes a HeaderSize-byte sentinel at the given region-relative
// offset, if space remains. It is a no-op (not an error) when the offset sits
// exactly at the region boundary.
func (w *WAL) writeSentinel(at int64) error {
	if at+HeaderSize > w.walSize {
		return nil
	}
	zero := make([]byte, HeaderSize)
	_, err := w.io.WriteAt(zero, w.walOffset+at)
	return err
}

// ShouldCheckpoint reports whether occupancy has crossed 75% of the region
// or enough appends have accumulated since the last checkpoint.
func (w *WAL) ShouldCheckpoint() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	occupancy := float64(w.pendingBytes) / float64(w.walSize)
	return occupancy >= checkpointOccupancyThreshold || w.appendsSinceCkpt >= checkpointAppendPeriod
}

// RecordCheckpoint moves the checkpoint position to the current write head,
// resets pending counters, and writes the new wal_checkpoint_pos/wal_sequence
// into h. The caller is responsible for persisting h.
func (w *WAL) RecordCheckpoint(h *header.Header) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.checkpointHead = w.writeHead
	w.pendingBytes = 0
	w.appendsSinceCkpt = 0
	w.checkpointSequence = w.sequence.Load()

	h.WalCheckpointPos = uint64(w.checkpointHead)
	h.WalSequence = w.checkpointSequence
}

// PendingRecords returns all decoded entries with sequence greater than the
// last recorded checkpoint sequence, in order.
func (w *WAL) PendingRecords() ([]Entry, error) {
	return w.RecordsAfter(w.checkpointSequence)
}

// RecordsAfter returns all decoded entries with sequence greater than
// threshold, in order, by re-scanning the region.
func (w *WAL) RecordsAfter(threshold uint64) ([]Entry, error) {
	entries, _, _, err := w.scan()
	if err != nil {
		return nil, err
	}
	out := entries[:0:0]
	for _, e := range entries {
		if e.Sequence > threshold {
			out = append(out, e)
		}
	}
	return out, nil
}

// PendingBytes returns the number of uncheckpointed bytes currently occupying
// the region.
func (w *WAL) PendingBytes() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pendingBytes
}

// Sequence returns the highest sequence number assigned so far.
func (w *WAL) Sequence() uint64 {
	return w.sequence.Load()
}

// Flush performs an explicit fsync, for batch mode where per-append syncs
// are suppressed.
func (w *WAL) Flush() error {
	return w.io.Sync()
}

// Close stops the batch sync goroutine, if any. It does not sync or close
// the backing file — the WAL does not own it.
func (w *WAL) Close() error {
	if w.syncCancel != nil {
		w.syncCancel()
		<-w.syncDone
	}
	return nil
}

func (w *WAL) syncLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(w.syncDone)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.io.Sync(); err != nil {
				w.logger.Warn("wal: batch sync failed", "error", err)
			}
		}
	}
}

func (w *WAL) registerMetrics() {
	meter := telemetry.Meter("memvid/wal")

	_, _ = meter.Int64ObservableGauge("memvid.wal.pending_bytes",
		metric.WithDescription("Uncheckpointed bytes currently occupying the embedded WAL region"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(w.PendingBytes())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("memvid.wal.sequence",
		metric.WithDescription("Highest WAL sequence number assigned"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(w.Sequence())) //nolint:gosec // sequence counters do not realistically exceed int64 range
			return nil
		}),
	)
}
