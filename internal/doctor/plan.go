package doctor

import (
	"context"
	"fmt"
	"os"

	"github.com/ashita-ai/memvid/internal/config"
	"github.com/ashita-ai/memvid/internal/format/footer"
	"github.com/ashita-ai/memvid/internal/format/header"
	"github.com/ashita-ai/memvid/internal/lock"
	"github.com/ashita-ai/memvid/internal/toc"
	"github.com/ashita-ai/memvid/internal/wal"

	"lukechampine.com/blake3"
)

// maxSegmentSafetyBytes bounds how large a single index segment is allowed
// to claim before the planner treats its manifest as corrupt, per spec.md
// §4.9's "length under safety cap" probe.
const maxSegmentSafetyBytes = 4 << 30 // 4 GiB

// Plan probes path's current on-disk state and returns the repair actions
// needed, without mutating anything. It takes only a shared lock, so it
// can run concurrently with other readers.
func Plan(ctx context.Context, path string, cfg config.Config) Plan {
	var plan Plan

	l := lock.New(path)
	if err := l.AcquireShared(ctx, lock.Options{Timeout: cfg.LockTimeout, StaleGrace: cfg.LockStaleGrace}); err != nil {
		plan.Err = fmt.Errorf("doctor: acquire shared lock: %w", err)
		return plan
	}
	defer l.Unlock()

	f, err := os.Open(path)
	if err != nil {
		plan.Err = fmt.Errorf("doctor: open file: %w", err)
		return plan
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		plan.Err = fmt.Errorf("doctor: stat file: %w", err)
		return plan
	}
	size := info.Size()

	hdr, err := header.ReadAt(f)
	if err != nil {
		plan.addFinding(FindingHeaderDecodeFailed, map[string]any{"error": err.Error()})
		plan.Err = err
		return plan
	}

	decodedTOC, tocOffset, generation, healthy := probeTOC(f, hdr, size, &plan)
	if decodedTOC == nil {
		// TOC could not be recovered even by scanning for the footer magic;
		// nothing further to probe, and apply can't fix this blindly.
		return plan
	}
	if !healthy {
		// Recovery succeeded but landed somewhere other than where the
		// header pointed, or the header's own toc_checksum was stale.
		plan.schedule(PhaseHeaderHealing, []FindingCode{FindingTocRecoveredOffset, FindingTocChecksumStale}, map[string]any{
			"recovered_offset": tocOffset,
			"generation":       generation,
		})
	}

	probeWAL(f, hdr, cfg, &plan)
	probeIndexManifests(f, decodedTOC, size, &plan)

	if plan.NeedsRepair() {
		plan.schedule(PhaseVacuum, nil, nil)
		plan.schedule(PhaseFinalize, nil, nil)
		plan.schedule(PhaseVerify, nil, nil)
	} else {
		plan.addFinding(FindingHealthy, nil)
	}

	return plan
}

// probeTOC mirrors engine.loadExisting's verify-then-recover path, reporting
// findings instead of mutating engine state.
func probeTOC(f *os.File, hdr header.Header, size int64, plan *Plan) (*toc.TOC, int64, uint64, bool) {
	foot, ferr := readFooterAt(f, size-footer.Size)
	if ferr == nil {
		tocBuf := readAt(f, int64(hdr.FooterOffset), int64(foot.TocLen))
		if foot.HashMatches(tocBuf) {
			decoded, err := toc.Decode(tocBuf)
			if err == nil {
				return decoded, int64(hdr.FooterOffset), foot.Generation, true
			}
		}
	}

	plan.addFinding(FindingTocDecodeFailed, nil)

	footOff, err := footer.ScanForMagic(f, size)
	if err != nil {
		plan.Err = err
		return nil, 0, 0, false
	}
	recoveredFoot, err := readFooterAt(f, footOff)
	if err != nil {
		plan.Err = err
		return nil, 0, 0, false
	}
	tocStart := footOff - int64(recoveredFoot.TocLen)
	if tocStart < 0 {
		plan.Err = fmt.Errorf("doctor: recovered toc_len implies negative offset")
		return nil, 0, 0, false
	}
	tocBuf := readAt(f, tocStart, int64(recoveredFoot.TocLen))
	if !recoveredFoot.HashMatches(tocBuf) {
		plan.addFinding(FindingTocChecksumStale, map[string]any{"offset": tocStart})
		plan.Err = fmt.Errorf("doctor: recovered toc checksum mismatch")
		return nil, 0, 0, false
	}
	decoded, err := toc.Decode(tocBuf)
	if err != nil {
		plan.Err = err
		return nil, 0, 0, false
	}
	if uint64(tocStart) != hdr.FooterOffset {
		plan.addFinding(FindingTocRecoveredOffset, map[string]any{"header_offset": hdr.FooterOffset, "recovered_offset": tocStart})
	}
	return decoded, tocStart, recoveredFoot.Generation, false
}

func probeWAL(f *os.File, hdr header.Header, cfg config.Config, plan *Plan) {
	w, err := wal.Open(f, hdr, wal.Options{ReadOnly: true, BatchSkipSync: true})
	if err != nil {
		return
	}
	defer w.Close()

	entries, err := w.PendingRecords()
	if err != nil || len(entries) == 0 {
		return
	}
	plan.addFinding(FindingWalPendingRecords, map[string]any{"count": len(entries)})
	plan.schedule(PhaseWalReplay, []FindingCode{FindingWalPendingRecords}, map[string]any{"count": len(entries)})
}

func probeIndexManifests(f *os.File, t *toc.TOC, fileLen int64, plan *Plan) {
	var latestGeneration uint64
	for _, segments := range t.Segments {
		for _, seg := range segments {
			if seg.GenerationCreated > latestGeneration {
				latestGeneration = seg.GenerationCreated
			}
		}
	}

	for kind, segments := range t.Segments {
		for _, seg := range segments {
			end := seg.Offset + seg.Length
			switch {
			case seg.Length > maxSegmentSafetyBytes:
				scheduleIndexRebuild(plan, kind, seg.SegmentID, "length exceeds safety cap")
			case end > uint64(fileLen):
				scheduleIndexRebuild(plan, kind, seg.SegmentID, "offset+length exceeds file length")
			default:
				data := readAt(f, int64(seg.Offset), int64(seg.Length))
				if blake3.Sum256(data) != seg.Checksum {
					scheduleIndexRebuild(plan, kind, seg.SegmentID, "checksum mismatch")
					continue
				}
				if seg.GenerationCreated > 0 && seg.GenerationCreated < latestGeneration {
					plan.addFinding(FindingIndexSegmentStale, map[string]any{
						"kind":                kind,
						"segment_id":          seg.SegmentID,
						"generation":          seg.GenerationCreated,
						"latest_generation":   latestGeneration,
					})
				}
			}
		}
	}
}

func scheduleIndexRebuild(plan *Plan, kind toc.SegmentKind, segmentID uint64, reason string) {
	plan.addFinding(FindingIndexManifestInvalid, map[string]any{"kind": kind, "segment_id": segmentID, "reason": reason})
	plan.schedule(PhaseIndexRebuild, []FindingCode{FindingIndexManifestInvalid}, map[string]any{"kind": kind})
}

func readFooterAt(f *os.File, offset int64) (footer.Footer, error) {
	buf := make([]byte, footer.Size)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return footer.Footer{}, err
	}
	return footer.Decode(buf)
}

func readAt(f *os.File, offset, length int64) []byte {
	buf := make([]byte, length)
	_, _ = f.ReadAt(buf, offset)
	return buf
}
