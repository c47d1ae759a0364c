// Package doctor implements the two-phase repair subsystem from spec.md
// §4.9: a dry-runnable Plan enumerating phases and actions, and an Apply
// that executes a plan against the file.
package doctor

// FindingCode names one probe result. Spelled out rather than iota'd so
// plans remain stable and greppable across versions.
type FindingCode string

const (
	FindingHeaderDecodeFailed     FindingCode = "header_decode_failed"
	FindingTocDecodeFailed        FindingCode = "toc_decode_failed"
	FindingTocRecoveredOffset     FindingCode = "toc_recovered_offset_mismatch"
	FindingTocChecksumStale       FindingCode = "toc_checksum_stale"
	FindingWalPendingRecords      FindingCode = "wal_has_pending_records"
	FindingIndexManifestInvalid   FindingCode = "index_manifest_invalid"
	// FindingIndexSegmentStale flags a segment whose generation_created
	// trails the newest segment's, purely informational: a stale-looking
	// catalog entry left behind by a partial or interrupted rebuild is not
	// itself corruption and schedules no repair phase.
	FindingIndexSegmentStale      FindingCode = "index_segment_stale"
	FindingHealthy                FindingCode = "healthy"
)

// Phase names the six apply phases, in execution order.
type Phase string

const (
	PhaseHeaderHealing Phase = "header_healing"
	PhaseWalReplay     Phase = "wal_replay"
	PhaseVacuum        Phase = "vacuum"
	PhaseIndexRebuild  Phase = "index_rebuild"
	PhaseFinalize      Phase = "finalize"
	PhaseVerify        Phase = "verify"
)

// orderedPhases is the fixed phase execution order spec.md §4.9 mandates.
var orderedPhases = []Phase{
	PhaseHeaderHealing,
	PhaseWalReplay,
	PhaseVacuum,
	PhaseIndexRebuild,
	PhaseFinalize,
	PhaseVerify,
}

// Finding is one probe result, with whatever detail payload explains it.
type Finding struct {
	Code   FindingCode
	Detail map[string]any
}

// Action is one scheduled repair step within a phase.
type Action struct {
	Phase    Phase
	Findings []FindingCode
	Detail   map[string]any
}

// Plan is the full set of scheduled actions, dry-run-able and auditable.
// Err is set when planning itself failed (e.g. the header could not be
// decoded at all) — per spec.md, that makes for an empty plan plus an
// error finding, not a failed Plan call.
type Plan struct {
	Actions  []Action
	Findings []Finding
	Err      error
}

// NeedsRepair reports whether the plan scheduled any action at all.
func (p Plan) NeedsRepair() bool {
	return len(p.Actions) > 0
}

func (p *Plan) addFinding(code FindingCode, detail map[string]any) {
	p.Findings = append(p.Findings, Finding{Code: code, Detail: detail})
}

func (p *Plan) schedule(phase Phase, codes []FindingCode, detail map[string]any) {
	p.Actions = append(p.Actions, Action{Phase: phase, Findings: codes, Detail: detail})
}

// PhaseResult records one executed phase's outcome and duration.
type PhaseResult struct {
	Phase      Phase
	DurationMs int64
	Err        error
}

// Report is Apply's result: the phases actually run, in order, plus a
// terminal error (if any phase failed) and whether the original header was
// restored after that failure.
type Report struct {
	Phases          []PhaseResult
	HeaderRestored  bool
	Err             error
}
