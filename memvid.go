// Package memvid is the public API for embedding the memvid single-file
// memory store in Go applications.
//
// Consumers import this package to open, mutate, and query a memvid file
// without reaching into its internal packages:
//
//	store, err := memvid.New("agent.mv2",
//	    memvid.WithVector(1536, "flat"),
//	    memvid.WithEmbeddingProvider(myProvider),
//	)
//	if err != nil { ... }
//	defer store.Close()
//
//	id, err := store.Put(ctx, memvid.PutInput{URI: "doc://1", SearchText: "..."})
//	if err != nil { ... }
//	if _, err := store.Commit(ctx); err != nil { ... }
//
//	resp, err := store.Search(ctx, memvid.SearchRequest{Query: "..."})
//
// The import graph enforces a strict no-cycle rule: memvid (root) imports
// internal/*, but internal/* never imports memvid (root). Public types
// (Hit, AskResponse, PutInput, etc.) are standalone structs with no
// internal imports; conversion helpers live here because this is the only
// file that sees both sides of the boundary.
package memvid

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/memvid/internal/ask"
	"github.com/ashita-ai/memvid/internal/config"
	"github.com/ashita-ai/memvid/internal/doctor"
	"github.com/ashita-ai/memvid/internal/engine"
	"github.com/ashita-ai/memvid/internal/frame"
	"github.com/ashita-ai/memvid/internal/query"
	"github.com/ashita-ai/memvid/internal/service/embedding"
	"github.com/ashita-ai/memvid/internal/ticket"
)

// Store is a writable or read-only handle on one memvid file. Construct
// with New(); Store has no public fields, configure it via Options.
type Store struct {
	path     string
	eng      *engine.Engine
	cfg      config.Config
	logger   *slog.Logger
	embedder embedding.Provider
	rrfK     int
}

// New opens (creating if absent) the memvid file at path. It does not
// start any background goroutines; every method call is synchronous.
func New(path string, opts ...Option) (*Store, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	_ = godotenv.Load()

	cfg := o.cfg
	if !o.cfgSet {
		loaded, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("memvid: load config: %w", err)
		}
		cfg = loaded
	}
	if o.ticketPrivateKey != "" {
		cfg.TicketPrivateKeyPath = o.ticketPrivateKey
	}
	if o.ticketPublicKey != "" {
		cfg.TicketPublicKeyPath = o.ticketPublicKey
	}
	if o.capacityBytes != 0 {
		cfg.DefaultCapacityBytes = o.capacityBytes
	}
	if o.vectorEnabled {
		cfg.VectorEnabled = true
		cfg.VectorDimensions = o.vectorDimensions
		if o.vectorKind != "" {
			cfg.VectorKind = o.vectorKind
		}
	}
	rrfK := o.rrfK
	if rrfK <= 0 {
		rrfK = cfg.RRFConstantK
	}
	if rrfK <= 0 {
		rrfK = 60
	}

	mgr, err := ticket.NewManager(cfg.TicketPrivateKeyPath, cfg.TicketPublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("memvid: ticket manager: %w", err)
	}

	eng, err := engine.Open(path, engine.Options{Config: cfg, Logger: logger, TicketManager: mgr})
	if err != nil {
		return nil, fmt.Errorf("memvid: open %s: %w", path, err)
	}

	var embedder embedding.Provider = embedding.NewNoopProvider(cfg.VectorDimensions)
	if o.embeddingProvider != nil {
		embedder = embeddingAdapter{p: o.embeddingProvider}
	}

	return &Store{
		path:     path,
		eng:      eng,
		cfg:      cfg,
		logger:   logger,
		embedder: embedder,
		rrfK:     rrfK,
	}, nil
}

// Open opens path read-only: all mutation methods return an error.
func Open(path string, opts ...Option) (*Store, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := o.cfg
	if !o.cfgSet {
		loaded, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("memvid: load config: %w", err)
		}
		cfg = loaded
	}

	mgr, err := ticket.NewManager(cfg.TicketPrivateKeyPath, cfg.TicketPublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("memvid: ticket manager: %w", err)
	}

	eng, err := engine.OpenReadOnly(path, engine.Options{Config: cfg, Logger: logger, TicketManager: mgr})
	if err != nil {
		return nil, fmt.Errorf("memvid: open read-only %s: %w", path, err)
	}

	var embedder embedding.Provider = embedding.NewNoopProvider(cfg.VectorDimensions)
	if o.embeddingProvider != nil {
		embedder = embeddingAdapter{p: o.embeddingProvider}
	}

	rrfK := o.rrfK
	if rrfK <= 0 {
		rrfK = cfg.RRFConstantK
	}
	if rrfK <= 0 {
		rrfK = 60
	}

	return &Store{path: path, eng: eng, cfg: cfg, logger: logger, embedder: embedder, rrfK: rrfK}, nil
}

// Close releases the file lock and closes all open index handles.
func (s *Store) Close() error { return s.eng.Close() }

// Put stages a new frame for insertion. It does not take effect until
// Commit is called.
func (s *Store) Put(ctx context.Context, in PutInput) (uint64, error) {
	return s.eng.Put(ctx, toEnginePutInput(in))
}

// Update stages a new frame that supersedes supersedes. It does not take
// effect until Commit is called.
func (s *Store) Update(ctx context.Context, supersedes uint64, in PutInput) (uint64, error) {
	return s.eng.Update(ctx, supersedes, toEnginePutInput(in))
}

// PutChunked stages in as a single frame, or as a parent Document frame plus
// one DocumentChunk frame per chunk when its text is large enough to split
// (spec.md §4.5 steps 5/7/8). Returns every staged WAL sequence number,
// parent first when chunked. None take effect until Commit is called.
func (s *Store) PutChunked(ctx context.Context, in PutInput) ([]uint64, error) {
	return s.eng.PutChunked(ctx, toEnginePutInput(in))
}

// PreviewChunks reports the chunk texts a PutChunked call would produce for
// text, without staging anything.
func PreviewChunks(text string) []string {
	return engine.PreviewChunks(text)
}

// Delete stages a tombstone for frameID. It does not take effect until
// Commit is called.
func (s *Store) Delete(ctx context.Context, frameID uint64) (uint64, error) {
	return s.eng.Delete(ctx, frameID)
}

// ApplyTicket stages a signed capacity ticket, raising or lowering the
// enforced byte ceiling on future Commit calls.
func (s *Store) ApplyTicket(ctx context.Context, token string) (uint64, error) {
	return s.eng.ApplyTicket(ctx, token)
}

// Commit rebuilds indexes, rewrites the TOC and footer, checkpoints the
// WAL, and fsyncs. It is a no-op (aside from reporting the current
// generation) when nothing is staged.
func (s *Store) Commit(ctx context.Context) (CommitResult, error) {
	r, err := s.eng.Commit(ctx)
	if err != nil {
		return CommitResult{}, err
	}
	return CommitResult{Generation: r.Generation, FrameIDs: r.FrameIDs, BytesWritten: r.BytesWritten}, nil
}

// Vacuum unconditionally rebuilds every index and rewrites the TOC and
// footer, regardless of whether anything is staged. Use this to compact a
// file or force a full index rebuild (doctor uses it for exactly this).
func (s *Store) Vacuum(ctx context.Context) error { return s.eng.Vacuum(ctx) }

// Stats reports a summary of the current state.
func (s *Store) Stats() Stats {
	st := s.eng.Stats()
	return Stats{
		FrameCount:       st.FrameCount,
		HasTimeIndex:     st.HasTimeIndex,
		HasLexIndex:      st.HasLexIndex,
		HasVectorIndex:   st.HasVectorIndex,
		HasSketchTrack:   st.HasSketchTrack,
		HasTemporalTrack: st.HasTemporalTrack,
		HasGraphMesh:     st.HasGraphMesh,
		HasVisualTrack:   st.HasVisualTrack,
		WalPendingBytes:  st.WalPendingBytes,
		WalSequence:      st.WalSequence,
		Generation:       st.Generation,
	}
}

// Search runs a search, per spec.md §4.8.
func (s *Store) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	resp, err := query.Search(ctx, s.eng.Snapshot(), toQueryRequest(req), s.rrfK)
	if err != nil {
		return SearchResponse{}, err
	}
	return toPublicSearchResponse(resp), nil
}

// Ask runs the Ask flow: a search composed with optional semantic
// reranking and answer-citation assembly, per spec.md §4.8.
func (s *Store) Ask(ctx context.Context, req AskRequest) (AskResponse, error) {
	resp, err := ask.Ask(ctx, s.eng.Snapshot(), toAskRequest(req), s.embedder, s.rrfK)
	if err != nil {
		return AskResponse{}, err
	}
	return toPublicAskResponse(resp), nil
}

// PlanDoctor probes the file on disk for damage and returns a dry-runnable
// repair plan, per spec.md §4.9. It does not modify anything.
func PlanDoctor(ctx context.Context, path string, cfg config.Config) DoctorPlan {
	return toPublicDoctorPlan(doctor.Plan(ctx, path, cfg))
}

// ApplyDoctor executes a plan returned by PlanDoctor against path. The
// Store, if open, must be closed first — Apply takes the file lock itself.
func ApplyDoctor(ctx context.Context, path string, cfg config.Config, mgr *ticket.Manager, plan DoctorPlan) DoctorReport {
	return toPublicDoctorReport(doctor.Apply(ctx, path, cfg, mgr, toInternalDoctorPlan(plan)))
}

// Config returns the resolved configuration this Store was opened with,
// for callers that need it to drive their own DoctorPlan/DoctorApply call.
func (s *Store) Config() config.Config { return s.cfg }

// TicketManager returns the ticket manager this Store was opened with.
func (s *Store) TicketManager() *ticket.Manager {
	return s.eng.TicketManager()
}

// --- conversions: the only place that sees both the public and internal types ---

func toEnginePutInput(in PutInput) engine.PutInput {
	enc := frame.EncodingPlain
	if in.Encoding == EncodingZstd {
		enc = frame.EncodingZstd
	}
	var media *frame.MediaManifest
	if in.Media != nil {
		media = &frame.MediaManifest{
			MIME:       in.Media.MIME,
			Caption:    in.Media.Caption,
			WidthPx:    in.Media.WidthPx,
			HeightPx:   in.Media.HeightPx,
			DurationMs: in.Media.DurationMs,
		}
	}
	var mentions []frame.TemporalMention
	for _, m := range in.TemporalMentions {
		mentions = append(mentions, frame.TemporalMention{From: m.From, To: m.To})
	}
	return engine.PutInput{
		URI:               in.URI,
		Title:             in.Title,
		Payload:           in.Payload,
		CanonicalEncoding: enc,
		Role:              frame.Role(in.Role),
		ParentID:          in.ParentID,
		ChunkIndex:        in.ChunkIndex,
		ChunkCount:        in.ChunkCount,
		SearchText:        in.SearchText,
		Tags:              in.Tags,
		Labels:            in.Labels,
		Extra:             in.Extra,
		ContentDates:      in.ContentDates,
		Media:             media,
		Entities:          in.Entities,
		TemporalMentions:  mentions,
		Embedding:         in.Embedding,
		EmbeddingModel:    in.EmbeddingModel,
		ComputeSketch:     in.ComputeSketch,
		Timestamp:         in.Timestamp,
		ReusePayloadFrom:  in.ReusePayloadFrom,
	}
}

func toQueryTemporal(t *TemporalFilter) *query.TemporalFilter {
	if t == nil {
		return nil
	}
	return &query.TemporalFilter{From: t.From, To: t.To}
}

func toQueryACL(a *ACLContext) *query.ACLContext {
	if a == nil {
		return nil
	}
	return &query.ACLContext{TenantID: a.TenantID, Principals: a.Principals, Roles: a.Roles, Groups: a.Groups}
}

func toQueryRequest(req SearchRequest) query.Request {
	return query.Request{
		Query:          req.Query,
		TopK:           req.TopK,
		SnippetChars:   req.SnippetChars,
		URI:            req.URI,
		Scope:          req.Scope,
		Cursor:         req.Cursor,
		Temporal:       toQueryTemporal(req.Temporal),
		AsOfFrame:      req.AsOfFrame,
		AsOfTS:         req.AsOfTS,
		DateFrom:       req.DateFrom,
		DateTo:         req.DateTo,
		NoSketch:       req.NoSketch,
		Embedding:      req.Embedding,
		GraphPredicate: req.GraphPredicate,
		GraphValue:     req.GraphValue,
		ACL:            toQueryACL(req.ACL),
		ACLMode:        req.ACLMode,
	}
}

func toPublicHit(h query.Hit) Hit {
	return Hit{
		Rank:          h.Rank,
		FrameID:       h.FrameID,
		URI:           h.URI,
		Title:         h.Title,
		Range:         h.Range,
		Text:          h.Text,
		ChunkRange:    h.ChunkRange,
		ChunkText:     h.ChunkText,
		Score:         h.Score,
		MatchedEntity: h.MatchedEntity,
		Metadata: HitMetadata{
			Tags:         h.Metadata.Tags,
			Labels:       h.Metadata.Labels,
			Track:        h.Metadata.Track,
			CreatedAt:    h.Metadata.CreatedAt,
			ContentDates: h.Metadata.ContentDates,
			Entities:     h.Metadata.Entities,
			Extra:        h.Metadata.Extra,
		},
		Denied:     h.Denied,
		DenyReason: h.DenyReason,
	}
}

func toPublicSearchResponse(resp query.Response) SearchResponse {
	hits := make([]Hit, len(resp.Hits))
	for i, h := range resp.Hits {
		hits[i] = toPublicHit(h)
	}
	return SearchResponse{
		Query:      resp.Query,
		ElapsedMs:  resp.ElapsedMs,
		TotalHits:  resp.TotalHits,
		Params:     toPublicSearchRequest(resp.Params),
		Hits:       hits,
		Context:    resp.Context,
		NextCursor: resp.NextCursor,
		Engine:     resp.Engine,
	}
}

func toPublicSearchRequest(req query.Request) SearchRequest {
	var temporal *TemporalFilter
	if req.Temporal != nil {
		temporal = &TemporalFilter{From: req.Temporal.From, To: req.Temporal.To}
	}
	var acl *ACLContext
	if req.ACL != nil {
		acl = &ACLContext{TenantID: req.ACL.TenantID, Principals: req.ACL.Principals, Roles: req.ACL.Roles, Groups: req.ACL.Groups}
	}
	return SearchRequest{
		Query:          req.Query,
		TopK:           req.TopK,
		SnippetChars:   req.SnippetChars,
		URI:            req.URI,
		Scope:          req.Scope,
		Cursor:         req.Cursor,
		Temporal:       temporal,
		AsOfFrame:      req.AsOfFrame,
		AsOfTS:         req.AsOfTS,
		DateFrom:       req.DateFrom,
		DateTo:         req.DateTo,
		NoSketch:       req.NoSketch,
		Embedding:      req.Embedding,
		GraphPredicate: req.GraphPredicate,
		GraphValue:     req.GraphValue,
		ACL:            acl,
		ACLMode:        req.ACLMode,
	}
}

func toAskRequest(req AskRequest) ask.Request {
	return ask.Request{
		Query:          req.Query,
		Mode:           ask.Mode(req.Mode),
		ContextOnly:    req.ContextOnly,
		TopK:           req.TopK,
		SnippetChars:   req.SnippetChars,
		Temporal:       toQueryTemporal(req.Temporal),
		AsOfFrame:      req.AsOfFrame,
		AsOfTS:         req.AsOfTS,
		GraphPredicate: req.GraphPredicate,
		GraphValue:     req.GraphValue,
		ACL:            toQueryACL(req.ACL),
		ACLMode:        req.ACLMode,
	}
}

func toPublicAskResponse(resp ask.Response) AskResponse {
	citations := make([]Citation, len(resp.Citations))
	for i, c := range resp.Citations {
		citations[i] = Citation{Rank: c.Rank, FrameID: c.FrameID, URI: c.URI, ChunkRange: c.ChunkRange, Score: c.Score}
	}
	fragments := make([]ContextFragment, len(resp.ContextFragments))
	for i, f := range resp.ContextFragments {
		fragments[i] = ContextFragment{Text: f.Text, Range: f.Range}
	}
	return AskResponse{
		Search:           toPublicSearchResponse(resp.Search),
		Citations:        citations,
		ContextFragments: fragments,
		Answer:           resp.Answer,
		Stats: AskStats{
			RetrievalMs: resp.Stats.RetrievalMs,
			SynthesisMs: resp.Stats.SynthesisMs,
			LatencyMs:   resp.Stats.LatencyMs,
		},
	}
}

func toPublicDoctorPlan(p doctor.Plan) DoctorPlan {
	findings := make([]DoctorFinding, len(p.Findings))
	for i, f := range p.Findings {
		findings[i] = DoctorFinding{Code: DoctorFindingCode(f.Code), Detail: f.Detail}
	}
	actions := make([]DoctorAction, len(p.Actions))
	for i, a := range p.Actions {
		codes := make([]DoctorFindingCode, len(a.Findings))
		for j, c := range a.Findings {
			codes[j] = DoctorFindingCode(c)
		}
		actions[i] = DoctorAction{Phase: DoctorPhase(a.Phase), Findings: codes, Detail: a.Detail}
	}
	return DoctorPlan{Actions: actions, Findings: findings, Err: p.Err}
}

func toInternalDoctorPlan(p DoctorPlan) doctor.Plan {
	findings := make([]doctor.Finding, len(p.Findings))
	for i, f := range p.Findings {
		findings[i] = doctor.Finding{Code: doctor.FindingCode(f.Code), Detail: f.Detail}
	}
	actions := make([]doctor.Action, len(p.Actions))
	for i, a := range p.Actions {
		codes := make([]doctor.FindingCode, len(a.Findings))
		for j, c := range a.Findings {
			codes[j] = doctor.FindingCode(c)
		}
		actions[i] = doctor.Action{Phase: doctor.Phase(a.Phase), Findings: codes, Detail: a.Detail}
	}
	return doctor.Plan{Actions: actions, Findings: findings, Err: p.Err}
}

func toPublicDoctorReport(r doctor.Report) DoctorReport {
	phases := make([]DoctorPhaseResult, len(r.Phases))
	for i, p := range r.Phases {
		phases[i] = DoctorPhaseResult{Phase: DoctorPhase(p.Phase), DurationMs: p.DurationMs, Err: p.Err}
	}
	return DoctorReport{Phases: phases, HeaderRestored: r.HeaderRestored, Err: r.Err}
}
