package ask

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/ashita-ai/memvid/internal/engine"
	"github.com/ashita-ai/memvid/internal/frame"
	"github.com/ashita-ai/memvid/internal/query"
	"github.com/ashita-ai/memvid/internal/service/embedding"
)

const (
	defaultTopK          = 10
	overRetrieveFactor   = 3
	correctionURIPrefix  = "mv2://correction/"
	analyticalSnippetCap = 1 << 20 // effectively "full text", per spec.md's "bypass lexical truncation"
	timelineFallbackN    = 10
)

// Ask composes a search with optional semantic reranking and answer-
// citation assembly, per spec.md §4.8 "Ask flow".
func Ask(ctx context.Context, snap engine.Snapshot, req Request, embedder embedding.Provider, rrfK int) (Response, error) {
	overallStart := time.Now()
	retrievalStart := overallStart

	if req.TopK <= 0 {
		req.TopK = defaultTopK
	}
	qType := classify(req.Query)

	qreq := query.Request{
		Query:          req.Query,
		TopK:           req.TopK,
		SnippetChars:   req.SnippetChars,
		Temporal:       req.Temporal,
		AsOfFrame:      req.AsOfFrame,
		AsOfTS:         req.AsOfTS,
		GraphPredicate: req.GraphPredicate,
		GraphValue:     req.GraphValue,
		ACL:            req.ACL,
		ACLMode:        req.ACLMode,
	}
	switch qType {
	case questionAggregation, questionAnalytical:
		qreq.TopK = req.TopK * overRetrieveFactor
	}
	if qType == questionAnalytical {
		qreq.SnippetChars = analyticalSnippetCap
	}

	resp, err := query.Search(ctx, snap, qreq, rrfK)
	if err != nil {
		return Response{}, err
	}

	if len(resp.Hits) == 0 && strings.TrimSpace(req.Query) != "" {
		resp = zeroHitFallback(ctx, snap, req, qreq, rrfK)
	}

	hits := resp.Hits

	if qType == questionAggregation {
		hits = diversifyByBaseURI(hits, req.TopK)
	}
	if qType == questionRecency {
		hits = promoteMostRecent(hits, snap)
	}
	if qType == questionUpdate {
		hits = promoteEarliestAndLatest(hits, snap)
	}

	hits = promoteCorrections(ctx, snap, req, rrfK, hits)

	retrievalMs := time.Since(retrievalStart).Milliseconds()
	synthesisStart := time.Now()

	if req.Mode != ModeLex && embedder != nil {
		hits = semanticRerank(ctx, snap, req, embedder, hits)
	}

	if len(hits) > req.TopK {
		hits = hits[:req.TopK]
	}
	for i := range hits {
		hits[i].Rank = i + 1
	}
	resp.Hits = hits
	resp.TotalHits = len(hits)

	citations := make([]Citation, len(hits))
	fragments := make([]ContextFragment, len(hits))
	for i, h := range hits {
		citations[i] = Citation{
			Rank:       i + 1,
			FrameID:    h.FrameID,
			URI:        h.URI,
			ChunkRange: h.ChunkRange,
			Score:      h.Score,
		}
		fragments[i] = ContextFragment{Text: h.Text, Range: h.Range}
	}

	synthesisMs := time.Since(synthesisStart).Milliseconds()

	return Response{
		Search:           resp,
		Citations:        citations,
		ContextFragments: fragments,
		Answer:           nil, // answer synthesis is not wired here
		Stats: Stats{
			RetrievalMs: retrievalMs,
			SynthesisMs: synthesisMs,
			LatencyMs:   time.Since(overallStart).Milliseconds(),
		},
	}, nil
}

// zeroHitFallback implements spec.md §4.8's ordered fallback chain:
// whitespace-normalized query (its terms are not otherwise rewritten),
// longest non-stopword token, singular/plural
// variant, then a timeline sample with full text.
func zeroHitFallback(ctx context.Context, snap engine.Snapshot, req Request, qreq query.Request, rrfK int) query.Response {
	expanded := qreq
	expanded.Query = strings.Join(strings.Fields(req.Query), " ")
	if r, err := query.Search(ctx, snap, expanded, rrfK); err == nil && len(r.Hits) > 0 {
		return r
	}

	token := longestNonStopwordToken(req.Query)
	if token != "" {
		tokenReq := qreq
		tokenReq.Query = token
		if r, err := query.Search(ctx, snap, tokenReq, rrfK); err == nil && len(r.Hits) > 0 {
			return r
		}

		variantReq := qreq
		variantReq.Query = singularPluralVariant(token)
		if r, err := query.Search(ctx, snap, variantReq, rrfK); err == nil && len(r.Hits) > 0 {
			return r
		}
	}

	return timelineFallback(snap, qreq)
}

// timelineFallback samples the most recent active document frames with
// their full text, when no lexical path finds anything at all.
func timelineFallback(snap engine.Snapshot, qreq query.Request) query.Response {
	active := make([]frame.Frame, 0, len(snap.Frames))
	for _, f := range snap.Frames {
		if f.IsActive() {
			active = append(active, f)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Timestamp > active[j].Timestamp })
	if len(active) > timelineFallbackN {
		active = active[:timelineFallbackN]
	}

	hits := make([]query.Hit, len(active))
	for i, f := range active {
		hits[i] = query.Hit{
			Rank:    i + 1,
			FrameID: f.ID,
			URI:     f.URI,
			Title:   f.Title,
			Text:    f.SearchText,
			Range:   [2]int{0, len([]rune(f.SearchText))},
			Metadata: query.HitMetadata{
				Tags:         f.Tags,
				Labels:       f.Labels,
				Track:        f.Track,
				CreatedAt:    f.Timestamp,
				ContentDates: f.ContentDates,
				Extra:        f.Extra,
			},
		}
	}
	return query.Response{
		Query:     qreq.Query,
		TotalHits: len(hits),
		Hits:      hits,
		Params:    qreq,
		Engine:    "lex",
	}
}

// diversifyByBaseURI keeps at most one hit per base URI (the URI with any
// trailing path segment removed) in the first pass, filling any remaining
// slots from the leftovers in their original order.
func diversifyByBaseURI(hits []query.Hit, topK int) []query.Hit {
	seen := make(map[string]struct{})
	var first, rest []query.Hit
	for _, h := range hits {
		base := baseURI(h.URI)
		if _, ok := seen[base]; ok {
			rest = append(rest, h)
			continue
		}
		seen[base] = struct{}{}
		first = append(first, h)
	}
	out := append(first, rest...)
	if len(out) > topK*overRetrieveFactor {
		out = out[:topK*overRetrieveFactor]
	}
	return out
}

func baseURI(uri string) string {
	if i := strings.LastIndex(uri, "/"); i > 0 {
		return uri[:i]
	}
	return uri
}

// effectiveTimestamp resolves a hit's content-date-preferred timestamp.
func effectiveTimestamp(h query.Hit, byID map[uint64]*frame.Frame) int64 {
	f, ok := byID[h.FrameID]
	if !ok {
		return h.Metadata.CreatedAt
	}
	var contentTS *int64
	if len(f.ContentDates) > 0 {
		if ts, err := time.Parse(time.RFC3339, f.ContentDates[0]); err == nil {
			unix := ts.Unix()
			contentTS = &unix
		}
	}
	return f.EffectiveTimestamp(contentTS)
}

func frameIndex(snap engine.Snapshot) map[uint64]*frame.Frame {
	byID := make(map[uint64]*frame.Frame, len(snap.Frames))
	for i := range snap.Frames {
		byID[snap.Frames[i].ID] = &snap.Frames[i]
	}
	return byID
}

// promoteMostRecent reorders hits so the one with the maximal effective
// timestamp leads, per spec.md's recency-question handling.
func promoteMostRecent(hits []query.Hit, snap engine.Snapshot) []query.Hit {
	if len(hits) == 0 {
		return hits
	}
	byID := frameIndex(snap)
	best := 0
	bestTS := effectiveTimestamp(hits[0], byID)
	for i := 1; i < len(hits); i++ {
		ts := effectiveTimestamp(hits[i], byID)
		if ts > bestTS {
			best = i
			bestTS = ts
		}
	}
	if best == 0 {
		return hits
	}
	out := make([]query.Hit, 0, len(hits))
	out = append(out, hits[best])
	out = append(out, hits[:best]...)
	out = append(out, hits[best+1:]...)
	return out
}

// promoteEarliestAndLatest moves the earliest and latest candidates (by
// effective timestamp) to the front, per spec.md's update-question handling.
func promoteEarliestAndLatest(hits []query.Hit, snap engine.Snapshot) []query.Hit {
	if len(hits) < 2 {
		return hits
	}
	byID := frameIndex(snap)
	earliest, latest := 0, 0
	earliestTS := effectiveTimestamp(hits[0], byID)
	latestTS := earliestTS
	for i := 1; i < len(hits); i++ {
		ts := effectiveTimestamp(hits[i], byID)
		if ts < earliestTS {
			earliest = i
			earliestTS = ts
		}
		if ts > latestTS {
			latest = i
			latestTS = ts
		}
	}
	if earliest == latest {
		return hits
	}

	promoted := map[int]struct{}{earliest: {}, latest: {}}
	out := make([]query.Hit, 0, len(hits))
	out = append(out, hits[earliest], hits[latest])
	for i, h := range hits {
		if _, skip := promoted[i]; skip {
			continue
		}
		out = append(out, h)
	}
	return out
}

// promoteCorrections searches for mv2://correction/* frames and prepends
// them, newest first, deduplicating against the already-retrieved hits.
func promoteCorrections(ctx context.Context, snap engine.Snapshot, req Request, rrfK int, hits []query.Hit) []query.Hit {
	corrReq := query.Request{
		Scope:   correctionURIPrefix,
		TopK:    1 << 16,
		ACL:     req.ACL,
		ACLMode: req.ACLMode,
	}
	corrResp, err := query.Search(ctx, snap, corrReq, rrfK)
	if err != nil || len(corrResp.Hits) == 0 {
		return hits
	}

	byID := frameIndex(snap)
	corrections := corrResp.Hits
	sort.Slice(corrections, func(i, j int) bool {
		return effectiveTimestamp(corrections[i], byID) > effectiveTimestamp(corrections[j], byID)
	})

	seen := make(map[uint64]struct{}, len(corrections))
	out := make([]query.Hit, 0, len(corrections)+len(hits))
	for _, h := range corrections {
		seen[h.FrameID] = struct{}{}
		out = append(out, h)
	}
	for _, h := range hits {
		if _, dup := seen[h.FrameID]; dup {
			continue
		}
		out = append(out, h)
	}
	return out
}

// semanticHit tracks a hit's position for the additive fusion formula.
type semanticHit struct {
	hit     query.Hit
	lexRank int
	semRank int
	semScore float64
}

// semanticRerank implements spec.md §4.8's semantic fusion: for Hybrid mode,
// semantic + 1/(K+lex_rank) + 1/(K+sem_rank); for Sem mode, pure semantic.
func semanticRerank(ctx context.Context, snap engine.Snapshot, req Request, embedder embedding.Provider, hits []query.Hit) []query.Hit {
	queryEmb, err := embedder.Embed(ctx, req.Query)
	if err != nil || len(queryEmb) == 0 {
		return hits
	}

	byID := frameIndex(snap)
	scored := make([]semanticHit, len(hits))
	for i, h := range hits {
		lexRank := h.Rank
		if lexRank == 0 {
			lexRank = i + 1
		}
		scored[i] = semanticHit{hit: h, lexRank: lexRank}
		if f, ok := byID[h.FrameID]; ok && len(f.Embedding) > 0 {
			scored[i].semScore = cosine(queryEmb, f.Embedding)
		}
	}

	bySemantic := append([]semanticHit(nil), scored...)
	sort.Slice(bySemantic, func(i, j int) bool { return bySemantic[i].semScore > bySemantic[j].semScore })
	semRankOf := make(map[uint64]int, len(bySemantic))
	for i, s := range bySemantic {
		semRankOf[s.hit.FrameID] = i + 1
	}
	for i := range scored {
		scored[i].semRank = semRankOf[scored[i].hit.FrameID]
	}

	const k = query.DefaultRRFConstant
	fusedScore := func(s semanticHit) float64 {
		if req.Mode == ModeSem {
			return s.semScore
		}
		return s.semScore + 1.0/float64(k+s.lexRank) + 1.0/float64(k+s.semRank)
	}

	sort.Slice(scored, func(i, j int) bool { return fusedScore(scored[i]) > fusedScore(scored[j]) })

	out := make([]query.Hit, len(scored))
	for i, s := range scored {
		h := s.hit
		h.Score = fusedScore(s)
		out[i] = h
	}
	return out
}
