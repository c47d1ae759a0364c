package query

import (
	"context"
	"strings"
	"time"

	"github.com/ashita-ai/memvid/internal/engine"
	"github.com/ashita-ai/memvid/internal/errs"
	"github.com/ashita-ai/memvid/internal/frame"
	"github.com/ashita-ai/memvid/internal/index/sketch"
)

const (
	defaultTopK            = 10
	defaultSnippetChars    = 240
	defaultSketchThreshold = 32
	// overFetch widens each ranker's topK before fusion, so RRF has enough
	// of a tail to fuse from without every request paying for a full scan.
	overFetch = 4
)

// Search plans and executes req against snap, per spec.md §4.8.
func Search(ctx context.Context, snap engine.Snapshot, req Request, rrfK int) (Response, error) {
	start := time.Now()

	if strings.TrimSpace(req.Query) == "" && req.URI == "" && req.Scope == "" {
		return Response{}, newInvalidQuery("no query text or field filter given")
	}
	if req.TopK <= 0 {
		req.TopK = defaultTopK
	}
	if req.SnippetChars <= 0 {
		req.SnippetChars = defaultSnippetChars
	}
	if req.ACLMode == "" {
		req.ACLMode = "enforce"
	}

	byID := make(map[uint64]*frame.Frame, len(snap.Frames))
	candidates := make(map[uint64]struct{}, len(snap.Frames))
	for i := range snap.Frames {
		f := &snap.Frames[i]
		byID[f.ID] = f
		if f.IsActive() {
			candidates[f.ID] = struct{}{}
		}
	}

	if req.URI != "" {
		candidates = intersectPredicate(candidates, byID, func(f *frame.Frame) bool { return f.URI == req.URI })
	}
	if req.Scope != "" {
		candidates = intersectPredicate(candidates, byID, func(f *frame.Frame) bool { return strings.HasPrefix(f.URI, req.Scope) })
	}
	if req.DateFrom != nil || req.DateTo != nil {
		if snap.TimeIndex == nil {
			return emptyResponse(req, start), nil
		}
		candidates = intersectIDs(candidates, snap.TimeIndex.Range(req.DateFrom, req.DateTo))
	}
	if len(candidates) == 0 {
		return emptyResponse(req, start), nil
	}

	if req.Temporal != nil {
		if snap.Temporal == nil {
			return emptyResponse(req, start), nil
		}
		candidates = intersectIDs(candidates, snap.Temporal.Window(req.Temporal.From, req.Temporal.To))
		if len(candidates) == 0 {
			return emptyResponse(req, start), nil
		}
	}

	if req.AsOfFrame != nil || req.AsOfTS != nil {
		candidates = intersectPredicate(candidates, byID, func(f *frame.Frame) bool {
			if req.AsOfFrame != nil && f.ID > *req.AsOfFrame {
				return false
			}
			if req.AsOfTS != nil && f.Timestamp > *req.AsOfTS {
				return false
			}
			return true
		})
		if len(candidates) == 0 {
			return emptyResponse(req, start), nil
		}
	}

	var frameEntity map[uint64]string
	if req.GraphPredicate != "" {
		if snap.Graph == nil {
			return emptyResponse(req, start), nil
		}
		cards := snap.Graph.MatchPredicate(req.GraphPredicate, req.GraphValue)
		var graphIDs []uint64
		frameEntity = make(map[uint64]string, len(cards))
		for _, c := range cards {
			for _, fid := range c.FrameIDs {
				graphIDs = append(graphIDs, fid)
				frameEntity[fid] = c.Entity
			}
		}
		candidates = intersectIDs(candidates, graphIDs)
		if len(candidates) == 0 {
			return emptyResponse(req, start), nil
		}
	}

	if !req.NoSketch && snap.Sketch != nil && snap.Sketch.Len() > 0 && strings.TrimSpace(req.Query) != "" {
		qSketch := sketch.Compute(req.Query)
		sketchIDs := snap.Sketch.Probe(qSketch, defaultSketchThreshold)
		narrowed := intersectIDs(candidates, sketchIDs)
		if len(narrowed) > 0 {
			candidates = narrowed
		} else {
			// Sketch fallback (spec.md §4.8, §9): when no candidate is
			// near the query's sketch, the sketch matches alone become
			// the candidates.
			candidates = toSet(sketchIDs)
		}
	}

	if len(candidates) == 0 {
		return emptyResponse(req, start), nil
	}

	fetchK := req.TopK * overFetch

	var lexList rankedList
	usedLex := false
	if snap.Lex != nil && strings.TrimSpace(req.Query) != "" {
		hits, err := snap.Lex.Search(ctx, req.Query, fetchK)
		if err != nil {
			return Response{}, err
		}
		usedLex = true
		for _, h := range hits {
			if _, ok := candidates[h.FrameID]; !ok {
				continue
			}
			lexList = append(lexList, h.FrameID)
		}
	}

	var vecList rankedList
	usedVec := false
	if req.Embedding != nil {
		if snap.Vector == nil {
			return Response{}, errs.ErrVecNotEnabled
		}
		hits, err := snap.Vector.Search(req.Embedding, fetchK)
		if err != nil {
			return Response{}, err
		}
		usedVec = true
		for _, h := range hits {
			if _, ok := candidates[h.FrameID]; !ok {
				continue
			}
			vecList = append(vecList, h.FrameID)
		}
	}

	if !usedLex && !usedVec {
		// No ranker ran (no query text, no embedding) but field filters did:
		// return the candidate set itself, ordered by time descending.
		vecList = nil
		lexList = candidateFallbackOrder(candidates, byID)
	}

	engineName := "lex"
	switch {
	case usedLex && usedVec:
		engineName = "hybrid"
	case usedVec && !usedLex:
		engineName = "vector"
	}

	fusedHits := fuseRRF(rrfK, lexList, vecList)

	hits := make([]Hit, 0, len(fusedHits))
	for _, fh := range fusedHits {
		f, ok := byID[fh.frameID]
		if !ok {
			continue
		}

		denied, reason := evalACL(f, req.ACL)
		if denied && req.ACLMode != "audit" {
			continue
		}

		rng, text := snippet(f.SearchText, req.Query, req.SnippetChars)
		hits = append(hits, Hit{
			FrameID: f.ID,
			URI:     f.URI,
			Title:   f.Title,
			Range:         rng,
			Text:          text,
			Score:         fh.score,
			MatchedEntity: frameEntity[f.ID],
			Metadata: HitMetadata{
				Tags:         f.Tags,
				Labels:       f.Labels,
				Track:        f.Track,
				CreatedAt:    f.Timestamp,
				ContentDates: f.ContentDates,
				Extra:        f.Extra,
			},
			Denied:     denied,
			DenyReason: reason,
		})
	}

	if len(hits) > req.TopK {
		hits = hits[:req.TopK]
	}
	for i := range hits {
		hits[i].Rank = i + 1
	}

	var ctxParts []string
	for _, h := range hits {
		if h.Text != "" {
			ctxParts = append(ctxParts, h.Text)
		}
	}

	return Response{
		Query:     req.Query,
		ElapsedMs: time.Since(start).Milliseconds(),
		TotalHits: len(hits),
		Params:    req,
		Hits:      hits,
		Context:   strings.Join(ctxParts, "\n---\n"),
		Engine:    engineName,
	}, nil
}

func emptyResponse(req Request, start time.Time) Response {
	return Response{
		Query:     req.Query,
		ElapsedMs: time.Since(start).Milliseconds(),
		Params:    req,
		Engine:    "lex",
	}
}

func intersectPredicate(candidates map[uint64]struct{}, byID map[uint64]*frame.Frame, keep func(*frame.Frame) bool) map[uint64]struct{} {
	out := make(map[uint64]struct{}, len(candidates))
	for id := range candidates {
		if f, ok := byID[id]; ok && keep(f) {
			out[id] = struct{}{}
		}
	}
	return out
}

func intersectIDs(candidates map[uint64]struct{}, ids []uint64) map[uint64]struct{} {
	allowed := toSet(ids)
	out := make(map[uint64]struct{}, len(candidates))
	for id := range candidates {
		if _, ok := allowed[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}

func toSet(ids []uint64) map[uint64]struct{} {
	out := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

// candidateFallbackOrder provides a ranking when neither ranker ran (a pure
// field-filter query): most recent frames first.
func candidateFallbackOrder(candidates map[uint64]struct{}, byID map[uint64]*frame.Frame) rankedList {
	type idTs struct {
		id uint64
		ts int64
	}
	items := make([]idTs, 0, len(candidates))
	for id := range candidates {
		items = append(items, idTs{id: id, ts: byID[id].Timestamp})
	}
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j-1].ts < items[j].ts; j-- {
			items[j-1], items[j] = items[j], items[j-1]
		}
	}
	out := make(rankedList, len(items))
	for i, it := range items {
		out[i] = it.id
	}
	return out
}

// snippet locates the first case-insensitive occurrence of any query token
// in text and returns a bounded window around it; if nothing matches, it
// returns the first maxChars runes of text.
func snippet(text, query string, maxChars int) ([2]int, string) {
	if text == "" {
		return [2]int{0, 0}, ""
	}
	lowerText := strings.ToLower(text)
	tokens := strings.Fields(strings.ToLower(query))

	idx := -1
	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		if i := strings.Index(lowerText, tok); i >= 0 && (idx == -1 || i < idx) {
			idx = i
		}
	}

	runes := []rune(text)
	if idx == -1 {
		end := maxChars
		if end > len(runes) {
			end = len(runes)
		}
		return [2]int{0, end}, string(runes[:end])
	}

	// idx is a byte offset into text; convert to a rune-safe window.
	prefix := []rune(text[:idx])
	start := len(prefix) - maxChars/2
	if start < 0 {
		start = 0
	}
	end := start + maxChars
	if end > len(runes) {
		end = len(runes)
		start = end - maxChars
		if start < 0 {
			start = 0
		}
	}
	return [2]int{start, end}, string(runes[start:end])
}
