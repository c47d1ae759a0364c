package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/memvid/internal/engine"
	"github.com/ashita-ai/memvid/internal/frame"
	"github.com/ashita-ai/memvid/internal/index/lex"
	"github.com/ashita-ai/memvid/internal/index/sketch"
	"github.com/ashita-ai/memvid/internal/index/timeindex"
)

func testFrame(id uint64, uri, text string, ts int64) frame.Frame {
	return frame.Frame{
		ID:         id,
		Timestamp:  ts,
		URI:        uri,
		SearchText: text,
		Status:     frame.StatusActive,
		Role:       frame.RoleDocument,
	}
}

func buildSnapshot(t *testing.T, frames []frame.Frame) engine.Snapshot {
	t.Helper()

	docs := make([]lex.Doc, len(frames))
	entries := make([]sketch.Entry, len(frames))
	for i, f := range frames {
		docs[i] = lex.Doc{FrameID: f.ID, URI: f.URI, Text: f.SearchText}
		entries[i] = sketch.Entry{FrameID: f.ID, Sketch: sketch.Compute(f.SearchText)}
	}

	lexEngine, err := lex.Open(docs)
	require.NoError(t, err)
	t.Cleanup(func() { lexEngine.Close() })

	return engine.Snapshot{
		Frames:    frames,
		TimeIndex: timeindex.Build(frames),
		Sketch:    sketch.Build(entries),
		Lex:       lexEngine,
	}
}

func TestSearchLexicalRoundTrip(t *testing.T) {
	frames := []frame.Frame{
		testFrame(0, "mv2://doc/1", "the quick brown fox jumps over the lazy dog", 100),
		testFrame(1, "mv2://doc/2", "an entirely unrelated sentence about oceans", 200),
	}
	snap := buildSnapshot(t, frames)

	resp, err := Search(context.Background(), snap, Request{Query: "fox"}, 0)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Hits)
	assert.Equal(t, uint64(0), resp.Hits[0].FrameID)
	assert.Equal(t, "lex", resp.Engine)
}

func TestSearchEmptyQueryWithoutFiltersIsInvalid(t *testing.T) {
	snap := buildSnapshot(t, nil)
	_, err := Search(context.Background(), snap, Request{}, 0)
	assert.Error(t, err)
}

func TestSearchDateRangeExcludesOutOfWindowFrames(t *testing.T) {
	frames := []frame.Frame{
		testFrame(0, "mv2://doc/1", "alpha content", 100),
		testFrame(1, "mv2://doc/2", "alpha content repeated", 9000),
	}
	snap := buildSnapshot(t, frames)

	from := int64(0)
	to := int64(500)
	resp, err := Search(context.Background(), snap, Request{Query: "alpha", DateFrom: &from, DateTo: &to}, 0)
	require.NoError(t, err)
	require.Len(t, resp.Hits, 1)
	assert.Equal(t, uint64(0), resp.Hits[0].FrameID)
}

func TestSearchACLEnforceDeniesRestrictedFrame(t *testing.T) {
	frames := []frame.Frame{
		testFrame(0, "mv2://doc/1", "confidential payroll figures", 100),
	}
	frames[0].Extra = map[string]any{
		"tenant_id":  "acme",
		"visibility": "restricted",
		"roles":      []any{"finance"},
	}
	snap := buildSnapshot(t, frames)

	resp, err := Search(context.Background(), snap, Request{
		Query:   "payroll",
		ACLMode: "enforce",
		ACL:     &ACLContext{TenantID: "acme", Roles: []string{"engineering"}},
	}, 0)
	require.NoError(t, err)
	assert.Empty(t, resp.Hits)

	resp, err = Search(context.Background(), snap, Request{
		Query:   "payroll",
		ACLMode: "audit",
		ACL:     &ACLContext{TenantID: "acme", Roles: []string{"engineering"}},
	}, 0)
	require.NoError(t, err)
	require.Len(t, resp.Hits, 1)
	assert.True(t, resp.Hits[0].Denied)
}

func TestSearchACLAllowsMatchingRole(t *testing.T) {
	frames := []frame.Frame{
		testFrame(0, "mv2://doc/1", "confidential payroll figures", 100),
	}
	frames[0].Extra = map[string]any{
		"tenant_id":  "acme",
		"visibility": "restricted",
		"roles":      []any{"finance"},
	}
	snap := buildSnapshot(t, frames)

	resp, err := Search(context.Background(), snap, Request{
		Query:   "payroll",
		ACLMode: "enforce",
		ACL:     &ACLContext{TenantID: "acme", Roles: []string{"finance"}},
	}, 0)
	require.NoError(t, err)
	require.Len(t, resp.Hits, 1)
	assert.False(t, resp.Hits[0].Denied)
}

func TestSearchACLEnforceDeniesMissingMetadata(t *testing.T) {
	frames := []frame.Frame{
		testFrame(0, "mv2://doc/1", "confidential payroll figures", 100),
	}
	snap := buildSnapshot(t, frames)

	resp, err := Search(context.Background(), snap, Request{
		Query:   "payroll",
		ACLMode: "enforce",
		ACL:     &ACLContext{TenantID: "acme", Roles: []string{"finance"}},
	}, 0)
	require.NoError(t, err)
	assert.Empty(t, resp.Hits, "frame with no ACL metadata at all must deny by default in enforce mode")

	frames[0].Extra = map[string]any{"tenant_id": "acme"}
	snap = buildSnapshot(t, frames)
	resp, err = Search(context.Background(), snap, Request{
		Query:   "payroll",
		ACLMode: "enforce",
		ACL:     &ACLContext{TenantID: "acme", Roles: []string{"finance"}},
	}, 0)
	require.NoError(t, err)
	assert.Empty(t, resp.Hits, "frame missing visibility must deny by default in enforce mode")
}

func TestFuseRRFMonotonicity(t *testing.T) {
	base := fuseRRF(60, rankedList{10, 20, 30})
	var baseScore float64
	for _, f := range base {
		if f.frameID == 20 {
			baseScore = f.score
		}
	}

	// Adding a second list in which frame 20 appears at rank 1 must not
	// lower its fused score or push it below a frame absent from that list.
	improved := fuseRRF(60, rankedList{10, 20, 30}, rankedList{20, 99})
	var improvedScore float64
	for _, f := range improved {
		if f.frameID == 20 {
			improvedScore = f.score
		}
	}

	assert.Greater(t, improvedScore, baseScore)
	assert.Equal(t, uint64(20), improved[0].frameID)
}

func TestFuseRRFOrdersByScoreThenLexTieBreak(t *testing.T) {
	// Frames 1, 2, and 3 appear only in the lexical list; with no other
	// list, rank order is preserved.
	out := fuseRRF(60, rankedList{1, 2, 3})
	require.Len(t, out, 3)
	assert.Equal(t, uint64(1), out[0].frameID)
	assert.Equal(t, uint64(2), out[1].frameID)
	assert.Equal(t, uint64(3), out[2].frameID)

	// Frame 1 (lexical rank 1) and frame 2 (rank 1 in a second list) tie
	// on score; the lexical match breaks the tie.
	tie := fuseRRF(60, rankedList{1}, rankedList{2})
	require.Len(t, tie, 2)
	assert.Equal(t, uint64(1), tie[0].frameID)
}

func TestSketchFallbackSearchSucceedsWithDistantQuery(t *testing.T) {
	frames := []frame.Frame{
		testFrame(0, "mv2://doc/1", "a passage about mountain climbing gear", 100),
		testFrame(1, "mv2://doc/2", "a completely different passage about cooking", 200),
	}
	snap := buildSnapshot(t, frames)

	// A query whose sketch is not close to either frame's sketch still
	// completes on the lexical engine without error.
	resp, err := Search(context.Background(), snap, Request{Query: "zzzzzz nonsense token qqqqqq"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "lex", resp.Engine)
	_ = resp
}
