package ask

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

type fakeEmbedder struct {
	vectors map[string][]float32
	dim     int
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return make([]float32, f.dim), nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return f.dim }

func askFrame(id uint64, uri, text string, ts int64) frame.Frame {
	return frame.Frame{
		ID:         id,
		Timestamp:  ts,
		URI:        uri,
		SearchText: text,
		Status:     frame.StatusActive,
		Role:       frame.RoleDocument,
	}
}

func buildAskSnapshot(t *testing.T, frames []frame.Frame) engine.Snapshot {
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

func TestClassifyDetectsQuestionTypes(t *testing.T) {
	assert.Equal(t, questionAggregation, classify("how many documents mention onboarding?"))
	assert.Equal(t, questionRecency, classify("what is the latest status?"))
	assert.Equal(t, questionUpdate, classify("it used to say draft, but now it says final"))
	assert.Equal(t, questionAnalytical, classify("what changed between these two versions?"))
	assert.Equal(t, questionPlain, classify("where is the office located?"))
}

func TestLongestNonStopwordToken(t *testing.T) {
	assert.Equal(t, "onboarding", longestNonStopwordToken("what is the onboarding process for the team"))
}

func TestSingularPluralVariant(t *testing.T) {
	assert.Equal(t, "document", singularPluralVariant("documents"))
	assert.Equal(t, "documents", singularPluralVariant("document"))
}

func TestAskLexicalRoundTrip(t *testing.T) {
	frames := []frame.Frame{
		askFrame(0, "mv2://doc/1", "the onboarding checklist for new engineers", 100),
		askFrame(1, "mv2://doc/2", "an unrelated note about lunch orders", 200),
	}
	snap := buildAskSnapshot(t, frames)

	resp, err := Ask(context.Background(), snap, Request{Query: "onboarding", Mode: ModeLex}, nil, 0)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Search.Hits)
	assert.Equal(t, uint64(0), resp.Search.Hits[0].FrameID)
	require.Len(t, resp.Citations, len(resp.Search.Hits))
	assert.Equal(t, 1, resp.Citations[0].Rank)
	assert.Nil(t, resp.Answer)
}

func TestAskZeroHitFallsBackToTimeline(t *testing.T) {
	frames := []frame.Frame{
		askFrame(0, "mv2://doc/1", "alpha beta gamma", 100),
		askFrame(1, "mv2://doc/2", "delta epsilon zeta", 200),
	}
	snap := buildAskSnapshot(t, frames)

	resp, err := Ask(context.Background(), snap, Request{Query: "xyzzy-not-present-anywhere"}, nil, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Search.Hits)
}

func TestAskPromotesCorrectionFrames(t *testing.T) {
	frames := []frame.Frame{
		askFrame(0, "mv2://doc/1", "the meeting is on friday", 100),
		askFrame(1, "mv2://correction/1", "the meeting is on friday, correction: it moved to monday", 500),
	}
	snap := buildAskSnapshot(t, frames)

	resp, err := Ask(context.Background(), snap, Request{Query: "meeting"}, nil, 0)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Search.Hits)
	assert.Equal(t, uint64(1), resp.Search.Hits[0].FrameID)
}

func TestAskRecencyPromotesLatestEffectiveTimestamp(t *testing.T) {
	frames := []frame.Frame{
		askFrame(0, "mv2://doc/1", "project status report", 100),
		askFrame(1, "mv2://doc/2", "project status report update", 9000),
	}
	snap := buildAskSnapshot(t, frames)

	resp, err := Ask(context.Background(), snap, Request{Query: "what is the latest project status"}, nil, 0)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Search.Hits)
	assert.Equal(t, uint64(1), resp.Search.Hits[0].FrameID)
}

func TestAskSemanticRerankHybrid(t *testing.T) {
	frames := []frame.Frame{
		askFrame(0, "mv2://doc/1", "cats are independent animals", 100),
		askFrame(1, "mv2://doc/2", "dogs are loyal animals", 200),
	}
	frames[0].Embedding = []float32{1, 0}
	frames[1].Embedding = []float32{0, 1}
	snap := buildAskSnapshot(t, frames)

	embedder := &fakeEmbedder{dim: 2, vectors: map[string][]float32{
		"animals": {0, 1},
	}}

	resp, err := Ask(context.Background(), snap, Request{Query: "animals", Mode: ModeHybrid}, embedder, 0)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Search.Hits)
	assert.Equal(t, uint64(1), resp.Search.Hits[0].FrameID)
}
