package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/memvid/internal/config"
	"github.com/ashita-ai/memvid/internal/errs"
	"github.com/ashita-ai/memvid/internal/frame"
	"github.com/ashita-ai/memvid/internal/ticket"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		LockTimeout:                250 * time.Millisecond,
		LockStaleGrace:             10 * time.Second,
		WALInitialSizeBytes:        4 * 1024 * 1024,
		WALBatchSyncInterval:       10 * time.Millisecond,
		CheckpointOccupancyPercent: 75,
		DefaultCapacityBytes:       512 * 1024 * 1024,
		VectorKind:                 "flat",
		DefaultTopK:                 10,
		DefaultSnippetChars:         240,
		ACLMode:                     "enforce",
		RRFConstantK:                60,
	}
}

func testPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.mv2")
}

func TestOpenInitializesFreshFile(t *testing.T) {
	path := testPath(t)
	e, err := Open(path, Options{Config: testConfig(t)})
	require.NoError(t, err)
	defer e.Close()

	stats := e.Stats()
	assert.Equal(t, 0, stats.FrameCount)
	assert.Equal(t, uint64(0), stats.Generation)
}

func TestPutCommitReopen(t *testing.T) {
	path := testPath(t)
	cfg := testConfig(t)

	e, err := Open(path, Options{Config: cfg})
	require.NoError(t, err)

	_, err = e.Put(context.Background(), PutInput{
		URI:        "mv2://doc/1",
		Title:      "first",
		Payload:    []byte("hello world"),
		SearchText: "hello world",
		Timestamp:  1000,
	})
	require.NoError(t, err)

	_, err = e.Put(context.Background(), PutInput{
		URI:        "mv2://doc/2",
		Title:      "second",
		Payload:    []byte("goodbye world"),
		SearchText: "goodbye world",
		Timestamp:  2000,
	})
	require.NoError(t, err)

	res, err := e.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Generation)
	assert.Len(t, res.FrameIDs, 2)

	snap := e.Snapshot()
	require.Len(t, snap.Frames, 2)
	assert.Equal(t, uint64(0), snap.Frames[0].ID)
	assert.Equal(t, uint64(1), snap.Frames[1].ID)
	require.NoError(t, e.Close())

	e2, err := Open(path, Options{Config: cfg})
	require.NoError(t, err)
	defer e2.Close()

	snap2 := e2.Snapshot()
	require.Len(t, snap2.Frames, 2)
	assert.Equal(t, "mv2://doc/1", snap2.Frames[0].URI)
	assert.Equal(t, "mv2://doc/2", snap2.Frames[1].URI)
	assert.Equal(t, uint64(1), snap2.Generation)
}

func TestReplayAfterCrash(t *testing.T) {
	path := testPath(t)
	cfg := testConfig(t)

	e, err := Open(path, Options{Config: cfg})
	require.NoError(t, err)

	_, err = e.Put(context.Background(), PutInput{
		URI:        "mv2://doc/uncommitted",
		Payload:    []byte("staged but never committed"),
		SearchText: "staged but never committed",
	})
	require.NoError(t, err)

	// Simulate a crash: close the file handle and lock without calling Commit.
	e.closeAll()

	e2, err := Open(path, Options{Config: cfg})
	require.NoError(t, err)
	defer e2.Close()

	snap := e2.Snapshot()
	require.Len(t, snap.Frames, 1)
	assert.Equal(t, "mv2://doc/uncommitted", snap.Frames[0].URI)
	assert.True(t, snap.Frames[0].IsActive())
}

func TestDeleteTombstones(t *testing.T) {
	path := testPath(t)
	cfg := testConfig(t)

	e, err := Open(path, Options{Config: cfg})
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Put(context.Background(), PutInput{URI: "mv2://doc/1", Payload: []byte("a")})
	require.NoError(t, err)
	_, err = e.Commit(context.Background())
	require.NoError(t, err)

	_, err = e.Delete(context.Background(), 0)
	require.NoError(t, err)
	_, err = e.Commit(context.Background())
	require.NoError(t, err)

	snap := e.Snapshot()
	require.Len(t, snap.Frames, 1)
	assert.Equal(t, frame.StatusDeleted, snap.Frames[0].Status)
	assert.False(t, snap.Frames[0].IsActive())
}

func TestUpdateSupersedes(t *testing.T) {
	path := testPath(t)
	cfg := testConfig(t)

	e, err := Open(path, Options{Config: cfg})
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Put(context.Background(), PutInput{URI: "mv2://doc/1", Payload: []byte("v1")})
	require.NoError(t, err)
	_, err = e.Commit(context.Background())
	require.NoError(t, err)

	_, err = e.Update(context.Background(), 0, PutInput{URI: "mv2://doc/1", Payload: []byte("v2")})
	require.NoError(t, err)
	_, err = e.Commit(context.Background())
	require.NoError(t, err)

	snap := e.Snapshot()
	require.Len(t, snap.Frames, 2)
	assert.Equal(t, frame.StatusSuperseded, snap.Frames[0].Status)
	require.NotNil(t, snap.Frames[0].SupersededBy)
	assert.Equal(t, uint64(1), *snap.Frames[0].SupersededBy)
	assert.True(t, snap.Frames[1].IsActive())
	require.NotNil(t, snap.Frames[1].Supersedes)
	assert.Equal(t, uint64(0), *snap.Frames[1].Supersedes)
}

func TestWALGrowthOnLargePayloads(t *testing.T) {
	path := testPath(t)
	cfg := testConfig(t)
	cfg.WALInitialSizeBytes = 1024 // tiny region, forces growth quickly

	e, err := Open(path, Options{Config: cfg})
	require.NoError(t, err)
	defer e.Close()

	big := make([]byte, 4096)
	for i := range big {
		big[i] = byte(i % 256)
	}

	var seqs []uint64
	for i := 0; i < 5; i++ {
		seq, err := e.Put(context.Background(), PutInput{
			URI:     "mv2://doc/big",
			Payload: big,
		})
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}

	res, err := e.Commit(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.FrameIDs, 5)

	snap := e.Snapshot()
	require.Len(t, snap.Frames, 5)
	for _, f := range snap.Frames {
		assert.Equal(t, uint64(len(big)), f.PayloadLength)
	}
}

func TestApplyTicketSequenceViolation(t *testing.T) {
	path := testPath(t)
	cfg := testConfig(t)

	mgr, err := ticket.NewManager("", "")
	require.NoError(t, err)

	e, err := Open(path, Options{Config: cfg, TicketManager: mgr})
	require.NoError(t, err)
	defer e.Close()

	tok1, err := mgr.Issue(1, 1024*1024, nil)
	require.NoError(t, err)

	_, err = e.ApplyTicket(context.Background(), tok1)
	require.NoError(t, err)
	_, err = e.Commit(context.Background())
	require.NoError(t, err)

	snap := e.Snapshot()
	assert.Equal(t, uint64(1), snap.Ticket.SeqNo)

	// Re-applying a ticket with the same (non-increasing) sequence must fail.
	_, err = e.ApplyTicket(context.Background(), tok1)
	require.NoError(t, err)
	_, err = e.Commit(context.Background())
	require.Error(t, err)
	var seqErr *errs.TicketSequence
	assert.ErrorAs(t, err, &seqErr)
}

func TestApplyTicketWithoutManagerFails(t *testing.T) {
	path := testPath(t)
	e, err := Open(path, Options{Config: testConfig(t)})
	require.NoError(t, err)
	defer e.Close()

	_, err = e.ApplyTicket(context.Background(), "irrelevant")
	assert.ErrorIs(t, err, errs.ErrTicketRequired)
}

func TestVacuumCompactsDeletedFrames(t *testing.T) {
	path := testPath(t)
	cfg := testConfig(t)

	e, err := Open(path, Options{Config: cfg})
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Put(context.Background(), PutInput{URI: "mv2://doc/1", Payload: []byte("keep me")})
	require.NoError(t, err)
	_, err = e.Put(context.Background(), PutInput{URI: "mv2://doc/2", Payload: []byte("delete me")})
	require.NoError(t, err)
	_, err = e.Commit(context.Background())
	require.NoError(t, err)

	_, err = e.Delete(context.Background(), 1)
	require.NoError(t, err)
	_, err = e.Commit(context.Background())
	require.NoError(t, err)

	require.NoError(t, e.Vacuum(context.Background()))

	snap := e.Snapshot()
	require.Len(t, snap.Frames, 1)
	assert.Equal(t, "mv2://doc/1", snap.Frames[0].URI)
	assert.Equal(t, []byte("keep me"), mustReadPayload(t, e, snap.Frames[0]))
}

func TestReadOnlyOpenRejectsMutation(t *testing.T) {
	path := testPath(t)
	cfg := testConfig(t)

	e, err := Open(path, Options{Config: cfg})
	require.NoError(t, err)
	_, err = e.Put(context.Background(), PutInput{URI: "mv2://doc/1", Payload: []byte("a")})
	require.NoError(t, err)
	_, err = e.Commit(context.Background())
	require.NoError(t, err)
	require.NoError(t, e.Close())

	ro, err := OpenReadOnly(path, Options{Config: cfg})
	require.NoError(t, err)
	defer ro.Close()

	_, err = ro.Put(context.Background(), PutInput{URI: "mv2://doc/2", Payload: []byte("b")})
	assert.ErrorIs(t, err, errs.ErrWalReadOnly)

	snap := ro.Snapshot()
	require.Len(t, snap.Frames, 1)
}

func mustReadPayload(t *testing.T, e *Engine, f frame.Frame) []byte {
	t.Helper()
	buf := make([]byte, f.PayloadLength)
	_, err := e.file.ReadAt(buf, int64(f.PayloadOffset))
	require.NoError(t, err)
	return buf
}

func TestPutDedupsIdenticalPayloadByHash(t *testing.T) {
	path := testPath(t)
	e, err := Open(path, Options{Config: testConfig(t)})
	require.NoError(t, err)
	defer e.Close()

	payload := []byte("identical bytes across two frames")
	_, err = e.Put(context.Background(), PutInput{URI: "mv2://doc/1", Payload: payload, SearchText: "first"})
	require.NoError(t, err)
	_, err = e.Commit(context.Background())
	require.NoError(t, err)

	// The second Put happens in its own commit, so payloadHashIndex (rebuilt
	// from committed active frames after the first Commit) already contains
	// the first frame's checksum by the time this one is staged.
	_, err = e.Put(context.Background(), PutInput{URI: "mv2://doc/2", Payload: payload, SearchText: "second"})
	require.NoError(t, err)
	_, err = e.Commit(context.Background())
	require.NoError(t, err)

	snap := e.Snapshot()
	require.Len(t, snap.Frames, 2)
	assert.Equal(t, snap.Frames[0].PayloadOffset, snap.Frames[1].PayloadOffset)
	assert.Equal(t, snap.Frames[0].PayloadLength, snap.Frames[1].PayloadLength)
	assert.Equal(t, snap.Frames[0].Checksum, snap.Frames[1].Checksum)
}

func TestPutChunkedSplitsLargeTextAndLinksChildren(t *testing.T) {
	path := testPath(t)
	e, err := Open(path, Options{Config: testConfig(t)})
	require.NoError(t, err)
	defer e.Close()

	var sb []byte
	paragraph := "This is one paragraph of prose used to force chunking in the test suite.\n\n"
	for i := 0; i < 60; i++ {
		sb = append(sb, paragraph...)
	}
	text := string(sb)
	require.Greater(t, len(text), defaultChunkMinBytes)

	seqs, err := e.PutChunked(context.Background(), PutInput{URI: "mv2://doc/big", SearchText: text})
	require.NoError(t, err)
	require.Greater(t, len(seqs), 1, "large text must split into a parent plus multiple chunks")

	_, err = e.Commit(context.Background())
	require.NoError(t, err)

	snap := e.Snapshot()
	var parent *frame.Frame
	var children []frame.Frame
	for i := range snap.Frames {
		f := &snap.Frames[i]
		switch f.Role {
		case frame.RoleDocument:
			parent = f
		case frame.RoleDocumentChunk:
			children = append(children, *f)
		}
	}
	require.NotNil(t, parent)
	require.NotEmpty(t, children)
	require.NotNil(t, parent.Chunks)
	assert.Equal(t, len(children), parent.Chunks.ChunkCount)
	assert.ElementsMatch(t, parent.Chunks.ChildIDs, childIDs(children))

	for _, c := range children {
		require.NotNil(t, c.ParentID)
		assert.Equal(t, parent.ID, *c.ParentID)
		require.NotNil(t, c.ChunkIndex)
		require.NotNil(t, c.ChunkCount)
		assert.Equal(t, len(children), *c.ChunkCount)
	}
}

func childIDs(frames []frame.Frame) []uint64 {
	ids := make([]uint64, len(frames))
	for i, f := range frames {
		ids[i] = f.ID
	}
	return ids
}

func TestPutChunkedLeavesShortTextUnsplit(t *testing.T) {
	path := testPath(t)
	e, err := Open(path, Options{Config: testConfig(t)})
	require.NoError(t, err)
	defer e.Close()

	seqs, err := e.PutChunked(context.Background(), PutInput{URI: "mv2://doc/small", SearchText: "short text"})
	require.NoError(t, err)
	assert.Len(t, seqs, 1)

	_, err = e.Commit(context.Background())
	require.NoError(t, err)

	snap := e.Snapshot()
	require.Len(t, snap.Frames, 1)
	assert.Equal(t, frame.RoleDocument, snap.Frames[0].Role)
	assert.Nil(t, snap.Frames[0].Chunks)
}

func TestPutEmbeddingModelBindsAndRejectsMismatch(t *testing.T) {
	path := testPath(t)
	e, err := Open(path, Options{Config: testConfig(t)})
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Put(context.Background(), PutInput{URI: "mv2://doc/1", SearchText: "a", EmbeddingModel: "text-embed-3"})
	require.NoError(t, err)

	_, err = e.Put(context.Background(), PutInput{URI: "mv2://doc/2", SearchText: "b", EmbeddingModel: "text-embed-3"})
	require.NoError(t, err)

	_, err = e.Put(context.Background(), PutInput{URI: "mv2://doc/3", SearchText: "c", EmbeddingModel: "a-different-model"})
	require.ErrorIs(t, err, errs.ErrModelMismatch)
}

func TestToFrameMarksEnrichmentFailedOnInvalidUTF8Passthrough(t *testing.T) {
	invalid := []byte{0xff, 0xfe, 0xfd}
	in := PutInput{URI: "mv2://doc/1", Payload: invalid}
	f := in.toFrame()
	assert.Equal(t, frame.EnrichmentFailed, f.EnrichmentState)
	assert.NotEmpty(t, f.SearchText)

	in2 := PutInput{URI: "mv2://doc/2", Payload: []byte("valid utf-8 text")}
	f2 := in2.toFrame()
	assert.Equal(t, frame.EnrichmentSearchable, f2.EnrichmentState)
	assert.Equal(t, "valid utf-8 text", f2.SearchText)
}

func TestVerifyDetectsTamperedPayloadChecksum(t *testing.T) {
	path := testPath(t)
	e, err := Open(path, Options{Config: testConfig(t)})
	require.NoError(t, err)

	_, err = e.Put(context.Background(), PutInput{URI: "mv2://doc/1", Payload: []byte("authentic bytes"), SearchText: "authentic"})
	require.NoError(t, err)
	_, err = e.Commit(context.Background())
	require.NoError(t, err)

	require.NoError(t, e.Verify())

	snap := e.Snapshot()
	require.Len(t, snap.Frames, 1)
	_, err = e.file.WriteAt([]byte("TAMPERED BYTES!"), int64(snap.Frames[0].PayloadOffset))
	require.NoError(t, err)

	err = e.Verify()
	require.Error(t, err)
	var invalid *errs.InvalidFrame
	require.ErrorAs(t, err, &invalid)
	require.NoError(t, e.Close())
}
