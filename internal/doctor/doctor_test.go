package doctor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lukechampine.com/blake3"

	"github.com/ashita-ai/memvid/internal/config"
	"github.com/ashita-ai/memvid/internal/engine"
	"github.com/ashita-ai/memvid/internal/toc"
)

func testConfig() config.Config {
	return config.Config{
		LockTimeout:                250 * time.Millisecond,
		LockStaleGrace:             10 * time.Second,
		WALInitialSizeBytes:        4 * 1024 * 1024,
		WALBatchSyncInterval:       10 * time.Millisecond,
		CheckpointOccupancyPercent: 75,
		DefaultCapacityBytes:       512 * 1024 * 1024,
		VectorKind:                 "flat",
	}
}

func buildCommittedFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doctor.mv2")

	e, err := engine.Open(path, engine.Options{Config: testConfig()})
	require.NoError(t, err)

	_, err = e.Put(context.Background(), engine.PutInput{
		URI:        "mv2://doc/1",
		Payload:    []byte("hello doctor"),
		SearchText: "hello doctor",
	})
	require.NoError(t, err)
	_, err = e.Commit(context.Background())
	require.NoError(t, err)
	require.NoError(t, e.Close())

	return path
}

func TestPlanOnHealthyFileSchedulesNothing(t *testing.T) {
	path := buildCommittedFile(t)

	plan := Plan(context.Background(), path, testConfig())
	require.NoError(t, plan.Err)
	assert.False(t, plan.NeedsRepair())

	var sawHealthy bool
	for _, f := range plan.Findings {
		if f.Code == FindingHealthy {
			sawHealthy = true
		}
	}
	assert.True(t, sawHealthy)
}

func TestPlanOnGarbageHeaderReportsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.mv2")
	require.NoError(t, os.WriteFile(path, []byte("not a memvid file at all, just junk bytes"), 0o600))

	plan := Plan(context.Background(), path, testConfig())
	require.Error(t, plan.Err)

	var sawHeaderFailure bool
	for _, f := range plan.Findings {
		if f.Code == FindingHeaderDecodeFailed {
			sawHeaderFailure = true
		}
	}
	assert.True(t, sawHeaderFailure)
}

func TestApplyOnHealthyFileSucceeds(t *testing.T) {
	path := buildCommittedFile(t)
	plan := Plan(context.Background(), path, testConfig())
	require.NoError(t, plan.Err)

	report := Apply(context.Background(), path, testConfig(), nil, plan)
	require.NoError(t, report.Err)
	require.NotEmpty(t, report.Phases)
	assert.Equal(t, PhaseHeaderHealing, report.Phases[0].Phase)
}

func TestApplyForcesVacuumAndRebuildWhenScheduled(t *testing.T) {
	path := buildCommittedFile(t)

	forced := Plan{
		Actions: []Action{
			{Phase: PhaseVacuum},
			{Phase: PhaseIndexRebuild},
			{Phase: PhaseFinalize},
			{Phase: PhaseVerify},
		},
	}

	report := Apply(context.Background(), path, testConfig(), nil, forced)
	require.NoError(t, report.Err)

	var phases []Phase
	for _, p := range report.Phases {
		phases = append(phases, p.Phase)
	}
	assert.Contains(t, phases, PhaseVacuum)
	assert.Contains(t, phases, PhaseIndexRebuild)
	assert.Contains(t, phases, PhaseVerify)

	e, err := engine.OpenReadOnly(path, engine.Options{Config: testConfig()})
	require.NoError(t, err)
	defer e.Close()
	snap := e.Snapshot()
	require.Len(t, snap.Frames, 1)
	assert.Equal(t, "mv2://doc/1", snap.Frames[0].URI)
}

// A segment written by an older generation than its siblings is flagged as
// stale, but purely informationally: it schedules no repair phase.
func TestProbeIndexManifestsFlagsStaleGenerationWithoutRepair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "segments.bin")
	oldData := []byte("stale segment bytes")
	newData := []byte("fresh segment bytes, longer")
	require.NoError(t, os.WriteFile(path, append(append([]byte{}, oldData...), newData...), 0o600))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	tt := &toc.TOC{
		Segments: map[toc.SegmentKind][]toc.Segment{
			toc.SegmentKindSketch: {
				{
					SegmentID:         1,
					Offset:            0,
					Length:            uint64(len(oldData)),
					Checksum:          blake3.Sum256(oldData),
					GenerationCreated: 1,
				},
			},
			toc.SegmentKindTime: {
				{
					SegmentID:         2,
					Offset:            uint64(len(oldData)),
					Length:            uint64(len(newData)),
					Checksum:          blake3.Sum256(newData),
					GenerationCreated: 3,
				},
			},
		},
	}

	var plan Plan
	probeIndexManifests(f, tt, int64(len(oldData)+len(newData)), &plan)

	var stale *Finding
	for i, finding := range plan.Findings {
		if finding.Code == FindingIndexSegmentStale {
			stale = &plan.Findings[i]
		}
	}
	require.NotNil(t, stale, "older-generation segment must be flagged")
	assert.Equal(t, uint64(1), stale.Detail["segment_id"])
	assert.Empty(t, plan.Actions, "staleness alone must not schedule repair")
}
