package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCheckpoint(runID, workflowID string, status RunStatus) *Checkpoint {
	st := NewRunState()
	st.Status = status
	return &Checkpoint{
		Run: WorkflowRun{
			RunID:      runID,
			WorkflowID: workflowID,
			Version:    1,
			Status:     status,
			StartedAt:  time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		},
		State: st,
	}
}

func TestMemoryCheckpointStore_VersionCheck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryCheckpointStore()

	_, err := store.Load(ctx, "run-1")
	assert.ErrorIs(t, err, ErrRunNotFound)

	cp := sampleCheckpoint("run-1", "wf", RunPending)
	v, err := store.Save(ctx, cp, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	_, err = store.Save(ctx, cp, 0)
	assert.ErrorIs(t, err, ErrVersionConflict, "create must not overwrite")

	cp.State.Status = RunInProgress
	v, err = store.Save(ctx, cp, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	_, err = store.Save(ctx, cp, 1)
	assert.ErrorIs(t, err, ErrVersionConflict)

	loaded, err := store.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), loaded.Version)
	assert.Equal(t, RunInProgress, loaded.State.Status)
}

func TestMemoryCheckpointStore_IsolatesCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryCheckpointStore()

	cp := sampleCheckpoint("run-1", "wf", RunInProgress)
	cp.State.StepOutputs["a"] = json.RawMessage(`{"n":1}`)
	_, err := store.Save(ctx, cp, 0)
	require.NoError(t, err)

	cp.State.StepOutputs["a"] = json.RawMessage(`{"n":2}`)
	loaded, err := store.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(loaded.State.StepOutputs["a"]))

	loaded.State.CompletedSteps = append(loaded.State.CompletedSteps, "x")
	again, err := store.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, again.State.CompletedSteps)
}

func TestMemoryCheckpointStore_ConcurrentWritersOneWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryCheckpointStore()
	_, err := store.Save(ctx, sampleCheckpoint("run-1", "wf", RunInProgress), 0)
	require.NoError(t, err)

	const writers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Save(ctx, sampleCheckpoint("run-1", "wf", RunInProgress), 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrVersionConflict):
				conflicts++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)
}

func TestMemoryCheckpointStore_CountActiveAndList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryCheckpointStore()

	for id, status := range map[string]RunStatus{
		"r1": RunPending,
		"r2": RunInProgress,
		"r3": RunWaitingGate,
		"r4": RunCompleted,
		"r5": RunFailed,
		"r6": RunCancelled,
	} {
		_, err := store.Save(ctx, sampleCheckpoint(id, "wf", status), 0)
		require.NoError(t, err)
	}
	_, err := store.Save(ctx, sampleCheckpoint("other", "wf-other", RunInProgress), 0)
	require.NoError(t, err)

	n, err := store.CountActive(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Len(t, store.List("wf"), 6)
	assert.Len(t, store.List("wf-other"), 1)
	assert.Empty(t, store.List("none"))
}

func TestMemoryDefinitionStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryDefinitionStore()

	def := linearDefinition()
	require.NoError(t, store.PutDefinition(ctx, def))
	assert.Error(t, store.PutDefinition(ctx, def), "versions are immutable")

	got, err := store.GetDefinition(ctx, "wf-linear", 1)
	require.NoError(t, err)
	assert.Equal(t, def.Nodes, got.Nodes)

	_, err = store.GetDefinition(ctx, "wf-linear", 2)
	assert.ErrorIs(t, err, ErrDefinitionNotFound)

	_, err = store.GetPolicy(ctx, "wf-linear")
	assert.ErrorIs(t, err, ErrPolicyNotFound)

	allowed := []StageType{StageExport}
	require.NoError(t, store.PutPolicy(ctx, &WorkflowPolicy{WorkflowID: "wf-linear", AllowedStages: allowed}))
	allowed[0] = StageNotification
	p, err := store.GetPolicy(ctx, "wf-linear")
	require.NoError(t, err)
	assert.Equal(t, []StageType{StageExport}, p.AllowedStages)
}

func TestMemoryCompiledCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cache := NewMemoryCompiledCache()

	_, err := cache.Get(ctx, "wf-linear", 1)
	assert.ErrorIs(t, err, ErrCacheMiss)

	cw, err := Compile(linearDefinition())
	require.NoError(t, err)
	require.NoError(t, cache.Put(ctx, cw))

	got, err := cache.Get(ctx, "wf-linear", 1)
	require.NoError(t, err)
	assert.Same(t, cw, got)
}
