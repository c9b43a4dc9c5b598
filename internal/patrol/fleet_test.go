package patrol

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digimosa/shop-patrol/internal/models"
	"github.com/digimosa/shop-patrol/internal/storage"
)

const (
	shopA = "shop-a"
	shopB = "shop-b"
	shopC = "shop-c"
)

func fleetTestSettings() Settings {
	s := testSettings()
	s.PersistAllItems = false
	return s
}

func newTestFleet(t *testing.T, settings Settings, cat *fakeCatalog, cls *fakeClassifier, store storage.Gateway) *Fleet {
	t.Helper()
	f, err := NewFleet(settings, testDeps(cat, cls, store))
	require.NoError(t, err)
	return f
}

func everyTenth(i int) bool { return i%10 == 0 }

func TestFleet_TargetFailureDoesNotStopRun(t *testing.T) {
	cat := newFakeCatalog(30)
	cat.addShop(shopA, 47, everyTenth)
	cat.addShop(shopB, 30, nil)
	cat.addShop(shopC, 12, func(i int) bool { return i < 2 })
	cat.setFail(shopB+"#*", true)
	store := storage.NewMemoryStore()
	f := newTestFleet(t, fleetTestSettings(), cat, &fakeClassifier{}, store)

	runID, err := f.Run(context.Background(), []string{shopA, shopB, " ", shopC, shopA})
	require.NoError(t, err)
	assert.Equal(t, string(StateCompleted), f.Progress().State)

	run, err := store.Get(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, models.ModeFleet, run.Mode)
	require.Len(t, run.Targets, 3)

	assert.Equal(t, models.TargetCompleted, run.Targets[0].Status)
	assert.Equal(t, 47, run.Targets[0].Processed)
	assert.Equal(t, 5, run.Targets[0].ItemCount)

	assert.Equal(t, models.TargetError, run.Targets[1].Status)
	assert.Contains(t, run.Targets[1].Error, "first page")
	assert.Equal(t, 1, cat.targetFetches(shopB))

	assert.Equal(t, models.TargetCompleted, run.Targets[2].Status)
	assert.Equal(t, 2, run.Targets[2].ItemCount)

	assert.Len(t, run.Items, 7, "only risk-bearing items are retained")
	for _, it := range run.Items {
		assert.True(t, it.Level.IsRiskBearing())
	}
	assert.Equal(t, models.Summary{Total: 59, HighRiskCount: 7}, run.Summary)
	assert.Equal(t, 7, run.CompletedItemCount())
}

func TestFleet_ConsecutivePageFailuresMarkTargetError(t *testing.T) {
	cat := newFakeCatalog(30)
	cat.addShop(shopA, 200, nil)
	for _, p := range []string{"#2", "#3", "#4"} {
		cat.setFail(shopA+p, true)
	}
	store := storage.NewMemoryStore()
	f := newTestFleet(t, fleetTestSettings(), cat, &fakeClassifier{}, store)

	runID, err := f.Run(context.Background(), []string{shopA})
	require.NoError(t, err)

	run, err := store.Get(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, models.TargetError, run.Targets[0].Status)
	assert.Contains(t, run.Targets[0].Error, "3 consecutive")
	assert.Equal(t, 30, run.Targets[0].Processed)
	assert.Equal(t, 0, cat.fetchCount(shopA, 5))
	assert.Equal(t, models.RunCompleted, run.Status)
}

func TestFleet_PauseAndResumeIsIdempotent(t *testing.T) {
	cat := newFakeCatalog(30)
	for _, s := range []string{shopA, shopB, shopC} {
		cat.addShop(s, 47, everyTenth)
	}
	cls := &fakeClassifier{}
	store := storage.NewMemoryStore()
	f := newTestFleet(t, fleetTestSettings(), cat, cls, store)

	cls.onCall = func(n int64) {
		if n == 47+15 {
			_ = f.Pause()
		}
	}
	runID, err := f.Run(context.Background(), []string{shopA, shopB, shopC})
	require.NoError(t, err)
	cls.onCall = nil
	assert.Equal(t, string(StatePaused), f.Progress().State)

	run, err := store.Get(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunPaused, run.Status)
	assert.Equal(t, models.TargetCompleted, run.Targets[0].Status)
	assert.Equal(t, models.TargetProcessing, run.Targets[1].Status)
	assert.Equal(t, models.TargetWaiting, run.Targets[2].Status)
	assert.Equal(t, models.Checkpoint{TargetIndex: 1, NextPage: 1, ItemOffset: 20, ProcessedCount: 20, TotalCount: 47}, run.Checkpoint)
	assert.Equal(t, 67, run.Summary.Total)

	fetchesA := cat.targetFetches(shopA)
	require.NoError(t, f.Resume(context.Background(), runID))
	assert.Equal(t, fetchesA, cat.targetFetches(shopA), "completed targets are never refetched")

	run, err = store.Get(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)
	for _, tgt := range run.Targets {
		assert.Equal(t, models.TargetCompleted, tgt.Status)
		assert.Equal(t, 5, tgt.ItemCount)
	}
	assert.Len(t, run.Items, 15)
	assert.Len(t, itemKeys(run.Items), 15)
	assert.Equal(t, models.Summary{Total: 141, HighRiskCount: 15}, run.Summary)
	assert.Equal(t, int64(141), cls.calls.Load())
	assert.Equal(t, 1, run.Attempt)

	// Resuming a finished run opens a new attempt and does no work.
	require.NoError(t, f.Resume(context.Background(), runID))
	run, err = store.Get(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, 2, run.Attempt)
	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, int64(141), cls.calls.Load())
}

func TestFleet_ResumeContinuesInterruptedTargetFromCheckpoint(t *testing.T) {
	cat := newFakeCatalog(30)
	cat.addShop(shopA, 47, nil)
	cat.addShop(shopB, 47, everyTenth)
	store := storage.NewMemoryStore()

	// State left behind by a process that died on page 2 of shop-b.
	prior := models.ScannedItem{
		ProductRecord:  models.ProductRecord{Name: "risky item 0", SourceItemID: shopB + ":0"},
		RiskAssessment: models.RiskAssessment{Level: models.RiskHigh},
		TargetURL:      shopB,
	}
	runID, err := store.Create(context.Background(), &models.PatrolRun{
		Mode:   models.ModeFleet,
		Status: models.RunProcessing,
		Targets: []models.PatrolTarget{
			{URL: shopA, Status: models.TargetCompleted, Processed: 47},
			{URL: shopB, Status: models.TargetProcessing, Processed: 30},
		},
		Checkpoint: models.Checkpoint{TargetIndex: 1, NextPage: 2, ProcessedCount: 30, TotalCount: 47},
		Items:      []models.ScannedItem{prior},
	})
	require.NoError(t, err)

	f := newTestFleet(t, fleetTestSettings(), cat, &fakeClassifier{}, store)
	require.NoError(t, f.Resume(context.Background(), runID))

	assert.Equal(t, 0, cat.targetFetches(shopA))
	assert.Equal(t, 0, cat.fetchCount(shopB, 1))
	assert.Equal(t, 1, cat.fetchCount(shopB, 2))

	run, err := store.Get(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, models.TargetCompleted, run.Targets[1].Status)
	assert.Equal(t, 47, run.Targets[1].Processed)
	// shop-b items 30 and 40 are new; item 0 came from the earlier leg.
	assert.Len(t, run.Items, 3)
	assert.Equal(t, 94, run.Summary.Total)
	assert.Equal(t, 1, run.Attempt)
}

func TestFleet_RetryTarget(t *testing.T) {
	cat := newFakeCatalog(30)
	cat.addShop(shopA, 20, everyTenth)
	cat.addShop(shopB, 20, everyTenth)
	cat.setFail(shopB+"#*", true)
	store := storage.NewMemoryStore()
	f := newTestFleet(t, fleetTestSettings(), cat, &fakeClassifier{}, store)

	runID, err := f.Run(context.Background(), []string{shopA, shopB})
	require.NoError(t, err)

	assert.ErrorIs(t, f.RetryTarget(context.Background(), runID, 0), ErrInvalidState)
	assert.ErrorIs(t, f.RetryTarget(context.Background(), runID, 7), ErrInvalidState)

	cat.setFail(shopB+"#*", false)
	fetchesA := cat.targetFetches(shopA)
	require.NoError(t, f.RetryTarget(context.Background(), runID, 1))
	assert.Equal(t, fetchesA, cat.targetFetches(shopA))

	run, err := store.Get(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, models.TargetCompleted, run.Targets[1].Status)
	assert.Empty(t, run.Targets[1].Error)
	assert.Equal(t, models.Summary{Total: 40, HighRiskCount: 4}, run.Summary)
	assert.Equal(t, 2, run.Attempt)
}

func TestFleet_PersistAllItems(t *testing.T) {
	cat := newFakeCatalog(30)
	cat.addShop(shopA, 25, everyTenth)
	settings := fleetTestSettings()
	settings.PersistAllItems = true
	store := storage.NewMemoryStore()
	f := newTestFleet(t, settings, cat, &fakeClassifier{}, store)

	runID, err := f.Run(context.Background(), []string{shopA})
	require.NoError(t, err)

	run, err := store.Get(context.Background(), runID)
	require.NoError(t, err)
	assert.Len(t, run.Items, 25)
	assert.Equal(t, models.Summary{Total: 25, HighRiskCount: 3}, run.Summary)
}

func TestFleet_SingleRunAtATime(t *testing.T) {
	cat := newFakeCatalog(30)
	cat.addShop(shopA, 10, nil)
	cls := &fakeClassifier{}
	f := newTestFleet(t, fleetTestSettings(), cat, cls, storage.NewMemoryStore())

	var (
		once     sync.Once
		innerErr error
	)
	cls.onCall = func(int64) {
		once.Do(func() {
			_, innerErr = f.Run(context.Background(), []string{shopA})
		})
	}
	_, err := f.Run(context.Background(), []string{shopA})
	require.NoError(t, err)
	assert.ErrorIs(t, innerErr, ErrInvalidState)
	assert.ErrorIs(t, f.Pause(), ErrInvalidState)
}

func TestFleet_Rejects(t *testing.T) {
	store := storage.NewMemoryStore()
	f := newTestFleet(t, fleetTestSettings(), newFakeCatalog(30), &fakeClassifier{}, store)

	_, err := f.Run(context.Background(), []string{" ", ""})
	assert.Error(t, err)

	id, err := store.Create(context.Background(), &models.PatrolRun{Mode: models.ModeSingle, Status: models.RunPaused})
	require.NoError(t, err)
	assert.ErrorIs(t, f.Resume(context.Background(), id), ErrInvalidState)
	assert.ErrorIs(t, f.Resume(context.Background(), "missing"), storage.ErrNotFound)
}

func TestFleet_StoreFailureDoesNotAbortRun(t *testing.T) {
	cat := newFakeCatalog(30)
	cat.addShop(shopA, 10, func(i int) bool { return i < 3 })
	cat.addShop(shopB, 5, nil)
	cls := &fakeClassifier{}
	f := newTestFleet(t, fleetTestSettings(), cat, cls, failingStore{})

	id, err := f.Run(context.Background(), []string{shopA, shopB})
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Equal(t, int64(15), cls.calls.Load())
	assert.Equal(t, string(StateCompleted), f.Progress().State)
	assert.Len(t, f.Items(), 3)
	assert.Equal(t, models.Summary{Total: 15, HighRiskCount: 3}, f.Summary())
}

// createHookStore runs onCreate before delegating to the memory store.
type createHookStore struct {
	*storage.MemoryStore
	onCreate func()
}

func (s *createHookStore) Create(ctx context.Context, run *models.PatrolRun) (string, error) {
	s.onCreate()
	return s.MemoryStore.Create(ctx, run)
}

func TestFleet_PauseDuringCreateIsKept(t *testing.T) {
	cat := newFakeCatalog(30)
	cat.addShop(shopA, 10, nil)
	cls := &fakeClassifier{}
	store := &createHookStore{MemoryStore: storage.NewMemoryStore()}
	f := newTestFleet(t, fleetTestSettings(), cat, cls, store)

	var pauseErr error
	store.onCreate = func() { pauseErr = f.Pause() }

	id, err := f.Run(context.Background(), []string{shopA})
	require.NoError(t, err)
	require.NoError(t, pauseErr)
	assert.Equal(t, string(StatePaused), f.Progress().State)
	assert.Zero(t, cls.calls.Load())

	run, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.RunPaused, run.Status)
}
