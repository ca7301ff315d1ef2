package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"catalog-sync-service/internal/clock"
	"catalog-sync-service/internal/models"
	"catalog-sync-service/internal/repository"
)

const (
	testTenant = "tenant-1"
	testTarget = "shopify"
)

func staged(id string, statuses ...models.StagingStatus) models.StagingParent {
	p := models.StagingParent{ID: id, Title: "Title " + id, Brand: "Acme", Price: "10.00"}
	for i, s := range statuses {
		p.Variants = append(p.Variants, models.StagingVariant{
			ID:     fmt.Sprintf("%s-v%d", id, i+1),
			SKU:    fmt.Sprintf("SKU-%s-%d", id, i+1),
			CartID: fmt.Sprintf("inv-%s-%d", id, i+1),
			Status: s,
		})
	}
	return p
}

func newStaging(store repository.StagingStore) (*StagingService, *clock.Fake) {
	clk := clock.NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	return NewStagingService(store, 0, clk, nil, nil, nil), clk
}

func listed(t *testing.T, svc *StagingService) []models.StagingParent {
	t.Helper()
	res, err := svc.List(context.Background(), testTenant, testTarget)
	require.NoError(t, err)
	return res.Parents
}

func TestStaging_UndoRoundTrip(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		mutate func(svc *StagingService) (*MutationResult, error)
	}{
		{"add new and replace existing", func(svc *StagingService) (*MutationResult, error) {
			replacement := staged("A", models.StatusPending)
			replacement.Title = "Renamed"
			return svc.StageAdd(ctx, testTenant, testTarget, []models.StagingParent{replacement, staged("C", models.StatusPending)}, "edit")
		}},
		{"remove", func(svc *StagingService) (*MutationResult, error) {
			return svc.StageRemove(ctx, testTenant, testTarget, []string{"b", "A"}, "")
		}},
		{"status change", func(svc *StagingService) (*MutationResult, error) {
			return svc.SetStatus(ctx, testTenant, testTarget, []string{"A", "B"}, "processed", "")
		}},
		{"push results", func(svc *StagingService) (*MutationResult, error) {
			return svc.ApplyPushResults(ctx, testTenant, testTarget, []VariantOutcome{
				{ParentID: "A", VariantID: "A-v1"},
				{ParentID: "B", VariantID: "B-v2", Error: "location not mapped"},
			}, true, "push")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, clk := newStaging(nil)
			_, err := svc.StageAdd(ctx, testTenant, testTarget, []models.StagingParent{
				staged("A", models.StatusPending, models.StatusPending),
				staged("B", models.StatusPending, models.StatusPending),
			}, "seed")
			require.NoError(t, err)
			before := listed(t, svc)

			clk.Advance(time.Minute)
			res, err := tt.mutate(svc)
			require.NoError(t, err)
			require.NotNil(t, res.Session)
			assert.NotEqual(t, before, listed(t, svc))

			undone, err := svc.Undo(ctx, testTenant, testTarget, res.Session.ID)
			require.NoError(t, err)
			assert.Equal(t, res.Session.ID, undone.Session.ID)
			assert.Equal(t, before, listed(t, svc))
		})
	}
}

func TestStaging_AddMergesCaseInsensitively(t *testing.T) {
	svc, _ := newStaging(nil)
	ctx := context.Background()

	_, err := svc.StageAdd(ctx, testTenant, testTarget, []models.StagingParent{staged("Tee-1", models.StatusPending)}, "")
	require.NoError(t, err)
	res, err := svc.StageAdd(ctx, testTenant, testTarget, []models.StagingParent{staged(" tee-1 ", models.StatusProcessed)}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Upserted)

	rows := listed(t, svc)
	require.Len(t, rows, 1)
	assert.Equal(t, "tee-1", rows[0].ID)
	assert.Equal(t, models.StatusProcessed, rows[0].Status)
	assert.Equal(t, 1, rows[0].ProcessedCount)
}

func TestStaging_AddRejectsMissingID(t *testing.T) {
	svc, _ := newStaging(nil)
	_, err := svc.StageAdd(context.Background(), testTenant, testTarget, []models.StagingParent{{Title: "no id"}}, "")
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "id", vErr.Field)

	_, err = svc.List(context.Background(), "", testTarget)
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "tenantId", vErr.Field)
}

func TestStaging_SessionsAreBoundedAndSingleUse(t *testing.T) {
	svc, clk := newStaging(nil)
	ctx := context.Background()

	var lastID string
	for i := 0; i < DefaultUndoRetention+5; i++ {
		clk.Advance(time.Second)
		res, err := svc.StageAdd(ctx, testTenant, testTarget, []models.StagingParent{staged(fmt.Sprintf("P%d", i))}, "")
		require.NoError(t, err)
		lastID = res.Session.ID
	}

	sessions, err := svc.Sessions(ctx, testTenant, testTarget)
	require.NoError(t, err)
	require.Len(t, sessions, DefaultUndoRetention)
	assert.Equal(t, lastID, sessions[0].ID, "most recent first")
	assert.True(t, sessions[0].CreatedAt.After(sessions[1].CreatedAt))

	_, err = svc.Undo(ctx, testTenant, testTarget, lastID)
	require.NoError(t, err)
	_, err = svc.Undo(ctx, testTenant, testTarget, lastID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = svc.Undo(ctx, testTenant, "other-target", "")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStaging_UndoWithoutIDUsesMostRecent(t *testing.T) {
	svc, _ := newStaging(nil)
	ctx := context.Background()

	_, err := svc.StageAdd(ctx, testTenant, testTarget, []models.StagingParent{staged("A")}, "")
	require.NoError(t, err)
	_, err = svc.StageAdd(ctx, testTenant, testTarget, []models.StagingParent{staged("B")}, "")
	require.NoError(t, err)

	res, err := svc.Undo(ctx, testTenant, testTarget, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)

	rows := listed(t, svc)
	require.Len(t, rows, 1)
	assert.Equal(t, "A", rows[0].ID)
}

func TestStaging_NoSessionWhenNothingChanged(t *testing.T) {
	svc, _ := newStaging(nil)
	ctx := context.Background()

	_, err := svc.StageAdd(ctx, testTenant, testTarget, []models.StagingParent{
		staged("A", models.StatusProcessed),
		staged("Empty"),
	}, "")
	require.NoError(t, err)

	res, err := svc.StageRemove(ctx, testTenant, testTarget, []string{"missing"}, "")
	require.NoError(t, err)
	assert.Nil(t, res.Session)
	assert.Zero(t, res.Removed)

	res, err = svc.SetStatus(ctx, testTenant, testTarget, []string{"A", "Empty"}, "ERROR", "")
	require.NoError(t, err)
	assert.Nil(t, res.Session, "PROCESSED cannot go to ERROR and variantless parents are skipped")
	assert.Zero(t, res.Updated)

	sessions, err := svc.Sessions(ctx, testTenant, testTarget)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestStaging_StatusTransitions(t *testing.T) {
	svc, _ := newStaging(nil)
	ctx := context.Background()

	_, err := svc.StageAdd(ctx, testTenant, testTarget, []models.StagingParent{staged("A", models.StatusPending, models.StatusPending)}, "")
	require.NoError(t, err)

	_, err = svc.ApplyPushResults(ctx, testTenant, testTarget, []VariantOutcome{
		{ParentID: "a", VariantID: "A-v1"},
		{ParentID: "a", VariantID: "A-v2", Error: "missing inventory item"},
	}, false, "")
	require.NoError(t, err)

	row := listed(t, svc)[0]
	assert.Equal(t, models.StatusError, row.Status)
	assert.Equal(t, 1, row.ProcessedCount)
	assert.Equal(t, 1, row.ErrorCount)
	assert.Equal(t, "missing inventory item", row.Variants[1].Error)

	_, err = svc.SetStatus(ctx, testTenant, testTarget, []string{"A"}, "PENDING", "retry")
	require.NoError(t, err)
	row = listed(t, svc)[0]
	assert.Equal(t, models.StatusPending, row.Status)
	assert.Equal(t, 2, row.PendingCount)
	assert.Empty(t, row.Variants[1].Error)

	_, err = svc.SetStatus(ctx, testTenant, testTarget, []string{"A"}, "shipped", "")
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "status", vErr.Field)
}

func TestStaging_PushResultsOnlyRecordedWhenAsked(t *testing.T) {
	svc, _ := newStaging(nil)
	ctx := context.Background()

	_, err := svc.StageAdd(ctx, testTenant, testTarget, []models.StagingParent{staged("A", models.StatusPending)}, "")
	require.NoError(t, err)
	res, err := svc.ApplyPushResults(ctx, testTenant, testTarget, []VariantOutcome{{ParentID: "A", VariantID: "A-v1"}}, false, "")
	require.NoError(t, err)
	assert.Nil(t, res.Session)
	assert.Equal(t, 1, res.Updated)

	// already processed, so a second push outcome changes nothing
	res, err = svc.ApplyPushResults(ctx, testTenant, testTarget, []VariantOutcome{{ParentID: "A", VariantID: "A-v1", Error: "late"}}, true, "")
	require.NoError(t, err)
	assert.Zero(t, res.Updated)
	assert.Nil(t, res.Session)
}

func TestStaging_WriteThroughSurvivesRestart(t *testing.T) {
	store := repository.NewMemoryStagingStore()
	ctx := context.Background()

	svc, _ := newStaging(store)
	_, err := svc.StageAdd(ctx, testTenant, testTarget, []models.StagingParent{staged("A", models.StatusPending), staged("B")}, "seed")
	require.NoError(t, err)
	res, err := svc.StageRemove(ctx, testTenant, testTarget, []string{"A"}, "")
	require.NoError(t, err)
	assert.Equal(t, "memory", res.Backend)

	restarted, _ := newStaging(store)
	rows := listed(t, restarted)
	require.Len(t, rows, 1)
	assert.Equal(t, "B", rows[0].ID)

	sessions, err := restarted.Sessions(ctx, testTenant, testTarget)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	_, err = restarted.Undo(ctx, testTenant, testTarget, "")
	require.NoError(t, err)
	assert.Len(t, listed(t, restarted), 2)
}

type mockStagingStore struct {
	mock.Mock
}

func (m *mockStagingStore) LoadParents(ctx context.Context, tenantID, target string) ([]models.StagingParent, error) {
	args := m.Called(ctx, tenantID, target)
	rows, _ := args.Get(0).([]models.StagingParent)
	return rows, args.Error(1)
}

func (m *mockStagingStore) SaveParents(ctx context.Context, parents []models.StagingParent) error {
	return m.Called(ctx, parents).Error(0)
}

func (m *mockStagingStore) DeleteParents(ctx context.Context, tenantID, target string, keys []string) error {
	return m.Called(ctx, tenantID, target, keys).Error(0)
}

func (m *mockStagingStore) LoadSessions(ctx context.Context, tenantID, target string, limit int) ([]models.UndoSession, error) {
	args := m.Called(ctx, tenantID, target, limit)
	sessions, _ := args.Get(0).([]models.UndoSession)
	return sessions, args.Error(1)
}

func (m *mockStagingStore) SaveSession(ctx context.Context, session *models.UndoSession, retain int) error {
	return m.Called(ctx, session, retain).Error(0)
}

func (m *mockStagingStore) DeleteSession(ctx context.Context, tenantID, target, id string) error {
	return m.Called(ctx, tenantID, target, id).Error(0)
}

func (m *mockStagingStore) Name() string {
	return "postgres"
}

func TestStaging_StoreFailureFallsBackToMemory(t *testing.T) {
	store := new(mockStagingStore)
	down := errors.New("connection refused")
	store.On("LoadParents", mock.Anything, testTenant, testTarget).Return([]models.StagingParent{}, nil).Once()
	store.On("LoadSessions", mock.Anything, testTenant, testTarget, DefaultUndoRetention).Return([]models.UndoSession{}, nil).Once()
	store.On("SaveParents", mock.Anything, mock.Anything).Return(down)
	store.On("SaveSession", mock.Anything, mock.Anything, DefaultUndoRetention).Return(down)
	store.On("DeleteParents", mock.Anything, testTenant, testTarget, []string{"a"}).Return(nil)
	store.On("DeleteSession", mock.Anything, testTenant, testTarget, mock.Anything).Return(nil)

	svc, _ := newStaging(store)
	ctx := context.Background()

	res, err := svc.StageAdd(ctx, testTenant, testTarget, []models.StagingParent{staged("A", models.StatusPending)}, "")
	require.NoError(t, err)
	assert.Equal(t, "memory", res.Backend)
	assert.Contains(t, res.Warning, "connection refused")
	require.NotNil(t, res.Session, "the in-memory journal still commits")

	rows := listed(t, svc)
	require.Len(t, rows, 1)

	undone, err := svc.Undo(ctx, testTenant, testTarget, "")
	require.NoError(t, err)
	assert.Equal(t, "postgres", undone.Backend)
	assert.Empty(t, listed(t, svc))

	store.AssertExpectations(t)
}

// flakyStagingStore fails the first loadFailures parent loads
type flakyStagingStore struct {
	*repository.MemoryStagingStore
	loadFailures int
	deleted      []string
}

func (f *flakyStagingStore) LoadParents(ctx context.Context, tenantID, target string) ([]models.StagingParent, error) {
	if f.loadFailures > 0 {
		f.loadFailures--
		return nil, errors.New("connection reset")
	}
	return f.MemoryStagingStore.LoadParents(ctx, tenantID, target)
}

func (f *flakyStagingStore) DeleteParents(ctx context.Context, tenantID, target string, keys []string) error {
	f.deleted = append(f.deleted, keys...)
	return f.MemoryStagingStore.DeleteParents(ctx, tenantID, target, keys)
}

func (f *flakyStagingStore) Name() string {
	return "postgres"
}

func persisted(id string) models.StagingParent {
	row := staged(id, models.StatusPending)
	row.TenantID, row.Target = testTenant, testTarget
	row.Refresh()
	return row
}

func TestStaging_FailedLoadIsRetried(t *testing.T) {
	ctx := context.Background()
	store := &flakyStagingStore{MemoryStagingStore: repository.NewMemoryStagingStore(), loadFailures: 1}
	a, b := persisted("A"), persisted("B")
	a.Position, b.Position = 0, 1
	require.NoError(t, store.SaveParents(ctx, []models.StagingParent{a, b}))

	svc, _ := newStaging(store)

	res, err := svc.List(ctx, testTenant, testTarget)
	require.NoError(t, err)
	assert.Equal(t, "memory", res.Backend)
	assert.Contains(t, res.Warning, "connection reset")
	assert.Empty(t, res.Parents)

	res, err = svc.List(ctx, testTenant, testTarget)
	require.NoError(t, err)
	assert.Equal(t, "postgres", res.Backend)
	assert.Empty(t, res.Warning)
	require.Len(t, res.Parents, 2)

	replacement := staged("a", models.StatusPending)
	replacement.Title = "Renamed"
	_, err = svc.StageAdd(ctx, testTenant, testTarget, []models.StagingParent{replacement}, "")
	require.NoError(t, err)

	undone, err := svc.Undo(ctx, testTenant, testTarget, "")
	require.NoError(t, err)
	assert.Equal(t, "postgres", undone.Backend)
	assert.Empty(t, store.deleted)

	stored, err := store.MemoryStagingStore.LoadParents(ctx, testTenant, testTarget)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "A", stored[0].ID)
	assert.Equal(t, "Title A", stored[0].Title)
}

func TestStaging_MemoryOnlyChangesMergeOnRecoveredLoad(t *testing.T) {
	ctx := context.Background()
	store := &flakyStagingStore{MemoryStagingStore: repository.NewMemoryStagingStore(), loadFailures: 1}
	a, b := persisted("A"), persisted("B")
	a.Position, b.Position = 0, 1
	require.NoError(t, store.SaveParents(ctx, []models.StagingParent{a, b}))

	svc, _ := newStaging(store)

	replacement := staged("A", models.StatusPending)
	replacement.Title = "Renamed"
	res, err := svc.StageAdd(ctx, testTenant, testTarget, []models.StagingParent{replacement, staged("C", models.StatusPending)}, "offline")
	require.NoError(t, err)
	assert.Equal(t, "memory", res.Backend)
	assert.Contains(t, res.Warning, "load staged rows")

	rows := listed(t, svc)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"A", "B", "C"}, []string{rows[0].ID, rows[1].ID, rows[2].ID})
	assert.Equal(t, "Renamed", rows[0].Title)

	stored, err := store.MemoryStagingStore.LoadParents(ctx, testTenant, testTarget)
	require.NoError(t, err)
	assert.Len(t, stored, 3)
	sessions, err := store.LoadSessions(ctx, testTenant, testTarget, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	_, err = svc.Undo(ctx, testTenant, testTarget, "")
	require.NoError(t, err)

	rows = listed(t, svc)
	require.Len(t, rows, 2)
	assert.Equal(t, "A", rows[0].ID)
	assert.Equal(t, "Title A", rows[0].Title)
	assert.Equal(t, "B", rows[1].ID)
	assert.Equal(t, []string{"c"}, store.deleted)
}
