package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-sync-service/internal/cache"
	"catalog-sync-service/internal/clients"
	"catalog-sync-service/internal/clients/lightspeed"
	"catalog-sync-service/internal/clock"
)

type countingSource struct {
	mu         sync.Mutex
	items      []lightspeed.Item
	itemsErr   error
	forced     []bool
	itemCalls  atomic.Int32
	shopCalls  atomic.Int32
	catCalls   atomic.Int32
	release    chan struct{}
	tokenError error
}

func (s *countingSource) EnsureToken(ctx context.Context, force bool) error {
	s.mu.Lock()
	s.forced = append(s.forced, force)
	s.mu.Unlock()
	return s.tokenError
}

func (s *countingSource) ListItems(ctx context.Context) ([]lightspeed.Item, error) {
	s.itemCalls.Add(1)
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items, s.itemsErr
}

func (s *countingSource) ListShops(ctx context.Context) ([]lightspeed.Shop, error) {
	s.shopCalls.Add(1)
	shops, _ := lightspeed.ParseShops([]json.RawMessage{
		json.RawMessage(`{"shopID":"1","name":"Main Store"}`),
		json.RawMessage(`{"shopID":"2","name":"Warehouse"}`),
	})
	return shops, nil
}

func (s *countingSource) ListCategories(ctx context.Context) ([]lightspeed.Category, error) {
	s.catCalls.Add(1)
	categories, _ := lightspeed.ParseCategories([]json.RawMessage{
		json.RawMessage(`{"categoryID":"10","name":"Tees","fullPathName":"Apparel/Tees"}`),
	})
	return categories, nil
}

func newCountingSource(t *testing.T) *countingSource {
	return &countingSource{items: []lightspeed.Item{
		parseItem(t, `{"itemID":"1","customSku":"A","description":"Red Tee","categoryID":"10",
			"ItemShops":{"ItemShop":[{"shopID":"1","qoh":"4"},{"shopID":"2","qoh":"1"}]}}`),
		parseItem(t, `{"itemID":"2","customSku":"B","description":"Mug"}`),
	}}
}

type failingRemote struct{}

func (failingRemote) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, errors.New("connection refused")
}

func (failingRemote) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errors.New("connection refused")
}

func (failingRemote) Name() string { return "redis" }

func TestCatalogService_CacheFreshness(t *testing.T) {
	src := newCountingSource(t)
	clk := clock.NewFake(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	svc := NewCatalogService(src, nil, CatalogConfig{}, clk, nil, nil, nil, nil)
	ctx := context.Background()

	snap, info, err := svc.Snapshot(ctx, false)
	require.NoError(t, err)
	assert.True(t, info.Refreshed)
	assert.Equal(t, cache.BackendMemory, info.Backend)
	require.Len(t, snap.Rows, 2)
	assert.Equal(t, "Apparel/Tees", snap.Rows[0].Category)
	assert.Equal(t, []string{"Main Store", "Warehouse"}, snap.Locations)

	clk.Advance(DefaultSnapshotTTL - time.Second)
	_, info, err = svc.Snapshot(ctx, false)
	require.NoError(t, err)
	assert.False(t, info.Refreshed)
	assert.Equal(t, int32(1), src.itemCalls.Load(), "no source calls within the snapshot TTL")

	clk.Advance(2 * time.Second)
	_, info, err = svc.Snapshot(ctx, false)
	require.NoError(t, err)
	assert.True(t, info.Refreshed)
	assert.Equal(t, int32(2), src.itemCalls.Load())
	assert.Equal(t, int32(1), src.shopCalls.Load(), "lookups outlive the snapshot")
	assert.Equal(t, int32(1), src.catCalls.Load())

	clk.Advance(DefaultLookupTTL)
	_, _, err = svc.Snapshot(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.shopCalls.Load())
}

func TestCatalogService_ForceRefreshPropagates(t *testing.T) {
	src := newCountingSource(t)
	svc := NewCatalogService(src, nil, CatalogConfig{}, clock.NewFake(time.Now()), nil, nil, nil, nil)
	ctx := context.Background()

	_, _, err := svc.Snapshot(ctx, false)
	require.NoError(t, err)
	_, info, err := svc.Snapshot(ctx, true)
	require.NoError(t, err)

	assert.True(t, info.Refreshed)
	assert.Equal(t, []bool{false, true}, src.forced)
	assert.Equal(t, int32(2), src.itemCalls.Load())
	assert.Equal(t, int32(2), src.shopCalls.Load(), "force bypasses lookup caches too")
}

func TestCatalogService_FailedRefreshKeepsPreviousSnapshot(t *testing.T) {
	src := newCountingSource(t)
	clk := clock.NewFake(time.Now())
	svc := NewCatalogService(src, nil, CatalogConfig{}, clk, nil, nil, nil, nil)
	ctx := context.Background()

	first, _, err := svc.Snapshot(ctx, false)
	require.NoError(t, err)

	src.itemsErr = &clients.RequestError{Operation: "list Item", StatusCode: 500, Message: "boom"}
	clk.Advance(DefaultSnapshotTTL)
	_, _, err = svc.Snapshot(ctx, false)
	var reqErr *clients.RequestError
	require.ErrorAs(t, err, &reqErr)

	kept, ok := svc.snapshot.Peek()
	require.True(t, ok)
	assert.Equal(t, first.FetchedAt, kept.FetchedAt)
	assert.Len(t, kept.Rows, 2)
}

func TestCatalogService_ConcurrentRefreshesShareOneFetch(t *testing.T) {
	src := newCountingSource(t)
	src.release = make(chan struct{})
	svc := NewCatalogService(src, nil, CatalogConfig{}, clock.NewFake(time.Now()), nil, nil, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := svc.Snapshot(context.Background(), false)
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return src.itemCalls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(src.release)
	wg.Wait()

	assert.Equal(t, int32(1), src.itemCalls.Load())
}

func TestCatalogService_CancelledCallerDoesNotAbortSharedRefresh(t *testing.T) {
	src := newCountingSource(t)
	src.release = make(chan struct{})
	svc := NewCatalogService(src, nil, CatalogConfig{}, clock.NewFake(time.Now()), nil, nil, nil, nil)

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, _, err := svc.Snapshot(leaderCtx, false)
		leaderErr <- err
	}()
	require.Eventually(t, func() bool { return src.itemCalls.Load() == 1 }, time.Second, 5*time.Millisecond)

	follower := make(chan *Snapshot, 1)
	go func() {
		snap, _, err := svc.Snapshot(context.Background(), false)
		assert.NoError(t, err)
		follower <- snap
	}()

	cancel()
	select {
	case err := <-leaderErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	close(src.release)
	select {
	case snap := <-follower:
		require.NotNil(t, snap)
		assert.Len(t, snap.Rows, 2)
	case <-time.After(time.Second):
		t.Fatal("follower never received the snapshot")
	}
	assert.Equal(t, int32(1), src.itemCalls.Load())
}

func TestCatalogService_RemoteFailureDegradesToMemory(t *testing.T) {
	src := newCountingSource(t)
	svc := NewCatalogService(src, nil, CatalogConfig{}, clock.NewFake(time.Now()), failingRemote{}, nil, nil, nil)

	snap, info, err := svc.Snapshot(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, snap.Rows, 2)
	assert.Equal(t, cache.BackendMemory, info.Backend)
	assert.Contains(t, info.Warning, "connection refused")
}

func TestCatalogService_QueryRejectsBeforeNetwork(t *testing.T) {
	src := newCountingSource(t)
	svc := NewCatalogService(src, nil, CatalogConfig{}, clock.NewFake(time.Now()), nil, nil, nil, nil)

	_, _, err := svc.Query(context.Background(), QueryRequest{Page: 0, PageSize: 10}, false)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Empty(t, src.forced)
	assert.Zero(t, src.itemCalls.Load())
}

func TestCatalogService_QueryFacetsAndExport(t *testing.T) {
	src := newCountingSource(t)
	svc := NewCatalogService(src, NewQueryEngine(1), CatalogConfig{}, clock.NewFake(time.Now()), nil, nil, nil, nil)
	ctx := context.Background()

	res, _, err := svc.Query(ctx, QueryRequest{Search: "tee", Page: 1, PageSize: 10}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, ids(res.Rows))

	facets, _, err := svc.Facets(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"Apparel/Tees", "Uncategorized"}, facets.Categories)

	exported, locations, err := svc.Export(ctx, QueryRequest{}, false)
	require.NoError(t, err)
	assert.True(t, exported.Truncated)
	assert.Len(t, exported.Rows, 1)
	assert.Equal(t, []string{"Main Store", "Warehouse"}, locations)
	assert.Equal(t, int32(1), src.itemCalls.Load())
}
