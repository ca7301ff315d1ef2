package services

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"catalog-sync-service/internal/cache"
	"catalog-sync-service/internal/clients/lightspeed"
	"catalog-sync-service/internal/clock"
	"catalog-sync-service/internal/events"
	"catalog-sync-service/internal/metrics"
	"catalog-sync-service/internal/models"
)

const (
	DefaultLookupTTL   = 15 * time.Minute
	DefaultSnapshotTTL = 2 * time.Minute

	cacheKeyLocations  = "lookup:locations"
	cacheKeyCategories = "lookup:categories"
	cacheKeySnapshot   = "snapshot"
)

// SourceCatalog is the read side of the source system
type SourceCatalog interface {
	EnsureToken(ctx context.Context, force bool) error
	ListItems(ctx context.Context) ([]lightspeed.Item, error)
	ListShops(ctx context.Context) ([]lightspeed.Shop, error)
	ListCategories(ctx context.Context) ([]lightspeed.Category, error)
}

// CatalogConfig holds cache lifetimes
type CatalogConfig struct {
	LookupTTL   time.Duration
	SnapshotTTL time.Duration
}

// Snapshot is the full normalized catalog as of its last successful fetch
type Snapshot struct {
	Rows      []models.CatalogRow `json:"rows"`
	Locations []string            `json:"locations"`
	FetchedAt time.Time           `json:"fetchedAt"`
}

// RefreshInfo tells the caller where the data came from
type RefreshInfo struct {
	Backend   string    `json:"backend"`
	Warning   string    `json:"warning,omitempty"`
	Refreshed bool      `json:"refreshed"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// CatalogService owns the snapshot and reference lookups
type CatalogService struct {
	source    SourceCatalog
	engine    *QueryEngine
	clock     clock.Clock
	metrics   *metrics.Metrics
	publisher *events.Publisher
	logger    *logrus.Entry

	locations  *cache.Mirrored[map[string]string]
	categories *cache.Mirrored[map[string]string]
	snapshot   *cache.Mirrored[Snapshot]
	group      singleflight.Group
}

// NewCatalogService creates a catalog service. remote may be nil for memory-only caching.
func NewCatalogService(
	source SourceCatalog,
	engine *QueryEngine,
	cfg CatalogConfig,
	clk clock.Clock,
	remote cache.Remote,
	m *metrics.Metrics,
	publisher *events.Publisher,
	logger *logrus.Entry,
) *CatalogService {
	if cfg.LookupTTL <= 0 {
		cfg.LookupTTL = DefaultLookupTTL
	}
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = DefaultSnapshotTTL
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if engine == nil {
		engine = NewQueryEngine(0)
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &CatalogService{
		source:     source,
		engine:     engine,
		clock:      clk,
		metrics:    m,
		publisher:  publisher,
		logger:     logger.WithField("component", "catalog_service"),
		locations:  cache.NewMirrored[map[string]string](cacheKeyLocations, cfg.LookupTTL, clk, remote),
		categories: cache.NewMirrored[map[string]string](cacheKeyCategories, cfg.LookupTTL, clk, remote),
		snapshot:   cache.NewMirrored[Snapshot](cacheKeySnapshot, cfg.SnapshotTTL, clk, remote),
	}
}

// refreshState accumulates cache warnings during one request
type refreshState struct {
	backend  string
	warnings []string
}

func (r *refreshState) degrade(warning string) {
	r.backend = cache.BackendMemory
	r.warnings = append(r.warnings, warning)
}

func (r *refreshState) info(refreshed bool, fetchedAt time.Time) RefreshInfo {
	return RefreshInfo{
		Backend:   r.backend,
		Warning:   strings.Join(r.warnings, "; "),
		Refreshed: refreshed,
		FetchedAt: fetchedAt,
	}
}

type snapshotResult struct {
	snapshot Snapshot
	info     RefreshInfo
}

// Snapshot returns the current catalog, refetching when stale or forced.
// Concurrent refreshes share one fetch.
func (s *CatalogService) Snapshot(ctx context.Context, force bool) (*Snapshot, RefreshInfo, error) {
	state := &refreshState{backend: s.snapshot.Backend()}
	if !force {
		snap, fresh, err := s.snapshot.Load(ctx)
		if err != nil {
			s.logger.WithError(err).Warn("Snapshot mirror unavailable, using memory")
			state.degrade("snapshot cache: " + err.Error())
		}
		s.metrics.CacheLookup(cacheKeySnapshot, fresh)
		if fresh {
			return &snap, state.info(false, snap.FetchedAt), nil
		}
	}

	key := cacheKeySnapshot
	if force {
		key += ":force"
	}
	// source calls carry their own auth and list timeouts
	shared := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (interface{}, error) {
		return s.refresh(shared, force, state)
	})
	var r singleflight.Result
	select {
	case r = <-ch:
	case <-ctx.Done():
		return nil, RefreshInfo{}, ctx.Err()
	}
	if r.Err != nil {
		return nil, RefreshInfo{}, r.Err
	}
	res := r.Val.(*snapshotResult)
	snap := res.snapshot
	info := res.info
	if len(state.warnings) > 0 && info.Warning == "" {
		info = state.info(true, snap.FetchedAt)
	}
	return &snap, info, nil
}

// refresh fetches lookups and items, then replaces the snapshot. Nothing is stored on failure.
func (s *CatalogService) refresh(ctx context.Context, force bool, state *refreshState) (*snapshotResult, error) {
	if err := s.source.EnsureToken(ctx, force); err != nil {
		return nil, err
	}

	locations, err := s.lookup(ctx, s.locations, force, state, s.fetchLocations)
	if err != nil {
		return nil, err
	}
	categories, err := s.lookup(ctx, s.categories, force, state, s.fetchCategories)
	if err != nil {
		return nil, err
	}

	items, err := s.source.ListItems(ctx)
	if err != nil {
		return nil, err
	}

	rows := make([]models.CatalogRow, 0, len(items))
	for i, item := range items {
		rows = append(rows, Normalize(item, i, locations, categories))
	}
	snap := Snapshot{
		Rows:      rows,
		Locations: locationNames(locations),
		FetchedAt: s.clock.Now(),
	}

	if err := s.snapshot.Store(ctx, snap); err != nil {
		s.logger.WithError(err).Warn("Failed to mirror snapshot")
		state.degrade("snapshot cache: " + err.Error())
	}

	s.metrics.SnapshotRows(len(rows))
	s.publisher.PublishSnapshot(events.SnapshotEvent{
		Rows:      len(rows),
		Locations: len(snap.Locations),
		Backend:   state.backend,
		Timestamp: snap.FetchedAt,
	})
	s.logger.WithFields(logrus.Fields{
		"rows":      len(rows),
		"locations": len(snap.Locations),
		"forced":    force,
	}).Info("Catalog snapshot refreshed")

	return &snapshotResult{snapshot: snap, info: state.info(true, snap.FetchedAt)}, nil
}

func (s *CatalogService) lookup(
	ctx context.Context,
	c *cache.Mirrored[map[string]string],
	force bool,
	state *refreshState,
	fetch func(context.Context) (map[string]string, error),
) (map[string]string, error) {
	if !force {
		value, fresh, err := c.Load(ctx)
		if err != nil {
			s.logger.WithError(err).Warn("Lookup mirror unavailable, using memory")
			state.degrade("lookup cache: " + err.Error())
		}
		if fresh {
			return value, nil
		}
	}

	value, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.Store(ctx, value); err != nil {
		s.logger.WithError(err).Warn("Failed to mirror lookup")
		state.degrade("lookup cache: " + err.Error())
	}
	return value, nil
}

func (s *CatalogService) fetchLocations(ctx context.Context) (map[string]string, error) {
	shops, err := s.source.ListShops(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(shops))
	for _, shop := range shops {
		id, name := shop.ShopID.String(), shop.Name.String()
		if id == "" || name == "" {
			continue
		}
		out[id] = name
	}
	return out, nil
}

func (s *CatalogService) fetchCategories(ctx context.Context) (map[string]string, error) {
	categories, err := s.source.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(categories))
	for _, c := range categories {
		id := c.CategoryID.String()
		label := c.FullPathName.String()
		if label == "" {
			label = c.Name.String()
		}
		if id == "" || label == "" {
			continue
		}
		out[id] = label
	}
	return out, nil
}

func locationNames(locations map[string]string) []string {
	seen := make(map[string]bool, len(locations))
	names := make([]string, 0, len(locations))
	for _, name := range locations {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Query validates the request, then serves it from the snapshot
func (s *CatalogService) Query(ctx context.Context, req QueryRequest, force bool) (*QueryResult, RefreshInfo, error) {
	if err := s.engine.Validate(req); err != nil {
		return nil, RefreshInfo{}, err
	}
	snap, info, err := s.Snapshot(ctx, force)
	if err != nil {
		return nil, RefreshInfo{}, err
	}
	res, err := s.engine.Query(snap.Rows, req)
	if err != nil {
		return nil, RefreshInfo{}, err
	}
	return res, info, nil
}

// Facets lists filter values present in the snapshot
func (s *CatalogService) Facets(ctx context.Context, force bool) (models.Facets, RefreshInfo, error) {
	snap, info, err := s.Snapshot(ctx, force)
	if err != nil {
		return models.Facets{}, RefreshInfo{}, err
	}
	return BuildFacets(snap.Rows, snap.Locations), info, nil
}

// Export runs the query in export-all mode and returns the rows with the snapshot's locations
func (s *CatalogService) Export(ctx context.Context, req QueryRequest, force bool) (*QueryResult, []string, error) {
	req.ExportAll = true
	if req.Page < 1 {
		req.Page = 1
	}
	if req.PageSize < 1 {
		req.PageSize = MaxPageSize
	}
	if err := s.engine.Validate(req); err != nil {
		return nil, nil, err
	}
	snap, _, err := s.Snapshot(ctx, force)
	if err != nil {
		return nil, nil, err
	}
	res, err := s.engine.Query(snap.Rows, req)
	if err != nil {
		return nil, nil, err
	}
	return res, snap.Locations, nil
}
