package repository

import (
	"context"
	"sort"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"catalog-sync-service/internal/models"
)

// StagingStore persists the staging journal per tenant and target
type StagingStore interface {
	LoadParents(ctx context.Context, tenantID, target string) ([]models.StagingParent, error)
	SaveParents(ctx context.Context, parents []models.StagingParent) error
	DeleteParents(ctx context.Context, tenantID, target string, keys []string) error

	// LoadSessions returns sessions most recent first
	LoadSessions(ctx context.Context, tenantID, target string, limit int) ([]models.UndoSession, error)
	// SaveSession stores a session and prunes everything beyond the newest retain sessions
	SaveSession(ctx context.Context, session *models.UndoSession, retain int) error
	DeleteSession(ctx context.Context, tenantID, target, id string) error

	Name() string
}

// StagingRepository is the Postgres-backed StagingStore
type StagingRepository struct {
	db *gorm.DB
}

// NewStagingRepository creates a new staging repository
func NewStagingRepository(db *gorm.DB) *StagingRepository {
	return &StagingRepository{db: db}
}

// Name identifies the backend in mutation results
func (r *StagingRepository) Name() string {
	return "postgres"
}

// LoadParents retrieves staged parents in staging order
func (r *StagingRepository) LoadParents(ctx context.Context, tenantID, target string) ([]models.StagingParent, error) {
	var parents []models.StagingParent
	if err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND target = ?", tenantID, target).
		Order("position ASC").
		Find(&parents).Error; err != nil {
		return nil, err
	}
	for i := range parents {
		parents[i].Refresh()
	}
	return parents, nil
}

// SaveParents upserts staged parents by (tenant, target, id key)
func (r *StagingRepository) SaveParents(ctx context.Context, parents []models.StagingParent) error {
	if len(parents) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "target"}, {Name: "id_key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"id", "product_id", "brand", "category", "title", "price", "stock",
			"status", "variants", "position", "updated_at",
		}),
	}).Create(&parents).Error
}

// DeleteParents removes staged parents by id key
func (r *StagingRepository) DeleteParents(ctx context.Context, tenantID, target string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Where("tenant_id = ? AND target = ? AND id_key IN ?", tenantID, target, keys).
		Delete(&models.StagingParent{}).Error
}

// LoadSessions retrieves the newest undo sessions
func (r *StagingRepository) LoadSessions(ctx context.Context, tenantID, target string, limit int) ([]models.UndoSession, error) {
	var sessions []models.UndoSession
	query := r.db.WithContext(ctx).
		Where("tenant_id = ? AND target = ?", tenantID, target).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

// SaveSession inserts a session and evicts the oldest beyond retain
func (r *StagingRepository) SaveSession(ctx context.Context, session *models.UndoSession, retain int) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(session).Error; err != nil {
			return err
		}
		if retain <= 0 {
			return nil
		}
		keep := tx.Model(&models.UndoSession{}).
			Select("id").
			Where("tenant_id = ? AND target = ?", session.TenantID, session.Target).
			Order("created_at DESC").
			Limit(retain)
		return tx.Where("tenant_id = ? AND target = ? AND id NOT IN (?)", session.TenantID, session.Target, keep).
			Delete(&models.UndoSession{}).Error
	})
}

// DeleteSession removes a consumed session
func (r *StagingRepository) DeleteSession(ctx context.Context, tenantID, target, id string) error {
	return r.db.WithContext(ctx).
		Where("tenant_id = ? AND target = ? AND id = ?", tenantID, target, id).
		Delete(&models.UndoSession{}).Error
}

// MemoryStagingStore keeps the journal in process memory
type MemoryStagingStore struct {
	mu       sync.RWMutex
	parents  map[string]map[string]models.StagingParent
	sessions map[string][]models.UndoSession
}

// NewMemoryStagingStore creates an empty in-memory store
func NewMemoryStagingStore() *MemoryStagingStore {
	return &MemoryStagingStore{
		parents:  make(map[string]map[string]models.StagingParent),
		sessions: make(map[string][]models.UndoSession),
	}
}

func scopeKey(tenantID, target string) string {
	return tenantID + "\x00" + target
}

func (s *MemoryStagingStore) Name() string {
	return "memory"
}

func (s *MemoryStagingStore) LoadParents(ctx context.Context, tenantID, target string) ([]models.StagingParent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scope := s.parents[scopeKey(tenantID, target)]
	out := make([]models.StagingParent, 0, len(scope))
	for _, p := range scope {
		out = append(out, p.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *MemoryStagingStore) SaveParents(ctx context.Context, parents []models.StagingParent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range parents {
		key := scopeKey(p.TenantID, p.Target)
		if s.parents[key] == nil {
			s.parents[key] = make(map[string]models.StagingParent)
		}
		s.parents[key][p.IDKey] = p.Clone()
	}
	return nil
}

func (s *MemoryStagingStore) DeleteParents(ctx context.Context, tenantID, target string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	scope := s.parents[scopeKey(tenantID, target)]
	for _, k := range keys {
		delete(scope, k)
	}
	return nil
}

func (s *MemoryStagingStore) LoadSessions(ctx context.Context, tenantID, target string, limit int) ([]models.UndoSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := s.sessions[scopeKey(tenantID, target)]
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return append([]models.UndoSession(nil), sessions...), nil
}

func (s *MemoryStagingStore) SaveSession(ctx context.Context, session *models.UndoSession, retain int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := scopeKey(session.TenantID, session.Target)
	sessions := append([]models.UndoSession{*session}, s.sessions[key]...)
	if retain > 0 && len(sessions) > retain {
		sessions = sessions[:retain]
	}
	s.sessions[key] = sessions
	return nil
}

func (s *MemoryStagingStore) DeleteSession(ctx context.Context, tenantID, target, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := scopeKey(tenantID, target)
	sessions := s.sessions[key]
	for i := range sessions {
		if sessions[i].ID == id {
			s.sessions[key] = append(sessions[:i:i], sessions[i+1:]...)
			break
		}
	}
	return nil
}
