package services

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"catalog-sync-service/internal/clock"
	"catalog-sync-service/internal/events"
	"catalog-sync-service/internal/metrics"
	"catalog-sync-service/internal/models"
	"catalog-sync-service/internal/repository"
)

const (
	DefaultUndoRetention = 25

	ActionAdd    = "add"
	ActionRemove = "remove"
	ActionStatus = "status"
	ActionPush   = "push"
	ActionUndo   = "undo"

	backendMemory = "memory"
)

// MutationResult describes one committed journal mutation
type MutationResult struct {
	Upserted int                        `json:"upserted"`
	Removed  int                        `json:"removed"`
	Updated  int                        `json:"updated"`
	Session  *models.UndoSessionSummary `json:"undoSession,omitempty"`
	Backend  string                     `json:"backend"`
	Warning  string                     `json:"warning,omitempty"`
}

// ListResult is the staged rows of one tenant and target, in staging order
type ListResult struct {
	Parents []models.StagingParent `json:"parents"`
	Backend string                 `json:"backend"`
	Warning string                 `json:"warning,omitempty"`
}

// VariantOutcome is the push result for one staged variant. An empty Error means success.
type VariantOutcome struct {
	ParentID  string
	VariantID string
	Error     string
}

// journal is the in-memory state for one tenant and target
type journal struct {
	mu           sync.Mutex
	loaded       bool
	parents      map[string]*models.StagingParent
	sessions     []models.UndoSession
	nextPosition int64
}

// StagingService keeps staged rows and their undo sessions
type StagingService struct {
	store     repository.StagingStore
	retention int
	clock     clock.Clock
	metrics   *metrics.Metrics
	publisher *events.Publisher
	logger    *logrus.Entry

	mu       sync.Mutex
	journals map[string]*journal
}

// NewStagingService creates a staging service. A nil store keeps everything in memory.
func NewStagingService(
	store repository.StagingStore,
	retention int,
	clk clock.Clock,
	m *metrics.Metrics,
	publisher *events.Publisher,
	logger *logrus.Entry,
) *StagingService {
	if store == nil {
		store = repository.NewMemoryStagingStore()
	}
	if retention <= 0 {
		retention = DefaultUndoRetention
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &StagingService{
		store:     store,
		retention: retention,
		clock:     clk,
		metrics:   m,
		publisher: publisher,
		logger:    logger.WithField("component", "staging_service"),
		journals:  make(map[string]*journal),
	}
}

// persistence tracks the backend outcome of one operation
type persistence struct {
	backend  string
	warnings []string
}

func (p *persistence) fail(what string, err error) {
	p.backend = backendMemory
	p.warnings = append(p.warnings, what+": "+err.Error())
}

func (p *persistence) warning() string {
	return strings.Join(p.warnings, "; ")
}

func validateScope(tenantID, target string) error {
	if strings.TrimSpace(tenantID) == "" {
		return &ValidationError{Field: "tenantId", Message: "is required"}
	}
	if strings.TrimSpace(target) == "" {
		return &ValidationError{Field: "target", Message: "is required"}
	}
	return nil
}

// journalFor returns the locked journal for the scope. Until the store has been read once
// successfully every call retries the load, and the journal runs memory-only in the meantime.
// The caller must unlock it.
func (s *StagingService) journalFor(ctx context.Context, tenantID, target string, p *persistence) *journal {
	key := scopeKey(tenantID, target)
	s.mu.Lock()
	j, ok := s.journals[key]
	if !ok {
		j = &journal{parents: make(map[string]*models.StagingParent)}
		s.journals[key] = j
	}
	s.mu.Unlock()

	j.mu.Lock()
	if j.loaded {
		return j
	}

	parents, err := s.store.LoadParents(ctx, tenantID, target)
	if err != nil {
		s.logger.WithError(err).WithField("tenant_id", tenantID).Warn("Failed to load staged rows, journal kept in memory")
		p.fail("load staged rows", err)
		return j
	}
	sessions, err := s.store.LoadSessions(ctx, tenantID, target, s.retention)
	if err != nil {
		s.logger.WithError(err).WithField("tenant_id", tenantID).Warn("Failed to load undo sessions, journal kept in memory")
		p.fail("load undo sessions", err)
		return j
	}

	s.reconcile(ctx, j, tenantID, target, parents, sessions, p)
	j.loaded = true
	return j
}

// reconcile merges the first successful store read into a journal that may already hold
// memory-only mutations. Memory state is newer and wins. A stored row that a memory session
// treated as new gets its remove entry replaced by a restore of the stored row, so undoing
// that session brings the stored row back instead of deleting it.
func (s *StagingService) reconcile(
	ctx context.Context,
	j *journal,
	tenantID, target string,
	stored []models.StagingParent,
	storedSessions []models.UndoSession,
	p *persistence,
) {
	byKey := make(map[string]models.StagingParent, len(stored))
	var offset int64
	for i := range stored {
		row := stored[i].Clone()
		row.Refresh()
		byKey[row.IDKey] = row
		if row.Position >= offset {
			offset = row.Position + 1
		}
	}

	offline := len(j.parents) > 0 || len(j.sessions) > 0
	if offline {
		shiftPositions(j, offset)
	}

	// oldest memory session first
	touched := make(map[string]bool)
	for i := len(j.sessions) - 1; i >= 0; i-- {
		ops := j.sessions[i].Operations
		var rewritten models.UndoOperations
		for _, op := range ops {
			switch op.Kind {
			case models.OpRemoveRows:
				var keep []string
				var restore []models.StagingParent
				for _, id := range op.ParentIDs {
					k := models.KeyOf(id)
					if row, ok := byKey[k]; ok && !touched[k] {
						restore = append(restore, row.Clone())
					} else {
						keep = append(keep, id)
					}
					touched[k] = true
				}
				if len(restore) > 0 {
					rewritten = append(rewritten, models.RestoreRows(restore))
				}
				if len(keep) > 0 {
					rewritten = append(rewritten, models.RemoveRows(keep))
				}
			case models.OpRestoreRows:
				for r := range op.Rows {
					k := models.KeyOf(op.Rows[r].ID)
					if row, ok := byKey[k]; ok {
						op.Rows[r].Position = row.Position
						op.Rows[r].CreatedAt = row.CreatedAt
					}
					touched[k] = true
				}
				rewritten = append(rewritten, op)
			default:
				rewritten = append(rewritten, op)
			}
		}
		j.sessions[i].Operations = rewritten
	}

	var (
		save    []models.StagingParent
		deleted []string
	)
	for k, row := range j.parents {
		if prior, ok := byKey[k]; ok {
			row.Position = prior.Position
			row.CreatedAt = prior.CreatedAt
		}
		touched[k] = true
		save = append(save, row.Clone())
	}
	for k, row := range byKey {
		if _, ok := j.parents[k]; ok {
			continue
		}
		if touched[k] {
			deleted = append(deleted, k)
			continue
		}
		r := row
		j.parents[k] = &r
	}

	for _, row := range j.parents {
		if row.Position >= j.nextPosition {
			j.nextPosition = row.Position + 1
		}
	}

	memorySessions := j.sessions
	j.sessions = append(append([]models.UndoSession{}, memorySessions...), storedSessions...)
	if len(j.sessions) > s.retention {
		j.sessions = j.sessions[:s.retention]
	}

	if !offline {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"tenant_id": tenantID,
		"target":    target,
		"rows":      len(save),
		"deleted":   len(deleted),
		"sessions":  len(memorySessions),
	}).Info("Merging memory-only staging changes into store")

	if len(save) > 0 {
		sort.Slice(save, func(a, b int) bool { return save[a].Position < save[b].Position })
		if err := s.store.SaveParents(ctx, save); err != nil {
			s.logger.WithError(err).Warn("Failed to persist merged staged rows")
			p.fail("save staged rows", err)
		}
	}
	if len(deleted) > 0 {
		sort.Strings(deleted)
		if err := s.store.DeleteParents(ctx, tenantID, target, deleted); err != nil {
			s.logger.WithError(err).Warn("Failed to delete merged staged rows")
			p.fail("delete staged rows", err)
		}
	}
	for i := len(memorySessions) - 1; i >= 0; i-- {
		if err := s.store.SaveSession(ctx, &memorySessions[i], s.retention); err != nil {
			s.logger.WithError(err).Warn("Failed to persist merged undo session")
			p.fail("save undo session", err)
			break
		}
	}
}

// shiftPositions moves memory-only rows, and the rows their sessions restore, behind the stored rows
func shiftPositions(j *journal, offset int64) {
	if offset == 0 {
		return
	}
	for _, row := range j.parents {
		row.Position += offset
	}
	for i := range j.sessions {
		for _, op := range j.sessions[i].Operations {
			for r := range op.Rows {
				op.Rows[r].Position += offset
			}
		}
	}
}

// StageAdd upserts parents by case-insensitive id. Undo restores replaced rows and removes new ones.
func (s *StagingService) StageAdd(ctx context.Context, tenantID, target string, parents []models.StagingParent, note string) (*MutationResult, error) {
	if err := validateScope(tenantID, target); err != nil {
		return nil, err
	}
	incoming := make([]models.StagingParent, 0, len(parents))
	position := make(map[string]int)
	for _, p := range parents {
		key := models.KeyOf(p.ID)
		if key == "" {
			return nil, &ValidationError{Field: "id", Message: "every staged row needs an id"}
		}
		if i, dup := position[key]; dup {
			incoming[i] = p
			continue
		}
		position[key] = len(incoming)
		incoming = append(incoming, p)
	}

	p := &persistence{backend: s.store.Name()}
	j := s.journalFor(ctx, tenantID, target, p)
	defer j.mu.Unlock()

	now := s.clock.Now()
	var (
		restore []models.StagingParent
		added   []string
		changed []models.StagingParent
	)
	for _, in := range incoming {
		row := in.Clone()
		row.TenantID, row.Target = tenantID, target
		row.ID = strings.TrimSpace(row.ID)
		for i := range row.Variants {
			if _, ok := models.ParseStagingStatus(string(row.Variants[i].Status)); !ok {
				row.Variants[i].Status = models.StatusPending
			}
		}
		row.Refresh()

		if prior, ok := j.parents[row.IDKey]; ok {
			restore = append(restore, prior.Clone())
			row.Position = prior.Position
			row.CreatedAt = prior.CreatedAt
		} else {
			added = append(added, row.ID)
			row.Position = j.nextPosition
			j.nextPosition++
			row.CreatedAt = now
		}
		row.UpdatedAt = now
		j.parents[row.IDKey] = &row
		changed = append(changed, row.Clone())
	}

	s.saveChanged(ctx, j, changed, p)

	var ops models.UndoOperations
	if len(restore) > 0 {
		ops = append(ops, models.RestoreRows(restore))
	}
	if len(added) > 0 {
		ops = append(ops, models.RemoveRows(added))
	}

	result := &MutationResult{Upserted: len(changed)}
	s.commit(ctx, j, tenantID, target, ActionAdd, note, ops, len(changed), p, result)
	return result, nil
}

// StageRemove deletes parents by id. Unknown ids are ignored.
func (s *StagingService) StageRemove(ctx context.Context, tenantID, target string, ids []string, note string) (*MutationResult, error) {
	if err := validateScope(tenantID, target); err != nil {
		return nil, err
	}

	p := &persistence{backend: s.store.Name()}
	j := s.journalFor(ctx, tenantID, target, p)
	defer j.mu.Unlock()

	var (
		removed []models.StagingParent
		keys    []string
	)
	for _, id := range ids {
		key := models.KeyOf(id)
		row, ok := j.parents[key]
		if !ok {
			continue
		}
		removed = append(removed, row.Clone())
		keys = append(keys, key)
		delete(j.parents, key)
	}

	if len(keys) > 0 && j.loaded {
		if err := s.store.DeleteParents(ctx, tenantID, target, keys); err != nil {
			s.logger.WithError(err).Warn("Failed to delete staged rows")
			p.fail("delete staged rows", err)
		}
	}

	var ops models.UndoOperations
	if len(removed) > 0 {
		ops = append(ops, models.RestoreRows(removed))
	}
	result := &MutationResult{Removed: len(removed)}
	s.commit(ctx, j, tenantID, target, ActionRemove, note, ops, len(removed), p, result)
	return result, nil
}

// SetStatus moves every variant of the given parents to status where the transition is allowed.
// Parents without variants are left alone.
func (s *StagingService) SetStatus(ctx context.Context, tenantID, target string, ids []string, status string, note string) (*MutationResult, error) {
	if err := validateScope(tenantID, target); err != nil {
		return nil, err
	}
	next, ok := models.ParseStagingStatus(status)
	if !ok {
		return nil, &ValidationError{Field: "status", Message: "must be one of: PENDING PROCESSED ERROR"}
	}

	p := &persistence{backend: s.store.Name()}
	j := s.journalFor(ctx, tenantID, target, p)
	defer j.mu.Unlock()

	now := s.clock.Now()
	var prior, changed []models.StagingParent
	seen := make(map[string]bool)
	for _, id := range ids {
		key := models.KeyOf(id)
		row, ok := j.parents[key]
		if !ok || seen[key] {
			continue
		}
		seen[key] = true

		before := row.Clone()
		touched := false
		for i := range row.Variants {
			v := &row.Variants[i]
			if !v.Status.CanTransitionTo(next) {
				continue
			}
			v.Status = next
			if next != models.StatusError {
				v.Error = ""
			}
			touched = true
		}
		if !touched {
			continue
		}
		row.Refresh()
		row.UpdatedAt = now
		prior = append(prior, before)
		changed = append(changed, row.Clone())
	}

	s.saveChanged(ctx, j, changed, p)

	var ops models.UndoOperations
	if len(prior) > 0 {
		ops = append(ops, models.RestoreRows(prior))
	}
	result := &MutationResult{Updated: len(changed)}
	s.commit(ctx, j, tenantID, target, ActionStatus, note, ops, len(changed), p, result)
	return result, nil
}

// ApplyPushResults marks pending variants PROCESSED or ERROR from push outcomes.
// When record is set the change gets its own undo session.
func (s *StagingService) ApplyPushResults(ctx context.Context, tenantID, target string, outcomes []VariantOutcome, record bool, note string) (*MutationResult, error) {
	if err := validateScope(tenantID, target); err != nil {
		return nil, err
	}

	p := &persistence{backend: s.store.Name()}
	j := s.journalFor(ctx, tenantID, target, p)
	defer j.mu.Unlock()

	byParent := make(map[string][]VariantOutcome)
	var order []string
	for _, o := range outcomes {
		key := models.KeyOf(o.ParentID)
		if _, ok := byParent[key]; !ok {
			order = append(order, key)
		}
		byParent[key] = append(byParent[key], o)
	}

	now := s.clock.Now()
	var prior, changed []models.StagingParent
	for _, key := range order {
		row, ok := j.parents[key]
		if !ok {
			continue
		}
		before := row.Clone()
		touched := false
		for _, o := range byParent[key] {
			for i := range row.Variants {
				v := &row.Variants[i]
				if models.KeyOf(v.ID) != models.KeyOf(o.VariantID) || v.Status != models.StatusPending {
					continue
				}
				if o.Error == "" {
					v.Status, v.Error = models.StatusProcessed, ""
				} else {
					v.Status, v.Error = models.StatusError, o.Error
				}
				touched = true
			}
		}
		if !touched {
			continue
		}
		row.Refresh()
		row.UpdatedAt = now
		prior = append(prior, before)
		changed = append(changed, row.Clone())
	}

	s.saveChanged(ctx, j, changed, p)

	var ops models.UndoOperations
	if record && len(prior) > 0 {
		ops = append(ops, models.RestoreRows(prior))
	}
	result := &MutationResult{Updated: len(changed)}
	s.commit(ctx, j, tenantID, target, ActionPush, note, ops, len(changed), p, result)
	return result, nil
}

// Undo applies the named session, or the most recent one when sessionID is empty, and discards it
func (s *StagingService) Undo(ctx context.Context, tenantID, target, sessionID string) (*MutationResult, error) {
	if err := validateScope(tenantID, target); err != nil {
		return nil, err
	}

	p := &persistence{backend: s.store.Name()}
	j := s.journalFor(ctx, tenantID, target, p)
	defer j.mu.Unlock()

	idx := -1
	for i := range j.sessions {
		if sessionID == "" || j.sessions[i].ID == sessionID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, ErrSessionNotFound
	}
	session := j.sessions[idx]
	j.sessions = append(j.sessions[:idx:idx], j.sessions[idx+1:]...)

	restored := make(map[string]models.StagingParent)
	removed := make(map[string]bool)
	for i := len(session.Operations) - 1; i >= 0; i-- {
		op := session.Operations[i]
		switch op.Kind {
		case models.OpRestoreRows:
			for _, r := range op.Rows {
				row := r.Clone()
				row.TenantID, row.Target = tenantID, target
				row.Refresh()
				j.parents[row.IDKey] = &row
				if row.Position >= j.nextPosition {
					j.nextPosition = row.Position + 1
				}
				restored[row.IDKey] = row.Clone()
				delete(removed, row.IDKey)
			}
		case models.OpRemoveRows:
			for _, id := range op.ParentIDs {
				key := models.KeyOf(id)
				delete(j.parents, key)
				delete(restored, key)
				removed[key] = true
			}
		default:
			s.logger.WithField("kind", op.Kind).Warn("Skipping unknown undo operation")
		}
	}

	if len(restored) > 0 && j.loaded {
		rows := make([]models.StagingParent, 0, len(restored))
		for _, row := range restored {
			rows = append(rows, row)
		}
		sort.Slice(rows, func(a, b int) bool { return rows[a].Position < rows[b].Position })
		if err := s.store.SaveParents(ctx, rows); err != nil {
			s.logger.WithError(err).Warn("Failed to persist restored rows")
			p.fail("save staged rows", err)
		}
	}
	if len(removed) > 0 && j.loaded {
		keys := make([]string, 0, len(removed))
		for key := range removed {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		if err := s.store.DeleteParents(ctx, tenantID, target, keys); err != nil {
			s.logger.WithError(err).Warn("Failed to delete undone rows")
			p.fail("delete staged rows", err)
		}
	}
	if j.loaded {
		if err := s.store.DeleteSession(ctx, tenantID, target, session.ID); err != nil {
			s.logger.WithError(err).Warn("Failed to delete undo session")
			p.fail("delete undo session", err)
		}
	}

	summary := session.Summary()
	result := &MutationResult{
		Upserted: len(restored),
		Removed:  len(removed),
		Session:  &summary,
		Backend:  p.backend,
		Warning:  p.warning(),
	}
	s.metrics.JournalMutation(ActionUndo)
	s.publisher.PublishStaging(events.SubjectStagingUndone, events.StagingEvent{
		TenantID:  tenantID,
		Target:    target,
		Action:    session.Action,
		Count:     len(restored) + len(removed),
		SessionID: session.ID,
		Backend:   p.backend,
		Timestamp: s.clock.Now(),
	})
	s.logger.WithFields(logrus.Fields{
		"tenant_id":  tenantID,
		"target":     target,
		"session_id": session.ID,
		"action":     session.Action,
	}).Info("Undo session applied")
	return result, nil
}

// List returns staged parents in staging order
func (s *StagingService) List(ctx context.Context, tenantID, target string) (*ListResult, error) {
	if err := validateScope(tenantID, target); err != nil {
		return nil, err
	}
	p := &persistence{backend: s.store.Name()}
	j := s.journalFor(ctx, tenantID, target, p)
	defer j.mu.Unlock()

	rows := make([]models.StagingParent, 0, len(j.parents))
	for _, row := range j.parents {
		rows = append(rows, row.Clone())
	}
	sort.Slice(rows, func(a, b int) bool { return rows[a].Position < rows[b].Position })
	return &ListResult{Parents: rows, Backend: p.backend, Warning: p.warning()}, nil
}

// Sessions lists undo sessions, most recent first
func (s *StagingService) Sessions(ctx context.Context, tenantID, target string) ([]models.UndoSessionSummary, error) {
	if err := validateScope(tenantID, target); err != nil {
		return nil, err
	}
	p := &persistence{backend: s.store.Name()}
	j := s.journalFor(ctx, tenantID, target, p)
	defer j.mu.Unlock()

	out := make([]models.UndoSessionSummary, 0, len(j.sessions))
	for i := range j.sessions {
		out = append(out, j.sessions[i].Summary())
	}
	return out, nil
}

func (s *StagingService) saveChanged(ctx context.Context, j *journal, changed []models.StagingParent, p *persistence) {
	if len(changed) == 0 || !j.loaded {
		return
	}
	if err := s.store.SaveParents(ctx, changed); err != nil {
		s.logger.WithError(err).Warn("Failed to persist staged rows")
		p.fail("save staged rows", err)
	}
}

// commit records the undo session, when there is anything to undo, and emits the mutation event.
// The journal lock must be held.
func (s *StagingService) commit(
	ctx context.Context,
	j *journal,
	tenantID, target, action, note string,
	ops models.UndoOperations,
	count int,
	p *persistence,
	result *MutationResult,
) {
	if len(ops) > 0 {
		session := models.UndoSession{
			ID:         uuid.New().String(),
			TenantID:   tenantID,
			Target:     target,
			Action:     action,
			Note:       strings.TrimSpace(note),
			Operations: ops,
			CreatedAt:  s.clock.Now(),
		}
		j.sessions = append([]models.UndoSession{session}, j.sessions...)
		if len(j.sessions) > s.retention {
			j.sessions = j.sessions[:s.retention]
		}
		if j.loaded {
			if err := s.store.SaveSession(ctx, &session, s.retention); err != nil {
				s.logger.WithError(err).Warn("Failed to persist undo session")
				p.fail("save undo session", err)
			}
		}
		summary := session.Summary()
		result.Session = &summary
	}
	result.Backend = p.backend
	result.Warning = p.warning()

	if count == 0 {
		return
	}
	s.metrics.JournalMutation(action)

	subject := events.SubjectStagingChanged
	if action == ActionPush {
		subject = events.SubjectPushCompleted
	}
	event := events.StagingEvent{
		TenantID:  tenantID,
		Target:    target,
		Action:    action,
		Count:     count,
		Backend:   p.backend,
		Timestamp: s.clock.Now(),
	}
	if result.Session != nil {
		event.SessionID = result.Session.ID
	}
	s.publisher.PublishStaging(subject, event)

	s.logger.WithFields(logrus.Fields{
		"tenant_id": tenantID,
		"target":    target,
		"action":    action,
		"count":     count,
		"backend":   p.backend,
	}).Info("Staging journal updated")
}
