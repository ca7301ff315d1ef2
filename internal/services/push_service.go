package services

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"catalog-sync-service/internal/clients"
	"catalog-sync-service/internal/clock"
	"catalog-sync-service/internal/metrics"
	"catalog-sync-service/internal/models"
)

const (
	DefaultPushBatchSize    = 50
	DefaultBreakerThreshold = 5
	DefaultBreakerReset     = time.Minute

	errMissingCartID    = "missing destination inventory item id"
	errNoMappedLocation = "no stock at a mapped destination location"
)

// PushConfig configures destination pushes
type PushConfig struct {
	BatchSize int
	// LocationMap maps source location display names to destination location ids
	LocationMap      map[string]string
	BreakerThreshold int
	BreakerReset     time.Duration
	RecordUndo       bool
}

// PushRequest selects staged parents to push. No ids means every staged parent.
// Wait queues behind a running push for the same target instead of failing fast.
type PushRequest struct {
	IDs  []string `json:"ids"`
	Note string   `json:"note"`
	Wait bool     `json:"wait"`
}

// PushReport summarises one push
type PushReport struct {
	Batches   int             `json:"batches"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
	Journal   *MutationResult `json:"journal"`
}

// ArchiveReport summarises a product archive request
type ArchiveReport struct {
	Archived []string          `json:"archived"`
	Failed   map[string]string `json:"failed,omitempty"`
}

// pushUnit is one pending variant and the adjustments that push it
type pushUnit struct {
	parentID    string
	variantID   string
	adjustments []clients.InventoryAdjustment
}

// PushService pushes pending staged variants to the destination
type PushService struct {
	staging *StagingService
	dest    clients.Destination
	limiter *PushLimiter
	breaker *clients.CircuitBreaker
	config  PushConfig
	metrics *metrics.Metrics
	logger  *logrus.Entry
}

// NewPushService creates a push service
func NewPushService(
	staging *StagingService,
	dest clients.Destination,
	limiter *PushLimiter,
	cfg PushConfig,
	clk clock.Clock,
	m *metrics.Metrics,
	logger *logrus.Entry,
) *PushService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultPushBatchSize
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = DefaultBreakerThreshold
	}
	if cfg.BreakerReset <= 0 {
		cfg.BreakerReset = DefaultBreakerReset
	}
	if limiter == nil {
		limiter = NewPushLimiter(nil)
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &PushService{
		staging: staging,
		dest:    dest,
		limiter: limiter,
		breaker: clients.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerReset, clk),
		config:  cfg,
		metrics: m,
		logger:  logger.WithField("component", "push_service"),
	}
}

// Push sends every pending variant of the selected parents in batches. A variant becomes
// PROCESSED only when its batch succeeded. Variants left unsent by cancellation stay PENDING.
func (s *PushService) Push(ctx context.Context, tenantID, target string, req PushRequest) (*PushReport, error) {
	if err := validateScope(tenantID, target); err != nil {
		return nil, err
	}
	if s.dest == nil {
		return nil, ErrNoDestination
	}
	release, err := s.acquire(ctx, tenantID, target, req.Wait)
	if err != nil {
		return nil, err
	}
	defer release()

	staged, err := s.staging.List(ctx, tenantID, target)
	if err != nil {
		return nil, err
	}

	units, outcomes := s.plan(staged.Parents, req.IDs)
	report := &PushReport{Failed: len(outcomes)}

	for start := 0; start < len(units); start += s.config.BatchSize {
		if ctx.Err() != nil {
			s.logger.WithField("tenant_id", tenantID).Warn("Push cancelled, remaining variants stay pending")
			break
		}
		batch := units[start:min(start+s.config.BatchSize, len(units))]
		batchErr := s.sendBatch(ctx, batch)
		report.Batches++
		for _, u := range batch {
			outcome := VariantOutcome{ParentID: u.parentID, VariantID: u.variantID}
			if batchErr != nil {
				outcome.Error = batchErr.Error()
				report.Failed++
			} else {
				report.Succeeded++
			}
			outcomes = append(outcomes, outcome)
		}
	}

	if len(outcomes) == 0 {
		report.Journal = &MutationResult{Backend: staged.Backend, Warning: staged.Warning}
		return report, nil
	}
	// the journal write must land even if the request context ended mid-push
	journal, err := s.staging.ApplyPushResults(context.WithoutCancel(ctx), tenantID, target, outcomes, s.config.RecordUndo, req.Note)
	if err != nil {
		return nil, err
	}
	report.Journal = journal

	s.logger.WithFields(logrus.Fields{
		"tenant_id": tenantID,
		"target":    target,
		"batches":   report.Batches,
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
		"active":    s.limiter.ActivePushes(tenantID),
	}).Info("Push completed")
	return report, nil
}

// plan turns pending variants into push units. Variants that can never be pushed
// come back as failed outcomes.
func (s *PushService) plan(parents []models.StagingParent, ids []string) ([]pushUnit, []VariantOutcome) {
	var selected map[string]bool
	if len(ids) > 0 {
		selected = make(map[string]bool, len(ids))
		for _, id := range ids {
			selected[models.KeyOf(id)] = true
		}
	}

	var (
		units    []pushUnit
		outcomes []VariantOutcome
	)
	for _, p := range parents {
		if selected != nil && !selected[p.IDKey] {
			continue
		}
		for _, v := range p.Variants {
			if v.Status != models.StatusPending {
				continue
			}
			if strings.TrimSpace(v.CartID) == "" {
				outcomes = append(outcomes, VariantOutcome{ParentID: p.ID, VariantID: v.ID, Error: errMissingCartID})
				continue
			}
			adjustments := s.adjustments(v)
			if len(adjustments) == 0 {
				outcomes = append(outcomes, VariantOutcome{ParentID: p.ID, VariantID: v.ID, Error: errNoMappedLocation})
				continue
			}
			units = append(units, pushUnit{parentID: p.ID, variantID: v.ID, adjustments: adjustments})
		}
	}
	return units, outcomes
}

func (s *PushService) adjustments(v models.StagingVariant) []clients.InventoryAdjustment {
	names := make([]string, 0, len(v.StockByLocation))
	for name := range v.StockByLocation {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []clients.InventoryAdjustment
	for _, name := range names {
		qty := v.StockByLocation[name]
		locationID := s.config.LocationMap[name]
		if qty == nil || locationID == "" {
			continue
		}
		out = append(out, clients.InventoryAdjustment{
			InventoryItemID: strings.TrimSpace(v.CartID),
			LocationID:      locationID,
			Quantity:        int(math.Round(*qty)),
		})
	}
	return out
}

func (s *PushService) sendBatch(ctx context.Context, batch []pushUnit) error {
	if !s.breaker.Allow() {
		s.metrics.PushBatch(false)
		return ErrCircuitOpen
	}
	var adjustments []clients.InventoryAdjustment
	for _, u := range batch {
		adjustments = append(adjustments, u.adjustments...)
	}
	if err := s.dest.SetInventoryLevels(ctx, adjustments); err != nil {
		s.breaker.RecordFailure()
		s.metrics.PushBatch(false)
		s.logger.WithError(err).WithField("variants", len(batch)).Warn("Push batch failed")
		return err
	}
	s.breaker.RecordSuccess()
	s.metrics.PushBatch(true)
	return nil
}

// Archive archives destination products one by one
func (s *PushService) Archive(ctx context.Context, tenantID, target string, productIDs []string) (*ArchiveReport, error) {
	if err := validateScope(tenantID, target); err != nil {
		return nil, err
	}
	if len(productIDs) == 0 {
		return nil, &ValidationError{Field: "productIds", Message: "at least one product id is required"}
	}
	if s.dest == nil {
		return nil, ErrNoDestination
	}

	report := &ArchiveReport{Archived: []string{}}
	for _, id := range productIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if !s.breaker.Allow() {
			return nil, ErrCircuitOpen
		}
		if err := s.dest.ArchiveProduct(ctx, id); err != nil {
			s.breaker.RecordFailure()
			if report.Failed == nil {
				report.Failed = make(map[string]string)
			}
			report.Failed[id] = err.Error()
			continue
		}
		s.breaker.RecordSuccess()
		report.Archived = append(report.Archived, id)
	}

	s.logger.WithFields(logrus.Fields{
		"tenant_id": tenantID,
		"target":    target,
		"archived":  len(report.Archived),
		"failed":    len(report.Failed),
	}).Info("Archive completed")
	return report, nil
}

func (s *PushService) acquire(ctx context.Context, tenantID, target string, wait bool) (func(), error) {
	if wait {
		return s.limiter.Acquire(ctx, tenantID, target)
	}
	release, ok := s.limiter.TryAcquire(tenantID, target)
	if !ok {
		return nil, ErrPushInProgress
	}
	return release, nil
}

// Status reports destination availability, breaker state and push slot usage
func (s *PushService) Status() interface{} {
	return map[string]interface{}{
		"configured": s.dest != nil,
		"breaker":    s.breaker.State().String(),
		"limiter":    s.limiter.Stats(),
	}
}
