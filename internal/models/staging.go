package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// StagingStatus is the push state of a staged variant
type StagingStatus string

const (
	StatusPending   StagingStatus = "PENDING"
	StatusProcessed StagingStatus = "PROCESSED"
	StatusError     StagingStatus = "ERROR"
)

// ParseStagingStatus accepts any casing
func ParseStagingStatus(s string) (StagingStatus, bool) {
	status := StagingStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch status {
	case StatusPending, StatusProcessed, StatusError:
		return status, true
	}
	return "", false
}

// CanTransitionTo reports whether s -> next is a valid transition.
// PENDING may become PROCESSED or ERROR; PROCESSED and ERROR may only go back to PENDING.
func (s StagingStatus) CanTransitionTo(next StagingStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessed || next == StatusError
	case StatusProcessed, StatusError:
		return next == StatusPending
	}
	return false
}

// StagingVariant is one sellable variant of a staged parent
type StagingVariant struct {
	ID              string              `json:"id"`
	SKU             string              `json:"sku,omitempty"`
	Color           string              `json:"color,omitempty"`
	Size            string              `json:"size,omitempty"`
	Price           string              `json:"price,omitempty"`
	CartID          string              `json:"cartId,omitempty"`
	StockByLocation map[string]*float64 `json:"stockByLocation,omitempty"`
	Status          StagingStatus       `json:"status"`
	Error           string              `json:"error,omitempty"`
}

// StagingVariants is stored as a JSONB column
type StagingVariants []StagingVariant

func (v StagingVariants) Value() (driver.Value, error) {
	if v == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(v)
}

func (v *StagingVariants) Scan(value interface{}) error {
	if value == nil {
		*v = nil
		return nil
	}
	var data []byte
	switch raw := value.(type) {
	case []byte:
		data = raw
	case string:
		data = []byte(raw)
	default:
		return fmt.Errorf("unsupported variants column type %T", value)
	}
	return json.Unmarshal(data, v)
}

// StagingParent is a product staged for push to a destination target
type StagingParent struct {
	TenantID string `gorm:"type:varchar(255);primaryKey" json:"-"`
	Target   string `gorm:"type:varchar(100);primaryKey" json:"-"`
	IDKey    string `gorm:"column:id_key;type:varchar(255);primaryKey" json:"-"`

	ID        string   `gorm:"type:varchar(255);not null" json:"id"`
	ProductID string   `gorm:"type:varchar(255)" json:"productId,omitempty"`
	Brand     string   `gorm:"type:varchar(255)" json:"brand"`
	Category  string   `gorm:"type:varchar(255)" json:"category"`
	Title     string   `gorm:"type:varchar(500)" json:"title"`
	Price     string   `gorm:"type:varchar(50)" json:"price"`
	Stock     *float64 `json:"stock"`

	Status         StagingStatus `gorm:"type:varchar(20);not null;default:'PENDING'" json:"status"`
	ProcessedCount int           `gorm:"-" json:"processedCount"`
	PendingCount   int           `gorm:"-" json:"pendingCount"`
	ErrorCount     int           `gorm:"-" json:"errorCount"`

	Variants  StagingVariants `gorm:"type:jsonb" json:"variants"`
	Position  int64           `gorm:"not null;default:0" json:"-"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func (StagingParent) TableName() string {
	return "staging_parents"
}

// KeyOf is the case-insensitive identity used to match staged rows
func KeyOf(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Refresh recomputes the derived counters and parent status from the variants
func (p *StagingParent) Refresh() {
	p.IDKey = KeyOf(p.ID)
	p.ProcessedCount, p.PendingCount, p.ErrorCount = 0, 0, 0
	for _, v := range p.Variants {
		switch v.Status {
		case StatusProcessed:
			p.ProcessedCount++
		case StatusError:
			p.ErrorCount++
		default:
			p.PendingCount++
		}
	}
	p.Status = AggregateStatus(p.Variants)
}

// AggregateStatus is PROCESSED iff every variant is PROCESSED, ERROR if any variant
// is ERROR, otherwise PENDING. A parent without variants is PENDING.
func AggregateStatus(variants []StagingVariant) StagingStatus {
	if len(variants) == 0 {
		return StatusPending
	}
	allProcessed := true
	for _, v := range variants {
		if v.Status == StatusError {
			return StatusError
		}
		if v.Status != StatusProcessed {
			allProcessed = false
		}
	}
	if allProcessed {
		return StatusProcessed
	}
	return StatusPending
}

// Clone returns a deep copy
func (p StagingParent) Clone() StagingParent {
	out := p
	if p.Stock != nil {
		stock := *p.Stock
		out.Stock = &stock
	}
	if p.Variants != nil {
		out.Variants = make(StagingVariants, len(p.Variants))
		for i, v := range p.Variants {
			if v.StockByLocation != nil {
				stock := make(map[string]*float64, len(v.StockByLocation))
				for name, qty := range v.StockByLocation {
					if qty != nil {
						q := *qty
						stock[name] = &q
					} else {
						stock[name] = nil
					}
				}
				v.StockByLocation = stock
			}
			out.Variants[i] = v
		}
	}
	return out
}

// UndoOpKind tags an undo operation
type UndoOpKind string

const (
	OpRestoreRows UndoOpKind = "restore_rows"
	OpRemoveRows  UndoOpKind = "remove_rows"
)

// UndoOperation inverts part of a journal mutation. Exactly one of Rows or ParentIDs is set.
type UndoOperation struct {
	Kind      UndoOpKind      `json:"type"`
	Rows      []StagingParent `json:"rows,omitempty"`
	ParentIDs []string        `json:"parentIds,omitempty"`
}

// RestoreRows re-upserts rows with their snapshotted values
func RestoreRows(rows []StagingParent) UndoOperation {
	return UndoOperation{Kind: OpRestoreRows, Rows: rows}
}

// RemoveRows deletes rows by id
func RemoveRows(ids []string) UndoOperation {
	return UndoOperation{Kind: OpRemoveRows, ParentIDs: ids}
}

// UndoOperations is stored as a JSONB column
type UndoOperations []UndoOperation

func (o UndoOperations) Value() (driver.Value, error) {
	if o == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(o)
}

func (o *UndoOperations) Scan(value interface{}) error {
	if value == nil {
		*o = nil
		return nil
	}
	var data []byte
	switch raw := value.(type) {
	case []byte:
		data = raw
	case string:
		data = []byte(raw)
	default:
		return fmt.Errorf("unsupported operations column type %T", value)
	}
	return json.Unmarshal(data, o)
}

// UndoSession records how to invert one journal mutation. Sessions are single-use.
type UndoSession struct {
	ID         string         `gorm:"type:varchar(64);primaryKey" json:"id"`
	TenantID   string         `gorm:"type:varchar(255);not null;index:idx_undo_sessions_scope" json:"-"`
	Target     string         `gorm:"type:varchar(100);not null;index:idx_undo_sessions_scope" json:"-"`
	Action     string         `gorm:"type:varchar(50);not null" json:"action"`
	Note       string         `gorm:"type:text" json:"note,omitempty"`
	Operations UndoOperations `gorm:"type:jsonb" json:"operations"`
	CreatedAt  time.Time      `gorm:"index:idx_undo_sessions_scope" json:"createdAt"`
}

func (UndoSession) TableName() string {
	return "staging_undo_sessions"
}

// UndoSessionSummary is the listing view of a session
type UndoSessionSummary struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	RowCount  int       `json:"rowCount"`
}

// Summary counts the rows the session would touch
func (s *UndoSession) Summary() UndoSessionSummary {
	rows := 0
	for _, op := range s.Operations {
		rows += len(op.Rows) + len(op.ParentIDs)
	}
	return UndoSessionSummary{
		ID:        s.ID,
		Action:    s.Action,
		Note:      s.Note,
		CreatedAt: s.CreatedAt,
		RowCount:  rows,
	}
}
