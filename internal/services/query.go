package services

import (
	"errors"
	"math"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"catalog-sync-service/internal/models"
)

const (
	MaxPageSize         = 500
	DefaultPageSize     = 50
	DefaultExportRowCap = 20000

	SortDescription = "description"
	SortQty         = "qty"
	SortPrice       = "price"
	SortCategory    = "category"
	SortUPC         = "upc"
	SortCustomSku   = "customSku"
	SortColor       = "color"
	SortSize        = "size"

	// LocationSortPrefix sorts by quantity at one named location, e.g. "location:Main Store"
	LocationSortPrefix = "location:"

	DirAsc  = "asc"
	DirDesc = "desc"
)

var staticSortFields = map[string]bool{
	SortDescription: true,
	SortQty:         true,
	SortPrice:       true,
	SortCategory:    true,
	SortUPC:         true,
	SortCustomSku:   true,
	SortColor:       true,
	SortSize:        true,
}

// QueryRequest filters, sorts and pages a snapshot
type QueryRequest struct {
	Search    string   `json:"search"`
	Category  string   `json:"category"`
	ItemType  string   `json:"itemType"`
	Locations []string `json:"locations"`
	Sort      string   `json:"sort" validate:"omitempty,sortfield"`
	Direction string   `json:"dir" validate:"omitempty,oneof=asc desc"`
	Page      int      `json:"page" validate:"min=1"`
	PageSize  int      `json:"pageSize" validate:"min=1,max=500"`
	ExportAll bool     `json:"all"`
}

// QueryResult is one page of matching rows
type QueryResult struct {
	Rows       []models.CatalogRow `json:"rows"`
	Total      int                 `json:"total"`
	TotalPages int                 `json:"totalPages"`
	Page       int                 `json:"page"`
	PageSize   int                 `json:"pageSize"`
	Truncated  bool                `json:"truncated"`
}

// QueryEngine filters, sorts and paginates catalog rows
type QueryEngine struct {
	validate  *validator.Validate
	exportCap int
}

// NewQueryEngine creates a query engine. exportCap <= 0 uses the default cap.
func NewQueryEngine(exportCap int) *QueryEngine {
	if exportCap <= 0 {
		exportCap = DefaultExportRowCap
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("sortfield", func(fl validator.FieldLevel) bool {
		return validSortField(fl.Field().String())
	})
	return &QueryEngine{validate: v, exportCap: exportCap}
}

func validSortField(field string) bool {
	if staticSortFields[field] {
		return true
	}
	return strings.HasPrefix(field, LocationSortPrefix) && strings.TrimSpace(strings.TrimPrefix(field, LocationSortPrefix)) != ""
}

// Validate checks the request without touching any data. Paging fields are ignored for export-all.
func (e *QueryEngine) Validate(req QueryRequest) error {
	if req.ExportAll {
		req.Page, req.PageSize = 1, 1
	}
	err := e.validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Message: err.Error()}
	}
	fe := fieldErrs[0]
	return &ValidationError{Field: fe.Field(), Message: validationMessage(fe)}
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "sortfield":
		return "unknown sort field " + strings.TrimSpace(fe.Value().(string))
	default:
		return "failed " + fe.Tag() + " validation"
	}
}

// Query applies filters, sort and pagination. rows is not modified.
func (e *QueryEngine) Query(rows []models.CatalogRow, req QueryRequest) (*QueryResult, error) {
	if err := e.Validate(req); err != nil {
		return nil, err
	}

	locations := selectedLocations(req.Locations)
	matched := make([]models.CatalogRow, 0, len(rows))
	needle := strings.ToLower(strings.TrimSpace(req.Search))
	for _, row := range rows {
		if matchesFilters(row, needle, req, locations) {
			matched = append(matched, row)
		}
	}

	// collators are not safe for concurrent use
	col := collate.New(language.Und, collate.Numeric, collate.IgnoreCase)
	compare := rowComparator(col, req.Sort, req.Direction == DirDesc, locations)
	sort.SliceStable(matched, func(i, j int) bool { return compare(&matched[i], &matched[j]) < 0 })

	total := len(matched)
	if req.ExportAll {
		truncated := total > e.exportCap
		if truncated {
			matched = matched[:e.exportCap]
		}
		return &QueryResult{
			Rows:       matched,
			Total:      total,
			TotalPages: 1,
			Page:       1,
			PageSize:   len(matched),
			Truncated:  truncated,
		}, nil
	}

	totalPages := int(math.Ceil(float64(total) / float64(req.PageSize)))
	if totalPages < 1 {
		totalPages = 1
	}
	page := min(req.Page, totalPages)
	start := min((page-1)*req.PageSize, total)
	end := min(start+req.PageSize, total)

	return &QueryResult{
		Rows:       matched[start:end],
		Total:      total,
		TotalPages: totalPages,
		Page:       page,
		PageSize:   req.PageSize,
	}, nil
}

func selectedLocations(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]bool)
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

func matchesFilters(row models.CatalogRow, needle string, req QueryRequest, locations []string) bool {
	if needle != "" && !matchesSearch(row, needle) {
		return false
	}
	if c := strings.TrimSpace(req.Category); c != "" && !strings.EqualFold(row.Category, c) {
		return false
	}
	if t := strings.TrimSpace(req.ItemType); t != "" && !strings.EqualFold(row.ItemType, t) {
		return false
	}
	if len(locations) > 0 {
		available := false
		for _, name := range locations {
			if row.Locations[name] != nil {
				available = true
				break
			}
		}
		if !available {
			return false
		}
	}
	return true
}

func matchesSearch(row models.CatalogRow, needle string) bool {
	for _, field := range []string{
		row.Description, row.CustomSku, row.SystemSku, row.UPC, row.EAN,
		row.Color, row.Size, row.Category, row.ItemType, row.ItemID,
	} {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

type rowCompare func(a, b *models.CatalogRow) int

// rowComparator orders by the requested field, then by the custom SKU tie-break.
// Missing values sort after present ones in both directions.
func rowComparator(col *collate.Collator, field string, desc bool, locations []string) rowCompare {
	text := func(get func(*models.CatalogRow) string) rowCompare {
		return func(a, b *models.CatalogRow) int {
			av, bv := get(a), get(b)
			return compareNullable(av != "", bv != "", desc, func() int { return col.CompareString(av, bv) })
		}
	}
	number := func(get func(*models.CatalogRow) *float64) rowCompare {
		return func(a, b *models.CatalogRow) int {
			av, bv := get(a), get(b)
			return compareNullable(av != nil, bv != nil, desc, func() int { return compareFloat(*av, *bv) })
		}
	}

	var primary rowCompare
	switch {
	case field == SortDescription:
		primary = text(func(r *models.CatalogRow) string { return r.Description })
	case field == SortCategory:
		primary = text(func(r *models.CatalogRow) string { return r.Category })
	case field == SortUPC:
		primary = text(func(r *models.CatalogRow) string { return firstNonEmpty(r.UPC, r.EAN) })
	case field == SortCustomSku:
		primary = text(func(r *models.CatalogRow) string { return r.CustomSku })
	case field == SortColor:
		primary = text(func(r *models.CatalogRow) string { return r.Color })
	case field == SortSize:
		primary = text(func(r *models.CatalogRow) string { return r.Size })
	case field == SortPrice:
		primary = number(func(r *models.CatalogRow) *float64 { return r.RetailPriceNumber })
	case field == SortQty:
		primary = number(func(r *models.CatalogRow) *float64 { return quantityFor(r, locations) })
	case strings.HasPrefix(field, LocationSortPrefix):
		name := strings.TrimSpace(strings.TrimPrefix(field, LocationSortPrefix))
		primary = number(func(r *models.CatalogRow) *float64 { return r.Locations[name] })
	}

	tieBreak := customSkuComparator(col)
	if primary == nil {
		return tieBreak
	}
	return func(a, b *models.CatalogRow) int {
		if c := primary(a, b); c != 0 {
			return c
		}
		return tieBreak(a, b)
	}
}

// customSkuComparator gives every sort a total order: custom SKU (present first),
// then description, then item id, then row id.
func customSkuComparator(col *collate.Collator) rowCompare {
	return func(a, b *models.CatalogRow) int {
		if c := compareNullable(a.CustomSku != "", b.CustomSku != "", false, func() int {
			return col.CompareString(a.CustomSku, b.CustomSku)
		}); c != 0 {
			return c
		}
		if c := compareNullable(a.Description != "", b.Description != "", false, func() int {
			return col.CompareString(a.Description, b.Description)
		}); c != 0 {
			return c
		}
		if c := compareNullable(a.ItemID != "", b.ItemID != "", false, func() int {
			return col.CompareString(a.ItemID, b.ItemID)
		}); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	}
}

// compareNullable puts present values first regardless of direction
func compareNullable(aPresent, bPresent, desc bool, cmp func() int) int {
	switch {
	case aPresent && bPresent:
		c := cmp()
		if desc {
			return -c
		}
		return c
	case aPresent:
		return -1
	case bPresent:
		return 1
	}
	return 0
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// quantityFor sums the selected locations, or uses the total when none are selected
func quantityFor(r *models.CatalogRow, locations []string) *float64 {
	if len(locations) == 0 {
		return r.QtyTotal
	}
	var (
		sum   float64
		found bool
	)
	for _, name := range locations {
		if q := r.Locations[name]; q != nil {
			sum += *q
			found = true
		}
	}
	if !found {
		return nil
	}
	return &sum
}

// BuildFacets lists the distinct categories, item types and location names
func BuildFacets(rows []models.CatalogRow, locationNames []string) models.Facets {
	col := collate.New(language.Und, collate.Numeric, collate.IgnoreCase)
	categories := make(map[string]bool)
	itemTypes := make(map[string]bool)
	for _, r := range rows {
		categories[r.Category] = true
		itemTypes[r.ItemType] = true
	}
	facets := models.Facets{
		Categories: sortedKeys(col, categories),
		ItemTypes:  sortedKeys(col, itemTypes),
		Locations:  append([]string(nil), locationNames...),
	}
	col.SortStrings(facets.Locations)
	return facets
}

func sortedKeys(col *collate.Collator, set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		if k != "" {
			out = append(out, k)
		}
	}
	col.SortStrings(out)
	return out
}
