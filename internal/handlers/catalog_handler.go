package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"catalog-sync-service/internal/services"
)

// CatalogHandler handles catalog query HTTP requests
type CatalogHandler struct {
	catalogService *services.CatalogService
	logger         *logrus.Entry
}

// NewCatalogHandler creates a new catalog handler
func NewCatalogHandler(catalogService *services.CatalogService, logger *logrus.Entry) *CatalogHandler {
	return &CatalogHandler{
		catalogService: catalogService,
		logger:         logger.WithField("component", "catalog_handler"),
	}
}

// catalogQuery is the query string form of a catalog request
type catalogQuery struct {
	Search    string   `form:"search"`
	Category  string   `form:"category"`
	ItemType  string   `form:"itemType"`
	Locations []string `form:"locations"`
	Sort      string   `form:"sort"`
	Direction string   `form:"dir"`
	Page      int      `form:"page"`
	PageSize  int      `form:"pageSize"`
	All       bool     `form:"all"`
	Refresh   bool     `form:"refresh"`
}

func bindCatalogQuery(c *gin.Context) (services.QueryRequest, bool, error) {
	q := catalogQuery{Page: 1, PageSize: services.DefaultPageSize}
	if err := c.ShouldBindQuery(&q); err != nil {
		return services.QueryRequest{}, false, &services.ValidationError{Message: "invalid query: " + err.Error()}
	}

	var locations []string
	for _, l := range q.Locations {
		for _, name := range strings.Split(l, ",") {
			if name = strings.TrimSpace(name); name != "" {
				locations = append(locations, name)
			}
		}
	}
	return services.QueryRequest{
		Search:    q.Search,
		Category:  q.Category,
		ItemType:  q.ItemType,
		Locations: locations,
		Sort:      q.Sort,
		Direction: strings.ToLower(q.Direction),
		Page:      q.Page,
		PageSize:  q.PageSize,
		ExportAll: q.All,
	}, q.Refresh, nil
}

// ListItems queries the catalog snapshot
func (h *CatalogHandler) ListItems(c *gin.Context) {
	req, refresh, err := bindCatalogQuery(c)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	result, info, err := h.catalogService.Query(c.Request.Context(), req, refresh)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"rows":       result.Rows,
		"total":      result.Total,
		"totalPages": result.TotalPages,
		"page":       result.Page,
		"pageSize":   result.PageSize,
		"truncated":  result.Truncated,
		"backend":    info.Backend,
		"warning":    info.Warning,
		"refreshed":  info.Refreshed,
		"fetchedAt":  info.FetchedAt,
	})
}

// Facets lists filter values
func (h *CatalogHandler) Facets(c *gin.Context) {
	refresh := c.Query("refresh") == "true"
	facets, info, err := h.catalogService.Facets(c.Request.Context(), refresh)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"categories": facets.Categories,
		"itemTypes":  facets.ItemTypes,
		"locations":  facets.Locations,
		"backend":    info.Backend,
		"warning":    info.Warning,
	})
}

// Export downloads the filtered and sorted catalog as XLSX
func (h *CatalogHandler) Export(c *gin.Context) {
	req, refresh, err := bindCatalogQuery(c)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	result, locations, err := h.catalogService.Export(c.Request.Context(), req, refresh)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	var buf bytes.Buffer
	if err := services.WriteCatalogXLSX(&buf, result.Rows, locations); err != nil {
		respondError(c, h.logger, err)
		return
	}

	filename := fmt.Sprintf("catalog_%s.xlsx", time.Now().UTC().Format("20060102_150405"))
	c.Header("Content-Disposition", "attachment; filename="+filename)
	c.Header("X-Export-Total", fmt.Sprint(result.Total))
	if result.Truncated {
		c.Header("X-Export-Truncated", "true")
	}
	c.Data(http.StatusOK, services.ExportContentType, buf.Bytes())
}
