package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"catalog-sync-service/internal/middleware"
	"catalog-sync-service/internal/models"
	"catalog-sync-service/internal/services"
)

// StagingHandler handles staging journal and push HTTP requests
type StagingHandler struct {
	stagingService *services.StagingService
	pushService    *services.PushService
	logger         *logrus.Entry
}

// NewStagingHandler creates a new staging handler
func NewStagingHandler(stagingService *services.StagingService, pushService *services.PushService, logger *logrus.Entry) *StagingHandler {
	return &StagingHandler{
		stagingService: stagingService,
		pushService:    pushService,
		logger:         logger.WithField("component", "staging_handler"),
	}
}

type stageAddRequest struct {
	Parents []models.StagingParent `json:"parents" binding:"required"`
	Note    string                 `json:"note"`
}

type stageIDsRequest struct {
	IDs  []string `json:"ids" binding:"required"`
	Note string   `json:"note"`
}

type stageStatusRequest struct {
	IDs    []string `json:"ids" binding:"required"`
	Status string   `json:"status" binding:"required"`
	Note   string   `json:"note"`
}

type undoRequest struct {
	SessionID string `json:"sessionId"`
}

type archiveRequest struct {
	ProductIDs []string `json:"productIds" binding:"required"`
}

func (h *StagingHandler) bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

// List returns staged parents for a target
func (h *StagingHandler) List(c *gin.Context) {
	result, err := h.stagingService.List(c.Request.Context(), middleware.GetTenantID(c), c.Param("target"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Add stages parents
func (h *StagingHandler) Add(c *gin.Context) {
	var req stageAddRequest
	if !h.bind(c, &req) {
		return
	}
	h.mutation(c)(h.stagingService.StageAdd(c.Request.Context(), middleware.GetTenantID(c), c.Param("target"), req.Parents, req.Note))
}

// Remove unstages parents
func (h *StagingHandler) Remove(c *gin.Context) {
	var req stageIDsRequest
	if !h.bind(c, &req) {
		return
	}
	h.mutation(c)(h.stagingService.StageRemove(c.Request.Context(), middleware.GetTenantID(c), c.Param("target"), req.IDs, req.Note))
}

// SetStatus transitions parents' variants
func (h *StagingHandler) SetStatus(c *gin.Context) {
	var req stageStatusRequest
	if !h.bind(c, &req) {
		return
	}
	h.mutation(c)(h.stagingService.SetStatus(c.Request.Context(), middleware.GetTenantID(c), c.Param("target"), req.IDs, req.Status, req.Note))
}

// Sessions lists undo sessions, most recent first
func (h *StagingHandler) Sessions(c *gin.Context) {
	sessions, err := h.stagingService.Sessions(c.Request.Context(), middleware.GetTenantID(c), c.Param("target"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// Undo applies an undo session. An empty body undoes the most recent one.
func (h *StagingHandler) Undo(c *gin.Context) {
	var req undoRequest
	if c.Request.ContentLength > 0 && !h.bind(c, &req) {
		return
	}
	h.mutation(c)(h.stagingService.Undo(c.Request.Context(), middleware.GetTenantID(c), c.Param("target"), req.SessionID))
}

// Push sends pending staged variants to the destination
func (h *StagingHandler) Push(c *gin.Context) {
	var req services.PushRequest
	if c.Request.ContentLength > 0 && !h.bind(c, &req) {
		return
	}
	report, err := h.pushService.Push(c.Request.Context(), middleware.GetTenantID(c), c.Param("target"), req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Archive archives destination products
func (h *StagingHandler) Archive(c *gin.Context) {
	var req archiveRequest
	if !h.bind(c, &req) {
		return
	}
	report, err := h.pushService.Archive(c.Request.Context(), middleware.GetTenantID(c), c.Param("target"), req.ProductIDs)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *StagingHandler) mutation(c *gin.Context) func(*services.MutationResult, error) {
	return func(result *services.MutationResult, err error) {
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}
