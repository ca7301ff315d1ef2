package handlers

import "github.com/gin-gonic/gin"

// RegisterRoutes mounts the catalog and staging endpoints on a tenant-scoped group
func RegisterRoutes(v1 *gin.RouterGroup, catalogHandler *CatalogHandler, stagingHandler *StagingHandler) {
	// Catalog snapshot
	catalog := v1.Group("/catalog")
	{
		catalog.GET("/items", catalogHandler.ListItems)
		catalog.GET("/facets", catalogHandler.Facets)
		catalog.GET("/export", catalogHandler.Export)
	}

	// Staging journal, undo and push
	staging := v1.Group("/staging/:target")
	{
		staging.GET("", stagingHandler.List)
		staging.POST("/add", stagingHandler.Add)
		staging.POST("/remove", stagingHandler.Remove)
		staging.POST("/status", stagingHandler.SetStatus)
		staging.GET("/undo", stagingHandler.Sessions)
		staging.POST("/undo", stagingHandler.Undo)
		staging.POST("/push", stagingHandler.Push)
		staging.POST("/archive", stagingHandler.Archive)
	}
}
