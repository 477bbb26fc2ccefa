package server

import (
	"github.com/OFFIS-RIT/kiwi/consolidation/internal/server/middleware"
	"github.com/OFFIS-RIT/kiwi/consolidation/internal/server/routes"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/metrics"

	"github.com/labstack/echo/v4"
)

func RegisterRoutes(e *echo.Echo) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	apiRoutes := e.Group("/api", middleware.AuthMiddleware)

	// Graph routes
	apiRoutes.GET("/graphs/:graph", routes.GetGraphHandler)
	apiRoutes.DELETE("/graphs/:graph", routes.DeleteGraphHandler)
	apiRoutes.POST("/graphs/:graph/passages", routes.AddPassagesHandler)
	apiRoutes.POST("/graphs/:graph/summaries", routes.SummarizeHandler)
	apiRoutes.GET("/graphs/:graph/entities/:name", routes.GetEntityHandler)
	apiRoutes.GET("/graphs/:graph/relations", routes.GetRelationHandler)

	// Query routes
	apiRoutes.POST("/graphs/:graph/keywords", routes.KeywordsHandler)
	apiRoutes.POST("/graphs/:graph/query", routes.QueryHandler)
}
