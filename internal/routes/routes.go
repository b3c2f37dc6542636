// Package routes binds the API handlers to their paths.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fortifai/core/internal/handlers"
)

type Deps struct {
	Graph     handlers.GraphService
	Nodes     handlers.NodeStore
	Ignores   handlers.IgnoreStore
	History   handlers.RelocationHistory
	Relocator handlers.Relocator
	// Proxy serves ANY /api/proxy/*path.
	Proxy gin.HandlerFunc
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer      prometheus.Gatherer
	HealthDetails map[string]string
}

func SetupRoutes(router *gin.Engine, deps Deps) {
	router.HandleMethodNotAllowed = true
	// Node ids are often ARNs; %2F keeps them in one path segment.
	router.UseRawPath = true

	router.GET("/health", handlers.Health(deps.HealthDetails))
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api")
	{
		graph := api.Group("/graph")
		{
			graph.GET("", handlers.GetGraph(deps.Graph))
			graph.GET("/directory", handlers.GetDirectory(deps.Graph))
			graph.GET("/assets/:type", handlers.GetAssetType(deps.Graph))
			graph.DELETE("/cache", handlers.InvalidateCache(deps.Graph))

			nodes := graph.Group("/nodes")
			{
				nodes.GET("", handlers.ListNodes(deps.Nodes))
				nodes.POST("", handlers.CreateNode(deps.Nodes))
				nodes.GET("/:id", handlers.GetNode(deps.Graph))
				nodes.PUT("/:id", handlers.UpdateNode(deps.Nodes))
				nodes.DELETE("/:id", handlers.DeleteNode(deps.Nodes))
			}
		}

		fortifai := api.Group("/fortifai")
		{
			fortifai.POST("", handlers.Relocate(deps.Relocator))
			fortifai.GET("/relocations", handlers.ListRelocations(deps.History))
			fortifai.POST("/ignore", handlers.CreateIgnore(deps.Ignores))
			fortifai.GET("/ignore", handlers.ListIgnores(deps.Ignores))
			fortifai.DELETE("/ignore/:id", handlers.DeleteIgnore(deps.Ignores))
		}

		if deps.Proxy != nil {
			api.Any("/proxy/*path", deps.Proxy)
		}
	}
}
