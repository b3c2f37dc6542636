package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fortifai/core/internal/logging"
	"github.com/fortifai/core/internal/models"
)

// GraphService is the asset side of the graph API.
type GraphService interface {
	BuildGraph(ctx context.Context) (*models.Graph, error)
	GetAssetDirectory(ctx context.Context) ([]models.DirectoryEntry, error)
	ReadAssetType(ctx context.Context, assetType string) ([]models.Record, error)
	Invalidate()
}

// NodeStore holds user-managed overlay nodes.
type NodeStore interface {
	CreateNode(ctx context.Context, node models.Node) error
	PutNode(ctx context.Context, node models.Node) error
	DeleteNode(ctx context.Context, id string) error
	ListNodes(ctx context.Context) ([]models.Node, error)
}

type AssetTypeResponse struct {
	AssetType string          `json:"asset_type"`
	Count     int             `json:"count"`
	Records   []models.Record `json:"records"`
}

// GetGraph serves the assembled asset graph. ?pretty=true indents the body.
func GetGraph(svc GraphService) gin.HandlerFunc {
	return func(c *gin.Context) {
		graph, err := svc.BuildGraph(c.Request.Context())
		if err != nil {
			respondError(c, StatusFor(err), "failed to build asset graph", err)
			return
		}

		if c.Query("pretty") == "true" {
			c.IndentedJSON(http.StatusOK, graph)
			return
		}
		c.JSON(http.StatusOK, graph)
	}
}

func GetDirectory(svc GraphService) gin.HandlerFunc {
	return func(c *gin.Context) {
		entries, err := svc.GetAssetDirectory(c.Request.Context())
		if err != nil {
			respondError(c, StatusFor(err), "failed to read asset directory", err)
			return
		}
		c.JSON(http.StatusOK, entries)
	}
}

func GetAssetType(svc GraphService) gin.HandlerFunc {
	return func(c *gin.Context) {
		assetType := c.Param("type")
		records, err := svc.ReadAssetType(c.Request.Context(), assetType)
		if err != nil {
			respondError(c, StatusFor(err), "failed to read asset type", err)
			return
		}
		c.JSON(http.StatusOK, AssetTypeResponse{
			AssetType: assetType,
			Count:     len(records),
			Records:   records,
		})
	}
}

// InvalidateCache drops cached asset tables so the next request re-reads
// object storage.
func InvalidateCache(svc GraphService) gin.HandlerFunc {
	return func(c *gin.Context) {
		svc.Invalidate()
		logging.FromContext(c.Request.Context()).Info("asset cache invalidated")
		c.Status(http.StatusNoContent)
	}
}

func ListNodes(nodes NodeStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := nodes.ListNodes(c.Request.Context())
		if err != nil {
			respondError(c, StatusFor(err), "failed to list nodes", err)
			return
		}
		c.JSON(http.StatusOK, list)
	}
}

// GetNode looks the id up in the assembled graph, so asset, frame and
// overlay nodes are all addressable.
func GetNode(svc GraphService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		graph, err := svc.BuildGraph(c.Request.Context())
		if err != nil {
			respondError(c, StatusFor(err), "failed to build asset graph", err)
			return
		}

		node, ok := graph.Node(id)
		if !ok {
			respondError(c, http.StatusNotFound, "node not found", errors.New(id))
			return
		}
		c.JSON(http.StatusOK, node)
	}
}

func CreateNode(nodes NodeStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var node models.Node
		if !bindJSON(c, &node) {
			return
		}

		ctx := c.Request.Context()
		if err := nodes.CreateNode(ctx, node); err != nil {
			status := StatusFor(err)
			message := "failed to create node"
			if status == http.StatusConflict {
				message = "node already exists"
			}
			respondError(c, status, message, err)
			return
		}
		logging.FromContext(ctx).Info("overlay node created", "node_id", node.ID)
		c.JSON(http.StatusCreated, node)
	}
}

// UpdateNode replaces an overlay node. The id in the path wins; a
// conflicting id in the body is rejected.
func UpdateNode(nodes NodeStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")

		var node models.Node
		if err := c.ShouldBindJSON(&node); err != nil {
			respondError(c, http.StatusBadRequest, "invalid request body", err)
			return
		}
		if node.ID != "" && node.ID != id {
			respondError(c, http.StatusBadRequest, "invalid request", errors.New("body id does not match path id"))
			return
		}
		node.ID = id
		if err := models.Validate(node); err != nil {
			respondError(c, http.StatusBadRequest, "invalid request", err)
			return
		}

		if err := nodes.PutNode(c.Request.Context(), node); err != nil {
			respondError(c, StatusFor(err), "failed to update node", err)
			return
		}
		c.JSON(http.StatusOK, node)
	}
}

func DeleteNode(nodes NodeStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := nodes.DeleteNode(c.Request.Context(), id); err != nil {
			respondError(c, StatusFor(err), "failed to delete node", err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
