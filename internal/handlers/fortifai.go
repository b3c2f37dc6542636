package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fortifai/core/internal/logging"
	"github.com/fortifai/core/internal/models"
	"github.com/fortifai/core/internal/relocate"
)

type Relocator interface {
	Enabled() bool
	Relocate(ctx context.Context, req models.RelocationRequest) (models.RelocationResult, error)
}

type RelocationHistory interface {
	ListRelocations(ctx context.Context) ([]models.RelocationResult, error)
}

type IgnoreStore interface {
	PutIgnore(ctx context.Context, entry models.IgnoreEntry) error
	DeleteIgnore(ctx context.Context, id string) error
	ListIgnores(ctx context.Context) ([]models.IgnoreEntry, error)
}

// Relocate runs the EC2 relocation workflow synchronously and returns its
// result.
func Relocate(r Relocator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !r.Enabled() {
			respondError(c, http.StatusServiceUnavailable, "relocation unavailable", relocate.ErrDisabled)
			return
		}

		var req models.RelocationRequest
		if !bindJSON(c, &req) {
			return
		}

		// A run keeps going when the client disconnects; the relocator's
		// own timeout bounds it.
		ctx := context.WithoutCancel(c.Request.Context())
		result, err := r.Relocate(ctx, req)
		if err != nil {
			respondError(c, StatusFor(err), "relocation failed", err)
			return
		}

		logging.FromContext(ctx).Info("relocation succeeded",
			"relocation_id", result.ID, "new_instance_id", result.NewInstanceID)
		c.JSON(http.StatusOK, result)
	}
}

func ListRelocations(history RelocationHistory) gin.HandlerFunc {
	return func(c *gin.Context) {
		results, err := history.ListRelocations(c.Request.Context())
		if err != nil {
			respondError(c, StatusFor(err), "failed to list relocations", err)
			return
		}
		c.JSON(http.StatusOK, results)
	}
}

func CreateIgnore(ignores IgnoreStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var entry models.IgnoreEntry
		if !bindJSON(c, &entry) {
			return
		}
		entry.CreatedAt = time.Now().UTC()

		if err := ignores.PutIgnore(c.Request.Context(), entry); err != nil {
			respondError(c, StatusFor(err), "failed to store ignore entry", err)
			return
		}
		logging.FromContext(c.Request.Context()).Info("node ignored", "node_id", entry.ID, "reason", entry.Reason)
		c.JSON(http.StatusCreated, entry)
	}
}

func ListIgnores(ignores IgnoreStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		entries, err := ignores.ListIgnores(c.Request.Context())
		if err != nil {
			respondError(c, StatusFor(err), "failed to list ignore entries", err)
			return
		}
		c.JSON(http.StatusOK, entries)
	}
}

func DeleteIgnore(ignores IgnoreStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := ignores.DeleteIgnore(c.Request.Context(), c.Param("id")); err != nil {
			respondError(c, StatusFor(err), "failed to delete ignore entry", err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
