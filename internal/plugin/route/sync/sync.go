// Package sync mounts the plaintext/encrypted push-pull-checksum endpoints
// and the per-user sync-settings endpoint.
package sync

import (
	"errors"
	"net/http"

	"github.com/chirino/bookmarksync/internal/model"
	registryroute "github.com/chirino/bookmarksync/internal/registry/route"
	registrystore "github.com/chirino/bookmarksync/internal/registry/store"
	"github.com/chirino/bookmarksync/internal/security"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 100,
		Type:  registryroute.RouteTypeMain,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted explicitly by the serve command after store init
		},
	})
}

const maxPushBatchSize = 100

// defaultPullLimit and maxPullLimit bound the pull page size: the client
// may request up to maxPullLimit records per page, defaulting to
// defaultPullLimit when the limit query parameter is absent.
const (
	defaultPullLimit = 100
	maxPullLimit     = 1000
)

// MountRoutes mounts the sync routes on the given router. mw are additional
// middleware (e.g. auth, personal-space bootstrap) run before every handler,
// in the order given.
func MountRoutes(r *gin.Engine, store registrystore.ServerStore, mw ...gin.HandlerFunc) {
	handlers := append(append([]gin.HandlerFunc{}, mw...), security.ClientIDMiddleware(), noCacheMiddleware())
	g := r.Group("/sync", handlers...)

	g.GET("/plaintext/pull", func(c *gin.Context) { pullPlaintext(c, store) })
	g.POST("/plaintext/push", func(c *gin.Context) { pushPlaintext(c, store) })
	g.GET("/plaintext/checksum", func(c *gin.Context) { getChecksum(c, store) })
	g.GET("/encrypted/pull", func(c *gin.Context) { pullEncrypted(c, store) })
	g.POST("/encrypted/push", func(c *gin.Context) { pushEncrypted(c, store) })
	g.GET("/settings", func(c *gin.Context) { getSettings(c, store) })
	g.PUT("/settings", func(c *gin.Context) { putSettings(c, store) })
}

func noCacheMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
		c.Next()
	}
}

type pushRequest struct {
	Operations []pushOp `json:"operations"`
}

type pushOp struct {
	RecordID    string           `json:"recordId"`
	RecordType  model.RecordType `json:"recordType"`
	Data        interface{}      `json:"data,omitempty"`
	Ciphertext  []byte           `json:"ciphertext,omitempty"`
	BaseVersion int64            `json:"baseVersion"`
	Deleted     bool             `json:"deleted"`
}

func pushPlaintext(c *gin.Context, store registrystore.ServerStore) {
	doPush(c, store, false)
}

func pushEncrypted(c *gin.Context, store registrystore.ServerStore) {
	doPush(c, store, true)
}

func doPush(c *gin.Context, store registrystore.ServerStore, encrypted bool) {
	userID := security.GetUserID(c)

	var req pushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Operations) > maxPushBatchSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many operations in a single push batch"})
		return
	}

	ops := make([]registrystore.PushOperation, 0, len(req.Operations))
	for _, op := range req.Operations {
		if !op.RecordType.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid recordType: " + string(op.RecordType)})
			return
		}
		if op.RecordType == model.RecordTypeSpace && op.RecordID == model.PersonalSpaceID && op.Deleted {
			c.JSON(http.StatusForbidden, gin.H{"error": "the personal space cannot be deleted"})
			return
		}
		if !encrypted {
			if err := validatePayload(op.RecordType, op.Data); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		rawData, _ := marshalData(op.Data)
		ops = append(ops, registrystore.PushOperation{
			RecordID:    op.RecordID,
			RecordType:  op.RecordType,
			Data:        rawData,
			Ciphertext:  op.Ciphertext,
			BaseVersion: op.BaseVersion,
			Deleted:     op.Deleted,
		})
	}

	var result *registrystore.PushResult
	var err error
	if encrypted {
		result, err = store.PushEncrypted(c.Request.Context(), userID, ops)
	} else {
		result, err = store.PushPlaintext(c.Request.Context(), userID, ops)
	}
	if err != nil {
		handleError(c, err)
		return
	}

	if len(result.Conflicts) > 0 {
		c.JSON(http.StatusConflict, gin.H{"success": false, "conflicts": result.Conflicts})
		return
	}
	c.JSON(http.StatusOK, result)
}

func pullPlaintext(c *gin.Context, store registrystore.ServerStore) {
	userID := security.GetUserID(c)
	cursor, err := parseCursor(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit := queryInt(c, "limit", defaultPullLimit)

	var recordType *model.RecordType
	if rt := c.Query("recordType"); rt != "" {
		v := model.RecordType(rt)
		if !v.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid recordType"})
			return
		}
		recordType = &v
	}

	page, err := store.PullPlaintext(c.Request.Context(), userID, cursor, recordType, limit)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func pullEncrypted(c *gin.Context, store registrystore.ServerStore) {
	userID := security.GetUserID(c)
	cursor, err := parseCursor(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit := queryInt(c, "limit", defaultPullLimit)

	page, err := store.PullEncrypted(c.Request.Context(), userID, cursor, limit)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func getChecksum(c *gin.Context, store registrystore.ServerStore) {
	userID := security.GetUserID(c)
	meta, err := store.Checksum(c.Request.Context(), userID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, meta)
}

func getSettings(c *gin.Context, store registrystore.ServerStore) {
	userID := security.GetUserID(c)
	settings, err := store.GetSettings(c.Request.Context(), userID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func putSettings(c *gin.Context, store registrystore.ServerStore) {
	userID := security.GetUserID(c)
	var req struct {
		SyncEnabled bool           `json:"syncEnabled"`
		SyncMode    model.SyncMode `json:"syncMode"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.SyncMode.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid syncMode"})
		return
	}
	settings, err := store.PutSettings(c.Request.Context(), userID, req.SyncEnabled, req.SyncMode)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

// --- helpers ---

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var conflict *registrystore.ConflictError
	var forbidden *registrystore.ForbiddenError
	var validation *model.ValidationError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &forbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "field": validation.Field})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	var i int
	if _, err := fmtSscanf(v, &i); err != nil {
		return def
	}
	if i <= 0 {
		return def
	}
	if i > maxPullLimit {
		return maxPullLimit
	}
	return i
}
