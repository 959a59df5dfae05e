// Package vault mounts the vault-envelope lifecycle endpoints: existence
// check, enable, replace-after-recovery, and the disable two-phase-commit
// support endpoints (verify / cleanup / irreversible deletes).
package vault

import (
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/chirino/bookmarksync/internal/model"
	registryroute "github.com/chirino/bookmarksync/internal/registry/route"
	registrystore "github.com/chirino/bookmarksync/internal/registry/store"
	"github.com/chirino/bookmarksync/internal/security"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 110,
		Type:  registryroute.RouteTypeMain,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted explicitly by the serve command after store init
		},
	})
}

// MountRoutes mounts the vault routes on the given router. mw are additional
// middleware (e.g. auth, personal-space bootstrap) run before every handler,
// in the order given.
func MountRoutes(r *gin.Engine, store registrystore.ServerStore, mw ...gin.HandlerFunc) {
	handlers := append(append([]gin.HandlerFunc{}, mw...), security.ClientIDMiddleware())
	g := r.Group("/vault", handlers...)

	g.GET("", func(c *gin.Context) { getVault(c, store) })
	g.PUT("/envelope", func(c *gin.Context) { putEnvelope(c, store) })
	g.POST("/enable", func(c *gin.Context) { enable(c, store) })
	g.POST("/disable", func(c *gin.Context) { disable(c, store) })
	g.GET("/disable/verify-plaintext", func(c *gin.Context) { verifyPlaintext(c, store) })
	g.POST("/disable/cleanup", func(c *gin.Context) { cleanup(c, store) })
}

type envelopeRequest struct {
	WrappedKey       string                  `json:"wrappedKey"`
	Salt             string                  `json:"salt"`
	KDFParams        model.KDFParams         `json:"kdfParams"`
	RecoveryWrappers []model.RecoveryWrapper `json:"recoveryWrappers,omitempty"`
	Overwrite        bool                    `json:"overwrite"`
}

func (r envelopeRequest) toEnvelope() (model.VaultEnvelope, error) {
	wrapped, err := base64.StdEncoding.DecodeString(r.WrappedKey)
	if err != nil {
		return model.VaultEnvelope{}, errors.New("wrappedKey must be base64")
	}
	salt, err := base64.StdEncoding.DecodeString(r.Salt)
	if err != nil {
		return model.VaultEnvelope{}, errors.New("salt must be base64")
	}
	return model.VaultEnvelope{
		WrappedDataKey:   wrapped,
		Salt:             salt,
		KDFParams:        r.KDFParams,
		Version:          1,
		EnabledAt:        time.Now().UTC(),
		RecoveryWrappers: r.RecoveryWrappers,
	}, nil
}

func getVault(c *gin.Context, store registrystore.ServerStore) {
	userID := security.GetUserID(c)
	envelope, err := store.GetVault(c.Request.Context(), userID)
	if err != nil {
		handleError(c, err)
		return
	}
	if envelope == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": true, "envelope": envelope})
}

func putEnvelope(c *gin.Context, store registrystore.ServerStore) {
	userID := security.GetUserID(c)
	var req envelopeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	envelope, err := req.toEnvelope()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := store.PutVaultEnvelope(c.Request.Context(), userID, envelope); err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func enable(c *gin.Context, store registrystore.ServerStore) {
	userID := security.GetUserID(c)
	var req envelopeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	envelope, err := req.toEnvelope()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Defensive cleanup: remove any encrypted rows left behind by a prior,
	// incompletely-disabled enable before storing the new envelope.
	if err := store.DeleteEncryptedRecords(c.Request.Context(), userID); err != nil {
		handleError(c, err)
		return
	}
	if err := store.EnableVault(c.Request.Context(), userID, envelope, req.Overwrite); err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type disableRequest struct {
	Action string `json:"action"`
}

func disable(c *gin.Context, store registrystore.ServerStore) {
	userID := security.GetUserID(c)
	var req disableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var err error
	switch req.Action {
	case "verify":
		// Real verification goes through the dedicated expectedCount-bearing
		// endpoint below; this action exists only to round out the documented
		// action set and is a no-op here.
	case "delete-encrypted":
		err = store.DeleteEncryptedRecords(c.Request.Context(), userID)
	case "delete-vault":
		err = store.DeleteVault(c.Request.Context(), userID)
	case "delete-plaintext":
		c.JSON(http.StatusBadRequest, gin.H{"error": "delete-plaintext requires recordIds; use POST /vault/disable/cleanup"})
		return
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action: " + req.Action})
		return
	}
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func verifyPlaintext(c *gin.Context, store registrystore.ServerStore) {
	userID := security.GetUserID(c)
	expected := queryInt(c, "expectedCount", -1)
	if expected < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expectedCount is required"})
		return
	}
	verified, serverCount, err := store.VerifyPlaintextCount(c.Request.Context(), userID, expected)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verified": verified, "serverCount": serverCount, "expectedCount": expected})
}

type cleanupRequest struct {
	RecordIDs   []string           `json:"recordIds"`
	RecordTypes []model.RecordType `json:"recordTypes"`
}

func cleanup(c *gin.Context, store registrystore.ServerStore) {
	userID := security.GetUserID(c)
	var req cleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := store.DeletePlaintextRecords(c.Request.Context(), userID, req.RecordIDs, req.RecordTypes); err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// --- helpers ---

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var conflict *registrystore.ConflictError
	var forbidden *registrystore.ForbiddenError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &forbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
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
	if n, err := fmtSscanf(v, &i); err != nil || n != 1 {
		return def
	}
	return i
}
