package bridge

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/mantonx/plughost/internal/errors"
	plugins "github.com/mantonx/plughost/sdk"
)

func (b *Bridge) getInfo(c *gin.Context) {
	resp := b.dispatcher.Dispatch(c.Request.Context(), &plugins.Request{Method: plugins.MethodGetInfo})
	c.JSON(http.StatusOK, resp.Result)
}

func (b *Bridge) getState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"state": b.machine.State().String()})
}

// getHealth runs a named check through the dispatcher so the answer matches
// what a host gets from health_check.
func (b *Bridge) getHealth(c *gin.Context) {
	resp := b.dispatcher.Dispatch(c.Request.Context(), &plugins.Request{
		Method: plugins.MethodHealthCheck,
		Data:   map[string]interface{}{"check_name": c.Param("check")},
	})
	if !resp.Success {
		c.JSON(http.StatusBadRequest, resp)
		return
	}
	status := http.StatusOK
	if healthy, _ := resp.Result["healthy"].(bool); !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp.Result)
}

func (b *Bridge) getMenu(c *gin.Context) {
	provider, ok := b.dispatcher.Plugin().(plugins.MenuProvider)
	if !ok {
		apperrors.Respond(c, apperrors.NewNotFoundError("menu", ""))
		return
	}
	items, err := provider.GetMenuItems()
	if err != nil {
		apperrors.Respond(c, apperrors.NewDomainError("menu", err))
		return
	}
	if items == nil {
		items = []map[string]interface{}{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// forwardRequest hands a UI request to the plugin's HandleRequest.
func (b *Bridge) forwardRequest(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, b.opts.MaxRequestBody))
	if err != nil {
		apperrors.Respond(c, apperrors.NewValidationError("request body too large or unreadable", "body"))
		return
	}

	out, err := b.dispatcher.Plugin().HandleRequest(c.Request.Method, c.Param("path"), body)
	if err != nil {
		apperrors.Respond(c, apperrors.NewDomainError("request", err))
		return
	}
	if len(out) == 0 {
		c.Status(http.StatusNoContent)
		return
	}
	c.Data(http.StatusOK, "application/json", out)
}

func (b *Bridge) getScopeStats(c *gin.Context) {
	c.JSON(http.StatusOK, b.scope.Stats())
}

func (b *Bridge) requireStorage(c *gin.Context) bool {
	if b.storage != nil {
		return true
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error": "storage is not enabled",
		"code":  apperrors.CodeInternal,
	})
	return false
}

func storageKind(c *gin.Context) (plugins.StorageKind, bool) {
	kind := plugins.StorageKind(c.Param("kind"))
	if !kind.Valid() {
		apperrors.Respond(c, apperrors.NewValidationError("invalid storage kind", "kind"))
		return "", false
	}
	return kind, true
}

func respondStorageError(c *gin.Context, kind plugins.StorageKind, key string, err error) {
	if stderrors.Is(err, plugins.ErrNotFound) {
		apperrors.Respond(c, apperrors.NewNotFoundError(string(kind), key))
		return
	}
	apperrors.Respond(c, apperrors.NewInternalError("storage operation failed", err))
}

func (b *Bridge) getStorageStats(c *gin.Context) {
	if !b.requireStorage(c) {
		return
	}
	stats, err := b.storage.Stats(c.Request.Context())
	if err != nil {
		apperrors.Respond(c, apperrors.NewInternalError("failed to read storage stats", err))
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (b *Bridge) listStorage(c *gin.Context) {
	if !b.requireStorage(c) {
		return
	}
	kind, ok := storageKind(c)
	if !ok {
		return
	}
	keys, err := b.storage.List(c.Request.Context(), kind)
	if err != nil {
		respondStorageError(c, kind, "", err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"kind": kind, "keys": keys})
}

func (b *Bridge) getStorageItem(c *gin.Context) {
	if !b.requireStorage(c) {
		return
	}
	kind, ok := storageKind(c)
	if !ok {
		return
	}
	key := c.Param("key")
	item, err := b.storage.Get(c.Request.Context(), kind, key)
	if err != nil {
		respondStorageError(c, kind, key, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// putStorageItem stores the request body, which must be JSON, under the key.
// An optional ?version= is kept alongside it.
func (b *Bridge) putStorageItem(c *gin.Context) {
	if !b.requireStorage(c) {
		return
	}
	kind, ok := storageKind(c)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, b.opts.MaxRequestBody))
	if err != nil {
		apperrors.Respond(c, apperrors.NewValidationError("request body too large or unreadable", "body"))
		return
	}
	var value interface{}
	if err := json.Unmarshal(body, &value); err != nil {
		apperrors.Respond(c, apperrors.NewValidationError("body must be JSON", "body"))
		return
	}

	key := c.Param("key")
	if err := b.storage.Put(c.Request.Context(), kind, key, value, c.Query("version")); err != nil {
		respondStorageError(c, kind, key, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (b *Bridge) deleteStorageItem(c *gin.Context) {
	if !b.requireStorage(c) {
		return
	}
	kind, ok := storageKind(c)
	if !ok {
		return
	}
	key := c.Param("key")
	if err := b.storage.Delete(c.Request.Context(), kind, key); err != nil {
		respondStorageError(c, kind, key, err)
		return
	}
	c.Status(http.StatusNoContent)
}
