package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/GoDePIN/orchgate/internal/model"
	"github.com/GoDePIN/orchgate/internal/pkg/apperrors"
	"github.com/GoDePIN/orchgate/internal/repository"
	"github.com/GoDePIN/orchgate/internal/service"
	"github.com/gin-gonic/gin"
)

type AdminHandler struct {
	keys *service.KeyManager
}

func NewAdminHandler(keys *service.KeyManager) *AdminHandler {
	return &AdminHandler{keys: keys}
}

// CreateKey returns the plaintext key exactly once; only the hash is
// stored.
func (h *AdminHandler) CreateKey(c *gin.Context) {
	var req model.CreateApiKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperrors.NewInvalidRequest(err.Error()))
		return
	}
	for _, p := range req.Permissions {
		switch p {
		case model.PermRead, model.PermWrite, model.PermAdmin, model.PermDelete:
		default:
			fail(c, apperrors.NewInvalidRequest("unknown permission "+strconv.Quote(p)))
			return
		}
	}

	plaintext, key, err := h.keys.CreateKey(c.Request.Context(), req)
	if err != nil {
		fail(c, apperrors.New(apperrors.ErrData, "failed to create api key", err))
		return
	}

	respondCreated(c, model.CreateApiKeyResponse{
		ID:     key.ID,
		Key:    plaintext,
		ApiKey: *key,
	})
}

func (h *AdminHandler) ListKeys(c *gin.Context) {
	keys, err := h.keys.ListKeys(c.Request.Context())
	if err != nil {
		fail(c, apperrors.New(apperrors.ErrData, "failed to list api keys", err))
		return
	}
	respondOK(c, gin.H{"keys": keys, "total_count": len(keys)})
}

func (h *AdminHandler) GetKey(c *gin.Context) {
	id, ok := h.keyID(c)
	if !ok {
		return
	}
	key, err := h.keys.GetKey(c.Request.Context(), id)
	if err != nil {
		h.keyError(c, err)
		return
	}
	respondOK(c, key)
}

func (h *AdminHandler) UpdateKey(c *gin.Context) {
	id, ok := h.keyID(c)
	if !ok {
		return
	}
	var req model.UpdateApiKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperrors.NewInvalidRequest(err.Error()))
		return
	}
	key, err := h.keys.UpdateKey(c.Request.Context(), id, req)
	if err != nil {
		h.keyError(c, err)
		return
	}
	respondOK(c, key)
}

func (h *AdminHandler) DeleteKey(c *gin.Context) {
	id, ok := h.keyID(c)
	if !ok {
		return
	}
	if err := h.keys.DeleteKey(c.Request.Context(), id); err != nil {
		h.keyError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AdminHandler) keyID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		fail(c, apperrors.NewInvalidRequest("key id must be a positive integer"))
		return 0, false
	}
	return id, true
}

func (h *AdminHandler) keyError(c *gin.Context, err error) {
	if errors.Is(err, repository.ErrKeyNotFound) {
		fail(c, apperrors.NewNotFound("api key not found"))
		return
	}
	fail(c, apperrors.New(apperrors.ErrData, "api key operation failed", err))
}
