package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ConfigValueResponse is the GET /config/:key body. Encrypted values come
// back decrypted; the ciphertext never leaves the store.
type ConfigValueResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Server) handleGetConfig(c *gin.Context) {
	key := c.Param("key")

	value, found, err := s.store.GetConfig(c.Request.Context(), key)
	if err != nil {
		respondError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "config key not found: " + key})
		return
	}
	c.JSON(http.StatusOK, ConfigValueResponse{Key: key, Value: value})
}

// SetConfigRequest is the PUT /config/:key body.
type SetConfigRequest struct {
	Value     string `json:"value"`
	Encrypted bool   `json:"encrypted,omitempty"`
}

func (s *Server) handleSetConfig(c *gin.Context) {
	key := c.Param("key")

	var req SetConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request: %v", err)
		return
	}

	if err := s.store.SetConfig(c.Request.Context(), key, req.Value, req.Encrypted); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "encrypted": req.Encrypted})
}

func (s *Server) handleDeleteConfig(c *gin.Context) {
	if err := s.store.DeleteConfig(c.Request.Context(), c.Param("key")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
