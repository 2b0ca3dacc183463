package httpapi

import (
	"errors"
	"net/http"
	"time"

	"messenger-platform/internal/auth"
	"messenger-platform/internal/conversation"
	"messenger-platform/internal/presence"
	"messenger-platform/internal/user"
	"messenger-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth          *auth.Manager
	Users         *user.Service
	Conversations *conversation.Service
	Presence      *presence.Service
}

// --- Auth ---

type registerRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
}

func (h Handlers) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json", "code": "invalid_request"})
		return
	}
	u, err := h.Users.Register(c.Request.Context(), req.Username, req.DisplayName, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, user.ErrUsernameTaken):
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "username_taken"})
		case errors.Is(err, user.ErrInvalidArgument):
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_request"})
		default:
			logger.FromGin(c).Error("register failed", "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": "internal"})
		}
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), u.ID)
	if err != nil {
		logger.FromGin(c).Error("token issuance failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed", "code": "internal"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": u, "access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h Handlers) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json", "code": "invalid_request"})
		return
	}
	u, err := h.Users.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, user.ErrInvalidCredentials) || errors.Is(err, user.ErrInvalidArgument) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials", "code": "invalid_credentials"})
			return
		}
		logger.FromGin(c).Error("login failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": "internal"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), u.ID)
	if err != nil {
		logger.FromGin(c).Error("token issuance failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed", "code": "internal"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u, "access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

func (h Handlers) Me(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "unauthorized"})
		return
	}
	u, err := h.Users.Get(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "user_not_found"})
			return
		}
		logger.FromGin(c).Error("me lookup failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": "internal"})
		return
	}
	status, err := h.Presence.Status(c.Request.Context(), userID)
	if err != nil {
		logger.FromGin(c).Warn("presence lookup failed", "user_id", userID, "err", err)
		status = presence.StatusOffline
	}
	c.JSON(http.StatusOK, gin.H{"user": u, "presence": status})
}

// --- Conversations ---

type createConversationRequest struct {
	UserID string `json:"user_id"`
}

// CreateConversation opens (or returns the existing) direct conversation
// between the caller and one other user.
func (h Handlers) CreateConversation(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "unauthorized"})
		return
	}
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json", "code": "invalid_request"})
		return
	}
	if _, err := h.Users.Get(c.Request.Context(), req.UserID); err != nil {
		if errors.Is(err, user.ErrNotFound) || errors.Is(err, user.ErrInvalidArgument) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "user not found", "code": "user_not_found"})
			return
		}
		logger.FromGin(c).Error("peer lookup failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": "internal"})
		return
	}
	conv, err := h.Conversations.CreateDirect(c.Request.Context(), userID, req.UserID)
	if err != nil {
		switch {
		case errors.Is(err, conversation.ErrSameUser), errors.Is(err, conversation.ErrInvalidArgument):
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_request"})
		default:
			logger.FromGin(c).Error("conversation create failed", "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": "internal"})
		}
		return
	}
	c.JSON(http.StatusCreated, conv)
}

// --- Presence ---

type appearOfflineRequest struct {
	Enabled bool `json:"enabled"`
}

// AppearOffline toggles the durable appear-offline preference. While set the
// user is unreachable for call admission but keeps their own event stream.
func (h Handlers) AppearOffline(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "unauthorized"})
		return
	}
	var req appearOfflineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json", "code": "invalid_request"})
		return
	}
	if err := h.Presence.SetAppearOffline(c.Request.Context(), userID, req.Enabled); err != nil {
		logger.FromGin(c).Error("appear-offline update failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": "internal"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"appear_offline": req.Enabled})
}
