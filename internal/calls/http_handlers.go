package calls

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"messenger-platform/internal/auth"
	"messenger-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers are the HTTP surface of the call coordinator.
//
// No business logic here: parse/validate input, call the coordinator, map
// errors. Busy and offline rejections carry distinct machine codes so
// clients can render "currently unavailable" instead of a retry prompt.
type Handlers struct {
	Calls *Coordinator
}

type initiateRequest struct {
	ConversationID string   `json:"conversation_id"`
	CallType       CallType `json:"call_type"`
}

type signalRequest struct {
	TargetUserID string          `json:"target_user_id"`
	SignalType   SignalType      `json:"signal_type"`
	Payload      json.RawMessage `json:"payload"`
}

func (h Handlers) Initiate(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json", "code": "invalid_request"})
		return
	}

	call, err := h.Calls.Initiate(c.Request.Context(), userID, req.ConversationID, req.CallType)
	if err != nil {
		writeCallError(c, err)
		return
	}
	c.JSON(http.StatusCreated, call)
}

func (h Handlers) Answer(c *gin.Context) {
	h.transition(c, h.Calls.Answer)
}

func (h Handlers) Decline(c *gin.Context) {
	h.transition(c, h.Calls.Decline)
}

func (h Handlers) End(c *gin.Context) {
	h.transition(c, h.Calls.End)
}

func (h Handlers) transition(c *gin.Context, op func(ctx context.Context, userID, callID string) (Call, error)) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	callID := c.Param("call_id")
	if callID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call_id required", "code": "invalid_request"})
		return
	}

	call, err := op(c.Request.Context(), userID, callID)
	if err != nil {
		writeCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

func (h Handlers) Signal(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	callID := c.Param("call_id")
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json", "code": "invalid_request"})
		return
	}

	if err := h.Calls.RelaySignal(c.Request.Context(), callID, userID, req.TargetUserID, req.SignalType, req.Payload); err != nil {
		writeCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "forwarded"})
}

func (h Handlers) ActiveCall(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	conversationID := c.Param("conversation_id")

	out, err := h.Calls.ActiveCall(c.Request.Context(), userID, conversationID)
	if err != nil {
		writeCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// writeCallError maps the coordinator's error taxonomy onto HTTP status
// classes: 400 validation/admission, 403 authorization, 404 missing call,
// 409 conflicting state or busy, 502 for load-bearing delivery failures that
// already demoted the call to failed.
func writeCallError(c *gin.Context, err error) {
	log := logger.FromGin(c)

	switch {
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrInvalidCallType), errors.Is(err, ErrInvalidSignalType):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_request"})
	case errors.Is(err, ErrNotTwoParty):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "not_two_party"})
	case errors.Is(err, ErrParticipantOffline):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "participant_offline"})
	case errors.Is(err, ErrNotParticipant), errors.Is(err, ErrAnswerOwnCall):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error(), "code": "not_allowed"})
	case errors.Is(err, ErrCallNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "call_not_found"})
	case errors.Is(err, ErrUserBusy):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "callee_busy"})
	case errors.Is(err, ErrWrongState):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "already_resolved"})
	case errors.Is(err, ErrDeliveryFailed):
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": err.Error(), "code": "call_failed"})
	default:
		log.Error("call operation failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
