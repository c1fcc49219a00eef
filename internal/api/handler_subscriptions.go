package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"checkin-backend/internal/model"
	"checkin-backend/internal/mw"
	"checkin-backend/internal/store"
)

type putSubscriptionRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	P256DH   string `json:"p256dh" binding:"required"`
	Auth     string `json:"auth" binding:"required"`
}

// PutSubscription registers or replaces the guest's push subscription.
func (h *Handler) PutSubscription(c *gin.Context) {
	var req putSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}

	subscription := model.PushSubscription{
		Endpoint:  req.Endpoint,
		SubjectID: mw.Subject(c),
		P256DH:    req.P256DH,
		Auth:      req.Auth,
	}
	if err := h.store.UpsertSubscription(c.Request.Context(), &subscription); err != nil {
		writeError(c, err)
		return
	}

	c.Status(http.StatusCreated)
}

type deleteSubscriptionRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

// DeleteSubscription removes one of the guest's subscriptions.
func (h *Handler) DeleteSubscription(c *gin.Context) {
	var req deleteSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}

	if _, ok := h.ownSubscription(c, req.Endpoint); !ok {
		return
	}
	if err := h.store.DeleteSubscription(c.Request.Context(), req.Endpoint); err != nil {
		writeError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// GetSubscription reports whether an endpoint is registered for the guest.
func (h *Handler) GetSubscription(c *gin.Context) {
	endpoint := c.Query("endpoint")
	if endpoint == "" {
		badRequest(c, "endpoint is required")
		return
	}

	sub, ok := h.ownSubscription(c, endpoint)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"endpoint": sub.Endpoint, "subjectId": sub.SubjectID, "createdAt": sub.CreatedAt})
}

// ownSubscription loads a subscription of the authenticated subject and
// writes a 404 when it is missing or belongs to someone else.
func (h *Handler) ownSubscription(c *gin.Context, endpoint string) (*model.PushSubscription, bool) {
	sub, err := h.store.FindSubscription(c.Request.Context(), endpoint)
	if errors.Is(err, store.ErrNotFound) || err == nil && sub.SubjectID != mw.Subject(c) {
		c.JSON(http.StatusNotFound, errorResponse{Error: "subscription not found", Code: "not_found"})
		return nil, false
	}
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return sub, true
}
