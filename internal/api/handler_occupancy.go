package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"checkin-backend/internal/domain"
	"checkin-backend/internal/model"
	"checkin-backend/internal/mw"
	"checkin-backend/internal/occupancy"
)

type eventResponse struct {
	ID              string       `json:"id"`
	ReservationID   string       `json:"reservationId"`
	SubjectID       string       `json:"subjectId"`
	Phase           domain.Phase `json:"phase"`
	CredentialID    string       `json:"credentialId,omitempty"`
	OccurredAt      time.Time    `json:"occurredAt"`
	PaymentCaptured bool         `json:"paymentCaptured"`
	DoorOpened      bool         `json:"doorOpened"`
}

func eventView(e *model.OccupancyEvent) eventResponse {
	return eventResponse{
		ID:              e.ID,
		ReservationID:   e.ReservationID,
		SubjectID:       e.SubjectID,
		Phase:           domain.Phase(e.Phase),
		CredentialID:    e.CredentialID,
		OccurredAt:      e.OccurredAt,
		PaymentCaptured: e.PaymentCaptured,
		DoorOpened:      e.DoorOpened,
	}
}

type checkInRequest struct {
	ReservationID string `json:"reservationId" binding:"required"`
	Credential    string `json:"credential" binding:"required"`
}

// CheckIn redeems an arrival credential and records the arrival.
func (h *Handler) CheckIn(c *gin.Context) {
	var req checkInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	e, err := h.machine.Arrive(c.Request.Context(), occupancy.ArriveRequest{
		ReservationID: req.ReservationID,
		SubjectID:     mw.Subject(c),
		Credential:    req.Credential,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	h.invalidateStatus(req.ReservationID)
	c.JSON(http.StatusCreated, eventView(e))
}

type checkOutRequest struct {
	ReservationID string `json:"reservationId" binding:"required"`
	Credential    string `json:"credential"`
}

// CheckOut records the departure once enough evidence is uploaded.
func (h *Handler) CheckOut(c *gin.Context) {
	var req checkOutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	e, err := h.machine.Depart(c.Request.Context(), occupancy.DepartRequest{
		ReservationID: req.ReservationID,
		SubjectID:     mw.Subject(c),
		Credential:    req.Credential,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	h.invalidateStatus(req.ReservationID)
	c.JSON(http.StatusCreated, eventView(e))
}

// GetStatus returns the derived occupancy state of a reservation.
func (h *Handler) GetStatus(c *gin.Context) {
	st, err := h.machine.Status(c.Request.Context(), c.Param("reservationId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func statusCacheKey(reservationID string) string {
	return "status:" + reservationID
}

func statusKey(c *gin.Context) string {
	return statusCacheKey(c.Param("reservationId"))
}

func (h *Handler) invalidateStatus(reservationID string) {
	if h.cache != nil {
		h.cache.Invalidate(statusCacheKey(reservationID))
	}
}
