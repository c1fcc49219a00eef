package api

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"

	"checkin-backend/internal/domain"
	"checkin-backend/internal/mw"
	"checkin-backend/internal/token"
)

const qrSize = 256

type issueCredentialRequest struct {
	ReservationID string `json:"reservationId" binding:"required"`
	Phase         string `json:"phase" binding:"required"`
	LinkedEventID string `json:"linkedEventId"`
}

type credentialResponse struct {
	CredentialID  string       `json:"credentialId"`
	ReservationID string       `json:"reservationId"`
	SubjectID     string       `json:"subjectId"`
	Phase         domain.Phase `json:"phase"`
	LinkedEventID string       `json:"linkedEventId,omitempty"`
	IssuedAt      time.Time    `json:"issuedAt"`
	ExpiresAt     time.Time    `json:"expiresAt"`
	Wire          string       `json:"wire,omitempty"`
	QRImage       string       `json:"qrImage,omitempty"`
}

func credentialView(p token.Payload) credentialResponse {
	return credentialResponse{
		CredentialID:  p.ID,
		ReservationID: p.ReservationID,
		SubjectID:     p.SubjectID,
		Phase:         p.Phase,
		LinkedEventID: p.LinkedEventID,
		IssuedAt:      p.IssuedAt,
		ExpiresAt:     p.ExpiresAt,
	}
}

// IssueCredential creates a credential for the authenticated guest and
// returns it with a QR rendering of its wire form.
func (h *Handler) IssueCredential(c *gin.Context) {
	var req issueCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	phase, err := domain.ParsePhase(req.Phase)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	issued, err := h.issuer.Issue(c.Request.Context(), token.IssueRequest{
		ReservationID: req.ReservationID,
		SubjectID:     mw.Subject(c),
		Phase:         phase,
		LinkedEventID: req.LinkedEventID,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	png, err := qrcode.Encode(issued.Wire, qrcode.Medium, qrSize)
	if err != nil {
		writeError(c, fmt.Errorf("render qr code: %w", err))
		return
	}

	resp := credentialView(issued.Payload)
	resp.Wire = issued.Wire
	resp.QRImage = "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	c.JSON(http.StatusCreated, resp)
}

type presentCredentialRequest struct {
	Credential string `json:"credential" binding:"required"`
}

// ValidateQR checks a scanned credential without redeeming it.
func (h *Handler) ValidateQR(c *gin.Context) {
	var req presentCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	v, err := h.validator.Inspect(c.Request.Context(), req.Credential)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "credential": credentialView(v.Payload)})
}
