package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"checkin-backend/internal/domain"
)

var statusByKind = map[domain.Kind]int{
	domain.KindMalformed:            http.StatusBadRequest,
	domain.KindExpired:              http.StatusGone,
	domain.KindAlreadyUsed:          http.StatusConflict,
	domain.KindSignatureMismatch:    http.StatusForbidden,
	domain.KindNotFound:             http.StatusNotFound,
	domain.KindPhaseMismatch:        http.StatusUnprocessableEntity,
	domain.KindReservationMismatch:  http.StatusForbidden,
	domain.KindStateConflict:        http.StatusConflict,
	domain.KindInsufficientEvidence: http.StatusUnprocessableEntity,
	domain.KindRejected:             http.StatusUnprocessableEntity,
	domain.KindTimeout:              http.StatusGatewayTimeout,
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// writeError maps err onto a status code and the error body. Failures that
// are not validation outcomes are logged and reported without detail.
func writeError(c *gin.Context, err error) {
	kind := domain.KindOf(err)
	status, ok := statusByKind[kind]
	if !ok {
		log.Printf("%s %s failed: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error", Code: "internal_error"})
		return
	}
	c.JSON(status, errorResponse{Error: err.Error(), Code: string(kind), Details: details(err)})
}

func details(err error) map[string]any {
	var sc *domain.StateConflictError
	if errors.As(err, &sc) {
		d := map[string]any{"current": sc.Current, "reason": sc.Reason}
		if sc.Existing != nil {
			d["existing"] = sc.Existing
		}
		return d
	}
	var ie *domain.InsufficientEvidenceError
	if errors.As(err, &ie) {
		return map[string]any{"current": ie.Current, "required": ie.Required}
	}
	var rej *domain.RejectionError
	if errors.As(err, &rej) {
		d := map[string]any{"reason": rej.Reason}
		if rej.Index >= 0 {
			d["index"] = rej.Index
		}
		return d
	}
	return nil
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, errorResponse{Error: msg, Code: "bad_request"})
}
