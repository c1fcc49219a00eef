package api

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"checkin-backend/internal/domain"
	"checkin-backend/internal/evidence"
	"checkin-backend/internal/model"
	"checkin-backend/internal/mw"
)

// multipartOverhead is the slack allowed on top of the photo bytes for
// form fields and part headers.
const multipartOverhead = 1 << 20

type evidenceResponse struct {
	ID            string       `json:"id"`
	ReservationID string       `json:"reservationId"`
	Phase         domain.Phase `json:"phase"`
	Reference     string       `json:"reference"`
	ContentType   string       `json:"contentType"`
	SizeBytes     int64        `json:"sizeBytes"`
	CapturedBy    string       `json:"capturedBy"`
	UploadedAt    time.Time    `json:"uploadedAt"`
	ExpiresAt     time.Time    `json:"expiresAt"`
}

func evidenceView(items []model.EvidenceItem) []evidenceResponse {
	out := make([]evidenceResponse, len(items))
	for i, it := range items {
		out[i] = evidenceResponse{
			ID:            it.ID,
			ReservationID: it.ReservationID,
			Phase:         domain.Phase(it.Phase),
			Reference:     it.Reference,
			ContentType:   it.ContentType,
			SizeBytes:     it.SizeBytes,
			CapturedBy:    it.CapturedBy,
			UploadedAt:    it.UploadedAt,
			ExpiresAt:     it.ExpiresAt,
		}
	}
	return out
}

// UploadPhotos accepts a multipart batch of photos for one reservation and
// phase. The batch is stored whole or not at all.
func (h *Handler) UploadPhotos(c *gin.Context) {
	policy := h.gate.Policy()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, int64(policy.Max)*policy.MaxSizeBytes+multipartOverhead)

	form, err := c.MultipartForm()
	if err != nil {
		badRequest(c, "invalid multipart form: "+err.Error())
		return
	}

	reservationID := firstValue(form, "reservationId")
	if reservationID == "" {
		badRequest(c, "reservationId is required")
		return
	}
	phase, err := domain.ParsePhase(firstValue(form, "phase"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	files := form.File["photos"]
	if len(files) == 0 {
		badRequest(c, "no photos provided")
		return
	}

	uploads := make([]evidence.Upload, len(files))
	for i, fh := range files {
		u, err := readUpload(fh, policy.MaxSizeBytes)
		if err != nil {
			writeError(c, &domain.RejectionError{Index: i, Reason: err.Error()})
			return
		}
		uploads[i] = u
	}

	items, err := h.gate.RecordEvidenceBatch(c.Request.Context(), evidence.Batch{
		ReservationID: reservationID,
		Phase:         phase,
		CapturedBy:    mw.Subject(c),
		Items:         uploads,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"photos": evidenceView(items)})
}

// ListPhotos lists the evidence of a reservation, optionally for one phase.
func (h *Handler) ListPhotos(c *gin.Context) {
	var phase domain.Phase
	if raw := c.Query("phase"); raw != "" {
		p, err := domain.ParsePhase(raw)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		phase = p
	}

	items, err := h.gate.List(c.Request.Context(), c.Param("reservationId"), phase)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"photos": evidenceView(items)})
}

func firstValue(form *multipart.Form, key string) string {
	if v := form.Value[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// readUpload reads at most limit+1 bytes so oversized files are detected
// without buffering them whole.
func readUpload(fh *multipart.FileHeader, limit int64) (evidence.Upload, error) {
	f, err := fh.Open()
	if err != nil {
		return evidence.Upload{}, fmt.Errorf("open %s: %w", fh.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return evidence.Upload{}, fmt.Errorf("read %s: %w", fh.Filename, err)
	}
	contentType := fh.Header.Get("Content-Type")
	if contentType == "application/octet-stream" {
		// Generic type from clients that do not label parts; sniff instead.
		contentType = ""
	}
	return evidence.Upload{
		Filename:    fh.Filename,
		ContentType: contentType,
		Data:        data,
	}, nil
}
