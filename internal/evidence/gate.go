// Package evidence enforces the photo evidence policy that gates departure.
package evidence

import (
	"context"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"checkin-backend/internal/clock"
	"checkin-backend/internal/domain"
	"checkin-backend/internal/model"
	"checkin-backend/internal/store"
)

// Policy bounds the evidence accepted per reservation and phase.
type Policy struct {
	Min          int
	Max          int
	MaxSizeBytes int64
	AllowedTypes []string
	Retention    time.Duration
}

// DefaultPolicy is 2 to 5 JPEG or PNG photos of at most 5 MiB, kept 90 days.
func DefaultPolicy() Policy {
	return Policy{
		Min:          2,
		Max:          5,
		MaxSizeBytes: 5 * 1024 * 1024,
		AllowedTypes: []string{"image/jpeg", "image/png"},
		Retention:    90 * 24 * time.Hour,
	}
}

// Upload is one photo as received from the client.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Batch is a set of uploads accepted or rejected as a unit.
type Batch struct {
	ReservationID string
	Phase         domain.Phase
	CapturedBy    string
	Items         []Upload
}

// Gate records evidence and answers whether a phase has enough of it.
type Gate struct {
	store  store.Store
	blobs  BlobStore
	clock  clock.Clock
	policy Policy
}

// NewGate creates a Gate.
func NewGate(s store.Store, blobs BlobStore, clk clock.Clock, policy Policy) *Gate {
	return &Gate{store: s, blobs: blobs, clock: clk, policy: policy}
}

// Policy returns the configured bounds.
func (g *Gate) Policy() Policy {
	return g.policy
}

// RecordEvidence stores a single item. Only the maximum is checked here;
// the minimum applies when the transition is attempted.
func (g *Gate) RecordEvidence(ctx context.Context, reservationID string, phase domain.Phase, capturedBy string, u Upload) (model.EvidenceItem, error) {
	items, err := g.record(ctx, Batch{ReservationID: reservationID, Phase: phase, CapturedBy: capturedBy, Items: []Upload{u}}, false)
	if err != nil {
		return model.EvidenceItem{}, err
	}
	return items[0], nil
}

// RecordEvidenceBatch stores all items or none. Every item and the
// resulting total (between Min and Max) are validated before anything is
// written.
func (g *Gate) RecordEvidenceBatch(ctx context.Context, b Batch) ([]model.EvidenceItem, error) {
	return g.record(ctx, b, true)
}

// CountFor returns how many items exist for the reservation and phase.
func (g *Gate) CountFor(ctx context.Context, reservationID string, phase domain.Phase) (int, error) {
	return g.store.CountEvidence(ctx, reservationID, phase)
}

// IsSatisfied reports whether the minimum is met.
func (g *Gate) IsSatisfied(ctx context.Context, reservationID string, phase domain.Phase) (bool, error) {
	n, err := g.CountFor(ctx, reservationID, phase)
	if err != nil {
		return false, err
	}
	return n >= g.policy.Min, nil
}

// Require returns an InsufficientEvidenceError when the minimum is not met.
func (g *Gate) Require(ctx context.Context, reservationID string, phase domain.Phase) error {
	n, err := g.CountFor(ctx, reservationID, phase)
	if err != nil {
		return err
	}
	if n < g.policy.Min {
		return &domain.InsufficientEvidenceError{Phase: phase, Current: n, Required: g.policy.Min}
	}
	return nil
}

// List returns the items of a reservation; an empty phase lists both.
func (g *Gate) List(ctx context.Context, reservationID string, phase domain.Phase) ([]model.EvidenceItem, error) {
	return g.store.ListEvidence(ctx, reservationID, phase)
}

type checkedUpload struct {
	Upload
	contentType string
	ext         string
}

func (g *Gate) record(ctx context.Context, b Batch, requireMin bool) ([]model.EvidenceItem, error) {
	if b.ReservationID == "" {
		return nil, &domain.RejectionError{Index: -1, Reason: "reservation is required"}
	}
	if !b.Phase.Valid() {
		return nil, &domain.RejectionError{Index: -1, Reason: fmt.Sprintf("invalid phase %q", b.Phase)}
	}
	if len(b.Items) == 0 {
		return nil, &domain.RejectionError{Index: -1, Reason: "no photos provided"}
	}

	checked := make([]checkedUpload, len(b.Items))
	for i, u := range b.Items {
		c, err := g.checkItem(i, u)
		if err != nil {
			return nil, err
		}
		checked[i] = c
	}

	existing, err := g.store.CountEvidence(ctx, b.ReservationID, b.Phase)
	if err != nil {
		return nil, err
	}
	if err := g.checkBounds(existing, len(checked), requireMin); err != nil {
		return nil, err
	}

	now := g.clock.Now()
	items := make([]model.EvidenceItem, len(checked))
	for i, c := range checked {
		items[i] = model.EvidenceItem{
			ID:            uuid.NewString(),
			ReservationID: b.ReservationID,
			Phase:         string(b.Phase),
			ContentType:   c.contentType,
			SizeBytes:     int64(len(c.Data)),
			CapturedBy:    b.CapturedBy,
			UploadedAt:    now,
			ExpiresAt:     now.Add(g.policy.Retention),
		}
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for i := range items {
		i := i
		eg.Go(func() error {
			ref, err := g.blobs.Put(egCtx, items[i].ID+checked[i].ext, checked[i].contentType, checked[i].Data)
			if err != nil {
				return err
			}
			items[i].Reference = ref
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		g.discardBlobs(items)
		return nil, fmt.Errorf("%w: store photos: %v", domain.ErrStorage, err)
	}

	// Re-check the ceiling inside the transaction that inserts the rows,
	// in case another upload landed while the blobs were written.
	err = g.store.WithTx(ctx, func(ctx context.Context) error {
		existing, err := g.store.CountEvidence(ctx, b.ReservationID, b.Phase)
		if err != nil {
			return err
		}
		if err := g.checkBounds(existing, len(items), requireMin); err != nil {
			return err
		}
		return g.store.CreateEvidence(ctx, items)
	})
	if err != nil {
		g.discardBlobs(items)
		return nil, err
	}
	return items, nil
}

func (g *Gate) checkItem(i int, u Upload) (checkedUpload, error) {
	size := int64(len(u.Data))
	if size == 0 {
		return checkedUpload{}, &domain.RejectionError{Index: i, Reason: "empty file"}
	}
	if size > g.policy.MaxSizeBytes {
		return checkedUpload{}, &domain.RejectionError{
			Index:  i,
			Reason: fmt.Sprintf("file size exceeds %dMB limit", g.policy.MaxSizeBytes/1024/1024),
		}
	}

	detected := mimetype.Detect(u.Data)
	declared := u.ContentType
	if declared == "" {
		declared = detected.String()
	}
	if !slices.Contains(g.policy.AllowedTypes, declared) || !detected.Is(declared) {
		return checkedUpload{}, &domain.RejectionError{Index: i, Reason: "only JPEG and PNG images are allowed"}
	}
	return checkedUpload{Upload: u, contentType: declared, ext: detected.Extension()}, nil
}

func (g *Gate) checkBounds(existing, incoming int, requireMin bool) error {
	total := existing + incoming
	if total > g.policy.Max {
		return &domain.RejectionError{
			Index:  -1,
			Reason: fmt.Sprintf("maximum %d photos allowed, %d already uploaded", g.policy.Max, existing),
		}
	}
	if requireMin && total < g.policy.Min {
		return &domain.RejectionError{Index: -1, Reason: fmt.Sprintf("minimum %d photos required", g.policy.Min)}
	}
	return nil
}

func (g *Gate) discardBlobs(items []model.EvidenceItem) {
	for _, it := range items {
		if it.Reference == "" {
			continue
		}
		if err := g.blobs.Delete(context.Background(), it.Reference); err != nil {
			log.Printf("Failed to discard photo blob %s: %v", it.Reference, err)
		}
	}
}
