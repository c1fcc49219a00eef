package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"checkin-backend/internal/domain"
	"checkin-backend/internal/model"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when an insert hits a unique index.
	ErrDuplicate = errors.New("duplicate record")
)

// Store defines the interface for all database operations.
type Store interface {
	// WithTx runs fn in a transaction. Store calls made with the context
	// passed to fn join that transaction.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	DB() *gorm.DB

	CreateCredential(ctx context.Context, c *model.Credential) error
	FindCredentialByLookupKey(ctx context.Context, key string) (*model.Credential, error)
	// RedeemCredential flips used=false to used=true in one conditional
	// update and reports whether this call performed the flip.
	RedeemCredential(ctx context.Context, id string, at time.Time) (bool, error)

	CreateEvent(ctx context.Context, e *model.OccupancyEvent) error
	FindEvent(ctx context.Context, reservationID string, phase domain.Phase) (*model.OccupancyEvent, error)
	FindEventByID(ctx context.Context, id string) (*model.OccupancyEvent, error)
	ListEvents(ctx context.Context, reservationID string) ([]model.OccupancyEvent, error)
	MarkPaymentCaptured(ctx context.Context, eventID, paymentID string) error
	MarkDoorOpened(ctx context.Context, eventID string) error

	CountEvidence(ctx context.Context, reservationID string, phase domain.Phase) (int, error)
	CreateEvidence(ctx context.Context, items []model.EvidenceItem) error
	ListEvidence(ctx context.Context, reservationID string, phase domain.Phase) ([]model.EvidenceItem, error)
	ListExpiredEvidence(ctx context.Context, now time.Time, limit int) ([]model.EvidenceItem, error)
	DeleteEvidence(ctx context.Context, ids []string) (int64, error)

	UpsertSubscription(ctx context.Context, sub *model.PushSubscription) error
	FindSubscription(ctx context.Context, endpoint string) (*model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
	ListSubscriptionsForSubject(ctx context.Context, subjectID string) ([]model.PushSubscription, error)
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) DB() *gorm.DB {
	return s.db
}

type txKey struct{}

func (s *gormStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// conn returns the transaction carried by ctx, or the root handle.
func (s *gormStore) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return s.db.WithContext(ctx)
}

// opError tags infrastructure failures as domain.ErrStorage while keeping the
// driver error reachable through errors.Is/As.
type opError struct {
	op  string
	err error
}

func (e *opError) Error() string   { return e.op + ": " + e.err.Error() }
func (e *opError) Unwrap() []error { return []error{domain.ErrStorage, e.err} }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &opError{op: op, err: err}
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
