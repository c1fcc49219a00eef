package api

import (
	"github.com/SherClockHolmes/webpush-go"

	"checkin-backend/internal/evidence"
	"checkin-backend/internal/mw"
	"checkin-backend/internal/occupancy"
	"checkin-backend/internal/store"
	"checkin-backend/internal/token"
)

// Services are the domain services the handlers delegate to.
type Services struct {
	Store     store.Store
	Issuer    *token.Issuer
	Validator *token.Validator
	Machine   *occupancy.Machine
	Gate      *evidence.Gate
	Webpush   *webpush.Options
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store     store.Store
	issuer    *token.Issuer
	validator *token.Validator
	machine   *occupancy.Machine
	gate      *evidence.Gate
	webpush   *webpush.Options
	cache     *mw.ResponseCache
}

// NewHandler creates a new API handler. statusCache may be nil.
func NewHandler(svc Services, statusCache *mw.ResponseCache) *Handler {
	return &Handler{
		store:     svc.Store,
		issuer:    svc.Issuer,
		validator: svc.Validator,
		machine:   svc.Machine,
		gate:      svc.Gate,
		webpush:   svc.Webpush,
		cache:     statusCache,
	}
}
