package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"checkin-backend/internal/mw"
)

// RouterConfig holds the HTTP-level settings of the router.
type RouterConfig struct {
	RateLimitPerSec float64
	RateLimitBurst  int
	RateLimitIdle   time.Duration
	StatusCacheTTL  time.Duration
	Verifier        *mw.JWTVerifier
	// UploadDir, when set, is served read-only under /uploads/checkin-photos.
	UploadDir string
}

// NewRouter creates and configures a new Gin router.
func NewRouter(svc Services, cfg RouterConfig) *gin.Engine {
	r := gin.Default()

	if cfg.StatusCacheTTL <= 0 {
		cfg.StatusCacheTTL = 5 * time.Second
	}
	statusCache := mw.NewResponseCache(cfg.StatusCacheTTL)
	handler := NewHandler(svc, statusCache)

	limit := rate.Limit(cfg.RateLimitPerSec)
	byAddress := mw.RateLimiter(mw.NewKeyedRateLimiter(limit, cfg.RateLimitBurst, cfg.RateLimitIdle), mw.ClientIPKey)
	bySubject := mw.RateLimiter(mw.NewKeyedRateLimiter(limit, cfg.RateLimitBurst, cfg.RateLimitIdle), mw.SubjectOrIPKey)
	caching := statusCache.Middleware(statusKey)
	auth := mw.Auth(cfg.Verifier)

	api := r.Group("/api")
	{
		public := api.Group("")
		public.Use(byAddress)
		public.GET("/health", handler.Health)
		public.GET("/vapid_public_key", handler.GetVAPIDPublicKey)

		// Authenticated traffic is limited per subject.
		guest := api.Group("")
		guest.Use(auth, bySubject)

		guest.POST("/credentials", handler.IssueCredential)

		guest.POST("/checkin/validate-qr", handler.ValidateQR)
		guest.POST("/checkin", handler.CheckIn)
		guest.POST("/checkout", handler.CheckOut)

		guest.POST("/checkin/photos", handler.UploadPhotos)
		guest.GET("/checkin/:reservationId/photos", handler.ListPhotos)
		guest.GET("/checkin/:reservationId/status", caching, handler.GetStatus)

		guest.GET("/subscriptions", handler.GetSubscription)
		guest.PUT("/subscriptions", handler.PutSubscription)
		guest.DELETE("/subscriptions", handler.DeleteSubscription)
	}

	if cfg.UploadDir != "" {
		r.Static("/uploads/checkin-photos", cfg.UploadDir)
	}

	return r
}
