package mw

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// DefaultLimiterIdle is how long an unused client's limiter is kept.
const DefaultLimiterIdle = 10 * time.Minute

// ClientIPKey limits anonymous requests per client address.
func ClientIPKey(c *gin.Context) string {
	return "ip:" + c.ClientIP()
}

// SubjectOrIPKey limits authenticated requests per subject, so devices
// replaying behind one address do not share a bucket.
func SubjectOrIPKey(c *gin.Context) string {
	if subject := Subject(c); subject != "" {
		return "sub:" + subject
	}
	return ClientIPKey(c)
}

// KeyedRateLimiter holds one token bucket per client key. Buckets idle for
// longer than the configured period are evicted.
type KeyedRateLimiter struct {
	limiters *cache.Cache
	mu       sync.Mutex
	idle     time.Duration
	r        rate.Limit
	b        int
}

// NewKeyedRateLimiter creates a limiter allowing r events per second with
// burst b for every key.
func NewKeyedRateLimiter(r rate.Limit, b int, idle time.Duration) *KeyedRateLimiter {
	if idle <= 0 {
		idle = DefaultLimiterIdle
	}
	return &KeyedRateLimiter{
		limiters: cache.New(idle, idle),
		idle:     idle,
		r:        r,
		b:        b,
	}
}

// GetLimiter returns the bucket for key, creating it on first use. Each
// lookup extends the bucket's lifetime.
func (k *KeyedRateLimiter) GetLimiter(key string) *rate.Limiter {
	if l, found := k.limiters.Get(key); found {
		k.limiters.Set(key, l, cache.DefaultExpiration)
		return l.(*rate.Limiter)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if l, found := k.limiters.Get(key); found {
		return l.(*rate.Limiter)
	}
	limiter := rate.NewLimiter(k.r, k.b)
	k.limiters.Set(key, limiter, cache.DefaultExpiration)
	return limiter
}

// Len reports how many buckets are currently held.
func (k *KeyedRateLimiter) Len() int {
	return k.limiters.ItemCount()
}

// RateLimiter is a middleware limiting requests per key. keyFn defaults to
// ClientIPKey.
func RateLimiter(limiter *KeyedRateLimiter, keyFn KeyFunc) gin.HandlerFunc {
	if keyFn == nil {
		keyFn = ClientIPKey
	}
	return func(c *gin.Context) {
		if !limiter.GetLimiter(keyFn(c)).Allow() {
			c.AbortWithStatus(http.StatusTooManyRequests)
			return
		}
		c.Next()
	}
}
