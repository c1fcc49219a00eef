package mw

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestRateLimiter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimiter(NewKeyedRateLimiter(rate.Limit(0.001), 2, time.Minute), nil))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	do := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = ip + ":1234"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusNoContent, do("10.0.0.1"))
	assert.Equal(t, http.StatusNoContent, do("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1"))
	assert.Equal(t, http.StatusNoContent, do("10.0.0.2"))
}

func TestRateLimiter_KeysAuthenticatedRequestsBySubject(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if s := c.GetHeader("X-Test-Subject"); s != "" {
			c.Set(SubjectKey, s)
		}
	})
	r.Use(RateLimiter(NewKeyedRateLimiter(rate.Limit(0.001), 1, time.Minute), SubjectOrIPKey))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	do := func(subject string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.9:1234"
		if subject != "" {
			req.Header.Set("X-Test-Subject", subject)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusNoContent, do("device-a"))
	assert.Equal(t, http.StatusTooManyRequests, do("device-a"))
	assert.Equal(t, http.StatusNoContent, do("device-b"), "same address, different subject")
	assert.Equal(t, http.StatusNoContent, do(""), "anonymous requests use the address")
	assert.Equal(t, http.StatusTooManyRequests, do(""))
}

func TestKeyedRateLimiter_EvictsIdleBuckets(t *testing.T) {
	l := NewKeyedRateLimiter(rate.Limit(0.001), 1, 50*time.Millisecond)

	first := l.GetLimiter("ip:10.0.0.1")
	assert.True(t, first.Allow())
	assert.False(t, first.Allow())
	assert.Equal(t, 1, l.Len())

	assert.Eventually(t, func() bool { return l.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	fresh := l.GetLimiter("ip:10.0.0.1")
	assert.NotSame(t, first, fresh)
	assert.True(t, fresh.Allow())
}

func TestKeyedRateLimiter_UseKeepsBucketAlive(t *testing.T) {
	l := NewKeyedRateLimiter(rate.Limit(0.001), 1, 300*time.Millisecond)

	first := l.GetLimiter("sub:guest-1")
	for i := 0; i < 5; i++ {
		time.Sleep(100 * time.Millisecond)
		assert.Same(t, first, l.GetLimiter("sub:guest-1"))
	}
}

func TestKeyedRateLimiter_ConcurrentFirstUseSharesBucket(t *testing.T) {
	l := NewKeyedRateLimiter(rate.Limit(1), 1, time.Minute)

	const n = 32
	got := make([]*rate.Limiter, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = l.GetLimiter("ip:10.0.0.3")
		}(i)
	}
	wg.Wait()

	for _, g := range got {
		assert.Same(t, got[0], g)
	}
	assert.Equal(t, 1, l.Len())
}
