package mw

import (
	"bytes"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
)

type cachedResponse struct {
	status  int
	headers http.Header
	body    []byte
}

type bodyCacheWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w bodyCacheWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w bodyCacheWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// KeyFunc derives the cache key of a request.
type KeyFunc func(c *gin.Context) string

// RequestURIKey keys responses by the full request URI.
func RequestURIKey(c *gin.Context) string {
	return c.Request.RequestURI
}

// ResponseCache caches successful GET responses in memory.
type ResponseCache struct {
	store *cache.Cache
	ttl   time.Duration

	// generation advances on every Invalidate. A response is only stored
	// when no invalidation happened while it was being produced.
	mu         sync.Mutex
	generation uint64
}

// NewResponseCache creates a cache whose entries live for ttl.
func NewResponseCache(ttl time.Duration) *ResponseCache {
	return &ResponseCache{store: cache.New(ttl, 2*ttl), ttl: ttl}
}

// Invalidate evicts key. Responses still in flight when it runs are not
// stored.
func (rc *ResponseCache) Invalidate(key string) {
	rc.mu.Lock()
	rc.generation++
	rc.store.Delete(key)
	rc.mu.Unlock()
}

func (rc *ResponseCache) current() uint64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.generation
}

func (rc *ResponseCache) storeIfCurrent(key string, generation uint64, resp cachedResponse) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.generation != generation {
		return false
	}
	rc.store.Set(key, resp, rc.ttl)
	return true
}

// Middleware serves and fills the cache for GET requests keyed by keyFn.
func (rc *ResponseCache) Middleware(keyFn KeyFunc) gin.HandlerFunc {
	if keyFn == nil {
		keyFn = RequestURIKey
	}
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		key := keyFn(c)
		if resp, found := rc.store.Get(key); found {
			cached := resp.(cachedResponse)
			for k, v := range cached.headers {
				c.Writer.Header()[k] = v
			}
			c.Writer.Header().Set("X-Cache", "HIT")
			c.Writer.WriteHeader(cached.status)
			c.Writer.Write(cached.body)
			c.Abort()
			return
		}

		generation := rc.current()
		blw := &bodyCacheWriter{body: bytes.NewBuffer(nil), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		// Only cache successful responses
		if blw.Status() >= 200 && blw.Status() < 300 {
			rc.storeIfCurrent(key, generation, cachedResponse{
				status:  blw.Status(),
				headers: blw.Header().Clone(),
				body:    blw.body.Bytes(),
			})
		}
	}
}
