package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultLimiterKeys = 10000

type RateLimitConfig struct {
	IPPerMinute     int
	IPBurst         int
	ClinicPerMinute int
	ClinicBurst     int
	// MaxKeys bounds how many client and clinic buckets are remembered; the
	// least recently seen are forgotten first.
	MaxKeys int
	// TrustProxy reads the client address from X-Forwarded-For. Only enable
	// it behind a proxy that overwrites the header.
	TrustProxy bool
}

// RateLimiter throttles every request per client address and ticket writes
// per clinic as well, so a busy clinic's kiosks cannot crowd out the others.
// Display reads never touch the clinic budget and are answered with "no data"
// instead of an error when a screen polls too fast.
type RateLimiter struct {
	clients    *keyedLimiter
	clinics    *keyedLimiter
	trustProxy bool
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		clients:    newKeyedLimiter(cfg.IPPerMinute, cfg.IPBurst, cfg.MaxKeys),
		clinics:    newKeyedLimiter(cfg.ClinicPerMinute, cfg.ClinicBurst, cfg.MaxKeys),
		trustProxy: cfg.TrustProxy,
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))

		if ip := l.clientIP(r); ip != "" {
			if ok, wait := l.clients.take(ip); !ok {
				if isDisplayRead(r) {
					setRetryAfter(w, wait)
					w.WriteHeader(http.StatusNoContent)
					return
				}
				rejectRateLimited(w, requestID, wait)
				return
			}
		}

		if isWrite(r) {
			if clinicCode := extractClinicCode(r); clinicCode != "" {
				if ok, wait := l.clinics.take(clinicCode); !ok {
					rejectRateLimited(w, requestID, wait)
					return
				}
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) clientIP(r *http.Request) string {
	if l.trustProxy {
		// The proxy appends the address it saw, so the last hop is the one
		// it vouches for.
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			hops := strings.Split(forwarded, ",")
			if hop := strings.TrimSpace(hops[len(hops)-1]); hop != "" {
				return hop
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isWrite(r *http.Request) bool {
	return r.Method != http.MethodGet && r.Method != http.MethodHead && r.Method != http.MethodOptions
}

func isDisplayRead(r *http.Request) bool {
	if isWrite(r) {
		return false
	}
	switch r.URL.Path {
	case "/api/queue/serving", "/api/schedules/today", "/api/board":
		return true
	}
	return false
}

func rejectRateLimited(w http.ResponseWriter, requestID string, wait time.Duration) {
	setRetryAfter(w, wait)
	writeError(w, requestID, http.StatusTooManyRequests, "rate_limited", "too many requests")
}

func setRetryAfter(w http.ResponseWriter, wait time.Duration) {
	seconds := int(math.Ceil(wait.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
}

// keyedLimiter keeps one token bucket per key in a bounded LRU.
type keyedLimiter struct {
	mu      sync.Mutex
	perSec  float64
	burst   float64
	buckets *lru.Cache[string, *bucket]
	now     func() time.Time
}

type bucket struct {
	tokens float64
	seen   time.Time
}

func newKeyedLimiter(perMinute, burst, maxKeys int) *keyedLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 20
	}
	if maxKeys <= 0 {
		maxKeys = defaultLimiterKeys
	}
	buckets, _ := lru.New[string, *bucket](maxKeys)
	return &keyedLimiter{
		perSec:  float64(perMinute) / 60,
		burst:   float64(burst),
		buckets: buckets,
		now:     time.Now,
	}
}

// take spends one token for key. When the bucket is empty it reports how long
// until the next token arrives.
func (l *keyedLimiter) take(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets.Get(key)
	if !ok {
		l.buckets.Add(key, &bucket{tokens: l.burst - 1, seen: now})
		return true, 0
	}
	if elapsed := now.Sub(b.seen).Seconds(); elapsed > 0 {
		b.tokens = math.Min(l.burst, b.tokens+elapsed*l.perSec)
	}
	b.seen = now
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	missing := 1 - b.tokens
	return false, time.Duration(missing / l.perSec * float64(time.Second))
}

// extractClinicCode looks at the header, then the query, then a JSON body
// (restoring it for the handler).
func extractClinicCode(r *http.Request) string {
	if code := strings.TrimSpace(r.Header.Get("X-Clinic-Code")); code != "" {
		return code
	}
	if code := strings.TrimSpace(r.URL.Query().Get("clinic_code")); code != "" {
		return code
	}
	if r.Body == nil || !strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		return ""
	}
	body, err := readBody(r)
	if err != nil {
		return ""
	}
	var payload struct {
		ClinicCode string `json:"clinic_code"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return strings.TrimSpace(payload.ClinicCode)
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
