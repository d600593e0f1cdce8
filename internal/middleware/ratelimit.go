package middleware

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sentepay/backend/internal/config"
)

// RateLimiter is a fixed-window per-user limiter backed by Redis rather
// than an in-process map, so the limit holds across instances.
type RateLimiter struct {
	redis  *redis.Client
	window time.Duration
	max    int
}

func NewRateLimiter(redisClient *redis.Client, cfg *config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		redis:  redisClient,
		window: cfg.Window,
		max:    cfg.Max,
	}
}

// Limit counts requests per user per window with INCR + EXPIRE and rejects
// with 429 once the window is exhausted. Without Redis the limiter is a
// pass-through.
func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.redis == nil {
			next.ServeHTTP(w, r)
			return
		}

		userID, _ := r.Context().Value("userID").(string)
		if userID == "" {
			userID = r.RemoteAddr
		}

		key := fmt.Sprintf("ratelimit:%s:%d", userID, time.Now().Unix()/int64(rl.window.Seconds()))

		count, err := rl.redis.Incr(context.Background(), key).Result()
		if err != nil {
			log.Printf("[RATELIMIT] Redis error, allowing request: %v", err)
			next.ServeHTTP(w, r)
			return
		}
		if count == 1 {
			rl.redis.Expire(context.Background(), key, rl.window)
		}

		remaining := int64(rl.max) - count
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.max))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if count > int64(rl.max) {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}
