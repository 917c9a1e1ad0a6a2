package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type bucket struct {
	count int
	until time.Time
}

// RateLimit caps requests per client IP per window. With a redis client the
// counters are shared across instances; without one, a per-process map
// serves single-instance and test deployments.
func RateLimit(rdb *redis.Client, limit int, per time.Duration) func(http.Handler) http.Handler {
	var mu sync.Mutex
	buckets := make(map[string]*bucket)

	allowLocal := func(ip string) bool {
		mu.Lock()
		defer mu.Unlock()
		b, ok := buckets[ip]
		now := time.Now()
		if !ok || now.After(b.until) {
			b = &bucket{until: now.Add(per)}
			buckets[ip] = b
		}
		if b.count >= limit {
			return false
		}
		b.count++
		return true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIPForRateLimit(r)
			allowed := true
			if rdb != nil {
				key := fmt.Sprintf("ratelimit:%s:%d", ip, time.Now().Unix()/int64(per.Seconds()))
				count, err := rdb.Incr(r.Context(), key).Result()
				if err == nil {
					if count == 1 {
						rdb.Expire(r.Context(), key, per)
					}
					allowed = count <= int64(limit)
				} else {
					// redis down: fall back to the local window
					allowed = allowLocal(ip)
				}
			} else {
				allowed = allowLocal(ip)
			}
			if !allowed {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIPForRateLimit(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		for _, part := range strings.Split(xf, ",") {
			ip := strings.TrimSpace(part)
			if ip == "" {
				continue
			}
			if net.ParseIP(ip) != nil {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		if net.ParseIP(host) != nil {
			return host
		}
	} else if net.ParseIP(r.RemoteAddr) != nil {
		return r.RemoteAddr
	}

	return r.RemoteAddr
}
