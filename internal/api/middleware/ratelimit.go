package middleware

import (
	"net/http"
	"strconv"

	"brokerage/pkg/ratelimit"
	"brokerage/pkg/utils"
)

// RateLimit - ограничение частоты запросов на пользователя
//
// Применяется к endpoints, которые обращаются к брокерам: каждая проверка
// это внешний HTTP запрос. Должен стоять после Auth.
func RateLimit(limiter *ratelimit.KeyedLimiter, logger *utils.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = utils.L()
	}
	logger = logger.WithComponent("ratelimit")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.RemoteAddr
			userID, ok := UserIDFromContext(r.Context())
			if ok {
				key = "user:" + strconv.FormatInt(userID, 10)
			}

			if !limiter.Allow(key) {
				logger.Warn("Rate limit exceeded", utils.UserID(userID), utils.Path(r.URL.Path))
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many connection tests, slow down")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
