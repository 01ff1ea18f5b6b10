package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

// CORS - middleware для Cross-Origin Resource Sharing
//
// Разрешенные origins берутся из CORS_ALLOWED_ORIGINS; "*" разрешает все,
// но тогда credentials не передаются (ограничение браузеров).
// Preflight (OPTIONS) обрабатывается библиотекой и кешируется на 24 часа.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := false
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Requested-With", RequestIDHeader},
		ExposedHeaders:   []string{RequestIDHeader},
		AllowCredentials: !allowAll,
		MaxAge:           86400,
	})
	return c.Handler
}
