package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// Provider webhooks are server-to-server, so the browser policy only has to
// cover the health dashboard origins.
var defaultCORSOrigins = []string{
	"http://localhost:3000",          // local dev
	"https://app.sellforge.io",       // dashboard
	"https://sellforge-app.vercel.app",
}

// CORS returns middleware that applies the API's allowed origin policy.
func CORS() func(http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   defaultCORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With"},
		AllowCredentials: false,
		MaxAge:           300,
	}).Handler
}
