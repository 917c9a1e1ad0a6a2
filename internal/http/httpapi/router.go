package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pixelkiln/server/internal/http/handlers"
	"github.com/pixelkiln/server/internal/middleware"
)

// Options carries router-level configuration.
type Options struct {
	JWTSecret       string
	AllowedOrigins  []string
	DefaultLocale   string
	RateLimitPerMin int
	CountryLookup   middleware.CountryLookup
	Redis           *redis.Client
	Logger          zerolog.Logger
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.AllowedOrigins),
		middleware.I18N(opts.DefaultLocale, opts.CountryLookup),
	)
	if opts.RateLimitPerMin > 0 {
		r.Use(middleware.RateLimit(opts.Redis, opts.RateLimitPerMin, time.Minute))
	}

	r.Get("/v1/healthz", app.Health)

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthJWT(opts.JWTSecret))

		r.Route("/v1/generations", func(r chi.Router) {
			r.Post("/", app.GenerationSubmit)
			r.Get("/", app.GenerationList)
			r.Get("/stats", app.GenerationStats)
			r.Get("/{id}", app.GenerationStatus)
			r.Post("/{id}/cancel", app.GenerationCancel)
			r.Post("/{id}/retry", app.GenerationRetry)
		})

		r.Route("/v1/credits", func(r chi.Router) {
			r.Get("/", app.CreditsBalance)
			r.Get("/transactions", app.CreditsTransactions)
			r.Post("/purchase", app.CreditsPurchase)
		})

		r.Route("/v1/admin", func(r chi.Router) {
			r.Get("/deadletters/{type}", app.AdminDeadLetters)
			r.Post("/jobs/sweep", app.AdminSweepJobs)
		})
	})

	return r
}
