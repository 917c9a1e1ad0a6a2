package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pixelkiln/server/internal/domain"
	"github.com/pixelkiln/server/internal/ledger"
	"github.com/pixelkiln/server/internal/middleware"
	"github.com/pixelkiln/server/internal/registry"
)

// App carries the services the HTTP handlers depend on.
type App struct {
	Logger   zerolog.Logger
	Registry *registry.Service
	Ledger   *ledger.Service
	DLQ      domain.DeadLetterRepository

	// DB and Redis are optional; health reports degraded without them.
	DB    *pgxpool.Pool
	Redis *redis.Client

	// FailedRetention bounds the admin sweep of old failed jobs.
	FailedRetention time.Duration
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]errorBody{"error": {Code: errCode, Message: message}})
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}
