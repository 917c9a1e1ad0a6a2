package handlers

import (
	"net/http"
)

func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	checks := map[string]string{}

	if a.DB != nil {
		if err := a.DB.Ping(r.Context()); err != nil {
			checks["database"] = "down"
			status = "degraded"
		} else {
			checks["database"] = "ok"
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Ping(r.Context()).Err(); err != nil {
			checks["redis"] = "down"
			status = "degraded"
		} else {
			checks["redis"] = "ok"
		}
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	a.json(w, code, map[string]any{"status": status, "checks": checks})
}
