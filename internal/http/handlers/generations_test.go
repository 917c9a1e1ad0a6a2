package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pixelkiln/server/internal/adapter/repo"
	"github.com/pixelkiln/server/internal/domain"
	"github.com/pixelkiln/server/internal/http/handlers"
	"github.com/pixelkiln/server/internal/http/httpapi"
	"github.com/pixelkiln/server/internal/ledger"
	"github.com/pixelkiln/server/internal/middleware"
	"github.com/pixelkiln/server/internal/queue"
	"github.com/pixelkiln/server/internal/registry"
)

const testSecret = "handler-test-secret"

type apiEnv struct {
	srv *httptest.Server
	reg *registry.Service
	led *ledger.Service
}

func newAPI(t *testing.T) *apiEnv {
	t.Helper()
	jobs := repo.NewMemoryJobRepository()
	dlq := repo.NewMemoryDeadLetterRepository()
	led := ledger.NewService(repo.NewMemoryLedgerRepository(), zerolog.Nop())
	q := queue.NewMemoryQueue(jobs)
	reg := registry.NewService(jobs, dlq, led, q, nil, zerolog.Nop(), 3)

	app := &handlers.App{
		Logger:          zerolog.Nop(),
		Registry:        reg,
		Ledger:          led,
		DLQ:             dlq,
		FailedRetention: 24 * time.Hour,
	}
	router := httpapi.NewRouter(app, httpapi.Options{
		JWTSecret:     testSecret,
		DefaultLocale: "en",
		Logger:        zerolog.Nop(),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &apiEnv{srv: srv, reg: reg, led: led}
}

func (e *apiEnv) request(t *testing.T, method, path, userID, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if userID != "" {
		token, err := middleware.IssueToken(testSecret, userID, "pro", time.Hour)
		if err != nil {
			t.Fatalf("issue token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (e *apiEnv) seed(t *testing.T, userID string, credits int) {
	t.Helper()
	if err := e.led.Credit(context.Background(), userID, credits, domain.TransactionPurchase, "seed"); err != nil {
		t.Fatalf("seed credits: %v", err)
	}
}

func TestGenerationSubmit(t *testing.T) {
	env := newAPI(t)
	env.seed(t, "user-1", 10)

	resp, body := env.request(t, http.MethodPost, "/v1/generations", "user-1",
		`{"type":"image","params":{"quality":"high","quantity":1},"prompt":{"text":"neon koi pond"}}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (%v)", resp.StatusCode, body)
	}
	if body["job_id"] == "" || body["queue"] != "image" {
		t.Fatalf("body = %v", body)
	}
	if int(body["reserved_cost"].(float64)) != 4 {
		t.Fatalf("reserved_cost = %v, want 4", body["reserved_cost"])
	}
}

func TestGenerationSubmitInsufficientCredits(t *testing.T) {
	env := newAPI(t)
	env.seed(t, "user-1", 1)

	resp, _ := env.request(t, http.MethodPost, "/v1/generations", "user-1",
		`{"type":"image","params":{"quality":"ultra","quantity":2}}`)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", resp.StatusCode)
	}
}

func TestGenerationSubmitValidation(t *testing.T) {
	env := newAPI(t)
	env.seed(t, "user-1", 10)

	resp, _ := env.request(t, http.MethodPost, "/v1/generations", "user-1", `{"type":"hologram"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown type status = %d, want 400", resp.StatusCode)
	}
	resp, _ = env.request(t, http.MethodPost, "/v1/generations", "user-1", `not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad json status = %d, want 400", resp.StatusCode)
	}
	resp, _ = env.request(t, http.MethodPost, "/v1/generations", "", `{"type":"image"}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d, want 401", resp.StatusCode)
	}
}

func TestGenerationStatusOwnership(t *testing.T) {
	env := newAPI(t)
	env.seed(t, "user-1", 10)

	job, err := env.reg.Register(context.Background(), registry.RegisterInput{
		UserID:          "user-1",
		Type:            domain.JobTypeImage,
		Payload:         []byte(`{}`),
		CreditsReserved: 2,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	resp, body := env.request(t, http.MethodGet, "/v1/generations/"+job.ID, "user-1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owner status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "pending" || int(body["progress"].(float64)) != 5 {
		t.Fatalf("body = %v", body)
	}

	// another user's job reads as missing, not forbidden
	resp, _ = env.request(t, http.MethodGet, "/v1/generations/"+job.ID, "user-2", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign status = %d, want 404", resp.StatusCode)
	}
}

func TestGenerationCancelAndRetryConflicts(t *testing.T) {
	env := newAPI(t)
	env.seed(t, "user-1", 10)

	job, err := env.reg.Register(context.Background(), registry.RegisterInput{
		UserID:          "user-1",
		Type:            domain.JobTypeVideo,
		Payload:         []byte(`{}`),
		CreditsReserved: 5,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// pending jobs cannot be retried
	resp, _ := env.request(t, http.MethodPost, "/v1/generations/"+job.ID+"/retry", "user-1", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("retry pending = %d, want 409", resp.StatusCode)
	}

	resp, body := env.request(t, http.MethodPost, "/v1/generations/"+job.ID+"/cancel", "user-1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "cancelled" || body["refunded"] != true {
		t.Fatalf("cancel body = %v", body)
	}

	// cancelling twice conflicts
	resp, _ = env.request(t, http.MethodPost, "/v1/generations/"+job.ID+"/cancel", "user-1", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double cancel = %d, want 409", resp.StatusCode)
	}
}

func TestCreditsEndpoints(t *testing.T) {
	env := newAPI(t)

	resp, body := env.request(t, http.MethodGet, "/v1/credits", "user-1", "")
	if resp.StatusCode != http.StatusOK || int(body["balance"].(float64)) != 0 {
		t.Fatalf("fresh balance = %d %v", resp.StatusCode, body)
	}

	resp, body = env.request(t, http.MethodPost, "/v1/credits/purchase", "user-1", `{"amount":25}`)
	if resp.StatusCode != http.StatusOK || int(body["balance"].(float64)) != 25 {
		t.Fatalf("purchase = %d %v", resp.StatusCode, body)
	}

	resp, _ = env.request(t, http.MethodPost, "/v1/credits/purchase", "user-1", `{"amount":-5}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative purchase = %d, want 400", resp.StatusCode)
	}

	resp, body = env.request(t, http.MethodGet, "/v1/credits/transactions", "user-1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("transactions = %d, want 200", resp.StatusCode)
	}
	txs, ok := body["transactions"].([]any)
	if !ok || len(txs) != 1 {
		t.Fatalf("transactions body = %v", body)
	}
}

func TestGenerationListAndStats(t *testing.T) {
	env := newAPI(t)
	env.seed(t, "user-1", 20)

	for i := 0; i < 2; i++ {
		if _, err := env.reg.Register(context.Background(), registry.RegisterInput{
			UserID:          "user-1",
			Type:            domain.JobTypeImage,
			Payload:         []byte(`{}`),
			CreditsReserved: 2,
		}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	resp, body := env.request(t, http.MethodGet, "/v1/generations", "user-1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list = %d", resp.StatusCode)
	}
	if jobs, ok := body["jobs"].([]any); !ok || len(jobs) != 2 {
		t.Fatalf("list body = %v", body)
	}

	resp, body = env.request(t, http.MethodGet, "/v1/generations?failed=1", "user-1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("failed list = %d", resp.StatusCode)
	}
	if jobs, ok := body["jobs"].([]any); !ok || len(jobs) != 0 {
		t.Fatalf("failed list body = %v", body)
	}

	resp, body = env.request(t, http.MethodGet, "/v1/generations/stats", "user-1", "")
	if resp.StatusCode != http.StatusOK || int(body["active"].(float64)) != 2 {
		t.Fatalf("stats = %d %v", resp.StatusCode, body)
	}
}

func TestHealthEndpointIsPublic(t *testing.T) {
	env := newAPI(t)
	resp, body := env.request(t, http.MethodGet, "/v1/healthz", "", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health = %d %v", resp.StatusCode, body)
	}
}

func TestGenerationCancelAcceptsReason(t *testing.T) {
	env := newAPI(t)
	env.seed(t, "user-1", 10)

	job, err := env.reg.Register(context.Background(), registry.RegisterInput{
		UserID:          "user-1",
		Type:            domain.JobTypeImage,
		Payload:         []byte(`{}`),
		CreditsReserved: 4,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	resp, body := env.request(t, http.MethodPost, "/v1/generations/"+job.ID+"/cancel", "user-1",
		`{"reason":"switched to a different prompt"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := body["failure_reason"]; got != "switched to a different prompt" {
		t.Fatalf("failure_reason = %v, want the supplied reason", got)
	}

	// an empty body still cancels with the default note
	job2, err := env.reg.Register(context.Background(), registry.RegisterInput{
		UserID:          "user-1",
		Type:            domain.JobTypeImage,
		Payload:         []byte(`{}`),
		CreditsReserved: 4,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	resp, body = env.request(t, http.MethodPost, "/v1/generations/"+job2.ID+"/cancel", "user-1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := body["failure_reason"]; got != "cancelled by user" {
		t.Fatalf("failure_reason = %v, want default note", got)
	}
}
