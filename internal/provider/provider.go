package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Error is a structured provider failure. Retryable failures count against
// the job's retry budget; permanent failures (moderation rejects, malformed
// requests the provider will never accept) terminate the job immediately.
type Error struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider: %s: %s", e.Code, e.Message)
}

// Request carries one job's payload to the external compute provider. The
// payload is opaque to the core.
type Request struct {
	JobID   string
	UserID  string
	Type    string
	Payload json.RawMessage
}

// Result is the provider's terminal answer for a request.
type Result struct {
	// Ref locates the produced artifact (storage key or URL).
	Ref string
}

// Generator is the opaque asynchronous submit capability. Implementations
// must honor ctx cancellation and deadlines; the worker pool bounds every
// call. The core treats this boundary as untrusted and unreliable.
type Generator interface {
	Submit(ctx context.Context, req Request) (*Result, *Error)
}

// Synthetic produces deterministic artifacts without calling any external
// API. It keeps the worker fully operational in local and CI environments;
// failure injection via payload flags drives the recovery paths in tests.
type Synthetic struct {
	// Latency approximates provider work per request.
	Latency time.Duration
}

func NewSynthetic(latency time.Duration) *Synthetic {
	return &Synthetic{Latency: latency}
}

type syntheticFlags struct {
	FailTransient bool `json:"simulate_transient_error"`
	FailPermanent bool `json:"simulate_permanent_error"`
}

func (s *Synthetic) Submit(ctx context.Context, req Request) (*Result, *Error) {
	if s.Latency > 0 {
		select {
		case <-time.After(s.Latency):
		case <-ctx.Done():
			return nil, &Error{Code: "CANCELLED", Message: ctx.Err().Error(), Retryable: true}
		}
	}

	var flags syntheticFlags
	if len(req.Payload) > 0 {
		_ = json.Unmarshal(req.Payload, &flags)
	}
	if flags.FailPermanent {
		return nil, &Error{Code: "CONTENT_REJECTED", Message: "request rejected by upstream moderation", Retryable: false}
	}
	if flags.FailTransient {
		return nil, &Error{Code: "UPSTREAM_TIMEOUT", Message: "synthetic transient failure", Retryable: true}
	}

	sum := sha256.Sum256(append([]byte(req.JobID+"/"+req.Type), req.Payload...))
	return &Result{Ref: fmt.Sprintf("generated/%s/%s-%s", req.Type, req.JobID, hex.EncodeToString(sum[:6]))}, nil
}

var _ Generator = (*Synthetic)(nil)
