package offline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pixelkiln/server/internal/domain"
	"github.com/pixelkiln/server/internal/ledger"
	"github.com/pixelkiln/server/internal/registry"
)

// Registrar is the slice of the job registry the replay path needs.
type Registrar interface {
	Register(ctx context.Context, in registry.RegisterInput) (*domain.Job, error)
}

// SubmitPayload is the deferred generation request carried in an offline
// item. Cost is recomputed at replay time from the same parameters the
// online path prices on.
type SubmitPayload struct {
	UserID  string          `json:"user_id"`
	Type    domain.JobType  `json:"type"`
	Params  ledger.Params   `json:"params"`
	Request json.RawMessage `json:"request"`
}

// GenerationSubmitHandler replays a deferred submission through the job
// registry. The item id doubles as the idempotency key, so a replay repeated
// after a crash between handler success and snapshot rewrite still registers
// exactly one job.
func GenerationSubmitHandler(reg Registrar) Handler {
	return func(ctx context.Context, item domain.OfflineItem) error {
		var p SubmitPayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
		}
		_, err := reg.Register(ctx, registry.RegisterInput{
			UserID:          p.UserID,
			Type:            p.Type,
			Payload:         p.Request,
			CreditsReserved: ledger.CostFor(p.Type, p.Params),
			IdempotencyKey:  item.ID,
		})
		return err
	}
}
