package ledger

import "github.com/pixelkiln/server/internal/domain"

// Params are the pricing-relevant generation parameters. Cost is a pure
// function of job type and Params; the ledger itself never computes cost,
// callers do.
type Params struct {
	Quality         string `json:"quality"`
	Quantity        int    `json:"quantity"`
	DurationSeconds int    `json:"duration_seconds"`
	TrainingSteps   int    `json:"training_steps"`
}

const (
	imageBaseCost      = 2
	videoBaseCost      = 10
	videoPerSecondCost = 2
	trainingStepUnit   = 100
	trainingMinCost    = 5
)

// CostFor computes the credit cost of a job. Unknown quality tiers price as
// standard; quantities and durations are clamped to at least one unit.
func CostFor(jobType domain.JobType, p Params) int {
	switch jobType {
	case domain.JobTypeImage:
		quantity := p.Quantity
		if quantity < 1 {
			quantity = 1
		}
		return imageBaseCost * qualityMultiplier(p.Quality) * quantity
	case domain.JobTypeVideo:
		seconds := p.DurationSeconds
		if seconds < 1 {
			seconds = 1
		}
		return videoBaseCost + videoPerSecondCost*seconds
	case domain.JobTypeTraining:
		steps := p.TrainingSteps
		if steps < 1 {
			steps = 1
		}
		cost := (steps + trainingStepUnit - 1) / trainingStepUnit
		if cost < trainingMinCost {
			cost = trainingMinCost
		}
		return cost
	}
	return 0
}

func qualityMultiplier(quality string) int {
	switch quality {
	case "high":
		return 2
	case "ultra":
		return 4
	default:
		return 1
	}
}
