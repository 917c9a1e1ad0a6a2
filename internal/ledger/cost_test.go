package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pixelkiln/server/internal/domain"
)

func TestCostFor(t *testing.T) {
	cases := []struct {
		name    string
		jobType domain.JobType
		params  Params
		want    int
	}{
		{"image standard single", domain.JobTypeImage, Params{Quality: "standard", Quantity: 1}, 2},
		{"image defaults quantity", domain.JobTypeImage, Params{}, 2},
		{"image high batch", domain.JobTypeImage, Params{Quality: "high", Quantity: 3}, 12},
		{"image ultra", domain.JobTypeImage, Params{Quality: "ultra", Quantity: 1}, 8},
		{"image unknown quality prices standard", domain.JobTypeImage, Params{Quality: "draft", Quantity: 2}, 4},
		{"video minimum second", domain.JobTypeVideo, Params{}, 12},
		{"video five seconds", domain.JobTypeVideo, Params{DurationSeconds: 5}, 20},
		{"training floor", domain.JobTypeTraining, Params{TrainingSteps: 100}, 5},
		{"training rounds up", domain.JobTypeTraining, Params{TrainingSteps: 950}, 10},
		{"training exact units", domain.JobTypeTraining, Params{TrainingSteps: 1000}, 10},
		{"unknown type is free", domain.JobType("audio"), Params{}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CostFor(tc.jobType, tc.params))
		})
	}
}
