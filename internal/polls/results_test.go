package polls_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/internal/polls"
)

func TestComputeResults(t *testing.T) {
	one := 1
	poll := &models.Poll{ID: 5, Options: []string{"A", "B", "C", "D"}, CorrectAnswer: &one}
	open := &models.Poll{ID: 6, Options: []string{"yes", "no"}}

	answer := func(p *models.Poll, option, ms int) models.PollResponse {
		return models.PollResponse{PollID: p.ID, SelectedOption: option, IsCorrect: p.IsCorrect(option), ResponseTime: ms}
	}

	tests := map[string]struct {
		poll      *models.Poll
		responses []models.PollResponse
		assert    func(t *testing.T, got *models.PollResults)
	}{
		"no responses yields zero rates": {
			poll: poll,
			assert: func(t *testing.T, got *models.PollResults) {
				assert.Equal(t, 0, got.TotalResponses)
				assert.Equal(t, []int{0, 0, 0, 0}, got.OptionCounts)
				assert.Equal(t, "0", got.AccuracyRate.String())
			},
		},
		"two of three correct": {
			poll:      poll,
			responses: []models.PollResponse{answer(poll, 1, 1200), answer(poll, 1, 1800), answer(poll, 0, 3000)},
			assert: func(t *testing.T, got *models.PollResults) {
				assert.Equal(t, 3, got.TotalResponses)
				assert.Equal(t, 2, got.CorrectResponses)
				assert.Equal(t, []int{1, 2, 0, 0}, got.OptionCounts)
				assert.Equal(t, "66.7", got.AccuracyRate.String())
				assert.Equal(t, "2000", got.AverageResponseTime.String())
			},
		},
		"a poll without a correct answer grades nothing": {
			poll:      open,
			responses: []models.PollResponse{answer(open, 0, 500), answer(open, 1, 1000)},
			assert: func(t *testing.T, got *models.PollResults) {
				assert.Equal(t, 0, got.CorrectResponses)
				assert.Equal(t, []int{1, 1}, got.OptionCounts)
				assert.Equal(t, "0", got.AccuracyRate.String())
				assert.Equal(t, "750", got.AverageResponseTime.String())
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			tt.assert(t, polls.ComputeResults(tt.poll, tt.responses))
		})
	}
}
