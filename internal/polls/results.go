package polls

import (
	"github.com/shopspring/decimal"

	"github.com/aura-classroom/backend/internal/models"
)

// ComputeResults tallies responses per option and derives accuracy (percent) and mean response
// time (ms), both rounded to one decimal. Out-of-range options are counted in the total only.
func ComputeResults(p *models.Poll, responses []models.PollResponse) *models.PollResults {
	res := &models.PollResults{
		PollID:              p.ID,
		OptionCounts:        make([]int, len(p.Options)),
		AccuracyRate:        decimal.Zero,
		AverageResponseTime: decimal.Zero,
	}
	var totalTime int64
	for _, r := range responses {
		res.TotalResponses++
		if p.ValidOption(r.SelectedOption) {
			res.OptionCounts[r.SelectedOption]++
		}
		if r.IsCorrect != nil && *r.IsCorrect {
			res.CorrectResponses++
		}
		totalTime += int64(r.ResponseTime)
	}
	if res.TotalResponses == 0 {
		return res
	}

	total := decimal.NewFromInt(int64(res.TotalResponses))
	if p.CorrectAnswer != nil {
		res.AccuracyRate = decimal.NewFromInt(int64(res.CorrectResponses)).
			Mul(decimal.NewFromInt(100)).
			DivRound(total, 1)
	}
	res.AverageResponseTime = decimal.NewFromInt(totalTime).DivRound(total, 1)
	return res
}
