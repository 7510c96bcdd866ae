// Package statistics implements the Statistics Engine: pure
// functions that turn a slice of historical runs into a success
// probability and a duration estimate. Neither estimator performs I/O;
// the caller (the Candidate Selector, which the Lifecycle Supervisor's
// tick also runs) fetches the run slice from the persistence layer first.
package statistics

import (
	"sort"
	"time"

	"github.com/vcsched/scheduler-core/internal/config"
	"github.com/vcsched/scheduler-core/pkg/scheduler/classifier"
	"github.com/vcsched/scheduler-core/pkg/scheduler/domain"
	shmath "github.com/vcsched/scheduler-core/pkg/shared/math"
)

// Estimator bundles the immutable configuration and classifier table
// both estimators need. Swap in a new Estimator on config/classifier
// reload rather than mutating one in place.
type Estimator struct {
	Config     config.StatisticsConfig
	Classifier *classifier.Table
}

func NewEstimator(cfg config.StatisticsConfig, table *classifier.Table) *Estimator {
	return &Estimator{Config: cfg, Classifier: table}
}

// SuccessProbability estimates P(success) from historical runs. runs need not be
// pre-sorted or pre-windowed; this function truncates to the configured
// window and sample cap itself so callers can pass a generously-fetched
// slice. explicitChance is the candidate's own success_chance override;
// campaignDefault is the campaign-level fallback (both optional).
func (e *Estimator) SuccessProbability(runs []domain.Run, now time.Time, explicitChance, campaignDefault *float64) float64 {
	windowed := e.window(runs, now)

	var weightedSuccess, totalWeight float64
	for _, r := range windowed {
		class := e.Classifier.Classify(r.ResultCode)
		if class == classifier.ClassNoOp {
			continue
		}

		var weight float64
		switch class {
		case classifier.ClassTransient:
			age := now.Sub(r.FinishTime)
			if age < e.Config.IgnoreRecentTransient {
				// Too fresh to trust either way; ignored outright so a
				// single recent flake can't drag the estimate down.
				continue
			}
			weight = shmath.DecayWeight(age.Hours()/24, e.Config.DecayHalfLifeDays)
		case classifier.ClassPermanent, classifier.ClassSuccess:
			weight = 1.0
		default:
			weight = 1.0
		}

		totalWeight += weight
		if class == classifier.ClassSuccess {
			weightedSuccess += weight
		}
	}

	if totalWeight < float64(e.Config.MinDataPoints) {
		if explicitChance != nil {
			return clamp01(*explicitChance)
		}
		if campaignDefault != nil {
			return clamp01(*campaignDefault)
		}
		return clamp01(e.Config.DefaultSuccessChance)
	}

	return clamp01(weightedSuccess / totalWeight)
}

// window truncates runs to the configured lookback window and sample
// cap, most-recent-first.
func (e *Estimator) window(runs []domain.Run, now time.Time) []domain.Run {
	cutoff := now.AddDate(0, 0, -e.Config.WindowDays)

	filtered := make([]domain.Run, 0, len(runs))
	for _, r := range runs {
		if r.FinishTime.IsZero() || r.FinishTime.Before(cutoff) {
			continue
		}
		filtered = append(filtered, r)
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].FinishTime.After(filtered[j].FinishTime)
	})

	if e.Config.MaxRunsPerEstimate > 0 && len(filtered) > e.Config.MaxRunsPerEstimate {
		filtered = filtered[:e.Config.MaxRunsPerEstimate]
	}
	return filtered
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Duration estimates how long the next run will take: a
// (codebase, campaign)-scoped median if it has at least MinDataPoints
// samples, else a campaign-wide median, else campaignDefault, else the
// configured global default. Only runs with a positive duration count.
func (e *Estimator) Duration(scoped, campaignWide []domain.Run, campaignDefault *time.Duration) time.Duration {
	if d, n := medianDuration(scoped); n >= e.Config.MinDataPoints {
		return d
	}
	if d, n := medianDuration(campaignWide); n > 0 {
		return d
	}
	if campaignDefault != nil {
		return *campaignDefault
	}
	return e.Config.DefaultDuration
}

// medianDuration returns the median duration of finished runs and
// how many such runs were found.
func medianDuration(runs []domain.Run) (time.Duration, int) {
	var seconds []float64
	for _, r := range runs {
		d := r.Duration()
		if d > 0 {
			seconds = append(seconds, d.Seconds())
		}
	}
	if len(seconds) == 0 {
		return 0, 0
	}
	return time.Duration(shmath.Median(seconds) * float64(time.Second)), len(seconds)
}
