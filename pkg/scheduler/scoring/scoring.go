// Package scoring implements the Scoring Engine: a pure
// function from a candidate's resolved inputs to a signed integer
// priority and an estimated duration. Lower priority is more urgent, so
// the formula negates the raw score before rounding (queue order is
// priority ASC).
package scoring

import (
	"math"
	"time"

	"github.com/vcsched/scheduler-core/internal/config"
	"github.com/vcsched/scheduler-core/pkg/scheduler/domain"
)

// Engine holds the immutable scoring configuration (bonuses, publish
// mode values, divide-by-zero guard).
type Engine struct {
	Config config.ScoringConfig
}

func NewEngine(cfg config.ScoringConfig) *Engine {
	return &Engine{Config: cfg}
}

// ResolveBaseValue implements base_value(c) = candidate.value ?? codebase.value ?? 0.
func ResolveBaseValue(candidateValue, codebaseValue *float64) float64 {
	if candidateValue != nil {
		return *candidateValue
	}
	if codebaseValue != nil {
		return *codebaseValue
	}
	return 0
}

// PublishBonus sums the configured value of every per-role publish mode
// in pol.
func (e *Engine) PublishBonus(pol domain.PublishPolicy) float64 {
	var total float64
	for _, mode := range pol.ModeByRole {
		if v, ok := e.Config.PublishModeValues[string(mode)]; ok {
			total += v
		}
	}
	return total
}

// Input bundles everything the formula needs once the caller has already
// resolved base value, publish bonus, and first-run status.
type Input struct {
	BaseValue          float64
	PublishBonus       float64
	HasPriorRun        bool
	SuccessProbability float64
	EstimatedDuration  time.Duration
	QueueID            int64 // tie-break only; not part of the formula
}

// Result is what the Candidate Selector inserts into the queue.
type Result struct {
	Priority          int64
	EstimatedDuration time.Duration
	Score             float64
}

// Score computes:
//
//	score = (base_value + publish_bonus + first_run_bonus) * success_probability / max(duration, eps)
//	priority = -round(score * 1000)
func (e *Engine) Score(in Input) Result {
	firstRunBonus := 0.0
	if !in.HasPriorRun {
		firstRunBonus = e.Config.FirstRunBonus
	}

	durationSeconds := in.EstimatedDuration.Seconds()
	epsSeconds := e.Config.DurationEpsilon.Seconds()
	if epsSeconds <= 0 {
		epsSeconds = 1
	}
	if durationSeconds < epsSeconds {
		durationSeconds = epsSeconds
	}

	score := (in.BaseValue + in.PublishBonus + firstRunBonus) * in.SuccessProbability / durationSeconds

	return Result{
		Priority:          -int64(math.Round(score * 1000)),
		EstimatedDuration: in.EstimatedDuration,
		Score:             score,
	}
}

// Less orders two queue candidates the way the Queue Manager does at pop
// time: bucket first, then priority ascending, then queue id
// ascending as the FIFO tie-break.
func Less(aBucket domain.Bucket, aPriority, aID int64, bBucket domain.Bucket, bPriority, bID int64) bool {
	ar, br := domain.BucketRank(aBucket), domain.BucketRank(bBucket)
	if ar != br {
		return ar < br
	}
	if aPriority != bPriority {
		return aPriority < bPriority
	}
	return aID < bID
}
