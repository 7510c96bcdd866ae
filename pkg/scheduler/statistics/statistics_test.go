package statistics_test

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/vcsched/scheduler-core/internal/config"
	"github.com/vcsched/scheduler-core/pkg/scheduler/classifier"
	"github.com/vcsched/scheduler-core/pkg/scheduler/domain"
	"github.com/vcsched/scheduler-core/pkg/scheduler/statistics"
)

func TestStatistics(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Statistics Engine Suite")
}

func statsConfig() config.StatisticsConfig {
	return config.StatisticsConfig{
		WindowDays:            30,
		MaxRunsPerEstimate:    100,
		DecayHalfLifeDays:     7,
		IgnoreRecentTransient: 24 * time.Hour,
		MinDataPoints:         5,
		DefaultSuccessChance:  0.5,
		DefaultDuration:       15 * time.Minute,
	}
}

func run(resultCode domain.ResultCode, finishedAgo time.Duration, now time.Time) domain.Run {
	return domain.Run{
		ResultCode: resultCode,
		StartTime:  now.Add(-finishedAgo - time.Minute),
		FinishTime: now.Add(-finishedAgo),
	}
}

var _ = Describe("Estimator.SuccessProbability", func() {
	var (
		est *statistics.Estimator
		now time.Time
	)

	BeforeEach(func() {
		est = statistics.NewEstimator(statsConfig(), classifier.DefaultTable())
		now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	})

	It("falls back to the explicit success_chance below min_data_points", func() {
		runs := []domain.Run{run("success", time.Hour, now)}
		chance := 0.73
		Expect(est.SuccessProbability(runs, now, &chance, nil)).To(Equal(0.73))
	})

	It("falls back to the campaign default when no explicit chance is set", func() {
		runs := []domain.Run{run("success", time.Hour, now)}
		campaignDefault := 0.2
		Expect(est.SuccessProbability(runs, now, nil, &campaignDefault)).To(Equal(0.2))
	})

	It("falls back to the configured default when nothing else is available", func() {
		Expect(est.SuccessProbability(nil, now, nil, nil)).To(Equal(0.5))
	})

	It("computes an unweighted ratio once enough successes and permanent failures accumulate", func() {
		var runs []domain.Run
		for i := 0; i < 7; i++ {
			runs = append(runs, run("success", time.Duration(i)*time.Hour, now))
		}
		for i := 0; i < 3; i++ {
			runs = append(runs, run("build-failed", time.Duration(i)*time.Hour, now))
		}
		Expect(est.SuccessProbability(runs, now, nil, nil)).To(BeNumerically("~", 0.7, 0.001))
	})

	It("excludes no-op runs entirely", func() {
		runs := []domain.Run{
			run("success", time.Hour, now),
			run("success", 2*time.Hour, now),
			run("success", 3*time.Hour, now),
			run("success", 4*time.Hour, now),
			run("success", 5*time.Hour, now),
			run("nothing-new-to-do", time.Minute, now),
			run("nothing-new-to-do", 2*time.Minute, now),
		}
		Expect(est.SuccessProbability(runs, now, nil, nil)).To(Equal(1.0))
	})

	It("ignores a transient failure newer than the ignore-recent threshold outright", func() {
		var runs []domain.Run
		for i := 0; i < 5; i++ {
			runs = append(runs, run("success", time.Duration(i+1)*time.Hour, now))
		}
		runs = append(runs, run("worker-timeout", time.Hour, now)) // 1h old, below 24h threshold
		Expect(est.SuccessProbability(runs, now, nil, nil)).To(Equal(1.0))
	})

	It("weights an older transient failure by recency decay instead of excluding it", func() {
		var runs []domain.Run
		for i := 0; i < 5; i++ {
			runs = append(runs, run("success", time.Duration(i+1)*time.Hour, now))
		}
		runs = append(runs, run("worker-timeout", 10*24*time.Hour, now)) // stale, decays toward 0 weight
		p := est.SuccessProbability(runs, now, nil, nil)
		Expect(p).To(BeNumerically(">", 0.9))
		Expect(p).To(BeNumerically("<", 1.0))
	})

	It("discards runs outside the statistics window", func() {
		runs := []domain.Run{
			run("success", 31*24*time.Hour, now), // outside default 30-day window
		}
		Expect(est.SuccessProbability(runs, now, nil, nil)).To(Equal(0.5)) // falls through to default
	})

	It("clamps an out-of-range explicit success chance", func() {
		tooHigh := 1.5
		Expect(est.SuccessProbability(nil, now, &tooHigh, nil)).To(Equal(1.0))
		tooLow := -0.2
		Expect(est.SuccessProbability(nil, now, &tooLow, nil)).To(Equal(0.0))
	})
})

var _ = Describe("Estimator.Duration", func() {
	var est *statistics.Estimator

	BeforeEach(func() {
		est = statistics.NewEstimator(statsConfig(), classifier.DefaultTable())
	})

	finished := func(start, duration time.Duration) domain.Run {
		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		return domain.Run{StartTime: base, FinishTime: base.Add(duration)}
	}

	It("prefers the (codebase, campaign) median once it has enough samples", func() {
		var scoped []domain.Run
		for i := 1; i <= 5; i++ {
			scoped = append(scoped, finished(0, time.Duration(i)*time.Minute))
		}
		campaignWide := []domain.Run{finished(0, 99*time.Minute)}
		d := est.Duration(scoped, campaignWide, nil)
		Expect(d).To(Equal(3 * time.Minute))
	})

	It("falls back to the campaign-wide median below min_data_points", func() {
		scoped := []domain.Run{finished(0, time.Minute)}
		campaignWide := []domain.Run{
			finished(0, 10 * time.Minute),
			finished(0, 20 * time.Minute),
			finished(0, 30 * time.Minute),
		}
		Expect(est.Duration(scoped, campaignWide, nil)).To(Equal(20 * time.Minute))
	})

	It("falls back to the campaign default, then the global default", func() {
		campaignDefault := 7 * time.Minute
		Expect(est.Duration(nil, nil, &campaignDefault)).To(Equal(7 * time.Minute))
		Expect(est.Duration(nil, nil, nil)).To(Equal(15 * time.Minute))
	})

	It("ignores runs with zero or negative duration", func() {
		zeroDur := domain.Run{StartTime: time.Now(), FinishTime: time.Now()}
		Expect(est.Duration([]domain.Run{zeroDur}, nil, nil)).To(Equal(15 * time.Minute))
	})
})
