package selector_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/vcsched/scheduler-core/internal/config"
	"github.com/vcsched/scheduler-core/pkg/scheduler/classifier"
	"github.com/vcsched/scheduler-core/pkg/scheduler/domain"
	"github.com/vcsched/scheduler-core/pkg/scheduler/queue"
	"github.com/vcsched/scheduler-core/pkg/scheduler/scoring"
	"github.com/vcsched/scheduler-core/pkg/scheduler/selector"
	"github.com/vcsched/scheduler-core/pkg/scheduler/statistics"
	"github.com/vcsched/scheduler-core/pkg/scheduler/store"
	"github.com/vcsched/scheduler-core/pkg/testutil"
)

func TestSelector(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Candidate Selector Suite")
}

var _ = Describe("Selector", func() {
	var (
		ctx context.Context
		mem *testutil.MemoryStore
		mgr *queue.Manager
		sel *selector.Selector
		now time.Time
	)

	statsCfg := config.StatisticsConfig{
		WindowDays:            30,
		MaxRunsPerEstimate:    100,
		DecayHalfLifeDays:     7,
		IgnoreRecentTransient: 24 * time.Hour,
		MinDataPoints:         5,
		DefaultSuccessChance:  0.5,
		DefaultDuration:       15 * time.Minute,
	}
	scoringCfg := config.ScoringConfig{
		FirstRunBonus: 100,
		PublishModeValues: map[string]float64{
			"push": 500, "propose": 400, "attempt-push": 450,
			"push-derived": 450, "bts": 100, "skip": 0, "build-only": 0,
		},
		DurationEpsilon: time.Second,
	}

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Now()
		mem = testutil.NewMemoryStore()
		mgr = queue.NewManager(mem)
		table := classifier.DefaultTable()
		sel = selector.New(mem, mem, mgr,
			scoring.NewEngine(scoringCfg),
			statistics.NewEstimator(statsCfg, table),
			30*24*time.Hour, nil)

		mem.Codebases["A"] = domain.Codebase{Name: "A", URL: "https://forge.example/a", VCS: domain.VCSGit}
		mem.Codebases["B"] = domain.Codebase{Name: "B", URL: "https://forge.example/b", VCS: domain.VCSGit}
		mem.Campaigns["fixes"] = domain.Campaign{Name: "fixes", DefaultCommand: "fix-it", PublishPolicy: "push-policy"}
		mem.PublishPolicies["push-policy"] = domain.PublishPolicy{
			Name:       "push-policy",
			ModeByRole: map[string]domain.PublishMode{"main": domain.ModePush},
		}
	})

	It("enqueues every active candidate on a tick", func() {
		ten := 10.0
		Expect(mem.UpsertCandidate(ctx, domain.Candidate{Codebase: "A", Campaign: "fixes", Value: &ten})).To(Succeed())
		Expect(mem.UpsertCandidate(ctx, domain.Candidate{Codebase: "B", Campaign: "fixes", Value: &ten})).To(Succeed())

		outcome, err := sel.Tick(ctx, now)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome.Enqueued).To(Equal(2))
		Expect(mem.Queue).To(HaveLen(2))
	})

	It("skips candidates on inactive or removed codebases", func() {
		mem.Codebases["A"] = domain.Codebase{Name: "A", URL: "https://forge.example/a", Inactive: true}
		Expect(mem.UpsertCandidate(ctx, domain.Candidate{Codebase: "A", Campaign: "fixes"})).To(Succeed())

		outcome, err := sel.Tick(ctx, now)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome.Enqueued).To(BeZero())
		Expect(mem.Queue).To(BeEmpty())
	})

	It("skips but keeps candidates whose campaign dependencies are unmet", func() {
		mem.Campaigns["followup"] = domain.Campaign{
			Name: "followup", DependsOn: []string{"fixes"}, PublishPolicy: "push-policy",
		}
		Expect(mem.UpsertCandidate(ctx, domain.Candidate{Codebase: "A", Campaign: "followup"})).To(Succeed())

		outcome, err := sel.Tick(ctx, now)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome.SkippedDeps).To(Equal(1))
		Expect(mem.Candidates_).To(HaveLen(1))
	})

	It("schedules a dependent campaign once its prerequisite succeeded", func() {
		mem.Campaigns["followup"] = domain.Campaign{
			Name: "followup", DependsOn: []string{"fixes"}, PublishPolicy: "push-policy",
		}
		Expect(mem.UpsertCandidate(ctx, domain.Candidate{Codebase: "A", Campaign: "followup"})).To(Succeed())
		Expect(mem.InsertRun(ctx, testutil.FinishedRun("A", "fixes", "success", now.Add(-time.Hour), 10*time.Minute))).To(Succeed())

		Expect(sel.ScheduleDependents(ctx, "A", "fixes")).To(Succeed())

		item, err := mgr.ItemByKey(ctx, domain.CandidateKey{Codebase: "A", Campaign: "followup"})
		Expect(err).NotTo(HaveOccurred())
		Expect(item).NotTo(BeNil())
	})

	It("does not duplicate an already queued candidate", func() {
		Expect(mem.UpsertCandidate(ctx, domain.Candidate{Codebase: "A", Campaign: "fixes"})).To(Succeed())

		first, err := sel.Tick(ctx, now)
		Expect(err).NotTo(HaveOccurred())
		Expect(first.Enqueued).To(Equal(1))

		second, err := sel.Tick(ctx, now)
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Enqueued).To(BeZero())
		Expect(second.SkippedExisting).To(Equal(1))
		Expect(mem.Queue).To(HaveLen(1))
	})

	It("ranks an established reliable candidate ahead of a first-run one", func() {
		ten := 10.0
		Expect(mem.UpsertCandidate(ctx, domain.Candidate{Codebase: "A", Campaign: "fixes", Value: &ten})).To(Succeed())
		Expect(mem.UpsertCandidate(ctx, domain.Candidate{Codebase: "B", Campaign: "fixes", Value: &ten})).To(Succeed())

		// B: 20 successes at 600s each; A: no history.
		for i := 0; i < 20; i++ {
			run := testutil.FinishedRun("B", "fixes", "success", now.Add(-time.Duration(i+1)*time.Hour), 600*time.Second)
			Expect(mem.InsertRun(ctx, run)).To(Succeed())
		}

		_, err := sel.Tick(ctx, now)
		Expect(err).NotTo(HaveOccurred())

		first, err := mem.Pop(ctx, store.QueueFilter{})
		Expect(err).NotTo(HaveOccurred())
		Expect(first.Codebase).To(Equal("B"))
	})
})
