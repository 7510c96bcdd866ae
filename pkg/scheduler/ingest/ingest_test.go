package ingest_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/vcsched/scheduler-core/internal/config"
	apperrors "github.com/vcsched/scheduler-core/internal/errors"
	"github.com/vcsched/scheduler-core/pkg/scheduler/domain"
	"github.com/vcsched/scheduler-core/pkg/scheduler/ingest"
	"github.com/vcsched/scheduler-core/pkg/scheduler/queue"
	"github.com/vcsched/scheduler-core/pkg/testutil"
)

func TestIngest(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Result Ingestor Suite")
}

type recordedFollowUps struct {
	calls []string
}

func (r *recordedFollowUps) ScheduleDependents(_ context.Context, codebase, campaign string) error {
	r.calls = append(r.calls, codebase+"/"+campaign)
	return nil
}

var _ = Describe("Ingestor.Ingest", func() {
	var (
		ctx       context.Context
		mem       *testutil.MemoryStore
		mgr       *queue.Manager
		followUps *recordedFollowUps
		ing       *ingest.Ingestor
		itemID    int64
		runID     uuid.UUID
		start     time.Time
	)

	enqueueReserved := func(bucket domain.Bucket, priority int64, changeSet string, refresh bool) {
		var err error
		itemID, _, err = mgr.Enqueue(ctx, domain.QueueItem{
			Bucket: bucket, Codebase: "A", Campaign: "fixes", Command: "fix-it",
			Priority: priority, ChangeSet: changeSet, Refresh: refresh,
		})
		Expect(err).NotTo(HaveOccurred())
		item, err := mgr.Item(ctx, itemID)
		Expect(err).NotTo(HaveOccurred())
		runID = item.PreallocatedRunID
		Expect(mgr.Reserve(ctx, itemID, domain.Reservation{
			WorkerID: "w1", LeaseExpiry: time.Now().Add(time.Hour),
		})).To(Succeed())
	}

	report := func(code domain.ResultCode, transient bool) ingest.Report {
		return ingest.Report{
			RunID:            runID,
			WorkerID:         "w1",
			ResultCode:       code,
			FailureTransient: transient,
			StartTime:        start,
			FinishTime:       start.Add(10 * time.Minute),
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		mem = testutil.NewMemoryStore()
		mgr = queue.NewManager(mem)
		followUps = &recordedFollowUps{}
		ing = ingest.New(mem, mem, mgr, nil, followUps, nil, config.IngestionConfig{
			TransientPenalty:    100,
			Cooldown:            300 * time.Second,
			MissingDepsCooldown: 600 * time.Second,
		}, nil)
		start = time.Now().Add(-time.Hour)
	})

	It("records a successful run, removes the queue item, and refreshes views", func() {
		enqueueReserved(domain.BucketDefault, -5000, "", false)

		Expect(ing.Ingest(ctx, report("success", false))).To(Succeed())

		run, err := mem.Run(ctx, runID)
		Expect(err).NotTo(HaveOccurred())
		Expect(run.Codebase).To(Equal("A"))
		Expect(run.ResultCode).To(Equal(domain.ResultCode("success")))

		item, err := mgr.Item(ctx, itemID)
		Expect(err).NotTo(HaveOccurred())
		Expect(item).To(BeNil())
		Expect(mem.LastRunRefresh).To(HaveKeyWithValue(
			domain.CandidateKey{Codebase: "A", Campaign: "fixes"}, 1))
		Expect(followUps.calls).To(ConsistOf("A/fixes"))
	})

	It("requeues a transient failure with penalty and cooldown", func() {
		enqueueReserved(domain.BucketDefault, -5000, "", false)

		Expect(ing.Ingest(ctx, report("worker-timeout", true))).To(Succeed())

		requeued, err := mgr.ItemByKey(ctx, domain.CandidateKey{Codebase: "A", Campaign: "fixes"})
		Expect(err).NotTo(HaveOccurred())
		Expect(requeued).NotTo(BeNil())
		Expect(requeued.Bucket).To(Equal(domain.BucketReschedule))
		Expect(requeued.Priority).To(Equal(int64(-4900)))
		Expect(requeued.EarliestStart).To(BeTemporally(">", time.Now().Add(250*time.Second)))
	})

	It("does not requeue a no-op unless the refresh flag was set", func() {
		enqueueReserved(domain.BucketDefault, -5000, "", false)

		Expect(ing.Ingest(ctx, report("nothing-new-to-do", false))).To(Succeed())

		requeued, err := mgr.ItemByKey(ctx, domain.CandidateKey{Codebase: "A", Campaign: "fixes"})
		Expect(err).NotTo(HaveOccurred())
		Expect(requeued).To(BeNil())
	})

	It("requeues a no-op at the original priority when refresh was requested", func() {
		enqueueReserved(domain.BucketDefault, -5000, "", true)

		Expect(ing.Ingest(ctx, report("nothing-new-to-do", false))).To(Succeed())

		requeued, err := mgr.ItemByKey(ctx, domain.CandidateKey{Codebase: "A", Campaign: "fixes"})
		Expect(err).NotTo(HaveOccurred())
		Expect(requeued).NotTo(BeNil())
		Expect(requeued.Priority).To(Equal(int64(-5000)))
	})

	It("leaves a permanent failure unqueued", func() {
		enqueueReserved(domain.BucketDefault, -5000, "", false)

		Expect(ing.Ingest(ctx, report("build-failed", false))).To(Succeed())

		requeued, err := mgr.ItemByKey(ctx, domain.CandidateKey{Codebase: "A", Campaign: "fixes"})
		Expect(err).NotTo(HaveOccurred())
		Expect(requeued).To(BeNil())
		Expect(followUps.calls).To(BeEmpty())
	})

	It("routes missing-deps to its own throttled bucket", func() {
		enqueueReserved(domain.BucketDefault, -5000, "", false)

		Expect(ing.Ingest(ctx, report("missing-deps", false))).To(Succeed())

		requeued, err := mgr.ItemByKey(ctx, domain.CandidateKey{Codebase: "A", Campaign: "fixes"})
		Expect(err).NotTo(HaveOccurred())
		Expect(requeued).NotTo(BeNil())
		Expect(requeued.Bucket).To(Equal(domain.BucketMissingDeps))
		Expect(requeued.EarliestStart).To(BeTemporally(">", time.Now().Add(500*time.Second)))
	})

	It("accepts an identical duplicate report idempotently and rejects a differing one", func() {
		enqueueReserved(domain.BucketDefault, -5000, "", false)
		first := report("success", false)

		Expect(ing.Ingest(ctx, first)).To(Succeed())
		Expect(ing.Ingest(ctx, first)).To(Succeed())

		differing := first
		differing.ResultCode = "build-failed"
		err := ing.Ingest(ctx, differing)
		Expect(apperrors.IsType(err, apperrors.ErrorTypeConflict)).To(BeTrue())
	})

	It("rejects a report whose finish time precedes its start time", func() {
		enqueueReserved(domain.BucketDefault, -5000, "", false)
		bad := report("success", false)
		bad.FinishTime = bad.StartTime.Add(-time.Minute)

		err := ing.Ingest(ctx, bad)
		Expect(apperrors.IsType(err, apperrors.ErrorTypePermanent)).To(BeTrue())
	})

	It("advances change-set state on ingestion", func() {
		Expect(mem.UpsertCandidate(ctx, domain.Candidate{
			Codebase: "A", Campaign: "fixes", ChangeSet: "cs-1",
		})).To(Succeed())
		enqueueReserved(domain.BucketDefault, -5000, "cs-1", false)

		Expect(ing.Ingest(ctx, report("success", false))).To(Succeed())

		state, err := mem.ChangeSetState(ctx, "cs-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(state).To(Equal(domain.ChangeSetReady))
	})

	It("rejects a report for a run id it never handed out", func() {
		runID = uuid.New()
		err := ing.Ingest(ctx, report("success", false))
		Expect(apperrors.IsType(err, apperrors.ErrorTypeNotFound)).To(BeTrue())
	})
})
