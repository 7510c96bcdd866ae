package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/vcsched/scheduler-core/internal/config"
	"github.com/vcsched/scheduler-core/internal/httpapi"
	"github.com/vcsched/scheduler-core/pkg/scheduler/assignment"
	"github.com/vcsched/scheduler-core/pkg/scheduler/domain"
	"github.com/vcsched/scheduler-core/pkg/scheduler/hostguard"
	"github.com/vcsched/scheduler-core/pkg/scheduler/ingest"
	"github.com/vcsched/scheduler-core/pkg/scheduler/queue"
	"github.com/vcsched/scheduler-core/pkg/scheduler/ratelimit"
	"github.com/vcsched/scheduler-core/pkg/testutil"
)

func TestHTTPAPI(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "HTTP API Suite")
}

var _ = Describe("Server", func() {
	var (
		ctx context.Context
		mem *testutil.MemoryStore
		mgr *queue.Manager
		srv *httpapi.Server
		ts  *httptest.Server
	)

	BeforeEach(func() {
		ctx = context.Background()
		mem = testutil.NewMemoryStore()
		mgr = queue.NewManager(mem)
		limiter := ratelimit.NewLimiter(config.RateLimitConfig{InitialCap: 5, MaxCap: 50}, mem)
		assignments := assignment.NewService(mem, mem, mgr, limiter,
			hostguard.NewRegistry(0.5, time.Minute), config.AssignmentConfig{
				MinLease: 10 * time.Minute, MaxLease: time.Hour, LeaseMultiple: 2,
				NoWorkRetryAfter: time.Minute, MaxPopAttempts: 10,
			}, nil)
		ingestor := ingest.New(mem, mem, mgr, nil, nil, nil, config.IngestionConfig{
			TransientPenalty: 100, Cooldown: 300 * time.Second,
		}, nil)
		srv = httpapi.NewServer(assignments, ingestor, mgr, mem, mem, nil, nil)
		ts = httptest.NewServer(srv.Router())

		mem.Codebases["A"] = domain.Codebase{Name: "A", URL: "https://forge.example/a", VCS: domain.VCSGit, Branch: "main"}
		mem.Campaigns["fixes"] = domain.Campaign{Name: "fixes", DefaultCommand: "fix-it"}
	})

	AfterEach(func() {
		ts.Close()
	})

	postJSON := func(path string, body interface{}) *http.Response {
		payload, err := json.Marshal(body)
		Expect(err).NotTo(HaveOccurred())
		resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(payload))
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	It("serves health and readiness", func() {
		resp, err := http.Get(ts.URL + "/health")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		resp, err = http.Get(ts.URL + "/ready")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})

	It("returns 204 with Retry-After when the queue is empty", func() {
		resp, err := http.Get(ts.URL + "/assignment?worker=w1")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
		Expect(resp.Header.Get("Retry-After")).To(Equal("60"))
	})

	It("rejects an assignment request without a worker id", func() {
		resp, err := http.Get(ts.URL + "/assignment")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
	})

	It("walks the full worker protocol: enqueue, assign, report, read back", func() {
		resp := postJSON("/queue", map[string]interface{}{
			"codebase": "A", "campaign": "fixes", "priority": -5000,
		})
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))

		resp, err := http.Get(ts.URL + "/assignment?worker=w1")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		var bundle struct {
			RunID    string `json:"run_id"`
			Codebase string `json:"codebase"`
			Command  string `json:"command"`
		}
		Expect(json.NewDecoder(resp.Body).Decode(&bundle)).To(Succeed())
		Expect(bundle.Codebase).To(Equal("A"))
		Expect(bundle.Command).To(Equal("fix-it"))

		start := time.Now().Add(-10 * time.Minute)
		resp = postJSON(fmt.Sprintf("/assignment/%s/result", bundle.RunID), map[string]interface{}{
			"worker_id":   "w1",
			"result_code": "success",
			"start_time":  start,
			"finish_time": start.Add(5 * time.Minute),
		})
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))

		resp, err = http.Get(ts.URL + "/runs/" + bundle.RunID)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		var run struct {
			ResultCode string `json:"result_code"`
		}
		Expect(json.NewDecoder(resp.Body).Decode(&run)).To(Succeed())
		Expect(run.ResultCode).To(Equal("success"))
	})

	It("answers 409 for a duplicate report with different contents", func() {
		postJSON("/queue", map[string]interface{}{"codebase": "A", "campaign": "fixes"})
		resp, err := http.Get(ts.URL + "/assignment?worker=w1")
		Expect(err).NotTo(HaveOccurred())
		var bundle struct {
			RunID string `json:"run_id"`
		}
		Expect(json.NewDecoder(resp.Body).Decode(&bundle)).To(Succeed())

		start := time.Now().Add(-10 * time.Minute)
		report := map[string]interface{}{
			"worker_id":   "w1",
			"result_code": "success",
			"start_time":  start,
			"finish_time": start.Add(5 * time.Minute),
		}
		Expect(postJSON(fmt.Sprintf("/assignment/%s/result", bundle.RunID), report).StatusCode).
			To(Equal(http.StatusCreated))

		report["result_code"] = "build-failed"
		Expect(postJSON(fmt.Sprintf("/assignment/%s/result", bundle.RunID), report).StatusCode).
			To(Equal(http.StatusConflict))
	})

	It("reprioritizes and refuses to delete a reserved item", func() {
		id, _, err := mgr.Enqueue(ctx, domain.QueueItem{
			Bucket: domain.BucketDefault, Codebase: "A", Campaign: "fixes", Priority: -100,
		})
		Expect(err).NotTo(HaveOccurred())

		resp := postJSON(fmt.Sprintf("/queue/%d/priority", id), map[string]interface{}{"priority": -9000})
		Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

		Expect(mgr.Reserve(ctx, id, domain.Reservation{
			WorkerID: "w1", LeaseExpiry: time.Now().Add(time.Hour),
		})).To(Succeed())

		req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/queue/%d", ts.URL, id), nil)
		Expect(err).NotTo(HaveOccurred())
		resp2, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp2.StatusCode).To(Equal(http.StatusConflict))
	})

	It("lists queue items with pagination", func() {
		for i, cb := range []string{"A", "B", "C"} {
			mem.Codebases[cb] = domain.Codebase{Name: cb, URL: "https://forge.example/" + cb, VCS: domain.VCSGit}
			_, _, err := mgr.Enqueue(ctx, domain.QueueItem{
				Bucket: domain.BucketDefault, Codebase: cb, Campaign: "fixes", Priority: int64(-100 * i),
			})
			Expect(err).NotTo(HaveOccurred())
		}

		resp, err := http.Get(ts.URL + "/queue?limit=2")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		var listing struct {
			Items []struct {
				Codebase string `json:"codebase"`
			} `json:"items"`
		}
		Expect(json.NewDecoder(resp.Body).Decode(&listing)).To(Succeed())
		Expect(listing.Items).To(HaveLen(2))
		Expect(listing.Items[0].Codebase).To(Equal("C"))
	})

	It("refuses new assignments while draining", func() {
		srv.Drain()
		resp, err := http.Get(ts.URL + "/assignment?worker=w1")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))

		resp, err = http.Get(ts.URL + "/ready")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
	})
})
