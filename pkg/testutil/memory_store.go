// Package testutil provides shared test infrastructure: an in-memory
// implementation of the persistence contract with the same ordering and
// unique-key semantics as the PostgreSQL repositories, so component tests
// exercise real scheduling behavior without a database.
package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vcsched/scheduler-core/pkg/scheduler/classifier"
	"github.com/vcsched/scheduler-core/pkg/scheduler/domain"
	"github.com/vcsched/scheduler-core/pkg/scheduler/store"
)

// MemoryStore implements store.Store in memory. The zero value is not
// usable; construct with NewMemoryStore. Now is swappable so tests can
// pin the clock.
type MemoryStore struct {
	mu sync.Mutex

	Candidates_     map[domain.CandidateKey]domain.Candidate
	Codebases       map[string]domain.Codebase
	Campaigns       map[string]domain.Campaign
	PublishPolicies map[string]domain.PublishPolicy
	Runs            map[uuid.UUID]domain.Run
	Queue           map[int64]domain.QueueItem
	Publishes       []domain.PublishOutcome
	MergeProposals  map[string]domain.MergeProposal
	ChangeSets      map[string]domain.ChangeSetState
	RateLimits      map[string]store.RateLimitState
	LastRunRefresh  map[domain.CandidateKey]int

	Classifier *classifier.Table
	Now        func() time.Time

	nextQueueID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Candidates_:     make(map[domain.CandidateKey]domain.Candidate),
		Codebases:       make(map[string]domain.Codebase),
		Campaigns:       make(map[string]domain.Campaign),
		PublishPolicies: make(map[string]domain.PublishPolicy),
		Runs:            make(map[uuid.UUID]domain.Run),
		Queue:           make(map[int64]domain.QueueItem),
		MergeProposals:  make(map[string]domain.MergeProposal),
		ChangeSets:      make(map[string]domain.ChangeSetState),
		RateLimits:      make(map[string]store.RateLimitState),
		LastRunRefresh:  make(map[domain.CandidateKey]int),
		Classifier:      classifier.DefaultTable(),
		Now:             time.Now,
	}
}

// --- CandidateStore ---

func (m *MemoryStore) UpsertCandidate(_ context.Context, c domain.Candidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Candidates_[c.Key()] = c
	return nil
}

func (m *MemoryStore) RetractCandidate(_ context.Context, codebase, campaign, changeSet string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := domain.CandidateKey{Codebase: codebase, Campaign: campaign, ChangeSet: changeSet}
	if _, ok := m.Candidates_[key]; !ok {
		return store.ErrNotFound
	}
	delete(m.Candidates_, key)
	return nil
}

func (m *MemoryStore) Candidates(_ context.Context, filter store.CandidateFilter) ([]domain.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Candidate
	for _, c := range m.Candidates_ {
		if filter.Campaign != "" && c.Campaign != filter.Campaign {
			continue
		}
		if filter.ActiveOnly {
			cb, ok := m.Codebases[c.Codebase]
			if !ok || cb.Inactive || cb.Removed {
				continue
			}
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Codebase != out[j].Codebase {
			return out[i].Codebase < out[j].Codebase
		}
		return out[i].Campaign < out[j].Campaign
	})
	return out, nil
}

func (m *MemoryStore) CandidateByKey(_ context.Context, key domain.CandidateKey) (*domain.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Candidates_[key]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *MemoryStore) Codebase(_ context.Context, name string) (domain.Codebase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cb, ok := m.Codebases[name]
	if !ok {
		return domain.Codebase{}, store.ErrNotFound
	}
	return cb, nil
}

func (m *MemoryStore) Campaign(_ context.Context, name string) (domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Campaigns[name]
	if !ok {
		return domain.Campaign{}, store.ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) PublishPolicy(_ context.Context, name string) (domain.PublishPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.PublishPolicies[name]
	if !ok {
		return domain.PublishPolicy{}, store.ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) LastCampaignOutcome(_ context.Context, codebase, campaign string) (bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *domain.Run
	for _, r := range m.Runs {
		r := r
		if r.Codebase != codebase || r.Campaign != campaign || r.FinishTime.IsZero() {
			continue
		}
		if latest == nil || r.FinishTime.After(latest.FinishTime) {
			latest = &r
		}
	}
	if latest == nil {
		return false, false, nil
	}
	class := m.Classifier.Classify(latest.ResultCode)
	return class == classifier.ClassSuccess || class == classifier.ClassNoOp, true, nil
}

// --- RunStore ---

func (m *MemoryStore) InsertRun(_ context.Context, r domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.Runs[r.ID]; ok {
		if existing.ResultCode != r.ResultCode || !existing.FinishTime.Equal(r.FinishTime) ||
			existing.WorkerID != r.WorkerID {
			return store.ErrConflict
		}
		return nil
	}
	m.Runs[r.ID] = r
	return nil
}

func (m *MemoryStore) Run(_ context.Context, id uuid.UUID) (domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.Runs[id]
	if !ok {
		return domain.Run{}, store.ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) SetReviewStatus(_ context.Context, runID uuid.UUID, status domain.ReviewStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.Runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	r.ReviewStatus = status
	m.Runs[runID] = r
	return nil
}

func (m *MemoryStore) SetBranchAbsorbed(_ context.Context, runID uuid.UUID, role string, absorbed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.Runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	for i := range r.ResultBranches {
		if r.ResultBranches[i].Role == role {
			r.ResultBranches[i].Absorbed = absorbed
			m.Runs[runID] = r
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *MemoryStore) RefreshLastRun(_ context.Context, codebase, campaign string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastRunRefresh[domain.CandidateKey{Codebase: codebase, Campaign: campaign}]++
	return nil
}

func (m *MemoryStore) HistoricalRuns(_ context.Context, codebase, campaign string, window time.Duration) ([]domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.Now().Add(-window)
	var out []domain.Run
	for _, r := range m.Runs {
		if r.Codebase != codebase || r.Campaign != campaign || r.FinishTime.IsZero() {
			continue
		}
		if r.FinishTime.Before(cutoff) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FinishTime.After(out[j].FinishTime) })
	return out, nil
}

func (m *MemoryStore) ResumableRun(_ context.Context, codebase, campaign, changeSet string) (*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *domain.Run
	for _, r := range m.Runs {
		r := r
		if r.Codebase != codebase || r.Campaign != campaign || r.ChangeSet != changeSet || !r.FailureTransient {
			continue
		}
		if latest == nil || r.FinishTime.After(latest.FinishTime) {
			latest = &r
		}
	}
	return latest, nil
}

// --- QueueStore ---

func (m *MemoryStore) Enqueue(_ context.Context, item domain.QueueItem) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.Queue {
		if existing.Key() == item.Key() {
			return 0, existing.ID, store.ErrConflict
		}
	}
	m.nextQueueID++
	item.ID = m.nextQueueID
	if item.PreallocatedRunID == uuid.Nil {
		item.PreallocatedRunID = uuid.New()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = m.Now()
	}
	m.Queue[item.ID] = item
	return item.ID, 0, nil
}

func (m *MemoryStore) eligible(item domain.QueueItem, filter store.QueueFilter, now time.Time) bool {
	if item.Reserved() {
		return false
	}
	if !item.EarliestStart.IsZero() && item.EarliestStart.After(now) {
		return false
	}
	for _, host := range filter.ExcludeHosts {
		if cb, ok := m.Codebases[item.Codebase]; ok && hostOf(cb.URL) == host {
			return false
		}
	}
	for _, campaign := range filter.ExcludeCampaigns {
		if item.Campaign == campaign {
			return false
		}
	}
	if len(filter.RequireBucketSubset) > 0 {
		found := false
		for _, b := range filter.RequireBucketSubset {
			if item.Bucket == b {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	if filter.MinPriority != nil && item.Priority < *filter.MinPriority {
		return false
	}
	if filter.Campaign != "" && item.Campaign != filter.Campaign {
		return false
	}
	if filter.Bucket != "" && item.Bucket != filter.Bucket {
		return false
	}
	return true
}

// hostOf extracts the host from a VCS URL without a full parse; the
// in-memory store only needs equality with the filter's entries.
func hostOf(url string) string {
	rest := url
	if idx := strings.Index(rest, "://"); idx >= 0 {
		rest = rest[idx+3:]
	}
	if idx := strings.Index(rest, "/"); idx >= 0 {
		rest = rest[:idx]
	}
	return rest
}

func (m *MemoryStore) nextEligible(filter store.QueueFilter) *domain.QueueItem {
	now := m.Now()
	var best *domain.QueueItem
	for id := range m.Queue {
		item := m.Queue[id]
		if !m.eligible(item, filter, now) {
			continue
		}
		if best == nil || popLess(item, *best) {
			copied := item
			best = &copied
		}
	}
	return best
}

func popLess(a, b domain.QueueItem) bool {
	ar, br := domain.BucketRank(a.Bucket), domain.BucketRank(b.Bucket)
	if ar != br {
		return ar < br
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.ID < b.ID
}

func (m *MemoryStore) Peek(_ context.Context, filter store.QueueFilter) (*domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextEligible(filter), nil
}

func (m *MemoryStore) Pop(_ context.Context, filter store.QueueFilter) (*domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextEligible(filter), nil
}

func (m *MemoryStore) QueueItem(_ context.Context, id int64) (*domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.Queue[id]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (m *MemoryStore) Reprioritize(_ context.Context, id int64, newPriority int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.Queue[id]
	if !ok {
		return store.ErrNotFound
	}
	item.Priority = newPriority
	m.Queue[id] = item
	return nil
}

func (m *MemoryStore) Rebucket(_ context.Context, id int64, newBucket domain.Bucket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.Queue[id]
	if !ok {
		return store.ErrNotFound
	}
	item.Bucket = newBucket
	m.Queue[id] = item
	return nil
}

func (m *MemoryStore) Position(_ context.Context, id int64) (int, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.Queue[id]
	if !ok {
		return 0, 0, store.ErrNotFound
	}
	rank := 1
	var wait time.Duration
	for _, item := range m.Queue {
		if item.ID != id && popLess(item, target) {
			rank++
			wait += item.EstimatedDuration
		}
	}
	return rank, wait, nil
}

func (m *MemoryStore) RemoveQueueItem(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Queue[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.Queue, id)
	return nil
}

func (m *MemoryStore) ListQueue(_ context.Context, filter store.QueueFilter) ([]domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.QueueItem
	for _, item := range m.Queue {
		if filter.Campaign != "" && item.Campaign != filter.Campaign {
			continue
		}
		if filter.Bucket != "" && item.Bucket != filter.Bucket {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return popLess(out[i], out[j]) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Reserve(_ context.Context, id int64, res domain.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.Queue[id]
	if !ok {
		return store.ErrNotFound
	}
	if item.Reserved() {
		return store.ErrConflict
	}
	item.Reservation = &res
	m.Queue[id] = item
	return nil
}

func (m *MemoryStore) ReleaseReservation(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.Queue[id]
	if !ok {
		return store.ErrNotFound
	}
	item.Reservation = nil
	m.Queue[id] = item
	return nil
}

func (m *MemoryStore) ExtendLease(_ context.Context, id int64, newExpiry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.Queue[id]
	if !ok || item.Reservation == nil {
		return store.ErrConflict
	}
	item.Reservation.LeaseExpiry = newExpiry
	m.Queue[id] = item
	return nil
}

func (m *MemoryStore) Defer(_ context.Context, id int64, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.Queue[id]
	if !ok || item.Reserved() {
		return store.ErrConflict
	}
	item.EarliestStart = until
	m.Queue[id] = item
	return nil
}

func (m *MemoryStore) ExpiredReservations(_ context.Context, asOf time.Time) ([]domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.QueueItem
	for _, item := range m.Queue {
		if item.Reservation != nil && item.Reservation.LeaseExpiry.Before(asOf) {
			out = append(out, item)
		}
	}
	return out, nil
}

func (m *MemoryStore) StuckItems(_ context.Context, stalledBefore time.Time) ([]domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.QueueItem
	for _, item := range m.Queue {
		if !item.Reserved() && item.EnqueuedAt.Before(stalledBefore) {
			out = append(out, item)
		}
	}
	return out, nil
}

func (m *MemoryStore) QueueItemByKey(_ context.Context, key domain.CandidateKey) (*domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.Queue {
		if item.Key() == key {
			copied := item
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) QueueItemByRunID(_ context.Context, runID uuid.UUID) (*domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.Queue {
		if item.PreallocatedRunID == runID {
			copied := item
			return &copied, nil
		}
	}
	return nil, nil
}

// --- PublishStore ---

func (m *MemoryStore) RecordPublish(_ context.Context, p domain.PublishOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Publishes = append(m.Publishes, p)
	return nil
}

func (m *MemoryStore) UpsertMergeProposal(_ context.Context, mp domain.MergeProposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MergeProposals[mp.URL] = mp
	return nil
}

func (m *MemoryStore) MergeProposal(_ context.Context, url string) (domain.MergeProposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.MergeProposals[url]
	if !ok {
		return domain.MergeProposal{}, store.ErrNotFound
	}
	return mp, nil
}

func (m *MemoryStore) UnabsorbedBranches(_ context.Context, runID uuid.UUID) ([]domain.ResultBranch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.Runs[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	var out []domain.ResultBranch
	for _, b := range r.ResultBranches {
		if !b.Absorbed {
			out = append(out, b)
		}
	}
	return out, nil
}

// --- ChangeSetStore ---

// ChangeSetState derives the state the same way the PostgreSQL store
// does, monotonically.
func (m *MemoryStore) ChangeSetState(_ context.Context, id string) (domain.ChangeSetState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.ChangeSets[id]
	if !ok {
		current = domain.ChangeSetCreated
	}

	candidates := 0
	settled := 0
	for _, c := range m.Candidates_ {
		if c.ChangeSet != id {
			continue
		}
		candidates++
		for _, r := range m.Runs {
			if r.Codebase != c.Codebase || r.Campaign != c.Campaign || r.ChangeSet != id {
				continue
			}
			class := m.Classifier.Classify(r.ResultCode)
			if class == classifier.ClassSuccess || class == classifier.ClassNoOp {
				settled++
				break
			}
		}
	}
	queued := 0
	for _, item := range m.Queue {
		if item.ChangeSet == id {
			queued++
		}
	}
	runs := 0
	unabsorbed := 0
	for _, r := range m.Runs {
		if r.ChangeSet != id {
			continue
		}
		runs++
		if m.Classifier.Classify(r.ResultCode) == classifier.ClassSuccess {
			for _, b := range r.ResultBranches {
				if !b.Absorbed {
					unabsorbed++
				}
			}
		}
	}
	publishes := 0
	for _, p := range m.Publishes {
		if p.ChangeSet == id && p.Success {
			publishes++
		}
	}

	derived := domain.ChangeSetCreated
	if runs > 0 {
		derived = domain.ChangeSetWorking
	}
	allSettled := candidates > 0 && settled == candidates && queued == 0
	if allSettled {
		derived = domain.ChangeSetReady
	}
	if publishes > 0 && allSettled {
		derived = domain.ChangeSetPublishing
		if unabsorbed == 0 {
			derived = domain.ChangeSetDone
		}
	}

	next := derived
	if current.Regresses(next) {
		next = current
	}
	m.ChangeSets[id] = next
	return next, nil
}

func (m *MemoryStore) SetChangeSetState(_ context.Context, id string, state domain.ChangeSetState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ChangeSets[id] = state
	return nil
}

// --- RateLimitStore ---

func (m *MemoryStore) RateLimitState(_ context.Context, bucket string) (store.RateLimitState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.RateLimits[bucket]
	if !ok {
		return store.RateLimitState{Bucket: bucket}, nil
	}
	return state, nil
}

func (m *MemoryStore) SaveRateLimitState(_ context.Context, state store.RateLimitState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RateLimits[state.Bucket] = state
	return nil
}

var _ store.Store = (*MemoryStore)(nil)
