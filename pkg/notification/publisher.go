// Package notification publishes queue-state change events to Redis
// pub/sub for downstream observers and raises operator alerts
// through Slack. Publishing is fire-and-forget with a local retry;
// scheduling never blocks on an observer.
package notification

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/vcsched/scheduler-core/pkg/scheduler/domain"
	"github.com/vcsched/scheduler-core/pkg/shared/retry"
)

// EventKind names a queue-state transition observers can subscribe to.
type EventKind string

const (
	EventEnqueued     EventKind = "enqueued"
	EventAssigned     EventKind = "assigned"
	EventRequeued     EventKind = "requeued"
	EventRunIngested  EventKind = "run-ingested"
	EventLeaseExpired EventKind = "lease-expired"
)

// Event is the JSON payload published per transition.
type Event struct {
	Kind        EventKind `json:"kind"`
	Codebase    string    `json:"codebase,omitempty"`
	Campaign    string    `json:"campaign,omitempty"`
	Bucket      string    `json:"bucket,omitempty"`
	QueueItemID int64     `json:"queue_item_id,omitempty"`
	RunID       string    `json:"run_id,omitempty"`
	ResultCode  string    `json:"result_code,omitempty"`
	WorkerID    string    `json:"worker_id,omitempty"`
	At          time.Time `json:"at"`
}

// Publisher sends events to one Redis channel.
type Publisher struct {
	client  *redis.Client
	channel string
	log     *logrus.Entry

	now func() time.Time
}

func NewPublisher(client *redis.Client, channel string, log *logrus.Entry) *Publisher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Publisher{client: client, channel: channel, log: log, now: time.Now}
}

func (p *Publisher) publish(ctx context.Context, event Event) {
	event.At = p.now()
	payload, err := json.Marshal(event)
	if err != nil {
		p.log.WithError(err).Warn("failed to marshal notification event")
		return
	}
	err = retry.Transient(ctx, func() error {
		return p.client.Publish(ctx, p.channel, payload).Err()
	})
	if err != nil {
		p.log.WithError(err).WithField("kind", string(event.Kind)).
			Warn("failed to publish notification event")
	}
}

func (p *Publisher) Enqueued(ctx context.Context, item domain.QueueItem) {
	p.publish(ctx, eventFor(EventEnqueued, item))
}

func (p *Publisher) Assigned(ctx context.Context, item domain.QueueItem, workerID string) {
	event := eventFor(EventAssigned, item)
	event.WorkerID = workerID
	p.publish(ctx, event)
}

// ItemRequeued satisfies the Result Ingestor's event sink.
func (p *Publisher) ItemRequeued(ctx context.Context, item domain.QueueItem) {
	p.publish(ctx, eventFor(EventRequeued, item))
}

// RunIngested satisfies the Result Ingestor's event sink.
func (p *Publisher) RunIngested(ctx context.Context, run domain.Run) {
	p.publish(ctx, Event{
		Kind:       EventRunIngested,
		Codebase:   run.Codebase,
		Campaign:   run.Campaign,
		RunID:      run.ID.String(),
		ResultCode: string(run.ResultCode),
		WorkerID:   run.WorkerID,
	})
}

func (p *Publisher) LeaseExpired(ctx context.Context, item domain.QueueItem) {
	event := eventFor(EventLeaseExpired, item)
	if item.Reservation != nil {
		event.WorkerID = item.Reservation.WorkerID
	}
	p.publish(ctx, event)
}

func eventFor(kind EventKind, item domain.QueueItem) Event {
	return Event{
		Kind:        kind,
		Codebase:    item.Codebase,
		Campaign:    item.Campaign,
		Bucket:      string(item.Bucket),
		QueueItemID: item.ID,
		RunID:       item.PreallocatedRunID.String(),
	}
}
