// Package server hosts the background consumers of the control plane.
package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/cortexbuild/cortexbuild-controlplane/internal/provisioning"
)

// QueueSubscriber is the NATS subset used to consume jobs
type QueueSubscriber interface {
	QueueSubscribe(subject, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// JobSubscriber consumes provisioning job messages and hands them to a
// local dispatcher. Workers sharing a queue group each receive a
// message once.
type JobSubscriber struct {
	nc       QueueSubscriber
	subject  string
	queue    string
	dispatch provisioning.Dispatcher
	subs     []*nats.Subscription
}

// NewJobSubscriber creates a job subscriber
func NewJobSubscriber(nc QueueSubscriber, subject, queue string, dispatch provisioning.Dispatcher) *JobSubscriber {
	return &JobSubscriber{
		nc:       nc,
		subject:  subject,
		queue:    queue,
		dispatch: dispatch,
		subs:     make([]*nats.Subscription, 0),
	}
}

// Start subscribes and blocks until ctx is cancelled
func (s *JobSubscriber) Start(ctx context.Context) error {
	sub, err := s.nc.QueueSubscribe(s.subject, s.queue, func(msg *nats.Msg) {
		s.handleJob(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe provisioning jobs: %w", err)
	}
	s.subs = append(s.subs, sub)

	log.Info().
		Str("subject", s.subject).
		Str("queue", s.queue).
		Msg("Provisioning job subscriber started")

	<-ctx.Done()

	for _, sub := range s.subs {
		sub.Unsubscribe()
	}

	return ctx.Err()
}

// handleJob queues one job message. Messages that cannot be queued are
// picked up again by the recovery sweep.
func (s *JobSubscriber) handleJob(ctx context.Context, msg *nats.Msg) {
	var job provisioning.JobMessage
	if err := json.Unmarshal(msg.Data, &job); err != nil || job.JobID == uuid.Nil {
		log.Error().
			Err(err).
			Str("subject", msg.Subject).
			Msg("Invalid provisioning job message")
		return
	}

	if err := s.dispatch.Dispatch(ctx, job.JobID); err != nil {
		log.Warn().
			Err(err).
			Str("job_id", job.JobID.String()).
			Msg("Failed to queue provisioning job")
		return
	}

	log.Debug().
		Str("job_id", job.JobID.String()).
		Msg("Provisioning job queued")
}
