package reclaim

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Scheduler hands reclamation work to the queue. A failed handoff is written
// to the pending table so the sweeper picks it up instead.
type Scheduler struct {
	queue  Queue
	ledger Ledger
}

func NewScheduler(queue Queue, ledger Ledger) *Scheduler {
	return &Scheduler{queue: queue, ledger: ledger}
}

func (s *Scheduler) Schedule(ctx context.Context, msgs ...Message) {
	for _, msg := range msgs {
		err := s.queue.Publish(ctx, msg)
		if err == nil {
			logrus.WithFields(logrus.Fields{"prefix": msg.Prefix, "reason": msg.Reason}).Debugf("scheduled reclamation")
			continue
		}

		logrus.Warnf("failed to enqueue reclamation of %s, deferring to sweeper: %v", msg.Prefix, err)
		if _, err := s.ledger.RecordReclamationFailure(ctx, pendingFor(msg), err, time.Now()); err != nil {
			logrus.Errorf("failed to record pending reclamation of %s: %v", msg.Prefix, err)
		}
	}
}
