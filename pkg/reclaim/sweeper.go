package reclaim

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"
)

const sweepBatch = 100

// Sweeper retries reclamations that failed and were recorded as pending.
type Sweeper struct {
	worker      *Worker
	ledger      Ledger
	interval    time.Duration
	maxAttempts int
}

func NewSweeper(worker *Worker, ledger Ledger, interval time.Duration, maxAttempts int) *Sweeper {
	return &Sweeper{
		worker:      worker,
		ledger:      ledger,
		interval:    interval,
		maxAttempts: maxAttempts,
	}
}

func (s *Sweeper) StartDaemon(stopCh <-chan struct{}) {
	logrus.Infof("starting reclamation sweeper. Interval: %v, max attempts: %v", s.interval, s.maxAttempts)
	wait.JitterUntil(func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			logrus.Errorf("reclamation sweep failed: %v", err)
		}
	}, s.interval, .002, true, stopCh)
}

// Sweep processes due pending rows once and returns how many were resolved.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	due, err := s.ledger.DuePendingReclamations(ctx, s.worker.now(), sweepBatch)
	if err != nil {
		return 0, err
	}

	var resolved int
	for _, p := range due {
		log := logrus.WithFields(logrus.Fields{"prefix": p.Prefix, "attempts": p.Attempts})

		if s.maxAttempts > 0 && p.Attempts >= s.maxAttempts {
			log.Errorf("abandoning reclamation after %d attempts, last error: %s", p.Attempts, p.LastError)
			if err := s.ledger.DeletePendingReclamation(ctx, p.ID); err != nil {
				return resolved, err
			}
			resolved++
			continue
		}

		if err := s.worker.reclaim(ctx, messageFor(p)); err != nil {
			s.worker.recordFailure(ctx, p, err)
			continue
		}
		if err := s.ledger.DeletePendingReclamation(ctx, p.ID); err != nil {
			return resolved, err
		}
		resolved++
	}

	if len(due) > 0 {
		logrus.Infof("reclamation sweep resolved %d of %d pending prefixes", resolved, len(due))
	}
	return resolved, nil
}
