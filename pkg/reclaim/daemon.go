package reclaim

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Daemon runs a worker on the queue and the pending-row sweeper together.
type Daemon struct {
	worker  *Worker
	queue   Queue
	sweeper *Sweeper
}

func NewDaemon(worker *Worker, queue Queue, sweeper *Sweeper) *Daemon {
	return &Daemon{worker: worker, queue: queue, sweeper: sweeper}
}

// StartDaemon blocks until stopCh is closed.
func (d *Daemon) StartDaemon(stopCh <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	go func() {
		if err := d.worker.Run(ctx, d.queue); err != nil {
			logrus.Errorf("reclamation worker stopped: %v", err)
		}
	}()

	d.sweeper.StartDaemon(stopCh)
}
