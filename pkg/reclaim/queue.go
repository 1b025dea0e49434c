package reclaim

import (
	"context"
	"errors"
	"fmt"
)

type Reason string

const (
	// ReasonSuperseded is a deployment removed from the ledger by a rollback.
	ReasonSuperseded Reason = "superseded"
	// ReasonOrphaned is a prefix left behind by a publish that failed to
	// upload. It was never recorded in the ledger.
	ReasonOrphaned Reason = "orphaned"
)

var ErrQueueFull = errors.New("reclamation queue is full")

// Message asks for every artifact under Prefix to be deleted.
type Message struct {
	DeploymentID string `json:"deploymentId"`
	SiteID       string `json:"siteId"`
	Prefix       string `json:"prefix"`
	Reason       Reason `json:"reason"`
}

type Handler func(ctx context.Context, msg Message) error

// Queue carries reclamation requests from the orchestrators to a worker.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	// Consume calls h for each message until ctx is done. Messages are
	// acknowledged once h returns; h owns its own retry bookkeeping.
	Consume(ctx context.Context, h Handler) error
	Mode() string
}

// MemoryQueue is an in-process queue for single-replica deployments and
// tests. Messages are lost on restart; failed handoffs still land in the
// pending table through the Scheduler.
type MemoryQueue struct {
	ch chan Message
}

func NewMemoryQueue(size int) *MemoryQueue {
	return &MemoryQueue{ch: make(chan Message, size)}
}

func (m *MemoryQueue) Mode() string {
	return "memory"
}

// Publish never blocks. A full buffer is an error.
func (m *MemoryQueue) Publish(ctx context.Context, msg Message) error {
	select {
	case m.ch <- msg:
		return nil
	default:
		return fmt.Errorf("%w: dropping %s", ErrQueueFull, msg.Prefix)
	}
}

func (m *MemoryQueue) Consume(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-m.ch:
			_ = h(ctx, msg)
		}
	}
}

// Drain hands every buffered message to h and returns without waiting for
// more. One-shot commands use it before exiting.
func (m *MemoryQueue) Drain(ctx context.Context, h Handler) int {
	var n int
	for {
		select {
		case msg := <-m.ch:
			_ = h(ctx, msg)
			n++
		default:
			return n
		}
	}
}

// Len is the number of undelivered messages.
func (m *MemoryQueue) Len() int {
	return len(m.ch)
}
