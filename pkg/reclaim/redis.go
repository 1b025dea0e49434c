package reclaim

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/acorn-io/acorn-publish/pkg/rand"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	DefaultStream = "acorn:reclaim"
	DefaultGroup  = "reclaimers"

	payloadField = "payload"
	readCount    = 16
	readBlock    = 5 * time.Second

	// DefaultClaimIdle is how long a delivered message may stay unacked
	// before another consumer takes it over.
	DefaultClaimIdle = 5 * time.Minute
)

// RedisQueue is a Redis stream consumed through a consumer group, so any
// number of reclaimer replicas share the work. Messages left pending by a
// consumer that died before acking are claimed with XAUTOCLAIM once they
// have been idle for ClaimIdle.
type RedisQueue struct {
	client   redis.UniversalClient
	stream   string
	group    string
	consumer string

	ClaimIdle time.Duration
}

func NewRedisQueue(client redis.UniversalClient, stream, group string) (*RedisQueue, error) {
	consumer, err := rand.Name("reclaimer", 8)
	if err != nil {
		return nil, err
	}
	return &RedisQueue{
		client:    client,
		stream:    stream,
		group:     group,
		consumer:  consumer,
		ClaimIdle: DefaultClaimIdle,
	}, nil
}

func (q *RedisQueue) Mode() string {
	return "redis"
}

func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{payloadField: string(payload)},
	}).Err()
}

func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (q *RedisQueue) Consume(ctx context.Context, h Handler) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}

	log := logrus.WithFields(logrus.Fields{"stream": q.stream, "consumer": q.consumer})
	log.Infof("consuming reclamation stream")

	var lastClaim time.Time
	for {
		if time.Since(lastClaim) >= q.ClaimIdle {
			if err := q.claim(ctx, log, h); err != nil && ctx.Err() == nil {
				log.Warnf("failed to claim idle reclamation messages: %v", err)
			}
			lastClaim = time.Now()
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			log.Errorf("failed to read reclamation stream: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, s := range streams {
			for _, m := range s.Messages {
				q.handle(ctx, log, m, h)
			}
		}
	}
}

// claim takes over and handles every message other consumers left pending
// for longer than ClaimIdle.
func (q *RedisQueue) claim(ctx context.Context, log *logrus.Entry, h Handler) error {
	start := "0-0"
	for {
		msgs, next, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.stream,
			Group:    q.group,
			Consumer: q.consumer,
			MinIdle:  q.ClaimIdle,
			Start:    start,
			Count:    readCount,
		}).Result()
		if err != nil {
			return err
		}
		if len(msgs) > 0 {
			log.Infof("claimed %d idle reclamation messages", len(msgs))
		}
		for _, m := range msgs {
			q.handle(ctx, log, m, h)
		}
		if next == "0-0" || next == "" {
			return nil
		}
		start = next
	}
}

func (q *RedisQueue) handle(ctx context.Context, log *logrus.Entry, m redis.XMessage, h Handler) {
	var msg Message
	raw, _ := m.Values[payloadField].(string)
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		log.Errorf("discarding malformed reclamation message %s: %v", m.ID, err)
	} else {
		_ = h(ctx, msg)
	}

	if err := q.client.XAck(ctx, q.stream, q.group, m.ID).Err(); err != nil {
		log.Warnf("failed to ack reclamation message %s: %v", m.ID, err)
	}
}
