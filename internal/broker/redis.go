package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	queueStream   = "tasks:queue"
	consumerGroup = "runners"

	// readBlock bounds each XREADGROUP call so the loop can observe context
	// cancellation.
	readBlock = 5 * time.Second

	// claimIdle is how long a delivery may sit unacked before another
	// consumer may steal it.
	claimIdle = time.Minute
)

// RedisBroker is a Broker backed by a Redis stream and consumer group.
// Each process gets a unique consumer name; stale deliveries left behind by
// dead consumers are reclaimed via XAUTOCLAIM.
type RedisBroker struct {
	rdb      redis.UniversalClient
	consumer string
	logger   *zap.Logger
}

// NewRedis creates the consumer group if needed and returns the broker.
func NewRedis(ctx context.Context, rdb redis.UniversalClient, logger *zap.Logger) (*RedisBroker, error) {
	err := rdb.XGroupCreateMkStream(ctx, queueStream, consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("broker: create consumer group: %w", err)
	}
	return &RedisBroker{
		rdb:      rdb,
		consumer: "runner-" + uuid.NewString()[:8],
		logger:   logger.Named("broker"),
	}, nil
}

// Enqueue appends a job to the queue stream. The environment map travels as
// a JSON field since stream values are flat strings.
func (b *RedisBroker) Enqueue(ctx context.Context, job Job) error {
	envJSON, err := json.Marshal(job.EnvVars)
	if err != nil {
		return fmt.Errorf("broker: marshal env vars: %w", err)
	}
	err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: queueStream,
		Values: map[string]interface{}{
			"task_id":   job.TaskID,
			"client_id": job.ClientID,
			"env_vars":  string(envJSON),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("broker: enqueue: %w", err)
	}
	b.logger.Debug("job enqueued", zap.String("task_id", job.TaskID))
	return nil
}

// Next blocks until a job is delivered or ctx is canceled. Before each read
// it reclaims deliveries that sat unacked past the claim window.
func (b *RedisBroker) Next(ctx context.Context) (Job, string, error) {
	for {
		if job, id, ok := b.reclaim(ctx); ok {
			return job, id, nil
		}

		res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: b.consumer,
			Streams:  []string{queueStream, ">"},
			Count:    1,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				if ctx.Err() != nil {
					return Job{}, "", ctx.Err()
				}
				continue
			}
			if ctx.Err() != nil {
				return Job{}, "", ctx.Err()
			}
			return Job{}, "", fmt.Errorf("broker: read group: %w", err)
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				return jobFromValues(msg.Values), msg.ID, nil
			}
		}
	}
}

// reclaim tries to steal one delivery idle past the claim window.
func (b *RedisBroker) reclaim(ctx context.Context) (Job, string, bool) {
	msgs, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   queueStream,
		Group:    consumerGroup,
		Consumer: b.consumer,
		MinIdle:  claimIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil || len(msgs) == 0 {
		return Job{}, "", false
	}
	b.logger.Warn("reclaimed stale delivery", zap.String("id", msgs[0].ID))
	return jobFromValues(msgs[0].Values), msgs[0].ID, true
}

// Ack acknowledges and removes a processed delivery.
func (b *RedisBroker) Ack(ctx context.Context, deliveryID string) error {
	if err := b.rdb.XAck(ctx, queueStream, consumerGroup, deliveryID).Err(); err != nil {
		return fmt.Errorf("broker: ack: %w", err)
	}
	if err := b.rdb.XDel(ctx, queueStream, deliveryID).Err(); err != nil {
		return fmt.Errorf("broker: del: %w", err)
	}
	return nil
}

func jobFromValues(values map[string]interface{}) Job {
	job := Job{}
	if s, ok := values["task_id"].(string); ok {
		job.TaskID = s
	}
	if s, ok := values["client_id"].(string); ok {
		job.ClientID = s
	}
	if s, ok := values["env_vars"].(string); ok && s != "" {
		_ = json.Unmarshal([]byte(s), &job.EnvVars)
	}
	return job
}
