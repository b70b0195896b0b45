package redisio

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Fabric wraps a Redis client with the task I/O operations the service
// performs: publishing status and input messages, tailing and replaying
// output streams, and the periodic hygiene sweeps.
type Fabric struct {
	rdb    redis.UniversalClient
	logger *zap.Logger
}

// NewFabric returns a Fabric backed by the provided Redis client.
func NewFabric(rdb redis.UniversalClient, logger *zap.Logger) *Fabric {
	return &Fabric{rdb: rdb, logger: logger.Named("redisio")}
}

// Client exposes the underlying Redis client for components that need raw
// access (the smoke broker, tests).
func (f *Fabric) Client() redis.UniversalClient { return f.rdb }

// Ping verifies the Redis connection.
func (f *Fabric) Ping(ctx context.Context) error {
	return f.rdb.Ping(ctx).Err()
}

// PublishStatus publishes a status message on the task's status channel.
func (f *Fabric) PublishStatus(ctx context.Context, taskID, status string, data interface{}) error {
	payload, err := json.Marshal(StatusMessage{TaskID: taskID, Status: status, Data: data})
	if err != nil {
		return fmt.Errorf("redisio: marshal status: %w", err)
	}
	if err := f.rdb.Publish(ctx, StatusChannel(taskID), payload).Err(); err != nil {
		return fmt.Errorf("redisio: publish status: %w", err)
	}
	return nil
}

// PublishInputResponse forwards a user's answer to the task's input_response
// channel, where the waiting subprocess picks it up.
func (f *Fabric) PublishInputResponse(ctx context.Context, taskID, requestID, data string) error {
	payload, err := json.Marshal(InputResponse{RequestID: requestID, Data: data})
	if err != nil {
		return fmt.Errorf("redisio: marshal input response: %w", err)
	}
	if err := f.rdb.Publish(ctx, InputResponseChannel(taskID), payload).Err(); err != nil {
		return fmt.Errorf("redisio: publish input response: %w", err)
	}
	return nil
}

// SubscribeStatus subscribes to the task's status channel. The caller owns
// the returned PubSub and must Close it.
func (f *Fabric) SubscribeStatus(ctx context.Context, taskID string) *redis.PubSub {
	return f.rdb.Subscribe(ctx, StatusChannel(taskID))
}

// SubscribeInputRequests subscribes to the task's input_request channel.
func (f *Fabric) SubscribeInputRequests(ctx context.Context, taskID string) *redis.PubSub {
	return f.rdb.Subscribe(ctx, InputRequestChannel(taskID))
}

// AppendOutput adds an event to the task's output stream and the shared
// stream, capped approximately at DefaultMaxStreamLen. The subprocess shim
// does this itself; the service uses it for its own synthetic events and in
// smoke mode.
func (f *Fabric) AppendOutput(ctx context.Context, taskID string, fields map[string]interface{}) error {
	fields["task_id"] = taskID
	if _, ok := fields["timestamp"]; !ok {
		fields["timestamp"] = time.Now().UnixMicro()
	}
	for _, stream := range []string{OutputStream(taskID), SharedOutputStream} {
		err := f.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			MaxLen: DefaultMaxStreamLen,
			Approx: true,
			Values: fields,
		}).Err()
		if err != nil {
			return fmt.Errorf("redisio: xadd %s: %w", stream, err)
		}
	}
	return nil
}

// ReplayOutput returns the last count entries of the task's output stream in
// chronological order.
func (f *Fabric) ReplayOutput(ctx context.Context, taskID string, count int64) ([]OutputEvent, error) {
	msgs, err := f.rdb.XRevRangeN(ctx, OutputStream(taskID), "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("redisio: replay output: %w", err)
	}
	events := make([]OutputEvent, len(msgs))
	for i, m := range msgs {
		events[len(msgs)-1-i] = OutputEventFromFields(m.ID, m.Values)
	}
	return events, nil
}

// TailOutput blocks up to the given duration waiting for stream entries
// after lastID. Returns the events read (possibly none on timeout) and the
// id to resume from.
func (f *Fabric) TailOutput(ctx context.Context, taskID, lastID string, block time.Duration) ([]OutputEvent, string, error) {
	if lastID == "" {
		lastID = "$"
	}
	res, err := f.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{OutputStream(taskID), lastID},
		Block:   block,
		Count:   64,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, lastID, nil
		}
		return nil, lastID, fmt.Errorf("redisio: tail output: %w", err)
	}
	var events []OutputEvent
	for _, stream := range res {
		for _, m := range stream.Messages {
			events = append(events, OutputEventFromFields(m.ID, m.Values))
			lastID = m.ID
		}
	}
	return events, lastID, nil
}

// inputLockTTL bounds how long a task's input lock may be held; an expired
// lock just means the holder died mid-publish.
const inputLockTTL = 10 * time.Second

// AcquireInputLock takes the task's short-lived input lock, serializing
// concurrent answers to the same prompt. Returns false when another holder
// has it.
func (f *Fabric) AcquireInputLock(ctx context.Context, taskID string) (bool, error) {
	ok, err := f.rdb.SetNX(ctx, LockKey(taskID), "1", inputLockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redisio: acquire input lock: %w", err)
	}
	return ok, nil
}

// ReleaseInputLock drops the task's input lock.
func (f *Fabric) ReleaseInputLock(ctx context.Context, taskID string) {
	if err := f.rdb.Del(ctx, LockKey(taskID)).Err(); err != nil {
		f.logger.Warn("failed to release input lock", zap.String("task_id", taskID), zap.Error(err))
	}
}

// MarkRequestProcessed records an answered input request in the dedupe ZSET.
func (f *Fabric) MarkRequestProcessed(ctx context.Context, taskID, requestID string) error {
	err := f.rdb.ZAdd(ctx, ProcessedRequestsKey(taskID), redis.Z{
		Score:  float64(time.Now().UnixMicro()),
		Member: requestID,
	}).Err()
	if err != nil {
		return fmt.Errorf("redisio: mark request processed: %w", err)
	}
	return nil
}

// CleanupProcessedRequests drops dedupe entries older than the retention
// window from every processed_requests ZSET. Returns the number of entries
// removed.
func (f *Fabric) CleanupProcessedRequests(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMicro()
	var removed int64
	var cursor uint64
	for {
		keys, next, err := f.rdb.Scan(ctx, cursor, "processed_requests:*", 100).Result()
		if err != nil {
			return removed, fmt.Errorf("redisio: scan processed requests: %w", err)
		}
		for _, key := range keys {
			n, err := f.rdb.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", cutoff)).Result()
			if err != nil {
				f.logger.Warn("failed to trim processed requests", zap.String("key", key), zap.Error(err))
				continue
			}
			removed += n
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// TrimOutputStreams caps every task output stream at maxLen entries.
// Returns the number of streams trimmed.
func (f *Fabric) TrimOutputStreams(ctx context.Context, maxLen int64) (int, error) {
	var trimmed int
	var cursor uint64
	for {
		keys, next, err := f.rdb.Scan(ctx, cursor, "task:*:output", 100).Result()
		if err != nil {
			return trimmed, fmt.Errorf("redisio: scan output streams: %w", err)
		}
		for _, key := range keys {
			if err := f.rdb.XTrimMaxLenApprox(ctx, key, maxLen, 0).Err(); err != nil {
				f.logger.Warn("failed to trim output stream", zap.String("key", key), zap.Error(err))
				continue
			}
			trimmed++
		}
		cursor = next
		if cursor == 0 {
			return trimmed, nil
		}
	}
}
