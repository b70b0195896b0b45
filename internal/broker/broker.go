// Package broker carries pending task executions from the API to the runner
// pool over a Redis stream with a consumer group, so a job survives a runner
// crash and is re-delivered to another consumer.
package broker

import "context"

// Job is one unit of work: run the given task for the given client with the
// sanitized environment admission produced.
type Job struct {
	TaskID   string
	ClientID string
	EnvVars  map[string]string
}

// Broker enqueues and delivers jobs.
type Broker interface {
	// Enqueue appends a job to the queue.
	Enqueue(ctx context.Context, job Job) error

	// Next blocks until a job is available or the context is canceled.
	// The returned delivery id must be passed to Ack once the job has been
	// fully processed; unacked jobs are re-delivered after the claim window.
	Next(ctx context.Context) (Job, string, error)

	// Ack marks a delivery as processed.
	Ack(ctx context.Context, deliveryID string) error
}
