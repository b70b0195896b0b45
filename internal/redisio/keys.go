// Package redisio implements the Redis key scheme and message shapes shared
// between the service and the task subprocesses. Each task owns one output
// stream plus three pub/sub channels; a shared stream aggregates output
// across tasks for operational tailing.
package redisio

// SharedOutputStream aggregates print events from every task.
const SharedOutputStream = "task-output"

// DefaultMaxStreamLen is the approximate cap applied to output streams, both
// at XADD time and by the periodic trim job.
const DefaultMaxStreamLen = 1000

// OutputStream returns the per-task output stream key.
func OutputStream(taskID string) string { return "task:" + taskID + ":output" }

// StatusChannel returns the pub/sub channel carrying task status updates.
func StatusChannel(taskID string) string { return "task:" + taskID + ":status" }

// InputRequestChannel returns the pub/sub channel the subprocess publishes
// input prompts on.
func InputRequestChannel(taskID string) string { return "task:" + taskID + ":input_request" }

// InputResponseChannel returns the pub/sub channel user input answers are
// published on.
func InputResponseChannel(taskID string) string { return "task:" + taskID + ":input_response" }

// ProcessedRequestsKey returns the ZSET key recording answered input request
// ids, scored by microsecond timestamp, used for replay dedupe.
func ProcessedRequestsKey(taskID string) string { return "processed_requests:" + taskID }

// LockKey returns the short-lived lock key guarding input response handling.
func LockKey(taskID string) string { return "lock:" + taskID }
