// Package websocket implements the per-task bridge between a WebSocket peer
// and the task's Redis channels. Each connection serves exactly one task: the
// server replays recent output, tails the live stream and status channel, and
// forwards user input back to the running process.
//
// Frame types sent to the client:
//
//	print           — one chunk of task output
//	input_request   — the task is asking the user for input
//	input_response  — an input answer was consumed by the task
//	status          — a task status transition (RUNNING, COMPLETED, ...)
//	error           — the server rejected a client frame
package websocket

// Message is the envelope for every frame sent to the client.
//
// JSON example:
//
//	{"type":"print","task_id":"018f...","timestamp":1712345678901234,"data":"hello\n"}
type Message struct {
	// Type identifies the kind of event so the client can route it.
	Type string `json:"type"`

	// TaskID is the task this frame belongs to.
	TaskID string `json:"task_id"`

	// Timestamp is microseconds since the epoch, as recorded by the producer.
	Timestamp int64 `json:"timestamp,omitempty"`

	// Data carries the event payload. A string for print frames, the prompt
	// for input_request frames, a status document for status frames.
	Data any `json:"data,omitempty"`

	// RequestID is set on input_request and input_response frames.
	RequestID string `json:"request_id,omitempty"`

	// Password marks an input_request whose answer must not be echoed.
	Password bool `json:"password,omitempty"`
}

// ErrorMessage is sent when a client frame cannot be processed. The
// connection stays open; the client may retry with a corrected frame.
type ErrorMessage struct {
	Error string `json:"error"`
}

// UserInput is the only frame type accepted from the client. RequestID must
// match the task's currently pending input request.
type UserInput struct {
	RequestID string `json:"request_id"`
	Data      string `json:"data"`
}
