package redisio

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// StatusMessage is published on a task's status channel. Data carries
// status-specific context: the input request id for WAITING_FOR_INPUT,
// the final results for COMPLETED, an error description for FAILED and
// CANCELLED.
type StatusMessage struct {
	TaskID string      `json:"task_id"`
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
}

// InputResponse is published on a task's input_response channel when a
// client answers a prompt.
type InputResponse struct {
	RequestID string `json:"request_id"`
	Data      string `json:"data"`
}

// InputRequest is published by the subprocess on the input_request channel.
// Password is the stringified boolean the shim emits ("True"/"False").
type InputRequest struct {
	Type      string `json:"type"`
	Data      string `json:"data"`
	Password  string `json:"password"`
	RequestID string `json:"request_id"`
}

// OutputEvent is one entry of a task output stream. Stream entries are flat
// field maps rather than a single JSON blob, so consumers that only need one
// field avoid a full decode.
type OutputEvent struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	TaskID    string `json:"task_id"`
	Timestamp int64  `json:"timestamp"`
	Data      string `json:"data"`
	RequestID string `json:"request_id,omitempty"`
	Password  string `json:"password,omitempty"`
}

// OutputEventFromFields builds an OutputEvent from raw stream entry fields.
func OutputEventFromFields(id string, fields map[string]interface{}) OutputEvent {
	ev := OutputEvent{ID: id}
	for k, v := range fields {
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		switch k {
		case "type":
			ev.Type = s
		case "task_id":
			ev.TaskID = s
		case "timestamp":
			ev.Timestamp, _ = strconv.ParseInt(s, 10, 64)
		case "data":
			ev.Data = s
		case "request_id":
			ev.RequestID = s
		case "password":
			ev.Password = s
		}
	}
	return ev
}

// DecodeStatusMessage parses a payload from a status channel. Publishers are
// not uniform: some send the message object directly, some JSON-encode it
// twice, and some wrap it in a {"data": {...}} envelope. All three shapes
// decode to the same StatusMessage.
func DecodeStatusMessage(payload []byte) (*StatusMessage, error) {
	var v interface{}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("redisio: decode status message: %w", err)
	}
	if s, ok := v.(string); ok {
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, fmt.Errorf("redisio: decode nested status message: %w", err)
		}
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("redisio: status message is not an object")
	}
	if _, hasStatus := m["status"]; !hasStatus {
		if inner, ok := m["data"].(map[string]interface{}); ok {
			m = inner
		}
	}

	msg := &StatusMessage{}
	if s, ok := m["task_id"].(string); ok {
		msg.TaskID = s
	}
	if s, ok := m["status"].(string); ok {
		msg.Status = s
	}
	msg.Data = m["data"]
	if msg.Status == "" {
		return nil, fmt.Errorf("redisio: status message has no status field")
	}
	return msg, nil
}

// DataMap returns the message data as an object, or nil when it is absent or
// of another shape.
func (m *StatusMessage) DataMap() map[string]interface{} {
	d, _ := m.Data.(map[string]interface{})
	return d
}
