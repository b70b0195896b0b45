package redisio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeStatusMessagePlain(t *testing.T) {
	msg, err := DecodeStatusMessage([]byte(`{"task_id":"t1","status":"RUNNING"}`))
	require.NoError(t, err)
	assert.Equal(t, "t1", msg.TaskID)
	assert.Equal(t, "RUNNING", msg.Status)
	assert.Nil(t, msg.Data)
}

func TestDecodeStatusMessageDoubleEncoded(t *testing.T) {
	// Some publishers JSON-encode the message twice; the payload is then a
	// JSON string containing the document.
	msg, err := DecodeStatusMessage([]byte(`"{\"task_id\":\"t1\",\"status\":\"COMPLETED\",\"data\":{\"ok\":true}}"`))
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", msg.Status)
	require.NotNil(t, msg.DataMap())
	assert.Equal(t, true, msg.DataMap()["ok"])
}

func TestDecodeStatusMessageEnvelope(t *testing.T) {
	msg, err := DecodeStatusMessage([]byte(`{"data":{"task_id":"t1","status":"FAILED","data":"boom"}}`))
	require.NoError(t, err)
	assert.Equal(t, "FAILED", msg.Status)
	assert.Equal(t, "boom", msg.Data)
}

func TestDecodeStatusMessageErrors(t *testing.T) {
	_, err := DecodeStatusMessage([]byte(`not json`))
	assert.Error(t, err)

	_, err = DecodeStatusMessage([]byte(`[1,2,3]`))
	assert.Error(t, err)

	_, err = DecodeStatusMessage([]byte(`{"task_id":"t1"}`))
	assert.Error(t, err)
}

func TestOutputEventFromFields(t *testing.T) {
	ev := OutputEventFromFields("1-0", map[string]interface{}{
		"type":       "input_request",
		"task_id":    "t1",
		"timestamp":  "1712345678000000",
		"data":       "Enter a value:",
		"request_id": "req-1",
		"password":   "False",
	})
	assert.Equal(t, "1-0", ev.ID)
	assert.Equal(t, "input_request", ev.Type)
	assert.Equal(t, "t1", ev.TaskID)
	assert.Equal(t, int64(1712345678000000), ev.Timestamp)
	assert.Equal(t, "Enter a value:", ev.Data)
	assert.Equal(t, "req-1", ev.RequestID)
	assert.Equal(t, "False", ev.Password)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "task:t1:output", OutputStream("t1"))
	assert.Equal(t, "task:t1:status", StatusChannel("t1"))
	assert.Equal(t, "task:t1:input_request", InputRequestChannel("t1"))
	assert.Equal(t, "task:t1:input_response", InputResponseChannel("t1"))
	assert.Equal(t, "processed_requests:t1", ProcessedRequestsKey("t1"))
	assert.Equal(t, "lock:t1", LockKey("t1"))
}
