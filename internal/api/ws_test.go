package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestExtractWSToken(t *testing.T) {
	t.Run("query parameter", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws/t1?access_token=tok-query", nil)
		assert.Equal(t, "tok-query", extractWSToken(r))
	})

	t.Run("cookie", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws/t1", nil)
		r.AddCookie(&http.Cookie{Name: "access_token", Value: "tok-cookie"})
		assert.Equal(t, "tok-cookie", extractWSToken(r))
	})

	t.Run("authorization header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws/t1", nil)
		r.Header.Set("Authorization", "Bearer tok-header")
		assert.Equal(t, "tok-header", extractWSToken(r))
	})

	t.Run("subprotocol", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws/t1", nil)
		r.Header.Set("Sec-WebSocket-Protocol", "tasks-api, tok-proto")
		assert.Equal(t, "tok-proto", extractWSToken(r))
	})

	t.Run("query wins over header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws/t1?access_token=tok-query", nil)
		r.Header.Set("Authorization", "Bearer tok-header")
		assert.Equal(t, "tok-query", extractWSToken(r))
	})

	t.Run("subprotocol without token", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws/t1", nil)
		r.Header.Set("Sec-WebSocket-Protocol", "tasks-api")
		assert.Equal(t, "", extractWSToken(r))
	})

	t.Run("nothing", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws/t1", nil)
		assert.Equal(t, "", extractWSToken(r))
	})
}

// Unauthenticated connections are rejected with a plain 401 before the
// protocol upgrade, so clients see a failed handshake rather than a close
// frame.
func TestServeWSRejectsMissingTokenBeforeUpgrade(t *testing.T) {
	h := NewWSHandler(nil, nil, nil, zap.NewNop())

	w := httptest.NewRecorder()
	h.ServeWS(w, httptest.NewRequest("GET", "/ws/t1", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
