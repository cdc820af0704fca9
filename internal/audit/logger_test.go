package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })
	return &buf
}

func TestLogSecurity(t *testing.T) {
	buf := captureLog(t)

	LogSecurity(context.Background(), Event{
		Type:      EventUnauthorizedAdmin,
		AccountID: "user-1",
		TargetID:  "user-2",
		Details:   map[string]interface{}{"action": "grant_credits", "amount": int64(10)},
	})

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "security", line["audit"])
	assert.Equal(t, "unauthorized_admin_action", line["event_type"])
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "user-1", line["account_id"])
	assert.Equal(t, "user-2", line["target_id"])
	assert.Equal(t, "grant_credits", line["action"])
	assert.EqualValues(t, 10, line["amount"])
}

func TestLogFromRequest(t *testing.T) {
	buf := captureLog(t)

	req := httptest.NewRequest("POST", "/admin/api/login", nil)
	req.Header.Set("X-Real-IP", "10.0.0.7")
	req.Header.Set("User-Agent", "curl/8")

	LogFromRequest(req, Event{Type: EventLoginSuccess, AccountID: "admin-1"})

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "10.0.0.7", line["ip"])
	assert.Equal(t, "curl/8", line["user_agent"])
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1:1234", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	assert.Equal(t, "203.0.113.9", ClientIP(req))
}
