package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/relaybot/pkg/session"
)

type fixedStatus struct{ st session.Status }

func (f *fixedStatus) Status() session.Status { return f.st }

func get(t *testing.T, h http.Handler, path string) (int, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestHealth_AlwaysOK(t *testing.T) {
	src := &fixedStatus{st: session.Status{State: session.Terminated, StateName: "terminated"}}
	h := NewServer("127.0.0.1", 0, src, nil).Handler()

	code, body := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "terminated", body["session"].(map[string]interface{})["state"])
}

func TestReady_FollowsSessionState(t *testing.T) {
	src := &fixedStatus{st: session.Status{State: session.AwaitingPairing, StateName: "awaiting_pairing"}}
	h := NewServer("127.0.0.1", 0, src, nil).Handler()

	code, body := get(t, h, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not ready", body["status"])

	src.st = session.Status{State: session.Connected, StateName: "connected"}
	code, body = get(t, h, "/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body["status"])
}

type fakePinger struct{ err error }

func (f *fakePinger) Ping(context.Context) error { return f.err }

func TestReady_RequiresStorage(t *testing.T) {
	src := &fixedStatus{st: session.Status{State: session.Connected, StateName: "connected"}}
	db := &fakePinger{err: errors.New("database is locked")}
	h := NewServer("127.0.0.1", 0, src, db).Handler()

	code, body := get(t, h, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not ready", body["status"])
	assert.Equal(t, "unavailable: database is locked", body["storage"])

	db.err = nil
	code, body = get(t, h, "/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["storage"])

	code, body = get(t, h, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Nil(t, body["storage"])
}

func TestReady_NoSessionIsNotReady(t *testing.T) {
	code, _ := get(t, NewServer("127.0.0.1", 0, nil, nil).Handler(), "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestUnknownPath(t *testing.T) {
	rec := httptest.NewRecorder()
	NewServer("127.0.0.1", 0, nil, nil).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
