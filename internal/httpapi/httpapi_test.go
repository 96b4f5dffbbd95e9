package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkirby-ms/tilemud/internal/bootstrap"
	"github.com/dkirby-ms/tilemud/internal/reconnectflow"
	"github.com/dkirby-ms/tilemud/internal/room"
	"github.com/dkirby-ms/tilemud/internal/session"
	"github.com/dkirby-ms/tilemud/internal/version"
)

func TestWriteJSON_SetsContentTypeAndBody(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusCreated, map[string]string{"hello": "world"})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "world", body["hello"])
}

func TestWriteError_WrapsCodeAndMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, http.StatusBadRequest, "BAD_INPUT", "nope")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "BAD_INPUT", body["code"])
	assert.Equal(t, "nope", body["message"])
}

func TestBootstrapErrorStatus_AuthFailuresMapTo401(t *testing.T) {
	for _, err := range []error{
		bootstrap.ErrAuthorizationTokenMissing,
		bootstrap.ErrAuthorizationTokenEmpty,
		bootstrap.ErrAuthorizationTokenInvalidFormat,
		bootstrap.ErrAuthorizationTokenInvalid,
	} {
		status, code := bootstrapErrorStatus(err)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "AUTHORIZATION_INVALID", code)
	}
}

func TestBootstrapErrorStatus_OtherErrorsMapTo503(t *testing.T) {
	status, code := bootstrapErrorStatus(assertError("durable store unavailable"))
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "BOOTSTRAP_UNAVAILABLE", code)
}

func TestReconnectErrorStatus_InvalidTokenMapsTo401(t *testing.T) {
	status, code := reconnectErrorStatus(reconnectflow.ErrReconnectTokenInvalid)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "RECONNECT_TOKEN_INVALID", code)
}

func TestReconnectErrorStatus_OtherErrorsMapTo503(t *testing.T) {
	status, code := reconnectErrorStatus(assertError("token store unavailable"))
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "RECONNECT_UNAVAILABLE", code)
}

func TestHandleBootstrap_RejectsNonPost(t *testing.T) {
	h := &Handlers{}
	req := httptest.NewRequest(http.MethodGet, "/api/session/bootstrap", nil)
	rec := httptest.NewRecorder()

	h.HandleBootstrap(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleBootstrap_RejectsMalformedBody(t *testing.T) {
	h := &Handlers{}
	req := httptest.NewRequest(http.MethodPost, "/api/session/bootstrap", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()

	h.HandleBootstrap(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleReconnect_RejectsNonPost(t *testing.T) {
	h := &Handlers{}
	req := httptest.NewRequest(http.MethodGet, "/api/session/reconnect", nil)
	rec := httptest.NewRecorder()

	h.HandleReconnect(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleReconnect_RejectsMalformedBody(t *testing.T) {
	h := &Handlers{}
	req := httptest.NewRequest(http.MethodPost, "/api/session/reconnect", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()

	h.HandleReconnect(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleVersion_ReturnsServiceInfo(t *testing.T) {
	versions, err := version.New("tilemud", "1.2.0", []string{"1.2.0", "1.1.0"})
	require.NoError(t, err)
	h := &Handlers{Versions: versions}

	req := httptest.NewRequest(http.MethodGet, "/api/version", nil)
	rec := httptest.NewRecorder()

	h.HandleVersion(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var info version.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "1.2.0", info.Version)
	assert.Equal(t, "tilemud", info.Protocol)
}

func TestHandleHealth_ReportsJoinedClientCount(t *testing.T) {
	versions, err := version.New("tilemud", "1.0.0", []string{"1.0.0"})
	require.NoError(t, err)
	r := room.New(room.DefaultConfig(), session.New(), nil, nil, nil, versions, nil, func() string { return "client-1" })
	h := &Handlers{Versions: versions, Room: r}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.HandleHealth(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["clients"])
}

type assertError string

func (e assertError) Error() string { return string(e) }

func TestHandleWebSocket_RejectsNonUpgradeRequest(t *testing.T) {
	h := New(nil, nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/ws", strings.NewReader(""))
	rec := httptest.NewRecorder()

	h.HandleWebSocket(req.Context())(rec, req)

	assert.NotEqual(t, http.StatusSwitchingProtocols, rec.Code)
}
