// Package httpapi wires the Session Bootstrap Service, the Version
// Service, and the Realtime Room onto net/http, following
// teranos-QNTX/server/handlers.go and server/response.go's plain
// ServeMux + manual JSON-encoding style rather than a router framework.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkirby-ms/tilemud/internal/bootstrap"
	"github.com/dkirby-ms/tilemud/internal/grace"
	"github.com/dkirby-ms/tilemud/internal/logging"
	"github.com/dkirby-ms/tilemud/internal/reconnectflow"
	"github.com/dkirby-ms/tilemud/internal/room"
	"github.com/dkirby-ms/tilemud/internal/session"
	"github.com/dkirby-ms/tilemud/internal/version"
)

// Handlers holds the services the HTTP surface dispatches into.
type Handlers struct {
	Bootstrap *bootstrap.Service
	Reconnect *reconnectflow.Service
	Versions  *version.Service
	Room      *room.Room
	Grace     *grace.Manager
	upgrader  websocket.Upgrader
}

// New constructs Handlers. Origin checking is left permissive, matching
// teranos-QNTX/server/util.go's checkOrigin default of allowing
// same-origin-less clients; production deployments front this with a
// reverse proxy that enforces CORS.
func New(bootstrapSvc *bootstrap.Service, reconnectSvc *reconnectflow.Service, versions *version.Service, r *room.Room, graceMgr *grace.Manager) *Handlers {
	return &Handlers{
		Bootstrap: bootstrapSvc,
		Reconnect: reconnectSvc,
		Versions:  versions,
		Room:      r,
		Grace:     graceMgr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.L.Warnw("httpapi: failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

// bootstrapErrorStatus maps a bootstrap error to the HTTP status and
// symbolic code the response body carries (spec.md §4.12, §7).
func bootstrapErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, bootstrap.ErrAuthorizationTokenMissing),
		errors.Is(err, bootstrap.ErrAuthorizationTokenEmpty),
		errors.Is(err, bootstrap.ErrAuthorizationTokenInvalidFormat),
		errors.Is(err, bootstrap.ErrAuthorizationTokenInvalid):
		return http.StatusUnauthorized, "AUTHORIZATION_INVALID"
	default:
		return http.StatusServiceUnavailable, "BOOTSTRAP_UNAVAILABLE"
	}
}

// bootstrapRequestBody is the JSON body POST /api/session/bootstrap
// accepts (spec.md §4.12 step 1: Authorization header plus an optional
// reconnect token and client version).
type bootstrapRequestBody struct {
	ReconnectToken string `json:"reconnectToken,omitempty"`
	ClientVersion  string `json:"clientVersion,omitempty"`
}

// sessionInfo is the session{} sub-object spec.md §4.12 step 6 documents:
// sessionId, userId, status, protocolVersion, lastSequenceNumber.
type sessionInfo struct {
	SessionID          string `json:"sessionId"`
	UserID             string `json:"userId"`
	Status             string `json:"status"`
	ProtocolVersion    string `json:"protocolVersion"`
	LastSequenceNumber int64  `json:"lastSequenceNumber"`
}

func newSessionInfo(sess session.Session) sessionInfo {
	return sessionInfo{
		SessionID:          sess.SessionID,
		UserID:             sess.UserID,
		Status:             string(sess.Status),
		ProtocolVersion:    sess.ProtocolVersion,
		LastSequenceNumber: sess.LastSequenceNumber,
	}
}

type bootstrapResponseBody struct {
	Version   version.Info             `json:"version"`
	IssuedAt  time.Time                `json:"issuedAt"`
	Session   sessionInfo              `json:"session"`
	Character bootstrap.CharacterState `json:"character"`
	Reconnect bootstrap.Reconnect      `json:"reconnect"`
}

// HandleBootstrap implements POST /api/session/bootstrap.
func (h *Handlers) HandleBootstrap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST")
		return
	}

	var body bootstrapRequestBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "MALFORMED_BODY", "could not parse request body")
			return
		}
	}

	result, err := h.Bootstrap.Bootstrap(r.Context(), bootstrap.Request{
		AuthorizationHeader: r.Header.Get("Authorization"),
		ReconnectToken:      body.ReconnectToken,
		ClientVersion:       body.ClientVersion,
	})
	if err != nil {
		status, code := bootstrapErrorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, bootstrapResponseBody{
		Version:   result.Version,
		IssuedAt:  result.IssuedAt,
		Session:   newSessionInfo(result.Session),
		Character: result.Character,
		Reconnect: result.Reconnect,
	})
}

type reconnectRequestBody struct {
	ReconnectToken string `json:"reconnectToken"`
	ClientSequence int64  `json:"clientSequence"`
}

type reconnectResponseBody struct {
	Session            sessionInfo                     `json:"session"`
	LastSequenceNumber int64                           `json:"lastSequenceNumber"`
	Reconnect          bootstrap.Reconnect             `json:"reconnect"`
	Mode               reconnectflow.Mode              `json:"mode"`
	Delta              []interface{}                   `json:"delta,omitempty"`
	Snapshot           *reconnectflow.CharacterSnapshot `json:"snapshot,omitempty"`
}

// reconnectErrorStatus maps a reconnect error to an HTTP status (spec.md
// §4.11, §7).
func reconnectErrorStatus(err error) (int, string) {
	if errors.Is(err, reconnectflow.ErrReconnectTokenInvalid) {
		return http.StatusUnauthorized, "RECONNECT_TOKEN_INVALID"
	}
	return http.StatusServiceUnavailable, "RECONNECT_UNAVAILABLE"
}

// HandleReconnect implements POST /api/session/reconnect: resumes a
// dropped session using a reconnect token and issues a new session the
// client then joins over WebSocket as usual (spec.md §4.11).
func (h *Handlers) HandleReconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST")
		return
	}

	var body reconnectRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "MALFORMED_BODY", "could not parse request body")
		return
	}

	result, err := h.Reconnect.Reconnect(r.Context(), reconnectflow.Request{
		ReconnectToken: body.ReconnectToken,
		ClientSequence: body.ClientSequence,
	})
	if err != nil {
		status, code := reconnectErrorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}

	delta := make([]interface{}, len(result.Delta))
	for i, ev := range result.Delta {
		delta[i] = ev
	}

	writeJSON(w, http.StatusOK, reconnectResponseBody{
		Session:            newSessionInfo(result.Session),
		LastSequenceNumber: result.LastSequenceNumber,
		Reconnect:          bootstrap.Reconnect{Token: result.ReconnectToken, ExpiresAt: result.ReconnectExpiresAt},
		Mode:               result.Mode,
		Delta:              delta,
		Snapshot:           result.Snapshot,
	})
}

// HandleVersion implements GET /api/version (spec.md §6).
func (h *Handlers) HandleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Versions.Get())
}

// HandleHealth implements GET /health, matching
// teranos-QNTX/server/handlers.go's HandleHealth shape.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": h.Versions.Current(),
		"clients": h.Room.Len(),
	})
}

// HandleGraceStats implements GET /api/grace/stats: active reconnect
// grace-window counts, overall and per instance (spec.md §4.15).
func (h *Handlers) HandleGraceStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Grace.GetSessionStats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "GRACE_STATS_UNAVAILABLE", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleWebSocket upgrades the connection and runs the join handshake
// (spec.md §4.14), following teranos-QNTX/server/handlers.go's
// upgrade-then-register HandleWebSocket shape.
func (h *Handlers) HandleWebSocket(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.L.Debugw("httpapi: websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
			return
		}

		var payload room.JoinPayload
		if err := ws.ReadJSON(&payload); err != nil {
			ws.WriteJSON(map[string]string{"type": "event.error", "code": "MALFORMED_ENVELOPE", "message": "expected a join message first"})
			ws.Close()
			return
		}

		conn := room.NewGorillaConn(ws)
		cp, err := h.Room.Join(ctx, conn, payload)
		if err != nil {
			ws.Close()
			return
		}

		h.Room.ServeConn(ctx, ws, cp)
	}
}
