package room

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkirby-ms/tilemud/internal/logging"
)

// GorillaConn adapts a *websocket.Conn to the Conn interface, following
// teranos-QNTX/server/client.go's readPump/writePump timeout and
// ping/pong conventions.
type GorillaConn struct {
	ws *websocket.Conn
}

// NewGorillaConn wraps an established WebSocket connection.
func NewGorillaConn(ws *websocket.Conn) *GorillaConn {
	return &GorillaConn{ws: ws}
}

func (g *GorillaConn) WriteJSON(v interface{}) error {
	g.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return g.ws.WriteJSON(v)
}

func (g *GorillaConn) WriteClose(code int, reason string) error {
	g.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return g.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}

func (g *GorillaConn) Close() error { return g.ws.Close() }

// ServeConn runs the read and write pumps for a joined player until the
// connection closes, then removes the player from the room. Call this in
// its own goroutine per accepted WebSocket upgrade, after a successful
// Join.
func (r *Room) ServeConn(ctx context.Context, ws *websocket.Conn, cp *ConnectedPlayer) {
	done := make(chan struct{})
	go func() {
		r.writePump(ws, cp)
		close(done)
	}()
	r.readPump(ctx, ws, cp)
	<-done
	r.Leave(cp.ClientID)
}

func (r *Room) readPump(ctx context.Context, ws *websocket.Conn, cp *ConnectedPlayer) {
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			handleReadError(cp.ClientID, err)
			return
		}
		if err := r.Dispatch(ctx, cp.ClientID, raw); err != nil {
			logging.L.Debugw("room dispatch error", "client_id", cp.ClientID, "error", err)
		}
	}
}

func handleReadError(clientID string, err error) {
	if closeErr, ok := err.(*websocket.CloseError); ok {
		logging.L.Infow("room connection closed", "client_id", clientID, "code", closeErr.Code, "text", closeErr.Text)
		return
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
		logging.L.Warnw("room read error", "client_id", clientID, "error", err)
	}
}

func (r *Room) writePump(ws *websocket.Conn, cp *ConnectedPlayer) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-cp.send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteJSON(msg); err != nil {
				logging.L.Debugw("room write error", "client_id", cp.ClientID, "error", err)
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
