package rpc

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// wsEndpoint adapts a websocket connection to Endpoint.
type wsEndpoint struct {
	conn *websocket.Conn

	wmu       sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

// NewWebSocketEndpoint wraps an established websocket connection.
// Frames travel as binary messages.
func NewWebSocketEndpoint(conn *websocket.Conn) Endpoint {
	return &wsEndpoint{conn: conn}
}

// DialWebSocket connects to a runtime served over websocket.
func DialWebSocket(ctx context.Context, url string) (Endpoint, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocketEndpoint(conn), nil
}

// WebSocketHandler returns an http.Handler that upgrades each request and
// hands the resulting endpoint to serve. serve owns the endpoint and must
// close it when done.
func WebSocketHandler(serve func(ep Endpoint)) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  32 * 1024,
		WriteBufferSize: 32 * 1024,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serve(NewWebSocketEndpoint(conn))
	})
}

// Send implements Endpoint.
func (e *wsEndpoint) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.closed.Load() {
		return ErrClosed
	}
	e.wmu.Lock()
	defer e.wmu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = e.conn.SetWriteDeadline(deadline)
		defer e.conn.SetWriteDeadline(time.Time{})
	}
	if err := e.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Recv implements Endpoint. Cancelling ctx does not interrupt a blocked
// read; closing the endpoint does.
func (e *wsEndpoint) Recv(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mt, data, err := e.conn.ReadMessage()
		if err != nil {
			if e.closed.Load() {
				return nil, ErrClosed
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrClosed
			}
			return nil, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

// Close implements Endpoint.
func (e *wsEndpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.wmu.Lock()
		_ = e.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		e.wmu.Unlock()
		err = e.conn.Close()
	})
	return err
}
