package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

func deadlineNow() time.Time {
	return time.Now().Add(5 * time.Second)
}

// wsConn adapts *websocket.Conn to session.Conn, serializing writes with a
// mutex since gorilla's Conn permits one concurrent reader and one
// concurrent writer, but the session's teardown path (WriteClose then
// Close) can otherwise race the writePump goroutine's WriteMessage calls.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (w *wsConn) ReadMessage() (int, []byte, error) {
	return w.conn.ReadMessage()
}

func (w *wsConn) WriteMessage(messageType int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(messageType, data)
}

func (w *wsConn) WriteClose(code int, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadlineNow())
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}
