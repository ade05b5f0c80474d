package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"queenbee/internal/protocol"
)

// wsConn adapts a gorilla websocket connection to the registry's serialized
// writer. All frame writes from any goroutine funnel through its mutex; the
// reader side stays on the connection goroutine and never takes the lock.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (w *wsConn) SendFrame(f *protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame %s: %w", f.Type, err)
	}
	return nil
}

func (w *wsConn) SendFrameTimeout(f *protocol.Frame, timeout time.Duration) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(timeout))
	err = w.conn.WriteMessage(websocket.TextMessage, data)
	w.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("write frame %s: %w", f.Type, err)
	}
	return nil
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}

func (w *wsConn) RemoteAddr() string {
	return w.conn.RemoteAddr().String()
}
