package scope

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const closeReasonShutdown = "Component cleanup"

// Socket is a managed websocket connection.
type Socket struct {
	id   Handle
	conn *websocket.Conn
	m    *Manager

	closed    atomic.Bool
	closeOnce sync.Once
	writeMu   sync.Mutex
}

// AddManagedWebSocket tracks conn so Cleanup closes it with a normal close
// frame. The socket drops out of the registry on its own when the peer
// closes it or a read fails.
func (m *Manager) AddManagedWebSocket(conn *websocket.Conn) *Socket {
	s := &Socket{id: m.nextHandle(), conn: conn, m: m}

	prev := conn.CloseHandler()
	conn.SetCloseHandler(func(code int, text string) error {
		s.markClosed()
		return prev(code, text)
	})

	track(m, m.sockets, s.id, s)
	return s
}

// Handle returns the socket's handle.
func (s *Socket) Handle() Handle {
	return s.id
}

// Conn returns the wrapped connection.
func (s *Socket) Conn() *websocket.Conn {
	return s.conn
}

// Closed reports whether the socket is closed.
func (s *Socket) Closed() bool {
	return s.closed.Load()
}

// ReadMessage reads the next message. Any read error closes the socket.
func (s *Socket) ReadMessage() (int, []byte, error) {
	mt, data, err := s.conn.ReadMessage()
	if err != nil {
		s.markClosed()
		s.closeConn()
	}
	return mt, data, err
}

// WriteJSON writes v as a text message. Concurrent writers are serialized.
func (s *Socket) WriteJSON(v interface{}) error {
	if s.closed.Load() {
		return websocket.ErrCloseSent
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// Close sends a normal close frame and closes the connection.
func (s *Socket) Close() error {
	return s.closeWith("")
}

func (s *Socket) markClosed() bool {
	if !s.closed.CompareAndSwap(false, true) {
		return false
	}
	s.m.sockets.Remove(s.id)
	return true
}

// closeWith sends the close frame unless the peer already closed, then
// releases the connection.
func (s *Socket) closeWith(reason string) error {
	if s.markClosed() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.m.closeTimeout)); err != nil {
			s.m.logger.Debug("failed to send close frame", "handle", s.id, "error", err)
		}
	}
	return s.closeConn()
}

func (s *Socket) closeConn() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}
