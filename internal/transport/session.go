package transport

import (
	"log"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	maxFrameSize = 1 << 20
)

// Session is one negotiated STOMP session over one websocket link.
type Session struct {
	// Frame is the CONNECTED frame returned by the broker.
	Frame   *frame.Frame
	Version string
	Server  string
	Id      string

	HeartbeatIncoming time.Duration
	HeartbeatOutgoing time.Duration

	conn *websocket.Conn
	mgr  *Manager
	log  *log.Logger
	send chan []byte

	stop     chan struct{}
	stopOnce sync.Once

	done       chan struct{}
	finishOnce sync.Once
	err        error
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session ended: nil after an explicit Disconnect, the
// transport error otherwise. Only meaningful once Done is closed.
func (s *Session) Err() error {
	<-s.done
	return s.err
}

func (s *Session) finish(err error) {
	s.finishOnce.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *Session) shutdown() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}

func (s *Session) stopping() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Session) queue(data []byte) bool {
	if s.stopping() {
		s.log.Println("session is closing, dropping frame")
		return false
	}

	select {
	case s.send <- data:
	default:
		s.log.Println("failed to queue frame, send buffer is full")
		return false
	}

	return true
}

func (s *Session) write(msgType int, data []byte) bool {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := s.conn.WriteMessage(msgType, data); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			s.log.Printf("ws: write: %s", err)
		}
		return false
	}

	return true
}

func (s *Session) writePump() {
	var heartbeat <-chan time.Time
	if s.HeartbeatOutgoing > 0 {
		ticker := time.NewTicker(s.HeartbeatOutgoing)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	defer s.conn.Close()

	for {
		select {
		case data := <-s.send:
			if !s.write(websocket.TextMessage, data) {
				return
			}
		case <-heartbeat:
			if !s.write(websocket.TextMessage, heartbeatFrame) {
				return
			}
		case <-s.stop:
			s.drain()
			s.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain flushes frames queued before shutdown, such as UNSUBSCRIBE and
// DISCONNECT.
func (s *Session) drain() {
	for {
		select {
		case data := <-s.send:
			if !s.write(websocket.TextMessage, data) {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) extendReadDeadline() {
	if s.HeartbeatIncoming <= 0 {
		s.conn.SetReadDeadline(time.Time{})
		return
	}
	s.conn.SetReadDeadline(time.Now().Add(2 * s.HeartbeatIncoming))
}

func (s *Session) readPump() {
	var err error
	defer func() {
		s.shutdown()
		s.conn.Close()
		s.mgr.sessionEnded(s, err)
	}()

	s.conn.SetReadLimit(maxFrameSize)
	s.extendReadDeadline()
	s.conn.SetPongHandler(func(string) error { s.extendReadDeadline(); return nil })

	for {
		_, raw, rerr := s.conn.ReadMessage()
		if rerr != nil {
			if !s.stopping() {
				err = &ConnectError{Message: "connection lost", Err: rerr}
			}
			return
		}
		s.extendReadDeadline()

		frames, derr := DecodeFrames(raw)
		if derr != nil {
			s.log.Printf("error parsing frame: %v", derr)
		}

		for _, f := range frames {
			switch f.Command {
			case frame.MESSAGE:
				s.mgr.dispatch(f)
			case frame.ERROR:
				err = &ConnectError{Message: f.Header.Get(frame.Message), Detail: string(f.Body)}
				return
			case frame.RECEIPT:
				s.log.Printf("receipt %q", f.Header.Get(frame.ReceiptId))
			default:
				s.log.Printf("ignoring %s frame", f.Command)
			}
		}
	}
}
