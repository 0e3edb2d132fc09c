package testutil

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
)

// Broker is an in-process STOMP-over-websocket broker for tests. It answers
// CONNECT, tracks subscriptions per connection and records every frame a
// client sends.
type Broker struct {
	Server *httptest.Server
	URL    string

	// Frames receives every frame sent by clients, CONNECT included.
	Frames chan *frame.Frame
	// Headers receives the upgrade request headers of each connection.
	Headers chan http.Header

	lock      sync.Mutex
	conns     map[*brokerConn]struct{}
	accepted  int
	heartBeat string
	reject    string
	nextMsgId int
}

type brokerConn struct {
	conn      *websocket.Conn
	writeLock sync.Mutex
	subsLock  sync.Mutex
	subs      map[string]string
}

func NewBroker(t *testing.T) *Broker {
	b := &Broker{
		Frames:    make(chan *frame.Frame, 1024),
		Headers:   make(chan http.Header, 64),
		conns:     make(map[*brokerConn]struct{}),
		heartBeat: "0,0",
	}
	b.Server = httptest.NewServer(http.HandlerFunc(b.serveWs))
	b.URL = "ws" + strings.TrimPrefix(b.Server.URL, "http") + "/ws"

	t.Cleanup(func() {
		b.DropConnections()
		b.Server.Close()
	})
	return b
}

// SetHeartBeat sets the heart-beat header of future CONNECTED frames.
func (b *Broker) SetHeartBeat(hb string) {
	b.lock.Lock()
	b.heartBeat = hb
	b.lock.Unlock()
}

// Reject makes future CONNECT frames fail with an ERROR frame carrying msg.
// An empty msg accepts connections again.
func (b *Broker) Reject(msg string) {
	b.lock.Lock()
	b.reject = msg
	b.lock.Unlock()
}

// Accepted returns how many websocket connections were upgraded.
func (b *Broker) Accepted() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.accepted
}

// Open returns how many connections are currently open.
func (b *Broker) Open() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.conns)
}

// Subscriptions returns the destinations subscribed on all open connections.
func (b *Broker) Subscriptions() map[string]string {
	out := make(map[string]string)
	b.lock.Lock()
	defer b.lock.Unlock()
	for bc := range b.conns {
		bc.subsLock.Lock()
		for id, dest := range bc.subs {
			out[id] = dest
		}
		bc.subsLock.Unlock()
	}
	return out
}

// Publish delivers body as a MESSAGE to every subscription on destination
// and returns how many deliveries were made.
func (b *Broker) Publish(destination, body string) int {
	b.lock.Lock()
	b.nextMsgId++
	msgId := fmt.Sprintf("m-%d", b.nextMsgId)
	conns := make([]*brokerConn, 0, len(b.conns))
	for bc := range b.conns {
		conns = append(conns, bc)
	}
	b.lock.Unlock()

	delivered := 0
	for _, bc := range conns {
		bc.subsLock.Lock()
		var ids []string
		for id, dest := range bc.subs {
			if dest == destination {
				ids = append(ids, id)
			}
		}
		bc.subsLock.Unlock()

		for _, id := range ids {
			f := frame.New(frame.MESSAGE,
				frame.Destination, destination,
				frame.Subscription, id,
				frame.MessageId, msgId,
				frame.ContentType, "application/json",
			)
			f.Body = []byte(body)
			if bc.writeFrame(f) == nil {
				delivered++
			}
		}
	}
	return delivered
}

// SendRaw writes data verbatim to every open connection.
func (b *Broker) SendRaw(data []byte) {
	b.lock.Lock()
	defer b.lock.Unlock()
	for bc := range b.conns {
		bc.writeLock.Lock()
		bc.conn.WriteMessage(websocket.TextMessage, data)
		bc.writeLock.Unlock()
	}
}

// DropConnections closes every open connection without a close handshake.
func (b *Broker) DropConnections() {
	b.lock.Lock()
	defer b.lock.Unlock()
	for bc := range b.conns {
		bc.conn.Close()
	}
}

// WaitFrame returns the next recorded frame with the given command, failing
// the test after timeout.
func (b *Broker) WaitFrame(t *testing.T, command string, timeout time.Duration) *frame.Frame {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case f := <-b.Frames:
			if f.Command == command {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", command)
			return nil
		}
	}
}

func (bc *brokerConn) writeFrame(f *frame.Frame) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return err
	}

	bc.writeLock.Lock()
	defer bc.writeLock.Unlock()
	return bc.conn.WriteMessage(websocket.TextMessage, buf.Bytes())
}

func (b *Broker) serveWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	select {
	case b.Headers <- r.Header.Clone():
	default:
	}

	bc := &brokerConn{conn: conn, subs: make(map[string]string)}
	b.lock.Lock()
	b.accepted++
	b.conns[bc] = struct{}{}
	b.lock.Unlock()

	defer func() {
		b.lock.Lock()
		delete(b.conns, bc)
		b.lock.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		reader := frame.NewReader(bytes.NewReader(data))
		for {
			f, err := reader.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				return
			}
			if f == nil {
				continue
			}

			// state is updated before the frame is visible to waiters
			ok := b.handleFrame(bc, f)
			select {
			case b.Frames <- f:
			default:
			}
			if !ok {
				return
			}
		}
	}
}

func (b *Broker) handleFrame(bc *brokerConn, f *frame.Frame) bool {
	switch f.Command {
	case frame.CONNECT, frame.STOMP:
		b.lock.Lock()
		reject, hb := b.reject, b.heartBeat
		b.lock.Unlock()

		if reject != "" {
			errFrame := frame.New(frame.ERROR, frame.Message, reject)
			errFrame.Body = []byte("connection rejected")
			bc.writeFrame(errFrame)
			return false
		}

		bc.writeFrame(frame.New(frame.CONNECTED,
			frame.Version, "1.2",
			frame.HeartBeat, hb,
			frame.Session, fmt.Sprintf("session-%p", bc),
			frame.Server, "testbroker/1.0",
		))
	case frame.SUBSCRIBE:
		bc.subsLock.Lock()
		bc.subs[f.Header.Get(frame.Id)] = f.Header.Get(frame.Destination)
		bc.subsLock.Unlock()
	case frame.UNSUBSCRIBE:
		bc.subsLock.Lock()
		delete(bc.subs, f.Header.Get(frame.Id))
		bc.subsLock.Unlock()
	case frame.DISCONNECT:
		if receipt := f.Header.Get(frame.Receipt); receipt != "" {
			bc.writeFrame(frame.New(frame.RECEIPT, frame.ReceiptId, receipt))
		}
	}
	return true
}
