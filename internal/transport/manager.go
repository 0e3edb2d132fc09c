package transport

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/gochat-realtime/internal/stats"
)

const (
	handshakeTimeout = 10 * time.Second
	disconnectWait   = 5 * time.Second
	sendBufferSize   = 256

	ContentTypeJSON = "application/json"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Dialer opens the websocket link. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// FrameHandler receives every MESSAGE frame in the order it was read.
type FrameHandler interface {
	HandleFrame(f *frame.Frame)
}

type Options struct {
	URL               string
	HeartbeatIncoming time.Duration
	HeartbeatOutgoing time.Duration
	Dialer            Dialer
	// Credentials returns the ambient credential attached to the upgrade
	// request. No login headers are sent in the CONNECT frame.
	Credentials func() http.Header
	// OnError is invoked for every transport error, both failed connects
	// and lost sessions.
	OnError func(error)
}

// Manager owns the single physical connection to the broker.
type Manager struct {
	opts  Options
	log   *log.Logger
	stats stats.StatsProvider

	// connectLock serializes Connect and Disconnect so that concurrent
	// callers never open a second link.
	connectLock sync.Mutex
	// dispatching counts setState calls currently running listeners.
	dispatching atomic.Int32

	lock      sync.RWMutex
	state     State
	sess      *Session
	handler   FrameHandler
	listeners map[uint64]func(State)
	nextId    uint64
	teardown  []func()
}

func NewManager(opts Options, l *log.Logger, su stats.StatsProvider) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		}
	}

	su.RegisterMetric(stats.FramesReceived)
	su.RegisterMetric(stats.FramesSent)

	return &Manager{
		opts:      opts,
		log:       l,
		stats:     su,
		state:     Disconnected,
		listeners: make(map[uint64]func(State)),
	}
}

func (m *Manager) State() State {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.state
}

func (m *Manager) IsConnected() bool {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.state == Connected && m.sess != nil
}

// Session returns the live session or nil.
func (m *Manager) Session() *Session {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.sess
}

func (m *Manager) SetFrameHandler(h FrameHandler) {
	m.lock.Lock()
	m.handler = h
	m.lock.Unlock()
}

// AddStateListener registers fn for every state transition and returns a
// func that removes it. Listeners run synchronously on the goroutine that
// caused the transition, and Connect and Disconnect hold their lock while
// they wait for that. A listener that calls Connect or Disconnect directly
// therefore blocks forever, and with it the caller of the transition; hand
// the call off to a new goroutine instead.
func (m *Manager) AddStateListener(fn func(State)) func() {
	m.lock.Lock()
	id := m.nextId
	m.nextId++
	m.listeners[id] = fn
	m.lock.Unlock()

	return func() {
		m.lock.Lock()
		delete(m.listeners, id)
		m.lock.Unlock()
	}
}

// OnTeardown registers fn to run at the start of Disconnect while the
// session is still usable.
func (m *Manager) OnTeardown(fn func()) {
	m.lock.Lock()
	m.teardown = append(m.teardown, fn)
	m.lock.Unlock()
}

func (m *Manager) setState(s State) {
	m.lock.Lock()
	if m.state == s {
		m.lock.Unlock()
		return
	}
	m.state = s
	fns := make([]func(State), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.lock.Unlock()

	m.log.Printf("connection state: %s", s)
	m.dispatching.Add(1)
	defer m.dispatching.Add(-1)
	for _, fn := range fns {
		fn(s)
	}
}

// lockConnect takes connectLock and logs when it is contended while state
// listeners run.
func (m *Manager) lockConnect(op string) {
	if m.connectLock.TryLock() {
		return
	}
	if m.dispatching.Load() > 0 {
		m.log.Printf("%s waiting for a state transition to finish; state listeners must not call Connect or Disconnect", op)
	}
	m.connectLock.Lock()
}

func (m *Manager) reportError(err error) {
	m.log.Printf("transport error: %v", err)
	if m.opts.OnError != nil {
		m.opts.OnError(err)
	}
}

// Connect opens the link and completes the STOMP handshake. It returns the
// live session unchanged if one already exists. The returned error is
// non-nil exactly when no session was established.
func (m *Manager) Connect(ctx context.Context) (*Session, error) {
	m.lockConnect("connect")
	defer m.connectLock.Unlock()

	if sess := m.Session(); sess != nil {
		return sess, nil
	}

	m.setState(Connecting)
	sess, err := m.handshake(ctx)
	if err != nil {
		m.reportError(err)
		m.setState(Failed)
		return nil, err
	}

	m.lock.Lock()
	m.sess = sess
	m.lock.Unlock()

	go sess.writePump()
	m.setState(Connected)
	go sess.readPump()

	return sess, nil
}

func (m *Manager) handshake(ctx context.Context) (*Session, error) {
	var header http.Header
	if m.opts.Credentials != nil {
		header = m.opts.Credentials()
	}

	conn, resp, err := m.opts.Dialer.DialContext(ctx, m.opts.URL, header)
	if err != nil {
		cerr := &ConnectError{Message: "dial " + m.opts.URL, Err: err}
		if resp != nil {
			cerr.Detail = resp.Status
		}
		return nil, cerr
	}

	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	host := m.opts.URL
	if u, err := url.Parse(m.opts.URL); err == nil {
		host = u.Hostname()
	}

	connect := frame.New(frame.CONNECT,
		frame.AcceptVersion, "1.2",
		frame.Host, host,
		frame.HeartBeat, formatHeartBeat(m.opts.HeartbeatOutgoing, m.opts.HeartbeatIncoming),
	)
	data, err := EncodeFrame(connect)
	if err != nil {
		conn.Close()
		return nil, err
	}

	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return nil, &ConnectError{Message: "write CONNECT", Err: err}
	}

	conn.SetReadDeadline(deadline)
	reply, err := readFirstFrame(conn)
	if err != nil {
		conn.Close()
		return nil, &ConnectError{Message: "read CONNECTED", Err: err}
	}

	switch reply.Command {
	case frame.CONNECTED:
	case frame.ERROR:
		conn.Close()
		return nil, &ConnectError{Message: reply.Header.Get(frame.Message), Detail: string(reply.Body)}
	default:
		conn.Close()
		return nil, &ConnectError{Message: "unexpected " + reply.Command, Err: ErrProtocol}
	}

	out, in, err := negotiateHeartBeat(m.opts.HeartbeatOutgoing, m.opts.HeartbeatIncoming, reply.Header.Get(frame.HeartBeat))
	if err != nil {
		conn.Close()
		return nil, &ConnectError{Message: "negotiate heart-beat", Err: err}
	}

	conn.SetWriteDeadline(time.Time{})
	conn.SetReadDeadline(time.Time{})

	return &Session{
		Frame:             reply,
		Version:           reply.Header.Get(frame.Version),
		Server:            reply.Header.Get(frame.Server),
		Id:                reply.Header.Get(frame.Session),
		HeartbeatIncoming: in,
		HeartbeatOutgoing: out,
		conn:              conn,
		mgr:               m,
		log:               m.log,
		send:              make(chan []byte, sendBufferSize),
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}, nil
}

// readFirstFrame waits for the first non-heartbeat frame.
func readFirstFrame(conn *websocket.Conn) (*frame.Frame, error) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		frames, err := DecodeFrames(raw)
		if err != nil {
			return nil, err
		}
		if len(frames) > 0 {
			return frames[0], nil
		}
	}
}

// Send publishes payload to destination. It never queues for later: when no
// session is live it logs and returns false.
func (m *Manager) Send(destination string, payload []byte) bool {
	f := frame.New(frame.SEND,
		frame.Destination, destination,
		frame.ContentType, ContentTypeJSON,
	)
	f.Body = payload
	return m.SendFrame(f)
}

// SendFrame queues a raw frame on the live session.
func (m *Manager) SendFrame(f *frame.Frame) bool {
	sess := m.Session()
	if sess == nil {
		m.log.Printf("send %s %q: %v", f.Command, f.Header.Get(frame.Destination), ErrNotConnected)
		return false
	}

	data, err := EncodeFrame(f)
	if err != nil {
		m.log.Println("failed to serialize frame:", err)
		return false
	}

	if !sess.queue(data) {
		return false
	}
	m.stats.Incr(stats.FramesSent)
	return true
}

// Disconnect runs the teardown hooks, says DISCONNECT to the broker and
// closes the link. It is safe to call when already disconnected.
func (m *Manager) Disconnect() {
	m.lockConnect("disconnect")
	defer m.connectLock.Unlock()

	sess := m.Session()
	if sess == nil {
		m.setState(Disconnected)
		return
	}

	m.lock.RLock()
	hooks := append([]func(){}, m.teardown...)
	m.lock.RUnlock()
	for _, fn := range hooks {
		fn()
	}

	if data, err := EncodeFrame(frame.New(frame.DISCONNECT)); err == nil {
		sess.queue(data)
	}
	sess.shutdown()

	select {
	case <-sess.Done():
	case <-time.After(disconnectWait):
		m.log.Println("timed out waiting for session to close")
		sess.conn.Close()
		<-sess.Done()
	}
}

func (m *Manager) dispatch(f *frame.Frame) {
	m.stats.Incr(stats.FramesReceived)

	m.lock.RLock()
	h := m.handler
	m.lock.RUnlock()

	if h == nil {
		m.log.Printf("no handler for frame on %q", f.Header.Get(frame.Destination))
		return
	}
	h.HandleFrame(f)
}

// sessionEnded is called exactly once per session by its read pump.
func (m *Manager) sessionEnded(s *Session, err error) {
	m.lock.Lock()
	current := m.sess == s
	if current {
		m.sess = nil
	}
	m.lock.Unlock()

	// the state must be settled before waiters on Done observe the end
	defer s.finish(err)
	if !current {
		return
	}

	if err != nil {
		m.reportError(err)
		m.setState(Failed)
		return
	}
	m.setState(Disconnected)
}
