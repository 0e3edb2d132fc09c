// Package realtime ties the connection, subscriptions, targeting and the
// notification store together behind one session object.
package realtime

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/gochat-realtime/internal/auth"
	"github.com/npezzotti/gochat-realtime/internal/history"
	"github.com/npezzotti/gochat-realtime/internal/payload"
	"github.com/npezzotti/gochat-realtime/internal/reconnect"
	"github.com/npezzotti/gochat-realtime/internal/stats"
	"github.com/npezzotti/gochat-realtime/internal/store"
	"github.com/npezzotti/gochat-realtime/internal/subscription"
	"github.com/npezzotti/gochat-realtime/internal/targeting"
	"github.com/npezzotti/gochat-realtime/internal/transport"
	"github.com/npezzotti/gochat-realtime/internal/types"
)

var ErrNotAuthenticated = errors.New("not authenticated")

// HistorySource seeds conversations. *history.Client satisfies it.
type HistorySource interface {
	Fetch(ctx context.Context, q history.Query) ([]types.Message, error)
}

type Config struct {
	Manager *transport.Manager
	Auth    auth.Provider
	Store   *store.Store
	// History may be nil, in which case conversations start empty.
	History HistorySource
	Policy  reconnect.Policy

	// OnState observes every connection state change.
	OnState func(transport.State)
	// OnNotification is called for every notification added to the feed.
	OnNotification func(types.StoredNotification)
	// OnUnavailable is called once reconnecting has been given up.
	OnUnavailable func(error)
	// OnRetry observes every scheduled reconnect.
	OnRetry func(attempt int, delay time.Duration)
}

type Session struct {
	cfg   Config
	mgr   *transport.Manager
	reg   *subscription.Registry
	sup   *reconnect.Supervisor
	notif *subscription.Owner
	log   *log.Logger
	stats stats.StatsProvider

	ctx    context.Context
	cancel context.CancelFunc

	lock        sync.Mutex
	loopCancel  context.CancelFunc
	loopDone    chan struct{}
	unavailable error
	closed      bool

	unwatch  func()
	unlisten func()
}

func New(cfg Config, l *log.Logger, su stats.StatsProvider) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		cfg:    cfg,
		mgr:    cfg.Manager,
		log:    l,
		stats:  su,
		ctx:    ctx,
		cancel: cancel,
	}

	s.reg = subscription.NewRegistry(cfg.Manager, l, su)
	cfg.Manager.SetFrameHandler(s.reg)

	s.sup = reconnect.NewSupervisor(s.connect, cfg.Policy, l, su)
	s.sup.OnRetry = cfg.OnRetry

	s.notif = s.reg.NewOwner("notifications")
	s.notif.Follow(subscription.TopicNotifications, s.handleNotification)

	s.unlisten = cfg.Manager.AddStateListener(s.onState)
	s.unwatch = cfg.Auth.Watch(s.onAuthChange)
	return s
}

func (s *Session) connect(ctx context.Context) (reconnect.Session, error) {
	sess, err := s.mgr.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Start loads the current user's feed and begins connecting in the
// background. Without an authenticated user it does nothing until login.
// Calling Start again after reconnecting was given up tries afresh.
func (s *Session) Start() {
	user := s.cfg.Auth.CurrentUser()
	s.cfg.Store.SwitchUser(s.ctx, user)
	if user == nil {
		s.log.Println("no authenticated user, waiting for login")
		return
	}
	s.startLoop()
}

func (s *Session) startLoop() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed || s.loopDone != nil {
		return
	}
	s.unavailable = nil

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	s.loopCancel = cancel
	s.loopDone = done

	go func() {
		defer close(done)
		err := s.sup.Run(ctx)
		cancel()

		// a caller woken by giveUp may Start again right away
		s.lock.Lock()
		if s.loopDone == done {
			s.loopDone = nil
			s.loopCancel = nil
		}
		s.lock.Unlock()

		switch {
		case errors.Is(err, reconnect.ErrGaveUp):
			s.giveUp(err)
		case err != nil && !errors.Is(err, context.Canceled):
			s.log.Println("reconnect loop stopped:", err)
		}
	}()
}

func (s *Session) stopLoop() {
	s.lock.Lock()
	cancel, done := s.loopCancel, s.loopDone
	s.loopCancel, s.loopDone = nil, nil
	s.lock.Unlock()

	if cancel != nil {
		cancel()
	}
	s.mgr.Disconnect()
	if done != nil {
		<-done
	}
	// a connect racing the cancellation may have completed
	s.mgr.Disconnect()
}

func (s *Session) giveUp(err error) {
	s.lock.Lock()
	s.unavailable = err
	s.lock.Unlock()

	s.log.Println("real-time updates unavailable")
	if s.cfg.OnUnavailable != nil {
		s.cfg.OnUnavailable(err)
	}
}

func (s *Session) onState(st transport.State) {
	if s.cfg.OnState != nil {
		s.cfg.OnState(st)
	}
}

// onAuthChange discards the previous user's feed before anything of the new
// user is loaded, and reconnects so the new credential is used.
func (s *Session) onAuthChange(user *types.User) {
	s.stopLoop()
	s.cfg.Store.SwitchUser(s.ctx, user)

	if user == nil {
		s.log.Println("logged out, real-time session closed")
		return
	}
	s.startLoop()
}

// Unavailable returns the terminal error once reconnecting was given up.
func (s *Session) Unavailable() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.unavailable
}

func (s *Session) State() transport.State {
	return s.mgr.State()
}

func (s *Session) IsConnected() bool {
	return s.mgr.IsConnected()
}

func (s *Session) handleNotification(ev subscription.Event) {
	if ev.ParseErr != nil {
		s.log.Printf("malformed notification: %q", ev.Body)
		s.stats.Incr(stats.NotificationsDropped)
		return
	}

	n, err := payload.DecodeNotification(ev.Body, ev.ReceivedAt)
	if err != nil {
		s.log.Printf("dropping notification: %v", err)
		s.stats.Incr(stats.NotificationsDropped)
		return
	}

	user := s.cfg.Auth.CurrentUser()
	if ok, reason := targeting.Decide(n, user); !ok {
		s.log.Printf("dropping notification %q (%s): %s", n.Id, n.Category, reason)
		s.stats.Incr(stats.NotificationsDropped)
		return
	}

	changed, err := s.cfg.Store.Append(s.ctx, user.Id, n)
	if err != nil {
		s.log.Println("failed to persist notification feed:", err)
	}
	if changed && s.cfg.OnNotification != nil {
		s.cfg.OnNotification(types.StoredNotification{NotificationEvent: n})
	}
}

// Notifications returns the current user's feed, newest first. It is empty
// until that user's feed has replaced the previous one.
func (s *Session) Notifications() []types.StoredNotification {
	user := s.cfg.Auth.CurrentUser()
	if user == nil {
		return nil
	}
	return s.cfg.Store.FeedFor(user.Id)
}

func (s *Session) UnreadCount() int {
	user := s.cfg.Auth.CurrentUser()
	if user == nil {
		return 0
	}
	return s.cfg.Store.UnreadCountFor(user.Id)
}

func (s *Session) MarkRead(ctx context.Context, id string) error {
	user := s.cfg.Auth.CurrentUser()
	if user == nil {
		return ErrNotAuthenticated
	}
	return s.cfg.Store.MarkRead(ctx, user.Id, id)
}

func (s *Session) MarkAllRead(ctx context.Context) error {
	user := s.cfg.Auth.CurrentUser()
	if user == nil {
		return ErrNotAuthenticated
	}
	return s.cfg.Store.MarkAllRead(ctx, user.Id)
}

func (s *Session) RemoveNotification(ctx context.Context, id string) error {
	user := s.cfg.Auth.CurrentUser()
	if user == nil {
		return ErrNotAuthenticated
	}
	return s.cfg.Store.Remove(ctx, user.Id, id)
}

func (s *Session) ClearNotifications(ctx context.Context) error {
	user := s.cfg.Auth.CurrentUser()
	if user == nil {
		return ErrNotAuthenticated
	}
	return s.cfg.Store.Clear(ctx, user.Id)
}

// Close unsubscribes everything, disconnects and stops reacting to auth
// changes. Durable notification records are kept.
func (s *Session) Close() {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return
	}
	s.closed = true
	s.lock.Unlock()

	s.unwatch()
	s.notif.Close()
	s.stopLoop()
	s.unlisten()
	s.cancel()
}
