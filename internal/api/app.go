// Package api serves a local HTTP control surface over a realtime session:
// log in with a session token, read and manage the notification feed, and
// read, post and delete conversation messages.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/gochat-realtime/internal/config"
	"github.com/npezzotti/gochat-realtime/internal/transport"
	"github.com/npezzotti/gochat-realtime/internal/types"
)

// Session is the part of *realtime.Session the API drives.
type Session interface {
	State() transport.State
	Unavailable() error
	Notifications() []types.StoredNotification
	UnreadCount() int
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) error
	RemoveNotification(ctx context.Context, id string) error
	ClearNotifications(ctx context.Context) error
}

// Authenticator is satisfied by *auth.TokenProvider.
type Authenticator interface {
	CurrentUser() *types.User
	SetToken(token string) error
	Logout()
}

// Conversation is satisfied by *realtime.Conversation.
type Conversation interface {
	Messages() []types.Message
	Send(content string) (types.Message, bool)
	Delete(id string) bool
	Close()
}

type ConversationOpener func(ctx context.Context, ct types.ContextType, id string) (Conversation, error)

type ControlApp struct {
	log  *log.Logger
	sess Session
	auth Authenticator
	open ConversationOpener
	srv  *http.Server

	lock  sync.Mutex
	convs map[string]Conversation
}

// NewControlApp registers the API routes on mux, which may already carry
// other handlers such as /debug/vars.
func NewControlApp(mux *http.ServeMux, logger *log.Logger, sess Session, a Authenticator, open ConversationOpener, cfg *config.Config) *ControlApp {
	s := &ControlApp{
		log:   logger,
		sess:  sess,
		auth:  a,
		open:  open,
		convs: make(map[string]Conversation),
	}

	mux.HandleFunc("GET /api/status", s.status)
	mux.HandleFunc("POST /api/session", s.login)
	mux.HandleFunc("GET /api/session", s.authMiddleware(s.session))
	mux.HandleFunc("DELETE /api/session", s.authMiddleware(s.logout))
	mux.HandleFunc("GET /api/notifications", s.authMiddleware(s.getNotifications))
	mux.HandleFunc("POST /api/notifications/read", s.authMiddleware(s.markRead))
	mux.HandleFunc("DELETE /api/notifications", s.authMiddleware(s.deleteNotifications))
	mux.HandleFunc("GET /api/messages", s.authMiddleware(s.getMessages))
	mux.HandleFunc("POST /api/messages", s.authMiddleware(s.sendMessage))
	mux.HandleFunc("DELETE /api/messages", s.authMiddleware(s.deleteMessage))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)
	h = handlers.LoggingHandler(logger.Writer(), h)

	s.srv = &http.Server{
		Addr:    cfg.DebugAddr,
		Handler: h,
	}
	return s
}

func (s *ControlApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *ControlApp) Start() error {
	s.log.Printf("starting control server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

// Shutdown stops the HTTP server and closes every open conversation.
func (s *ControlApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down control server...")
	err := s.srv.Shutdown(ctx)
	s.closeConversations()
	if err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func conversationKey(ct types.ContextType, id string) string {
	if !ct.Scoped() {
		return string(ct)
	}
	return string(ct) + "/" + id
}

// conversation returns the open conversation for ct and id, opening it on
// first use.
func (s *ControlApp) conversation(ctx context.Context, ct types.ContextType, id string) (Conversation, error) {
	key := conversationKey(ct, id)

	s.lock.Lock()
	defer s.lock.Unlock()

	if c, ok := s.convs[key]; ok {
		return c, nil
	}
	c, err := s.open(ctx, ct, id)
	if err != nil {
		return nil, err
	}
	s.convs[key] = c
	return c, nil
}

// Follow opens the conversation ahead of any request for it.
func (s *ControlApp) Follow(ctx context.Context, ct types.ContextType, id string) error {
	_, err := s.conversation(ctx, ct, id)
	return err
}

// closeConversations closes everything opened for the current user. It runs
// on logout and when a login switches users, so the next user starts from
// fresh history.
func (s *ControlApp) closeConversations() {
	s.lock.Lock()
	convs := s.convs
	s.convs = make(map[string]Conversation)
	s.lock.Unlock()

	for _, c := range convs {
		c.Close()
	}
}
