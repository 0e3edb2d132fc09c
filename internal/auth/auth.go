// Package auth exposes the authenticated user to the real-time subsystem.
// Login itself happens elsewhere; this package only holds the session token,
// verifies it and reports identity changes.
package auth

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/gochat-realtime/internal/types"
)

const (
	TokenCookieKey = "token"

	userIdClaim   = "user-id"
	usernameClaim = "username"
	rolesClaim    = "roles"
	expClaim      = "exp"
)

var ErrInvalidToken = errors.New("invalid token")

// Provider reports who is logged in. Watch listeners are called after every
// identity change, including logout, with the new user or nil.
type Provider interface {
	CurrentUser() *types.User
	IsAuthenticated() bool
	Watch(fn func(*types.User)) func()
	// Header returns the ambient credential to attach to outgoing requests.
	Header() http.Header
}

type TokenProvider struct {
	secret []byte
	log    *log.Logger

	lock      sync.RWMutex
	token     string
	user      *types.User
	listeners map[uint64]func(*types.User)
	nextId    uint64
}

func NewTokenProvider(secret []byte, l *log.Logger) *TokenProvider {
	return &TokenProvider{
		secret:    secret,
		log:       l,
		listeners: make(map[uint64]func(*types.User)),
	}
}

// SetToken verifies token and makes its subject the current user.
func (p *TokenProvider) SetToken(token string) error {
	user, err := p.verify(token)
	if err != nil {
		return err
	}

	p.lock.Lock()
	prev := p.user
	p.token = token
	p.user = user
	p.lock.Unlock()

	if prev == nil || prev.Id != user.Id {
		p.log.Printf("authenticated as user %d", user.Id)
		p.notify(user)
	}
	return nil
}

// Logout forgets the token. It is a no-op when nobody is logged in.
func (p *TokenProvider) Logout() {
	p.lock.Lock()
	prev := p.user
	p.token = ""
	p.user = nil
	p.lock.Unlock()

	if prev != nil {
		p.log.Printf("user %d logged out", prev.Id)
		p.notify(nil)
	}
}

func (p *TokenProvider) CurrentUser() *types.User {
	p.lock.RLock()
	defer p.lock.RUnlock()

	if p.user == nil {
		return nil
	}
	u := *p.user
	return &u
}

func (p *TokenProvider) IsAuthenticated() bool {
	return p.CurrentUser() != nil
}

func (p *TokenProvider) Watch(fn func(*types.User)) func() {
	p.lock.Lock()
	id := p.nextId
	p.nextId++
	p.listeners[id] = fn
	p.lock.Unlock()

	return func() {
		p.lock.Lock()
		delete(p.listeners, id)
		p.lock.Unlock()
	}
}

// Header carries the token as the same cookie the web client sends.
func (p *TokenProvider) Header() http.Header {
	p.lock.RLock()
	token := p.token
	p.lock.RUnlock()

	h := http.Header{}
	if token != "" {
		h.Set("Cookie", (&http.Cookie{Name: TokenCookieKey, Value: token}).String())
	}
	return h
}

func (p *TokenProvider) notify(user *types.User) {
	p.lock.RLock()
	fns := make([]func(*types.User), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.lock.RUnlock()

	for _, fn := range fns {
		var u *types.User
		if user != nil {
			cp := *user
			u = &cp
		}
		fn(u)
	}
}

func (p *TokenProvider) verify(tokenString string) (*types.User, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid token claims", ErrInvalidToken)
	}

	userId, ok := claims[userIdClaim].(float64)
	if !ok || userId <= 0 {
		return nil, fmt.Errorf("%w: invalid user id claim", ErrInvalidToken)
	}

	user := &types.User{Id: int(userId)}
	if name, ok := claims[usernameClaim].(string); ok {
		user.Username = name
	}
	if roles, ok := claims[rolesClaim].([]interface{}); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok {
				user.Roles = append(user.Roles, s)
			}
		}
	}
	return user, nil
}

// CreateToken signs a session token for user, valid for exp.
func CreateToken(secret []byte, user types.User, exp time.Duration) (string, error) {
	claims := jwt.MapClaims{
		userIdClaim: user.Id,
		expClaim:    time.Now().Add(exp).Unix(),
	}
	if user.Username != "" {
		claims[usernameClaim] = user.Username
	}
	if len(user.Roles) > 0 {
		claims[rolesClaim] = user.Roles
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
