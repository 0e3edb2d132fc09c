// Package store is the durable per-user notification feed. Every event goes
// through targeting before it is kept, and reloaded feeds are checked again.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"

	"github.com/npezzotti/gochat-realtime/internal/payload"
	"github.com/npezzotti/gochat-realtime/internal/stats"
	"github.com/npezzotti/gochat-realtime/internal/targeting"
	"github.com/npezzotti/gochat-realtime/internal/types"
)

func Key(userId int) string {
	return fmt.Sprintf("notifications_user_%d", userId)
}

// Store holds the feed of one user in memory and writes the whole feed back
// to the backend after every change. Operations for a different user
// discard the in-memory feed and load that user's feed first.
type Store struct {
	backend Backend
	log     *log.Logger
	stats   stats.StatsProvider

	lock   sync.Mutex
	loaded bool
	userId int
	feed   []types.StoredNotification
}

func New(b Backend, l *log.Logger, su stats.StatsProvider) *Store {
	su.RegisterMetric(stats.NotificationsDropped)
	su.RegisterMetric(stats.NotificationsStored)
	su.RegisterMetric(stats.UnreadNotifications)

	return &Store{backend: b, log: l, stats: su}
}

// Load makes userId's feed the in-memory feed and returns a copy of it.
// Missing, unreadable or corrupt records yield an empty feed.
func (s *Store) Load(ctx context.Context, userId int) []types.StoredNotification {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.switchTo(ctx, userId)
	return slices.Clone(s.feed)
}

// SwitchUser discards the in-memory feed and, for a non-nil user, loads
// theirs. Durable records are never touched.
func (s *Store) SwitchUser(ctx context.Context, user *types.User) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.discard()
	if user != nil {
		s.switchTo(ctx, user.Id)
	}
}

// Append stores ev for userId when targeting accepts it. It reports whether
// the feed changed; duplicates and rejected events return false.
func (s *Store) Append(ctx context.Context, userId int, ev types.NotificationEvent) (bool, error) {
	if ev.Id == "" {
		return false, payload.ErrMissingId
	}

	user := &types.User{Id: userId}
	if ok, reason := targeting.Decide(ev, user); !ok {
		s.log.Printf("dropping notification %q (%s) for user %d: %s", ev.Id, ev.Category, userId, reason)
		s.stats.Incr(stats.NotificationsDropped)
		return false, nil
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	s.switchTo(ctx, userId)
	if s.indexOf(ev.Id) >= 0 {
		return false, nil
	}

	s.feed = slices.Insert(s.feed, 0, types.StoredNotification{NotificationEvent: ev})
	s.stats.Incr(stats.NotificationsStored)
	return true, s.persist(ctx)
}

// MarkRead flags the notification id as read. Unknown ids are ignored.
func (s *Store) MarkRead(ctx context.Context, userId int, id string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.switchTo(ctx, userId)
	i := s.indexOf(id)
	if i < 0 || s.feed[i].Read {
		return nil
	}
	s.feed[i].Read = true
	return s.persist(ctx)
}

func (s *Store) MarkAllRead(ctx context.Context, userId int) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.switchTo(ctx, userId)
	for i := range s.feed {
		s.feed[i].Read = true
	}
	return s.persist(ctx)
}

func (s *Store) Remove(ctx context.Context, userId int, id string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.switchTo(ctx, userId)
	i := s.indexOf(id)
	if i < 0 {
		return nil
	}
	s.feed = slices.Delete(s.feed, i, i+1)
	return s.persist(ctx)
}

// Clear empties the feed of userId and deletes its durable record.
func (s *Store) Clear(ctx context.Context, userId int) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.switchTo(ctx, userId)
	s.feed = nil
	s.updateGauge()
	if err := s.backend.Delete(ctx, Key(userId)); err != nil {
		return fmt.Errorf("clear notifications: %w", err)
	}
	return nil
}

// Feed returns a copy of the in-memory feed, newest first.
func (s *Store) Feed() []types.StoredNotification {
	s.lock.Lock()
	defer s.lock.Unlock()
	return slices.Clone(s.feed)
}

func (s *Store) UnreadCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.unread()
}

// FeedFor returns Feed only while userId's feed is the one in memory.
func (s *Store) FeedFor(userId int) []types.StoredNotification {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.loaded || s.userId != userId {
		return nil
	}
	return slices.Clone(s.feed)
}

func (s *Store) UnreadCountFor(userId int) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.loaded || s.userId != userId {
		return 0
	}
	return s.unread()
}

// User returns the user whose feed is in memory.
func (s *Store) User() (int, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.userId, s.loaded
}

// switchTo must be called with lock held.
func (s *Store) switchTo(ctx context.Context, userId int) {
	if s.loaded && s.userId == userId {
		return
	}

	s.discard()
	s.feed = s.read(ctx, userId)
	s.userId = userId
	s.loaded = true
	s.updateGauge()
}

// discard must be called with lock held.
func (s *Store) discard() {
	s.feed = nil
	s.userId = 0
	s.loaded = false
	s.updateGauge()
}

func (s *Store) read(ctx context.Context, userId int) []types.StoredNotification {
	data, err := s.backend.Get(ctx, Key(userId))
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		s.log.Printf("load notifications for user %d: %v", userId, err)
		return nil
	}

	stored, err := payload.DecodeStoredNotifications(data)
	if err != nil {
		s.log.Printf("corrupt notifications for user %d, starting empty: %v", userId, err)
		return nil
	}

	user := &types.User{Id: userId}
	seen := make(map[string]struct{}, len(stored))
	feed := make([]types.StoredNotification, 0, len(stored))
	for _, n := range stored {
		if _, dup := seen[n.Id]; dup {
			continue
		}
		if ok, reason := targeting.Decide(n.NotificationEvent, user); !ok {
			s.log.Printf("discarding stored notification %q for user %d: %s", n.Id, userId, reason)
			continue
		}
		seen[n.Id] = struct{}{}
		feed = append(feed, n)
	}
	return feed
}

// persist must be called with lock held.
func (s *Store) persist(ctx context.Context) error {
	s.updateGauge()

	feed := s.feed
	if feed == nil {
		feed = []types.StoredNotification{}
	}
	data, err := json.Marshal(feed)
	if err != nil {
		return fmt.Errorf("encode notifications: %w", err)
	}
	if err := s.backend.Put(ctx, Key(s.userId), data); err != nil {
		return fmt.Errorf("save notifications: %w", err)
	}
	return nil
}

func (s *Store) indexOf(id string) int {
	return slices.IndexFunc(s.feed, func(n types.StoredNotification) bool {
		return n.Id == id
	})
}

func (s *Store) unread() int {
	n := 0
	for _, item := range s.feed {
		if !item.Read {
			n++
		}
	}
	return n
}

func (s *Store) updateGauge() {
	s.stats.Set(stats.UnreadNotifications, s.unread())
}
