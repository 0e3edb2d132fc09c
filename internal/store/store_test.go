package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/npezzotti/gochat-realtime/internal/stats"
	"github.com/npezzotti/gochat-realtime/internal/testutil"
	"github.com/npezzotti/gochat-realtime/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func intPtr(i int) *int { return &i }

func event(id string, target *int, category types.Category) types.NotificationEvent {
	return types.NotificationEvent{
		Id:               id,
		TargetUserId:     target,
		Category:         category,
		Message:          "x",
		NotificationDate: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newTestStore(t *testing.T, b Backend) *Store {
	return New(b, testutil.TestLogger(t), stats.NewPermissiveMock())
}

func TestKey(t *testing.T) {
	assert.Equal(t, "notifications_user_7", Key(7))
}

func TestStore_persistenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()

	s := newTestStore(t, backend)
	changed, err := s.Append(ctx, 7, event("e1", intPtr(7), types.CategoryThread))
	require.NoError(t, err)
	require.True(t, changed)

	reloaded := newTestStore(t, backend).Load(ctx, 7)
	require.Len(t, reloaded, 1)
	assert.Equal(t, "e1", reloaded[0].Id)
	assert.False(t, reloaded[0].Read)
	assert.Equal(t, types.CategoryThread, reloaded[0].Category)
	require.NotNil(t, reloaded[0].TargetUserId)
	assert.Equal(t, 7, *reloaded[0].TargetUserId)
	assert.True(t, reloaded[0].NotificationDate.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)))
}

func TestStore_duplicateDelivery(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, NewMemoryBackend())

	a1 := event("a1", intPtr(7), types.CategoryThread)

	changed, err := s.Append(ctx, 7, a1)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 1, s.UnreadCount())

	changed, err = s.Append(ctx, 7, a1)
	require.NoError(t, err)
	assert.False(t, changed, "expected a duplicate delivery to be ignored")

	feed := s.Feed()
	require.Len(t, feed, 1)
	assert.Equal(t, "a1", feed[0].Id)
	assert.Equal(t, 1, s.UnreadCount())
}

func TestStore_rejectsOtherUser(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	s := newTestStore(t, backend)

	_, err := s.Append(ctx, 7, event("a1", intPtr(7), types.CategoryThread))
	require.NoError(t, err)

	changed, err := s.Append(ctx, 7, event("a2", intPtr(9), types.CategoryPost))
	require.NoError(t, err)
	assert.False(t, changed, "expected an event for another user to be rejected")

	feed := s.Feed()
	require.Len(t, feed, 1)
	assert.Equal(t, "a1", feed[0].Id)

	data, err := backend.Get(ctx, Key(7))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "a2")
}

func TestStore_Append_targeting(t *testing.T) {
	tcases := []struct {
		name    string
		ev      types.NotificationEvent
		changed bool
	}{
		{name: "global without target", ev: event("g1", nil, types.CategoryEducationArticle), changed: true},
		{name: "global for another user", ev: event("g2", intPtr(9), types.CategoryEducationVideo), changed: true},
		{name: "personal without target", ev: event("p1", nil, types.CategoryGroup)},
		{name: "unknown category without target", ev: event("p2", nil, "badge")},
		{name: "targeted", ev: event("p3", intPtr(7), types.CategoryMention), changed: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestStore(t, NewMemoryBackend())
			changed, err := s.Append(context.Background(), 7, tc.ev)
			require.NoError(t, err)
			assert.Equal(t, tc.changed, changed)
			assert.Equal(t, tc.changed, len(s.Feed()) == 1)
		})
	}
}

func TestStore_Append_missingId(t *testing.T) {
	s := newTestStore(t, NewMemoryBackend())
	changed, err := s.Append(context.Background(), 7, event("", intPtr(7), types.CategoryThread))
	assert.Error(t, err)
	assert.False(t, changed)
}

func TestStore_newestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, NewMemoryBackend())

	for _, id := range []string{"n1", "n2", "n3"} {
		_, err := s.Append(ctx, 7, event(id, intPtr(7), types.CategoryPost))
		require.NoError(t, err)
	}

	var ids []string
	for _, n := range s.Feed() {
		ids = append(ids, n.Id)
	}
	assert.Equal(t, []string{"n3", "n2", "n1"}, ids)
}

func TestStore_unreadAccounting(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	s := newTestStore(t, backend)

	const n = 5
	for i := 0; i < n; i++ {
		_, err := s.Append(ctx, 7, event(string(rune('a'+i)), intPtr(7), types.CategoryReaction))
		require.NoError(t, err)
	}
	assert.Equal(t, n, s.UnreadCount())

	require.NoError(t, s.MarkRead(ctx, 7, "b"))
	require.NoError(t, s.MarkRead(ctx, 7, "b"))
	require.NoError(t, s.MarkRead(ctx, 7, "unknown"))
	assert.Equal(t, n-1, s.UnreadCount())

	require.NoError(t, s.MarkAllRead(ctx, 7))
	assert.Zero(t, s.UnreadCount())

	reloaded := newTestStore(t, backend).Load(ctx, 7)
	require.Len(t, reloaded, n)
	for _, item := range reloaded {
		assert.True(t, item.Read, "expected %s to be persisted as read", item.Id)
	}
}

func TestStore_RemoveAndClear(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	s := newTestStore(t, backend)

	for _, id := range []string{"r1", "r2"} {
		_, err := s.Append(ctx, 7, event(id, intPtr(7), types.CategoryForum))
		require.NoError(t, err)
	}

	require.NoError(t, s.Remove(ctx, 7, "r1"))
	require.NoError(t, s.Remove(ctx, 7, "r1"))
	feed := s.Feed()
	require.Len(t, feed, 1)
	assert.Equal(t, "r2", feed[0].Id)
	assert.Len(t, newTestStore(t, backend).Load(ctx, 7), 1)

	require.NoError(t, s.Clear(ctx, 7))
	assert.Empty(t, s.Feed())
	assert.Zero(t, s.UnreadCount())

	_, err := backend.Get(ctx, Key(7))
	assert.ErrorIs(t, err, ErrNotFound, "expected clear to delete the durable record")
}

func TestStore_Load_corrupt(t *testing.T) {
	tcases := []struct {
		name string
		data string
		want []string
	}{
		{name: "not json", data: "{{{"},
		{name: "object", data: `{"id":"a1"}`},
		{name: "null", data: "null"},
		{
			name: "skips bad entries",
			data: `[{"id":"ok","targetUserId":7,"category":"thread"}, 42, {"category":"thread"}]`,
			want: []string{"ok"},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			backend := NewMemoryBackend()
			require.NoError(t, backend.Put(context.Background(), Key(7), []byte(tc.data)))

			feed := newTestStore(t, backend).Load(context.Background(), 7)
			var ids []string
			for _, n := range feed {
				ids = append(ids, n.Id)
			}
			assert.Equal(t, tc.want, ids)
		})
	}
}

func TestStore_Load_revalidates(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()

	tampered := []map[string]any{
		{"id": "mine", "targetUserId": 7, "category": "post", "read": true},
		{"id": "mine", "targetUserId": 7, "category": "post"},
		{"id": "theirs", "targetUserId": 9, "category": "post"},
		{"id": "untargeted", "category": "monitoring_alert"},
		{"id": "course", "category": "education_course"},
	}
	data, err := json.Marshal(tampered)
	require.NoError(t, err)
	require.NoError(t, backend.Put(ctx, Key(7), data))

	feed := newTestStore(t, backend).Load(ctx, 7)

	var ids []string
	for _, n := range feed {
		ids = append(ids, n.Id)
	}
	assert.Equal(t, []string{"mine", "course"}, ids)
	assert.True(t, feed[0].Read, "expected the first copy of a duplicate to win")
}

func TestStore_SwitchUser(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	s := newTestStore(t, backend)

	_, err := s.Append(ctx, 7, event("seven", intPtr(7), types.CategoryThread))
	require.NoError(t, err)
	_, err = s.Append(ctx, 9, event("nine", intPtr(9), types.CategoryThread))
	require.NoError(t, err)

	feed := s.Feed()
	require.Len(t, feed, 1, "expected the previous user's feed to be discarded")
	assert.Equal(t, "nine", feed[0].Id)

	s.SwitchUser(ctx, &types.User{Id: 7})
	feed = s.Feed()
	require.Len(t, feed, 1)
	assert.Equal(t, "seven", feed[0].Id)
	uid, ok := s.User()
	assert.True(t, ok)
	assert.Equal(t, 7, uid)

	s.SwitchUser(ctx, nil)
	assert.Empty(t, s.Feed())
	_, ok = s.User()
	assert.False(t, ok)

	// durable records survive logout
	assert.Len(t, newTestStore(t, backend).Load(ctx, 7), 1)
	assert.Len(t, newTestStore(t, backend).Load(ctx, 9), 1)
}

func TestStore_FeedFor(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, NewMemoryBackend())

	assert.Nil(t, s.FeedFor(7), "expected nothing before any feed is loaded")
	assert.Zero(t, s.UnreadCountFor(7))

	_, err := s.Append(ctx, 7, event("seven", intPtr(7), types.CategoryThread))
	require.NoError(t, err)

	assert.Len(t, s.FeedFor(7), 1)
	assert.Equal(t, 1, s.UnreadCountFor(7))
	assert.Nil(t, s.FeedFor(9), "expected another user's feed to stay hidden")
	assert.Zero(t, s.UnreadCountFor(9))
}

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Get(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}
func (m *mockBackend) Put(ctx context.Context, key string, value []byte) error {
	args := m.Called(ctx, key, value)
	return args.Error(0)
}
func (m *mockBackend) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}
func (m *mockBackend) Close() error {
	args := m.Called()
	return args.Error(0)
}

func TestStore_backendErrors(t *testing.T) {
	ctx := context.Background()
	backend := new(mockBackend)
	backend.On("Get", ctx, Key(7)).Return(nil, errors.New("disk on fire"))
	backend.On("Put", ctx, Key(7), mock.Anything).Return(errors.New("disk full"))

	s := newTestStore(t, backend)

	assert.Empty(t, s.Load(ctx, 7), "expected a read failure to load an empty feed")

	changed, err := s.Append(ctx, 7, event("a1", intPtr(7), types.CategoryThread))
	assert.True(t, changed)
	assert.ErrorContains(t, err, "disk full")
	assert.Len(t, s.Feed(), 1, "expected the in-memory feed to keep the event")

	backend.AssertExpectations(t)
}

func TestStore_stats(t *testing.T) {
	ctx := context.Background()
	su := new(stats.MockStatsUpdater)
	su.On("RegisterMetric", mock.Anything).Return()
	su.On("Set", stats.UnreadNotifications, mock.Anything).Return()
	su.On("Incr", stats.NotificationsStored).Return().Once()
	su.On("Incr", stats.NotificationsDropped).Return().Once()

	s := New(NewMemoryBackend(), testutil.TestLogger(t), su)

	_, err := s.Append(ctx, 7, event("a1", intPtr(7), types.CategoryThread))
	require.NoError(t, err)
	_, err = s.Append(ctx, 7, event("a2", intPtr(9), types.CategoryThread))
	require.NoError(t, err)

	su.AssertExpectations(t)
	su.AssertCalled(t, "Set", stats.UnreadNotifications, 1)
}
