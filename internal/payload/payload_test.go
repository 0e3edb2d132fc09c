package payload

import (
	"testing"
	"time"

	"github.com/npezzotti/gochat-realtime/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessage(t *testing.T) {
	fallback := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	tcases := []struct {
		name    string
		body    string
		want    types.Message
		wantErr error
	}{
		{
			name: "canonical fields",
			body: `{"id":"42","content":"hi","authorId":3,"contextType":"thread","contextId":"9","creationDate":"2024-05-01T10:00:00Z"}`,
			want: types.Message{
				Id: "42", Kind: types.EventMessage, Content: "hi", AuthorId: 3,
				ContextType: types.ContextThread, ContextId: "9",
				CreatedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
			},
		},
		{
			name: "legacy aliases and numeric id",
			body: `{"message_id":42,"content":"hi","author_id":"3","context_type":"GROUP","context_id":11,"creation_date":"2024-05-01T10:00:00"}`,
			want: types.Message{
				Id: "42", Kind: types.EventMessage, Content: "hi", AuthorId: 3,
				ContextType: types.ContextGroup, ContextId: "11",
				CreatedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
			},
		},
		{
			name: "primary id wins over alias",
			body: `{"id":"a","message_id":"b","contextType":"forum"}`,
			want: types.Message{Id: "a", Kind: types.EventMessage, ContextType: types.ContextForum, CreatedAt: fallback},
		},
		{
			name: "epoch millis and date array",
			body: `{"id":"1","createdAt":[2024,5,1,10,0,0]}`,
			want: types.Message{Id: "1", Kind: types.EventMessage, CreatedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		},
		{
			name: "delete event",
			body: `{"id":"7","type":"delete","contextType":"forum"}`,
			want: types.Message{Id: "7", Kind: types.EventDelete, ContextType: types.ContextForum, CreatedAt: fallback},
		},
		{
			name:    "missing id",
			body:    `{"content":"hi"}`,
			wantErr: ErrMissingId,
		},
		{
			name:    "not an object",
			body:    `[1,2]`,
			wantErr: ErrNotObject,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeMessage([]byte(tc.body), fallback)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecodeMessage_epochMillis(t *testing.T) {
	got, err := DecodeMessage([]byte(`{"id":"1","timestamp":1714557600000}`), time.Time{})
	require.NoError(t, err)
	assert.True(t, got.CreatedAt.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)), "got %v", got.CreatedAt)
}

func TestDecodeMessage_invalidJSON(t *testing.T) {
	_, err := DecodeMessage([]byte(`{not json`), time.Time{})
	assert.Error(t, err)
}

func TestDecodeNotification(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("targeted", func(t *testing.T) {
		ev, err := DecodeNotification([]byte(`{"id":"a1","targetUserId":7,"category":"thread","message":"x"}`), now)
		require.NoError(t, err)
		require.NotNil(t, ev.TargetUserId)
		assert.Equal(t, 7, *ev.TargetUserId)
		assert.Equal(t, types.CategoryThread, ev.Category)
		assert.Equal(t, "x", ev.Message)
		assert.Equal(t, now, ev.NotificationDate)
	})

	t.Run("string target alias", func(t *testing.T) {
		ev, err := DecodeNotification([]byte(`{"id":"a1","target_user_id":"9","category":"Post"}`), now)
		require.NoError(t, err)
		require.NotNil(t, ev.TargetUserId)
		assert.Equal(t, 9, *ev.TargetUserId)
		assert.Equal(t, types.CategoryPost, ev.Category)
	})

	t.Run("zero target is absent", func(t *testing.T) {
		ev, err := DecodeNotification([]byte(`{"id":"a1","targetUserId":0,"category":"group"}`), now)
		require.NoError(t, err)
		assert.Nil(t, ev.TargetUserId)
	})

	t.Run("null target is absent", func(t *testing.T) {
		ev, err := DecodeNotification([]byte(`{"id":"a1","targetUserId":null,"category":"group"}`), now)
		require.NoError(t, err)
		assert.Nil(t, ev.TargetUserId)
	})

	t.Run("missing id", func(t *testing.T) {
		_, err := DecodeNotification([]byte(`{"category":"group"}`), now)
		assert.ErrorIs(t, err, ErrMissingId)
	})

	t.Run("boolean target is rejected", func(t *testing.T) {
		for _, body := range []string{
			`{"id":"x","category":"thread","targetUserId":true}`,
			`{"id":"x","category":"thread","target_user_id":false}`,
		} {
			_, err := DecodeNotification([]byte(body), now)
			assert.ErrorContains(t, err, ErrUnexpectedBool.Error(), body)
		}
	})
}

func TestDecodeStoredNotifications(t *testing.T) {
	t.Run("skips malformed entries", func(t *testing.T) {
		body := `[{"id":"a","category":"thread","targetUserId":7,"read":true,"notificationDate":"2024-05-01T10:00:00Z"},
			"junk", {"category":"group"}, {"id":"c","category":"post","targetUserId":true},
			{"id":"b","category":"education_video","extra":1}]`
		feed, err := DecodeStoredNotifications([]byte(body))
		require.NoError(t, err)
		require.Len(t, feed, 2)
		assert.Equal(t, "a", feed[0].Id)
		assert.True(t, feed[0].Read)
		assert.Equal(t, "b", feed[1].Id)
		assert.False(t, feed[1].Read)
	})

	t.Run("not an array", func(t *testing.T) {
		_, err := DecodeStoredNotifications([]byte(`{"id":"a"}`))
		assert.Error(t, err)
	})
}

func TestDecodeMessages(t *testing.T) {
	fallback := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tcases := []struct {
		name    string
		body    string
		wantIds []string
		wantErr bool
	}{
		{name: "array", body: `[{"id":"1"},{"message_id":2}]`, wantIds: []string{"1", "2"}},
		{name: "messages envelope", body: `{"messages":[{"id":"3"}]}`, wantIds: []string{"3"}},
		{name: "content envelope", body: `{"content":[{"id":"4"}],"totalElements":1}`, wantIds: []string{"4"}},
		{name: "skips entries without id", body: `[{"content":"x"},"junk",{"id":"5"}]`, wantIds: []string{"5"}},
		{name: "empty", body: `[]`, wantIds: []string{}},
		{name: "null", body: `null`},
		{name: "object without array", body: `{"total":0}`, wantErr: true},
		{name: "scalar", body: `42`, wantErr: true},
		{name: "invalid", body: `[`, wantErr: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			msgs, err := DecodeMessages([]byte(tc.body), fallback)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)

			if tc.wantIds == nil {
				assert.Empty(t, msgs)
				return
			}
			ids := make([]string, 0, len(msgs))
			for _, m := range msgs {
				ids = append(ids, m.Id)
				assert.True(t, m.CreatedAt.Equal(fallback), "expected fallback creation time")
			}
			assert.Equal(t, tc.wantIds, ids)
		})
	}
}
