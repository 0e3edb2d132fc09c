package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/npezzotti/gochat-realtime/internal/auth"
	"github.com/npezzotti/gochat-realtime/internal/realtime"
	"github.com/npezzotti/gochat-realtime/internal/reconnect"
	"github.com/npezzotti/gochat-realtime/internal/transport"
	"github.com/npezzotti/gochat-realtime/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testUser = &types.User{Id: 7, Username: "ada"}

func serve(app *ControlApp, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}

	rr := httptest.NewRecorder()
	app.Handler().ServeHTTP(rr, req)
	return rr
}

func TestStatus(t *testing.T) {
	t.Run("connected", func(t *testing.T) {
		app, sess, a, _ := newTestApp(t)
		sess.On("State").Return(transport.Connected)
		sess.On("Unavailable").Return(nil)
		a.On("CurrentUser").Return(testUser)

		rr := serve(app, http.MethodGet, "/api/status", "")

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"state":"connected","user":{"id":7,"username":"ada"}}`, rr.Body.String())
	})

	t.Run("gave up", func(t *testing.T) {
		app, sess, a, _ := newTestApp(t)
		sess.On("State").Return(transport.Failed)
		sess.On("Unavailable").Return(reconnect.ErrGaveUp)
		a.On("CurrentUser").Return(nil)

		rr := serve(app, http.MethodGet, "/api/status", "")

		var resp StatusResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "failed", resp.State)
		assert.Equal(t, reconnect.ErrGaveUp.Error(), resp.Unavailable)
		assert.Nil(t, resp.User)
	})
}

func TestLogin(t *testing.T) {
	tcases := []struct {
		name     string
		body     string
		setToken error
		wantCode int
	}{
		{name: "valid token", body: `{"token":"good"}`, wantCode: http.StatusOK},
		{name: "invalid token", body: `{"token":"bad"}`, setToken: auth.ErrInvalidToken, wantCode: http.StatusUnauthorized},
		{name: "missing token", body: `{}`, wantCode: http.StatusBadRequest},
		{name: "malformed body", body: `{`, wantCode: http.StatusBadRequest},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			app, _, a, _ := newTestApp(t)
			a.On("SetToken", mock.Anything).Return(tc.setToken)
			a.On("CurrentUser").Return(testUser)

			rr := serve(app, http.MethodPost, "/api/session", tc.body)

			assert.Equal(t, tc.wantCode, rr.Code)
			if tc.wantCode == http.StatusOK {
				assert.JSONEq(t, `{"id":7,"username":"ada"}`, rr.Body.String())
				a.AssertCalled(t, "SetToken", "good")
			}
		})
	}
}

func TestLogin_switchUser(t *testing.T) {
	other := &types.User{Id: 9, Username: "grace"}

	tcases := []struct {
		name      string
		next      *types.User
		wantClose bool
	}{
		{name: "different user closes conversations", next: other, wantClose: true},
		{name: "same user keeps conversations", next: testUser, wantClose: false},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			app, _, a, o := newTestApp(t)
			a.On("CurrentUser").Return(testUser).Once()
			a.On("SetToken", "next").Return(nil)
			a.On("CurrentUser").Return(tc.next)

			_, err := app.conversation(context.Background(), types.ContextGroup, "4")
			require.NoError(t, err)
			conv := o.conv(types.ContextGroup, "4")
			if tc.wantClose {
				conv.On("Close").Once()
			}

			rr := serve(app, http.MethodPost, "/api/session", `{"token":"next"}`)
			require.Equal(t, http.StatusOK, rr.Code)

			conv.AssertExpectations(t)
			if tc.wantClose {
				assert.Empty(t, app.convs)
			} else {
				conv.AssertNotCalled(t, "Close")
				assert.Len(t, app.convs, 1)
			}
		})
	}
}

func TestSessionEndpoints(t *testing.T) {
	app, _, a, o := newTestApp(t)
	a.On("CurrentUser").Return(testUser)
	a.On("Logout").Once()

	rr := serve(app, http.MethodGet, "/api/session", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"id":7,"username":"ada"}`, rr.Body.String())

	o.conv(types.ContextThread, "9").On("Messages").Return([]types.Message{})
	o.conv(types.ContextThread, "9").On("Close").Once()
	rr = serve(app, http.MethodGet, "/api/messages?contextType=thread&contextId=9", "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = serve(app, http.MethodDelete, "/api/session", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	a.AssertExpectations(t)
	o.conv(types.ContextThread, "9").AssertExpectations(t)
}

func TestNotifications(t *testing.T) {
	feed := []types.StoredNotification{
		{NotificationEvent: types.NotificationEvent{Id: "n2", Category: types.CategoryMention}},
		{NotificationEvent: types.NotificationEvent{Id: "n1", Category: types.CategoryEducationEvent}, Read: true},
	}

	t.Run("list", func(t *testing.T) {
		app, sess, a, _ := newTestApp(t)
		a.On("CurrentUser").Return(testUser)
		sess.On("Notifications").Return(feed)
		sess.On("UnreadCount").Return(1)

		rr := serve(app, http.MethodGet, "/api/notifications", "")
		require.Equal(t, http.StatusOK, rr.Code)

		var resp NotificationsResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Unread)
		require.Len(t, resp.Notifications, 2)
		assert.Equal(t, "n2", resp.Notifications[0].Id)
		assert.True(t, resp.Notifications[1].Read)
	})

	t.Run("empty feed", func(t *testing.T) {
		app, sess, a, _ := newTestApp(t)
		a.On("CurrentUser").Return(testUser)
		sess.On("Notifications").Return(nil)
		sess.On("UnreadCount").Return(0)

		rr := serve(app, http.MethodGet, "/api/notifications", "")
		assert.JSONEq(t, `{"unread":0,"notifications":[]}`, rr.Body.String())
	})

	t.Run("logged out", func(t *testing.T) {
		app, sess, a, _ := newTestApp(t)
		a.On("CurrentUser").Return(nil)

		rr := serve(app, http.MethodGet, "/api/notifications", "")
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		sess.AssertNotCalled(t, "Notifications")
	})
}

func TestNotificationActions(t *testing.T) {
	tcases := []struct {
		name     string
		method   string
		target   string
		body     string
		call     string
		args     []interface{}
		err      error
		wantCode int
	}{
		{
			name: "mark one read", method: http.MethodPost, target: "/api/notifications/read",
			body: `{"id":"n1"}`, call: "MarkRead", args: []interface{}{mock.Anything, "n1"},
			wantCode: http.StatusNoContent,
		},
		{
			name: "mark all read", method: http.MethodPost, target: "/api/notifications/read",
			body: `{}`, call: "MarkAllRead", args: []interface{}{mock.Anything},
			wantCode: http.StatusNoContent,
		},
		{
			name: "remove one", method: http.MethodDelete, target: "/api/notifications?id=n1",
			call: "RemoveNotification", args: []interface{}{mock.Anything, "n1"},
			wantCode: http.StatusNoContent,
		},
		{
			name: "clear", method: http.MethodDelete, target: "/api/notifications",
			call: "ClearNotifications", args: []interface{}{mock.Anything},
			wantCode: http.StatusNoContent,
		},
		{
			name: "session logged out underneath", method: http.MethodDelete, target: "/api/notifications",
			call: "ClearNotifications", args: []interface{}{mock.Anything}, err: realtime.ErrNotAuthenticated,
			wantCode: http.StatusUnauthorized,
		},
		{
			name: "storage failure", method: http.MethodPost, target: "/api/notifications/read",
			body: `{}`, call: "MarkAllRead", args: []interface{}{mock.Anything}, err: errors.New("disk full"),
			wantCode: http.StatusInternalServerError,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			app, sess, a, _ := newTestApp(t)
			a.On("CurrentUser").Return(testUser)
			sess.On(tc.call, tc.args...).Return(tc.err).Once()

			rr := serve(app, tc.method, tc.target, tc.body)

			assert.Equal(t, tc.wantCode, rr.Code)
			sess.AssertExpectations(t)
		})
	}
}

func TestGetMessages(t *testing.T) {
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	app, _, a, o := newTestApp(t)
	a.On("CurrentUser").Return(testUser)
	o.conv(types.ContextThread, "9").On("Messages").Return([]types.Message{
		{Id: "1", Kind: types.EventMessage, Content: "hi", AuthorId: 3, ContextType: types.ContextThread, ContextId: "9", CreatedAt: created},
	})

	rr := serve(app, http.MethodGet, "/api/messages?contextType=THREAD&contextId=9", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp MessagesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, types.ContextThread, resp.ContextType)
	assert.Equal(t, "9", resp.ContextId)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "hi", resp.Messages[0].Content)
	assert.True(t, created.Equal(resp.Messages[0].CreatedAt))

	serve(app, http.MethodGet, "/api/messages?contextType=thread&contextId=9", "")
	assert.Len(t, o.calls, 1, "expected the conversation to be opened once")

	rr = serve(app, http.MethodGet, "/api/messages?contextType=group", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = serve(app, http.MethodGet, "/api/messages?contextType=chat&contextId=1", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSendMessage(t *testing.T) {
	tcases := []struct {
		name     string
		body     string
		sent     bool
		wantCode int
	}{
		{name: "sent", body: `{"contextType":"group","contextId":"5","content":"hello"}`, sent: true, wantCode: http.StatusCreated},
		{name: "link down", body: `{"contextType":"group","contextId":"5","content":"hello"}`, sent: false, wantCode: http.StatusServiceUnavailable},
		{name: "blank content", body: `{"contextType":"group","contextId":"5","content":"  "}`, wantCode: http.StatusBadRequest},
		{name: "bad context", body: `{"contextType":"group","content":"hello"}`, wantCode: http.StatusBadRequest},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			app, _, a, o := newTestApp(t)
			a.On("CurrentUser").Return(testUser)
			o.conv(types.ContextGroup, "5").On("Send", "hello").
				Return(types.Message{Id: "m1", Content: "hello", AuthorId: 7}, tc.sent)

			rr := serve(app, http.MethodPost, "/api/messages", tc.body)

			assert.Equal(t, tc.wantCode, rr.Code)
			if tc.wantCode == http.StatusCreated {
				var msg types.Message
				require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &msg))
				assert.Equal(t, "m1", msg.Id)
			}
		})
	}
}

func TestDeleteMessage(t *testing.T) {
	tcases := []struct {
		name     string
		target   string
		deleted  bool
		wantCode int
	}{
		{name: "forum", target: "/api/messages?contextType=forum&id=f1", deleted: true, wantCode: http.StatusNoContent},
		{name: "forum link down", target: "/api/messages?contextType=forum&id=f1", deleted: false, wantCode: http.StatusServiceUnavailable},
		{name: "thread", target: "/api/messages?contextType=thread&contextId=9&id=t1", wantCode: http.StatusForbidden},
		{name: "missing id", target: "/api/messages?contextType=forum", wantCode: http.StatusBadRequest},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			app, _, a, o := newTestApp(t)
			a.On("CurrentUser").Return(testUser)
			o.conv(types.ContextForum, "").On("Delete", "f1").Return(tc.deleted)

			rr := serve(app, http.MethodDelete, tc.target, "")

			assert.Equal(t, tc.wantCode, rr.Code)
			if tc.wantCode == http.StatusForbidden {
				assert.Empty(t, o.calls, "expected no conversation to be opened")
			}
		})
	}
}
