package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/npezzotti/gochat-realtime/internal/types"
)

type LoginRequest struct {
	Token string `json:"token"`
}

type MarkReadRequest struct {
	// Id is the notification to mark; empty marks the whole feed.
	Id string `json:"id"`
}

type SendMessageRequest struct {
	ContextType types.ContextType `json:"contextType"`
	ContextId   string            `json:"contextId"`
	Content     string            `json:"content"`
}

type StatusResponse struct {
	State       string      `json:"state"`
	Unavailable string      `json:"unavailable,omitempty"`
	User        *types.User `json:"user,omitempty"`
}

type NotificationsResponse struct {
	Unread        int                        `json:"unread"`
	Notifications []types.StoredNotification `json:"notifications"`
}

type MessagesResponse struct {
	ContextType types.ContextType `json:"contextType"`
	ContextId   string            `json:"contextId,omitempty"`
	Messages    []types.Message   `json:"messages"`
}

func (s *ControlApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *ControlApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.StatusCode >= http.StatusInternalServerError && errResp.Err != nil {
		s.log.Println(errResp.Error())
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *ControlApp) status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		State: s.sess.State().String(),
		User:  s.auth.CurrentUser(),
	}
	if err := s.sess.Unavailable(); err != nil {
		resp.Unavailable = err.Error()
	}
	s.writeJson(w, http.StatusOK, resp)
}

func (s *ControlApp) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	prev := s.auth.CurrentUser()
	if err := s.auth.SetToken(req.Token); err != nil {
		s.log.Printf("login: %v", err)
		s.writeError(w, errorFor(err))
		return
	}

	user := s.auth.CurrentUser()
	if prev != nil && (user == nil || user.Id != prev.Id) {
		s.closeConversations()
	}
	s.writeJson(w, http.StatusOK, user)
}

func (s *ControlApp) session(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	s.writeJson(w, http.StatusOK, user)
}

func (s *ControlApp) logout(w http.ResponseWriter, r *http.Request) {
	s.closeConversations()
	s.auth.Logout()
	w.WriteHeader(http.StatusNoContent)
}

func (s *ControlApp) getNotifications(w http.ResponseWriter, r *http.Request) {
	feed := s.sess.Notifications()
	if feed == nil {
		feed = []types.StoredNotification{}
	}
	s.writeJson(w, http.StatusOK, NotificationsResponse{
		Unread:        s.sess.UnreadCount(),
		Notifications: feed,
	})
}

func (s *ControlApp) markRead(w http.ResponseWriter, r *http.Request) {
	var req MarkReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	var err error
	if req.Id == "" {
		err = s.sess.MarkAllRead(r.Context())
	} else {
		err = s.sess.MarkRead(r.Context(), req.Id)
	}
	if err != nil {
		s.writeError(w, errorFor(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// deleteNotifications removes one notification by ?id= or clears the feed.
func (s *ControlApp) deleteNotifications(w http.ResponseWriter, r *http.Request) {
	var err error
	if id := r.URL.Query().Get("id"); id != "" {
		err = s.sess.RemoveNotification(r.Context(), id)
	} else {
		err = s.sess.ClearNotifications(r.Context())
	}
	if err != nil {
		s.writeError(w, errorFor(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func contextFromQuery(r *http.Request) (types.ContextType, string) {
	q := r.URL.Query()
	return types.ContextType(strings.ToLower(q.Get("contextType"))), q.Get("contextId")
}

func (s *ControlApp) getMessages(w http.ResponseWriter, r *http.Request) {
	ct, id := contextFromQuery(r)
	c, err := s.conversation(r.Context(), ct, id)
	if err != nil {
		s.writeError(w, errorFor(err))
		return
	}

	if !ct.Scoped() {
		id = ""
	}
	s.writeJson(w, http.StatusOK, MessagesResponse{
		ContextType: ct,
		ContextId:   id,
		Messages:    c.Messages(),
	})
}

func (s *ControlApp) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	c, err := s.conversation(r.Context(), types.ContextType(strings.ToLower(string(req.ContextType))), req.ContextId)
	if err != nil {
		s.writeError(w, errorFor(err))
		return
	}

	msg, ok := c.Send(req.Content)
	if !ok {
		s.writeError(w, NewServiceUnavailableError())
		return
	}

	s.writeJson(w, http.StatusCreated, msg)
}

// deleteMessage deletes ?id= from the forum, the only context that
// supports deletion.
func (s *ControlApp) deleteMessage(w http.ResponseWriter, r *http.Request) {
	ct, id := contextFromQuery(r)
	msgId := r.URL.Query().Get("id")
	if msgId == "" {
		s.writeError(w, NewBadRequestError())
		return
	}
	if ct != types.ContextForum {
		s.writeError(w, NewForbiddenError())
		return
	}

	c, err := s.conversation(r.Context(), ct, id)
	if err != nil {
		s.writeError(w, errorFor(err))
		return
	}

	if !c.Delete(msgId) {
		s.writeError(w, NewServiceUnavailableError())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
