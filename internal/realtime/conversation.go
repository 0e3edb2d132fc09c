package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/npezzotti/gochat-realtime/internal/feed"
	"github.com/npezzotti/gochat-realtime/internal/history"
	"github.com/npezzotti/gochat-realtime/internal/payload"
	"github.com/npezzotti/gochat-realtime/internal/subscription"
	"github.com/npezzotti/gochat-realtime/internal/types"
)

const defaultHistoryLimit = 50

type ConversationOption func(*Conversation)

// WithOnChange is called with the whole ordered view after every change.
func WithOnChange(fn func([]types.Message)) ConversationOption {
	return func(c *Conversation) { c.onChange = fn }
}

// WithOnMalformed receives the raw body of payloads that are not valid JSON.
func WithOnMalformed(fn func([]byte)) ConversationOption {
	return func(c *Conversation) { c.onMalformed = fn }
}

func WithHistoryLimit(n int) ConversationOption {
	return func(c *Conversation) { c.historyLimit = n }
}

// Conversation is the live, de-duplicated message list of one forum, group,
// thread or post.
type Conversation struct {
	s           *Session
	contextType types.ContextType
	contextId   string
	topic       string
	destination string
	view        *feed.View
	owner       *subscription.Owner

	historyLimit int
	onChange     func([]types.Message)
	onMalformed  func([]byte)
}

// OpenConversation follows the conversation's topic, across reconnects,
// and seeds the view from history. A failed history fetch is logged and
// leaves the view to live events.
func (s *Session) OpenConversation(ctx context.Context, ct types.ContextType, id string, opts ...ConversationOption) (*Conversation, error) {
	topic, err := subscription.MessageTopic(ct, id)
	if err != nil {
		return nil, err
	}
	dest, err := subscription.SendDestination(ct, id)
	if err != nil {
		return nil, err
	}
	if !ct.Scoped() {
		id = ""
	}

	c := &Conversation{
		s:            s,
		contextType:  ct,
		contextId:    id,
		topic:        topic,
		destination:  dest,
		view:         feed.NewView(),
		historyLimit: defaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.owner = s.reg.NewOwner("conversation " + topic)
	if !c.owner.Follow(topic, c.handle) {
		s.log.Printf("%s: not connected, will subscribe once connected", topic)
	}

	if s.cfg.History != nil {
		msgs, err := s.cfg.History.Fetch(ctx, history.Query{
			ContextType: ct,
			ContextId:   id,
			Limit:       c.historyLimit,
		})
		if err != nil {
			s.log.Printf("%s: history unavailable: %v", topic, err)
		} else if c.view.Merge(msgs) > 0 {
			c.changed()
		}
	}

	return c, nil
}

func (c *Conversation) Topic() string {
	return c.topic
}

// Messages returns the ordered view.
func (c *Conversation) Messages() []types.Message {
	return c.view.Messages()
}

func (c *Conversation) handle(ev subscription.Event) {
	if ev.ParseErr != nil {
		if c.onMalformed != nil {
			c.onMalformed(ev.Body)
		}
		return
	}

	msg, err := payload.DecodeMessage(ev.Body, ev.ReceivedAt)
	if err != nil {
		c.s.log.Printf("%s: ignoring message: %v", c.topic, err)
		return
	}
	if c.view.Apply(msg) {
		c.changed()
	}
}

func (c *Conversation) changed() {
	if c.onChange != nil {
		c.onChange(c.view.Messages())
	}
}

// Send publishes content and echoes it into the view right away under a
// client generated id, so the broadcast that follows is recognized as a
// duplicate. It returns false, leaving the view untouched, when nobody is
// logged in or the connection is down.
func (c *Conversation) Send(content string) (types.Message, bool) {
	user := c.s.cfg.Auth.CurrentUser()
	if user == nil {
		c.s.log.Printf("%s: send: %v", c.topic, ErrNotAuthenticated)
		return types.Message{}, false
	}

	msg := types.Message{
		Id:          uuid.NewString(),
		Kind:        types.EventMessage,
		Content:     content,
		AuthorId:    user.Id,
		ContextType: c.contextType,
		ContextId:   c.contextId,
		CreatedAt:   types.Now(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		c.s.log.Printf("%s: encode message: %v", c.topic, err)
		return types.Message{}, false
	}
	if !c.s.mgr.Send(c.destination, body) {
		return types.Message{}, false
	}

	if c.view.Add(msg) {
		c.changed()
	}
	return msg, true
}

// Delete asks the server to delete message id. Only forum messages can be
// deleted; the message is removed from the view once the request is sent.
func (c *Conversation) Delete(id string) bool {
	if c.contextType != types.ContextForum {
		c.s.log.Printf("%s: delete is only supported in the forum", c.topic)
		return false
	}

	body, err := json.Marshal(map[string]string{
		"id":          id,
		"type":        string(types.EventDelete),
		"contextType": string(c.contextType),
	})
	if err != nil {
		return false
	}
	if !c.s.mgr.Send(subscription.DestinationForumDelete, body) {
		return false
	}

	if c.view.Remove(id) {
		c.changed()
	}
	return true
}

// Close stops delivery to this conversation. It is idempotent.
func (c *Conversation) Close() {
	c.owner.Close()
}

func (c *Conversation) String() string {
	return fmt.Sprintf("conversation(%s)", c.topic)
}
