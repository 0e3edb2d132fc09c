package types

import (
	"slices"
	"time"
)

// User is the authenticated identity handed to us by the auth provider.
type User struct {
	Id       int      `json:"id"`
	Username string   `json:"username,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

func (u User) HasRole(role string) bool {
	return slices.Contains(u.Roles, role)
}

type ContextType string

const (
	ContextForum  ContextType = "forum"
	ContextGroup  ContextType = "group"
	ContextThread ContextType = "thread"
	ContextPost   ContextType = "post"
)

func (c ContextType) Valid() bool {
	switch c {
	case ContextForum, ContextGroup, ContextThread, ContextPost:
		return true
	}
	return false
}

// Scoped reports whether the context needs an id (everything except the
// single global forum).
func (c ContextType) Scoped() bool {
	return c.Valid() && c != ContextForum
}

type EventKind string

const (
	EventMessage EventKind = "message"
	EventDelete  EventKind = "delete"
)

// Message is conversation content. It is never mutated once created.
type Message struct {
	Id          string      `json:"id"`
	Kind        EventKind   `json:"type,omitempty"`
	Content     string      `json:"content"`
	AuthorId    int         `json:"authorId"`
	ContextType ContextType `json:"contextType"`
	ContextId   string      `json:"contextId,omitempty"`
	CreatedAt   time.Time   `json:"creationDate"`
}

type Category string

const (
	CategoryEducationArticle Category = "education_article"
	CategoryEducationVideo   Category = "education_video"
	CategoryEducationCourse  Category = "education_course"
	CategoryEducationPodcast Category = "education_podcast"
	CategoryEducationEvent   Category = "education_event"

	CategoryForum      Category = "forum"
	CategoryGroup      Category = "group"
	CategoryThread     Category = "thread"
	CategoryPost       Category = "post"
	CategoryReaction   Category = "reaction"
	CategoryMention    Category = "mention"
	CategoryMonitoring Category = "monitoring"
	CategoryAlert      Category = "monitoring_alert"
)

type NotificationEvent struct {
	Id               string    `json:"id"`
	TargetUserId     *int      `json:"targetUserId,omitempty"`
	Category         Category  `json:"category"`
	Message          string    `json:"message"`
	NotificationDate time.Time `json:"notificationDate"`
}

// StoredNotification is the durable per-user form of a NotificationEvent.
type StoredNotification struct {
	NotificationEvent
	Read bool `json:"read"`
}

// Now returns the current UTC time rounded to milliseconds, the resolution
// timestamps travel with on the wire.
func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
