package subscription

import (
	"errors"
	"fmt"
	"strings"

	"github.com/npezzotti/gochat-realtime/internal/types"
)

const (
	TopicNotifications     = "/topic/notifications"
	DestinationForumDelete = "/app/message/forum/delete"

	topicPrefix = "/topic/message/"
	appPrefix   = "/app/message/"
)

var ErrInvalidContext = errors.New("invalid conversation context")

// MessageTopic returns the inbound topic for a conversation, e.g.
// /topic/message/thread/42. The forum is global and takes no id.
func MessageTopic(ct types.ContextType, id string) (string, error) {
	return contextPath(topicPrefix, ct, id)
}

// SendDestination returns the outbound destination for a conversation.
func SendDestination(ct types.ContextType, id string) (string, error) {
	return contextPath(appPrefix, ct, id)
}

func contextPath(prefix string, ct types.ContextType, id string) (string, error) {
	if !ct.Valid() {
		return "", fmt.Errorf("%w: unknown context type %q", ErrInvalidContext, ct)
	}
	if !ct.Scoped() {
		return prefix + string(ct), nil
	}

	if id == "" || strings.ContainsAny(id, "/ \t\r\n") {
		return "", fmt.Errorf("%w: bad %s id %q", ErrInvalidContext, ct, id)
	}
	return prefix + string(ct) + "/" + id, nil
}
