// Package targeting decides whether a notification event may be shown to a
// user. It is the only gate between the wire and any notification state.
package targeting

import "github.com/npezzotti/gochat-realtime/internal/types"

var globalCategories = map[types.Category]struct{}{
	types.CategoryEducationArticle: {},
	types.CategoryEducationVideo:   {},
	types.CategoryEducationCourse:  {},
	types.CategoryEducationPodcast: {},
	types.CategoryEducationEvent:   {},
}

var personalCategories = map[types.Category]struct{}{
	types.CategoryForum:      {},
	types.CategoryGroup:      {},
	types.CategoryThread:     {},
	types.CategoryPost:       {},
	types.CategoryReaction:   {},
	types.CategoryMention:    {},
	types.CategoryMonitoring: {},
	types.CategoryAlert:      {},
}

// IsGlobal reports whether every authenticated user sees events of c.
func IsGlobal(c types.Category) bool {
	_, ok := globalCategories[c]
	return ok
}

// IsPersonal reports whether c is a known addressed category. Unknown
// categories are neither global nor personal and are handled like personal
// ones by ShouldShow.
func IsPersonal(c types.Category) bool {
	_, ok := personalCategories[c]
	return ok
}

type Reason string

const (
	ReasonGlobal          Reason = "global category"
	ReasonTargeted        Reason = "addressed to user"
	ReasonUnauthenticated Reason = "no authenticated user"
	ReasonUntargeted      Reason = "personal event without target"
	ReasonOtherUser       Reason = "addressed to another user"
)

// Decide evaluates the rules in order and returns the first that matches.
func Decide(ev types.NotificationEvent, user *types.User) (bool, Reason) {
	switch {
	case user == nil:
		return false, ReasonUnauthenticated
	case IsGlobal(ev.Category):
		return true, ReasonGlobal
	case ev.TargetUserId != nil && *ev.TargetUserId == user.Id:
		return true, ReasonTargeted
	case ev.TargetUserId == nil:
		return false, ReasonUntargeted
	default:
		return false, ReasonOtherUser
	}
}

func ShouldShow(ev types.NotificationEvent, user *types.User) bool {
	ok, _ := Decide(ev, user)
	return ok
}
