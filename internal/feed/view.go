package feed

import (
	"slices"
	"sync"

	"github.com/npezzotti/gochat-realtime/internal/types"
)

// View is the locally ordered list of messages for one conversation.
// Live messages accumulate in arrival order; a bulk merge re-sorts the whole
// view by creation time, oldest first.
type View struct {
	mu    sync.RWMutex
	items []types.Message
	index map[string]struct{}
}

func NewView() *View {
	return &View{index: make(map[string]struct{})}
}

// Contains reports whether a message with id is already in the view.
func (v *View) Contains(id string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.index[id]
	return ok
}

// Add appends msg unless an entry with the same id exists. It returns false
// for duplicates, e.g. the broadcast of a message we already echoed locally.
func (v *View) Add(msg types.Message) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.add(msg)
}

func (v *View) add(msg types.Message) bool {
	if msg.Id == "" {
		return false
	}
	if _, ok := v.index[msg.Id]; ok {
		return false
	}
	v.index[msg.Id] = struct{}{}
	v.items = append(v.items, msg)
	return true
}

// Merge folds a batch, typically a history page, into the view and re-sorts.
// It returns how many messages were new.
func (v *View) Merge(batch []types.Message) int {
	v.mu.Lock()
	defer v.mu.Unlock()

	added := 0
	for _, msg := range batch {
		if v.add(msg) {
			added++
		}
	}
	if added > 0 {
		slices.SortStableFunc(v.items, func(a, b types.Message) int {
			return a.CreatedAt.Compare(b.CreatedAt)
		})
	}
	return added
}

// Remove drops the message with id and reports whether it was present.
func (v *View) Remove(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.index[id]; !ok {
		return false
	}
	delete(v.index, id)
	v.items = slices.DeleteFunc(v.items, func(m types.Message) bool {
		return m.Id == id
	})
	return true
}

// Apply handles one normalized inbound event and reports whether the view
// changed.
func (v *View) Apply(msg types.Message) bool {
	if msg.Kind == types.EventDelete {
		return v.Remove(msg.Id)
	}
	return v.Add(msg)
}

func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.items)
}

// Messages returns a copy of the ordered view.
func (v *View) Messages() []types.Message {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return slices.Clone(v.items)
}
