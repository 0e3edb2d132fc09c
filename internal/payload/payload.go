// Package payload maps inbound JSON bodies, with all the field-name variants
// peers have historically sent, onto the canonical structs in types. Nothing
// past this package looks at aliases.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/npezzotti/gochat-realtime/internal/types"
)

var (
	ErrNotObject = errors.New("payload is not a json object")
	ErrMissingId = errors.New("payload has no id")

	ErrUnexpectedBool = errors.New("boolean where a number or string belongs")
)

type wireMessage struct {
	Id        string `mapstructure:"id"`
	MessageId string `mapstructure:"message_id"`
	Type      string `mapstructure:"type"`
	Action    string `mapstructure:"action"`
	Content   string `mapstructure:"content"`

	AuthorId    int `mapstructure:"authorId"`
	AuthorIdAlt int `mapstructure:"author_id"`

	ContextType    string `mapstructure:"contextType"`
	ContextTypeAlt string `mapstructure:"context_type"`
	ContextId      string `mapstructure:"contextId"`
	ContextIdAlt   string `mapstructure:"context_id"`

	CreationDate    any `mapstructure:"creationDate"`
	CreationDateAlt any `mapstructure:"creation_date"`
	CreatedAt       any `mapstructure:"createdAt"`
	CreatedAtAlt    any `mapstructure:"created_at"`
	Timestamp       any `mapstructure:"timestamp"`
}

type wireNotification struct {
	Id             string `mapstructure:"id"`
	NotificationId string `mapstructure:"notification_id"`

	TargetUserId    *int `mapstructure:"targetUserId"`
	TargetUserIdAlt *int `mapstructure:"target_user_id"`

	Category string `mapstructure:"category"`
	Message  string `mapstructure:"message"`

	NotificationDate    any  `mapstructure:"notificationDate"`
	NotificationDateAlt any  `mapstructure:"notification_date"`
	CreatedAt           any  `mapstructure:"createdAt"`
	Read                bool `mapstructure:"read"`
}

// Object parses body into a generic JSON object.
func Object(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return obj, nil
}

// rejectBool keeps weak decoding from reading true as 1 or "1".
func rejectBool(from, to reflect.Kind, data any) (any, error) {
	if from != reflect.Bool {
		return data, nil
	}
	switch to {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.String:
		return nil, fmt.Errorf("%w: %v into %s", ErrUnexpectedBool, data, to)
	}
	return data, nil
}

func decode(obj map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.DecodeHookFuncKind(rejectBool),
	})
	if err != nil {
		return err
	}
	return dec.Decode(obj)
}

// DecodeMessage normalizes a conversation message. fallback is used as the
// creation time when the payload carries none.
func DecodeMessage(body []byte, fallback time.Time) (types.Message, error) {
	obj, err := Object(body)
	if err != nil {
		return types.Message{}, err
	}
	return messageFromObject(obj, fallback)
}

// DecodeMessages normalizes a history page: either a bare array or an object
// wrapping the array in "messages" or "content". Entries without an id are
// skipped.
func DecodeMessages(body []byte, fallback time.Time) ([]types.Message, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}

	var items []any
	switch t := v.(type) {
	case []any:
		items = t
	case map[string]any:
		for _, field := range []string{"messages", "content"} {
			if arr, ok := t[field].([]any); ok {
				items = arr
				break
			}
		}
		if items == nil {
			return nil, fmt.Errorf("decode messages: no message array in object")
		}
	case nil:
		return nil, nil
	default:
		return nil, ErrNotObject
	}

	msgs := make([]types.Message, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		msg, err := messageFromObject(obj, fallback)
		if err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func messageFromObject(obj map[string]any, fallback time.Time) (types.Message, error) {
	var w wireMessage
	if err := decode(obj, &w); err != nil {
		return types.Message{}, fmt.Errorf("decode message: %w", err)
	}

	msg := types.Message{
		Id:          first(w.Id, w.MessageId),
		Kind:        types.EventMessage,
		Content:     w.Content,
		AuthorId:    w.AuthorId,
		ContextType: types.ContextType(strings.ToLower(first(w.ContextType, w.ContextTypeAlt))),
		ContextId:   first(w.ContextId, w.ContextIdAlt),
		CreatedAt:   firstTime(fallback, w.CreationDate, w.CreationDateAlt, w.CreatedAt, w.CreatedAtAlt, w.Timestamp),
	}
	if msg.AuthorId == 0 {
		msg.AuthorId = w.AuthorIdAlt
	}
	if strings.EqualFold(w.Type, string(types.EventDelete)) || strings.EqualFold(w.Action, string(types.EventDelete)) {
		msg.Kind = types.EventDelete
	}
	if msg.Id == "" {
		return msg, ErrMissingId
	}

	return msg, nil
}

// DecodeNotification normalizes a notification event. A non-positive target
// user id is treated as absent.
func DecodeNotification(body []byte, fallback time.Time) (types.NotificationEvent, error) {
	obj, err := Object(body)
	if err != nil {
		return types.NotificationEvent{}, err
	}
	return notificationFromObject(obj, fallback)
}

// DecodeStoredNotifications reads a persisted feed. Entries that cannot be
// decoded are skipped; a body that is not an array yields an error.
func DecodeStoredNotifications(body []byte) ([]types.StoredNotification, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var items []any
	if err := dec.Decode(&items); err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}

	feed := make([]types.StoredNotification, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}

		var w wireNotification
		if err := decode(obj, &w); err != nil {
			continue
		}
		ev, err := notificationFromWire(w, time.Time{})
		if err != nil {
			continue
		}
		feed = append(feed, types.StoredNotification{NotificationEvent: ev, Read: w.Read})
	}

	return feed, nil
}

func notificationFromObject(obj map[string]any, fallback time.Time) (types.NotificationEvent, error) {
	var w wireNotification
	if err := decode(obj, &w); err != nil {
		return types.NotificationEvent{}, fmt.Errorf("decode notification: %w", err)
	}
	return notificationFromWire(w, fallback)
}

func notificationFromWire(w wireNotification, fallback time.Time) (types.NotificationEvent, error) {
	ev := types.NotificationEvent{
		Id:               first(w.Id, w.NotificationId),
		Category:         types.Category(strings.ToLower(w.Category)),
		Message:          w.Message,
		NotificationDate: firstTime(fallback, w.NotificationDate, w.NotificationDateAlt, w.CreatedAt),
	}

	target := w.TargetUserId
	if target == nil {
		target = w.TargetUserIdAlt
	}
	if target != nil && *target > 0 {
		id := *target
		ev.TargetUserId = &id
	}

	if ev.Id == "" {
		return ev, ErrMissingId
	}
	return ev, nil
}

func first(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstTime(fallback time.Time, vals ...any) time.Time {
	for _, v := range vals {
		if t, ok := parseTime(v); ok {
			return t
		}
	}
	return fallback
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTime accepts RFC 3339 strings, zone-less local date-times, epoch
// milliseconds and [y, m, d, h, min, s, nanos] arrays.
func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, false
	case string:
		if t == "" {
			return time.Time{}, false
		}
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UTC(), true
			}
		}
		if ms, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), true
		}
	case json.Number:
		if ms, err := t.Int64(); err == nil {
			return time.UnixMilli(ms).UTC(), true
		}
	case float64:
		return time.UnixMilli(int64(t)).UTC(), true
	case []any:
		parts := make([]int, 7)
		if len(t) < 3 {
			return time.Time{}, false
		}
		for i := 0; i < len(t) && i < len(parts); i++ {
			n, ok := t[i].(json.Number)
			if !ok {
				return time.Time{}, false
			}
			v, err := n.Int64()
			if err != nil {
				return time.Time{}, false
			}
			parts[i] = int(v)
		}
		return time.Date(parts[0], time.Month(parts[1]), parts[2], parts[3], parts[4], parts[5], parts[6], time.UTC), true
	}

	return time.Time{}, false
}
