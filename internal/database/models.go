package database

import "time"

// Feed is one row of notification_feeds: the serialized feed of one user.
type Feed struct {
	Key       string
	Value     []byte
	UpdatedAt time.Time
}
