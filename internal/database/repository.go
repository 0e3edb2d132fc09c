package database

import "context"

type FeedRepository interface {
	Ping() error
	GetFeed(ctx context.Context, key string) (Feed, error)
	UpsertFeed(ctx context.Context, key string, value []byte) error
	DeleteFeed(ctx context.Context, key string) error
	Close() error
}
