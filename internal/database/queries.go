package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNoFeed = errors.New("feed not found")

const (
	getFeedQuery = "SELECT key, value, updated_at FROM notification_feeds " +
		"WHERE key = $1 LIMIT 1"
	upsertFeedQuery = "INSERT INTO notification_feeds (key, value, updated_at) " +
		"VALUES ($1, $2, $3) " +
		"ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at"
	deleteFeedQuery = "DELETE FROM notification_feeds WHERE key = $1"
)

func (db *DBConn) GetFeed(ctx context.Context, key string) (Feed, error) {
	row := db.conn.QueryRowContext(ctx, getFeedQuery, key)

	var f Feed
	err := row.Scan(
		&f.Key,
		&f.Value,
		&f.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Feed{}, ErrNoFeed
	}
	if err != nil {
		return Feed{}, fmt.Errorf("get feed %s: %w", key, err)
	}

	return f, nil
}

func (db *DBConn) UpsertFeed(ctx context.Context, key string, value []byte) error {
	_, err := db.conn.ExecContext(ctx, upsertFeedQuery, key, string(value), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert feed %s: %w", key, err)
	}
	return nil
}

func (db *DBConn) DeleteFeed(ctx context.Context, key string) error {
	if _, err := db.conn.ExecContext(ctx, deleteFeedQuery, key); err != nil {
		return fmt.Errorf("delete feed %s: %w", key, err)
	}
	return nil
}
