package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/npezzotti/gochat-realtime/internal/database"
)

// PostgresBackend keeps feeds in the notification_feeds table.
type PostgresBackend struct {
	repo database.FeedRepository
}

func NewPostgresBackend(repo database.FeedRepository) *PostgresBackend {
	return &PostgresBackend{repo: repo}
}

// DialPostgres opens dsn and applies pending migrations.
func DialPostgres(dsn string) (*PostgresBackend, error) {
	db, err := database.NewDatabaseConnection(dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return NewPostgresBackend(db), nil
}

func (p *PostgresBackend) Get(ctx context.Context, key string) ([]byte, error) {
	f, err := p.repo.GetFeed(ctx, key)
	if errors.Is(err, database.ErrNoFeed) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f.Value, nil
}

func (p *PostgresBackend) Put(ctx context.Context, key string, value []byte) error {
	return p.repo.UpsertFeed(ctx, key, value)
}

func (p *PostgresBackend) Delete(ctx context.Context, key string) error {
	return p.repo.DeleteFeed(ctx, key)
}

func (p *PostgresBackend) Close() error {
	return p.repo.Close()
}
