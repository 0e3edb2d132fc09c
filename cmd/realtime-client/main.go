package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/gochat-realtime/internal/api"
	"github.com/npezzotti/gochat-realtime/internal/auth"
	"github.com/npezzotti/gochat-realtime/internal/config"
	"github.com/npezzotti/gochat-realtime/internal/history"
	"github.com/npezzotti/gochat-realtime/internal/realtime"
	"github.com/npezzotti/gochat-realtime/internal/reconnect"
	"github.com/npezzotti/gochat-realtime/internal/stats"
	"github.com/npezzotti/gochat-realtime/internal/store"
	"github.com/npezzotti/gochat-realtime/internal/transport"
	"github.com/npezzotti/gochat-realtime/internal/types"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	serverURL      string
	historyURL     string
	signingKey     string
	token          string
	storeBackend   string
	storeDir       string
	redisAddr      string
	dsn            string
	addr           string
	maxAttempts    int
	allowedOrigins stringSliceFlag
	follow         stringSliceFlag
)

func main() {
	flag.StringVar(&serverURL, "server-url", "ws://localhost:8000/ws", "broker websocket url")
	flag.StringVar(&historyURL, "history-url", "http://localhost:8000/api", "message history api base url")
	flag.StringVar(&signingKey, "signing-key", defaultSigningKey, "base64 encoded signing key")
	flag.StringVar(&token, "token", "", "session token to log in with")
	flag.StringVar(&storeBackend, "store", config.StoreFile, "notification store backend: file, redis, postgres or memory")
	flag.StringVar(&storeDir, "store-dir", "", "directory for the file store")
	flag.StringVar(&redisAddr, "redis-addr", "", "redis address for the redis store")
	flag.StringVar(&dsn, "dsn", "", "database connection string for the postgres store")
	flag.StringVar(&addr, "addr", "", "control and debug server address")
	flag.IntVar(&maxAttempts, "max-attempts", 0, "reconnect attempts before giving up")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Var(&follow, "follow", "conversations to follow, e.g. forum,thread/42")
	flag.Parse()

	logger := log.New(os.Stderr, "[gochat-realtime] ", log.LstdFlags)

	cfg, err := config.NewConfig(serverURL, historyURL, signingKey, storeBackend)
	if err != nil {
		logger.Fatal("config:", err)
	}
	if storeDir != "" {
		cfg.StoreDir = storeDir
	}
	if redisAddr != "" {
		cfg.RedisAddr = redisAddr
	}
	if dsn != "" {
		cfg.DatabaseDSN = dsn
	}
	if addr != "" {
		cfg.DebugAddr = addr
	}
	if maxAttempts > 0 {
		cfg.ReconnectMaxAttempts = maxAttempts
	}
	cfg.AllowedOrigins = allowedOrigins
	if err := cfg.Validate(); err != nil {
		logger.Fatal("config:", err)
	}

	backend, err := openBackend(cfg)
	if err != nil {
		logger.Fatal("store open:", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Println("store close:", err)
		}
	}()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	tokens := auth.NewTokenProvider(cfg.SigningKey, logger)

	hist, err := history.NewClient(cfg.HistoryURL, tokens.Header, logger)
	if err != nil {
		logger.Fatal("history client:", err)
	}

	mgr := transport.NewManager(transport.Options{
		URL:               cfg.ServerURL,
		HeartbeatIncoming: cfg.HeartbeatIncoming,
		HeartbeatOutgoing: cfg.HeartbeatOutgoing,
		Credentials:       tokens.Header,
	}, logger, statsUpdater)

	sess := realtime.New(realtime.Config{
		Manager: mgr,
		Auth:    tokens,
		Store:   store.New(backend, logger, statsUpdater),
		History: hist,
		Policy: reconnect.Policy{
			Base:        cfg.ReconnectBase,
			Max:         cfg.ReconnectMax,
			MaxAttempts: cfg.ReconnectMaxAttempts,
		},
		OnNotification: func(n types.StoredNotification) {
			logger.Printf("notification %s [%s]: %s", n.Id, n.Category, n.Message)
		},
		OnUnavailable: func(err error) {
			logger.Println("real-time updates unavailable, log in again to retry:", err)
		},
	}, logger, statsUpdater)
	defer sess.Close()

	if token != "" {
		if err := tokens.SetToken(token); err != nil {
			logger.Fatal("login:", err)
		}
	}
	sess.Start()

	open := func(ctx context.Context, ct types.ContextType, id string) (api.Conversation, error) {
		c, err := sess.OpenConversation(ctx, ct, id, realtime.WithOnChange(func(msgs []types.Message) {
			logger.Printf("%s/%s: %d messages", ct, id, len(msgs))
		}))
		if err != nil {
			return nil, err
		}
		return c, nil
	}

	srv := api.NewControlApp(mux, logger, sess, tokens, open, cfg)

	for _, arg := range follow {
		ct, id, err := parseFollow(arg)
		if err != nil {
			logger.Fatal("follow:", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = srv.Follow(ctx, ct, id)
		cancel()
		if err != nil {
			logger.Fatal("follow:", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	logger.Println("shutdown complete")
}

func openBackend(cfg *config.Config) (store.Backend, error) {
	switch cfg.StoreBackend {
	case config.StoreFile:
		return store.NewFileBackend(cfg.StoreDir)
	case config.StoreRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return store.DialRedis(ctx, cfg.RedisAddr)
	case config.StorePostgres:
		return store.DialPostgres(cfg.DatabaseDSN)
	case config.StoreMemory:
		return store.NewMemoryBackend(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

// parseFollow reads "forum" or "<contextType>/<id>".
func parseFollow(arg string) (types.ContextType, string, error) {
	ct, id, _ := strings.Cut(strings.TrimSpace(arg), "/")
	t := types.ContextType(strings.ToLower(ct))
	if !t.Valid() {
		return "", "", fmt.Errorf("unknown context type %q", ct)
	}
	return t, id, nil
}
