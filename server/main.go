package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/knemerzitski/notes-sub015/server/hub"
	"github.com/knemerzitski/notes-sub015/server/pubsub"
	"github.com/knemerzitski/notes-sub015/server/reconcile"
	"github.com/knemerzitski/notes-sub015/server/store"
)

var (
	addr        = flag.String("addr", "localhost:8080", "address to listen on")
	storeKind   = flag.String("store", "memory", "revision store: memory, bolt or postgres")
	boltPath    = flag.String("bolt-path", "revisions.db", "bolt database file, for -store=bolt")
	databaseURL = flag.String("database-url", os.Getenv("DATABASE_URL"), "PostgreSQL URL, for -store=postgres")
	redisAddr   = flag.String("redis-addr", os.Getenv("REDIS_ADDR"), "Redis address for sharing revisions between servers; empty keeps them in process")
	policy      = flag.String("rebase", "client", "who rebases stale submissions: client or server")
	logFormat   = flag.String("log-format", "text", "log format: text or json")
	logLevel    = flag.String("log-level", "info", "log level: debug, info, warn or error")
)

func newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch *logFormat {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", *logFormat)
}

func openStore(ctx context.Context) (store.Store, error) {
	switch *storeKind {
	case "memory":
		return store.NewMemory(), nil
	case "bolt":
		return store.OpenBolt(*boltPath)
	case "postgres":
		if *databaseURL == "" {
			return nil, errors.New("-database-url or DATABASE_URL is required for -store=postgres")
		}
		st, err := store.OpenPostgres(ctx, *databaseURL)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, err
		}
		return st, nil
	}
	return nil, fmt.Errorf("unknown store %q", *storeKind)
}

func openBroker(ctx context.Context, logger *slog.Logger) (pubsub.Broker, error) {
	if *redisAddr == "" {
		return pubsub.NewLocal(logger), nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", *redisAddr, err)
	}
	return pubsub.NewRedis(rdb, "revisions", logger), nil
}

// shutdownWhenDone shuts srv down once ctx is done, waiting up to timeout for
// open requests.
func shutdownWhenDone(ctx context.Context, srv *http.Server, timeout time.Duration, logger *slog.Logger) {
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

func main() {
	flag.Parse()
	logger, err := newLogger()
	if err != nil {
		log.Fatal(err)
	}
	rebase, err := reconcile.ParsePolicy(*policy)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx)
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()
	broker, err := openBroker(ctx, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer broker.Close()

	h := hub.New(reconcile.New(st, rebase, logger), broker, logger)
	srv := &http.Server{Addr: *addr, Handler: h.Router()}
	go shutdownWhenDone(ctx, srv, 5*time.Second, logger)

	logger.Info("serving", "addr", *addr, "store", *storeKind, "rebase", rebase)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
