// Package app wires the zerochat server runtime: config, logging, stores,
// the chat core, HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"golang.org/x/sync/errgroup"

	"zerochat/cmd/internal/auth"
	"zerochat/cmd/internal/conversation"
	"zerochat/cmd/internal/fanout"
	"zerochat/cmd/internal/metrics"
	"zerochat/cmd/internal/presence"
	"zerochat/cmd/internal/realtime"
	"zerochat/cmd/internal/signaling"
	"zerochat/cmd/internal/unread"
)

// App is the zerochat server runtime: it owns the store connections, the
// chat core and the HTTP server wiring.
type App struct {
	cfg Config
	log Logger

	store   conversation.Store
	backend backend

	gatherer prometheus.Gatherer
	registry *presence.Registry
	ws       *realtime.WSGateway
}

// backend owns the connection behind the conversation store.
type backend struct {
	name  string
	pool  *pgxpool.Pool
	mongo *mongo.Client
}

// ready reports whether the durable store answers.
func (b backend) ready(ctx context.Context) error {
	switch {
	case b.pool != nil:
		return PingDB(ctx, b.pool, 2*time.Second)
	case b.mongo != nil:
		return PingMongo(ctx, b.mongo, 2*time.Second)
	default:
		return nil
	}
}

func (b backend) durable() bool { return b.pool != nil || b.mongo != nil }

func (b backend) close(ctx context.Context) error {
	if b.pool != nil {
		b.pool.Close()
	}
	if b.mongo != nil {
		return b.mongo.Disconnect(ctx)
	}
	return nil
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	store, be, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a, err := assemble(cfg, log, store, be)
	if err != nil {
		_ = store.Close()
		_ = be.close(context.Background())
		return nil, err
	}
	return a, nil
}

func assemble(cfg Config, log Logger, store conversation.Store, be backend) (*App, error) {
	var (
		m        *metrics.Metrics
		gatherer prometheus.Gatherer
	)
	if cfg.MetricsEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.New(reg)
		gatherer = reg
	}

	registry := presence.NewRegistry(log, m)

	ledger, err := unread.NewLedger(log, store, m)
	if err != nil {
		return nil, err
	}
	core, err := fanout.New(log, store, registry, ledger, fanout.WithMetrics(m))
	if err != nil {
		return nil, err
	}
	relay, err := signaling.NewRelay(log, registry, signaling.WithMetrics(m))
	if err != nil {
		return nil, err
	}

	var tokens auth.AccessTokenManager
	if strings.TrimSpace(cfg.Auth.Secret) != "" {
		tokens, err = auth.NewJWTManager(cfg.Auth)
		if err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
	}

	ws, err := realtime.NewWSGateway(log, cfg.WS, realtime.Deps{
		Coordinator: core,
		Registry:    registry,
		Relay:       relay,
		Tokens:      tokens,
	})
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:      cfg,
		log:      log,
		store:    store,
		backend:  be,
		gatherer: gatherer,
		registry: registry,
		ws:       ws,
	}, nil
}

// Handler returns the app's HTTP handler with middleware applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a)
	return WithRecover(WithRequestLogging(mux, a.log), a.log)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "store", a.backend.name, "require_auth", a.cfg.WS.RequireAuth)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()

		// Hijacked websocket conns are not tracked by Shutdown; they end
		// when their request context is cancelled.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if cerr := a.Close(closeCtx); cerr != nil {
		a.log.Error("store.close.fail", "err", cerr)
	}

	users, conns := a.registry.Stats()
	a.log.Info("server.stopped", "users", users, "conns", conns)
	return err
}

// Close releases the store and its connection.
func (a *App) Close(ctx context.Context) error {
	return errors.Join(a.store.Close(), a.backend.close(ctx))
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// openStore picks Postgres, then MongoDB, then the in-memory store.
func openStore(ctx context.Context, cfg Config, log Logger) (conversation.Store, backend, error) {
	switch cfg.Backend() {
	case "postgres":
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, backend{}, err
		}
		if cfg.DBMigrate {
			if err := conversation.ApplySchema(ctx, pool, cfg.DBSchema); err != nil {
				pool.Close()
				return nil, backend{}, fmt.Errorf("apply schema: %w", err)
			}
			log.Info("db.schema.applied", "schema", cfg.DBSchema)
		}
		// The pool is owned here; PostgresStore.Close is a no-op.
		st, err := conversation.NewPostgresStore(pool, conversation.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, backend{}, err
		}
		log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
		return st, backend{name: "postgres", pool: pool}, nil

	case "mongo":
		client, err := NewMongoClient(ctx, cfg)
		if err != nil {
			return nil, backend{}, err
		}
		st, err := conversation.NewMongoStore(client.Database(cfg.MongoDB))
		if err != nil {
			_ = client.Disconnect(context.Background())
			return nil, backend{}, err
		}
		if cfg.MongoIndexes {
			if err := st.EnsureIndexes(ctx); err != nil {
				_ = client.Disconnect(context.Background())
				return nil, backend{}, fmt.Errorf("mongo indexes: %w", err)
			}
		}
		log.Info("db.enabled.mongo_store", "db", cfg.MongoDB)
		return st, backend{name: "mongo", mongo: client}, nil

	default:
		log.Info("db.disabled.inmemory_store")
		return conversation.NewInMemoryStore(), backend{name: "memory"}, nil
	}
}
