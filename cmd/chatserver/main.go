package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/acces/alumni-chat/internal/chat"
	"github.com/acces/alumni-chat/internal/config"
	"github.com/acces/alumni-chat/internal/database"
	"github.com/acces/alumni-chat/internal/httpapi"
	"github.com/acces/alumni-chat/internal/identity"
	"github.com/acces/alumni-chat/internal/messaging"
	"github.com/acces/alumni-chat/internal/presence"
	"github.com/acces/alumni-chat/internal/ratelimit"
	"github.com/acces/alumni-chat/internal/relay"
	"github.com/acces/alumni-chat/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.ServerName == "" {
		cfg.ServerName, _ = os.Hostname()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "chat-1"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := database.Open(ctx, cfg.Database())
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	defer db.Close()

	if cfg.AutoMigrate {
		if err := database.Migrate(db); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
	}

	directory := identity.NewPostgresDirectory(db)
	bootstrapAdmin(ctx, directory, cfg)

	var tokens *identity.TokenVerifier
	if cfg.JWTSecret != "" {
		tokens = identity.NewTokenVerifier(cfg.JWTSecret)
	} else {
		log.Printf("JWT_SECRET not set; bearer tokens are refused, user_id handshakes only")
	}
	auth := identity.NewAuthenticator(directory, tokens)

	store := newStore(cfg, db)

	// --- Redis ---
	var rdb *redis.Client
	if cfg.BusDriver != config.BusMemory {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to connect to Redis at %s: %v", cfg.RedisAddr, err)
		}
		defer rdb.Close()
	}

	bus, err := newBus(cfg, rdb)
	if err != nil {
		log.Fatalf("failed to start %s bus: %v", cfg.BusDriver, err)
	}
	defer bus.Close()

	var (
		limiter ratelimit.Limiter
		tracker presence.Tracker
	)
	if rdb != nil {
		limiter = ratelimit.NewRedisLimiter(rdb)
		tracker = presence.NewStore(rdb, cfg.ServerName)
	} else {
		mem := ratelimit.NewMemoryLimiter()
		go sweepLimiter(ctx, mem)
		limiter = mem
		tracker = presence.NewLocal()
	}

	publisher := messaging.NewPublisher(bus, cfg.PublishTimeout)

	log.Printf("Alumni chat relay starting")
	log.Printf("  listen_addr:     %s", cfg.ListenAddr)
	log.Printf("  server_name:     %s", cfg.ServerName)
	log.Printf("  bus_driver:      %s", cfg.BusDriver)
	log.Printf("  store_driver:    %s", cfg.StoreDriver)
	log.Printf("  worker_pool:     %d", cfg.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.MaxConnections)
	log.Printf("  publish_timeout: %s", cfg.PublishTimeout)

	// --- Gateway and reactor ---
	gateway := relay.NewGateway(cfg.Gateway(), relay.Deps{
		Auth:      auth,
		Store:     store,
		Publisher: publisher,
		Limiter:   limiter,
		Presence:  tracker,
	})
	dispatcher := ws.NewMessageDispatcher()
	gateway.Bind(dispatcher)

	server := ws.NewServer(cfg.Server(), gateway.Callbacks(dispatcher))
	gateway.SetTransport(server)
	if err := server.Start(); err != nil {
		log.Fatalf("ws reactor: %v", err)
	}

	go gateway.KeepPresence(ctx, presence.EntryTTL/2)

	fanoutDone := make(chan struct{})
	go func() {
		defer close(fanoutDone)
		if err := relay.NewFanout(server).Run(ctx, bus); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[fanout] stopped: %v", err)
		}
	}()

	// --- HTTP ---
	api := httpapi.New(cfg.HTTP(), httpapi.Deps{
		Auth:      auth,
		Store:     store,
		Publisher: publisher,
		Presence:  tracker,
		Sessions:  gateway.Registry(),
	})
	router := api.Router()
	router.Handle("/ws", server)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("ListenAndServe error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutdown signal received, draining...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("ws shutdown error: %v", err)
	}
	select {
	case <-fanoutDone:
	case <-shutdownCtx.Done():
	}
	log.Printf("server exiting")
}

func newStore(cfg config.Config, db *sql.DB) chat.Store {
	if cfg.StoreDriver == config.StoreMemory {
		log.Printf("using in-memory message store; history is lost on restart")
		return chat.NewMemoryStore()
	}
	return chat.NewPostgresStore(db)
}

func newBus(cfg config.Config, rdb *redis.Client) (messaging.Bus, error) {
	switch cfg.BusDriver {
	case config.BusNATS:
		return messaging.NewNATSBus(cfg.NATS())
	case config.BusMemory:
		log.Printf("using in-process bus; messages do not reach other instances")
		return messaging.NewMemoryBus(), nil
	default:
		return messaging.NewRedisBus(rdb, messaging.DefaultBackoff()), nil
	}
}

func bootstrapAdmin(ctx context.Context, dir *identity.PostgresDirectory, cfg config.Config) {
	if cfg.DefaultAdminEmail == "" {
		return
	}
	created, err := dir.EnsureAdmin(ctx, cfg.DefaultAdminEmail, cfg.DefaultAdminPasswordHash)
	if err != nil {
		log.Printf("admin bootstrap failed: %v", err)
		return
	}
	if created {
		log.Printf("created default admin %s", cfg.DefaultAdminEmail)
	}
}

func sweepLimiter(ctx context.Context, l *ratelimit.MemoryLimiter) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
