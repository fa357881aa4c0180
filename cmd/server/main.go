package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"chatsync/internal/config"
	"chatsync/internal/domain"
	"chatsync/internal/engine"
	"chatsync/internal/httpserver"
	"chatsync/internal/logging"
	"chatsync/internal/notify"
	"chatsync/internal/realtime"
	"chatsync/internal/security"
	"chatsync/internal/service"
	"chatsync/internal/storage"
	"chatsync/internal/store/postgres"
	"chatsync/internal/store/sqlite"
	"chatsync/internal/ws"
)

type repos struct {
	profiles      domain.ProfileRepository
	conversations domain.ConversationRepository
	messages      domain.MessageRepository
	statuses      domain.StatusRepository
	hidden        domain.HiddenMessageRepository
}

func openStore(cfg *config.Config) (*sql.DB, repos, error) {
	if cfg.Store.Backend == "postgres" {
		db, err := postgres.Open(cfg.PostgresURL())
		if err != nil {
			return nil, repos{}, err
		}
		if err := postgres.Migrate(db); err != nil {
			db.Close()
			return nil, repos{}, err
		}
		return db, repos{
			profiles:      postgres.NewProfileRepo(db),
			conversations: postgres.NewConversationRepo(db),
			messages:      postgres.NewMessageRepo(db),
			statuses:      postgres.NewStatusRepo(db),
			hidden:        postgres.NewHiddenMessageRepo(db),
		}, nil
	}

	db, err := sqlite.Open(cfg.Store.SQLitePath)
	if err != nil {
		return nil, repos{}, err
	}
	if err := sqlite.Migrate(db); err != nil {
		db.Close()
		return nil, repos{}, err
	}
	return db, repos{
		profiles:      sqlite.NewProfileRepo(db),
		conversations: sqlite.NewConversationRepo(db),
		messages:      sqlite.NewMessageRepo(db),
		statuses:      sqlite.NewStatusRepo(db),
		hidden:        sqlite.NewHiddenMessageRepo(db),
	}, nil
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Env == "development", cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	db, r, err := openStore(cfg)
	if err != nil {
		logger.Fatalw("open store", "backend", cfg.Store.Backend, "error", err)
	}
	defer db.Close()

	tokenSvc := security.NewTokenService(cfg.Auth.JWTSecret, time.Duration(cfg.Auth.AccessTokenMinutes)*time.Minute)
	passwordHasher := security.NewPasswordHasher(cfg.Auth.BcryptCost)

	bus := realtime.NewBus(logger)
	hub := realtime.NewHub()
	cache := engine.NewProfileCache(r.profiles)

	var presence *realtime.PresenceStore
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Fatalw("redis ping", "addr", cfg.Redis.Addr, "error", err)
		}
		defer rdb.Close()
		presence = realtime.NewPresenceStore(rdb, "chatsync", 24*time.Hour)
	}

	var notifier engine.Notifier
	if len(cfg.Kafka.Brokers) > 0 {
		kn := notify.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.PushTopic)
		defer kn.Close()
		notifier = kn
	}

	var s3store *storage.S3Store
	var objStore engine.ObjectStorage
	if cfg.S3.Bucket != "" {
		s3store, err = storage.NewS3Store(context.Background(), cfg.S3.Region, cfg.S3.Bucket)
		if err != nil {
			logger.Fatalw("s3 store", "bucket", cfg.S3.Bucket, "error", err)
		}
		objStore = s3store
	}

	chatSvc := service.NewChatService(r.conversations, r.messages, r.statuses, r.hidden, r.profiles, bus, logger)
	chatSvc.MaxContentLength = cfg.Chat.MaxContentLength
	chatSvc.Hub = hub
	authSvc := service.NewAuthService(r.profiles, tokenSvc, passwordHasher)

	wsHandler := ws.MakeHandler(ws.Deps{
		Hub:             hub,
		Bus:             bus,
		Tokens:          tokenSvc,
		Profiles:        r.profiles,
		Cache:           cache,
		Chat:            chatSvc,
		Storage:         objStore,
		Notifier:        notifier,
		Presence:        presence,
		Log:             logger,
		AllowedOrigins:  cfg.Server.CORSOrigins,
		HistoryPageSize: cfg.Chat.HistoryPageSize,
		SeenDebounce:    cfg.Chat.SeenDebounce,
		TypingTTL:       cfg.Chat.TypingTTL,
	})

	router := httpserver.NewRouter(httpserver.Deps{
		Config:    cfg,
		Auth:      authSvc,
		Chat:      chatSvc,
		Tokens:    tokenSvc,
		Profiles:  r.profiles,
		Storage:   s3store,
		Hub:       hub,
		Presence:  presence,
		WSHandler: wsHandler,
		Log:       logger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Infow("starting server", "addr", cfg.HTTPAddr(), "store", cfg.Store.Backend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("server error", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warnw("graceful shutdown failed", "error", err)
	}
}
