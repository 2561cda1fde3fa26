package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clubchat/internal/broker"
	"github.com/clubchat/internal/chat"
	"github.com/clubchat/internal/config"
	"github.com/clubchat/internal/handler"
	"github.com/clubchat/internal/logger"
	"github.com/clubchat/internal/middleware"
	"github.com/clubchat/internal/push"
	"github.com/clubchat/internal/repository"
	"github.com/clubchat/internal/repository/memstore"
	"github.com/clubchat/internal/startup"
	"github.com/clubchat/internal/storage"
	"github.com/clubchat/internal/storage/memory"
	redisstorage "github.com/clubchat/internal/storage/redis"
	"github.com/clubchat/internal/ws"
	"github.com/clubchat/migrations"
)

// stores — хранилища движка: Postgres или память процесса (-memory).
type stores struct {
	rooms    chat.RoomStore
	messages chat.MessageStore
	users    chat.UserDirectory
	ping     func(ctx context.Context) error
}

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	inMemory := flag.Bool("memory", false, "keep rooms and messages in process memory (no database)")
	flag.Parse()

	logger.Info("starting chat API service")
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)

	var st stores
	if *inMemory {
		store := memstore.New()
		st = stores{rooms: store, messages: store, users: store, ping: func(context.Context) error { return nil }}
		logger.Info("using in-memory store, data is lost on restart")
	} else {
		if *dev {
			embeddedDB, err := startEmbeddedPostgres(cfg)
			if err != nil {
				logger.Errorf("embedded postgres: %v", err)
				os.Exit(1)
			}
			defer func() {
				logger.Info("stopping embedded postgres...")
				if err := embeddedDB.Stop(); err != nil {
					logger.Errorf("embedded postgres stop: %v", err)
				}
			}()
		}

		poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
		if err != nil {
			logger.Errorf("parse db config: %v", err)
			os.Exit(1)
		}
		poolCfg.MaxConns = int32(cfg.DBMaxConnections())
		poolCfg.MinConns = 2

		pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")
		defer pool.Close()

		migCtx, migCancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = migrations.Apply(migCtx, pool)
		migCancel()
		if err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
		logger.Info("database connected, migrations applied")
		if *migrate {
			return
		}
		st = stores{
			rooms:    repository.NewRoomRepository(pool),
			messages: repository.NewMessageRepository(pool),
			users:    repository.NewUserRepository(pool),
			ping:     pool.Ping,
		}
	}

	limiter, redisLimiter := newSendLimiter(cfg)
	defer limiter.Close()

	svc, err := chat.NewService(st.rooms, st.messages, st.users, limiter, chat.Options{
		ReactivateOnSend: cfg.Chat.ReactivateOnSend,
		CacheSize:        cfg.Chat.DirectRoomCacheSize,
	})
	if err != nil {
		logger.Errorf("chat service: %v", err)
		os.Exit(1)
	}

	roomBroker := newBroker(cfg, redisLimiter)
	defer roomBroker.Close()

	pushClient := push.NewClient(cfg.PushServiceURL)
	var notifier ws.PushNotifier
	if pushClient.Enabled() {
		notifier = pushClient
	}

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(svc, roomBroker, notifier, cfg.WS)
	if err := hub.Subscribe(hubCtx); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()
	logger.Infof("room broker: %s", roomBroker.Name())

	var auth func(http.Handler) http.Handler
	switch {
	case *dev || *inMemory:
		logger.Info("dev auth: user id taken from X-User-Id / ?user_id=")
		auth = middleware.DevUser(svc)
	case cfg.AuthServiceURL != "":
		auth = middleware.AuthServiceValidate(cfg.AuthServiceURL, nil)
	default:
		logger.Error("AUTH_SERVICE_URL is required outside -dev/-memory")
		os.Exit(1)
	}

	roomH := handler.NewRoomHandler(svc)
	groupH := handler.NewGroupHandler(svc)
	wsH := handler.NewWSHandler(hub, cfg.CORSAllowedOrigins)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLog)
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket — иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
	r.Use(func(next http.Handler) http.Handler {
		compressed := chimw.Compress(5)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			compressed.ServeHTTP(w, req)
		})
	})
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSAllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Session-Id", "X-Timestamp", "X-Signature", "X-User-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler(st.ping))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/internal", func(r chi.Router) {
		r.Use(middleware.InternalOnly(cfg.InternalSecret))
		r.Post("/groups", groupH.CreateGroup)
		r.Post("/groups/{roomId}/members", groupH.AddMember)
		r.Post("/users", groupH.RegisterUser)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(middleware.RateLimitAPI(
			memory.New(cfg.APIRateLimitIP, time.Minute),
			memory.New(cfg.APIRateLimitUser, time.Minute),
		))
		r.Get("/api/chat/rooms", roomH.ListRooms)
		r.Delete("/api/chat/rooms/{roomId}", roomH.HideRoom)
		r.Post("/api/chat/rooms/{roomId}/unhide", roomH.UnhideRoom)
		r.Get("/api/chat/rooms/{roomId}/messages", roomH.Messages)
		r.Get("/ws", wsH.ServeWS)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

// newSendLimiter выбирает лимитер отправки: Redis (общий для всех экземпляров) или память процесса.
func newSendLimiter(cfg *config.Config) (storage.RateLimiter, *redisstorage.Client) {
	if cfg.RateLimitRedisURL == "" {
		return memory.New(cfg.Chat.SendRateLimit, time.Minute), nil
	}
	rl := startup.ConnectRedisWithRetry(cfg.RateLimitRedisURL, cfg.Chat.SendRateLimit, time.Minute, 30*time.Second, "")
	return rl, rl
}

// newBroker выбирает доставку событий комнат между экземплярами API.
// Redis с тем же URL, что у лимитера, переиспользует его соединение.
func newBroker(cfg *config.Config, redisLimiter *redisstorage.Client) broker.Broker {
	switch cfg.Broker.Kind {
	case "local":
		return broker.NewLocal()
	case "redis":
		if redisLimiter != nil && cfg.Broker.RedisURL == cfg.RateLimitRedisURL {
			return broker.NewRedis(redisLimiter.Redis(), cfg.Broker.Subject)
		}
		if cfg.Broker.RedisURL == "" {
			logger.Error("BROKER_KIND=redis requires REDIS_URL")
			os.Exit(1)
		}
		return startup.ConnectRedisBrokerWithRetry(cfg.Broker.RedisURL, cfg.Broker.Subject, 30*time.Second, "")
	case "nats":
		if cfg.Broker.NATSURL == "" {
			logger.Error("BROKER_KIND=nats requires NATS_URL")
			os.Exit(1)
		}
		return startup.ConnectNATSWithRetry(cfg.Broker.NATSURL, cfg.Broker.Subject, 30*time.Second, "")
	default:
		logger.Errorf("unknown BROKER_KIND %q (local, redis, nats)", cfg.Broker.Kind)
		os.Exit(1)
		return nil
	}
}

func healthHandler(ping func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := ping(ctx); err != nil {
			logger.Errorf("health: %v", err)
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "clubchat"
		password = "clubchat_secret"
		database = "clubchat"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
