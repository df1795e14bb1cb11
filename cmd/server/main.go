package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/relaychat/internal/api"
	"github.com/lalith-99/relaychat/internal/auth"
	"github.com/lalith-99/relaychat/internal/cache"
	"github.com/lalith-99/relaychat/internal/config"
	"github.com/lalith-99/relaychat/internal/db"
	"github.com/lalith-99/relaychat/internal/middleware"
	"github.com/lalith-99/relaychat/internal/observ"
	"github.com/lalith-99/relaychat/internal/realtime"
	"github.com/lalith-99/relaychat/internal/repository"
	"github.com/lalith-99/relaychat/internal/repository/memory"
	"github.com/lalith-99/relaychat/internal/repository/postgres"
	"github.com/lalith-99/relaychat/internal/ws"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// stores groups the three repository views the server needs.
type stores struct {
	chat          repository.ChatStore
	users         repository.UserRepository
	conversations repository.ConversationRepository
	health        func(context.Context) error
	close         func()
}

func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		logger.Warn("using in-memory store, data is lost on restart")
		mem := memory.New()
		return &stores{
			chat:          mem,
			users:         mem.Users(),
			conversations: mem.Conversations(),
			health:        func(context.Context) error { return nil },
			close:         func() {},
		}, nil
	}

	// An unreachable database at startup is the one fatal store error.
	database, err := db.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := database.EnsureSchema(ctx); err != nil {
		database.Close()
		return nil, err
	}
	pool := database.Pool()
	return &stores{
		chat:          postgres.NewChatStore(pool),
		users:         postgres.NewUserStore(pool),
		conversations: postgres.NewConversationStore(pool),
		health:        database.Health,
		close:         database.Close,
	}, nil
}

func run() error {
	// ---------------------------------------------------------------
	// 1. Load config
	// ---------------------------------------------------------------
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// ---------------------------------------------------------------
	// 3. Storage: Postgres (or memory) plus the Redis presence mirror
	// ---------------------------------------------------------------
	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	st, err := openStores(startCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	var mirror realtime.PresenceMirror
	var presenceReader api.PresenceReader
	var presenceCache *cache.PresenceCache
	if cfg.RedisURL != "" {
		presenceCache, err = cache.NewPresenceCache(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("create presence cache: %w", err)
		}
		defer presenceCache.Close()
		// Redis only mirrors presence; the service runs without it.
		if err := presenceCache.Ping(startCtx); err != nil {
			logger.Warn("redis unreachable, presence mirror disabled", zap.Error(err))
			presenceCache = nil
		} else {
			mirror = presenceCache
			presenceReader = presenceCache
		}
	}

	// ---------------------------------------------------------------
	// 4. Realtime core
	// ---------------------------------------------------------------
	verifier := auth.NewJWT(cfg.JWTSecret, cfg.JWTTTL)

	broker := realtime.NewBroker(st.chat, st.users, realtime.Options{
		StoreTimeout:      cfg.StoreTimeout,
		PresenceGrace:     cfg.PresenceGrace,
		TypingTTL:         cfg.TypingTTL,
		FanoutConcurrency: cfg.FanoutConcurrency,
		Mirror:            mirror,
	}, logger)
	defer broker.Close()
	reconciler := realtime.NewReconciler(st.chat, broker, logger)
	dispatcher := realtime.NewDispatcher(broker, reconciler, logger)
	gateway := ws.NewGateway(broker, dispatcher, verifier, ws.Options{
		SendBuffer:     cfg.WSSendBuffer,
		PingInterval:   cfg.WSPingInterval,
		AllowedOrigins: cfg.AllowedOrigins,
	}, logger)

	// ---------------------------------------------------------------
	// 5. HTTP routes
	// ---------------------------------------------------------------
	authHandler := api.NewAuthHandler(st.users, verifier, logger)
	userHandler := api.NewUserHandler(st.users, presenceReader, logger)
	convHandler := api.NewConversationHandler(st.conversations, st.users, broker, reconciler, logger)
	msgHandler := api.NewMessageHandler(st.conversations, broker, logger)

	srv := gin.New()
	srv.Use(gin.Logger(), gin.Recovery())

	// Health check is public so load balancers can reach it.
	srv.GET("/v1/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := st.health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "store": err.Error()})
			return
		}
		resp := gin.H{"status": "ok", "connections": broker.Registry().Count()}
		if presenceCache != nil {
			resp["redis"] = "ok"
			if err := presenceCache.Ping(ctx); err != nil {
				resp["redis"] = err.Error()
			}
		}
		c.JSON(http.StatusOK, resp)
	})

	srv.POST("/v1/auth/signup", authHandler.Signup)
	srv.POST("/v1/auth/login", authHandler.Login)

	// The websocket authenticates during the handshake itself.
	srv.GET("/v1/ws", gateway.Handle)

	v1 := srv.Group("/v1")
	v1.Use(middleware.AuthMiddleware(verifier))

	v1.GET("/users/me", userHandler.GetMe)
	v1.GET("/users/:id/presence", userHandler.GetPresence)

	v1.GET("/conversations", convHandler.List)
	v1.POST("/conversations", convHandler.Create)
	v1.GET("/conversations/:id/messages", msgHandler.List)
	v1.POST("/conversations/:id/messages", msgHandler.Create)
	v1.POST("/conversations/:id/read", convHandler.MarkRead)
	v1.GET("/conversations/:id/unread", convHandler.Unread)
	v1.GET("/conversations/:id/typing", convHandler.Typing)

	v1.PUT("/messages/:id", msgHandler.Update)
	v1.DELETE("/messages/:id", msgHandler.Delete)

	// ---------------------------------------------------------------
	// 6. Serve until SIGINT/SIGTERM
	// ---------------------------------------------------------------
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting relaychat",
			zap.String("port", cfg.Port),
			zap.String("env", cfg.Env),
			zap.String("store", cfg.StoreDriver),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-sigCtx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
