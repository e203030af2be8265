package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"chatcore/internal/api"
	"chatcore/internal/auth"
	"chatcore/internal/chat"
	"chatcore/internal/commands"
	"chatcore/internal/config"
	"chatcore/internal/events"
	"chatcore/internal/friends"
	"chatcore/internal/http"
	"chatcore/internal/pipeline"
	"chatcore/internal/presence"
	"chatcore/internal/receipts"
	"chatcore/internal/registry"
	"chatcore/internal/rooms"
	"chatcore/internal/storage"
	"chatcore/internal/telemetry"
	"chatcore/internal/typing"
	"chatcore/internal/ws"
)

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(h)
}

func run(ctx context.Context, addUser string) error {
	cfg, err := config.Load(addUser != "")
	if err != nil {
		return err
	}

	if addUser != "" {
		return commands.AddUser(addUser, cfg)
	}

	log := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)
	gin.SetMode(gin.ReleaseMode)

	authService, err := auth.NewAuthService(ctx, auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	})
	if err != nil {
		return err
	}

	store, err := storage.Open(ctx, cfg.DBDriver, cfg.DBFile, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("failed to open %s storage: %w", cfg.DBDriver, err)
	}
	defer func() { _ = store.Close() }()

	shutdownTracing, err := telemetry.Init(ctx, cfg.OTLPEndpoint, log)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	publisher := events.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, log)
	defer func() { _ = publisher.Close() }()
	log.Info("domain events", "mode", events.Mode(publisher))

	reg := registry.New()
	router := rooms.New(store, log)
	locks := chat.NewLocks()
	friendService := friends.NewService(store, log)

	presenceTracker := presence.New(friendService, reg, publisher, cfg.FriendLookupTimeout, log)
	reg.Observe(presenceTracker)

	messages := pipeline.New(store, friendService, router, reg, locks, publisher, pipeline.Config{
		MaxBodyBytes:  cfg.MaxMessageBytes,
		Retries:       uint64(cfg.PersistRetries),
		RetryInterval: cfg.PersistRetryInterval,
	}, log)

	hub := ws.NewHub(ws.HubConfig{
		Registry: reg,
		Rooms:    router,
		Presence: presenceTracker,
		Typing:   typing.New(router, typing.WithTimeout(cfg.TypingTimeout), typing.WithLogger(log)),
		Pipeline: messages,
		Receipts: receipts.New(store, router, reg, locks, publisher, log),
		Log:      log,
	})

	wsServer := ws.NewServer(hub, authService, ws.ServerConfig{
		AllowInsecureUserID: cfg.AllowInsecureUserID,
		EventsPerSecond:     cfg.WSEventsPerSecond,
		EventBurst:          cfg.WSEventBurst,
		ReadLimit:           int64(cfg.MaxMessageBytes) * 2,
	}, log)
	if cfg.AllowInsecureUserID {
		log.Warn("websocket accepts ?userId= without a token")
	}

	adminServer := http.NewAdminServer(api.NewAdminHandler(store, authService, hub, log), cfg.AdminAddr, log)
	apiServer := http.NewAPIServer(api.New(authService, store, friendService, messages, hub, log), wsServer, hub, cfg.APIAddr, log)

	g, gCtx := errgroup.WithContext(ctx)

	// Start Admin Server
	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Start API Server
	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Info("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Error("admin server shutdown error", "error", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Error("API server shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	addUser := flag.String("add-user", "", "Username to create (creates a user through the admin API and prints a token)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *addUser); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}
