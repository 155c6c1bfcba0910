package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatcore/internal/config"
	"chatcore/internal/db"
	clog "chatcore/internal/log"
	"chatcore/internal/metrics"
	"chatcore/internal/mw"
	"chatcore/internal/presence"
	"chatcore/internal/queue"
	"chatcore/internal/server"
	"chatcore/internal/service"
	"chatcore/internal/ws"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func main() {
	// main 函数负责加载配置、初始化日志、连接依赖并启动 HTTP 服务与后台任务。
	cfg := config.Load()
	clog.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	var ps presence.Store = presence.NewMemoryStore()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis ping")
		}
		ps = presence.NewRedisStore(rdb, 0)
	}

	hub := ws.NewHub()
	if cfg.AMQPURL != "" {
		publish, closeConn, err := queue.Dial(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			log.Fatal().Err(err).Msg("amqp")
		}
		exporter := queue.New(publish, 0)
		hub.SetTap(exporter.Tap)
		defer func() {
			exporter.Close()
			_ = closeConn()
		}()
		log.Info().Str("exchange", cfg.AMQPExchange).Msg("event export enabled")
	}

	sessions := service.NewSessionService(gdb, cfg)
	chats := service.NewChatService(gdb, hub)
	friends := service.NewFriendService(gdb, hub)
	notifs := service.NewNotificationService(gdb)
	h := server.NewHandler(server.Services{
		Sessions:      sessions,
		Users:         service.NewUserService(gdb, ps),
		Friends:       friends,
		Chats:         chats,
		Notifications: notifs,
	})
	gw := ws.NewGateway(hub, ws.Deps{
		Auth:          sessions,
		Chats:         chats,
		Notifications: notifs,
		Friends:       friends,
		Presence:      ps,
	})
	rl := mw.NewRateLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst, 2*time.Minute)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.SetupRouter(cfg, h, gw, sessions, rl),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		rl.Run()
		return nil
	})
	g.Go(func() error {
		sweepSessions(ctx, sessions, cfg.SessionSweepInterval)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		rl.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info().Msg("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped")
	}
}

// sweepSessions 定期清理长期未轮换的会话。
func sweepSessions(ctx context.Context, sessions *service.SessionService, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := sessions.Sweep(ctx, now)
			if err != nil {
				log.Warn().Err(err).Msg("session sweep")
				continue
			}
			if n > 0 {
				metrics.SessionsSwept.Add(float64(n))
				log.Info().Int64("removed", n).Msg("session sweep")
			}
		}
	}
}
