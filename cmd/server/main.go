package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"jetpredict-app/internal/accounts"
	"jetpredict-app/internal/config"
	"jetpredict-app/internal/conversation"
	"jetpredict-app/internal/db"
	"jetpredict-app/internal/engine"
	"jetpredict-app/internal/handlers"
	"jetpredict-app/internal/logger"
	"jetpredict-app/internal/mongodb"
	"jetpredict-app/internal/plans"
	"jetpredict-app/internal/predictions"
	"jetpredict-app/internal/promo"
	"jetpredict-app/internal/referral"
	"jetpredict-app/internal/services"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func main() {
	// 0. Config
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config: ", err)
	}
	if err := logger.Init(cfg.Log.Development, cfg.Log.Level); err != nil {
		log.Fatal("Failed to init logger: ", err)
	}
	defer logger.Sync()
	lg := logger.Get()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Database
	repo, err := db.Init(cfg.Database)
	if err != nil {
		lg.Fatal("failed to init database", zap.Error(err))
	}
	defer repo.Close()
	health := map[string]handlers.Pinger{"database": repo}

	// predictions live in MongoDB when it is configured
	var (
		predictionStore predictions.Store = repo
		purger          handlers.PredictionPurger
	)
	if cfg.Mongo.URI != "" {
		mc, err := mongodb.Connect(ctx, cfg.Mongo)
		if err != nil {
			lg.Fatal("failed to connect to mongodb", zap.Error(err))
		}
		defer mc.Close(context.Background())
		predictionStore, purger = mc, mc
		health["mongodb"] = mc
		lg.Info("predictions stored in mongodb", zap.String("database", cfg.Mongo.Database))
	}

	// bot sessions live in Redis when it is configured
	var sessions conversation.Store = conversation.NewMemoryStore(cfg.Redis.SessionTTL)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			lg.Fatal("failed to connect to redis", zap.Error(err))
		}
		sessions = conversation.NewRedisStore(rdb, cfg.Redis.SessionTTL)
		health["redis"] = pingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		lg.Info("bot sessions stored in redis", zap.String("addr", cfg.Redis.Addr))
	}

	// 2. Services
	accountSvc := accounts.NewService(repo)
	planSvc := plans.NewService(repo)
	eng := engine.NewClient(cfg.Engine.PredictionURL, cfg.Engine.StrategyURL, cfg.Engine.APIKey, cfg.Engine.Timeout)
	predictionSvc := predictions.NewService(predictionStore, eng, planSvc, cfg.Server.Location)
	promoSvc := promo.NewService(repo)
	referralSvc := referral.NewService(repo, repo, cfg.Checkout.ReferralRate)

	// 3. Telegram bot
	var notifier handlers.Notifier
	botDone := make(chan struct{})
	if cfg.Telegram.Token == "" {
		lg.Warn("TELEGRAM_TOKEN not set, bot features disabled")
	} else {
		machine := conversation.NewMachine(conversation.Deps{
			Store:          sessions,
			Accounts:       accountSvc,
			Predictions:    predictionSvc,
			Plans:          planSvc,
			Promos:         promoSvc,
			WhatsAppNumber: cfg.Checkout.WhatsAppNumber,
			Location:       cfg.Server.Location,
		})
		bot, err := services.InitBot(cfg.Telegram.Token, services.BotDeps{
			Machine:        machine,
			Sessions:       sessions,
			Accounts:       accountSvc,
			Plans:          planSvc,
			Predictions:    predictionSvc,
			AdminIDs:       cfg.Telegram.AdminIDs,
			WhatsAppNumber: cfg.Checkout.WhatsAppNumber,
			DB:             repo,
		})
		if err != nil {
			lg.Warn("failed to init telegram bot", zap.Error(err))
		} else {
			notifier = bot
			go func() {
				defer close(botDone)
				bot.Listen(ctx)
			}()
		}
	}
	if notifier == nil {
		close(botDone)
	}

	// 4. Subscription sweep
	go expireSubscriptions(ctx, planSvc)

	// 5. Router
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	h := handlers.New(handlers.Deps{
		Config:      cfg,
		Accounts:    accountSvc,
		Plans:       planSvc,
		Predictions: predictionSvc,
		Promos:      promoSvc,
		Referrals:   referralSvc,
		Notifier:    notifier,
		Purger:      purger,
		Health:      health,
	})
	h.Routes(r)

	// 6. Start
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		lg.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	lg.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("graceful shutdown failed", zap.Error(err))
	}

	// the stores close on return, after the last bot update
	<-botDone
	lg.Info("telegram bot stopped")
}

// expireSubscriptions flips overdue plans in the background. Reads still
// apply the expiry on their own.
func expireSubscriptions(ctx context.Context, svc *plans.Service) {
	ticker := time.NewTicker(config.SubscriptionCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.ExpireDue(ctx)
			if err != nil {
				logger.Get().Error("subscription sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Get().Info("subscriptions expired", zap.Int("count", n))
			}
		}
	}
}
