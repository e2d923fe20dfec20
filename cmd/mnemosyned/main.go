package main

import (
	"context"
	"log"
	"net/http"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"mnemosyned/auth"
	"mnemosyned/config"
	"mnemosyned/crypto"
	"mnemosyned/models"
	"mnemosyned/negotiation"
	"mnemosyned/observability/logging"
	"mnemosyned/receipts"
	"mnemosyned/scheduler"
	"mnemosyned/server"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.Setup(logging.Options{
		Service: "mnemosyned",
		Env:     cfg.Env,
		File:    cfg.LogFile,
	})

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Fatalf("database connection error: %v", err)
	}

	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate error: %v", err)
	}

	signer, err := crypto.NewService(cfg.SystemKey, logger)
	if err != nil {
		log.Fatalf("crypto service error: %v", err)
	}

	chain := receipts.NewChain(db, signer, logger)
	engine := negotiation.NewEngine(db, chain, logger)

	authn, err := auth.NewMiddleware(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		log.Fatalf("auth middleware error: %v", err)
	}

	srv := server.New(server.Config{
		DB:            db,
		Engine:        engine,
		Receipts:      chain,
		Auth:          authn,
		Logger:        logger,
		ReceiptStrict: cfg.ReceiptStrict,
	})

	var locker scheduler.Locker
	if cfg.RedisAddr != "" {
		locker = scheduler.NewRedisLocker(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	} else {
		logger.Warn("no redis address configured, scheduler locks are process-local")
		locker = scheduler.NewMemoryLocker()
	}

	sched := scheduler.New(locker, cfg.LockTTL, logger)
	sched.Register(scheduler.Job{
		Name:     "negotiation-timeout-sweep",
		Interval: cfg.TimeoutSweep,
		Run: func(ctx context.Context) error {
			report, err := engine.CheckTimeouts(ctx)
			if err != nil {
				return err
			}
			if report.TotalExpired > 0 {
				logger.Info("timeout sweep expired negotiations",
					"negotiation_timeouts", len(report.NegotiationTimeouts),
					"finalization_timeouts", len(report.FinalizationTimeouts))
			}
			return nil
		},
	})
	sched.Register(scheduler.Job{
		Name:     "receipt-chain-checkpoint",
		Interval: cfg.CheckpointInterval,
		Run: func(ctx context.Context) error {
			return chain.Checkpoint(ctx)
		},
	})
	go sched.Start(context.Background())

	addr := ":" + cfg.Port
	logger.Info("starting mnemosyned", "addr", addr, "env", cfg.Env)
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
