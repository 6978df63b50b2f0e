package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/jkkn/solutionshub-batch/internal/archive"
	"github.com/jkkn/solutionshub-batch/internal/auth"
	"github.com/jkkn/solutionshub-batch/internal/config"
	"github.com/jkkn/solutionshub-batch/internal/handler"
	"github.com/jkkn/solutionshub-batch/internal/lock"
	"github.com/jkkn/solutionshub-batch/internal/logger"
	"github.com/jkkn/solutionshub-batch/internal/model"
	"github.com/jkkn/solutionshub-batch/internal/service"
	"github.com/jkkn/solutionshub-batch/internal/service/notifyclient"
	"github.com/jkkn/solutionshub-batch/internal/split"
	"github.com/jkkn/solutionshub-batch/internal/store"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.GetConfig()
	if err != nil {
		return err
	}

	zaplog, err := logger.NewZapLog(cfg.Logger)
	if err != nil {
		return err
	}
	defer zaplog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	//Хранилище: postgres, без DSN - в памяти
	var rules []model.SplitRule
	if cfg.Service.SplitConfigPath != "" {
		rules, err = split.LoadFile(cfg.Service.SplitConfigPath)
		if err != nil {
			return err
		}
	}
	var st store.Store
	if cfg.Store.DBDsn != "" {
		st, err = store.NewStore(cfg.Store)
		if err != nil {
			return err
		}
	} else {
		zaplog.Warn("DATABASE_URI not set, payments are kept in memory")
		st = store.NewMemoryStore(rules)
	}

	//Таблица распределения загружается один раз
	if rules == nil {
		rules, err = st.SplitRulesGet(ctx)
		if err != nil {
			return fmt.Errorf("load revenue split configuration: %w", err)
		}
	}
	splits, err := split.NewTable(rules)
	if err != nil {
		return err
	}
	zaplog.Info("revenue split configuration loaded", zap.Int("buckets", splits.Len()))

	locker, err := lock.New(ctx, cfg.Lock)
	if err != nil {
		return err
	}

	deps := service.Dependencies{
		Store:  st,
		Splits: splits,
		Locker: locker,
		Logger: zaplog,
	}

	var notifiers []notifyclient.Notifier
	if cfg.Service.NotifyWebhookAddr != "" {
		notifiers = append(notifiers, notifyclient.NewWebhookClient(cfg.Service.NotifyWebhookAddr))
	}
	if len(cfg.Service.KafkaBrokers) > 0 {
		publisher, err := notifyclient.NewKafkaPublisher(cfg.Service.KafkaBrokers, cfg.Service.KafkaTopic)
		if err != nil {
			return err
		}
		defer publisher.Close()
		notifiers = append(notifiers, publisher)
	}
	if len(notifiers) > 0 {
		deps.Notifier = notifyclient.Multi(notifiers...)
	}

	if cfg.Archive.S3Bucket != "" {
		archiver, err := archive.NewS3Archiver(ctx, cfg.Archive)
		if err != nil {
			return err
		}
		deps.Archiver = archiver
	}

	service, err := service.NewService(cfg.Service, deps)
	if err != nil {
		return err
	}
	go service.Run(ctx)

	auth := auth.NewAuth(cfg.Auth, zaplog)

	return handler.Serve(ctx, cfg.Handler, auth, service, zaplog)
}
