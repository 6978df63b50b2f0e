package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	archiveConfig "github.com/jkkn/solutionshub-batch/internal/archive/config"
	authConfig "github.com/jkkn/solutionshub-batch/internal/auth/config"
	handlerConfig "github.com/jkkn/solutionshub-batch/internal/handler/config"
	lockConfig "github.com/jkkn/solutionshub-batch/internal/lock/config"
	loggerConfig "github.com/jkkn/solutionshub-batch/internal/logger/config"
	serviceConfig "github.com/jkkn/solutionshub-batch/internal/service/config"
	storeConfig "github.com/jkkn/solutionshub-batch/internal/store/config"
)

type Config struct {
	Handler handlerConfig.Config
	Auth    authConfig.Config
	Service serviceConfig.Config
	Store   storeConfig.Config
	Lock    lockConfig.Config
	Archive archiveConfig.Config
	Logger  loggerConfig.Config
}

var (
	ErrSecretRequired  = errors.New("CRON_SECRET is required in production")
	ErrLockTTLTooShort = errors.New("LOCK_TTL must exceed BATCH_BUDGET plus NOTIFY_TIMEOUT")
)

// GetConfig читает .env (если есть), флаги командной строки и переменные окружения.
// Переменные окружения имеют приоритет над флагами.
func GetConfig() (Config, error) {
	_ = godotenv.Load()
	return getConfig(os.Args[0], os.Args[1:], os.Getenv)
}

func getConfig(name string, args []string, getenv func(string) string) (Config, error) {
	var cfg Config
	var kafkaBrokers, appEnv string

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&cfg.Handler.ServerAddr, "a", ":8080", "server address")
	fs.DurationVar(&cfg.Handler.RequestTimeout, "request-timeout", 60*time.Second, "http request timeout")
	fs.StringVar(&cfg.Store.DBDsn, "d", "", "database DSN; empty keeps data in memory")
	fs.StringVar(&cfg.Logger.LogLevel, "l", "info", "log level")
	fs.StringVar(&appEnv, "env", "development", "application environment")

	fs.DurationVar(&cfg.Service.PendingWindow, "pending-window", serviceConfig.DefaultPendingWindow, "auto-approval window")
	fs.IntVar(&cfg.Service.BatchLimit, "batch-limit", serviceConfig.DefaultBatchLimit, "max payments per run")
	fs.DurationVar(&cfg.Service.Budget, "batch-budget", serviceConfig.DefaultBudget, "wall-clock budget per run")
	fs.DurationVar(&cfg.Service.Interval, "batch-interval", 0, "in-process schedule interval; 0 disables")
	fs.StringVar(&cfg.Service.LockKey, "lock-key", serviceConfig.DefaultLockKey, "batch lock key")
	fs.DurationVar(&cfg.Service.LockTTL, "lock-ttl", serviceConfig.DefaultLockTTL, "batch lock ttl")
	fs.DurationVar(&cfg.Service.NotifyTimeout, "notify-timeout", serviceConfig.DefaultNotifyTimeout, "deadline for one notification")
	fs.StringVar(&cfg.Service.NotifyWebhookAddr, "notify-webhook", "", "notification webhook base address")
	fs.StringVar(&kafkaBrokers, "kafka-brokers", "", "comma separated kafka brokers")
	fs.StringVar(&cfg.Service.KafkaTopic, "kafka-topic", "payment-dispositions", "kafka topic for disposition events")
	fs.StringVar(&cfg.Service.SplitConfigPath, "split-config", "", "revenue split JSON file; empty reads the database")

	fs.StringVar(&cfg.Lock.RedisAddr, "redis-addr", "", "redis address for the batch lock")
	fs.StringVar(&cfg.Lock.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&cfg.Lock.RedisDB, "redis-db", 0, "redis database")

	fs.StringVar(&cfg.Archive.S3Bucket, "s3-bucket", "", "bucket for batch run archives")
	fs.StringVar(&cfg.Archive.S3Prefix, "s3-prefix", "", "key prefix for batch run archives")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	//Переменные окружения
	envString(getenv, "RUN_ADDRESS", &cfg.Handler.ServerAddr)
	envString(getenv, "DATABASE_URI", &cfg.Store.DBDsn)
	envString(getenv, "LOG_LEVEL", &cfg.Logger.LogLevel)
	envString(getenv, "APP_ENV", &appEnv)
	envString(getenv, "CRON_SECRET", &cfg.Auth.CronSecret)
	envString(getenv, "LOCK_KEY", &cfg.Service.LockKey)
	envString(getenv, "NOTIFY_WEBHOOK_ADDR", &cfg.Service.NotifyWebhookAddr)
	envString(getenv, "KAFKA_BROKERS", &kafkaBrokers)
	envString(getenv, "KAFKA_TOPIC", &cfg.Service.KafkaTopic)
	envString(getenv, "SPLIT_CONFIG", &cfg.Service.SplitConfigPath)
	envString(getenv, "REDIS_ADDR", &cfg.Lock.RedisAddr)
	envString(getenv, "REDIS_PASSWORD", &cfg.Lock.RedisPassword)
	envString(getenv, "S3_BUCKET", &cfg.Archive.S3Bucket)
	envString(getenv, "S3_PREFIX", &cfg.Archive.S3Prefix)

	var err error
	for key, target := range map[string]*time.Duration{
		"REQUEST_TIMEOUT": &cfg.Handler.RequestTimeout,
		"PENDING_WINDOW":  &cfg.Service.PendingWindow,
		"BATCH_BUDGET":    &cfg.Service.Budget,
		"BATCH_INTERVAL":  &cfg.Service.Interval,
		"LOCK_TTL":        &cfg.Service.LockTTL,
		"NOTIFY_TIMEOUT":  &cfg.Service.NotifyTimeout,
	} {
		err = errors.Join(err, envDuration(getenv, key, target))
	}
	err = errors.Join(err,
		envInt(getenv, "BATCH_LIMIT", &cfg.Service.BatchLimit),
		envInt(getenv, "REDIS_DB", &cfg.Lock.RedisDB))
	if err != nil {
		return Config{}, err
	}

	cfg.Service.KafkaBrokers = splitList(kafkaBrokers)
	cfg.Auth.Production = appEnv == "production"

	if cfg.Auth.Production && cfg.Auth.CronSecret == "" {
		return Config{}, ErrSecretRequired
	}
	if cfg.Service.PendingWindow <= 0 || cfg.Service.BatchLimit <= 0 || cfg.Service.Budget <= 0 {
		return Config{}, fmt.Errorf("pending window, batch limit and budget must be positive")
	}
	if cfg.Service.NotifyTimeout <= 0 {
		return Config{}, fmt.Errorf("notify timeout must be positive")
	}
	// блокировка должна пережить весь запуск, иначе второй запуск стартует поверх первого
	if cfg.Service.LockTTL <= cfg.Service.Budget+cfg.Service.NotifyTimeout {
		return Config{}, ErrLockTTLTooShort
	}
	return cfg, nil
}

func envString(getenv func(string) string, key string, target *string) {
	if v := getenv(key); v != "" {
		*target = v
	}
}

func envDuration(getenv func(string) string, key string, target *time.Duration) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*target = d
	return nil
}

func envInt(getenv func(string) string, key string, target *int) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*target = i
	return nil
}

func splitList(s string) []string {
	var list []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}
