package config

import "time"

type Config struct {
	PendingWindow time.Duration // возраст, после которого pending платеж одобряется автоматически
	BatchLimit    int           // максимум платежей за один запуск
	Budget        time.Duration // бюджет времени на один запуск
	Interval      time.Duration // внутренний планировщик; 0 - выключен
	LockKey       string
	LockTTL       time.Duration

	NotifyTimeout     time.Duration // предел на одно уведомление, включая повторы
	NotifyWebhookAddr string
	KafkaBrokers      []string
	KafkaTopic        string
	SplitConfigPath   string
}

const (
	DefaultPendingWindow = 48 * time.Hour
	DefaultBatchLimit    = 500
	DefaultBudget        = 50 * time.Second
	DefaultLockKey       = "solutionshub:batch-payments:lock"
	DefaultLockTTL       = 5 * time.Minute
	DefaultNotifyTimeout = 2 * time.Second
)
