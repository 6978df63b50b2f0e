package config

type Config struct {
	CronSecret string // общий секрет cron-триггера, он же ключ подписи токенов операторов
	Production bool
}
