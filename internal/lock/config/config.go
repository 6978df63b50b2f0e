package config

type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}
