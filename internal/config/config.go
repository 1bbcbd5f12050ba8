package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	DBDSN    string
	HTTPAddr string

	JWTSecret string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// rabbitMQ event fan-out; empty RabbitURL disables it
	RabbitURL      string
	RabbitExchange string

	HistoryPageSize int
}

func Load() Config {
	// DSN demo:
	// app:apppass@tcp(127.0.0.1:3306)/sessionsync?charset=utf8mb4&parseTime=true&loc=Local
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=Local",
			"app", "apppass", "127.0.0.1", "3306", "sessionsync",
		)
	}

	httpAddr := os.Getenv("HTTP_ADDR")
	if httpAddr == "" {
		httpAddr = ":8080"
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "dev-secret-change-me"
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "127.0.0.1:6379"
	}

	redisDB := 0
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			redisDB = n
		}
	}

	rabbitExchange := os.Getenv("RABBIT_EXCHANGE")
	if rabbitExchange == "" {
		rabbitExchange = "session_events"
	}

	pageSize := 50
	if v := os.Getenv("HISTORY_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			pageSize = n
		}
	}

	return Config{
		DBDSN:    dsn,
		HTTPAddr: httpAddr,

		JWTSecret: secret,

		RedisAddr:     redisAddr,
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       redisDB,

		RabbitURL:      os.Getenv("RABBIT_URL"),
		RabbitExchange: rabbitExchange,

		HistoryPageSize: pageSize,
	}
}
