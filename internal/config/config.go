package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	botConfig "github.com/mirzoev/finebot/internal/bot/config"
	loggerConfig "github.com/mirzoev/finebot/internal/logger/config"
	monitorConfig "github.com/mirzoev/finebot/internal/monitor/config"
	scraperConfig "github.com/mirzoev/finebot/internal/scraper/config"
	storeConfig "github.com/mirzoev/finebot/internal/store/config"
)

type Config struct {
	Bot     botConfig.Config
	Logger  loggerConfig.Config
	Monitor monitorConfig.Config
	Scraper scraperConfig.Config
	Store   storeConfig.Config
}

func GetConfig() Config {
	// .env необязателен, переменные окружения имеют приоритет
	_ = godotenv.Load()

	var cfg Config

	cfg.Logger.LogLevel = envOr("LOG_LEVEL", "info")

	cfg.Store.DBDsn = os.Getenv("DATABASE_DSN")

	cfg.Bot.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.Bot.UpdateTimeout = envInt("TELEGRAM_UPDATE_TIMEOUT", 60)

	cfg.Scraper.BaseURL = envOr("RBDA_BASE_URL", "https://rbda.dc.tj")
	cfg.Scraper.Login = os.Getenv("RBDA_LOGIN")
	cfg.Scraper.Password = os.Getenv("RBDA_PASSWORD")
	cfg.Scraper.RequestsPerMinute = envInt("RBDA_REQUESTS_PER_MINUTE", 50)
	cfg.Scraper.OptimizedDownloads = envOr("MEDIA_OPTIMIZED_DOWNLOADS", "true") == "true"

	cfg.Monitor.PollInterval = envDuration("MONITOR_POLL_INTERVAL", 30*time.Minute)
	cfg.Monitor.RateLimitDelay = envDuration("MONITOR_RATE_LIMIT_DELAY", 5*time.Second)
	cfg.Monitor.NotifyDelay = envDuration("MONITOR_NOTIFY_DELAY", 2*time.Second)

	return cfg
}

func envOr(key string, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if value, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return value
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if value, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return value
	}
	return fallback
}
