package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/mirzoev/finebot/internal/bot"
	"github.com/mirzoev/finebot/internal/config"
	"github.com/mirzoev/finebot/internal/logger"
	"github.com/mirzoev/finebot/internal/monitor"
	"github.com/mirzoev/finebot/internal/notifier"
	"github.com/mirzoev/finebot/internal/scraper"
	"github.com/mirzoev/finebot/internal/store"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg := config.GetConfig()

	zaplog, err := logger.NewZapLog(cfg.Logger)
	if err != nil {
		return err
	}

	store, err := store.NewStore(cfg.Store)
	if err != nil {
		return err
	}

	scraper := scraper.NewScraper(cfg.Scraper, zaplog)

	api, err := tgbotapi.NewBotAPI(cfg.Bot.Token)
	if err != nil {
		return err
	}

	notifier := notifier.NewNotifier(api, scraper, cfg.Scraper.OptimizedDownloads, zaplog)

	mon := monitor.NewMonitor(cfg.Monitor, store, scraper, notifier, zaplog)
	mon.Start()

	// останов по сигналу: сначала монитор, затем цикл обновлений бота
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		mon.Stop()
		api.StopReceivingUpdates()
	}()

	return bot.Serve(cfg.Bot, api, store, scraper, zaplog)
}
