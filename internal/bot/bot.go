package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/mirzoev/finebot/internal/bot/config"
	"github.com/mirzoev/finebot/internal/markdown"
	"github.com/mirzoev/finebot/internal/model"
	"github.com/mirzoev/finebot/internal/scraper"
	"github.com/mirzoev/finebot/internal/store"
)

// Команды бота: прямой поиск штрафов и управление привязкой.
// Меню, оплата и админ-панель сюда не входят

func Serve(cfg config.Config, api *tgbotapi.BotAPI, store store.Store, scr scraper.Scraper, zaplog *zap.Logger) error {
	b := &bot{
		api:     api,
		store:   store,
		scraper: scr,
		zaplog:  zaplog,
	}

	commands := []tgbotapi.BotCommand{
		{Command: "start", Description: "Начало работы"},
		{Command: "search", Description: "Поиск штрафов по номеру автомобиля"},
		{Command: "bind", Description: "Привязать автомобиль для мониторинга (премиум)"},
		{Command: "unbind", Description: "Отвязать автомобиль"},
		{Command: "status", Description: "Статус привязки"},
	}
	if _, err := api.Request(tgbotapi.NewSetMyCommands(commands...)); err != nil {
		return fmt.Errorf("set bot commands: %w", err)
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = cfg.UpdateTimeout
	if u.Timeout <= 0 {
		u.Timeout = 60
	}

	for update := range api.GetUpdatesChan(u) {
		b.handleUpdate(update)
	}
	return nil
}

type bot struct {
	api     *tgbotapi.BotAPI
	store   store.Store
	scraper scraper.Scraper
	zaplog  *zap.Logger
}

func (b *bot) handleUpdate(update tgbotapi.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}
	msg := update.Message
	ctx, cancelCtx := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancelCtx()

	user, err := b.store.UserGetOrCreate(ctx, model.User{
		UserID:    msg.From.ID,
		Username:  msg.From.UserName,
		FirstName: msg.From.FirstName,
		LastName:  msg.From.LastName,
	})
	if err != nil {
		b.zaplog.Error("user lookup failed", zap.Int64("user", msg.From.ID), zap.Error(err))
		return
	}
	if user.IsBlocked {
		return
	}

	b.zaplog.Info("incoming command",
		zap.Int64("user", user.UserID),
		zap.String("command", msg.Command()))

	switch msg.Command() {
	case "start":
		b.reply(msg.Chat.ID, "Привет! Я помогу узнать о штрафах.\n"+
			"/search НОМЕР - поиск штрафов\n"+
			"/bind НОМЕР - мониторинг новых штрафов (премиум)")
	case "search":
		b.handleSearch(ctx, msg)
	case "bind":
		b.handleBind(ctx, msg, user)
	case "unbind":
		b.handleUnbind(ctx, msg)
	case "status":
		b.handleStatus(ctx, msg)
	}
}

func (b *bot) handleSearch(ctx context.Context, msg *tgbotapi.Message) {
	plate := strings.ToUpper(strings.TrimSpace(msg.CommandArguments()))
	if plate == "" {
		b.reply(msg.Chat.ID, "Укажите номер автомобиля: /search 1234AB01")
		return
	}

	result, err := b.scraper.SearchFines(ctx, plate)
	if err != nil {
		b.reply(msg.Chat.ID, searchErrorText(err))
		return
	}

	b.replyMarkdown(msg.Chat.ID, formatSearchResult(plate, result))
}

func (b *bot) handleBind(ctx context.Context, msg *tgbotapi.Message, user model.User) {
	plate := strings.ToUpper(strings.TrimSpace(msg.CommandArguments()))
	if plate == "" {
		b.reply(msg.Chat.ID, "Укажите номер автомобиля: /bind 1234AB01")
		return
	}
	if !user.IsPremium || !user.PremiumExpiresAt.After(time.Now()) {
		b.reply(msg.Chat.ID, "Мониторинг доступен только с премиум-подпиской.")
		return
	}

	if _, err := b.store.BindingSet(ctx, user.UserID, plate, user.PremiumExpiresAt); err != nil {
		b.zaplog.Error("binding set failed", zap.Int64("user", user.UserID), zap.Error(err))
		b.reply(msg.Chat.ID, "Не удалось сохранить привязку, попробуйте позже.")
		return
	}
	b.reply(msg.Chat.ID, fmt.Sprintf("Автомобиль %s привязан. Я сообщу о новых штрафах.", plate))
}

func (b *bot) handleUnbind(ctx context.Context, msg *tgbotapi.Message) {
	if err := b.store.BindingRemove(ctx, msg.From.ID); err != nil {
		b.zaplog.Error("binding remove failed", zap.Int64("user", msg.From.ID), zap.Error(err))
		b.reply(msg.Chat.ID, "Не удалось удалить привязку, попробуйте позже.")
		return
	}
	b.reply(msg.Chat.ID, "Привязка удалена.")
}

func (b *bot) handleStatus(ctx context.Context, msg *tgbotapi.Message) {
	binding, err := b.store.BindingGet(ctx, msg.From.ID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			b.reply(msg.Chat.ID, "Привязанного автомобиля нет. Используйте /bind НОМЕР.")
			return
		}
		b.zaplog.Error("binding get failed", zap.Int64("user", msg.From.ID), zap.Error(err))
		b.reply(msg.Chat.ID, "Не удалось получить статус, попробуйте позже.")
		return
	}

	text := fmt.Sprintf("Автомобиль: %s\nМониторинг до: %s",
		binding.Plate, binding.ExpiresAt.Format("02.01.2006"))
	if binding.TrackedInitialized {
		text += fmt.Sprintf("\nОтслеживается штрафов: %d", len(binding.TrackedOrders))
	} else {
		text += "\nПервый опрос ещё не выполнялся."
	}
	b.reply(msg.Chat.ID, text)
}

func searchErrorText(err error) string {
	switch {
	case errors.Is(err, scraper.ErrNotFound):
		return "Информация по данному номеру не найдена."
	case errors.Is(err, scraper.ErrAuthFailed), errors.Is(err, scraper.ErrSessionExpired):
		return "Сервис временно недоступен, попробуйте позже."
	default:
		return "Ошибка при поиске штрафов, попробуйте позже."
	}
}

func formatSearchResult(plate string, result model.SearchResult) string {
	var b strings.Builder

	b.WriteString("🚗 *Номер:* `" + markdown.Escape(plate) + "`\n")
	if result.VehicleInfo.Brand != "" {
		b.WriteString("🏷 *Марка:* " + markdown.Escape(result.VehicleInfo.Brand) + "\n")
	}
	if result.VehicleInfo.Model != "" {
		b.WriteString("🏎 *Модель:* " + markdown.Escape(result.VehicleInfo.Model) + "\n")
	}

	if len(result.Fines) == 0 {
		b.WriteString("\n✅ Штрафов не найдено\\.")
		return b.String()
	}

	b.WriteString(fmt.Sprintf("\n⚠️ *Штрафов найдено:* %d\n", len(result.Fines)))
	for _, fine := range result.Fines {
		b.WriteString("\n📄 `" + markdown.Escape(fine.Order) + "`\n")
		b.WriteString("📅 " + markdown.Escape(fine.Date) + "\n")
		b.WriteString("⚠️ " + markdown.Escape(fine.Violation) + "\n")
		b.WriteString("💰 *" + markdown.Escape(fine.Amount) + "*\n")
	}

	if total := totalAmount(result.Fines); total > 0 {
		b.WriteString(fmt.Sprintf("\n💰 *Итого:* %d", total))
	}
	return b.String()
}

// Суммы на портале - произвольные строки; итог считается по цифрам,
// нечисловые суммы пропускаются
func totalAmount(fines []model.FineRecord) int {
	total := 0
	for _, fine := range fines {
		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, fine.Amount)
		if digits == "" {
			continue
		}
		if value, err := strconv.Atoi(digits); err == nil {
			total += value
		}
	}
	return total
}

func (b *bot) reply(chatID int64, text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.zaplog.Error("failed to send reply", zap.Int64("chat", chatID), zap.Error(err))
	}
}

func (b *bot) replyMarkdown(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	if _, err := b.api.Send(msg); err != nil {
		b.zaplog.Error("failed to send reply", zap.Int64("chat", chatID), zap.Error(err))
	}
}
