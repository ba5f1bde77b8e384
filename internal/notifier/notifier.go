package notifier

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/mirzoev/finebot/internal/markdown"
	"github.com/mirzoev/finebot/internal/model"
	"github.com/mirzoev/finebot/internal/scraper"
)

type Notifier interface {
	Notify(ctx context.Context, userID int64, fine model.FineRecord, plate string, info model.VehicleInfo) bool
}

const paymentURLFormat = "https://pay.dc.tj/pay.php?a=%s&s=%s&c=&f1=346&f2=#kortiMilli"

var reNonDigits = regexp.MustCompile(`[^0-9]`)

type telegramNotifier struct {
	bot       *tgbotapi.BotAPI
	scraper   scraper.Scraper
	optimized bool
	zaplog    *zap.Logger
}

func NewNotifier(bot *tgbotapi.BotAPI, scr scraper.Scraper, optimized bool, zaplog *zap.Logger) Notifier {
	return &telegramNotifier{
		bot:       bot,
		scraper:   scr,
		optimized: optimized,
		zaplog:    zaplog,
	}
}

// Уведомление о новом штрафе: одно сообщение с деталями и кнопкой оплаты,
// затем медиафайлы по отдельности. Неудача с медиа не считается неудачей
// уведомления - детали штрафа пользователь уже получил.
// false только если не ушло основное сообщение
func (n *telegramNotifier) Notify(ctx context.Context, userID int64, fine model.FineRecord, plate string, info model.VehicleInfo) bool {
	msg := tgbotapi.NewMessage(userID, buildNotificationText(fine, plate, info))
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL(
				"💳 Оплатить "+fine.Amount,
				PaymentURL(fine.Order, fine.Amount),
			),
		),
	)

	if _, err := n.bot.Send(msg); err != nil {
		n.zaplog.Error("failed to send fine notification",
			zap.Int64("user", userID),
			zap.String("order", fine.Order),
			zap.Error(err))
		return false
	}

	n.sendMedia(ctx, userID, fine)

	n.zaplog.Info("fine notification sent",
		zap.Int64("user", userID),
		zap.String("order", fine.Order))
	return true
}

func buildNotificationText(fine model.FineRecord, plate string, info model.VehicleInfo) string {
	var b strings.Builder

	b.WriteString("🚨 *НОВЫЙ ШТРАФ\\!*\n\n")
	b.WriteString("📋 *Информация об автомобиле:*\n")
	b.WriteString("🚗 *Номер:* `" + markdown.Escape(plate) + "`\n")
	if info.Brand != "" {
		b.WriteString("🏷 *Марка:* " + markdown.Escape(info.Brand) + "\n")
	}
	if info.Model != "" {
		b.WriteString("🏎 *Модель:* " + markdown.Escape(info.Model) + "\n")
	}

	b.WriteString("\n📋 *Детали штрафа:*\n")
	b.WriteString("📄 *Ордер:* `" + markdown.Escape(fine.Order) + "`\n")
	b.WriteString("📅 *Дата нарушения:* " + markdown.Escape(fine.Date) + "\n")
	b.WriteString("⚠️ *Нарушение:* _" + markdown.Escape(fine.Violation) + "_\n")
	b.WriteString("💰 *Сумма:* *" + markdown.Escape(fine.Amount) + "*\n")

	if len(fine.MediaLinks) > 0 {
		b.WriteString(fmt.Sprintf("\n📸 *Медиафайлы:* %d шт\\.\n", len(fine.MediaLinks)))
	}

	return b.String()
}

// Ссылка на оплату штрафа: сумма приводится к числу отбрасыванием
// всего, кроме цифр
func PaymentURL(order string, amount string) string {
	return fmt.Sprintf(paymentURLFormat, order, reNonDigits.ReplaceAllString(amount, ""))
}

func (n *telegramNotifier) sendMedia(ctx context.Context, userID int64, fine model.FineRecord) {
	if len(fine.MediaLinks) == 0 {
		return
	}

	// детерминированный порядок отправки
	keys := make([]string, 0, len(fine.MediaLinks))
	for key := range fine.MediaLinks {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	directs := make([]string, len(keys))
	for i, key := range keys {
		directs[i] = n.scraper.ResolveDirectLink(ctx, fine.MediaLinks[key])
		if directs[i] == "" {
			n.zaplog.Warn("could not resolve direct media link",
				zap.String("order", fine.Order),
				zap.String("media", key))
		}
	}

	contents := n.scraper.DownloadAll(ctx, directs, n.optimized)

	for i, data := range contents {
		if directs[i] == "" || data == nil {
			continue
		}
		if err := n.sendMediaFile(userID, keys[i], directs[i], data, fine.Order); err != nil {
			n.zaplog.Error("failed to send media",
				zap.Int64("user", userID),
				zap.String("order", fine.Order),
				zap.String("media", keys[i]),
				zap.Error(err))
		}
	}
}

func (n *telegramNotifier) sendMediaFile(userID int64, key string, directURL string, data []byte, order string) error {
	file := tgbotapi.FileBytes{
		Name:  mediaFileName(directURL, key, order),
		Bytes: data,
	}
	caption := "Медиа для штрафа `" + markdown.Escape(order) + "`"
	lower := strings.ToLower(directURL)

	var msg tgbotapi.Chattable
	switch {
	case strings.Contains(lower, ".jpg"), strings.Contains(lower, ".jpeg"), strings.Contains(lower, ".png"):
		photo := tgbotapi.NewPhoto(userID, file)
		photo.Caption = caption
		photo.ParseMode = tgbotapi.ModeMarkdownV2
		msg = photo
	case key == "видео", strings.Contains(lower, ".mp4"), strings.Contains(lower, "video.mycar.tj"):
		video := tgbotapi.NewVideo(userID, file)
		video.Caption = caption
		video.ParseMode = tgbotapi.ModeMarkdownV2
		msg = video
	default:
		doc := tgbotapi.NewDocument(userID, file)
		doc.Caption = caption
		doc.ParseMode = tgbotapi.ModeMarkdownV2
		msg = doc
	}

	_, err := n.bot.Send(msg)
	return err
}

func mediaFileName(directURL string, key string, order string) string {
	name := directURL
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	if idx := strings.Index(name, "?"); idx >= 0 {
		name = name[:idx]
	}
	if name == "" {
		name = key + "_" + order
	}
	return name
}
