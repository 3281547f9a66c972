package guardian

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/iara-trader/engine/pkg/types"
)

// TelegramAlertHandler fans Guardian alerts out to a single operator chat.
// It is registered on the AlertBus the same as any other AlertHandler; the
// bus already runs it off its own worker, so a slow Telegram round-trip
// never stalls a Watchdog/Sentinel/Poison-Pill tick.
type TelegramAlertHandler struct {
	logger *zap.Logger
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramAlertHandler builds a handler against an already-authorized
// bot. Construct the bot with tgbotapi.NewBotAPI(token); the token itself
// is an operator credential and never lives in the config file.
func NewTelegramAlertHandler(logger *zap.Logger, bot *tgbotapi.BotAPI, chatID int64) *TelegramAlertHandler {
	return &TelegramAlertHandler{logger: logger.Named("guardian.telegram"), bot: bot, chatID: chatID}
}

func (h *TelegramAlertHandler) send(text string) {
	msg := tgbotapi.NewMessage(h.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := h.bot.Send(msg); err != nil {
		h.logger.Warn("telegram send failed", zap.Error(err))
	}
}

func alertLevelEmoji(level types.AlertLevel) string {
	switch level {
	case types.AlertEmergency:
		return "🚨"
	case types.AlertCritical:
		return "🔴"
	case types.AlertWarning:
		return "🟡"
	default:
		return "ℹ️"
	}
}

// HandlePriceAlert notifies on a Watchdog price event: flash crash/spike,
// stop/take-profit violation, or panic drawdown.
func (h *TelegramAlertHandler) HandlePriceAlert(alert types.PriceAlert) {
	h.send(fmt.Sprintf("%s *%s* %s\n%s\nPrice: %s (ref %s, %.2f%%)",
		alertLevelEmoji(alert.Level), alert.Symbol, alert.AlertType,
		alert.Message, alert.CurrentPrice.String(), alert.ReferencePrice.String(), alert.ChangePct))
}

// HandleNewsAlert notifies on a Sentinel news classification.
func (h *TelegramAlertHandler) HandleNewsAlert(alert types.NewsAlert) {
	h.send(fmt.Sprintf("📰 *%s* (%s)\n%s\n%s\nSuggested: %s (confidence %.0f%%)",
		alert.Symbol, alert.Impact, alert.Headline, alert.Summary, alert.ActionSuggested, alert.Confidence*100))
}

// HandlePoisonPillEvent notifies on an overnight Poison-Pill scan hit.
func (h *TelegramAlertHandler) HandlePoisonPillEvent(event types.PoisonPillEvent) {
	h.send(fmt.Sprintf("☠️ *%s* %s (%s/%s)\n%s\nRecommended: %s",
		event.Symbol, event.EventType, event.Impact, event.Magnitude, event.Headline, event.RecommendedAction))
}
