package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"fiscalprint/internal/config"
	"fiscalprint/internal/domain"
	"fiscalprint/internal/events"
	"fiscalprint/internal/metrics"
	"fiscalprint/internal/models"
	"fiscalprint/internal/worker"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

var levelRank = map[string]int{
	models.NotifyInfo:    0,
	models.NotifySuccess: 1,
	models.NotifyWarning: 2,
	models.NotifyError:   3,
}

// MultiNotifier fans a notification out to every sink in order.
type MultiNotifier struct {
	sinks []domain.Notifier
}

func NewMultiNotifier(sinks ...domain.Notifier) *MultiNotifier {
	kept := make([]domain.Notifier, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &MultiNotifier{sinks: kept}
}

func (m *MultiNotifier) Notify(ctx context.Context, n models.Notification) {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	metrics.IncNotification(n.Level)
	for _, s := range m.sinks {
		s.Notify(ctx, n)
	}
}

type LogNotifier struct {
	logger *zerolog.Logger
}

func NewLogNotifier(logger *zerolog.Logger) *LogNotifier {
	l := logger.With().Str("component", "notifications").Logger()
	return &LogNotifier{logger: &l}
}

func (n *LogNotifier) Notify(_ context.Context, item models.Notification) {
	var event *zerolog.Event
	switch item.Level {
	case models.NotifyError:
		event = n.logger.Error()
	case models.NotifyWarning:
		event = n.logger.Warn()
	default:
		event = n.logger.Info()
	}
	event.Str("level_name", item.Level).
		Str("request_id", item.RequestID).
		Str("printer", item.Printer).
		Msg(item.Message)
}

// BusNotifier publishes notifications on the event bus, where the realtime
// hub forwards them to connected clients.
type BusNotifier struct {
	bus    domain.EventPublisher
	logger *zerolog.Logger
}

func NewBusNotifier(bus domain.EventPublisher, logger *zerolog.Logger) *BusNotifier {
	return &BusNotifier{bus: bus, logger: logger}
}

func (n *BusNotifier) Notify(_ context.Context, item models.Notification) {
	if err := n.bus.PublishJSON(events.EventNotification, item); err != nil {
		n.logger.Warn().Err(err).Msg("Failed to publish notification")
	}
}

// TelegramNotifier sends notifications at or above a minimum level to a set
// of operator chats. Sends happen in the background so a slow API never holds
// up a queue pass; Wait blocks until they are done.
type TelegramNotifier struct {
	sender   domain.TelegramSender
	chatIDs  []int64
	minLevel int
	retry    worker.RetryPolicy
	logger   *zerolog.Logger
	wg       sync.WaitGroup
}

func NewTelegramNotifier(sender domain.TelegramSender, cfg config.TelegramConfig, logger *zerolog.Logger) *TelegramNotifier {
	minLevel, ok := levelRank[cfg.MinLevel]
	if !ok {
		minLevel = levelRank[models.NotifyError]
	}
	l := logger.With().Str("component", "telegram_notifier").Logger()
	return &TelegramNotifier{
		sender:   sender,
		chatIDs:  append([]int64(nil), cfg.ChatIDs...),
		minLevel: minLevel,
		retry: worker.RetryPolicy{
			MaxRetries:    3,
			InitialDelay:  time.Second,
			MaxDelay:      10 * time.Second,
			BackoffFactor: 2,
		},
		logger: &l,
	}
}

// NewTelegramBot connects to the Bot API with the configured token.
func NewTelegramBot(cfg config.TelegramConfig) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	return bot, nil
}

func (n *TelegramNotifier) Notify(ctx context.Context, item models.Notification) {
	rank, ok := levelRank[item.Level]
	if !ok || rank < n.minLevel {
		return
	}

	text := formatTelegram(item)
	ctx = context.WithoutCancel(ctx)
	for _, chatID := range n.chatIDs {
		n.wg.Add(1)
		go func(chatID int64) {
			defer n.wg.Done()
			err := n.retry.Do(ctx, func(context.Context) error {
				_, err := n.sender.Send(tgbotapi.NewMessage(chatID, text))
				return err
			})
			if err != nil {
				n.logger.Error().Err(err).Int64("chat_id", chatID).Str("request_id", item.RequestID).
					Msg("Failed to send telegram notification")
			}
		}(chatID)
	}
}

// Wait blocks until every background send has finished.
func (n *TelegramNotifier) Wait() {
	n.wg.Wait()
}

func formatTelegram(item models.Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", strings.ToUpper(item.Level), item.Message)
	if item.Printer != "" {
		fmt.Fprintf(&b, "\nprinter: %s", item.Printer)
	}
	if item.RequestID != "" {
		fmt.Fprintf(&b, "\nrequest: %s", item.RequestID)
	}
	if !item.At.IsZero() {
		fmt.Fprintf(&b, "\nat: %s", item.At.Format(time.RFC3339))
	}
	return b.String()
}
