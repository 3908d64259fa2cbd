package domain

import (
	"context"

	"fiscalprint/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// PrintRequestStore is the persisted, observable collection of print requests.
type PrintRequestStore interface {
	CreatePrintRequest(ctx context.Context, req *models.PrintRequest) error
	GetPrintRequest(ctx context.Context, id string) (*models.PrintRequest, error)
	ListPrintRequests(ctx context.Context, status string, limit int) ([]*models.PrintRequest, error)
	GetPendingPrintRequests(ctx context.Context, limit int) ([]*models.PrintRequest, error)
	CountPendingPrintRequests(ctx context.Context) (int, error)
	ClaimPrintRequest(ctx context.Context, id, printer, actor string) error
	CompletePrintRequest(ctx context.Context, id, actor string) error
	FailPrintRequest(ctx context.Context, id string, printer *string, message, actor string) error
	FailInterruptedPrintRequests(ctx context.Context, message, actor string) ([]string, error)
}

// ChangeFeed carries realtime row changes. Subscribe returns a function that
// removes the handler; calling it more than once is safe.
type ChangeFeed interface {
	Publish(ctx context.Context, change models.PrintRequestChange) error
	Subscribe(handler func(models.PrintRequestChange)) (unsubscribe func())
}

// PrinterConfigStore holds the device-local category to printer mapping.
type PrinterConfigStore interface {
	Get() models.PrinterConfiguration
	Set(cfg models.PrinterConfiguration) error
	Subscribe(handler func(models.PrinterConfiguration)) (unsubscribe func())
}

type Notifier interface {
	Notify(ctx context.Context, n models.Notification)
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}
