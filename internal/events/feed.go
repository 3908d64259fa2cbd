package events

import (
	"context"
	"encoding/json"

	"fiscalprint/internal/models"
)

// ChangeFeed is the in-process realtime channel for print request changes.
type ChangeFeed struct {
	bus *EventBus
}

func NewChangeFeed(bus *EventBus) *ChangeFeed {
	return &ChangeFeed{bus: bus}
}

func (f *ChangeFeed) Publish(_ context.Context, change models.PrintRequestChange) error {
	return f.bus.PublishJSON(EventPrintRequestChanged, change)
}

func (f *ChangeFeed) Subscribe(handler func(models.PrintRequestChange)) func() {
	return f.bus.Subscribe(EventPrintRequestChanged, func(event *Event) error {
		var change models.PrintRequestChange
		if err := json.Unmarshal(event.Payload, &change); err != nil {
			return err
		}
		handler(change)
		return nil
	})
}
