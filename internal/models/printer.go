package models

import "time"

// PrinterInfo is what the bridge reports about one printer. Name is also the
// join key against PrinterConfiguration.
type PrinterInfo struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	IsDefault bool   `json:"isDefault"`
}

// IsReady reports whether the status is exactly READY.
func (p PrinterInfo) IsReady() bool {
	return p.Status == PrinterStatusReady
}

// PrinterConfiguration maps document categories to printer names.
// An empty name means requests of that category stay pending.
type PrinterConfiguration struct {
	FiscalNotePrinter string `yaml:"fiscal_note_printer" json:"fiscalNotePrinter"`
	NormalPrinter     string `yaml:"normal_printer" json:"normalPrinter"`
}

// PrinterFor resolves the configured printer for a print type.
func (c PrinterConfiguration) PrinterFor(printType string) string {
	if printType == PrintTypeFiscalNote {
		return c.FiscalNotePrinter
	}
	return c.NormalPrinter
}

// Notification is a user-visible message produced by the queue processor.
type Notification struct {
	Level     string    `json:"level"`
	RequestID string    `json:"request_id,omitempty"`
	Printer   string    `json:"printer,omitempty"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}
