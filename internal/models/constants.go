package models

const (
	StatusPending   = "pending"
	StatusPrinting  = "printing"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const (
	// PrintTypeFiscalNote selects the fiscal-note printer; every other type uses the normal printer.
	PrintTypeFiscalNote = "fiscal_note"
	PrintTypeNormal     = "normal"
)

const (
	PrinterStatusReady   = "READY"
	PrinterStatusUnknown = "UNKNOWN"
	PrinterStatusError   = "ERROR"
	PrinterStatusOffline = "OFFLINE"
	PrinterStatusBusy    = "BUSY"

	// PDFPrinterName is the synthetic printer that routes jobs to the PDF fallback.
	PDFPrinterName = "PDF"
)

const (
	ChangeInsert = "INSERT"
	ChangeUpdate = "UPDATE"
)

const (
	NotifyInfo    = "info"
	NotifySuccess = "success"
	NotifyWarning = "warning"
	NotifyError   = "error"
)

const (
	// DefaultBatchSize caps how many pending requests one pass snapshots.
	DefaultBatchSize = 100

	// DefaultStepTimeout bounds every bridge and store call made by a pass.
	DefaultStepTimeout = 2 * 60 // seconds

	// DefaultCommandTimeout bounds a single OS print command.
	DefaultCommandTimeout = 60 // seconds

	// DefaultListLimit is used by list endpoints when no limit is given.
	DefaultListLimit = 50

	AgentVersion = "1.0.0"
)
