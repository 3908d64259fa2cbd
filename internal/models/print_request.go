package models

import (
	"encoding/json"
	"time"
)

// PrintRequest is one persisted unit of work: print a document snapshot N times
// on the printer assigned to its category.
type PrintRequest struct {
	ID           string          `json:"id"`
	NoteID       string          `json:"note_id"`
	NoteData     json.RawMessage `json:"note_data"`
	PrintType    string          `json:"print_type"`
	PrinterID    *string         `json:"printer_id"`
	Copies       *int            `json:"copies"`
	Status       string          `json:"status"`
	ErrorMessage *string         `json:"error_message"`
	CreatedBy    string          `json:"created_by"`
	CreatedAt    time.Time       `json:"created_at"`
	PrintedAt    *time.Time      `json:"printed_at"`
	PrintedBy    *string         `json:"printed_by"`
	UpdatedAt    time.Time       `json:"updated_at"`
	UpdatedBy    string          `json:"updated_by"`
}

// EffectiveCopies returns the copy count used for dispatch. Null and non-positive values mean 1.
func (r *PrintRequest) EffectiveCopies() int {
	if r.Copies == nil || *r.Copies <= 0 {
		return 1
	}
	return *r.Copies
}

// IsTerminal reports whether the request reached completed or failed.
func (r *PrintRequest) IsTerminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// PrinterName returns the persisted printer id or an empty string.
func (r *PrintRequest) PrinterName() string {
	if r.PrinterID == nil {
		return ""
	}
	return *r.PrinterID
}

// PrintRequestChange is a realtime notification about a print_requests row.
type PrintRequestChange struct {
	Type    string        `json:"type"`
	Record  *PrintRequest `json:"record"`
	Changed time.Time     `json:"changed_at"`
}

// ValidStatus reports whether s belongs to the four-state enum.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusPrinting, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}
