package export

import (
	"fmt"
	"io"
	"time"

	"fiscalprint/internal/models"

	"github.com/xuri/excelize/v2"
)

const SheetName = "Print requests"

var headers = []string{
	"ID", "Note", "Type", "Copies", "Status", "Printer", "Error",
	"Created by", "Created at", "Printed by", "Printed at", "Updated by", "Updated at",
}

var statusFill = map[string]string{
	models.StatusPending:   "#FFEB9C",
	models.StatusPrinting:  "#DDEBF7",
	models.StatusCompleted: "#C6EFCE",
	models.StatusFailed:    "#FFC7CE",
}

// WriteRequests renders print request history as an xlsx workbook.
func WriteRequests(w io.Writer, requests []*models.PrintRequest) error {
	f, err := build(requests)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// SaveRequests writes the workbook to path.
func SaveRequests(path string, requests []*models.PrintRequest) error {
	f, err := build(requests)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}
	return nil
}

func build(requests []*models.PrintRequest) (*excelize.File, error) {
	f := excelize.NewFile()

	index, err := f.NewSheet(SheetName)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	_ = f.DeleteSheet("Sheet1")

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#D9D9D9"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(SheetName, cell, h)
		_ = f.SetCellStyle(SheetName, cell, cell, headerStyle)
	}
	_ = f.SetColWidth(SheetName, "A", "A", 38)
	_ = f.SetColWidth(SheetName, "B", "F", 16)
	_ = f.SetColWidth(SheetName, "G", "G", 40)
	_ = f.SetColWidth(SheetName, "H", "M", 22)
	_ = f.SetPanes(SheetName, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	styles := make(map[string]int, len(statusFill))
	for status, color := range statusFill {
		id, err := f.NewStyle(&excelize.Style{
			Fill: excelize.Fill{Type: "pattern", Color: []string{color}, Pattern: 1},
		})
		if err == nil {
			styles[status] = id
		}
	}

	for i, req := range requests {
		row := i + 2
		values := []interface{}{
			req.ID,
			req.NoteID,
			req.PrintType,
			req.EffectiveCopies(),
			req.Status,
			req.PrinterName(),
			deref(req.ErrorMessage),
			req.CreatedBy,
			formatTime(&req.CreatedAt),
			deref(req.PrintedBy),
			formatTime(req.PrintedAt),
			req.UpdatedBy,
			formatTime(&req.UpdatedAt),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			_ = f.SetCellValue(SheetName, cell, v)
		}
		if style, ok := styles[req.Status]; ok {
			cell, _ := excelize.CoordinatesToCellName(5, row)
			_ = f.SetCellStyle(SheetName, cell, cell, style)
		}
	}

	if len(requests) > 0 {
		last, _ := excelize.CoordinatesToCellName(len(headers), len(requests)+1)
		_ = f.AutoFilter(SheetName, "A1:"+last, nil)
	}

	return f, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
