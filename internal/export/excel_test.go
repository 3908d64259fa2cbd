package export

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"fiscalprint/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func sampleRequests() []*models.PrintRequest {
	printer := "HP LaserJet"
	msg := "copy 1 of 2 on HP LaserJet: spooler offline"
	printedBy := "caixa-01"
	printedAt := time.Date(2026, 2, 3, 9, 15, 0, 0, time.UTC)
	created := time.Date(2026, 2, 3, 9, 0, 0, 0, time.UTC)
	copies := 2
	return []*models.PrintRequest{
		{
			ID: "r1", NoteID: "NF-1", PrintType: models.PrintTypeFiscalNote, Copies: &copies,
			Status: models.StatusCompleted, PrinterID: &printer, CreatedBy: "seller", CreatedAt: created,
			PrintedBy: &printedBy, PrintedAt: &printedAt, UpdatedBy: "caixa-01", UpdatedAt: printedAt,
		},
		{
			ID: "r2", NoteID: "NF-2", PrintType: models.PrintTypeNormal, Status: models.StatusFailed,
			PrinterID: &printer, ErrorMessage: &msg, CreatedBy: "seller", CreatedAt: created,
			UpdatedBy: "caixa-01", UpdatedAt: created,
		},
	}
}

func TestWriteRequests(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRequests(&buf, sampleRequests()))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{SheetName}, f.GetSheetList())

	rows, err := f.GetRows(SheetName)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, headers, rows[0])
	assert.Equal(t, "NF-1", rows[1][1])
	assert.Equal(t, "2", rows[1][3])
	assert.Equal(t, "completed", rows[1][4])
	assert.Equal(t, "2026-02-03T09:15:00Z", rows[1][10])
	assert.Equal(t, "1", rows[2][3])
	assert.Contains(t, rows[2][6], "spooler offline")
}

func TestSaveRequests_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.xlsx")
	require.NoError(t, SaveRequests(path, nil))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(SheetName)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}
