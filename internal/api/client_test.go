package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"fiscalprint/internal/export"
	"fiscalprint/internal/models"
	"fiscalprint/internal/service"
	"fiscalprint/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestClient(t *testing.T) {
	env := newTestEnv(t, authAPIConfig())
	client := NewClient(env.server.URL+"/", "admin-key", "admin-extra")
	ctx := context.Background()

	created, err := client.Enqueue(ctx, service.EnqueueInput{
		NoteID:    "NF-2002",
		NoteData:  json.RawMessage(`{"total":10}`),
		PrintType: models.PrintTypeFiscalNote,
		CreatedBy: "bob",
	})
	require.NoError(t, err)
	assert.Equal(t, "bob", created.CreatedBy)

	got, err := client.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "NF-2002", got.NoteID)

	list, err := client.List(ctx, models.StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)

	env.queue.result = worker.PassResult{Total: 1, Completed: 1}
	result, err := client.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Completed)

	on, err := client.SetAutoPrint(ctx, true)
	require.NoError(t, err)
	assert.True(t, on)
	on, err = client.AutoPrint(ctx)
	require.NoError(t, err)
	assert.True(t, on)

	printers, err := client.Printers(ctx)
	require.NoError(t, err)
	assert.Len(t, printers, 2)

	want := models.PrinterConfiguration{FiscalNotePrinter: "Epson TM-T20", NormalPrinter: models.PDFPrinterName}
	saved, err := client.SetPrinterConfig(ctx, want)
	require.NoError(t, err)
	assert.Equal(t, want, saved)
	current, err := client.PrinterConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, current)

	var buf bytes.Buffer
	require.NoError(t, client.Export(ctx, "", 0, &buf))
	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(export.SheetName)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestClient_Errors(t *testing.T) {
	env := newTestEnv(t, authAPIConfig())
	ctx := context.Background()

	_, err := NewClient(env.server.URL, "admin-key", "admin-extra").Get(ctx, "missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	_, err = NewClient(env.server.URL, "reader-key", "reader-extra").RunPass(ctx)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, errPermissionDenied.Error(), apiErr.Message)

	_, err = NewClient(env.server.URL, "", "").List(ctx, "", 0)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	env.queue.runErr = worker.ErrPassInProgress
	_, err = NewClient(env.server.URL, "admin-key", "admin-extra").RunPass(ctx)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
}

func TestListQuery(t *testing.T) {
	assert.Equal(t, "", listQuery("", 0))
	assert.Equal(t, "?limit=5&status=failed", listQuery("failed", 5))
}
