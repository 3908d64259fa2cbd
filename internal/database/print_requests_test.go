package database

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fiscalprint/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingFeed struct {
	mu      sync.Mutex
	changes []models.PrintRequestChange
}

func (f *recordingFeed) Publish(_ context.Context, change models.PrintRequestChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, change)
	return nil
}

func (f *recordingFeed) Subscribe(func(models.PrintRequestChange)) func() {
	return func() {}
}

func (f *recordingFeed) snapshot() []models.PrintRequestChange {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.PrintRequestChange(nil), f.changes...)
}

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	return setupFileDB(t, filepath.Join(t.TempDir(), "print.db"))
}

func setupFileDB(t *testing.T, path string) *DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := NewDB(path, &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func intPtr(v int) *int { return &v }

func newRequest(noteID, printType string) *models.PrintRequest {
	return &models.PrintRequest{
		NoteID:    noteID,
		NoteData:  json.RawMessage(`{"number":"000123","total":42.5}`),
		PrintType: printType,
		CreatedBy: "alice",
	}
}

func TestNewDB_DirectoryCreation(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	db := setupFileDB(t, dbPath)

	assert.FileExists(t, dbPath)
	assert.Equal(t, dbPath, db.Path())
	assert.NoError(t, db.PingContext(context.Background()))
}

func TestNewDB_InMemory(t *testing.T) {
	logger := zerolog.Nop()
	db, err := NewDB(":memory:", &logger)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.CreatePrintRequest(ctx, newRequest("n1", models.PrintTypeNormal)))

	count, err := db.CountPendingPrintRequests(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCreateAndGetPrintRequest(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	req := newRequest("note-1", models.PrintTypeFiscalNote)
	req.Copies = intPtr(2)
	printer := "should be ignored"
	req.PrinterID = &printer
	require.NoError(t, db.CreatePrintRequest(ctx, req))

	assert.NotEmpty(t, req.ID)
	assert.Equal(t, models.StatusPending, req.Status)
	assert.Nil(t, req.PrinterID)

	got, err := db.GetPrintRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "note-1", got.NoteID)
	assert.Equal(t, models.PrintTypeFiscalNote, got.PrintType)
	assert.JSONEq(t, `{"number":"000123","total":42.5}`, string(got.NoteData))
	require.NotNil(t, got.Copies)
	assert.Equal(t, 2, *got.Copies)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Nil(t, got.PrinterID)
	assert.Nil(t, got.ErrorMessage)
	assert.Nil(t, got.PrintedAt)
	assert.Nil(t, got.PrintedBy)
	assert.Equal(t, "alice", got.CreatedBy)
	assert.Equal(t, "alice", got.UpdatedBy)
	assert.WithinDuration(t, time.Now(), got.CreatedAt, 5*time.Second)
}

func TestCreatePrintRequest_Defaults(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	req := &models.PrintRequest{NoteID: "note-2"}
	require.NoError(t, db.CreatePrintRequest(ctx, req))

	got, err := db.GetPrintRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PrintTypeNormal, got.PrintType)
	assert.Nil(t, got.Copies)
	assert.Equal(t, 1, got.EffectiveCopies())
	assert.JSONEq(t, `{}`, string(got.NoteData))
}

func TestGetPrintRequest_NotFound(t *testing.T) {
	db := setupTestDB(t)

	_, err := db.GetPrintRequest(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetPendingPrintRequests_OrderAndLimit(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	var ids []string
	for _, note := range []string{"a", "b", "c"} {
		req := newRequest(note, models.PrintTypeNormal)
		require.NoError(t, db.CreatePrintRequest(ctx, req))
		ids = append(ids, req.ID)
	}
	require.NoError(t, db.ClaimPrintRequest(ctx, ids[1], "HP", "printd"))

	pending, err := db.GetPendingPrintRequests(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ids[0], pending[0].ID)
	assert.Equal(t, ids[2], pending[1].ID)

	limited, err := db.GetPendingPrintRequests(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, ids[0], limited[0].ID)

	count, err := db.CountPendingPrintRequests(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestListPrintRequests(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	first := newRequest("a", models.PrintTypeNormal)
	second := newRequest("b", models.PrintTypeNormal)
	require.NoError(t, db.CreatePrintRequest(ctx, first))
	require.NoError(t, db.CreatePrintRequest(ctx, second))
	require.NoError(t, db.FailPrintRequest(ctx, first.ID, nil, "boom", "printd"))

	all, err := db.ListPrintRequests(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID)

	failed, err := db.ListPrintRequests(ctx, models.StatusFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, first.ID, failed[0].ID)
}

func TestStatusTransitions(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	req := newRequest("note", models.PrintTypeFiscalNote)
	require.NoError(t, db.CreatePrintRequest(ctx, req))

	require.NoError(t, db.ClaimPrintRequest(ctx, req.ID, "HP LaserJet", "printd"))
	got, err := db.GetPrintRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPrinting, got.Status)
	assert.Equal(t, "HP LaserJet", got.PrinterName())
	assert.Equal(t, "printd", got.UpdatedBy)

	assert.ErrorIs(t, db.ClaimPrintRequest(ctx, req.ID, "Other", "printd"), ErrNotClaimed)

	require.NoError(t, db.CompletePrintRequest(ctx, req.ID, "printd"))
	got, err = db.GetPrintRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.PrintedAt)
	require.NotNil(t, got.PrintedBy)
	assert.Equal(t, "printd", *got.PrintedBy)
	assert.Nil(t, got.ErrorMessage)

	// completed is terminal
	assert.ErrorIs(t, db.FailPrintRequest(ctx, req.ID, nil, "late", "printd"), ErrNotClaimed)
	assert.ErrorIs(t, db.CompletePrintRequest(ctx, req.ID, "printd"), ErrNotClaimed)
	got, err = db.GetPrintRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func TestCompletePrintRequest_RequiresPrinting(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	req := newRequest("note", models.PrintTypeNormal)
	require.NoError(t, db.CreatePrintRequest(ctx, req))

	assert.ErrorIs(t, db.CompletePrintRequest(ctx, req.ID, "printd"), ErrNotClaimed)
	assert.ErrorIs(t, db.CompletePrintRequest(ctx, "missing", "printd"), ErrNotFound)
}

func TestFailPrintRequest_PrinterPreservation(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	claimed := newRequest("claimed", models.PrintTypeNormal)
	require.NoError(t, db.CreatePrintRequest(ctx, claimed))
	require.NoError(t, db.ClaimPrintRequest(ctx, claimed.ID, "HP", "printd"))
	require.NoError(t, db.FailPrintRequest(ctx, claimed.ID, nil, "spooler offline", "printd"))

	got, err := db.GetPrintRequest(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "HP", got.PrinterName())
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "spooler offline")
	assert.Nil(t, got.PrintedAt)

	unclaimed := newRequest("unclaimed", models.PrintTypeNormal)
	require.NoError(t, db.CreatePrintRequest(ctx, unclaimed))
	attempted := "Epson"
	require.NoError(t, db.FailPrintRequest(ctx, unclaimed.ID, &attempted, "claim lost", "printd"))

	got, err = db.GetPrintRequest(ctx, unclaimed.ID)
	require.NoError(t, err)
	assert.Equal(t, "Epson", got.PrinterName())
}

func TestFailInterruptedPrintRequests(t *testing.T) {
	db := setupTestDB(t)
	feed := &recordingFeed{}
	db.SetChangeFeed(feed)
	ctx := context.Background()

	stuck := newRequest("stuck", models.PrintTypeFiscalNote)
	require.NoError(t, db.CreatePrintRequest(ctx, stuck))
	require.NoError(t, db.ClaimPrintRequest(ctx, stuck.ID, "HP", "printd"))
	waiting := newRequest("waiting", models.PrintTypeNormal)
	require.NoError(t, db.CreatePrintRequest(ctx, waiting))
	done := newRequest("done", models.PrintTypeNormal)
	require.NoError(t, db.CreatePrintRequest(ctx, done))
	require.NoError(t, db.ClaimPrintRequest(ctx, done.ID, "HP", "printd"))
	require.NoError(t, db.CompletePrintRequest(ctx, done.ID, "printd"))

	ids, err := db.FailInterruptedPrintRequests(ctx, "interrupted", "printd")
	require.NoError(t, err)
	assert.Equal(t, []string{stuck.ID}, ids)

	got, err := db.GetPrintRequest(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "HP", got.PrinterName())
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "interrupted", *got.ErrorMessage)

	got, err = db.GetPrintRequest(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	got, err = db.GetPrintRequest(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)

	changes := feed.snapshot()
	last := changes[len(changes)-1]
	assert.Equal(t, models.ChangeUpdate, last.Type)
	assert.Equal(t, stuck.ID, last.Record.ID)

	ids, err = db.FailInterruptedPrintRequests(ctx, "interrupted", "printd")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestConcurrentClaim(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	req := newRequest("race", models.PrintTypeNormal)
	require.NoError(t, db.CreatePrintRequest(ctx, req))

	const workers = 10
	var wg sync.WaitGroup
	results := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- db.ClaimPrintRequest(ctx, req.ID, "HP", "printd")
		}()
	}
	wg.Wait()
	close(results)

	won := 0
	for err := range results {
		if err == nil {
			won++
			continue
		}
		assert.ErrorIs(t, err, ErrNotClaimed)
	}
	assert.Equal(t, 1, won)
}

func TestChangeFeedPublishing(t *testing.T) {
	db := setupTestDB(t)
	feed := &recordingFeed{}
	db.SetChangeFeed(feed)
	ctx := context.Background()

	req := newRequest("note", models.PrintTypeNormal)
	require.NoError(t, db.CreatePrintRequest(ctx, req))
	require.NoError(t, db.ClaimPrintRequest(ctx, req.ID, "HP", "printd"))
	require.NoError(t, db.CompletePrintRequest(ctx, req.ID, "printd"))
	assert.ErrorIs(t, db.ClaimPrintRequest(ctx, req.ID, "HP", "printd"), ErrNotClaimed)

	changes := feed.snapshot()
	require.Len(t, changes, 3)
	assert.Equal(t, models.ChangeInsert, changes[0].Type)
	assert.Equal(t, models.StatusPending, changes[0].Record.Status)
	assert.Equal(t, models.ChangeUpdate, changes[1].Type)
	assert.Equal(t, models.StatusPrinting, changes[1].Record.Status)
	assert.Equal(t, models.StatusCompleted, changes[2].Record.Status)
}
