package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"fiscalprint/internal/domain"
	"fiscalprint/internal/models"

	"github.com/rs/zerolog"
)

var ErrInvalidRequest = errors.New("invalid print request")

const maxListLimit = 1000

// EnqueueInput is what a client submits to create a print request.
type EnqueueInput struct {
	NoteID    string          `json:"note_id"`
	NoteData  json.RawMessage `json:"note_data"`
	PrintType string          `json:"print_type"`
	Copies    *int            `json:"copies"`
	CreatedBy string          `json:"created_by"`
}

type PrintService struct {
	store  domain.PrintRequestStore
	actor  string
	logger *zerolog.Logger
}

// NewPrintService builds the request use cases. actor is used as created_by
// when the client does not send one.
func NewPrintService(store domain.PrintRequestStore, actor string, logger *zerolog.Logger) *PrintService {
	return &PrintService{store: store, actor: actor, logger: logger}
}

func (s *PrintService) Enqueue(ctx context.Context, in EnqueueInput) (*models.PrintRequest, error) {
	noteID := strings.TrimSpace(in.NoteID)
	if noteID == "" {
		return nil, fmt.Errorf("%w: note_id is required", ErrInvalidRequest)
	}
	if len(in.NoteData) > 0 && !json.Valid(in.NoteData) {
		return nil, fmt.Errorf("%w: note_data must be valid JSON", ErrInvalidRequest)
	}

	printType := strings.ToLower(strings.TrimSpace(in.PrintType))
	if printType == "" {
		printType = models.PrintTypeNormal
	}

	createdBy := strings.TrimSpace(in.CreatedBy)
	if createdBy == "" {
		createdBy = s.actor
	}

	req := &models.PrintRequest{
		NoteID:    noteID,
		NoteData:  in.NoteData,
		PrintType: printType,
		Copies:    in.Copies,
		CreatedBy: createdBy,
	}
	if err := s.store.CreatePrintRequest(ctx, req); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("request_id", req.ID).
		Str("note_id", req.NoteID).
		Str("print_type", req.PrintType).
		Int("copies", req.EffectiveCopies()).
		Msg("Print request enqueued")
	return req, nil
}

// List returns requests newest first. An empty status lists every status.
func (s *PrintService) List(ctx context.Context, status string, limit int) ([]*models.PrintRequest, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if status != "" && !models.ValidStatus(status) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, status)
	}
	if limit <= 0 {
		limit = models.DefaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.store.ListPrintRequests(ctx, status, limit)
}

func (s *PrintService) Get(ctx context.Context, id string) (*models.PrintRequest, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidRequest)
	}
	return s.store.GetPrintRequest(ctx, id)
}
