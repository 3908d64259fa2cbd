package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"fiscalprint/internal/database"
	"fiscalprint/internal/events"
	"fiscalprint/internal/export"
	"fiscalprint/internal/models"
	"fiscalprint/internal/service"
	"fiscalprint/internal/worker"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok", "version": models.AgentVersion}
	if s.deps.Queue != nil {
		resp["auto_print"] = s.deps.Queue.AutoPrint()
	}
	if s.deps.Hub != nil {
		resp["ws_clients"] = s.deps.Hub.Count()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body service.EnqueueInput
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req, err := s.deps.Requests.Enqueue(r.Context(), body)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *HTTPServer) handleListRequests(w http.ResponseWriter, r *http.Request) {
	reqs, ok := s.listFromQuery(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": reqs})
}

func (s *HTTPServer) handleExportRequests(w http.ResponseWriter, r *http.Request) {
	reqs, ok := s.listFromQuery(w, r)
	if !ok {
		return
	}

	var buf bytes.Buffer
	if err := export.WriteRequests(&buf, reqs); err != nil {
		s.log.Error().Err(err).Msg("Export failed")
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="print-requests.xlsx"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (s *HTTPServer) listFromQuery(w http.ResponseWriter, r *http.Request) ([]*models.PrintRequest, bool) {
	q := r.URL.Query()
	limit := 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return nil, false
		}
		limit = n
	}

	reqs, err := s.deps.Requests.List(r.Context(), strings.TrimSpace(q.Get("status")), limit)
	if err != nil {
		s.writeServiceError(w, err)
		return nil, false
	}
	return reqs, true
}

func (s *HTTPServer) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.deps.Requests.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *HTTPServer) handleRunPass(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Queue.RunNow(r.Context())
	switch {
	case errors.Is(err, worker.ErrPassInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.log.Error().Err(err).Msg("Manual queue pass failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

type autoPrintBody struct {
	AutoPrint *bool `json:"auto_print"`
}

func (s *HTTPServer) handleGetAutoPrint(w http.ResponseWriter, _ *http.Request) {
	on := s.deps.Queue.AutoPrint()
	writeJSON(w, http.StatusOK, autoPrintBody{AutoPrint: &on})
}

func (s *HTTPServer) handleSetAutoPrint(w http.ResponseWriter, r *http.Request) {
	var body autoPrintBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AutoPrint == nil {
		writeError(w, http.StatusBadRequest, "auto_print is required")
		return
	}

	s.deps.Queue.SetAutoPrint(*body.AutoPrint)
	on := s.deps.Queue.AutoPrint()
	writeJSON(w, http.StatusOK, autoPrintBody{AutoPrint: &on})
}

func (s *HTTPServer) handleGetPrinterConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Printers.Get())
}

func (s *HTTPServer) handleSetPrinterConfig(w http.ResponseWriter, r *http.Request) {
	var cfg models.PrinterConfiguration
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	cfg.FiscalNotePrinter = strings.TrimSpace(cfg.FiscalNotePrinter)
	cfg.NormalPrinter = strings.TrimSpace(cfg.NormalPrinter)

	if err := s.deps.Printers.Set(cfg); err != nil {
		s.log.Error().Err(err).Msg("Saving printer configuration failed")
		writeError(w, http.StatusInternalServerError, "failed to save printer configuration")
		return
	}
	if s.deps.Publisher != nil {
		if err := s.deps.Publisher.PublishJSON(events.EventPrinterConfigSaved, cfg); err != nil {
			s.log.Warn().Err(err).Msg("Publishing printer configuration failed")
		}
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *HTTPServer) handleListPrinters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"printers": s.deps.Bridge.ListPrinters(r.Context())})
}

func (s *HTTPServer) handlePrinterStatus(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeError(w, http.StatusBadRequest, "printer name is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"name":   name,
		"status": s.deps.Bridge.GetPrinterStatus(r.Context(), name),
	})
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.log.Error().Err(err).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
