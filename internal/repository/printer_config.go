package repository

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"fiscalprint/internal/models"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// FilePrinterConfigStore keeps the device-local printer mapping in a YAML file.
// The file is read once; every Set rewrites it and notifies subscribers.
type FilePrinterConfigStore struct {
	path   string
	logger *zerolog.Logger

	mu     sync.RWMutex
	config models.PrinterConfiguration

	subMu  sync.Mutex
	subs   map[uint64]func(models.PrinterConfiguration)
	nextID uint64
}

func NewFilePrinterConfigStore(path string, logger *zerolog.Logger) (*FilePrinterConfigStore, error) {
	s := &FilePrinterConfigStore{
		path:   path,
		logger: logger,
		subs:   make(map[uint64]func(models.PrinterConfiguration)),
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Info().Str("path", path).Msg("Printer configuration not found, starting empty")
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read printer config: %w", err)
	}

	if err := yaml.Unmarshal(data, &s.config); err != nil {
		return nil, fmt.Errorf("parse printer config %s: %w", path, err)
	}
	return s, nil
}

func (s *FilePrinterConfigStore) Get() models.PrinterConfiguration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

func (s *FilePrinterConfigStore) Set(cfg models.PrinterConfiguration) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal printer config: %w", err)
	}

	s.mu.Lock()
	if err := writeFileAtomic(s.path, data); err != nil {
		s.mu.Unlock()
		return err
	}
	s.config = cfg
	s.mu.Unlock()

	s.logger.Info().
		Str("fiscal_note_printer", cfg.FiscalNotePrinter).
		Str("normal_printer", cfg.NormalPrinter).
		Msg("Printer configuration saved")

	s.subMu.Lock()
	handlers := make([]func(models.PrinterConfiguration), 0, len(s.subs))
	for _, h := range s.subs {
		handlers = append(handlers, h)
	}
	s.subMu.Unlock()

	for _, h := range handlers {
		h(cfg)
	}
	return nil
}

func (s *FilePrinterConfigStore) Subscribe(handler func(models.PrinterConfiguration)) func() {
	s.subMu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = handler
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create printer config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".printers-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp printer config: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write printer config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close printer config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace printer config: %w", err)
	}
	return nil
}
