package bridge

import (
	"bytes"
	"html"
	"os"
	"runtime"
	"strings"

	"fiscalprint/internal/models"
)

var excludedPrinterMarkers = []string{"fax", "document writer", "onenote", "pdf"}

// FilterPrinters drops virtual devices. The second result reports whether any
// raw name advertised pdf before filtering.
func FilterPrinters(raw []models.PrinterInfo) ([]models.PrinterInfo, bool) {
	printers := make([]models.PrinterInfo, 0, len(raw))
	advertisesPDF := false

	for _, p := range raw {
		lower := strings.ToLower(p.Name)
		if strings.Contains(lower, "pdf") {
			advertisesPDF = true
		}
		if isExcluded(lower) {
			continue
		}
		printers = append(printers, p)
	}
	return printers, advertisesPDF
}

func isExcluded(lowerName string) bool {
	for _, marker := range excludedPrinterMarkers {
		if strings.Contains(lowerName, marker) {
			return true
		}
	}
	return false
}

// ReaderDetector reports whether a PDF reader is installed at a well-known path.
type ReaderDetector struct {
	paths []string
	stat  func(string) (os.FileInfo, error)
}

func NewReaderDetector(paths []string) *ReaderDetector {
	if len(paths) == 0 {
		paths = defaultReaderPaths(runtime.GOOS)
	}
	return &ReaderDetector{paths: paths, stat: os.Stat}
}

func (d *ReaderDetector) Detected() bool {
	for _, p := range d.paths {
		if _, err := d.stat(os.ExpandEnv(p)); err == nil {
			return true
		}
	}
	return false
}

func defaultReaderPaths(goos string) []string {
	switch goos {
	case "windows":
		return []string{
			`${ProgramFiles}\Adobe\Acrobat DC\Acrobat\Acrobat.exe`,
			`${ProgramFiles}\Adobe\Acrobat Reader DC\Reader\AcroRd32.exe`,
			`${ProgramFiles(x86)}\Adobe\Acrobat Reader DC\Reader\AcroRd32.exe`,
			`${ProgramFiles}\SumatraPDF\SumatraPDF.exe`,
			`${ProgramFiles(x86)}\Foxit Software\Foxit PDF Reader\FoxitPDFReader.exe`,
		}
	case "darwin":
		return []string{
			"/System/Applications/Preview.app",
			"/Applications/Preview.app",
			"/Applications/Adobe Acrobat Reader.app",
		}
	default:
		return []string{
			"/usr/bin/evince",
			"/usr/bin/okular",
			"/usr/bin/atril",
			"/usr/bin/zathura",
		}
	}
}

const (
	KindPDF  = "pdf"
	KindHTML = "html"
	KindText = "text"
)

// DetectKind sniffs the payload format.
func DetectKind(data []byte) string {
	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("%PDF-")) {
		return KindPDF
	}
	if len(trimmed) > 0 && trimmed[0] == '<' {
		head := strings.ToLower(string(trimmed[:min(len(trimmed), 512)]))
		for _, tag := range []string{"<!doctype html", "<html", "<body", "<div", "<table", "<p", "<pre"} {
			if strings.Contains(head, tag) {
				return KindHTML
			}
		}
	}
	return KindText
}

// AsHTML wraps non-HTML payloads in a preformatted block.
func AsHTML(data []byte) string {
	if DetectKind(data) == KindHTML {
		return string(data)
	}
	return "<!DOCTYPE html><html><head><meta charset=\"UTF-8\"></head><body><pre>" +
		html.EscapeString(string(data)) + "</pre></body></html>"
}
