package bridge

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"fiscalprint/internal/models"
)

// Spooler is the platform print subsystem.
type Spooler interface {
	Printers(ctx context.Context) ([]models.PrinterInfo, error)
	Status(ctx context.Context, name string) (string, error)
	Print(ctx context.Context, printer, filePath string) error
}

// CommandRunner runs an OS command and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands through os/exec, each under Timeout.
type ExecRunner struct {
	Timeout time.Duration
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	output, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return output, fmt.Errorf("%s timed out after %s: %w", name, r.Timeout, ctx.Err())
		}
		return output, fmt.Errorf("%s failed: %w, output: %s", name, err, strings.TrimSpace(string(output)))
	}
	return output, nil
}

// LPSpooler talks to CUPS through lpstat and lp.
type LPSpooler struct {
	runner CommandRunner
}

func NewLPSpooler(runner CommandRunner) *LPSpooler {
	return &LPSpooler{runner: runner}
}

func (s *LPSpooler) Printers(ctx context.Context) ([]models.PrinterInfo, error) {
	output, err := s.runner.Run(ctx, "lpstat", "-p")
	if err != nil {
		return nil, err
	}

	defaultName := ""
	if out, err := s.runner.Run(ctx, "lpstat", "-d"); err == nil {
		defaultName = parseLPDefault(out)
	}

	printers := parseLPPrinters(output)
	for i := range printers {
		printers[i].IsDefault = printers[i].Name == defaultName
	}
	return printers, nil
}

func (s *LPSpooler) Status(ctx context.Context, name string) (string, error) {
	output, err := s.runner.Run(ctx, "lpstat", "-p", name)
	if err != nil {
		return models.PrinterStatusUnknown, err
	}
	printers := parseLPPrinters(output)
	if len(printers) == 0 {
		return models.PrinterStatusUnknown, fmt.Errorf("printer %q not reported by lpstat", name)
	}
	status := printers[0].Status

	if status == models.PrinterStatusReady {
		if accepting, err := s.runner.Run(ctx, "lpstat", "-a", name); err == nil &&
			strings.Contains(string(accepting), "not accepting") {
			return models.PrinterStatusOffline, nil
		}
	}
	return status, nil
}

func (s *LPSpooler) Print(ctx context.Context, printer, filePath string) error {
	_, err := s.runner.Run(ctx, "lp", "-d", printer, filePath)
	return err
}

// parseLPPrinters reads `lpstat -p` lines such as
// "printer HP_LaserJet is idle.  enabled since ...".
func parseLPPrinters(output []byte) []models.PrinterInfo {
	var printers []models.PrinterInfo
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != "printer" {
			continue
		}
		printers = append(printers, models.PrinterInfo{
			Name:   fields[1],
			Status: lpStatus(scanner.Text()),
		})
	}
	return printers
}

func lpStatus(line string) string {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "disabled"):
		return models.PrinterStatusOffline
	case strings.Contains(lower, "now printing"):
		return models.PrinterStatusBusy
	case strings.Contains(lower, "is idle"):
		return models.PrinterStatusReady
	default:
		return models.PrinterStatusUnknown
	}
}

// parseLPDefault reads "system default destination: NAME".
func parseLPDefault(output []byte) string {
	const marker = "system default destination:"
	for _, line := range strings.Split(string(output), "\n") {
		if idx := strings.Index(line, marker); idx >= 0 {
			return strings.TrimSpace(line[idx+len(marker):])
		}
	}
	return ""
}

// PowerShellSpooler uses Win32_Printer for enumeration and the shell PrintTo verb.
type PowerShellSpooler struct {
	runner CommandRunner
}

func NewPowerShellSpooler(runner CommandRunner) *PowerShellSpooler {
	return &PowerShellSpooler{runner: runner}
}

const psListPrinters = `Get-CimInstance -ClassName Win32_Printer | ForEach-Object { "{0}|{1}|{2}|{3}" -f $_.Name,$_.PrinterStatus,$_.WorkOffline,$_.Default }`

func (s *PowerShellSpooler) Printers(ctx context.Context) ([]models.PrinterInfo, error) {
	output, err := s.runner.Run(ctx, "powershell", "-NoProfile", "-Command", psListPrinters)
	if err != nil {
		return nil, err
	}
	return parseWin32Printers(output), nil
}

func (s *PowerShellSpooler) Status(ctx context.Context, name string) (string, error) {
	printers, err := s.Printers(ctx)
	if err != nil {
		return models.PrinterStatusUnknown, err
	}
	for _, p := range printers {
		if p.Name == name {
			return p.Status, nil
		}
	}
	return models.PrinterStatusUnknown, fmt.Errorf("printer %q not found", name)
}

func (s *PowerShellSpooler) Print(ctx context.Context, printer, filePath string) error {
	script := fmt.Sprintf(`Start-Process -FilePath %s -Verb PrintTo -ArgumentList %s -WindowStyle Hidden -Wait`,
		psQuote(filePath), psQuote(`"`+printer+`"`))
	_, err := s.runner.Run(ctx, "powershell", "-NoProfile", "-Command", script)
	return err
}

func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// parseWin32Printers reads Name|PrinterStatus|WorkOffline|Default lines.
func parseWin32Printers(output []byte) []models.PrinterInfo {
	var printers []models.PrinterInfo
	for _, line := range strings.Split(string(output), "\n") {
		parts := strings.Split(strings.TrimSpace(line), "|")
		if len(parts) != 4 || parts[0] == "" {
			continue
		}
		status := win32Status(parts[1])
		if strings.EqualFold(parts[2], "True") {
			status = models.PrinterStatusOffline
		}
		printers = append(printers, models.PrinterInfo{
			Name:      parts[0],
			Status:    status,
			IsDefault: strings.EqualFold(parts[3], "True"),
		})
	}
	return printers
}

// Win32_Printer.PrinterStatus: 3 idle, 4 printing, 5 warmup, 6 stopped, 7 offline.
func win32Status(code string) string {
	n, err := strconv.Atoi(strings.TrimSpace(code))
	if err != nil {
		return models.PrinterStatusUnknown
	}
	switch n {
	case 3:
		return models.PrinterStatusReady
	case 4, 5:
		return models.PrinterStatusBusy
	case 6:
		return models.PrinterStatusError
	case 7:
		return models.PrinterStatusOffline
	default:
		return models.PrinterStatusUnknown
	}
}
