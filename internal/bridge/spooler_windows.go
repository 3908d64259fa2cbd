//go:build windows

package bridge

// NewSystemSpooler returns the spooler for the host platform.
func NewSystemSpooler(runner CommandRunner) Spooler {
	return NewPowerShellSpooler(runner)
}
