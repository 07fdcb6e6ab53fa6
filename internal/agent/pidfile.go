package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrAgentRunning is returned when another agent instance holds the PID file.
var ErrAgentRunning = errors.New("another hostwatch agent is already running")

// ErrNoPIDFile is returned when no PID file exists.
var ErrNoPIDFile = errors.New("no PID file found")

// PIDFile guards against two agents evaluating the same rules.
type PIDFile struct {
	path string
}

// NewPIDFile returns a PID file at <dataPath>/hostwatch.pid.
func NewPIDFile(dataPath string) *PIDFile {
	return &PIDFile{path: filepath.Join(dataPath, "hostwatch.pid")}
}

// Path returns the file location.
func (p *PIDFile) Path() string {
	return p.path
}

// Acquire writes the current PID. A file left behind by a dead process is
// replaced; a live one yields ErrAgentRunning.
func (p *PIDFile) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	if pid, err := p.Read(); err == nil && pid != os.Getpid() && isProcessRunning(pid) {
		return fmt.Errorf("%w (pid %d)", ErrAgentRunning, pid)
	}

	content := strconv.Itoa(os.Getpid()) + "\n"
	if err := os.WriteFile(p.path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

// Read returns the recorded PID.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNoPIDFile
		}
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	return pid, nil
}

// Running returns the PID of a live agent, or 0. A stale file is removed.
func (p *PIDFile) Running() (int, error) {
	pid, err := p.Read()
	if errors.Is(err, ErrNoPIDFile) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if !isProcessRunning(pid) {
		_ = p.Release()
		return 0, nil
	}
	return pid, nil
}

// Release removes the file.
func (p *PIDFile) Release() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// FindProcess always succeeds on Unix; signal 0 probes for existence.
	return process.Signal(syscall.Signal(0)) == nil
}
