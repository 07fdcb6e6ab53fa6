package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kardianos/service"

	"github.com/willibrandon/hostwatch/internal/config"
	"github.com/willibrandon/hostwatch/internal/logger"
)

// ServiceName is the name registered with the host service manager.
const ServiceName = "hostwatch"

// Exit codes shared by the CLI.
const (
	ExitSuccess          = 0
	ExitPermissionDenied = 1
	ExitServiceExists    = 2
	ExitConfigError      = 3
	ExitServiceNotFound  = 1
	ExitAlreadyRunning   = 2
	ExitStartFailed      = 3
	ExitNotRunning       = 1
	ExitStopFailed       = 2
	ExitRestartFailed    = 2
	ExitStopped          = 2
	ExitUnhealthy        = 3
)

var (
	ErrServiceNotInstalled = errors.New("service not installed")
	ErrServiceInstalled    = errors.New("service already installed")
	ErrServiceRunning      = errors.New("service already running")
	ErrServiceNotRunning   = errors.New("service not running")
)

// ServiceConfig holds configuration for creating the service.
type ServiceConfig struct {
	ConfigPath string
	UserMode   bool
	Debug      bool
}

// program implements service.Program.
type program struct {
	agent      *Agent
	configPath string
	debug      bool
}

// Start must return quickly; the agent starts in a goroutine.
func (p *program) Start(s service.Service) error {
	cfg, err := config.Load(p.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if p.debug {
		cfg.Debug = true
	}
	logger.InitLogger(LogLevel(cfg), cfg.LogFile)

	a, err := New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	p.agent = a

	go func() {
		if err := p.agent.Start(); err != nil {
			// The service manager restarts us on failure.
			logger.Error("agent start failed", "error", err)
			_ = p.agent.Stop()
			os.Exit(ExitStartFailed)
		}
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	defer logger.Close()
	if p.agent != nil {
		return p.agent.Stop()
	}
	return nil
}

// NewService creates a service handle.
func NewService(svcConfig ServiceConfig) (service.Service, error) {
	prg := &program{
		configPath: svcConfig.ConfigPath,
		debug:      svcConfig.Debug,
	}

	cfg := &service.Config{
		Name:        ServiceName,
		DisplayName: "hostwatch alert engine",
		Description: "Evaluates host metric alert rules and sends escalating notifications.",
	}

	userMode := svcConfig.UserMode || isUserServiceInstalled()
	if userMode {
		cfg.Option = service.KeyValue{"UserService": true}
	}

	switch runtime.GOOS {
	case "darwin":
		cfg.Option = mergeOptions(cfg.Option, service.KeyValue{
			"KeepAlive":      true,
			"RunAtLoad":      true,
			"LaunchOnlyOnce": false,
		})
	case "linux":
		cfg.Option = mergeOptions(cfg.Option, service.KeyValue{
			"Restart": "on-failure",
		})
	case "windows":
		cfg.Option = mergeOptions(cfg.Option, service.KeyValue{
			"OnFailure":              "restart",
			"OnFailureDelayDuration": "5s",
			"OnFailureResetPeriod":   10,
		})
	}

	cfg.Arguments = []string{"run"}
	if svcConfig.ConfigPath != "" {
		abs, err := filepath.Abs(svcConfig.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg.Arguments = append(cfg.Arguments, "--config", abs)
	}
	if svcConfig.Debug {
		cfg.Arguments = append(cfg.Arguments, "--debug")
	}

	return service.New(prg, cfg)
}

// RunService hands control to the service manager and blocks until stopped.
func RunService(svcConfig ServiceConfig) error {
	svc, err := NewService(svcConfig)
	if err != nil {
		return err
	}
	return svc.Run()
}

// Interactive reports whether the process was started from a terminal rather
// than by the service manager.
func Interactive() bool {
	return service.Interactive()
}

func mergeOptions(base, additional service.KeyValue) service.KeyValue {
	if base == nil {
		base = service.KeyValue{}
	}
	for k, v := range additional {
		base[k] = v
	}
	return base
}

// Install installs the service.
func Install(svcConfig ServiceConfig) error {
	svc, err := NewService(svcConfig)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	if status, err := svc.Status(); err == nil && status != service.StatusUnknown {
		return ErrServiceInstalled
	}

	if err := svc.Install(); err != nil {
		if os.IsPermission(err) {
			return &PermissionError{Err: err}
		}
		return fmt.Errorf("failed to install service: %w", err)
	}
	return nil
}

// Uninstall stops the service if running and removes it.
func Uninstall() error {
	svc, err := NewService(ServiceConfig{})
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	status, err := svc.Status()
	if err != nil || status == service.StatusUnknown {
		return ErrServiceNotInstalled
	}
	if status == service.StatusRunning {
		_ = svc.Stop()
	}

	if err := svc.Uninstall(); err != nil {
		if os.IsPermission(err) {
			return &PermissionError{Err: err}
		}
		return fmt.Errorf("failed to uninstall service: %w", err)
	}
	return nil
}

// Start starts the installed service.
func Start() error {
	svc, err := NewService(ServiceConfig{})
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	status, err := svc.Status()
	if err != nil {
		return ErrServiceNotInstalled
	}
	if status == service.StatusRunning {
		return ErrServiceRunning
	}

	if err := svc.Start(); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	return nil
}

// Stop stops the running service.
func Stop() error {
	svc, err := NewService(ServiceConfig{})
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	status, err := svc.Status()
	if err != nil {
		return ErrServiceNotInstalled
	}
	if status != service.StatusRunning {
		return ErrServiceNotRunning
	}

	if err := svc.Stop(); err != nil {
		return fmt.Errorf("failed to stop service: %w", err)
	}
	return nil
}

// Restart restarts the service.
func Restart() error {
	svc, err := NewService(ServiceConfig{})
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	if _, err := svc.Status(); err != nil {
		return ErrServiceNotInstalled
	}
	if err := svc.Restart(); err != nil {
		return fmt.Errorf("failed to restart service: %w", err)
	}
	return nil
}

// PermissionError indicates an operation requires elevated privileges.
type PermissionError struct {
	Err error
}

func (e *PermissionError) Error() string {
	if runtime.GOOS == "windows" {
		return "administrator privileges required"
	}
	return "permission denied (try with sudo)"
}

func (e *PermissionError) Unwrap() error {
	return e.Err
}

func isUserServiceInstalled() bool {
	if runtime.GOOS != "darwin" {
		return false
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(homeDir, "Library", "LaunchAgents", ServiceName+".plist"))
	return err == nil
}

func isSystemServiceInstalled() bool {
	if runtime.GOOS != "darwin" {
		return false
	}
	_, err := os.Stat("/Library/LaunchDaemons/" + ServiceName + ".plist")
	return err == nil
}

// RequiresSudo returns true if the installed service requires sudo to manage.
func RequiresSudo() bool {
	return isSystemServiceInstalled() && os.Geteuid() != 0
}
