package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/willibrandon/hostwatch/internal/agent"
	"github.com/willibrandon/hostwatch/internal/config"
	"github.com/willibrandon/hostwatch/internal/logger"
)

var (
	// Version info (set by ldflags)
	version = "dev"

	// Flags
	configPath string
	debug      bool
	userMode   bool
	jsonOutput bool
)

func main() {
	agent.Version = version

	rootCmd := &cobra.Command{
		Use:   "hostwatch",
		Short: "Host metric alerting engine",
		Long: `hostwatch evaluates alert rules against host metrics, tracks alert
events through triggered, acknowledged and resolved, and escalates
notifications by email and SMS.

Service Management:
  hostwatch install [--user]   Install as system/user service
  hostwatch uninstall          Remove the service
  hostwatch start              Start the installed service
  hostwatch stop               Stop the running service
  hostwatch restart            Restart the service
  hostwatch status [--json]    Show service status

Direct Run:
  hostwatch run [--debug]      Run in foreground mode`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.config/hostwatch/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(
		newRunCmd(),
		newInstallCmd(),
		newUninstallCmd(),
		newStartCmd(),
		newStopCmd(),
		newRestartCmd(),
		newStatusCmd(),
		newRulesCmd(),
		newEventsCmd(),
		newUsersCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the config named by --config or the default search path.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.Debug = true
	}
	return cfg, nil
}

// mustLoadConfig exits with ExitConfigError when the config is invalid.
func mustLoadConfig() *config.Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(agent.ExitConfigError)
	}
	return cfg
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent in the foreground",
		Long: `Run the agent in the foreground. The service manager also starts the
agent through this command.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !agent.Interactive() {
				return agent.RunService(agent.ServiceConfig{ConfigPath: configPath, Debug: debug})
			}
			return runForeground()
		},
	}
}

func runForeground() error {
	cfg := mustLoadConfig()

	logger.InitLogger(agent.LogLevel(cfg), cfg.LogFile)
	defer logger.Close()

	a, err := agent.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating agent: %v\n", err)
		os.Exit(agent.ExitConfigError)
	}

	if err := a.Start(); err != nil {
		_ = a.Stop()
		if errors.Is(err, agent.ErrAgentRunning) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(agent.ExitAlreadyRunning)
		}
		fmt.Fprintf(os.Stderr, "Error starting agent: %v\n", err)
		os.Exit(agent.ExitStartFailed)
	}

	if addr := a.AdminAddr(); addr != "" {
		fmt.Printf("hostwatch running (admin API on http://%s)\n", addr)
	} else {
		fmt.Println("hostwatch running")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

	return a.Stop()
}

func newInstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install hostwatch as a system service",
		Long: `Install hostwatch as a system service that starts on boot.

Use --user to install as a user service (no elevated privileges required).
System service installation requires administrator/root privileges.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: invalid config: %v\n", err)
				os.Exit(agent.ExitConfigError)
			}

			err := agent.Install(agent.ServiceConfig{
				ConfigPath: configPath,
				UserMode:   userMode,
				Debug:      debug,
			})
			if err != nil {
				var permErr *agent.PermissionError
				switch {
				case errors.As(err, &permErr):
					fmt.Fprintf(os.Stderr, "Error: %v\n", permErr)
					os.Exit(agent.ExitPermissionDenied)
				case errors.Is(err, agent.ErrServiceInstalled):
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					fmt.Fprintf(os.Stderr, "Use 'hostwatch uninstall' first to reinstall\n")
					os.Exit(agent.ExitServiceExists)
				}
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(agent.ExitConfigError)
			}

			fmt.Println("hostwatch installed successfully")
			if userMode {
				fmt.Println("Installed as user service")
			} else {
				fmt.Println("Installed as system service")
			}
			fmt.Println("\nTo start the service:")
			fmt.Println("  hostwatch start")
			return nil
		},
	}
	cmd.Flags().BoolVar(&userMode, "user", false, "install as user service instead of system")
	return cmd
}

// serviceAction runs a service manager operation with the shared error handling.
func serviceAction(name string, fn func() error, failCode int, done string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: fmt.Sprintf("%s the hostwatch service", name),
		RunE: func(cmd *cobra.Command, args []string) error {
			if agent.RequiresSudo() {
				fmt.Fprintf(os.Stderr, "Error: system service installed, requires sudo\n")
				fmt.Fprintf(os.Stderr, "Run: sudo hostwatch %s\n", name)
				os.Exit(agent.ExitPermissionDenied)
			}

			err := fn()
			var permErr *agent.PermissionError
			switch {
			case err == nil:
				fmt.Println(done)
				return nil
			case errors.As(err, &permErr):
				fmt.Fprintf(os.Stderr, "Error: %v\n", permErr)
				os.Exit(agent.ExitPermissionDenied)
			case errors.Is(err, agent.ErrServiceNotInstalled):
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				fmt.Fprintf(os.Stderr, "Use 'hostwatch install' first\n")
				os.Exit(agent.ExitServiceNotFound)
			case errors.Is(err, agent.ErrServiceRunning):
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(agent.ExitAlreadyRunning)
			case errors.Is(err, agent.ErrServiceNotRunning):
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(agent.ExitNotRunning)
			}
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(failCode)
			return nil
		},
	}
}

func newUninstallCmd() *cobra.Command {
	return serviceAction("uninstall", agent.Uninstall, 1, "hostwatch uninstalled successfully")
}

func newStartCmd() *cobra.Command {
	return serviceAction("start", agent.Start, agent.ExitStartFailed, "hostwatch started")
}

func newStopCmd() *cobra.Command {
	return serviceAction("stop", agent.Stop, agent.ExitStopFailed, "hostwatch stopped")
}

func newRestartCmd() *cobra.Command {
	return serviceAction("restart", agent.Restart, agent.ExitRestartFailed, "hostwatch restarted")
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show service status and health",
		Long: `Show service status including:
  - Service state (running/stopped/not installed)
  - Process ID and uptime
  - Last evaluation tick and average tick time
  - Open alert events
  - Recent errors`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _ := loadConfig()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			status, err := agent.GetStatus(ctx, cfg)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(status); err != nil {
					fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
					os.Exit(1)
				}
			} else {
				printHumanStatus(status)
			}

			switch status.State {
			case "not_installed":
				os.Exit(agent.ExitServiceNotFound)
			case "stopped":
				os.Exit(agent.ExitStopped)
			case "running":
				if !status.Healthy {
					os.Exit(agent.ExitUnhealthy)
				}
				os.Exit(agent.ExitSuccess)
			default:
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	return cmd
}

func printHumanStatus(status *agent.Status) {
	state := color.New(color.Bold)
	switch status.State {
	case "running":
		if status.Healthy {
			state.Add(color.FgGreen)
		} else {
			state.Add(color.FgYellow)
		}
	case "stopped", "not_installed":
		state.Add(color.FgRed)
	}
	fmt.Printf("hostwatch status: %s\n", state.Sprint(status.State))

	switch status.State {
	case "not_installed":
		fmt.Println("\nTo install the service:")
		fmt.Println("  hostwatch install")
		return
	case "stopped":
		fmt.Println("\nTo start the service:")
		fmt.Println("  hostwatch start")
		return
	}

	if status.PID > 0 {
		fmt.Printf("  PID:          %d\n", status.PID)
	}
	if status.Version != "" {
		fmt.Printf("  Version:      %s\n", status.Version)
	}
	if status.StartTime != nil {
		fmt.Printf("  Started:      %s (up %s)\n", humanize.Time(*status.StartTime), status.Uptime)
	}
	if status.LastTick != nil {
		fmt.Printf("  Last Tick:    %s\n", humanize.Time(*status.LastTick))
	} else {
		fmt.Printf("  Last Tick:    never\n")
	}
	fmt.Printf("  Ticks:        %s (avg %.1fms)\n", humanize.Comma(status.Ticks), status.AvgTickMS)
	fmt.Printf("  Open Alerts:  %d\n", status.OpenEvents)

	if len(status.Errors) > 0 {
		fmt.Printf("\nErrors (%s total):\n", humanize.Comma(status.ErrorCount))
		for _, e := range status.Errors {
			fmt.Printf("  - %s\n", color.RedString(e))
		}
	} else {
		fmt.Println("\nErrors: none")
	}
}
