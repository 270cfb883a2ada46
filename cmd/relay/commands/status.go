package commands

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tokenplace/relay/internal/cli/output"
	"github.com/tokenplace/relay/pkg/apiclient"
)

var (
	statusOutput  string
	statusPidFile string
	statusURL     string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show relay status",
	Long: `Display the current status of the relay server.

This command checks the relay health by calling the /healthz endpoint
and displays readiness, registered workers, live tickets and the
current keypair generation.

Examples:
  # Check status (uses default settings)
  relay status

  # Check status against a remote relay
  relay status --url https://relay.example.com

  # Output as JSON
  relay status --output json`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusPidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/tokenplace/relay.pid)")
	statusCmd.Flags().StringVar(&statusURL, "url", "http://localhost:5010", "Relay base URL")
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "Output format (table|json|yaml)")
}

// ServerStatus represents the relay status information.
type ServerStatus struct {
	Running bool   `json:"running" yaml:"running"`
	PID     int    `json:"pid,omitempty" yaml:"pid,omitempty"`
	Message string `json:"message" yaml:"message"`
	State   string `json:"state,omitempty" yaml:"state,omitempty"`
	Workers int    `json:"workers" yaml:"workers"`
	Tickets int    `json:"tickets" yaml:"tickets"`
	KeyID   string `json:"key_id,omitempty" yaml:"key_id,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(statusOutput)
	if err != nil {
		return err
	}

	status := ServerStatus{
		Running: false,
		Message: "Relay is not running",
	}

	// Check PID file first (daemon mode only; a supervised relay has none)
	pidPath := statusPidFile
	if pidPath == "" {
		pidPath = GetDefaultPidFile()
	}
	if pidData, err := os.ReadFile(pidPath); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(pidData))); err == nil {
			if process, err := os.FindProcess(pid); err == nil {
				if process.Signal(syscall.Signal(0)) == nil {
					status.Running = true
					status.PID = pid
				}
			}
		}
	}

	// The health endpoint works for both daemon and foreground mode.
	health, err := apiclient.New(statusURL).Healthz()
	if err == nil {
		status.Running = true
		status.State = health.Status
		status.Workers = health.Workers
		status.Tickets = health.Tickets
		status.KeyID = health.KeyID
		switch health.Status {
		case "ok":
			status.Message = "Relay is running and healthy"
		case "draining":
			status.Message = "Relay is draining: new submissions are refused"
		default:
			status.Message = fmt.Sprintf("Relay is running (state: %s)", health.Status)
		}
	} else if status.Running {
		// PID file says running but health check failed
		status.Message = "Relay process exists but health check failed"
	}

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(os.Stdout, status)
	case output.FormatYAML:
		return output.PrintYAML(os.Stdout, status)
	default:
		printStatusTable(status)
	}

	return nil
}

func printStatusTable(status ServerStatus) {
	fmt.Println()
	fmt.Println("Relay Status")
	fmt.Println("============")
	fmt.Println()

	if status.Running {
		switch status.State {
		case "ok":
			fmt.Printf("  Status:     \033[32m● Running\033[0m\n")
		case "draining":
			fmt.Printf("  Status:     \033[33m● Draining\033[0m\n")
		default:
			fmt.Printf("  Status:     \033[33m● Running\033[0m\n")
		}
		if status.PID != 0 {
			fmt.Printf("  PID:        %d\n", status.PID)
		}
		fmt.Printf("  Workers:    %d\n", status.Workers)
		fmt.Printf("  Tickets:    %d\n", status.Tickets)
		if status.KeyID != "" {
			fmt.Printf("  Key ID:     %s\n", status.KeyID)
		}
	} else {
		fmt.Printf("  Status:     \033[31m○ Stopped\033[0m\n")
	}

	fmt.Println()
	fmt.Printf("  %s\n", status.Message)
	fmt.Println()
}
