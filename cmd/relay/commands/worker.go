package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tokenplace/relay/internal/logger"
	"github.com/tokenplace/relay/pkg/apiclient"
	"github.com/tokenplace/relay/pkg/worker"
)

var (
	workerRelayURL  string
	workerID        string
	workerAuthToken string
	workerPollSecs  int
	workerLogLevel  string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a mock inference worker",
	Long: `Run an inference worker against a relay, using the built-in mock
engine: "ping" answers "pong", anything else is echoed back.

The worker generates a fresh keypair at startup and announces it on
every sink poll. It is meant for development and end-to-end testing of
a relay deployment; a production worker embeds a real engine behind the
same polling loop.

Examples:
  # Poll a local relay
  relay worker

  # Poll a remote relay with a registration token
  relay worker --url https://relay.example.com --token $RELAY_AUTH_WORKER_TOKEN`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerRelayURL, "url", "http://localhost:5010", "Relay base URL")
	workerCmd.Flags().StringVar(&workerID, "id", "", "Worker ID (default: generated)")
	workerCmd.Flags().StringVar(&workerAuthToken, "token", os.Getenv("RELAY_AUTH_WORKER_TOKEN"), "Worker registration token")
	workerCmd.Flags().IntVar(&workerPollSecs, "poll-timeout", 0, "Sink poll timeout in seconds (0: relay default)")
	workerCmd.Flags().StringVar(&workerLogLevel, "log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	logger.SetLevel(workerLogLevel)

	id := workerID
	if id == "" {
		id = "mock-" + uuid.NewString()[:8]
	}

	w, err := worker.New(apiclient.New(workerRelayURL), worker.Options{
		ID:                 id,
		AuthToken:          workerAuthToken,
		PollTimeoutSeconds: workerPollSecs,
		Engine:             worker.MockEngine{},
	})
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fmt.Printf("Mock worker %s polling %s (Ctrl+C to stop)\n", id, workerRelayURL)
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
