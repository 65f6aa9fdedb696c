package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/crowdllama/llamadesk/internal/mockworker"
	"github.com/crowdllama/llamadesk/internal/supervisor"
)

var mockWorkerCmd = &cobra.Command{
	Use:    "mock-worker",
	Short:  "Serve canned worker replies on the worker socket",
	Hidden: true,
	Long: `Stand in for a crowdllama worker during development. Point worker.command
at this binary with args [mock-worker] and the console talks to it over the
usual socket.

The socket path comes from --socket, then the environment variable named by
ipc.socket_env, then ipc.socket_path.`,
	RunE: runMockWorker,
}

func init() {
	rootCmd.AddCommand(mockWorkerCmd)

	mockWorkerCmd.Flags().String("socket", "", "socket path to listen on")
}

func runMockWorker(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("socket")
	if path == "" {
		path = mockSocketPath(os.Getenv)
	}

	return mockworker.Run(cmd.Context(), path, cmd.ErrOrStderr())
}

// mockSocketPath resolves the socket the supervisor told the worker to use.
func mockSocketPath(getenv func(string) string) string {
	env := cfg.IPC.SocketEnv
	if env == "" {
		env = supervisor.DefaultSocketEnv
	}
	if path := getenv(env); path != "" {
		return path
	}
	if cfg.IPC.SocketPath != "" {
		return cfg.IPC.SocketPath
	}
	return supervisor.DefaultSocketPath
}
