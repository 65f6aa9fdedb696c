package supervisor

import "errors"

var (
	// ErrAlreadyRunning is returned by Start while a worker handle is held.
	ErrAlreadyRunning = errors.New("worker already running")

	// ErrSpawnFailed wraps any failure to launch the worker process.
	ErrSpawnFailed = errors.New("failed to spawn worker")

	// ErrShutdown is returned by Start after Shutdown.
	ErrShutdown = errors.New("supervisor shut down")
)
