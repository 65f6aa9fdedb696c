package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/crowdllama/llamadesk/internal/log"
)

// stderrTailLines is how many trailing stderr lines are kept for exit errors.
const stderrTailLines = 20

// ProcessStatus is the lifecycle state of a WorkerProcess.
type ProcessStatus int

const (
	StatusRunning ProcessStatus = iota
	StatusStopping
	StatusExited
)

func (s ProcessStatus) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusExited:
		return "exited"
	default:
		return "unknown"
	}
}

// SpawnConfig describes the worker command line.
type SpawnConfig struct {
	Command string
	Args    []string
	Dir     string
	// Env entries are appended to the parent environment.
	Env []string
}

// WorkerProcess is the handle to one spawned worker. Its stdout and stderr
// are forwarded line by line into the log.
type WorkerProcess struct {
	cmd     *exec.Cmd
	pid     int
	started time.Time

	mu         sync.RWMutex
	status     ProcessStatus
	exitErr    error
	stderrTail []string

	pumps sync.WaitGroup
	done  chan struct{}
}

func spawnWorker(cfg SpawnConfig) (*WorkerProcess, error) {
	if cfg.Command == "" {
		return nil, errors.New("no worker command configured")
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)
	configureProcess(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", cfg.Command, err)
	}

	p := &WorkerProcess{
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		started: time.Now(),
		status:  StatusRunning,
		done:    make(chan struct{}),
	}

	p.pumps.Add(2)
	go p.pump(stdout, "stdout")
	go p.pump(stderr, "stderr")
	go p.waitForCompletion()

	return p, nil
}

// PID returns the OS process id.
func (p *WorkerProcess) PID() int {
	return p.pid
}

// Status returns the current process status. Thread-safe.
func (p *WorkerProcess) Status() ProcessStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Done is closed once the process has exited and its output is drained.
func (p *WorkerProcess) Done() <-chan struct{} {
	return p.done
}

// ExitErr returns why the process ended. Nil while running or on a clean exit.
func (p *WorkerProcess) ExitErr() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitErr
}

// Uptime returns how long the process has been (or was) alive.
func (p *WorkerProcess) Uptime() time.Duration {
	return time.Since(p.started)
}

// StderrTail returns the last stderr lines. Thread-safe.
func (p *WorkerProcess) StderrTail() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	result := make([]string, len(p.stderrTail))
	copy(result, p.stderrTail)
	return result
}

// terminate asks the process group to exit. No-op once exited.
func (p *WorkerProcess) terminate() error {
	p.mu.Lock()
	if p.status == StatusExited {
		p.mu.Unlock()
		return nil
	}
	p.status = StatusStopping
	p.mu.Unlock()
	return terminateProcess(p.pid)
}

// kill force-stops the process group. No-op once exited.
func (p *WorkerProcess) kill() error {
	if p.Status() == StatusExited {
		return nil
	}
	return killProcess(p.pid)
}

func (p *WorkerProcess) pump(r io.Reader, stream string) {
	defer p.pumps.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		log.Info(log.CatWorker, line, "pid", p.pid, "stream", stream)

		if stream == "stderr" {
			p.mu.Lock()
			p.stderrTail = append(p.stderrTail, line)
			if len(p.stderrTail) > stderrTailLines {
				p.stderrTail = p.stderrTail[len(p.stderrTail)-stderrTailLines:]
			}
			p.mu.Unlock()
		}
	}
	if err := scanner.Err(); err != nil {
		log.Debug(log.CatWorker, "Output scanner error", "pid", p.pid, "stream", stream, "error", err)
	}
}

// waitForCompletion drains the pipes, reaps the process and closes done.
func (p *WorkerProcess) waitForCompletion() {
	defer close(p.done)

	p.pumps.Wait()
	err := p.cmd.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	stopping := p.status == StatusStopping
	p.status = StatusExited
	if err == nil || stopping {
		return
	}
	if len(p.stderrTail) > 0 {
		p.exitErr = fmt.Errorf("worker exited: %w: %s", err, strings.Join(p.stderrTail, "\n"))
	} else {
		p.exitErr = fmt.Errorf("worker exited: %w", err)
	}
}
