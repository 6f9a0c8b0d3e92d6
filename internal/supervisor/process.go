package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/meow-stack/toolflow/internal/rpc"
	"github.com/meow-stack/toolflow/internal/types"
)

// process is the supervisor's record of one tool server. Fields are
// guarded by Supervisor.mu.
type process struct {
	cfg types.ServerConfig

	status    types.ServerStatus
	lastErr   string
	startedAt *time.Time
	restarts  int

	// exhausted is set once a crash finds the restart ceiling reached. Only
	// an explicit Start or Restart clears it.
	exhausted bool

	// gen increments on every spawn so exit handlers and restart timers of
	// an older process can tell they are stale.
	gen      int
	stopping bool

	cmd    *exec.Cmd
	conn   *rpc.Conn
	exited chan struct{}

	// ready is closed when the current start attempt finishes.
	ready    chan struct{}
	startErr error

	restartTimer *time.Timer
}

func (p *process) snapshot() types.ServerState {
	state := types.ServerState{
		ID:           p.cfg.ID,
		Config:       p.cfg,
		Status:       p.status,
		LastError:    p.lastErr,
		RestartCount: p.restarts,
	}
	if p.startedAt != nil {
		t := *p.startedAt
		state.StartedAt = &t
	}
	if p.cmd != nil && p.cmd.Process != nil {
		state.PID = p.cmd.Process.Pid
	}
	return state
}

func (p *process) cancelRestart() {
	if p.restartTimer != nil {
		p.restartTimer.Stop()
		p.restartTimer = nil
	}
}

// pipes holds the three standard streams of a spawned server.
type pipes struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

// buildCommand prepares the server command without starting it. The
// process gets its own group so Stop can signal the whole tree.
func buildCommand(cfg types.ServerConfig, baseDir string) (*exec.Cmd, *pipes, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = resolveDir(baseDir, cfg.Cwd)
	cmd.Env = mergeEnv(os.Environ(), cfg.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	return cmd, &pipes{stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

func resolveDir(baseDir, cwd string) string {
	switch {
	case cwd == "":
		return baseDir
	case filepath.IsAbs(cwd) || baseDir == "":
		return cwd
	default:
		return filepath.Join(baseDir, cwd)
	}
}

// mergeEnv overlays env on the parent environment. Later entries win in
// os/exec, so overrides are appended in key order.
func mergeEnv(parent []string, env map[string]string) []string {
	out := make([]string, 0, len(parent)+len(env))
	out = append(out, parent...)

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// streamStderr forwards each stderr line to the logger at debug level and
// closes done at EOF.
func streamStderr(r io.Reader, logger *slog.Logger, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		logger.Debug("server stderr", "line", scanner.Text())
	}
}

// signalGroup sends sig to the process group led by cmd.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, sig)
}

// exitCode extracts the exit status from a Wait error: 0 on success, -1
// when the process was killed by a signal or did not report a status.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
