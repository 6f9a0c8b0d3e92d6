package e2e

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ServeProcess represents a running 'toolflow serve'.
type ServeProcess struct {
	cmd  *exec.Cmd
	pid  int
	addr string

	mu     sync.Mutex
	stdout bytes.Buffer
	stderr bytes.Buffer

	// exited is closed when the process exits, for non-blocking checks.
	exited chan struct{}
	// exitErr stores the error from cmd.Wait() for multiple reads.
	exitErr error
}

// lockedWriter serializes writes into a buffer owned by ServeProcess.
type lockedWriter struct {
	mu  *sync.Mutex
	buf *bytes.Buffer
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

// Kill forcefully terminates the process (SIGKILL).
func (p *ServeProcess) Kill() error {
	if p.cmd == nil || p.cmd.Process == nil {
		return fmt.Errorf("process not running")
	}
	return p.cmd.Process.Kill()
}

// Signal sends a signal to the process.
func (p *ServeProcess) Signal(sig os.Signal) error {
	if p.cmd == nil || p.cmd.Process == nil {
		return fmt.Errorf("process not running")
	}
	return p.cmd.Process.Signal(sig)
}

// WaitWithTimeout waits for the process to exit with a timeout.
func (p *ServeProcess) WaitWithTimeout(timeout time.Duration) error {
	select {
	case <-p.exited:
		return p.exitErr
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for process to exit")
	}
}

// IsDone returns true if the process has exited.
func (p *ServeProcess) IsDone() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// PID returns the process ID.
func (p *ServeProcess) PID() int {
	return p.pid
}

// Addr returns the API listen address.
func (p *ServeProcess) Addr() string {
	return p.addr
}

// Stdout returns the captured stdout output.
func (p *ServeProcess) Stdout() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdout.String()
}

// Stderr returns the captured stderr output.
func (p *ServeProcess) Stderr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stderr.String()
}

// Stop sends SIGTERM and waits for a clean exit.
func (p *ServeProcess) Stop(timeout time.Duration) error {
	if p.IsDone() {
		return p.exitErr
	}
	if err := p.Signal(syscall.SIGTERM); err != nil {
		return err
	}
	return p.WaitWithTimeout(timeout)
}

// freeAddr returns a loopback address with a port that was free a moment
// ago.
func freeAddr() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer l.Close()
	return l.Addr().String(), nil
}

// StartServe starts 'toolflow serve' on a free port and waits until the
// health endpoint answers.
func (h *Harness) StartServe(args ...string) (*ServeProcess, error) {
	addr, err := freeAddr()
	if err != nil {
		return nil, fmt.Errorf("finding free port: %w", err)
	}

	full := append([]string{"serve", "--listen", addr}, args...)
	cmd := exec.CommandContext(context.Background(), h.Bins.Toolflow, full...)
	cmd.Dir = h.TempDir
	cmd.Env = h.Env()

	proc := &ServeProcess{
		cmd:    cmd,
		addr:   addr,
		exited: make(chan struct{}),
	}
	cmd.Stdout = lockedWriter{mu: &proc.mu, buf: &proc.stdout}
	cmd.Stderr = lockedWriter{mu: &proc.mu, buf: &proc.stderr}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting toolflow serve: %w", err)
	}
	proc.pid = cmd.Process.Pid

	// Wait for process in background
	go func() {
		proc.exitErr = cmd.Wait()
		close(proc.exited)
	}()

	// Register cleanup
	h.OnCleanup(func() {
		if !proc.IsDone() {
			_ = proc.Kill()
			_ = proc.WaitWithTimeout(5 * time.Second)
		}
	})

	if err := proc.waitHealthy(10 * time.Second); err != nil {
		return nil, fmt.Errorf("%w\nstderr: %s", err, proc.Stderr())
	}
	return proc, nil
}

func (p *ServeProcess) waitHealthy(timeout time.Duration) error {
	client := &http.Client{Timeout: time.Second}
	url := "http://" + p.addr + "/api/v1/health"
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if p.IsDone() {
			return fmt.Errorf("toolflow serve exited: %v", p.exitErr)
		}
		resp, err := client.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for %s", url)
}
