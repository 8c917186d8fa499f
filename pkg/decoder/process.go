package decoder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// Process is a [Worker] backed by a decoder child process.
type Process struct {
	*Client

	cmd      *exec.Cmd
	exited   chan struct{}
	waitErr  error
	killOnce sync.Once
}

// Compile-time interface check.
var _ Worker = (*Process)(nil)

// Start launches binary with args and connects a protocol [Client] to its
// stdio. Stderr is discarded. The process is not bound to a context: it runs
// until [Process.Stop] is called or it exits on its own.
func Start(binary string, args ...string) (*Process, error) {
	cmd := exec.Command(binary, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("decoder: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("decoder: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("decoder: start %q: %w", binary, err)
	}

	p := &Process{
		Client: NewClient(stdout, stdin),
		cmd:    cmd,
		exited: make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
		slog.Debug("decoder: process exited", "pid", cmd.Process.Pid, "err", p.waitErr)
	}()
	return p, nil
}

// Alive implements [Worker].
func (p *Process) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return p.Client.Alive()
	}
}

// Stop implements [Worker]. It asks the decoder to exit and waits for it; the
// process is killed if ctx ends first.
func (p *Process) Stop(ctx context.Context) error {
	stopErr := p.Client.Stop(ctx)
	select {
	case <-p.exited:
		return stopErr
	case <-ctx.Done():
		p.killOnce.Do(func() {
			if err := p.cmd.Process.Kill(); err != nil {
				slog.Warn("decoder: kill failed", "pid", p.cmd.Process.Pid, "err", err)
			}
		})
		<-p.exited
		return fmt.Errorf("decoder: stop: %w", ctx.Err())
	}
}

// ProcessLauncher starts [Process] workers as
//
//	<Binary> [NnetDir] <graph>
type ProcessLauncher struct {
	Binary  string
	NnetDir string
}

// Compile-time interface check.
var _ Launcher = (*ProcessLauncher)(nil)

// Launch implements [Launcher]. The graph must exist on disk.
func (l *ProcessLauncher) Launch(ctx context.Context, graph string) (Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(graph); err != nil {
		return nil, fmt.Errorf("decoder: decoding graph %q: %w", graph, err)
	}
	var args []string
	if l.NnetDir != "" {
		args = append(args, l.NnetDir)
	}
	args = append(args, graph)
	p, err := Start(l.Binary, args...)
	if err != nil {
		return nil, err
	}
	return p, nil
}
