package nsjail

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/opensandbox/runbox/pkg/types"
)

// Driver spawns jailed processes through the configured nsjail binary.
type Driver struct {
	binary string
}

// NewDriver returns a driver for the given nsjail binary path.
func NewDriver(binary string) *Driver {
	return &Driver{binary: binary}
}

// Process is a handle to a running jailed process with piped stdio.
type Process struct {
	cmd    *exec.Cmd
	killed atomic.Bool
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser
}

// Start launches cmd inside the jail described by spec and returns a
// handle with live stdio pipes. Used for the long-running interpreter
// server; one-shot executions go through Run.
func (d *Driver) Start(spec *Spec, cmd []string) (*Process, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrBadRequest, err)
	}

	c := exec.Command(d.binary, spec.BuildArgs(cmd)...)
	// Own process group so Kill takes the whole jail down, and die with
	// the service so no jail outlives a crashed server.
	c.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: unix.SIGKILL,
	}

	stdin, err := c.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", d.binary, err)
	}

	return &Process{cmd: c, Stdin: stdin, Stdout: stdout, Stderr: stderr}, nil
}

// RunResult is the outcome of a one-shot jailed execution.
type RunResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	TimedOut bool
}

// Run executes cmd to completion inside the jail, feeding stdin if
// non-empty. The wall clock is bounded by spec.TimeLimit plus a small
// grace period beyond nsjail's own kill-timer; if the grace period also
// expires the process group is killed and the result is marked timed out.
func (d *Driver) Run(ctx context.Context, spec *Spec, cmd []string, stdin []byte) (*RunResult, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrBadRequest, err)
	}

	c := exec.Command(d.binary, spec.BuildArgs(cmd)...)
	c.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: unix.SIGKILL,
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	if len(stdin) > 0 {
		c.Stdin = bytes.NewReader(stdin)
	}

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", d.binary, err)
	}

	grace := time.Duration(spec.TimeLimit)*time.Second + 5*time.Second
	runCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Wait() }()

	select {
	case err := <-done:
		res := &RunResult{
			ExitCode: exitCode(c, err),
			Stdout:   stdout.Bytes(),
			Stderr:   stderr.Bytes(),
		}
		annotateResourceKill(res)
		return res, nil
	case <-runCtx.Done():
		killGroup(c)
		<-done
		return &RunResult{
			ExitCode: 124,
			Stdout:   stdout.Bytes(),
			Stderr:   stderr.Bytes(),
			TimedOut: true,
		}, nil
	}
}

// Wait blocks until the process exits and returns its exit code.
func (p *Process) Wait() (int, error) {
	err := p.cmd.Wait()
	return exitCode(p.cmd, err), err
}

// Alive reports whether the jail supervisor is still running.
func (p *Process) Alive() bool {
	if p.killed.Load() || p.cmd.Process == nil || p.cmd.ProcessState != nil {
		return false
	}
	return unix.Kill(p.cmd.Process.Pid, 0) == nil
}

// Kill terminates the whole process group: SIGTERM, a short wait, then
// SIGKILL. Safe to call more than once.
func (p *Process) Kill() {
	if p.cmd.Process == nil || p.cmd.ProcessState != nil {
		return
	}
	if p.killed.Swap(true) {
		return
	}
	pgid := p.cmd.Process.Pid
	_ = unix.Kill(-pgid, unix.SIGTERM)

	done := make(chan struct{})
	go func() {
		_, _ = p.cmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		_ = unix.Kill(-pgid, unix.SIGKILL)
		<-done
	}
}

// Pid returns the jail supervisor's pid, or 0 if never started.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

var resourceKillNote = []byte("\nprocess killed: resource limit exceeded (memory or process count)\n")

// annotateResourceKill appends an explanatory note when the kernel
// killed the workload for exceeding its cgroup or rlimit budget.
// nsjail reports a SIGKILL-terminated child as exit 137.
func annotateResourceKill(res *RunResult) {
	if res.TimedOut || res.ExitCode != 137 {
		return
	}
	res.Stderr = append(res.Stderr, resourceKillNote...)
}

func killGroup(c *exec.Cmd) {
	if c.Process == nil {
		return
	}
	_ = unix.Kill(-c.Process.Pid, unix.SIGKILL)
}

func exitCode(c *exec.Cmd, err error) int {
	if c.ProcessState != nil {
		return c.ProcessState.ExitCode()
	}
	if err != nil {
		return 1
	}
	return 0
}
