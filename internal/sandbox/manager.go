package sandbox

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensandbox/runbox/internal/nsjail"
	"github.com/opensandbox/runbox/pkg/types"
)

// ManagerConfig carries the knobs the manager needs from service config.
type ManagerConfig struct {
	BaseDir       string // host directory holding per-sandbox scratch trees
	TmpfsSizeMB   int
	MemoryMB      int
	WarmupTimeout time.Duration // max wait for the interpreter ready marker
	HealthTimeout time.Duration // max wait for a health probe reply
}

// Manager creates and destroys sandboxes. A Python sandbox carries a
// live interpreter server; other languages get a scratch tree only and
// are driven by the one-shot executor.
type Manager struct {
	driver *nsjail.Driver
	cfg    ManagerConfig
}

func NewManager(driver *nsjail.Driver, cfg ManagerConfig) *Manager {
	return &Manager{driver: driver, cfg: cfg}
}

// Sandbox is one isolated execution environment. Sandboxes are single
// use: after an execution they are destroyed, never returned to the pool.
type Sandbox struct {
	ID         string
	Lang       *LanguageConfig
	ScratchDir string // host path bind-mounted as /mnt/data
	CreatedAt  time.Time

	baseDir string
	proc    *nsjail.Process
	out     *bufio.Reader

	mu        sync.Mutex
	destroyed bool
}

// Create builds the scratch tree and, for Python, spawns the interpreter
// server and waits for its ready marker. A sandbox whose interpreter
// never becomes ready is destroyed and reported unhealthy.
func (m *Manager) Create(lang *LanguageConfig) (*Sandbox, error) {
	if lang == nil {
		return nil, fmt.Errorf("%w: unknown language", types.ErrBadRequest)
	}

	id := uuid.NewString()
	base := filepath.Join(m.cfg.BaseDir, id)
	scratch := filepath.Join(base, "data")
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	// The jailed uid has no mapping to the host owner, so the scratch
	// dir must be world-writable.
	if err := os.Chmod(scratch, 0o777); err != nil {
		os.RemoveAll(base)
		return nil, fmt.Errorf("chmod scratch dir: %w", err)
	}

	sb := &Sandbox{
		ID:         id,
		Lang:       lang,
		ScratchDir: scratch,
		CreatedAt:  time.Now(),
		baseDir:    base,
	}

	if lang.Code != types.LangPython {
		return sb, nil
	}

	if err := os.WriteFile(filepath.Join(scratch, replServerFile), replServerSource, 0o644); err != nil {
		sb.Destroy()
		return nil, fmt.Errorf("stage interpreter server: %w", err)
	}

	spec := &nsjail.Spec{
		Language:    string(lang.Code),
		ScratchDir:  scratch,
		BindPaths:   lang.BindPaths,
		TmpfsSizeMB: m.cfg.TmpfsSizeMB,
		MemoryMB:    m.cfg.MemoryMB,
		UID:         lang.UID,
		REPLMode:    true,
		Env:         lang.SandboxEnv(),
	}
	proc, err := m.driver.Start(spec, []string{"python3", "/mnt/data/" + replServerFile})
	if err != nil {
		sb.Destroy()
		return nil, fmt.Errorf("spawn interpreter server: %w", err)
	}
	sb.proc = proc
	sb.out = bufio.NewReaderSize(proc.Stdout, 64<<10)

	if err := sb.waitReady(m.cfg.WarmupTimeout); err != nil {
		log.Printf("sandbox: %s failed warmup: %v", id, err)
		sb.Destroy()
		return nil, fmt.Errorf("%w: %v", types.ErrSandboxUnhealthy, err)
	}
	return sb, nil
}

// waitReady blocks until the interpreter server prints its ready marker.
func (s *Sandbox) waitReady(timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- skipToMarker(s.out, readyMarker) }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("interpreter not ready after %v", timeout)
	}
}

// ExecOutput is the result of one REPL execution.
type ExecOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
	State    []byte   // serialized session state when capture was requested
	Files    []string // names of files created under the scratch mount
}

// Exec runs code in the live interpreter session, restoring state first
// when provided and capturing it afterwards when requested. On timeout
// the sandbox is killed and must be destroyed by the caller.
func (s *Sandbox) Exec(ctx context.Context, code string, state []byte, captureState bool) (*ExecOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc == nil {
		return nil, fmt.Errorf("%w: sandbox has no interpreter session", types.ErrSandboxUnhealthy)
	}
	if s.destroyed || !s.proc.Alive() {
		return nil, types.ErrSandboxUnhealthy
	}

	req := &frameRequest{Code: code, CaptureState: captureState}
	if len(state) > 0 {
		req.State = base64.StdEncoding.EncodeToString(state)
	}
	if err := writeFrame(s.proc.Stdin, req); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSandboxUnhealthy, err)
	}

	type frameOrErr struct {
		resp *frameResponse
		err  error
	}
	done := make(chan frameOrErr, 1)
	go func() {
		resp, err := readFrame(s.out)
		done <- frameOrErr{resp, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrSandboxUnhealthy, r.err)
		}
		return s.toOutput(r.resp)
	case <-ctx.Done():
		// The interpreter may be wedged in user code; kill the jail so
		// the read goroutine unblocks on pipe close.
		s.proc.Kill()
		return nil, types.ErrTimeoutExceeded
	}
}

func (s *Sandbox) toOutput(resp *frameResponse) (*ExecOutput, error) {
	out := &ExecOutput{
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
		ExitCode: resp.ExitCode,
		Files:    resp.Files,
	}
	if resp.State != "" {
		blob, err := base64.StdEncoding.DecodeString(resp.State)
		if err != nil {
			return nil, fmt.Errorf("decode state snapshot: %w", err)
		}
		out.State = blob
	}
	return out, nil
}

// Healthy probes the interpreter session with a no-op request.
func (s *Sandbox) Healthy(timeout time.Duration) bool {
	if s.proc == nil {
		// Scratch-only sandboxes are healthy while their dir exists.
		_, err := os.Stat(s.ScratchDir)
		return err == nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	out, err := s.Exec(ctx, "__health__", nil, false)
	return err == nil && out.ExitCode == 0
}

// Expired reports whether the sandbox has outlived ttl.
func (s *Sandbox) Expired(ttl time.Duration) bool {
	return ttl > 0 && time.Since(s.CreatedAt) > ttl
}

// Destroy kills the interpreter session and removes the scratch tree.
// Idempotent; safe to call from any goroutine.
func (s *Sandbox) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.mu.Unlock()

	if s.proc != nil {
		s.proc.Kill()
	}
	if err := os.RemoveAll(s.baseDir); err != nil {
		log.Printf("sandbox: remove scratch tree %s: %v", s.baseDir, err)
	}
}
