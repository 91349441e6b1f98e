package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opensandbox/runbox/internal/nsjail"
	"github.com/opensandbox/runbox/pkg/types"
)

// OneShotConfig carries the executor's resource knobs.
type OneShotConfig struct {
	TmpfsSizeMB    int
	MemoryMB       int
	MaxOutputFiles int
	MaxOutputBytes int64
}

// OneShot runs stateless, single-request executions. Source is staged
// into the scratch mount; compiled languages compile and run as two
// jail invocations sharing the same sandbox.
type OneShot struct {
	driver *nsjail.Driver
	cfg    OneShotConfig
}

func NewOneShot(driver *nsjail.Driver, cfg OneShotConfig) *OneShot {
	return &OneShot{driver: driver, cfg: cfg}
}

// Execute runs req's code in sb with the given wall-clock budget. The
// sandbox is not destroyed here; the caller owns its lifecycle.
func (e *OneShot) Execute(ctx context.Context, sb *Sandbox, req *types.ExecRequest, timeout time.Duration) (*types.ExecResult, error) {
	lang := sb.Lang
	start := time.Now()

	if err := stageInputs(sb.ScratchDir, req.Files); err != nil {
		return nil, err
	}
	src := filepath.Join(sb.ScratchDir, lang.SourceFile)
	if err := os.WriteFile(src, []byte(req.Code), 0o644); err != nil {
		return nil, fmt.Errorf("stage source: %w", err)
	}
	// Snapshot after staging so inputs and source never show up as
	// produced outputs.
	before := snapshotNames(sb.ScratchDir)

	memory := e.cfg.MemoryMB
	if req.MemoryMB > 0 && req.MemoryMB < memory {
		memory = req.MemoryMB
	}

	if lang.Compiled() {
		if err := ensureBuildDir(sb.ScratchDir); err != nil {
			return nil, fmt.Errorf("create build dir: %w", err)
		}
		compileLimit := int(float64(timeout/time.Second) * lang.TimeoutMult)
		if compileLimit < 1 {
			compileLimit = 1
		}
		cmd := expandCmd(lang.CompileCmd, "/mnt/data/"+lang.SourceFile)
		res, err := e.driver.Run(ctx, e.spec(sb, memory, compileLimit), cmd, nil)
		if err != nil {
			return nil, err
		}
		if res.TimedOut || res.ExitCode != 0 {
			return e.result(sb, res, before, start), nil
		}
	}

	runLimit := int(timeout / time.Second)
	if runLimit < 1 {
		runLimit = 1
	}
	cmd := expandCmd(lang.RunCmd, "/mnt/data/"+lang.SourceFile)
	cmd = append(cmd, req.Args...)
	res, err := e.driver.Run(ctx, e.spec(sb, memory, runLimit), cmd, nil)
	if err != nil {
		return nil, err
	}
	return e.result(sb, res, before, start), nil
}

// ensureBuildDir creates the compile-artifact directory. MkdirAll mode
// bits are clipped by the umask and the host owns the dir, so an
// explicit chmod makes it writable for the jailed uid.
func ensureBuildDir(scratchDir string) error {
	dir := filepath.Join(scratchDir, filepath.Base(buildDir))
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return err
	}
	return os.Chmod(dir, 0o777)
}

func (e *OneShot) spec(sb *Sandbox, memoryMB, timeLimit int) *nsjail.Spec {
	return &nsjail.Spec{
		Language:    string(sb.Lang.Code),
		ScratchDir:  sb.ScratchDir,
		BindPaths:   sb.Lang.BindPaths,
		TmpfsSizeMB: e.cfg.TmpfsSizeMB,
		MemoryMB:    memoryMB,
		TimeLimit:   timeLimit,
		UID:         sb.Lang.UID,
		Env:         sb.Lang.SandboxEnv(),
	}
}

func (e *OneShot) result(sb *Sandbox, res *nsjail.RunResult, before map[string]struct{}, start time.Time) *types.ExecResult {
	return &types.ExecResult{
		Stdout:   sanitizeOutput(string(res.Stdout)),
		Stderr:   sanitizeOutput(string(res.Stderr)),
		ExitCode: res.ExitCode,
		TimedOut: res.TimedOut,
		Files:    collectOutputs(sb.ScratchDir, before, e.cfg.MaxOutputFiles, e.cfg.MaxOutputBytes),
		Duration: time.Since(start),
	}
}
