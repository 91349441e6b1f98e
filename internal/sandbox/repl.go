package sandbox

import (
	"context"
	"time"

	"github.com/opensandbox/runbox/pkg/types"
)

// REPLConfig carries the stateful executor's output knobs.
type REPLConfig struct {
	MaxOutputFiles int
	MaxOutputBytes int64
}

// REPL runs code in a sandbox's live interpreter session, threading the
// serialized session state through each execution.
type REPL struct {
	cfg REPLConfig
}

func NewREPL(cfg REPLConfig) *REPL {
	return &REPL{cfg: cfg}
}

// Execute sends one request to sb's interpreter session. state restores
// prior session variables; captureState asks for a fresh snapshot after
// the code runs. On timeout the sandbox is killed and the caller must
// destroy it.
func (r *REPL) Execute(ctx context.Context, sb *Sandbox, req *types.ExecRequest, state []byte, captureState bool, timeout time.Duration) (*types.ExecResult, error) {
	if err := stageInputs(sb.ScratchDir, req.Files); err != nil {
		return nil, err
	}
	before := snapshotNames(sb.ScratchDir)

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out, err := sb.Exec(execCtx, req.Code, state, captureState)
	if err != nil {
		return nil, err
	}

	return &types.ExecResult{
		Stdout:   sanitizeOutput(out.Stdout),
		Stderr:   sanitizeOutput(out.Stderr),
		ExitCode: out.ExitCode,
		State:    out.State,
		Files:    collectOutputs(sb.ScratchDir, before, r.cfg.MaxOutputFiles, r.cfg.MaxOutputBytes),
		Duration: time.Since(start),
	}, nil
}
