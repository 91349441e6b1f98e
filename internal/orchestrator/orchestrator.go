// Package orchestrator runs the execution pipeline: validate, acquire a
// sandbox, thread session state through the executors, and persist the
// results. Persistence failures degrade to response warnings; only
// sandbox and validation failures fail the request.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/opensandbox/runbox/internal/events"
	"github.com/opensandbox/runbox/internal/metrics"
	"github.com/opensandbox/runbox/internal/sandbox"
	"github.com/opensandbox/runbox/pkg/types"
)

// Pool hands out ready sandboxes and reclaims used ones.
type Pool interface {
	Acquire(ctx context.Context, lang *sandbox.LanguageConfig) (*sandbox.Sandbox, error)
	Release(sb *sandbox.Sandbox)
	Stats() map[types.Language]sandbox.LangStats
}

// REPLExecutor runs code in a live interpreter session.
type REPLExecutor interface {
	Execute(ctx context.Context, sb *sandbox.Sandbox, req *types.ExecRequest, state []byte, captureState bool, timeout time.Duration) (*types.ExecResult, error)
}

// OneShotExecutor runs stateless executions.
type OneShotExecutor interface {
	Execute(ctx context.Context, sb *sandbox.Sandbox, req *types.ExecRequest, timeout time.Duration) (*types.ExecResult, error)
}

// BlobGetter resolves uploaded file references into contents.
type BlobGetter interface {
	Get(ctx context.Context, sessionID, fileID string) ([]byte, string, error)
}

// StateStore persists session state and metadata.
type StateStore interface {
	Save(ctx context.Context, sessionID string, blob []byte) error
	Load(ctx context.Context, sessionID string) ([]byte, error)
	Delete(ctx context.Context, sessionID string) error
	SaveMeta(ctx context.Context, meta *types.SessionMeta) error
	LoadMeta(ctx context.Context, sessionID string) (*types.SessionMeta, error)
}

// Config carries the pipeline limits.
type Config struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MaxCodeBytes   int
	// CaptureOnError keeps the state snapshot from a failed execution.
	// Partial state is usually more useful than losing the session.
	CaptureOnError bool
}

// Orchestrator drives one execution end to end.
type Orchestrator struct {
	cfg     Config
	pool    Pool
	repl    REPLExecutor
	oneShot OneShotExecutor
	store   StateStore // nil when no state backend is configured
	blobs   BlobGetter // nil when no file storage is configured
	events  *events.Publisher
}

func New(cfg Config, pool Pool, repl REPLExecutor, oneShot OneShotExecutor, store StateStore, blobs BlobGetter, pub *events.Publisher) *Orchestrator {
	return &Orchestrator{cfg: cfg, pool: pool, repl: repl, oneShot: oneShot, store: store, blobs: blobs, events: pub}
}

// Execute runs one request through the pipeline. On timeout the partial
// response is returned alongside ErrTimeoutExceeded so callers can show
// what the code printed before it was killed.
func (o *Orchestrator) Execute(ctx context.Context, req *types.ExecRequest) (*types.ExecResponse, error) {
	lang, err := o.validate(req)
	if err != nil {
		return nil, err
	}
	if err := o.resolveFiles(ctx, req); err != nil {
		return nil, err
	}

	stateful := lang.Code == types.LangPython && (req.SessionID != "" || req.CaptureState)
	sessionID := req.SessionID
	if stateful && sessionID == "" {
		sessionID = uuid.NewString()
	}

	var warnings []string
	var state []byte
	if stateful && req.SessionID != "" && o.store != nil {
		state, err = o.store.Load(ctx, req.SessionID)
		switch {
		case err == nil:
		case errors.Is(err, types.ErrNotFound):
			// Expired or never saved; start the session fresh.
		default:
			warnings = append(warnings, "session state unavailable, starting fresh")
			metrics.StateOps.WithLabelValues("load", "error").Inc()
		}
	}

	timeout := o.timeout(req)
	res, err := o.executeWithRetry(ctx, lang, req, state, stateful, timeout)
	o.refreshPoolGauges()
	if err != nil {
		metrics.Executions.WithLabelValues(string(lang.Code), outcomeOf(err)).Inc()
		if errors.Is(err, types.ErrPoolExhausted) {
			metrics.PoolExhaustions.WithLabelValues(string(lang.Code)).Inc()
		}
		if errors.Is(err, types.ErrTimeoutExceeded) {
			return &types.ExecResponse{SessionID: sessionID, ExitCode: 124, Warnings: warnings}, err
		}
		return nil, err
	}

	if stateful {
		warnings = append(warnings, o.persist(ctx, sessionID, lang, res)...)
	}

	outcome := "success"
	if res.TimedOut {
		outcome = "timeout"
	} else if res.ExitCode != 0 {
		outcome = "error"
	}
	metrics.Executions.WithLabelValues(string(lang.Code), outcome).Inc()
	metrics.ExecutionDuration.WithLabelValues(string(lang.Code)).Observe(res.Duration.Seconds())
	o.events.PublishExecution(events.ExecutionEvent{
		SessionID: sessionID,
		Language:  lang.Code,
		ExitCode:  res.ExitCode,
		TimedOut:  res.TimedOut,
		Duration:  res.Duration.Seconds(),
	})

	resp := &types.ExecResponse{
		SessionID: sessionID,
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
		ExitCode:  res.ExitCode,
		Files:     res.Files,
		Warnings:  warnings,
	}
	if res.TimedOut {
		return resp, types.ErrTimeoutExceeded
	}
	return resp, nil
}

func (o *Orchestrator) validate(req *types.ExecRequest) (*sandbox.LanguageConfig, error) {
	if req.Code == "" {
		return nil, fmt.Errorf("%w: code is required", types.ErrBadRequest)
	}
	if o.cfg.MaxCodeBytes > 0 && len(req.Code) > o.cfg.MaxCodeBytes {
		return nil, fmt.Errorf("%w: code exceeds %d bytes", types.ErrBadRequest, o.cfg.MaxCodeBytes)
	}
	lang := sandbox.GetLanguage(req.Lang)
	if lang == nil {
		return nil, fmt.Errorf("%w: unsupported language %q", types.ErrBadRequest, req.Lang)
	}
	if (req.SessionID != "" || req.CaptureState) && lang.Code != types.LangPython {
		return nil, fmt.Errorf("%w: session state is only supported for py", types.ErrBadRequest)
	}
	return lang, nil
}

// resolveFiles fills in the contents of files referenced by blob id.
func (o *Orchestrator) resolveFiles(ctx context.Context, req *types.ExecRequest) error {
	for i := range req.Files {
		f := &req.Files[i]
		if len(f.Content) > 0 {
			continue
		}
		if f.SessionID == "" || f.FileID == "" {
			return fmt.Errorf("%w: file %q has neither content nor a blob reference", types.ErrBadRequest, f.Name)
		}
		if o.blobs == nil {
			return fmt.Errorf("%w: file storage is not configured", types.ErrStorageUnavailable)
		}
		data, name, err := o.blobs.Get(ctx, f.SessionID, f.FileID)
		if err != nil {
			return err
		}
		f.Content = data
		if f.Name == "" {
			f.Name = name
		}
	}
	return nil
}

func (o *Orchestrator) timeout(req *types.ExecRequest) time.Duration {
	timeout := o.cfg.DefaultTimeout
	if req.TimeoutSec > 0 {
		timeout = time.Duration(req.TimeoutSec) * time.Second
	}
	if o.cfg.MaxTimeout > 0 && timeout > o.cfg.MaxTimeout {
		timeout = o.cfg.MaxTimeout
	}
	return timeout
}

// executeWithRetry acquires a sandbox and runs the request, retrying
// once on a fresh sandbox when the first one turns out unhealthy.
// Sandboxes are single use; destruction happens off the request path.
func (o *Orchestrator) executeWithRetry(ctx context.Context, lang *sandbox.LanguageConfig, req *types.ExecRequest, state []byte, stateful bool, timeout time.Duration) (*types.ExecResult, error) {
	for attempt := 0; ; attempt++ {
		sb, err := o.pool.Acquire(ctx, lang)
		if err != nil {
			return nil, err
		}

		res, err := o.execute(ctx, sb, lang, req, state, stateful, timeout)
		o.pool.Release(sb)

		if err != nil && errors.Is(err, types.ErrSandboxUnhealthy) && attempt == 0 {
			log.Printf("orchestrator: sandbox %s unhealthy, retrying on a fresh one", sb.ID)
			continue
		}
		return res, err
	}
}

func (o *Orchestrator) execute(ctx context.Context, sb *sandbox.Sandbox, lang *sandbox.LanguageConfig, req *types.ExecRequest, state []byte, stateful bool, timeout time.Duration) (*types.ExecResult, error) {
	if lang.Code == types.LangPython {
		return o.repl.Execute(ctx, sb, req, state, stateful, timeout)
	}
	return o.oneShot.Execute(ctx, sb, req, timeout)
}

// persist saves the captured state and session metadata, converting
// every failure into a response warning.
func (o *Orchestrator) persist(ctx context.Context, sessionID string, lang *sandbox.LanguageConfig, res *types.ExecResult) []string {
	var warnings []string
	if o.store == nil {
		return []string{"state persistence is not configured"}
	}
	if res.State == nil {
		return warnings
	}
	if res.ExitCode != 0 && !o.cfg.CaptureOnError {
		return warnings
	}

	if err := o.store.Save(ctx, sessionID, res.State); err != nil {
		switch {
		case errors.Is(err, types.ErrStateTooLarge):
			warnings = append(warnings, "session state too large, not saved")
			metrics.StateOps.WithLabelValues("save", "too_large").Inc()
		default:
			warnings = append(warnings, "session state could not be saved")
			metrics.StateOps.WithLabelValues("save", "error").Inc()
		}
		return warnings
	}
	metrics.StateOps.WithLabelValues("save", "ok").Inc()

	meta, err := o.store.LoadMeta(ctx, sessionID)
	if err != nil {
		meta = &types.SessionMeta{
			SessionID: sessionID,
			Language:  lang.Code,
			CreatedAt: time.Now().UTC(),
		}
	}
	meta.ExecCount++
	meta.LastExec = time.Now().UTC()
	if err := o.store.SaveMeta(ctx, meta); err != nil {
		log.Printf("orchestrator: save session meta %s: %v", sessionID, err)
	}
	return warnings
}

func (o *Orchestrator) refreshPoolGauges() {
	for lang, st := range o.pool.Stats() {
		metrics.PoolReady.WithLabelValues(string(lang)).Set(float64(st.Ready))
		metrics.PoolWarming.WithLabelValues(string(lang)).Set(float64(st.Warming))
	}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, types.ErrTimeoutExceeded):
		return "timeout"
	case errors.Is(err, types.ErrPoolExhausted):
		return "pool_exhausted"
	case errors.Is(err, types.ErrSandboxUnhealthy):
		return "sandbox_unhealthy"
	default:
		return "error"
	}
}

// PoolStats exposes pool counters for the detailed health endpoint and
// the admin CLI.
func (o *Orchestrator) PoolStats() map[types.Language]sandbox.LangStats {
	return o.pool.Stats()
}

// PurgeSession drops a session's state and metadata from every tier.
func (o *Orchestrator) PurgeSession(ctx context.Context, sessionID string) error {
	if o.store == nil {
		return types.ErrStorageUnavailable
	}
	return o.store.Delete(ctx, sessionID)
}

// SessionMeta returns a session's metadata.
func (o *Orchestrator) SessionMeta(ctx context.Context, sessionID string) (*types.SessionMeta, error) {
	if o.store == nil {
		return nil, types.ErrStorageUnavailable
	}
	return o.store.LoadMeta(ctx, sessionID)
}
