package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/opensandbox/runbox/internal/sandbox"
	"github.com/opensandbox/runbox/pkg/types"
)

type fakePool struct {
	acquires int
	err      error
}

func (f *fakePool) Acquire(_ context.Context, lang *sandbox.LanguageConfig) (*sandbox.Sandbox, error) {
	f.acquires++
	if f.err != nil {
		return nil, f.err
	}
	return &sandbox.Sandbox{ID: fmt.Sprintf("sb-%d", f.acquires), Lang: lang, CreatedAt: time.Now()}, nil
}

func (f *fakePool) Release(*sandbox.Sandbox) {}

func (f *fakePool) Stats() map[types.Language]sandbox.LangStats {
	return map[types.Language]sandbox.LangStats{}
}

type fakeREPL struct {
	calls     int
	gotState  []byte
	gotCap    bool
	gotTime   time.Duration
	result    *types.ExecResult
	errOnCall map[int]error
}

func (f *fakeREPL) Execute(_ context.Context, _ *sandbox.Sandbox, _ *types.ExecRequest, state []byte, capture bool, timeout time.Duration) (*types.ExecResult, error) {
	f.calls++
	f.gotState = state
	f.gotCap = capture
	f.gotTime = timeout
	if err := f.errOnCall[f.calls]; err != nil {
		return nil, err
	}
	return f.result, nil
}

type fakeOneShot struct {
	calls   int
	gotTime time.Duration
	result  *types.ExecResult
}

func (f *fakeOneShot) Execute(_ context.Context, _ *sandbox.Sandbox, _ *types.ExecRequest, timeout time.Duration) (*types.ExecResult, error) {
	f.calls++
	f.gotTime = timeout
	return f.result, nil
}

type fakeStore struct {
	states  map[string][]byte
	meta    map[string]*types.SessionMeta
	loadErr error
	saveErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: map[string][]byte{}, meta: map[string]*types.SessionMeta{}}
}

func (f *fakeStore) Save(_ context.Context, id string, blob []byte) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.states[id] = blob
	return nil
}

func (f *fakeStore) Load(_ context.Context, id string) ([]byte, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	blob, ok := f.states[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	return blob, nil
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	delete(f.states, id)
	delete(f.meta, id)
	return nil
}

func (f *fakeStore) SaveMeta(_ context.Context, m *types.SessionMeta) error {
	f.meta[m.SessionID] = m
	return nil
}

func (f *fakeStore) LoadMeta(_ context.Context, id string) (*types.SessionMeta, error) {
	m, ok := f.meta[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	return m, nil
}

func testConfig() Config {
	return Config{
		DefaultTimeout: 30 * time.Second,
		MaxTimeout:     120 * time.Second,
		MaxCodeBytes:   1 << 20,
		CaptureOnError: true,
	}
}

func okResult() *types.ExecResult {
	return &types.ExecResult{Stdout: "ok\n", Duration: 10 * time.Millisecond}
}

func TestExecute_ValidationErrors(t *testing.T) {
	o := New(testConfig(), &fakePool{}, &fakeREPL{}, &fakeOneShot{}, nil, nil, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		req  *types.ExecRequest
	}{
		{"empty code", &types.ExecRequest{Lang: "py"}},
		{"unknown language", &types.ExecRequest{Lang: "cobol", Code: "x"}},
		{"session on compiled language", &types.ExecRequest{Lang: "go", Code: "x", SessionID: "s1"}},
		{"capture on compiled language", &types.ExecRequest{Lang: "c", Code: "x", CaptureState: true}},
	}
	for _, tc := range cases {
		if _, err := o.Execute(ctx, tc.req); !errors.Is(err, types.ErrBadRequest) {
			t.Errorf("%s: expected bad request, got %v", tc.name, err)
		}
	}
}

func TestExecute_OversizedCode(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCodeBytes = 10
	o := New(cfg, &fakePool{}, &fakeREPL{}, &fakeOneShot{}, nil, nil, nil)

	_, err := o.Execute(context.Background(), &types.ExecRequest{Lang: "py", Code: strings.Repeat("x", 11)})
	if !errors.Is(err, types.ErrBadRequest) {
		t.Fatalf("expected bad request, got %v", err)
	}
}

func TestExecute_StatelessPythonUsesREPL(t *testing.T) {
	repl := &fakeREPL{result: okResult()}
	oneShot := &fakeOneShot{result: okResult()}
	o := New(testConfig(), &fakePool{}, repl, oneShot, nil, nil, nil)

	resp, err := o.Execute(context.Background(), &types.ExecRequest{Lang: "py", Code: "print(1)"})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if repl.calls != 1 || oneShot.calls != 0 {
		t.Error("python must go through the interpreter session")
	}
	if repl.gotCap {
		t.Error("stateless execution must not capture state")
	}
	if resp.SessionID != "" {
		t.Error("stateless execution must not mint a session id")
	}
}

func TestExecute_CompiledLanguageUsesOneShot(t *testing.T) {
	repl := &fakeREPL{result: okResult()}
	oneShot := &fakeOneShot{result: okResult()}
	o := New(testConfig(), &fakePool{}, repl, oneShot, nil, nil, nil)

	_, err := o.Execute(context.Background(), &types.ExecRequest{Lang: "go", Code: "package main"})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if oneShot.calls != 1 || repl.calls != 0 {
		t.Error("compiled language must go through the one-shot executor")
	}
}

func TestExecute_StatefulRoundTrip(t *testing.T) {
	store := newFakeStore()
	repl := &fakeREPL{result: &types.ExecResult{Stdout: "1\n", State: []byte("snapshot-1")}}
	o := New(testConfig(), &fakePool{}, repl, &fakeOneShot{}, store, nil, nil)
	ctx := context.Background()

	// First execution mints a session and saves its snapshot.
	resp, err := o.Execute(ctx, &types.ExecRequest{Lang: "py", Code: "x = 1", CaptureState: true})
	if err != nil {
		t.Fatalf("first Execute() error: %v", err)
	}
	if resp.SessionID == "" {
		t.Fatal("capture without a session id must mint one")
	}
	if string(store.states[resp.SessionID]) != "snapshot-1" {
		t.Error("state snapshot not saved")
	}
	if store.meta[resp.SessionID].ExecCount != 1 {
		t.Errorf("exec count not recorded: %+v", store.meta[resp.SessionID])
	}

	// Second execution restores the saved snapshot.
	_, err = o.Execute(ctx, &types.ExecRequest{Lang: "py", Code: "print(x)", SessionID: resp.SessionID})
	if err != nil {
		t.Fatalf("second Execute() error: %v", err)
	}
	if string(repl.gotState) != "snapshot-1" {
		t.Errorf("saved state not threaded into the next execution, got %q", repl.gotState)
	}
	if store.meta[resp.SessionID].ExecCount != 2 {
		t.Error("exec count must increment per execution")
	}
}

func TestExecute_ExpiredSessionStartsFresh(t *testing.T) {
	store := newFakeStore()
	repl := &fakeREPL{result: okResult()}
	o := New(testConfig(), &fakePool{}, repl, &fakeOneShot{}, store, nil, nil)

	resp, err := o.Execute(context.Background(), &types.ExecRequest{Lang: "py", Code: "x", SessionID: "gone"})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if repl.gotState != nil {
		t.Error("expired session must start with no state")
	}
	for _, w := range resp.Warnings {
		if strings.Contains(w, "unavailable") {
			t.Error("a clean miss is not a storage failure")
		}
	}
}

func TestExecute_StorageOutageDegrades(t *testing.T) {
	store := newFakeStore()
	store.loadErr = types.ErrStorageUnavailable
	repl := &fakeREPL{result: okResult()}
	o := New(testConfig(), &fakePool{}, repl, &fakeOneShot{}, store, nil, nil)

	resp, err := o.Execute(context.Background(), &types.ExecRequest{Lang: "py", Code: "x", SessionID: "s1"})
	if err != nil {
		t.Fatalf("execution must succeed despite storage outage: %v", err)
	}
	if len(resp.Warnings) == 0 {
		t.Error("storage outage must surface as a warning")
	}
}

func TestExecute_StateTooLargeWarns(t *testing.T) {
	store := newFakeStore()
	store.saveErr = types.ErrStateTooLarge
	repl := &fakeREPL{result: &types.ExecResult{State: []byte("huge")}}
	o := New(testConfig(), &fakePool{}, repl, &fakeOneShot{}, store, nil, nil)

	resp, err := o.Execute(context.Background(), &types.ExecRequest{Lang: "py", Code: "x", CaptureState: true})
	if err != nil {
		t.Fatalf("oversized state must not fail the request: %v", err)
	}
	found := false
	for _, w := range resp.Warnings {
		if strings.Contains(w, "too large") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected too-large warning, got %v", resp.Warnings)
	}
}

func TestExecute_CaptureOnErrorDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.CaptureOnError = false
	store := newFakeStore()
	repl := &fakeREPL{result: &types.ExecResult{ExitCode: 1, State: []byte("partial")}}
	o := New(cfg, &fakePool{}, repl, &fakeOneShot{}, store, nil, nil)

	resp, err := o.Execute(context.Background(), &types.ExecRequest{Lang: "py", Code: "boom", CaptureState: true})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if _, ok := store.states[resp.SessionID]; ok {
		t.Error("failed execution must not save state when capture-on-error is off")
	}
}

func TestExecute_RetriesUnhealthySandboxOnce(t *testing.T) {
	pool := &fakePool{}
	repl := &fakeREPL{
		result:    okResult(),
		errOnCall: map[int]error{1: types.ErrSandboxUnhealthy},
	}
	o := New(testConfig(), pool, repl, &fakeOneShot{}, nil, nil, nil)

	_, err := o.Execute(context.Background(), &types.ExecRequest{Lang: "py", Code: "x"})
	if err != nil {
		t.Fatalf("retry must recover from one unhealthy sandbox: %v", err)
	}
	if pool.acquires != 2 {
		t.Errorf("expected 2 acquires, got %d", pool.acquires)
	}
}

func TestExecute_SecondUnhealthyFails(t *testing.T) {
	repl := &fakeREPL{
		errOnCall: map[int]error{1: types.ErrSandboxUnhealthy, 2: types.ErrSandboxUnhealthy},
	}
	o := New(testConfig(), &fakePool{}, repl, &fakeOneShot{}, nil, nil, nil)

	_, err := o.Execute(context.Background(), &types.ExecRequest{Lang: "py", Code: "x"})
	if !errors.Is(err, types.ErrSandboxUnhealthy) {
		t.Fatalf("expected unhealthy error after retry, got %v", err)
	}
}

func TestExecute_PoolExhaustedPropagates(t *testing.T) {
	o := New(testConfig(), &fakePool{err: types.ErrPoolExhausted}, &fakeREPL{}, &fakeOneShot{}, nil, nil, nil)

	_, err := o.Execute(context.Background(), &types.ExecRequest{Lang: "py", Code: "x"})
	if !errors.Is(err, types.ErrPoolExhausted) {
		t.Fatalf("expected pool exhausted, got %v", err)
	}
}

func TestExecute_TimeoutReturnsPartialOutput(t *testing.T) {
	oneShot := &fakeOneShot{result: &types.ExecResult{
		Stdout:   "partial",
		ExitCode: 124,
		TimedOut: true,
	}}
	o := New(testConfig(), &fakePool{}, &fakeREPL{}, oneShot, nil, nil, nil)

	resp, err := o.Execute(context.Background(), &types.ExecRequest{Lang: "c", Code: "while(1);"})
	if !errors.Is(err, types.ErrTimeoutExceeded) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if resp == nil || resp.Stdout != "partial" {
		t.Error("timeout response must carry partial output")
	}
}

func TestExecute_TimeoutCapped(t *testing.T) {
	oneShot := &fakeOneShot{result: okResult()}
	o := New(testConfig(), &fakePool{}, &fakeREPL{}, oneShot, nil, nil, nil)

	_, err := o.Execute(context.Background(), &types.ExecRequest{Lang: "c", Code: "x", TimeoutSec: 9999})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if oneShot.gotTime != 120*time.Second {
		t.Errorf("timeout must be capped at the maximum, got %v", oneShot.gotTime)
	}
}

func TestExecute_DefaultTimeout(t *testing.T) {
	repl := &fakeREPL{result: okResult()}
	o := New(testConfig(), &fakePool{}, repl, &fakeOneShot{}, nil, nil, nil)

	_, err := o.Execute(context.Background(), &types.ExecRequest{Lang: "py", Code: "x"})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if repl.gotTime != 30*time.Second {
		t.Errorf("expected default timeout, got %v", repl.gotTime)
	}
}

type fakeBlobs struct {
	data map[string][]byte
}

func (f *fakeBlobs) Get(_ context.Context, sid, fid string) ([]byte, string, error) {
	blob, ok := f.data[sid+"/"+fid]
	if !ok {
		return nil, "", types.ErrNotFound
	}
	return blob, "stored-name.csv", nil
}

func TestExecute_ResolvesBlobReferences(t *testing.T) {
	blobs := &fakeBlobs{data: map[string][]byte{"s/f": []byte("a,b\n")}}
	repl := &fakeREPL{result: okResult()}
	o := New(testConfig(), &fakePool{}, repl, &fakeOneShot{}, nil, blobs, nil)

	req := &types.ExecRequest{
		Lang:  "py",
		Code:  "x",
		Files: []types.FileRef{{SessionID: "s", FileID: "f"}},
	}
	if _, err := o.Execute(context.Background(), req); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if string(req.Files[0].Content) != "a,b\n" {
		t.Error("blob reference not resolved into content")
	}
	if req.Files[0].Name != "stored-name.csv" {
		t.Error("stored filename not applied")
	}
}

func TestExecute_MissingBlobReference(t *testing.T) {
	blobs := &fakeBlobs{data: map[string][]byte{}}
	o := New(testConfig(), &fakePool{}, &fakeREPL{}, &fakeOneShot{}, nil, blobs, nil)

	req := &types.ExecRequest{
		Lang:  "py",
		Code:  "x",
		Files: []types.FileRef{{SessionID: "s", FileID: "missing"}},
	}
	if _, err := o.Execute(context.Background(), req); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPurgeSession(t *testing.T) {
	store := newFakeStore()
	store.states["s1"] = []byte("x")
	o := New(testConfig(), &fakePool{}, &fakeREPL{}, &fakeOneShot{}, store, nil, nil)

	if err := o.PurgeSession(context.Background(), "s1"); err != nil {
		t.Fatalf("PurgeSession() error: %v", err)
	}
	if len(store.states) != 0 {
		t.Error("purge must remove session state")
	}
}
