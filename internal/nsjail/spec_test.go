package nsjail

import (
	"slices"
	"strings"
	"testing"
)

func baseSpec() *Spec {
	return &Spec{
		Language:   "py",
		ScratchDir: "/srv/sandboxes/abc/data",
		TimeLimit:  30,
		UID:        2001,
	}
}

func TestSpec_Validate(t *testing.T) {
	if err := baseSpec().Validate(); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}

	s := baseSpec()
	s.ScratchDir = ""
	if err := s.Validate(); err == nil {
		t.Error("expected error for missing scratch dir")
	}

	s = baseSpec()
	s.TimeLimit = 0
	if err := s.Validate(); err == nil {
		t.Error("expected error for missing time limit")
	}

	s = baseSpec()
	s.TimeLimit = 0
	s.REPLMode = true
	if err := s.Validate(); err != nil {
		t.Errorf("REPL mode must not require a time limit: %v", err)
	}

	s = baseSpec()
	s.UID = 0
	if err := s.Validate(); err == nil {
		t.Error("expected error for privileged uid")
	}
}

func TestBuildArgs_OneShot(t *testing.T) {
	args := baseSpec().BuildArgs([]string{"sh", "-c", "python3 -"})

	wantPairs := [][]string{
		{"--mode", "o"},
		{"--time_limit", "30"},
		{"--user", "2001"},
		{"--group", "2001"},
		{"--cwd", "/mnt/data"},
		{"--bindmount", "/srv/sandboxes/abc/data:/mnt/data"},
	}
	for _, pair := range wantPairs {
		if !hasPair(args, pair[0], pair[1]) {
			t.Errorf("missing %s %s in args: %v", pair[0], pair[1], args)
		}
	}

	if slices.Contains(args, "--skip_setsid") {
		t.Error("one-shot mode must not skip setsid")
	}
	if !slices.Contains(args, "--iface_no_lo") {
		t.Error("network isolation flag missing")
	}

	// Command must follow the -- separator.
	sep := slices.Index(args, "--")
	if sep < 0 || sep+3 >= len(args) {
		t.Fatalf("command separator misplaced in %v", args)
	}
	if args[sep+1] != "sh" || args[sep+3] != "python3 -" {
		t.Errorf("command not appended after separator: %v", args[sep:])
	}
}

func TestBuildArgs_REPLMode(t *testing.T) {
	s := baseSpec()
	s.REPLMode = true
	s.TimeLimit = 0
	args := s.BuildArgs([]string{"python3", "/mnt/data/.replserver.py"})

	if !slices.Contains(args, "--skip_setsid") {
		t.Error("REPL mode must skip setsid to keep stdin attached")
	}
	if !hasPair(args, "--time_limit", "0") {
		t.Error("REPL mode must run without a wall-clock limit")
	}
}

func TestBuildArgs_MemoryBound(t *testing.T) {
	s := baseSpec()
	s.MemoryMB = 512
	args := s.BuildArgs([]string{"sh"})
	if !hasPair(args, "--cgroup_mem_max", "536870912") {
		t.Errorf("memory bound missing from args: %v", args)
	}

	s.MemoryMB = 0
	if slices.Contains(s.BuildArgs([]string{"sh"}), "--cgroup_mem_max") {
		t.Error("zero memory budget must not emit a cgroup bound")
	}
}

func TestBuildArgs_NetworkEnabled(t *testing.T) {
	s := baseSpec()
	s.Network = true
	args := s.BuildArgs([]string{"sh"})

	if !slices.Contains(args, "--disable_clone_newnet") {
		t.Error("expected network namespace disabled when network allowed")
	}
	if slices.Contains(args, "--iface_no_lo") {
		t.Error("loopback suppression must not be set when network allowed")
	}
}

func TestBuildArgs_SeccompAndEnv(t *testing.T) {
	s := baseSpec()
	s.Env = map[string]string{"PYTHONUNBUFFERED": "1"}
	args := s.BuildArgs([]string{"sh"})

	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "ptrace, bind") {
		t.Error("seccomp policy must block ptrace and bind")
	}
	if !hasPair(args, "--env", "PYTHONUNBUFFERED=1") {
		t.Error("env var not passed through")
	}
}

func hasPair(args []string, flag, val string) bool {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag && args[i+1] == val {
			return true
		}
	}
	return false
}
