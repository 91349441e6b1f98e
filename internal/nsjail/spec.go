// Package nsjail drives the external nsjail binary: it translates a
// declarative sandbox Spec into CLI arguments and spawns the jailed
// process with piped stdio.
package nsjail

import (
	"fmt"
	"strconv"
)

// Spec describes one jailed process launch.
type Spec struct {
	Language    string            // language code, selects bind mounts and uid
	ScratchDir  string            // host dir bind-mounted as /mnt/data (read-write)
	BindPaths   []string          // read-only runtime paths for the language
	TmpfsSizeMB int               // size of tmpfs for /tmp
	MemoryMB    int               // cgroup/rlimit memory budget
	MaxPIDs     int               // process-count limit
	TimeLimit   int               // wall-clock seconds; ignored in REPL mode
	UID         int               // uid/gid for the child
	Network     bool              // allow network access
	REPLMode    bool              // long-lived interpreter server: no time limit, keep stdin session
	Env         map[string]string // environment inside the jail
}

// Validate checks the spec before any process is spawned.
func (s *Spec) Validate() error {
	if s.ScratchDir == "" {
		return fmt.Errorf("nsjail spec: scratch dir required")
	}
	if !s.REPLMode && s.TimeLimit <= 0 {
		return fmt.Errorf("nsjail spec: time limit required for one-shot execution")
	}
	if s.UID <= 0 {
		return fmt.Errorf("nsjail spec: uid must be an unprivileged user")
	}
	return nil
}

// seccomp policy: ptrace blocked to prevent process inspection, bind
// blocked so code cannot open server sockets even with network access.
// ERRNO(1) so the process sees EPERM rather than SIGSYS.
const seccompPolicy = "POLICY policy { ERRNO(1) { ptrace, bind } } USE policy DEFAULT ALLOW"

// BuildArgs produces the nsjail argument vector for running cmd inside
// the jail. It does not include the nsjail binary itself.
func (s *Spec) BuildArgs(cmd []string) []string {
	args := []string{"--mode", "o", "--really_quiet"}

	// REPL mode skips setsid() so the stdin pipe stays attached to the
	// interpreter server, and runs without a wall-clock limit: the pool
	// owns REPL lifetime.
	if s.REPLMode {
		args = append(args, "--skip_setsid", "--time_limit", "0")
	} else {
		args = append(args, "--time_limit", strconv.Itoa(s.TimeLimit))
	}

	// Per-process rlimits. Address space stays at the hard limit (Go
	// binaries reserve large arenas); memory is bounded by the cgroup.
	args = append(args,
		"--rlimit_as", "hard",
		"--rlimit_fsize", "100",
		"--rlimit_nofile", "256",
		"--rlimit_nproc", strconv.Itoa(s.maxPIDs()),
	)
	if s.MemoryMB > 0 {
		args = append(args, "--cgroup_mem_max", strconv.FormatInt(int64(s.MemoryMB)<<20, 10))
	}

	// User namespace stays disabled: gid_map writes fail inside the
	// service's own container. Isolation comes from the PID/mount/net
	// namespaces plus capability dropping.
	args = append(args, "--disable_clone_newuser")
	if s.Network {
		args = append(args, "--disable_clone_newnet")
	} else {
		args = append(args, "--iface_no_lo")
	}

	args = append(args, "--hostname", "sandbox", "--disable_proc")
	args = append(args, "--seccomp_string", seccompPolicy)

	args = append(args, "--bindmount", s.ScratchDir+":/mnt/data")
	for _, p := range s.BindPaths {
		args = append(args, "--bindmount_ro", p)
	}
	args = append(args, "--tmpfsmount", fmt.Sprintf("/tmp:size=%dM", s.tmpfsSizeMB()))

	args = append(args, "--cwd", "/mnt/data")
	args = append(args, "--user", strconv.Itoa(s.UID), "--group", strconv.Itoa(s.UID))

	for k, v := range s.Env {
		args = append(args, "--env", k+"="+v)
	}

	args = append(args, "--")
	args = append(args, cmd...)
	return args
}

func (s *Spec) maxPIDs() int {
	if s.MaxPIDs > 0 {
		return s.MaxPIDs
	}
	return 256
}

func (s *Spec) tmpfsSizeMB() int {
	if s.TmpfsSizeMB > 0 {
		return s.TmpfsSizeMB
	}
	return 64
}
