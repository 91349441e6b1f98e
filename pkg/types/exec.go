package types

import "time"

// Language is the short code for a supported language (e.g. "py", "c").
type Language string

// Supported language codes.
const (
	LangPython     Language = "py"
	LangJavaScript Language = "js"
	LangTypeScript Language = "ts"
	LangGo         Language = "go"
	LangJava       Language = "java"
	LangC          Language = "c"
	LangCpp        Language = "cpp"
	LangPHP        Language = "php"
	LangRust       Language = "rs"
	LangR          Language = "r"
	LangFortran    Language = "f90"
	LangD          Language = "d"
)

// FileRef references an input file for execution. Either inline content
// or a blob-store reference ({sessionId}/{fileId}) may be set.
type FileRef struct {
	Name      string `json:"name"`
	Content   []byte `json:"content,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	FileID    string `json:"file_id,omitempty"`
}

// ExecRequest is a single code-execution request. Consumed once.
type ExecRequest struct {
	Lang         Language  `json:"lang"`
	Code         string    `json:"code"`
	SessionID    string    `json:"session_id,omitempty"`
	Files        []FileRef `json:"files,omitempty"`
	CaptureState bool      `json:"capture_state,omitempty"`
	TimeoutSec   int       `json:"timeout,omitempty"`
	MemoryMB     int       `json:"memory_mb,omitempty"`
	Args         []string  `json:"args,omitempty"`
}

// OutputFile is a file produced inside the sandbox during execution.
type OutputFile struct {
	Name      string `json:"name"`
	Content   []byte `json:"content,omitempty"`
	Size      int64  `json:"size"`
	Truncated bool   `json:"truncated,omitempty"`
}

// ExecResult is the outcome of one execution. Immutable after construction.
type ExecResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Files    []OutputFile  `json:"files,omitempty"`
	State    []byte        `json:"-"` // opaque snapshot, never serialized inline
	Duration time.Duration `json:"-"`
	TimedOut bool          `json:"timed_out,omitempty"`
}

// ExecResponse is the HTTP response body for POST /exec.
type ExecResponse struct {
	SessionID string       `json:"session_id"`
	Stdout    string       `json:"stdout"`
	Stderr    string       `json:"stderr"`
	ExitCode  int          `json:"exit_code"`
	Files     []OutputFile `json:"files,omitempty"`
	Warnings  []string     `json:"warnings,omitempty"`
}

// SessionMeta is the metadata document stored under session:{id}.
type SessionMeta struct {
	SessionID string    `json:"session_id"`
	Language  Language  `json:"language"`
	CreatedAt time.Time `json:"created_at"`
	LastExec  time.Time `json:"last_exec"`
	ExecCount int       `json:"exec_count"`
}
