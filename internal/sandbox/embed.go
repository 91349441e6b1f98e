package sandbox

import _ "embed"

// replServerSource is the interpreter server staged into each Python
// sandbox's scratch dir at warmup. Keeping it in Python preserves full
// access to the interpreter's own introspection for state snapshots.
//
//go:embed replserver.py
var replServerSource []byte

// replServerFile is the staged filename inside the scratch dir. Dot
// prefix keeps it out of output scans.
const replServerFile = ".replserver.py"
