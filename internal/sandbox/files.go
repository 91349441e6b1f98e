package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/opensandbox/runbox/pkg/types"
)

// stageInputs writes the request's input files into the scratch dir.
// Paths are confined to the scratch tree; anything escaping it is a bad
// request.
func stageInputs(scratch string, files []types.FileRef) error {
	for _, f := range files {
		dst, err := securePath(scratch, f.Name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o777); err != nil {
			return fmt.Errorf("stage %s: %w", f.Name, err)
		}
		if err := os.WriteFile(dst, f.Content, 0o666); err != nil {
			return fmt.Errorf("stage %s: %w", f.Name, err)
		}
	}
	return nil
}

// securePath resolves name under root and rejects traversal outside it.
func securePath(root, name string) (string, error) {
	clean := filepath.Clean("/" + name)
	dst := filepath.Join(root, clean)
	if dst != root && !strings.HasPrefix(dst, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: invalid file name %q", types.ErrBadRequest, name)
	}
	return dst, nil
}

// snapshotNames lists regular files under scratch, relative paths,
// skipping dot-prefixed entries at any level.
func snapshotNames(scratch string) map[string]struct{} {
	seen := make(map[string]struct{})
	filepath.Walk(scratch, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		name := filepath.Base(path)
		if strings.HasPrefix(name, ".") && path != scratch {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.Mode().IsRegular() {
			if rel, err := filepath.Rel(scratch, path); err == nil {
				seen[rel] = struct{}{}
			}
		}
		return nil
	})
	return seen
}

// collectOutputs reads files that appeared in scratch since before,
// bounded by maxFiles and maxBytes. Files past the count cap are listed
// with empty content and Truncated set; a file past the byte budget is
// cut at the remaining budget.
func collectOutputs(scratch string, before map[string]struct{}, maxFiles int, maxBytes int64) []types.OutputFile {
	after := snapshotNames(scratch)
	var created []string
	for name := range after {
		if _, ok := before[name]; !ok {
			created = append(created, name)
		}
	}
	sort.Strings(created)

	var out []types.OutputFile
	var used int64
	for i, name := range created {
		full := filepath.Join(scratch, name)
		info, err := os.Stat(full)
		if err != nil {
			continue
		}
		of := types.OutputFile{Name: name, Size: info.Size()}
		if maxFiles > 0 && i >= maxFiles {
			of.Truncated = true
			out = append(out, of)
			continue
		}
		budget := maxBytes - used
		if budget <= 0 {
			of.Truncated = true
			out = append(out, of)
			continue
		}
		data, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		if int64(len(data)) > budget {
			data = data[:budget]
			of.Truncated = true
		}
		of.Content = data
		used += int64(len(data))
		out = append(out, of)
	}
	return out
}

// maxStreamBytes caps each captured stdout/stderr stream.
const maxStreamBytes = 1 << 20

// sanitizeOutput caps a stream at maxStreamBytes and strips control
// characters other than tab, newline, and carriage return.
func sanitizeOutput(s string) string {
	truncated := false
	if len(s) > maxStreamBytes {
		s = s[:maxStreamBytes]
		truncated = true
	}
	cleaned := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || r == '\r' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	if truncated {
		cleaned += "\n... [output truncated]"
	}
	return cleaned
}
