package sandbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Stdio frame markers for the in-sandbox interpreter server. Each frame
// is a marker line, one line of JSON, and a closing marker line. Lines
// outside a frame are interpreter noise and are ignored by the reader.
const (
	reqStartMarker  = ">>> REQUEST_START <<<"
	reqEndMarker    = ">>> REQUEST_END <<<"
	respStartMarker = ">>> RESPONSE_START <<<"
	respEndMarker   = ">>> RESPONSE_END <<<"
	readyMarker     = ">>> READY <<<"
)

// frameRequest is the body sent to the interpreter server.
type frameRequest struct {
	Code         string `json:"code"`
	State        string `json:"state,omitempty"` // base64 snapshot to restore first
	CaptureState bool   `json:"capture_state"`
}

// frameResponse is the body returned by the interpreter server.
type frameResponse struct {
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
	ExitCode int      `json:"exit_code"`
	State    string   `json:"state,omitempty"` // base64 snapshot after execution
	Files    []string `json:"files,omitempty"` // names of files created under the scratch mount
	Error    string   `json:"error,omitempty"`
}

// writeFrame sends one request frame and flushes it.
func writeFrame(w io.Writer, req *frameRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request frame: %w", err)
	}
	var b strings.Builder
	b.Grow(len(body) + len(reqStartMarker) + len(reqEndMarker) + 3)
	b.WriteString(reqStartMarker)
	b.WriteByte('\n')
	b.Write(body)
	b.WriteByte('\n')
	b.WriteString(reqEndMarker)
	b.WriteByte('\n')
	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("write request frame: %w", err)
	}
	return nil
}

// readFrame scans the stream for the next complete response frame,
// discarding any lines outside the markers. It returns io.EOF (wrapped)
// when the stream ends before a complete frame arrives.
func readFrame(r *bufio.Reader) (*frameResponse, error) {
	if err := skipToMarker(r, respStartMarker); err != nil {
		return nil, err
	}

	var body strings.Builder
	for {
		line, err := readLine(r)
		if err != nil {
			return nil, fmt.Errorf("response frame truncated: %w", err)
		}
		if strings.TrimRight(line, "\r\n") == respEndMarker {
			break
		}
		body.WriteString(line)
	}

	var resp frameResponse
	if err := json.Unmarshal([]byte(body.String()), &resp); err != nil {
		return nil, fmt.Errorf("decode response frame: %w", err)
	}
	return &resp, nil
}

// skipToMarker consumes lines until one matches marker exactly.
func skipToMarker(r *bufio.Reader, marker string) error {
	for {
		line, err := readLine(r)
		if err != nil {
			return fmt.Errorf("waiting for %q: %w", marker, err)
		}
		if strings.TrimRight(line, "\r\n") == marker {
			return nil
		}
	}
}

// readLine reads one line without a length cap; state snapshots can make
// the JSON body line several megabytes.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err == io.EOF && len(line) > 0 {
		// Final unterminated line still counts.
		return line, nil
	}
	return line, err
}
