// Package events publishes execution lifecycle events to NATS so other
// systems can follow sandbox activity without polling the API.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/opensandbox/runbox/pkg/types"
)

const subject = "runbox.executions"

// ExecutionEvent is emitted after every execution attempt.
type ExecutionEvent struct {
	SessionID string         `json:"session_id,omitempty"`
	Language  types.Language `json:"language"`
	ExitCode  int            `json:"exit_code"`
	TimedOut  bool           `json:"timed_out"`
	Duration  float64        `json:"duration_seconds"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher sends events over NATS. A nil Publisher drops everything,
// so event wiring stays optional.
type Publisher struct {
	conn *nats.Conn
}

// Connect dials the NATS server with bounded reconnect behavior.
func Connect(url string) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("runbox"),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Publisher{conn: conn}, nil
}

// PublishExecution emits one event; failures are logged, never fatal.
func (p *Publisher) PublishExecution(ev ExecutionEvent) {
	if p == nil || p.conn == nil {
		return
	}
	ev.Timestamp = time.Now().UTC()
	body, err := json.Marshal(ev)
	if err != nil {
		log.Printf("events: encode execution event: %v", err)
		return
	}
	if err := p.conn.Publish(subject, body); err != nil {
		log.Printf("events: publish: %v", err)
	}
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
