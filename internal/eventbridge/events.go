package eventbridge

import (
	"encoding/json"
	"errors"
	"time"
)

const (
	// ProtocolVersion identifies the bridge contract version exposed via /health.
	ProtocolVersion = "1.0.0"
	// EventSchemaVersion is the current event envelope version.
	EventSchemaVersion = 1
)

// Event types published for every chain.
const (
	TypeChainStatus            = "chain.status"
	TypeChainProgress          = "chain.progress"
	TypeTaskStarted            = "task.started"
	TypeTaskAttempt            = "task.attempt"
	TypeTaskCompleted          = "task.completed"
	TypeTaskFailed             = "task.failed"
	TypeClarificationRequested = "clarification.requested"
	TypeFeedbackReceived       = "feedback.received"
)

// Event is one progress or state-change notification for a chain.
type Event struct {
	Version    int             `json:"version"`
	EventID    string          `json:"event_id"`
	Sequence   int64           `json:"sequence"`
	Type       string          `json:"type"`
	ChainID    string          `json:"chain_id"`
	TaskID     string          `json:"task_id,omitempty"`
	ServerTime time.Time       `json:"server_time"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// StampServerTime overwrites ServerTime with the supplied clock reading (UTC).
func (e *Event) StampServerTime(now time.Time) {
	if e == nil {
		return
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	e.ServerTime = now.UTC()
}

// Decode unmarshals the payload into out.
func (e Event) Decode(out any) error {
	if len(e.Payload) == 0 {
		return errors.New("event has no payload")
	}
	return json.Unmarshal(e.Payload, out)
}

// Logger records bridge status information. It matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	RouterReady   bool   `json:"router_ready"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}
