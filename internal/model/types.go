package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type ThreatLevel string

const (
	ThreatMedium ThreatLevel = "medium"
	ThreatHigh   ThreatLevel = "high"
)

type Verdict string

const (
	VerdictSafe  Verdict = "safe"
	VerdictBlock Verdict = "block"
)

// DefaultTrustScore is reported for devices that have not been evaluated yet.
const DefaultTrustScore = 80

type Payload map[string]any

type Signal struct {
	ID         int64     `json:"id"`
	DeviceID   string    `json:"device_id"`
	Payload    Payload   `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

type TrustScore struct {
	DeviceID string  `json:"device_id"`
	Score    int     `json:"score"`
	Verdict  Verdict `json:"verdict"`
}

type AuditRecord struct {
	ID          int64       `json:"id"`
	DeviceID    string      `json:"device_id"`
	ThreatLevel ThreatLevel `json:"threat_level"`
	Reason      string      `json:"reason"`
	Score       int         `json:"score"`
	CreatedAt   time.Time   `json:"created_at"`
	SignalID    *int64      `json:"signal_id"`
	DedupeKey   string      `json:"-"`
	PublishedAt *time.Time  `json:"published_at,omitempty"`
}

// KillCommand is the event carried on the bus.
type KillCommand struct {
	DeviceID string    `json:"device_id"`
	Score    int       `json:"score"`
	IssuedAt time.Time `json:"issued_at"`
	AuditID  int64     `json:"audit_id,omitempty"`
}

var ErrMalformedCommand = errors.New("malformed kill command")

func (c KillCommand) Encode() ([]byte, error) {
	if c.DeviceID == "" {
		return nil, ErrMalformedCommand
	}
	return json.Marshal(c)
}

// AgentText is the frame pushed to enforcement agents.
func (c KillCommand) AgentText() string {
	return "block:" + c.DeviceID + ":score:" + strconv.Itoa(c.Score)
}

// DecodeKillCommand accepts the JSON encoding and the legacy
// "block:<device_id>:score:<score>" form.
func DecodeKillCommand(data []byte) (KillCommand, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return KillCommand{}, ErrMalformedCommand
	}
	if trimmed[0] == '{' {
		var cmd KillCommand
		if err := json.Unmarshal([]byte(trimmed), &cmd); err != nil {
			return KillCommand{}, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
		}
		if cmd.DeviceID == "" {
			return KillCommand{}, ErrMalformedCommand
		}
		return cmd, nil
	}
	if !strings.HasPrefix(trimmed, "block:") {
		return KillCommand{}, ErrMalformedCommand
	}
	rest := strings.TrimPrefix(trimmed, "block:")
	idx := strings.LastIndex(rest, ":score:")
	if idx <= 0 {
		return KillCommand{}, ErrMalformedCommand
	}
	score, err := strconv.Atoi(rest[idx+len(":score:"):])
	if err != nil {
		return KillCommand{}, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	return KillCommand{DeviceID: rest[:idx], Score: score}, nil
}
