package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status enumerates lifecycle states persisted in the task table. The numeric
// values are stored as-is, so they must never be reordered.
type Status int

const (
	StatusNew Status = iota
	StatusInProgress
	StatusCompleted
	StatusError
	StatusFatalError
)

var statusNames = map[Status]string{
	StatusNew:        "new",
	StatusInProgress: "in_progress",
	StatusCompleted:  "completed",
	StatusError:      "error",
	StatusFatalError: "fatal_error",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Terminal reports whether no queue operation ever moves a task out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFatalError
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// HangedErrorText is written to error_text when the reaper drops a hung task.
const HangedErrorText = "hanged"

// Task is a full task row.
type Task struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Status    Status          `json:"status"`
	Attempt   int             `json:"attempt"`
	BeginTime *time.Time      `json:"begin_time,omitempty"`
	EndTime   *time.Time      `json:"end_time,omitempty"`
	DelayedTo *time.Time      `json:"delayed_to,omitempty"`
	ErrorText *string         `json:"error_text,omitempty"`
	Created   time.Time       `json:"created"`
	Updated   time.Time       `json:"updated"`
}

// ClaimedTask is what the normal lane hands to a handler.
type ClaimedTask struct {
	ID      int64
	Payload json.RawMessage
}

// FailedTask is what the failed lane hands to a recovery handler. ErrorText
// is the error recorded on the row before it was claimed.
type FailedTask struct {
	ID        int64
	Payload   json.RawMessage
	ErrorText string
}

// HangPolicy selects what the reaper does with hung tasks.
type HangPolicy string

const (
	HangDrop    HangPolicy = "drop"
	HangRestart HangPolicy = "restart"
)

// ParseHangPolicy validates a configured policy name.
func ParseHangPolicy(v string) (HangPolicy, error) {
	switch p := HangPolicy(v); p {
	case HangDrop, HangRestart:
		return p, nil
	default:
		return "", fmt.Errorf("unknown hang policy %q (want drop or restart)", v)
	}
}
