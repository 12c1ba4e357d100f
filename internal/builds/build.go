package builds

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFail    Status = "FAIL"
)

// Terminal reports whether no further log lines are expected for a build in this status.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFail
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusFail:
		return true
	}
	return false
}

// Label is the human form used in tables.
func (s Status) Label() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusRunning:
		return "Running"
	case StatusSuccess:
		return "Success"
	case StatusFail:
		return "Fail"
	case "":
		return "-"
	}
	return string(s)
}

// Build is one build attempt for a game. Zero-valued fields are treated as
// "not known" when merging snapshots.
type Build struct {
	ID        int64     `json:"id" yaml:"id"`
	Status    Status    `json:"buildStatus,omitempty" yaml:"status,omitempty"`
	Logs      string    `json:"logs,omitempty" yaml:"logs,omitempty"`
	Path      string    `json:"path,omitempty" yaml:"path,omitempty"`
	CreatedAt Timestamp `json:"createdAt,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt Timestamp `json:"updatedAt,omitempty" yaml:"updated_at,omitempty"`
}

// Merge overlays the known fields of update onto b. Absent fields in update
// leave b untouched.
func (b *Build) Merge(update Build) {
	if update.Status != "" {
		b.Status = update.Status
	}
	if update.Logs != "" {
		b.Logs = update.Logs
	}
	if update.Path != "" {
		b.Path = update.Path
	}
	if !update.CreatedAt.IsZero() {
		b.CreatedAt = update.CreatedAt
	}
	if !update.UpdatedAt.IsZero() {
		b.UpdatedAt = update.UpdatedAt
	}
}

// Timestamp accepts the formats the build service has been seen to emit:
// zone-less LocalDateTime strings, RFC 3339, and epoch milliseconds.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

func ParseTimestamp(s string) (Timestamp, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return Timestamp{Time: t}, nil
		}
	}
	return Timestamp{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*t = Timestamp{}
			return nil
		}
		parsed, err := ParseTimestamp(s)
		if err != nil {
			return err
		}
		*t = parsed
		return nil
	}
	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("unrecognized timestamp %s", data)
	}
	*t = Timestamp{Time: time.UnixMilli(ms).UTC()}
	return nil
}

func (t Timestamp) MarshalYAML() (any, error) {
	if t.IsZero() {
		return nil, nil
	}
	return t.UTC().Format(time.RFC3339), nil
}
