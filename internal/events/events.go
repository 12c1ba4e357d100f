// Package events defines the messages published on the build bus and the
// topics they travel on.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gamenest/buildsync/internal/builds"
)

var ErrUnknownTopic = errors.New("unknown topic")

type Kind int

const (
	KindStatus Kind = iota + 1
	KindLog
)

func (k Kind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindLog:
		return "logs"
	}
	return "unknown"
}

// Topic is a parsed bus destination. ID is the game id for status topics and
// the build id for log topics.
type Topic struct {
	Kind Kind
	ID   int64
}

const topicPrefix = "/topic/builds/"

func StatusTopic(gameID int64) Topic { return Topic{Kind: KindStatus, ID: gameID} }

func LogTopic(buildID int64) Topic { return Topic{Kind: KindLog, ID: buildID} }

func (t Topic) String() string {
	return topicPrefix + strconv.FormatInt(t.ID, 10) + "/" + t.Kind.String()
}

// ParseTopic reverses Topic.String.
func ParseTopic(dest string) (Topic, error) {
	rest, ok := strings.CutPrefix(dest, topicPrefix)
	if !ok {
		return Topic{}, fmt.Errorf("%w: %s", ErrUnknownTopic, dest)
	}
	idPart, kindPart, ok := strings.Cut(rest, "/")
	if !ok {
		return Topic{}, fmt.Errorf("%w: %s", ErrUnknownTopic, dest)
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return Topic{}, fmt.Errorf("%w: %s", ErrUnknownTopic, dest)
	}
	switch kindPart {
	case "status":
		return StatusTopic(id), nil
	case "logs":
		return LogTopic(id), nil
	}
	return Topic{}, fmt.Errorf("%w: %s", ErrUnknownTopic, dest)
}

// Event is either a StatusEvent or a LogEvent.
type Event interface {
	Kind() Kind
}

// StatusEvent reports a build status change on a game's status topic.
type StatusEvent struct {
	Build   *builds.Build `json:"build,omitempty"`
	BuildID int64         `json:"buildId"`
	GameID  int64         `json:"gameId"`
	Status  builds.Status `json:"status"`
}

func (StatusEvent) Kind() Kind { return KindStatus }

// Snapshot is the build state carried by the event. Publishers that only send
// ids and status get a minimal snapshot built from those.
func (e StatusEvent) Snapshot() builds.Build {
	var b builds.Build
	if e.Build != nil {
		b = *e.Build
	}
	if b.ID == 0 {
		b.ID = e.BuildID
	}
	if e.Status != "" {
		b.Status = e.Status
	}
	return b
}

// LogEvent carries one log line on a build's log topic.
type LogEvent struct {
	BuildID int64  `json:"buildId"`
	GameID  int64  `json:"gameId"`
	Line    string `json:"line"`
}

func (LogEvent) Kind() Kind { return KindLog }

// DecodeError wraps a message body that could not be turned into an event.
type DecodeError struct {
	Topic Topic
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Topic, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decode parses body according to the kind of topic it arrived on.
func Decode(topic Topic, body []byte) (Event, error) {
	switch topic.Kind {
	case KindStatus:
		var ev StatusEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, &DecodeError{Topic: topic, Err: err}
		}
		if ev.BuildID == 0 && ev.Build != nil {
			ev.BuildID = ev.Build.ID
		}
		if ev.BuildID == 0 {
			return nil, &DecodeError{Topic: topic, Err: errors.New("missing buildId")}
		}
		if ev.Status == "" && ev.Build != nil {
			ev.Status = ev.Build.Status
		}
		if !ev.Status.Valid() {
			return nil, &DecodeError{Topic: topic, Err: fmt.Errorf("invalid status %q", ev.Status)}
		}
		return ev, nil
	case KindLog:
		var ev LogEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, &DecodeError{Topic: topic, Err: err}
		}
		if ev.BuildID == 0 {
			return nil, &DecodeError{Topic: topic, Err: errors.New("missing buildId")}
		}
		return ev, nil
	}
	return nil, &DecodeError{Topic: topic, Err: ErrUnknownTopic}
}

// Encode is the publisher side of Decode.
func Encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}
