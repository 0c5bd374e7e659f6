// Package protocol defines the wire format between the relay and players.
//
// Every message is a single line of UTF-8 text carrying one JSON value.
// On stream transports lines end with '\n'; on WebSocket transports each
// text frame carries exactly one message. The relay treats payloads as
// opaque except for one rule: a result payload whose top-level JSON
// object has an "outcome" key ends the session.
package protocol

import (
	"encoding/json"
	"errors"
	"strings"
)

// OutcomeKey is the only payload field the relay interprets.
const OutcomeKey = "outcome"

// DefaultMaxLineBytes bounds a single message.
const DefaultMaxLineBytes = 1 << 20

// ErrMultiline is returned for payloads that would break line framing.
var ErrMultiline = errors.New("payload contains a line separator")

// Outcome reports whether payload is a JSON object with a top-level
// outcome key, and returns the raw value of that key. Any value counts,
// including null. Arrays, scalars and invalid JSON are never terminal.
func Outcome(payload string) (json.RawMessage, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &obj); err != nil {
		return nil, false
	}
	v, ok := obj[OutcomeKey]
	if !ok {
		return nil, false
	}
	if v == nil {
		v = json.RawMessage("null")
	}
	return v, true
}

// HasOutcome reports whether payload carries the termination signal.
func HasOutcome(payload string) bool {
	_, ok := Outcome(payload)
	return ok
}

// OutcomeText renders an outcome value for logs and reports. JSON strings
// are unquoted; anything else is returned verbatim.
func OutcomeText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// CheckPayload rejects payloads that cannot be sent as one line.
func CheckPayload(payload string) error {
	if strings.ContainsAny(payload, "\r\n") {
		return ErrMultiline
	}
	return nil
}

// AbortNotice is sent to players that did not cause a session failure
// when abort notification is enabled. The reference protocol sends
// nothing in that case.
type AbortNotice struct {
	// Aborted names the failure kind, e.g. "action_read".
	Aborted string `json:"aborted"`

	// Session is the relay's identifier for the failed session.
	Session string `json:"session,omitempty"`
}

// Line encodes the notice as a single-line payload.
func (n AbortNotice) Line() string {
	data, _ := json.Marshal(n) // simple struct, cannot fail
	return string(data)
}
