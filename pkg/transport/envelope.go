package transport

import (
	"encoding/json"
	"fmt"
)

// WriteConcernError reports a replication acknowledgement failure that
// occurred on the executing node even though the command itself succeeded.
type WriteConcernError struct {
	Code   int    `json:"code"`
	Errmsg string `json:"errmsg"`
}

// Envelope is the JSON reply envelope shared by every command handler. A
// transport-level success can still carry a failed command ("ok": false) or
// a write-concern failure, and callers need to distinguish the three.
type Envelope struct {
	OK                bool               `json:"ok"`
	Code              int                `json:"code,omitempty"`
	Errmsg            string             `json:"errmsg,omitempty"`
	WriteConcernError *WriteConcernError `json:"writeConcernError,omitempty"`
	Body              json.RawMessage    `json:"body,omitempty"`
}

// CommandError is the decoded failure carried inside a reply envelope.
type CommandError struct {
	Code   int
	Errmsg string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command failed (code %d): %s", e.Code, e.Errmsg)
}

// OKReply encodes a successful envelope with an optional body.
func OKReply(body json.RawMessage) []byte {
	out, _ := json.Marshal(Envelope{OK: true, Body: body})
	return out
}

// ErrorReply encodes a failed envelope.
func ErrorReply(code int, errmsg string) []byte {
	out, _ := json.Marshal(Envelope{OK: false, Code: code, Errmsg: errmsg})
	return out
}

// CommandStatus extracts the command-level outcome from a reply payload.
// It returns nil when the envelope says "ok", a *CommandError when the
// command reported failure, and a decode error for malformed replies.
func CommandStatus(payload []byte) error {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("transport: malformed reply envelope: %w", err)
	}
	if env.OK {
		return nil
	}
	return &CommandError{Code: env.Code, Errmsg: env.Errmsg}
}

// WriteConcernStatus extracts the write-concern outcome from a reply
// payload. Malformed replies were already reported by CommandStatus, so
// here they map to nil.
func WriteConcernStatus(payload []byte) error {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil
	}
	if env.WriteConcernError == nil {
		return nil
	}
	return &CommandError{Code: env.WriteConcernError.Code, Errmsg: env.WriteConcernError.Errmsg}
}
