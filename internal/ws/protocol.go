package ws

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Error codes sent to subscribers.
const (
	CodeTimeout           = "initial_timeout"
	CodeInvalidInitial    = "invalid_initial_message"
	CodeUnexpectedMessage = "unexpected_message"
	CodeSlowConsumer      = "slow_consumer"
	CodeShutdown          = "shutting_down"
	CodeInternal          = "internal_error"
)

// Initial commands.
const (
	cmdConnect    = "connect"
	cmdDisconnect = "disconnect"
)

// ProtocolError is reported to the subscriber before the connection closes.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type errorMessage struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type resumeMessage struct {
	ResumeID uint64 `json:"resume_id"`
}

func buildErrorMessage(err *ProtocolError) []byte {
	b, _ := json.Marshal(errorMessage{Error: err.Message, Code: err.Code})
	return b
}

func buildResumeMessage(id uint64) []byte {
	b, _ := json.Marshal(resumeMessage{ResumeID: id})
	return b
}

type initialKind int

const (
	initialConnect initialKind = iota
	initialResume
	initialDisconnect
)

type initialMessage struct {
	kind     initialKind
	resumeID uint64
}

// parseInitial decodes the first message a subscriber sends: "connect",
// "disconnect", or a base-10 score id to resume after.
func parseInitial(msg Message) (initialMessage, error) {
	if !msg.Text {
		return initialMessage{}, &ProtocolError{Code: CodeInvalidInitial, Message: "initial message must be a text frame"}
	}

	text := strings.TrimSpace(string(msg.Data))
	switch text {
	case cmdConnect:
		return initialMessage{kind: initialConnect}, nil
	case cmdDisconnect:
		return initialMessage{kind: initialDisconnect}, nil
	}

	id, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return initialMessage{}, &ProtocolError{
			Code:    CodeInvalidInitial,
			Message: fmt.Sprintf("expected %q, %q or a score id, got %q", cmdConnect, cmdDisconnect, truncate(text, 64)),
		}
	}
	return initialMessage{kind: initialResume, resumeID: id}, nil
}

// isDisconnect reports whether an in-stream message asks to stop.
func isDisconnect(msg Message) bool {
	return msg.Text && strings.TrimSpace(string(msg.Data)) == cmdDisconnect
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
