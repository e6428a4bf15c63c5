// Package push defines the message protocol spoken over the push-delivery
// channel and a WebSocket delivery hub. Messages form a closed set so the
// broadcaster and client-handling code switch exhaustively over known
// shapes instead of string-keyed maps.
package push

import (
	"encoding/json"
	"fmt"
)

// Message is one protocol message. Implementations are the only types
// that cross the push channel.
type Message interface {
	isMessage()
}

// Input carries raw controller keystrokes toward the remote shell.
type Input struct {
	Data string
}

// Resize asks the session's PTY to change dimensions.
type Resize struct {
	Cols uint16
	Rows uint16
}

// Output carries remote shell output toward observers.
type Output struct {
	SessionID string
	Data      string
}

// Closed tells observers that a session has ended. Sent once per session.
type Closed struct {
	SessionID string
}

// ErrorNotice reports a malformed or rejected client message.
type ErrorNotice struct {
	Message string
}

func (Input) isMessage()       {}
func (Resize) isMessage()      {}
func (Output) isMessage()      {}
func (Closed) isMessage()      {}
func (ErrorNotice) isMessage() {}

// wireMessage is the JSON envelope for every message type.
type wireMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Data      string `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
	Cols      uint16 `json:"cols,omitempty"`
	Rows      uint16 `json:"rows,omitempty"`
}

// Marshal encodes a Message into its wire shape.
func Marshal(m Message) ([]byte, error) {
	var w wireMessage
	switch v := m.(type) {
	case Input:
		w = wireMessage{Type: "input", Data: v.Data}
	case Resize:
		w = wireMessage{Type: "resize", Cols: v.Cols, Rows: v.Rows}
	case Output:
		w = wireMessage{Type: "terminal_output", SessionID: v.SessionID, Data: v.Data}
	case Closed:
		w = wireMessage{Type: "terminal_closed", SessionID: v.SessionID}
	case ErrorNotice:
		w = wireMessage{Type: "error", Message: v.Message}
	default:
		return nil, fmt.Errorf("unknown message type %T", m)
	}
	return json.Marshal(w)
}

// Decode parses a wire message into its typed form.
func Decode(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	switch w.Type {
	case "input":
		return Input{Data: w.Data}, nil
	case "resize":
		if w.Cols == 0 || w.Rows == 0 {
			return nil, fmt.Errorf("resize requires non-zero cols and rows")
		}
		return Resize{Cols: w.Cols, Rows: w.Rows}, nil
	case "terminal_output":
		return Output{SessionID: w.SessionID, Data: w.Data}, nil
	case "terminal_closed":
		return Closed{SessionID: w.SessionID}, nil
	case "error":
		return ErrorNotice{Message: w.Message}, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", w.Type)
	}
}
