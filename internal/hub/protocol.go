package hub

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// SignalR JSON hub protocol framing. Every frame is a JSON document followed
// by the ASCII record separator.
const recordSeparator = 0x1e

// Hub message types (SignalR JSON protocol).
const (
	msgInvocation = 1
	msgCompletion = 3
	msgPing       = 6
	msgClose      = 7
)

// hubMessage is the wire envelope for every post-handshake frame.
type hubMessage struct {
	Type           int               `json:"type"`
	InvocationID   string            `json:"invocationId,omitempty"`
	Target         string            `json:"target,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	Result         json.RawMessage   `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	AllowReconnect bool              `json:"allowReconnect,omitempty"`
}

type handshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

type handshakeResponse struct {
	Error string `json:"error,omitempty"`
}

func encodeFrame(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, recordSeparator), nil
}

// decodeFrames splits a websocket payload into hub messages. A single
// payload may carry several frames.
func decodeFrames(payload []byte) ([]hubMessage, error) {
	var out []hubMessage
	for _, part := range bytes.Split(payload, []byte{recordSeparator}) {
		if len(part) == 0 {
			continue
		}
		var msg hubMessage
		if err := json.Unmarshal(part, &msg); err != nil {
			return out, fmt.Errorf("decode hub frame: %w", err)
		}
		out = append(out, msg)
	}
	return out, nil
}

// marshalArgs converts invocation arguments to raw JSON.
func marshalArgs(args []interface{}) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		out = append(out, json.RawMessage(b))
	}
	return out, nil
}
