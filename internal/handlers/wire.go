package handlers

import (
	"encoding/json"
	"time"
)

// Message types exchanged over the terminal WebSocket. All frames are JSON
// text messages with a "type" discriminator.
const (
	msgOutput   = "output"
	msgInput    = "input"
	msgResize   = "resize"
	msgJoin     = "join"
	msgLeave    = "leave"
	msgPresence = "presence"
	msgJoined   = "joined"
	msgError    = "error"
)

// wireMessage is the outbound envelope. Fields beyond Type are populated
// depending on the message type; omitted fields are dropped from the JSON.
type wireMessage struct {
	Type        string `json:"type"`
	Data        any    `json:"data,omitempty"`
	ClientID    string `json:"clientId,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	SessionName string `json:"sessionName,omitempty"`
	Message     string `json:"message,omitempty"`
}

// inboundMessage defers Data decoding until the type is known.
type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type resizePayload struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// presencePayload announces a peer joining or leaving. Action is "join" or
// "leave"; TotalClients counts attached clients after the change.
type presencePayload struct {
	Action       string `json:"action"`
	ClientID     string `json:"clientId"`
	TotalClients int    `json:"totalClients"`
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func marshalMessage(m wireMessage) []byte {
	b, err := json.Marshal(m)
	if err != nil {
		// wireMessage contains only marshalable types
		return []byte(`{"type":"error","message":"internal encoding error"}`)
	}
	return b
}
