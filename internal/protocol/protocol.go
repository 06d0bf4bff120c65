// Package protocol defines the JSON message envelope shared by the WebSocket
// server, the in-process IPC bus and the change broadcaster.
//
// Every frame is a single JSON object:
//
//	{"type": "db:operation", "payload": {...}, "requestId": "42"}
//
// requestId is optional; when a request carries one, the reply echoes it.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the kind of a frame.
type MessageType string

// Client to server.
const (
	TypeRegister    MessageType = "register"
	TypeDBOperation MessageType = "db:operation"
	TypeGetClients  MessageType = "get-clients"
	TypePing        MessageType = "ping"
)

// Server to client.
const (
	TypeConnection       MessageType = "connection"
	TypeDBResult         MessageType = "db:result"
	TypeDBChange         MessageType = "db:change"
	TypeClientList       MessageType = "client-list"
	TypeClientListUpdate MessageType = "client-list-update"
	TypePong             MessageType = "pong"
	TypeError            MessageType = "error"
)

// Message is the envelope of every frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// ConnectionPayload is sent unsolicited as soon as a socket connects.
type ConnectionPayload struct {
	ClientID  string `json:"clientId"`
	Timestamp int64  `json:"timestamp"`
}

// RegisterRequest declares the client's application type.
type RegisterRequest struct {
	AppType string `json:"appType"`
	Title   string `json:"title,omitempty"`
}

// RegisterReply acknowledges a register request.
type RegisterReply struct {
	Status   string `json:"status"`
	ClientID string `json:"clientId"`
	AppType  string `json:"appType"`
}

// ClientInfo describes one connected session.
type ClientInfo struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Transport string `json:"transport,omitempty"`
}

// ClientListPayload is the body of client-list and client-list-update.
type ClientListPayload struct {
	Clients []ClientInfo `json:"clients"`
}

// PongPayload answers a ping.
type PongPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// ErrorPayload reports a non-fatal problem with a frame.
type ErrorPayload struct {
	Message string `json:"message"`
}

// New builds a message, marshaling payload into the envelope.
func New(typ MessageType, payload any, requestID string) (Message, error) {
	msg := Message{Type: typ, RequestID: requestID}
	if payload == nil {
		return msg, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
	}
	msg.Payload = data
	return msg, nil
}

// Encode builds a message and returns its wire form.
func Encode(typ MessageType, payload any, requestID string) ([]byte, error) {
	msg, err := New(typ, payload, requestID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// Decode parses a single frame. A frame without a type is rejected.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("invalid message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("invalid message: missing type")
	}
	return msg, nil
}

// Timestamp converts t to Unix milliseconds, the unit JavaScript clients expect.
func Timestamp(t time.Time) int64 {
	return t.UnixMilli()
}

// Now is Timestamp(time.Now()).
func Now() int64 {
	return Timestamp(time.Now())
}
