package model

import (
	"encoding/json"
	"fmt"
)

// MessageType is the closed set of push-channel message kinds. Inbound
// payloads are parsed through ParseMessageType so that an unknown type is
// rejected at the edge instead of leaking into handler switches.
type MessageType string

const (
	MessageTypeConnectionEstablished MessageType = "connection_established"
	MessageTypeTaskUpdate            MessageType = "task_update"
	MessageTypeTaskComplete          MessageType = "task_complete"
	MessageTypeTaskFailed            MessageType = "task_failed"
	MessageTypePing                  MessageType = "ping"
	MessageTypePong                  MessageType = "pong"
	MessageTypeRequestTaskStatus     MessageType = "request_task_status"
	MessageTypeRequestAllTasksStatus MessageType = "request_all_tasks_status"
	MessageTypeError                 MessageType = "error"
)

// ParseMessageType maps a wire string onto the closed MessageType set.
func ParseMessageType(s string) (MessageType, bool) {
	switch t := MessageType(s); t {
	case MessageTypeConnectionEstablished, MessageTypeTaskUpdate,
		MessageTypeTaskComplete, MessageTypeTaskFailed,
		MessageTypePing, MessageTypePong,
		MessageTypeRequestTaskStatus, MessageTypeRequestAllTasksStatus,
		MessageTypeError:
		return t, true
	}
	return "", false
}

// TaskEventType returns the push message kind announcing the given status.
func TaskEventType(s TaskStatus) MessageType {
	switch s {
	case TaskStatusCompleted:
		return MessageTypeTaskComplete
	case TaskStatusFailed:
		return MessageTypeTaskFailed
	}
	return MessageTypeTaskUpdate
}

// Envelope is the wire format of every push-channel message.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope of the given type.
func NewEnvelope(t MessageType, data interface{}) (*Envelope, error) {
	env := &Envelope{Type: t}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
		}
		env.Data = raw
	}
	return env, nil
}

// ConnectionEstablishedData is sent once when a client connects.
type ConnectionEstablishedData struct {
	ClientID string `json:"clientId"`
}

// RequestTaskStatusData is the payload of a request_task_status message.
type RequestTaskStatusData struct {
	TaskID string `json:"taskId"`
}

// WSErrorData is the payload of an error message.
type WSErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
