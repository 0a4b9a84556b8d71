package model

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventSessionSnapshot  EventType = "session.snapshot"
	EventSessionStatus    EventType = "session.status"
	EventStatePatch       EventType = "session.state_patch"
	EventUserInputList    EventType = "session.user_input.list"
	EventTodoUpdate       EventType = "todo.update"
	EventMessageNew       EventType = "message.new"
	EventWorkspaceFiles   EventType = "workspace.files"
	EventWorkspaceFileURL EventType = "workspace.file.url"
	EventPong             EventType = "pong"
	EventError            EventType = "error"
)

// Event 推送通道入站信封
type Event struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"session_id"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

func NewEvent(eventType EventType, sessionID string, data interface{}) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Type:      eventType,
		SessionID: sessionID,
		Data:      raw,
		Timestamp: FormatTimestamp(time.Now()),
	}, nil
}

type SnapshotData struct {
	Status   string          `json:"status"`
	Progress int             `json:"progress"`
	State    StatePatch      `json:"state"`
	Config   json.RawMessage `json:"config,omitempty"`
	Title    string          `json:"title,omitempty"`
}

type StatusData struct {
	Status      string `json:"status"`
	Progress    *int   `json:"progress,omitempty"`
	CurrentStep string `json:"current_step,omitempty"`
}

type TodoData struct {
	Todos []Todo `json:"todos"`
}

type UserInputListData struct {
	Requests []UserInputRequest `json:"requests"`
}

type WorkspaceFilesData struct {
	Files []WorkspaceFile `json:"files"`
}

type WorkspaceFileURLData struct {
	Path string `json:"path"`
	URL  string `json:"url"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type CommandType string

const (
	CommandPing             CommandType = "ping"
	CommandWorkspaceFiles   CommandType = "workspace.files.request"
	CommandWorkspaceFileURL CommandType = "workspace.file.url.request"
	CommandSessionSnapshot  CommandType = "session.snapshot.request"
)

// Command 推送通道出站命令
type Command struct {
	Type CommandType `json:"type"`
	Path string      `json:"path,omitempty"`
}

type ConnectionState string

const (
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnDisconnected ConnectionState = "disconnected"
	ConnError        ConnectionState = "error"
)
