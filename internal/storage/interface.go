package storage

import (
	"encoding/json"
	"time"

	"agent-session-sync/internal/model"
)

// SessionRecord 开发后端保存的会话
type SessionRecord struct {
	ID        string
	Title     string
	Status    model.SessionStatus
	Progress  int
	State     model.StatePatch
	Config    json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Snapshot 会话快照事件/响应的载荷
func (r *SessionRecord) Snapshot() model.SnapshotData {
	return model.SnapshotData{
		Status:   string(r.Status),
		Progress: r.Progress,
		State:    r.State.Clone(),
		Config:   append(json.RawMessage(nil), r.Config...),
		Title:    r.Title,
	}
}

// MessageFilter After > 0 时只返回 id 更大的消息；FilterUsers 为 true 时用户消息只保留 UserIDs 中的
type MessageFilter struct {
	After       int64
	FilterUsers bool
	UserIDs     []int64
}

type Storage interface {
	// 会话管理
	CreateSession(record *SessionRecord) error
	GetSession(sessionID string) (*SessionRecord, error)
	UpdateSession(sessionID string, fn func(*SessionRecord) error) (*SessionRecord, error)
	DeleteSession(sessionID string) error
	ListSessions() ([]*SessionRecord, error)

	// 消息管理，id 由存储分配且单调递增
	AddMessage(sessionID string, message model.ChatMessage) (model.ChatMessage, error)
	GetMessages(sessionID string, filter MessageFilter) ([]model.ChatMessage, error)

	// 运行记录
	AddRun(run model.RunRecord) error
	UpdateRun(sessionID, runID string, fn func(*model.RunRecord)) (model.RunRecord, error)
	GetRuns(sessionID string) ([]model.RunRecord, error)

	// 交互请求
	PutRequest(request model.UserInputRequest) error
	GetRequests(sessionID string) ([]model.UserInputRequest, error)
	AnswerRequest(sessionID, requestID string, answers map[string]string, now time.Time) (model.UserInputRequest, error)

	// 工作区文件
	SetFiles(sessionID string, files []model.WorkspaceFile) error
	GetFiles(sessionID string) ([]model.WorkspaceFile, error)

	Init() error
	Close() error
}
