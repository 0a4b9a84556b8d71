package model

import (
	"encoding/json"
	"strings"
)

type SessionStatus string

const (
	StatusAccepted  SessionStatus = "accepted"
	StatusRunning   SessionStatus = "running"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
)

// NormalizeStatus 把传输层的状态收敛到 {accepted, running, completed, failed}，未知值一律视为 accepted
func NormalizeStatus(raw string) SessionStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "accepted", "pending", "queued", "created":
		return StatusAccepted
	case "running", "in_progress", "processing", "started":
		return StatusRunning
	case "completed", "complete", "succeeded", "success", "done", "finished", "cancelled", "canceled":
		return StatusCompleted
	case "failed", "failure", "error", "errored":
		return StatusFailed
	default:
		return StatusAccepted
	}
}

func (s SessionStatus) IsActive() bool {
	return s == StatusAccepted || s == StatusRunning
}

func (s SessionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s SessionStatus) rank() int {
	switch s {
	case StatusRunning:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return 0
	}
}

// AdvanceStatus 按状态格只允许前进：
// 同一次运行内不回退，终态之间不互转，终态回到活跃态表示新一轮运行
func AdvanceStatus(cur, next SessionStatus) (SessionStatus, bool) {
	if cur == "" || cur == next {
		return next, true
	}
	if cur.IsTerminal() {
		if next.IsTerminal() {
			return cur, false
		}
		return next, true
	}
	if next.rank() < cur.rank() {
		return cur, false
	}
	return next, true
}

type Session struct {
	ID       string          `json:"id" yaml:"id"`
	Status   SessionStatus   `json:"status" yaml:"status"`
	Progress int             `json:"progress" yaml:"progress"`
	State    StatePatch      `json:"state" yaml:"state"`
	Config   json.RawMessage `json:"config,omitempty" yaml:"-"`
	Title    string          `json:"title,omitempty" yaml:"title,omitempty"`
	Canceled bool            `json:"canceled,omitempty" yaml:"canceled,omitempty"`
	Loaded   bool            `json:"-" yaml:"loaded"`
}

// NewSession 快照到达之前状态为空，既不算活跃也不算终态
func NewSession(id string) Session {
	return Session{ID: id}
}

// Clone 深拷贝，观察者拿到的会话值不会和内部状态共享底层数组
func (s Session) Clone() Session {
	out := s
	out.State = s.State.Clone()
	if s.Config != nil {
		out.Config = append(json.RawMessage(nil), s.Config...)
	}
	return out
}

func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
