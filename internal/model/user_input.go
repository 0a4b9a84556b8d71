package model

import (
	"encoding/json"
	"time"
)

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAnswered RequestStatus = "answered"
	RequestExpired  RequestStatus = "expired"
	RequestCanceled RequestStatus = "canceled"
)

type UserInputRequest struct {
	ID        string            `json:"id" yaml:"id"`
	SessionID string            `json:"session_id" yaml:"session_id"`
	ToolName  string            `json:"tool_name,omitempty" yaml:"tool_name,omitempty"`
	Questions json.RawMessage   `json:"questions,omitempty" yaml:"-"`
	Status    RequestStatus     `json:"status" yaml:"status"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	Answers   map[string]string `json:"answers,omitempty" yaml:"answers,omitempty"`
	CreatedAt time.Time         `json:"created_at" yaml:"created_at"`
}

// Expired 没有过期时间的请求永不过期
func (r UserInputRequest) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

func (r UserInputRequest) Actionable(now time.Time) bool {
	return r.Status == RequestPending && !r.Expired(now)
}
