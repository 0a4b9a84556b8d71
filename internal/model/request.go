package model

import "encoding/json"

type SendMessageRequest struct {
	Content     MessageContent `json:"content"`
	Attachments []Attachment   `json:"attachments,omitempty"`
}

type CreateSessionRequest struct {
	Title  string          `json:"title"`
	Config json.RawMessage `json:"config,omitempty"`
}

// AnswerUserInputRequest 回答交互式提问
type AnswerUserInputRequest struct {
	Answers map[string]string `json:"answers" binding:"required"`
}

// RaiseUserInputRequest 开发后端用来发起一个交互式提问
type RaiseUserInputRequest struct {
	ToolName   string          `json:"tool_name" binding:"required"`
	Questions  json.RawMessage `json:"questions"`
	TTLSeconds int             `json:"ttl_seconds"`
}
