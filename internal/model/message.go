package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type MessageStatus string

const (
	MessageSending   MessageStatus = "sending"
	MessageSent      MessageStatus = "sent"
	MessageStreaming MessageStatus = "streaming"
	MessageCompleted MessageStatus = "completed"
	MessageFailed    MessageStatus = "failed"
)

// OptimisticPrefix 本地生成的消息 id 前缀，服务端 id 都是数字，不会撞上
const OptimisticPrefix = "local-"

func NewOptimisticID() string {
	return OptimisticPrefix + uuid.New().String()
}

type ContentBlock struct {
	Type string          `json:"type" yaml:"type"`
	Text string          `json:"text,omitempty" yaml:"text,omitempty"`
	Data json.RawMessage `json:"data,omitempty" yaml:"-"`
}

// MessageContent 纯文本或有序内容块列表，线上格式分别是 JSON 字符串和数组
type MessageContent struct {
	Text   string         `yaml:"text,omitempty"`
	Blocks []ContentBlock `yaml:"blocks,omitempty"`
}

func TextContent(text string) MessageContent {
	return MessageContent{Text: text}
}

func (c MessageContent) IsBlocks() bool {
	return c.Blocks != nil
}

func (c MessageContent) IsEmpty() bool {
	if c.Blocks == nil {
		return strings.TrimSpace(c.Text) == ""
	}
	for _, b := range c.Blocks {
		if strings.TrimSpace(b.Text) != "" || len(b.Data) > 0 {
			return false
		}
	}
	return true
}

// PlainText 块列表时拼接所有文本块
func (c MessageContent) PlainText() string {
	if c.Blocks == nil {
		return c.Text
	}
	parts := make([]string, 0, len(c.Blocks))
	for _, b := range c.Blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Equal 精确比较，去重依赖它
func (c MessageContent) Equal(o MessageContent) bool {
	if c.IsBlocks() != o.IsBlocks() {
		return false
	}
	if !c.IsBlocks() {
		return c.Text == o.Text
	}
	if len(c.Blocks) != len(o.Blocks) {
		return false
	}
	for i := range c.Blocks {
		a, b := c.Blocks[i], o.Blocks[i]
		if a.Type != b.Type || a.Text != b.Text || !bytes.Equal(a.Data, b.Data) {
			return false
		}
	}
	return true
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Blocks != nil {
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*c = MessageContent{}
		return nil
	}
	switch trimmed[0] {
	case '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return err
		}
		*c = MessageContent{Text: text}
		return nil
	case '[':
		blocks := []ContentBlock{}
		if err := json.Unmarshal(trimmed, &blocks); err != nil {
			return err
		}
		*c = MessageContent{Blocks: blocks}
		return nil
	default:
		return fmt.Errorf("message content must be a string or an array of blocks")
	}
}

type Attachment struct {
	Name     string `json:"name" yaml:"name"`
	URL      string `json:"url,omitempty" yaml:"url,omitempty"`
	MimeType string `json:"mime_type,omitempty" yaml:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty" yaml:"size,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens" yaml:"input_tokens"`
	OutputTokens int `json:"output_tokens" yaml:"output_tokens"`
}

type ChatMessage struct {
	ID          string         `json:"id" yaml:"id"`
	Role        Role           `json:"role" yaml:"role"`
	Content     MessageContent `json:"content" yaml:"content"`
	Status      MessageStatus  `json:"status,omitempty" yaml:"status,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty" yaml:"attachments,omitempty"`
	Usage       *Usage         `json:"usage,omitempty" yaml:"usage,omitempty"`
}

func (m ChatMessage) IsOptimistic() bool {
	return strings.HasPrefix(m.ID, OptimisticPrefix)
}

// NumericID 服务端 id 的数值形式，本地 id 或非法 id 返回 false
func (m ChatMessage) NumericID() (int64, bool) {
	if m.IsOptimistic() {
		return 0, false
	}
	n, err := strconv.ParseInt(m.ID, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// Time 解析 ISO 时间戳，缺失或非法时返回 Unix 纪元
func (m ChatMessage) Time() time.Time {
	if m.Timestamp == "" {
		return time.Unix(0, 0).UTC()
	}
	t, err := time.Parse(time.RFC3339Nano, m.Timestamp)
	if err != nil {
		return time.Unix(0, 0).UTC()
	}
	return t
}

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

type PendingMessage struct {
	Content     MessageContent `json:"content" yaml:"content"`
	Attachments []Attachment   `json:"attachments,omitempty" yaml:"attachments,omitempty"`
	QueuedAt    time.Time      `json:"queued_at" yaml:"queued_at"`
}

type RunRecord struct {
	ID            string        `json:"id" yaml:"id"`
	SessionID     string        `json:"session_id" yaml:"session_id"`
	UserMessageID int64         `json:"user_message_id" yaml:"user_message_id"`
	Status        SessionStatus `json:"status" yaml:"status"`
	Usage         *Usage        `json:"usage,omitempty" yaml:"usage,omitempty"`
	StartedAt     string        `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	FinishedAt    string        `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}
