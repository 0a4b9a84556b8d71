package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"agent-session-sync/internal/model"
	"agent-session-sync/internal/utils"
)

var (
	ErrNotFound      = errors.New("resource not found")
	ErrRequestFailed = errors.New("request failed")
)

// StatusError 非 2xx 响应
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("api: unexpected status %d", e.Status)
	}
	return fmt.Sprintf("api: unexpected status %d: %s", e.Status, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.Status == http.StatusNotFound {
		return ErrNotFound
	}
	return ErrRequestFailed
}

const maxErrorBody = 4 << 10

// Client 会话查询/命令的 REST 客户端
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient 创建访问会话 REST 接口的客户端
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    utils.NewHTTPClient(timeout),
	}
}

// BaseURL 返回去掉末尾斜杠的服务地址
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ChannelURL 会话推送通道地址
func (c *Client) ChannelURL(sessionID string) string {
	return utils.WebsocketURL(c.baseURL) + "/api/sessions/" + url.PathEscape(sessionID) + "/ws"
}

// CreateSession 新建会话
func (c *Client) CreateSession(ctx context.Context, req model.CreateSessionRequest) (model.SessionResponse, error) {
	var resp model.SessionResponse
	err := c.do(ctx, http.MethodPost, "/api/sessions", nil, req, &resp)
	return resp, err
}

// FetchSession 拉取会话快照
func (c *Client) FetchSession(ctx context.Context, sessionID string) (model.SnapshotData, error) {
	var resp model.SessionResponse
	if err := c.do(ctx, http.MethodGet, sessionPath(sessionID, ""), nil, nil, &resp); err != nil {
		return model.SnapshotData{}, err
	}
	return resp.SnapshotData, nil
}

// FetchMessages ids 为 nil 时不过滤；否则只保留白名单内的用户消息
func (c *Client) FetchMessages(ctx context.Context, sessionID string, ids []int64) ([]model.ChatMessage, error) {
	var query url.Values
	if ids != nil {
		parts := make([]string, 0, len(ids))
		for _, id := range ids {
			parts = append(parts, strconv.FormatInt(id, 10))
		}
		query = url.Values{"ids": {strings.Join(parts, ",")}}
	}
	var resp model.MessagesResponse
	if err := c.do(ctx, http.MethodGet, sessionPath(sessionID, "/messages"), query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// FetchMessagesAfter 拉取 id 严格大于 after 的消息
func (c *Client) FetchMessagesAfter(ctx context.Context, sessionID string, after int64) ([]model.ChatMessage, error) {
	query := url.Values{"after": {strconv.FormatInt(after, 10)}}
	var resp model.MessagesResponse
	if err := c.do(ctx, http.MethodGet, sessionPath(sessionID, "/messages"), query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// FetchRuns 拉取会话的运行记录
func (c *Client) FetchRuns(ctx context.Context, sessionID string) ([]model.RunRecord, error) {
	var resp model.RunsResponse
	if err := c.do(ctx, http.MethodGet, sessionPath(sessionID, "/runs"), nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// SendMessage 提交一条用户消息并返回服务端分配的消息和运行
func (c *Client) SendMessage(ctx context.Context, sessionID string, content model.MessageContent, attachments []model.Attachment) (model.SendMessageResponse, error) {
	req := model.SendMessageRequest{Content: content, Attachments: attachments}
	var resp model.SendMessageResponse
	err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "/messages"), nil, req, &resp)
	return resp, err
}

// CancelSession 取消会话当前的运行
func (c *Client) CancelSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, sessionPath(sessionID, "/cancel"), nil, struct{}{}, nil)
}

// AnswerUserInput 提交交互请求的答案
func (c *Client) AnswerUserInput(ctx context.Context, sessionID, requestID string, answers map[string]string) error {
	req := model.AnswerUserInputRequest{Answers: answers}
	return c.do(ctx, http.MethodPost, sessionPath(sessionID, "/user-input/"+url.PathEscape(requestID)), nil, req, nil)
}

// RaiseUserInput 发起一条交互请求
func (c *Client) RaiseUserInput(ctx context.Context, sessionID string, req model.RaiseUserInputRequest) (model.UserInputRequest, error) {
	var resp model.UserInputRequest
	err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "/user-input"), nil, req, &resp)
	return resp, err
}

func sessionPath(sessionID, suffix string) string {
	return "/api/sessions/" + url.PathEscape(sessionID) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrRequestFailed, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Status: resp.StatusCode, Body: errorMessage(raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// errorMessage 优先取 {"error": "..."} 中的内容
func errorMessage(raw []byte) string {
	var er model.ErrorResponse
	if err := json.Unmarshal(raw, &er); err == nil && er.Error != "" {
		return er.Error
	}
	return strings.TrimSpace(string(raw))
}
