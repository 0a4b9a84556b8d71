package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"agent-session-sync/internal/model"
	"agent-session-sync/internal/service"
	"agent-session-sync/internal/storage"
	"agent-session-sync/pkg/logger"

	"github.com/gin-gonic/gin"
)

type SessionHandler struct {
	sessions *service.SessionService
}

// NewSessionHandler 创建会话 REST 处理器
func NewSessionHandler(sessions *service.SessionService) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// respondError 存储层错误映射为 HTTP 状态码
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrSessionNotFound),
		errors.Is(err, storage.ErrRunNotFound),
		errors.Is(err, storage.ErrRequestNotFound),
		errors.Is(err, service.ErrFileNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidData):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrRequestClosed):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		logger.Errorf("Request %s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, model.ErrorResponse{Error: err.Error()})
}

// CreateSession 创建会话
func (h *SessionHandler) CreateSession(c *gin.Context) {
	var req model.CreateSessionRequest
	// 允许空请求体
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{Error: err.Error()})
		return
	}

	record, err := h.sessions.CreateSession(req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, model.SessionResponse{SessionID: record.ID, SnapshotData: record.Snapshot()})
}

// ListSessions 列出全部会话
func (h *SessionHandler) ListSessions(c *gin.Context) {
	records, err := h.sessions.ListSessions()
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]model.SessionResponse, 0, len(records))
	for _, r := range records {
		out = append(out, model.SessionResponse{SessionID: r.ID, SnapshotData: r.Snapshot()})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// GetSession 返回会话快照
func (h *SessionHandler) GetSession(c *gin.Context) {
	sessionID := c.Param("session_id")
	snap, err := h.sessions.Snapshot(sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.SessionResponse{SessionID: sessionID, SnapshotData: snap})
}

// GetMessages 支持 ?after=N 增量拉取和 ?ids=1,2 用户消息白名单，ids 为空值表示不保留任何用户消息
func (h *SessionHandler) GetMessages(c *gin.Context) {
	sessionID := c.Param("session_id")

	filter, err := parseMessageFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{Error: err.Error()})
		return
	}

	messages, err := h.sessions.Messages(sessionID, filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.MessagesResponse{SessionID: sessionID, Messages: messages})
}

func parseMessageFilter(c *gin.Context) (storage.MessageFilter, error) {
	var filter storage.MessageFilter
	if raw := c.Query("after"); raw != "" {
		after, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || after < 0 {
			return filter, errors.New("invalid after parameter")
		}
		filter.After = after
	}
	if raw, ok := c.GetQuery("ids"); ok {
		filter.FilterUsers = true
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return filter, errors.New("invalid ids parameter")
			}
			filter.UserIDs = append(filter.UserIDs, id)
		}
	}
	return filter, nil
}

// GetRuns 返回会话的运行记录
func (h *SessionHandler) GetRuns(c *gin.Context) {
	sessionID := c.Param("session_id")
	runs, err := h.sessions.Runs(sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.RunsResponse{SessionID: sessionID, Runs: runs})
}

// SendMessage 提交用户消息并启动一次运行
func (h *SessionHandler) SendMessage(c *gin.Context) {
	var req model.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{Error: err.Error()})
		return
	}

	resp, err := h.sessions.SendMessage(c.Param("session_id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

// CancelSession 取消会话当前的运行
func (h *SessionHandler) CancelSession(c *gin.Context) {
	if err := h.sessions.CancelSession(c.Param("session_id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Session canceled"})
}

// ListUserInput 列出会话待处理的交互请求
func (h *SessionHandler) ListUserInput(c *gin.Context) {
	sessionID := c.Param("session_id")
	requests, err := h.sessions.PendingRequests(sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.UserInputListData{Requests: requests})
}

// RaiseUserInput 发起交互请求
func (h *SessionHandler) RaiseUserInput(c *gin.Context) {
	var req model.RaiseUserInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{Error: err.Error()})
		return
	}

	request, err := h.sessions.RaiseUserInput(c.Param("session_id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, request)
}

// AnswerUserInput 回答交互请求
func (h *SessionHandler) AnswerUserInput(c *gin.Context) {
	var req model.AnswerUserInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{Error: err.Error()})
		return
	}

	request, err := h.sessions.AnswerUserInput(c.Param("session_id"), c.Param("request_id"), req.Answers)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, request)
}

// GetFiles 返回工作区文件树
func (h *SessionHandler) GetFiles(c *gin.Context) {
	files, err := h.sessions.WorkspaceFiles(c.Param("session_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.WorkspaceFilesData{Files: files})
}
