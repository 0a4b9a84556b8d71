package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"agent-session-sync/internal/config"
	"agent-session-sync/internal/model"
	"agent-session-sync/internal/storage"
	"agent-session-sync/pkg/logger"

	"github.com/google/uuid"
)

var ErrFileNotFound = errors.New("workspace file not found")

// SessionService 开发后端：会话、消息、运行记录、交互请求和模拟运行
type SessionService struct {
	store storage.Storage
	hub   *Hub
	agent config.AgentConfig
	now   func() time.Time

	mu   sync.Mutex
	runs map[string]*activeRun
	wg   sync.WaitGroup
}

type activeRun struct {
	id     string
	cancel context.CancelFunc
}

// NewSessionService 创建开发后端服务
func NewSessionService(cfg *config.Config, store storage.Storage) *SessionService {
	if err := store.Init(); err != nil {
		logger.Errorf("Failed to initialize storage: %v", err)
	}
	return &SessionService{
		store: store,
		hub:   NewHub(64),
		agent: cfg.Agent,
		now:   time.Now,
		runs:  make(map[string]*activeRun),
	}
}

// Hub 推送中心
func (s *SessionService) Hub() *Hub {
	return s.hub
}

// CreateSession 新会话没有运行中的任务，状态为 completed
func (s *SessionService) CreateSession(req model.CreateSessionRequest) (*storage.SessionRecord, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "Session " + s.now().Format("2006-01-02 15:04")
	}
	now := s.now()
	record := &storage.SessionRecord{
		ID:        uuid.NewString(),
		Title:     title,
		Status:    model.StatusCompleted,
		Config:    req.Config,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateSession(record); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	logger.WithSession(record.ID).Info("session created")
	return record, nil
}

// ListSessions 列出全部会话
func (s *SessionService) ListSessions() ([]*storage.SessionRecord, error) {
	return s.store.ListSessions()
}

// Snapshot 会话快照
func (s *SessionService) Snapshot(sessionID string) (model.SnapshotData, error) {
	record, err := s.store.GetSession(sessionID)
	if err != nil {
		return model.SnapshotData{}, err
	}
	return record.Snapshot(), nil
}

// Messages 按过滤条件返回会话消息
func (s *SessionService) Messages(sessionID string, filter storage.MessageFilter) ([]model.ChatMessage, error) {
	return s.store.GetMessages(sessionID, filter)
}

// Runs 会话的运行记录
func (s *SessionService) Runs(sessionID string) ([]model.RunRecord, error) {
	return s.store.GetRuns(sessionID)
}

// SendMessage 保存用户消息、创建运行记录并启动模拟运行。已有运行时先取消它
func (s *SessionService) SendMessage(sessionID string, req model.SendMessageRequest) (model.SendMessageResponse, error) {
	if req.Content.IsEmpty() && len(req.Attachments) == 0 {
		return model.SendMessageResponse{}, storage.ErrInvalidData
	}
	if _, err := s.store.GetSession(sessionID); err != nil {
		return model.SendMessageResponse{}, err
	}

	msg, err := s.store.AddMessage(sessionID, model.ChatMessage{
		Role:        model.RoleUser,
		Content:     req.Content,
		Status:      model.MessageSent,
		Timestamp:   model.FormatTimestamp(s.now()),
		Attachments: req.Attachments,
	})
	if err != nil {
		return model.SendMessageResponse{}, err
	}
	userID, _ := msg.NumericID()

	run := model.RunRecord{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		UserMessageID: userID,
		Status:        model.StatusAccepted,
		StartedAt:     model.FormatTimestamp(s.now()),
	}
	if err := s.store.AddRun(run); err != nil {
		return model.SendMessageResponse{}, err
	}

	s.publish(sessionID, model.EventMessageNew, msg)
	s.setStatus(sessionID, model.StatusAccepted, 0, "queued")

	s.startRun(sessionID, run, msg)
	return model.SendMessageResponse{SessionID: sessionID, MessageID: msg.ID, RunID: run.ID}, nil
}

func (s *SessionService) startRun(sessionID string, run model.RunRecord, msg model.ChatMessage) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if prev, ok := s.runs[sessionID]; ok {
		prev.cancel()
	}
	s.runs[sessionID] = &activeRun{id: run.ID, cancel: cancel}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.finishRun(sessionID, run.ID)
		s.simulateRun(ctx, run, msg)
	}()
}

// finishRun 只清理自己登记的那一次运行
func (s *SessionService) finishRun(sessionID, runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.runs[sessionID]; ok && cur.id == runID {
		cur.cancel()
		delete(s.runs, sessionID)
	}
}

// Running 会话当前是否有模拟运行
func (s *SessionService) Running(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runs[sessionID]
	return ok
}

// CancelSession 停止当前运行并把会话置为 completed
func (s *SessionService) CancelSession(sessionID string) error {
	if _, err := s.store.GetSession(sessionID); err != nil {
		return err
	}

	s.mu.Lock()
	cur, ok := s.runs[sessionID]
	delete(s.runs, sessionID)
	s.mu.Unlock()
	if ok {
		cur.cancel()
	}

	s.closeOpenRuns(sessionID, model.StatusCompleted)
	s.setStatus(sessionID, model.StatusCompleted, -1, "canceled")
	logger.WithSession(sessionID).Info("session canceled")
	return nil
}

func (s *SessionService) closeOpenRuns(sessionID string, status model.SessionStatus) {
	runs, err := s.store.GetRuns(sessionID)
	if err != nil {
		return
	}
	for _, r := range runs {
		if r.Status.IsTerminal() {
			continue
		}
		s.store.UpdateRun(sessionID, r.ID, func(rr *model.RunRecord) {
			rr.Status = status
			rr.FinishedAt = model.FormatTimestamp(s.now())
		})
	}
}

// RaiseUserInput 发起一个交互提问并广播最新的待回答列表
func (s *SessionService) RaiseUserInput(sessionID string, req model.RaiseUserInputRequest) (model.UserInputRequest, error) {
	if _, err := s.store.GetSession(sessionID); err != nil {
		return model.UserInputRequest{}, err
	}
	ttl := s.agent.RequestTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	now := s.now()
	expires := now.Add(ttl)
	request := model.UserInputRequest{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		ToolName:  req.ToolName,
		Questions: req.Questions,
		Status:    model.RequestPending,
		ExpiresAt: &expires,
		CreatedAt: now,
	}
	if err := s.store.PutRequest(request); err != nil {
		return model.UserInputRequest{}, err
	}
	s.publishRequests(sessionID)
	return request, nil
}

// AnswerUserInput 回答交互请求并推送最新列表
func (s *SessionService) AnswerUserInput(sessionID, requestID string, answers map[string]string) (model.UserInputRequest, error) {
	req, err := s.store.AnswerRequest(sessionID, requestID, answers, s.now())
	if err != nil {
		return model.UserInputRequest{}, err
	}
	logger.WithSession(sessionID).WithField("request_id", requestID).Info("user input answered")
	s.publishRequests(sessionID)
	return req, nil
}

// PendingRequests 只返回仍可回答的请求
func (s *SessionService) PendingRequests(sessionID string) ([]model.UserInputRequest, error) {
	all, err := s.store.GetRequests(sessionID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]model.UserInputRequest, 0, len(all))
	for _, r := range all {
		if r.Actionable(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

// WorkspaceFiles 会话的工作区文件树
func (s *SessionService) WorkspaceFiles(sessionID string) ([]model.WorkspaceFile, error) {
	return s.store.GetFiles(sessionID)
}

// FileURL 为工作区文件生成一次性下载地址
func (s *SessionService) FileURL(sessionID, filePath string) (string, error) {
	files, err := s.store.GetFiles(sessionID)
	if err != nil {
		return "", err
	}
	target := model.NormalizePath(filePath)
	if !containsPath(files, target) {
		return "", ErrFileNotFound
	}
	return fmt.Sprintf("/files/%s/%s?token=%s", url.PathEscape(sessionID), target, uuid.NewString()), nil
}

func containsPath(files []model.WorkspaceFile, target string) bool {
	for _, f := range files {
		if model.NormalizePath(f.Path) == target && !f.IsDir {
			return true
		}
		if containsPath(f.Children, target) {
			return true
		}
	}
	return false
}

// HandleCommand 处理通道上收到的命令，返回需要回给该连接的事件
func (s *SessionService) HandleCommand(sessionID string, cmd model.Command) []model.Event {
	switch cmd.Type {
	case model.CommandPing:
		return s.events(sessionID, model.EventPong, struct{}{})
	case model.CommandSessionSnapshot:
		snap, err := s.Snapshot(sessionID)
		if err != nil {
			return s.errorEvent(sessionID, "snapshot_failed", err)
		}
		out := s.events(sessionID, model.EventSessionSnapshot, snap)
		if reqs, err := s.PendingRequests(sessionID); err == nil {
			out = append(out, s.events(sessionID, model.EventUserInputList, model.UserInputListData{Requests: reqs})...)
		}
		return out
	case model.CommandWorkspaceFiles:
		files, err := s.WorkspaceFiles(sessionID)
		if err != nil {
			return s.errorEvent(sessionID, "files_failed", err)
		}
		return s.events(sessionID, model.EventWorkspaceFiles, model.WorkspaceFilesData{Files: files})
	case model.CommandWorkspaceFileURL:
		link, err := s.FileURL(sessionID, cmd.Path)
		if err != nil {
			logger.WithSession(sessionID).WithField("path", cmd.Path).Debug("file url request for unknown path")
			link = ""
		}
		return s.events(sessionID, model.EventWorkspaceFileURL, model.WorkspaceFileURLData{Path: model.NormalizePath(cmd.Path), URL: link})
	default:
		return s.errorEvent(sessionID, "unknown_command", fmt.Errorf("unknown command %q", cmd.Type))
	}
}

func (s *SessionService) events(sessionID string, typ model.EventType, data interface{}) []model.Event {
	ev, err := model.NewEvent(typ, sessionID, data)
	if err != nil {
		logger.Errorf("Failed to build event %s: %v", typ, err)
		return nil
	}
	return []model.Event{ev}
}

func (s *SessionService) errorEvent(sessionID, code string, err error) []model.Event {
	return s.events(sessionID, model.EventError, model.ErrorData{Code: code, Message: err.Error()})
}

func (s *SessionService) publish(sessionID string, typ model.EventType, data interface{}) {
	for _, ev := range s.events(sessionID, typ, data) {
		s.hub.Broadcast(ev)
	}
}

func (s *SessionService) publishRequests(sessionID string) {
	reqs, err := s.PendingRequests(sessionID)
	if err != nil {
		return
	}
	s.publish(sessionID, model.EventUserInputList, model.UserInputListData{Requests: reqs})
}

// setStatus progress 小于 0 表示不改进度
var errRunStopped = errors.New("run stopped")

func (s *SessionService) setStatus(sessionID string, status model.SessionStatus, progress int, step string) {
	s.setRunStatus(context.Background(), sessionID, status, progress, step)
}

// setRunStatus 在存储锁内确认 ctx 未取消后再写状态，已取消时不写不推送并返回 false
func (s *SessionService) setRunStatus(ctx context.Context, sessionID string, status model.SessionStatus, progress int, step string) bool {
	record, err := s.store.UpdateSession(sessionID, func(r *storage.SessionRecord) error {
		if ctx.Err() != nil {
			return errRunStopped
		}
		r.Status = status
		if progress >= 0 {
			r.Progress = model.ClampProgress(progress)
		}
		if step != "" {
			r.State.CurrentStep = step
		}
		return nil
	})
	if errors.Is(err, errRunStopped) {
		return false
	}
	if err != nil {
		logger.WithSession(sessionID).WithError(err).Warn("status update failed")
		return false
	}
	p := record.Progress
	s.publish(sessionID, model.EventSessionStatus, model.StatusData{Status: string(status), Progress: &p, CurrentStep: step})
	return true
}

func (s *SessionService) patchState(sessionID string, patch map[string]interface{}) {
	raw, err := json.Marshal(patch)
	if err != nil {
		return
	}
	delta, _, err := model.DecodeStatePatchDelta(raw)
	if err != nil {
		logger.WithSession(sessionID).WithError(err).Warn("invalid state patch")
		return
	}
	if _, err := s.store.UpdateSession(sessionID, func(r *storage.SessionRecord) error {
		r.State = r.State.Merge(delta)
		return nil
	}); err != nil {
		return
	}
	s.publish(sessionID, model.EventStatePatch, patch)
}

// Close 取消所有运行并断开连接
func (s *SessionService) Close() {
	s.mu.Lock()
	for id, cur := range s.runs {
		cur.cancel()
		delete(s.runs, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.hub.CloseAll()
	s.store.Close()
}
