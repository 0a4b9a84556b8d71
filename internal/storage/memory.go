package storage

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"agent-session-sync/internal/model"
)

type sessionData struct {
	record   SessionRecord
	messages []model.ChatMessage
	runs     []model.RunRecord
	requests []model.UserInputRequest
	files    []model.WorkspaceFile
}

type MemoryStorage struct {
	sessions map[string]*sessionData
	nextID   int64
	mu       sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		sessions: make(map[string]*sessionData),
	}
}

func (m *MemoryStorage) Init() error {
	return nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

func cloneRecord(r SessionRecord) *SessionRecord {
	out := r
	out.State = r.State.Clone()
	if r.Config != nil {
		out.Config = append([]byte(nil), r.Config...)
	}
	return &out
}

func (m *MemoryStorage) CreateSession(record *SessionRecord) error {
	if record == nil || record.ID == "" {
		return ErrInvalidData
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[record.ID]; exists {
		return ErrInvalidData
	}
	m.sessions[record.ID] = &sessionData{record: *cloneRecord(*record)}
	return nil
}

func (m *MemoryStorage) GetSession(sessionID string) (*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, exists := m.sessions[sessionID]
	if !exists {
		return nil, ErrSessionNotFound
	}
	return cloneRecord(data.record), nil
}

// UpdateSession 在写锁内修改会话，fn 返回错误时不落盘
func (m *MemoryStorage) UpdateSession(sessionID string, fn func(*SessionRecord) error) (*SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, exists := m.sessions[sessionID]
	if !exists {
		return nil, ErrSessionNotFound
	}
	updated := cloneRecord(data.record)
	if err := fn(updated); err != nil {
		return nil, err
	}
	updated.UpdatedAt = time.Now()
	data.record = *updated
	return cloneRecord(data.record), nil
}

func (m *MemoryStorage) DeleteSession(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[sessionID]; !exists {
		return ErrSessionNotFound
	}
	delete(m.sessions, sessionID)
	return nil
}

func (m *MemoryStorage) ListSessions() ([]*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*SessionRecord, 0, len(m.sessions))
	for _, data := range m.sessions {
		sessions = append(sessions, cloneRecord(data.record))
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

func (m *MemoryStorage) AddMessage(sessionID string, message model.ChatMessage) (model.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, exists := m.sessions[sessionID]
	if !exists {
		return model.ChatMessage{}, ErrSessionNotFound
	}
	m.nextID++
	message.ID = strconv.FormatInt(m.nextID, 10)
	if message.Timestamp == "" {
		message.Timestamp = model.FormatTimestamp(time.Now())
	}
	data.messages = append(data.messages, message)
	return message, nil
}

func (m *MemoryStorage) GetMessages(sessionID string, filter MessageFilter) ([]model.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, exists := m.sessions[sessionID]
	if !exists {
		return nil, ErrSessionNotFound
	}

	allowed := make(map[int64]bool, len(filter.UserIDs))
	for _, id := range filter.UserIDs {
		allowed[id] = true
	}

	messages := make([]model.ChatMessage, 0, len(data.messages))
	for _, msg := range data.messages {
		id, _ := msg.NumericID()
		if filter.After > 0 && id <= filter.After {
			continue
		}
		if filter.FilterUsers && msg.Role == model.RoleUser && !allowed[id] {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (m *MemoryStorage) AddRun(run model.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, exists := m.sessions[run.SessionID]
	if !exists {
		return ErrSessionNotFound
	}
	data.runs = append(data.runs, run)
	return nil
}

func (m *MemoryStorage) UpdateRun(sessionID, runID string, fn func(*model.RunRecord)) (model.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, exists := m.sessions[sessionID]
	if !exists {
		return model.RunRecord{}, ErrSessionNotFound
	}
	for i := range data.runs {
		if data.runs[i].ID == runID {
			fn(&data.runs[i])
			return data.runs[i], nil
		}
	}
	return model.RunRecord{}, ErrRunNotFound
}

func (m *MemoryStorage) GetRuns(sessionID string) ([]model.RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, exists := m.sessions[sessionID]
	if !exists {
		return nil, ErrSessionNotFound
	}
	return append([]model.RunRecord{}, data.runs...), nil
}

func (m *MemoryStorage) PutRequest(request model.UserInputRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, exists := m.sessions[request.SessionID]
	if !exists {
		return ErrSessionNotFound
	}
	for i := range data.requests {
		if data.requests[i].ID == request.ID {
			data.requests[i] = request
			return nil
		}
	}
	data.requests = append(data.requests, request)
	return nil
}

func (m *MemoryStorage) GetRequests(sessionID string) ([]model.UserInputRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, exists := m.sessions[sessionID]
	if !exists {
		return nil, ErrSessionNotFound
	}
	return append([]model.UserInputRequest{}, data.requests...), nil
}

// AnswerRequest 只有未过期的 pending 请求可以回答
func (m *MemoryStorage) AnswerRequest(sessionID, requestID string, answers map[string]string, now time.Time) (model.UserInputRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, exists := m.sessions[sessionID]
	if !exists {
		return model.UserInputRequest{}, ErrSessionNotFound
	}
	for i := range data.requests {
		req := &data.requests[i]
		if req.ID != requestID {
			continue
		}
		if !req.Actionable(now) {
			return *req, ErrRequestClosed
		}
		req.Status = model.RequestAnswered
		req.Answers = make(map[string]string, len(answers))
		for k, v := range answers {
			req.Answers[k] = v
		}
		return *req, nil
	}
	return model.UserInputRequest{}, ErrRequestNotFound
}

func (m *MemoryStorage) SetFiles(sessionID string, files []model.WorkspaceFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, exists := m.sessions[sessionID]
	if !exists {
		return ErrSessionNotFound
	}
	data.files = model.CloneFiles(files)
	return nil
}

func (m *MemoryStorage) GetFiles(sessionID string) ([]model.WorkspaceFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, exists := m.sessions[sessionID]
	if !exists {
		return nil, ErrSessionNotFound
	}
	files := model.CloneFiles(data.files)
	if files == nil {
		files = []model.WorkspaceFile{}
	}
	return files, nil
}
