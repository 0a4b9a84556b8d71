package engine

import (
	"context"
	"strconv"
	"sync"
	"time"

	"agent-session-sync/internal/connection"
	"agent-session-sync/internal/model"
)

type fakeBackend struct {
	mu sync.Mutex

	snapshot    model.SnapshotData
	snapshotErr error
	messages    []model.ChatMessage
	runs        []model.RunRecord
	after       []model.ChatMessage
	afterErr    error
	sendErr     error
	cancelErr   error
	answerErr   error

	nextID      int64
	sent        []string
	afterCalls  []int64
	cancelCalls int
	answered    []string
}

func newFakeBackend(status string) *fakeBackend {
	return &fakeBackend{snapshot: model.SnapshotData{Status: status, Title: "demo"}, nextID: 1}
}

func (b *fakeBackend) FetchSession(context.Context, string) (model.SnapshotData, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshot, b.snapshotErr
}

func (b *fakeBackend) FetchMessages(_ context.Context, _ string, ids []int64) ([]model.ChatMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	allowed := make(map[string]bool, len(ids))
	for _, id := range ids {
		allowed[strconv.FormatInt(id, 10)] = true
	}
	out := make([]model.ChatMessage, 0, len(b.messages))
	for _, m := range b.messages {
		if ids != nil && m.Role == model.RoleUser && !allowed[m.ID] {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (b *fakeBackend) FetchMessagesAfter(_ context.Context, _ string, after int64) ([]model.ChatMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.afterCalls = append(b.afterCalls, after)
	return b.after, b.afterErr
}

func (b *fakeBackend) FetchRuns(context.Context, string) ([]model.RunRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.RunRecord(nil), b.runs...), nil
}

// SendMessage 成功时像真实服务端一样落一条用户消息和对应的运行记录
func (b *fakeBackend) SendMessage(_ context.Context, sessionID string, content model.MessageContent, _ []model.Attachment) (model.SendMessageResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sent = append(b.sent, content.Text)
	if b.sendErr != nil {
		return model.SendMessageResponse{}, b.sendErr
	}
	id := b.nextID
	b.nextID++
	b.messages = append(b.messages, model.ChatMessage{
		ID:        strconv.FormatInt(id, 10),
		Role:      model.RoleUser,
		Content:   content,
		Status:    model.MessageSent,
		Timestamp: model.FormatTimestamp(time.Now()),
	})
	runID := "run-" + strconv.FormatInt(id, 10)
	b.runs = append(b.runs, model.RunRecord{
		ID:            runID,
		SessionID:     sessionID,
		UserMessageID: id,
		Status:        model.StatusAccepted,
		Usage:         &model.Usage{InputTokens: 3, OutputTokens: 5},
	})
	return model.SendMessageResponse{SessionID: sessionID, MessageID: strconv.FormatInt(id, 10), RunID: runID}, nil
}

func (b *fakeBackend) CancelSession(context.Context, string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelCalls++
	return b.cancelErr
}

func (b *fakeBackend) AnswerUserInput(_ context.Context, _, requestID string, _ map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.answerErr != nil {
		return b.answerErr
	}
	b.answered = append(b.answered, requestID)
	return nil
}

func (b *fakeBackend) sentTexts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.sent...)
}

func (b *fakeBackend) afterCallsSnapshot() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int64(nil), b.afterCalls...)
}

type fakeHandler struct {
	eventType model.EventType
	fn        func(model.Event)
}

type fakeChannel struct {
	mu         sync.Mutex
	state      model.ConnectionState
	commands   []model.Command
	handlers   []fakeHandler
	stateFns   []func(model.ConnectionState)
	errFns     []func(error)
	closeCalls int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{state: model.ConnDisconnected}
}

func (c *fakeChannel) Connect() error { return nil }

func (c *fakeChannel) Send(cmd model.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != model.ConnConnected {
		return connection.ErrNotConnected
	}
	c.commands = append(c.commands, cmd)
	return nil
}

func (c *fakeChannel) State() model.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) Subscribe(eventType model.EventType, fn func(model.Event)) func() {
	c.mu.Lock()
	c.handlers = append(c.handlers, fakeHandler{eventType: eventType, fn: fn})
	c.mu.Unlock()
	return func() {}
}

func (c *fakeChannel) OnStateChange(fn func(model.ConnectionState)) func() {
	c.mu.Lock()
	c.stateFns = append(c.stateFns, fn)
	c.mu.Unlock()
	return func() {}
}

func (c *fakeChannel) OnError(fn func(error)) func() {
	c.mu.Lock()
	c.errFns = append(c.errFns, fn)
	c.mu.Unlock()
	return func() {}
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	return nil
}

func (c *fakeChannel) setState(state model.ConnectionState) {
	c.mu.Lock()
	c.state = state
	fns := append(([]func(model.ConnectionState))(nil), c.stateFns...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(state)
	}
}

func (c *fakeChannel) fail(err error) {
	c.mu.Lock()
	fns := append(([]func(error))(nil), c.errFns...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (c *fakeChannel) emit(ev model.Event) {
	c.mu.Lock()
	hs := append([]fakeHandler(nil), c.handlers...)
	c.mu.Unlock()
	for _, h := range hs {
		if h.eventType == "" || h.eventType == ev.Type {
			h.fn(ev)
		}
	}
}

func (c *fakeChannel) sentCommands() []model.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Command(nil), c.commands...)
}
