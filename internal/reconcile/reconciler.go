package reconcile

import (
	"context"
	"sort"
	"sync"
	"time"

	"agent-session-sync/internal/model"
	"agent-session-sync/pkg/logger"
)

// Fetcher 拉取权威消息列表
type Fetcher interface {
	FetchAll(ctx context.Context) ([]model.ChatMessage, error)
	FetchAfter(ctx context.Context, afterID int64) ([]model.ChatMessage, error)
}

// Reconciler 维护消息列表：服务端确认的消息 + 推送追加的消息 + 乐观消息
type Reconciler struct {
	mu        sync.RWMutex
	sessionID string
	window    time.Duration
	messages  []model.ChatMessage
	watermark int64
	now       func() time.Time
}

// New 创建空的对账器，window 是乐观消息的匹配时间窗
func New(sessionID string, window time.Duration) *Reconciler {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Reconciler{
		sessionID: sessionID,
		window:    window,
		messages:  make([]model.ChatMessage, 0),
		now:       time.Now,
	}
}

// Messages 按时间排序的消息副本
func (r *Reconciler) Messages() []model.ChatMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.ChatMessage, len(r.messages))
	copy(out, r.messages)
	return out
}

// Watermark 已应用的最大服务端数字 id
func (r *Reconciler) Watermark() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.watermark
}

// AddOptimistic 立即追加一条本地用户消息，界面零延迟可见
func (r *Reconciler) AddOptimistic(content model.MessageContent, attachments []model.Attachment) model.ChatMessage {
	msg := model.ChatMessage{
		ID:          model.NewOptimisticID(),
		Role:        model.RoleUser,
		Content:     content,
		Status:      model.MessageSending,
		Timestamp:   model.FormatTimestamp(r.now()),
		Attachments: append([]model.Attachment(nil), attachments...),
	}

	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()

	return msg
}

// SetStatus 更新某条消息的存储状态，找不到返回 false
func (r *Reconciler) SetStatus(id string, status model.MessageStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.messages {
		if r.messages[i].ID == id {
			r.messages[i].Status = status
			return true
		}
	}
	return false
}

// ApplyServer 用权威列表重新合并。拉取结果可能早于已应用的推送，
// id 大于列表最大 id 的推送消息会保留，否则水位线会挡住它们的补齐
func (r *Reconciler) ApplyServer(server []model.ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var newest int64
	for _, m := range server {
		if n, ok := m.NumericID(); ok && n > newest {
			newest = n
		}
	}

	merged := Merge(r.messages, server, r.window)
	for _, m := range r.messages {
		if n, ok := m.NumericID(); ok && n > newest {
			merged = append(merged, m)
		}
	}
	SortByTime(merged)
	r.messages = merged

	if newest > r.watermark {
		r.watermark = newest
	}
}

// ApplyPushed 应用一条推送消息。id 不超过水位线的直接丢弃，保证重复投递幂等
func (r *Reconciler) ApplyPushed(msg model.ChatMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyPushedLocked(msg)
}

func (r *Reconciler) applyPushedLocked(msg model.ChatMessage) bool {
	n, numeric := msg.NumericID()
	if numeric && n <= r.watermark {
		return false
	}

	if !numeric {
		for i := range r.messages {
			if r.messages[i].ID == msg.ID {
				r.messages[i] = msg
				return true
			}
		}
	}

	if idx := matchOptimistic(msg, r.optimisticOnly(), nil, r.window); idx >= 0 {
		r.removeOptimistic(idx)
	}

	r.messages = append(r.messages, msg)
	SortByTime(r.messages)
	if numeric {
		r.watermark = n
	}
	return true
}

// optimisticOnly 返回乐观消息视图，用来反向匹配推送消息
func (r *Reconciler) optimisticOnly() []model.ChatMessage {
	out := make([]model.ChatMessage, 0)
	for _, m := range r.messages {
		if m.IsOptimistic() {
			out = append(out, m)
		}
	}
	return out
}

func (r *Reconciler) removeOptimistic(nth int) {
	seen := 0
	for i, m := range r.messages {
		if !m.IsOptimistic() {
			continue
		}
		if seen == nth {
			r.messages = append(r.messages[:i], r.messages[i+1:]...)
			return
		}
		seen++
	}
}

// Refetch 全量拉取并合并。失败时乐观消息保持可见，等待下一次成功的拉取或推送
func (r *Reconciler) Refetch(ctx context.Context, f Fetcher) error {
	msgs, err := f.FetchAll(ctx)
	if err != nil {
		return err
	}
	r.ApplyServer(msgs)
	return nil
}

// GapFill 重连后补齐水位线之后的消息；水位线为 0 或补齐失败时退回全量拉取
func (r *Reconciler) GapFill(ctx context.Context, f Fetcher) error {
	wm := r.Watermark()
	if wm == 0 {
		return r.Refetch(ctx, f)
	}

	msgs, err := f.FetchAfter(ctx, wm)
	if err != nil {
		logger.WithSession(r.sessionID).WithError(err).Warn("gap fill failed, falling back to full refetch")
		return r.Refetch(ctx, f)
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		a, _ := msgs[i].NumericID()
		b, _ := msgs[j].NumericID()
		return a < b
	})

	r.mu.Lock()
	for _, m := range msgs {
		r.applyPushedLocked(m)
	}
	r.mu.Unlock()
	return nil
}
