package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"agent-session-sync/internal/model"
	"agent-session-sync/pkg/logger"
)

var ErrIndexOutOfRange = errors.New("pending message index out of range")

// SendFunc 发送一条消息，与直接发送走同一条路径
type SendFunc func(ctx context.Context, content model.MessageContent, attachments []model.Attachment) error

// Gate 自动排空时需要的会话状态
type Gate struct {
	Active   bool
	Canceled bool
}

// Queue 会话忙碌时暂存的用户消息
type Queue struct {
	sessionID string
	send      SendFunc
	now       func() time.Time

	mu        sync.Mutex
	items     []model.PendingMessage
	draining  bool
	onSettled func()
	wg        sync.WaitGroup
}

// New 创建会话的排队器，send 与直接发送共用
func New(sessionID string, send SendFunc) *Queue {
	return &Queue{
		sessionID: sessionID,
		send:      send,
		now:       time.Now,
	}
}

// Enqueue 追加到队尾
func (q *Queue) Enqueue(content model.MessageContent, attachments []model.Attachment) model.PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	item := model.PendingMessage{
		Content:     content,
		Attachments: attachments,
		QueuedAt:    q.now(),
	}
	q.items = append(q.items, item)
	return item
}

// Items 队列内容的副本
func (q *Queue) Items() []model.PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]model.PendingMessage, len(q.items))
	copy(out, q.items)
	return out
}

// Len 队列长度
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Draining 是否有自动排空正在发送
func (q *Queue) Draining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

// Remove 按下标删除
func (q *Queue) Remove(i int) (model.PendingMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(i)
}

// Edit 取出条目交给调用方重新编辑，不会自动放回队列
func (q *Queue) Edit(i int) (model.PendingMessage, error) {
	return q.Remove(i)
}

// SendNow 取出条目并立即发送，错误直接返回给调用方
func (q *Queue) SendNow(ctx context.Context, i int) error {
	item, err := q.Remove(i)
	if err != nil {
		return err
	}
	return q.send(ctx, item.Content, item.Attachments)
}

// OnSettled 每次自动排空结束（成功或失败）后回调，调用方借此重新评估
func (q *Queue) OnSettled(fn func()) {
	q.mu.Lock()
	q.onSettled = fn
	q.mu.Unlock()
}

// ResetGuard 会话重新进入活跃状态时清除排空标记
func (q *Queue) ResetGuard() {
	q.mu.Lock()
	q.draining = false
	q.mu.Unlock()
}

// Evaluate 会话空闲、未取消、队列非空且没有正在进行的排空时，弹出一条异步发送。
// 返回是否启动了一次排空
func (q *Queue) Evaluate(ctx context.Context, gate Gate) bool {
	q.mu.Lock()
	if gate.Active || gate.Canceled || q.draining || len(q.items) == 0 {
		q.mu.Unlock()
		return false
	}
	item, _ := q.removeLocked(0)
	q.draining = true
	q.wg.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.wg.Done()

		err := q.send(ctx, item.Content, item.Attachments)
		if err != nil {
			logger.WithSession(q.sessionID).WithError(err).
				Error("auto-drain of pending message failed, message dropped")
		}

		q.mu.Lock()
		q.draining = false
		settled := q.onSettled
		q.mu.Unlock()

		if settled != nil {
			settled()
		}
	}()
	return true
}

// Wait 等待所有已启动的排空结束
func (q *Queue) Wait() {
	q.wg.Wait()
}

func (q *Queue) removeLocked(i int) (model.PendingMessage, error) {
	if i < 0 || i >= len(q.items) {
		return model.PendingMessage{}, ErrIndexOutOfRange
	}
	item := q.items[i]
	q.items = append(q.items[:i], q.items[i+1:]...)
	return item, nil
}
