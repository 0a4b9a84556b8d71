package userinput

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"agent-session-sync/internal/model"
	"agent-session-sync/internal/router"
	"agent-session-sync/pkg/logger"
)

var ErrRequestNotFound = errors.New("user input request not found")

// Answerer 提交用户输入答案的远端命令
type Answerer interface {
	AnswerUserInput(ctx context.Context, sessionID, requestID string, answers map[string]string) error
}

type expiry struct {
	at time.Time
	id string
}

// Tracker 保存会话内待回答的请求。所有过期时间放在一个有序切片里，由周期性的 Sweep 统一清理
type Tracker struct {
	sessionID string
	answerer  Answerer
	now       func() time.Time

	mu       sync.Mutex
	requests []model.UserInputRequest
	expiries []expiry
}

// NewTracker 创建会话的交互请求跟踪器
func NewTracker(sessionID string, answerer Answerer) *Tracker {
	return &Tracker{
		sessionID: sessionID,
		answerer:  answerer,
		now:       time.Now,
	}
}

// Replace 用推送的列表整体替换，已过期的直接丢弃
func (t *Tracker) Replace(requests []model.UserInputRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.requests = router.PruneExpired(requests, t.now())
	t.rebuildLocked()
}

func (t *Tracker) rebuildLocked() {
	t.expiries = t.expiries[:0]
	for _, r := range t.requests {
		if r.Status != model.RequestPending || r.ExpiresAt == nil {
			continue
		}
		t.expiries = append(t.expiries, expiry{at: *r.ExpiresAt, id: r.ID})
	}
	sort.Slice(t.expiries, func(i, j int) bool {
		return t.expiries[i].at.Before(t.expiries[j].at)
	})
}

// Sweep 移除所有到期请求，返回被移除的数量
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	n := 0
	for n < len(t.expiries) && !t.expiries[n].at.After(now) {
		n++
	}
	if n == 0 {
		return 0
	}
	due := make(map[string]struct{}, n)
	for _, e := range t.expiries[:n] {
		due[e.id] = struct{}{}
	}
	t.expiries = append(t.expiries[:0], t.expiries[n:]...)

	kept := t.requests[:0]
	removed := 0
	for _, r := range t.requests {
		if _, ok := due[r.ID]; ok {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	t.requests = kept
	return removed
}

// Run 按固定间隔清理，列表有变化时回调 onChange，直到 ctx 结束
func (t *Tracker) Run(ctx context.Context, interval time.Duration, onChange func()) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.Sweep(); n > 0 {
				logger.WithSession(t.sessionID).Debugf("pruned %d expired user input requests", n)
				if onChange != nil {
					onChange()
				}
			}
		}
	}
}

// List 返回尚未过期的请求；即使还没到下一次 Sweep，过期请求也不会出现
func (t *Tracker) List() []model.UserInputRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return router.PruneExpired(t.requests, t.now())
}

// Actionable 当前仍可回答的请求
func (t *Tracker) Actionable() []model.UserInputRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	out := make([]model.UserInputRequest, 0, len(t.requests))
	for _, r := range t.requests {
		if r.Actionable(now) {
			out = append(out, r)
		}
	}
	return out
}

// Answer 先调用远端命令，成功后才从本地列表移除。失败时原样返回错误，不做恢复
func (t *Tracker) Answer(ctx context.Context, requestID string, answers map[string]string) error {
	t.mu.Lock()
	found := t.indexLocked(requestID) >= 0
	t.mu.Unlock()
	if !found {
		return ErrRequestNotFound
	}

	if err := t.answerer.AnswerUserInput(ctx, t.sessionID, requestID, answers); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(requestID)
	return nil
}

func (t *Tracker) indexLocked(id string) int {
	for i, r := range t.requests {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func (t *Tracker) removeLocked(id string) {
	if i := t.indexLocked(id); i >= 0 {
		t.requests = append(t.requests[:i], t.requests[i+1:]...)
	}
	for i, e := range t.expiries {
		if e.id == id {
			t.expiries = append(t.expiries[:i], t.expiries[i+1:]...)
			break
		}
	}
}
