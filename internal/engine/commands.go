package engine

import (
	"context"
	"errors"
	"time"

	"agent-session-sync/internal/connection"
	"agent-session-sync/internal/model"
	"agent-session-sync/internal/router"
)

// SendMessage 会话活跃时放入待发队列，否则直接发送
func (s *Subscription) SendMessage(ctx context.Context, content model.MessageContent, attachments []model.Attachment) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if content.IsEmpty() && len(attachments) == 0 {
		return ErrEmptyContent
	}

	s.mu.RLock()
	active := s.session.Status.IsActive()
	s.mu.RUnlock()

	if active {
		s.queue.Enqueue(content, attachments)
		s.notify(Update{Kind: UpdateQueue})
		return nil
	}
	return s.sendDirect(ctx, content, attachments)
}

// sendDirect 乐观消息 + 乐观状态 -> 发送命令 -> 重新拉取权威列表合并。
// 拉取失败不算发送失败，乐观消息保留到下一次成功的拉取或推送
func (s *Subscription) sendDirect(ctx context.Context, content model.MessageContent, attachments []model.Attachment) error {
	if s.closed.Load() {
		return ErrClosed
	}

	msg := s.reconciler.AddOptimistic(content, attachments)
	s.notify(Update{Kind: UpdateMessages})

	var prev model.Session
	s.updateSession(func(cur model.Session) (model.Session, bool) {
		prev = cur
		next, _ := router.ApplyOptimisticStatus(cur, model.StatusAccepted, false)
		next.Canceled = false
		return next, true
	})

	if _, err := s.backend.SendMessage(ctx, s.id, content, attachments); err != nil {
		s.reconciler.SetStatus(msg.ID, model.MessageFailed)
		s.notify(Update{Kind: UpdateMessages})
		s.updateSession(func(cur model.Session) (model.Session, bool) {
			if cur.Status != model.StatusAccepted {
				return cur, false
			}
			out := cur.Clone()
			out.Status = prev.Status
			out.Canceled = prev.Canceled
			return out, true
		})
		return err
	}

	s.reconciler.SetStatus(msg.ID, model.MessageSent)
	s.notify(Update{Kind: UpdateMessages})

	if err := s.reconciler.Refetch(ctx, s.fetcher); err != nil {
		s.log.WithError(err).Warn("refetch after send failed, keeping optimistic message")
		return nil
	}
	s.notify(Update{Kind: UpdateMessages})
	return nil
}

// CancelSession 先本地预写为已完成并标记取消，失败时恢复原状态
func (s *Subscription) CancelSession(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}

	var prev model.Session
	s.updateSession(func(cur model.Session) (model.Session, bool) {
		prev = cur
		next, _ := router.ApplyOptimisticStatus(cur, model.StatusCompleted, true)
		next.Canceled = true
		return next, true
	})

	if err := s.backend.CancelSession(ctx, s.id); err != nil {
		s.updateSession(func(cur model.Session) (model.Session, bool) {
			out := cur.Clone()
			out.Status = prev.Status
			out.Canceled = prev.Canceled
			return out, true
		})
		return err
	}
	return nil
}

// SubmitUserInputAnswer 失败时请求保持原样，由调用方决定是否重试
func (s *Subscription) SubmitUserInputAnswer(ctx context.Context, requestID string, answers map[string]string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.tracker.Answer(ctx, requestID, answers); err != nil {
		return err
	}
	s.notify(Update{Kind: UpdateRequests})
	return nil
}

// RequestWorkspaceFiles 通过推送通道请求最新的工作区文件树
func (s *Subscription) RequestWorkspaceFiles() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.channel.Send(model.Command{Type: model.CommandWorkspaceFiles})
}

// RequestSessionSnapshot 通道可用时走推送，否则直接通过 REST 拉取
func (s *Subscription) RequestSessionSnapshot(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	err := s.channel.Send(model.Command{Type: model.CommandSessionSnapshot})
	if errors.Is(err, connection.ErrNotConnected) {
		return s.loadSnapshot(ctx)
	}
	return err
}

// RequestWorkspaceFileURL 等待同一路径的 URL 响应，超时、通道不可用或订阅关闭时返回 ("", false)。
// 同一路径的多个等待者在响应到达时一起返回
func (s *Subscription) RequestWorkspaceFileURL(ctx context.Context, path string) (string, bool) {
	if s.closed.Load() {
		return "", false
	}
	key := model.NormalizePath(path)
	ch := make(chan string, 1)

	s.urlMu.Lock()
	s.urlWaiters[key] = append(s.urlWaiters[key], ch)
	s.urlMu.Unlock()

	if err := s.channel.Send(model.Command{Type: model.CommandWorkspaceFileURL, Path: key}); err != nil {
		s.log.WithError(err).WithField("path", key).Debug("file url request not sent")
		s.dropWaiter(key, ch)
		return "", false
	}

	timeout := s.opts.FileURLTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case url := <-ch:
		return url, true
	case <-timer.C:
	case <-ctx.Done():
	case <-s.ctx.Done():
	}
	s.dropWaiter(key, ch)

	// 响应可能恰好在超时的同时到达
	select {
	case url := <-ch:
		return url, true
	default:
		return "", false
	}
}

func (s *Subscription) resolveFileURL(path, url string) {
	key := model.NormalizePath(path)

	s.urlMu.Lock()
	waiters := s.urlWaiters[key]
	delete(s.urlWaiters, key)
	s.urlMu.Unlock()

	for _, ch := range waiters {
		ch <- url
	}
}

func (s *Subscription) dropWaiter(key string, ch chan string) {
	s.urlMu.Lock()
	defer s.urlMu.Unlock()

	waiters := s.urlWaiters[key]
	for i, w := range waiters {
		if w == ch {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(s.urlWaiters, key)
	} else {
		s.urlWaiters[key] = waiters
	}
}

// SendPendingNow 跳过排队立即发送指定的排队消息
func (s *Subscription) SendPendingNow(ctx context.Context, index int) error {
	if s.closed.Load() {
		return ErrClosed
	}
	err := s.queue.SendNow(ctx, index)
	s.notify(Update{Kind: UpdateQueue})
	return err
}

// EditPending 从队列取出条目交给调用方编辑，编辑后通过 SendMessage 重新提交
func (s *Subscription) EditPending(index int) (model.PendingMessage, error) {
	item, err := s.queue.Edit(index)
	if err == nil {
		s.notify(Update{Kind: UpdateQueue})
	}
	return item, err
}

// DeletePending 删除指定的排队消息
func (s *Subscription) DeletePending(index int) error {
	if _, err := s.queue.Remove(index); err != nil {
		return err
	}
	s.notify(Update{Kind: UpdateQueue})
	return nil
}
