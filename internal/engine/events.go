package engine

import (
	"context"
	"errors"
	"fmt"

	"agent-session-sync/internal/hybrid"
	"agent-session-sync/internal/model"
	"agent-session-sync/internal/queue"
	"agent-session-sync/internal/router"
)

func (s *Subscription) onEvent(ev model.Event) {
	if s.closed.Load() {
		return
	}
	if err := s.router.Route(ev); err != nil {
		entry := s.log.WithField("event_type", ev.Type).WithError(err)
		if errors.Is(err, router.ErrUnknownEvent) {
			entry.Debug("ignoring unknown event")
			return
		}
		entry.Warn("dropping event")
	}
}

// onConnectionState 每次连上都请求一次快照并补齐断线期间的消息
func (s *Subscription) onConnectionState(state model.ConnectionState) {
	if s.closed.Load() {
		return
	}
	s.selector.Observe(state)
	if state == model.ConnConnected {
		if err := s.channel.Send(model.Command{Type: model.CommandSessionSnapshot}); err != nil {
			s.log.WithError(err).Debug("snapshot request not sent")
		}
		s.spawn(func(ctx context.Context) {
			if err := s.reconciler.GapFill(ctx, s.fetcher); err != nil {
				s.log.WithError(err).Warn("gap fill after connect failed")
				return
			}
			s.notify(Update{Kind: UpdateMessages})
		})
	}
	s.notify(Update{Kind: UpdateConnection})
}

func (s *Subscription) onConnectionError(err error) {
	s.log.WithError(err).Error("channel unavailable, staying on polling")
	s.setErr(err)
	s.notify(Update{Kind: UpdateError, Err: err})
}

func (s *Subscription) onModeChange(mode hybrid.Mode) {
	s.log.WithField("mode", mode).Info("transport mode changed")
	s.poller.SetActive(mode == hybrid.ModePoll)
}

// poll 降级模式下的一次轮询：刷新消息和会话快照
func (s *Subscription) poll(ctx context.Context) error {
	msgErr := s.reconciler.Refetch(ctx, s.fetcher)
	if msgErr == nil {
		s.notify(Update{Kind: UpdateMessages})
	}
	snapErr := s.loadSnapshot(ctx)
	return errors.Join(msgErr, snapErr)
}

func (s *Subscription) loadSnapshot(ctx context.Context) error {
	data, err := s.backend.FetchSession(ctx, s.id)
	if err != nil {
		return err
	}
	s.updateSession(func(cur model.Session) (model.Session, bool) {
		return router.ApplySnapshot(cur, data), true
	})
	return nil
}

// updateSession 是会话状态唯一的写入口：在锁内应用 reducer，锁外重新评估待发队列并通知
func (s *Subscription) updateSession(apply func(model.Session) (model.Session, bool)) bool {
	s.mu.Lock()
	prev := s.session
	next, ok := apply(prev)
	if ok {
		s.session = next
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	if !prev.Status.IsActive() && next.Status.IsActive() {
		s.queue.ResetGuard()
	}
	s.evaluateQueueFor(next)
	s.notify(Update{Kind: UpdateSession})
	return true
}

func (s *Subscription) evaluateQueue() {
	if s.closed.Load() {
		return
	}
	s.evaluateQueueFor(s.Session())
}

func (s *Subscription) evaluateQueueFor(cur model.Session) {
	if s.queue.Evaluate(s.ctx, queue.Gate{Active: cur.Status.IsActive(), Canceled: cur.Canceled}) {
		s.notify(Update{Kind: UpdateQueue})
	}
}

// eventHandler 把路由后的事件落到订阅状态上
type eventHandler struct {
	s *Subscription
}

var _ router.Handler = (*eventHandler)(nil)

func (h *eventHandler) OnSnapshot(data model.SnapshotData) {
	h.s.updateSession(func(cur model.Session) (model.Session, bool) {
		return router.ApplySnapshot(cur, data), true
	})
}

func (h *eventHandler) OnStatus(data model.StatusData) {
	applied := h.s.updateSession(func(cur model.Session) (model.Session, bool) {
		return router.ApplyStatus(cur, data)
	})
	if !applied {
		h.s.log.WithField("status", data.Status).Debug("status change rejected")
	}
}

func (h *eventHandler) OnTodos(data model.TodoData) {
	h.s.updateSession(func(cur model.Session) (model.Session, bool) {
		return router.ApplyTodos(cur, data), true
	})
}

func (h *eventHandler) OnStatePatch(delta model.StatePatchDelta, unknownKeys []string) {
	if len(unknownKeys) > 0 {
		h.s.log.WithField("keys", unknownKeys).Warn("ignoring unknown state patch keys")
	}
	if delta.Empty() {
		return
	}
	h.s.updateSession(func(cur model.Session) (model.Session, bool) {
		return router.ApplyStatePatch(cur, delta), true
	})
}

func (h *eventHandler) OnUserInputList(data model.UserInputListData) {
	h.s.tracker.Replace(data.Requests)
	h.s.notify(Update{Kind: UpdateRequests})
}

func (h *eventHandler) OnMessage(msg model.ChatMessage) {
	if h.s.reconciler.ApplyPushed(msg) {
		h.s.notify(Update{Kind: UpdateMessages})
	}
}

func (h *eventHandler) OnWorkspaceFiles(data model.WorkspaceFilesData) {
	h.s.mu.Lock()
	h.s.files = router.ReplaceFiles(data.Files)
	h.s.mu.Unlock()
	h.s.notify(Update{Kind: UpdateFiles})
}

func (h *eventHandler) OnWorkspaceFileURL(data model.WorkspaceFileURLData) {
	h.s.mu.Lock()
	files, patched := router.PatchFileURL(h.s.files, data.Path, data.URL)
	if patched {
		h.s.files = files
	}
	h.s.mu.Unlock()

	h.s.resolveFileURL(data.Path, data.URL)
	if patched {
		h.s.notify(Update{Kind: UpdateFiles})
	}
}

func (h *eventHandler) OnServerError(data model.ErrorData) {
	err := fmt.Errorf("server error %s: %s", data.Code, data.Message)
	h.s.log.WithError(err).Warn("server reported error")
	h.s.setErr(err)
	h.s.notify(Update{Kind: UpdateError, Err: err})
}
