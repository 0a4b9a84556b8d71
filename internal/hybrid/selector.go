package hybrid

import (
	"sync"

	"agent-session-sync/internal/model"
)

type Mode string

const (
	ModePush Mode = "push"
	ModePoll Mode = "poll"
)

// Selector 只是一个标签：根据连接状态在 push / poll 间切换，不改动任何一侧的订阅
type Selector struct {
	mu        sync.Mutex
	mode      Mode
	listeners map[int]func(Mode)
	nextID    int
}

// NewSelector 初始为推送模式
func NewSelector() *Selector {
	return &Selector{
		mode:      ModePush,
		listeners: make(map[int]func(Mode)),
	}
}

// Mode 当前传输模式
func (s *Selector) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Observe 根据连接状态更新模式，模式变化时返回 true 并通知订阅者
func (s *Selector) Observe(state model.ConnectionState) bool {
	var next Mode
	switch state {
	case model.ConnConnected:
		next = ModePush
	case model.ConnError, model.ConnDisconnected:
		next = ModePoll
	default:
		return false
	}

	s.mu.Lock()
	if s.mode == next {
		s.mu.Unlock()
		return false
	}
	s.mode = next
	listeners := make([]func(Mode), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}
	return true
}

// Subscribe 返回取消订阅函数
func (s *Selector) Subscribe(fn func(Mode)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}
