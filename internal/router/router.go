package router

import (
	"encoding/json"
	"errors"
	"fmt"

	"agent-session-sync/internal/model"
)

var (
	ErrUnknownEvent   = errors.New("unknown event type")
	ErrForeignSession = errors.New("event belongs to another session")
	ErrMalformedEvent = errors.New("malformed event payload")
)

// Handler 接收解码后的入站事件
type Handler interface {
	OnSnapshot(data model.SnapshotData)
	OnStatus(data model.StatusData)
	OnTodos(data model.TodoData)
	OnStatePatch(delta model.StatePatchDelta, unknownKeys []string)
	OnUserInputList(data model.UserInputListData)
	OnMessage(msg model.ChatMessage)
	OnWorkspaceFiles(data model.WorkspaceFilesData)
	OnWorkspaceFileURL(data model.WorkspaceFileURLData)
	OnServerError(data model.ErrorData)
}

type Router struct {
	sessionID string
	handler   Handler
}

// New 创建会话 sessionID 的事件路由器
func New(sessionID string, handler Handler) *Router {
	return &Router{sessionID: sessionID, handler: handler}
}

// Route 解码并分发一个事件。返回的错误只用于记录日志，调用方不应因此中断
func (r *Router) Route(ev model.Event) error {
	if ev.SessionID != "" && ev.SessionID != r.sessionID {
		return fmt.Errorf("%w: %s", ErrForeignSession, ev.SessionID)
	}

	switch ev.Type {
	case model.EventSessionSnapshot:
		var data model.SnapshotData
		if err := decode(ev, &data); err != nil {
			return err
		}
		r.handler.OnSnapshot(data)
	case model.EventSessionStatus:
		var data model.StatusData
		if err := decode(ev, &data); err != nil {
			return err
		}
		r.handler.OnStatus(data)
	case model.EventTodoUpdate:
		var data model.TodoData
		if err := decode(ev, &data); err != nil {
			return err
		}
		r.handler.OnTodos(data)
	case model.EventStatePatch:
		delta, unknown, err := model.DecodeStatePatchDelta(ev.Data)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, ev.Type, err)
		}
		r.handler.OnStatePatch(delta, unknown)
	case model.EventUserInputList:
		var data model.UserInputListData
		if err := decode(ev, &data); err != nil {
			return err
		}
		r.handler.OnUserInputList(data)
	case model.EventMessageNew:
		var msg model.ChatMessage
		if err := decode(ev, &msg); err != nil {
			return err
		}
		if msg.ID == "" {
			return fmt.Errorf("%w: %s: missing message id", ErrMalformedEvent, ev.Type)
		}
		r.handler.OnMessage(msg)
	case model.EventWorkspaceFiles:
		var data model.WorkspaceFilesData
		if err := decode(ev, &data); err != nil {
			return err
		}
		r.handler.OnWorkspaceFiles(data)
	case model.EventWorkspaceFileURL:
		var data model.WorkspaceFileURLData
		if err := decode(ev, &data); err != nil {
			return err
		}
		r.handler.OnWorkspaceFileURL(data)
	case model.EventError:
		var data model.ErrorData
		if err := decode(ev, &data); err != nil {
			return err
		}
		r.handler.OnServerError(data)
	case model.EventPong:
		// 心跳回执，不需要处理
	default:
		return fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Type)
	}
	return nil
}

func decode(ev model.Event, v interface{}) error {
	if len(ev.Data) == 0 {
		return fmt.Errorf("%w: %s: empty data", ErrMalformedEvent, ev.Type)
	}
	if err := json.Unmarshal(ev.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, ev.Type, err)
	}
	return nil
}
