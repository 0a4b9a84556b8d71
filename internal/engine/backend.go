package engine

import (
	"context"
	"time"

	"agent-session-sync/internal/config"
	"agent-session-sync/internal/model"
	"agent-session-sync/internal/poller"
	"agent-session-sync/internal/reconcile"
)

// Backend 查询与命令的请求/响应通道，api.Client 实现了它
type Backend interface {
	FetchSession(ctx context.Context, sessionID string) (model.SnapshotData, error)
	FetchMessages(ctx context.Context, sessionID string, ids []int64) ([]model.ChatMessage, error)
	FetchMessagesAfter(ctx context.Context, sessionID string, after int64) ([]model.ChatMessage, error)
	FetchRuns(ctx context.Context, sessionID string) ([]model.RunRecord, error)
	SendMessage(ctx context.Context, sessionID string, content model.MessageContent, attachments []model.Attachment) (model.SendMessageResponse, error)
	CancelSession(ctx context.Context, sessionID string) error
	AnswerUserInput(ctx context.Context, sessionID, requestID string, answers map[string]string) error
}

// Channel 推送通道，connection.Manager 实现了它
type Channel interface {
	Connect() error
	Send(cmd model.Command) error
	State() model.ConnectionState
	Subscribe(eventType model.EventType, fn func(model.Event)) func()
	OnStateChange(fn func(model.ConnectionState)) func()
	OnError(fn func(error)) func()
	Close() error
}

type Options struct {
	DedupWindow          time.Duration
	FileURLTimeout       time.Duration
	RequestSweepInterval time.Duration
	Poller               poller.Options
}

// DefaultOptions 默认配置对应的引擎参数
func DefaultOptions() Options {
	return OptionsFromConfig(config.Default())
}

// OptionsFromConfig 从配置构造引擎参数
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		DedupWindow:          cfg.Reconcile.DedupWindow,
		FileURLTimeout:       cfg.Session.FileURLTimeout,
		RequestSweepInterval: cfg.Session.RequestSweepInterval,
		Poller:               poller.OptionsFromConfig(cfg.Poller),
	}
}

// messageFetcher 把 Backend 适配成 reconcile.Fetcher：
// 全量拉取时先取运行记录构造已确认用户消息白名单，并挂上每轮用量
type messageFetcher struct {
	sessionID string
	backend   Backend
	onRuns    func([]model.RunRecord)
}

var _ reconcile.Fetcher = (*messageFetcher)(nil)

func (f *messageFetcher) FetchAll(ctx context.Context) ([]model.ChatMessage, error) {
	runs, err := f.backend.FetchRuns(ctx, f.sessionID)
	if err != nil {
		return nil, err
	}
	msgs, err := f.backend.FetchMessages(ctx, f.sessionID, reconcile.ConfirmedTurns(runs))
	if err != nil {
		return nil, err
	}
	if f.onRuns != nil {
		f.onRuns(runs)
	}
	return reconcile.AttachUsage(msgs, runs), nil
}

func (f *messageFetcher) FetchAfter(ctx context.Context, afterID int64) ([]model.ChatMessage, error) {
	return f.backend.FetchMessagesAfter(ctx, f.sessionID, afterID)
}
