package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"agent-session-sync/internal/hybrid"
	"agent-session-sync/internal/model"
	"agent-session-sync/internal/poller"
	"agent-session-sync/internal/queue"
	"agent-session-sync/internal/reconcile"
	"agent-session-sync/internal/router"
	"agent-session-sync/internal/userinput"
	"agent-session-sync/pkg/logger"

	"github.com/sirupsen/logrus"
)

var (
	ErrClosed       = errors.New("session subscription closed")
	ErrEmptyContent = errors.New("message content is empty")
)

type UpdateKind string

const (
	UpdateSession    UpdateKind = "session"
	UpdateMessages   UpdateKind = "messages"
	UpdateRequests   UpdateKind = "requests"
	UpdateQueue      UpdateKind = "queue"
	UpdateConnection UpdateKind = "connection"
	UpdateFiles      UpdateKind = "files"
	UpdateError      UpdateKind = "error"
)

// Update 通知观察者哪一部分状态变了，具体内容通过 Subscription 的读取方法获取
type Update struct {
	Kind UpdateKind
	Err  error
}

// Subscription 单个会话的同步句柄：创建时建立通道，Close 时释放全部定时器和连接
type Subscription struct {
	id      string
	backend Backend
	channel Channel
	opts    Options
	log     *logrus.Entry

	mu      sync.RWMutex
	session model.Session
	files   []model.WorkspaceFile
	runs    []model.RunRecord
	lastErr error

	reconciler *reconcile.Reconciler
	fetcher    *messageFetcher
	queue      *queue.Queue
	tracker    *userinput.Tracker
	selector   *hybrid.Selector
	poller     *poller.Poller
	router     *router.Router

	urlMu      sync.Mutex
	urlWaiters map[string][]chan string

	watchMu  sync.Mutex
	watchers map[int]func(Update)
	nextWID  int

	unsubs    []func()
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
}

// Open 订阅一个会话：注册事件处理、打开推送通道并通过 REST 做一次初始加载。
// 初始加载失败只记录日志，之后由快照事件或轮询补齐
func Open(ctx context.Context, sessionID string, backend Backend, channel Channel, opts Options) (*Subscription, error) {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = reconcile.DefaultDedupWindow
	}
	subCtx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		id:         sessionID,
		backend:    backend,
		channel:    channel,
		opts:       opts,
		log:        logger.WithSession(sessionID).WithField("component", "engine"),
		session:    model.NewSession(sessionID),
		reconciler: reconcile.New(sessionID, opts.DedupWindow),
		selector:   hybrid.NewSelector(),
		urlWaiters: make(map[string][]chan string),
		watchers:   make(map[int]func(Update)),
		ctx:        subCtx,
		cancel:     cancel,
	}
	s.fetcher = &messageFetcher{sessionID: sessionID, backend: backend, onRuns: s.setRuns}
	s.queue = queue.New(sessionID, s.sendDirect)
	s.queue.OnSettled(s.evaluateQueue)
	s.tracker = userinput.NewTracker(sessionID, backend)
	s.poller = poller.New(opts.Poller, s.poll)
	s.router = router.New(sessionID, &eventHandler{s: s})

	s.unsubs = append(s.unsubs,
		channel.Subscribe("", s.onEvent),
		channel.OnStateChange(s.onConnectionState),
		channel.OnError(s.onConnectionError),
		s.selector.Subscribe(s.onModeChange),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tracker.Run(s.ctx, opts.RequestSweepInterval, func() { s.notify(Update{Kind: UpdateRequests}) })
	}()

	if err := channel.Connect(); err != nil {
		s.Close()
		return nil, err
	}

	if err := s.loadSnapshot(ctx); err != nil {
		s.log.WithError(err).Warn("initial snapshot load failed")
	}
	if err := s.reconciler.Refetch(ctx, s.fetcher); err != nil {
		s.log.WithError(err).Warn("initial message load failed")
	} else {
		s.notify(Update{Kind: UpdateMessages})
	}
	return s, nil
}

// ID 订阅的会话 id
func (s *Subscription) ID() string {
	return s.id
}

// Session 会话状态的副本
func (s *Subscription) Session() model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.Clone()
}

// Messages 展示用的消息列表：会话活跃且最后一条是助手消息时显示为 streaming
func (s *Subscription) Messages() []model.ChatMessage {
	s.mu.RLock()
	status := s.session.Status
	s.mu.RUnlock()
	return reconcile.Display(s.reconciler.Messages(), status)
}

// PendingRequests 未过期的交互请求
func (s *Subscription) PendingRequests() []model.UserInputRequest {
	return s.tracker.List()
}

// PendingMessages 排队中消息的副本，按入队顺序
func (s *Subscription) PendingMessages() []model.PendingMessage {
	return s.queue.Items()
}

// QueueBusy 队列里还有消息或正在自动排空
func (s *Subscription) QueueBusy() bool {
	return s.queue.Len() > 0 || s.queue.Draining()
}

// WorkspaceFiles 最近一次收到的工作区文件树
func (s *Subscription) WorkspaceFiles() []model.WorkspaceFile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return model.CloneFiles(s.files)
}

// Runs 最近一次拉取到的运行记录
func (s *Subscription) Runs() []model.RunRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.RunRecord(nil), s.runs...)
}

// ConnectionState 推送通道的连接状态
func (s *Subscription) ConnectionState() model.ConnectionState {
	return s.channel.State()
}

// TransportMode 当前使用推送还是轮询
func (s *Subscription) TransportMode() hybrid.Mode {
	return s.selector.Mode()
}

// Err 最近一次连接失败或服务端错误
func (s *Subscription) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Watch 注册观察者，返回取消函数。回调在事件所在的 goroutine 里同步执行，不要在回调里阻塞
func (s *Subscription) Watch(fn func(Update)) func() {
	s.watchMu.Lock()
	id := s.nextWID
	s.nextWID++
	s.watchers[id] = fn
	s.watchMu.Unlock()

	return func() {
		s.watchMu.Lock()
		delete(s.watchers, id)
		s.watchMu.Unlock()
	}
}

func (s *Subscription) notify(u Update) {
	if s.closed.Load() {
		return
	}
	s.watchMu.Lock()
	fns := make([]func(Update), 0, len(s.watchers))
	for id := 0; id < s.nextWID; id++ {
		if fn, ok := s.watchers[id]; ok {
			fns = append(fns, fn)
		}
	}
	s.watchMu.Unlock()

	for _, fn := range fns {
		fn(u)
	}
}

// Close 同步停止轮询、清理器和通道，通道只关闭一次；重复调用是空操作
func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		for _, unsub := range s.unsubs {
			unsub()
		}
		s.poller.Close()
		err = s.channel.Close()
		s.log.Debug("subscription closed")
	})
	return err
}

// drained 等待已启动的自动排空结束，测试使用
func (s *Subscription) drained() {
	s.queue.Wait()
}

func (s *Subscription) setRuns(runs []model.RunRecord) {
	s.mu.Lock()
	s.runs = append([]model.RunRecord(nil), runs...)
	s.mu.Unlock()
}

func (s *Subscription) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// spawn 在后台执行和订阅同生命周期的任务
func (s *Subscription) spawn(fn func(ctx context.Context)) {
	if s.closed.Load() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}
