package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agent-session-sync/internal/connection"
	"agent-session-sync/internal/hybrid"
	"agent-session-sync/internal/model"
	"agent-session-sync/internal/poller"
)

func testOptions() Options {
	return Options{
		DedupWindow:          10 * time.Second,
		FileURLTimeout:       time.Second,
		RequestSweepInterval: 10 * time.Millisecond,
		Poller:               poller.Options{Base: time.Hour, Max: time.Hour, Factor: 2},
	}
}

func openTest(t *testing.T, b *fakeBackend, opts Options) (*Subscription, *fakeChannel) {
	t.Helper()
	ch := newFakeChannel()
	s, err := Open(context.Background(), "s1", b, ch, opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, ch
}

func event(t *testing.T, typ model.EventType, data interface{}) model.Event {
	t.Helper()
	ev, err := model.NewEvent(typ, "s1", data)
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	return ev
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func countText(msgs []model.ChatMessage, text string) int {
	n := 0
	for _, m := range msgs {
		if m.Content.Text == text {
			n++
		}
	}
	return n
}

func TestOpenLoadsSnapshotAndMessages(t *testing.T) {
	b := newFakeBackend("completed")
	b.messages = []model.ChatMessage{{ID: "1", Role: model.RoleAssistant, Content: model.TextContent("welcome")}}
	s, _ := openTest(t, b, testOptions())

	sess := s.Session()
	if !sess.Loaded || sess.Status != model.StatusCompleted || sess.Title != "demo" {
		t.Fatalf("session = %+v", sess)
	}
	if msgs := s.Messages(); len(msgs) != 1 || msgs[0].ID != "1" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestSendMessageReconcilesOptimistic(t *testing.T) {
	b := newFakeBackend("completed")
	s, _ := openTest(t, b, testOptions())

	if err := s.SendMessage(context.Background(), model.TextContent("hi"), nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	msgs := s.Messages()
	if countText(msgs, "hi") != 1 {
		t.Fatalf("expected exactly one hi, got %+v", msgs)
	}
	if msgs[0].IsOptimistic() || msgs[0].ID != "1" {
		t.Fatalf("optimistic message should be replaced by server copy: %+v", msgs[0])
	}
	if msgs[0].Usage == nil || msgs[0].Usage.OutputTokens != 5 {
		t.Fatalf("usage not attached: %+v", msgs[0])
	}
	if s.Session().Status != model.StatusAccepted {
		t.Fatalf("status = %s, want optimistic accepted", s.Session().Status)
	}
	if len(s.Runs()) != 1 {
		t.Fatalf("runs = %+v", s.Runs())
	}
}

func TestSendMessageFailure(t *testing.T) {
	b := newFakeBackend("completed")
	b.sendErr = errors.New("unavailable")
	s, _ := openTest(t, b, testOptions())

	err := s.SendMessage(context.Background(), model.TextContent("hi"), nil)
	if !errors.Is(err, b.sendErr) {
		t.Fatalf("err = %v", err)
	}
	msgs := s.Messages()
	if len(msgs) != 1 || !msgs[0].IsOptimistic() || msgs[0].Status != model.MessageFailed {
		t.Fatalf("failed optimistic message should stay visible: %+v", msgs)
	}
	if s.Session().Status != model.StatusCompleted {
		t.Fatalf("optimistic status should be reverted, got %s", s.Session().Status)
	}
}

func TestSendMessageRejectsEmpty(t *testing.T) {
	s, _ := openTest(t, newFakeBackend("completed"), testOptions())
	if err := s.SendMessage(context.Background(), model.TextContent(""), nil); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("err = %v", err)
	}
}

func TestQueueDrainsOneAtATime(t *testing.T) {
	b := newFakeBackend("running")
	s, ch := openTest(t, b, testOptions())
	ctx := context.Background()

	for _, text := range []string{"A", "B", "C"} {
		if err := s.SendMessage(ctx, model.TextContent(text), nil); err != nil {
			t.Fatalf("send %s: %v", text, err)
		}
	}
	if len(b.sentTexts()) != 0 || len(s.PendingMessages()) != 3 {
		t.Fatalf("messages should be queued while running")
	}
	if !s.QueueBusy() {
		t.Fatalf("queue with pending messages should report busy")
	}

	ch.emit(event(t, model.EventSessionStatus, model.StatusData{Status: "completed"}))
	s.drained()
	if got := b.sentTexts(); len(got) != 1 || got[0] != "A" {
		t.Fatalf("sent = %v, want [A]", got)
	}
	if len(s.PendingMessages()) != 2 {
		t.Fatalf("B and C should still be queued")
	}

	ch.emit(event(t, model.EventSessionStatus, model.StatusData{Status: "completed"}))
	s.drained()
	if got := b.sentTexts(); len(got) != 2 || got[1] != "B" {
		t.Fatalf("sent = %v, want [A B]", got)
	}

	ch.emit(event(t, model.EventSessionStatus, model.StatusData{Status: "completed"}))
	s.drained()
	if s.QueueBusy() {
		t.Fatalf("queue should be idle after the last drain settled")
	}
}

func TestPendingManualOperations(t *testing.T) {
	b := newFakeBackend("running")
	s, _ := openTest(t, b, testOptions())
	ctx := context.Background()

	for _, text := range []string{"A", "B", "C"} {
		s.SendMessage(ctx, model.TextContent(text), nil)
	}
	item, err := s.EditPending(0)
	if err != nil || item.Content.Text != "A" {
		t.Fatalf("edit = %+v, %v", item, err)
	}
	if err := s.DeletePending(1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.SendPendingNow(ctx, 0); err != nil {
		t.Fatalf("send now: %v", err)
	}
	if got := b.sentTexts(); len(got) != 1 || got[0] != "B" {
		t.Fatalf("sent = %v, want [B]", got)
	}
	if len(s.PendingMessages()) != 0 {
		t.Fatalf("queue should be empty")
	}
}

func TestCancelSession(t *testing.T) {
	b := newFakeBackend("running")
	s, ch := openTest(t, b, testOptions())

	if err := s.CancelSession(context.Background()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	sess := s.Session()
	if sess.Status != model.StatusCompleted || !sess.Canceled {
		t.Fatalf("session = %+v", sess)
	}

	ch.emit(event(t, model.EventSessionStatus, model.StatusData{Status: "running"}))
	if s.Session().Status != model.StatusCompleted {
		t.Fatalf("active status must be ignored while canceled")
	}

	if err := s.SendMessage(context.Background(), model.TextContent("again"), nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if s.Session().Canceled {
		t.Fatalf("local send should clear canceled")
	}
}

func TestCancelSessionFailureRestores(t *testing.T) {
	b := newFakeBackend("running")
	b.cancelErr = errors.New("nope")
	s, _ := openTest(t, b, testOptions())

	if err := s.CancelSession(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	sess := s.Session()
	if sess.Status != model.StatusRunning || sess.Canceled {
		t.Fatalf("session not restored: %+v", sess)
	}
}

func TestCloseTwice(t *testing.T) {
	s, ch := openTest(t, newFakeBackend("completed"), testOptions())

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if ch.closeCalls != 1 {
		t.Fatalf("channel closed %d times", ch.closeCalls)
	}
	if err := s.SendMessage(context.Background(), model.TextContent("x"), nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v", err)
	}
	if _, ok := s.RequestWorkspaceFileURL(context.Background(), "a.txt"); ok {
		t.Fatalf("file url after close should fail")
	}
}

func TestConnectedRequestsSnapshotAndGapFills(t *testing.T) {
	b := newFakeBackend("completed")
	b.messages = []model.ChatMessage{{ID: "5", Role: model.RoleAssistant, Content: model.TextContent("x")}}
	b.after = []model.ChatMessage{{ID: "6", Role: model.RoleAssistant, Content: model.TextContent("y"), Timestamp: model.FormatTimestamp(time.Now())}}
	s, ch := openTest(t, b, testOptions())

	ch.setState(model.ConnConnected)

	cmds := ch.sentCommands()
	if len(cmds) != 1 || cmds[0].Type != model.CommandSessionSnapshot {
		t.Fatalf("commands = %+v", cmds)
	}
	eventually(t, func() bool { return countText(s.Messages(), "y") == 1 }, "gap fill applied")
	if calls := b.afterCallsSnapshot(); len(calls) != 1 || calls[0] != 5 {
		t.Fatalf("after calls = %v", calls)
	}
}

func TestTransportModeFollowsConnection(t *testing.T) {
	s, ch := openTest(t, newFakeBackend("completed"), testOptions())

	if s.TransportMode() != hybrid.ModePush {
		t.Fatalf("initial mode = %s", s.TransportMode())
	}
	ch.setState(model.ConnDisconnected)
	if s.TransportMode() != hybrid.ModePoll || !s.poller.Active() {
		t.Fatalf("disconnect should switch to polling")
	}
	ch.setState(model.ConnConnected)
	if s.TransportMode() != hybrid.ModePush || s.poller.Active() {
		t.Fatalf("connect should switch back to push")
	}
}

func TestPollRefreshesSnapshot(t *testing.T) {
	b := newFakeBackend("running")
	s, _ := openTest(t, b, testOptions())

	b.mu.Lock()
	b.snapshot.Status = "completed"
	b.mu.Unlock()

	if err := s.poller.Trigger(); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if s.Session().Status != model.StatusCompleted {
		t.Fatalf("status = %s", s.Session().Status)
	}
}

func TestPushedMessagesAndDisplay(t *testing.T) {
	s, ch := openTest(t, newFakeBackend("running"), testOptions())
	msg := model.ChatMessage{ID: "10", Role: model.RoleAssistant, Content: model.TextContent("thinking"), Status: model.MessageCompleted, Timestamp: model.FormatTimestamp(time.Now())}

	ch.emit(event(t, model.EventMessageNew, msg))
	ch.emit(event(t, model.EventMessageNew, msg))

	msgs := s.Messages()
	if countText(msgs, "thinking") != 1 {
		t.Fatalf("duplicate push should be dropped: %+v", msgs)
	}
	if msgs[len(msgs)-1].Status != model.MessageStreaming {
		t.Fatalf("trailing assistant message should display as streaming")
	}

	ch.emit(event(t, model.EventSessionStatus, model.StatusData{Status: "completed"}))
	msgs = s.Messages()
	if msgs[len(msgs)-1].Status != model.MessageCompleted {
		t.Fatalf("stored status should show once idle, got %s", msgs[len(msgs)-1].Status)
	}
}

func TestMalformedEventsAreDropped(t *testing.T) {
	s, ch := openTest(t, newFakeBackend("completed"), testOptions())

	ch.emit(model.Event{Type: model.EventSessionStatus, SessionID: "s1", Data: []byte("{bad")})
	ch.emit(model.Event{Type: "unknown.kind", SessionID: "s1"})
	ch.emit(event(t, model.EventTodoUpdate, model.TodoData{Todos: []model.Todo{{ID: "1", Content: "x"}}}))

	if len(s.Session().State.Todos) != 1 {
		t.Fatalf("valid event after malformed ones should apply")
	}
}

func TestStatePatchIgnoresUnknownKeys(t *testing.T) {
	s, ch := openTest(t, newFakeBackend("running"), testOptions())

	ch.emit(event(t, model.EventStatePatch, map[string]interface{}{
		"current_step": "plan",
		"bogus":        true,
	}))
	if s.Session().State.CurrentStep != "plan" {
		t.Fatalf("known key should merge: %+v", s.Session().State)
	}
}

func TestUserInputRequests(t *testing.T) {
	b := newFakeBackend("running")
	s, ch := openTest(t, b, testOptions())

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	ch.emit(event(t, model.EventUserInputList, model.UserInputListData{Requests: []model.UserInputRequest{
		{ID: "old", SessionID: "s1", Status: model.RequestPending, ExpiresAt: &past},
		{ID: "new", SessionID: "s1", Status: model.RequestPending, ExpiresAt: &future},
	}}))

	reqs := s.PendingRequests()
	if len(reqs) != 1 || reqs[0].ID != "new" {
		t.Fatalf("requests = %+v", reqs)
	}
	if err := s.SubmitUserInputAnswer(context.Background(), "new", map[string]string{"q": "yes"}); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if len(s.PendingRequests()) != 0 || len(b.answered) != 1 {
		t.Fatalf("answered request should be removed")
	}
}

func TestRequestExpiresWithoutAnswer(t *testing.T) {
	s, ch := openTest(t, newFakeBackend("running"), testOptions())

	soon := time.Now().Add(30 * time.Millisecond)
	ch.emit(event(t, model.EventUserInputList, model.UserInputListData{Requests: []model.UserInputRequest{
		{ID: "r1", SessionID: "s1", Status: model.RequestPending, ExpiresAt: &soon},
	}}))
	if len(s.PendingRequests()) != 1 {
		t.Fatalf("request should be listed before expiry")
	}
	eventually(t, func() bool { return len(s.PendingRequests()) == 0 }, "request pruned after expiry")
}

func TestFileURLResolvesAllWaiters(t *testing.T) {
	s, ch := openTest(t, newFakeBackend("completed"), testOptions())
	ch.setState(model.ConnConnected)

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i, p := range []string{"/docs/a.txt", "docs//a.txt"} {
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			url, ok := s.RequestWorkspaceFileURL(context.Background(), p)
			if ok {
				results[i] = url
			}
		}(i, p)
	}

	eventually(t, func() bool {
		n := 0
		for _, c := range ch.sentCommands() {
			if c.Type == model.CommandWorkspaceFileURL {
				n++
			}
		}
		return n == 2
	}, "both url requests sent")

	ch.emit(event(t, model.EventWorkspaceFileURL, model.WorkspaceFileURLData{Path: "docs/a.txt", URL: "https://files/a"}))
	wg.Wait()

	for i, r := range results {
		if r != "https://files/a" {
			t.Fatalf("waiter %d got %q", i, r)
		}
	}
}

func TestFileURLTimeout(t *testing.T) {
	opts := testOptions()
	opts.FileURLTimeout = 20 * time.Millisecond
	s, ch := openTest(t, newFakeBackend("completed"), opts)
	ch.setState(model.ConnConnected)

	start := time.Now()
	url, ok := s.RequestWorkspaceFileURL(context.Background(), "a.txt")
	if ok || url != "" {
		t.Fatalf("expected timeout, got %q", url)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("returned before timeout")
	}
	s.urlMu.Lock()
	left := len(s.urlWaiters)
	s.urlMu.Unlock()
	if left != 0 {
		t.Fatalf("waiter leaked after timeout")
	}
}

func TestFileURLWithoutChannel(t *testing.T) {
	s, _ := openTest(t, newFakeBackend("completed"), testOptions())
	if _, ok := s.RequestWorkspaceFileURL(context.Background(), "a.txt"); ok {
		t.Fatalf("disconnected channel cannot resolve urls")
	}
}

func TestWorkspaceFilesPatch(t *testing.T) {
	s, ch := openTest(t, newFakeBackend("completed"), testOptions())

	ch.emit(event(t, model.EventWorkspaceFiles, model.WorkspaceFilesData{Files: []model.WorkspaceFile{
		{Path: "docs", Name: "docs", IsDir: true, Children: []model.WorkspaceFile{{Path: "docs/a.txt", Name: "a.txt"}}},
	}}))
	ch.emit(event(t, model.EventWorkspaceFileURL, model.WorkspaceFileURLData{Path: "docs/a.txt", URL: "u"}))

	files := s.WorkspaceFiles()
	if len(files) != 1 || files[0].Children[0].URL != "u" {
		t.Fatalf("files = %+v", files)
	}
}

func TestSnapshotRequestFallsBackToREST(t *testing.T) {
	b := newFakeBackend("running")
	s, ch := openTest(t, b, testOptions())

	b.mu.Lock()
	b.snapshot.Status = "failed"
	b.mu.Unlock()
	if err := s.RequestSessionSnapshot(context.Background()); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if s.Session().Status != model.StatusFailed {
		t.Fatalf("status = %s", s.Session().Status)
	}

	ch.setState(model.ConnConnected)
	if err := s.RequestSessionSnapshot(context.Background()); err != nil {
		t.Fatalf("snapshot over channel: %v", err)
	}
}

func TestConnectionFailureAndWatch(t *testing.T) {
	s, ch := openTest(t, newFakeBackend("completed"), testOptions())

	var mu sync.Mutex
	var kinds []UpdateKind
	unwatch := s.Watch(func(u Update) {
		mu.Lock()
		kinds = append(kinds, u.Kind)
		mu.Unlock()
	})

	ch.fail(connection.ErrConnectionFailed)
	if !errors.Is(s.Err(), connection.ErrConnectionFailed) {
		t.Fatalf("err = %v", s.Err())
	}
	ch.emit(event(t, model.EventTodoUpdate, model.TodoData{}))

	mu.Lock()
	got := append([]UpdateKind(nil), kinds...)
	mu.Unlock()
	if len(got) < 2 || got[0] != UpdateError || got[1] != UpdateSession {
		t.Fatalf("updates = %v", got)
	}

	unwatch()
	ch.emit(event(t, model.EventTodoUpdate, model.TodoData{}))
	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != len(got) {
		t.Fatalf("notified after unwatch")
	}
}
