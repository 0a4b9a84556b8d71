package queue

import (
	"context"
	"errors"
	"sync"
	"testing"

	"agent-session-sync/internal/model"
)

type recorder struct {
	mu   sync.Mutex
	sent []string
	err  error
	gate chan struct{}
}

func (r *recorder) send(_ context.Context, c model.MessageContent, _ []model.Attachment) error {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, c.Text)
	return r.err
}

func (r *recorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func texts(items []model.PendingMessage) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Content.Text)
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestAutoDrainOneAtATime(t *testing.T) {
	rec := &recorder{}
	q := New("s1", rec.send)
	ctx := context.Background()

	for _, s := range []string{"A", "B", "C"} {
		q.Enqueue(model.TextContent(s), nil)
	}
	if q.Evaluate(ctx, Gate{Active: true}) {
		t.Fatalf("must not drain while active")
	}

	if !q.Evaluate(ctx, Gate{}) {
		t.Fatalf("expected drain on idle")
	}
	q.Wait()
	if got := rec.texts(); !equal(got, []string{"A"}) {
		t.Fatalf("sent = %v, want [A]", got)
	}
	if got := texts(q.Items()); !equal(got, []string{"B", "C"}) {
		t.Fatalf("remaining = %v, want [B C]", got)
	}

	q.Evaluate(ctx, Gate{})
	q.Wait()
	q.Evaluate(ctx, Gate{})
	q.Wait()
	if got := rec.texts(); !equal(got, []string{"A", "B", "C"}) {
		t.Fatalf("sent = %v", got)
	}
	if q.Evaluate(ctx, Gate{}) {
		t.Fatalf("empty queue must not drain")
	}
}

func TestNoConcurrentDrain(t *testing.T) {
	rec := &recorder{gate: make(chan struct{})}
	q := New("s1", rec.send)
	ctx := context.Background()

	q.Enqueue(model.TextContent("A"), nil)
	q.Enqueue(model.TextContent("B"), nil)

	if !q.Evaluate(ctx, Gate{}) {
		t.Fatalf("expected first drain")
	}
	if q.Evaluate(ctx, Gate{}) {
		t.Fatalf("second drain started while first in flight")
	}
	close(rec.gate)
	q.Wait()

	if q.Draining() {
		t.Fatalf("guard not cleared after completion")
	}
	if q.Len() != 1 {
		t.Fatalf("len = %d, want 1", q.Len())
	}
}

func TestCanceledBlocksDrain(t *testing.T) {
	rec := &recorder{}
	q := New("s1", rec.send)
	q.Enqueue(model.TextContent("A"), nil)

	if q.Evaluate(context.Background(), Gate{Canceled: true}) {
		t.Fatalf("canceled session must not drain")
	}
	if q.Len() != 1 {
		t.Fatalf("item lost")
	}
}

func TestFailedDrainIsNotRequeued(t *testing.T) {
	rec := &recorder{err: errors.New("send failed")}
	q := New("s1", rec.send)
	q.Enqueue(model.TextContent("A"), nil)

	q.Evaluate(context.Background(), Gate{})
	q.Wait()

	if q.Len() != 0 {
		t.Fatalf("failed item was requeued")
	}
	if q.Draining() {
		t.Fatalf("guard stuck after failure")
	}
}

func TestResetGuard(t *testing.T) {
	rec := &recorder{gate: make(chan struct{})}
	q := New("s1", rec.send)
	q.Enqueue(model.TextContent("A"), nil)
	q.Enqueue(model.TextContent("B"), nil)

	q.Evaluate(context.Background(), Gate{})
	q.ResetGuard()
	if q.Draining() {
		t.Fatalf("guard should be reset")
	}
	close(rec.gate)
	q.Wait()
}

func TestManualOperations(t *testing.T) {
	rec := &recorder{}
	q := New("s1", rec.send)
	for _, s := range []string{"A", "B", "C", "D"} {
		q.Enqueue(model.TextContent(s), nil)
	}

	item, err := q.Edit(1)
	if err != nil || item.Content.Text != "B" {
		t.Fatalf("edit = %v, %v", item, err)
	}
	if _, err := q.Remove(2); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := q.SendNow(context.Background(), 1); err != nil {
		t.Fatalf("send now: %v", err)
	}
	if got := rec.texts(); !equal(got, []string{"C"}) {
		t.Fatalf("sent = %v, want [C]", got)
	}
	if got := texts(q.Items()); !equal(got, []string{"A"}) {
		t.Fatalf("remaining = %v, want [A]", got)
	}

	for _, i := range []int{-1, 1, 5} {
		if _, err := q.Remove(i); !errors.Is(err, ErrIndexOutOfRange) {
			t.Errorf("Remove(%d) err = %v", i, err)
		}
	}
	if err := q.SendNow(context.Background(), 3); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("SendNow err = %v", err)
	}
}

func TestOnSettledCalledAfterDrain(t *testing.T) {
	rec := &recorder{}
	q := New("s1", rec.send)
	settled := make(chan struct{}, 1)
	q.OnSettled(func() { settled <- struct{}{} })

	q.Enqueue(model.TextContent("A"), nil)
	q.Evaluate(context.Background(), Gate{})
	q.Wait()

	select {
	case <-settled:
	default:
		t.Fatalf("settled callback not invoked")
	}
}
