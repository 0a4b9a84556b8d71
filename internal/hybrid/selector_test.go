package hybrid

import (
	"testing"

	"agent-session-sync/internal/model"
)

func TestSelectorTransitions(t *testing.T) {
	s := NewSelector()
	if s.Mode() != ModePush {
		t.Fatalf("initial mode = %s, want push", s.Mode())
	}

	var seen []Mode
	unsubscribe := s.Subscribe(func(m Mode) { seen = append(seen, m) })

	steps := []struct {
		state   model.ConnectionState
		want    Mode
		changed bool
	}{
		{model.ConnConnecting, ModePush, false},
		{model.ConnConnected, ModePush, false},
		{model.ConnDisconnected, ModePoll, true},
		{model.ConnError, ModePoll, false},
		{model.ConnConnecting, ModePoll, false},
		{model.ConnConnected, ModePush, true},
	}
	for i, st := range steps {
		if changed := s.Observe(st.state); changed != st.changed {
			t.Fatalf("step %d (%s): changed = %v, want %v", i, st.state, changed, st.changed)
		}
		if s.Mode() != st.want {
			t.Fatalf("step %d (%s): mode = %s, want %s", i, st.state, s.Mode(), st.want)
		}
	}
	if len(seen) != 2 || seen[0] != ModePoll || seen[1] != ModePush {
		t.Fatalf("notifications = %v", seen)
	}

	unsubscribe()
	s.Observe(model.ConnError)
	if len(seen) != 2 {
		t.Fatalf("notified after unsubscribe")
	}
}
