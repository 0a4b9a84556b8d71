package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"agent-session-sync/internal/model"

	"gopkg.in/yaml.v3"
)

func testView() sessionView {
	return sessionView{
		Session:    "s1",
		Status:     model.StatusRunning,
		Progress:   40,
		Connection: model.ConnConnected,
		Transport:  "push",
		Messages: []model.ChatMessage{
			{ID: "1", Role: model.RoleUser, Content: model.TextContent("hello\nworld"), Status: model.MessageSent},
			{ID: "2", Role: model.RoleAssistant, Content: model.TextContent("Echo"), Status: model.MessageStreaming},
		},
		Pending: []model.PendingMessage{{Content: model.TextContent("next")}},
	}
}

func TestRenderText(t *testing.T) {
	var buf bytes.Buffer
	if err := renderView(&buf, testView(), "text"); err != nil {
		t.Fatalf("render: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"[s1] running 40% (connected/push)", "hello ...", "streaming", "queued#0  next"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderYAML(t *testing.T) {
	var buf bytes.Buffer
	if err := renderView(&buf, testView(), "yaml"); err != nil {
		t.Fatalf("render: %v", err)
	}

	var decoded struct {
		Session  string `yaml:"session"`
		Status   string `yaml:"status"`
		Messages []struct {
			ID      string `yaml:"id"`
			Content struct {
				Text string `yaml:"text"`
			} `yaml:"content"`
		} `yaml:"messages"`
	}
	if err := yaml.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("yaml: %v\n%s", err, buf.String())
	}
	if decoded.Session != "s1" || decoded.Status != "running" || len(decoded.Messages) != 2 {
		t.Fatalf("decoded = %+v", decoded)
	}
	if decoded.Messages[1].Content.Text != "Echo" {
		t.Fatalf("content = %+v", decoded.Messages[1])
	}
}

func TestCheckIdle(t *testing.T) {
	tests := []struct {
		status model.SessionStatus
		busy   bool
	}{
		{"", false},
		{model.StatusAccepted, true},
		{model.StatusRunning, true},
		{model.StatusCompleted, false},
		{model.StatusFailed, false},
	}
	for _, tt := range tests {
		err := checkIdle(model.Session{ID: "s1", Status: tt.status})
		if got := errors.Is(err, errSessionBusy); got != tt.busy {
			t.Fatalf("status %q: busy = %v, want %v (err %v)", tt.status, got, tt.busy, err)
		}
	}
}

func TestRunSettled(t *testing.T) {
	tests := []struct {
		name      string
		started   bool
		status    model.SessionStatus
		queueBusy bool
		want      bool
	}{
		{"not started yet", false, model.StatusCompleted, false, false},
		{"still running", true, model.StatusRunning, false, false},
		{"finished", true, model.StatusCompleted, false, true},
		{"failed", true, model.StatusFailed, false, true},
		{"queue still draining", true, model.StatusCompleted, true, false},
	}
	for _, tt := range tests {
		if got := runSettled(tt.started, tt.status, tt.queueBusy); got != tt.want {
			t.Fatalf("%s: runSettled = %v, want %v", tt.name, got, tt.want)
		}
	}
}
