package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"agent-session-sync/internal/config"
	"agent-session-sync/internal/model"
	"agent-session-sync/internal/service"
	"agent-session-sync/internal/storage"
)

func newTestRouter(t *testing.T) (http.Handler, *service.SessionService) {
	t.Helper()
	cfg := config.Default()
	cfg.Agent.StepDelay = 0
	svc := service.NewSessionService(cfg, storage.NewMemoryStorage())
	t.Cleanup(svc.Close)
	return NewRouter(cfg, NewSessionHandler(svc)), svc
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return rec.Code
}

func waitIdle(t *testing.T, svc *service.SessionService, sessionID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for svc.Running(sessionID) {
		if time.Now().After(deadline) {
			t.Fatalf("run did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHealth(t *testing.T) {
	h, _ := newTestRouter(t)
	var body map[string]interface{}
	if code := doJSON(t, h, http.MethodGet, "/health", nil, &body); code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health = %d %v", code, body)
	}
}

func TestSessionRoutes(t *testing.T) {
	h, svc := newTestRouter(t)

	var created model.SessionResponse
	if code := doJSON(t, h, http.MethodPost, "/api/sessions", nil, &created); code != http.StatusCreated {
		t.Fatalf("create code = %d", code)
	}
	if created.SessionID == "" || created.Status != string(model.StatusCompleted) {
		t.Fatalf("created = %+v", created)
	}
	base := "/api/sessions/" + created.SessionID

	var sent model.SendMessageResponse
	code := doJSON(t, h, http.MethodPost, base+"/messages", model.SendMessageRequest{Content: model.TextContent("hi")}, &sent)
	if code != http.StatusAccepted || sent.MessageID != "1" {
		t.Fatalf("send = %d %+v", code, sent)
	}
	waitIdle(t, svc, created.SessionID)

	var msgs model.MessagesResponse
	doJSON(t, h, http.MethodGet, base+"/messages", nil, &msgs)
	if len(msgs.Messages) != 2 {
		t.Fatalf("messages = %+v", msgs.Messages)
	}

	doJSON(t, h, http.MethodGet, base+"/messages?after=1", nil, &msgs)
	if len(msgs.Messages) != 1 || msgs.Messages[0].Role != model.RoleAssistant {
		t.Fatalf("after=1 = %+v", msgs.Messages)
	}

	doJSON(t, h, http.MethodGet, base+"/messages?ids=", nil, &msgs)
	if len(msgs.Messages) != 1 || msgs.Messages[0].Role != model.RoleAssistant {
		t.Fatalf("empty whitelist = %+v", msgs.Messages)
	}

	doJSON(t, h, http.MethodGet, base+"/messages?ids=1", nil, &msgs)
	if len(msgs.Messages) != 2 {
		t.Fatalf("whitelist 1 = %+v", msgs.Messages)
	}

	var runs model.RunsResponse
	doJSON(t, h, http.MethodGet, base+"/runs", nil, &runs)
	if len(runs.Runs) != 1 || runs.Runs[0].Status != model.StatusCompleted {
		t.Fatalf("runs = %+v", runs.Runs)
	}

	var snap model.SessionResponse
	doJSON(t, h, http.MethodGet, base, nil, &snap)
	if snap.Progress != 100 || snap.State.Workspace == nil {
		t.Fatalf("snapshot = %+v", snap)
	}

	var files model.WorkspaceFilesData
	doJSON(t, h, http.MethodGet, base+"/files", nil, &files)
	if len(files.Files) != 1 || !files.Files[0].IsDir {
		t.Fatalf("files = %+v", files.Files)
	}

	if code := doJSON(t, h, http.MethodPost, base+"/cancel", nil, nil); code != http.StatusOK {
		t.Fatalf("cancel code = %d", code)
	}
}

func TestErrorMapping(t *testing.T) {
	h, _ := newTestRouter(t)

	var created model.SessionResponse
	doJSON(t, h, http.MethodPost, "/api/sessions", model.CreateSessionRequest{Title: "t"}, &created)
	base := "/api/sessions/" + created.SessionID

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"unknown session", http.MethodGet, "/api/sessions/nope", nil, http.StatusNotFound},
		{"empty message", http.MethodPost, base + "/messages", model.SendMessageRequest{Content: model.TextContent(" ")}, http.StatusBadRequest},
		{"bad after", http.MethodGet, base + "/messages?after=x", nil, http.StatusBadRequest},
		{"bad ids", http.MethodGet, base + "/messages?ids=1,a", nil, http.StatusBadRequest},
		{"unknown request", http.MethodPost, base + "/user-input/nope", model.AnswerUserInputRequest{Answers: map[string]string{"a": "b"}}, http.StatusNotFound},
		{"missing tool name", http.MethodPost, base + "/user-input", map[string]string{}, http.StatusBadRequest},
		{"cancel unknown", http.MethodPost, "/api/sessions/nope/cancel", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := doJSON(t, h, tt.method, tt.path, tt.body, nil); code != tt.want {
				t.Fatalf("code = %d, want %d", code, tt.want)
			}
		})
	}
}

func TestUserInputRoutes(t *testing.T) {
	h, _ := newTestRouter(t)

	var created model.SessionResponse
	doJSON(t, h, http.MethodPost, "/api/sessions", nil, &created)
	base := "/api/sessions/" + created.SessionID

	var raised model.UserInputRequest
	code := doJSON(t, h, http.MethodPost, base+"/user-input", model.RaiseUserInputRequest{ToolName: "confirm"}, &raised)
	if code != http.StatusCreated || raised.ID == "" {
		t.Fatalf("raise = %d %+v", code, raised)
	}

	var list model.UserInputListData
	doJSON(t, h, http.MethodGet, base+"/user-input", nil, &list)
	if len(list.Requests) != 1 {
		t.Fatalf("list = %+v", list)
	}

	answer := model.AnswerUserInputRequest{Answers: map[string]string{"ok": "yes"}}
	if code := doJSON(t, h, http.MethodPost, base+"/user-input/"+raised.ID, answer, nil); code != http.StatusOK {
		t.Fatalf("answer code = %d", code)
	}
	if code := doJSON(t, h, http.MethodPost, base+"/user-input/"+raised.ID, answer, nil); code != http.StatusConflict {
		t.Fatalf("second answer code = %d", code)
	}
}
