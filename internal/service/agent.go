package service

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"agent-session-sync/internal/model"
	"agent-session-sync/internal/storage"
	"agent-session-sync/pkg/logger"
)

// runStep 模拟执行中的一个节点
type runStep struct {
	name     string
	progress int
	apply    func(ctx context.Context, s *SessionService, run model.RunRecord, msg model.ChatMessage) error
}

var runSteps = []runStep{
	{name: "planning", progress: 10, apply: planTodos},
	{name: "tools", progress: 40, apply: reportTools},
	{name: "workspace", progress: 70, apply: writeWorkspace},
	{name: "responding", progress: 90, apply: respond},
}

// simulateRun 依次执行各节点。取消后直接返回，由 CancelSession 负责收尾
func (s *SessionService) simulateRun(ctx context.Context, run model.RunRecord, msg model.ChatMessage) {
	log := logger.WithSession(run.SessionID).WithField("run_id", run.ID)
	log.Info("run started")

	s.store.UpdateRun(run.SessionID, run.ID, func(r *model.RunRecord) {
		if !r.Status.IsTerminal() {
			r.Status = model.StatusRunning
		}
	})

	for _, step := range runSteps {
		if !s.sleep(ctx) || ctx.Err() != nil {
			log.Info("run canceled")
			return
		}
		if !s.setRunStatus(ctx, run.SessionID, model.StatusRunning, step.progress, step.name) {
			log.Info("run canceled")
			return
		}
		if err := step.apply(ctx, s, run, msg); err != nil {
			if ctx.Err() != nil {
				log.Info("run canceled")
				return
			}
			log.WithError(err).Warnf("run step %s failed", step.name)
			s.failRun(run, err)
			return
		}
	}

	if ctx.Err() != nil {
		log.Info("run canceled")
		return
	}

	usage := estimateUsage(msg)
	s.store.UpdateRun(run.SessionID, run.ID, func(r *model.RunRecord) {
		r.Status = model.StatusCompleted
		r.Usage = &usage
		r.FinishedAt = model.FormatTimestamp(s.now())
	})
	if !s.setRunStatus(ctx, run.SessionID, model.StatusCompleted, 100, "done") {
		log.Info("run canceled")
		return
	}
	log.Info("run completed")
}

func (s *SessionService) failRun(run model.RunRecord, cause error) {
	s.store.UpdateRun(run.SessionID, run.ID, func(r *model.RunRecord) {
		r.Status = model.StatusFailed
		r.FinishedAt = model.FormatTimestamp(s.now())
	})
	s.setStatus(run.SessionID, model.StatusFailed, -1, "failed")
	s.publish(run.SessionID, model.EventError, model.ErrorData{Code: "run_failed", Message: cause.Error()})
}

func (s *SessionService) sleep(ctx context.Context) bool {
	if s.agent.StepDelay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(s.agent.StepDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func planTodos(ctx context.Context, s *SessionService, run model.RunRecord, _ model.ChatMessage) error {
	todos := []model.Todo{
		{ID: "1", Content: "Read request", Status: "completed"},
		{ID: "2", Content: "Update workspace", Status: "in_progress"},
		{ID: "3", Content: "Reply", Status: "pending"},
	}
	if _, err := s.store.UpdateSession(run.SessionID, func(r *storage.SessionRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.State.Todos = todos
		return nil
	}); err != nil {
		return err
	}
	s.publish(run.SessionID, model.EventTodoUpdate, model.TodoData{Todos: todos})
	return nil
}

func reportTools(ctx context.Context, s *SessionService, run model.RunRecord, _ model.ChatMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.patchState(run.SessionID, map[string]interface{}{
		string(model.PatchMCPStatus): map[string]model.ToolStatus{
			"workspace": {Name: "workspace", Status: "ready"},
		},
	})
	return nil
}

// writeWorkspace 每次运行在工作区写一个以运行 id 命名的文件
func writeWorkspace(ctx context.Context, s *SessionService, run model.RunRecord, msg model.ChatMessage) error {
	files, err := s.store.GetFiles(run.SessionID)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("reply-%s.md", shortID(run.ID))
	file := model.WorkspaceFile{
		Path: path.Join("output", name),
		Name: name,
		Size: int64(len(msg.Content.PlainText())),
	}
	files = addToDir(files, "output", file)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.store.SetFiles(run.SessionID, files); err != nil {
		return err
	}

	s.patchState(run.SessionID, map[string]interface{}{
		string(model.PatchWorkspace): model.WorkspaceState{
			Root:      "/workspace",
			FileCount: countFiles(files),
			Summary:   "updated " + file.Path,
		},
	})
	s.publish(run.SessionID, model.EventWorkspaceFiles, model.WorkspaceFilesData{Files: files})
	return nil
}

func respond(ctx context.Context, s *SessionService, run model.RunRecord, msg model.ChatMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	reply, err := s.store.AddMessage(run.SessionID, model.ChatMessage{
		Role:      model.RoleAssistant,
		Content:   model.TextContent("Echo: " + strings.TrimSpace(msg.Content.PlainText())),
		Status:    model.MessageSent,
		Timestamp: model.FormatTimestamp(s.now()),
	})
	if err != nil {
		return err
	}
	s.publish(run.SessionID, model.EventMessageNew, reply)
	return nil
}

func estimateUsage(msg model.ChatMessage) model.Usage {
	words := len(strings.Fields(msg.Content.PlainText()))
	return model.Usage{InputTokens: words + 3, OutputTokens: words + 5}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func addToDir(files []model.WorkspaceFile, dir string, file model.WorkspaceFile) []model.WorkspaceFile {
	for i := range files {
		if files[i].IsDir && model.NormalizePath(files[i].Path) == dir {
			files[i].Children = append(files[i].Children, file)
			return files
		}
	}
	return append(files, model.WorkspaceFile{
		Path:     dir,
		Name:     dir,
		IsDir:    true,
		Children: []model.WorkspaceFile{file},
	})
}

func countFiles(files []model.WorkspaceFile) int {
	n := 0
	for _, f := range files {
		if f.IsDir {
			n += countFiles(f.Children)
			continue
		}
		n++
	}
	return n
}
