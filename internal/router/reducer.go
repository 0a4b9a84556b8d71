package router

import (
	"encoding/json"
	"time"

	"agent-session-sync/internal/model"
)

// 以下都是纯函数：旧状态 + 事件载荷 -> 新状态，不修改入参

func ApplySnapshot(s model.Session, d model.SnapshotData) model.Session {
	out := model.Session{
		ID:       s.ID,
		Status:   model.NormalizeStatus(d.Status),
		Progress: model.ClampProgress(d.Progress),
		State:    d.State.Clone(),
		Title:    d.Title,
		Canceled: s.Canceled,
		Loaded:   true,
	}
	if d.Config != nil {
		out.Config = append(json.RawMessage(nil), d.Config...)
	}
	return out
}

// ApplyStatus 替换状态和进度，并只改写 state-patch 里的 current_step。
// 返回 false 表示状态迁移被状态格拒绝，此时进度和步骤也不更新
func ApplyStatus(s model.Session, d model.StatusData) (model.Session, bool) {
	next := model.NormalizeStatus(d.Status)
	if s.Canceled && next.IsActive() {
		return s, false
	}
	status, ok := model.AdvanceStatus(s.Status, next)
	if !ok {
		return s, false
	}

	out := s.Clone()
	out.Status = status
	if d.Progress != nil {
		out.Progress = model.ClampProgress(*d.Progress)
	}
	if d.CurrentStep != "" {
		out.State.CurrentStep = d.CurrentStep
	}
	return out, true
}

func ApplyTodos(s model.Session, d model.TodoData) model.Session {
	out := s.Clone()
	out.State.Todos = append([]model.Todo{}, d.Todos...)
	return out
}

func ApplyStatePatch(s model.Session, delta model.StatePatchDelta) model.Session {
	out := s.Clone()
	out.State = s.State.Merge(delta)
	return out
}

// ApplyOptimisticStatus 发送/取消流程的本地预写。force 只给取消用，可以绕过状态格
func ApplyOptimisticStatus(s model.Session, status model.SessionStatus, force bool) (model.Session, bool) {
	if !force {
		next, ok := model.AdvanceStatus(s.Status, status)
		if !ok {
			return s, false
		}
		status = next
	}
	out := s.Clone()
	out.Status = status
	return out, true
}

// PruneExpired 返回未过期请求的副本
func PruneExpired(requests []model.UserInputRequest, now time.Time) []model.UserInputRequest {
	out := make([]model.UserInputRequest, 0, len(requests))
	for _, r := range requests {
		if r.Expired(now) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func ReplaceFiles(files []model.WorkspaceFile) []model.WorkspaceFile {
	out := model.CloneFiles(files)
	if out == nil {
		out = []model.WorkspaceFile{}
	}
	return out
}

// PatchFileURL 按路径递归更新单个文件的 URL
func PatchFileURL(files []model.WorkspaceFile, filePath, url string) ([]model.WorkspaceFile, bool) {
	target := model.NormalizePath(filePath)
	out := model.CloneFiles(files)
	found := patchFileURL(out, target, url)
	return out, found
}

func patchFileURL(files []model.WorkspaceFile, target, url string) bool {
	for i := range files {
		if model.NormalizePath(files[i].Path) == target && !files[i].IsDir {
			files[i].URL = url
			return true
		}
		if len(files[i].Children) > 0 && patchFileURL(files[i].Children, target, url) {
			return true
		}
	}
	return false
}
