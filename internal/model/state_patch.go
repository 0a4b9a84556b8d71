package model

import (
	"encoding/json"
	"fmt"
	"sort"
)

type PatchKind string

const (
	PatchTodos       PatchKind = "todos"
	PatchMCPStatus   PatchKind = "mcp_status"
	PatchWorkspace   PatchKind = "workspace_state"
	PatchCurrentStep PatchKind = "current_step"
)

type Todo struct {
	ID      string `json:"id" yaml:"id"`
	Content string `json:"content" yaml:"content"`
	Status  string `json:"status" yaml:"status"`
}

type ToolStatus struct {
	Name   string `json:"name" yaml:"name"`
	Status string `json:"status" yaml:"status"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`
}

type WorkspaceState struct {
	Root      string `json:"root,omitempty" yaml:"root,omitempty"`
	FileCount int    `json:"file_count" yaml:"file_count"`
	Summary   string `json:"summary,omitempty" yaml:"summary,omitempty"`
}

// StatePatch 会话的可合并子状态，只包含已知的几类字段
type StatePatch struct {
	Todos       []Todo                `json:"todos,omitempty" yaml:"todos,omitempty"`
	MCPStatus   map[string]ToolStatus `json:"mcp_status,omitempty" yaml:"mcp_status,omitempty"`
	Workspace   *WorkspaceState       `json:"workspace_state,omitempty" yaml:"workspace_state,omitempty"`
	CurrentStep string                `json:"current_step,omitempty" yaml:"current_step,omitempty"`
}

func (p StatePatch) Clone() StatePatch {
	out := StatePatch{CurrentStep: p.CurrentStep}
	if p.Todos != nil {
		out.Todos = append([]Todo(nil), p.Todos...)
	}
	if p.MCPStatus != nil {
		out.MCPStatus = make(map[string]ToolStatus, len(p.MCPStatus))
		for k, v := range p.MCPStatus {
			out.MCPStatus[k] = v
		}
	}
	if p.Workspace != nil {
		ws := *p.Workspace
		out.Workspace = &ws
	}
	return out
}

// StatePatchDelta 一次增量，nil 字段表示本次没有出现
type StatePatchDelta struct {
	Todos       *[]Todo
	MCPStatus   map[string]ToolStatus
	Workspace   *WorkspaceState
	CurrentStep *string
}

func (d StatePatchDelta) Empty() bool {
	return d.Todos == nil && d.MCPStatus == nil && d.Workspace == nil && d.CurrentStep == nil
}

// DecodeStatePatchDelta 解析任意对象形式的增量。未知键不合并，原样返回给调用方记录
func DecodeStatePatchDelta(raw json.RawMessage) (StatePatchDelta, []string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return StatePatchDelta{}, nil, fmt.Errorf("decode state patch: %w", err)
	}

	var delta StatePatchDelta
	var unknown []string
	for key, value := range fields {
		switch PatchKind(key) {
		case PatchTodos:
			var todos []Todo
			if err := json.Unmarshal(value, &todos); err != nil {
				return StatePatchDelta{}, nil, fmt.Errorf("decode %s: %w", key, err)
			}
			delta.Todos = &todos
		case PatchMCPStatus:
			statuses := map[string]ToolStatus{}
			if err := json.Unmarshal(value, &statuses); err != nil {
				return StatePatchDelta{}, nil, fmt.Errorf("decode %s: %w", key, err)
			}
			delta.MCPStatus = statuses
		case PatchWorkspace:
			var ws WorkspaceState
			if err := json.Unmarshal(value, &ws); err != nil {
				return StatePatchDelta{}, nil, fmt.Errorf("decode %s: %w", key, err)
			}
			delta.Workspace = &ws
		case PatchCurrentStep:
			var step string
			if err := json.Unmarshal(value, &step); err != nil {
				return StatePatchDelta{}, nil, fmt.Errorf("decode %s: %w", key, err)
			}
			delta.CurrentStep = &step
		default:
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return delta, unknown, nil
}

// Merge 每类字段各自的合并规则：todos/workspace/current_step 整体替换，mcp_status 按服务名后写覆盖
func (p StatePatch) Merge(d StatePatchDelta) StatePatch {
	out := p.Clone()
	if d.Todos != nil {
		out.Todos = append([]Todo{}, (*d.Todos)...)
	}
	if d.MCPStatus != nil {
		if out.MCPStatus == nil {
			out.MCPStatus = make(map[string]ToolStatus, len(d.MCPStatus))
		}
		for name, st := range d.MCPStatus {
			out.MCPStatus[name] = st
		}
	}
	if d.Workspace != nil {
		ws := *d.Workspace
		out.Workspace = &ws
	}
	if d.CurrentStep != nil {
		out.CurrentStep = *d.CurrentStep
	}
	return out
}
