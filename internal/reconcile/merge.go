package reconcile

import (
	"sort"
	"time"

	"agent-session-sync/internal/model"
)

// DefaultDedupWindow 时钟偏差容忍窗口，边界不含。只是启发式，不保证精确一次
const DefaultDedupWindow = 10 * time.Second

// Merge 以服务端列表为基础，把尚未同步的乐观消息追加进去并按时间排序。
// 一条乐观消息最多匹配一条服务端消息，反之亦然
func Merge(local, server []model.ChatMessage, window time.Duration) []model.ChatMessage {
	out := make([]model.ChatMessage, 0, len(server)+len(local))
	out = append(out, server...)

	used := make([]bool, len(server))
	for _, m := range local {
		if !m.IsOptimistic() {
			continue
		}
		if idx := matchOptimistic(m, server, used, window); idx >= 0 {
			used[idx] = true
			continue
		}
		out = append(out, m)
	}

	SortByTime(out)
	return out
}

// matchOptimistic 在未被占用的候选里找时间最接近的一条
func matchOptimistic(local model.ChatMessage, candidates []model.ChatMessage, used []bool, window time.Duration) int {
	best := -1
	var bestDiff time.Duration
	for i, c := range candidates {
		if used != nil && used[i] {
			continue
		}
		if c.Role != local.Role || !c.Content.Equal(local.Content) {
			continue
		}
		diff := absDuration(c.Time().Sub(local.Time()))
		if diff >= window {
			continue
		}
		if best < 0 || diff < bestDiff {
			best = i
			bestDiff = diff
		}
	}
	return best
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// SortByTime 稳定排序，缺失时间戳按纪元 0 处理
func SortByTime(msgs []model.ChatMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Time().Before(msgs[j].Time())
	})
}

// Display 会话活跃且末尾是助手消息时，把它的展示状态强制为 streaming；不改存储的状态
func Display(msgs []model.ChatMessage, status model.SessionStatus) []model.ChatMessage {
	out := make([]model.ChatMessage, len(msgs))
	copy(out, msgs)
	if !status.IsActive() || len(out) == 0 {
		return out
	}
	last := len(out) - 1
	if out[last].Role == model.RoleAssistant {
		out[last].Status = model.MessageStreaming
	}
	return out
}
