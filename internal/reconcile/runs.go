package reconcile

import (
	"strconv"

	"agent-session-sync/internal/model"
)

// ConfirmedTurns 从运行记录构造已确认用户消息 id 白名单
func ConfirmedTurns(runs []model.RunRecord) []int64 {
	seen := make(map[int64]bool, len(runs))
	ids := make([]int64, 0, len(runs))
	for _, r := range runs {
		if r.UserMessageID <= 0 || seen[r.UserMessageID] {
			continue
		}
		seen[r.UserMessageID] = true
		ids = append(ids, r.UserMessageID)
	}
	return ids
}

// AttachUsage 把每轮的用量挂到发起它的用户消息上
func AttachUsage(msgs []model.ChatMessage, runs []model.RunRecord) []model.ChatMessage {
	usage := make(map[string]*model.Usage, len(runs))
	for _, r := range runs {
		if r.Usage == nil || r.UserMessageID <= 0 {
			continue
		}
		u := *r.Usage
		usage[strconv.FormatInt(r.UserMessageID, 10)] = &u
	}

	out := make([]model.ChatMessage, len(msgs))
	copy(out, msgs)
	for i := range out {
		if u, ok := usage[out[i].ID]; ok && out[i].Role == model.RoleUser {
			out[i].Usage = u
		}
	}
	return out
}
