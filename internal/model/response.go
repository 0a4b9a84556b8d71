package model

type SendMessageResponse struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	RunID     string `json:"run_id"`
}

type SessionResponse struct {
	SessionID string `json:"session_id"`
	SnapshotData
}

type MessagesResponse struct {
	SessionID string        `json:"session_id"`
	Messages  []ChatMessage `json:"messages"`
}

type RunsResponse struct {
	SessionID string      `json:"session_id"`
	Runs      []RunRecord `json:"runs"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
