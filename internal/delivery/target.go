package delivery

import (
	"encoding/json"
	"fmt"
)

// Target is the delivery context stored with each reminder.
type Target struct {
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
	// Direct sends to the subject's private chat instead of ChatID.
	Direct bool `json:"direct,omitempty"`
	// Name is the subject's display name, used when rendering {mention}.
	Name string `json:"name,omitempty"`
}

func (t Target) Encode() json.RawMessage {
	b, _ := json.Marshal(t)
	return b
}

func DecodeTarget(raw json.RawMessage) (Target, error) {
	var t Target
	if len(raw) == 0 {
		return t, fmt.Errorf("empty delivery context")
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("decode delivery context: %w", err)
	}
	if t.ChatID == 0 && !t.Direct {
		return t, fmt.Errorf("delivery context has no chat")
	}
	return t, nil
}
