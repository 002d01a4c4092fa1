package domain

import "github.com/bytedance/sonic"

// PatchRequest is a proposed field-level mutation. Original carries the
// value the client believes is current for every changed field; a mismatch
// against persisted state rejects the whole patch.
type PatchRequest struct {
	EntityID string                 `json:"id"`
	Changes  map[string]interface{} `json:"changes"`
	Original map[string]interface{} `json:"original,omitempty"`
}

// Delta is the applied portion of a patch, broadcast to the room instead of
// the whole entity.
type Delta struct {
	EntityID string                 `json:"id"`
	Changes  map[string]interface{} `json:"changes"`
}

// Activity records an accepted mutation for the fire-and-forget activity
// log queue.
type Activity struct {
	ID         string                 `json:"id"`
	BoardID    string                 `json:"boardId"`
	UserID     string                 `json:"userId"`
	EntityType string                 `json:"entityType"`
	EntityID   string                 `json:"entityId"`
	Action     string                 `json:"action"`
	Data       sonic.NoCopyRawMessage `json:"data,omitempty"`
	Timestamp  int64                  `json:"timestamp"`
}
