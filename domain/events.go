package domain

// Room event names. Entity CRUD events are derived from the entity type so
// clients can subscribe per model.
const (
	EventJoinedBoard    = "joined-board"
	EventPresenceJoined = "presence-joined"
	EventPresenceLeft   = "presence-left"
)

// PatchedEvent names the room event for an applied patch on entityType.
func PatchedEvent(entityType string) string { return entityType + ":patched" }

// CreatedEvent names the room event for a created entity.
func CreatedEvent(entityType string) string { return entityType + ":created" }

// DeletedEvent names the room event for a deleted entity.
func DeletedEvent(entityType string) string { return entityType + ":deleted" }

// Presence is the payload of presence-joined and presence-left events.
type Presence struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Role     Role   `json:"role"`
	BoardID  string `json:"boardId"`
}

// JoinedBoard is the reply to a join-board request. OK follows the original
// wire contract: 0 means success.
type JoinedBoard struct {
	OK       int       `json:"ok"`
	Visitors []Visitor `json:"visitors,omitempty"`
	Message  string    `json:"message,omitempty"`
}
