package domain

// Board is the shared container for lists. Boards are soft-closed, never
// physically removed.
type Board struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	IsPublic    bool   `json:"isPublic"`
	IsClosed    bool   `json:"isClosed"`
	CreatorID   string `json:"creatorId"`
}

// List is an ordered column of cards under a board. Order is a fractional
// position key, unique among active siblings but not contiguous.
type List struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	BoardID    string  `json:"boardId"`
	Order      float64 `json:"order"`
	IsArchived bool    `json:"isArchived,omitempty"`
}

// Card is a single board item under a list. Same ordering semantics as List,
// one level deeper.
type Card struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	ListID     string  `json:"listId"`
	Order      float64 `json:"order"`
	IsArchived bool    `json:"isArchived,omitempty"`
}

// User is the identity resolved for a connection at authentication time.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// Attachment is file metadata hanging off a card. The file bytes live in an
// external store; deleting an attachment removes the file as a dependent
// step.
type Attachment struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Path       string `json:"path"`
	CardID     string `json:"cardId"`
	UploaderID string `json:"uploaderId"`
}

// Entity type names accepted on the socket surface.
const (
	EntityBoard      = "board"
	EntityList       = "list"
	EntityCard       = "card"
	EntityAttachment = "attachment"
)

// ValidEntityType reports whether t names a patchable entity.
func ValidEntityType(t string) bool {
	switch t {
	case EntityBoard, EntityList, EntityCard, EntityAttachment:
		return true
	}
	return false
}
