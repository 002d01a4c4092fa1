package domain

// Role is a derived permission tier, computed per board at join time and
// never stored on the participant.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

// Desc returns the human-readable description shown in visitor lists.
func (r Role) Desc() string {
	switch r {
	case RoleAdmin:
		return "Admin - full control"
	case RoleMember:
		return "Member - full control"
	default:
		return "Viewer - view only"
	}
}

// CanWrite reports whether the role permits entity mutations.
func (r Role) CanWrite() bool {
	return r == RoleAdmin || r == RoleMember
}

// DeriveRole computes the role of userID on board. isMember reflects the
// board's membership relation, looked up fresh on every join.
func DeriveRole(userID string, board Board, isMember bool) Role {
	if userID == board.CreatorID {
		return RoleAdmin
	}
	if isMember {
		return RoleMember
	}
	return RoleViewer
}

// Visitor is one live participant as reported to a joining connection.
type Visitor struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Role     Role   `json:"role"`
	RoleDesc string `json:"roleDesc,omitempty"`
}
