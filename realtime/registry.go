package realtime

import (
	"errors"
	"sync"

	"github.com/bytedance/sonic"

	"boardsync/domain"
)

// ErrAlreadyJoined reports a join attempt while the connection occupies a
// different room. A connection is joined to at most one board at a time.
var ErrAlreadyJoined = errors.New("connection already joined to another board")

// Member is one participant of a room: a live connection plus the role
// derived for it when it joined.
type Member struct {
	Conn *Connection
	Role domain.Role
}

// Registry maps board ids to the set of currently connected participants.
// It is process-wide runtime state, rebuilt from live connections only, and
// owned by the server's top-level context so tests can run isolated
// instances.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]Member // boardID -> connID -> member
	joined map[string]string            // connID -> boardID
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:  make(map[string]map[string]Member),
		joined: make(map[string]string),
	}
}

// Join adds the connection to the board's room with the given role and
// returns a snapshot of all members, the joiner included. Re-joining the
// same board is idempotent (rejoined reports it) and refreshes the stored
// role; joining while in another room fails with ErrAlreadyJoined.
func (r *Registry) Join(boardID string, conn *Connection, role domain.Role) (members []Member, rejoined bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.joined[conn.ID]; ok {
		if current != boardID {
			return nil, false, ErrAlreadyJoined
		}
		rejoined = true
	}

	room := r.rooms[boardID]
	if room == nil {
		room = make(map[string]Member)
		r.rooms[boardID] = room
	}
	room[conn.ID] = Member{Conn: conn, Role: role}
	r.joined[conn.ID] = boardID

	return membersOf(room), rejoined, nil
}

// Leave removes the connection from whichever room it occupies and returns
// the board id it left. ok is false when the connection was roomless, which
// makes Leave safe to call for connections that never completed a join.
func (r *Registry) Leave(conn *Connection) (string, Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	boardID, ok := r.joined[conn.ID]
	if !ok {
		return "", Member{}, false
	}
	delete(r.joined, conn.ID)

	room := r.rooms[boardID]
	member := room[conn.ID]
	delete(room, conn.ID)
	if len(room) == 0 {
		delete(r.rooms, boardID)
	}
	return boardID, member, true
}

// RoomOf returns the board the connection is joined to and its role there.
func (r *Registry) RoomOf(conn *Connection) (string, domain.Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	boardID, ok := r.joined[conn.ID]
	if !ok {
		return "", "", false
	}
	member, ok := r.rooms[boardID][conn.ID]
	if !ok {
		return "", "", false
	}
	return boardID, member.Role, true
}

// Members returns a snapshot of the room's members.
func (r *Registry) Members(boardID string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return membersOf(r.rooms[boardID])
}

// Broadcast delivers an event frame to every live connection in the room,
// skipping excludeID when non-empty. Delivery is best-effort and
// at-most-once: connections that fail to accept the payload are skipped,
// never retried. Returns the number of connections the frame was handed to.
func (r *Registry) Broadcast(boardID, event string, data interface{}, excludeID string) int {
	payload, err := sonic.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		return 0
	}

	r.mu.RLock()
	room := r.rooms[boardID]
	conns := make([]*Connection, 0, len(room))
	for id, member := range room {
		if id == excludeID {
			continue
		}
		conns = append(conns, member.Conn)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, conn := range conns {
		if err := conn.Send(payload); err == nil {
			delivered++
		}
	}
	return delivered
}

func membersOf(room map[string]Member) []Member {
	members := make([]Member, 0, len(room))
	for _, m := range room {
		members = append(members, m)
	}
	return members
}
