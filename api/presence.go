package api

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/realtime"
)

// Presence admits connections into board rooms and announces arrivals and
// departures. Roles are derived fresh on every join, never cached on the
// connection.
type Presence struct {
	store   Storage
	rooms   *realtime.Registry
	logger  *log.Logger
	timeout time.Duration
}

// NewPresence creates a Presence coordinator.
func NewPresence(store Storage, rooms *realtime.Registry, logger *log.Logger) *Presence {
	return &Presence{
		store:   store,
		rooms:   rooms,
		logger:  logger,
		timeout: envDur("JOIN_TIMEOUT", 10*time.Second),
	}
}

// Join admits the connection to the board's room. The reply carries the
// full visitor list, the joiner included. Re-joining the same board is
// idempotent and does not re-announce presence; a closed board reads as
// absent.
func (p *Presence) Join(ctx context.Context, conn *realtime.Connection, boardID string) (domain.JoinedBoard, error) {
	if boardID == "" {
		return domain.JoinedBoard{}, fmt.Errorf("%w: boardId required", errBadRequest)
	}

	opCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	board, err := p.store.GetBoard(opCtx, boardID)
	if err != nil {
		return domain.JoinedBoard{}, mapTimeout(err)
	}
	if board.IsClosed {
		return domain.JoinedBoard{}, domain.ErrBoardNotFound
	}

	isMember, err := p.store.IsBoardMember(opCtx, boardID, conn.User.ID)
	if err != nil {
		return domain.JoinedBoard{}, mapTimeout(err)
	}
	role := domain.DeriveRole(conn.User.ID, board, isMember)
	if !board.IsPublic && role == domain.RoleViewer {
		return domain.JoinedBoard{}, domain.ErrAccessDenied
	}

	members, rejoined, err := p.rooms.Join(boardID, conn, role)
	if err != nil {
		if errors.Is(err, realtime.ErrAlreadyJoined) {
			return domain.JoinedBoard{}, fmt.Errorf("%w: leave the current board first", domain.ErrAccessDenied)
		}
		return domain.JoinedBoard{}, err
	}

	visitors := make([]domain.Visitor, 0, len(members))
	for _, m := range members {
		visitors = append(visitors, domain.Visitor{
			ID:       m.Conn.User.ID,
			Username: m.Conn.User.Username,
			Role:     m.Role,
			RoleDesc: m.Role.Desc(),
		})
	}
	sort.Slice(visitors, func(i, j int) bool { return visitors[i].ID < visitors[j].ID })

	if !rejoined {
		p.rooms.Broadcast(boardID, domain.EventPresenceJoined, domain.Presence{
			ID:       conn.User.ID,
			Username: conn.User.Username,
			Role:     role,
			BoardID:  boardID,
		}, conn.ID)
		if p.logger != nil {
			p.logger.WithFields(log.Fields{"board": boardID, "user": conn.User.ID, "role": role}).Info("presence joined")
		}
	}

	return domain.JoinedBoard{OK: 0, Visitors: visitors}, nil
}

// Leave removes the connection from its room and announces the departure.
// Safe for connections that never completed a join.
func (p *Presence) Leave(conn *realtime.Connection) {
	boardID, member, ok := p.rooms.Leave(conn)
	if !ok {
		return
	}
	p.rooms.Broadcast(boardID, domain.EventPresenceLeft, domain.Presence{
		ID:       conn.User.ID,
		Username: conn.User.Username,
		Role:     member.Role,
		BoardID:  boardID,
	}, "")
	if p.logger != nil {
		p.logger.WithFields(log.Fields{"board": boardID, "user": conn.User.ID}).Info("presence left")
	}
}
