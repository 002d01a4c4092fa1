package api

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"

	"boardsync/domain"
	"boardsync/realtime"
)

func newTestPresence(store Storage, rooms *realtime.Registry) *Presence {
	logger, _ := test.NewNullLogger()
	return NewPresence(store, rooms, logger)
}

func TestJoinCreatorGetsAdmin(t *testing.T) {
	store := newMemStore()
	store.boards["b1"] = domain.Board{ID: "b1", CreatorID: "u1", IsPublic: false}
	rooms := realtime.NewRegistry()
	presence := newTestPresence(store, rooms)
	conn := realtime.NewConnection(domain.User{ID: "u1", Username: "ann"}, nil)

	reply, err := presence.Join(context.Background(), conn, "b1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if reply.OK != 0 {
		t.Fatalf("expected ok reply, got %d", reply.OK)
	}
	if len(reply.Visitors) != 1 || reply.Visitors[0].Role != domain.RoleAdmin {
		t.Fatalf("unexpected visitors: %+v", reply.Visitors)
	}
	if reply.Visitors[0].RoleDesc != "Admin - full control" {
		t.Fatalf("unexpected role description: %s", reply.Visitors[0].RoleDesc)
	}
	if _, role, ok := rooms.RoomOf(conn); !ok || role != domain.RoleAdmin {
		t.Fatalf("room state not recorded, role=%v ok=%v", role, ok)
	}
}

func TestJoinMemberGetsMember(t *testing.T) {
	store := newMemStore()
	store.boards["b1"] = domain.Board{ID: "b1", CreatorID: "owner"}
	store.members["b1/u2"] = true
	rooms := realtime.NewRegistry()
	presence := newTestPresence(store, rooms)
	conn := realtime.NewConnection(domain.User{ID: "u2", Username: "bob"}, nil)

	reply, err := presence.Join(context.Background(), conn, "b1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if reply.Visitors[0].Role != domain.RoleMember {
		t.Fatalf("expected member role, got %s", reply.Visitors[0].Role)
	}
}

func TestJoinStrangerViewsPublicBoard(t *testing.T) {
	store := newMemStore()
	store.boards["b1"] = domain.Board{ID: "b1", CreatorID: "owner", IsPublic: true}
	rooms := realtime.NewRegistry()
	presence := newTestPresence(store, rooms)
	conn := realtime.NewConnection(domain.User{ID: "u3"}, nil)

	reply, err := presence.Join(context.Background(), conn, "b1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if reply.Visitors[0].Role != domain.RoleViewer {
		t.Fatalf("expected viewer role, got %s", reply.Visitors[0].Role)
	}
}

func TestJoinStrangerDeniedOnPrivateBoard(t *testing.T) {
	store := newMemStore()
	store.boards["b1"] = domain.Board{ID: "b1", CreatorID: "owner", IsPublic: false}
	rooms := realtime.NewRegistry()
	presence := newTestPresence(store, rooms)
	conn := realtime.NewConnection(domain.User{ID: "u3"}, nil)

	if _, err := presence.Join(context.Background(), conn, "b1"); !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("expected access denied, got %v", err)
	}
	if _, _, ok := rooms.RoomOf(conn); ok {
		t.Fatal("denied connection must not occupy a room")
	}
}

func TestJoinClosedBoardReadsAsAbsent(t *testing.T) {
	store := newMemStore()
	store.boards["b1"] = domain.Board{ID: "b1", CreatorID: "u1", IsClosed: true}
	rooms := realtime.NewRegistry()
	presence := newTestPresence(store, rooms)
	conn := realtime.NewConnection(domain.User{ID: "u1"}, nil)

	if _, err := presence.Join(context.Background(), conn, "b1"); !errors.Is(err, domain.ErrBoardNotFound) {
		t.Fatalf("expected board-not-found, got %v", err)
	}
}

func TestJoinUnknownBoard(t *testing.T) {
	store := newMemStore()
	rooms := realtime.NewRegistry()
	presence := newTestPresence(store, rooms)
	conn := realtime.NewConnection(domain.User{ID: "u1"}, nil)

	if _, err := presence.Join(context.Background(), conn, "nope"); !errors.Is(err, domain.ErrBoardNotFound) {
		t.Fatalf("expected board-not-found, got %v", err)
	}
}

func TestJoinSecondBoardMapsToAccessDenied(t *testing.T) {
	store := newMemStore()
	store.boards["b1"] = domain.Board{ID: "b1", CreatorID: "u1"}
	store.boards["b2"] = domain.Board{ID: "b2", CreatorID: "u1"}
	rooms := realtime.NewRegistry()
	presence := newTestPresence(store, rooms)
	conn := realtime.NewConnection(domain.User{ID: "u1"}, nil)

	if _, err := presence.Join(context.Background(), conn, "b1"); err != nil {
		t.Fatalf("join b1: %v", err)
	}
	if _, err := presence.Join(context.Background(), conn, "b2"); !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("expected access denied for second board, got %v", err)
	}
}

func TestRejoinKeepsSingleVisitor(t *testing.T) {
	store := newMemStore()
	store.boards["b1"] = domain.Board{ID: "b1", CreatorID: "u1"}
	rooms := realtime.NewRegistry()
	presence := newTestPresence(store, rooms)
	conn := realtime.NewConnection(domain.User{ID: "u1"}, nil)

	if _, err := presence.Join(context.Background(), conn, "b1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	reply, err := presence.Join(context.Background(), conn, "b1")
	if err != nil {
		t.Fatalf("re-join: %v", err)
	}
	if len(reply.Visitors) != 1 {
		t.Fatalf("expected single visitor after re-join, got %d", len(reply.Visitors))
	}
}

func TestVisitorListIsSorted(t *testing.T) {
	store := newMemStore()
	store.boards["b1"] = domain.Board{ID: "b1", CreatorID: "a", IsPublic: true}
	rooms := realtime.NewRegistry()
	presence := newTestPresence(store, rooms)

	for _, id := range []string{"c", "a", "b"} {
		conn := realtime.NewConnection(domain.User{ID: id, Username: id}, nil)
		if _, err := presence.Join(context.Background(), conn, "b1"); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
	}
	late := realtime.NewConnection(domain.User{ID: "d"}, nil)
	reply, err := presence.Join(context.Background(), late, "b1")
	if err != nil {
		t.Fatalf("join d: %v", err)
	}
	for i := 1; i < len(reply.Visitors); i++ {
		if reply.Visitors[i-1].ID > reply.Visitors[i].ID {
			t.Fatalf("visitors not sorted: %+v", reply.Visitors)
		}
	}
}

func TestLeaveWithoutJoinIsSafe(t *testing.T) {
	store := newMemStore()
	rooms := realtime.NewRegistry()
	presence := newTestPresence(store, rooms)
	conn := realtime.NewConnection(domain.User{ID: "u1"}, nil)

	presence.Leave(conn)
}
