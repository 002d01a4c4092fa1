package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"

	"boardsync/domain"
	"boardsync/position"
	"boardsync/realtime"
)

// stubAuth treats the credential itself as the user id.
type stubAuth struct{}

func (stubAuth) Authenticate(_ context.Context, credential string) (domain.User, error) {
	if credential == "" {
		return domain.User{}, domain.ErrUnauthenticated
	}
	return domain.User{ID: credential, Username: credential}, nil
}

type wireFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func startSyncServer(t *testing.T, store Storage) (*httptest.Server, *ActivitySender) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	e := echo.New()
	sender := Register(e, store, stubAuth{}, realtime.NewRegistry(), nil, logger)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	t.Cleanup(sender.Close)
	return srv, sender
}

func dialSocket(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + userID
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial as %s: %v", userID, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) wireFrame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame wireFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return frame
}

func sendFrame(t *testing.T, ws *websocket.Conn, event string, data interface{}) {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{"event": event, "data": data})
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("send %s: %v", event, err)
	}
}

func TestSocketRejectsMissingToken(t *testing.T) {
	srv, _ := startSyncServer(t, newMemStore())

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake to fail without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestSocketJoinPatchBroadcastFlow(t *testing.T) {
	store := newMemStore()
	store.boards["b1"] = domain.Board{ID: "b1", CreatorID: "u1", IsPublic: true}
	store.seed(domain.EntityCard, "b1", "c1", map[string]interface{}{
		"title": "old", "listId": "l1", "order": position.Gap, "isArchived": false,
	})
	srv, _ := startSyncServer(t, store)

	first := dialSocket(t, srv, "u1")
	if frame := readFrame(t, first); frame.Event != "connected" {
		t.Fatalf("expected connected, got %s", frame.Event)
	}
	sendFrame(t, first, "join-board", map[string]string{"boardId": "b1"})
	joined := readFrame(t, first)
	if joined.Event != domain.EventJoinedBoard {
		t.Fatalf("expected joined-board, got %s", joined.Event)
	}
	var reply domain.JoinedBoard
	if err := json.Unmarshal(joined.Data, &reply); err != nil {
		t.Fatalf("decode join reply: %v", err)
	}
	if reply.OK != 0 || len(reply.Visitors) != 1 || reply.Visitors[0].Role != domain.RoleAdmin {
		t.Fatalf("unexpected join reply: %+v", reply)
	}

	second := dialSocket(t, srv, "u2")
	if frame := readFrame(t, second); frame.Event != "connected" {
		t.Fatalf("expected connected, got %s", frame.Event)
	}
	sendFrame(t, second, "join-board", map[string]string{"boardId": "b1"})
	if frame := readFrame(t, second); frame.Event != domain.EventJoinedBoard {
		t.Fatalf("expected joined-board, got %s", frame.Event)
	}
	if frame := readFrame(t, first); frame.Event != domain.EventPresenceJoined {
		t.Fatalf("expected presence-joined at first client, got %s", frame.Event)
	}

	sendFrame(t, first, "card:patch", domain.PatchRequest{
		EntityID: "c1",
		Changes:  map[string]interface{}{"title": "new"},
		Original: map[string]interface{}{"title": "old"},
	})
	if frame := readFrame(t, first); frame.Event != "ok" {
		t.Fatalf("expected ok reply, got %s", frame.Event)
	}
	patched := readFrame(t, second)
	if patched.Event != "card:patched" {
		t.Fatalf("expected card:patched at second client, got %s", patched.Event)
	}
	var delta domain.Delta
	if err := json.Unmarshal(patched.Data, &delta); err != nil {
		t.Fatalf("decode delta: %v", err)
	}
	if delta.EntityID != "c1" || delta.Changes["title"] != "new" {
		t.Fatalf("unexpected delta: %+v", delta)
	}
	if got := store.field(domain.EntityCard, "b1", "c1", "title"); got != "new" {
		t.Fatalf("patch not persisted, got %v", got)
	}
}

func TestSocketConflictReply(t *testing.T) {
	store := newMemStore()
	store.boards["b1"] = domain.Board{ID: "b1", CreatorID: "u1"}
	store.seed(domain.EntityCard, "b1", "c1", map[string]interface{}{
		"title": "theirs", "listId": "l1", "order": position.Gap,
	})
	srv, _ := startSyncServer(t, store)

	ws := dialSocket(t, srv, "u1")
	readFrame(t, ws) // connected
	sendFrame(t, ws, "join-board", map[string]string{"boardId": "b1"})
	readFrame(t, ws) // joined-board

	sendFrame(t, ws, "card:patch", domain.PatchRequest{
		EntityID: "c1",
		Changes:  map[string]interface{}{"title": "mine"},
		Original: map[string]interface{}{"title": "stale"},
	})
	frame := readFrame(t, ws)
	if frame.Event != "conflict" {
		t.Fatalf("expected conflict reply, got %s", frame.Event)
	}
	var failure errorReply
	if err := json.Unmarshal(frame.Data, &failure); err != nil {
		t.Fatalf("decode failure: %v", err)
	}
	if failure.Event != "card:patch" || failure.EntityID != "c1" {
		t.Fatalf("unexpected failure payload: %+v", failure)
	}
}

func TestSocketPresenceLeftOnDisconnect(t *testing.T) {
	store := newMemStore()
	store.boards["b1"] = domain.Board{ID: "b1", CreatorID: "u1", IsPublic: true}
	srv, _ := startSyncServer(t, store)

	first := dialSocket(t, srv, "u1")
	readFrame(t, first) // connected
	sendFrame(t, first, "join-board", map[string]string{"boardId": "b1"})
	readFrame(t, first) // joined-board

	second := dialSocket(t, srv, "u2")
	readFrame(t, second) // connected
	sendFrame(t, second, "join-board", map[string]string{"boardId": "b1"})
	readFrame(t, second) // joined-board
	readFrame(t, first)  // presence-joined

	second.Close()
	frame := readFrame(t, first)
	if frame.Event != domain.EventPresenceLeft {
		t.Fatalf("expected presence-left, got %s", frame.Event)
	}
	var presence domain.Presence
	if err := json.Unmarshal(frame.Data, &presence); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	if presence.ID != "u2" || presence.BoardID != "b1" {
		t.Fatalf("unexpected presence payload: %+v", presence)
	}
}

func TestSocketMalformedFrame(t *testing.T) {
	srv, _ := startSyncServer(t, newMemStore())

	ws := dialSocket(t, srv, "u1")
	readFrame(t, ws) // connected

	if err := ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if frame := readFrame(t, ws); frame.Event != "bad-request" {
		t.Fatalf("expected bad-request, got %s", frame.Event)
	}

	sendFrame(t, ws, "card:upsert", map[string]string{})
	if frame := readFrame(t, ws); frame.Event != "bad-request" {
		t.Fatalf("expected bad-request for unknown op, got %s", frame.Event)
	}
}
