package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/realtime"
)

const (
	socketReadLimit = 64 << 10
	pongWait        = 60 * time.Second
)

type socketServer struct {
	auth     Authenticator
	presence *Presence
	broker   *Broker
	logger   *log.Logger
	upgrader websocket.Upgrader
}

func newSocketServer(auth Authenticator, presence *Presence, broker *Broker, logger *log.Logger) *socketServer {
	return &socketServer{
		auth:     auth,
		presence: presence,
		broker:   broker,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin checks are enforced by the CORS middleware in front.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// handle authenticates the handshake, upgrades to a websocket and pumps
// inbound frames until the connection dies. Departure announcements run on
// every exit path, joined or not.
func (s *socketServer) handle(c echo.Context) error {
	user, err := s.auth.Authenticate(c.Request().Context(), credentialFromRequest(c.Request()))
	if err != nil {
		return c.String(http.StatusUnauthorized, domain.ErrorCode(err))
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the failure response.
		return nil
	}

	conn := realtime.NewConnection(user, ws)
	conn.Start()
	defer func() {
		s.presence.Leave(conn)
		conn.Close(websocket.CloseNormalClosure, "session ended")
	}()

	ws.SetReadLimit(socketReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	_ = conn.SendEvent("connected", domain.User{ID: user.ID, Username: user.Username})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) && s.logger != nil {
				s.logger.WithFields(log.Fields{"user": user.ID, "err": err}).Debug("socket read ended")
			}
			return nil
		}
		var frame inboundFrame
		if err := sonic.Unmarshal(data, &frame); err != nil || frame.Event == "" {
			_ = conn.SendEvent("bad-request", errorReply{Message: "malformed frame"})
			continue
		}
		s.dispatch(conn, frame)
	}
}

// dispatch routes one inbound frame. Mutations run on a background context
// so they survive a disconnect mid-write.
func (s *socketServer) dispatch(conn *realtime.Connection, frame inboundFrame) {
	ctx := context.Background()

	if frame.Event == "join-board" {
		var jr joinRequest
		if len(frame.Data) > 0 {
			if err := sonic.Unmarshal(frame.Data, &jr); err != nil {
				_ = conn.SendEvent(domain.EventJoinedBoard, domain.JoinedBoard{OK: 1, Message: "bad-request"})
				return
			}
		}
		reply, err := s.presence.Join(ctx, conn, jr.BoardID)
		if err != nil {
			_ = conn.SendEvent(domain.EventJoinedBoard, domain.JoinedBoard{OK: 1, Message: errCode(err)})
			return
		}
		_ = conn.SendEvent(domain.EventJoinedBoard, reply)
		return
	}

	entityType, op, found := strings.Cut(frame.Event, ":")
	if !found {
		_ = conn.SendEvent("bad-request", errorReply{Event: frame.Event, Message: "unknown event"})
		return
	}

	switch op {
	case "patch":
		var req domain.PatchRequest
		if err := sonic.Unmarshal(frame.Data, &req); err != nil {
			s.replyErr(conn, frame.Event, "", fmt.Errorf("%w: malformed patch", errBadRequest))
			return
		}
		delta, err := s.broker.Apply(ctx, conn, entityType, req)
		if err != nil {
			s.replyErr(conn, frame.Event, req.EntityID, err)
			return
		}
		s.replyOK(conn, frame.Event, delta)
	case "create":
		var fields map[string]interface{}
		if err := sonic.Unmarshal(frame.Data, &fields); err != nil {
			s.replyErr(conn, frame.Event, "", fmt.Errorf("%w: malformed create", errBadRequest))
			return
		}
		created, err := s.broker.Create(ctx, conn, entityType, fields)
		if err != nil {
			s.replyErr(conn, frame.Event, "", err)
			return
		}
		s.replyOK(conn, frame.Event, created)
	case "delete":
		var req deleteRequest
		if err := sonic.Unmarshal(frame.Data, &req); err != nil {
			s.replyErr(conn, frame.Event, "", fmt.Errorf("%w: malformed delete", errBadRequest))
			return
		}
		if err := s.broker.Delete(ctx, conn, entityType, req.EntityID); err != nil {
			s.replyErr(conn, frame.Event, req.EntityID, err)
			return
		}
		s.replyOK(conn, frame.Event, deleteRequest{EntityID: req.EntityID})
	default:
		_ = conn.SendEvent("bad-request", errorReply{Event: frame.Event, Message: "unknown event"})
	}
}

func (s *socketServer) replyOK(conn *realtime.Connection, reqEvent string, data interface{}) {
	_ = conn.SendEvent("ok", ackReply{Event: reqEvent, Data: data})
}

func (s *socketServer) replyErr(conn *realtime.Connection, reqEvent, entityID string, err error) {
	code := errCode(err)
	if code == "internal" && s.logger != nil {
		s.logger.WithFields(log.Fields{"event": reqEvent, "err": err}).Error("mutation failed")
	}
	_ = conn.SendEvent(code, errorReply{Event: reqEvent, EntityID: entityID, Message: err.Error()})
}
