package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"boardsync/realtime"
)

// Register wires the sync surface on the provided Echo instance and returns
// the activity sender so the caller can drain it on shutdown. files may be
// nil when no attachment store is configured; attachment deletes then skip
// file cleanup.
func Register(e *echo.Echo, store Storage, auth Authenticator, rooms *realtime.Registry, files FileRemover, logger *log.Logger) *ActivitySender {
	activity := NewActivitySender(store, logger)
	presence := NewPresence(store, rooms, logger)
	broker := NewBroker(store, rooms, files, activity, logger)
	server := newSocketServer(auth, presence, broker, logger)

	e.GET("/ws", server.handle)
	e.GET("/healthz", healthz(store))

	return activity
}

func healthz(_ Storage) echo.HandlerFunc {
	return func(c echo.Context) error {
		//TODO: implement healthcheck
		return c.NoContent(http.StatusOK)
	}
}
