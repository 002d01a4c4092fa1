package api

import (
	"context"
	"errors"

	"github.com/bytedance/sonic"

	"boardsync/domain"
	"boardsync/session"
	"boardsync/storage"
)

// errBadRequest marks client input the server refuses to interpret. It is
// reported on the wire as "bad-request" rather than one of the domain codes.
var errBadRequest = errors.New("bad request")

// Storage is the persistence surface the sync core consumes: board and
// identity lookups, per-entity atomic reads and merges, sibling-range
// queries and the activity queue.
type Storage interface {
	GetBoard(ctx context.Context, boardID string) (domain.Board, error)
	GetUser(ctx context.Context, userID string) (domain.User, error)
	IsBoardMember(ctx context.Context, boardID, userID string) (bool, error)
	LoadFields(ctx context.Context, entityType, boardID, entityID string) (map[string]interface{}, error)
	MergeFields(ctx context.Context, entityType, boardID, entityID string, changes map[string]interface{}) error
	Insert(ctx context.Context, entityType, boardID, entityID string, fields map[string]interface{}) error
	Delete(ctx context.Context, entityType, boardID, entityID string) error
	Siblings(ctx context.Context, entityType, boardID, parentID string) ([]storage.Sibling, error)
	RebalanceSiblings(ctx context.Context, entityType, boardID string, siblings []storage.Sibling) error
	EnqueueActivity(ctx context.Context, act domain.Activity) error
}

// SessionLoader resolves opaque session identifiers to live session records.
type SessionLoader interface {
	Load(ctx context.Context, sid string) (session.Record, error)
}

// Authenticator resolves a transport credential into an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (domain.User, error)
}

// FileRemover deletes externally stored attachment payloads.
type FileRemover interface {
	Remove(ctx context.Context, path string) error
}

// inboundFrame is one client request read off the socket.
type inboundFrame struct {
	Event string                 `json:"event"`
	Data  sonic.NoCopyRawMessage `json:"data,omitempty"`
}

type joinRequest struct {
	BoardID string `json:"boardId"`
}

type deleteRequest struct {
	EntityID string `json:"id"`
}

// errorReply is the data of a failure reply. The event name of the frame
// carries the wire code; Event here echoes the request that failed.
type errorReply struct {
	Event    string `json:"event"`
	EntityID string `json:"id,omitempty"`
	Message  string `json:"message,omitempty"`
}

// ackReply is the data of an "ok" reply.
type ackReply struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}
