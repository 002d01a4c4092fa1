package api

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"

	"boardsync/domain"
	"boardsync/realtime"
	"boardsync/storage"
)

// memStore is an in-memory Storage for tests. Entities are keyed by
// type/board/id; Siblings mirrors the production query semantics including
// the archived filter and the card listId scope.
type memStore struct {
	mu         sync.Mutex
	boards     map[string]domain.Board
	users      map[string]domain.User
	members    map[string]bool
	entities   map[string]map[string]interface{}
	activities []domain.Activity
	rebalances int
	loadErr    error
	mergeErr   error
}

func newMemStore() *memStore {
	return &memStore{
		boards:   make(map[string]domain.Board),
		users:    make(map[string]domain.User),
		members:  make(map[string]bool),
		entities: make(map[string]map[string]interface{}),
	}
}

func entityKey(entityType, boardID, entityID string) string {
	return entityType + "/" + boardID + "/" + entityID
}

func (m *memStore) seed(entityType, boardID, entityID string, fields map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	m.entities[entityKey(entityType, boardID, entityID)] = copied
}

func (m *memStore) field(entityType, boardID, entityID, field string) interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	fields, ok := m.entities[entityKey(entityType, boardID, entityID)]
	if !ok {
		return nil
	}
	return fields[field]
}

func (m *memStore) GetBoard(_ context.Context, boardID string) (domain.Board, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	board, ok := m.boards[boardID]
	if !ok {
		return domain.Board{}, domain.ErrBoardNotFound
	}
	return board, nil
}

func (m *memStore) GetUser(_ context.Context, userID string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return domain.User{}, domain.ErrIdentityResolutionFailed
	}
	return user, nil
}

func (m *memStore) IsBoardMember(_ context.Context, boardID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.members[boardID+"/"+userID], nil
}

func (m *memStore) LoadFields(_ context.Context, entityType, boardID, entityID string) (map[string]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	fields, ok := m.entities[entityKey(entityType, boardID, entityID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return copied, nil
}

func (m *memStore) MergeFields(_ context.Context, entityType, boardID, entityID string, changes map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mergeErr != nil {
		return m.mergeErr
	}
	fields, ok := m.entities[entityKey(entityType, boardID, entityID)]
	if !ok {
		return storage.ErrNotFound
	}
	for k, v := range changes {
		fields[k] = v
	}
	return nil
}

func (m *memStore) Insert(_ context.Context, entityType, boardID, entityID string, fields map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	m.entities[entityKey(entityType, boardID, entityID)] = copied
	return nil
}

func (m *memStore) Delete(_ context.Context, entityType, boardID, entityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entities, entityKey(entityType, boardID, entityID))
	return nil
}

func (m *memStore) Siblings(_ context.Context, entityType, boardID, parentID string) ([]storage.Sibling, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := entityType + "/" + boardID + "/"
	var siblings []storage.Sibling
	for key, fields := range m.entities {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if archived, _ := fields["isArchived"].(bool); archived {
			continue
		}
		if entityType == domain.EntityCard {
			if listID, _ := fields["listId"].(string); listID != parentID {
				continue
			}
		}
		order, _ := fields["order"].(float64)
		siblings = append(siblings, storage.Sibling{ID: strings.TrimPrefix(key, prefix), Order: order})
	}
	sort.Slice(siblings, func(i, j int) bool { return siblings[i].Order < siblings[j].Order })
	return siblings, nil
}

func (m *memStore) RebalanceSiblings(_ context.Context, entityType, boardID string, siblings []storage.Sibling) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebalances++
	for _, sib := range siblings {
		if fields, ok := m.entities[entityKey(entityType, boardID, sib.ID)]; ok {
			fields["order"] = sib.Order
		}
	}
	return nil
}

func (m *memStore) EnqueueActivity(_ context.Context, act domain.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activities = append(m.activities, act)
	return nil
}

func newTestBroker(store Storage, rooms *realtime.Registry) *Broker {
	logger, _ := test.NewNullLogger()
	return NewBroker(store, rooms, nil, nil, logger)
}

func joinedConn(t *testing.T, rooms *realtime.Registry, boardID, userID string, role domain.Role) *realtime.Connection {
	t.Helper()
	conn := realtime.NewConnection(domain.User{ID: userID, Username: userID}, nil)
	if _, _, err := rooms.Join(boardID, conn, role); err != nil {
		t.Fatalf("join %s to %s: %v", userID, boardID, err)
	}
	return conn
}
