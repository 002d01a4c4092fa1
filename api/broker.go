package api

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/position"
	"boardsync/realtime"
	"boardsync/storage"
)

// Broker serializes mutations per entity and order allocation per sibling
// parent, enforces the optimistic concurrency contract and fans accepted
// deltas out to the room. Writes run
// on a context detached from the connection so a disconnect mid-operation
// never leaves a half-applied patch.
type Broker struct {
	store    Storage
	rooms    *realtime.Registry
	files    FileRemover
	activity *ActivitySender
	logger   *log.Logger
	locks    keyedMutex
	timeout  time.Duration
}

// NewBroker creates a Broker. files may be nil when no attachment store is
// configured.
func NewBroker(store Storage, rooms *realtime.Registry, files FileRemover, activity *ActivitySender, logger *log.Logger) *Broker {
	return &Broker{
		store:    store,
		rooms:    rooms,
		files:    files,
		activity: activity,
		logger:   logger,
		timeout:  envDur("MUTATION_TIMEOUT", 15*time.Second),
	}
}

// Apply validates and persists a field-level patch, then broadcasts the
// applied delta to everyone in the room except the originator. An "order"
// change carries the target index among active siblings; the server
// allocates the actual position key.
func (b *Broker) Apply(ctx context.Context, conn *realtime.Connection, entityType string, req domain.PatchRequest) (delta domain.Delta, err error) {
	metrics, ctx := newPatchMetrics(ctx, b.logger, entityType, "patch")
	defer func() {
		metrics.Log(errCode(err), err)
	}()

	boardID, role, ok := b.rooms.RoomOf(conn)
	if !ok {
		metrics.SetErrorStage("room")
		return domain.Delta{}, fmt.Errorf("%w: join a board first", domain.ErrAccessDenied)
	}
	hooks, valid := hooksFor(entityType)
	if !valid || req.EntityID == "" {
		metrics.SetErrorStage("validate")
		return domain.Delta{}, fmt.Errorf("%w: invalid patch target", errBadRequest)
	}
	if entityType == domain.EntityBoard && req.EntityID != boardID {
		metrics.SetErrorStage("validate")
		return domain.Delta{}, domain.ErrPermissionDenied
	}
	if !role.CanWrite() {
		metrics.SetErrorStage("role")
		return domain.Delta{}, domain.ErrPermissionDenied
	}
	if len(req.Changes) == 0 {
		metrics.SetErrorStage("validate")
		return domain.Delta{}, fmt.Errorf("%w: empty changes", errBadRequest)
	}

	unlock := b.locks.lock(entityType + "/" + req.EntityID)
	defer unlock()

	opCtx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	loadStart := time.Now()
	current, err := b.store.LoadFields(opCtx, entityType, boardID, req.EntityID)
	metrics.ObserveLoad(time.Since(loadStart))
	if err != nil {
		metrics.SetErrorStage("load")
		if errors.Is(err, storage.ErrNotFound) {
			// Patching an entity someone else already removed is a stale
			// view, same as a field mismatch.
			return domain.Delta{}, fmt.Errorf("%w: entity gone", domain.ErrConflictDetected)
		}
		return domain.Delta{}, mapTimeout(err)
	}

	for field, want := range req.Original {
		if !valueEqual(current[field], want) {
			metrics.SetErrorStage("conflict")
			return domain.Delta{}, fmt.Errorf("%w: field %q changed", domain.ErrConflictDetected, field)
		}
	}

	changes := make(map[string]interface{}, len(req.Changes)+1)
	for k, v := range req.Changes {
		changes[k] = v
	}

	if hooks.hasOrder {
		_, moved := changes["order"]
		restored := unarchives(changes, current)
		if moved || restored {
			// Key allocation snapshots the whole sibling set; two movers on
			// the same parent must not interleave between snapshot and write.
			unlockParent := b.locks.lock(parentLockKey(entityType, hooks.parentID(boardID, current)))
			defer unlockParent()
		}
		allocStart := time.Now()
		if target, moved := changes["order"]; moved {
			key, allocErr := b.allocateOrder(opCtx, metrics, entityType, boardID, hooks.parentID(boardID, current), req.EntityID, current, target)
			metrics.ObserveAlloc(time.Since(allocStart))
			if allocErr != nil {
				metrics.SetErrorStage("alloc")
				return domain.Delta{}, allocErr
			}
			changes["order"] = key
		} else if restored {
			// A restored entity re-enters the ordered set at the end.
			key, allocErr := b.endKey(opCtx, entityType, boardID, hooks.parentID(boardID, current))
			metrics.ObserveAlloc(time.Since(allocStart))
			if allocErr != nil {
				metrics.SetErrorStage("alloc")
				return domain.Delta{}, allocErr
			}
			changes["order"] = key
		}
	}

	writeStart := time.Now()
	err = b.store.MergeFields(opCtx, entityType, boardID, req.EntityID, changes)
	metrics.ObserveWrite(time.Since(writeStart))
	if err != nil {
		metrics.SetErrorStage("write")
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Delta{}, fmt.Errorf("%w: entity gone", domain.ErrConflictDetected)
		}
		return domain.Delta{}, mapTimeout(err)
	}

	delta = domain.Delta{EntityID: req.EntityID, Changes: changes}
	metrics.SetBroadcastTo(b.rooms.Broadcast(boardID, domain.PatchedEvent(entityType), delta, conn.ID))
	b.recordActivity(boardID, conn.User.ID, entityType, req.EntityID, "patch", changes)
	return delta, nil
}

// Create inserts a new entity with server-assigned id and defaults, then
// broadcasts it. The originator learns the assigned id from the ok reply.
func (b *Broker) Create(ctx context.Context, conn *realtime.Connection, entityType string, fields map[string]interface{}) (created map[string]interface{}, err error) {
	metrics, ctx := newPatchMetrics(ctx, b.logger, entityType, "create")
	defer func() {
		metrics.Log(errCode(err), err)
	}()

	boardID, role, ok := b.rooms.RoomOf(conn)
	if !ok {
		metrics.SetErrorStage("room")
		return nil, fmt.Errorf("%w: join a board first", domain.ErrAccessDenied)
	}
	hooks, valid := hooksFor(entityType)
	if !valid {
		metrics.SetErrorStage("validate")
		return nil, fmt.Errorf("%w: unknown entity type", errBadRequest)
	}
	if !hooks.createEnabled {
		metrics.SetErrorStage("validate")
		return nil, fmt.Errorf("%w: %s cannot be created here", domain.ErrPermissionDenied, entityType)
	}
	if !role.CanWrite() {
		metrics.SetErrorStage("role")
		return nil, domain.ErrPermissionDenied
	}

	opCtx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	prepared := make(map[string]interface{}, len(fields)+3)
	for k, v := range fields {
		prepared[k] = v
	}
	if hooks.hasOrder {
		// The end key comes from a sibling snapshot; the lock spans snapshot
		// through insert so two creates cannot land on the same key.
		unlockParent := b.locks.lock(parentLockKey(entityType, hooks.parentID(boardID, prepared)))
		defer unlockParent()
	}
	if err = hooks.prepareCreate(opCtx, b, boardID, prepared); err != nil {
		metrics.SetErrorStage("prepare")
		return nil, err
	}

	entityID := uuid.NewString()
	writeStart := time.Now()
	err = b.store.Insert(opCtx, entityType, boardID, entityID, prepared)
	metrics.ObserveWrite(time.Since(writeStart))
	if err != nil {
		metrics.SetErrorStage("write")
		return nil, mapTimeout(err)
	}

	created = make(map[string]interface{}, len(prepared)+1)
	for k, v := range prepared {
		created[k] = v
	}
	created["id"] = entityID

	metrics.SetBroadcastTo(b.rooms.Broadcast(boardID, domain.CreatedEvent(entityType), created, conn.ID))
	b.recordActivity(boardID, conn.User.ID, entityType, entityID, "create", created)
	return created, nil
}

// Delete removes an entity, running its cleanup hook first. A cleanup
// failure aborts the broadcast so clients never see a delete whose
// dependent resources survived.
func (b *Broker) Delete(ctx context.Context, conn *realtime.Connection, entityType, entityID string) (err error) {
	metrics, ctx := newPatchMetrics(ctx, b.logger, entityType, "delete")
	defer func() {
		metrics.Log(errCode(err), err)
	}()

	boardID, role, ok := b.rooms.RoomOf(conn)
	if !ok {
		metrics.SetErrorStage("room")
		return fmt.Errorf("%w: join a board first", domain.ErrAccessDenied)
	}
	hooks, valid := hooksFor(entityType)
	if !valid || entityID == "" {
		metrics.SetErrorStage("validate")
		return fmt.Errorf("%w: invalid delete target", errBadRequest)
	}
	if !hooks.deleteEnabled {
		metrics.SetErrorStage("validate")
		return fmt.Errorf("%w: %s cannot be deleted here", domain.ErrPermissionDenied, entityType)
	}
	if !role.CanWrite() {
		metrics.SetErrorStage("role")
		return domain.ErrPermissionDenied
	}

	unlock := b.locks.lock(entityType + "/" + entityID)
	defer unlock()

	opCtx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	loadStart := time.Now()
	current, err := b.store.LoadFields(opCtx, entityType, boardID, entityID)
	metrics.ObserveLoad(time.Since(loadStart))
	if err != nil {
		metrics.SetErrorStage("load")
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: entity gone", domain.ErrConflictDetected)
		}
		return mapTimeout(err)
	}

	writeStart := time.Now()
	err = b.store.Delete(opCtx, entityType, boardID, entityID)
	metrics.ObserveWrite(time.Since(writeStart))
	if err != nil {
		metrics.SetErrorStage("write")
		return mapTimeout(err)
	}

	if hooks.cleanup != nil {
		if err = hooks.cleanup(opCtx, b, boardID, current); err != nil {
			metrics.SetErrorStage("cleanup")
			return fmt.Errorf("cleanup: %w", err)
		}
	}

	metrics.SetBroadcastTo(b.rooms.Broadcast(boardID, domain.DeletedEvent(entityType), domain.Delta{EntityID: entityID}, conn.ID))
	b.recordActivity(boardID, conn.User.ID, entityType, entityID, "delete", nil)
	return nil
}

// allocateOrder turns a target index into a position key among the active
// siblings. When midpoint precision runs out the whole sibling range is
// rewritten atomically and every rebalanced key is broadcast to the full
// room, the mover included, before the move retries against fresh keys.
func (b *Broker) allocateOrder(ctx context.Context, metrics *patchMetrics, entityType, boardID, parentID, entityID string, current map[string]interface{}, target interface{}) (float64, error) {
	idx, ok := target.(float64)
	if !ok || idx != float64(int(idx)) || idx < 0 {
		return 0, fmt.Errorf("%w: order must be a non-negative index", errBadRequest)
	}
	index := int(idx)

	siblings, err := b.store.Siblings(ctx, entityType, boardID, parentID)
	if err != nil {
		return 0, mapTimeout(err)
	}
	// The snapshot is read under the parent lock and is authoritative for
	// the origin key; a rebalance may have rewritten it since the entity row
	// was loaded.
	origin, _ := current["order"].(float64)
	keys := make([]float64, len(siblings))
	for i, sib := range siblings {
		keys[i] = sib.Order
		if sib.ID == entityID {
			origin = sib.Order
		}
	}

	key, allocated := position.MoveKey(keys, origin, index)
	if allocated {
		return key, nil
	}

	metrics.SetRebalanced()
	fresh := position.Rebalance(len(siblings))
	rebalanced := make([]storage.Sibling, len(siblings))
	for i, sib := range siblings {
		rebalanced[i] = storage.Sibling{ID: sib.ID, Order: fresh[i]}
		if sib.ID == entityID {
			origin = fresh[i]
		}
	}
	if err := b.store.RebalanceSiblings(ctx, entityType, boardID, rebalanced); err != nil {
		return 0, mapTimeout(err)
	}
	for _, sib := range rebalanced {
		b.rooms.Broadcast(boardID, domain.PatchedEvent(entityType), domain.Delta{
			EntityID: sib.ID,
			Changes:  map[string]interface{}{"order": sib.Order},
		}, "")
	}

	key, allocated = position.MoveKey(fresh, origin, index)
	if !allocated {
		return 0, domain.ErrAllocationExhausted
	}
	return key, nil
}

func (b *Broker) recordActivity(boardID, userID, entityType, entityID, action string, data map[string]interface{}) {
	if b.activity == nil {
		return
	}
	act := domain.Activity{
		ID:         uuid.NewString(),
		BoardID:    boardID,
		UserID:     userID,
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Timestamp:  nextTimestamp(),
	}
	if data != nil {
		if raw, err := sonic.Marshal(data); err == nil {
			act.Data = raw
		}
	}
	b.activity.Record(act)
}

// unarchives reports a transition of isArchived from true to false.
func unarchives(changes, current map[string]interface{}) bool {
	next, ok := changes["isArchived"].(bool)
	if !ok || next {
		return false
	}
	prev, _ := current["isArchived"].(bool)
	return prev
}

// valueEqual compares a persisted field against the client's expected
// value. Both sides have been through JSON, so numbers compare as float64.
func valueEqual(have, want interface{}) bool {
	switch h := have.(type) {
	case nil:
		return want == nil
	case float64:
		w, ok := want.(float64)
		return ok && h == w
	case string:
		w, ok := want.(string)
		return ok && h == w
	case bool:
		w, ok := want.(bool)
		return ok && h == w
	default:
		return reflect.DeepEqual(have, want)
	}
}

func errCode(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, errBadRequest) {
		return "bad-request"
	}
	return domain.ErrorCode(err)
}

// parentLockKey names the lock guarding order allocation under one sibling
// parent. Every path that snapshots siblings and writes keys takes it. The
// prefix keeps it out of the entity lock namespace regardless of ids.
func parentLockKey(entityType, parentID string) string {
	return "parent:" + entityType + "/" + parentID
}

// keyedMutex serializes work per string key without a global lock.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.entries == nil {
		k.entries = make(map[string]*lockEntry)
	}
	entry := k.entries[key]
	if entry == nil {
		entry = &lockEntry{}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}
