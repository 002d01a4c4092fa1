package api

import (
	"context"
	"fmt"

	"boardsync/domain"
	"boardsync/position"
)

// entityHooks parameterizes the shared mutation path per entity type. The
// broker owns locking, conflict checks and broadcasting; hooks supply only
// what differs between models. Composition keeps every entity on the exact
// same code path.
type entityHooks struct {
	createEnabled bool
	deleteEnabled bool
	hasOrder      bool

	// parentID names the sibling scope for order allocation.
	parentID func(boardID string, fields map[string]interface{}) string

	// prepareCreate validates client fields and fills server-owned defaults
	// before the insert.
	prepareCreate func(ctx context.Context, b *Broker, boardID string, fields map[string]interface{}) error

	// cleanup releases dependent external resources during delete. A cleanup
	// failure aborts the delete broadcast.
	cleanup func(ctx context.Context, b *Broker, boardID string, current map[string]interface{}) error
}

func hooksFor(entityType string) (entityHooks, bool) {
	switch entityType {
	case domain.EntityBoard:
		// Boards are patched only: creation and deletion happen outside the
		// room, closing is a soft patch on isClosed.
		return entityHooks{}, true
	case domain.EntityList:
		return entityHooks{
			createEnabled: true,
			hasOrder:      true,
			parentID: func(boardID string, _ map[string]interface{}) string {
				return boardID
			},
			prepareCreate: func(ctx context.Context, b *Broker, boardID string, fields map[string]interface{}) error {
				title, _ := fields["title"].(string)
				if title == "" {
					return fmt.Errorf("%w: list title required", errBadRequest)
				}
				fields["boardId"] = boardID
				fields["isArchived"] = false
				key, err := b.endKey(ctx, domain.EntityList, boardID, boardID)
				if err != nil {
					return err
				}
				fields["order"] = key
				return nil
			},
		}, true
	case domain.EntityCard:
		return entityHooks{
			createEnabled: true,
			hasOrder:      true,
			parentID: func(_ string, fields map[string]interface{}) string {
				listID, _ := fields["listId"].(string)
				return listID
			},
			prepareCreate: func(ctx context.Context, b *Broker, boardID string, fields map[string]interface{}) error {
				title, _ := fields["title"].(string)
				listID, _ := fields["listId"].(string)
				if title == "" || listID == "" {
					return fmt.Errorf("%w: card title and listId required", errBadRequest)
				}
				fields["isArchived"] = false
				key, err := b.endKey(ctx, domain.EntityCard, boardID, listID)
				if err != nil {
					return err
				}
				fields["order"] = key
				return nil
			},
		}, true
	case domain.EntityAttachment:
		return entityHooks{
			createEnabled: true,
			deleteEnabled: true,
			prepareCreate: func(_ context.Context, _ *Broker, _ string, fields map[string]interface{}) error {
				cardID, _ := fields["cardId"].(string)
				path, _ := fields["path"].(string)
				if cardID == "" || path == "" {
					return fmt.Errorf("%w: attachment cardId and path required", errBadRequest)
				}
				return nil
			},
			cleanup: func(ctx context.Context, b *Broker, _ string, current map[string]interface{}) error {
				path, _ := current["path"].(string)
				if path == "" || b.files == nil {
					return nil
				}
				return b.files.Remove(ctx, path)
			},
		}, true
	}
	return entityHooks{}, false
}

// endKey returns the order key that places a new entity after every active
// sibling.
func (b *Broker) endKey(ctx context.Context, entityType, boardID, parentID string) (float64, error) {
	siblings, err := b.store.Siblings(ctx, entityType, boardID, parentID)
	if err != nil {
		return 0, mapTimeout(err)
	}
	keys := make([]float64, len(siblings))
	for i, sib := range siblings {
		keys[i] = sib.Order
	}
	return position.KeyAtEnd(keys), nil
}
