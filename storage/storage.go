// Package storage persists boards, lists, cards, attachments, users and
// board membership in Azure Table storage, and feeds the activity log queue.
// Entities are partitioned by board id so that a sibling rebalance can be
// written as a single table transaction.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"boardsync/domain"
)

// ErrNotFound reports a missing list, card or attachment. Missing boards
// and users map to their dedicated domain errors.
var ErrNotFound = errors.New("entity not found")

// Tables names the backing tables.
type Tables struct {
	Boards      string
	Lists       string
	Cards       string
	Attachments string
	Users       string
	Members     string
}

// Sibling pairs an entity id with its order key.
type Sibling struct {
	ID    string
	Order float64
}

// Storage provides access to the underlying persistence mechanisms.
type Storage struct {
	boards      *aztables.Client
	lists       *aztables.Client
	cards       *aztables.Client
	attachments *aztables.Client
	users       *aztables.Client
	members     *aztables.Client
	activity    *azqueue.QueueClient
}

// New creates a Storage instance from the given connection string.
func New(connStr string, tables Tables, activityQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	aq, err := azqueue.NewQueueClientFromConnectionString(connStr, activityQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{
		boards:      svc.NewClient(tables.Boards),
		lists:       svc.NewClient(tables.Lists),
		cards:       svc.NewClient(tables.Cards),
		attachments: svc.NewClient(tables.Attachments),
		users:       svc.NewClient(tables.Users),
		members:     svc.NewClient(tables.Members),
		activity:    aq,
	}, nil
}

type boardEntity struct {
	aztables.Entity
	Title       string `json:"title"`
	Description string `json:"description"`
	IsPublic    bool   `json:"isPublic"`
	IsClosed    bool   `json:"isClosed"`
	CreatorID   string `json:"creatorId"`
}

type userEntity struct {
	aztables.Entity
	Username string `json:"username"`
	Email    string `json:"email"`
}

// GetBoard retrieves a board by id. A missing board maps to
// domain.ErrBoardNotFound.
func (s *Storage) GetBoard(ctx context.Context, boardID string) (domain.Board, error) {
	resp, err := s.boards.GetEntity(ctx, boardID, boardID, nil)
	if err != nil {
		if isNotFound(err) {
			return domain.Board{}, domain.ErrBoardNotFound
		}
		return domain.Board{}, err
	}
	var ent boardEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return domain.Board{}, err
	}
	return domain.Board{
		ID:          ent.RowKey,
		Title:       ent.Title,
		Description: ent.Description,
		IsPublic:    ent.IsPublic,
		IsClosed:    ent.IsClosed,
		CreatorID:   ent.CreatorID,
	}, nil
}

// GetUser resolves a user id to its identity record. A missing user maps to
// domain.ErrIdentityResolutionFailed: the session resolved but its identity
// reference points nowhere.
func (s *Storage) GetUser(ctx context.Context, userID string) (domain.User, error) {
	resp, err := s.users.GetEntity(ctx, userID, userID, nil)
	if err != nil {
		if isNotFound(err) {
			return domain.User{}, domain.ErrIdentityResolutionFailed
		}
		return domain.User{}, err
	}
	var ent userEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return domain.User{}, domain.ErrIdentityResolutionFailed
	}
	return domain.User{ID: ent.RowKey, Username: ent.Username, Email: ent.Email}, nil
}

// PutUser stores an identity record.
func (s *Storage) PutUser(ctx context.Context, user domain.User) error {
	data, err := json.Marshal(map[string]interface{}{
		"PartitionKey": user.ID,
		"RowKey":       user.ID,
		"username":     user.Username,
		"email":        user.Email,
	})
	if err != nil {
		return err
	}
	_, err = s.users.UpsertEntity(ctx, data, nil)
	return err
}

// IsBoardMember reports whether userID is in the board's membership
// relation. The creator is not implicitly a member here; role derivation
// handles that case.
func (s *Storage) IsBoardMember(ctx context.Context, boardID, userID string) (bool, error) {
	_, err := s.members.GetEntity(ctx, boardID, userID, nil)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// AddMember records userID in the board's membership relation.
func (s *Storage) AddMember(ctx context.Context, boardID, userID string) error {
	data, err := json.Marshal(map[string]interface{}{
		"PartitionKey": boardID,
		"RowKey":       userID,
	})
	if err != nil {
		return err
	}
	_, err = s.members.UpsertEntity(ctx, data, nil)
	return err
}

// RemoveMember deletes userID from the board's membership relation.
func (s *Storage) RemoveMember(ctx context.Context, boardID, userID string) error {
	_, err := s.members.DeleteEntity(ctx, boardID, userID, nil)
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

func (s *Storage) table(entityType string) (*aztables.Client, error) {
	switch entityType {
	case domain.EntityBoard:
		return s.boards, nil
	case domain.EntityList:
		return s.lists, nil
	case domain.EntityCard:
		return s.cards, nil
	case domain.EntityAttachment:
		return s.attachments, nil
	}
	return nil, fmt.Errorf("unknown entity type %q", entityType)
}

// LoadFields returns the persisted fields of one entity as a generic map,
// with table system properties stripped. This is the read side of the
// optimistic concurrency check.
func (s *Storage) LoadFields(ctx context.Context, entityType, boardID, entityID string) (map[string]interface{}, error) {
	client, err := s.table(entityType)
	if err != nil {
		return nil, err
	}
	resp, err := client.GetEntity(ctx, boardID, entityID, nil)
	if err != nil {
		if isNotFound(err) {
			if entityType == domain.EntityBoard {
				return nil, domain.ErrBoardNotFound
			}
			return nil, ErrNotFound
		}
		return nil, err
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(resp.Value, &raw); err != nil {
		return nil, err
	}
	stripSystemProperties(raw)
	return raw, nil
}

// MergeFields merges changes into an existing entity without touching other
// fields.
func (s *Storage) MergeFields(ctx context.Context, entityType, boardID, entityID string, changes map[string]interface{}) error {
	client, err := s.table(entityType)
	if err != nil {
		return err
	}
	data, err := entityJSON(boardID, entityID, changes)
	if err != nil {
		return err
	}
	_, err = client.UpdateEntity(ctx, data, &aztables.UpdateEntityOptions{UpdateMode: aztables.UpdateModeMerge})
	if err != nil && isNotFound(err) {
		if entityType == domain.EntityBoard {
			return domain.ErrBoardNotFound
		}
		return ErrNotFound
	}
	return err
}

// Insert adds a new entity with the given fields.
func (s *Storage) Insert(ctx context.Context, entityType, boardID, entityID string, fields map[string]interface{}) error {
	client, err := s.table(entityType)
	if err != nil {
		return err
	}
	data, err := entityJSON(boardID, entityID, fields)
	if err != nil {
		return err
	}
	_, err = client.AddEntity(ctx, data, nil)
	return err
}

// Delete removes an entity. Deleting an absent entity maps to ErrNotFound.
func (s *Storage) Delete(ctx context.Context, entityType, boardID, entityID string) error {
	client, err := s.table(entityType)
	if err != nil {
		return err
	}
	_, err = client.DeleteEntity(ctx, boardID, entityID, nil)
	if err != nil && isNotFound(err) {
		return ErrNotFound
	}
	return err
}

// Siblings returns the active (non-archived) siblings under one parent,
// sorted by order key ascending. For lists the parent is the board itself;
// for cards it is the owning list.
func (s *Storage) Siblings(ctx context.Context, entityType, boardID, parentID string) ([]Sibling, error) {
	var client *aztables.Client
	var filter string
	switch entityType {
	case domain.EntityList:
		client = s.lists
		filter = "PartitionKey eq " + odataString(boardID) + " and isArchived eq false"
	case domain.EntityCard:
		client = s.cards
		filter = "PartitionKey eq " + odataString(boardID) + " and listId eq " + odataString(parentID) + " and isArchived eq false"
	default:
		return nil, fmt.Errorf("entity type %q has no siblings", entityType)
	}

	pager := client.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	siblings := []Sibling{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent struct {
				aztables.Entity
				Order float64 `json:"order"`
			}
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			siblings = append(siblings, Sibling{ID: ent.RowKey, Order: ent.Order})
		}
	}
	sort.Slice(siblings, func(i, j int) bool { return siblings[i].Order < siblings[j].Order })
	return siblings, nil
}

// RebalanceSiblings rewrites the order keys of every listed sibling in one
// table transaction so observers never see a partially rebalanced order.
func (s *Storage) RebalanceSiblings(ctx context.Context, entityType, boardID string, siblings []Sibling) error {
	client, err := s.table(entityType)
	if err != nil {
		return err
	}
	if len(siblings) == 0 {
		return nil
	}
	actions := make([]aztables.TransactionAction, 0, len(siblings))
	for _, sib := range siblings {
		data, err := entityJSON(boardID, sib.ID, map[string]interface{}{"order": sib.Order})
		if err != nil {
			return err
		}
		actions = append(actions, aztables.TransactionAction{
			ActionType: aztables.TransactionTypeUpdateMerge,
			Entity:     data,
		})
	}
	if _, err := client.SubmitTransaction(ctx, actions, nil); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrAllocationExhausted, err)
	}
	return nil
}

// EnqueueActivity sends an activity record to the activity log queue.
func (s *Storage) EnqueueActivity(ctx context.Context, act domain.Activity) error {
	data, err := json.Marshal(act)
	if err != nil {
		return err
	}
	_, err = s.activity.EnqueueMessage(ctx, string(data), nil)
	return err
}

// odataString quotes a literal for an OData filter; embedded quotes double.
func odataString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func entityJSON(partitionKey, rowKey string, fields map[string]interface{}) ([]byte, error) {
	ent := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		ent[k] = v
	}
	ent["PartitionKey"] = partitionKey
	ent["RowKey"] = rowKey
	return json.Marshal(ent)
}

func stripSystemProperties(raw map[string]interface{}) {
	delete(raw, "PartitionKey")
	delete(raw, "RowKey")
	delete(raw, "Timestamp")
	for k := range raw {
		if strings.Contains(k, "odata") {
			delete(raw, k)
		}
	}
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}
