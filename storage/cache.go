package storage

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"boardsync/domain"
)

type backend interface {
	GetBoard(ctx context.Context, boardID string) (domain.Board, error)
	IsBoardMember(ctx context.Context, boardID, userID string) (bool, error)
	MergeFields(ctx context.Context, entityType, boardID, entityID string, changes map[string]interface{}) error
	AddMember(ctx context.Context, boardID, userID string) error
	RemoveMember(ctx context.Context, boardID, userID string) error
}

// Cache wraps a Storage instance with Redis-backed caching for the reads on
// the join path: board lookups and membership checks. Writes evict.
type Cache struct {
	*Storage
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Storage wrapper using the provided Redis
// client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}

	c := &Cache{
		base:  base,
		redis: client,
		ttl:   ttl,
	}
	if s, ok := base.(*Storage); ok {
		c.Storage = s
	}
	return c
}

func (c *Cache) GetBoard(ctx context.Context, boardID string) (domain.Board, error) {
	if board, ok := c.loadBoardFromCache(ctx, boardID); ok {
		return board, nil
	}

	board, err := c.base.GetBoard(ctx, boardID)
	if err != nil {
		return domain.Board{}, err
	}

	c.storeBoard(ctx, board)
	return board, nil
}

func (c *Cache) IsBoardMember(ctx context.Context, boardID, userID string) (bool, error) {
	if c.redis != nil {
		val, err := c.redis.Get(ctx, memberCacheKey(boardID, userID)).Result()
		if err == nil {
			member, perr := strconv.ParseBool(val)
			if perr == nil {
				return member, nil
			}
			_ = c.redis.Del(ctx, memberCacheKey(boardID, userID)).Err()
		}
	}

	member, err := c.base.IsBoardMember(ctx, boardID, userID)
	if err != nil {
		return false, err
	}
	if c.redis != nil && c.ttl > 0 {
		_ = c.redis.Set(ctx, memberCacheKey(boardID, userID), strconv.FormatBool(member), c.ttl).Err()
	}
	return member, nil
}

// MergeFields forwards to the base store and evicts the board cache entry
// when the write touches a board.
func (c *Cache) MergeFields(ctx context.Context, entityType, boardID, entityID string, changes map[string]interface{}) error {
	if err := c.base.MergeFields(ctx, entityType, boardID, entityID, changes); err != nil {
		return err
	}
	if entityType == domain.EntityBoard {
		c.evictBoard(ctx, boardID)
	}
	return nil
}

func (c *Cache) AddMember(ctx context.Context, boardID, userID string) error {
	if err := c.base.AddMember(ctx, boardID, userID); err != nil {
		return err
	}
	c.evictMember(ctx, boardID, userID)
	return nil
}

func (c *Cache) RemoveMember(ctx context.Context, boardID, userID string) error {
	if err := c.base.RemoveMember(ctx, boardID, userID); err != nil {
		return err
	}
	c.evictMember(ctx, boardID, userID)
	return nil
}

func (c *Cache) loadBoardFromCache(ctx context.Context, boardID string) (domain.Board, bool) {
	if c.redis == nil {
		return domain.Board{}, false
	}
	data, err := c.redis.Get(ctx, boardCacheKey(boardID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, boardCacheKey(boardID)).Err()
		}
		return domain.Board{}, false
	}
	var board domain.Board
	if err := json.Unmarshal(data, &board); err != nil {
		_ = c.redis.Del(ctx, boardCacheKey(boardID)).Err()
		return domain.Board{}, false
	}
	return board, true
}

func (c *Cache) storeBoard(ctx context.Context, board domain.Board) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(board)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, boardCacheKey(board.ID), data, c.ttl).Err()
}

func (c *Cache) evictBoard(ctx context.Context, boardID string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, boardCacheKey(boardID)).Err()
}

func (c *Cache) evictMember(ctx context.Context, boardID, userID string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, memberCacheKey(boardID, userID)).Err()
}

func boardCacheKey(boardID string) string {
	return "board:" + boardID
}

func memberCacheKey(boardID, userID string) string {
	return "member:" + boardID + ":" + userID
}
