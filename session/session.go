// Package session stores live server-side session records in Redis. A
// connection presents a signed session identifier at handshake time; the
// record it resolves to carries the identity reference used to look up the
// user.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"boardsync/domain"
)

const keyPrefix = "session:"

// Record is the server-side state behind one session identifier.
type Record struct {
	UserID   string `json:"userId"`
	IssuedAt int64  `json:"issuedAt,omitempty"`
}

// Store reads and writes session records.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// New creates a Store using the provided Redis client. Records expire after
// ttl; a non-positive ttl keeps them until explicitly deleted.
func New(client *redis.Client, ttl time.Duration) *Store {
	if client == nil {
		panic("session.New: redis client is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Store{client: client, ttl: ttl}
}

// Load resolves a session identifier to its record. A missing key maps to
// domain.ErrSessionNotFound; a record that cannot be decoded maps to
// domain.ErrIdentityResolutionFailed.
func (s *Store) Load(ctx context.Context, sid string) (Record, error) {
	if sid == "" {
		return Record{}, domain.ErrSessionNotFound
	}
	data, err := s.client.Get(ctx, keyPrefix+sid).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, domain.ErrSessionNotFound
		}
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil || rec.UserID == "" {
		return Record{}, domain.ErrIdentityResolutionFailed
	}
	return rec, nil
}

// Save writes a session record under sid.
func (s *Store) Save(ctx context.Context, sid string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, keyPrefix+sid, data, s.ttl).Err()
}

// Delete removes the record for sid. Deleting an absent session is not an
// error.
func (s *Store) Delete(ctx context.Context, sid string) error {
	return s.client.Del(ctx, keyPrefix+sid).Err()
}
