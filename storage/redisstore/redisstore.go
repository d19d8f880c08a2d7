////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package redisstore keeps presence in Redis. Online status is a keyed entry
// with a TTL a little over two heartbeat intervals, so a client that stops
// heartbeating without writing offline decays to offline on its own.
package redisstore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/theabhipatel/setu-chat-app/presence"
)

// statusTTL bounds how long an online entry survives without a refresh.
const statusTTL = 150 * time.Second

const keyPrefix = "presence:user:"

// Store is the Redis presence store.
type Store struct {
	client *redis.Client
}

// Connect opens a Redis client and verifies it with a ping.
func Connect(ctx context.Context, addr, password string, db int) (
	*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to ping redis")
	}
	jww.INFO.Printf("Connected to redis at %s", addr)
	return &Store{client: client}, nil
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// SetStatus writes the user's presence. Online entries carry a TTL; offline
// deletes the entry so readers see the user as offline immediately.
func (s *Store) SetStatus(ctx context.Context, userID string,
	status presence.Status) error {
	key := keyPrefix + userID
	if status == presence.StatusOnline {
		err := s.client.Set(ctx, key,
			time.Now().UTC().Format(time.RFC3339), statusTTL).Err()
		return errors.Wrap(err, "failed to write online status")
	}
	err := s.client.Del(ctx, key).Err()
	return errors.Wrap(err, "failed to clear online status")
}

// GetStatus reads a user's presence and the time of their last heartbeat.
// A missing or expired entry reads as offline with a zero time.
func (s *Store) GetStatus(ctx context.Context, userID string) (
	presence.Status, time.Time, error) {
	val, err := s.client.Get(ctx, keyPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return presence.StatusOffline, time.Time{}, nil
	} else if err != nil {
		return presence.StatusOffline, time.Time{},
			errors.Wrap(err, "failed to read status")
	}
	lastSeen, err := time.Parse(time.RFC3339, val)
	if err != nil {
		return presence.StatusOnline, time.Time{},
			errors.Wrap(err, "malformed status entry")
	}
	return presence.StatusOnline, lastSeen, nil
}
