// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each record as JSON under its room id, plus an index key
// from the guild id to the room id. SETNX on both keys enforces uniqueness.
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects using a redis:// URL.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func roomKey(roomMessageID int) string {
	return "bridget:room:" + strconv.Itoa(roomMessageID)
}

func guildKey(guildMessageID string) string {
	return "bridget:guild:" + guildMessageID
}

func (s *RedisStore) Save(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode correlation record: %w", err)
	}
	ok, err := s.client.SetNX(ctx, guildKey(rec.GuildMessageID), rec.RoomMessageID, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to index correlation record: %w", err)
	} else if !ok {
		return ErrDuplicate
	}
	ok, err = s.client.SetNX(ctx, roomKey(rec.RoomMessageID), data, 0).Result()
	if err != nil || !ok {
		s.client.Del(ctx, guildKey(rec.GuildMessageID))
		if err != nil {
			return fmt.Errorf("failed to store correlation record: %w", err)
		}
		return ErrDuplicate
	}
	return nil
}

func (s *RedisStore) FindByRoomID(ctx context.Context, roomMessageID int) (*Record, error) {
	data, err := s.client.Get(ctx, roomKey(roomMessageID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get correlation record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode correlation record: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) FindByGuildID(ctx context.Context, guildMessageID string) (*Record, error) {
	roomID, err := s.client.Get(ctx, guildKey(guildMessageID)).Int()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get correlation index: %w", err)
	}
	return s.FindByRoomID(ctx, roomID)
}

func (s *RedisStore) Delete(ctx context.Context, rec *Record) error {
	err := s.client.Del(ctx, roomKey(rec.RoomMessageID), guildKey(rec.GuildMessageID)).Err()
	if err != nil {
		return fmt.Errorf("failed to delete correlation record: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
