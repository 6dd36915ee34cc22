// Copyright 2024-2026 Aiku AI

// Package store persists the correlation between Discord and SE chat message
// ids. Every backend enforces two unique keys: the room message id and the
// guild message id.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrDuplicate is returned when saving a record whose room or guild message
// id is already mapped. Callers treat it as a programming error.
var ErrDuplicate = errors.New("store: duplicate correlation record")

// Record maps one bridged message across both platforms.
type Record struct {
	RoomMessageID  int       `json:"room_message_id" bson:"_id"`
	GuildMessageID string    `json:"guild_message_id" bson:"guild_message_id"`
	RoomUserID     int       `json:"room_user_id" bson:"room_user_id"`
	GuildUserID    string    `json:"guild_user_id" bson:"guild_user_id"`
	ReceivedAt     time.Time `json:"received_at" bson:"received_at"`
}

// Fresh reports whether the record is still inside the edit window.
func (r *Record) Fresh(now time.Time, window time.Duration) bool {
	return now.Sub(r.ReceivedAt) < window
}

// Store is the correlation store. Find methods return (nil, nil) when no
// record matches. Implementations are safe for concurrent use.
type Store interface {
	Save(ctx context.Context, rec *Record) error
	FindByRoomID(ctx context.Context, roomMessageID int) (*Record, error)
	FindByGuildID(ctx context.Context, guildMessageID string) (*Record, error)
	Delete(ctx context.Context, rec *Record) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	// Type is one of memory, sqlite3, postgres, mongodb or redis.
	Type string `yaml:"type"`
	URI  string `yaml:"uri"`
	// Name is the MongoDB database name.
	Name string `yaml:"name"`
}

// Open connects to the backend described by cfg.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite3", "sqlite":
		return NewSQLStore(ctx, "sqlite3", cfg.URI)
	case "postgres":
		return NewSQLStore(ctx, "postgres", cfg.URI)
	case "mongodb", "mongo":
		return NewMongoStore(cfg.URI, cfg.Name)
	case "redis":
		return NewRedisStore(ctx, cfg.URI)
	default:
		return nil, fmt.Errorf("unknown database type %q", cfg.Type)
	}
}
