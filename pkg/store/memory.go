// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"sync"
)

// MemoryStore keeps records in process memory. It is used for tests and for
// running without a database, in which case correlations do not survive a
// restart.
type MemoryStore struct {
	mu      sync.RWMutex
	byRoom  map[int]Record
	byGuild map[string]int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byRoom:  make(map[int]Record),
		byGuild: make(map[string]int),
	}
}

func (s *MemoryStore) Save(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byRoom[rec.RoomMessageID]; ok {
		return ErrDuplicate
	}
	if _, ok := s.byGuild[rec.GuildMessageID]; ok {
		return ErrDuplicate
	}
	s.byRoom[rec.RoomMessageID] = *rec
	s.byGuild[rec.GuildMessageID] = rec.RoomMessageID
	return nil
}

func (s *MemoryStore) FindByRoomID(_ context.Context, roomMessageID int) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byRoom[roomMessageID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) FindByGuildID(_ context.Context, guildMessageID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roomID, ok := s.byGuild[guildMessageID]
	if !ok {
		return nil, nil
	}
	rec := s.byRoom[roomID]
	return &rec, nil
}

func (s *MemoryStore) Delete(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byRoom[rec.RoomMessageID]; ok {
		delete(s.byGuild, existing.GuildMessageID)
		delete(s.byRoom, rec.RoomMessageID)
	}
	return nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byRoom)
}

func (s *MemoryStore) Close() error {
	return nil
}
