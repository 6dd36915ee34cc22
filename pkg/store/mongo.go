// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"fmt"

	"github.com/globalsign/mgo"
	"github.com/globalsign/mgo/bson"
)

const mongoCollection = "bridged_messages"

// MongoStore keeps one document per record, keyed by the room message id,
// with a unique index on the guild message id.
type MongoStore struct {
	session *mgo.Session
	dbName  string
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore dials MongoDB and ensures the guild id index exists.
func NewMongoStore(uri, dbName string) (*MongoStore, error) {
	info, err := mgo.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mongodb uri: %w", err)
	}
	if dbName == "" {
		dbName = info.Database
	}
	if dbName == "" {
		dbName = "bridget"
	}
	session, err := mgo.DialWithInfo(info)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	session.SetMode(mgo.Primary, true)

	s := &MongoStore{session: session, dbName: dbName}
	err = s.collection(session).EnsureIndex(mgo.Index{
		Key:    []string{"guild_message_id"},
		Unique: true,
	})
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to create guild message index: %w", err)
	}
	return s, nil
}

func (s *MongoStore) collection(session *mgo.Session) *mgo.Collection {
	return session.DB(s.dbName).C(mongoCollection)
}

// mgo has no context support; each call runs on a copied session.
func (s *MongoStore) Save(_ context.Context, rec *Record) error {
	session := s.session.Copy()
	defer session.Close()
	err := s.collection(session).Insert(rec)
	if mgo.IsDup(err) {
		return ErrDuplicate
	} else if err != nil {
		return fmt.Errorf("failed to insert correlation record: %w", err)
	}
	return nil
}

func (s *MongoStore) find(query bson.M) (*Record, error) {
	session := s.session.Copy()
	defer session.Close()
	var rec Record
	err := s.collection(session).Find(query).One(&rec)
	if err == mgo.ErrNotFound {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to find correlation record: %w", err)
	}
	rec.ReceivedAt = rec.ReceivedAt.UTC()
	return &rec, nil
}

func (s *MongoStore) FindByRoomID(_ context.Context, roomMessageID int) (*Record, error) {
	return s.find(bson.M{"_id": roomMessageID})
}

func (s *MongoStore) FindByGuildID(_ context.Context, guildMessageID string) (*Record, error) {
	return s.find(bson.M{"guild_message_id": guildMessageID})
}

func (s *MongoStore) Delete(_ context.Context, rec *Record) error {
	session := s.session.Copy()
	defer session.Close()
	err := s.collection(session).RemoveId(rec.RoomMessageID)
	if err != nil && err != mgo.ErrNotFound {
		return fmt.Errorf("failed to delete correlation record: %w", err)
	}
	return nil
}

func (s *MongoStore) Close() error {
	s.session.Close()
	return nil
}
