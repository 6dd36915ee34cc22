// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS correlation (
	room_message_id  BIGINT PRIMARY KEY,
	guild_message_id TEXT   NOT NULL UNIQUE,
	room_user_id     BIGINT NOT NULL,
	guild_user_id    TEXT   NOT NULL,
	received_at      BIGINT NOT NULL
)`

const sqlColumns = "room_message_id, guild_message_id, room_user_id, guild_user_id, received_at"

// SQLStore stores records in a single table through database/sql. The
// sqlite3 and postgres dialects are supported.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore opens the database and creates the table if needed. For
// sqlite3, uri is a file path; the parent directory is created.
func NewSQLStore(ctx context.Context, dialect, uri string) (*SQLStore, error) {
	dsn := uri
	switch dialect {
	case "sqlite3":
		if uri == "" {
			uri = "./data/bridget.db"
			dsn = uri
		}
		if !strings.HasPrefix(uri, "file:") && !strings.Contains(uri, ":memory:") {
			if err := os.MkdirAll(filepath.Dir(uri), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_journal_mode=WAL&_busy_timeout=5000"
		}
	case "postgres":
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}

	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}
	if dialect == "sqlite3" {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", dialect, err)
	}
	if _, err := db.ExecContext(ctx, sqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create correlation table: %w", err)
	}
	return &SQLStore{db: db, dialect: dialect}, nil
}

// rebind rewrites ? placeholders into $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Save(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind("INSERT INTO correlation ("+sqlColumns+") VALUES (?, ?, ?, ?, ?)"),
		rec.RoomMessageID, rec.GuildMessageID, rec.RoomUserID, rec.GuildUserID, rec.ReceivedAt.UnixNano(),
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	} else if err != nil {
		return fmt.Errorf("failed to insert correlation record: %w", err)
	}
	return nil
}

func (s *SQLStore) FindByRoomID(ctx context.Context, roomMessageID int) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind("SELECT "+sqlColumns+" FROM correlation WHERE room_message_id = ?"), roomMessageID)
	return scanRecord(row)
}

func (s *SQLStore) FindByGuildID(ctx context.Context, guildMessageID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind("SELECT "+sqlColumns+" FROM correlation WHERE guild_message_id = ?"), guildMessageID)
	return scanRecord(row)
}

func (s *SQLStore) Delete(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind("DELETE FROM correlation WHERE room_message_id = ?"), rec.RoomMessageID)
	if err != nil {
		return fmt.Errorf("failed to delete correlation record: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func scanRecord(row *sql.Row) (*Record, error) {
	var rec Record
	var receivedAt int64
	err := row.Scan(&rec.RoomMessageID, &rec.GuildMessageID, &rec.RoomUserID, &rec.GuildUserID, &receivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to scan correlation record: %w", err)
	}
	rec.ReceivedAt = time.Unix(0, receivedAt).UTC()
	return &rec, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
