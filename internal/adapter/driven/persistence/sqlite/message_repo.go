package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Wyydra/yacall/internal/core/domain"
	_ "modernc.org/sqlite"
)

// MessageRepository stores relay history and the offline queue in SQLite.
type MessageRepository struct {
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*MessageRepository, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer; also keeps a :memory: database on a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id        TEXT PRIMARY KEY,
			sender    TEXT NOT NULL,
			recipient TEXT NOT NULL,
			kind      TEXT NOT NULL,
			body      TEXT NOT NULL,
			sent_at   DATETIME NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS queue (
			seq       INTEGER PRIMARY KEY AUTOINCREMENT,
			recipient TEXT NOT NULL,
			body      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_queue_recipient ON queue(recipient, seq);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create queue table: %w", err)
	}

	return &MessageRepository{db: db}, nil
}

func (r *MessageRepository) Close() error {
	return r.db.Close()
}

func (r *MessageRepository) Save(ctx context.Context, msg domain.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO messages (id, sender, recipient, kind, body, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET body = excluded.body`,
		msg.ID, msg.From, msg.To, msg.Kind, string(body), msg.SentAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

func (r *MessageRepository) Find(ctx context.Context, id domain.MessageID) (domain.Message, error) {
	return find(ctx, r.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func find(ctx context.Context, q queryer, id domain.MessageID) (domain.Message, error) {
	var body string
	err := q.QueryRowContext(ctx, `SELECT body FROM messages WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Message{}, fmt.Errorf("message %s: %w", id, domain.ErrMessageNotFound)
	}
	if err != nil {
		return domain.Message{}, fmt.Errorf("failed to get message: %w", err)
	}

	var msg domain.Message
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return domain.Message{}, fmt.Errorf("decode message %s: %w", id, err)
	}
	return msg, nil
}

// UpdateExt merges ext into the stored message's extension fields.
func (r *MessageRepository) UpdateExt(ctx context.Context, id domain.MessageID, ext map[string]any) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	msg, err := find(ctx, tx, id)
	if err != nil {
		return err
	}
	if msg.Ext == nil {
		msg.Ext = make(map[string]any, len(ext))
	}
	for k, v := range ext {
		msg.Ext[k] = v
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET body = ? WHERE id = ?`, string(body), id); err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	return tx.Commit()
}

func (r *MessageRepository) Enqueue(ctx context.Context, msg domain.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `INSERT INTO queue (recipient, body) VALUES (?, ?)`, msg.To, string(body)); err != nil {
		return fmt.Errorf("failed to queue message: %w", err)
	}
	return nil
}

func (r *MessageRepository) Drain(ctx context.Context, user domain.UserID) ([]domain.Message, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT body FROM queue WHERE recipient = ? ORDER BY seq`, user)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	var msgs []domain.Message
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan queue row: %w", err)
		}
		var msg domain.Message
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode queued message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating queue rows: %w", err)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue WHERE recipient = ?`, user); err != nil {
		return nil, fmt.Errorf("failed to clear queue: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return msgs, nil
}
