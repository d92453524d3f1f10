package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"

	"github.com/xingchen-labs/emotion-companion/internal/core"
)

// AddMessage appends msg to the chat log, assigning an ID and timestamp
// when missing. The log keeps the newest MaxMessages entries.
func (s *SQLiteStore) AddMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}

	var sourcesJSON string
	if len(msg.Sources) > 0 {
		raw, err := json.Marshal(msg.Sources)
		if err != nil {
			return goerr.Wrap(err, "failed to marshal sources")
		}
		sourcesJSON = string(raw)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO messages (id, role, content, timestamp, emotion, sources_json) VALUES (?, ?, ?, ?, ?, ?)",
		msg.ID, msg.Role, msg.Content, millis(msg.Timestamp), string(msg.Emotion), sourcesJSON)
	if err != nil {
		return goerr.Wrap(err, "failed to insert message", goerr.V("role", msg.Role))
	}
	if err := trim(ctx, tx, "messages", MaxMessages); err != nil {
		return goerr.Wrap(err, "failed to trim messages")
	}
	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "failed to commit message")
	}
	return nil
}

// Messages returns the chat log, oldest first.
func (s *SQLiteStore) Messages(ctx context.Context) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, role, content, timestamp, emotion, sources_json FROM messages ORDER BY seq ASC")
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query messages")
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var ts int64
		var emotion, sourcesJSON string
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &ts, &emotion, &sourcesJSON); err != nil {
			return nil, goerr.Wrap(err, "failed to scan message row")
		}
		msg.Timestamp = fromMillis(ts)
		msg.Emotion = core.Emotion(emotion)
		if sourcesJSON != "" {
			if err := json.Unmarshal([]byte(sourcesJSON), &msg.Sources); err != nil {
				return nil, goerr.Wrap(err, "failed to decode message sources", goerr.V("id", msg.ID))
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// History projects the chat log onto the {role, content} pairs sent to the
// server.
func (s *SQLiteStore) History(ctx context.Context) ([]core.HistoryMessage, error) {
	messages, err := s.Messages(ctx)
	if err != nil {
		return nil, err
	}
	history := make([]core.HistoryMessage, 0, len(messages))
	for _, m := range messages {
		history = append(history, core.HistoryMessage{Role: m.Role, Content: m.Content})
	}
	return history, nil
}

func (s *SQLiteStore) ClearMessages(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM messages"); err != nil {
		return goerr.Wrap(err, "failed to clear messages")
	}
	return nil
}
