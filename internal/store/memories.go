package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

const memoryColumns = "id, type, mem_key, value, importance, created_at, updated_at, last_mentioned, mention_count"

func validateMemory(t MemoryType, key string, importance int) error {
	if !t.Valid() {
		return goerr.Wrap(ErrInvalidMemory, "unknown memory type", goerr.V("type", t))
	}
	if strings.TrimSpace(key) == "" {
		return goerr.Wrap(ErrInvalidMemory, "memory key is empty")
	}
	if importance < 1 || importance > 5 {
		return goerr.Wrap(ErrInvalidMemory, "importance out of range", goerr.V("importance", importance))
	}
	return nil
}

// AddMemory stores m, or folds it into the live memory with the same key:
// the value is replaced, importance becomes the max of both and the mention
// count grows by one.
func (s *SQLiteStore) AddMemory(ctx context.Context, m NewMemory) (*Memory, error) {
	if err := validateMemory(m.Type, m.Key, m.Importance); err != nil {
		return nil, err
	}
	now := millis(s.now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	existing, err := scanMemory(tx.QueryRowContext(ctx,
		"SELECT "+memoryColumns+" FROM memories WHERE mem_key = ?", m.Key))
	switch {
	case err == nil:
		_, err = tx.ExecContext(ctx, `
            UPDATE memories
            SET value = ?, importance = MAX(importance, ?), updated_at = ?, last_mentioned = ?, mention_count = mention_count + 1
            WHERE id = ?`,
			m.Value, m.Importance, now, now, existing.ID)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to merge memory", goerr.V("key", m.Key))
		}
	case errors.Is(err, ErrNotFound):
		_, err = tx.ExecContext(ctx,
			"INSERT INTO memories ("+memoryColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)",
			uuid.NewString(), string(m.Type), m.Key, m.Value, m.Importance, now, now, now)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to insert memory", goerr.V("key", m.Key))
		}
		if err := trim(ctx, tx, "memories", MaxMemories); err != nil {
			return nil, goerr.Wrap(err, "failed to trim memories")
		}
	default:
		return nil, err
	}

	stored, err := scanMemory(tx.QueryRowContext(ctx,
		"SELECT "+memoryColumns+" FROM memories WHERE mem_key = ?", m.Key))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, goerr.Wrap(err, "failed to commit memory")
	}
	return stored, nil
}

func (s *SQLiteStore) UpdateMemory(ctx context.Context, id string, u MemoryUpdate) (*Memory, error) {
	current, err := s.Memory(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Type != nil {
		current.Type = *u.Type
	}
	if u.Key != nil {
		current.Key = *u.Key
	}
	if u.Value != nil {
		current.Value = *u.Value
	}
	if u.Importance != nil {
		current.Importance = *u.Importance
	}
	if err := validateMemory(current.Type, current.Key, current.Importance); err != nil {
		return nil, err
	}

	current.UpdatedAt = s.now()
	_, err = s.db.ExecContext(ctx,
		"UPDATE memories SET type = ?, mem_key = ?, value = ?, importance = ?, updated_at = ? WHERE id = ?",
		string(current.Type), current.Key, current.Value, current.Importance, millis(current.UpdatedAt), id)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to update memory", goerr.V("id", id))
	}
	return current, nil
}

func (s *SQLiteStore) DeleteMemory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM memories WHERE id = ?", id)
	if err != nil {
		return goerr.Wrap(err, "failed to delete memory", goerr.V("id", id))
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return goerr.Wrap(ErrNotFound, "memory not found", goerr.V("id", id))
	}
	return nil
}

// MentionMemory bumps the mention count and time of the memory with key.
// Unknown keys are ignored.
func (s *SQLiteStore) MentionMemory(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE memories SET last_mentioned = ?, mention_count = mention_count + 1 WHERE mem_key = ?",
		millis(s.now()), key)
	if err != nil {
		return goerr.Wrap(err, "failed to mention memory", goerr.V("key", key))
	}
	return nil
}

func (s *SQLiteStore) Memory(ctx context.Context, id string) (*Memory, error) {
	m, err := scanMemory(s.db.QueryRowContext(ctx, "SELECT "+memoryColumns+" FROM memories WHERE id = ?", id))
	if errors.Is(err, ErrNotFound) {
		return nil, goerr.Wrap(ErrNotFound, "memory not found", goerr.V("id", id))
	}
	return m, err
}

// ListMemories returns all memories in insertion order.
func (s *SQLiteStore) ListMemories(ctx context.Context) ([]Memory, error) {
	return s.queryMemories(ctx, "")
}

func (s *SQLiteStore) MemoriesByType(ctx context.Context, t MemoryType) ([]Memory, error) {
	return s.queryMemories(ctx, "WHERE type = ?", string(t))
}

// SearchMemories matches keyword against key and value, ignoring case.
func (s *SQLiteStore) SearchMemories(ctx context.Context, keyword string) ([]Memory, error) {
	all, err := s.ListMemories(ctx)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(keyword)
	var out []Memory
	for _, m := range all {
		if strings.Contains(strings.ToLower(m.Key), needle) || strings.Contains(strings.ToLower(m.Value), needle) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *SQLiteStore) ImportantMemories(ctx context.Context) ([]Memory, error) {
	return s.queryMemories(ctx, "WHERE importance >= 4")
}

// RecentMemories returns memories mentioned within the last days days.
func (s *SQLiteStore) RecentMemories(ctx context.Context, days int) ([]Memory, error) {
	if days <= 0 {
		days = 7
	}
	cutoff := millis(s.now().AddDate(0, 0, -days))
	return s.queryMemories(ctx, "WHERE last_mentioned >= ?", cutoff)
}

// BuildUserProfile renders memories of importance 3 and above, grouped by
// type in taxonomy order. It returns "" when nothing qualifies.
func (s *SQLiteStore) BuildUserProfile(ctx context.Context) (string, error) {
	all, err := s.ListMemories(ctx)
	if err != nil {
		return "", err
	}
	return FormatUserProfile(all), nil
}

func FormatUserProfile(memories []Memory) string {
	grouped := make(map[MemoryType][]string)
	for _, m := range memories {
		if m.Importance >= 3 {
			grouped[m.Type] = append(grouped[m.Type], m.Key+": "+m.Value)
		}
	}

	var lines []string
	for _, t := range MemoryTypes {
		if items := grouped[t]; len(items) > 0 {
			lines = append(lines, "【"+t.Label()+"】"+strings.Join(items, "; "))
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "用户画像：\n" + strings.Join(lines, "\n")
}

func (s *SQLiteStore) queryMemories(ctx context.Context, where string, args ...any) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+memoryColumns+" FROM memories "+where+" ORDER BY seq ASC", args...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query memories")
	}
	defer rows.Close()

	var memories []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, *m)
	}
	return memories, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMemory(row scanner) (*Memory, error) {
	var m Memory
	var typ string
	var created, updated, mentioned int64
	err := row.Scan(&m.ID, &typ, &m.Key, &m.Value, &m.Importance, &created, &updated, &mentioned, &m.MentionCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to scan memory row")
	}
	m.Type = MemoryType(typ)
	m.CreatedAt = fromMillis(created)
	m.UpdatedAt = fromMillis(updated)
	m.LastMentioned = fromMillis(mentioned)
	return &m, nil
}
