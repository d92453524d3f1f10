package store

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/xingchen-labs/emotion-companion/internal/core"
)

// AddEmotion records a detected emotion. Only the newest MaxEmotionRecords
// are kept.
func (s *SQLiteStore) AddEmotion(ctx context.Context, rec EmotionRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO emotions (emotion, intensity, confidence, timestamp) VALUES (?, ?, ?, ?)",
		string(rec.Emotion), rec.Intensity, rec.Confidence, millis(rec.Timestamp))
	if err != nil {
		return goerr.Wrap(err, "failed to insert emotion", goerr.V("emotion", rec.Emotion))
	}
	if err := trim(ctx, tx, "emotions", MaxEmotionRecords); err != nil {
		return goerr.Wrap(err, "failed to trim emotions")
	}
	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "failed to commit emotion")
	}
	return nil
}

// EmotionHistory returns records newest first. days > 0 limits the result
// to records within that many days of now.
func (s *SQLiteStore) EmotionHistory(ctx context.Context, days int) ([]EmotionRecord, error) {
	cutoff := int64(0)
	if days > 0 {
		cutoff = millis(s.now().AddDate(0, 0, -days))
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT emotion, intensity, confidence, timestamp FROM emotions WHERE timestamp >= ? ORDER BY seq DESC", cutoff)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query emotions")
	}
	defer rows.Close()

	var records []EmotionRecord
	for rows.Next() {
		var rec EmotionRecord
		var emotion string
		var ts int64
		if err := rows.Scan(&emotion, &rec.Intensity, &rec.Confidence, &ts); err != nil {
			return nil, goerr.Wrap(err, "failed to scan emotion row")
		}
		rec.Emotion = core.Emotion(emotion)
		rec.Timestamp = fromMillis(ts)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CurrentEmotion is the newest record, or normal when none exist.
func (s *SQLiteStore) CurrentEmotion(ctx context.Context) (EmotionRecord, error) {
	records, err := s.EmotionHistory(ctx, 0)
	if err != nil {
		return EmotionRecord{}, err
	}
	if len(records) == 0 {
		return EmotionRecord{Emotion: core.EmotionNormal, Timestamp: s.now()}, nil
	}
	return records[0], nil
}

// Now exposes the store's clock so derived views agree with its filters.
func (s *SQLiteStore) Now() time.Time {
	return s.now()
}
