package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/scalyclaw/scalyclaw/pkg/models"
)

// StoreMessage appends one transcript entry and returns its id.
func (s *Store) StoreMessage(ctx context.Context, msg *models.Message) (int64, error) {
	var meta sql.NullString
	if len(msg.Metadata) > 0 {
		b, err := json.Marshal(msg.Metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal metadata: %w", err)
		}
		meta = sql.NullString{String: string(b), Valid: true}
	}
	created := msg.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (channel, role, content, metadata, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.Channel, string(msg.Role), msg.Content, meta, created)
	if err != nil {
		return 0, fmt.Errorf("store message: %w", err)
	}
	return res.LastInsertId()
}

// GetChannelMessages returns up to limit messages for a channel in
// chronological order, skipping blocked entries and scheduled-fire noise.
func (s *Store) GetChannelMessages(ctx context.Context, channelID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel, role, content, metadata, created_at FROM messages
		WHERE channel = ?
		  AND COALESCE(json_extract(metadata, '$.blocked'), '') != 'true'
		  AND COALESCE(json_extract(metadata, '$.source'), '') != 'scheduled'
		ORDER BY created_at DESC, id DESC LIMIT ?`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("query channel messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

// GetAllRecentMessages returns the newest non-blocked messages across all
// channels, oldest first.
func (s *Store) GetAllRecentMessages(ctx context.Context, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel, role, content, metadata, created_at FROM messages
		WHERE COALESCE(json_extract(metadata, '$.blocked'), '') != 'true'
		ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

// GetScheduledResultsSince returns assistant messages a scheduled fire posted
// to a channel after the given time. The proactive engine treats these as
// pending results the user has not reacted to.
func (s *Store) GetScheduledResultsSince(ctx context.Context, channelID string, since time.Time) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel, role, content, metadata, created_at FROM messages
		WHERE channel = ? AND role = 'assistant'
		  AND json_extract(metadata, '$.source') = 'scheduled'
		  AND created_at > ?
		ORDER BY created_at ASC`, channelID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query scheduled results: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// LastUserActivity returns the creation time of the newest user message on a
// channel, or the zero time when the channel has no user messages.
func (s *Store) LastUserActivity(ctx context.Context, channelID string) (time.Time, error) {
	var ts sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM messages WHERE channel = ? AND role = 'user'`,
		channelID).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("query last activity: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return ts.Time, nil
}

// ClearMessages removes the transcript for one channel, or for every channel
// when channelID is empty. Returns the number of rows removed.
func (s *Store) ClearMessages(ctx context.Context, channelID string) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if channelID == "" {
		res, err = s.db.ExecContext(ctx, `DELETE FROM messages`)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM messages WHERE channel = ?`, channelID)
	}
	if err != nil {
		return 0, fmt.Errorf("clear messages: %w", err)
	}
	return res.RowsAffected()
}

func scanMessages(rows *sql.Rows) ([]*models.Message, error) {
	var out []*models.Message
	for rows.Next() {
		var (
			m    models.Message
			role string
			meta sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.Channel, &role, &m.Content, &meta, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = models.Role(role)
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &m.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func reverse(msgs []*models.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
