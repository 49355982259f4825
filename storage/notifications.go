package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"thesischat/models"
)

// DefaultNotificationPollInterval is how often WatchNotifications checks for new rows.
const DefaultNotificationPollInterval = 5 * time.Second

// AddNotification appends an item to the portal notification feed.
// Re-adding an existing id is a no-op.
func (s *Store) AddNotification(n models.Notification) error {
	n.Title = strings.TrimSpace(n.Title)
	if n.Title == "" {
		return errors.New("title is required")
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	_, err := s.db.Exec(
		`INSERT INTO notifications (id, title, body, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		n.ID,
		n.Title,
		n.Body,
		n.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("add notification %q: %w", n.ID, err)
	}
	return nil
}

// RecentNotifications returns the newest limit items, oldest first, and the
// cursor to continue from.
func (s *Store) RecentNotifications(ctx context.Context, limit int) ([]models.Notification, int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, title, body, created_at FROM (
			SELECT seq, id, title, body, created_at
			FROM notifications
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq ASC`,
		limit,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list recent notifications: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows, 0)
}

// NotificationsAfter returns items added after cursor, oldest first, and the new cursor.
func (s *Store) NotificationsAfter(ctx context.Context, cursor int64) ([]models.Notification, int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, title, body, created_at
		FROM notifications
		WHERE seq > ?
		ORDER BY seq ASC`,
		cursor,
	)
	if err != nil {
		return nil, cursor, fmt.Errorf("list notifications after %d: %w", cursor, err)
	}
	defer rows.Close()
	return scanNotifications(rows, cursor)
}

// WatchNotifications streams the newest backlog items and then every item
// added later, until ctx ends. The channel is closed on return.
func (s *Store) WatchNotifications(ctx context.Context, backlog int, interval time.Duration) <-chan models.Notification {
	if interval <= 0 {
		interval = DefaultNotificationPollInterval
	}
	out := make(chan models.Notification)

	go func() {
		defer close(out)

		items, cursor, err := s.RecentNotifications(ctx, backlog)
		if err != nil {
			s.logger.Warn("notification backlog failed", zap.Error(err))
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			for _, n := range items {
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			items, cursor, err = s.NotificationsAfter(ctx, cursor)
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("notification poll failed", zap.Error(err))
			}
		}
	}()
	return out
}

type rowScanner interface {
	scanner
	Next() bool
	Err() error
}

func scanNotifications(rows rowScanner, start int64) ([]models.Notification, int64, error) {
	cursor := start
	out := make([]models.Notification, 0)
	for rows.Next() {
		var (
			n         models.Notification
			seq       int64
			createdAt int64
		)
		if err := rows.Scan(&seq, &n.ID, &n.Title, &n.Body, &createdAt); err != nil {
			return nil, start, fmt.Errorf("scan notification row: %w", err)
		}
		n.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, n)
		cursor = seq
	}
	if err := rows.Err(); err != nil {
		return nil, start, fmt.Errorf("iterate notification rows: %w", err)
	}
	return out, cursor, nil
}
