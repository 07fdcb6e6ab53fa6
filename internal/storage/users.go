package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// User is someone who can acknowledge alerts and receives an inbox
// notification for every new alert event.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Notification is a per-user inbox entry created when an alert event is inserted.
type Notification struct {
	ID        string    `json:"id"`
	AlertID   string    `json:"alert_id"`
	UserID    string    `json:"user_id"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateUser inserts a user. An empty ID is assigned a new UUID.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO users (id, username, email, phone, created_at) VALUES (?, ?, ?, ?, ?)
	`), u.ID, u.Username, u.Email, u.Phone, u.CreatedAt.UTC())
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return fmt.Errorf("user %q already exists", u.Username)
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// ListUsers returns all users ordered by username.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, username, email, phone, created_at FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.Phone, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.CreatedAt = u.CreatedAt.UTC()
		users = append(users, u)
	}
	return users, rows.Err()
}

// Notifications returns a user's inbox, newest first.
func (s *Store) Notifications(ctx context.Context, userID string, unreadOnly bool) ([]Notification, error) {
	query := `SELECT id, alert_id, user_id, is_read, created_at FROM notifications WHERE user_id = ?`
	args := []any{userID}
	if unreadOnly {
		query += ` AND is_read = ?`
		args = append(args, false)
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.AlertID, &n.UserID, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.CreatedAt = n.CreatedAt.UTC()
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationRead marks one of the user's notifications as read.
func (s *Store) MarkNotificationRead(ctx context.Context, userID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE notifications SET is_read = ? WHERE id = ? AND user_id = ? AND is_read = ?
	`), true, id, userID, false)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkAllNotificationsRead marks every unread notification of the user as read.
func (s *Store) MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE notifications SET is_read = ? WHERE user_id = ? AND is_read = ?
	`), true, userID, false)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
