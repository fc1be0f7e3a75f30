// Package persistence holds the reference implementations of the service's
// storage collaborators: notifications, device tokens and the user directory.
package persistence

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/tinywideclouds/go-notify-service/pkg/notify"
)

//go:embed schema.sql
var schema string

// User is a directory row.
type User struct {
	ID       string
	AgencyID string
	TeamID   string
	Active   bool
}

// SQLite implements notify.NotificationStore, notify.DeviceTokenStore and
// notify.Directory on a single sqlite database.
type SQLite struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
// ":memory:" gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string, logger zerolog.Logger) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One writer; also keeps ":memory:" on a single shared connection.
	db.SetMaxOpenConns(1)

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{
		db:     db,
		logger: logger.With().Str("component", "SQLiteStore").Logger(),
		now:    time.Now,
	}, nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialise schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// InsertMany inserts the rows in one transaction. Rows whose
// (correlation id, user id) pair already exists are skipped, so a retried
// dispatch persists nothing twice. It returns the number of rows inserted.
func (s *SQLite) InsertMany(ctx context.Context, rows []notify.Notification) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO notifications
			(id, user_id, type, title, message, data, read, read_at, navigate_path, correlation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	inserted := 0
	for _, n := range rows {
		var data sql.NullString
		if len(n.Data) > 0 {
			raw, err := json.Marshal(n.Data)
			if err != nil {
				return 0, fmt.Errorf("failed to marshal data for %s: %w", n.UserID, err)
			}
			data = sql.NullString{String: string(raw), Valid: true}
		}
		var readAt sql.NullInt64
		if n.ReadAt != nil {
			readAt = sql.NullInt64{Int64: n.ReadAt.UnixMilli(), Valid: true}
		}
		res, err := stmt.ExecContext(ctx,
			n.ID, n.UserID, n.Type, n.Title, n.Message, data, n.Read, readAt,
			nullString(n.NavigatePath), n.CorrelationID, n.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert notification for %s: %w", n.UserID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to read rows affected: %w", err)
		}
		inserted += int(affected)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit notifications: %w", err)
	}
	if skipped := len(rows) - inserted; skipped > 0 {
		s.logger.Debug().Int("skipped", skipped).Str("correlation_id", rows[0].CorrelationID).Msg("Skipped already persisted notifications")
	}
	return inserted, nil
}

// ListForUser returns a user's most recent notifications, newest first.
func (s *SQLite) ListForUser(ctx context.Context, userID string, limit int) ([]notify.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, title, message, data, read, read_at, navigate_path, correlation_id, created_at
		FROM notifications WHERE user_id = ? ORDER BY created_at DESC, id LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []notify.Notification
	for rows.Next() {
		var (
			n            notify.Notification
			data, path   sql.NullString
			readAt       sql.NullInt64
			createdAtRaw int64
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &data, &n.Read, &readAt, &path, &n.CorrelationID, &createdAtRaw); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &n.Data); err != nil {
				s.logger.Warn().Err(err).Str("id", n.ID).Msg("Ignoring malformed notification data")
			}
		}
		if readAt.Valid {
			t := time.UnixMilli(readAt.Int64).UTC()
			n.ReadAt = &t
		}
		n.NavigatePath = path.String
		n.CreatedAt = time.UnixMilli(createdAtRaw).UTC()
		out = append(out, n)
	}
	return out, rows.Err()
}

// RegisterToken stores or reassigns a device token.
func (s *SQLite) RegisterToken(ctx context.Context, t notify.DeviceToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_tokens (token, user_id, platform, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET user_id = excluded.user_id, platform = excluded.platform, updated_at = excluded.updated_at`,
		t.Token, t.UserID, t.Platform, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to register device token: %w", err)
	}
	return nil
}

// FindByUsers returns every token registered to any of userIDs.
func (s *SQLite) FindByUsers(ctx context.Context, userIDs []string) ([]notify.DeviceToken, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	query := `SELECT user_id, token, platform FROM device_tokens WHERE user_id IN (` + placeholders(len(userIDs)) + `) ORDER BY user_id, token`
	rows, err := s.db.QueryContext(ctx, query, anySlice(userIDs)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query device tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []notify.DeviceToken
	for rows.Next() {
		var t notify.DeviceToken
		if err := rows.Scan(&t.UserID, &t.Token, &t.Platform); err != nil {
			return nil, fmt.Errorf("failed to scan device token: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTokens removes tokens and returns how many existed.
func (s *SQLite) DeleteTokens(ctx context.Context, tokens []string) (int, error) {
	if len(tokens) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM device_tokens WHERE token IN (`+placeholders(len(tokens))+`)`, anySlice(tokens)...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete device tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}

// UpsertUser writes a directory row.
func (s *SQLite) UpsertUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, agency_id, team_id, active) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET agency_id = excluded.agency_id, team_id = excluded.team_id, active = excluded.active`,
		u.ID, u.AgencyID, u.TeamID, u.Active)
	if err != nil {
		return fmt.Errorf("failed to upsert user %s: %w", u.ID, err)
	}
	return nil
}

// TeamMembers returns the active members of a team.
func (s *SQLite) TeamMembers(ctx context.Context, teamID string) ([]string, error) {
	return s.members(ctx, "team_id", teamID)
}

// AgencyMembers returns the active members of an agency.
func (s *SQLite) AgencyMembers(ctx context.Context, agencyID string) ([]string, error) {
	return s.members(ctx, "agency_id", agencyID)
}

// column is one of two constants, never caller input.
func (s *SQLite) members(ctx context.Context, column, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM users WHERE `+column+` = ? AND active = 1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query members by %s: %w", column, err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		out = append(out, userID)
	}
	return out, rows.Err()
}

// IsActive reports whether the user exists and is active.
func (s *SQLite) IsActive(ctx context.Context, userID string) (bool, error) {
	var active bool
	err := s.db.QueryRowContext(ctx, `SELECT active FROM users WHERE id = ?`, userID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up user %s: %w", userID, err)
	}
	return active, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func anySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
