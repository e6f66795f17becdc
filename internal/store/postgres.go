package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"tez/api/internal/session"
)

// ErrDuplicate is returned when an insert collides with an existing row on
// a uniqueness constraint.
var ErrDuplicate = errors.New("duplicate row")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ── Users & teams ──

func (s *PostgresStore) EnsureUserByName(ctx context.Context, id, name string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, created_at FROM users WHERE display_name=$1`, name).
		Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, display_name)
		VALUES ($1, $2)
		ON CONFLICT (display_name) DO UPDATE SET display_name=EXCLUDED.display_name
		RETURNING id, display_name, created_at
	`, id, name).Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, created_at FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) EnsureTeam(ctx context.Context, id, name string) (Team, error) {
	var team Team
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO teams (id, name)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET name=EXCLUDED.name
		RETURNING id, name, created_at
	`, id, name).Scan(&team.ID, &team.Name, &team.CreatedAt)
	if err != nil {
		return Team{}, fmt.Errorf("ensure team: %w", err)
	}
	return team, nil
}

func (s *PostgresStore) AddTeamMember(ctx context.Context, teamID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO team_members (team_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (team_id, user_id) DO NOTHING
	`, teamID, userID)
	if err != nil {
		return fmt.Errorf("add team member: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUserTeams(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT team_id FROM team_members WHERE user_id=$1`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user teams: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows, "team")
}

func (s *PostgresStore) IsTeamMember(ctx context.Context, teamID, userID string) (bool, error) {
	var member bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM team_members WHERE team_id=$1 AND user_id=$2)
	`, teamID, userID).Scan(&member)
	if err != nil {
		return false, fmt.Errorf("check team member: %w", err)
	}
	return member, nil
}

func (s *PostgresStore) ListTeamMemberIDs(ctx context.Context, teamID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM team_members WHERE team_id=$1`, teamID)
	if err != nil {
		return nil, fmt.Errorf("list team members: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows, "member")
}

// ListUserConversations returns the distinct direct-conversation scopes the
// user participates in.
func (s *PostgresStore) ListUserConversations(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT c.conversation_id
		FROM cards c
		WHERE c.conversation_id IS NOT NULL
			AND (c.sender_id=$1 OR EXISTS (
				SELECT 1 FROM card_recipients r WHERE r.card_id=c.id AND r.user_id=$1))
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user conversations: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows, "conversation")
}

// ── Cards ──

func (s *PostgresStore) InsertCard(ctx context.Context, item Card, recipients []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert card: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cards (id, sender_id, body, summary, importance, visibility, status,
			team_id, conversation_id, parent_id, thread_id, due_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
	`, item.ID, item.SenderID, item.Body, item.Summary, item.Importance, item.Visibility,
		item.Status, item.TeamID, item.ConversationID, item.ParentID, item.ThreadID,
		item.DueDate, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert card: %w", err)
	}

	for _, userID := range recipients {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO card_recipients (card_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT (card_id, user_id) DO NOTHING
		`, item.ID, userID); err != nil {
			return fmt.Errorf("insert recipient: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert card: %w", err)
	}
	return nil
}

const cardColumns = `
	c.id, c.sender_id, u.display_name, c.body, c.summary, c.importance, c.visibility,
	c.status, c.team_id, c.conversation_id, c.parent_id, c.thread_id, c.due_date,
	c.snoozed_until, c.created_at, c.updated_at
`

func scanCard(row interface{ Scan(...any) error }) (Card, error) {
	var item Card
	err := row.Scan(&item.ID, &item.SenderID, &item.SenderName, &item.Body, &item.Summary,
		&item.Importance, &item.Visibility, &item.Status, &item.TeamID, &item.ConversationID,
		&item.ParentID, &item.ThreadID, &item.DueDate, &item.SnoozedUntil,
		&item.CreatedAt, &item.UpdatedAt)
	return item, err
}

func (s *PostgresStore) GetCard(ctx context.Context, cardID string) (Card, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+cardColumns+`
		FROM cards c JOIN users u ON u.id = c.sender_id
		WHERE c.id=$1
	`, cardID)
	return scanCard(row)
}

func (s *PostgresStore) ListRecipients(ctx context.Context, cardID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM card_recipients WHERE card_id=$1`, cardID)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows, "recipient")
}

// Feed returns cards visible to the user: sent by them, addressed to them, or
// broadcast to a team they belong to. Deleted cards are excluded unless the
// caller filters for them explicitly. Results are newest-first by id; the
// ULID ids make that creation order.
func (s *PostgresStore) Feed(ctx context.Context, userID string, filter FeedFilter) ([]Card, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT ` + cardColumns + `
		FROM cards c JOIN users u ON u.id = c.sender_id
		WHERE (c.sender_id=$1
			OR EXISTS (SELECT 1 FROM card_recipients r WHERE r.card_id=c.id AND r.user_id=$1)
			OR (c.visibility='team' AND c.team_id IN (SELECT team_id FROM team_members WHERE user_id=$1)))
	`
	args := []any{userID}

	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND c.status=$%d", len(args))
	} else {
		query += " AND c.status <> 'deleted'"
	}
	if filter.Cursor != "" {
		args = append(args, filter.Cursor)
		query += fmt.Sprintf(" AND c.id < $%d", len(args))
	}
	if filter.DueNow {
		query += " AND c.due_date IS NOT NULL AND (c.snoozed_until IS NULL OR c.snoozed_until <= NOW())"
	}

	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY c.id DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("feed: %w", err)
	}
	defer rows.Close()

	items := make([]Card, 0)
	for rows.Next() {
		item, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feed: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateCardStatus(ctx context.Context, cardID, status string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE cards SET status=$2, updated_at=NOW() WHERE id=$1
	`, cardID, status)
	if err != nil {
		return fmt.Errorf("update card status: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) SnoozeCard(ctx context.Context, cardID string, until time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE cards SET snoozed_until=$2, updated_at=NOW() WHERE id=$1
	`, cardID, until)
	if err != nil {
		return fmt.Errorf("snooze card: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ── Responses, reactions, views ──

func (s *PostgresStore) InsertResponse(ctx context.Context, item Response) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO card_responses (id, card_id, author_id, body, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, item.ID, item.CardID, item.AuthorID, item.Body, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert response: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListResponses(ctx context.Context, cardID string) ([]Response, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.card_id, r.author_id, u.display_name, r.body, r.created_at
		FROM card_responses r JOIN users u ON u.id = r.author_id
		WHERE r.card_id=$1
		ORDER BY r.id
	`, cardID)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	defer rows.Close()

	items := make([]Response, 0)
	for rows.Next() {
		var item Response
		if err := rows.Scan(&item.ID, &item.CardID, &item.AuthorID, &item.AuthorName, &item.Body, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate responses: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertReaction(ctx context.Context, item Reaction) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO card_reactions (id, card_id, user_id, emoji, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (card_id, user_id, emoji) DO NOTHING
	`, item.ID, item.CardID, item.UserID, item.Emoji, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert reaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert reaction: %w", err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *PostgresStore) ListReactions(ctx context.Context, cardID string) ([]Reaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, card_id, user_id, emoji, created_at
		FROM card_reactions
		WHERE card_id=$1
		ORDER BY id
	`, cardID)
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	defer rows.Close()

	items := make([]Reaction, 0)
	for rows.Next() {
		var item Reaction
		if err := rows.Scan(&item.ID, &item.CardID, &item.UserID, &item.Emoji, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reactions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) MarkViewed(ctx context.Context, cardID, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO card_views (card_id, user_id, viewed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (card_id, user_id) DO NOTHING
	`, cardID, userID, at)
	if err != nil {
		return fmt.Errorf("mark viewed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListViews(ctx context.Context, cardID string) ([]View, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.card_id, v.user_id, u.display_name, v.viewed_at
		FROM card_views v JOIN users u ON u.id = v.user_id
		WHERE v.card_id=$1
		ORDER BY v.viewed_at
	`, cardID)
	if err != nil {
		return nil, fmt.Errorf("list views: %w", err)
	}
	defer rows.Close()

	items := make([]View, 0)
	for rows.Next() {
		var item View
		if err := rows.Scan(&item.CardID, &item.UserID, &item.UserName, &item.ViewedAt); err != nil {
			return nil, fmt.Errorf("scan view: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate views: %w", err)
	}
	return items, nil
}

// ── Context layers (append-only; no update or delete exists) ──

func (s *PostgresStore) InsertContextLayer(ctx context.Context, layer ContextLayer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO context_layers (id, card_id, kind, content, confidence, provenance, captured_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, layer.ID, layer.CardID, layer.Kind, layer.Content, layer.Confidence, layer.Provenance, layer.CapturedAt)
	if err != nil {
		return fmt.Errorf("insert context layer: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListContextLayers(ctx context.Context, cardID string) ([]ContextLayer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, card_id, kind, content, confidence, provenance, captured_at
		FROM context_layers
		WHERE card_id=$1
		ORDER BY id
	`, cardID)
	if err != nil {
		return nil, fmt.Errorf("list context layers: %w", err)
	}
	defer rows.Close()

	items := make([]ContextLayer, 0)
	for rows.Next() {
		var item ContextLayer
		if err := rows.Scan(&item.ID, &item.CardID, &item.Kind, &item.Content, &item.Confidence, &item.Provenance, &item.CapturedAt); err != nil {
			return nil, fmt.Errorf("scan context layer: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate context layers: %w", err)
	}
	return items, nil
}

// ── Watermarks & unread ──

// AdvanceWatermark moves the (user,scope) last-read pointer forward and
// returns the resulting value. GREATEST keeps it monotonic under concurrent
// calls from multiple devices.
func (s *PostgresStore) AdvanceWatermark(ctx context.Context, userID, scope string, at time.Time) (time.Time, error) {
	var lastRead time.Time
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO watermarks (user_id, scope, last_read)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, scope) DO UPDATE SET last_read=GREATEST(watermarks.last_read, EXCLUDED.last_read)
		RETURNING last_read
	`, userID, scope, at).Scan(&lastRead)
	if err != nil {
		return time.Time{}, fmt.Errorf("advance watermark: %w", err)
	}
	return lastRead, nil
}

func (s *PostgresStore) GetWatermark(ctx context.Context, userID, scope string) (time.Time, error) {
	var lastRead time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT last_read FROM watermarks WHERE user_id=$1 AND scope=$2
	`, userID, scope).Scan(&lastRead)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get watermark: %w", err)
	}
	return lastRead, nil
}

// CountUnread counts cards in a scope created after the user's watermark.
// The user's own cards never count as unread.
func (s *PostgresStore) CountUnread(ctx context.Context, userID, scope string, since time.Time) (int, error) {
	var count int
	var err error
	if teamID, ok := strings.CutPrefix(scope, "team:"); ok {
		err = s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM cards
			WHERE team_id=$1 AND visibility='team' AND sender_id <> $2
				AND status NOT IN ('deleted', 'archived')
				AND created_at > $3
		`, teamID, userID, since).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM cards
			WHERE conversation_id=$1 AND sender_id <> $2
				AND status NOT IN ('deleted', 'archived')
				AND created_at > $3
		`, scope, userID, since).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// ── Refresh-token families (Postgres fallback for session.FamilyStore) ──

func (s *PostgresStore) CreateFamily(ctx context.Context, familyID, userID, tokenHash string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (token_hash, family_id, user_id, expires_at)
		VALUES ($1, $2, $3, $4)
	`, tokenHash, familyID, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create token family: %w", err)
	}
	return nil
}

func (s *PostgresStore) Redeem(ctx context.Context, tokenHash, successorHash string, expiresAt time.Time) (session.FamilyToken, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return session.FamilyToken{}, fmt.Errorf("begin redeem: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var token session.FamilyToken
	var consumedAt *time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT family_id, user_id, consumed_at, expires_at
		FROM refresh_tokens
		WHERE token_hash=$1 AND expires_at > NOW()
		FOR UPDATE
	`, tokenHash).Scan(&token.FamilyID, &token.UserID, &consumedAt, &token.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return session.FamilyToken{}, session.ErrNotFound
	}
	if err != nil {
		return session.FamilyToken{}, fmt.Errorf("lookup refresh token: %w", err)
	}

	if consumedAt != nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE family_id=$1`, token.FamilyID); err != nil {
			return session.FamilyToken{}, fmt.Errorf("revoke family: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return session.FamilyToken{}, fmt.Errorf("commit family revocation: %w", err)
		}
		return session.FamilyToken{}, session.ErrReplayed
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE refresh_tokens SET consumed_at=NOW() WHERE token_hash=$1
	`, tokenHash); err != nil {
		return session.FamilyToken{}, fmt.Errorf("consume refresh token: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO refresh_tokens (token_hash, family_id, user_id, expires_at)
		VALUES ($1, $2, $3, $4)
	`, successorHash, token.FamilyID, token.UserID, expiresAt); err != nil {
		return session.FamilyToken{}, fmt.Errorf("issue successor token: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return session.FamilyToken{}, fmt.Errorf("commit redeem: %w", err)
	}

	return session.FamilyToken{FamilyID: token.FamilyID, UserID: token.UserID, ExpiresAt: expiresAt}, nil
}

func (s *PostgresStore) RevokeByHash(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM refresh_tokens
		WHERE family_id IN (SELECT family_id FROM refresh_tokens WHERE token_hash=$1)
	`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke token family: %w", err)
	}
	return nil
}

// ── Access-token revocation ──

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func scanStrings(rows *sql.Rows, what string) ([]string, error) {
	items := make([]string, 0)
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		items = append(items, value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %ss: %w", what, err)
	}
	return items, nil
}
