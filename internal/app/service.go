package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"tez/api/internal/auth"
	"tez/api/internal/card"
	"tez/api/internal/config"
	"tez/api/internal/entitle"
	"tez/api/internal/live"
	"tez/api/internal/priority"
	"tez/api/internal/search"
	"tez/api/internal/session"
	"tez/api/internal/store"
	"tez/api/internal/unread"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

type CreateCardInput struct {
	Body       string   `json:"body"`
	Summary    string   `json:"summary"`
	Importance string   `json:"importance"`
	DueDate    string   `json:"dueDate"`
	Recipients []string `json:"recipients"`
	TeamID     string   `json:"teamId"`
	ParentID   string   `json:"parentId"`
}

type AppendContextInput struct {
	Kind       string   `json:"kind"`
	Content    string   `json:"content"`
	Confidence *float64 `json:"confidence"`
	Provenance string   `json:"provenance"`
}

type FeedQuery struct {
	Status string
	Cursor string
	Limit  int
	Sort   string
	DueNow bool
}

type dataStore interface {
	Ping(ctx context.Context) error
	EnsureUserByName(ctx context.Context, id, name string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	IsTeamMember(ctx context.Context, teamID, userID string) (bool, error)
	ListTeamMemberIDs(ctx context.Context, teamID string) ([]string, error)
	ListUserTeams(ctx context.Context, userID string) ([]string, error)
	ListUserConversations(ctx context.Context, userID string) ([]string, error)
	InsertCard(ctx context.Context, item store.Card, recipients []string) error
	GetCard(ctx context.Context, cardID string) (store.Card, error)
	ListRecipients(ctx context.Context, cardID string) ([]string, error)
	Feed(ctx context.Context, userID string, filter store.FeedFilter) ([]store.Card, error)
	UpdateCardStatus(ctx context.Context, cardID, status string) error
	SnoozeCard(ctx context.Context, cardID string, until time.Time) error
	InsertResponse(ctx context.Context, item store.Response) error
	ListResponses(ctx context.Context, cardID string) ([]store.Response, error)
	InsertReaction(ctx context.Context, item store.Reaction) error
	ListReactions(ctx context.Context, cardID string) ([]store.Reaction, error)
	MarkViewed(ctx context.Context, cardID, userID string, at time.Time) error
	ListViews(ctx context.Context, cardID string) ([]store.View, error)
	InsertContextLayer(ctx context.Context, layer store.ContextLayer) error
	ListContextLayers(ctx context.Context, cardID string) ([]store.ContextLayer, error)
	GetWatermark(ctx context.Context, userID, scope string) (time.Time, error)
	CountUnread(ctx context.Context, userID, scope string, since time.Time) (int, error)
	AdvanceWatermark(ctx context.Context, userID, scope string, at time.Time) (time.Time, error)
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// EventPublisher fans an event out to every process. The Redis bridge is
// the production implementation; it loops events back into the local hub
// through its own subscription. A nil publisher keeps events local to the
// in-process hub.
type EventPublisher interface {
	Publish(ctx context.Context, e live.Event) error
}

type cardIndex interface {
	Search(q search.Query) search.Response
	IndexCard(rec search.CardRecord)
	DeleteCard(id string)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions session.FamilyStore
	hub      *live.Hub
	events   EventPublisher
	index    cardIndex
	unread   *unread.Aggregator
	logger   zerolog.Logger
	now      func() time.Time
}

func New(cfg config.Config, dataStore dataStore, sessions session.FamilyStore, hub *live.Hub, events EventPublisher, index cardIndex, logger zerolog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		hub:      hub,
		events:   events,
		index:    index,
		unread:   unread.New(dataStore),
		logger:   logger.With().Str("component", "app").Logger(),
		now:      time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SessionPing(ctx context.Context) error {
	return s.sessions.Ping(ctx)
}

// ── Sessions ──

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	user, err := s.store.EnsureUserByName(ctx, uuid.NewString(), userName)
	if err != nil {
		return Session{}, err
	}

	refresh := newRefreshToken()
	now := s.now()
	if err := s.sessions.CreateFamily(ctx, uuid.NewString(), user.ID, auth.HashToken(refresh), now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}
	return s.issueAccessToken(user, refresh, now)
}

// Refresh redeems a rotating refresh token and returns a fresh token pair.
// A replayed token has already destroyed its family by the time we see the
// error; the caller must log in again.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	successor := newRefreshToken()
	now := s.now()
	tok, err := s.sessions.Redeem(ctx, auth.HashToken(refreshToken), auth.HashToken(successor), now.Add(s.cfg.RefreshTTL))
	if err != nil {
		switch {
		case errors.Is(err, session.ErrReplayed):
			return Session{}, unauthorizedError("refresh token reuse detected, session revoked")
		case errors.Is(err, session.ErrNotFound):
			return Session{}, unauthorizedError("refresh token invalid")
		}
		return Session{}, err
	}

	user, err := s.store.GetUserByID(ctx, tok.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, unauthorizedError("unknown user")
		}
		return Session{}, err
	}
	return s.issueAccessToken(user, successor, now)
}

func (s *Service) Logout(ctx context.Context, sess Session, refreshToken string) error {
	if sess.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, sess.JTI, sess.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeByHash(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) issueAccessToken(user store.User, refresh string, now time.Time) (Session, error) {
	jti := uuid.NewString()
	expiresAt := now.Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.DisplayName, jti, expiresAt)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func newRefreshToken() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

// ── Cards ──

func (s *Service) CreatePersonalCard(ctx context.Context, sess Session, input CreateCardInput) (map[string]any, error) {
	if input.TeamID != "" {
		return nil, validationError("personal cards cannot target a team")
	}
	visibility := card.VisibilityPrivate
	if len(input.Recipients) > 0 {
		visibility = card.VisibilityDirect
	}
	return s.createCard(ctx, sess, input, visibility)
}

func (s *Service) CreateTeamCard(ctx context.Context, sess Session, input CreateCardInput) (map[string]any, error) {
	if strings.TrimSpace(input.TeamID) == "" {
		return nil, validationError("teamId is required")
	}
	member, err := s.store.IsTeamMember(ctx, input.TeamID, sess.UserID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, forbiddenError("not a member of this team")
	}

	// Materialize the membership as explicit recipients so delivery
	// state survives later roster changes.
	members, err := s.store.ListTeamMemberIDs(ctx, input.TeamID)
	if err != nil {
		return nil, err
	}
	recipients := make([]string, 0, len(members))
	for _, id := range members {
		if id != sess.UserID {
			recipients = append(recipients, id)
		}
	}
	input.Recipients = recipients
	return s.createCard(ctx, sess, input, card.VisibilityTeam)
}

func (s *Service) createCard(ctx context.Context, sess Session, input CreateCardInput, visibility card.Visibility) (map[string]any, error) {
	body := strings.TrimSpace(input.Body)
	if body == "" {
		return nil, validationError("body is required")
	}
	if input.Importance != "" && !card.ValidImportance(card.Importance(input.Importance)) {
		return nil, validationError("unknown importance: " + input.Importance)
	}

	var dueDate *time.Time
	if strings.TrimSpace(input.DueDate) != "" {
		parsed, err := time.Parse(time.RFC3339, input.DueDate)
		if err != nil {
			return nil, validationError("dueDate must be an RFC 3339 timestamp")
		}
		dueDate = &parsed
	}

	now := s.now()
	item := store.Card{
		ID:         ulid.Make().String(),
		SenderID:   sess.UserID,
		SenderName: sess.UserName,
		Body:       body,
		Summary:    summarize(body, input.Summary),
		Importance: string(card.NormalizeImportance(input.Importance)),
		Visibility: string(visibility),
		Status:     string(card.StatusPending),
		DueDate:    dueDate,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	item.ThreadID = item.ID

	if visibility == card.VisibilityTeam {
		teamID := input.TeamID
		item.TeamID = &teamID
	}
	if visibility == card.VisibilityDirect && len(input.Recipients) > 0 {
		participants := append([]string{sess.UserID}, input.Recipients...)
		conversationID := entitle.ConversationScope(participants...)
		item.ConversationID = &conversationID
	}

	if input.ParentID != "" {
		parent, err := s.store.GetCard(ctx, input.ParentID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, validationError("parent card not found")
			}
			return nil, err
		}
		parentID := parent.ID
		item.ParentID = &parentID
		item.ThreadID = parent.ThreadID
	}

	if err := s.store.InsertCard(ctx, item, input.Recipients); err != nil {
		return nil, err
	}

	// The original raw input is the first, auto-captured context layer.
	if err := s.store.InsertContextLayer(ctx, store.ContextLayer{
		ID:         ulid.Make().String(),
		CardID:     item.ID,
		Kind:       "original",
		Content:    body,
		Provenance: "author:" + sess.UserID,
		CapturedAt: now,
	}); err != nil {
		return nil, err
	}

	s.publish(ctx, live.Event{
		Type:     live.EventNewCard,
		CardID:   item.ID,
		ThreadID: item.ThreadID,
		Scopes:   entitle.EventScopes(item, input.Recipients),
	})
	s.indexCard(item, input.Recipients)

	return s.cardPayload(item), nil
}

func summarize(body, summary string) string {
	summary = strings.TrimSpace(summary)
	if summary != "" {
		return summary
	}
	const max = 120
	if len(body) <= max {
		return body
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return body[:cut]
}

// loadEntitled fetches a card and checks the actor can see it.
func (s *Service) loadEntitled(ctx context.Context, sess Session, cardID string) (store.Card, []string, error) {
	item, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Card{}, nil, notFoundError("card not found")
		}
		return store.Card{}, nil, err
	}
	recipients, err := s.store.ListRecipients(ctx, cardID)
	if err != nil {
		return store.Card{}, nil, err
	}
	teams, err := s.store.ListUserTeams(ctx, sess.UserID)
	if err != nil {
		return store.Card{}, nil, err
	}
	if !entitle.OnCard(item, recipients, teams, sess.UserID) {
		return store.Card{}, nil, forbiddenError("no access to this card")
	}
	return item, recipients, nil
}

func (s *Service) Acknowledge(ctx context.Context, sess Session, cardID string) (map[string]any, error) {
	item, recipients, err := s.loadEntitled(ctx, sess, cardID)
	if err != nil {
		return nil, err
	}

	// Already acknowledged or further along: idempotent no-op.
	if card.Status(item.Status) != card.StatusPending {
		return map[string]any{"success": true, "status": item.Status}, nil
	}

	if err := s.store.UpdateCardStatus(ctx, cardID, string(card.StatusAcknowledged)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFoundError("card not found")
		}
		return nil, err
	}
	item.Status = string(card.StatusAcknowledged)

	s.publish(ctx, live.Event{
		Type:     live.EventStatusChanged,
		CardID:   item.ID,
		ThreadID: item.ThreadID,
		Status:   item.Status,
		Scopes:   entitle.EventScopes(item, recipients),
	})
	s.indexCard(item, recipients)

	return map[string]any{"success": true, "status": item.Status}, nil
}

func (s *Service) Respond(ctx context.Context, sess Session, cardID, body string) (map[string]any, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, validationError("body is required")
	}
	item, recipients, err := s.loadEntitled(ctx, sess, cardID)
	if err != nil {
		return nil, err
	}

	resp := store.Response{
		ID:        ulid.Make().String(),
		CardID:    cardID,
		AuthorID:  sess.UserID,
		Body:      body,
		CreatedAt: s.now(),
	}
	if err := s.store.InsertResponse(ctx, resp); err != nil {
		return nil, err
	}

	s.publish(ctx, live.Event{
		Type:     live.EventNewReply,
		CardID:   item.ID,
		ThreadID: item.ThreadID,
		Scopes:   entitle.EventScopes(item, recipients),
	})

	return map[string]any{
		"id":         resp.ID,
		"cardId":     resp.CardID,
		"authorId":   resp.AuthorID,
		"authorName": sess.UserName,
		"body":       resp.Body,
		"createdAt":  resp.CreatedAt,
	}, nil
}

func (s *Service) React(ctx context.Context, sess Session, cardID, emoji string) (map[string]any, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return nil, validationError("emoji is required")
	}
	item, recipients, err := s.loadEntitled(ctx, sess, cardID)
	if err != nil {
		return nil, err
	}

	reaction := store.Reaction{
		ID:        ulid.Make().String(),
		CardID:    cardID,
		UserID:    sess.UserID,
		Emoji:     emoji,
		CreatedAt: s.now(),
	}
	if err := s.store.InsertReaction(ctx, reaction); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, conflictError("reaction already recorded")
		}
		return nil, err
	}

	s.publish(ctx, live.Event{
		Type:     live.EventNewReply,
		CardID:   item.ID,
		ThreadID: item.ThreadID,
		Scopes:   entitle.EventScopes(item, recipients),
	})

	return map[string]any{
		"id":        reaction.ID,
		"cardId":    reaction.CardID,
		"userId":    reaction.UserID,
		"emoji":     reaction.Emoji,
		"createdAt": reaction.CreatedAt,
	}, nil
}

func (s *Service) UpdateStatus(ctx context.Context, sess Session, cardID, statusRaw string) (map[string]any, error) {
	to := card.Status(statusRaw)
	if !card.ValidStatus(to) {
		return nil, validationError("unknown status: " + statusRaw)
	}
	item, recipients, err := s.loadEntitled(ctx, sess, cardID)
	if err != nil {
		return nil, err
	}

	from := card.Status(item.Status)
	if from == to {
		return map[string]any{"success": true, "status": item.Status}, nil
	}
	if !card.CanTransition(from, to) {
		return nil, validationError(fmt.Sprintf("cannot transition from %s to %s", from, to))
	}

	if err := s.store.UpdateCardStatus(ctx, cardID, string(to)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFoundError("card not found")
		}
		return nil, err
	}
	item.Status = string(to)

	s.publish(ctx, live.Event{
		Type:     live.EventStatusChanged,
		CardID:   item.ID,
		ThreadID: item.ThreadID,
		Status:   item.Status,
		Scopes:   entitle.EventScopes(item, recipients),
	})
	if to == card.StatusDeleted {
		if s.index != nil {
			s.index.DeleteCard(item.ID)
		}
	} else {
		s.indexCard(item, recipients)
	}

	return map[string]any{"success": true, "status": item.Status}, nil
}

func (s *Service) Snooze(ctx context.Context, sess Session, cardID, untilRaw string) (map[string]any, error) {
	until, err := time.Parse(time.RFC3339, untilRaw)
	if err != nil {
		return nil, validationError("until must be an RFC 3339 timestamp")
	}
	if !until.After(s.now()) {
		return nil, validationError("until must be in the future")
	}
	item, _, err := s.loadEntitled(ctx, sess, cardID)
	if err != nil {
		return nil, err
	}

	if err := s.store.SnoozeCard(ctx, cardID, until); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFoundError("card not found")
		}
		return nil, err
	}

	return map[string]any{"status": item.Status, "snoozedUntil": until}, nil
}

func (s *Service) Feed(ctx context.Context, sess Session, q FeedQuery) ([]map[string]any, map[string]any, error) {
	if q.Status != "" && !card.ValidStatus(card.Status(q.Status)) {
		return nil, nil, validationError("unknown status: " + q.Status)
	}
	if q.Sort != "" && q.Sort != "priority" && q.Sort != "newest" {
		return nil, nil, validationError("sort must be priority or newest")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	// Fetch one extra row to learn whether a next page exists.
	items, err := s.store.Feed(ctx, sess.UserID, store.FeedFilter{
		Status: q.Status,
		Cursor: q.Cursor,
		Limit:  limit + 1,
		DueNow: q.DueNow,
	})
	if err != nil {
		return nil, nil, err
	}

	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}

	now := s.now()
	cards := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payload := s.cardPayload(item)
		payload["priorityScore"] = priority.Score(card.Importance(item.Importance), item.DueDate, now)
		cards = append(cards, payload)
	}

	if q.Sort == "priority" {
		// Stable sort keeps newest-first within a score tie.
		sort.SliceStable(cards, func(i, j int) bool {
			return cards[i]["priorityScore"].(int) > cards[j]["priorityScore"].(int)
		})
	}

	meta := map[string]any{"hasMore": hasMore}
	if hasMore && len(items) > 0 {
		meta["cursor"] = items[len(items)-1].ID
	}
	return cards, meta, nil
}

func (s *Service) CardDetail(ctx context.Context, sess Session, cardID string) (map[string]any, error) {
	item, _, err := s.loadEntitled(ctx, sess, cardID)
	if err != nil {
		return nil, err
	}

	responses, err := s.store.ListResponses(ctx, cardID)
	if err != nil {
		return nil, err
	}
	reactions, err := s.store.ListReactions(ctx, cardID)
	if err != nil {
		return nil, err
	}
	views, err := s.store.ListViews(ctx, cardID)
	if err != nil {
		return nil, err
	}

	payload := s.cardPayload(item)
	payload["priorityScore"] = priority.Score(card.Importance(item.Importance), item.DueDate, s.now())

	responseItems := make([]map[string]any, 0, len(responses))
	for _, resp := range responses {
		responseItems = append(responseItems, map[string]any{
			"id":         resp.ID,
			"authorId":   resp.AuthorID,
			"authorName": resp.AuthorName,
			"body":       resp.Body,
			"createdAt":  resp.CreatedAt,
		})
	}
	payload["responses"] = responseItems

	reactionItems := make([]map[string]any, 0, len(reactions))
	for _, reaction := range reactions {
		reactionItems = append(reactionItems, map[string]any{
			"id":        reaction.ID,
			"userId":    reaction.UserID,
			"emoji":     reaction.Emoji,
			"createdAt": reaction.CreatedAt,
		})
	}
	payload["reactions"] = reactionItems

	viewItems := make([]map[string]any, 0, len(views))
	for _, view := range views {
		viewItems = append(viewItems, map[string]any{
			"userId":   view.UserID,
			"userName": view.UserName,
			"viewedAt": view.ViewedAt,
		})
	}
	payload["viewedBy"] = viewItems

	return payload, nil
}

func (s *Service) MarkViewed(ctx context.Context, sess Session, cardID string) (map[string]any, error) {
	if _, _, err := s.loadEntitled(ctx, sess, cardID); err != nil {
		return nil, err
	}
	if err := s.store.MarkViewed(ctx, cardID, sess.UserID, s.now()); err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

// ── Context ledger ──

func (s *Service) AppendContext(ctx context.Context, sess Session, cardID string, input AppendContextInput) (map[string]any, error) {
	if strings.TrimSpace(input.Kind) == "" {
		return nil, validationError("kind is required")
	}
	if strings.TrimSpace(input.Content) == "" {
		return nil, validationError("content is required")
	}
	if _, _, err := s.loadEntitled(ctx, sess, cardID); err != nil {
		return nil, err
	}

	layer := store.ContextLayer{
		ID:         ulid.Make().String(),
		CardID:     cardID,
		Kind:       input.Kind,
		Content:    input.Content,
		Confidence: input.Confidence,
		Provenance: input.Provenance,
		CapturedAt: s.now(),
	}
	if err := s.store.InsertContextLayer(ctx, layer); err != nil {
		return nil, err
	}
	return contextLayerPayload(layer), nil
}

func (s *Service) ListContext(ctx context.Context, sess Session, cardID string) ([]map[string]any, error) {
	if _, _, err := s.loadEntitled(ctx, sess, cardID); err != nil {
		return nil, err
	}
	layers, err := s.store.ListContextLayers(ctx, cardID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(layers))
	for _, layer := range layers {
		items = append(items, contextLayerPayload(layer))
	}
	return items, nil
}

func contextLayerPayload(layer store.ContextLayer) map[string]any {
	payload := map[string]any{
		"id":         layer.ID,
		"cardId":     layer.CardID,
		"kind":       layer.Kind,
		"content":    layer.Content,
		"provenance": layer.Provenance,
		"capturedAt": layer.CapturedAt,
	}
	if layer.Confidence != nil {
		payload["confidence"] = *layer.Confidence
	}
	return payload
}

// ── Unread ──

func (s *Service) UnreadCounts(ctx context.Context, sess Session) (unread.Counts, error) {
	return s.unread.Counts(ctx, sess.UserID)
}

func (s *Service) MarkRead(ctx context.Context, sess Session, scope string) (map[string]any, error) {
	if !unread.ValidScope(scope) {
		return nil, validationError("scope must be team:<id> or dm:<a>:<b>")
	}
	lastRead, err := s.unread.MarkRead(ctx, sess.UserID, scope, s.now())
	if err != nil {
		return nil, err
	}

	// Other devices of the same user converge on the new watermark.
	s.publish(ctx, live.Event{
		Type:   live.EventUnreadChanged,
		Scopes: []string{entitle.UserScope(sess.UserID)},
	})

	return map[string]any{"scope": scope, "lastRead": lastRead}, nil
}

// ── Search ──

func (s *Service) SearchCards(ctx context.Context, sess Session, text, status string, limit, offset int) (search.Response, error) {
	if s.index == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	teams, err := s.store.ListUserTeams(ctx, sess.UserID)
	if err != nil {
		return search.Response{}, err
	}
	return s.index.Search(search.Query{
		Text:    text,
		UserID:  sess.UserID,
		TeamIDs: teams,
		Status:  status,
		Limit:   limit,
		Offset:  offset,
	}), nil
}

// ── Live ──

func (s *Service) Subscribe(ctx context.Context, sess Session) (*live.Conn, error) {
	teams, err := s.store.ListUserTeams(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	conversations, err := s.store.ListUserConversations(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	return s.hub.Register(sess.UserID, entitle.ConnectionScopes(sess.UserID, teams, conversations)), nil
}

func (s *Service) Unsubscribe(conn *live.Conn) {
	s.hub.Unregister(conn)
}

func (s *Service) publish(ctx context.Context, e live.Event) {
	if s.events != nil {
		if err := s.events.Publish(ctx, e); err != nil {
			s.logger.Warn().Err(err).Str("type", string(e.Type)).Msg("publish event failed")
		}
		return
	}
	if s.hub != nil {
		s.hub.Publish(e)
	}
}

func (s *Service) indexCard(item store.Card, recipients []string) {
	if s.index == nil {
		return
	}
	teamID := ""
	if item.TeamID != nil {
		teamID = *item.TeamID
	}
	s.index.IndexCard(search.CardRecord{
		ID:           item.ID,
		Body:         item.Body,
		Summary:      item.Summary,
		SenderID:     item.SenderID,
		SenderName:   item.SenderName,
		TeamID:       teamID,
		RecipientIDs: recipients,
		Status:       item.Status,
		Importance:   item.Importance,
	})
}

func (s *Service) cardPayload(item store.Card) map[string]any {
	payload := map[string]any{
		"id":         item.ID,
		"senderId":   item.SenderID,
		"senderName": item.SenderName,
		"body":       item.Body,
		"summary":    item.Summary,
		"importance": item.Importance,
		"visibility": item.Visibility,
		"status":     item.Status,
		"threadId":   item.ThreadID,
		"createdAt":  item.CreatedAt,
		"updatedAt":  item.UpdatedAt,
	}
	if item.TeamID != nil {
		payload["teamId"] = *item.TeamID
	}
	if item.ConversationID != nil {
		payload["conversationId"] = *item.ConversationID
	}
	if item.ParentID != nil {
		payload["parentId"] = *item.ParentID
	}
	if item.DueDate != nil {
		payload["dueDate"] = *item.DueDate
	}
	if item.SnoozedUntil != nil {
		payload["snoozedUntil"] = *item.SnoozedUntil
	}
	return payload
}
