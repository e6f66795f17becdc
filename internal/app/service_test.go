package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"tez/api/internal/config"
	"tez/api/internal/live"
	"tez/api/internal/session"
	"tez/api/internal/store"
)

type fakeStore struct {
	ensureUserByNameFn   func(context.Context, string, string) (store.User, error)
	getUserByIDFn        func(context.Context, string) (store.User, error)
	isTeamMemberFn       func(context.Context, string, string) (bool, error)
	listTeamMemberIDsFn  func(context.Context, string) ([]string, error)
	listUserTeamsFn      func(context.Context, string) ([]string, error)
	insertCardFn         func(context.Context, store.Card, []string) error
	getCardFn            func(context.Context, string) (store.Card, error)
	listRecipientsFn     func(context.Context, string) ([]string, error)
	feedFn               func(context.Context, string, store.FeedFilter) ([]store.Card, error)
	updateCardStatusFn   func(context.Context, string, string) error
	snoozeCardFn         func(context.Context, string, time.Time) error
	insertResponseFn     func(context.Context, store.Response) error
	listResponsesFn      func(context.Context, string) ([]store.Response, error)
	insertReactionFn     func(context.Context, store.Reaction) error
	insertContextLayerFn func(context.Context, store.ContextLayer) error
	listContextLayersFn  func(context.Context, string) ([]store.ContextLayer, error)
	advanceWatermarkFn   func(context.Context, string, string, time.Time) (time.Time, error)
}

func (f *fakeStore) Ping(context.Context) error { return nil }
func (f *fakeStore) EnsureUserByName(ctx context.Context, id, name string) (store.User, error) {
	if f.ensureUserByNameFn != nil {
		return f.ensureUserByNameFn(ctx, id, name)
	}
	return store.User{ID: id, DisplayName: name}, nil
}
func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID, DisplayName: "Test"}, nil
}
func (f *fakeStore) IsTeamMember(ctx context.Context, teamID, userID string) (bool, error) {
	if f.isTeamMemberFn != nil {
		return f.isTeamMemberFn(ctx, teamID, userID)
	}
	return false, nil
}
func (f *fakeStore) ListTeamMemberIDs(ctx context.Context, teamID string) ([]string, error) {
	if f.listTeamMemberIDsFn != nil {
		return f.listTeamMemberIDsFn(ctx, teamID)
	}
	return nil, nil
}
func (f *fakeStore) ListUserTeams(ctx context.Context, userID string) ([]string, error) {
	if f.listUserTeamsFn != nil {
		return f.listUserTeamsFn(ctx, userID)
	}
	return nil, nil
}
func (f *fakeStore) ListUserConversations(context.Context, string) ([]string, error) {
	return nil, nil
}
func (f *fakeStore) InsertCard(ctx context.Context, item store.Card, recipients []string) error {
	if f.insertCardFn != nil {
		return f.insertCardFn(ctx, item, recipients)
	}
	return nil
}
func (f *fakeStore) GetCard(ctx context.Context, cardID string) (store.Card, error) {
	if f.getCardFn != nil {
		return f.getCardFn(ctx, cardID)
	}
	return store.Card{}, sql.ErrNoRows
}
func (f *fakeStore) ListRecipients(ctx context.Context, cardID string) ([]string, error) {
	if f.listRecipientsFn != nil {
		return f.listRecipientsFn(ctx, cardID)
	}
	return nil, nil
}
func (f *fakeStore) Feed(ctx context.Context, userID string, filter store.FeedFilter) ([]store.Card, error) {
	if f.feedFn != nil {
		return f.feedFn(ctx, userID, filter)
	}
	return nil, nil
}
func (f *fakeStore) UpdateCardStatus(ctx context.Context, cardID, status string) error {
	if f.updateCardStatusFn != nil {
		return f.updateCardStatusFn(ctx, cardID, status)
	}
	return nil
}
func (f *fakeStore) SnoozeCard(ctx context.Context, cardID string, until time.Time) error {
	if f.snoozeCardFn != nil {
		return f.snoozeCardFn(ctx, cardID, until)
	}
	return nil
}
func (f *fakeStore) InsertResponse(ctx context.Context, item store.Response) error {
	if f.insertResponseFn != nil {
		return f.insertResponseFn(ctx, item)
	}
	return nil
}
func (f *fakeStore) ListResponses(ctx context.Context, cardID string) ([]store.Response, error) {
	if f.listResponsesFn != nil {
		return f.listResponsesFn(ctx, cardID)
	}
	return nil, nil
}
func (f *fakeStore) InsertReaction(ctx context.Context, item store.Reaction) error {
	if f.insertReactionFn != nil {
		return f.insertReactionFn(ctx, item)
	}
	return nil
}
func (f *fakeStore) ListReactions(context.Context, string) ([]store.Reaction, error) {
	return nil, nil
}
func (f *fakeStore) MarkViewed(context.Context, string, string, time.Time) error { return nil }
func (f *fakeStore) ListViews(context.Context, string) ([]store.View, error)     { return nil, nil }
func (f *fakeStore) InsertContextLayer(ctx context.Context, layer store.ContextLayer) error {
	if f.insertContextLayerFn != nil {
		return f.insertContextLayerFn(ctx, layer)
	}
	return nil
}
func (f *fakeStore) ListContextLayers(ctx context.Context, cardID string) ([]store.ContextLayer, error) {
	if f.listContextLayersFn != nil {
		return f.listContextLayersFn(ctx, cardID)
	}
	return nil, nil
}
func (f *fakeStore) GetWatermark(context.Context, string, string) (time.Time, error) {
	return time.Time{}, nil
}
func (f *fakeStore) CountUnread(context.Context, string, string, time.Time) (int, error) {
	return 0, nil
}
func (f *fakeStore) AdvanceWatermark(ctx context.Context, userID, scope string, at time.Time) (time.Time, error) {
	if f.advanceWatermarkFn != nil {
		return f.advanceWatermarkFn(ctx, userID, scope, at)
	}
	return at, nil
}
func (f *fakeStore) RevokeAccessToken(context.Context, string, time.Time) error { return nil }
func (f *fakeStore) IsAccessTokenRevoked(context.Context, string) (bool, error) {
	return false, nil
}

type fakeSessions struct {
	createFn func(context.Context, string, string, string, time.Time) error
	redeemFn func(context.Context, string, string, time.Time) (session.FamilyToken, error)
	revokeFn func(context.Context, string) error
}

func (f *fakeSessions) CreateFamily(ctx context.Context, familyID, userID, tokenHash string, expiresAt time.Time) error {
	if f.createFn != nil {
		return f.createFn(ctx, familyID, userID, tokenHash, expiresAt)
	}
	return nil
}
func (f *fakeSessions) Redeem(ctx context.Context, tokenHash, successorHash string, expiresAt time.Time) (session.FamilyToken, error) {
	if f.redeemFn != nil {
		return f.redeemFn(ctx, tokenHash, successorHash, expiresAt)
	}
	return session.FamilyToken{}, session.ErrNotFound
}
func (f *fakeSessions) RevokeByHash(ctx context.Context, tokenHash string) error {
	if f.revokeFn != nil {
		return f.revokeFn(ctx, tokenHash)
	}
	return nil
}
func (f *fakeSessions) Ping(context.Context) error { return nil }

type recordingPublisher struct {
	mu     sync.Mutex
	events []live.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e live.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) byType(t live.EventType) []live.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []live.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestService(fs *fakeStore, sessions session.FamilyStore, events EventPublisher) *Service {
	cfg := config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
	}
	return New(cfg, fs, sessions, live.NewHub(zerolog.Nop()), events, nil, zerolog.Nop())
}

func testSession() Session {
	return Session{UserID: "user-1", UserName: "Avery"}
}

func wantValidation(t *testing.T, err error) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreatePersonalCardRequiresBody(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeSessions{}, nil)
	_, err := svc.CreatePersonalCard(context.Background(), testSession(), CreateCardInput{Body: "   "})
	wantValidation(t, err)
}

func TestCreatePersonalCardRejectsBadDueDate(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeSessions{}, nil)
	_, err := svc.CreatePersonalCard(context.Background(), testSession(), CreateCardInput{
		Body:    "check the deploy",
		DueDate: "tomorrow-ish",
	})
	wantValidation(t, err)
}

func TestCreatePersonalCardAttachesOriginalLayer(t *testing.T) {
	var inserted store.Card
	var layer store.ContextLayer
	fs := &fakeStore{
		insertCardFn: func(_ context.Context, item store.Card, _ []string) error {
			inserted = item
			return nil
		},
		insertContextLayerFn: func(_ context.Context, l store.ContextLayer) error {
			layer = l
			return nil
		},
	}
	events := &recordingPublisher{}
	svc := newTestService(fs, &fakeSessions{}, events)

	payload, err := svc.CreatePersonalCard(context.Background(), testSession(), CreateCardInput{
		Body:       "check the deploy",
		Recipients: []string{"user-2"},
	})
	if err != nil {
		t.Fatalf("create card: %v", err)
	}

	if inserted.Status != "pending" {
		t.Fatalf("expected pending status, got %q", inserted.Status)
	}
	if inserted.Visibility != "direct" {
		t.Fatalf("expected direct visibility, got %q", inserted.Visibility)
	}
	if inserted.ConversationID == nil || *inserted.ConversationID != "dm:user-1:user-2" {
		t.Fatalf("expected conversation dm:user-1:user-2, got %v", inserted.ConversationID)
	}
	if layer.Kind != "original" || layer.Content != "check the deploy" {
		t.Fatalf("expected auto-captured original layer, got %+v", layer)
	}
	if layer.CardID != inserted.ID {
		t.Fatalf("layer card %q does not match card %q", layer.CardID, inserted.ID)
	}

	newCard := events.byType(live.EventNewCard)
	if len(newCard) != 1 {
		t.Fatalf("expected one new_card event, got %d", len(newCard))
	}
	scopes := strings.Join(newCard[0].Scopes, ",")
	if !strings.Contains(scopes, "user:user-2") || !strings.Contains(scopes, "dm:user-1:user-2") {
		t.Fatalf("event scopes missing recipient: %v", newCard[0].Scopes)
	}
	if payload["id"] != inserted.ID {
		t.Fatalf("payload id mismatch")
	}
}

func TestCreateTeamCardRequiresMembership(t *testing.T) {
	fs := &fakeStore{
		isTeamMemberFn: func(context.Context, string, string) (bool, error) { return false, nil },
	}
	svc := newTestService(fs, &fakeSessions{}, nil)

	_, err := svc.CreateTeamCard(context.Background(), testSession(), CreateCardInput{
		Body:   "standup moved",
		TeamID: "team-1",
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestCreateTeamCardMaterializesRecipients(t *testing.T) {
	var recipients []string
	fs := &fakeStore{
		isTeamMemberFn: func(context.Context, string, string) (bool, error) { return true, nil },
		listTeamMemberIDsFn: func(context.Context, string) ([]string, error) {
			return []string{"user-1", "user-2", "user-3"}, nil
		},
		insertCardFn: func(_ context.Context, _ store.Card, r []string) error {
			recipients = r
			return nil
		},
	}
	svc := newTestService(fs, &fakeSessions{}, nil)

	if _, err := svc.CreateTeamCard(context.Background(), testSession(), CreateCardInput{
		Body:   "standup moved",
		TeamID: "team-1",
	}); err != nil {
		t.Fatalf("create team card: %v", err)
	}
	if len(recipients) != 2 {
		t.Fatalf("expected sender excluded from recipients, got %v", recipients)
	}
	for _, id := range recipients {
		if id == "user-1" {
			t.Fatalf("sender must not be a recipient: %v", recipients)
		}
	}
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	updates := 0
	fs := &fakeStore{
		getCardFn: func(context.Context, string) (store.Card, error) {
			return store.Card{ID: "c1", SenderID: "user-1", Status: "acknowledged", ThreadID: "c1"}, nil
		},
		updateCardStatusFn: func(context.Context, string, string) error {
			updates++
			return nil
		},
	}
	svc := newTestService(fs, &fakeSessions{}, nil)

	payload, err := svc.Acknowledge(context.Background(), testSession(), "c1")
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if payload["status"] != "acknowledged" || updates != 0 {
		t.Fatalf("expected no-op acknowledge, status=%v updates=%d", payload["status"], updates)
	}
}

func TestAcknowledgeForbiddenForStrangers(t *testing.T) {
	fs := &fakeStore{
		getCardFn: func(context.Context, string) (store.Card, error) {
			return store.Card{ID: "c1", SenderID: "someone-else", Status: "pending"}, nil
		},
	}
	svc := newTestService(fs, &fakeSessions{}, nil)

	_, err := svc.Acknowledge(context.Background(), testSession(), "c1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("expected 403, got %v", err)
	}
}

func TestAcknowledgeUnknownCard(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeSessions{}, nil)
	_, err := svc.Acknowledge(context.Background(), testSession(), "missing")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 404 {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestUpdateStatusRejectsInvalidTransition(t *testing.T) {
	fs := &fakeStore{
		getCardFn: func(context.Context, string) (store.Card, error) {
			return store.Card{ID: "c1", SenderID: "user-1", Status: "archived"}, nil
		},
	}
	svc := newTestService(fs, &fakeSessions{}, nil)

	_, err := svc.UpdateStatus(context.Background(), testSession(), "c1", "pending")
	wantValidation(t, err)
}

func TestUpdateStatusSameStatusIsNoop(t *testing.T) {
	updates := 0
	fs := &fakeStore{
		getCardFn: func(context.Context, string) (store.Card, error) {
			return store.Card{ID: "c1", SenderID: "user-1", Status: "resolved"}, nil
		},
		updateCardStatusFn: func(context.Context, string, string) error {
			updates++
			return nil
		},
	}
	svc := newTestService(fs, &fakeSessions{}, nil)

	payload, err := svc.UpdateStatus(context.Background(), testSession(), "c1", "resolved")
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if payload["success"] != true || updates != 0 {
		t.Fatalf("expected no-op, got payload=%v updates=%d", payload, updates)
	}
}

func TestUpdateStatusPublishesEvent(t *testing.T) {
	fs := &fakeStore{
		getCardFn: func(context.Context, string) (store.Card, error) {
			return store.Card{ID: "c1", SenderID: "user-1", Status: "pending", ThreadID: "c1"}, nil
		},
	}
	events := &recordingPublisher{}
	svc := newTestService(fs, &fakeSessions{}, events)

	if _, err := svc.UpdateStatus(context.Background(), testSession(), "c1", "resolved"); err != nil {
		t.Fatalf("update status: %v", err)
	}
	changed := events.byType(live.EventStatusChanged)
	if len(changed) != 1 || changed[0].Status != "resolved" || changed[0].CardID != "c1" {
		t.Fatalf("expected status_changed event, got %v", changed)
	}
}

func TestSnoozeRejectsPastTimestamp(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeSessions{}, nil)
	past := time.Now().Add(-time.Hour).Format(time.RFC3339)
	_, err := svc.Snooze(context.Background(), testSession(), "c1", past)
	wantValidation(t, err)
}

func TestSnoozeKeepsStatus(t *testing.T) {
	var snoozedUntil time.Time
	fs := &fakeStore{
		getCardFn: func(context.Context, string) (store.Card, error) {
			return store.Card{ID: "c1", SenderID: "user-1", Status: "acknowledged"}, nil
		},
		snoozeCardFn: func(_ context.Context, _ string, until time.Time) error {
			snoozedUntil = until
			return nil
		},
	}
	svc := newTestService(fs, &fakeSessions{}, nil)

	until := time.Now().Add(2 * time.Hour).Truncate(time.Second)
	payload, err := svc.Snooze(context.Background(), testSession(), "c1", until.Format(time.RFC3339))
	if err != nil {
		t.Fatalf("snooze: %v", err)
	}
	if payload["status"] != "acknowledged" {
		t.Fatalf("snooze must not change status, got %v", payload["status"])
	}
	if !snoozedUntil.Equal(until) {
		t.Fatalf("expected snooze until %v, got %v", until, snoozedUntil)
	}
}

func TestRespondAppendsEachCall(t *testing.T) {
	inserts := 0
	fs := &fakeStore{
		getCardFn: func(context.Context, string) (store.Card, error) {
			return store.Card{ID: "c1", SenderID: "user-1", Status: "pending", ThreadID: "c1"}, nil
		},
		insertResponseFn: func(context.Context, store.Response) error {
			inserts++
			return nil
		},
	}
	events := &recordingPublisher{}
	svc := newTestService(fs, &fakeSessions{}, events)

	for i := 0; i < 3; i++ {
		if _, err := svc.Respond(context.Background(), testSession(), "c1", "looks good"); err != nil {
			t.Fatalf("respond %d: %v", i, err)
		}
	}
	if inserts != 3 {
		t.Fatalf("expected 3 inserts, got %d", inserts)
	}
	if replies := events.byType(live.EventNewReply); len(replies) != 3 {
		t.Fatalf("expected 3 new_reply events, got %d", len(replies))
	}
}

func TestFeedPagination(t *testing.T) {
	var gotFilter store.FeedFilter
	fs := &fakeStore{
		feedFn: func(_ context.Context, _ string, filter store.FeedFilter) ([]store.Card, error) {
			gotFilter = filter
			items := make([]store.Card, filter.Limit)
			for i := range items {
				items[i] = store.Card{ID: string(rune('z' - i)), SenderID: "user-1", Importance: "low", Status: "pending"}
			}
			return items, nil
		},
	}
	svc := newTestService(fs, &fakeSessions{}, nil)

	cards, meta, err := svc.Feed(context.Background(), testSession(), FeedQuery{Limit: 2})
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if gotFilter.Limit != 3 {
		t.Fatalf("expected limit+1 fetch, got %d", gotFilter.Limit)
	}
	if len(cards) != 2 {
		t.Fatalf("expected 2 cards, got %d", len(cards))
	}
	if meta["hasMore"] != true {
		t.Fatalf("expected hasMore, got %v", meta)
	}
	if meta["cursor"] != cards[len(cards)-1]["id"] {
		t.Fatalf("cursor %v does not match last card %v", meta["cursor"], cards[len(cards)-1]["id"])
	}
}

func TestFeedLastPageHasNoCursor(t *testing.T) {
	fs := &fakeStore{
		feedFn: func(context.Context, string, store.FeedFilter) ([]store.Card, error) {
			return []store.Card{{ID: "c1", SenderID: "user-1", Importance: "low", Status: "pending"}}, nil
		},
	}
	svc := newTestService(fs, &fakeSessions{}, nil)

	cards, meta, err := svc.Feed(context.Background(), testSession(), FeedQuery{Limit: 5})
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(cards) != 1 || meta["hasMore"] != false {
		t.Fatalf("expected final page, got %d cards meta=%v", len(cards), meta)
	}
	if _, ok := meta["cursor"]; ok {
		t.Fatalf("final page must not carry a cursor")
	}
}

func TestFeedPrioritySort(t *testing.T) {
	due := time.Now().Add(30 * time.Minute)
	fs := &fakeStore{
		feedFn: func(context.Context, string, store.FeedFilter) ([]store.Card, error) {
			return []store.Card{
				{ID: "c3", SenderID: "user-1", Importance: "low", Status: "pending"},
				{ID: "c2", SenderID: "user-1", Importance: "medium", Status: "pending", DueDate: &due},
				{ID: "c1", SenderID: "user-1", Importance: "critical", Status: "pending"},
			}, nil
		},
	}
	svc := newTestService(fs, &fakeSessions{}, nil)

	cards, _, err := svc.Feed(context.Background(), testSession(), FeedQuery{Sort: "priority"})
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	// critical base 95 > medium 50 + due<2h bonus 20 = 70 > low 30.
	if cards[0]["id"] != "c1" || cards[1]["id"] != "c2" || cards[2]["id"] != "c3" {
		t.Fatalf("wrong priority order: %v %v %v", cards[0]["id"], cards[1]["id"], cards[2]["id"])
	}
	if cards[1]["priorityScore"] != 70 {
		t.Fatalf("expected score 70 for medium due in 30m, got %v", cards[1]["priorityScore"])
	}
}

func TestMarkReadRejectsUnknownScope(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeSessions{}, nil)
	_, err := svc.MarkRead(context.Background(), testSession(), "cards:all")
	wantValidation(t, err)
}

func TestMarkReadPublishesUnreadChanged(t *testing.T) {
	events := &recordingPublisher{}
	svc := newTestService(&fakeStore{}, &fakeSessions{}, events)

	if _, err := svc.MarkRead(context.Background(), testSession(), "team:team-1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	changed := events.byType(live.EventUnreadChanged)
	if len(changed) != 1 {
		t.Fatalf("expected unread_changed event, got %d", len(changed))
	}
	if len(changed[0].Scopes) != 1 || changed[0].Scopes[0] != "user:user-1" {
		t.Fatalf("unread_changed must target the user scope, got %v", changed[0].Scopes)
	}
}

func TestRefreshReplayedTokenIsUnauthorized(t *testing.T) {
	sessions := &fakeSessions{
		redeemFn: func(context.Context, string, string, time.Time) (session.FamilyToken, error) {
			return session.FamilyToken{}, session.ErrReplayed
		},
	}
	svc := newTestService(&fakeStore{}, sessions, nil)

	_, err := svc.Refresh(context.Background(), "stolen-token")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 401 {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestLoginIssuesUsableTokenPair(t *testing.T) {
	var familyUser string
	sessions := &fakeSessions{
		createFn: func(_ context.Context, _, userID, tokenHash string, _ time.Time) error {
			familyUser = userID
			if tokenHash == "" {
				t.Fatal("expected hashed refresh token")
			}
			return nil
		},
	}
	svc := newTestService(&fakeStore{}, sessions, nil)

	sess, err := svc.Login(context.Background(), "  Avery  ")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if sess.Token == "" || sess.RefreshToken == "" {
		t.Fatalf("expected token pair, got %+v", sess)
	}
	if familyUser != sess.UserID {
		t.Fatalf("family user %q does not match session user %q", familyUser, sess.UserID)
	}

	parsed, err := svc.SessionFromToken(context.Background(), sess.Token)
	if err != nil {
		t.Fatalf("round-trip session: %v", err)
	}
	if parsed.UserID != sess.UserID {
		t.Fatalf("expected user %q, got %q", sess.UserID, parsed.UserID)
	}
}

func TestSummarizeCutsOnRuneBoundary(t *testing.T) {
	body := "a" + strings.Repeat("日", 50)
	got := summarize(body, "")
	if !utf8.ValidString(got) {
		t.Fatalf("summary is not valid UTF-8: %q", got)
	}
	if want := "a" + strings.Repeat("日", 39); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if got := summarize("short note", ""); got != "short note" {
		t.Fatalf("short body should pass through, got %q", got)
	}
}

func TestReactDuplicateIsConflict(t *testing.T) {
	fs := &fakeStore{
		getCardFn: func(context.Context, string) (store.Card, error) {
			return store.Card{ID: "c1", SenderID: "user-1", Status: "pending", ThreadID: "c1"}, nil
		},
		insertReactionFn: func(context.Context, store.Reaction) error {
			return store.ErrDuplicate
		},
	}
	events := &recordingPublisher{}
	svc := newTestService(fs, &fakeSessions{}, events)

	_, err := svc.React(context.Background(), testSession(), "c1", "+1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "CONFLICT" {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
	if domainErr.Status != 409 {
		t.Fatalf("expected 409, got %d", domainErr.Status)
	}
	if got := events.byType(live.EventNewReply); len(got) != 0 {
		t.Fatalf("duplicate reaction must not publish, got %d events", len(got))
	}
}

func TestCreateGroupDirectCardGetsConversationScope(t *testing.T) {
	var inserted store.Card
	fs := &fakeStore{
		insertCardFn: func(_ context.Context, item store.Card, _ []string) error {
			inserted = item
			return nil
		},
	}
	svc := newTestService(fs, &fakeSessions{}, nil)

	_, err := svc.CreatePersonalCard(context.Background(), testSession(), CreateCardInput{
		Body:       "retro notes",
		Recipients: []string{"user-3", "user-2"},
	})
	if err != nil {
		t.Fatalf("create card: %v", err)
	}
	if inserted.ConversationID == nil || *inserted.ConversationID != "dm:user-1:user-2:user-3" {
		t.Fatalf("expected dm:user-1:user-2:user-3, got %v", inserted.ConversationID)
	}
}
