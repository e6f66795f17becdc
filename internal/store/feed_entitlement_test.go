package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// The feed's visibility rules live entirely in SQL, so they get checked
// against a real database. Set TEZ_TEST_DATABASE_URL to run.
func TestFeedReturnsOnlyEntitledCards(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("TEZ_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TEZ_TEST_DATABASE_URL is not set")
	}

	ctx := context.Background()
	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	s := NewPostgresStore(db)
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())

	sender := "feed-sender-" + suffix
	recipient := "feed-recipient-" + suffix
	teammate := "feed-teammate-" + suffix
	stranger := "feed-stranger-" + suffix
	teamID := "feed-team-" + suffix
	directCard := "feed-direct-" + suffix
	teamCard := "feed-teamcard-" + suffix

	for _, u := range []string{sender, recipient, teammate, stranger} {
		if _, err := s.EnsureUserByName(ctx, u, "Name "+u); err != nil {
			t.Fatalf("ensure user: %v", err)
		}
	}
	if _, err := s.EnsureTeam(ctx, teamID, "Team "+suffix); err != nil {
		t.Fatalf("ensure team: %v", err)
	}
	if err := s.AddTeamMember(ctx, teamID, teammate); err != nil {
		t.Fatalf("add team member: %v", err)
	}

	now := time.Now()
	newCard := func(id, visibility string, team *string) Card {
		return Card{
			ID:         id,
			SenderID:   sender,
			SenderName: "Name " + sender,
			Body:       "feed entitlement " + suffix,
			Summary:    "feed " + suffix,
			Importance: "medium",
			Visibility: visibility,
			Status:     "pending",
			TeamID:     team,
			ThreadID:   id,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}
	if err := s.InsertCard(ctx, newCard(directCard, "direct", nil), []string{recipient}); err != nil {
		t.Fatalf("insert direct card: %v", err)
	}
	if err := s.InsertCard(ctx, newCard(teamCard, "team", &teamID), nil); err != nil {
		t.Fatalf("insert team card: %v", err)
	}
	t.Cleanup(func() {
		_, _ = db.ExecContext(ctx, `DELETE FROM card_recipients WHERE card_id IN ($1, $2)`, directCard, teamCard)
		_, _ = db.ExecContext(ctx, `DELETE FROM cards WHERE id IN ($1, $2)`, directCard, teamCard)
		_, _ = db.ExecContext(ctx, `DELETE FROM team_members WHERE team_id=$1`, teamID)
		_, _ = db.ExecContext(ctx, `DELETE FROM teams WHERE id=$1`, teamID)
		_, _ = db.ExecContext(ctx, `DELETE FROM users WHERE id IN ($1, $2, $3, $4)`, sender, recipient, teammate, stranger)
	})

	feedIDs := func(userID string) map[string]bool {
		items, err := s.Feed(ctx, userID, FeedFilter{Limit: 100})
		if err != nil {
			t.Fatalf("feed for %s: %v", userID, err)
		}
		ids := make(map[string]bool, len(items))
		for _, item := range items {
			ids[item.ID] = true
		}
		return ids
	}

	got := feedIDs(sender)
	if !got[directCard] || !got[teamCard] {
		t.Fatalf("sender should see both cards, got %v", got)
	}

	got = feedIDs(recipient)
	if !got[directCard] {
		t.Fatal("explicit recipient should see the direct card")
	}
	if got[teamCard] {
		t.Fatal("recipient is not on the team and should not see the team card")
	}

	got = feedIDs(teammate)
	if !got[teamCard] {
		t.Fatal("team member should see the team card")
	}
	if got[directCard] {
		t.Fatal("teammate should not see a direct card between others")
	}

	got = feedIDs(stranger)
	if got[directCard] || got[teamCard] {
		t.Fatalf("stranger should see neither card, got %v", got)
	}
}
