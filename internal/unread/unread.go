// Package unread derives per-scope unread counts from the card store and
// per-user read watermarks.
package unread

import (
	"context"
	"strings"
	"time"

	"tez/api/internal/entitle"
)

type Store interface {
	ListUserTeams(ctx context.Context, userID string) ([]string, error)
	ListUserConversations(ctx context.Context, userID string) ([]string, error)
	GetWatermark(ctx context.Context, userID, scope string) (time.Time, error)
	CountUnread(ctx context.Context, userID, scope string, since time.Time) (int, error)
	AdvanceWatermark(ctx context.Context, userID, scope string, at time.Time) (time.Time, error)
}

type ScopeCount struct {
	Scope  string `json:"scope"`
	Unread int    `json:"unread"`
}

type Counts struct {
	Teams         []ScopeCount `json:"teams"`
	Conversations []ScopeCount `json:"conversations"`
	Total         int          `json:"total"`
}

type Aggregator struct {
	store Store
}

func New(store Store) *Aggregator {
	return &Aggregator{store: store}
}

// Counts computes unread counts for every team and conversation the user
// belongs to. A scope with no watermark counts everything.
func (a *Aggregator) Counts(ctx context.Context, userID string) (Counts, error) {
	teams, err := a.store.ListUserTeams(ctx, userID)
	if err != nil {
		return Counts{}, err
	}
	conversations, err := a.store.ListUserConversations(ctx, userID)
	if err != nil {
		return Counts{}, err
	}

	counts := Counts{Teams: make([]ScopeCount, 0, len(teams)), Conversations: make([]ScopeCount, 0, len(conversations))}
	for _, teamID := range teams {
		scope := entitle.TeamScope(teamID)
		unread, err := a.countScope(ctx, userID, scope)
		if err != nil {
			return Counts{}, err
		}
		counts.Teams = append(counts.Teams, ScopeCount{Scope: scope, Unread: unread})
		counts.Total += unread
	}
	for _, scope := range conversations {
		unread, err := a.countScope(ctx, userID, scope)
		if err != nil {
			return Counts{}, err
		}
		counts.Conversations = append(counts.Conversations, ScopeCount{Scope: scope, Unread: unread})
		counts.Total += unread
	}
	return counts, nil
}

func (a *Aggregator) countScope(ctx context.Context, userID, scope string) (int, error) {
	since, err := a.store.GetWatermark(ctx, userID, scope)
	if err != nil {
		return 0, err
	}
	return a.store.CountUnread(ctx, userID, scope, since)
}

// MarkRead advances the user's watermark for the scope to at. The store
// keeps the watermark monotonic, so an at in the past is a no-op; the
// returned time is the watermark after the call.
func (a *Aggregator) MarkRead(ctx context.Context, userID, scope string, at time.Time) (time.Time, error) {
	return a.store.AdvanceWatermark(ctx, userID, scope, at)
}

// ValidScope reports whether a scope key names a team or a direct
// conversation.
func ValidScope(scope string) bool {
	return strings.HasPrefix(scope, "team:") || strings.HasPrefix(scope, "dm:")
}
