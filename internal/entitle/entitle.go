// Package entitle decides who may see a card and which fan-out scopes an
// event about it reaches. All functions are pure; callers supply the
// relationship data.
package entitle

import (
	"sort"
	"strings"

	"tez/api/internal/store"
)

// UserScope addresses events at a single user (all of their devices).
func UserScope(userID string) string { return "user:" + userID }

// TeamScope addresses events at every member of a team.
func TeamScope(teamID string) string { return "team:" + teamID }

// ConversationScope is the canonical scope key for a direct conversation.
// Participants are sorted and deduplicated so every member derives the same
// key, for the two-party case and group-direct cards alike.
func ConversationScope(participants ...string) string {
	ids := make([]string, 0, len(participants))
	seen := make(map[string]struct{}, len(participants))
	for _, id := range participants {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return "dm:" + strings.Join(ids, ":")
}

// OnCard reports whether the user has any relationship to the card: sender,
// explicit recipient, or member of the addressed team.
func OnCard(item store.Card, recipients []string, userTeams []string, userID string) bool {
	if item.SenderID == userID {
		return true
	}
	for _, r := range recipients {
		if r == userID {
			return true
		}
	}
	if item.Visibility == "team" && item.TeamID != nil {
		for _, teamID := range userTeams {
			if teamID == *item.TeamID {
				return true
			}
		}
	}
	return false
}

// ConnectionScopes computes the scope set a live connection is entitled to:
// the user's own scope, each team, and each open conversation.
func ConnectionScopes(userID string, teams, conversations []string) map[string]struct{} {
	scopes := make(map[string]struct{}, 1+len(teams)+len(conversations))
	scopes[UserScope(userID)] = struct{}{}
	for _, teamID := range teams {
		scopes[TeamScope(teamID)] = struct{}{}
	}
	for _, conv := range conversations {
		scopes[conv] = struct{}{}
	}
	return scopes
}

// EventScopes computes where an event about a card fans out: the sender and
// every explicit recipient, plus the team or conversation scope.
func EventScopes(item store.Card, recipients []string) []string {
	set := map[string]struct{}{UserScope(item.SenderID): {}}
	for _, r := range recipients {
		set[UserScope(r)] = struct{}{}
	}
	if item.Visibility == "team" && item.TeamID != nil {
		set[TeamScope(*item.TeamID)] = struct{}{}
	}
	if item.ConversationID != nil {
		set[*item.ConversationID] = struct{}{}
	}
	scopes := make([]string, 0, len(set))
	for scope := range set {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	return scopes
}
