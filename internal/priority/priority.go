// Package priority computes the attention score used to rank cards.
package priority

import (
	"time"

	"tez/api/internal/card"
)

var baseScores = map[card.Importance]int{
	card.ImportanceCritical: 95,
	card.ImportanceUrgent:   85,
	card.ImportanceHigh:     70,
	card.ImportanceMedium:   50,
	card.ImportanceLow:      30,
}

// Score returns an attention score in [0,100] for a card. The score is the
// importance base plus a due-date proximity bonus, capped at 100. now is
// injected so callers can sort and test without touching the clock.
func Score(importance card.Importance, dueDate *time.Time, now time.Time) int {
	base, ok := baseScores[importance]
	if !ok {
		base = baseScores[card.ImportanceMedium]
	}
	score := base + dueBonus(dueDate, now)
	if score > 100 {
		return 100
	}
	return score
}

// dueBonus is a step function of time-to-due: the smallest matching
// threshold wins. Overdue cards count as due now.
func dueBonus(dueDate *time.Time, now time.Time) int {
	if dueDate == nil {
		return 0
	}
	until := dueDate.Sub(now)
	switch {
	case until < 2*time.Hour:
		return 20
	case until < 24*time.Hour:
		return 15
	case until < 48*time.Hour:
		return 10
	case until < 7*24*time.Hour:
		return 5
	default:
		return 0
	}
}
