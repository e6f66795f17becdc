// Package card defines the card classification enums and the status
// state machine shared by the store and the service layer.
package card

type Status string
type Importance string
type Visibility string

const (
	StatusPending      Status = "pending"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
	StatusArchived     Status = "archived"
	StatusDeleted      Status = "deleted"
)

const (
	ImportanceCritical Importance = "critical"
	ImportanceUrgent   Importance = "urgent"
	ImportanceHigh     Importance = "high"
	ImportanceMedium   Importance = "medium"
	ImportanceLow      Importance = "low"
)

const (
	VisibilityPrivate Visibility = "private"
	VisibilityTeam    Visibility = "team"
	VisibilityDirect  Visibility = "direct"
)

var statuses = map[Status]struct{}{
	StatusPending:      {},
	StatusAcknowledged: {},
	StatusResolved:     {},
	StatusArchived:     {},
	StatusDeleted:      {},
}

var importances = map[Importance]struct{}{
	ImportanceCritical: {},
	ImportanceUrgent:   {},
	ImportanceHigh:     {},
	ImportanceMedium:   {},
	ImportanceLow:      {},
}

var visibilities = map[Visibility]struct{}{
	VisibilityPrivate: {},
	VisibilityTeam:    {},
	VisibilityDirect:  {},
}

// transitions lists the statuses reachable from each status. Archived and
// deleted are terminal; a "deleted" card is a hidden row, never a removed one.
var transitions = map[Status][]Status{
	StatusPending:      {StatusAcknowledged, StatusResolved, StatusArchived, StatusDeleted},
	StatusAcknowledged: {StatusResolved, StatusArchived, StatusDeleted},
	StatusResolved:     {StatusArchived, StatusDeleted},
	StatusArchived:     {},
	StatusDeleted:      {},
}

func ValidStatus(s Status) bool {
	_, ok := statuses[s]
	return ok
}

func ValidImportance(i Importance) bool {
	_, ok := importances[i]
	return ok
}

func ValidVisibility(v Visibility) bool {
	_, ok := visibilities[v]
	return ok
}

// CanTransition reports whether a card may move from one status to another.
// Transitioning to the current status is an idempotent no-op and allowed.
func CanTransition(from, to Status) bool {
	if !ValidStatus(from) || !ValidStatus(to) {
		return false
	}
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further status transition is possible.
func Terminal(s Status) bool {
	return s == StatusArchived || s == StatusDeleted
}

// NormalizeImportance maps an empty or unknown importance to medium.
func NormalizeImportance(raw string) Importance {
	switch Importance(raw) {
	case ImportanceCritical, ImportanceUrgent, ImportanceHigh, ImportanceMedium, ImportanceLow:
		return Importance(raw)
	default:
		return ImportanceMedium
	}
}
