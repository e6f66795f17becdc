package store

import "time"

type User struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
}

type Team struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

type Card struct {
	ID             string
	SenderID       string
	SenderName     string
	Body           string
	Summary        string
	Importance     string
	Visibility     string
	Status         string
	TeamID         *string
	ConversationID *string
	ParentID       *string
	ThreadID       string
	DueDate        *time.Time
	SnoozedUntil   *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Response struct {
	ID         string
	CardID     string
	AuthorID   string
	AuthorName string
	Body       string
	CreatedAt  time.Time
}

type Reaction struct {
	ID        string
	CardID    string
	UserID    string
	Emoji     string
	CreatedAt time.Time
}

type View struct {
	CardID   string
	UserID   string
	UserName string
	ViewedAt time.Time
}

// ContextLayer is one immutable piece of grounding material attached to a
// card. Layers are append-only; the store exposes no update or delete.
type ContextLayer struct {
	ID         string
	CardID     string
	Kind       string
	Content    string
	Confidence *float64
	Provenance string
	CapturedAt time.Time
}

// Watermark is a per-(user,scope) last-read pointer. Scope keys look like
// "team:<id>" or "dm:<a>:<b>".
type Watermark struct {
	UserID   string
	Scope    string
	LastRead time.Time
}

type ScopeCount struct {
	Scope  string
	Unread int
}

type FeedFilter struct {
	Status string
	Cursor string
	Limit  int
	DueNow bool
}
