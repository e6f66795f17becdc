package search

// Result is a single card hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	Summary    string `json:"summary"`
	Snippet    string `json:"snippet"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	TeamID     string `json:"teamId,omitempty"`
	Status     string `json:"status"`
	Importance string `json:"importance"`
}

// Query describes a search request. UserID and TeamIDs scope the
// results to cards the caller is entitled to see.
type Query struct {
	Text    string
	UserID  string
	TeamIDs []string
	Status  string // empty = all non-deleted statuses
	Limit   int
	Offset  int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over cards.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// CardRecord is the data we index for a card. RecipientIDs is
// denormalized so entitlement can be expressed as an index filter.
type CardRecord struct {
	ID           string   `json:"id"`
	Body         string   `json:"body"`
	Summary      string   `json:"summary"`
	SenderID     string   `json:"senderId"`
	SenderName   string   `json:"senderName"`
	TeamID       string   `json:"teamId"`
	RecipientIDs []string `json:"recipientIds"`
	Status       string   `json:"status"`
	Importance   string   `json:"importance"`
}
