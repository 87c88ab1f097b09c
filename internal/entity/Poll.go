package entity

import "time"

type PollStatus string

const (
	PollStatusDraft    PollStatus = "draft"
	PollStatusActive   PollStatus = "active"
	PollStatusClosed   PollStatus = "closed"
	PollStatusArchived PollStatus = "archived"
)

type PollType string

const (
	PollTypeSingleChoice   PollType = "single_choice"
	PollTypeMultipleChoice PollType = "multiple_choice"
	PollTypeRanked         PollType = "ranked"
)

type Poll struct {
	ID           int64      `json:"id"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Type         PollType   `json:"type"`
	Status       PollStatus `json:"status"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	LastViewedAt *time.Time `json:"lastViewedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// OptionDetail is an option as shown on the poll page, with its current count.
type OptionDetail struct {
	ID        int64  `json:"id"`
	Text      string `json:"text"`
	SortOrder int    `json:"sortOrder"`
	VoteCount int    `json:"voteCount"`
}

// PollDetail is the full poll payload cached under poll:{id}.
type PollDetail struct {
	Poll
	Options     []OptionDetail `json:"options"`
	TotalVoters int            `json:"totalVoters"`
}
