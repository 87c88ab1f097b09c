package entity

// OptionResult is the derived tally for a single option.
type OptionResult struct {
	OptionID    int64    `json:"id"`
	Text        string   `json:"text"`
	SortOrder   int      `json:"sortOrder"`
	VoteCount   int      `json:"voteCount"`
	Percentage  float64  `json:"percentage"`
	AverageRank *float64 `json:"averageRank,omitempty"`
}

// ResultSnapshot is recomputable from vote rows at any time and is never a
// source of truth.
type ResultSnapshot struct {
	PollID      int64          `json:"pollId"`
	Title       string         `json:"title"`
	Type        PollType       `json:"type"`
	Status      PollStatus     `json:"status"`
	TotalVoters int            `json:"totalVoters"`
	TotalVotes  int            `json:"totalVotes"`
	Options     []OptionResult `json:"options"`
}
