package entity

import (
	"strings"
	"time"
)

type Vote struct {
	ID        int64     `json:"id"`
	PollID    int64     `json:"pollId"`
	OptionID  int64     `json:"optionId"`
	VoterKey  string    `json:"voterKey"`
	VoterName string    `json:"voterName"`
	Rank      *int      `json:"rank,omitempty"`
	VotedAt   time.Time `json:"votedAt"`
}

// Selection is one entry of a ballot: an option and, for ranked polls, its rank.
type Selection struct {
	OptionID int64
	Rank     *int
}

// FoldVoterName normalizes a display name for the per-poll uniqueness check.
// Folding is locale-invariant so two instances always agree on the key.
func FoldVoterName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
