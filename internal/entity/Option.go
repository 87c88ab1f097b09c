package entity

import "time"

type Option struct {
	ID        int64     `json:"id"`
	PollID    int64     `json:"pollId"`
	Text      string    `json:"text"`
	SortOrder int       `json:"sortOrder"`
	CreatedAt time.Time `json:"createdAt"`
}
