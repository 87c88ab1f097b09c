package repo

import "errors"

var (
	ErrPollNotFound   = errors.New("poll not found")
	ErrOptionNotFound = errors.New("option not found")
	ErrDuplicateVoter = errors.New("voter already voted in this poll")
)
