package services

import (
	"math"
	"sort"

	"github.com/pollwave/pollwave/internal/entity"
)

// Aggregate computes the result snapshot for a poll from its options and raw
// vote rows. It is pure: identical rows produce an identical snapshot
// regardless of input order, and options appear in their stored sort order.
func Aggregate(poll entity.Poll, options []entity.Option, votes []entity.Vote) entity.ResultSnapshot {
	voters := make(map[string]struct{}, len(votes))
	counts := make(map[int64]int, len(options))
	rankSums := make(map[int64]int)
	rankCounts := make(map[int64]int)

	for _, vote := range votes {
		voters[entity.FoldVoterName(vote.VoterName)] = struct{}{}
		counts[vote.OptionID]++
		if vote.Rank != nil {
			rankSums[vote.OptionID] += *vote.Rank
			rankCounts[vote.OptionID]++
		}
	}

	ordered := make([]entity.Option, len(options))
	copy(ordered, options)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].SortOrder < ordered[j].SortOrder })

	totalVotes := len(votes)
	results := make([]entity.OptionResult, 0, len(ordered))
	for _, option := range ordered {
		voteCount := counts[option.ID]

		var percentage float64
		if totalVotes > 0 {
			percentage = round(float64(voteCount)/float64(totalVotes)*100, 1)
		}

		var averageRank *float64
		if poll.Type == entity.PollTypeRanked && rankCounts[option.ID] > 0 {
			mean := round(float64(rankSums[option.ID])/float64(rankCounts[option.ID]), 2)
			averageRank = &mean
		}

		results = append(results, entity.OptionResult{
			OptionID:    option.ID,
			Text:        option.Text,
			SortOrder:   option.SortOrder,
			VoteCount:   voteCount,
			Percentage:  percentage,
			AverageRank: averageRank,
		})
	}

	return entity.ResultSnapshot{
		PollID:      poll.ID,
		Title:       poll.Title,
		Type:        poll.Type,
		Status:      poll.Status,
		TotalVoters: len(voters),
		TotalVotes:  totalVotes,
		Options:     results,
	}
}

func round(v float64, decimals int) float64 {
	factor := math.Pow(10, float64(decimals))
	return math.Round(v*factor) / factor
}
