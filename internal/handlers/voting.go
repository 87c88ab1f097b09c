package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pollwave/pollwave/internal/entity"
	"github.com/pollwave/pollwave/internal/live"
	"github.com/pollwave/pollwave/internal/services"
)

type VotingHandler struct {
	log            *slog.Logger
	pollingService *services.Polling
	hub            *live.Hub
}

func NewVotingHandler(log *slog.Logger, pollingService *services.Polling, hub *live.Hub) *VotingHandler {
	return &VotingHandler{log: log, pollingService: pollingService, hub: hub}
}

type CreatePollRequest struct {
	Title       string     `json:"title" binding:"required,max=500"`
	Description string     `json:"description" binding:"max=2000"`
	Type        string     `json:"type" binding:"required,oneof=single_choice multiple_choice ranked"`
	Options     []string   `json:"options" binding:"required,min=2,dive,required"`
	ExpiresAt   *time.Time `json:"expiresAt"`
}

type SelectionRequest struct {
	OptionID int64 `json:"optionId" binding:"required"`
	Rank     *int  `json:"rank" binding:"omitempty,min=1"`
}

type CastVoteRequest struct {
	VoterName  string             `json:"voterName" binding:"required,max=256"`
	Selections []SelectionRequest `json:"selections" binding:"required,min=1,dive"`
}

func (v *VotingHandler) CreatePoll(c *gin.Context) {
	var req CreatePollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	pollID, err := v.pollingService.CreatePoll(c.Request.Context(), req.Title, req.Description, entity.PollType(req.Type), req.ExpiresAt, req.Options)
	if err != nil {
		respondError(c, v.log, err)
		return
	}

	respondOK(c, http.StatusCreated, gin.H{"pollId": pollID})
}

func (v *VotingHandler) GetPolls(c *gin.Context) {
	polls, err := v.pollingService.GetPolls(c.Request.Context())
	if err != nil {
		respondError(c, v.log, err)
		return
	}

	respondOK(c, http.StatusOK, gin.H{"polls": polls})
}

func (v *VotingHandler) GetPollByID(c *gin.Context) {
	pollID, ok := pollIDParam(c)
	if !ok {
		return
	}

	detail, err := v.pollingService.GetPollByID(c.Request.Context(), pollID)
	if err != nil {
		respondError(c, v.log, err)
		return
	}

	respondOK(c, http.StatusOK, detail)
}

func (v *VotingHandler) CastVote(c *gin.Context) {
	pollID, ok := pollIDParam(c)
	if !ok {
		return
	}

	var req CastVoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	selections := make([]entity.Selection, 0, len(req.Selections))
	for _, sel := range req.Selections {
		selections = append(selections, entity.Selection{OptionID: sel.OptionID, Rank: sel.Rank})
	}

	result, err := v.pollingService.CastVote(c.Request.Context(), pollID, req.VoterName, selections)
	if err != nil {
		respondError(c, v.log, err)
		return
	}

	respondOK(c, http.StatusCreated, result)
}

func (v *VotingHandler) GetResults(c *gin.Context) {
	pollID, ok := pollIDParam(c)
	if !ok {
		return
	}

	snapshot, err := v.pollingService.GetResults(c.Request.Context(), pollID)
	if err != nil {
		respondError(c, v.log, err)
		return
	}

	respondOK(c, http.StatusOK, snapshot)
}

// Live upgrades the request to a websocket and joins the poll's group. The
// poll must exist; closed polls can still be watched.
func (v *VotingHandler) Live(c *gin.Context) {
	pollID, ok := pollIDParam(c)
	if !ok {
		return
	}

	if _, err := v.pollingService.GetPollByID(c.Request.Context(), pollID); err != nil {
		respondError(c, v.log, err)
		return
	}

	if err := v.hub.ServeWS(c.Writer, c.Request, pollID); err != nil {
		v.log.Warn("websocket upgrade failed", slog.Int64("pollID", pollID), slog.String("error", err.Error()))
	}
}

func pollIDParam(c *gin.Context) (int64, bool) {
	pollID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		respondFail(c, http.StatusBadRequest, APIError{Code: "VALIDATION_ERROR", Message: "invalid poll id", Field: "id"})
		return 0, false
	}
	return pollID, true
}
