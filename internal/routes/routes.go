package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/pollwave/pollwave/internal/handlers"
)

func RegisterRoutes(rg *gin.RouterGroup, handler *handlers.VotingHandler) {
	{
		rg.POST("/polls", handler.CreatePoll)
		rg.GET("/polls", handler.GetPolls)
		rg.GET("/polls/:id", handler.GetPollByID)

		rg.POST("/polls/:id/votes", handler.CastVote)
		rg.GET("/polls/:id/results", handler.GetResults)

		rg.GET("/polls/:id/live", handler.Live)
	}
}
