package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/pollwave/pollwave/internal/repo"
	"github.com/pollwave/pollwave/internal/services"
)

type APIError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// Response is the envelope every endpoint answers with.
type Response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Errors  []APIError `json:"errors,omitempty"`
	Message string     `json:"message,omitempty"`
}

func respondOK(c *gin.Context, status int, data any) {
	c.JSON(status, Response{Success: true, Data: data})
}

func respondFail(c *gin.Context, status int, errs ...APIError) {
	c.JSON(status, Response{Success: false, Errors: errs})
}

// respondError maps service and storage errors onto the envelope. Conflicts
// carry their specific reason, not-found and internal errors stay generic.
func respondError(c *gin.Context, log *slog.Logger, err error) {
	switch {
	case errors.Is(err, services.ErrValidation):
		respondFail(c, http.StatusBadRequest, APIError{Code: "VALIDATION_ERROR", Message: err.Error()})
	case errors.Is(err, repo.ErrPollNotFound):
		respondFail(c, http.StatusNotFound, APIError{Message: "the requested resource was not found"})
	case errors.Is(err, services.ErrPollNotActive):
		respondFail(c, http.StatusConflict, APIError{Message: services.ErrPollNotActive.Error()})
	case errors.Is(err, services.ErrAlreadyVoted):
		respondFail(c, http.StatusConflict, APIError{Message: services.ErrAlreadyVoted.Error()})
	case errors.Is(err, services.ErrOptionMismatch):
		respondFail(c, http.StatusConflict, APIError{Message: services.ErrOptionMismatch.Error()})
	case errors.Is(err, services.ErrSingleChoice):
		respondFail(c, http.StatusConflict, APIError{Message: services.ErrSingleChoice.Error()})
	default:
		log.Error("unhandled error", slog.String("path", c.FullPath()), slog.String("error", err.Error()))
		respondFail(c, http.StatusInternalServerError, APIError{Message: "an unexpected error occurred, please try again later"})
	}
}

// respondBindError turns a gin binding failure into one envelope entry per
// violated field.
func respondBindError(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		apiErrs := make([]APIError, 0, len(verrs))
		for _, fe := range verrs {
			apiErrs = append(apiErrs, APIError{
				Code:    "VALIDATION_ERROR",
				Message: "failed on the '" + fe.Tag() + "' rule",
				Field:   fe.Field(),
			})
		}
		respondFail(c, http.StatusBadRequest, apiErrs...)
		return
	}

	respondFail(c, http.StatusBadRequest, APIError{Code: "VALIDATION_ERROR", Message: "invalid request body"})
}
