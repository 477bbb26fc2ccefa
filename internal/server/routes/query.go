package routes

import (
	"errors"
	"net/http"

	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/common"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/query"

	"github.com/labstack/echo/v4"
)

func queryStatusOf(err error) (int, string) {
	var kpe *query.KeywordParseError
	if errors.As(err, &kpe) {
		return http.StatusUnprocessableEntity, "Model returned malformed keywords"
	}
	return statusOf(err)
}

// KeywordsHandler extracts the high- and low-level keywords of a question.
func KeywordsHandler(c echo.Context) error {
	type keywordsBody struct {
		Question string `json:"question" validate:"required"`
	}

	type keywordsResponse struct {
		Message  string             `json:"message,omitempty"`
		Keywords *common.KeywordSet `json:"keywords,omitempty"`
	}

	data := new(keywordsBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, keywordsResponse{Message: "Invalid request body"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, keywordsResponse{Message: "Invalid request body"})
	}

	ctx := c.Request().Context()
	e := appOf(c).Engine
	g, err := e.Load(ctx, graphIDOf(c))
	if err != nil {
		logger.Error("[Server] Failed to load graph", "err", err)
		code, msg := statusOf(err)
		return c.JSON(code, keywordsResponse{Message: msg})
	}
	composer, err := e.NewComposer(g, nil)
	if err != nil {
		logger.Error("[Server] Failed to create composer", "err", err)
		return c.JSON(http.StatusInternalServerError, keywordsResponse{Message: "Internal server error"})
	}

	set, err := composer.Keywords(ctx, data.Question)
	if err != nil {
		logger.Warn("[Server] Keyword extraction failed", "err", err)
		code, msg := queryStatusOf(err)
		return c.JSON(code, keywordsResponse{Message: msg})
	}
	return c.JSON(http.StatusOK, keywordsResponse{Keywords: &set})
}

// QueryHandler answers a question from the graph with bounded references.
func QueryHandler(c echo.Context) error {
	type queryResponse struct {
		Message string        `json:"message,omitempty"`
		Answer  *query.Answer `json:"answer,omitempty"`
	}

	data := new(query.Request)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, queryResponse{Message: "Invalid request body"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, queryResponse{Message: "Invalid request body"})
	}

	ctx := c.Request().Context()
	e := appOf(c).Engine
	g, err := e.Load(ctx, graphIDOf(c))
	if err != nil {
		logger.Error("[Server] Failed to load graph", "err", err)
		code, msg := statusOf(err)
		return c.JSON(code, queryResponse{Message: msg})
	}
	composer, err := e.NewComposer(g, nil)
	if err != nil {
		logger.Error("[Server] Failed to create composer", "err", err)
		return c.JSON(http.StatusInternalServerError, queryResponse{Message: "Internal server error"})
	}

	answer, err := composer.Answer(ctx, *data)
	if err != nil {
		logger.Warn("[Server] Query failed", "err", err)
		code, msg := queryStatusOf(err)
		return c.JSON(code, queryResponse{Message: msg})
	}
	return c.JSON(http.StatusOK, queryResponse{Answer: &answer})
}
