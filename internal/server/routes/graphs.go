package routes

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/OFFIS-RIT/kiwi/consolidation/internal/queue"
	"github.com/OFFIS-RIT/kiwi/consolidation/internal/server/middleware"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/graph"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/store"

	"github.com/labstack/echo/v4"
)

type messageResponse struct {
	Message string `json:"message"`
}

func appOf(c echo.Context) *middleware.App {
	return c.(*middleware.AppContext).App
}

func graphIDOf(c echo.Context) string {
	id, err := url.PathUnescape(c.Param("graph"))
	if err != nil {
		id = c.Param("graph")
	}
	return appOf(c).Engine.GraphID(id)
}

// statusOf maps processing errors to HTTP status codes and messages.
func statusOf(err error) (int, string) {
	var ext *graph.ExternalServiceError
	var conflict *graph.MergeConflictError
	switch {
	case errors.As(err, &conflict):
		return http.StatusConflict, "Entity type conflict"
	case errors.As(err, &ext):
		return http.StatusBadGateway, "Model request failed"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "Request timed out"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "Graph not found"
	}
	return http.StatusInternalServerError, "Internal server error"
}

// GetGraphHandler returns the size and version of a graph.
func GetGraphHandler(c echo.Context) error {
	type graphResponse struct {
		Message string `json:"message,omitempty"`
		GraphID string `json:"graph_id,omitempty"`
		Version uint64 `json:"version"`
		Nodes   int    `json:"nodes"`
		Edges   int    `json:"edges"`
	}

	g, err := appOf(c).Engine.Load(c.Request().Context(), graphIDOf(c))
	if err != nil {
		logger.Error("[Server] Failed to load graph", "err", err)
		code, msg := statusOf(err)
		return c.JSON(code, graphResponse{Message: msg})
	}
	nodes, edges := g.Len()
	return c.JSON(http.StatusOK, graphResponse{
		GraphID: g.ID,
		Version: g.Version(),
		Nodes:   nodes,
		Edges:   edges,
	})
}

// DeleteGraphHandler removes a stored graph.
func DeleteGraphHandler(c echo.Context) error {
	id := graphIDOf(c)
	err := appOf(c).Engine.Storage.DeleteGraph(c.Request().Context(), id)
	if err != nil {
		code, msg := statusOf(err)
		if code != http.StatusNotFound {
			logger.Error("[Server] Failed to delete graph", "graph", id, "err", err)
		}
		return c.JSON(code, messageResponse{Message: msg})
	}
	logger.Info("[Server] Deleted graph", "graph", id)
	return c.JSON(http.StatusOK, messageResponse{Message: "Graph deleted"})
}

// AddPassagesHandler extracts passages into a graph. With async set the
// passages are queued for the worker instead.
func AddPassagesHandler(c echo.Context) error {
	type addPassagesBody struct {
		Passages []graph.Passage `json:"passages" validate:"required,min=1,dive"`
		Async    bool            `json:"async"`
	}

	type addPassagesResponse struct {
		Message string               `json:"message"`
		JobID   string               `json:"job_id,omitempty"`
		Result  *graph.ProcessResult `json:"result,omitempty"`
	}

	data := new(addPassagesBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, addPassagesResponse{Message: "Invalid request body"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, addPassagesResponse{Message: "Invalid request body"})
	}

	app := appOf(c)
	job := queue.NewExtractJob(graphIDOf(c), data.Passages)

	if data.Async {
		if app.Publisher == nil {
			return c.JSON(http.StatusServiceUnavailable, addPassagesResponse{Message: "Queue not configured"})
		}
		if err := queue.Enqueue(app.Publisher, queue.ExtractQueue, job); err != nil {
			logger.Error("[Server] Failed to queue extract job", "err", err)
			return c.JSON(http.StatusInternalServerError, addPassagesResponse{Message: "Internal server error"})
		}
		return c.JSON(http.StatusAccepted, addPassagesResponse{Message: "Passages queued", JobID: job.JobID})
	}

	res, err := queue.Extract(c.Request().Context(), app.Engine, app.Publisher, job)
	if err != nil {
		logger.Error("[Server] Failed to extract passages", "job_id", job.JobID, "err", err)
		code, msg := statusOf(err)
		return c.JSON(code, addPassagesResponse{Message: msg, JobID: job.JobID, Result: &res})
	}
	return c.JSON(http.StatusOK, addPassagesResponse{Message: "Passages merged", JobID: job.JobID, Result: &res})
}

// SummarizeHandler condenses the descriptions of the named entities and
// relations, or of the whole graph when none are named.
func SummarizeHandler(c echo.Context) error {
	type summarizeBody struct {
		Entities  []string            `json:"entities"`
		Relations []queue.RelationRef `json:"relations" validate:"omitempty,dive"`
		Async     bool                `json:"async"`
	}

	type summarizeResponse struct {
		Message    string `json:"message"`
		JobID      string `json:"job_id,omitempty"`
		Summarized int    `json:"summarized"`
	}

	data := new(summarizeBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, summarizeResponse{Message: "Invalid request body"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, summarizeResponse{Message: "Invalid request body"})
	}

	app := appOf(c)
	job := queue.NewSummarizeJob(graphIDOf(c), data.Entities, data.Relations)

	if data.Async {
		if app.Publisher == nil {
			return c.JSON(http.StatusServiceUnavailable, summarizeResponse{Message: "Queue not configured"})
		}
		if err := queue.Enqueue(app.Publisher, queue.SummarizeQueue, job); err != nil {
			logger.Error("[Server] Failed to queue summarize job", "err", err)
			return c.JSON(http.StatusInternalServerError, summarizeResponse{Message: "Internal server error"})
		}
		return c.JSON(http.StatusAccepted, summarizeResponse{Message: "Summaries queued", JobID: job.JobID})
	}

	n, err := queue.Summarize(c.Request().Context(), app.Engine, app.Publisher, job)
	if err != nil {
		logger.Error("[Server] Failed to summarize", "job_id", job.JobID, "err", err)
		code, msg := statusOf(err)
		return c.JSON(code, summarizeResponse{Message: msg, JobID: job.JobID, Summarized: n})
	}
	return c.JSON(http.StatusOK, summarizeResponse{Message: "Summaries updated", JobID: job.JobID, Summarized: n})
}

type entityView struct {
	graph.GraphNode
	Description string `json:"description"`
	Occurrences int    `json:"occurrences"`
}

// GetEntityHandler returns one entity by name.
func GetEntityHandler(c echo.Context) error {
	type entityResponse struct {
		Message string      `json:"message,omitempty"`
		Entity  *entityView `json:"entity,omitempty"`
	}

	name, err := url.PathUnescape(c.Param("name"))
	if err != nil || name == "" {
		return c.JSON(http.StatusBadRequest, entityResponse{Message: "Invalid entity name"})
	}

	g, err := appOf(c).Engine.Load(c.Request().Context(), graphIDOf(c))
	if err != nil {
		logger.Error("[Server] Failed to load graph", "err", err)
		code, msg := statusOf(err)
		return c.JSON(code, entityResponse{Message: msg})
	}
	n, ok := g.Node(name)
	if !ok {
		return c.JSON(http.StatusNotFound, entityResponse{Message: "Entity not found"})
	}
	return c.JSON(http.StatusOK, entityResponse{Entity: &entityView{
		GraphNode:   n,
		Description: n.Description(),
		Occurrences: n.Occurrences(),
	}})
}

type relationView struct {
	graph.GraphEdge
	Description string `json:"description"`
	Occurrences int    `json:"occurrences"`
}

// GetRelationHandler returns the relationship between source and target.
// The order of the two names does not matter.
func GetRelationHandler(c echo.Context) error {
	type relationQuery struct {
		Source string `query:"source" validate:"required"`
		Target string `query:"target" validate:"required"`
	}

	type relationResponse struct {
		Message  string        `json:"message,omitempty"`
		Relation *relationView `json:"relation,omitempty"`
	}

	q := new(relationQuery)
	if err := c.Bind(q); err != nil {
		return c.JSON(http.StatusBadRequest, relationResponse{Message: "Invalid query"})
	}
	if err := c.Validate(q); err != nil {
		return c.JSON(http.StatusBadRequest, relationResponse{Message: "Invalid query"})
	}

	g, err := appOf(c).Engine.Load(c.Request().Context(), graphIDOf(c))
	if err != nil {
		logger.Error("[Server] Failed to load graph", "err", err)
		code, msg := statusOf(err)
		return c.JSON(code, relationResponse{Message: msg})
	}
	e, ok := g.Edge(q.Source, q.Target)
	if !ok {
		return c.JSON(http.StatusNotFound, relationResponse{Message: "Relation not found"})
	}
	return c.JSON(http.StatusOK, relationResponse{Relation: &relationView{
		GraphEdge:   e,
		Description: e.Description(),
		Occurrences: e.Occurrences(),
	}})
}
