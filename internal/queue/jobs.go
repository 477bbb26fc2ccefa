package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kiwi/consolidation/internal/engine"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/graph"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/logger"

	"github.com/go-playground/validator"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	ExtractQueue   = "extract_queue"
	SummarizeQueue = "summarize_queue"
)

// Queues lists the work queues consumed by the worker.
var Queues = []string{ExtractQueue, SummarizeQueue}

var validate = validator.New()

// ExtractJobMsg asks the worker to extract passages into a graph.
type ExtractJobMsg struct {
	JobID    string          `json:"job_id"`
	GraphID  string          `json:"graph_id"`
	Passages []graph.Passage `json:"passages" validate:"required,min=1,dive"`
}

// RelationRef names a relationship by its endpoints.
type RelationRef struct {
	Source string `json:"source" validate:"required"`
	Target string `json:"target" validate:"required"`
}

// SummarizeJobMsg asks the worker to condense descriptions. Without
// entities and relations every pending description of the graph is checked.
type SummarizeJobMsg struct {
	JobID     string        `json:"job_id"`
	GraphID   string        `json:"graph_id"`
	Entities  []string      `json:"entities,omitempty"`
	Relations []RelationRef `json:"relations,omitempty" validate:"omitempty,dive"`
}

// GraphEvent is published on the event exchange after a job changed a graph.
type GraphEvent struct {
	JobID      string             `json:"job_id"`
	GraphID    string             `json:"graph_id"`
	Kind       string             `json:"kind"`
	Version    uint64             `json:"version"`
	Report     *graph.MergeReport `json:"report,omitempty"`
	Summarized int                `json:"summarized,omitempty"`
	Time       time.Time          `json:"time"`
}

// PermanentError marks a message that fails the same way on every attempt.
// Such messages skip the retry queue.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err should not be retried.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// RetryError asks for Body to be retried in place of the delivered message.
// It is returned when part of a job was committed and only the rest has to
// run again.
type RetryError struct {
	Body []byte
	Err  error
}

func (e *RetryError) Error() string {
	return e.Err.Error()
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// NewExtractJob returns an extract job with a fresh job ID.
func NewExtractJob(graphID string, passages []graph.Passage) ExtractJobMsg {
	return ExtractJobMsg{JobID: gonanoid.Must(), GraphID: graphID, Passages: passages}
}

// NewSummarizeJob returns a summarize job with a fresh job ID.
func NewSummarizeJob(graphID string, entities []string, relations []RelationRef) SummarizeJobMsg {
	return SummarizeJobMsg{JobID: gonanoid.Must(), GraphID: graphID, Entities: entities, Relations: relations}
}

func decode(body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return &PermanentError{Err: fmt.Errorf("decode message: %w", err)}
	}
	if err := validate.Struct(out); err != nil {
		return &PermanentError{Err: fmt.Errorf("invalid message: %w", err)}
	}
	return nil
}

func publishJSON(fn func([]byte) error, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return fn(data)
}

// Topic returns the routing key of graph events of the given kind.
func Topic(graphID, kind string) string {
	return "graph." + graphID + "." + kind
}

func publishEvent(pub Publisher, ev GraphEvent) {
	if pub == nil {
		return
	}
	ev.Time = time.Now()
	err := publishJSON(func(b []byte) error { return pub.PublishTopic(Topic(ev.GraphID, ev.Kind), b) }, ev)
	if err != nil {
		logger.Warn("[Queue] Failed to publish graph event", "graph", ev.GraphID, "kind", ev.Kind, "err", err)
	}
}

// ProcessExtractMessage decodes an ExtractJobMsg and runs Extract.
func ProcessExtractMessage(ctx context.Context, e *engine.Engine, pub Publisher, body []byte) error {
	var msg ExtractJobMsg
	if err := decode(body, &msg); err != nil {
		return err
	}
	_, err := Extract(ctx, e, pub, msg)
	return err
}

// Extract merges the passages of msg into its graph and publishes an
// extracted event when the graph changed. When summaries are not produced
// inline a summarize job for the graph is queued afterwards. pub may be nil.
//
// Passages that finished are saved even when others failed. If only some
// failed, the error is a *RetryError holding a job with just those passages.
func Extract(ctx context.Context, e *engine.Engine, pub Publisher, msg ExtractJobMsg) (graph.ProcessResult, error) {
	graphID := e.GraphID(msg.GraphID)
	logger.Info("[Queue] Extracting passages", "job_id", msg.JobID, "graph", graphID, "passages", len(msg.Passages))

	var (
		res     graph.ProcessResult
		version uint64
		procErr error
	)
	// Passage failures do not fail the update so the passages that finished
	// are saved.
	err := e.Update(ctx, graphID, func(ctx context.Context, c *graph.GraphClient) error {
		res, procErr = c.ProcessPassages(ctx, msg.Passages)
		version = c.Graph().Version()
		return nil
	})
	if res.Report.Changed() {
		publishEvent(pub, GraphEvent{
			JobID:      msg.JobID,
			GraphID:    graphID,
			Kind:       "extracted",
			Version:    version,
			Report:     &res.Report,
			Summarized: res.Summarized,
		})
	}
	if err != nil {
		return res, errors.Join(err, procErr)
	}

	if !e.Config.Summary.AutoSummarize && res.Report.Changed() && pub != nil {
		if err := queueSummary(pub, graphID); err != nil {
			return res, errors.Join(fmt.Errorf("queue summarize job: %w", err), procErr)
		}
	}
	if procErr == nil {
		return res, nil
	}

	failed := res.Failed()
	switch {
	case len(failed) == 0 && pub != nil:
		// Only the inline summaries failed. Every passage is saved, so
		// summarizing runs again as its own job.
		logger.Warn("[Queue] Inline summaries failed", "job_id", msg.JobID, "graph", graphID, "err", procErr)
		if err := queueSummary(pub, graphID); err != nil {
			return res, errors.Join(fmt.Errorf("queue summarize job: %w", err), procErr)
		}
		return res, nil
	case len(failed) == 0 || len(failed) == len(msg.Passages):
		return res, procErr
	}

	retry := ExtractJobMsg{JobID: msg.JobID, GraphID: msg.GraphID, Passages: make([]graph.Passage, 0, len(failed))}
	for _, i := range failed {
		retry.Passages = append(retry.Passages, msg.Passages[i])
	}
	body, err := json.Marshal(retry)
	if err != nil {
		return res, procErr
	}
	logger.Warn("[Queue] Some passages failed", "job_id", msg.JobID, "graph", graphID,
		"failed", len(failed), "passages", len(msg.Passages), "err", procErr)
	return res, &RetryError{Body: body, Err: procErr}
}

func queueSummary(pub Publisher, graphID string) error {
	job := NewSummarizeJob(graphID, nil, nil)
	if err := publishJSON(func(b []byte) error { return pub.PublishFIFO(SummarizeQueue, b) }, job); err != nil {
		return err
	}
	logger.Debug("[Queue] Queued summarize job", "job_id", job.JobID, "graph", graphID)
	return nil
}

// ProcessSummarizeMessage decodes a SummarizeJobMsg and runs Summarize.
func ProcessSummarizeMessage(ctx context.Context, e *engine.Engine, pub Publisher, body []byte) error {
	var msg SummarizeJobMsg
	if err := decode(body, &msg); err != nil {
		return err
	}
	_, err := Summarize(ctx, e, pub, msg)
	return err
}

// Summarize condenses the descriptions named by msg and reports how many
// were summarized. pub may be nil.
func Summarize(ctx context.Context, e *engine.Engine, pub Publisher, msg SummarizeJobMsg) (int, error) {
	graphID := e.GraphID(msg.GraphID)
	logger.Info("[Queue] Summarizing descriptions", "job_id", msg.JobID, "graph", graphID)

	var (
		summarized int
		version    uint64
	)
	err := e.Update(ctx, graphID, func(ctx context.Context, c *graph.GraphClient) error {
		defer func() { version = c.Graph().Version() }()
		s := c.Summarizer()
		if len(msg.Entities) == 0 && len(msg.Relations) == 0 {
			n, err := s.SummarizeAll(ctx)
			summarized = n
			return err
		}

		var errs []error
		for _, name := range msg.Entities {
			ok, err := s.SummarizeNode(ctx, name)
			if ok {
				summarized++
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("entity %q: %w", name, err))
			}
		}
		for _, r := range msg.Relations {
			ok, err := s.SummarizeEdge(ctx, r.Source, r.Target)
			if ok {
				summarized++
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("relation %q ~ %q: %w", r.Source, r.Target, err))
			}
		}
		return errors.Join(errs...)
	})
	if summarized > 0 {
		publishEvent(pub, GraphEvent{
			JobID:      msg.JobID,
			GraphID:    graphID,
			Kind:       "summarized",
			Version:    version,
			Summarized: summarized,
		})
	}
	return summarized, err
}

// Enqueue publishes msg as a job on queueName.
func Enqueue(pub Publisher, queueName string, msg any) error {
	if err := validate.Struct(msg); err != nil {
		return err
	}
	return publishJSON(func(b []byte) error { return pub.PublishFIFO(queueName, b) }, msg)
}

// Dispatch routes a message to the processor of its queue.
func Dispatch(ctx context.Context, e *engine.Engine, pub Publisher, queueName string, body []byte) error {
	switch queueName {
	case ExtractQueue:
		return ProcessExtractMessage(ctx, e, pub, body)
	case SummarizeQueue:
		return ProcessSummarizeMessage(ctx, e, pub, body)
	default:
		return &PermanentError{Err: fmt.Errorf("unknown queue %q", queueName)}
	}
}
